// Package oracle simulates an unreliable, rate-limited asset pricing source.
//
// Each asset gets a fixed request budget per window (default 10 per 60s),
// counted in a shared Counter so the budget holds across concurrent workers.
// Independently of the limit, a configurable share of calls fails with
// ErrTransient to model a flaky upstream.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/fund-ledger/internal/metrics"
)

var (
	// ErrRateLimited is returned once an asset exceeds its request budget
	// for the current window.
	ErrRateLimited = errors.New("oracle: rate limit exceeded for asset")

	// ErrTransient is returned for injected upstream failures.
	ErrTransient = errors.New("oracle: failed to fetch asset price")
)

// KeyPrefix namespaces rate-limit counters in the shared store.
const KeyPrefix = "asset_price_rate_limit:"

// Quoter returns the current price of an asset.
type Quoter interface {
	Quote(ctx context.Context, assetCode string) (decimal.Decimal, error)
}

// QuoterFunc adapts a function to the Quoter interface.
type QuoterFunc func(ctx context.Context, assetCode string) (decimal.Decimal, error)

func (f QuoterFunc) Quote(ctx context.Context, assetCode string) (decimal.Decimal, error) {
	return f(ctx, assetCode)
}

// Fixed returns a Quoter that always answers price.
func Fixed(price decimal.Decimal) Quoter {
	return QuoterFunc(func(context.Context, string) (decimal.Decimal, error) {
		return price, nil
	})
}

// Config controls the simulated source.
type Config struct {
	Limit       int64         // requests allowed per asset per window
	Window      time.Duration // counter lifetime, armed on first request
	FailureRate float64       // probability in [0,1] of ErrTransient
	MinPrice    decimal.Decimal
	MaxPrice    decimal.Decimal
}

// DefaultConfig returns 10 req/min per asset, 30% failures, prices in [10, 100].
func DefaultConfig() Config {
	return Config{
		Limit:       10,
		Window:      time.Minute,
		FailureRate: 0.3,
		MinPrice:    decimal.NewFromInt(10),
		MaxPrice:    decimal.NewFromInt(100),
	}
}

// Oracle is the simulated price source.
type Oracle struct {
	counter Counter
	cfg     Config

	mu  sync.Mutex // guards rnd
	rnd *rand.Rand
}

// New creates an oracle. A nil rnd is seeded from the clock.
func New(counter Counter, cfg Config, rnd *rand.Rand) *Oracle {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Oracle{
		counter: counter,
		cfg:     cfg,
		rnd:     rnd,
	}
}

// Quote returns a price for assetCode rounded to 2 decimal places, or
// ErrRateLimited / ErrTransient.
func (o *Oracle) Quote(ctx context.Context, assetCode string) (decimal.Decimal, error) {
	n, err := o.counter.Incr(ctx, KeyPrefix+assetCode, o.cfg.Window)
	if err != nil {
		metrics.QuotesTotal.WithLabelValues("error").Inc()
		return decimal.Zero, fmt.Errorf("oracle: rate limit counter: %w", err)
	}
	if n > o.cfg.Limit {
		metrics.QuotesTotal.WithLabelValues("rate_limited").Inc()
		return decimal.Zero, fmt.Errorf("%w %s (%d req/%s)", ErrRateLimited, assetCode, o.cfg.Limit, o.cfg.Window)
	}

	o.mu.Lock()
	fail := o.rnd.Float64() < o.cfg.FailureRate
	f := o.rnd.Float64()
	o.mu.Unlock()

	if fail {
		metrics.QuotesTotal.WithLabelValues("transient").Inc()
		return decimal.Zero, fmt.Errorf("%w %s", ErrTransient, assetCode)
	}

	span := o.cfg.MaxPrice.Sub(o.cfg.MinPrice)
	price := o.cfg.MinPrice.Add(span.Mul(decimal.NewFromFloat(f))).Round(2)

	metrics.QuotesTotal.WithLabelValues("ok").Inc()
	return price, nil
}

// IsTransient reports whether err came from the price source rather than
// from the operation itself.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransient)
}
