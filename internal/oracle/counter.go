package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter is a shared increment-with-expiry store. The window starts at the
// first increment of a key and the key resets once the window elapses.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// incrScript increments the key and arms its expiry on the first hit, in one
// round trip so concurrent workers never leave a key without a TTL.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RedisCounter implements Counter on Redis so limits apply across every
// worker process.
type RedisCounter struct {
	rdb redis.Scripter
}

// NewRedisCounter creates a Redis-backed counter.
func NewRedisCounter(rdb redis.Scripter) *RedisCounter {
	return &RedisCounter{rdb: rdb}
}

func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	return incrScript.Run(ctx, c.rdb, []string{key}, window.Milliseconds()).Int64()
}

// MemoryCounter implements Counter in process. Used for testing and
// single-instance development.
type MemoryCounter struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]*window
}

type window struct {
	count   int64
	expires time.Time
}

// NewMemoryCounter creates an in-memory counter. A nil clock uses time.Now.
func NewMemoryCounter(now func() time.Time) *MemoryCounter {
	if now == nil {
		now = time.Now
	}
	return &MemoryCounter{
		now:     now,
		windows: make(map[string]*window),
	}
}

func (c *MemoryCounter) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	w, ok := c.windows[key]
	if !ok || !now.Before(w.expires) {
		w = &window{expires: now.Add(ttl)}
		c.windows[key] = w
	}
	w.count++
	return w.count, nil
}
