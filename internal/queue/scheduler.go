package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/atmx/fund-ledger/internal/metrics"
)

// Promoter releases delayed tasks that are due.
type Promoter interface {
	Promote(ctx context.Context, now time.Time) (int, error)
}

// Reaper is a queue shared between processes. Heartbeat keeps this
// consumer's lease alive and Recover requeues work held by dead consumers.
type Reaper interface {
	Heartbeat(ctx context.Context) error
	Recover(ctx context.Context) (int, error)
}

// Scheduler runs queue housekeeping on a cron schedule. Shared queues also
// get their lease renewed and dead consumers reaped on every tick.
type Scheduler struct {
	Cron     *cron.Cron
	Queue    Queue
	Promoter Promoter
	Ctx      context.Context
}

// NewScheduler creates a scheduler. promoter may be nil for queues that
// release delayed tasks on their own.
func NewScheduler(ctx context.Context, q Queue, promoter Promoter) *Scheduler {
	return &Scheduler{
		Cron:     cron.New(cron.WithSeconds()),
		Queue:    q,
		Promoter: promoter,
		Ctx:      ctx,
	}
}

// Register adds the housekeeping task under spec, e.g. "@every 1s".
func (s *Scheduler) Register(spec string) error {
	if _, err := s.Cron.AddFunc(spec, s.tick); err != nil {
		return fmt.Errorf("register queue housekeeping: %w", err)
	}
	return nil
}

// Start begins running scheduled tasks in the background.
func (s *Scheduler) Start() {
	s.Cron.Start()
}

// Stop halts the scheduler and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
}

func (s *Scheduler) tick() {
	if s.Promoter != nil {
		n, err := s.Promoter.Promote(s.Ctx, time.Now())
		if err != nil {
			slog.Error("promote delayed tasks failed", "err", err)
		} else if n > 0 {
			slog.Info("delayed tasks released", "count", n)
		}
	}

	if r, ok := s.Queue.(Reaper); ok {
		if err := r.Heartbeat(s.Ctx); err != nil {
			slog.Error("queue heartbeat failed", "err", err)
		}
		n, err := r.Recover(s.Ctx)
		if err != nil {
			slog.Error("recover in-flight tasks failed", "err", err)
		} else if n > 0 {
			slog.Info("recovered tasks from dead consumers", "count", n)
		}
	}

	if depth, err := s.Queue.Depth(s.Ctx); err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}
}
