package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/fund-ledger/internal/model"
)

// releaseRetry is how long a due task waits before trying a full buffer again.
const releaseRetry = 50 * time.Millisecond

// MemoryQueue implements Queue with a buffered channel. Delayed tasks are
// held by timers. Used for testing and development; nothing survives a
// restart.
type MemoryQueue struct {
	tasks chan model.Task

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
}

// NewMemoryQueue creates an in-memory queue holding up to capacity ready tasks.
func NewMemoryQueue(capacity int) *MemoryQueue {
	return &MemoryQueue{
		tasks:  make(chan model.Task, capacity),
		timers: make(map[*time.Timer]struct{}),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, task model.Task) error {
	select {
	case q.tasks <- task:
		return nil
	default:
		return ErrFull
	}
}

func (q *MemoryQueue) EnqueueAfter(ctx context.Context, task model.Task, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, task)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.scheduleLocked(task, delay)
	return nil
}

func (q *MemoryQueue) scheduleLocked(task model.Task, delay time.Duration) {
	var t *time.Timer
	t = time.AfterFunc(delay, func() { q.release(t, task) })
	q.timers[t] = struct{}{}
}

// release moves a due task onto the ready buffer. A full buffer re-arms the
// timer instead of blocking, so Close can still stop it.
func (q *MemoryQueue) release(t *time.Timer, task model.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.timers[t]; !ok {
		return
	}
	delete(q.timers, t)

	select {
	case q.tasks <- task:
	default:
		slog.Warn("memory queue full, delaying release", "job_id", task.JobID, "attempt", task.Attempt)
		q.scheduleLocked(task, releaseRetry)
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ErrClosed
	case task := <-q.tasks:
		return &Delivery{Task: task}, nil
	}
}

func (q *MemoryQueue) Depth(context.Context) (int64, error) {
	return int64(len(q.tasks)), nil
}

// Pending reports the number of delayed tasks not yet released.
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

// Close stops all pending delay timers.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for t := range q.timers {
		t.Stop()
		delete(q.timers, t)
	}
}
