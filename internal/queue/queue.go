// Package queue carries job tasks from the submission façade to the
// execution workers with at-least-once delivery. Tasks can be delayed,
// which the engine uses for retry backoff.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/fund-ledger/internal/model"
)

var (
	// ErrClosed is returned by Dequeue once the context is done.
	ErrClosed = errors.New("queue: closed")

	// ErrFull is returned when an in-memory queue has no capacity left.
	ErrFull = errors.New("queue: full")
)

// Queue is the durable work queue consumed by the engine's worker pool.
type Queue interface {
	// Enqueue makes task available to workers immediately.
	Enqueue(ctx context.Context, task model.Task) error

	// EnqueueAfter makes task available once delay has elapsed.
	EnqueueAfter(ctx context.Context, task model.Task, delay time.Duration) error

	// Dequeue blocks until a task is available or ctx is done. The task
	// must be acknowledged once handled; unacknowledged tasks are
	// redelivered after a restart.
	Dequeue(ctx context.Context) (*Delivery, error)

	// Depth reports the number of tasks ready for delivery.
	Depth(ctx context.Context) (int64, error)
}

// Delivery is a dequeued task awaiting acknowledgement.
type Delivery struct {
	Task model.Task
	ack  func(ctx context.Context) error
}

// Ack removes the task from the in-flight set.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}
