// Package engine executes submitted batches against a fund's ledger.
//
// A batch runs inside one store unit: every operation is quoted, evaluated
// and applied in submission order, and the balance change plus every
// PROCESSED operation commit together. Any failure rolls the whole batch
// back, marks the job FAILED and schedules a retry until the retry budget
// is spent.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/fund-ledger/internal/metrics"
	"github.com/atmx/fund-ledger/internal/model"
	"github.com/atmx/fund-ledger/internal/operation"
	"github.com/atmx/fund-ledger/internal/oracle"
	"github.com/atmx/fund-ledger/internal/queue"
	"github.com/atmx/fund-ledger/internal/store"
)

// Notifier receives job status transitions.
type Notifier interface {
	Publish(event model.JobEvent)
}

// Config controls retry policy and the worker pool.
type Config struct {
	MaxRetries int           // retries after the first attempt
	RetryDelay time.Duration // fixed backoff between attempts
	Workers    int

	// Classifier decides which failures are retried. Defaults to RetryAll.
	Classifier Classifier

	// Now is the clock used for timestamps. Defaults to time.Now in UTC.
	Now func() time.Time
}

// DefaultConfig returns 3 retries 5 seconds apart on 4 workers.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		RetryDelay: 5 * time.Second,
		Workers:    4,
		Classifier: RetryAll,
	}
}

// Engine runs job batches. It is safe for concurrent use by many workers.
type Engine struct {
	store    store.Store
	queue    queue.Queue
	quoter   oracle.Quoter
	notifier Notifier // optional
	cfg      Config
}

// New creates an engine. Pass nil for notifier if status events are not
// needed.
func New(st store.Store, q queue.Queue, quoter oracle.Quoter, notifier Notifier, cfg Config) *Engine {
	if cfg.Classifier == nil {
		cfg.Classifier = RetryAll
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Engine{
		store:    st,
		queue:    q,
		quoter:   quoter,
		notifier: notifier,
		cfg:      cfg,
	}
}

// Run starts cfg.Workers workers pulling tasks from the queue and blocks
// until ctx is cancelled. A task is acknowledged after Handle returns,
// whatever the outcome: failures are carried forward by the retry task.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("engine workers starting", "workers", e.cfg.Workers,
		"max_retries", e.cfg.MaxRetries, "retry_delay", e.cfg.RetryDelay.String())

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			return e.work(gctx, id)
		})
	}
	err := g.Wait()
	slog.Info("engine workers stopped")
	return err
}

func (e *Engine) work(ctx context.Context, id int) error {
	for {
		d, err := e.queue.Dequeue(ctx)
		if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			slog.Error("dequeue failed", "worker", id, "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		_ = e.Handle(ctx, d.Task)

		if err := d.Ack(context.WithoutCancel(ctx)); err != nil {
			slog.Error("ack failed", "worker", id, "job_id", d.Task.JobID, "err", err)
		}
	}
}

// Handle runs one attempt of a task and applies the retry policy. It
// returns the attempt's error, if any, after the job has been marked
// FAILED and a retry scheduled or abandoned.
func (e *Engine) Handle(ctx context.Context, task model.Task) error {
	start := time.Now()
	log := slog.With("job_id", task.JobID, "fidc_id", task.FundID, "attempt", task.Attempt)

	err := e.Process(ctx, task)
	if err == nil {
		metrics.JobAttempts.WithLabelValues("completed").Inc()
		metrics.JobLatency.WithLabelValues("completed").Observe(time.Since(start).Seconds())
		return nil
	}
	if isSkipped(err) {
		metrics.JobAttempts.WithLabelValues("skipped").Inc()
		return err
	}

	metrics.JobAttempts.WithLabelValues("failed").Inc()
	metrics.JobAborts.WithLabelValues(abortCause(err)).Inc()
	metrics.JobLatency.WithLabelValues("failed").Observe(time.Since(start).Seconds())

	// Failure bookkeeping must land even when the worker is shutting down.
	wctx := context.WithoutCancel(ctx)
	retry := e.cfg.Classifier(err) && task.Attempt < e.cfg.MaxRetries

	if ferr := e.store.FailJob(wctx, task.JobID, e.cfg.Now(), !retry); ferr != nil {
		log.Error("could not mark job failed", "err", ferr)
	}

	if retry {
		next := task
		next.Attempt++
		if qerr := e.queue.EnqueueAfter(wctx, next, e.cfg.RetryDelay); qerr != nil {
			log.Error("could not schedule retry", "err", qerr)
			retry = false
			if ferr := e.store.FailJob(wctx, task.JobID, e.cfg.Now(), true); ferr != nil {
				log.Error("could not mark job failed", "err", ferr)
			}
		}
	}

	if retry {
		metrics.JobRetries.Inc()
		log.Warn("job attempt failed, retry scheduled", "err", err, "delay", e.cfg.RetryDelay.String())
		e.publish(task, "job_failed", model.JobFailed, err)
	} else {
		metrics.JobsAbandoned.Inc()
		log.Error("job failed permanently", "err", err)
		e.publish(task, "job_abandoned", model.JobFailed, err)
	}
	return err
}

// Process runs one attempt of a batch. Missing job or fund returns
// ErrJobNotFound or ErrFundNotFound without touching any state. A job that
// is already COMPLETED is left alone, so redelivered tasks are harmless. An
// abandoned job returns ErrJobAbandoned and is never reopened.
func (e *Engine) Process(ctx context.Context, task model.Task) error {
	log := slog.With("job_id", task.JobID, "fidc_id", task.FundID, "attempt", task.Attempt)
	log.Info("processing job", "operations", len(task.Operations))

	job, err := e.store.GetJob(ctx, task.JobID)
	if errors.Is(err, store.ErrNotFound) {
		log.Error("job or fund not found")
		return fmt.Errorf("%w: %s", ErrJobNotFound, task.JobID)
	}
	if err != nil {
		return err
	}
	if job.Status == model.JobCompleted {
		log.Info("job already completed, skipping")
		return nil
	}

	if _, err := e.store.GetFund(ctx, task.FundID); errors.Is(err, store.ErrNotFound) {
		log.Error("job or fund not found")
		return fmt.Errorf("%w: %s", ErrFundNotFound, task.FundID)
	} else if err != nil {
		return err
	}

	if job.Status != model.JobProcessing {
		err := e.store.ResetJob(ctx, job.ID)
		if errors.Is(err, store.ErrJobAbandoned) {
			log.Warn("job was abandoned, dropping task")
			return fmt.Errorf("%w: %s", ErrJobAbandoned, task.JobID)
		}
		if err != nil {
			return fmt.Errorf("reset job for retry: %w", err)
		}
		e.publish(task, "job_processing", model.JobProcessing, nil)
	}

	err = e.store.WithinUnit(ctx, job.ID, task.FundID, func(u store.Unit) error {
		return e.runBatch(ctx, u, task, log)
	})
	if err != nil {
		var abort *BatchAbortError
		if !errors.As(err, &abort) {
			err = &BatchAbortError{JobID: task.JobID, Index: -1, Err: err}
		}
		log.Error("job attempt rolled back", "err", err)
		return err
	}

	for _, req := range task.Operations {
		metrics.OperationsProcessed.WithLabelValues(req.Type).Inc()
	}
	log.Info("job completed", "processed", len(task.Operations))
	e.publish(task, "job_completed", model.JobCompleted, nil)
	return nil
}

// runBatch applies the operations in order. The running balance is carried
// between operations so every solvency check sees earlier buys and sells.
func (e *Engine) runBatch(ctx context.Context, u store.Unit, task model.Task, log *slog.Logger) error {
	fundID := task.FundID
	balance := u.Fund().AvailableCash

	for i, req := range task.Operations {
		abort := func(err error) error {
			return &BatchAbortError{JobID: task.JobID, OperationID: req.ID, Index: i, Err: err}
		}

		price, err := e.quoter.Quote(ctx, req.AssetCode)
		if err != nil {
			return abort(err)
		}

		res, err := operation.Evaluate(req.Type, req.Quantity, price)
		if err != nil {
			return abort(err)
		}
		if err := operation.CheckSolvency(balance, res); err != nil {
			return abort(err)
		}

		now := e.cfg.Now()
		balance = balance.Add(res.Delta)
		if err := u.SetBalance(ctx, balance, now); err != nil {
			return abort(err)
		}

		op := &model.Operation{
			ID:             req.ID,
			AssetCode:      req.AssetCode,
			Type:           req.Type,
			Quantity:       req.Quantity,
			Status:         model.OperationProcessed,
			ExecutionPrice: &res.Price,
			TotalValue:     &res.TotalValue,
			TaxPaid:        &res.Tax,
			CreatedAt:      now,
			JobID:          task.JobID,
			FundID:         &fundID,
		}
		if err := u.MarkProcessed(ctx, op); err != nil {
			return abort(err)
		}

		log.Info("operation processed",
			"operation_id", req.ID,
			"asset", req.AssetCode,
			"type", req.Type,
			"qty", req.Quantity,
			"price", res.Price.String(),
			"total_value", res.TotalValue.String(),
			"tax", res.Tax.String(),
		)
	}

	return u.CompleteJob(ctx, e.cfg.Now())
}

func (e *Engine) publish(task model.Task, typ, status string, err error) {
	if e.notifier == nil {
		return
	}
	ev := model.JobEvent{
		Type:    typ,
		JobID:   task.JobID,
		FundID:  task.FundID,
		Status:  status,
		Attempt: task.Attempt,
		At:      e.cfg.Now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	e.notifier.Publish(ev)
}
