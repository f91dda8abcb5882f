package engine

import (
	"errors"
	"fmt"

	"github.com/atmx/fund-ledger/internal/operation"
	"github.com/atmx/fund-ledger/internal/oracle"
)

var (
	// ErrJobNotFound is returned when a task references a job that does not
	// exist. The task is dropped without retry.
	ErrJobNotFound = errors.New("engine: job not found")

	// ErrFundNotFound is returned when a task references a fund that does
	// not exist. The task is dropped without retry.
	ErrFundNotFound = errors.New("engine: fund not found")

	// ErrJobAbandoned is returned when a task arrives for a job that already
	// exhausted its retries. The job stays FAILED and the task is dropped.
	ErrJobAbandoned = errors.New("engine: job was abandoned")
)

// BatchAbortError reports the operation that aborted a batch. Any single
// failure discards the ledger effects of the whole batch.
type BatchAbortError struct {
	JobID       string
	OperationID string
	Index       int
	Err         error
}

func (e *BatchAbortError) Error() string {
	if e.OperationID == "" {
		return fmt.Sprintf("engine: batch %s aborted: %v", e.JobID, e.Err)
	}
	return fmt.Sprintf("engine: batch %s aborted at operation %s (#%d): %v", e.JobID, e.OperationID, e.Index, e.Err)
}

func (e *BatchAbortError) Unwrap() error {
	return e.Err
}

// Classifier decides whether a failed attempt should be retried.
type Classifier func(err error) bool

// RetryAll retries every failure except missing or abandoned jobs and
// missing funds, including deterministic domain failures such as
// insufficient funds.
func RetryAll(err error) bool {
	return !isSkipped(err)
}

// RetryTransientOnly skips retry for domain failures (invalid operation,
// insufficient funds) that would fail again with the same inputs.
func RetryTransientOnly(err error) bool {
	return !isSkipped(err) && !operation.IsDomainError(err)
}

// IsPriceFailure reports whether a batch was aborted by the price source.
func IsPriceFailure(err error) bool {
	return oracle.IsTransient(err) || errors.Is(err, operation.ErrInvalidPrice)
}

// abortCause labels a failed attempt for the aborts metric.
func abortCause(err error) string {
	switch {
	case IsPriceFailure(err):
		return "price"
	case operation.IsDomainError(err):
		return "domain"
	default:
		return "other"
	}
}

// isSkipped reports failures that leave the job untouched and are never
// retried.
func isSkipped(err error) bool {
	return errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrFundNotFound) ||
		errors.Is(err, ErrJobAbandoned)
}
