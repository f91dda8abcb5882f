// Package store defines the persistence interface for the fund ledger.
// Implementations include PostgreSQL (source of truth) and in-memory (for
// testing and development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/fund-ledger/internal/model"
)

var (
	// ErrNotFound is returned when a fund, job or operation does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateOperation is returned when an operation id is already
	// taken, or when processing would touch an operation owned by another
	// job or already PROCESSED.
	ErrDuplicateOperation = errors.New("store: operation id already exists")

	// ErrDuplicateFund is returned when creating a fund that exists.
	ErrDuplicateFund = errors.New("store: fund already exists")

	// ErrJobAbandoned is returned by ResetJob for a job whose retries were
	// exhausted. Abandoned jobs stay FAILED.
	ErrJobAbandoned = errors.New("store: job was abandoned")

	// ErrNegativeBalance is returned when a unit tries to store a negative
	// fund balance.
	ErrNegativeBalance = errors.New("store: fund balance cannot be negative")
)

// Store is the persistence interface. Every mutation is an explicit named
// update; there is no generic field setter.
type Store interface {
	// --- Funds ---

	// CreateFund persists a new fund cash row.
	CreateFund(ctx context.Context, fund *model.FundCash) error

	// GetFund retrieves a fund by id.
	GetFund(ctx context.Context, id string) (*model.FundCash, error)

	// ListFunds returns all funds.
	ListFunds(ctx context.Context) ([]model.FundCash, error)

	// --- Jobs ---

	// CreateJob persists a job together with its PENDING operations.
	CreateJob(ctx context.Context, job *model.Job, ops []model.Operation) error

	// GetJob retrieves a job by id.
	GetJob(ctx context.Context, id string) (*model.Job, error)

	// GetJobStatus returns the job with operation counts computed from its
	// operation rows.
	GetJobStatus(ctx context.Context, id string) (*model.JobStatus, error)

	// ResetJob moves a FAILED job back to PROCESSING for a retry attempt.
	// COMPLETED jobs are left untouched. A job abandoned by FailJob returns
	// ErrJobAbandoned and keeps its state.
	ResetJob(ctx context.Context, id string) error

	// FailJob marks a job FAILED with completed_at = at, committed on its
	// own. When abandon is set, the job's PENDING operations become FAILED.
	FailJob(ctx context.Context, id string, at time.Time, abandon bool) error

	// --- Operations ---

	// ListOperations returns a fund's operations created in [from, to).
	ListOperations(ctx context.Context, fundID string, from, to time.Time) ([]model.Operation, error)

	// --- Atomic unit ---

	// WithinUnit runs fn inside one all-or-nothing unit scoped to a job's
	// batch. The fund row stays locked until the unit ends, so concurrent
	// jobs on the same fund serialize. The unit commits only if fn returns
	// nil; any error or panic rolls it back.
	WithinUnit(ctx context.Context, jobID, fundID string, fn func(Unit) error) error
}

// Unit is the view of the store inside an atomic unit.
type Unit interface {
	// Fund returns the locked fund row, including balance changes made
	// earlier in this unit.
	Fund() model.FundCash

	// SetBalance stages a new available balance.
	SetBalance(ctx context.Context, balance decimal.Decimal, at time.Time) error

	// MarkProcessed stages an operation as PROCESSED with its priced fields.
	// A PENDING row of this job is updated; a missing row is inserted. Any
	// other existing row fails with ErrDuplicateOperation.
	MarkProcessed(ctx context.Context, op *model.Operation) error

	// CompleteJob stages the job's transition to COMPLETED.
	CompleteJob(ctx context.Context, at time.Time) error
}
