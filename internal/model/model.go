// Package model defines the core domain types shared across the fund ledger.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// JobStatus values. A job is created PROCESSING and ends COMPLETED or FAILED.
const (
	JobProcessing = "PROCESSING"
	JobCompleted  = "COMPLETED"
	JobFailed     = "FAILED"
)

// Operation status values.
const (
	OperationPending   = "PENDING"
	OperationProcessed = "PROCESSED"
	OperationFailed    = "FAILED"
)

// Operation types.
const (
	Buy  = "BUY"
	Sell = "SELL"
)

// FundCash is the cash position of one fund (FIDC).
// AvailableCash is only mutated inside a job's atomic unit.
type FundCash struct {
	ID            string          `json:"fidc_id" db:"fidc_id"`
	AvailableCash decimal.Decimal `json:"available_cash" db:"available_cash"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Job is one submitted batch of operations.
type Job struct {
	ID          string     `json:"job_id" db:"job_id"`
	Status      string     `json:"status" db:"status"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
}

// Operation is a single buy/sell instruction owned by a job.
// Priced fields stay nil until the operation is PROCESSED.
type Operation struct {
	ID             string           `json:"id" db:"id"`
	AssetCode      string           `json:"asset_code" db:"asset_code"`
	Type           string           `json:"operation_type" db:"operation_type"` // "BUY" or "SELL"
	Quantity       int64            `json:"quantity" db:"quantity"`
	Status         string           `json:"status" db:"status"`
	ExecutionPrice *decimal.Decimal `json:"execution_price" db:"execution_price"`
	TotalValue     *decimal.Decimal `json:"total_value" db:"total_value"`
	TaxPaid        *decimal.Decimal `json:"tax_paid" db:"tax_paid"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
	JobID          string           `json:"job_id" db:"job_id"`
	FundID         *string          `json:"fidc_id" db:"fidc_id"`
}

// OperationRequest is one item of a submitted batch, in submission order.
type OperationRequest struct {
	ID        string `json:"id"`
	AssetCode string `json:"asset_code"`
	Type      string `json:"operation_type"`
	Quantity  int64  `json:"quantity"`
}

// Task is the unit of work carried by the queue for one job attempt.
type Task struct {
	JobID      string             `json:"job_id"`
	FundID     string             `json:"fidc_id"`
	Operations []OperationRequest `json:"operations"`
	Attempt    int                `json:"attempt"`
}

// JobStatus is the status view of a job, computed live from its operations.
type JobStatus struct {
	JobID           string     `json:"job_id"`
	Status          string     `json:"status"`
	TotalOperations int        `json:"total_operations"`
	Processed       int        `json:"processed"`
	Failed          int        `json:"failed"`
	CompletedAt     *time.Time `json:"estimated_completion"`
}

// JobEvent is published whenever a job changes status.
type JobEvent struct {
	Type    string    `json:"type"` // "job_processing", "job_completed", "job_failed", "job_abandoned"
	JobID   string    `json:"job_id"`
	FundID  string    `json:"fidc_id"`
	Status  string    `json:"status"`
	Attempt int       `json:"attempt"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}
