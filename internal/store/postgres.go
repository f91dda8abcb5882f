package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/fund-ledger/internal/model"
)

//go:embed schema.sql
var schema string

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateFund(ctx context.Context, f *model.FundCash) error {
	if f.AvailableCash.IsNegative() {
		return ErrNegativeBalance
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fidc_cash (fidc_id, available_cash, updated_at)
		 VALUES ($1, $2::NUMERIC, $3)`,
		f.ID, f.AvailableCash.String(), f.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateFund, f.ID)
	}
	return err
}

func (s *PostgresStore) GetFund(ctx context.Context, id string) (*model.FundCash, error) {
	return scanFund(s.pool.QueryRow(ctx,
		`SELECT fidc_id, available_cash::TEXT, updated_at
		 FROM fidc_cash WHERE fidc_id = $1`, id), id)
}

func (s *PostgresStore) ListFunds(ctx context.Context) ([]model.FundCash, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT fidc_id, available_cash::TEXT, updated_at
		 FROM fidc_cash ORDER BY fidc_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var funds []model.FundCash
	for rows.Next() {
		f, err := scanFund(rows, "")
		if err != nil {
			return nil, err
		}
		funds = append(funds, *f)
	}
	return funds, rows.Err()
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.Job, ops []model.Operation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO processing_jobs (job_id, status, created_at, completed_at)
		 VALUES ($1, $2, $3, $4)`,
		job.ID, job.Status, job.CreatedAt, job.CompletedAt,
	); err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}

	for _, op := range ops {
		_, err := tx.Exec(ctx,
			`INSERT INTO operations (id, asset_code, operation_type, quantity, status, created_at, job_id, fidc_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			op.ID, op.AssetCode, op.Type, op.Quantity, op.Status, op.CreatedAt, job.ID, op.FundID,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateOperation, op.ID)
		}
		if err != nil {
			return fmt.Errorf("insert operation %s: %w", op.ID, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var j model.Job
	err := s.pool.QueryRow(ctx,
		`SELECT job_id, status, created_at, completed_at
		 FROM processing_jobs WHERE job_id = $1`, id).
		Scan(&j.ID, &j.Status, &j.CreatedAt, &j.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &j, nil
}

// GetJobStatus aggregates the job's operation rows on every call.
func (s *PostgresStore) GetJobStatus(ctx context.Context, id string) (*model.JobStatus, error) {
	var st model.JobStatus
	err := s.pool.QueryRow(ctx,
		`SELECT j.job_id, j.status, j.completed_at,
		        COUNT(o.id),
		        COUNT(o.id) FILTER (WHERE o.status = 'PROCESSED'),
		        COUNT(o.id) FILTER (WHERE o.status = 'FAILED')
		 FROM processing_jobs j
		 LEFT JOIN operations o ON o.job_id = j.job_id
		 WHERE j.job_id = $1
		 GROUP BY j.job_id, j.status, j.completed_at`, id).
		Scan(&st.JobID, &st.Status, &st.CompletedAt,
			&st.TotalOperations, &st.Processed, &st.Failed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job status %s: %w", id, err)
	}
	return &st, nil
}

func (s *PostgresStore) ResetJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE processing_jobs j SET status = 'PROCESSING', completed_at = NULL
		 WHERE j.job_id = $1 AND j.status <> 'COMPLETED'
		   AND NOT EXISTS (SELECT 1 FROM operations o
		                   WHERE o.job_id = j.job_id AND o.status = 'FAILED')`, id)
	if err != nil {
		return fmt.Errorf("reset job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Missing, COMPLETED, or abandoned.
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return err
		}
		if job.Status == model.JobFailed {
			return fmt.Errorf("job %s: %w", id, ErrJobAbandoned)
		}
	}
	return nil
}

func (s *PostgresStore) FailJob(ctx context.Context, id string, at time.Time, abandon bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE processing_jobs SET status = 'FAILED', completed_at = $2
		 WHERE job_id = $1 AND status <> 'COMPLETED'`, id, at)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return nil
	}

	if abandon {
		if _, err := tx.Exec(ctx,
			`UPDATE operations SET status = 'FAILED'
			 WHERE job_id = $1 AND status = 'PENDING'`, id); err != nil {
			return fmt.Errorf("fail operations of job %s: %w", id, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ListOperations(ctx context.Context, fundID string, from, to time.Time) ([]model.Operation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, asset_code, operation_type, quantity, status,
		        execution_price::TEXT, total_value::TEXT, tax_paid::TEXT,
		        created_at, job_id, fidc_id
		 FROM operations
		 WHERE fidc_id = $1 AND created_at >= $2 AND created_at < $3
		 ORDER BY created_at, id`, fundID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOperations(rows)
}

// WithinUnit opens one transaction for the whole batch and locks the fund
// row with SELECT ... FOR UPDATE. The deferred rollback covers error returns
// and panics; after a commit it is a no-op.
func (s *PostgresStore) WithinUnit(ctx context.Context, jobID, fundID string, fn func(Unit) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin unit: %w", err)
	}
	defer tx.Rollback(ctx)

	fund, err := scanFund(tx.QueryRow(ctx,
		`SELECT fidc_id, available_cash::TEXT, updated_at
		 FROM fidc_cash WHERE fidc_id = $1 FOR UPDATE`, fundID), fundID)
	if err != nil {
		return err
	}

	u := &pgUnit{tx: tx, jobID: jobID, fund: *fund}
	if err := fn(u); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit unit: %w", err)
	}
	return nil
}

// pgUnit writes through the open transaction.
type pgUnit struct {
	tx    pgx.Tx
	jobID string
	fund  model.FundCash
}

func (u *pgUnit) Fund() model.FundCash {
	return u.fund
}

func (u *pgUnit) SetBalance(ctx context.Context, balance decimal.Decimal, at time.Time) error {
	if balance.IsNegative() {
		return ErrNegativeBalance
	}
	_, err := u.tx.Exec(ctx,
		`UPDATE fidc_cash SET available_cash = $2::NUMERIC, updated_at = $3
		 WHERE fidc_id = $1`,
		u.fund.ID, balance.String(), at)
	if err != nil {
		return fmt.Errorf("update fund %s: %w", u.fund.ID, err)
	}
	u.fund.AvailableCash = balance
	u.fund.UpdatedAt = at
	return nil
}

// MarkProcessed upserts the operation. The conflict branch only fires for a
// PENDING row of the same job, so any other collision affects zero rows.
func (u *pgUnit) MarkProcessed(ctx context.Context, op *model.Operation) error {
	tag, err := u.tx.Exec(ctx,
		`INSERT INTO operations (id, asset_code, operation_type, quantity, status,
		                         execution_price, total_value, tax_paid, created_at, job_id, fidc_id)
		 VALUES ($1, $2, $3, $4, 'PROCESSED', $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE
		 SET status = 'PROCESSED',
		     execution_price = EXCLUDED.execution_price,
		     total_value = EXCLUDED.total_value,
		     tax_paid = EXCLUDED.tax_paid,
		     fidc_id = COALESCE(operations.fidc_id, EXCLUDED.fidc_id)
		 WHERE operations.job_id = EXCLUDED.job_id AND operations.status = 'PENDING'`,
		op.ID, op.AssetCode, op.Type, op.Quantity,
		decimalText(op.ExecutionPrice), decimalText(op.TotalValue), decimalText(op.TaxPaid),
		op.CreatedAt, u.jobID, op.FundID,
	)
	if err != nil {
		return fmt.Errorf("mark operation %s processed: %w", op.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateOperation, op.ID)
	}
	return nil
}

func (u *pgUnit) CompleteJob(ctx context.Context, at time.Time) error {
	tag, err := u.tx.Exec(ctx,
		`UPDATE processing_jobs SET status = 'COMPLETED', completed_at = $2
		 WHERE job_id = $1`, u.jobID, at)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", u.jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", u.jobID, ErrNotFound)
	}
	return nil
}

func scanFund(row pgx.Row, id string) (*model.FundCash, error) {
	var f model.FundCash
	var cash string
	err := row.Scan(&f.ID, &cash, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("fund %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get fund %s: %w", id, err)
	}
	f.AvailableCash, err = decimal.NewFromString(cash)
	if err != nil {
		return nil, fmt.Errorf("parse available cash: %w", err)
	}
	return &f, nil
}

// scanOperations reads pgx rows into Operation slices.
func scanOperations(rows pgx.Rows) ([]model.Operation, error) {
	var ops []model.Operation
	for rows.Next() {
		var op model.Operation
		var priceS, totalS, taxS *string

		if err := rows.Scan(&op.ID, &op.AssetCode, &op.Type, &op.Quantity, &op.Status,
			&priceS, &totalS, &taxS, &op.CreatedAt, &op.JobID, &op.FundID); err != nil {
			return nil, err
		}

		op.ExecutionPrice = parseDecimal(priceS)
		op.TotalValue = parseDecimal(totalS)
		op.TaxPaid = parseDecimal(taxS)

		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func parseDecimal(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}

func decimalText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
