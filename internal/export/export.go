// Package export writes a fund's operations as CSV and uploads the file to
// object storage.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/fund-ledger/internal/metrics"
	"github.com/atmx/fund-ledger/internal/model"
)

// ErrUpload is returned when the CSV could not be stored. Uploads are not
// retried.
var ErrUpload = errors.New("export: upload failed")

// Header is the CSV column order.
var Header = []string{
	"id", "asset_code", "operation_type", "quantity", "status",
	"execution_price", "total_value", "tax_paid", "created_at",
}

// Lister is the slice of the ledger store the exporter reads from.
type Lister interface {
	ListOperations(ctx context.Context, fundID string, from, to time.Time) ([]model.Operation, error)
}

// Uploader stores an object under key.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte) error
}

// Result describes a finished export.
type Result struct {
	FundID     string
	File       string
	Operations int
}

// Exporter builds and uploads operation exports.
type Exporter struct {
	ops      Lister
	uploader Uploader
	now      func() time.Time
}

// New creates an exporter. now defaults to time.Now in UTC.
func New(ops Lister, uploader Uploader, now func() time.Time) *Exporter {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Exporter{ops: ops, uploader: uploader, now: now}
}

// Export uploads the operations of fundID created between the start and end
// days, both inclusive.
func (e *Exporter) Export(ctx context.Context, fundID string, start, end time.Time) (*Result, error) {
	from := truncateDay(start)
	to := truncateDay(end).AddDate(0, 0, 1)

	ops, err := e.ops.ListOperations(ctx, fundID, from, to)
	if err != nil {
		metrics.ExportsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("list operations: %w", err)
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, ops); err != nil {
		metrics.ExportsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	key := ObjectKey(fundID, e.now())
	if err := e.uploader.Upload(ctx, key, buf.Bytes()); err != nil {
		metrics.ExportsTotal.WithLabelValues("upload_failed").Inc()
		slog.Error("export upload failed", "fidc_id", fundID, "file", key, "err", err)
		return nil, fmt.Errorf("%w: %v", ErrUpload, err)
	}

	metrics.ExportsTotal.WithLabelValues("ok").Inc()
	slog.Info("operations exported",
		"fidc_id", fundID,
		"start_date", from.Format(time.DateOnly),
		"end_date", end.Format(time.DateOnly),
		"file", key,
		"total_operations", len(ops),
	)
	return &Result{FundID: fundID, File: key, Operations: len(ops)}, nil
}

// ObjectKey names an export file: export_{fund}_{YYYYMMDDhhmmss}.csv.
func ObjectKey(fundID string, at time.Time) string {
	return fmt.Sprintf("export_%s_%s.csv", fundID, at.UTC().Format("20060102150405"))
}

// WriteCSV writes the header and one row per operation. Unpriced fields
// are left empty.
func WriteCSV(w io.Writer, ops []model.Operation) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, op := range ops {
		row := []string{
			op.ID,
			op.AssetCode,
			op.Type,
			strconv.FormatInt(op.Quantity, 10),
			op.Status,
			formatDecimal(op.ExecutionPrice),
			formatDecimal(op.TotalValue),
			formatDecimal(op.TaxPaid),
			"",
		}
		if !op.CreatedAt.IsZero() {
			row[8] = op.CreatedAt.UTC().Format(time.RFC3339)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatDecimal(v *decimal.Decimal) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
