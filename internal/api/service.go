// Package api provides the HTTP handlers for submitting operation batches,
// polling job status, exporting operations and administering fund balances.
//
// Submission only validates, persists and enqueues; the batch itself runs
// on the engine's workers. Failures are visible through status polling and
// the websocket stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/fund-ledger/internal/export"
	"github.com/atmx/fund-ledger/internal/metrics"
	"github.com/atmx/fund-ledger/internal/model"
	"github.com/atmx/fund-ledger/internal/queue"
	"github.com/atmx/fund-ledger/internal/store"
)

// Exporter uploads a fund's operations for a date range.
type Exporter interface {
	Export(ctx context.Context, fundID string, start, end time.Time) (*export.Result, error)
}

// Service handles submission, status and admin requests.
type Service struct {
	store    store.Store
	queue    queue.Queue
	exporter Exporter // optional
	validate *validator.Validate
	now      func() time.Time
}

// NewService creates the API service. Pass nil for exporter if no object
// store is configured; export requests then return 503.
func NewService(st store.Store, q queue.Queue, exporter Exporter) *Service {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Service{
		store:    st,
		queue:    q,
		exporter: exporter,
		validate: v,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register mounts the handlers on r.
func (s *Service) Register(r chi.Router) {
	r.Post("/operations/process", s.ProcessOperations)
	r.Post("/operations/export", s.ExportOperations)
	r.Get("/jobs/{jobID}/status", s.JobStatus)

	r.Get("/funds", s.ListFunds)
	r.Post("/funds", s.CreateFund)
	r.Get("/funds/{fundID}", s.GetFund)
}

// --- Request/Response types ---

// OperationInput is one operation of a submitted batch.
type OperationInput struct {
	ID        string `json:"id" validate:"required"`
	AssetCode string `json:"asset_code" validate:"required"`
	Type      string `json:"operation_type" validate:"required,oneof=BUY SELL"`
	Quantity  int64  `json:"quantity" validate:"gt=0"`
}

// ProcessRequest is the JSON body for POST /operations/process.
type ProcessRequest struct {
	FundID     string           `json:"fidc_id" validate:"required"`
	Operations []OperationInput `json:"operations" validate:"required,min=1,dive"`
}

// ProcessResponse is returned once a job is accepted.
type ProcessResponse struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

// ExportRequest is the JSON body for POST /operations/export. Dates are
// YYYY-MM-DD; the end date is inclusive.
type ExportRequest struct {
	FundID    string `json:"fidc_id" validate:"required"`
	StartDate string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate   string `json:"end_date" validate:"required,datetime=2006-01-02"`
}

// ExportResponse names the uploaded file.
type ExportResponse struct {
	Message string `json:"message"`
	File    string `json:"file"`
}

// CreateFundRequest is the JSON body for POST /funds.
type CreateFundRequest struct {
	FundID        string          `json:"fidc_id" validate:"required"`
	AvailableCash decimal.Decimal `json:"available_cash"`
}

// --- HTTP Handlers ---

// ProcessOperations handles POST /api/v1/operations/process.
// Creates a PROCESSING job with PENDING operations and enqueues it.
func (s *Service) ProcessOperations(w http.ResponseWriter, r *http.Request) {
	var req ProcessRequest
	if !s.decode(w, r, &req) {
		return
	}
	if id, ok := duplicateID(req.Operations); ok {
		writeError(w, "duplicate operation id in batch: "+id, http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if _, err := s.store.GetFund(ctx, req.FundID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "Fund not found", http.StatusNotFound)
			return
		}
		slog.Error("fund lookup failed", "fidc_id", req.FundID, "err", err)
		writeError(w, "failed to load fund", http.StatusInternalServerError)
		return
	}

	now := s.now()
	job := &model.Job{
		ID:        uuid.New().String(),
		Status:    model.JobProcessing,
		CreatedAt: now,
	}

	fundID := req.FundID
	ops := make([]model.Operation, len(req.Operations))
	reqs := make([]model.OperationRequest, len(req.Operations))
	for i, in := range req.Operations {
		ops[i] = model.Operation{
			ID:        in.ID,
			AssetCode: in.AssetCode,
			Type:      in.Type,
			Quantity:  in.Quantity,
			Status:    model.OperationPending,
			CreatedAt: now,
			JobID:     job.ID,
			FundID:    &fundID,
		}
		reqs[i] = model.OperationRequest{
			ID:        in.ID,
			AssetCode: in.AssetCode,
			Type:      in.Type,
			Quantity:  in.Quantity,
		}
	}

	if err := s.store.CreateJob(ctx, job, ops); err != nil {
		if errors.Is(err, store.ErrDuplicateOperation) {
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
		slog.Error("job creation failed", "fidc_id", req.FundID, "err", err)
		writeError(w, "failed to create job", http.StatusInternalServerError)
		return
	}

	task := model.Task{JobID: job.ID, FundID: req.FundID, Operations: reqs}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		slog.Error("enqueue failed", "job_id", job.ID, "err", err)
		if ferr := s.store.FailJob(context.WithoutCancel(ctx), job.ID, s.now(), true); ferr != nil {
			slog.Error("could not mark job failed", "job_id", job.ID, "err", ferr)
		}
		writeError(w, "job queue unavailable", http.StatusServiceUnavailable)
		return
	}

	metrics.JobsSubmitted.Inc()
	slog.Info("job submitted",
		"job_id", job.ID,
		"fidc_id", req.FundID,
		"total_operations", len(ops),
	)

	writeJSON(w, http.StatusCreated, ProcessResponse{
		JobID:   job.ID,
		Message: "Job created successfully",
	})
}

// JobStatus handles GET /api/v1/jobs/{jobID}/status.
// Counts are computed from operation rows on every call.
func (s *Service) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	st, err := s.store.GetJobStatus(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("job not found", "job_id", jobID)
			writeError(w, "Job not found", http.StatusNotFound)
			return
		}
		slog.Error("job status failed", "job_id", jobID, "err", err)
		writeError(w, "failed to load job status", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, st)
}

// ExportOperations handles POST /api/v1/operations/export.
func (s *Service) ExportOperations(w http.ResponseWriter, r *http.Request) {
	var req ExportRequest
	if !s.decode(w, r, &req) {
		return
	}

	start, _ := time.Parse(time.DateOnly, req.StartDate)
	end, _ := time.Parse(time.DateOnly, req.EndDate)
	if end.Before(start) {
		writeError(w, "end_date must not be before start_date", http.StatusBadRequest)
		return
	}

	if s.exporter == nil {
		writeError(w, "export storage not configured", http.StatusServiceUnavailable)
		return
	}

	res, err := s.exporter.Export(r.Context(), req.FundID, start, end)
	if err != nil {
		if errors.Is(err, export.ErrUpload) {
			writeError(w, err.Error(), http.StatusBadGateway)
			return
		}
		slog.Error("export failed", "fidc_id", req.FundID, "err", err)
		writeError(w, "export failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, ExportResponse{
		Message: fmt.Sprintf("Export job for %s completed", req.FundID),
		File:    res.File,
	})
}

// CreateFund handles POST /api/v1/funds.
func (s *Service) CreateFund(w http.ResponseWriter, r *http.Request) {
	var req CreateFundRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.AvailableCash.IsNegative() {
		writeError(w, "available_cash must not be negative", http.StatusBadRequest)
		return
	}

	fund := &model.FundCash{
		ID:            req.FundID,
		AvailableCash: req.AvailableCash,
		UpdatedAt:     s.now(),
	}
	if err := s.store.CreateFund(r.Context(), fund); err != nil {
		if errors.Is(err, store.ErrDuplicateFund) {
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
		slog.Error("fund creation failed", "fidc_id", req.FundID, "err", err)
		writeError(w, "failed to create fund", http.StatusInternalServerError)
		return
	}

	slog.Info("fund created", "fidc_id", fund.ID, "available_cash", fund.AvailableCash.String())
	writeJSON(w, http.StatusCreated, fund)
}

// GetFund handles GET /api/v1/funds/{fundID}.
func (s *Service) GetFund(w http.ResponseWriter, r *http.Request) {
	fundID := chi.URLParam(r, "fundID")

	fund, err := s.store.GetFund(r.Context(), fundID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "Fund not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to load fund", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, fund)
}

// ListFunds handles GET /api/v1/funds.
func (s *Service) ListFunds(w http.ResponseWriter, r *http.Request) {
	funds, err := s.store.ListFunds(r.Context())
	if err != nil {
		writeError(w, "failed to list funds", http.StatusInternalServerError)
		return
	}
	if funds == nil {
		funds = []model.FundCash{}
	}

	writeJSON(w, http.StatusOK, funds)
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (s *Service) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		slog.Warn("invalid request body", "path", r.URL.Path, "err", err)
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			writeError(w, err.Error(), http.StatusBadRequest)
			return false
		}
		messages := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			messages[fieldPath(fe)] = describe(fe)
		}
		slog.Warn("invalid input", "path", r.URL.Path, "errors", messages)
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":    "Invalid input",
			"messages": messages,
		})
		return false
	}
	return true
}

// fieldPath drops the top-level struct name: "operations[0].quantity".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "min":
		return "must contain at least " + fe.Param() + " item(s)"
	case "datetime":
		return "must be a date formatted YYYY-MM-DD"
	}
	return "failed " + fe.Tag() + " validation"
}

func duplicateID(ops []OperationInput) (string, bool) {
	seen := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		if _, ok := seen[op.ID]; ok {
			return op.ID, true
		}
		seen[op.ID] = struct{}{}
	}
	return "", false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
