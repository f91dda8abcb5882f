package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/fund-ledger/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var t0 = time.Date(2025, 9, 10, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, balance string, opIDs ...string) (*MemoryStore, string) {
	t.Helper()
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.CreateFund(ctx, &model.FundCash{ID: "FIDC001", AvailableCash: d(balance), UpdatedAt: t0}); err != nil {
		t.Fatalf("seed fund: %v", err)
	}

	fund := "FIDC001"
	var ops []model.Operation
	for _, id := range opIDs {
		ops = append(ops, model.Operation{
			ID: id, AssetCode: "PETR4", Type: model.Buy, Quantity: 1,
			Status: model.OperationPending, CreatedAt: t0, FundID: &fund,
		})
	}
	job := &model.Job{ID: "job-1", Status: model.JobProcessing, CreatedAt: t0}
	if err := s.CreateJob(ctx, job, ops); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return s, job.ID
}

func processed(id string, price string) *model.Operation {
	p := d(price)
	return &model.Operation{
		ID: id, AssetCode: "PETR4", Type: model.Buy, Quantity: 1,
		ExecutionPrice: &p, TotalValue: &p, TaxPaid: &p, CreatedAt: t0,
	}
}

func TestGetJobStatus_CountsFromOperations(t *testing.T) {
	s, jobID := seed(t, "1000", "op-1", "op-2")

	st, err := s.GetJobStatus(context.Background(), jobID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Status != model.JobProcessing || st.TotalOperations != 2 || st.Processed != 0 || st.Failed != 0 {
		t.Errorf("unexpected status: %+v", st)
	}
}

func TestGetJobStatus_NotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetJobStatus(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetJob(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Error("status query must not create the job")
	}
}

func TestCreateJob_DuplicateOperation(t *testing.T) {
	s, _ := seed(t, "1000", "op-1")
	err := s.CreateJob(context.Background(),
		&model.Job{ID: "job-2", Status: model.JobProcessing, CreatedAt: t0},
		[]model.Operation{{ID: "op-1", Status: model.OperationPending}})
	if !errors.Is(err, ErrDuplicateOperation) {
		t.Errorf("expected ErrDuplicateOperation, got %v", err)
	}
	if _, err := s.GetJob(context.Background(), "job-2"); !errors.Is(err, ErrNotFound) {
		t.Error("rejected job should not be stored")
	}
}

func TestWithinUnit_CommitAppliesEverything(t *testing.T) {
	s, jobID := seed(t, "1000", "op-1")
	ctx := context.Background()

	err := s.WithinUnit(ctx, jobID, "FIDC001", func(u Unit) error {
		if err := u.SetBalance(ctx, u.Fund().AvailableCash.Sub(d("502.5")), t0); err != nil {
			return err
		}
		if err := u.MarkProcessed(ctx, processed("op-1", "50")); err != nil {
			return err
		}
		return u.CompleteJob(ctx, t0)
	})
	if err != nil {
		t.Fatalf("unit: %v", err)
	}

	f, _ := s.GetFund(ctx, "FIDC001")
	if !f.AvailableCash.Equal(d("497.5")) {
		t.Errorf("expected 497.5, got %s", f.AvailableCash)
	}
	st, _ := s.GetJobStatus(ctx, jobID)
	if st.Status != model.JobCompleted || st.Processed != 1 || st.CompletedAt == nil {
		t.Errorf("unexpected status: %+v", st)
	}
}

func TestWithinUnit_ErrorRollsBack(t *testing.T) {
	s, jobID := seed(t, "1000", "op-1", "op-2")
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinUnit(ctx, jobID, "FIDC001", func(u Unit) error {
		u.SetBalance(ctx, d("1"), t0)
		u.MarkProcessed(ctx, processed("op-1", "50"))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	f, _ := s.GetFund(ctx, "FIDC001")
	if !f.AvailableCash.Equal(d("1000")) {
		t.Errorf("balance should be untouched, got %s", f.AvailableCash)
	}
	st, _ := s.GetJobStatus(ctx, jobID)
	if st.Processed != 0 || st.Status != model.JobProcessing {
		t.Errorf("no partial batch should be visible: %+v", st)
	}
}

func TestWithinUnit_PanicRollsBack(t *testing.T) {
	s, jobID := seed(t, "1000", "op-1")
	ctx := context.Background()

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		s.WithinUnit(ctx, jobID, "FIDC001", func(u Unit) error {
			u.SetBalance(ctx, d("1"), t0)
			panic("mid-batch")
		})
	}()

	f, _ := s.GetFund(ctx, "FIDC001")
	if !f.AvailableCash.Equal(d("1000")) {
		t.Errorf("balance should be untouched, got %s", f.AvailableCash)
	}

	// The fund lock must have been released.
	done := make(chan struct{})
	go func() {
		s.WithinUnit(ctx, jobID, "FIDC001", func(Unit) error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fund lock leaked after panic")
	}
}

func TestWithinUnit_RejectsNegativeBalance(t *testing.T) {
	s, jobID := seed(t, "10")
	ctx := context.Background()
	err := s.WithinUnit(ctx, jobID, "FIDC001", func(u Unit) error {
		return u.SetBalance(ctx, d("-0.01"), t0)
	})
	if !errors.Is(err, ErrNegativeBalance) {
		t.Errorf("expected ErrNegativeBalance, got %v", err)
	}
}

func TestWithinUnit_ProcessedOperationIsImmutable(t *testing.T) {
	s, jobID := seed(t, "1000", "op-1")
	ctx := context.Background()

	mark := func(u Unit) error { return u.MarkProcessed(ctx, processed("op-1", "50")) }
	if err := s.WithinUnit(ctx, jobID, "FIDC001", mark); err != nil {
		t.Fatalf("first unit: %v", err)
	}
	if err := s.WithinUnit(ctx, jobID, "FIDC001", mark); !errors.Is(err, ErrDuplicateOperation) {
		t.Errorf("expected ErrDuplicateOperation, got %v", err)
	}
}

func TestWithinUnit_SerializesSameFund(t *testing.T) {
	s, jobID := seed(t, "1000")
	ctx := context.Background()

	// Each unit buys 100 only if funds allow. 20 concurrent units against
	// 1000 must leave exactly 10 successes and a zero balance.
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithinUnit(ctx, jobID, "FIDC001", func(u Unit) error {
				bal := u.Fund().AvailableCash
				if bal.LessThan(d("100")) {
					return errors.New("insufficient")
				}
				time.Sleep(time.Millisecond)
				return u.SetBalance(ctx, bal.Sub(d("100")), t0)
			})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	f, _ := s.GetFund(ctx, "FIDC001")
	if ok != 10 || !f.AvailableCash.IsZero() {
		t.Errorf("expected 10 successes and zero balance, got %d and %s", ok, f.AvailableCash)
	}
}

func TestFailJob_AbandonMarksPendingFailed(t *testing.T) {
	s, jobID := seed(t, "1000", "op-1", "op-2")
	ctx := context.Background()

	if err := s.FailJob(ctx, jobID, t0, false); err != nil {
		t.Fatalf("fail: %v", err)
	}
	st, _ := s.GetJobStatus(ctx, jobID)
	if st.Status != model.JobFailed || st.Failed != 0 || st.CompletedAt == nil {
		t.Errorf("unexpected status after failed attempt: %+v", st)
	}

	if err := s.ResetJob(ctx, jobID); err != nil {
		t.Fatalf("reset: %v", err)
	}
	st, _ = s.GetJobStatus(ctx, jobID)
	if st.Status != model.JobProcessing || st.CompletedAt != nil {
		t.Errorf("reset should clear completion: %+v", st)
	}

	s.FailJob(ctx, jobID, t0, true)
	st, _ = s.GetJobStatus(ctx, jobID)
	if st.Status != model.JobFailed || st.Failed != 2 {
		t.Errorf("abandon should fail pending operations: %+v", st)
	}
}

func TestResetJob_AbandonedJobStaysFailed(t *testing.T) {
	s, jobID := seed(t, "1000", "op-1")
	ctx := context.Background()

	s.FailJob(ctx, jobID, t0, true)
	if err := s.ResetJob(ctx, jobID); !errors.Is(err, ErrJobAbandoned) {
		t.Fatalf("expected ErrJobAbandoned, got %v", err)
	}
	st, _ := s.GetJobStatus(ctx, jobID)
	if st.Status != model.JobFailed || st.Failed != 1 || st.CompletedAt == nil {
		t.Errorf("abandoned job must keep its state: %+v", st)
	}
}

func TestWithinUnit_FailedOperationIsImmutable(t *testing.T) {
	s, jobID := seed(t, "1000", "op-1")
	ctx := context.Background()
	s.FailJob(ctx, jobID, t0, true)

	err := s.WithinUnit(ctx, jobID, "FIDC001", func(u Unit) error {
		if err := u.SetBalance(ctx, d("950"), t0); err != nil {
			return err
		}
		return u.MarkProcessed(ctx, processed("op-1", "50"))
	})
	if !errors.Is(err, ErrDuplicateOperation) {
		t.Fatalf("expected ErrDuplicateOperation, got %v", err)
	}
	f, _ := s.GetFund(ctx, "FIDC001")
	if !f.AvailableCash.Equal(d("1000")) {
		t.Errorf("balance must roll back, got %s", f.AvailableCash)
	}
}

func TestFailJob_LeavesCompletedJob(t *testing.T) {
	s, jobID := seed(t, "1000")
	ctx := context.Background()
	s.WithinUnit(ctx, jobID, "FIDC001", func(u Unit) error { return u.CompleteJob(ctx, t0) })

	s.FailJob(ctx, jobID, t0.Add(time.Minute), true)
	s.ResetJob(ctx, jobID)

	j, _ := s.GetJob(ctx, jobID)
	if j.Status != model.JobCompleted {
		t.Errorf("completed job must stay completed, got %s", j.Status)
	}
}

func TestListOperations_FiltersFundAndWindow(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.CreateFund(ctx, &model.FundCash{ID: "A", AvailableCash: d("0")})
	s.CreateFund(ctx, &model.FundCash{ID: "B", AvailableCash: d("0")})

	a, b := "A", "B"
	s.CreateJob(ctx, &model.Job{ID: "j"}, []model.Operation{
		{ID: "in", FundID: &a, CreatedAt: t0},
		{ID: "late", FundID: &a, CreatedAt: t0.Add(48 * time.Hour)},
		{ID: "other", FundID: &b, CreatedAt: t0},
		{ID: "nofund", CreatedAt: t0},
	})

	ops, err := s.ListOperations(ctx, "A", t0.Add(-time.Hour), t0.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ops) != 1 || ops[0].ID != "in" {
		t.Errorf("expected only op 'in', got %+v", ops)
	}
}
