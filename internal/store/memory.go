package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/fund-ledger/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	funds      map[string]*model.FundCash
	jobs       map[string]*model.Job
	operations map[string]*model.Operation
	order      []string // operation ids in insertion order

	lockMu    sync.Mutex
	fundLocks map[string]*sync.Mutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		funds:      make(map[string]*model.FundCash),
		jobs:       make(map[string]*model.Job),
		operations: make(map[string]*model.Operation),
		fundLocks:  make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) CreateFund(_ context.Context, f *model.FundCash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.funds[f.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateFund, f.ID)
	}
	if f.AvailableCash.IsNegative() {
		return ErrNegativeBalance
	}

	// Store a copy to avoid external mutation.
	copy := *f
	s.funds[f.ID] = &copy
	return nil
}

func (s *MemoryStore) GetFund(_ context.Context, id string) (*model.FundCash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.funds[id]
	if !ok {
		return nil, fmt.Errorf("fund %s: %w", id, ErrNotFound)
	}
	copy := *f
	return &copy, nil
}

func (s *MemoryStore) ListFunds(_ context.Context) ([]model.FundCash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	funds := make([]model.FundCash, 0, len(s.funds))
	for _, f := range s.funds {
		funds = append(funds, *f)
	}
	sort.Slice(funds, func(i, j int) bool { return funds[i].ID < funds[j].ID })
	return funds, nil
}

func (s *MemoryStore) CreateJob(_ context.Context, job *model.Job, ops []model.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(ops))
	for _, op := range ops {
		if _, ok := s.operations[op.ID]; ok || seen[op.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateOperation, op.ID)
		}
		seen[op.ID] = true
	}

	j := *job
	s.jobs[job.ID] = &j
	for _, op := range ops {
		o := cloneOperation(op)
		o.JobID = job.ID
		s.operations[o.ID] = &o
		s.order = append(s.order, o.ID)
	}
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	copy := cloneJob(*j)
	return &copy, nil
}

// GetJobStatus counts operation rows on every call.
func (s *MemoryStore) GetJobStatus(_ context.Context, id string) (*model.JobStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}

	st := &model.JobStatus{
		JobID:       j.ID,
		Status:      j.Status,
		CompletedAt: cloneTime(j.CompletedAt),
	}
	for _, op := range s.operations {
		if op.JobID != id {
			continue
		}
		st.TotalOperations++
		switch op.Status {
		case model.OperationProcessed:
			st.Processed++
		case model.OperationFailed:
			st.Failed++
		}
	}
	return st, nil
}

func (s *MemoryStore) ResetJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if j.Status == model.JobCompleted {
		return nil
	}
	if j.Status == model.JobFailed && s.abandonedLocked(id) {
		return fmt.Errorf("job %s: %w", id, ErrJobAbandoned)
	}
	j.Status = model.JobProcessing
	j.CompletedAt = nil
	return nil
}

// abandonedLocked reports whether FailJob gave up on the job, which leaves
// its unprocessed operations FAILED.
func (s *MemoryStore) abandonedLocked(jobID string) bool {
	for _, op := range s.operations {
		if op.JobID == jobID && op.Status == model.OperationFailed {
			return true
		}
	}
	return false
}

func (s *MemoryStore) FailJob(_ context.Context, id string, at time.Time, abandon bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if j.Status == model.JobCompleted {
		return nil
	}
	j.Status = model.JobFailed
	j.CompletedAt = &at

	if abandon {
		for _, op := range s.operations {
			if op.JobID == id && op.Status == model.OperationPending {
				op.Status = model.OperationFailed
			}
		}
	}
	return nil
}

func (s *MemoryStore) ListOperations(_ context.Context, fundID string, from, to time.Time) ([]model.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Operation
	for _, id := range s.order {
		op := s.operations[id]
		if op.FundID == nil || *op.FundID != fundID {
			continue
		}
		if op.CreatedAt.Before(from) || !op.CreatedAt.Before(to) {
			continue
		}
		result = append(result, cloneOperation(*op))
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// WithinUnit holds the fund's lock for the whole unit and applies staged
// changes under the store lock on commit, so readers see all or nothing.
func (s *MemoryStore) WithinUnit(ctx context.Context, jobID, fundID string, fn func(Unit) error) error {
	lock := s.fundLock(fundID)
	lock.Lock()
	defer lock.Unlock()

	fund, err := s.GetFund(ctx, fundID)
	if err != nil {
		return err
	}
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return err
	}

	u := &memoryUnit{
		store:  s,
		jobID:  jobID,
		fund:   *fund,
		staged: make(map[string]model.Operation),
	}
	if err := fn(u); err != nil {
		return err
	}
	return s.commit(u)
}

func (s *MemoryStore) fundLock(fundID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	l, ok := s.fundLocks[fundID]
	if !ok {
		l = &sync.Mutex{}
		s.fundLocks[fundID] = l
	}
	return l
}

func (s *MemoryStore) commit(u *memoryUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[u.jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", u.jobID, ErrNotFound)
	}
	for id := range u.staged {
		if err := s.checkProcessableLocked(u.jobID, id); err != nil {
			return err
		}
	}

	if u.balanceSet {
		f := s.funds[u.fund.ID]
		f.AvailableCash = u.fund.AvailableCash
		f.UpdatedAt = u.fund.UpdatedAt
	}
	for _, id := range u.stagedOrder {
		op := u.staged[id]
		if existing, ok := s.operations[id]; ok {
			op.CreatedAt = existing.CreatedAt
			if op.FundID == nil {
				op.FundID = existing.FundID
			}
		} else {
			s.order = append(s.order, id)
		}
		s.operations[id] = &op
	}
	if u.completedAt != nil {
		j.Status = model.JobCompleted
		j.CompletedAt = u.completedAt
	}
	return nil
}

func (s *MemoryStore) checkProcessableLocked(jobID, opID string) error {
	existing, ok := s.operations[opID]
	if !ok {
		return nil
	}
	if existing.JobID != jobID || existing.Status != model.OperationPending {
		return fmt.Errorf("%w: %s", ErrDuplicateOperation, opID)
	}
	return nil
}

// memoryUnit stages changes until the unit commits.
type memoryUnit struct {
	store *MemoryStore
	jobID string

	fund        model.FundCash
	balanceSet  bool
	staged      map[string]model.Operation
	stagedOrder []string
	completedAt *time.Time
}

func (u *memoryUnit) Fund() model.FundCash {
	return u.fund
}

func (u *memoryUnit) SetBalance(_ context.Context, balance decimal.Decimal, at time.Time) error {
	if balance.IsNegative() {
		return ErrNegativeBalance
	}
	u.fund.AvailableCash = balance
	u.fund.UpdatedAt = at
	u.balanceSet = true
	return nil
}

func (u *memoryUnit) MarkProcessed(_ context.Context, op *model.Operation) error {
	if _, ok := u.staged[op.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateOperation, op.ID)
	}

	u.store.mu.RLock()
	err := u.store.checkProcessableLocked(u.jobID, op.ID)
	u.store.mu.RUnlock()
	if err != nil {
		return err
	}

	o := cloneOperation(*op)
	o.JobID = u.jobID
	o.Status = model.OperationProcessed
	u.staged[o.ID] = o
	u.stagedOrder = append(u.stagedOrder, o.ID)
	return nil
}

func (u *memoryUnit) CompleteJob(_ context.Context, at time.Time) error {
	u.completedAt = &at
	return nil
}

func cloneJob(j model.Job) model.Job {
	j.CompletedAt = cloneTime(j.CompletedAt)
	return j
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneOperation(op model.Operation) model.Operation {
	op.ExecutionPrice = cloneDecimal(op.ExecutionPrice)
	op.TotalValue = cloneDecimal(op.TotalValue)
	op.TaxPaid = cloneDecimal(op.TaxPaid)
	if op.FundID != nil {
		id := *op.FundID
		op.FundID = &id
	}
	return op
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}
