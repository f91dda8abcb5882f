package export

import (
	"context"
	"encoding/csv"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/fund-ledger/internal/model"
	"github.com/atmx/fund-ledger/internal/store"
)

type fakeUploader struct {
	key  string
	body []byte
	err  error
}

func (f *fakeUploader) Upload(_ context.Context, key string, body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.key = key
	f.body = append([]byte(nil), body...)
	return nil
}

func dp(s string) *decimal.Decimal {
	v := decimal.RequireFromString(s)
	return &v
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func seedStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.CreateFund(ctx, &model.FundCash{ID: "FIDC001", AvailableCash: decimal.NewFromInt(1000)}))
	require.NoError(t, st.CreateFund(ctx, &model.FundCash{ID: "FIDC002", AvailableCash: decimal.NewFromInt(1000)}))

	f1, f2 := "FIDC001", "FIDC002"
	ops := []model.Operation{
		{ID: "op_aug", AssetCode: "PETR4", Type: model.Buy, Quantity: 1, Status: model.OperationPending,
			CreatedAt: time.Date(2025, 8, 31, 23, 59, 59, 0, time.UTC), FundID: &f1},
		{ID: "op_001", AssetCode: "PETR4", Type: model.Buy, Quantity: 10, Status: model.OperationProcessed,
			ExecutionPrice: dp("50.00"), TotalValue: dp("502.50"), TaxPaid: dp("2.50"),
			CreatedAt: time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC), FundID: &f1},
		{ID: "op_002", AssetCode: "VALE3", Type: model.Sell, Quantity: 5, Status: model.OperationPending,
			CreatedAt: time.Date(2025, 9, 30, 18, 0, 0, 0, time.UTC), FundID: &f1},
		{ID: "op_other", AssetCode: "VALE3", Type: model.Sell, Quantity: 5, Status: model.OperationPending,
			CreatedAt: time.Date(2025, 9, 15, 0, 0, 0, 0, time.UTC), FundID: &f2},
		{ID: "op_oct", AssetCode: "VALE3", Type: model.Sell, Quantity: 5, Status: model.OperationPending,
			CreatedAt: time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC), FundID: &f1},
	}
	require.NoError(t, st.CreateJob(ctx, &model.Job{ID: "job-1", Status: model.JobProcessing}, ops))
	return st
}

func TestExport_RangeIsInclusiveOfEndDay(t *testing.T) {
	up := &fakeUploader{}
	now := time.Date(2025, 10, 2, 14, 3, 7, 0, time.UTC)
	ex := New(seedStore(t), up, func() time.Time { return now })

	res, err := ex.Export(context.Background(), "FIDC001", day(2025, 9, 1), day(2025, 9, 30))
	require.NoError(t, err)

	assert.Equal(t, "export_FIDC001_20251002140307.csv", res.File)
	assert.Equal(t, res.File, up.key)
	assert.Equal(t, 2, res.Operations)

	rows, err := csv.NewReader(strings.NewReader(string(up.body))).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, Header, rows[0])
	assert.Equal(t, []string{"op_001", "PETR4", "BUY", "10", "PROCESSED", "50", "502.5", "2.5", "2025-09-01T09:00:00Z"}, rows[1])
	assert.Equal(t, []string{"op_002", "VALE3", "SELL", "5", "PENDING", "", "", "", "2025-09-30T18:00:00Z"}, rows[2])
}

func TestExport_EmptyRangeStillUploadsHeader(t *testing.T) {
	up := &fakeUploader{}
	ex := New(seedStore(t), up, nil)

	res, err := ex.Export(context.Background(), "FIDC001", day(2024, 1, 1), day(2024, 1, 31))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Operations)
	assert.Equal(t, strings.Join(Header, ",")+"\n", string(up.body))
}

func TestExport_UploadFailureIsSurfaced(t *testing.T) {
	up := &fakeUploader{err: errors.New("connection refused")}
	ex := New(seedStore(t), up, nil)

	_, err := ex.Export(context.Background(), "FIDC001", day(2025, 9, 1), day(2025, 9, 30))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpload)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestSplitEndpoint(t *testing.T) {
	tests := []struct {
		in     string
		ssl    bool
		host   string
		secure bool
		err    bool
	}{
		{"minio:9000", false, "minio:9000", false, false},
		{"minio:9000", true, "minio:9000", true, false},
		{"http://minio:9000", false, "minio:9000", false, false},
		{"https://s3.example.com", false, "s3.example.com", true, false},
		{"", false, "", false, true},
		{"http://", false, "", false, true},
	}
	for _, tt := range tests {
		host, secure, err := splitEndpoint(tt.in, tt.ssl)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.host, host, tt.in)
		assert.Equal(t, tt.secure, secure, tt.in)
	}
}
