package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/fund-ledger/internal/model"
)

func task(jobID string, attempt int) model.Task {
	return model.Task{
		JobID:   jobID,
		FundID:  "FIDC001",
		Attempt: attempt,
		Operations: []model.OperationRequest{
			{ID: "op_001", AssetCode: "PETR4", Type: model.Buy, Quantity: 10},
		},
	}
}

func newRedisQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return attachRedisQueue(t, mr), mr
}

// attachRedisQueue adds another consumer on the same server.
func attachRedisQueue(t *testing.T, mr *miniredis.Miniredis) *RedisQueue {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	q := NewRedisQueue(rdb)
	q.pollTimeout = 100 * time.Millisecond
	return q
}

func TestMemoryQueue_FIFO(t *testing.T) {
	q := NewMemoryQueue(8)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, task("a", 0)))
	require.NoError(t, q.Enqueue(ctx, task("b", 0)))

	depth, _ := q.Depth(ctx)
	assert.EqualValues(t, 2, depth)

	d1, err := q.Dequeue(ctx)
	require.NoError(t, err)
	d2, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", d1.Task.JobID)
	assert.Equal(t, "b", d2.Task.JobID)
	assert.NoError(t, d1.Ack(ctx))
}

func TestMemoryQueue_DelayedReleaseWaitsForRoom(t *testing.T) {
	q := NewMemoryQueue(1)
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, task("a", 0)))
	require.NoError(t, q.EnqueueAfter(ctx, task("b", 1), 10*time.Millisecond))

	time.Sleep(4 * releaseRetry)
	assert.Equal(t, 1, q.Pending(), "due task is held while the buffer is full")
	depth, _ := q.Depth(ctx)
	assert.EqualValues(t, 1, depth)

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", first.Task.JobID)

	dctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	second, err := q.Dequeue(dctx)
	require.NoError(t, err)
	assert.Equal(t, "b", second.Task.JobID)
	assert.Equal(t, 0, q.Pending())
}

func TestMemoryQueue_CloseStopsHeldRelease(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, task("a", 0)))
	require.NoError(t, q.EnqueueAfter(ctx, task("b", 1), time.Millisecond))
	time.Sleep(2 * releaseRetry)

	q.Close()
	assert.Equal(t, 0, q.Pending())

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", first.Task.JobID)

	time.Sleep(3 * releaseRetry)
	depth, _ := q.Depth(ctx)
	assert.EqualValues(t, 0, depth, "closed queue releases nothing")
}

func TestMemoryQueue_Full(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, task("a", 0)))
	assert.ErrorIs(t, q.Enqueue(ctx, task("b", 0)), ErrFull)
}

func TestMemoryQueue_DequeueHonorsContext(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryQueue_EnqueueAfter(t *testing.T) {
	q := NewMemoryQueue(4)
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.EnqueueAfter(ctx, task("a", 1), 30*time.Millisecond))
	assert.Equal(t, 1, q.Pending())

	depth, _ := q.Depth(ctx)
	assert.EqualValues(t, 0, depth, "delayed task should not be ready yet")

	dctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	del, err := q.Dequeue(dctx)
	require.NoError(t, err)
	assert.Equal(t, 1, del.Task.Attempt)
	assert.Equal(t, 0, q.Pending())
}

func TestRedisQueue_RoundTripAndAck(t *testing.T) {
	q, mr := newRedisQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, task("job-1", 0)))

	del, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-1", del.Task.JobID)
	assert.Equal(t, "PETR4", del.Task.Operations[0].AssetCode)

	inflight, _ := mr.List(ProcessingKeyPrefix + q.ID())
	assert.Len(t, inflight, 1, "task should be held in processing list until ack")

	require.NoError(t, del.Ack(ctx))
	inflight, _ = mr.List(ProcessingKeyPrefix + q.ID())
	assert.Empty(t, inflight)
}

func TestRedisQueue_DequeueStopsOnCancel(t *testing.T) {
	q, _ := newRedisQueue(t)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := q.Dequeue(ctx)
	assert.True(t, errors.Is(err, ErrClosed), "got %v", err)
}

func TestRedisQueue_DelayedPromotion(t *testing.T) {
	q, _ := newRedisQueue(t)
	ctx := context.Background()

	require.NoError(t, q.EnqueueAfter(ctx, task("job-1", 1), 5*time.Second))

	n, err := q.Promote(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "task is not due yet")

	n, err = q.Promote(ctx, time.Now().Add(6*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	del, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, del.Task.Attempt)
}

func TestRedisQueue_RecoverSkipsLiveConsumers(t *testing.T) {
	a, mr := newRedisQueue(t)
	b := attachRedisQueue(t, mr)
	ctx := context.Background()

	require.NoError(t, a.Enqueue(ctx, task("job-1", 0)))
	_, err := a.Dequeue(ctx) // in flight on a
	require.NoError(t, err)

	moved, err := b.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, moved, "a still holds its lease")

	moved, err = a.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, moved, "a never reclaims its own work")

	dctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()
	_, err = b.Dequeue(dctx)
	assert.ErrorIs(t, err, ErrClosed, "b must not receive a's task")

	inflight, _ := mr.List(ProcessingKeyPrefix + a.ID())
	assert.Len(t, inflight, 1)
}

func TestRedisQueue_RecoverReclaimsExpiredConsumer(t *testing.T) {
	a, mr := newRedisQueue(t)
	b := attachRedisQueue(t, mr)
	ctx := context.Background()

	require.NoError(t, a.Enqueue(ctx, task("job-1", 0)))
	_, err := a.Dequeue(ctx) // a crashes before ack
	require.NoError(t, err)
	require.NoError(t, b.Heartbeat(ctx))

	mr.FastForward(DefaultLeaseTTL + time.Second)

	moved, err := b.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	members, _ := mr.Members(DefaultConsumersKey)
	assert.Equal(t, []string{b.ID()}, members, "dead consumer is forgotten")

	del, err := b.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-1", del.Task.JobID)
	require.NoError(t, del.Ack(ctx))

	moved, err = b.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, moved)
}

func TestScheduler_TickReapsDeadConsumers(t *testing.T) {
	a, mr := newRedisQueue(t)
	b := attachRedisQueue(t, mr)
	ctx := context.Background()

	require.NoError(t, a.Enqueue(ctx, task("job-1", 0)))
	_, err := a.Dequeue(ctx)
	require.NoError(t, err)
	mr.FastForward(DefaultLeaseTTL + time.Second)

	s := NewScheduler(ctx, b, b)
	s.tick()

	assert.True(t, mr.Exists(AliveKeyPrefix+b.ID()), "tick renews the lease")
	depth, err := b.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
}

type countingPromoter struct{ calls int }

func (p *countingPromoter) Promote(context.Context, time.Time) (int, error) {
	p.calls++
	return 0, nil
}

func TestScheduler_TickPromotes(t *testing.T) {
	p := &countingPromoter{}
	s := NewScheduler(context.Background(), NewMemoryQueue(1), p)
	require.NoError(t, s.Register("@every 1s"))
	assert.Error(t, s.Register("not a cron spec"))

	s.tick()
	assert.Equal(t, 1, p.calls)
}
