package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/fund-ledger/internal/model"
)

// Default Redis keys. Each consumer owns the processing list named by
// ProcessingKeyPrefix plus its id, and stays alive while its
// AliveKeyPrefix key exists.
const (
	DefaultReadyKey     = "fidc:tasks"
	DefaultDelayedKey   = "fidc:tasks:delayed"
	DefaultConsumersKey = "fidc:consumers"
	ProcessingKeyPrefix = "fidc:tasks:processing:"
	AliveKeyPrefix      = "fidc:consumers:alive:"
)

// DefaultLeaseTTL is how long a consumer counts as alive after its last
// heartbeat.
const DefaultLeaseTTL = 15 * time.Second

// promoteScript moves up to ARGV[2] delayed tasks due at ARGV[1] onto the
// ready list atomically.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, v in ipairs(due) do
	redis.call('ZREM', KEYS[1], v)
	redis.call('LPUSH', KEYS[2], v)
end
return #due
`)

// RedisQueue implements Queue on a Redis list. Dequeued tasks sit in this
// consumer's processing list until acknowledged; delayed tasks sit in a
// sorted set scored by due time until Promote moves them.
type RedisQueue struct {
	rdb           *redis.Client
	id            string
	readyKey      string
	processingKey string
	delayedKey    string
	consumersKey  string
	leaseTTL      time.Duration
	pollTimeout   time.Duration
	promoteBatch  int

	lastBeat atomic.Int64 // unix millis
}

// NewRedisQueue creates a Redis-backed queue with the default keys and a
// fresh consumer id.
func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	id := uuid.NewString()
	return &RedisQueue{
		rdb:           rdb,
		id:            id,
		readyKey:      DefaultReadyKey,
		processingKey: ProcessingKeyPrefix + id,
		delayedKey:    DefaultDelayedKey,
		consumersKey:  DefaultConsumersKey,
		leaseTTL:      DefaultLeaseTTL,
		pollTimeout:   time.Second,
		promoteBatch:  100,
	}
}

// ID returns the consumer id that names this queue's processing list.
func (q *RedisQueue) ID() string {
	return q.id
}

// Heartbeat registers the consumer and renews its lease.
func (q *RedisQueue) Heartbeat(ctx context.Context) error {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, q.consumersKey, q.id)
		p.Set(ctx, AliveKeyPrefix+q.id, time.Now().UnixMilli(), q.leaseTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue heartbeat: %w", err)
	}
	q.lastBeat.Store(time.Now().UnixMilli())
	return nil
}

// beatIfStale renews the lease when a third of it has elapsed.
func (q *RedisQueue) beatIfStale(ctx context.Context) error {
	last := time.UnixMilli(q.lastBeat.Load())
	if time.Since(last) < q.leaseTTL/3 {
		return nil
	}
	return q.Heartbeat(ctx)
}

func (q *RedisQueue) Enqueue(ctx context.Context, task model.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.JobID, err)
	}
	return q.rdb.LPush(ctx, q.readyKey, data).Err()
}

func (q *RedisQueue) EnqueueAfter(ctx context.Context, task model.Task, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, task)
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.JobID, err)
	}
	due := time.Now().Add(delay).UnixMilli()
	return q.rdb.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(due), Member: data}).Err()
}

// Dequeue polls with BRPOPLPUSH so a task is never only in memory.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		if ctx.Err() != nil {
			return nil, ErrClosed
		}
		if err := q.beatIfStale(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ErrClosed
			}
			return nil, err
		}

		raw, err := q.rdb.BRPopLPush(ctx, q.readyKey, q.processingKey, q.pollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("dequeue: %w", err)
		}

		var task model.Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			// Poison message: drop it from the processing list.
			q.rdb.LRem(ctx, q.processingKey, 1, raw)
			return nil, fmt.Errorf("decode task: %w", err)
		}

		return &Delivery{
			Task: task,
			ack: func(ctx context.Context) error {
				return q.rdb.LRem(ctx, q.processingKey, 1, raw).Err()
			},
		}, nil
	}
}

func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.readyKey).Result()
}

// Promote moves delayed tasks that are due at now onto the ready list and
// returns how many were moved.
func (q *RedisQueue) Promote(ctx context.Context, now time.Time) (int, error) {
	n, err := promoteScript.Run(ctx, q.rdb,
		[]string{q.delayedKey, q.readyKey},
		strconv.FormatInt(now.UnixMilli(), 10), q.promoteBatch,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed tasks: %w", err)
	}
	return n, nil
}

// Recover returns tasks held by consumers whose lease expired to the ready
// list and forgets those consumers. Live consumers, this one included, keep
// their in-flight tasks.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	ids, err := q.rdb.SMembers(ctx, q.consumersKey).Result()
	if err != nil {
		return 0, fmt.Errorf("list consumers: %w", err)
	}

	moved := 0
	for _, id := range ids {
		if id == q.id {
			continue
		}
		alive, err := q.rdb.Exists(ctx, AliveKeyPrefix+id).Result()
		if err != nil {
			return moved, fmt.Errorf("check consumer %s: %w", id, err)
		}
		if alive > 0 {
			continue
		}

		n, err := q.drain(ctx, ProcessingKeyPrefix+id)
		moved += n
		if err != nil {
			return moved, err
		}
		if err := q.rdb.SRem(ctx, q.consumersKey, id).Err(); err != nil {
			return moved, fmt.Errorf("forget consumer %s: %w", id, err)
		}
	}
	return moved, nil
}

func (q *RedisQueue) drain(ctx context.Context, processingKey string) (int, error) {
	moved := 0
	for {
		_, err := q.rdb.RPopLPush(ctx, processingKey, q.readyKey).Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("recover in-flight tasks: %w", err)
		}
		moved++
	}
}
