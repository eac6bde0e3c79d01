// Package queue is the durable order-job queue on Redis.
//
// Layout (all keys share one prefix):
//
//	queue:waiting    list  — order ids ready to run
//	queue:delayed    zset  — order ids scheduled for retry, scored by ready-at millis
//	queue:processing list  — order ids reserved by a worker
//	queue:completed  list  — recent terminal successes (trimmed to the last 100)
//	queue:failed     list  — terminal failures
//	job:<id>         string — JSON job record (order snapshot + attempt count)
//
// The queue does not promise strict FIFO. It promises the throughput limit,
// the retry backoff schedule and job-id idempotency; ordering between
// distinct orders is not observable by clients.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dexflow/dexflow/internal/models"
)

// Contract constants. Overridable through Options for tests.
const (
	DefaultMaxAttempts   = 3
	DefaultBaseDelay     = time.Second
	DefaultMaxThroughput = 100 // jobs per rolling 60s window
	DefaultConcurrency   = 10

	completedRetention = time.Hour
	failedRetention    = 2 * time.Hour
	completedKeep      = 100

	reserveBlock = 2 * time.Second
)

// Job is the queue payload: the submitted order snapshot plus retry state.
type Job struct {
	ID         string       `json:"id"`
	Order      models.Order `json:"order"`
	Attempts   int          `json:"attempts"` // attempts fully made so far
	EnqueuedAt time.Time    `json:"enqueuedAt"`
	LastError  string       `json:"lastError,omitempty"`
}

type Options struct {
	Addr          string
	Password      string
	KeyPrefix     string
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxThroughput int
}

func (o *Options) withDefaults() {
	if o.KeyPrefix == "" {
		o.KeyPrefix = "dexflow:"
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxThroughput <= 0 {
		o.MaxThroughput = DefaultMaxThroughput
	}
}

type Queue struct {
	rdb     *redis.Client
	opts    Options
	limiter *rate.Limiter

	waitingKey    string
	delayedKey    string
	processingKey string
	completedKey  string
	failedKey     string
}

// New dials Redis and verifies the connection.
func New(ctx context.Context, opts Options) (*Queue, error) {
	opts.withDefaults()

	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		PoolSize:     DefaultConcurrency * 2,
		MinIdleConns: 2,
		ReadTimeout:  reserveBlock + 5*time.Second, // blocking pops outlive the default
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("queue: connect redis: %w", err)
	}

	q := newWithClient(rdb, opts)
	log.Info().Str("addr", opts.Addr).Msg("📬 Job queue connected")
	return q, nil
}

func newWithClient(rdb *redis.Client, opts Options) *Queue {
	opts.withDefaults()
	prefix := opts.KeyPrefix
	return &Queue{
		rdb:  rdb,
		opts: opts,
		// Rolling 60s window approximated by a token bucket refilling at
		// MaxThroughput per minute, with a full-window burst.
		limiter:       rate.NewLimiter(rate.Limit(float64(opts.MaxThroughput)/60.0), opts.MaxThroughput),
		waitingKey:    prefix + "queue:waiting",
		delayedKey:    prefix + "queue:delayed",
		processingKey: prefix + "queue:processing",
		completedKey:  prefix + "queue:completed",
		failedKey:     prefix + "queue:failed",
	}
}

func (q *Queue) jobKey(id string) string { return q.opts.KeyPrefix + "job:" + id }

// MaxAttempts returns the per-job attempt cap.
func (q *Queue) MaxAttempts() int { return q.opts.MaxAttempts }

// NextBackoff returns the delay before the attempt following attemptsMade
// failed ones: base × 2^(attemptsMade−1), i.e. 1s, 2s, 4s with the defaults.
func NextBackoff(base time.Duration, attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	return base << (attemptsMade - 1)
}

// Enqueue adds an order job. The job id is the order id, so re-enqueueing an
// order that is already queued is a no-op.
func (q *Queue) Enqueue(ctx context.Context, order models.Order) error {
	job := Job{
		ID:         order.OrderID,
		Order:      order,
		EnqueuedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}

	set, err := q.rdb.SetNX(ctx, q.jobKey(job.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", job.ID, err)
	}
	if !set {
		log.Debug().Str("order_id", job.ID).Msg("order already queued, skipping enqueue")
		return nil
	}

	if err := q.rdb.LPush(ctx, q.waitingKey, job.ID).Err(); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", job.ID, err)
	}

	log.Info().Str("order_id", job.ID).Msg("📥 Order enqueued")
	return nil
}

// Reserve blocks for the next eligible job. It returns (nil, nil) when the
// queue stayed empty for the blocking window, letting the worker loop check
// its shutdown signal. The throughput limit is applied after the pop, so
// excess jobs sit reserved-pending rather than racing the limiter while idle.
func (q *Queue) Reserve(ctx context.Context) (*Job, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}

	id, err := q.rdb.BRPopLPush(ctx, q.waitingKey, q.processingKey, reserveBlock).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("queue: reserve: %w", err)
	}

	data, err := q.rdb.Get(ctx, q.jobKey(id)).Result()
	if err != nil {
		// Dangling reference; drop it rather than spinning on it.
		q.discard(ctx, id, fmt.Sprintf("job record missing: %v", err))
		return nil, nil
	}

	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		q.discard(ctx, id, fmt.Sprintf("corrupt job record: %v", err))
		return nil, nil
	}

	if err := q.limiter.Wait(ctx); err != nil {
		// Shutdown while throttled: put the job back for the next process.
		q.requeue(context.WithoutCancel(ctx), id)
		return nil, err
	}

	return &job, nil
}

// Complete records a terminal success and retires the job record.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	job.Attempts++
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}

	pipe := q.rdb.Pipeline()
	pipe.LRem(ctx, q.processingKey, 1, job.ID)
	pipe.Set(ctx, q.jobKey(job.ID), data, completedRetention)
	pipe.LPush(ctx, q.completedKey, job.ID)
	pipe.LTrim(ctx, q.completedKey, 0, completedKeep-1)
	pipe.Expire(ctx, q.completedKey, completedRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: complete %s: %w", job.ID, err)
	}
	return nil
}

// Retry schedules the next attempt after a non-final failure and returns the
// applied delay. The order row is deliberately untouched — the client sees
// the state sequence re-emitted when the retry runs.
func (q *Queue) Retry(ctx context.Context, job *Job, cause error) (time.Duration, error) {
	job.Attempts++
	job.LastError = cause.Error()
	delay := NextBackoff(q.opts.BaseDelay, job.Attempts)

	data, err := json.Marshal(job)
	if err != nil {
		return 0, fmt.Errorf("queue: marshal job: %w", err)
	}

	readyAt := time.Now().UTC().Add(delay)
	pipe := q.rdb.Pipeline()
	pipe.LRem(ctx, q.processingKey, 1, job.ID)
	pipe.Set(ctx, q.jobKey(job.ID), data, 0)
	pipe.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(readyAt.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue: retry %s: %w", job.ID, err)
	}
	return delay, nil
}

// Fail records a terminal failure.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) error {
	job.Attempts++
	job.LastError = cause.Error()
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}

	pipe := q.rdb.Pipeline()
	pipe.LRem(ctx, q.processingKey, 1, job.ID)
	pipe.Set(ctx, q.jobKey(job.ID), data, failedRetention)
	pipe.LPush(ctx, q.failedKey, job.ID)
	pipe.Expire(ctx, q.failedKey, failedRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: fail %s: %w", job.ID, err)
	}
	return nil
}

// promoteDue moves retry jobs whose backoff has elapsed onto the waiting list.
func (q *Queue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UTC().UnixMilli(), 10)
	ids, err := q.rdb.ZRangeByScore(ctx, q.delayedKey, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return fmt.Errorf("queue: promote due: %w", err)
	}
	for _, id := range ids {
		pipe := q.rdb.Pipeline()
		pipe.ZRem(ctx, q.delayedKey, id)
		pipe.LPush(ctx, q.waitingKey, id)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("queue: promote %s: %w", id, err)
		}
	}
	return nil
}

func (q *Queue) requeue(ctx context.Context, id string) {
	pipe := q.rdb.Pipeline()
	pipe.LRem(ctx, q.processingKey, 1, id)
	pipe.RPush(ctx, q.waitingKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Error().Err(err).Str("order_id", id).Msg("failed to requeue reserved job")
	}
}

func (q *Queue) discard(ctx context.Context, id, reason string) {
	log.Error().Str("order_id", id).Str("reason", reason).Msg("discarding unprocessable job")
	pipe := q.rdb.Pipeline()
	pipe.LRem(ctx, q.processingKey, 1, id)
	pipe.LPush(ctx, q.failedKey, id)
	pipe.Expire(ctx, q.failedKey, failedRetention)
	pipe.Exec(ctx)
}

// Close releases the Redis connection.
func (q *Queue) Close() error {
	return q.rdb.Close()
}
