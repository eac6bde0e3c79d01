// Package worker drives the order state machine.
//
// A pool of goroutines reserves jobs from the queue and walks each order
// through routing → building → submitted → confirmed, mutating the store
// and publishing every transition to the client stream. Failures are
// retried with the queue's backoff until the attempt cap, then recorded as
// a post-mortem on the order row.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/dexflow/dexflow/internal/dex"
	"github.com/dexflow/dexflow/internal/metrics"
	"github.com/dexflow/dexflow/internal/models"
	"github.com/dexflow/dexflow/internal/queue"
	"github.com/dexflow/dexflow/internal/store"
)

// FatalError marks failures that must not consume remaining attempts:
// schema violations, panics, anything non-transient.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Jobs is the queue surface the pool consumes.
type Jobs interface {
	Reserve(ctx context.Context) (*queue.Job, error)
	Complete(ctx context.Context, job *queue.Job) error
	Retry(ctx context.Context, job *queue.Job, cause error) (time.Duration, error)
	Fail(ctx context.Context, job *queue.Job, cause error) error
	MaxAttempts() int
}

// OrderStore is the slice of the store the pool writes through.
type OrderStore interface {
	Update(ctx context.Context, orderID string, patch store.Patch) error
}

// Publisher fans state transitions out to the client awaiting the order.
type Publisher interface {
	Publish(orderID, status string, data map[string]any)
	CloseAfter(orderID string, grace time.Duration)
}

// SwapRouter quotes and executes swaps.
type SwapRouter interface {
	BestRoute(ctx context.Context, tokenIn, tokenOut string, amountIn decimal.Decimal) (*dex.RouteResult, error)
	Execute(ctx context.Context, selected models.DEX, amountIn, expectedOut, slippage decimal.Decimal) (*dex.ExecutionResult, error)
}

type Config struct {
	Concurrency int
	BuildDelay  time.Duration // transaction assembly pause between building and submitted
	CloseGrace  time.Duration // time the client gets to read the terminal frame
}

func (c *Config) withDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = queue.DefaultConcurrency
	}
	if c.BuildDelay <= 0 {
		c.BuildDelay = 500 * time.Millisecond
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = time.Second
	}
}

// PostMortem is the structured failure evidence captured on terminal failure.
type PostMortem struct {
	OrderID     string
	Message     string
	Cause       string
	Attempts    int
	MaxAttempts int
	Timestamp   time.Time

	// Original submission, for forensics.
	TokenIn   string
	TokenOut  string
	AmountIn  decimal.Decimal
	OrderType models.OrderType
}

// Pool owns the worker goroutines. All collaborators are injected.
type Pool struct {
	cfg    Config
	jobs   Jobs
	orders OrderStore
	router SwapRouter
	pub    Publisher
	now    func() time.Time
}

func New(cfg Config, jobs Jobs, orders OrderStore, router SwapRouter, pub Publisher) *Pool {
	cfg.withDefaults()
	return &Pool{
		cfg:    cfg,
		jobs:   jobs,
		orders: orders,
		router: router,
		pub:    pub,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks until ctx is cancelled and every in-flight attempt has
// finished. Attempts themselves are never cancelled mid-flight: a reserved
// job runs to completion even if the client or the process is going away.
func (p *Pool) Run(ctx context.Context) {
	log.Info().Int("concurrency", p.cfg.Concurrency).Msg("⚙️  Worker pool started")

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	wg.Wait()

	log.Info().Msg("worker pool drained")
}

func (p *Pool) loop(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.jobs.Reserve(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Int("worker", id).Msg("reserve failed, backing off")
			sleepCtx(ctx, time.Second)
			continue
		}
		if job == nil {
			continue // queue idle, re-check shutdown
		}

		p.process(job)
	}
}

// process runs one attempt. It deliberately uses a background context so
// shutdown cannot tear a half-published state sequence.
func (p *Pool) process(job *queue.Job) {
	ctx := context.Background()
	attempt := job.Attempts + 1

	metrics.OrderAttempts.Inc()
	timer := prometheus.NewTimer(metrics.ExecutionSeconds)
	defer timer.ObserveDuration()

	log.Info().
		Str("order_id", job.ID).
		Int("attempt", attempt).
		Int("max_attempts", p.jobs.MaxAttempts()).
		Msg("🏁 Processing order")

	if err := p.attempt(ctx, job); err != nil {
		p.handleFailure(ctx, job, attempt, err)
		return
	}

	if err := p.jobs.Complete(ctx, job); err != nil {
		log.Error().Err(err).Str("order_id", job.ID).Msg("failed to mark job complete")
	}
	metrics.OrdersProcessed.WithLabelValues(string(models.StatusConfirmed)).Inc()
}

// attempt walks the full state machine once. Every store write happens
// before the matching publish, so a reconnecting client always reads a
// persisted status consistent with what the stream showed.
func (p *Pool) attempt(ctx context.Context, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &FatalError{Err: fmt.Errorf("panic while processing order: %v", r)}
		}
	}()

	order := job.Order
	id := order.OrderID

	// routing
	if err := p.transition(ctx, id, models.StatusRouting, store.Patch{}, nil); err != nil {
		return err
	}

	route, err := p.router.BestRoute(ctx, order.TokenIn, order.TokenOut, order.AmountIn)
	if err != nil {
		return fmt.Errorf("routing: %w", err)
	}
	log.Info().Str("order_id", id).Str("reason", route.Reason).Msg("🧭 Route selected")

	// building
	selected := route.SelectedDEX
	if err := p.transition(ctx, id, models.StatusBuilding,
		store.Patch{DexUsed: &selected},
		map[string]any{"dex_used": selected},
	); err != nil {
		return err
	}
	sleepCtx(ctx, p.cfg.BuildDelay) // transaction assembly

	// submitted
	if err := p.transition(ctx, id, models.StatusSubmitted, store.Patch{}, nil); err != nil {
		return err
	}

	res, err := p.router.Execute(ctx, selected, order.AmountIn, route.Quote.AmountOut, order.Slippage)
	if err != nil {
		return fmt.Errorf("execution: %w", err)
	}

	// confirmed
	if err := p.transition(ctx, id, models.StatusConfirmed,
		store.Patch{
			TxHash:        &res.TxHash,
			ExecutedPrice: &res.ExecutedPrice,
			AmountOut:     &res.AmountOut,
		},
		map[string]any{
			"tx_hash":        res.TxHash,
			"executed_price": res.ExecutedPrice,
			"amount_out":     res.AmountOut,
			"dex_used":       selected,
		},
	); err != nil {
		return err
	}

	log.Info().
		Str("order_id", id).
		Str("dex", string(selected)).
		Str("tx_hash", res.TxHash).
		Msg("✅ Order confirmed")

	p.pub.CloseAfter(id, p.cfg.CloseGrace)
	return nil
}

// transition persists the status change (plus extra patch fields) and then
// publishes it.
func (p *Pool) transition(ctx context.Context, orderID string, status models.OrderStatus, patch store.Patch, data map[string]any) error {
	patch.Status = &status
	if err := p.orders.Update(ctx, orderID, patch); err != nil {
		return fmt.Errorf("store %s: %w", status, err)
	}
	p.pub.Publish(orderID, string(status), data)
	return nil
}

// handleFailure applies the retry policy: schedule the next attempt with
// backoff, or record the post-mortem on the final (or fatal) failure. The
// order row stays at its last successful state on a non-final failure.
func (p *Pool) handleFailure(ctx context.Context, job *queue.Job, attempt int, cause error) {
	maxAttempts := p.jobs.MaxAttempts()

	var fatal *FatalError
	isFinal := attempt >= maxAttempts || errors.As(cause, &fatal)

	if !isFinal {
		delay, err := p.jobs.Retry(ctx, job, cause)
		if err != nil {
			log.Error().Err(err).Str("order_id", job.ID).Msg("failed to schedule retry")
			return
		}
		log.Warn().
			Str("order_id", job.ID).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Dur("next_delay", delay).
			Err(cause).
			Msg("🔁 Attempt failed, retry scheduled")
		return
	}

	pm := PostMortem{
		OrderID:     job.ID,
		Message:     cause.Error(),
		Cause:       fmt.Sprintf("%+v", cause),
		Attempts:    attempt,
		MaxAttempts: maxAttempts,
		Timestamp:   p.now(),
		TokenIn:     job.Order.TokenIn,
		TokenOut:    job.Order.TokenOut,
		AmountIn:    job.Order.AmountIn,
		OrderType:   job.Order.OrderType,
	}
	p.recordPostMortem(ctx, job, pm, cause)
}

func (p *Pool) recordPostMortem(ctx context.Context, job *queue.Job, pm PostMortem, cause error) {
	log.Error().
		Str("order_id", pm.OrderID).
		Int("attempts", pm.Attempts).
		Int("max_attempts", pm.MaxAttempts).
		Str("token_in", pm.TokenIn).
		Str("token_out", pm.TokenOut).
		Str("amount_in", pm.AmountIn.String()).
		Str("order_type", string(pm.OrderType)).
		Err(cause).
		Msg("💀 Order failed terminally")

	failedAt := pm.Timestamp.Format(time.RFC3339)
	errText := fmt.Sprintf("%s | Attempts: %d/%d | Failed at: %s",
		pm.Message, pm.Attempts, pm.MaxAttempts, failedAt)

	status := models.StatusFailed
	if err := p.orders.Update(ctx, pm.OrderID, store.Patch{Status: &status, Error: &errText}); err != nil {
		log.Error().Err(err).Str("order_id", pm.OrderID).Msg("failed to persist post-mortem")
	}

	p.pub.Publish(pm.OrderID, string(models.StatusFailed), map[string]any{
		"error":        pm.Message,
		"attempts":     pm.Attempts,
		"max_attempts": pm.MaxAttempts,
		"timestamp":    failedAt,
	})
	p.pub.CloseAfter(pm.OrderID, p.cfg.CloseGrace)

	if err := p.jobs.Fail(ctx, job, cause); err != nil {
		log.Error().Err(err).Str("order_id", pm.OrderID).Msg("failed to mark job failed")
	}
	metrics.OrdersProcessed.WithLabelValues(string(models.StatusFailed)).Inc()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
