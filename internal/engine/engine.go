// Package engine implements the spec's Engine (Queue Manager): it
// constructs and owns the Durable Store, Index Store, Retry Policy, Rate
// Limiter, Circuit Breaker, Backpressure Controller and worker pool,
// validates enqueue input, exposes status/stats/dead-letter queries, and
// coordinates start/pause/resume/shutdown while dispatching lifecycle
// events to subscribers. Grounded on this codebase's TaskWorkerPool
// Start/Stop lifecycle combined with its Config/Option construction
// pattern; the typed event-subscription table follows this repo's own
// re-architecture note (an explicit {complete, error, retry, dead}
// subscriber table rather than ad-hoc listener lists).
package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/aneuhaus/http-queue-manager/internal/backpressure"
	"github.com/aneuhaus/http-queue-manager/internal/breaker"
	"github.com/aneuhaus/http-queue-manager/internal/config"
	"github.com/aneuhaus/http-queue-manager/internal/index"
	"github.com/aneuhaus/http-queue-manager/internal/logging"
	"github.com/aneuhaus/http-queue-manager/internal/queue"
	"github.com/aneuhaus/http-queue-manager/internal/queueerr"
	"github.com/aneuhaus/http-queue-manager/internal/ratelimit"
	"github.com/aneuhaus/http-queue-manager/internal/retry"
	"github.com/aneuhaus/http-queue-manager/internal/store"
	"github.com/aneuhaus/http-queue-manager/internal/worker"
)

// Engine is the Queue Manager: the single object an embedding application
// constructs and drives.
type Engine struct {
	cfg     *config.Config
	logger  logging.Logger
	durable *store.Store
	idx     *index.Store
	bp      *backpressure.Controller
	workers []*worker.Pool

	now func() time.Time

	mu            sync.RWMutex
	shuttingDown  bool
	paused        bool
	subscribers   map[queue.EventKind][]queue.Subscriber
	subscribersMu sync.Mutex
}

// New constructs an Engine from cfg, opening the Durable Store (applying
// migrations) and the Index Store's Redis client, and building the
// Backpressure Controller and worker pool. It does not start the workers;
// call Start for that.
func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	logger := cfg.Logger()

	opt, err := redis.ParseURL(cfg.Index.RedisURL)
	if err != nil {
		return nil, queueerr.Wrap("newEngine", queueerr.KindConfig, "", err)
	}
	redisClient := redis.NewClient(opt)

	durable, err := store.Open(ctx, cfg.Durable.DSN, cfg.Durable.MaxOpenConns, cfg.Durable.MaxIdleConns, cfg.Durable.ConnMaxLifetime, logger)
	if err != nil {
		return nil, err
	}

	idx := index.New(redisClient, cfg.KeyPrefix, logger)
	cb := breaker.New(redisClient, cfg.KeyPrefix, breaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		ResetTimeout:     cfg.CircuitBreaker.ResetTimeout,
		HalfOpenMaxReqs:  cfg.CircuitBreaker.HalfOpenMaxReqs,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
	}, logger)
	limiter := ratelimit.New(redisClient, cfg.KeyPrefix, ratelimit.Config{
		RequestsPerSecond: cfg.RateLimiter.RequestsPerSecond,
		BurstSize:         cfg.RateLimiter.BurstSize,
	})
	bp := backpressure.New(backpressure.Config{
		MaxConcurrency:     cfg.Backpressure.MaxConcurrency,
		PerHostConcurrency: cfg.Backpressure.PerHostConcurrency,
	}, cb, limiter)

	e := &Engine{
		cfg:         cfg,
		logger:      logger,
		durable:     durable,
		idx:         idx,
		bp:          bp,
		now:         time.Now,
		subscribers: make(map[queue.EventKind][]queue.Subscriber),
	}

	retryCfg := retry.Config{
		Strategy:    retry.Strategy(cfg.Retry.Strategy),
		BaseDelayMs: cfg.Retry.BaseDelay.Milliseconds(),
		MaxDelayMs:  cfg.Retry.MaxDelay.Milliseconds(),
		Jitter:      cfg.Retry.Jitter,
		MaxRetries:  cfg.Retry.MaxRetries,
		Rand:        rand.Float64,
	}

	e.workers = make([]*worker.Pool, cfg.Worker.PoolSize)
	for i := range e.workers {
		e.workers[i] = worker.New(cfg.Worker, retryCfg, idx, durable, bp, logger, e.dispatch)
	}

	return e, nil
}

// newForTest wires an Engine from already-constructed components, bypassing
// New's Postgres/Redis dial-and-migrate step. Exercised only by this
// package's tests, which build the Durable Store against sqlmock and the
// Index Store against miniredis.
func newForTest(cfg *config.Config, durable *store.Store, idx *index.Store, bp *backpressure.Controller, logger logging.Logger, poolSize int) *Engine {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	e := &Engine{
		cfg:         cfg,
		logger:      logger,
		durable:     durable,
		idx:         idx,
		bp:          bp,
		now:         time.Now,
		subscribers: make(map[queue.EventKind][]queue.Subscriber),
	}
	retryCfg := retry.Config{
		Strategy:    retry.Strategy(cfg.Retry.Strategy),
		BaseDelayMs: cfg.Retry.BaseDelay.Milliseconds(),
		MaxDelayMs:  cfg.Retry.MaxDelay.Milliseconds(),
		Jitter:      cfg.Retry.Jitter,
		MaxRetries:  cfg.Retry.MaxRetries,
		Rand:        rand.Float64,
	}
	e.workers = make([]*worker.Pool, poolSize)
	for i := range e.workers {
		e.workers[i] = worker.New(cfg.Worker, retryCfg, idx, durable, bp, logger, e.dispatch)
	}
	return e
}

// Start launches every worker in the pool.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	for _, w := range e.workers {
		w.Start(ctx)
	}
}

// Enqueue validates input, persists it to the Durable Store first and then
// the Index Store, returning the assigned request id.
func (e *Engine) Enqueue(ctx context.Context, input queue.EnqueueInput) (string, error) {
	if e.isShuttingDown() {
		return "", queueerr.New("enqueue", queueerr.KindShuttingDown, "", nil)
	}

	r, err := input.ToRequest(e.now)
	if err != nil {
		return "", err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	status := queue.StatusPending
	if r.ScheduledFor != nil && r.ScheduledFor.After(e.now()) {
		status = queue.StatusScheduled
	}
	st := queue.RequestState{RequestID: r.ID, Status: status, UpdatedAt: e.now()}

	if err := e.durable.SaveRequest(ctx, r, st); err != nil {
		return "", err
	}

	if status == queue.StatusScheduled {
		if err := e.idx.EnqueueScheduled(ctx, r, *r.ScheduledFor); err != nil {
			return "", err
		}
		return r.ID, nil
	}

	if err := e.idx.Enqueue(ctx, r); err != nil {
		return "", err
	}
	return r.ID, nil
}

// EnqueueMany validates and persists every input in a single durable
// transaction, then inserts all ids into the Index Store and publishes a
// single batch notification.
func (e *Engine) EnqueueMany(ctx context.Context, inputs []queue.EnqueueInput) ([]string, error) {
	if e.isShuttingDown() {
		return nil, queueerr.New("enqueueMany", queueerr.KindShuttingDown, "", nil)
	}

	items := make([]queue.StoredRequest, 0, len(inputs))
	var immediate []queue.Request
	for _, input := range inputs {
		r, err := input.ToRequest(e.now)
		if err != nil {
			return nil, err
		}
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		status := queue.StatusPending
		if r.ScheduledFor != nil && r.ScheduledFor.After(e.now()) {
			status = queue.StatusScheduled
		}
		items = append(items, queue.StoredRequest{Request: r, State: queue.RequestState{RequestID: r.ID, Status: status, UpdatedAt: e.now()}})
		if status == queue.StatusPending {
			immediate = append(immediate, r)
		}
	}

	if err := e.durable.SaveRequestBatch(ctx, items); err != nil {
		return nil, err
	}
	if err := e.idx.EnqueueMany(ctx, immediate); err != nil {
		return nil, err
	}
	for _, item := range items {
		if item.State.Status == queue.StatusScheduled {
			if err := e.idx.EnqueueScheduled(ctx, item.Request, *item.ScheduledFor); err != nil {
				return nil, err
			}
		}
	}

	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids, nil
}

// GetStatus returns the current RequestState for id.
func (e *Engine) GetStatus(ctx context.Context, id string) (queue.RequestState, error) {
	sr, err := e.durable.GetRequest(ctx, id)
	if err != nil {
		return queue.RequestState{}, err
	}
	return sr.State, nil
}

// Cancel removes id from the priority/scheduled sets and, if anything was
// removed, durably transitions it to cancelled.
func (e *Engine) Cancel(ctx context.Context, id string) (bool, error) {
	removed, err := e.idx.Cancel(ctx, id)
	if err != nil {
		return false, err
	}
	if !removed {
		return false, nil
	}
	now := e.now()
	if _, err := e.durable.UpdateRequestStatus(ctx, id, queue.StatusCancelled, queue.StatusPatch{CompletedAt: &now}, false); err != nil {
		return false, err
	}
	return true, nil
}

// GetStats returns the engine-wide Stats snapshot.
func (e *Engine) GetStats(ctx context.Context) (queue.Stats, error) {
	return e.durable.GetStats(ctx)
}

// BackpressureState is the getBackpressureState() response shape.
type BackpressureState struct {
	TotalActive    int
	MaxConcurrency int
	ActiveByHost   map[string]int
}

// GetBackpressureState reports the in-process concurrency snapshot.
func (e *Engine) GetBackpressureState() BackpressureState {
	s := e.bp.Snapshot()
	return BackpressureState{TotalActive: s.TotalActive, MaxConcurrency: s.MaxConcurrency, ActiveByHost: s.ActiveByHost}
}

// GetDeadLetterRequests returns up to limit dead-lettered requests, most
// recent first.
func (e *Engine) GetDeadLetterRequests(ctx context.Context, limit int) ([]queue.StoredRequest, error) {
	dead := queue.StatusDead
	return e.durable.GetRequestsByStatus(ctx, &dead, "", limit, 0)
}

// RetryDeadRequest flips a dead-lettered request back to pending with a
// reset attempt counter and re-enqueues it. Prior Attempt rows are never
// deleted or renumbered (§4.8/§9). The worker numbers each attempt
// RequestState.Attempts+1, and Attempts restarts at 0, so the next logged
// attempt is numbered 1 again.
func (e *Engine) RetryDeadRequest(ctx context.Context, id string) error {
	sr, err := e.durable.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	if sr.State.Status != queue.StatusDead {
		return queueerr.New("retryDeadRequest", queueerr.KindValidation, id, fmt.Errorf("request %s is not dead", id))
	}

	if _, err := e.durable.UpdateRequestStatus(ctx, id, queue.StatusPending, queue.StatusPatch{
		ResetAttempts: true, ClearError: true, ClearNextRetry: true, ClearResponse: true,
	}, false); err != nil {
		return err
	}
	return e.idx.Enqueue(ctx, sr.Request)
}

// Pause stops every worker in the pool without touching the Index Store;
// per the resolved Open Question on notification buffering (§4.8/§9), no
// buffering is implemented — a resumed worker's initial drain and
// periodic promotion tick self-heal anything published while paused.
func (e *Engine) Pause(ctx context.Context) {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	for _, w := range e.workers {
		w.Stop(ctx)
	}
}

// Resume restarts every worker in the pool.
func (e *Engine) Resume(ctx context.Context) {
	e.Start(ctx)
}

// Shutdown is idempotent: it stops accepting new enqueues, stops every
// worker, and closes the Durable Store and Index Store connections.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		return nil
	}
	e.shuttingDown = true
	e.mu.Unlock()

	for _, w := range e.workers {
		w.Stop(ctx)
	}
	if err := e.idx.Close(); err != nil {
		e.logger.Warn("index store close failed", map[string]interface{}{"error": err.Error()})
	}
	return e.durable.Close()
}

func (e *Engine) isShuttingDown() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.shuttingDown
}

// Subscribe registers fn to be invoked, sequentially and in registration
// order, for every event of kind emitted by any worker.
func (e *Engine) Subscribe(kind queue.EventKind, fn queue.Subscriber) {
	e.subscribersMu.Lock()
	defer e.subscribersMu.Unlock()
	e.subscribers[kind] = append(e.subscribers[kind], fn)
}

// OnComplete, OnError, OnRetry and OnDead are convenience wrappers over
// Subscribe for the four event kinds the spec names.
func (e *Engine) OnComplete(fn queue.Subscriber) { e.Subscribe(queue.EventComplete, fn) }
func (e *Engine) OnError(fn queue.Subscriber)    { e.Subscribe(queue.EventError, fn) }
func (e *Engine) OnRetry(fn queue.Subscriber)    { e.Subscribe(queue.EventRetry, fn) }
func (e *Engine) OnDead(fn queue.Subscriber)     { e.Subscribe(queue.EventDead, fn) }

// dispatch invokes every subscriber registered for ev.Kind, sequentially,
// absorbing panics and nothing-to-do gracefully. A subscriber is never
// allowed to break the worker pipeline.
func (e *Engine) dispatch(ev queue.Event) {
	e.subscribersMu.Lock()
	subs := append([]queue.Subscriber(nil), e.subscribers[ev.Kind]...)
	e.subscribersMu.Unlock()

	for _, sub := range subs {
		e.safeInvoke(sub, ev)
	}
}

func (e *Engine) safeInvoke(sub queue.Subscriber, ev queue.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event subscriber panicked", map[string]interface{}{
				"kind": string(ev.Kind), "request_id": ev.RequestID, "panic": fmt.Sprintf("%v", r),
			})
		}
	}()
	sub(ev)
}
