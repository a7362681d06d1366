// Package worker implements the spec's Worker: a per-process pool of
// goroutines that drain the Index Store's priority queue, gate each
// execution through the Backpressure Controller, perform the outbound HTTP
// call and drive the request's durable lifecycle transitions. Structurally
// grounded on this codebase's TaskWorkerPool (goroutine-per-slot dispatch,
// panic recovery via recover()+debug.Stack(), graceful Stop with a timeout
// poll of the in-flight set); the outbound HTTP call itself follows the
// k8s communicator's context-deadline + header-injection + status
// classification shape.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/aneuhaus/http-queue-manager/internal/backpressure"
	"github.com/aneuhaus/http-queue-manager/internal/config"
	"github.com/aneuhaus/http-queue-manager/internal/index"
	"github.com/aneuhaus/http-queue-manager/internal/logging"
	"github.com/aneuhaus/http-queue-manager/internal/queue"
	"github.com/aneuhaus/http-queue-manager/internal/queueerr"
	"github.com/aneuhaus/http-queue-manager/internal/retry"
	"github.com/aneuhaus/http-queue-manager/internal/store"
)

// Durable is the subset of the Durable Store the worker depends on.
type Durable interface {
	UpdateRequestStatus(ctx context.Context, id string, status queue.Status, patch queue.StatusPatch, requireNonTerminal bool) (bool, error)
	LogAttempt(ctx context.Context, a queue.Attempt) error
}

var _ Durable = (*store.Store)(nil)

// Pool is one worker instance: a drain loop over the priority queue plus
// an orphan-recovery sweep, both bounded by the Backpressure Controller.
type Pool struct {
	cfg     config.WorkerConfig
	retry   retry.Config
	index   *index.Store
	durable Durable
	bp      *backpressure.Controller
	client  *http.Client
	logger  logging.Logger
	emit    func(queue.Event)
	now     func() time.Time

	mu       sync.Mutex
	running  bool
	inFlight sync.Map
	wg       sync.WaitGroup
	stopCh   chan struct{}
}

// New constructs a worker Pool. emit is invoked for every lifecycle event
// the worker produces (complete/error/retry/dead); it must not block.
func New(cfg config.WorkerConfig, retryCfg retry.Config, idx *index.Store, durable Durable, bp *backpressure.Controller, logger logging.Logger, emit func(queue.Event)) *Pool {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if cal, ok := logger.(logging.ComponentAwareLogger); ok {
		logger = cal.WithComponent("queue/worker")
	}
	return &Pool{
		cfg:     cfg,
		retry:   retryCfg,
		index:   idx,
		durable: durable,
		bp:      bp,
		client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		logger:  logger,
		emit:    emit,
		now:     time.Now,
	}
}

// Start runs an orphan sweep and an initial drain, then subscribes to the
// Index Store's notification channels and starts the 1Hz
// scheduled-promotion tick (which also runs the periodic orphan sweep),
// per §4.7.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.reclaimOrphans(ctx)
	p.processAvailable(ctx)

	p.wg.Add(1)
	go p.subscribeLoop(ctx)

	p.wg.Add(1)
	go p.tickLoop(ctx)
}

func (p *Pool) subscribeLoop(ctx context.Context) {
	defer p.wg.Done()
	sub := p.index.Subscribe(ctx)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Channel == "channel:retry" {
				promoted, err := p.index.PromoteScheduledRequests(ctx, p.now())
				if err != nil {
					p.logger.Warn("promoteScheduledRequests failed", map[string]interface{}{"error": err.Error()})
					continue
				}
				if len(promoted) == 0 {
					continue
				}
			}
			p.processAvailable(ctx)
		}
	}
}

func (p *Pool) tickLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	sweepTicker := time.NewTicker(p.cfg.OrphanSweepInterval)
	defer sweepTicker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			promoted, err := p.index.PromoteScheduledRequests(ctx, p.now())
			if err != nil {
				p.logger.Warn("promoteScheduledRequests failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			if len(promoted) > 0 {
				p.processAvailable(ctx)
			}
		case <-sweepTicker.C:
			p.reclaimOrphans(ctx)
		}
	}
}

func (p *Pool) orphanThreshold() time.Duration {
	threshold := 3 * p.cfg.DefaultTimeout
	if threshold < p.cfg.OrphanThresholdMin {
		threshold = p.cfg.OrphanThresholdMin
	}
	return threshold
}

// reclaimOrphans sweeps the processing set for entries claimed longer ago
// than the orphan threshold, guarded by the Index Store's lock so only one
// process instance performs a sweep pass at a time.
func (p *Pool) reclaimOrphans(ctx context.Context) {
	token, ok, err := p.index.AcquireLock(ctx, "orphan-sweep", 30*time.Second)
	if err != nil {
		p.logger.Warn("orphan sweep lock acquire failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if !ok {
		return
	}
	defer func() {
		if err := p.index.ReleaseLock(ctx, "orphan-sweep", token); err != nil {
			p.logger.Warn("orphan sweep lock release failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	cutoff := p.now().Add(-p.orphanThreshold())
	ids, err := p.index.ReclaimOrphans(ctx, cutoff)
	if err != nil {
		p.logger.Warn("reclaimOrphans failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if len(ids) > 0 {
		p.logger.Info("reclaimed orphaned requests", map[string]interface{}{"count": len(ids)})
		p.processAvailable(ctx)
	}
}

// processAvailable drains the priority queue, launching a goroutine per
// dequeued request until the queue is empty or the pool is stopped.
func (p *Pool) processAvailable(ctx context.Context) {
	for p.processNext(ctx) {
	}
}

// processNext dequeues one request and launches its processing as an
// independently tracked goroutine. Returns true so the drain loop may
// continue; false once the priority queue is empty.
func (p *Pool) processNext(ctx context.Context) bool {
	select {
	case <-p.stopCh:
		return false
	default:
	}

	req, ok, err := p.index.Dequeue(ctx, p.now())
	if err != nil {
		p.logger.Warn("dequeue failed", map[string]interface{}{"error": err.Error()})
		return false
	}
	if !ok {
		return false
	}

	p.inFlight.Store(req.ID, struct{}{})
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.inFlight.Delete(req.ID)
		defer p.recoverPanic(req.ID)
		p.processRequest(ctx, req)
	}()
	return true
}

func (p *Pool) recoverPanic(id string) {
	if r := recover(); r != nil {
		p.logger.Error("panic processing request", map[string]interface{}{
			"request_id": id, "panic": fmt.Sprintf("%v", r), "stack": string(debug.Stack()),
		})
	}
}

// processRequest executes the full lifecycle of a single dequeued request,
// per §4.7's numbered steps.
func (p *Pool) processRequest(ctx context.Context, r queue.Request) {
	host := queue.HostOf(r.URL)
	maxRetries := r.MaxRetries

	attempts, err := p.currentAttempts(ctx, r.ID)
	if err != nil {
		p.logger.Warn("could not read current attempt count", map[string]interface{}{"request_id": r.ID, "error": err.Error()})
	}
	currentAttempt := attempts + 1

	ok, err := p.bp.WaitForSlot(ctx, host, p.cfg.WaitForSlotTimeout, p.now)
	if err != nil {
		p.logger.Warn("waitForSlot error", map[string]interface{}{"request_id": r.ID, "error": err.Error()})
		p.scheduleRetryAfter(ctx, r.ID, p.cfg.ScheduleRetryDelay)
		return
	}
	if !ok {
		p.scheduleRetryAfter(ctx, r.ID, p.cfg.ScheduleRetryDelay)
		return
	}

	p.bp.Acquire(host)
	defer p.bp.Release(host)

	now := p.now()
	if _, err := p.durable.UpdateRequestStatus(ctx, r.ID, queue.StatusProcessing, queue.StatusPatch{
		Attempts:      intPtr(currentAttempt),
		LastAttemptAt: &now,
	}, false); err != nil {
		p.logger.Warn("durable transition to processing failed", map[string]interface{}{"request_id": r.ID, "error": err.Error()})
	}

	resp, duration, execErr := p.execute(ctx, r)
	if execErr != nil {
		attemptErr := execErr.Error()
		if err := p.durable.LogAttempt(ctx, queue.Attempt{
			RequestID: r.ID, AttemptNumber: currentAttempt, DurationMs: duration.Milliseconds(),
			Error: attemptErr, CreatedAt: p.now(),
		}); err != nil {
			p.logger.Warn("logAttempt failed", map[string]interface{}{"request_id": r.ID, "error": err.Error()})
		}
		if err := p.bp.RecordFailure(ctx, host, p.now()); err != nil {
			p.logger.Warn("recordFailure failed", map[string]interface{}{"request_id": r.ID, "error": err.Error()})
		}
		p.handleFailure(ctx, r, currentAttempt, maxRetries, 0, execErr)
		return
	}

	if err := p.durable.LogAttempt(ctx, queue.Attempt{
		RequestID: r.ID, AttemptNumber: currentAttempt, StatusCode: resp.StatusCode,
		DurationMs: duration.Milliseconds(), ResponseHeaders: resp.Headers, CreatedAt: p.now(),
	}); err != nil {
		p.logger.Warn("logAttempt failed", map[string]interface{}{"request_id": r.ID, "error": err.Error()})
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		p.handleSuccess(ctx, r, host, resp)
		return
	}

	httpErr := queueerr.New("processRequest", queueerr.KindHTTPStatus, r.ID, fmt.Errorf("HTTP %d", resp.StatusCode))
	// 5xx and 429 count as circuit-breaker failures, per §4.5's resolved
	// Open Question; other 4xx responses are request-side faults and do
	// not penalize the host's breaker.
	if resp.StatusCode >= 500 || resp.StatusCode == 429 {
		if err := p.bp.RecordFailure(ctx, host, p.now()); err != nil {
			p.logger.Warn("recordFailure failed", map[string]interface{}{"request_id": r.ID, "error": err.Error()})
		}
	} else {
		if err := p.bp.RecordSuccess(ctx, host, p.now()); err != nil {
			p.logger.Warn("recordSuccess failed", map[string]interface{}{"request_id": r.ID, "error": err.Error()})
		}
	}
	p.handleFailure(ctx, r, currentAttempt, maxRetries, resp.StatusCode, httpErr)
}

func (p *Pool) currentAttempts(ctx context.Context, id string) (int, error) {
	type attemptsReader interface {
		GetRequest(ctx context.Context, id string) (queue.StoredRequest, error)
	}
	reader, ok := p.durable.(attemptsReader)
	if !ok {
		return 0, nil
	}
	sr, err := reader.GetRequest(ctx, id)
	if err != nil {
		return 0, err
	}
	return sr.State.Attempts, nil
}

func (p *Pool) execute(ctx context.Context, r queue.Request) (queue.ResponseSummary, time.Duration, error) {
	timeout := time.Duration(r.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body *bytes.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	} else {
		body = bytes.NewReader(nil)
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, r.Method, r.URL, body)
	if err != nil {
		return queue.ResponseSummary{}, 0, queueerr.Wrap("execute", queueerr.KindTransport, r.ID, err)
	}
	for k, v := range r.Headers {
		httpReq.Header.Set(k, v)
	}

	start := p.now()
	resp, err := p.client.Do(httpReq)
	duration := p.now().Sub(start)
	if err != nil {
		kind := queueerr.KindTransport
		if reqCtx.Err() == context.DeadlineExceeded {
			kind = queueerr.KindTimeout
		}
		return queue.ResponseSummary{}, duration, queueerr.Wrap("execute", kind, r.ID, err)
	}
	defer resp.Body.Close()

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return queue.ResponseSummary{StatusCode: resp.StatusCode, Headers: headers, DurationMs: duration.Milliseconds()}, duration, nil
}

// handleSuccess durably transitions to completed, marks the Index Store
// complete and emits a complete event, gated on the row not already being
// terminal (the late-success-after-cancel decision, §4.7/§9).
func (p *Pool) handleSuccess(ctx context.Context, r queue.Request, host string, resp queue.ResponseSummary) {
	now := p.now()
	updated, err := p.durable.UpdateRequestStatus(ctx, r.ID, queue.StatusCompleted, queue.StatusPatch{
		CompletedAt:    &now,
		Response:       &resp,
		ClearError:     true,
		ClearNextRetry: true,
	}, true)
	if err != nil {
		p.logger.Warn("durable transition to completed failed", map[string]interface{}{"request_id": r.ID, "error": err.Error()})
		return
	}
	if err := p.index.MarkComplete(ctx, r.ID); err != nil {
		p.logger.Warn("markComplete failed", map[string]interface{}{"request_id": r.ID, "error": err.Error()})
	}
	if err := p.bp.RecordSuccess(ctx, host, now); err != nil {
		p.logger.Warn("recordSuccess failed", map[string]interface{}{"request_id": r.ID, "error": err.Error()})
	}
	if !updated {
		// Row had already moved to a terminal state (e.g. cancelled) while
		// this attempt was in flight: the attempt is logged for operator
		// visibility and the id has left the processing set, but the row
		// stays terminal and no complete event fires.
		return
	}
	p.safeEmit(queue.Event{Kind: queue.EventComplete, RequestID: r.ID, Response: &resp})
}

// handleFailure applies the retry-vs-dead decision per §4.7.
func (p *Pool) handleFailure(ctx context.Context, r queue.Request, currentAttempt, maxRetries, statusCode int, cause error) {
	willRetry := retry.ShouldRetry(statusCode, cause, currentAttempt, p.effectiveRetryConfig(maxRetries))
	errMsg := cause.Error()
	now := p.now()

	if willRetry {
		delayMs, err := retry.DelayFor(currentAttempt, p.effectiveRetryConfig(maxRetries))
		if err != nil {
			p.logger.Warn("delayFor failed", map[string]interface{}{"request_id": r.ID, "error": err.Error()})
			delayMs = p.retry.BaseDelayMs
		}
		nextRetryAt := now.Add(time.Duration(delayMs) * time.Millisecond)
		if _, err := p.durable.UpdateRequestStatus(ctx, r.ID, queue.StatusPending, queue.StatusPatch{
			NextRetryAt: &nextRetryAt,
			Error:       &errMsg,
		}, false); err != nil {
			p.logger.Warn("durable transition to pending failed", map[string]interface{}{"request_id": r.ID, "error": err.Error()})
		}
		if err := p.index.ScheduleRetry(ctx, r.ID, nextRetryAt); err != nil {
			p.logger.Warn("scheduleRetry failed", map[string]interface{}{"request_id": r.ID, "error": err.Error()})
		}
		p.safeEmit(queue.Event{Kind: queue.EventRetry, RequestID: r.ID, NextRetryAt: &nextRetryAt, WillRetry: true})
		p.safeEmit(queue.Event{Kind: queue.EventError, RequestID: r.ID, Err: cause, WillRetry: true})
		return
	}

	if _, err := p.durable.UpdateRequestStatus(ctx, r.ID, queue.StatusDead, queue.StatusPatch{
		Error: &errMsg,
	}, false); err != nil {
		p.logger.Warn("durable transition to dead failed", map[string]interface{}{"request_id": r.ID, "error": err.Error()})
	}
	if err := p.index.MoveToDead(ctx, r.ID, now); err != nil {
		p.logger.Warn("moveToDead failed", map[string]interface{}{"request_id": r.ID, "error": err.Error()})
	}
	p.safeEmit(queue.Event{Kind: queue.EventDead, RequestID: r.ID, Err: cause})
	p.safeEmit(queue.Event{Kind: queue.EventError, RequestID: r.ID, Err: cause, WillRetry: false})
}

// effectiveRetryConfig substitutes the request's already-resolved MaxRetries
// for the pool's. EnqueueInput.ToRequest (internal/queue/validate.go) has
// already replaced an omitted MaxRetries with queue.DefaultMaxRetries at
// enqueue time, so r.MaxRetries here is always the effective value, including
// an explicit 0 ("never retry") — it must not be treated as unset. The
// pool's configured MaxRetries is never used.
func (p *Pool) effectiveRetryConfig(maxRetries int) retry.Config {
	cfg := p.retry
	cfg.MaxRetries = maxRetries
	return cfg
}

func (p *Pool) scheduleRetryAfter(ctx context.Context, id string, delay time.Duration) {
	if err := p.index.ScheduleRetry(ctx, id, p.now().Add(delay)); err != nil {
		p.logger.Warn("scheduleRetry (slot wait timeout) failed", map[string]interface{}{"request_id": id, "error": err.Error()})
	}
}

func (p *Pool) safeEmit(e queue.Event) {
	if p.emit == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("event subscriber panicked", map[string]interface{}{"panic": fmt.Sprintf("%v", r)})
		}
	}()
	p.emit(e)
}

// Stop clears the running flag, stops the subscribe/tick loops and waits
// up to ShutdownTimeout for in-flight requests to finish.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownTimeout):
		p.logger.Warn("worker stop timed out with requests still in flight", nil)
	case <-ctx.Done():
	}
}

// InFlightCount reports the number of requests currently being processed.
func (p *Pool) InFlightCount() int {
	n := 0
	p.inFlight.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

func intPtr(n int) *int { return &n }
