// Package delivery drains the local event store opportunistically, batches
// pending requests, sends them over the transport, and routes responses.
//
// Concurrency model: multiple producer goroutines enqueue; a single
// background worker drains. Exactly one batch is in flight at a time per
// destination - a send requested while one is in flight coalesces into a
// no-op, and the newly queued items are picked up on the next drain, not
// the current one. Only the send itself blocks; enqueue returns as soon as
// the request is durably logged.
//
// The worker wakes on a buffered size-1 signal channel, so any number of
// concurrent send requests collapse into one pending wakeup.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pulsekit/engage-go/internal/clock"
	"github.com/pulsekit/engage-go/internal/request"
)

// Log is the durable request log the queue drains.
// Satisfied by *store.Store.
type Log interface {
	Enqueue(ctx context.Context, q request.Queued) (int64, error)
	LeaseBatch(ctx context.Context, maxCount, maxBytes int) ([]request.Queued, error)
	Acknowledge(ctx context.Context, ids []string) error
	RequeueFront(ctx context.Context, ids []string) error
	NextBatchSeq(ctx context.Context) (int64, error)
	PendingCount(ctx context.Context) (int, error)
}

// ResultFunc receives the server's per-request result on delivery.
type ResultFunc func(request.Paired)

// ErrorFunc receives rejected-class failures. Invoked exactly once per
// dropped batch; transient failures never reach it.
type ErrorFunc func(err *Error)

// Config tunes the queue. Zero values take the defaults below.
type Config struct {
	// Token is the per-install token attached to every batch envelope.
	Token string

	MaxBatchCount int
	MaxBatchBytes int

	// SendTimeout bounds one network attempt; expiry is a transient failure.
	SendTimeout time.Duration

	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// Immediate forces a synchronous drain attempt on every enqueue. Used
	// for deterministic testing; same drain code path, different trigger.
	Immediate bool
}

const (
	defaultMaxBatchCount  = 100
	defaultMaxBatchBytes  = 256 * 1024
	defaultSendTimeout    = 30 * time.Second
	defaultBackoffInitial = time.Second
	defaultBackoffMax     = 5 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.MaxBatchCount <= 0 {
		c.MaxBatchCount = defaultMaxBatchCount
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = defaultMaxBatchBytes
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = defaultBackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}
	return c
}

// Queue is the request delivery queue.
type Queue struct {
	cfg       Config
	store     Log
	transport Transport
	clk       clock.Clock
	logger    *slog.Logger
	metrics   *Metrics

	signal chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// sendMu enforces one in-flight batch. TryLock failure is the
	// coalesced no-op path.
	sendMu sync.Mutex

	mu        sync.Mutex
	callbacks map[string]ResultFunc
	errFns    []ErrorFunc
}

// New creates a delivery queue over the given log and transport.
// metrics may be nil; clk defaults to the system clock.
func New(store Log, transport Transport, clk clock.Clock, cfg Config, logger *slog.Logger, metrics *Metrics) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Queue{
		cfg:       cfg.withDefaults(),
		store:     store,
		transport: transport,
		clk:       clk,
		logger:    logger,
		metrics:   metrics,
		signal:    make(chan struct{}, 1),
		callbacks: make(map[string]ResultFunc),
	}
}

// Start launches the background drain worker.
func (q *Queue) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.run(ctx)
	}()
}

// Close stops the worker and waits for it to finish. Pending requests
// remain durably logged and are drained on the next Start.
func (q *Queue) Close() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// OnError registers a callback for rejected-class failures.
func (q *Queue) OnError(fn ErrorFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.errFns = append(q.errFns, fn)
}

// Enqueue durably logs a request and schedules delivery. Returns once the
// write has committed; transmission happens asynchronously. onResult, if
// non-nil, is invoked with the server's result when the request delivers.
//
// Transient delivery failures are contained inside the queue; the caller
// never sees them.
func (q *Queue) Enqueue(ctx context.Context, req request.Queued, onResult ResultFunc) (int64, error) {
	seq, err := q.store.Enqueue(ctx, req)
	if err != nil {
		return 0, err
	}
	if onResult != nil {
		q.mu.Lock()
		q.callbacks[req.ID] = onResult
		q.mu.Unlock()
	}
	q.updateDepth(ctx)

	if q.cfg.Immediate {
		if _, err := q.drainOnce(ctx); err != nil {
			// Contained: rows stay in the log for the next attempt.
			q.logger.Warn("immediate send failed, request retained",
				"id", req.ID, "error", err)
		}
	} else {
		q.RequestSend()
	}
	return seq, nil
}

// RequestSend asks the worker for a drain attempt. Non-blocking; concurrent
// calls coalesce into one wakeup.
func (q *Queue) RequestSend() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// run is the single drain worker loop.
func (q *Queue) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = q.cfg.BackoffInitial
	bo.MaxInterval = q.cfg.BackoffMax
	bo.MaxElapsedTime = 0 // never give up; requests are dropped only by rejection
	bo.Reset()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.signal:
		}
		q.drainLoop(ctx, bo)
	}
}

// drainLoop drains batch after batch until the store is empty, backing off
// between attempts on transient failure.
func (q *Queue) drainLoop(ctx context.Context, bo *backoff.ExponentialBackOff) {
	for {
		sent, err := q.drainOnce(ctx)
		switch {
		case err != nil && IsTransient(err):
			q.metrics.BatchesRetried.Inc()
			delay := bo.NextBackOff()
			q.logger.Warn("transient delivery failure, backing off",
				"delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-q.clk.After(delay):
			}
		case err != nil:
			// Local storage error. Nothing was lost (rows stay logged);
			// wait for the next send request rather than spinning.
			q.logger.Error("delivery drain failed", "error", err)
			return
		case !sent:
			bo.Reset()
			return
		default:
			bo.Reset()
		}
	}
}

// drainOnce leases one batch, sends it, and settles the outcome. Returns
// sent=false when the store had nothing pending or another send is already
// in flight. A transient failure is returned as an error; rejection is
// settled internally (drop + error callback) and is not an error here.
func (q *Queue) drainOnce(ctx context.Context) (sent bool, err error) {
	if !q.sendMu.TryLock() {
		// One batch in flight per destination; this request coalesces.
		return false, nil
	}
	defer q.sendMu.Unlock()
	defer func() { q.updateDepth(ctx) }()

	batch, err := q.store.LeaseBatch(ctx, q.cfg.MaxBatchCount, q.cfg.MaxBatchBytes)
	if err != nil {
		return false, fmt.Errorf("lease batch: %w", err)
	}
	if len(batch) == 0 {
		return false, nil
	}

	seq, err := q.store.NextBatchSeq(ctx)
	if err != nil {
		q.requeue(ctx, idsOf(batch))
		return false, fmt.Errorf("batch seq: %w", err)
	}

	b := request.Batch{Requests: batch, Token: q.cfg.Token, Seq: seq}
	ids := b.IDs()

	body, err := b.Encode()
	if err != nil {
		// Our own serialization failed; resending cannot help.
		q.reject(ctx, newRejected(0, ids, err))
		return true, nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, q.cfg.SendTimeout)
	start := q.clk.Now()
	status, respBody, sendErr := q.transport.Send(sendCtx, body)
	cancel()
	q.metrics.SendSeconds.Observe(q.clk.Now().Sub(start).Seconds())

	switch {
	case sendErr != nil:
		q.requeue(ctx, ids)
		return true, newTransient(status, ids, sendErr)
	case status >= 500:
		q.requeue(ctx, ids)
		return true, newTransient(status, ids, nil)
	case status >= 400:
		q.reject(ctx, newRejected(status, ids, nil))
		return true, nil
	}

	env, err := request.DecodeResponse(respBody)
	if err != nil {
		q.reject(ctx, newRejected(status, ids, err))
		return true, nil
	}
	paired, err := env.PairWith(b)
	if err != nil {
		q.reject(ctx, newRejected(status, ids, err))
		return true, nil
	}

	// Durably remove before reporting success anywhere.
	if err := q.store.Acknowledge(ctx, ids); err != nil {
		return true, fmt.Errorf("acknowledge batch %d: %w", seq, err)
	}

	q.metrics.BatchesSent.Inc()
	q.metrics.RequestsAcked.Add(float64(len(ids)))
	q.logger.Debug("batch delivered", "seq", seq, "requests", len(ids))

	for _, p := range paired {
		if fn := q.takeCallback(p.RequestID); fn != nil {
			fn(p)
		}
	}
	return true, nil
}

// requeue returns a failed batch to the front of the store. A failure here
// is recoverable: the rows stay leased and the lease release at next Open
// (or a later successful requeue) makes them visible again.
func (q *Queue) requeue(ctx context.Context, ids []string) {
	if err := q.store.RequeueFront(ctx, ids); err != nil {
		q.logger.Error("failed to requeue batch", "error", err)
	}
}

// reject drops a permanently rejected batch: acknowledge (so it is never
// retried), drop its per-request callbacks, and surface the failure to the
// registered error callbacks exactly once.
func (q *Queue) reject(ctx context.Context, derr *Error) {
	if err := q.store.Acknowledge(ctx, derr.IDs); err != nil {
		q.logger.Error("failed to drop rejected batch", "error", err)
	}
	q.metrics.BatchesRejected.Inc()
	q.metrics.RequestsDropped.Add(float64(len(derr.IDs)))
	q.logger.Error("batch rejected", "status", derr.Status,
		"requests", len(derr.IDs), "error", derr.Err)

	q.mu.Lock()
	for _, id := range derr.IDs {
		delete(q.callbacks, id)
	}
	fns := make([]ErrorFunc, len(q.errFns))
	copy(fns, q.errFns)
	q.mu.Unlock()

	for _, fn := range fns {
		fn(derr)
	}
}

func (q *Queue) takeCallback(id string) ResultFunc {
	q.mu.Lock()
	defer q.mu.Unlock()
	fn := q.callbacks[id]
	delete(q.callbacks, id)
	return fn
}

func (q *Queue) updateDepth(ctx context.Context) {
	if n, err := q.store.PendingCount(ctx); err == nil {
		q.metrics.PendingDepth.Set(float64(n))
	}
}

func idsOf(batch []request.Queued) []string {
	ids := make([]string, len(batch))
	for i, r := range batch {
		ids[i] = r.ID
	}
	return ids
}
