// Package queue buffers write operations and executes them, in priority
// order, whenever the network monitor reports the remote store reachable.
package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breez/replica-sync/future"
	"github.com/breez/replica-sync/network"
	"github.com/breez/replica-sync/retry"
	"github.com/breez/replica-sync/syncerr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("queue closed")

// Perform executes one attempt of a queued operation.
type Perform func(ctx context.Context) (any, error)

// Options describes one enqueued operation.
type Options struct {
	Description string
	// Priority orders operations, higher first.
	Priority int
	// MaxRetries is the number of failed attempts after which the operation
	// is rejected. Zero selects the queue default.
	MaxRetries int
	// Key groups operations on the same resource, see HasPending.
	Key string
}

// Config configures a Queue.
type Config struct {
	MaxRetries   int
	ErrorLogSize int
	// Retry supplies the backoff used between drain passes. Its MaxRetries is
	// ignored: every pass makes exactly one attempt per operation. A
	// RetryCondition veto rejects the operation like a terminal failure.
	Retry      retry.Options
	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

type operation struct {
	id          string
	description string
	key         string
	perform     Perform
	priority    int
	maxRetries  int
	seq         uint64
	enqueuedAt  time.Time
	notBefore   time.Time
	retryCount  atomic.Int32
	result      *future.Future[any]
	call        *retry.Call[any]
}

// Handle is the caller's view of an enqueued operation.
type Handle struct {
	*future.Future[any]
	op *operation
}

func (h *Handle) ID() string {
	return h.op.id
}

// RetryCount is the number of failed attempts so far.
func (h *Handle) RetryCount() int {
	return int(h.op.retryCount.Load())
}

// Queue is an in-memory operation queue. Pending operations are lost when the
// process exits.
type Queue struct {
	mu              sync.Mutex
	monitor         *network.Monitor
	cfg             Config
	pending         []*operation
	seq             uint64
	processing      bool
	dirty           bool
	closed          bool
	lastProcessedAt time.Time
	errors          *errorLog
	timer           *time.Timer

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	logger      *zap.Logger
	metrics     *metrics
}

// New creates a queue that drains whenever monitor reports an online
// transition.
func New(monitor *network.Monitor, cfg Config) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ErrorLogSize <= 0 {
		cfg.ErrorLogSize = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		monitor: monitor,
		cfg:     cfg,
		errors:  newErrorLog(cfg.ErrorLogSize),
		ctx:     ctx,
		cancel:  cancel,
		logger:  cfg.Logger.Named("queue"),
		metrics: newMetrics(cfg.Registerer),
	}
	q.unsubscribe = monitor.OnChange(func(ev network.Event) {
		if ev.Transition && ev.Online {
			q.trigger()
		}
	})
	return q
}

// Enqueue adds an operation and starts a drain if the monitor reports online.
// The returned handle settles exactly once.
func (q *Queue) Enqueue(perform Perform, opts Options) *Handle {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = q.cfg.MaxRetries
	}
	op := &operation{
		id:          uuid.NewString(),
		description: opts.Description,
		key:         opts.Key,
		perform:     perform,
		priority:    opts.Priority,
		maxRetries:  opts.MaxRetries,
		enqueuedAt:  time.Now(),
		result:      future.New[any](),
	}
	h := &Handle{Future: op.result, op: op}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		op.result.Settle(nil, &syncerr.Error{Kind: syncerr.Cancelled, Op: op.description, Err: ErrClosed})
		return h
	}
	q.seq++
	op.seq = q.seq
	q.insert(op)
	q.mu.Unlock()

	q.logger.Debug("operation enqueued",
		zap.String("id", op.id), zap.String("description", op.description), zap.Int("priority", op.priority))
	q.trigger()
	return h
}

// insert keeps pending sorted by priority descending, then sequence ascending.
func (q *Queue) insert(op *operation) {
	i := sort.Search(len(q.pending), func(i int) bool {
		return q.pending[i].priority < op.priority
	})
	q.pending = append(q.pending, nil)
	copy(q.pending[i+1:], q.pending[i:])
	q.pending[i] = op
	q.metrics.pending.Set(float64(len(q.pending)))
}

func (q *Queue) removeLocked(op *operation) bool {
	for i, p := range q.pending {
		if p == op {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.metrics.pending.Set(float64(len(q.pending)))
			return true
		}
	}
	return false
}

// HasPending reports whether an operation enqueued with key has not settled
// yet, including one whose attempt is in flight.
func (q *Queue) HasPending(key string) bool {
	if key == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.pending {
		if op.key == key {
			return true
		}
	}
	return false
}

// Record adds a terminal failure of work done outside the queue to
// RecentErrors.
func (q *Queue) Record(description string, err error) {
	se := syncerr.Classify(err)
	if se == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.errors.push(ErrorEntry{
		OperationId: uuid.NewString(),
		Description: description,
		Kind:        se.Kind,
		Err:         se,
		At:          time.Now(),
	})
}

// Cancel rejects a pending operation with a Cancelled error and aborts its
// in-flight attempt. It reports whether the operation was still pending.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.pending {
		if op.id == id {
			q.cancelLocked(op)
			return true
		}
	}
	return false
}

func (q *Queue) cancelLocked(op *operation) {
	q.removeLocked(op)
	op.result.Settle(nil, &syncerr.Error{Kind: syncerr.Cancelled, Op: op.description, Err: context.Canceled})
	if op.call != nil {
		op.call.Cancel()
	}
	q.metrics.settled.WithLabelValues(resultCancelled).Inc()
}

// State returns a copy of the observable queue state.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return State{
		PendingCount:    len(q.pending),
		IsProcessing:    q.processing,
		LastProcessedAt: q.lastProcessedAt,
		RecentErrors:    q.errors.list(),
	}
}

// Close cancels every pending operation and stops reacting to the monitor.
func (q *Queue) Close() {
	q.unsubscribe()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
	}
	for len(q.pending) > 0 {
		q.cancelLocked(q.pending[0])
	}
	q.cancel()
}

// trigger starts a drain unless one is running, in which case the running
// drain makes another pass.
func (q *Queue) trigger() {
	if !q.monitor.IsOnline() {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if q.processing {
		q.dirty = true
		q.mu.Unlock()
		return
	}
	q.processing = true
	q.mu.Unlock()
	go q.drain()
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		q.dirty = false
		batch := q.eligibleLocked(time.Now())
		q.mu.Unlock()

		for _, op := range batch {
			if !q.monitor.IsOnline() {
				q.logger.Info("went offline during drain, leaving operations queued")
				break
			}
			q.execute(op)
		}

		q.mu.Lock()
		q.lastProcessedAt = time.Now()
		// A pass stopped by going offline still honours triggers that arrived
		// meanwhile; the next pass checks the monitor again.
		if q.dirty && !q.closed {
			q.mu.Unlock()
			continue
		}
		q.processing = false
		if !q.closed {
			q.armTimerLocked()
		}
		q.mu.Unlock()
		return
	}
}

func (q *Queue) eligibleLocked(now time.Time) []*operation {
	batch := make([]*operation, 0, len(q.pending))
	for _, op := range q.pending {
		if !op.notBefore.After(now) {
			batch = append(batch, op)
		}
	}
	return batch
}

// armTimerLocked schedules a drain for the earliest operation waiting out its
// backoff.
func (q *Queue) armTimerLocked() {
	var next time.Time
	for _, op := range q.pending {
		if op.notBefore.IsZero() {
			continue
		}
		if next.IsZero() || op.notBefore.Before(next) {
			next = op.notBefore
		}
	}
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	if next.IsZero() {
		return
	}
	q.timer = time.AfterFunc(time.Until(next), q.trigger)
}

// execute makes one attempt of op and applies the outcome.
func (q *Queue) execute(op *operation) {
	q.mu.Lock()
	if op.result.IsSettled() {
		q.mu.Unlock()
		return
	}
	opts := q.cfg.Retry
	opts.Description = op.description
	opts.MaxRetries = retry.NoRetries
	opts.RetryCondition = nil
	opts.Logger = q.logger
	call := retry.Start(q.ctx, opts, retry.Operation[any](op.perform))
	op.call = call
	q.mu.Unlock()

	v, err := call.Wait(context.Background())

	q.mu.Lock()
	defer q.mu.Unlock()
	op.call = nil
	if op.result.IsSettled() {
		// Cancelled while in flight.
		return
	}
	logger := q.logger.With(zap.String("id", op.id), zap.String("description", op.description))
	if err == nil {
		q.removeLocked(op)
		op.result.Settle(v, nil)
		q.metrics.settled.WithLabelValues(resultSuccess).Inc()
		logger.Debug("operation succeeded", zap.Int32("retries", op.retryCount.Load()))
		return
	}

	se := syncerr.Classify(err)
	q.metrics.attempts.WithLabelValues(se.Kind.String()).Inc()
	if !se.Kind.Retryable() {
		q.removeLocked(op)
		op.result.Settle(nil, se)
		q.recordLocked(op, se)
		q.metrics.settled.WithLabelValues(resultFailed).Inc()
		logger.Warn("operation failed", zap.Stringer("kind", se.Kind), zap.Error(se.Err))
		return
	}

	retries := int(op.retryCount.Add(1))
	if cond := q.cfg.Retry.RetryCondition; cond != nil && !cond(se, retries) {
		q.removeLocked(op)
		op.result.Settle(nil, se)
		q.recordLocked(op, se)
		q.metrics.settled.WithLabelValues(resultFailed).Inc()
		logger.Warn("retry vetoed", zap.Int("attempts", retries), zap.Stringer("kind", se.Kind), zap.Error(se.Err))
		return
	}
	if retries >= op.maxRetries {
		exhausted := syncerr.Exhaust(se, retries)
		q.removeLocked(op)
		op.result.Settle(nil, exhausted)
		q.recordLocked(op, exhausted)
		q.metrics.settled.WithLabelValues(resultExhausted).Inc()
		logger.Warn("operation gave up", zap.Int("attempts", retries), zap.Stringer("kind", se.Kind), zap.Error(se.Err))
		return
	}
	delay := q.cfg.Retry.Delay(retries - 1)
	op.notBefore = time.Now().Add(delay)
	logger.Debug("operation failed, will retry",
		zap.Int("retries", retries), zap.Duration("delay", delay), zap.Error(se))
}

func (q *Queue) recordLocked(op *operation, err *syncerr.Error) {
	q.errors.push(ErrorEntry{
		OperationId: op.id,
		Description: op.description,
		Kind:        err.Kind,
		Err:         err,
		At:          time.Now(),
	})
}
