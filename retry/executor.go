// Package retry runs a single asynchronous operation to completion with
// bounded retries, exponential backoff with jitter, and cancellation.
package retry

import (
	"context"
	"time"

	"github.com/breez/replica-sync/future"
	"github.com/breez/replica-sync/syncerr"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Operation is one attempt of the work being retried. It must honour ctx.
type Operation[T any] func(ctx context.Context) (T, error)

// Options configures one retried call.
type Options struct {
	Description string
	// MaxRetries is the number of retries after the first attempt. Zero
	// selects the default; NoRetries makes a single attempt.
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// RetryCondition may veto a retry of a retryable failure. attempt is the
	// number of attempts made so far, starting at 1.
	RetryCondition func(err *syncerr.Error, attempt int) bool
	// OnRetry is called before sleeping for delay.
	OnRetry func(err *syncerr.Error, attempt int, delay time.Duration)
	Logger  *zap.Logger

	timer backoff.Timer
}

// NoRetries as Options.MaxRetries limits a call to its first attempt.
const NoRetries = -1

// DefaultOptions returns the defaults used across the sync layer.
func DefaultOptions() Options {
	return Options{
		MaxRetries:    3,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	switch {
	case o.MaxRetries == 0:
		o.MaxRetries = def.MaxRetries
	case o.MaxRetries < 0:
		o.MaxRetries = 0
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = def.BaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = def.MaxDelay
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = o.BaseDelay
	}
	if o.BackoffFactor < 1 {
		o.BackoffFactor = def.BackoffFactor
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Call is a running retried operation.
type Call[T any] struct {
	*future.Future[T]
	cancel context.CancelFunc
	desc   string
}

// Cancel rejects the call with a Cancelled error and aborts the pending delay
// or in-flight attempt. It has no effect once the call settled.
func (c *Call[T]) Cancel() {
	var zero T
	c.Settle(zero, &syncerr.Error{Kind: syncerr.Cancelled, Op: c.desc, Err: context.Canceled})
	c.cancel()
}

// Start runs op in the background according to opts.
func Start[T any](ctx context.Context, opts Options, op Operation[T]) *Call[T] {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	c := &Call[T]{Future: future.New[T](), cancel: cancel, desc: opts.Description}
	go func() {
		defer cancel()
		c.Settle(run(ctx, opts, op))
	}()
	return c
}

// Do runs op and waits for the outcome. A done ctx cancels the call.
func Do[T any](ctx context.Context, opts Options, op Operation[T]) (T, error) {
	c := Start(ctx, opts, op)
	select {
	case <-c.Done():
	case <-ctx.Done():
		c.Cancel()
	}
	return c.Wait(context.Background())
}

func run[T any](ctx context.Context, opts Options, op Operation[T]) (T, error) {
	var zero T
	logger := opts.Logger.With(zap.String("op", opts.Description))
	attempts := 0

	b := backoff.WithContext(backoff.WithMaxRetries(&policy{opts: opts}, uint64(opts.MaxRetries)), ctx)
	var last *syncerr.Error
	v, err := backoff.RetryNotifyWithTimerAndData(func() (T, error) {
		attempts++
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		last = syncerr.Classify(err)
		if !last.Kind.Retryable() {
			return zero, backoff.Permanent(last)
		}
		if opts.RetryCondition != nil && !opts.RetryCondition(last, attempts) {
			return zero, backoff.Permanent(last)
		}
		return zero, last
	}, b, func(err error, delay time.Duration) {
		logger.Debug("attempt failed, backing off",
			zap.Int("attempt", attempts), zap.Duration("delay", delay), zap.Error(err))
		if opts.OnRetry != nil {
			opts.OnRetry(last, attempts, delay)
		}
	}, opts.timer)
	if err == nil {
		return v, nil
	}

	if ctx.Err() != nil {
		return zero, &syncerr.Error{Kind: syncerr.Cancelled, Op: opts.Description, Err: ctx.Err(), Attempts: attempts}
	}
	out := *syncerr.Classify(err)
	if out.Op == "" {
		out.Op = opts.Description
	}
	out.Attempts = attempts
	if out.Kind.Retryable() && attempts > opts.MaxRetries {
		out.Exhausted = true
	}
	logger.Debug("operation failed", zap.Int("attempts", attempts), zap.Stringer("kind", out.Kind), zap.Error(out.Err))
	return zero, &out
}
