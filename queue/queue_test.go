package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/breez/replica-sync/network"
	"github.com/breez/replica-sync/retry"
	"github.com/breez/replica-sync/syncerr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

func newTestQueue(t *testing.T, online bool) (*Queue, *network.Monitor) {
	logger := zaptest.NewLogger(t)
	monitor := network.NewMonitor(online, logger)
	q := New(monitor, Config{
		Retry:      retry.Options{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		Logger:     logger,
		Registerer: prometheus.NewRegistry(),
	})
	t.Cleanup(q.Close)
	return q, monitor
}

func waitHandle(t *testing.T, h *Handle) (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := h.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "operation did not settle")
	return v, err
}

type recorder struct {
	mu    sync.Mutex
	names []string
}

func (r *recorder) perform(name string) Perform {
	return func(ctx context.Context) (any, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.names = append(r.names, name)
		return name, nil
	}
}

func (r *recorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func TestNothingRunsWhileOffline(t *testing.T) {
	q, _ := newTestQueue(t, false)
	rec := &recorder{}
	for _, name := range []string{"a", "b", "c"} {
		q.Enqueue(rec.perform(name), Options{Description: name})
	}
	require.Never(t, func() bool { return len(rec.calls()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	require.Equal(t, 3, q.State().PendingCount)
	require.Equal(t, float64(3), testutil.ToFloat64(q.metrics.pending))
}

func TestDrainOrder(t *testing.T) {
	q, monitor := newTestQueue(t, false)
	rec := &recorder{}
	h1 := q.Enqueue(rec.perform("first-low"), Options{Priority: 1})
	h2 := q.Enqueue(rec.perform("high"), Options{Priority: 5})
	h3 := q.Enqueue(rec.perform("second-low"), Options{Priority: 1})

	monitor.Set(true)
	for _, h := range []*Handle{h1, h2, h3} {
		_, err := waitHandle(t, h)
		require.NoError(t, err)
	}
	require.Equal(t, []string{"high", "first-low", "second-low"}, rec.calls())

	v, _ := waitHandle(t, h2)
	require.Equal(t, "high", v)
	require.Eventually(t, func() bool {
		s := q.State()
		return s.PendingCount == 0 && !s.IsProcessing && !s.LastProcessedAt.IsZero()
	}, time.Second, 5*time.Millisecond)
}

func TestSucceedsOnLastAttempt(t *testing.T) {
	q, _ := newTestQueue(t, true)
	var attempts atomic.Int32
	h := q.Enqueue(func(ctx context.Context) (any, error) {
		if attempts.Add(1) < 3 {
			return nil, syncerr.New(syncerr.Network, errors.New("unreachable"))
		}
		return "ok", nil
	}, Options{Description: "flaky", MaxRetries: 3})

	v, err := waitHandle(t, h)
	require.NoError(t, err)
	require.Equal(t, "ok", v)
	require.Equal(t, 2, h.RetryCount())
	require.Equal(t, int32(3), attempts.Load())
	require.Empty(t, q.State().RecentErrors)
	require.Equal(t, float64(1), testutil.ToFloat64(q.metrics.settled.WithLabelValues(resultSuccess)))
	require.Equal(t, float64(2), testutil.ToFloat64(q.metrics.attempts.WithLabelValues("network")))
}

func TestExhaustion(t *testing.T) {
	q, _ := newTestQueue(t, true)
	var attempts atomic.Int32
	h := q.Enqueue(func(ctx context.Context) (any, error) {
		attempts.Add(1)
		return nil, syncerr.New(syncerr.RemoteService, errors.New("503"))
	}, Options{Description: "doomed", MaxRetries: 3})

	_, err := waitHandle(t, h)
	require.True(t, syncerr.IsExhausted(err))
	require.True(t, syncerr.IsKind(err, syncerr.RemoteService))
	require.Equal(t, syncerr.ActionRetry, syncerr.ActionFor(err))
	require.Equal(t, int32(3), attempts.Load())

	state := q.State()
	require.Equal(t, 0, state.PendingCount)
	require.Len(t, state.RecentErrors, 1)
	require.Equal(t, "doomed", state.RecentErrors[0].Description)
	require.Equal(t, h.ID(), state.RecentErrors[0].OperationId)
	require.Equal(t, float64(1), testutil.ToFloat64(q.metrics.settled.WithLabelValues(resultExhausted)))

	// Settles once: nothing else runs afterwards.
	require.Never(t, func() bool { return attempts.Load() > 3 }, 30*time.Millisecond, 5*time.Millisecond)
}

func TestTerminalFailureDoesNotRetry(t *testing.T) {
	q, _ := newTestQueue(t, true)
	var attempts atomic.Int32
	h := q.Enqueue(func(ctx context.Context) (any, error) {
		attempts.Add(1)
		return nil, syncerr.New(syncerr.QuotaExceeded, errors.New("storage full"))
	}, Options{Description: "upload"})

	_, err := waitHandle(t, h)
	require.True(t, syncerr.IsKind(err, syncerr.QuotaExceeded))
	require.False(t, syncerr.IsExhausted(err))
	require.Equal(t, syncerr.ActionFreeQuota, syncerr.ActionFor(err))
	require.Equal(t, int32(1), attempts.Load())
	require.Equal(t, 0, h.RetryCount())
	require.Len(t, q.State().RecentErrors, 1)
}

func TestStopsWhenOfflineMidDrain(t *testing.T) {
	q, monitor := newTestQueue(t, false)
	rec := &recorder{}
	first := q.Enqueue(func(ctx context.Context) (any, error) {
		monitor.Set(false)
		return "first", nil
	}, Options{Description: "first"})
	q.Enqueue(rec.perform("second"), Options{})
	q.Enqueue(rec.perform("third"), Options{})

	monitor.Set(true)
	_, err := waitHandle(t, first)
	require.NoError(t, err)
	require.Never(t, func() bool { return len(rec.calls()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		s := q.State()
		return s.PendingCount == 2 && !s.IsProcessing
	}, time.Second, 5*time.Millisecond)

	monitor.Set(true)
	require.Eventually(t, func() bool { return len(rec.calls()) == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"second", "third"}, rec.calls())
}

func TestCancelPending(t *testing.T) {
	q, _ := newTestQueue(t, false)
	h := q.Enqueue(func(ctx context.Context) (any, error) { return nil, nil }, Options{Description: "later"})

	require.True(t, q.Cancel(h.ID()))
	require.False(t, q.Cancel(h.ID()))
	_, err := waitHandle(t, h)
	require.True(t, syncerr.IsKind(err, syncerr.Cancelled))
	require.Equal(t, 0, q.State().PendingCount)
}

func TestCancelInFlight(t *testing.T) {
	q, _ := newTestQueue(t, true)
	started := make(chan struct{})
	h := q.Enqueue(func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, Options{Description: "slow"})

	<-started
	require.True(t, q.Cancel(h.ID()))
	_, err := waitHandle(t, h)
	require.True(t, syncerr.IsKind(err, syncerr.Cancelled))
	require.Eventually(t, func() bool { return !q.State().IsProcessing }, time.Second, 5*time.Millisecond)
	require.Empty(t, q.State().RecentErrors)
}

func TestRecentErrorsAreBounded(t *testing.T) {
	logger := zaptest.NewLogger(t)
	monitor := network.NewMonitor(false, logger)
	q := New(monitor, Config{ErrorLogSize: 2, Logger: logger})
	defer q.Close()

	var handles []*Handle
	for _, name := range []string{"a", "b", "c"} {
		handles = append(handles, q.Enqueue(func(ctx context.Context) (any, error) {
			return nil, syncerr.Errorf(syncerr.Validation, "bad %s", name)
		}, Options{Description: name}))
	}
	monitor.Set(true)
	for _, h := range handles {
		_, err := waitHandle(t, h)
		require.Error(t, err)
	}

	entries := q.State().RecentErrors
	require.Len(t, entries, 2)
	require.Equal(t, "b", entries[0].Description)
	require.Equal(t, "c", entries[1].Description)
	require.Equal(t, syncerr.Validation, entries[1].Kind)
}

// A write whose effect landed remotely but whose acknowledgement was lost is
// performed again; the queue does not deduplicate it.
func TestRetriedOperationIsNotDeduplicated(t *testing.T) {
	q, _ := newTestQueue(t, true)
	var applied atomic.Int32
	h := q.Enqueue(func(ctx context.Context) (any, error) {
		if applied.Add(1) == 1 {
			return nil, syncerr.New(syncerr.Network, errors.New("connection reset after write"))
		}
		return nil, nil
	}, Options{Description: "put"})

	_, err := waitHandle(t, h)
	require.NoError(t, err)
	require.Equal(t, int32(2), applied.Load())
}

func TestClose(t *testing.T) {
	q, _ := newTestQueue(t, false)
	h := q.Enqueue(func(ctx context.Context) (any, error) { return nil, nil }, Options{})
	q.Close()

	_, err := waitHandle(t, h)
	require.True(t, syncerr.IsKind(err, syncerr.Cancelled))

	late := q.Enqueue(func(ctx context.Context) (any, error) { return nil, nil }, Options{})
	_, err = waitHandle(t, late)
	require.ErrorIs(t, err, ErrClosed)
}

func TestErrorLogRing(t *testing.T) {
	l := newErrorLog(3)
	for _, d := range []string{"1", "2", "3", "4", "5"} {
		l.push(ErrorEntry{Description: d})
	}
	var got []string
	for _, e := range l.list() {
		got = append(got, e.Description)
	}
	require.Equal(t, []string{"3", "4", "5"}, got)
}

// The monitor comes back online after the drain noticed it went offline but
// before the drain finished; the remaining operations still run.
func TestOnlineAgainWhileDrainStops(t *testing.T) {
	var monitor *network.Monitor
	var once sync.Once
	logger := zaptest.NewLogger(t, zaptest.WrapOptions(zap.Hooks(func(e zapcore.Entry) error {
		if e.Message == "went offline during drain, leaving operations queued" {
			once.Do(func() { monitor.Set(true) })
		}
		return nil
	})))
	monitor = network.NewMonitor(false, logger)
	q := New(monitor, Config{
		Retry:      retry.Options{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		Logger:     logger,
		Registerer: prometheus.NewRegistry(),
	})
	defer q.Close()

	rec := &recorder{}
	first := q.Enqueue(func(ctx context.Context) (any, error) {
		monitor.Set(false)
		return nil, nil
	}, Options{Description: "drops the link", Priority: 1})
	second := q.Enqueue(rec.perform("second"), Options{Description: "second"})

	monitor.Set(true)
	_, err := waitHandle(t, first)
	require.NoError(t, err)
	_, err = waitHandle(t, second)
	require.NoError(t, err)
	require.Equal(t, []string{"second"}, rec.calls())
	require.True(t, monitor.IsOnline())
}

func TestRetryConditionVeto(t *testing.T) {
	logger := zaptest.NewLogger(t)
	monitor := network.NewMonitor(true, logger)
	q := New(monitor, Config{
		Retry: retry.Options{
			BaseDelay: time.Millisecond,
			MaxDelay:  5 * time.Millisecond,
			RetryCondition: func(err *syncerr.Error, attempt int) bool {
				return attempt < 2
			},
		},
		Logger:     logger,
		Registerer: prometheus.NewRegistry(),
	})
	defer q.Close()

	var attempts atomic.Int32
	h := q.Enqueue(func(ctx context.Context) (any, error) {
		attempts.Add(1)
		return nil, syncerr.New(syncerr.Network, errors.New("unreachable"))
	}, Options{Description: "vetoed", MaxRetries: 5})

	_, err := waitHandle(t, h)
	require.True(t, syncerr.IsKind(err, syncerr.Network))
	require.False(t, syncerr.IsExhausted(err))
	require.Equal(t, int32(2), attempts.Load())

	state := q.State()
	require.Equal(t, 0, state.PendingCount)
	require.Len(t, state.RecentErrors, 1)
	require.Equal(t, "vetoed", state.RecentErrors[0].Description)
	require.Equal(t, float64(1), testutil.ToFloat64(q.metrics.settled.WithLabelValues(resultFailed)))
}

func TestRecordExternalFailure(t *testing.T) {
	q, _ := newTestQueue(t, false)
	q.Record("add record r1", syncerr.Exhaust(syncerr.New(syncerr.Network, errors.New("unreachable")), 4))
	q.Record("nothing", nil)

	entries := q.State().RecentErrors
	require.Len(t, entries, 1)
	require.Equal(t, "add record r1", entries[0].Description)
	require.Equal(t, syncerr.Network, entries[0].Kind)
	require.NotEmpty(t, entries[0].OperationId)
	require.True(t, syncerr.IsExhausted(entries[0].Err))
	require.Equal(t, syncerr.ActionRetry, syncerr.ActionFor(entries[0].Err))
}

func TestHasPending(t *testing.T) {
	q, monitor := newTestQueue(t, false)
	h := q.Enqueue(func(ctx context.Context) (any, error) { return nil, nil }, Options{Key: "r1"})
	q.Enqueue(func(ctx context.Context) (any, error) { return nil, nil }, Options{})

	require.True(t, q.HasPending("r1"))
	require.False(t, q.HasPending("r2"))
	require.False(t, q.HasPending(""))

	monitor.Set(true)
	_, err := waitHandle(t, h)
	require.NoError(t, err)
	require.False(t, q.HasPending("r1"))
}
