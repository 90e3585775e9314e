// Package network tracks whether the remote store is reachable and tells
// interested components when that changes.
package network

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/connectivity"
)

// Quality is an advisory measure of the connection. Consumers must not base
// correctness decisions on it.
type Quality int

const (
	QualityUnknown Quality = iota
	QualityGood
	QualityDegraded
	QualityNone
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityDegraded:
		return "degraded"
	case QualityNone:
		return "none"
	default:
		return "unknown"
	}
}

// Status is the current view of connectivity.
type Status struct {
	Online  bool
	Quality Quality
	Since   time.Time
}

// Event is delivered to OnChange callbacks. Transition is false when only the
// advisory quality changed.
type Event struct {
	Status
	Transition bool
}

type listener struct {
	id int64
	fn func(Event)
}

// Monitor holds the online/offline state of the process.
type Monitor struct {
	mu        sync.Mutex
	status    Status
	listeners []listener
	nextID    int64
	logger    *zap.Logger
}

// NewMonitor creates a monitor with an initial state.
func NewMonitor(online bool, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	quality := QualityNone
	if online {
		quality = QualityGood
	}
	return &Monitor{
		status: Status{Online: online, Quality: quality, Since: time.Now()},
		logger: logger.Named("network"),
	}
}

// IsOnline reports the last observed connectivity.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.Online
}

// Status returns the current status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// OnChange registers fn for every transition and quality change. The
// returned function removes the registration and may be called repeatedly.
func (m *Monitor) OnChange(fn func(Event)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listener{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.listeners {
			if l.id == id {
				m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// Set records the online state. Callbacks fire only when it changed.
func (m *Monitor) Set(online bool) {
	quality := QualityNone
	if online {
		quality = QualityGood
	}
	m.update(online, quality)
}

// SetQuality records an advisory quality change without changing the online
// state.
func (m *Monitor) SetQuality(q Quality) {
	m.mu.Lock()
	online := m.status.Online
	m.mu.Unlock()
	m.update(online, q)
}

func (m *Monitor) update(online bool, q Quality) {
	m.mu.Lock()
	prev := m.status
	if prev.Online == online && prev.Quality == q {
		m.mu.Unlock()
		return
	}
	transition := prev.Online != online
	m.status.Online = online
	m.status.Quality = q
	if transition {
		m.status.Since = time.Now()
	}
	ev := Event{Status: m.status, Transition: transition}
	listeners := make([]listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	if transition {
		m.logger.Info("connectivity changed", zap.Bool("online", online), zap.Stringer("quality", q))
	} else {
		m.logger.Debug("connection quality changed", zap.Stringer("quality", q))
	}
	for _, l := range listeners {
		l.fn(ev)
	}
}

// StateSource is satisfied by *grpc.ClientConn.
type StateSource interface {
	GetState() connectivity.State
	WaitForStateChange(ctx context.Context, sourceState connectivity.State) bool
	Connect()
}

// WatchConn follows the connectivity state of conn until ctx is done.
func (m *Monitor) WatchConn(ctx context.Context, conn StateSource) {
	for {
		state := conn.GetState()
		m.apply(state)
		if state == connectivity.Idle {
			conn.Connect()
		}
		if !conn.WaitForStateChange(ctx, state) {
			return
		}
	}
}

func (m *Monitor) apply(state connectivity.State) {
	switch state {
	case connectivity.Ready:
		m.update(true, QualityGood)
	case connectivity.Connecting:
		m.SetQuality(QualityDegraded)
	case connectivity.TransientFailure, connectivity.Shutdown:
		m.update(false, QualityNone)
	}
}
