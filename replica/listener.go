package replica

import (
	"fmt"
	"sync"

	"github.com/breez/replica-sync/record"
	"go.uber.org/zap"
)

// Listener owns the single live snapshot subscription of the process.
type Listener struct {
	mu          sync.Mutex
	remote      Remote
	generation  uint64
	ownerId     string
	unsubscribe func()
	logger      *zap.Logger
}

func NewListener(remote Remote, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{remote: remote, logger: logger.Named("listener")}
}

// Attach replaces the current subscription, if any, with one for ownerId.
// Deliveries belonging to an earlier subscription are dropped. When the
// remote ends the subscription the listener detaches and onError is called.
func (l *Listener) Attach(ownerId string, onSnapshot func(record.Snapshot), onError func(error)) error {
	l.Detach()

	l.mu.Lock()
	l.generation++
	gen := l.generation
	l.ownerId = ownerId
	l.mu.Unlock()

	// The remote may deliver the first snapshot before SubscribeByOwner
	// returns, so l.mu must not be held here.
	unsubscribe, err := l.remote.SubscribeByOwner(ownerId, func(snap record.Snapshot) {
		if !l.current(gen) {
			l.logger.Debug("dropping snapshot from detached subscription",
				zap.String("owner", ownerId), zap.Uint64("revision", snap.Revision))
			return
		}
		onSnapshot(snap)
	}, func(err error) {
		if !l.end(gen) {
			return
		}
		l.logger.Error("subscription ended", zap.String("owner", ownerId), zap.Error(err))
		if onError != nil {
			onError(err)
		}
	})
	if err != nil {
		l.mu.Lock()
		if l.generation == gen {
			l.ownerId = ""
		}
		l.mu.Unlock()
		return fmt.Errorf("subscribe to owner %v: %w", ownerId, err)
	}

	l.mu.Lock()
	if l.generation != gen {
		// Detached while subscribing.
		l.mu.Unlock()
		unsubscribe()
		return nil
	}
	l.unsubscribe = unsubscribe
	l.mu.Unlock()
	l.logger.Info("attached", zap.String("owner", ownerId))
	return nil
}

// Detach closes the live subscription. It is safe to call repeatedly.
func (l *Listener) Detach() {
	l.mu.Lock()
	l.generation++
	unsubscribe := l.unsubscribe
	owner := l.ownerId
	l.unsubscribe = nil
	l.ownerId = ""
	l.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
		l.logger.Info("detached", zap.String("owner", owner))
	}
}

// OwnerId returns the owner of the live subscription, or "" when detached.
func (l *Listener) OwnerId() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ownerId
}

// end detaches the subscription of generation gen, reporting whether it was
// still the live one.
func (l *Listener) end(gen uint64) bool {
	l.mu.Lock()
	if l.generation != gen {
		l.mu.Unlock()
		return false
	}
	l.generation++
	unsubscribe := l.unsubscribe
	l.unsubscribe = nil
	l.ownerId = ""
	l.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	return true
}

func (l *Listener) current(gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.generation == gen
}
