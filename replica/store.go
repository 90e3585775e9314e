// Package replica keeps the in-memory copy of the active owner's records in
// step with the remote store.
package replica

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/breez/replica-sync/future"
	"github.com/breez/replica-sync/hub"
	"github.com/breez/replica-sync/network"
	"github.com/breez/replica-sync/queue"
	"github.com/breez/replica-sync/record"
	"github.com/breez/replica-sync/retry"
	"github.com/breez/replica-sync/syncerr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Config wires a Store to its collaborators. Remote, Monitor and Queue are
// required.
type Config struct {
	Remote  Remote
	Monitor *network.Monitor
	Queue   *queue.Queue
	// Hub receives change notifications. A new hub is created when nil.
	Hub *hub.Hub
	// Retry is used for writes made while online.
	Retry  retry.Options
	Logger *zap.Logger
	// OnTransition is called when a snapshot confirms or reverts a write.
	OnTransition func(Write)
	Registerer   prometheus.Registerer
}

// Store is the local replica. All mutations of the record slice go through
// its methods.
type Store struct {
	// ownerMu serializes owner switches.
	ownerMu sync.Mutex

	mu         sync.Mutex
	owner      string
	generation uint64
	records    []record.Record
	tracker    *tracker

	cfg      Config
	hub      *hub.Hub
	listener *Listener
	logger   *zap.Logger
	metrics  *metrics
}

func New(cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	h := cfg.Hub
	if h == nil {
		h = hub.New(cfg.Logger)
	}
	return &Store{
		tracker:  newTracker(),
		cfg:      cfg,
		hub:      h,
		listener: NewListener(cfg.Remote, cfg.Logger),
		logger:   cfg.Logger.Named("replica"),
		metrics:  newMetrics(cfg.Registerer),
	}
}

// SetOwner switches the active owner. The previous live subscription is torn
// down, the replica and its provisional writes are cleared, and a
// subscription for ownerId is attached. An empty ownerId signs out.
func (s *Store) SetOwner(ownerId string) error {
	s.ownerMu.Lock()
	defer s.ownerMu.Unlock()

	s.listener.Detach()

	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.owner = ownerId
	s.records = nil
	s.tracker.reset()
	s.metrics.records.Set(0)
	s.mu.Unlock()

	s.logger.Info("active owner changed", zap.String("owner", ownerId))
	s.hub.NotifyAll()
	if ownerId == "" {
		return nil
	}
	return s.listener.Attach(ownerId, func(snap record.Snapshot) {
		s.applySnapshot(gen, snap)
	}, func(err error) {
		s.subscriptionEnded(gen, ownerId, err)
	})
}

// subscriptionEnded reports a live subscription the remote gave up on. The
// replica keeps its last snapshot; SetOwner attaches again.
func (s *Store) subscriptionEnded(gen uint64, ownerId string, err error) {
	s.mu.Lock()
	stale := s.generation != gen
	s.mu.Unlock()
	if stale {
		return
	}
	s.cfg.Queue.Record(fmt.Sprintf("subscribe to owner %v", ownerId), err)
	s.hub.NotifyAll()
}

// Listening reports whether a live subscription feeds the replica.
func (s *Store) Listening() bool {
	return s.listener.OwnerId() != ""
}

func (s *Store) OwnerId() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// List returns a copy of the replica.
func (s *Store) List() []record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return record.CloneAll(s.records)
}

// Get returns the local copy of a record.
func (s *Store) Get(id string) (record.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.records[i].Clone(), true
	}
	return record.Record{}, false
}

// Fetch reads a record from the remote store, bypassing the replica.
func (s *Store) Fetch(ctx context.Context, id string) (record.Record, bool, error) {
	owner := s.OwnerId()
	if owner == "" {
		return record.Record{}, false, syncerr.Errorf(syncerr.Authentication, "no active owner")
	}
	opts := s.cfg.Retry
	opts.Description = "fetch record " + id
	opts.Logger = s.logger
	rec, err := retry.Do(ctx, opts, func(ctx context.Context) (*record.Record, error) {
		return s.cfg.Remote.Get(ctx, owner, id)
	})
	if err != nil {
		return record.Record{}, false, err
	}
	if rec == nil {
		return record.Record{}, false, nil
	}
	if rec.OwnerId != owner {
		return record.Record{}, false, syncerr.Errorf(syncerr.PermissionDenied, "record %v belongs to another owner", id)
	}
	return *rec, true, nil
}

// Add writes a new record. An empty Id is replaced with a generated one.
func (s *Store) Add(ctx context.Context, rec record.Record) *future.Future[record.Record] {
	rec = rec.Clone()
	if rec.Id == "" {
		rec.Id = uuid.NewString()
	}
	return s.write(ctx, "add", OpPut, rec)
}

// Update overwrites an existing record.
func (s *Store) Update(ctx context.Context, rec record.Record) *future.Future[record.Record] {
	if rec.Id == "" {
		return future.Settled(record.Record{}, syncerr.Errorf(syncerr.Validation, "update requires a record id"))
	}
	return s.write(ctx, "update", OpPut, rec.Clone())
}

// Remove deletes a record of the active owner.
func (s *Store) Remove(ctx context.Context, id string) *future.Future[record.Record] {
	if id == "" {
		return future.Settled(record.Record{}, syncerr.Errorf(syncerr.Validation, "remove requires a record id"))
	}
	return s.write(ctx, "remove", OpRemove, record.Record{Id: id, OwnerId: s.OwnerId()})
}

func checkOwner(owner string, rec record.Record) error {
	switch {
	case owner == "":
		return syncerr.Errorf(syncerr.Authentication, "no active owner")
	case rec.OwnerId == "":
		return syncerr.Errorf(syncerr.Validation, "record %v has no owner", rec.Id)
	case rec.OwnerId != owner:
		return syncerr.Errorf(syncerr.PermissionDenied, "record %v belongs to %v, not the active owner", rec.Id, rec.OwnerId)
	}
	return nil
}

// write performs the remote write directly when online, or through the queue
// otherwise, and applies it locally once the remote store acknowledged it.
// While the queue holds an earlier write of the same record, later writes
// queue behind it so they reach the remote store in order.
func (s *Store) write(ctx context.Context, verb string, op WriteOp, rec record.Record) *future.Future[record.Record] {
	s.mu.Lock()
	owner, gen := s.owner, s.generation
	s.mu.Unlock()
	if err := checkOwner(owner, rec); err != nil {
		return future.Settled(record.Record{}, err)
	}

	desc := fmt.Sprintf("%s record %s", verb, rec.Id)
	perform := func(ctx context.Context) (uint64, error) {
		if op == OpRemove {
			return s.cfg.Remote.Delete(ctx, rec.OwnerId, rec.Id)
		}
		return s.cfg.Remote.Put(ctx, rec)
	}
	result := future.New[record.Record]()

	if !s.cfg.Monitor.IsOnline() || s.cfg.Queue.HasPending(rec.Id) {
		s.enqueue(result, gen, desc, op, rec, perform)
		return result
	}
	go func() {
		opts := s.cfg.Retry
		opts.Description = desc
		opts.Logger = s.logger
		condition := opts.RetryCondition
		// Going offline hands the write over to the queue instead of
		// spending retries on a dead link.
		opts.RetryCondition = func(err *syncerr.Error, attempt int) bool {
			if !s.cfg.Monitor.IsOnline() {
				return false
			}
			return condition == nil || condition(err, attempt)
		}
		rev, err := retry.Do(ctx, opts, perform)
		if err != nil {
			if syncerr.IsRetryable(err) && !s.cfg.Monitor.IsOnline() {
				s.logger.Info("write failed while going offline, queueing", zap.String("description", desc), zap.Error(err))
				s.enqueue(result, gen, desc, op, rec, perform)
				return
			}
			if !syncerr.IsKind(err, syncerr.Cancelled) {
				s.cfg.Queue.Record(desc, err)
			}
			result.Settle(record.Record{}, err)
			return
		}
		result.Settle(s.apply(gen, op, rec, rev), nil)
	}()
	return result
}

func (s *Store) enqueue(result *future.Future[record.Record], gen uint64, desc string, op WriteOp, rec record.Record,
	perform func(context.Context) (uint64, error)) {

	h := s.cfg.Queue.Enqueue(func(ctx context.Context) (any, error) {
		return perform(ctx)
	}, queue.Options{Description: desc, Key: rec.Id})
	go func() {
		v, err := h.Wait(context.Background())
		if err != nil {
			result.Settle(record.Record{}, err)
			return
		}
		result.Settle(s.apply(gen, op, rec, v.(uint64)), nil)
	}()
}

// apply splices an acknowledged write into the replica. Acknowledgements that
// arrive after an owner switch are not applied.
func (s *Store) apply(gen uint64, op WriteOp, rec record.Record, rev uint64) record.Record {
	rec.Revision = rev
	now := time.Now()

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		s.logger.Debug("dropping acknowledgement for previous owner", zap.String("id", rec.Id))
		return rec
	}
	w := s.tracker.add(Write{RecordId: rec.Id, Op: op, Revision: rev, Record: rec.Clone(), UpdatedAt: now})
	if w.State == Provisional {
		i := s.indexLocked(rec.Id)
		switch {
		case i >= 0 && s.records[i].Revision > rev:
			// A later write of the record was acknowledged first.
		case op == OpRemove && i >= 0:
			s.records = append(s.records[:i], s.records[i+1:]...)
		case op == OpPut && i >= 0:
			s.records[i] = rec.Clone()
		case op == OpPut:
			s.records = append(s.records, rec.Clone())
		}
		s.metrics.records.Set(float64(len(s.records)))
	}
	s.mu.Unlock()

	if w.State != Provisional {
		s.report([]Write{w})
	}
	s.hub.NotifyAll()
	return rec
}

func (s *Store) applySnapshot(gen uint64, snap record.Snapshot) {
	s.mu.Lock()
	if s.generation != gen || (snap.OwnerId != "" && snap.OwnerId != s.owner) {
		s.mu.Unlock()
		s.logger.Debug("dropping snapshot for previous owner", zap.String("owner", snap.OwnerId))
		return
	}
	records := make([]record.Record, 0, len(snap.Records))
	for _, r := range snap.Records {
		if r.OwnerId != s.owner {
			s.metrics.dropped.Inc()
			s.logger.Warn("dropping record of another owner from snapshot",
				zap.String("id", r.Id), zap.String("owner", r.OwnerId))
			continue
		}
		records = append(records, r.Clone())
	}
	s.records = records
	changed := s.tracker.reconcile(snap.Revision, records, time.Now())
	s.metrics.records.Set(float64(len(records)))
	s.metrics.snapshots.Inc()
	s.mu.Unlock()

	s.logger.Debug("snapshot applied", zap.Uint64("revision", snap.Revision), zap.Int("records", len(records)))
	s.report(changed)
	s.hub.NotifyAll()
}

func (s *Store) report(changed []Write) {
	for _, w := range changed {
		s.metrics.transitions.WithLabelValues(w.State.String()).Inc()
		fields := []zap.Field{
			zap.String("id", w.RecordId), zap.Stringer("op", w.Op), zap.Uint64("revision", w.Revision),
		}
		if w.State == Reverted {
			s.logger.Warn("write reverted by snapshot", fields...)
		} else {
			s.logger.Debug("write confirmed", fields...)
		}
		if s.cfg.OnTransition != nil {
			s.cfg.OnTransition(w)
		}
	}
}

// WriteStatus returns the state of the latest local write of a record.
func (s *Store) WriteStatus(id string) (Write, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.get(id)
}

func (s *Store) Subscribe(fn func()) hub.Token {
	return s.hub.Subscribe(fn)
}

func (s *Store) Unsubscribe(token hub.Token) bool {
	return s.hub.Unsubscribe(token)
}

func (s *Store) QueueState() queue.State {
	return s.cfg.Queue.State()
}

// Close detaches the live subscription. Writes acknowledged afterwards are
// not applied.
func (s *Store) Close() {
	s.ownerMu.Lock()
	defer s.ownerMu.Unlock()
	s.listener.Detach()
	s.mu.Lock()
	s.generation++
	s.mu.Unlock()
}

func (s *Store) indexLocked(id string) int {
	for i, r := range s.records {
		if r.Id == id {
			return i
		}
	}
	return -1
}
