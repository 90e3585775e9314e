package replica

import (
	"context"
	"sort"
	"sync"

	"github.com/breez/replica-sync/record"
	"github.com/breez/replica-sync/syncerr"
)

type fakeSub struct {
	owner   string
	fn      func(record.Snapshot)
	onError func(error)
	active  bool
}

// fakeRemote is an in-memory Remote. Snapshots are delivered only when a
// test calls emit.
type fakeRemote struct {
	mu        sync.Mutex
	revisions map[string]uint64
	records   map[string]record.Record
	subs      []*fakeSub
	writes    int

	// beforeWrite, when set, runs before every Put and Delete. A non-nil
	// error fails the write.
	beforeWrite func(n int) error
	// afterPut, when set, runs once a Put is stored and before it returns.
	afterPut func(rec record.Record)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{revisions: map[string]uint64{}, records: map[string]record.Record{}}
}

func (f *fakeRemote) Get(ctx context.Context, ownerId, id string) (*record.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	if !ok {
		return nil, nil
	}
	r = r.Clone()
	return &r, nil
}

func (f *fakeRemote) hook() error {
	f.mu.Lock()
	f.writes++
	n := f.writes
	hook := f.beforeWrite
	f.mu.Unlock()
	if hook != nil {
		return hook(n)
	}
	return nil
}

func (f *fakeRemote) Put(ctx context.Context, rec record.Record) (uint64, error) {
	if err := f.hook(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	if existing, ok := f.records[rec.Id]; ok && existing.OwnerId != rec.OwnerId {
		f.mu.Unlock()
		return 0, syncerr.Errorf(syncerr.PermissionDenied, "not yours")
	}
	f.revisions[rec.OwnerId]++
	rec = rec.Clone()
	rec.Revision = f.revisions[rec.OwnerId]
	f.records[rec.Id] = rec
	after := f.afterPut
	f.mu.Unlock()
	if after != nil {
		after(rec)
	}
	return rec.Revision, nil
}

func (f *fakeRemote) Delete(ctx context.Context, ownerId, id string) (uint64, error) {
	if err := f.hook(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, id)
	f.revisions[ownerId]++
	return f.revisions[ownerId], nil
}

func (f *fakeRemote) SubscribeByOwner(ownerId string, onSnapshot func(record.Snapshot), onError func(error)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakeSub{owner: ownerId, fn: onSnapshot, onError: onError, active: true}
	f.subs = append(f.subs, sub)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		sub.active = false
	}, nil
}

// seed stores records without notifying anyone.
func (f *fakeRemote) seed(recs ...record.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range recs {
		f.revisions[r.OwnerId]++
		r.Revision = f.revisions[r.OwnerId]
		f.records[r.Id] = r
	}
}

func (f *fakeRemote) snapshot(ownerId string) record.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := record.Snapshot{OwnerId: ownerId, Revision: f.revisions[ownerId]}
	for _, r := range f.records {
		if r.OwnerId == ownerId {
			snap.Records = append(snap.Records, r.Clone())
		}
	}
	sort.Slice(snap.Records, func(i, j int) bool { return snap.Records[i].Id < snap.Records[j].Id })
	return snap
}

// emit delivers the current state of ownerId to its active subscribers.
func (f *fakeRemote) emit(ownerId string) {
	f.deliver(f.snapshot(ownerId))
}

func (f *fakeRemote) deliver(snap record.Snapshot) {
	f.mu.Lock()
	var fns []func(record.Snapshot)
	for _, s := range f.subs {
		if s.active && s.owner == snap.OwnerId {
			fns = append(fns, s.fn)
		}
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// fail ends the active subscriptions of ownerId with err.
func (f *fakeRemote) fail(ownerId string, err error) {
	f.mu.Lock()
	var fns []func(error)
	for _, s := range f.subs {
		if s.active && s.owner == ownerId {
			s.active = false
			if s.onError != nil {
				fns = append(fns, s.onError)
			}
		}
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (f *fakeRemote) activeSubs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var owners []string
	for _, s := range f.subs {
		if s.active {
			owners = append(owners, s.owner)
		}
	}
	return owners
}

// lastCallback returns the most recent callback registered for ownerId, even
// if it was unsubscribed since.
func (f *fakeRemote) lastCallback(ownerId string) func(record.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.subs) - 1; i >= 0; i-- {
		if f.subs[i].owner == ownerId {
			return f.subs[i].fn
		}
	}
	return nil
}

func (f *fakeRemote) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}
