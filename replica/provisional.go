package replica

import (
	"time"

	"github.com/breez/replica-sync/record"
)

// WriteState is the lifecycle of a locally applied write.
type WriteState int

const (
	// Provisional writes are applied locally but not yet seen in a snapshot.
	Provisional WriteState = iota
	// Confirmed writes are reflected by a later snapshot.
	Confirmed
	// Reverted writes are contradicted by a snapshot taken after them.
	Reverted
)

func (s WriteState) String() string {
	switch s {
	case Provisional:
		return "provisional"
	case Confirmed:
		return "confirmed"
	case Reverted:
		return "reverted"
	default:
		return "invalid"
	}
}

type WriteOp int

const (
	OpPut WriteOp = iota
	OpRemove
)

func (o WriteOp) String() string {
	if o == OpRemove {
		return "remove"
	}
	return "put"
}

// Write is the latest local write of one record.
type Write struct {
	RecordId string
	Op       WriteOp
	State    WriteState
	// Revision is the owner revision the remote store assigned to the write.
	Revision  uint64
	Record    record.Record
	UpdatedAt time.Time
}

// tracker follows provisional writes until a snapshot settles them.
type tracker struct {
	writes  map[string]*Write
	hasSnap bool
	snapRev uint64
	// snapRecords maps the ids of the last snapshot to their revisions.
	snapRecords map[string]uint64
}

func newTracker() *tracker {
	return &tracker{writes: map[string]*Write{}, snapRecords: map[string]uint64{}}
}

func (t *tracker) reset() {
	t.writes = map[string]*Write{}
	t.snapRecords = map[string]uint64{}
	t.hasSnap = false
	t.snapRev = 0
}

// add records a write acknowledged by the remote store. When the last
// snapshot is already at or past the write's revision the write is judged
// against it right away and the returned state is final.
func (t *tracker) add(w Write) Write {
	if t.hasSnap && t.snapRev >= w.Revision {
		w.State = t.judge(w)
	} else {
		w.State = Provisional
	}
	t.writes[w.RecordId] = &w
	return w
}

// reconcile settles every provisional write covered by a snapshot at
// revision rev and returns the writes that changed state.
func (t *tracker) reconcile(rev uint64, records []record.Record, now time.Time) []Write {
	t.hasSnap = true
	t.snapRev = rev
	t.snapRecords = make(map[string]uint64, len(records))
	for _, r := range records {
		t.snapRecords[r.Id] = r.Revision
	}

	var changed []Write
	for _, w := range t.writes {
		if w.State != Provisional || w.Revision > rev {
			continue
		}
		w.State = t.judge(*w)
		w.UpdatedAt = now
		changed = append(changed, *w)
	}
	return changed
}

func (t *tracker) judge(w Write) WriteState {
	rev, present := t.snapRecords[w.RecordId]
	switch w.Op {
	case OpRemove:
		if !present || rev > w.Revision {
			return Confirmed
		}
	default:
		if present && rev >= w.Revision {
			return Confirmed
		}
	}
	return Reverted
}

func (t *tracker) get(id string) (Write, bool) {
	w, ok := t.writes[id]
	if !ok {
		return Write{}, false
	}
	return *w, true
}
