package queue

import (
	"time"

	"github.com/breez/replica-sync/syncerr"
)

// ErrorEntry is one terminal failure recorded by the queue.
type ErrorEntry struct {
	OperationId string
	Description string
	Kind        syncerr.Kind
	Err         error
	At          time.Time
}

// State is an observable snapshot of the queue, intended for status
// indicators.
type State struct {
	PendingCount    int
	IsProcessing    bool
	LastProcessedAt time.Time
	// RecentErrors lists the latest terminal failures, oldest first.
	RecentErrors []ErrorEntry
}

// errorLog is a fixed size ring of ErrorEntry values. When full, the oldest
// entry is overwritten.
type errorLog struct {
	entries []ErrorEntry
	head    int
	size    int
}

func newErrorLog(capacity int) *errorLog {
	if capacity < 1 {
		capacity = 1
	}
	return &errorLog{entries: make([]ErrorEntry, capacity)}
}

func (l *errorLog) push(e ErrorEntry) {
	capacity := len(l.entries)
	if l.size < capacity {
		l.entries[(l.head+l.size)%capacity] = e
		l.size++
		return
	}
	l.entries[l.head] = e
	l.head = (l.head + 1) % capacity
}

func (l *errorLog) list() []ErrorEntry {
	out := make([]ErrorEntry, l.size)
	for i := 0; i < l.size; i++ {
		out[i] = l.entries[(l.head+i)%len(l.entries)]
	}
	return out
}
