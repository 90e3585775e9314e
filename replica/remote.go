package replica

import (
	"context"

	"github.com/breez/replica-sync/record"
)

// Remote is the authoritative record store. Implementations return
// *syncerr.Error values, or errors syncerr.Classify understands.
type Remote interface {
	// Get returns nil when the record does not exist.
	Get(ctx context.Context, ownerId, id string) (*record.Record, error)
	// Put overwrites the whole record and returns the owner revision it was
	// written at.
	Put(ctx context.Context, rec record.Record) (uint64, error)
	Delete(ctx context.Context, ownerId, id string) (uint64, error)
	// SubscribeByOwner delivers the full record set of ownerId on every
	// change until the returned function is called. onError, when not nil,
	// is called at most once if the subscription ends on its own; no
	// snapshots follow it.
	SubscribeByOwner(ownerId string, onSnapshot func(record.Snapshot), onError func(error)) (func(), error)
}
