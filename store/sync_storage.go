package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/breez/replica-sync/record"
	"github.com/goccy/go-json"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrPermissionDenied = errors.New("record belongs to another owner")
)

type StoredRecord struct {
	Id       string
	OwnerId  string
	Data     []byte
	Revision uint64
}

// SyncStorage persists records and a revision counter per owner. Every
// write bumps the owner's revision and stamps it on the written record.
type SyncStorage interface {
	GetRecord(ctx context.Context, ownerId, id string) (*StoredRecord, error)
	SetRecord(ctx context.Context, ownerId, id string, data []byte) (uint64, error)
	// DeleteRecord removes a record. Deleting a missing record is not an
	// error and leaves the revision unchanged.
	DeleteRecord(ctx context.Context, ownerId, id string) (uint64, error)
	// ListRecords returns every record of the owner together with the owner's
	// current revision.
	ListRecords(ctx context.Context, ownerId string) ([]StoredRecord, uint64, error)
}

// EncodeFields serializes the domain fields of a record for storage.
func EncodeFields(rec record.Record) ([]byte, error) {
	fields := rec.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fields of record %v: %w", rec.Id, err)
	}
	return data, nil
}

// ToRecord decodes a stored record.
func (r StoredRecord) ToRecord() (record.Record, error) {
	rec := record.Record{Id: r.Id, OwnerId: r.OwnerId, Revision: r.Revision}
	if len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, &rec.Fields); err != nil {
			return record.Record{}, fmt.Errorf("failed to decode fields of record %v: %w", r.Id, err)
		}
	}
	return rec, nil
}
