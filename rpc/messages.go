package rpc

import "github.com/breez/replica-sync/record"

type GetRecordRequest struct {
	Id string `json:"id"`
}

type GetRecordReply struct {
	// Record is nil when no record with the requested id exists.
	Record *record.Record `json:"record,omitempty"`
}

type PutRecordRequest struct {
	Record record.Record `json:"record"`
}

type PutRecordReply struct {
	Revision uint64 `json:"revision"`
}

type DeleteRecordRequest struct {
	Id string `json:"id"`
}

type DeleteRecordReply struct {
	Revision uint64 `json:"revision"`
}

type TrackSnapshotsRequest struct{}
