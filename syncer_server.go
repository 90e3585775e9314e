package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/breez/replica-sync/middleware"
	"github.com/breez/replica-sync/record"
	"github.com/breez/replica-sync/rpc"
	"github.com/breez/replica-sync/store"
	"github.com/breez/replica-sync/syncerr"
	"go.uber.org/zap"
)

type PersistentSyncerServer struct {
	rpc.UnimplementedSyncerServer
	storage       store.SyncStorage
	logger        *zap.Logger
	eventsManager *eventsManager
}

func NewPersistentSyncerServer(storage store.SyncStorage, logger *zap.Logger) *PersistentSyncerServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PersistentSyncerServer{
		storage:       storage,
		logger:        logger.Named("syncer"),
		eventsManager: newEventsManager(),
	}
}

func (s *PersistentSyncerServer) Start(quitChan chan struct{}) {
	s.eventsManager.start(quitChan)
}

func ownerOf(ctx context.Context) (string, error) {
	ownerId, ok := middleware.OwnerFromContext(ctx)
	if !ok {
		return "", syncerr.Errorf(syncerr.Authentication, "unauthenticated call")
	}
	return ownerId, nil
}

func storageError(err error) error {
	switch {
	case errors.Is(err, store.ErrPermissionDenied):
		return syncerr.New(syncerr.PermissionDenied, err)
	case errors.Is(err, store.ErrNotFound):
		return syncerr.New(syncerr.Validation, err)
	case errors.Is(err, context.Canceled):
		return syncerr.New(syncerr.Cancelled, err)
	}
	return syncerr.New(syncerr.RemoteService, err)
}

func (s *PersistentSyncerServer) GetRecord(ctx context.Context, msg *rpc.GetRecordRequest) (*rpc.GetRecordReply, error) {
	ownerId, err := ownerOf(ctx)
	if err != nil {
		return nil, err
	}
	stored, err := s.storage.GetRecord(ctx, ownerId, msg.Id)
	if errors.Is(err, store.ErrNotFound) {
		return &rpc.GetRecordReply{}, nil
	}
	if err != nil {
		return nil, storageError(err)
	}
	rec, err := stored.ToRecord()
	if err != nil {
		return nil, syncerr.New(syncerr.RemoteService, err)
	}
	return &rpc.GetRecordReply{Record: &rec}, nil
}

func (s *PersistentSyncerServer) PutRecord(ctx context.Context, msg *rpc.PutRecordRequest) (*rpc.PutRecordReply, error) {
	ownerId, err := ownerOf(ctx)
	if err != nil {
		return nil, err
	}
	if msg.Record.Id == "" {
		return nil, syncerr.Errorf(syncerr.Validation, "record id is required")
	}
	if msg.Record.OwnerId != "" && msg.Record.OwnerId != ownerId {
		return nil, syncerr.Errorf(syncerr.PermissionDenied, "record %v is owned by %v", msg.Record.Id, msg.Record.OwnerId)
	}
	data, err := store.EncodeFields(msg.Record)
	if err != nil {
		return nil, syncerr.New(syncerr.Validation, err)
	}
	newRevision, err := s.storage.SetRecord(ctx, ownerId, msg.Record.Id, data)
	if err != nil {
		return nil, storageError(err)
	}
	s.eventsManager.notifyChange(ownerId)
	return &rpc.PutRecordReply{Revision: newRevision}, nil
}

func (s *PersistentSyncerServer) DeleteRecord(ctx context.Context, msg *rpc.DeleteRecordRequest) (*rpc.DeleteRecordReply, error) {
	ownerId, err := ownerOf(ctx)
	if err != nil {
		return nil, err
	}
	if msg.Id == "" {
		return nil, syncerr.Errorf(syncerr.Validation, "record id is required")
	}
	newRevision, err := s.storage.DeleteRecord(ctx, ownerId, msg.Id)
	if err != nil {
		return nil, storageError(err)
	}
	s.eventsManager.notifyChange(ownerId)
	return &rpc.DeleteRecordReply{Revision: newRevision}, nil
}

func (s *PersistentSyncerServer) snapshot(ctx context.Context, ownerId string) (*record.Snapshot, error) {
	stored, revision, err := s.storage.ListRecords(ctx, ownerId)
	if err != nil {
		return nil, storageError(err)
	}
	records := make([]record.Record, 0, len(stored))
	for _, r := range stored {
		rec, err := r.ToRecord()
		if err != nil {
			return nil, syncerr.New(syncerr.RemoteService, fmt.Errorf("failed to build snapshot: %w", err))
		}
		records = append(records, rec)
	}
	return &record.Snapshot{OwnerId: ownerId, Revision: revision, Records: records}, nil
}

func (s *PersistentSyncerServer) TrackSnapshots(request *rpc.TrackSnapshotsRequest, stream rpc.Syncer_TrackSnapshotsServer) error {
	ctx := stream.Context()
	ownerId, err := ownerOf(ctx)
	if err != nil {
		return err
	}

	// Subscribe before reading so no change falls between the initial
	// snapshot and the first event.
	subscription := s.eventsManager.subscribe(ownerId)
	defer s.eventsManager.unsubscribe(ownerId, subscription.id)

	send := func() error {
		snap, err := s.snapshot(ctx, ownerId)
		if err != nil {
			return err
		}
		return stream.Send(snap)
	}
	if err := send(); err != nil {
		return err
	}
	for {
		select {
		case _, ok := <-subscription.eventsChan:
			if !ok {
				return nil
			}
			if err := send(); err != nil {
				return err
			}

		case <-ctx.Done():
			return nil
		}
	}
}

type notifyChange struct {
	ownerId string
}

type unsubscribe struct {
	ownerId string
	id      int64
}

type subscription struct {
	id      int64
	ownerId string
	// eventsChan holds at most one pending change; further changes before
	// the stream catches up are folded into it.
	eventsChan chan struct{}
}

type eventsManager struct {
	globalIDs int64
	streams   map[string][]*subscription
	msgChan   chan interface{}
	quitChan  chan struct{}
}

func newEventsManager() *eventsManager {
	return &eventsManager{
		globalIDs: 0,
		streams:   make(map[string][]*subscription),
		msgChan:   make(chan interface{}),
	}
}

func (c *eventsManager) start(quitChan chan struct{}) {
	c.quitChan = quitChan
	go func() {
		for {
			select {
			case msg := <-c.msgChan:
				switch s := msg.(type) {
				case *subscription:
					c.streams[s.ownerId] = append(c.streams[s.ownerId], s)
				case *unsubscribe:
					var newSubs []*subscription
					for _, sub := range c.streams[s.ownerId] {
						if sub.id != s.id {
							newSubs = append(newSubs, sub)
							continue
						}
						close(sub.eventsChan)
					}
					delete(c.streams, s.ownerId)
					if len(newSubs) > 0 {
						c.streams[s.ownerId] = newSubs
					}
				case *notifyChange:
					for _, sub := range c.streams[s.ownerId] {
						select {
						case sub.eventsChan <- struct{}{}:
						default:
						}
					}
				}

			case <-quitChan:
				return
			}
		}
	}()
}

func (c *eventsManager) send(msg interface{}) {
	select {
	case c.msgChan <- msg:
	case <-c.quitChan:
	}
}

func (c *eventsManager) notifyChange(ownerId string) {
	c.send(&notifyChange{ownerId: ownerId})
}

func (c *eventsManager) subscribe(ownerId string) *subscription {
	s := &subscription{
		id:         atomic.AddInt64(&c.globalIDs, 1),
		ownerId:    ownerId,
		eventsChan: make(chan struct{}, 1),
	}
	c.send(s)
	return s
}

func (c *eventsManager) unsubscribe(ownerId string, id int64) {
	c.send(&unsubscribe{ownerId: ownerId, id: id})
}
