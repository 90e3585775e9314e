package rpc

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/breez/replica-sync/middleware"
	"github.com/breez/replica-sync/record"
	"github.com/breez/replica-sync/syncerr"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// Client talks to a Syncer server and implements replica.Remote.
type Client struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
	// newBackOff paces the re-opening of snapshot streams.
	newBackOff func() backoff.BackOff
}

func NewClient(conn grpc.ClientConnInterface, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		conn:   conn,
		logger: logger.Named("rpc"),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			return b
		},
	}
}

func trailerKind(md metadata.MD) string {
	if values := md.Get(syncerr.TrailerKey); len(values) > 0 {
		return values[0]
	}
	return ""
}

func (c *Client) invoke(ctx context.Context, ownerId, method string, req, reply any) error {
	var trailer metadata.MD
	err := c.conn.Invoke(middleware.WithOwner(ctx, ownerId), method, req, reply,
		grpc.ForceCodec(Codec()), grpc.Trailer(&trailer))
	if err != nil {
		se := syncerr.FromStatus(err, trailerKind(trailer))
		se.Op = method
		return se
	}
	return nil
}

func (c *Client) Get(ctx context.Context, ownerId, id string) (*record.Record, error) {
	reply := &GetRecordReply{}
	if err := c.invoke(ctx, ownerId, Syncer_GetRecord_FullMethodName, &GetRecordRequest{Id: id}, reply); err != nil {
		return nil, err
	}
	return reply.Record, nil
}

func (c *Client) Put(ctx context.Context, rec record.Record) (uint64, error) {
	reply := &PutRecordReply{}
	if err := c.invoke(ctx, rec.OwnerId, Syncer_PutRecord_FullMethodName, &PutRecordRequest{Record: rec}, reply); err != nil {
		return 0, err
	}
	return reply.Revision, nil
}

func (c *Client) Delete(ctx context.Context, ownerId, id string) (uint64, error) {
	reply := &DeleteRecordReply{}
	if err := c.invoke(ctx, ownerId, Syncer_DeleteRecord_FullMethodName, &DeleteRecordRequest{Id: id}, reply); err != nil {
		return 0, err
	}
	return reply.Revision, nil
}

// SubscribeByOwner keeps a snapshot stream open for ownerId, re-opening it
// with exponential backoff after retryable failures. The returned function
// stops the subscription; it does not wait for in-flight deliveries.
// onError receives the failure that ended the stream for good: a
// non-retryable error, or the last error once the backoff gives up.
func (c *Client) SubscribeByOwner(ownerId string, onSnapshot func(record.Snapshot), onError func(error)) (func(), error) {
	if ownerId == "" {
		return nil, syncerr.Errorf(syncerr.Validation, "owner id is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		err := c.track(ctx, ownerId, onSnapshot)
		if err != nil && ctx.Err() == nil && onError != nil {
			onError(err)
		}
	}()
	return cancel, nil
}

func (c *Client) track(ctx context.Context, ownerId string, onSnapshot func(record.Snapshot)) error {
	b := c.newBackOff()
	logger := c.logger.With(zap.String("owner", ownerId))
	for {
		err := c.trackOnce(ctx, ownerId, func(snap record.Snapshot) {
			b.Reset()
			onSnapshot(snap)
		})
		if ctx.Err() != nil {
			return nil
		}
		if !syncerr.IsRetryable(err) {
			logger.Error("snapshot stream failed", zap.Error(err))
			return err
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			logger.Error("giving up on snapshot stream", zap.Error(err))
			return err
		}
		logger.Info("snapshot stream interrupted", zap.Error(err), zap.Duration("retryIn", delay))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Client) trackOnce(ctx context.Context, ownerId string, onSnapshot func(record.Snapshot)) error {
	stream, err := c.conn.NewStream(middleware.WithOwner(ctx, ownerId), &Syncer_ServiceDesc.Streams[0],
		Syncer_TrackSnapshots_FullMethodName, grpc.ForceCodec(Codec()))
	if err != nil {
		return syncerr.FromStatus(err, "")
	}
	if err := stream.SendMsg(&TrackSnapshotsRequest{}); err != nil && !errors.Is(err, io.EOF) {
		return syncerr.FromStatus(err, "")
	}
	if err := stream.CloseSend(); err != nil {
		return syncerr.FromStatus(err, "")
	}
	for {
		snap := record.Snapshot{}
		if err := stream.RecvMsg(&snap); err != nil {
			if errors.Is(err, io.EOF) {
				return syncerr.Errorf(syncerr.RemoteService, "snapshot stream closed by server")
			}
			return syncerr.FromStatus(err, trailerKind(stream.Trailer()))
		}
		onSnapshot(snap)
	}
}
