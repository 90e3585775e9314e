package rpc

import (
	"context"

	"github.com/breez/replica-sync/record"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	Syncer_GetRecord_FullMethodName      = "/sync.Syncer/GetRecord"
	Syncer_PutRecord_FullMethodName      = "/sync.Syncer/PutRecord"
	Syncer_DeleteRecord_FullMethodName   = "/sync.Syncer/DeleteRecord"
	Syncer_TrackSnapshots_FullMethodName = "/sync.Syncer/TrackSnapshots"
)

// SyncerServer is the server API for the Syncer service.
type SyncerServer interface {
	GetRecord(context.Context, *GetRecordRequest) (*GetRecordReply, error)
	PutRecord(context.Context, *PutRecordRequest) (*PutRecordReply, error)
	DeleteRecord(context.Context, *DeleteRecordRequest) (*DeleteRecordReply, error)
	// TrackSnapshots streams the caller's full record set, first on
	// subscription and then after every change.
	TrackSnapshots(*TrackSnapshotsRequest, Syncer_TrackSnapshotsServer) error
}

// UnimplementedSyncerServer can be embedded to have forward compatible
// implementations.
type UnimplementedSyncerServer struct{}

func (UnimplementedSyncerServer) GetRecord(context.Context, *GetRecordRequest) (*GetRecordReply, error) {
	return nil, status.Errorf(codes.Unimplemented, "method GetRecord not implemented")
}

func (UnimplementedSyncerServer) PutRecord(context.Context, *PutRecordRequest) (*PutRecordReply, error) {
	return nil, status.Errorf(codes.Unimplemented, "method PutRecord not implemented")
}

func (UnimplementedSyncerServer) DeleteRecord(context.Context, *DeleteRecordRequest) (*DeleteRecordReply, error) {
	return nil, status.Errorf(codes.Unimplemented, "method DeleteRecord not implemented")
}

func (UnimplementedSyncerServer) TrackSnapshots(*TrackSnapshotsRequest, Syncer_TrackSnapshotsServer) error {
	return status.Errorf(codes.Unimplemented, "method TrackSnapshots not implemented")
}

type Syncer_TrackSnapshotsServer interface {
	Send(*record.Snapshot) error
	grpc.ServerStream
}

type syncerTrackSnapshotsServer struct {
	grpc.ServerStream
}

func (x *syncerTrackSnapshotsServer) Send(m *record.Snapshot) error {
	return x.ServerStream.SendMsg(m)
}

func RegisterSyncerServer(s grpc.ServiceRegistrar, srv SyncerServer) {
	s.RegisterService(&Syncer_ServiceDesc, srv)
}

func _Syncer_GetRecord_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetRecordRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SyncerServer).GetRecord(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: Syncer_GetRecord_FullMethodName,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SyncerServer).GetRecord(ctx, req.(*GetRecordRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Syncer_PutRecord_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PutRecordRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SyncerServer).PutRecord(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: Syncer_PutRecord_FullMethodName,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SyncerServer).PutRecord(ctx, req.(*PutRecordRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Syncer_DeleteRecord_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DeleteRecordRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SyncerServer).DeleteRecord(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: Syncer_DeleteRecord_FullMethodName,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SyncerServer).DeleteRecord(ctx, req.(*DeleteRecordRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Syncer_TrackSnapshots_Handler(srv any, stream grpc.ServerStream) error {
	m := new(TrackSnapshotsRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(SyncerServer).TrackSnapshots(m, &syncerTrackSnapshotsServer{stream})
}

// Syncer_ServiceDesc is the grpc.ServiceDesc for the Syncer service.
var Syncer_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "sync.Syncer",
	HandlerType: (*SyncerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetRecord",
			Handler:    _Syncer_GetRecord_Handler,
		},
		{
			MethodName: "PutRecord",
			Handler:    _Syncer_PutRecord_Handler,
		},
		{
			MethodName: "DeleteRecord",
			Handler:    _Syncer_DeleteRecord_Handler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "TrackSnapshots",
			Handler:       _Syncer_TrackSnapshots_Handler,
			ServerStreams: true,
		},
	},
}
