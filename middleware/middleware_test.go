package middleware

import (
	"context"
	"errors"
	"testing"

	"github.com/breez/replica-sync/syncerr"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func TestAuthenticate(t *testing.T) {
	outgoing := WithOwner(context.Background(), "alice")
	md, ok := metadata.FromOutgoingContext(outgoing)
	require.True(t, ok)

	ctx, err := Authenticate(metadata.NewIncomingContext(context.Background(), md))
	require.NoError(t, err)
	ownerId, ok := OwnerFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, "alice", ownerId)

	_, err = Authenticate(context.Background())
	require.True(t, syncerr.IsKind(err, syncerr.Authentication))

	_, err = Authenticate(metadata.NewIncomingContext(context.Background(), metadata.Pairs(OwnerMetadataKey, "")))
	require.True(t, syncerr.IsKind(err, syncerr.Authentication))

	_, ok = OwnerFromContext(context.Background())
	require.False(t, ok)
}

func TestUnaryOwnerInterceptor(t *testing.T) {
	interceptor := UnaryOwnerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/sync.Syncer/GetRecord"}
	var seen string
	handler := func(ctx context.Context, req any) (any, error) {
		seen, _ = OwnerFromContext(ctx)
		return "ok", nil
	}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(OwnerMetadataKey, "bob"))
	resp, err := interceptor(ctx, nil, info, handler)
	require.NoError(t, err)
	require.Equal(t, "ok", resp)
	require.Equal(t, "bob", seen)

	seen = ""
	_, err = interceptor(context.Background(), nil, info, handler)
	require.True(t, syncerr.IsKind(err, syncerr.Authentication))
	require.Empty(t, seen, "handler must not run without an owner")
}

func TestUnaryErrorInterceptor(t *testing.T) {
	interceptor := UnaryErrorInterceptor(zaptest.NewLogger(t))
	info := &grpc.UnaryServerInfo{FullMethod: "/sync.Syncer/PutRecord"}

	_, err := interceptor(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		return nil, syncerr.New(syncerr.QuotaExceeded, errors.New("quota exceeded"))
	})
	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, codes.ResourceExhausted, st.Code())
	require.Equal(t, "quota exceeded", st.Message())

	_, err = interceptor(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		return nil, syncerr.New(syncerr.PermissionDenied, errors.New("not yours"))
	})
	require.Equal(t, codes.PermissionDenied, status.Code(err))

	resp, err := interceptor(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, resp)
}
