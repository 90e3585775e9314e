package middleware

import (
	"context"

	"github.com/breez/replica-sync/syncerr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// OwnerMetadataKey names the metadata entry carrying the caller's owner id.
const OwnerMetadataKey = "owner-id"

type ownerContextKey struct{}

// WithOwner attaches ownerId to the outgoing metadata of ctx.
func WithOwner(ctx context.Context, ownerId string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, OwnerMetadataKey, ownerId)
}

// OwnerFromContext returns the owner authenticated by the owner interceptors.
func OwnerFromContext(ctx context.Context) (string, bool) {
	ownerId, ok := ctx.Value(ownerContextKey{}).(string)
	return ownerId, ok && ownerId != ""
}

func Authenticate(ctx context.Context) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, syncerr.Errorf(syncerr.Authentication, "could not read request metadata")
	}
	values := md.Get(OwnerMetadataKey)
	if len(values) == 0 || values[0] == "" {
		return nil, syncerr.Errorf(syncerr.Authentication, "missing %v metadata", OwnerMetadataKey)
	}
	return context.WithValue(ctx, ownerContextKey{}, values[0]), nil
}

func UnaryOwnerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		c, err := Authenticate(ctx)
		if err != nil {
			return nil, err
		}
		return handler(c, req)
	}
}

type ownerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *ownerStream) Context() context.Context {
	return s.ctx
}

func StreamOwnerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		c, err := Authenticate(ss.Context())
		if err != nil {
			return err
		}
		return handler(srv, &ownerStream{ServerStream: ss, ctx: c})
	}
}
