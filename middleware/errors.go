package middleware

import (
	"context"

	"github.com/breez/replica-sync/syncerr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

func kindTrailer(err error) (*syncerr.Error, metadata.MD) {
	se := syncerr.Classify(err)
	return se, metadata.Pairs(syncerr.TrailerKey, se.Kind.String())
}

func logFailure(logger *zap.Logger, method string, se *syncerr.Error) {
	switch se.Kind {
	case syncerr.Unknown, syncerr.RemoteService:
		logger.Error("call failed", zap.String("method", method), zap.Error(se))
	default:
		logger.Debug("call rejected", zap.String("method", method), zap.Stringer("kind", se.Kind), zap.Error(se))
	}
}

// UnaryErrorInterceptor converts handler errors into status errors and
// attaches their exact kind as a trailer.
func UnaryErrorInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if err == nil {
			return resp, nil
		}
		se, trailer := kindTrailer(err)
		logFailure(logger, info.FullMethod, se)
		if err := grpc.SetTrailer(ctx, trailer); err != nil {
			logger.Warn("failed to set error trailer", zap.Error(err))
		}
		return nil, syncerr.ToStatus(err)
	}
}

func StreamErrorInterceptor(logger *zap.Logger) grpc.StreamServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		err := handler(srv, ss)
		if err == nil {
			return nil
		}
		se, trailer := kindTrailer(err)
		logFailure(logger, info.FullMethod, se)
		ss.SetTrailer(trailer)
		return syncerr.ToStatus(err)
	}
}
