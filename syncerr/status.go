package syncerr

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TrailerKey carries the exact Kind of a failed call, since several kinds
// share a status code.
const TrailerKey = "sync-error-kind"

var codeKinds = map[codes.Code]Kind{
	codes.InvalidArgument:    Validation,
	codes.OutOfRange:         Validation,
	codes.FailedPrecondition: Validation,
	codes.NotFound:           Validation,
	codes.AlreadyExists:      Validation,
	codes.PermissionDenied:   PermissionDenied,
	codes.Unauthenticated:    Authentication,
	codes.ResourceExhausted:  RateLimited,
	codes.Unavailable:        Network,
	codes.DeadlineExceeded:   Network,
	codes.Canceled:           Cancelled,
	codes.Internal:           RemoteService,
	codes.Aborted:            RemoteService,
	codes.DataLoss:           RemoteService,
	codes.Unimplemented:      RemoteService,
	codes.Unknown:            Unknown,
}

var kindCodes = map[Kind]codes.Code{
	Unknown:          codes.Unknown,
	Network:          codes.Unavailable,
	RemoteService:    codes.Internal,
	RateLimited:      codes.ResourceExhausted,
	QuotaExceeded:    codes.ResourceExhausted,
	Validation:       codes.InvalidArgument,
	PermissionDenied: codes.PermissionDenied,
	Authentication:   codes.Unauthenticated,
	Cancelled:        codes.Canceled,
}

func fromStatus(err error) (Kind, bool) {
	st, ok := status.FromError(err)
	if !ok {
		return Unknown, false
	}
	kind, ok := codeKinds[st.Code()]
	return kind, ok
}

// FromStatus classifies a gRPC error, preferring the kind named in the
// error-kind trailer when one was received.
func FromStatus(err error, trailerKind string) *Error {
	if err == nil {
		return nil
	}
	if kind, ok := ParseKind(trailerKind); ok {
		msg := err
		if st, ok := status.FromError(err); ok {
			msg = errorString(st.Message())
		}
		return &Error{Kind: kind, Err: msg}
	}
	return Classify(err)
}

// ToStatus converts err into a gRPC status error carrying the matching code.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	se := Classify(err)
	msg := err.Error()
	if se.Err != nil {
		msg = se.Err.Error()
	}
	return status.Error(kindCodes[se.Kind], msg)
}

type errorString string

func (e errorString) Error() string { return string(e) }
