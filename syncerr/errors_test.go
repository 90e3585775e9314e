package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
	}{
		{"cancelled", context.Canceled, Cancelled},
		{"deadline", fmt.Errorf("put: %w", context.DeadlineExceeded), Network},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, Network},
		{"grpc unavailable", status.Error(codes.Unavailable, "down"), Network},
		{"grpc permission", status.Error(codes.PermissionDenied, "nope"), PermissionDenied},
		{"grpc unauthenticated", status.Error(codes.Unauthenticated, "who"), Authentication},
		{"grpc internal", status.Error(codes.Internal, "boom"), RemoteService},
		{"grpc exhausted", status.Error(codes.ResourceExhausted, "slow down"), RateLimited},
		{"plain", errors.New("something"), Unknown},
		{"already categorized", fmt.Errorf("wrapped: %w", New(QuotaExceeded, errors.New("full"))), QuotaExceeded},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.kind, KindOf(tc.err))
		})
	}
}

func TestRetryableKinds(t *testing.T) {
	retryable := []Kind{Unknown, Network, RemoteService, RateLimited}
	terminal := []Kind{QuotaExceeded, Validation, PermissionDenied, Authentication, Cancelled}
	for _, k := range retryable {
		require.True(t, k.Retryable(), k.String())
	}
	for _, k := range terminal {
		require.False(t, k.Retryable(), k.String())
	}
}

func TestExhaust(t *testing.T) {
	err := Exhaust(errors.New("timeout"), 3)
	require.True(t, IsExhausted(err))
	require.True(t, IsRetryable(err))
	require.Equal(t, 3, err.Attempts)
	require.Equal(t, ActionRetry, ActionFor(err))
	require.Contains(t, err.Error(), "gave up after 3 attempts")

	require.False(t, IsExhausted(New(Validation, errors.New("bad"))))
}

func TestStatusRoundTrip(t *testing.T) {
	err := ToStatus(New(QuotaExceeded, errors.New("disk full")))
	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, codes.ResourceExhausted, st.Code())
	require.Equal(t, "disk full", st.Message())

	// Without the trailer the code alone is ambiguous.
	require.Equal(t, RateLimited, KindOf(err))
	require.Equal(t, QuotaExceeded, FromStatus(err, QuotaExceeded.String()).Kind)
	require.Equal(t, RateLimited, FromStatus(err, "").Kind)
}

func TestActionFor(t *testing.T) {
	require.Equal(t, ActionNone, ActionFor(nil))
	require.Equal(t, ActionSignIn, ActionFor(New(Authentication, errors.New("expired"))))
	require.Equal(t, ActionFixInput, ActionFor(New(Validation, errors.New("missing id"))))
	require.Equal(t, ActionFreeQuota, ActionFor(New(QuotaExceeded, errors.New("too big"))))
	require.Equal(t, ActionRequestAccess, ActionFor(New(PermissionDenied, errors.New("other owner"))))
	require.Equal(t, ActionNone, ActionFor(New(Cancelled, context.Canceled)))
}
