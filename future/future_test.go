package future

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSettleOnce(t *testing.T) {
	f := New[int]()
	require.False(t, f.IsSettled())
	require.True(t, f.Settle(1, nil))
	require.False(t, f.Settle(2, errors.New("late")))

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, v)
	require.True(t, f.IsSettled())
}

func TestWaitContext(t *testing.T) {
	f := New[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, f.IsSettled())

	go f.Settle("ok", nil)
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", v)
}
