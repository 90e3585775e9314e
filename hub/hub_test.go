package hub

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNotifyAndUnsubscribe(t *testing.T) {
	h := New(zaptest.NewLogger(t))
	var a, b int
	tokA := h.Subscribe(func() { a++ })
	h.Subscribe(func() { b++ })

	h.NotifyAll()
	require.Equal(t, 1, a)
	require.Equal(t, 1, b)

	require.True(t, h.Unsubscribe(tokA))
	require.False(t, h.Unsubscribe(tokA))
	h.NotifyAll()
	require.Equal(t, 1, a)
	require.Equal(t, 2, b)
	require.Equal(t, 1, h.Len())
}

func TestRegistrationOrder(t *testing.T) {
	h := New(nil)
	var order []string
	h.Subscribe(func() { order = append(order, "first") })
	h.Subscribe(func() { order = append(order, "second") })
	h.Subscribe(func() { order = append(order, "third") })
	h.NotifyAll()
	require.Equal(t, []string{"first", "second", "third"}, order)
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	h := New(zaptest.NewLogger(t))
	called := false
	h.Subscribe(func() { panic("broken view") })
	h.Subscribe(func() { called = true })
	require.NotPanics(t, h.NotifyAll)
	require.True(t, called)
}

func TestUnsubscribeDuringNotify(t *testing.T) {
	h := New(nil)
	var second Token
	calls := 0
	h.Subscribe(func() { h.Unsubscribe(second) })
	second = h.Subscribe(func() { calls++ })

	// The registry is snapshotted when NotifyAll starts.
	h.NotifyAll()
	require.Equal(t, 1, calls)
	h.NotifyAll()
	require.Equal(t, 1, calls)
}
