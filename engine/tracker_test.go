package engine

import (
	"testing"
	"time"

	"github.com/nuwa-protocol/nuwa-sub003/subrav"
	"github.com/stretchr/testify/require"
)

func TestTracker_CreateAndResolveByRef(t *testing.T) {
	state := NewPaymentState()
	tracker := NewPendingPaymentTracker(state, time.Minute)

	var released bool
	fut := tracker.Create("ref-1", subrav.ChannelID{}, "usdc", nil, func() { released = true })

	require.True(t, tracker.ResolveByRef("ref-1", "paid"))
	<-fut.Done()

	value, err := fut.Result()
	require.NoError(t, err)
	require.Equal(t, "paid", value)
	require.True(t, released)

	_, ok := state.GetPending("ref-1")
	require.False(t, ok, "entry must be removed once settled")
}

func TestTracker_RejectByRefMarksRecentlyRejected(t *testing.T) {
	state := NewPaymentState()
	tracker := NewPendingPaymentTracker(state, time.Minute)

	fut := tracker.Create("ref-2", subrav.ChannelID{}, "usdc", nil, func() {})
	require.True(t, tracker.RejectByRef("ref-2", NewProtocolError(ErrRAVConflict, "conflict")))

	<-fut.Done()
	_, err := fut.Result()
	require.Error(t, err)
	require.True(t, state.IsRecentlyRejected("ref-2"))
}

func TestTracker_ResolveByRefUnknownRefReturnsFalse(t *testing.T) {
	state := NewPaymentState()
	tracker := NewPendingPaymentTracker(state, time.Minute)
	require.False(t, tracker.ResolveByRef("missing", nil))
}

func TestTracker_TimeoutRejectsWithErrPaymentTimeout(t *testing.T) {
	state := NewPaymentState()
	tracker := NewPendingPaymentTracker(state, 10*time.Millisecond)

	fut := tracker.Create("ref-3", subrav.ChannelID{}, "usdc", nil, func() {})

	select {
	case <-fut.Done():
	case <-time.After(time.Second):
		t.Fatal("expected timeout rejection")
	}

	_, err := fut.Result()
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	require.Equal(t, ErrPaymentTimeout, protoErr.Code)
}

func TestTracker_ExtendTimeoutPreventsExpiry(t *testing.T) {
	state := NewPaymentState()
	tracker := NewPendingPaymentTracker(state, 40*time.Millisecond)

	fut := tracker.Create("ref-4", subrav.ChannelID{}, "usdc", nil, func() {})

	deadline := time.Now().Add(120 * time.Millisecond)
	for time.Now().Before(deadline) {
		time.Sleep(15 * time.Millisecond)
		tracker.ExtendTimeout("ref-4")
	}

	require.False(t, fut.IsSettled(), "repeated ExtendTimeout must keep the entry alive")
	require.True(t, tracker.ResolveByRef("ref-4", "ok"))
}

func TestTracker_RejectAllRejectsEveryPendingEntry(t *testing.T) {
	state := NewPaymentState()
	tracker := NewPendingPaymentTracker(state, time.Minute)

	fut1 := tracker.Create("ref-5", subrav.ChannelID{}, "usdc", nil, func() {})
	fut2 := tracker.Create("ref-6", subrav.ChannelID{}, "usdc", nil, func() {})

	reason := NewProtocolError(ErrPaymentTimeout, "logout cleanup")
	tracker.RejectAll(reason)

	<-fut1.Done()
	<-fut2.Done()
	_, err1 := fut1.Result()
	_, err2 := fut2.Result()
	require.Error(t, err1)
	require.Error(t, err2)
}

func TestTracker_ResolveAllAsFreeResolvesEveryPendingEntry(t *testing.T) {
	state := NewPaymentState()
	tracker := NewPendingPaymentTracker(state, time.Minute)

	fut1 := tracker.Create("ref-7", subrav.ChannelID{}, "usdc", nil, func() {})
	fut2 := tracker.Create("ref-8", subrav.ChannelID{}, "usdc", nil, func() {})

	tracker.ResolveAllAsFree(nil)

	<-fut1.Done()
	<-fut2.Done()
	_, err1 := fut1.Result()
	_, err2 := fut2.Result()
	require.NoError(t, err1)
	require.NoError(t, err2)
}

func TestTracker_ReleaseCalledExactlyOnce(t *testing.T) {
	state := NewPaymentState()
	tracker := NewPendingPaymentTracker(state, time.Minute)

	var releaseCount int
	fut := tracker.Create("ref-9", subrav.ChannelID{}, "usdc", nil, func() { releaseCount++ })

	tracker.ResolveByRef("ref-9", nil)
	tracker.ResolveByRef("ref-9", nil) // no-op: already removed from pending
	<-fut.Done()

	require.Equal(t, 1, releaseCount)
}
