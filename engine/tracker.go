package engine

import (
	"time"

	"github.com/nuwa-protocol/nuwa-sub003/subrav"
)

// DefaultPaymentTimeout is the default window a pending payment waits for
// its matching response before rejecting with ErrPaymentTimeout (spec.md
// §4.2).
const DefaultPaymentTimeout = 30 * time.Second

// PendingPaymentTracker owns the pending map's lifecycle operations (spec.md
// §4.2: create, extendTimeout, resolveByRef, rejectByRef, rejectAll,
// resolveAllAsFree). It never touches the wire; callers feed it decoded
// payloads and it settles the right future and calls release exactly once.
type PendingPaymentTracker struct {
	state   *PaymentState
	timeout time.Duration
}

// NewPendingPaymentTracker creates a tracker backed by state, using timeout
// as the per-entry watchdog window (DefaultPaymentTimeout if zero).
func NewPendingPaymentTracker(state *PaymentState, timeout time.Duration) *PendingPaymentTracker {
	if timeout <= 0 {
		timeout = DefaultPaymentTimeout
	}
	return &PendingPaymentTracker{state: state, timeout: timeout}
}

// Create registers a new pending payment and arms its timeout watchdog. The
// returned future settles when the entry reaches a terminal state (resolve,
// reject, or timeout); release is invoked exactly once, at that point,
// regardless of which path fired (spec.md §9 "release decoupled from
// settlement").
func (t *PendingPaymentTracker) Create(clientTxRef string, channelID subrav.ChannelID, assetID string, sent *subrav.SignedSubRAV, release func()) *future {
	fut := newFuture()
	var released bool
	releaseOnce := func() {
		if !released {
			released = true
			release()
		}
	}

	p := &PendingPayment{
		ClientTxRef: clientTxRef,
		ChannelID:   channelID,
		AssetID:     assetID,
		CreatedAt:   time.Now(),
		SentSubRAV:  sent,
		release:     releaseOnce,
		future:      fut,
	}
	p.timer = time.AfterFunc(t.timeout, func() {
		t.timeoutEntry(clientTxRef)
	})

	t.state.AddPending(p)

	fut.subscribe(func(value any, err error) {
		p.timer.Stop()
		t.state.RemovePending(clientTxRef)
		p.release()
	})

	return fut
}

// ExtendTimeout resets the watchdog for an in-flight stream still producing
// activity (spec.md §4.7 "onActivity resets the pending payment's
// timeout").
func (t *PendingPaymentTracker) ExtendTimeout(clientTxRef string) {
	p, ok := t.state.GetPending(clientTxRef)
	if !ok {
		return
	}
	p.timer.Reset(t.timeout)
}

// ResolveByRef settles the pending entry for clientTxRef as a success,
// returning false if no such entry exists (already resolved, unknown ref,
// or rejected).
func (t *PendingPaymentTracker) ResolveByRef(clientTxRef string, value any) bool {
	p, ok := t.state.GetPending(clientTxRef)
	if !ok {
		return false
	}
	p.future.resolve(value)
	return true
}

// RejectByRef settles the pending entry for clientTxRef as a failure.
func (t *PendingPaymentTracker) RejectByRef(clientTxRef string, err error) bool {
	p, ok := t.state.GetPending(clientTxRef)
	if !ok {
		return false
	}
	t.state.MarkRecentlyRejected(clientTxRef)
	p.future.reject(err)
	return true
}

func (t *PendingPaymentTracker) timeoutEntry(clientTxRef string) {
	p, ok := t.state.GetPending(clientTxRef)
	if !ok {
		return
	}
	t.state.MarkRecentlyRejected(clientTxRef)
	p.future.reject(NewProtocolError(ErrPaymentTimeout, "no matching response before timeout"))
}

// RejectAll rejects every currently pending entry with err (used by
// LogoutCleanup, spec.md §5).
func (t *PendingPaymentTracker) RejectAll(err error) {
	for _, p := range t.state.AllPending() {
		p.future.reject(err)
	}
}

// ResolveAllAsFree resolves every currently pending entry as a free (no
// charge) settlement — used when the engine learns the payee is no longer
// requiring payment for in-flight requests (spec.md §4.5 free-mode
// transition).
func (t *PendingPaymentTracker) ResolveAllAsFree(value any) {
	for _, p := range t.state.AllPending() {
		p.future.resolve(value)
	}
}
