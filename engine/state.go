package engine

import (
	"sync"
	"time"

	"github.com/nuwa-protocol/nuwa-sub003/subrav"
)

// PendingPayment is an entry in the pending map, keyed by correlation id
// (spec.md §3 "PendingPayment").
type PendingPayment struct {
	ClientTxRef string
	ChannelID   subrav.ChannelID
	AssetID     string
	CreatedAt   time.Time

	// SentSubRAV is the signed Sub-RAV sent with this request, or nil in
	// free/handshake mode.
	SentSubRAV *subrav.SignedSubRAV

	timer *time.Timer

	// release returns the scheduler slot; called exactly once by the
	// tracker on every terminal state (spec.md §4.2, §9 "release closures").
	release func()

	future *future
}

// PaymentState is the engine's authoritative in-memory view (spec.md §4.6).
// All mutators are synchronous; under the single-threaded cooperative model
// of spec.md §5 no locking is strictly required, but a RWMutex is kept
// (mirroring sidecar.Session/SessionManager) so a future multi-dispatcher
// caller can share one PaymentState safely.
type PaymentState struct {
	mu sync.RWMutex

	channelID    *subrav.ChannelID
	vmIDFragment string

	pendingSubRAV    *subrav.SubRAV
	lastSignedSubRAV *subrav.SubRAV

	pending map[string]*PendingPayment

	recentlyRejected map[string]time.Time
	rejectedTTL      time.Duration

	watermark *subrav.MonotoneWatermark
}

// NewPaymentState creates an empty PaymentState.
func NewPaymentState() *PaymentState {
	return &PaymentState{
		pending:          make(map[string]*PendingPayment),
		recentlyRejected: make(map[string]time.Time),
		rejectedTTL:      2 * time.Minute,
		watermark:        subrav.NewMonotoneWatermark(),
	}
}

// ChannelID returns the current channel id, if any.
func (s *PaymentState) ChannelID() (subrav.ChannelID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.channelID == nil {
		return subrav.ChannelID{}, false
	}
	return *s.channelID, true
}

// SetChannelID sets the current channel id.
func (s *PaymentState) SetChannelID(id subrav.ChannelID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelID = &id
}

// VMIDFragment returns the current verification-method fragment.
func (s *PaymentState) VMIDFragment() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vmIDFragment
}

// SetVMIDFragment sets the current verification-method fragment.
func (s *PaymentState) SetVMIDFragment(fragment string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vmIDFragment = fragment
}

// PendingSubRAV returns the cached unsigned proposal, if any.
func (s *PaymentState) PendingSubRAV() (*subrav.SubRAV, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pendingSubRAV == nil {
		return nil, false
	}
	return s.pendingSubRAV, true
}

// SetPendingSubRAV caches proposal as the next Sub-RAV to sign, applying
// the "single pending proposal" and "sub-channel binding" invariants
// (spec.md §3 invariants 3-4): it replaces the cache only if proposal
// passes progression validation against previous (the last signed
// Sub-RAV) or previous is nil, and only if proposal's vmIdFragment matches
// the engine's current fragment (an unknown/empty current fragment
// tentatively accepts).
func (s *PaymentState) SetPendingSubRAV(proposal *subrav.SubRAV, previous *subrav.SubRAV) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.vmIDFragment != "" && proposal.VMIDFragment != s.vmIDFragment {
		return nil // not for our sub-channel; ignore silently (tentative binding, spec.md §3.4).
	}
	if err := subrav.ValidateProgression(previous, proposal); err != nil {
		return err
	}
	s.pendingSubRAV = proposal
	return nil
}

// ClearPendingSubRAV drops the cached proposal.
func (s *PaymentState) ClearPendingSubRAV() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingSubRAV = nil
}

// TakePendingSubRAV atomically reads and clears the cached proposal,
// satisfying the "sign-and-clear-pending must be atomic" rule (spec.md §9).
func (s *PaymentState) TakePendingSubRAV() (*subrav.SubRAV, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingSubRAV == nil {
		return nil, false
	}
	v := s.pendingSubRAV
	s.pendingSubRAV = nil
	return v, true
}

// LastSignedSubRAV returns the most recently signed Sub-RAV sent to the
// payee, if any — the basis for both progression validation and the
// unsettled-amount estimate.
func (s *PaymentState) LastSignedSubRAV() (*subrav.SubRAV, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastSignedSubRAV == nil {
		return nil, false
	}
	return s.lastSignedSubRAV, true
}

// SetLastSignedSubRAV records subRav as the most recently signed Sub-RAV.
func (s *PaymentState) SetLastSignedSubRAV(subRav *subrav.SubRAV) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSignedSubRAV = subRav
}

// ObserveNonce updates the highest-observed-nonce watermark for key and
// reports whether nonce was a regression.
func (s *PaymentState) ObserveNonce(key subrav.SubChannelKey, nonce subrav.BigInt) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark.Observe(key, nonce)
}

// AddPending registers p under its ClientTxRef.
func (s *PaymentState) AddPending(p *PendingPayment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[p.ClientTxRef] = p
}

// GetPending returns the pending entry for id, if present.
func (s *PaymentState) GetPending(id string) (*PendingPayment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pending[id]
	return p, ok
}

// RemovePending removes the pending entry for id.
func (s *PaymentState) RemovePending(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

// AllPending returns a snapshot of every currently pending entry, ordered
// by creation time (oldest first) so callers implementing the "most
// recently created" fallback matching rule can take the last element.
func (s *PaymentState) AllPending() []*PendingPayment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PendingPayment, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p)
	}
	sortPendingByCreatedAt(out)
	return out
}

func sortPendingByCreatedAt(ps []*PendingPayment) {
	for i := 1; i < len(ps); i++ {
		for j := i; j > 0 && ps[j].CreatedAt.Before(ps[j-1].CreatedAt); j-- {
			ps[j], ps[j-1] = ps[j-1], ps[j]
		}
	}
}

// MarkRecentlyRejected inserts id into the short-TTL recently-rejected set
// (spec.md §3 "PendingPayment" lifecycle).
func (s *PaymentState) MarkRecentlyRejected(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recentlyRejected[id] = time.Now().Add(s.rejectedTTL)
}

// IsRecentlyRejected reports whether id was rejected within the TTL window,
// pruning expired entries opportunistically.
func (s *PaymentState) IsRecentlyRejected(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k, exp := range s.recentlyRejected {
		if now.After(exp) {
			delete(s.recentlyRejected, k)
		}
	}
	exp, ok := s.recentlyRejected[id]
	return ok && now.Before(exp)
}

// Reset clears all in-memory state (used by LogoutCleanup, spec.md §5).
func (s *PaymentState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelID = nil
	s.vmIDFragment = ""
	s.pendingSubRAV = nil
	s.lastSignedSubRAV = nil
	s.pending = make(map[string]*PendingPayment)
	s.recentlyRejected = make(map[string]time.Time)
	s.watermark = subrav.NewMonotoneWatermark()
}
