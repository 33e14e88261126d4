package store

import (
	"context"
	"fmt"
	"time"

	"github.com/nuwa-protocol/nuwa-sub003/subrav"
)

// Persistor binds a Store to one (host, payerDid) namespace and knows the
// shape of the {channelId, pendingSubRav} snapshot (spec.md §4.6). It is
// the concrete collaborator the paychannel façade wires into
// engine.Classifier.Persist and engine.PaymentState loading on boot.
type Persistor struct {
	store Store
	key   Key
}

// NewPersistor binds store to the given (host, payerDid) namespace.
func NewPersistor(s Store, host, payerDID string) *Persistor {
	return &Persistor{store: s, key: Key{Host: host, PayerDID: payerDID}}
}

// Load returns the persisted snapshot, or nil if none exists (spec.md §4.6
// "loads on boot to resume the receipt chain").
func (p *Persistor) Load(ctx context.Context) (*PersistedState, error) {
	state, err := p.store.Load(ctx, p.key)
	if err != nil {
		return nil, fmt.Errorf("persistor: load: %w", err)
	}
	return state, nil
}

// Save writes channelID/pendingSubRAV as the new snapshot, stamping
// LastUpdated. Either pointer may be nil.
func (p *Persistor) Save(ctx context.Context, channelID *subrav.ChannelID, pendingSubRAV *subrav.SubRAV) error {
	state := &PersistedState{
		ChannelID:     channelID,
		PendingSubRAV: pendingSubRAV,
		LastUpdated:   time.Now(),
	}
	if err := p.store.Save(ctx, p.key, state); err != nil {
		return fmt.Errorf("persistor: save: %w", err)
	}
	return nil
}

// Delete removes the persisted snapshot entirely (spec.md §5 "optionally
// deletes the namespaced persisted state" on logout).
func (p *Persistor) Delete(ctx context.Context) error {
	if err := p.store.Delete(ctx, p.key); err != nil {
		return fmt.Errorf("persistor: delete: %w", err)
	}
	return nil
}
