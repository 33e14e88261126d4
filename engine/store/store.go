// Package store implements the namespaced persistence collaborator of
// spec.md §4.6: the engine's {channelId, pendingSubRav} snapshot keyed by
// (host, payerDid), and the append-only transaction log.
package store

import (
	"context"
	"time"

	"github.com/nuwa-protocol/nuwa-sub003/subrav"
)

// Key namespaces persisted state per spec.md §4.6 ("keyed by (host,
// payerDid)"), preventing cross-identity leakage when one process talks to
// several payees or holds several payer identities.
type Key struct {
	Host     string
	PayerDID string
}

func (k Key) namespace() string {
	return k.Host + "\x00" + k.PayerDID
}

// PersistedState is the on-disk/in-memory snapshot of spec.md §6
// ("Persisted state layout").
type PersistedState struct {
	ChannelID     *subrav.ChannelID `json:"channelId,omitempty"`
	PendingSubRAV *subrav.SubRAV    `json:"pendingSubRav,omitempty"`
	LastUpdated   time.Time         `json:"lastUpdated"`
}

// Store is the narrow K/V capability the core depends on (spec.md §4.8
// "Stores"). Load returns (nil, nil) for a missing or invalid entry —
// callers treat that as "no state" rather than an error (spec.md §4.6).
type Store interface {
	Load(ctx context.Context, key Key) (*PersistedState, error)
	Save(ctx context.Context, key Key, state *PersistedState) error
	Delete(ctx context.Context, key Key) error
}
