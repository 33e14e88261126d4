// Package subrav implements the Sub-RAV (Receipt-And-Voucher, sub-channel
// scope) data model: the cumulative, off-chain receipt a payer signs on
// every payable HTTP request and the payee may later claim on-chain.
package subrav

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/streamingfast/eth-go"
)

// Version is the current Sub-RAV wire protocol version.
const Version = 1

// ChannelID is an opaque 32-byte sub-channel identifier.
type ChannelID [32]byte

// MarshalJSON renders the channel id as a 0x-prefixed hex string.
func (c ChannelID) MarshalJSON() ([]byte, error) {
	return json.Marshal(eth.Hash(c[:]).Pretty())
}

// UnmarshalJSON parses a 0x-prefixed hex string into the channel id.
func (c *ChannelID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	h, err := eth.NewHash(s)
	if err != nil {
		return fmt.Errorf("subrav: invalid channel id %q: %w", s, err)
	}
	copy(c[:], h)
	return nil
}

// String implements fmt.Stringer.
func (c ChannelID) String() string {
	return eth.Hash(c[:]).Pretty()
}

// BigInt wraps *big.Int so it serializes to/from a decimal string, per the
// wire protocol's "all big-integer fields are decimal strings" rule.
type BigInt struct {
	*big.Int
}

// NewBigInt wraps a *big.Int, treating nil as zero.
func NewBigInt(v *big.Int) BigInt {
	if v == nil {
		return BigInt{big.NewInt(0)}
	}
	return BigInt{new(big.Int).Set(v)}
}

// BigIntFromUint64 wraps a uint64 as a BigInt.
func BigIntFromUint64(v uint64) BigInt {
	return BigInt{new(big.Int).SetUint64(v)}
}

// Native returns the underlying *big.Int, never nil.
func (b BigInt) Native() *big.Int {
	if b.Int == nil {
		return big.NewInt(0)
	}
	return b.Int
}

// MarshalJSON renders the value as a decimal string.
func (b BigInt) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Native().String())
}

// UnmarshalJSON accepts either a decimal string or a JSON number, so legacy
// persisted state encoding big integers as numbers still loads (spec.md §6).
func (b *BigInt) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return fmt.Errorf("subrav: invalid decimal big-integer %q", s)
		}
		b.Int = v
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("subrav: big-integer must be a decimal string or number: %w", err)
	}
	v, ok := new(big.Int).SetString(n.String(), 10)
	if !ok {
		return fmt.Errorf("subrav: invalid numeric big-integer %q", n.String())
	}
	b.Int = v
	return nil
}

// SubRAV is the receipt-and-voucher for one sub-channel: a cumulative,
// off-chain promise that the payee may later claim on-chain.
//
// Two Sub-RAVs with equal (ChannelID, ChannelEpoch, VMIDFragment) must obey
// the monotone-nonce invariant: the one with the larger AccumulatedAmount
// has the strictly larger Nonce, and vice versa (see ValidateProgression).
type SubRAV struct {
	ChainID           BigInt    `json:"chainId"`
	ChannelID         ChannelID `json:"channelId"`
	ChannelEpoch      BigInt    `json:"channelEpoch"`
	VMIDFragment      string    `json:"vmIdFragment"`
	AccumulatedAmount BigInt    `json:"accumulatedAmount"`
	Nonce             BigInt    `json:"nonce"`
	Version           int       `json:"version"`
}

// SubChannelKey identifies the (channelId, channelEpoch, vmIdFragment)
// triple that Sub-RAVs are ordered under.
type SubChannelKey struct {
	ChannelID    ChannelID
	ChannelEpoch string
	VMIDFragment string
}

// Key returns the sub-channel this Sub-RAV belongs to.
func (r *SubRAV) Key() SubChannelKey {
	return SubChannelKey{
		ChannelID:    r.ChannelID,
		ChannelEpoch: r.ChannelEpoch.Native().String(),
		VMIDFragment: r.VMIDFragment,
	}
}

// Signature is an opaque signature over a Sub-RAV's canonical serialization.
// It reuses the secp256k1 recoverable-signature layout (65 bytes: r, s, v)
// so a Signer backed by an eth.PrivateKey can produce and verify it.
type Signature = eth.Signature

// SignedSubRAV is a Sub-RAV plus the signature authorizing it.
type SignedSubRAV struct {
	SubRAV    *SubRAV   `json:"subRav"`
	Signature Signature `json:"signature"`
}

// UniqueID returns the signature bytes in low-S canonical form, so two
// malleated encodings of one signature yield the same identifier.
func (s *SignedSubRAV) UniqueID() [65]byte {
	return normalizeSignature(s.Signature)
}
