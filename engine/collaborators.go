package engine

import (
	"context"

	"github.com/nuwa-protocol/nuwa-sub003/subrav"
)

// ChannelManager is the narrow capability set the core consumes for
// channel lifecycle and URL construction (spec.md §4.8). It is the only
// collaborator allowed to know about on-chain state, hub funding, or
// payee-DID discovery; the core never reaches past this interface.
type ChannelManager interface {
	// EnsureChannelReady opens or resumes whatever channel/sub-channel the
	// engine is about to use. Idempotent.
	EnsureChannelReady(ctx context.Context) error

	// DiscoverService resolves the payee's DID/service endpoint, if not
	// already known. Idempotent.
	DiscoverService(ctx context.Context) error

	// BuildPaymentURL turns a request-relative path into the absolute URL
	// to call.
	BuildPaymentURL(path string) (string, error)

	// RecoverFromService re-synchronizes local state with the payee after
	// a restart or suspected desync. Optional server-driven recovery
	// (spec.md §9); the core's canonical recovery path is the 402
	// auto-retry, so most implementations can make this a no-op.
	RecoverFromService(ctx context.Context) error

	// CommitSubRAV notifies the channel layer that signed has been sent,
	// for local bookkeeping (e.g. an unsettled-amount estimate).
	CommitSubRAV(ctx context.Context, signed *subrav.SignedSubRAV) error

	// SigningDomain returns the EIP-712 domain (chain id, verifying
	// contract) that pending Sub-RAV proposals must be signed under.
	SigningDomain(ctx context.Context) (*subrav.Domain, error)

	// LastClaimed returns the amount of the sub-channel's authorized
	// accumulated amount that the payee has already claimed on-chain, used
	// to compute the unsettled balance (spec.md §6
	// "getUnsettledAmountForSubChannel").
	LastClaimed(ctx context.Context, channelID subrav.ChannelID, vmIDFragment string) (subrav.BigInt, error)
}

// AuthSigner extends subrav.Signer with DID-authorization header
// generation (spec.md §4.8 "Signer capability"). Kept separate from
// subrav.Signer because DID auth headers are an HTTP-transport concern,
// not a Sub-RAV signing concern.
type AuthSigner interface {
	subrav.Signer

	// GenerateAuthHeader produces the opaque DIDAuthV1 payload for one HTTP
	// call. Recomputed on every actual send, including the 402 retry, so
	// that its internal nonce never repeats (spec.md §6).
	GenerateAuthHeader(ctx context.Context, did, url, method, keyID string) (string, error)
}

// RateProvider converts an asset id into its USD-denominated unit price, in
// pico-USD, for the optional costUsd estimate (spec.md §4.8).
type RateProvider interface {
	GetPricePicoUSD(ctx context.Context, assetID string) (subrav.BigInt, error)
}
