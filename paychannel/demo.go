package paychannel

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nuwa-protocol/nuwa-sub003/subrav"
	"github.com/streamingfast/eth-go"
	"github.com/streamingfast/eth-go/rpc"
)

// LocalChannelManager is a minimal engine.ChannelManager for local testing
// and the demo CLI: it assumes the channel is already open and known, and
// queries an on-chain escrow contract's claimed balance via a raw JSON-RPC
// eth_call, grounded on sidecar.EscrowQuerier.GetBalance's ABI-encoding
// pattern (function selector + left-padded address params, no codegen).
type LocalChannelManager struct {
	BaseURL string
	Domain  *subrav.Domain

	// Escrow balance query, optional. When EscrowAddr is the zero address,
	// LastClaimed always reports zero.
	RPCEndpoint string
	EscrowAddr  eth.Address
	Payer       eth.Address
	Collector   eth.Address
	Receiver    eth.Address

	rpcClient *rpc.Client
}

// getBalanceSelector is the 4-byte selector for
// PaymentsEscrow.getBalance(address,address,address), precomputed the same
// way sidecar.EscrowQuerier documents it (keccak256 of the signature).
var getBalanceSelector = [4]byte{0xd6, 0xa5, 0x8f, 0xd9}

func (m *LocalChannelManager) client() *rpc.Client {
	if m.rpcClient == nil && m.RPCEndpoint != "" {
		m.rpcClient = rpc.NewClient(m.RPCEndpoint)
	}
	return m.rpcClient
}

// EnsureChannelReady assumes the channel is already open out of band; the
// demo CLI has no channel-opening command (channel bootstrap is outside the
// core per spec.md §1's Non-goals).
func (m *LocalChannelManager) EnsureChannelReady(ctx context.Context) error { return nil }

// DiscoverService is a no-op: BaseURL is supplied directly.
func (m *LocalChannelManager) DiscoverService(ctx context.Context) error { return nil }

// BuildPaymentURL joins BaseURL and path.
func (m *LocalChannelManager) BuildPaymentURL(path string) (string, error) {
	base, err := url.Parse(m.BaseURL)
	if err != nil {
		return "", fmt.Errorf("paychannel: parsing base url: %w", err)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("paychannel: parsing request path: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

// RecoverFromService is a no-op: the 402 auto-retry is this core's
// canonical recovery path (spec.md §9).
func (m *LocalChannelManager) RecoverFromService(ctx context.Context) error { return nil }

// CommitSubRAV is a no-op for the demo: production collaborators would
// persist an on-chain claim intent here.
func (m *LocalChannelManager) CommitSubRAV(ctx context.Context, signed *subrav.SignedSubRAV) error {
	return nil
}

// SigningDomain returns the configured domain.
func (m *LocalChannelManager) SigningDomain(ctx context.Context) (*subrav.Domain, error) {
	if m.Domain == nil {
		return nil, fmt.Errorf("paychannel: no signing domain configured")
	}
	return m.Domain, nil
}

// LastClaimed calls PaymentsEscrow.getBalance(payer, collector, receiver)
// over the configured RPC endpoint.
func (m *LocalChannelManager) LastClaimed(ctx context.Context, channelID subrav.ChannelID, vmIDFragment string) (subrav.BigInt, error) {
	client := m.client()
	if client == nil || m.EscrowAddr == (eth.Address{}) {
		return subrav.BigIntFromUint64(0), nil
	}

	data := make([]byte, 4+32*3)
	copy(data[:4], getBalanceSelector[:])
	copy(data[4+12:4+32], m.Payer[:])
	copy(data[4+32+12:4+64], m.Collector[:])
	copy(data[4+64+12:4+96], m.Receiver[:])

	resultHex, err := client.Call(ctx, rpc.CallParams{To: m.EscrowAddr, Data: data})
	if err != nil {
		return subrav.BigInt{}, fmt.Errorf("paychannel: calling getBalance: %w", err)
	}
	resultHex = strings.TrimPrefix(resultHex, "0x")
	resultBytes, err := hex.DecodeString(resultHex)
	if err != nil {
		return subrav.BigInt{}, fmt.Errorf("paychannel: decoding getBalance result: %w", err)
	}
	return subrav.NewBigInt(new(big.Int).SetBytes(resultBytes)), nil
}

// authHeaderPayload is the opaque DIDAuthV1 token body the demo signer
// produces: a self-contained, signed assertion that key keyID (under did)
// authorized this exact method+url at a given time, with a fresh nonce on
// every call to prevent replay (spec.md §6 "recomputed on each actual HTTP
// send... to avoid nonce replay").
type authHeaderPayload struct {
	DID       string `json:"did"`
	KeyID     string `json:"keyId"`
	Method    string `json:"method"`
	URL       string `json:"url"`
	Timestamp string `json:"ts"`
	Nonce     string `json:"nonce"`
	Signature string `json:"sig"`
}

// LocalSigner is a minimal engine.AuthSigner for local testing and the demo
// CLI: a single secp256k1 key produces both Sub-RAV signatures (via the
// embedded subrav.LocalKeySigner) and DID authorization headers.
type LocalSigner struct {
	*subrav.LocalKeySigner
}

// NewLocalSigner wraps key as both a Sub-RAV signer and an auth-header
// generator.
func NewLocalSigner(did, keyID string, key *eth.PrivateKey) *LocalSigner {
	return &LocalSigner{LocalKeySigner: subrav.NewLocalKeySigner(did, keyID, key)}
}

// GenerateAuthHeader signs {did, keyId, method, url, timestamp, nonce} and
// returns the base64url-encoded JSON assertion.
func (s *LocalSigner) GenerateAuthHeader(ctx context.Context, did, url, method, keyID string) (string, error) {
	payload := authHeaderPayload{
		DID:       did,
		KeyID:     keyID,
		Method:    method,
		URL:       url,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Nonce:     uuid.NewString(),
	}

	msg := strings.Join([]string{payload.DID, payload.KeyID, payload.Method, payload.URL, payload.Timestamp, payload.Nonce}, "|")
	sig, err := s.SignHash(eth.Keccak256([]byte(msg)))
	if err != nil {
		return "", fmt.Errorf("paychannel: signing auth header: %w", err)
	}
	payload.Signature = hex.EncodeToString(sig[:])

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("paychannel: encoding auth header: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// StaticRateProvider is a fixed-price engine.RateProvider for local testing.
type StaticRateProvider struct {
	PricesPicoUSD map[string]subrav.BigInt
}

// GetPricePicoUSD returns the configured price, or zero if assetID is
// unknown.
func (p *StaticRateProvider) GetPricePicoUSD(ctx context.Context, assetID string) (subrav.BigInt, error) {
	if price, ok := p.PricesPicoUSD[assetID]; ok {
		return price, nil
	}
	return subrav.BigIntFromUint64(0), nil
}
