package subrav

import (
	"fmt"
	"math/big"

	"github.com/streamingfast/eth-go"
)

// secp256k1 curve order N, used to canonicalize signatures to low-S form.
var secp256k1N, _ = new(big.Int).SetString(
	"FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFEBAAEDCE6AF48A03BBFD25E8CD0364141", 16)
var secp256k1HalfN = new(big.Int).Rsh(secp256k1N, 1)

// normalizeSignature returns the signature in low-S canonical form so two
// different-looking but equivalent signatures (malleability) compare equal.
// Signing does not normalize; only comparisons go through this form.
func normalizeSignature(sig Signature) [65]byte {
	var result [65]byte
	copy(result[:], sig[:])

	s := new(big.Int).SetBytes(sig[32:64])
	if s.Cmp(secp256k1HalfN) > 0 {
		s = new(big.Int).Sub(secp256k1N, s)
		sBytes := s.Bytes()
		for i := 32; i < 64; i++ {
			result[i] = 0
		}
		copy(result[64-len(sBytes):64], sBytes)
		result[64] ^= 1
	}
	return result
}

// SignaturesEqual compares two signatures in normalized form.
func SignaturesEqual(a, b Signature) bool {
	return normalizeSignature(a) == normalizeSignature(b)
}

// Signer is the narrow capability the engine needs from the payer's
// cryptographic identity. Production callers supply a DID-based
// implementation; SubRAV signing does not otherwise depend on DIDs.
type Signer interface {
	// DID returns the payer's decentralized identifier.
	DID() string
	// KeyIDs lists the verification-method fragments this signer can sign
	// with, most-preferred first.
	KeyIDs() []string
	// SignSubRAV signs subRav's canonical serialization under domain using
	// the key identified by keyID (a verification-method fragment).
	SignSubRAV(domain *Domain, keyID string, subRav *SubRAV) (*SignedSubRAV, error)
}

// LocalKeySigner is a Signer backed by a single secp256k1 private key,
// suitable for local testing and the demo CLI. Production deployments are
// expected to supply a DID-aware Signer that may delegate to remote KMS.
type LocalKeySigner struct {
	did   string
	keyID string
	key   *eth.PrivateKey
}

// NewLocalKeySigner wraps a raw secp256k1 key as a Signer.
func NewLocalKeySigner(did, keyID string, key *eth.PrivateKey) *LocalKeySigner {
	return &LocalKeySigner{did: did, keyID: keyID, key: key}
}

func (s *LocalKeySigner) DID() string          { return s.did }
func (s *LocalKeySigner) KeyIDs() []string     { return []string{s.keyID} }
func (s *LocalKeySigner) Address() eth.Address { return s.key.PublicKey().Address() }

// SignHash signs an arbitrary pre-hashed message with the wrapped key, for
// collaborators (e.g. a DID-authorization header generator) that need raw
// secp256k1 signing alongside Sub-RAV signing.
func (s *LocalKeySigner) SignHash(hash eth.Hash) (eth.Signature, error) {
	return s.key.Sign(hash)
}

// SignSubRAV signs subRav and returns the SignedSubRAV.
func (s *LocalKeySigner) SignSubRAV(domain *Domain, keyID string, subRav *SubRAV) (*SignedSubRAV, error) {
	if keyID != "" && keyID != s.keyID {
		return nil, fmt.Errorf("subrav: unknown key id %q", keyID)
	}
	hash := HashTypedData(domain, subRav)
	sig, err := s.key.Sign(hash)
	if err != nil {
		return nil, fmt.Errorf("subrav: signing sub-rav: %w", err)
	}
	return &SignedSubRAV{SubRAV: subRav, Signature: sig}, nil
}

// RecoverSigner recovers the signer address from a SignedSubRAV under domain.
func RecoverSigner(domain *Domain, signed *SignedSubRAV) (eth.Address, error) {
	hash := HashTypedData(domain, signed.SubRAV)
	return signed.Signature.Recover(hash)
}
