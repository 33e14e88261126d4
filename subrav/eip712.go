package subrav

import (
	"encoding/binary"
	"math/big"

	"github.com/streamingfast/eth-go"
)

// Domain is the EIP-712-style domain separator the Sub-RAV canonical
// serialization is hashed under. Binding signatures to a domain keeps a
// signature produced for one channel manager/chain from being replayed
// against another.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract eth.Address
}

// NewDomain creates the Sub-RAV signing domain for a given chain and
// channel-manager contract address.
func NewDomain(chainID uint64, verifyingContract eth.Address) *Domain {
	return &Domain{
		Name:              "NuwaSubRAV",
		Version:           "1",
		ChainID:           new(big.Int).SetUint64(chainID),
		VerifyingContract: verifyingContract,
	}
}

var (
	domainTypeHash = keccak256([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))

	subRAVTypeHash = keccak256([]byte(
		"SubRAV(uint256 chainId,bytes32 channelId,uint256 channelEpoch,string vmIdFragment,uint256 accumulatedAmount,uint256 nonce,uint32 version)"))
)

// Separator computes the EIP-712 domain separator hash.
func (d *Domain) Separator() eth.Hash {
	encoded := make([]byte, 0, 32*5)
	encoded = append(encoded, domainTypeHash[:]...)
	encoded = append(encoded, keccak256([]byte(d.Name))[:]...)
	encoded = append(encoded, keccak256([]byte(d.Version))[:]...)
	encoded = append(encoded, padLeft(d.ChainID.Bytes(), 32)...)
	encoded = append(encoded, padLeft(d.VerifyingContract[:], 32)...)
	return keccak256(encoded)
}

// encodeData ABI-encodes the Sub-RAV's fields for EIP-712 struct hashing.
func (r *SubRAV) encodeData() []byte {
	encoded := make([]byte, 0, 32*7)
	encoded = append(encoded, padLeft(r.ChainID.Native().Bytes(), 32)...)
	encoded = append(encoded, r.ChannelID[:]...)
	encoded = append(encoded, padLeft(r.ChannelEpoch.Native().Bytes(), 32)...)
	encoded = append(encoded, keccak256([]byte(r.VMIDFragment))[:]...)
	encoded = append(encoded, padLeft(r.AccumulatedAmount.Native().Bytes(), 32)...)
	encoded = append(encoded, padLeft(r.Nonce.Native().Bytes(), 32)...)
	encoded = append(encoded, encodeUint32(uint32(r.Version))...)
	return encoded
}

// structHash computes keccak256(typeHash || encodeData).
func (r *SubRAV) structHash() eth.Hash {
	data := make([]byte, 0, 32+32*7)
	data = append(data, subRAVTypeHash[:]...)
	data = append(data, r.encodeData()...)
	return keccak256(data)
}

// HashTypedData computes the EIP-712 hash a Signer signs:
// keccak256("\x19\x01" || domainSeparator || structHash(subRav)).
func HashTypedData(domain *Domain, subRav *SubRAV) eth.Hash {
	structHash := subRav.structHash()
	domainSep := domain.Separator()

	data := make([]byte, 0, 2+32+32)
	data = append(data, 0x19, 0x01)
	data = append(data, domainSep[:]...)
	data = append(data, structHash[:]...)
	return keccak256(data)
}

func keccak256(data []byte) eth.Hash {
	return eth.Keccak256(data)
}

func padLeft(b []byte, size int) []byte {
	if len(b) >= size {
		return b[len(b)-size:]
	}
	result := make([]byte, size)
	copy(result[size-len(b):], b)
	return result
}

func encodeUint32(v uint32) []byte {
	result := make([]byte, 32)
	binary.BigEndian.PutUint32(result[28:], v)
	return result
}
