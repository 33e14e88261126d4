package subrav

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/streamingfast/eth-go"
	"github.com/stretchr/testify/require"
)

func newTestDomain(t *testing.T) *Domain {
	t.Helper()
	verifyingContract := eth.MustNewAddress("0x1234567890123456789012345678901234567890")
	return NewDomain(1337, verifyingContract)
}

func newTestSubRAV(channelID ChannelID, nonce, amount int64) *SubRAV {
	return &SubRAV{
		ChainID:           BigIntFromUint64(1337),
		ChannelID:         channelID,
		ChannelEpoch:      BigIntFromUint64(0),
		VMIDFragment:      "key-1",
		AccumulatedAmount: NewBigInt(big.NewInt(amount)),
		Nonce:             NewBigInt(big.NewInt(nonce)),
		Version:           Version,
	}
}

func TestSignAndRecover(t *testing.T) {
	domain := newTestDomain(t)
	key, err := eth.NewRandomPrivateKey()
	require.NoError(t, err)
	signer := NewLocalKeySigner("did:example:payer", "key-1", key)

	var channelID ChannelID
	copy(channelID[:], []byte("channel-one-0123456789012345678"))
	rav := newTestSubRAV(channelID, 1, 10)

	signed, err := signer.SignSubRAV(domain, "key-1", rav)
	require.NoError(t, err)
	require.NotNil(t, signed)

	recovered, err := RecoverSigner(domain, signed)
	require.NoError(t, err)
	require.Equal(t, signer.Address(), recovered)
}

func TestSignSubRAV_UnknownKeyID(t *testing.T) {
	domain := newTestDomain(t)
	key, err := eth.NewRandomPrivateKey()
	require.NoError(t, err)
	signer := NewLocalKeySigner("did:example:payer", "key-1", key)

	var channelID ChannelID
	rav := newTestSubRAV(channelID, 1, 10)

	_, err = signer.SignSubRAV(domain, "key-2", rav)
	require.Error(t, err)
}

func TestValidateProgression(t *testing.T) {
	var channelID ChannelID
	copy(channelID[:], []byte("channel-one-0123456789012345678"))

	prev := newTestSubRAV(channelID, 1, 10)

	t.Run("nil previous always passes", func(t *testing.T) {
		require.NoError(t, ValidateProgression(nil, newTestSubRAV(channelID, 1, 10)))
	})

	t.Run("valid advance", func(t *testing.T) {
		next := newTestSubRAV(channelID, 2, 20)
		require.NoError(t, ValidateProgression(prev, next))
	})

	t.Run("equal amount is allowed (non-decreasing)", func(t *testing.T) {
		next := newTestSubRAV(channelID, 2, 10)
		require.NoError(t, ValidateProgression(prev, next))
	})

	t.Run("nonce not increasing", func(t *testing.T) {
		next := newTestSubRAV(channelID, 1, 20)
		require.ErrorIs(t, ValidateProgression(prev, next), ErrNonceNotIncreasing)
	})

	t.Run("amount decreased", func(t *testing.T) {
		next := newTestSubRAV(channelID, 2, 5)
		require.ErrorIs(t, ValidateProgression(prev, next), ErrAmountDecreased)
	})

	t.Run("channel mismatch", func(t *testing.T) {
		var other ChannelID
		copy(other[:], []byte("channel-two-0123456789012345678"))
		next := newTestSubRAV(other, 2, 20)
		require.ErrorIs(t, ValidateProgression(prev, next), ErrChannelMismatch)
	})

	t.Run("vm fragment mismatch", func(t *testing.T) {
		next := newTestSubRAV(channelID, 2, 20)
		next.VMIDFragment = "key-2"
		require.ErrorIs(t, ValidateProgression(prev, next), ErrVMFragmentMismatch)
	})
}

func TestMonotoneWatermark(t *testing.T) {
	var channelID ChannelID
	rav := newTestSubRAV(channelID, 5, 50)
	key := rav.Key()

	w := NewMonotoneWatermark()
	require.False(t, w.Observe(key, rav.Nonce))

	highest, ok := w.Highest(key)
	require.True(t, ok)
	require.Equal(t, int64(5), highest.Native().Int64())

	// A regression (same or lower nonce) is reported as such.
	require.True(t, w.Observe(key, BigIntFromUint64(5)))
	require.True(t, w.Observe(key, BigIntFromUint64(3)))

	// A genuine advance is not a regression.
	require.False(t, w.Observe(key, BigIntFromUint64(6)))
}

func TestBigIntJSONRoundTrip(t *testing.T) {
	v := NewBigInt(big.NewInt(123456789))
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.Equal(t, `"123456789"`, string(data))

	var out BigInt
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, v.Native().String(), out.Native().String())
}

func TestBigIntJSONAcceptsLegacyNumber(t *testing.T) {
	var out BigInt
	require.NoError(t, json.Unmarshal([]byte(`42`), &out))
	require.Equal(t, int64(42), out.Native().Int64())
}

func TestChannelIDJSONRoundTrip(t *testing.T) {
	var id ChannelID
	copy(id[:], []byte("channel-one-0123456789012345678"))

	data, err := json.Marshal(id)
	require.NoError(t, err)

	var out ChannelID
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, id, out)
}

func TestSignaturesEqualMatchesIdenticalSignature(t *testing.T) {
	domain := newTestDomain(t)
	key, err := eth.NewRandomPrivateKey()
	require.NoError(t, err)
	signer := NewLocalKeySigner("did:example:payer", "key-1", key)

	var channelID ChannelID
	rav := newTestSubRAV(channelID, 1, 10)
	signed, err := signer.SignSubRAV(domain, "key-1", rav)
	require.NoError(t, err)

	require.True(t, SignaturesEqual(signed.Signature, signed.Signature))
}
