package engine

import (
	"context"
	"fmt"
	"math/big"

	"github.com/nuwa-protocol/nuwa-sub003/subrav"
)

// UnsettledAmount is the result of getUnsettledAmountForSubChannel (spec.md
// §6): the gap between what the payer has authorized the payee to claim
// and what the payee has claimed on-chain so far.
type UnsettledAmount struct {
	ChannelID             subrav.ChannelID
	VMIDFragment          string
	AuthorizedAccumulated subrav.BigInt
	LastClaimed           subrav.BigInt
	Unsettled             subrav.BigInt
	UnsettledUSD          *subrav.BigInt
	LatestSubRAVNonce     *subrav.BigInt
}

// ComputeUnsettledAmount implements spec.md §6
// "getUnsettledAmountForSubChannel()": it reads the highest signed Sub-RAV's
// accumulated amount as the authorized ceiling, queries the channel
// collaborator for the amount already claimed on-chain, and (if a
// RateProvider and assetID are supplied) converts the gap to USD.
func ComputeUnsettledAmount(ctx context.Context, state *PaymentState, channel ChannelManager, rate RateProvider, assetID string) (*UnsettledAmount, error) {
	channelID, ok := state.ChannelID()
	if !ok {
		return nil, fmt.Errorf("engine: no channel bound yet")
	}

	authorized := subrav.BigIntFromUint64(0)
	vmFragment := state.VMIDFragment()
	var nonce *subrav.BigInt
	if signed, ok := state.LastSignedSubRAV(); ok {
		authorized = signed.AccumulatedAmount
		vmFragment = signed.VMIDFragment
		n := signed.Nonce
		nonce = &n
	}

	lastClaimed, err := channel.LastClaimed(ctx, channelID, vmFragment)
	if err != nil {
		return nil, fmt.Errorf("engine: query last claimed: %w", err)
	}

	diff := new(big.Int).Sub(authorized.Native(), lastClaimed.Native())
	if diff.Sign() < 0 {
		diff = big.NewInt(0)
	}
	unsettled := subrav.NewBigInt(diff)

	out := &UnsettledAmount{
		ChannelID:             channelID,
		VMIDFragment:          vmFragment,
		AuthorizedAccumulated: authorized,
		LastClaimed:           lastClaimed,
		Unsettled:             unsettled,
		LatestSubRAVNonce:     nonce,
	}

	if rate != nil && assetID != "" {
		price, err := rate.GetPricePicoUSD(ctx, assetID)
		if err == nil {
			usd := subrav.NewBigInt(new(big.Int).Mul(unsettled.Native(), price.Native()))
			out.UnsettledUSD = &usd
		}
	}

	return out, nil
}
