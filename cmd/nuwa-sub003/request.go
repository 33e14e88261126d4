package main

import (
	"fmt"

	"github.com/nuwa-protocol/nuwa-sub003/paychannel"
	"github.com/nuwa-protocol/nuwa-sub003/subrav"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	. "github.com/streamingfast/cli"
	"github.com/streamingfast/cli/sflags"
	"github.com/streamingfast/eth-go"
	"go.uber.org/zap"
)

var requestCmd = Command(
	runRequest,
	"request",
	"Drive the payment-channel engine against a demo payee server",
	Description(`
		Issues --count sequential requests to --host, signing the payee's
		proposed Sub-RAV on every request after the first (handshake) one,
		and prints the settled payment info for each.
	`),
	Flags(func(flags *pflag.FlagSet) {
		flags.String("host", "http://localhost:8402", "Demo payee base URL")
		flags.String("payer-key", "", "Payer private key (hex); a random one is generated if empty")
		flags.String("payer-did", "did:nuwa:demo-payer", "Payer DID used for persistence namespacing and auth headers")
		flags.String("vm-id-fragment", "key-1", "Verification-method fragment matching the payee's --vm-id-fragment")
		flags.Uint64("chain-id", 1337, "Chain id used in the signing domain")
		flags.String("verifying-contract", "0x0000000000000000000000000000000000000000", "Verifying contract address used in the signing domain")
		flags.Uint64("count", 3, "Number of sequential requests to issue")
		flags.String("path", "/", "Request path")
		flags.Bool("stream", false, "Issue the request against /stream instead of --path")
		flags.String("config", "", "Optional YAML file overlaying tuning knobs (e.g. payment_timeout) onto the client config")
	}),
)

func runRequest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	host := sflags.MustGetString(cmd, "host")
	payerKeyHex := sflags.MustGetString(cmd, "payer-key")
	payerDID := sflags.MustGetString(cmd, "payer-did")
	vmIDFragment := sflags.MustGetString(cmd, "vm-id-fragment")
	chainID := sflags.MustGetUint64(cmd, "chain-id")
	verifyingContractHex := sflags.MustGetString(cmd, "verifying-contract")
	count := sflags.MustGetUint64(cmd, "count")
	path := sflags.MustGetString(cmd, "path")
	stream, err := cmd.Flags().GetBool("stream")
	if err != nil {
		return fmt.Errorf("reading --stream: %w", err)
	}

	var payerKey *eth.PrivateKey
	if payerKeyHex != "" {
		payerKey, err = eth.NewPrivateKey(payerKeyHex)
		if err != nil {
			return fmt.Errorf("invalid --payer-key: %w", err)
		}
	} else {
		payerKey, err = eth.NewRandomPrivateKey()
		if err != nil {
			return fmt.Errorf("generating random payer key: %w", err)
		}
	}

	verifyingContract, err := eth.NewAddress(verifyingContractHex)
	if err != nil {
		return fmt.Errorf("invalid --verifying-contract: %w", err)
	}
	domain := subrav.NewDomain(chainID, verifyingContract)

	signer := paychannel.NewLocalSigner(payerDID, vmIDFragment, payerKey)
	channel := &paychannel.LocalChannelManager{BaseURL: host, Domain: domain}

	clientConfig := paychannel.Config{
		Host:     host,
		PayerDID: payerDID,
		Channel:  channel,
		Signer:   signer,
		Logger:   zlog,
	}
	if configPath := sflags.MustGetString(cmd, "config"); configPath != "" {
		fileConfig, err := paychannel.LoadFileConfig(configPath)
		if err != nil {
			return fmt.Errorf("loading --config: %w", err)
		}
		fileConfig.ApplyTo(&clientConfig)
	}

	client, err := paychannel.New(ctx, clientConfig)
	if err != nil {
		return fmt.Errorf("building client: %w", err)
	}

	requestPath := path
	if stream {
		requestPath = "/stream"
	}

	for i := 0; i < int(count); i++ {
		settlement, err := client.DoAndWaitForPayment(ctx, "GET", requestPath)
		if err != nil {
			zlog.Warn("request failed", zap.Int("i", i), zap.Error(err))
			continue
		}
		logSettlement(i, settlement)
	}

	if channelID, ok := client.ChannelID(); ok {
		unsettled, err := client.UnsettledAmount(ctx)
		if err == nil {
			zlog.Info("final unsettled amount",
				zap.Stringer("channel_id", channelID),
				zap.Stringer("authorized", unsettled.AuthorizedAccumulated.Native()),
				zap.Stringer("last_claimed", unsettled.LastClaimed.Native()),
				zap.Stringer("unsettled", unsettled.Unsettled.Native()),
			)
		}
	}

	return nil
}

func logSettlement(i int, s *paychannel.Settlement) {
	fields := []zap.Field{zap.Int("i", i)}
	if s.Response != nil {
		fields = append(fields, zap.Int("status", s.Response.StatusCode))
	}
	if s.Payment != nil {
		fields = append(fields, zap.Stringer("cost", s.Payment.Cost.Native()), zap.Stringer("nonce", s.Payment.Nonce.Native()))
	}
	zlog.Info("request settled", fields...)
}
