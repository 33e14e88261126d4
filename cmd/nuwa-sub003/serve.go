package main

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nuwa-protocol/nuwa-sub003/engine"
	"github.com/nuwa-protocol/nuwa-sub003/subrav"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	. "github.com/streamingfast/cli"
	"github.com/streamingfast/cli/sflags"
	"github.com/streamingfast/eth-go"
	"github.com/streamingfast/shutter"
	"go.uber.org/zap"
)

var serveCmd = Command(
	runServe,
	"serve",
	"Run a demo payee HTTP server that challenges requests for Sub-RAV payment",
	Description(`
		Starts a single-sub-channel demo payee: every request is priced at
		--price-per-request, proposed as the next Sub-RAV in the response
		payment header, and accepted on the following request once the
		client has signed it. Streaming requests to /stream embed the
		payment frame in-band as NDJSON instead of in a response header.

		This has no real on-chain backing; it exists so "request" has
		something to talk to end-to-end.
	`),
	Flags(func(flags *pflag.FlagSet) {
		flags.String("listen-addr", ":8402", "HTTP listen address")
		flags.Uint64("chain-id", 1337, "Chain id used in the signing domain")
		flags.String("verifying-contract", "0x0000000000000000000000000000000000000000", "Verifying contract address used in the signing domain")
		flags.String("vm-id-fragment", "key-1", "Verification-method fragment this payee expects")
		flags.String("price-per-request", "10", "Price charged per request, in the asset's smallest unit")
	}),
)

func runServe(cmd *cobra.Command, args []string) error {
	listenAddr := sflags.MustGetString(cmd, "listen-addr")
	chainID := sflags.MustGetUint64(cmd, "chain-id")
	verifyingContractHex := sflags.MustGetString(cmd, "verifying-contract")
	vmIDFragment := sflags.MustGetString(cmd, "vm-id-fragment")
	priceStr := sflags.MustGetString(cmd, "price-per-request")

	verifyingContract, err := eth.NewAddress(verifyingContractHex)
	if err != nil {
		return fmt.Errorf("invalid --verifying-contract %q: %w", verifyingContractHex, err)
	}
	price, ok := new(big.Int).SetString(priceStr, 10)
	if !ok {
		return fmt.Errorf("invalid --price-per-request %q", priceStr)
	}

	var channelID subrav.ChannelID
	if _, err := rand.Read(channelID[:]); err != nil {
		return fmt.Errorf("generating demo channel id: %w", err)
	}

	payee := newPayee(payeeConfig{
		domain:          subrav.NewDomain(chainID, verifyingContract),
		channelID:       channelID,
		vmIDFragment:    vmIDFragment,
		pricePerRequest: subrav.NewBigInt(price),
		logger:          zlog,
	})

	shut := shutter.New()
	httpServer := &http.Server{Addr: listenAddr, Handler: payee}
	shut.OnTerminating(func(_ error) {
		_ = httpServer.Close()
	})

	zlog.Info("starting demo payee server",
		zap.String("listen_addr", listenAddr),
		zap.Stringer("channel_id", channelID),
		zap.String("vm_id_fragment", vmIDFragment),
		zap.String("price_per_request", priceStr),
	)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			shut.Shutdown(fmt.Errorf("serving: %w", err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		zlog.Info("shutting down")
	case <-shut.Terminating():
	}
	shut.Shutdown(nil)
	return shut.Err()
}

// payeeConfig configures a demo payee.
type payeeConfig struct {
	domain          *subrav.Domain
	channelID       subrav.ChannelID
	vmIDFragment    string
	pricePerRequest subrav.BigInt
	logger          *zap.Logger
}

// payee is a minimal, single-sub-channel demo service implementing the
// wire side of spec.md §4.3/§4.5/§4.7: it proposes a Sub-RAV in every
// response and, once a client signs and returns it, advances the chain by
// one price increment per request.
type payee struct {
	cfg payeeConfig

	mu           sync.Mutex
	lastAccepted *subrav.SubRAV // nil until the client signs its first proposal
	channelEpoch subrav.BigInt
	chainID      subrav.BigInt
}

func newPayee(cfg payeeConfig) *payee {
	return &payee{
		cfg:          cfg,
		channelEpoch: subrav.BigIntFromUint64(0),
		chainID:      subrav.NewBigInt(cfg.domain.ChainID),
	}
}

func (p *payee) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var reqPayload *engine.RequestPayload
	if token := r.Header.Get(engine.PaymentHeader); token != "" {
		parsed, err := engine.DecodeRequestHeader(token)
		if err != nil {
			p.cfg.logger.Warn("rejecting malformed payment header", zap.Error(err))
			http.Error(w, "malformed payment header", http.StatusBadRequest)
			return
		}
		reqPayload = parsed
	}

	clientTxRef := ""
	if reqPayload != nil {
		clientTxRef = reqPayload.ClientTxRef
	}

	p.mu.Lock()
	next, outcome := p.settle(reqPayload)
	p.mu.Unlock()

	p.cfg.logger.Debug("handled request",
		zap.String("path", r.URL.Path),
		zap.String("client_tx_ref", clientTxRef),
		zap.String("outcome", string(outcome)),
	)

	switch outcome {
	case outcomeConflict:
		p.writeError(w, clientTxRef, http.StatusConflict, engine.ErrRAVConflict, "sub-rav does not progress from last accepted", next)
		return
	case outcomeChallenge:
		p.writeError(w, clientTxRef, http.StatusPaymentRequired, engine.ErrPaymentRequired, "payment required", next)
		return
	}

	if r.URL.Path == "/stream" {
		p.serveStream(w, clientTxRef, next)
		return
	}

	p.writeSuccess(w, clientTxRef, next)
}

type outcome string

const (
	outcomeAccepted  outcome = "accepted"
	outcomeChallenge outcome = "challenge"
	outcomeConflict  outcome = "conflict"
)

// settle applies one request's (possibly absent) signed Sub-RAV against the
// payee's accepted chain and returns the next proposal plus what happened.
// Must be called with p.mu held.
func (p *payee) settle(reqPayload *engine.RequestPayload) (*subrav.SubRAV, outcome) {
	if reqPayload != nil && reqPayload.SignedSubRAV != nil {
		signed := reqPayload.SignedSubRAV
		if _, err := subrav.RecoverSigner(p.cfg.domain, signed); err != nil {
			p.cfg.logger.Warn("rejecting unverifiable signature", zap.Error(err))
			return p.proposeNext(), outcomeConflict
		}
		if err := subrav.ValidateProgression(p.lastAccepted, signed.SubRAV); err != nil {
			p.cfg.logger.Warn("rejecting non-progressing sub-rav", zap.Error(err))
			return p.proposeNext(), outcomeConflict
		}
		p.lastAccepted = signed.SubRAV
		return p.proposeNext(), outcomeAccepted
	}

	if p.lastAccepted == nil {
		// Handshake: first call is always free.
		return p.proposeNext(), outcomeAccepted
	}
	// The client already owes the last proposed Sub-RAV but sent none.
	return p.proposeNext(), outcomeChallenge
}

// proposeNext computes the next Sub-RAV one price increment past the last
// accepted one (or the genesis proposal if none has been accepted yet).
// Must be called with p.mu held.
func (p *payee) proposeNext() *subrav.SubRAV {
	accumulated := subrav.BigIntFromUint64(0)
	nonce := subrav.BigIntFromUint64(0)
	if p.lastAccepted != nil {
		accumulated = p.lastAccepted.AccumulatedAmount
		nonce = p.lastAccepted.Nonce
	}
	return &subrav.SubRAV{
		ChainID:           p.chainID,
		ChannelID:         p.cfg.channelID,
		ChannelEpoch:      p.channelEpoch,
		VMIDFragment:      p.cfg.vmIDFragment,
		AccumulatedAmount: subrav.NewBigInt(new(big.Int).Add(accumulated.Native(), p.cfg.pricePerRequest.Native())),
		Nonce:             subrav.NewBigInt(new(big.Int).Add(nonce.Native(), big.NewInt(1))),
		Version:           subrav.Version,
	}
}

func (p *payee) writeSuccess(w http.ResponseWriter, clientTxRef string, next *subrav.SubRAV) {
	token, err := engine.EncodeResponseHeader(&engine.ResponsePayload{
		Kind:         engine.ResponseSuccess,
		V:            subrav.Version,
		ClientTxRef:  clientTxRef,
		SubRAV:       next,
		Cost:         p.cfg.pricePerRequest,
		ServiceTxRef: engine.NewClientTxRef(),
	})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set(engine.PaymentHeader, token)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func (p *payee) writeError(w http.ResponseWriter, clientTxRef string, status int, code engine.ErrorCode, message string, next *subrav.SubRAV) {
	token, err := engine.EncodeResponseHeader(&engine.ResponsePayload{
		Kind:        engine.ResponseError,
		V:           subrav.Version,
		ClientTxRef: clientTxRef,
		SubRAV:      next,
		Error:       &engine.ProtocolErrorPayload{Code: code, Message: message},
	})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set(engine.PaymentHeader, token)
	w.WriteHeader(status)
}

// serveStream writes a handful of NDJSON business frames followed by the
// in-band payment frame carrying the same response payload that a
// non-streaming call would have put in the response header (spec.md §4.7).
func (p *payee) serveStream(w http.ResponseWriter, clientTxRef string, next *subrav.SubRAV) {
	token, err := engine.EncodeResponseHeader(&engine.ResponsePayload{
		Kind:         engine.ResponseSuccess,
		V:            subrav.Version,
		ClientTxRef:  clientTxRef,
		SubRAV:       next,
		Cost:         p.cfg.pricePerRequest,
		ServiceTxRef: engine.NewClientTxRef(),
	})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	for _, chunk := range []string{"hi", "there", "!"} {
		line, _ := json.Marshal(map[string]string{"token": chunk})
		_, _ = w.Write(append(line, '\n'))
		if flusher != nil {
			flusher.Flush()
		}
	}

	frame, _ := json.Marshal(map[string]string{"__nuwa_payment_header__": token})
	_, _ = w.Write(append(frame, '\n'))
}
