// Package paychannel is the public façade over the payment-channel HTTP
// protocol engine: it wires ProtocolCodec, PendingPaymentTracker,
// RequestScheduler, PaymentState, Persistor, StreamFilter,
// ResponseClassifier and RequestDispatcher into the operations a caller
// actually uses (spec.md §6).
package paychannel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nuwa-protocol/nuwa-sub003/engine"
	"github.com/nuwa-protocol/nuwa-sub003/engine/store"
	"github.com/nuwa-protocol/nuwa-sub003/subrav"
	"go.uber.org/zap"
)

// Handle is the correlated {response, payment, done} triple of a dispatched
// request.
type Handle = engine.Handle

// Settlement is the joined result of DoAndWaitForPayment.
type Settlement struct {
	Response *http.Response
	Payment  *engine.PaymentInfo
}

// Config configures a Client.
type Config struct {
	// Host and PayerDID namespace the persisted {channelId, pendingSubRav}
	// snapshot (spec.md §4.6).
	Host     string
	PayerDID string

	Channel engine.ChannelManager
	Signer  engine.AuthSigner
	Rate    engine.RateProvider // optional

	Store      store.Store // optional; defaults to an in-memory MemStore
	TxLog      *store.TxLog
	HTTPClient *http.Client

	// AssetID is the rate-conversion asset used by UnsettledAmount to
	// compute UnsettledUSD. Optional; leave empty to skip USD conversion.
	AssetID string

	PaymentTimeout time.Duration
	Logger         *zap.Logger
}

// Client is the public, instance-scoped payment-channel HTTP client
// (spec.md §9 "the engine is instance-scoped; no process-wide
// singletons").
type Client struct {
	dispatcher *engine.Dispatcher
	state      *engine.PaymentState
	scheduler  *engine.Scheduler
	tracker    *engine.PendingPaymentTracker
	classifier *engine.Classifier
	persistor  *store.Persistor
	channel    engine.ChannelManager
	rate       engine.RateProvider
	assetID    string
	logger     *zap.Logger
}

// New builds a Client and loads any persisted state for (cfg.Host,
// cfg.PayerDID) (spec.md §4.6 "loaded on boot to resume the receipt
// chain").
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Channel == nil {
		return nil, fmt.Errorf("paychannel: Config.Channel is required")
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("paychannel: Config.Signer is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	backing := cfg.Store
	if backing == nil {
		backing = store.NewMemStore()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	state := engine.NewPaymentState()
	scheduler := engine.NewScheduler()
	tracker := engine.NewPendingPaymentTracker(state, cfg.PaymentTimeout)
	classifier := engine.NewClassifier(state, tracker, logger)
	persistor := store.NewPersistor(backing, cfg.Host, cfg.PayerDID)

	classifier.Persist = func(ctx context.Context) {
		var channelIDPtr *subrav.ChannelID
		if id, ok := state.ChannelID(); ok {
			channelIDPtr = &id
		}
		pending, _ := state.PendingSubRAV()
		if err := persistor.Save(ctx, channelIDPtr, pending); err != nil {
			logger.Warn("failed to persist engine state", zap.Error(err))
		}
	}

	var txlog engine.TxLogger
	if cfg.TxLog != nil {
		txlog = cfg.TxLog
		classifier.TxLog = txlog
	}

	dispatcher := engine.NewDispatcher(scheduler, state, tracker, classifier, cfg.Channel, cfg.Signer, httpClient, txlog, logger)

	c := &Client{
		dispatcher: dispatcher,
		state:      state,
		scheduler:  scheduler,
		tracker:    tracker,
		classifier: classifier,
		persistor:  persistor,
		channel:    cfg.Channel,
		rate:       cfg.Rate,
		assetID:    cfg.AssetID,
		logger:     logger,
	}

	if persisted, err := persistor.Load(ctx); err != nil {
		logger.Warn("failed to load persisted engine state", zap.Error(err))
	} else if persisted != nil {
		if persisted.ChannelID != nil {
			state.SetChannelID(*persisted.ChannelID)
		}
		if persisted.PendingSubRAV != nil {
			state.SetVMIDFragment(persisted.PendingSubRAV.VMIDFragment)
			// Bypasses progression validation: a freshly loaded cache has
			// no "previous" in this process to validate against yet.
			_ = state.SetPendingSubRAV(persisted.PendingSubRAV, nil)
		}
	}

	return c, nil
}

// RequestOption configures one dispatched request.
type RequestOption func(*engine.RequestOptions)

// WithHeader adds a request header.
func WithHeader(key, value string) RequestOption {
	return func(o *engine.RequestOptions) {
		if o.Header == nil {
			o.Header = make(http.Header)
		}
		o.Header.Add(key, value)
	}
}

// WithBody sets the request body.
func WithBody(body io.Reader) RequestOption {
	return func(o *engine.RequestOptions) { o.Body = body }
}

// WithAssetID tags the request with the asset id used for pricing/logging.
func WithAssetID(assetID string) RequestOption {
	return func(o *engine.RequestOptions) { o.AssetID = assetID }
}

// WithMaxAmount caps the amount the caller authorizes for this request.
func WithMaxAmount(max subrav.BigInt) RequestOption {
	return func(o *engine.RequestOptions) { o.MaxAmount = max }
}

// WithClientTxRef overrides the auto-generated correlation id.
func WithClientTxRef(ref string) RequestOption {
	return func(o *engine.RequestOptions) { o.ClientTxRef = ref }
}

func (c *Client) dispatch(ctx context.Context, method, path string, opts []RequestOption) *Handle {
	var ro engine.RequestOptions
	for _, opt := range opts {
		opt(&ro)
	}
	return c.dispatcher.Dispatch(ctx, method, path, ro)
}

// Do issues one request and returns its HTTP response, ignoring the payment
// settlement (spec.md §6 "request(method, path, init) — convenience").
func (c *Client) Do(ctx context.Context, method, path string, opts ...RequestOption) (*http.Response, error) {
	h := c.dispatch(ctx, method, path, opts)
	return h.Response(ctx)
}

// DoWithPayment issues one request and returns the full correlated handle
// (spec.md §6 "requestWithPayment").
func (c *Client) DoWithPayment(ctx context.Context, method, path string, opts ...RequestOption) *Handle {
	return c.dispatch(ctx, method, path, opts)
}

// DoAndWaitForPayment issues one request and blocks until both the response
// and the payment settlement are available (spec.md §6
// "requestAndWaitForPayment").
func (c *Client) DoAndWaitForPayment(ctx context.Context, method, path string, opts ...RequestOption) (*Settlement, error) {
	h := c.dispatch(ctx, method, path, opts)
	resp, payment, err := h.Done(ctx)
	if err != nil {
		return &Settlement{Response: resp, Payment: payment}, err
	}
	return &Settlement{Response: resp, Payment: payment}, nil
}

// PendingSubRAV returns the cached, not-yet-signed proposal.
func (c *Client) PendingSubRAV() (*subrav.SubRAV, bool) {
	return c.state.PendingSubRAV()
}

// ClearPendingSubRAV drops the cached proposal.
func (c *Client) ClearPendingSubRAV() {
	c.state.ClearPendingSubRAV()
}

// ChannelID returns the bound channel id, if any.
func (c *Client) ChannelID() (subrav.ChannelID, bool) {
	return c.state.ChannelID()
}

// PersistedState returns the current persisted snapshot (spec.md §6
// "getPersistedState").
func (c *Client) PersistedState(ctx context.Context) (*store.PersistedState, error) {
	return c.persistor.Load(ctx)
}

// UnsettledAmount implements spec.md §6
// "getUnsettledAmountForSubChannel". The rate-conversion asset is fixed at
// construction (Config.AssetID), matching the no-argument shape of the
// underlying protocol operation.
func (c *Client) UnsettledAmount(ctx context.Context) (*engine.UnsettledAmount, error) {
	return engine.ComputeUnsettledAmount(ctx, c.state, c.channel, c.rate, c.assetID)
}

// LogoutOptions configures LogoutCleanup (spec.md §6 "logoutCleanup").
type LogoutOptions struct {
	ClearMapping bool
	Reason       error
}

// LogoutCleanup implements spec.md §5 "Logout cleanup": marks the engine
// cleaned-up, clears the scheduler queue, rejects all pending payments,
// resets PaymentState, optionally deletes the namespaced persisted state,
// and persists the now-empty state.
func (c *Client) LogoutCleanup(ctx context.Context, opts LogoutOptions) error {
	reason := opts.Reason
	if reason == nil {
		reason = engine.ErrCleanedUp
	}

	c.dispatcher.MarkCleanedUp(true)
	c.scheduler.Clear(reason)
	c.tracker.RejectAll(reason)
	c.state.Reset()

	if opts.ClearMapping {
		if err := c.persistor.Delete(ctx); err != nil {
			return fmt.Errorf("paychannel: delete persisted state: %w", err)
		}
		return nil
	}
	if err := c.persistor.Save(ctx, nil, nil); err != nil {
		return fmt.Errorf("paychannel: persist cleared state: %w", err)
	}
	return nil
}

