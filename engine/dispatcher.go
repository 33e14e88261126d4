package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/nuwa-protocol/nuwa-sub003/subrav"
	"go.uber.org/zap"
)

// TxLogEntry is one row of the append-only transaction log (spec.md §3
// "Transaction log entry").
type TxLogEntry struct {
	ClientTxRef   string
	Timestamp     time.Time
	Method        string
	URL           string
	Operation     string
	HeaderSummary string
	BodyHash      string
	ChannelID     subrav.ChannelID
	HasChannelID  bool
	VMIDFragment  string
	AssetID       string
	Stream        bool
	Status        string
	StatusCode    int
	DurationMS    int64
	Payment       *PaymentInfo
}

// TxLogUpdate amends an existing TxLogEntry once HTTP headers, and later
// the finalized payment, are known.
type TxLogUpdate struct {
	StatusCode int
	DurationMS int64
	Status     string
	Payment    *PaymentInfo
}

// TxLogger is the append/update capability the Persistor exposes for the
// transaction log (spec.md §4.8 "Stores").
type TxLogger interface {
	Append(ctx context.Context, entry TxLogEntry) error
	Update(ctx context.Context, clientTxRef string, update TxLogUpdate) error
}

// Handle is the correlated {response, payment, done} triple returned by
// Dispatcher.Dispatch (spec.md §6).
type Handle struct {
	ClientTxRef string

	responseFut *future
	paymentFut  *future
	doneFut     *future

	cancel func(reason error)
}

func newHandle(clientTxRef string, cancel func(reason error)) *Handle {
	h := &Handle{
		ClientTxRef: clientTxRef,
		responseFut: newFuture(),
		paymentFut:  newFuture(),
		cancel:      cancel,
	}
	h.doneFut = joinFutures(h.responseFut, h.paymentFut)

	// A task canceled before it ever started (spec.md §4.1: "cancel before
	// start removes the task and rejects its promise") means run() never
	// executed, so paymentFut was never bridged to a tracker entry — settle
	// it here per the abort scenario of spec.md §8 ("payment promise
	// resolves with undefined").
	h.responseFut.subscribe(func(_ any, err error) {
		if _, ok := err.(*CanceledError); ok {
			h.paymentFut.resolve(nil)
		}
	})
	return h
}

// Response blocks until the HTTP response is available, or ctx is done.
func (h *Handle) Response(ctx context.Context) (*http.Response, error) {
	v, err := await(ctx, h.responseFut)
	if err != nil || v == nil {
		return nil, err
	}
	return v.(*http.Response), nil
}

// Payment blocks until the payment settlement is available. A nil, nil
// result means the request was served free of charge.
func (h *Handle) Payment(ctx context.Context) (*PaymentInfo, error) {
	v, err := await(ctx, h.paymentFut)
	if err != nil || v == nil {
		return nil, err
	}
	return v.(*PaymentInfo), nil
}

// Done blocks until both response and payment have settled.
func (h *Handle) Done(ctx context.Context) (*http.Response, *PaymentInfo, error) {
	if _, err := await(ctx, h.doneFut); err != nil {
		resp, _ := h.Response(ctx)
		pay, _ := h.Payment(ctx)
		return resp, pay, err
	}
	resp, rerr := h.Response(ctx)
	pay, perr := h.Payment(ctx)
	if rerr != nil {
		return resp, pay, rerr
	}
	return resp, pay, perr
}

// Abort cooperatively cancels both the in-flight HTTP call and the pending
// payment (spec.md §4.4.2).
func (h *Handle) Abort() {
	h.cancel(nil)
}

func await(ctx context.Context, f *future) (any, error) {
	select {
	case <-f.Done():
		return f.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// joinFutures settles once both a and b have settled: resolved if both
// resolved, else rejected with whichever's error was observed (a's
// preferred), matching "done never settles before both" (spec.md §8).
func joinFutures(a, b *future) *future {
	out := newFuture()
	var mu sync.Mutex
	var aDone, bDone bool
	var aErr, bErr error

	check := func() {
		mu.Lock()
		defer mu.Unlock()
		if !aDone || !bDone {
			return
		}
		switch {
		case aErr != nil:
			out.reject(aErr)
		case bErr != nil:
			out.reject(bErr)
		default:
			out.resolve(nil)
		}
	}

	a.subscribe(func(_ any, err error) {
		mu.Lock()
		aDone, aErr = true, err
		mu.Unlock()
		check()
	})
	b.subscribe(func(_ any, err error) {
		mu.Lock()
		bDone, bErr = true, err
		mu.Unlock()
		check()
	})
	return out
}

// RequestOptions configures one dispatched request.
type RequestOptions struct {
	Header      http.Header
	Body        io.Reader
	AssetID     string
	MaxAmount   subrav.BigInt
	ClientTxRef string
}

// Dispatcher implements spec.md §4.4: turns one request(method, path, init)
// call into a correlated handle, owning admission, signing, the 402
// auto-retry, and abort.
type Dispatcher struct {
	scheduler  *Scheduler
	state      *PaymentState
	tracker    *PendingPaymentTracker
	classifier *Classifier
	channel    ChannelManager
	signer     AuthSigner
	httpClient *http.Client
	txlog      TxLogger
	logger     *zap.Logger

	mu        sync.RWMutex
	cleanedUp bool
}

// NewDispatcher builds a Dispatcher. httpClient defaults to
// http.DefaultClient; txlog may be nil to skip transaction logging.
func NewDispatcher(scheduler *Scheduler, state *PaymentState, tracker *PendingPaymentTracker, classifier *Classifier, channel ChannelManager, signer AuthSigner, httpClient *http.Client, txlog TxLogger, logger *zap.Logger) *Dispatcher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		scheduler:  scheduler,
		state:      state,
		tracker:    tracker,
		classifier: classifier,
		channel:    channel,
		signer:     signer,
		httpClient: httpClient,
		txlog:      txlog,
		logger:     logger,
	}
}

// MarkCleanedUp refuses future dispatches once cleanedUp is true (spec.md
// §5 "logout cleanup").
func (d *Dispatcher) MarkCleanedUp(cleanedUp bool) {
	d.mu.Lock()
	d.cleanedUp = cleanedUp
	d.mu.Unlock()
}

func (d *Dispatcher) isCleanedUp() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cleanedUp
}

// Dispatch implements requestWithPayment.
func (d *Dispatcher) Dispatch(ctx context.Context, method, path string, opts RequestOptions) *Handle {
	clientTxRef := opts.ClientTxRef
	if clientTxRef == "" && opts.Header != nil {
		clientTxRef = opts.Header.Get(CorrelationHeader)
	}
	if clientTxRef == "" {
		clientTxRef = NewClientTxRef()
	}

	var ticket *Ticket
	handle := newHandle(clientTxRef, func(reason error) {
		if ticket != nil {
			ticket.Cancel(reason)
		}
	})

	if d.isCleanedUp() {
		handle.responseFut.reject(ErrCleanedUp)
		handle.paymentFut.reject(ErrCleanedUp)
		return handle
	}

	ticket = d.scheduler.Enqueue(func(release func(), canceled <-chan struct{}) *future {
		go d.run(ctx, handle, release, canceled, method, path, opts, clientTxRef)
		return handle.responseFut
	})
	// A ticket canceled before its task started settles with *CanceledError
	// while run() never executes; forward that onto the response future so
	// newHandle's subscription settles the payment future too.
	ticket.Subscribe(func(_ any, err error) {
		if cerr, ok := err.(*CanceledError); ok {
			handle.responseFut.reject(cerr)
		}
	})

	return handle
}

// failEarly settles both futures with err and releases the slot immediately
// — used for failures before a PendingPayment (and thus its own release
// wiring) exists.
func (d *Dispatcher) failEarly(handle *Handle, release func(), err error) {
	handle.responseFut.reject(err)
	handle.paymentFut.reject(err)
	release()
}

func (d *Dispatcher) run(ctx context.Context, handle *Handle, release func(), canceled <-chan struct{}, method, path string, opts RequestOptions, clientTxRef string) {
	reqCtx, cancelReq := context.WithCancel(ctx)
	defer cancelReq()
	go func() {
		select {
		case <-canceled:
			cancelReq()
		case <-reqCtx.Done():
		}
	}()

	if err := d.channel.EnsureChannelReady(reqCtx); err != nil {
		d.failEarly(handle, release, fmt.Errorf("engine: ensure channel ready: %w", err))
		return
	}
	if err := d.channel.DiscoverService(reqCtx); err != nil {
		d.failEarly(handle, release, fmt.Errorf("engine: discover service: %w", err))
		return
	}
	url, err := d.channel.BuildPaymentURL(path)
	if err != nil {
		d.failEarly(handle, release, fmt.Errorf("engine: build payment url: %w", err))
		return
	}

	channelID, _ := d.state.ChannelID()

	header, sent, err := d.buildPaymentHeader(reqCtx, clientTxRef, opts.MaxAmount)
	if err != nil {
		d.failEarly(handle, release, fmt.Errorf("engine: build payment header: %w", err))
		return
	}

	payFut := d.tracker.Create(clientTxRef, channelID, opts.AssetID, sent, release)
	payFut.subscribe(func(value any, err error) { handle.paymentFut.settle(value, err) })

	d.appendTxLog(reqCtx, clientTxRef, method, url, channelID, opts.AssetID)

	start := time.Now()
	resp, kind, streaming, err := d.send(reqCtx, method, url, header, opts)
	if err != nil {
		handle.responseFut.reject(err)
		// Transport failures (including the caller's own abort surfacing as
		// a canceled-context error) must not hang the payment promise
		// (spec.md §7): an aborted context resolves-as-free rather than
		// rejecting, matching the abort scenario of spec.md §8.
		if reqCtx.Err() != nil {
			d.tracker.ResolveByRef(clientTxRef, nil)
		} else {
			d.tracker.RejectByRef(clientTxRef, err)
		}
		return
	}
	d.updateTxLog(reqCtx, clientTxRef, resp.StatusCode, time.Since(start))

	payload, decodeErr := DecodeResponseHeader(resp.Header.Get(PaymentHeader))
	if decodeErr != nil {
		d.logger.Warn("failed to decode response payment header", zap.Error(decodeErr))
		payload = &ResponsePayload{Kind: ResponseNone}
	}

	if retryProposal, ok := retryableSubRAV(resp, payload); ok {
		d.retry(reqCtx, handle, method, url, opts, clientTxRef, retryProposal)
		return
	}

	if streaming {
		resp.Body = d.wrapStream(reqCtx, resp.Body, kind, clientTxRef)
		handle.responseFut.resolve(resp)
		d.classifier.Classify(reqCtx, clientTxRef, resp.StatusCode, true, payload)
		return
	}

	handle.responseFut.resolve(resp)
	d.classifier.Classify(reqCtx, clientTxRef, resp.StatusCode, false, payload)
}

// retryableSubRAV reports the embedded proposal when resp/payload match the
// 402 auto-retry condition of spec.md §4.4.1.
func retryableSubRAV(resp *http.Response, payload *ResponsePayload) (*subrav.SubRAV, bool) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, false
	}
	if payload.Kind != ResponseError || payload.Error == nil {
		return nil, false
	}
	if payload.Error.Code != ErrPaymentRequired || payload.SubRAV == nil {
		return nil, false
	}
	return payload.SubRAV, true
}

// retry implements spec.md §4.4.1: sign the embedded proposal, rebuild the
// payment header under the same clientTxRef, refresh the DID authorization
// header, and re-issue exactly once.
func (d *Dispatcher) retry(ctx context.Context, handle *Handle, method, url string, opts RequestOptions, clientTxRef string, proposal *subrav.SubRAV) {
	if err := d.state.SetPendingSubRAV(proposal, nil); err != nil {
		d.logger.Warn("402 proposal failed progression validation, skipping retry", zap.Error(err))
		protoErr := NewProtocolError(ErrPaymentRequired, "payment required")
		handle.responseFut.reject(protoErr)
		d.tracker.RejectByRef(clientTxRef, protoErr)
		return
	}

	header, _, err := d.buildPaymentHeader(ctx, clientTxRef, opts.MaxAmount)
	if err != nil {
		d.failRetry(handle, clientTxRef, fmt.Errorf("engine: build retry payment header: %w", err))
		return
	}

	start := time.Now()
	resp, kind, streaming, err := d.send(ctx, method, url, header, opts)
	if err != nil {
		d.failRetry(handle, clientTxRef, err)
		return
	}
	d.updateTxLog(ctx, clientTxRef, resp.StatusCode, time.Since(start))

	payload, decodeErr := DecodeResponseHeader(resp.Header.Get(PaymentHeader))
	if decodeErr != nil {
		d.logger.Warn("failed to decode retry response payment header", zap.Error(decodeErr))
		payload = &ResponsePayload{Kind: ResponseNone}
	}

	if streaming {
		resp.Body = d.wrapStream(ctx, resp.Body, kind, clientTxRef)
		handle.responseFut.resolve(resp)
		d.classifier.Classify(ctx, clientTxRef, resp.StatusCode, true, payload)
		return
	}

	handle.responseFut.resolve(resp)
	d.classifier.Classify(ctx, clientTxRef, resp.StatusCode, false, payload)
}

func (d *Dispatcher) failRetry(handle *Handle, clientTxRef string, err error) {
	handle.responseFut.reject(err)
	d.tracker.RejectByRef(clientTxRef, err)
}

func (d *Dispatcher) send(ctx context.Context, method, url, header string, opts RequestOptions) (*http.Response, StreamKind, bool, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, opts.Body)
	if err != nil {
		return nil, 0, false, fmt.Errorf("engine: build http request: %w", err)
	}
	for k, vv := range opts.Header {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set(PaymentHeader, header)

	did := d.signer.DID()
	var keyID string
	if ids := d.signer.KeyIDs(); len(ids) > 0 {
		keyID = ids[0]
	}
	authHeader, err := d.signer.GenerateAuthHeader(ctx, did, url, method, keyID)
	if err != nil {
		return nil, 0, false, fmt.Errorf("engine: generate auth header: %w", err)
	}
	req.Header.Set(AuthorizationHeader, authSchemePrefix+authHeader)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, 0, false, fmt.Errorf("engine: http request failed: %w", err)
	}

	kind, streaming := DetectStreamKind(resp.Header.Get("Content-Type"))
	return resp, kind, streaming, nil
}

// buildPaymentHeader implements spec.md §4.4 step 3c: if a pending Sub-RAV
// is cached, sign it under the current key and clear the cache atomically
// (PaymentState.TakePendingSubRAV); otherwise emit a header with no signed
// receipt (free/handshake mode).
func (d *Dispatcher) buildPaymentHeader(ctx context.Context, clientTxRef string, maxAmount subrav.BigInt) (string, *subrav.SignedSubRAV, error) {
	pending, ok := d.state.TakePendingSubRAV()
	if !ok {
		token, err := EncodeRequestHeader(&RequestPayload{V: subrav.Version, ClientTxRef: clientTxRef, MaxAmount: maxAmount})
		return token, nil, err
	}

	domain, err := d.channel.SigningDomain(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("resolve signing domain: %w", err)
	}
	keyIDs := d.signer.KeyIDs()
	if len(keyIDs) == 0 {
		return "", nil, fmt.Errorf("signer has no key ids")
	}
	signed, err := d.signer.SignSubRAV(domain, keyIDs[0], pending)
	if err != nil {
		return "", nil, fmt.Errorf("sign sub-rav: %w", err)
	}
	d.state.ObserveNonce(pending.Key(), pending.Nonce)
	d.state.SetLastSignedSubRAV(pending)
	if err := d.channel.CommitSubRAV(ctx, signed); err != nil {
		d.logger.Warn("channel manager failed to commit sub-rav", zap.Error(err))
	}

	token, err := EncodeRequestHeader(&RequestPayload{V: subrav.Version, ClientTxRef: clientTxRef, MaxAmount: maxAmount, SignedSubRAV: signed})
	return token, signed, err
}

func (d *Dispatcher) wrapStream(ctx context.Context, body io.ReadCloser, kind StreamKind, clientTxRef string) io.ReadCloser {
	sf := NewStreamFilter(d.classifier, d.tracker, clientTxRef, func() { d.tracker.ExtendTimeout(clientTxRef) }, d.logger)
	return sf.Wrap(ctx, body, kind)
}

func (d *Dispatcher) appendTxLog(ctx context.Context, clientTxRef, method, url string, channelID subrav.ChannelID, assetID string) {
	if d.txlog == nil {
		return
	}
	if err := d.txlog.Append(ctx, TxLogEntry{
		ClientTxRef:  clientTxRef,
		Timestamp:    time.Now(),
		Method:       method,
		URL:          url,
		ChannelID:    channelID,
		HasChannelID: channelID != (subrav.ChannelID{}),
		VMIDFragment: d.state.VMIDFragment(),
		AssetID:      assetID,
		Status:       "pending",
	}); err != nil {
		d.logger.Warn("failed to append transaction log entry", zap.Error(err))
	}
}

func (d *Dispatcher) updateTxLog(ctx context.Context, clientTxRef string, statusCode int, duration time.Duration) {
	if d.txlog == nil {
		return
	}
	if err := d.txlog.Update(ctx, clientTxRef, TxLogUpdate{StatusCode: statusCode, DurationMS: duration.Milliseconds()}); err != nil {
		d.logger.Warn("failed to update transaction log entry", zap.Error(err))
	}
}
