package engine

import (
	"context"

	"github.com/nuwa-protocol/nuwa-sub003/subrav"
	"go.uber.org/zap"
)

// PaymentInfo is the value a successfully settled payment promise resolves
// with (spec.md §6 "payment resolves with {cost, nonce}").
type PaymentInfo struct {
	Cost         subrav.BigInt
	CostUSD      *subrav.BigInt
	Nonce        subrav.BigInt
	ServiceTxRef string
}

func paymentInfoFrom(p *ResponsePayload) *PaymentInfo {
	info := &PaymentInfo{Cost: p.Cost, CostUSD: p.CostUSD, ServiceTxRef: p.ServiceTxRef}
	if p.SubRAV != nil {
		info.Nonce = p.SubRAV.Nonce
	}
	return info
}

// Classifier implements the response policy table of spec.md §4.5: given an
// HTTP status and a decoded protocol header (or ResponseNone if absent), it
// resolves or rejects the right pending payment(s), updates the cached
// pending proposal, and refreshes the highest-observed-nonce watermark.
type Classifier struct {
	state   *PaymentState
	tracker *PendingPaymentTracker

	// Persist is invoked after any state transition that could change
	// {channelId, pendingSubRav} (spec.md §4.6). Nil is a valid no-op.
	Persist func(ctx context.Context)

	// TxLog, if set, receives a "paid" status update carrying the finalized
	// payment snapshot whenever a pending payment resolves successfully
	// (spec.md §3 "Transaction log entry"). Nil disables this.
	TxLog TxLogger

	Logger *zap.Logger
}

// NewClassifier builds a Classifier over state/tracker.
func NewClassifier(state *PaymentState, tracker *PendingPaymentTracker, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{state: state, tracker: tracker, Logger: logger}
}

func (c *Classifier) persist(ctx context.Context) {
	if c.Persist != nil {
		c.Persist(ctx)
	}
}

// Classify applies the policy table to one HTTP response. requestClientTxRef
// is the clientTxRef of the request that produced this response — used as
// the correlation fallback when the payload itself omits one, and as the
// sole candidate for the header-less 402/409 rows (the header-less "other"
// row resolves every pending payment as free). streaming
// indicates the response body is still being read by a StreamFilter, in
// which case a ResponseNone payload is deferred entirely to that filter.
func (c *Classifier) Classify(ctx context.Context, requestClientTxRef string, httpStatus int, streaming bool, payload *ResponsePayload) {
	switch payload.Kind {
	case ResponseError:
		c.classifyError(ctx, requestClientTxRef, payload)
	case ResponseSuccess:
		c.classifySuccess(ctx, requestClientTxRef, payload)
	default: // ResponseNone
		if streaming {
			return
		}
		c.classifyHeaderless(ctx, requestClientTxRef, httpStatus)
	}
}

func (c *Classifier) classifyError(ctx context.Context, requestClientTxRef string, payload *ResponsePayload) {
	protoErr := &ProtocolError{
		Code:           payload.Error.Code,
		Message:        payload.Error.Message,
		ReceivedSubRAV: payload.SubRAV,
	}

	id := payload.ClientTxRef
	if id == "" {
		id = requestClientTxRef
	}

	if c.tracker.RejectByRef(id, protoErr) {
		c.state.ClearPendingSubRAV()
		c.persist(ctx)
		return
	}

	all := c.state.AllPending()
	for _, p := range all {
		c.tracker.RejectByRef(p.ClientTxRef, protoErr)
	}
	if len(all) > 0 {
		c.state.ClearPendingSubRAV()
		c.persist(ctx)
	}
}

func (c *Classifier) classifySuccess(ctx context.Context, requestClientTxRef string, payload *ResponsePayload) {
	matched, ok := c.match(requestClientTxRef, payload)
	if !ok {
		id := payload.ClientTxRef
		if id == "" {
			id = requestClientTxRef
		}
		if id != "" && c.state.IsRecentlyRejected(id) {
			c.Logger.Debug("ignoring late success for recently-rejected clientTxRef", zap.String("clientTxRef", id))
			return
		}
		if len(c.state.AllPending()) == 0 {
			if err := c.state.SetPendingSubRAV(payload.SubRAV, nil); err != nil {
				c.Logger.Warn("discarding unsolicited proposal that fails progression", zap.Error(err))
				return
			}
			if payload.SubRAV != nil {
				c.bindSubChannel(payload.SubRAV)
			}
			c.persist(ctx)
		}
		return
	}

	if err := subrav.ValidateProgression(sentSubRAVOf(matched), payload.SubRAV); err != nil {
		c.tracker.RejectByRef(matched.ClientTxRef, &ProtocolError{
			Code:           ErrInvalidProgression,
			Message:        err.Error(),
			SentSubRAV:     sentSubRAVOf(matched),
			ReceivedSubRAV: payload.SubRAV,
		})
		return
	}

	if err := c.state.SetPendingSubRAV(payload.SubRAV, sentSubRAVOf(matched)); err != nil {
		c.Logger.Warn("next proposal failed progression validation despite matching", zap.Error(err))
	}
	if payload.SubRAV != nil {
		c.state.ObserveNonce(payload.SubRAV.Key(), payload.SubRAV.Nonce)
		c.bindSubChannel(payload.SubRAV)
	}
	info := paymentInfoFrom(payload)
	// Persist and record "paid" before resolving, so a caller woken by the
	// payment future already sees the stored state and log entry.
	c.persist(ctx)
	c.updateTxLogPaid(ctx, matched.ClientTxRef, info)
	c.tracker.ResolveByRef(matched.ClientTxRef, info)
}

func (c *Classifier) updateTxLogPaid(ctx context.Context, clientTxRef string, info *PaymentInfo) {
	if c.TxLog == nil {
		return
	}
	if err := c.TxLog.Update(ctx, clientTxRef, TxLogUpdate{Status: "paid", Payment: info}); err != nil {
		c.Logger.Warn("failed to record paid status in transaction log", zap.String("clientTxRef", clientTxRef), zap.Error(err))
	}
}

func (c *Classifier) classifyHeaderless(ctx context.Context, requestClientTxRef string, httpStatus int) {
	switch httpStatus {
	case 402:
		c.state.ClearPendingSubRAV()
		c.persist(ctx)
		c.tracker.RejectByRef(requestClientTxRef, NewProtocolError(ErrPaymentRequired, "payment required"))
	case 409:
		c.state.ClearPendingSubRAV()
		c.persist(ctx)
		c.tracker.RejectByRef(requestClientTxRef, NewProtocolError(ErrRAVConflict, "sub-rav conflict"))
	default:
		c.tracker.ResolveAllAsFree(nil)
	}
}

// bindSubChannel adopts proposal's channel id and vm fragment as the
// engine's current sub-channel binding the first time a proposal is
// accepted, so invariant 4's "unknown fragment tentatively accepts" only
// applies before the first acceptance (spec.md §3 invariant 4).
func (c *Classifier) bindSubChannel(proposal *subrav.SubRAV) {
	if c.state.VMIDFragment() == "" {
		c.state.SetVMIDFragment(proposal.VMIDFragment)
	}
	if _, ok := c.state.ChannelID(); !ok {
		c.state.SetChannelID(proposal.ChannelID)
	}
}

func sentSubRAVOf(p *PendingPayment) *subrav.SubRAV {
	if p.SentSubRAV == nil {
		return nil
	}
	return p.SentSubRAV.SubRAV
}

// match implements the matching rule of spec.md §4.5: exact clientTxRef hit,
// else sole pending, else the unique pending whose sent Sub-RAV legally
// progresses to payload.SubRAV, else the most-recently-created pending.
func (c *Classifier) match(requestClientTxRef string, payload *ResponsePayload) (*PendingPayment, bool) {
	id := payload.ClientTxRef
	if id == "" {
		id = requestClientTxRef
	}
	if id != "" {
		if p, ok := c.state.GetPending(id); ok {
			return p, true
		}
	}

	all := c.state.AllPending()
	if len(all) == 0 {
		return nil, false
	}
	if len(all) == 1 {
		return all[0], true
	}

	var progressing []*PendingPayment
	for _, p := range all {
		if subrav.ValidateProgression(sentSubRAVOf(p), payload.SubRAV) == nil {
			progressing = append(progressing, p)
		}
	}
	if len(progressing) == 1 {
		return progressing[0], true
	}

	return all[len(all)-1], true
}
