package engine

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nuwa-protocol/nuwa-sub003/subrav"
)

// Wire protocol header names (spec.md §6).
const (
	// PaymentHeader carries the request payload (outgoing) or the response
	// payload (incoming); same header name both directions.
	PaymentHeader = "X-Nuwa-Payment"

	// CorrelationHeader optionally carries the caller's chosen clientTxRef.
	CorrelationHeader = "X-Nuwa-Client-Tx-Ref"

	// AuthorizationHeader carries the DID-based authorization.
	AuthorizationHeader = "Authorization"

	// authSchemePrefix is the DIDAuthV1 scheme prefix of AuthorizationHeader.
	authSchemePrefix = "DIDAuthV1 "
)

// In-band stream frame field names (spec.md §4.7, §6): a frame is a
// protocol frame iff its JSON has one of these fields, holding the encoded
// header payload as a string.
const (
	streamFrameFieldLong  = "__nuwa_payment_header__"
	streamFrameFieldShort = "nuwa_payment_header"
)

// RequestPayload is the payload carried by an outgoing PaymentHeader
// (spec.md §4.3 "Request header format").
type RequestPayload struct {
	V           int                   `json:"v"`
	ClientTxRef string                `json:"clientTxRef"`
	MaxAmount   subrav.BigInt         `json:"maxAmount"`
	SignedSubRAV *subrav.SignedSubRAV `json:"signedSubRav,omitempty"`
}

// ResponseKind tags the decoded shape of an incoming response payload
// (spec.md §4.3 and §9 "dynamic dispatch on response shape").
type ResponseKind int

const (
	// ResponseNone means no protocol header was present at all.
	ResponseNone ResponseKind = iota
	ResponseSuccess
	ResponseError
)

// ResponsePayload is the decoded payload of an incoming PaymentHeader, or
// of an in-band stream frame carrying the same payload.
type ResponsePayload struct {
	Kind ResponseKind

	V           int    `json:"v"`
	ClientTxRef string `json:"clientTxRef,omitempty"`

	// Present on ResponseSuccess: the cost of the just-served request and
	// the next Sub-RAV proposal.
	SubRAV      *subrav.SubRAV `json:"subRav,omitempty"`
	Cost        subrav.BigInt  `json:"cost,omitempty"`
	CostUSD     *subrav.BigInt `json:"costUsd,omitempty"`
	ServiceTxRef string        `json:"serviceTxRef,omitempty"`

	// Present on ResponseError.
	Error *ProtocolErrorPayload `json:"error,omitempty"`
}

// ProtocolErrorPayload is the wire shape of a protocol-level error.
type ProtocolErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// wireResponsePayload is the JSON shape actually put on the wire; Kind is
// inferred from which fields are present rather than serialized itself.
type wireResponsePayload struct {
	V           int                   `json:"v"`
	ClientTxRef string                `json:"clientTxRef,omitempty"`
	SubRAV      *subrav.SubRAV        `json:"subRav,omitempty"`
	Cost        *subrav.BigInt        `json:"cost,omitempty"`
	CostUSD     *subrav.BigInt        `json:"costUsd,omitempty"`
	ServiceTxRef string               `json:"serviceTxRef,omitempty"`
	Error       *ProtocolErrorPayload `json:"error,omitempty"`
}

// NewClientTxRef generates a fresh correlation id.
func NewClientTxRef() string {
	return uuid.NewString()
}

// EncodeRequestHeader renders a RequestPayload as the single ASCII-safe
// header token (spec.md §4.3): base64url(JSON(payload)).
func EncodeRequestHeader(p *RequestPayload) (string, error) {
	if p.V == 0 {
		p.V = subrav.Version
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("engine: encoding request header: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeRequestHeader parses a request header token back into its payload
// (used by the payee side / by tests asserting the round-trip law).
func DecodeRequestHeader(token string) (*RequestPayload, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("engine: decoding request header: %w", err)
	}
	var p RequestPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("engine: parsing request header: %w", err)
	}
	return &p, nil
}

// EncodeResponseHeader renders a ResponsePayload as the single ASCII-safe
// header token.
func EncodeResponseHeader(p *ResponsePayload) (string, error) {
	wire := wireResponsePayload{
		V:           p.V,
		ClientTxRef: p.ClientTxRef,
	}
	if wire.V == 0 {
		wire.V = subrav.Version
	}
	switch p.Kind {
	case ResponseSuccess:
		wire.SubRAV = p.SubRAV
		cost := p.Cost
		wire.Cost = &cost
		wire.CostUSD = p.CostUSD
		wire.ServiceTxRef = p.ServiceTxRef
	case ResponseError:
		wire.Error = p.Error
		wire.SubRAV = p.SubRAV
	default:
		return "", fmt.Errorf("engine: cannot encode response payload of kind %v", p.Kind)
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("engine: encoding response header: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeResponseHeader parses a response header token, or returns
// ResponseNone-kind with nil error if token is empty.
func DecodeResponseHeader(token string) (*ResponsePayload, error) {
	if token == "" {
		return &ResponsePayload{Kind: ResponseNone}, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("engine: decoding response header: %w", err)
	}
	var wire wireResponsePayload
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("engine: parsing response header: %w", err)
	}

	out := &ResponsePayload{V: wire.V, ClientTxRef: wire.ClientTxRef}
	switch {
	case wire.Error != nil:
		out.Kind = ResponseError
		out.Error = wire.Error
		out.SubRAV = wire.SubRAV
	case wire.SubRAV != nil:
		out.Kind = ResponseSuccess
		out.SubRAV = wire.SubRAV
		if wire.Cost != nil {
			out.Cost = *wire.Cost
		}
		out.CostUSD = wire.CostUSD
		out.ServiceTxRef = wire.ServiceTxRef
	default:
		// Neither error nor subRav: a malformed-but-parseable header, not a
		// legitimate success (spec.md §4.5 treats this as headerless).
		out.Kind = ResponseNone
	}
	return out, nil
}

// decodeInBandFrame inspects a parsed JSON object for one of the stream
// frame fields (spec.md §4.7) and, if present, decodes the embedded header.
// ok is false if neither field is present (i.e. this is a business frame).
func decodeInBandFrame(obj map[string]json.RawMessage) (payload *ResponsePayload, ok bool, err error) {
	raw, present := obj[streamFrameFieldLong]
	if !present {
		raw, present = obj[streamFrameFieldShort]
	}
	if !present {
		return nil, false, nil
	}
	var token string
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, true, fmt.Errorf("engine: in-band payment frame field is not a string: %w", err)
	}
	p, err := DecodeResponseHeader(token)
	if err != nil {
		return nil, true, err
	}
	return p, true, nil
}
