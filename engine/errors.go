package engine

import (
	"fmt"

	"github.com/nuwa-protocol/nuwa-sub003/subrav"
)

// ErrorCode enumerates the error kinds the engine surfaces to callers
// (spec.md §6 "Error codes surfaced to callers").
type ErrorCode string

const (
	ErrPaymentRequired   ErrorCode = "PAYMENT_REQUIRED"
	ErrRAVConflict       ErrorCode = "RAV_CONFLICT"
	ErrUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrForbidden         ErrorCode = "FORBIDDEN"
	ErrInsufficientFunds ErrorCode = "INSUFFICIENT_FUNDS"
	ErrConflict          ErrorCode = "CONFLICT"
	ErrInternal          ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// Client-side-only codes.
	ErrPaymentTimeout    ErrorCode = "PAYMENT_TIMEOUT"
	ErrInvalidProgression ErrorCode = "INVALID_PROGRESSION"
)

// ProtocolError is the error surfaced to a pending payment on reject
// (spec.md §7). It carries the sent/received Sub-RAV pair when the failure
// is a progression violation, for diagnostics.
type ProtocolError struct {
	Code    ErrorCode
	Message string

	SentSubRAV     *subrav.SubRAV
	ReceivedSubRAV *subrav.SubRAV
}

func (e *ProtocolError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

// NewProtocolError builds a plain ProtocolError.
func NewProtocolError(code ErrorCode, message string) *ProtocolError {
	return &ProtocolError{Code: code, Message: message}
}

// ErrCleanedUp is returned by any request* call made after LogoutCleanup.
var ErrCleanedUp = NewProtocolError(ErrServiceUnavailable, "engine has been cleaned up")

// ErrSchedulerClosed is returned by Scheduler.Enqueue after Clear.
var ErrSchedulerClosed = fmt.Errorf("engine: scheduler is closed")
