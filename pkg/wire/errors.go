package wire

import (
	"fmt"

	"github.com/extrophi/codio/pkg/constants"
)

// Error is a protocol-level refusal carried in response bodies.
type Error struct {
	Code   uint16 `cbor:"code"`
	Reason string `cbor:"reason"`
}

// NewError creates a protocol error.
func NewError(code uint16, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("codio error %s: %s", ErrorCodeName(e.Code), e.Reason)
}

// IsRetryable reports whether the refusal is transient. Busy and rate-limit
// refusals resolve on their own; the rest need a different peer or request.
func (e *Error) IsRetryable() bool {
	return e.Code == constants.ErrorBusy || e.Code == constants.ErrorRateLimit
}

// ErrorCodeName returns the symbolic name for a wire error code.
func ErrorCodeName(code uint16) string {
	switch code {
	case constants.ErrorNone:
		return "NONE"
	case constants.ErrorNotFound:
		return "NOT_FOUND"
	case constants.ErrorNotEligible:
		return "NOT_ELIGIBLE"
	case constants.ErrorBusy:
		return "BUSY"
	case constants.ErrorRateLimit:
		return "RATE_LIMIT"
	case constants.ErrorBadRequest:
		return "BAD_REQUEST"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", code)
	}
}
