package x402

import (
	"errors"
	"fmt"
)

// Routing and validation reason codes. These travel inside
// VerifyResponse.InvalidReason / SettleResponse.ErrorReason; they are never
// surfaced as panics or bare errors across the facilitator boundary.
const (
	ReasonInvalidScheme        = "invalid_scheme"
	ReasonInvalidNetwork       = "invalid_network"
	ReasonMissingSchemeContext = "missing_scheme_context"
	ReasonMalformedPayload     = "malformed_payload"
	ReasonInvalidSignature     = "invalid_signature"
	ReasonInsufficientFunds    = "insufficient_funds"
	ReasonSettlementFailed     = "settlement_failed"
	ReasonUnsupportedVersion   = "unsupported_version"
)

// ErrUnsupportedNetwork is returned by the network registry for identifiers
// outside the configured set. Ambiguous network resolution feeds signature
// verification, so there is no silent default.
var ErrUnsupportedNetwork = errors.New("unsupported network")

// PaymentError represents a payment-specific error with a machine-readable code
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}
