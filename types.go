package x402

import (
	"encoding/json"
	"strings"
)

// Network represents a blockchain network identifier in CAIP-2 format
// Format: namespace:reference (e.g., "eip155:8453" for Base mainnet).
// Legacy v1 names ("base-sepolia", "solana") are accepted at the registry
// boundary and normalized before dispatch.
type Network string

// Parse splits the network into namespace and reference components
func (n Network) Parse() (namespace, reference string, err error) {
	parts := strings.Split(string(n), ":")
	if len(parts) != 2 {
		return "", "", &PaymentError{Code: ReasonInvalidNetwork, Message: "invalid network format: " + string(n)}
	}
	return parts[0], parts[1], nil
}

// Family returns the network's namespace ("eip155", "solana"), or the
// network itself when it is a legacy name with no namespace.
func (n Network) Family() string {
	if idx := strings.Index(string(n), ":"); idx >= 0 {
		return string(n)[:idx]
	}
	return string(n)
}

// Match checks if this network matches a pattern (supports wildcards)
// e.g., "eip155:1" matches "eip155:*" and "eip155:*" matches "eip155:1"
func (n Network) Match(pattern Network) bool {
	if n == pattern {
		return true
	}

	nStr := string(n)
	patternStr := string(pattern)

	if strings.HasSuffix(patternStr, ":*") {
		prefix := strings.TrimSuffix(patternStr, "*")
		return strings.HasPrefix(nStr, prefix)
	}

	if strings.HasSuffix(nStr, ":*") {
		prefix := strings.TrimSuffix(nStr, "*")
		return strings.HasPrefix(patternStr, prefix)
	}

	return false
}

// PaymentRequirements defines what payment is acceptable for a resource.
// Immutable once issued to a payer for a given request; Extra carries
// scheme-specific context (for deferred: mint-new vs aggregate instructions).
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           Network                `json:"network"`
	Asset             string                 `json:"asset"`
	MaxAmountRequired string                 `json:"maxAmountRequired"`
	PayTo             string                 `json:"payTo"`
	Resource          string                 `json:"resource,omitempty"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// PaymentPayload contains the signed payment authorization from a payer.
// Payload is scheme-shaped: exact carries an EIP-3009 authorization (EVM) or
// a signed transaction (SVM); deferred carries a voucher plus signature.
type PaymentPayload struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     Network                `json:"network"`
	Payload     map[string]interface{} `json:"payload"`
}

// VerifyRequest contains the payment to verify
type VerifyRequest struct {
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// VerifyResponse contains the verification result. Returned as a value,
// never as an error, so callers can distinguish "payment invalid" from a
// facilitator malfunction.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleRequest contains the payment to settle
type SettleRequest struct {
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// SettleResponse contains the settlement result
type SettleResponse struct {
	Success     bool    `json:"success"`
	ErrorReason string  `json:"errorReason,omitempty"`
	Payer       string  `json:"payer,omitempty"`
	Transaction string  `json:"transaction"`
	Network     Network `json:"network,omitempty"`
}

// SupportedKind represents a single supported payment configuration
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     Network                `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse describes what payment kinds a facilitator supports
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// ToPaymentPayload unmarshals bytes to a payment payload
func ToPaymentPayload(data []byte) (*PaymentPayload, error) {
	var payload PaymentPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// ToPaymentRequirements unmarshals bytes to payment requirements
func ToPaymentRequirements(data []byte) (*PaymentRequirements, error) {
	var requirements PaymentRequirements
	if err := json.Unmarshal(data, &requirements); err != nil {
		return nil, err
	}
	return &requirements, nil
}
