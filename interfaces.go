package x402

import "context"

// SchemeNetworkFacilitator is implemented by facilitator-side payment
// mechanisms. Each implementation handles one (scheme, network-family)
// combination; the dispatcher routes to it by exact network match or
// wildcard pattern ("eip155:*").
type SchemeNetworkFacilitator interface {
	Scheme() string

	// CaipFamily returns the CAIP family pattern this facilitator supports,
	// e.g. "eip155:*" for EVM, "solana:*" for SVM. Used to group signers
	// in the supported response.
	CaipFamily() string

	// GetExtra returns mechanism-specific extra data for the supported
	// kinds endpoint (SVM fee payer, deferred escrow address), or nil.
	GetExtra(network Network) map[string]interface{}

	Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (VerifyResponse, error)
	Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (SettleResponse, error)
}

// PayloadSchemaProvider is an optional interface for mechanisms that expose
// a JSON schema for their payload shape. When implemented, the dispatcher
// validates the raw payload against it before routing; a mismatch is a local
// validation failure and is never forwarded to the mechanism.
type PayloadSchemaProvider interface {
	PayloadSchema() []byte
}

// PayerExtractor is an optional interface for mechanisms that can recover
// the payer address from an unverified payload. The dispatcher uses it to
// attribute failed attempts in error responses.
type PayerExtractor interface {
	ExtractPayer(payload PaymentPayload) string
}
