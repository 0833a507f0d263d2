package svm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	solana "github.com/gagliardetto/solana-go"
)

// ExactSvmPayload is the exact-scheme payload on SVM networks: a base64
// encoded, payer-signed transaction awaiting the facilitator's fee-payer
// signature.
type ExactSvmPayload struct {
	Transaction string `json:"transaction"`
}

// PayloadFromMap converts the generic payload map into an ExactSvmPayload
func PayloadFromMap(m map[string]interface{}) (*ExactSvmPayload, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var payload ExactSvmPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	if payload.Transaction == "" {
		return nil, fmt.Errorf("payload missing transaction")
	}
	return &payload, nil
}

// ToMap converts the payload to the generic map form
func (p *ExactSvmPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{"transaction": p.Transaction}
}

// EncodeTransaction serializes a transaction to base64
func EncodeTransaction(tx *solana.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to marshal transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeTransaction parses a base64 encoded transaction
func DecodeTransaction(encoded string) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 transaction: %w", err)
	}
	tx, err := solana.TransactionFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return tx, nil
}

// ClientSvmSigner partially signs payment transactions on the payer side
type ClientSvmSigner interface {
	Address() solana.PublicKey
	SignTransaction(ctx context.Context, tx *solana.Transaction) error
}

// FacilitatorSvmSigner co-signs as fee payer and submits transactions. The
// facilitator sponsors transaction fees for exact SVM payments.
type FacilitatorSvmSigner interface {
	Address() solana.PublicKey
	SignTransaction(ctx context.Context, tx *solana.Transaction) error

	// SimulateTransaction dry-runs the transaction; a non-nil error means
	// it would fail on-chain
	SimulateTransaction(ctx context.Context, tx *solana.Transaction) error

	// SendAndConfirmTransaction submits and waits for confirmation,
	// returning the transaction signature
	SendAndConfirmTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
}
