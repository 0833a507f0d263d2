package evm

import (
	"context"
	"encoding/json"
	"math/big"
)

// ExactEIP3009Authorization is the transferWithAuthorization message signed
// by the payer for the exact scheme.
type ExactEIP3009Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactEvmPayload is the exact-scheme payload shape on EVM networks
type ExactEvmPayload struct {
	Signature     string                    `json:"signature"`
	Authorization ExactEIP3009Authorization `json:"authorization"`
}

// PayloadFromMap converts the generic payload map into an ExactEvmPayload
func PayloadFromMap(m map[string]interface{}) (*ExactEvmPayload, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var payload ExactEvmPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// TypedDataDomain represents the EIP-712 domain separator
type TypedDataDomain struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ChainID           *big.Int `json:"chainId"`
	VerifyingContract string   `json:"verifyingContract"`
}

// TypedDataField represents a field in EIP-712 typed data
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TransactionReceipt is the subset of a mined transaction's receipt the
// mechanisms care about
type TransactionReceipt struct {
	Status      uint64
	BlockNumber uint64
	TxHash      string
}

// TypedDataSigner signs EIP-712 typed data with a single key. Implemented
// by payer-side signers; the facilitator never holds payer keys.
type TypedDataSigner interface {
	// Address returns the signer's Ethereum address
	Address() string

	// SignTypedData signs EIP-712 typed data, returning a 65-byte (r, s, v) signature
	SignTypedData(ctx context.Context, domain TypedDataDomain, types map[string][]TypedDataField, primaryType string, message map[string]interface{}) ([]byte, error)
}

// ChainClient is the read-only chain interaction surface used by verify:
// balance and state queries plus contract reads.
type ChainClient interface {
	// ReadContract reads data from a smart contract
	ReadContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (interface{}, error)

	// GetBalance gets the balance of an address for a specific token
	// (native balance when tokenAddress is empty or the zero address)
	GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error)

	// GetChainID returns the chain id of the connected network
	GetChainID(ctx context.Context) (*big.Int, error)
}

// ChainSigner extends ChainClient with the ability to sign and submit
// transactions. Used by settle, deposit and flush; never required for verify.
type ChainSigner interface {
	ChainClient

	// Address returns the facilitator's signing address
	Address() string

	// WriteContract signs and submits a contract call, returning the tx hash
	WriteContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (string, error)

	// WaitForTransactionReceipt waits for a transaction to be mined
	WaitForTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error)
}
