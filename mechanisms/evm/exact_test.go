package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402-foundation/x402-facilitator"
)

const (
	testNetwork   = "eip155:84532"
	testRecipient = "0x1111111111111111111111111111111111111111"
	testNonceHex  = "0x0000000000000000000000000000000000000000000000000000000000000042"
)

// mockChainSigner satisfies ChainSigner with overridable behavior per test.
type mockChainSigner struct {
	readContract func(ctx context.Context, address string, abi []byte, fn string, args ...interface{}) (interface{}, error)
	getBalance   func(ctx context.Context, address, token string) (*big.Int, error)
	writeCalls   int
	writeErr     error
	receipt      *TransactionReceipt
}

func (m *mockChainSigner) ReadContract(ctx context.Context, address string, abi []byte, fn string, args ...interface{}) (interface{}, error) {
	if m.readContract != nil {
		return m.readContract(ctx, address, abi, fn, args...)
	}
	return false, nil
}

func (m *mockChainSigner) GetBalance(ctx context.Context, address, token string) (*big.Int, error) {
	if m.getBalance != nil {
		return m.getBalance(ctx, address, token)
	}
	return big.NewInt(1_000_000_000), nil
}

func (m *mockChainSigner) GetChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(84532), nil
}

func (m *mockChainSigner) Address() string {
	return "0x2222222222222222222222222222222222222222"
}

func (m *mockChainSigner) WriteContract(ctx context.Context, address string, abi []byte, fn string, args ...interface{}) (string, error) {
	m.writeCalls++
	if m.writeErr != nil {
		return "", m.writeErr
	}
	return "0xtxhash", nil
}

func (m *mockChainSigner) WaitForTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error) {
	if m.receipt != nil {
		return m.receipt, nil
	}
	return &TransactionReceipt{Status: TxStatusSuccess, BlockNumber: 1, TxHash: txHash}, nil
}

func signAuthorization(t *testing.T, key *ecdsa.PrivateKey, auth ExactEIP3009Authorization) string {
	t.Helper()

	config, err := GetNetworkConfig(testNetwork)
	require.NoError(t, err)
	assetInfo := config.DefaultAsset

	domain := TypedDataDomain{
		Name:              assetInfo.Name,
		Version:           assetInfo.Version,
		ChainID:           config.ChainID,
		VerifyingContract: assetInfo.Address,
	}
	types := map[string][]TypedDataField{
		"TransferWithAuthorization": {
			{Name: "from", Type: "address"},
			{Name: "to", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "validAfter", Type: "uint256"},
			{Name: "validBefore", Type: "uint256"},
			{Name: "nonce", Type: "bytes32"},
		},
	}

	value, _ := new(big.Int).SetString(auth.Value, 10)
	validAfter, _ := new(big.Int).SetString(auth.ValidAfter, 10)
	validBefore, _ := new(big.Int).SetString(auth.ValidBefore, 10)
	nonceBytes, err := HexToBytes(auth.Nonce)
	require.NoError(t, err)

	message := map[string]interface{}{
		"from":        auth.From,
		"to":          auth.To,
		"value":       value,
		"validAfter":  validAfter,
		"validBefore": validBefore,
		"nonce":       nonceBytes,
	}

	digest, err := HashTypedData(domain, types, "TransferWithAuthorization", message)
	require.NoError(t, err)

	sig, err := crypto.Sign(digest, key)
	require.NoError(t, err)
	sig[64] += 27
	return BytesToHex(sig)
}

func signedExactPayload(t *testing.T, key *ecdsa.PrivateKey, value string) (x402.PaymentPayload, x402.PaymentRequirements) {
	t.Helper()

	payer := crypto.PubkeyToAddress(key.PublicKey).Hex()
	auth := ExactEIP3009Authorization{
		From:        payer,
		To:          testRecipient,
		Value:       value,
		ValidAfter:  "0",
		ValidBefore: "99999999999",
		Nonce:       testNonceHex,
	}
	signature := signAuthorization(t, key, auth)

	payload := x402.PaymentPayload{
		X402Version: 1,
		Scheme:      SchemeExact,
		Network:     testNetwork,
		Payload: map[string]interface{}{
			"signature": signature,
			"authorization": map[string]interface{}{
				"from":        auth.From,
				"to":          auth.To,
				"value":       auth.Value,
				"validAfter":  auth.ValidAfter,
				"validBefore": auth.ValidBefore,
				"nonce":       auth.Nonce,
			},
		},
	}
	requirements := x402.PaymentRequirements{
		Scheme:            SchemeExact,
		Network:           testNetwork,
		MaxAmountRequired: value,
		PayTo:             testRecipient,
		Asset:             NetworkConfigs[testNetwork].DefaultAsset.Address,
	}
	return payload, requirements
}

func TestExactEvmVerifyValid(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	payload, requirements := signedExactPayload(t, key, "10000")
	facilitator := NewExactEvmFacilitator(&mockChainSigner{})

	resp, err := facilitator.Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), resp.Payer)
}

func TestExactEvmVerifyRecipientMismatch(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	payload, requirements := signedExactPayload(t, key, "10000")
	requirements.PayTo = "0x3333333333333333333333333333333333333333"

	facilitator := NewExactEvmFacilitator(&mockChainSigner{})
	resp, err := facilitator.Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, "recipient_mismatch", resp.InvalidReason)
}

func TestExactEvmVerifyInsufficientAmount(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	payload, requirements := signedExactPayload(t, key, "10000")
	requirements.MaxAmountRequired = "20000"

	facilitator := NewExactEvmFacilitator(&mockChainSigner{})
	resp, err := facilitator.Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, "insufficient_amount", resp.InvalidReason)
}

func TestExactEvmVerifyNonceAlreadyUsed(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	payload, requirements := signedExactPayload(t, key, "10000")
	signer := &mockChainSigner{
		readContract: func(ctx context.Context, address string, abi []byte, fn string, args ...interface{}) (interface{}, error) {
			if fn == FunctionAuthorizationState {
				return true, nil
			}
			return nil, fmt.Errorf("unexpected read: %s", fn)
		},
	}

	facilitator := NewExactEvmFacilitator(signer)
	resp, err := facilitator.Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, "nonce_already_used", resp.InvalidReason)
}

func TestExactEvmVerifyInsufficientFunds(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	payload, requirements := signedExactPayload(t, key, "10000")
	signer := &mockChainSigner{
		getBalance: func(ctx context.Context, address, token string) (*big.Int, error) {
			return big.NewInt(5), nil
		},
	}

	facilitator := NewExactEvmFacilitator(signer)
	resp, err := facilitator.Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, x402.ReasonInsufficientFunds, resp.InvalidReason)
}

func TestExactEvmVerifyBadSignature(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	payload, requirements := signedExactPayload(t, key, "10000")
	// Tamper with the signed value.
	auth := payload.Payload["authorization"].(map[string]interface{})
	auth["value"] = "99999"
	requirements.MaxAmountRequired = "99999"

	facilitator := NewExactEvmFacilitator(&mockChainSigner{})
	resp, err := facilitator.Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, x402.ReasonInvalidSignature, resp.InvalidReason)
}

func TestExactEvmVerifyShortNonceRejected(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	payload, requirements := signedExactPayload(t, key, "10000")
	// A nonce shorter than 32 bytes passes the JSON schema and hex
	// decoding; it must be rejected as a validation failure, not crash.
	auth := payload.Payload["authorization"].(map[string]interface{})
	auth["nonce"] = "0x42"

	facilitator := NewExactEvmFacilitator(&mockChainSigner{})
	resp, err := facilitator.Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, "invalid_authorization_nonce", resp.InvalidReason)
}

func TestExactEvmVerifyWrongScheme(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	payload, requirements := signedExactPayload(t, key, "10000")
	payload.Scheme = "deferred"

	facilitator := NewExactEvmFacilitator(&mockChainSigner{})
	resp, err := facilitator.Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, x402.ReasonInvalidScheme, resp.InvalidReason)
}

func TestExactEvmVerifyNetworkMismatch(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	payload, requirements := signedExactPayload(t, key, "10000")
	payload.Network = "eip155:8453"

	facilitator := NewExactEvmFacilitator(&mockChainSigner{})
	resp, err := facilitator.Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, "network_mismatch", resp.InvalidReason)
}

func TestExactEvmSettleSuccess(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	payload, requirements := signedExactPayload(t, key, "10000")
	signer := &mockChainSigner{}

	facilitator := NewExactEvmFacilitator(signer)
	resp, err := facilitator.Settle(context.Background(), payload, requirements)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "0xtxhash", resp.Transaction)
	assert.Equal(t, x402.Network(testNetwork), resp.Network)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), resp.Payer)
	assert.Equal(t, 1, signer.writeCalls)
}

func TestExactEvmSettleRevertedTransaction(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	payload, requirements := signedExactPayload(t, key, "10000")
	signer := &mockChainSigner{
		receipt: &TransactionReceipt{Status: TxStatusFailed, TxHash: "0xtxhash"},
	}

	facilitator := NewExactEvmFacilitator(signer)
	resp, err := facilitator.Settle(context.Background(), payload, requirements)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "transaction_failed", resp.ErrorReason)
	assert.Equal(t, "0xtxhash", resp.Transaction)
}

func TestExactEvmSettleRejectsInvalidPayment(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	payload, requirements := signedExactPayload(t, key, "10000")
	requirements.PayTo = "0x3333333333333333333333333333333333333333"
	signer := &mockChainSigner{}

	facilitator := NewExactEvmFacilitator(signer)
	resp, err := facilitator.Settle(context.Background(), payload, requirements)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "recipient_mismatch", resp.ErrorReason)
	assert.Zero(t, signer.writeCalls, "no transaction should be submitted for an invalid payment")
}
