package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	x402 "github.com/x402-foundation/x402-facilitator"
)

// exactPayloadSchema is the shape the dispatcher enforces before routing
var exactPayloadSchema = []byte(`{
  "type": "object",
  "required": ["signature", "authorization"],
  "properties": {
    "signature": {"type": "string"},
    "authorization": {
      "type": "object",
      "required": ["from", "to", "value", "validAfter", "validBefore", "nonce"],
      "properties": {
        "from": {"type": "string"},
        "to": {"type": "string"},
        "value": {"type": "string"},
        "validAfter": {"type": "string"},
        "validBefore": {"type": "string"},
        "nonce": {"type": "string"}
      }
    }
  }
}`)

// ExactEvmFacilitator implements the exact (single-shot EIP-3009) scheme on
// EVM networks. Verify only needs a read-capable client; settlement requires
// the full signer.
type ExactEvmFacilitator struct {
	signer ChainSigner
}

// NewExactEvmFacilitator creates a new ExactEvmFacilitator
func NewExactEvmFacilitator(signer ChainSigner) *ExactEvmFacilitator {
	return &ExactEvmFacilitator{signer: signer}
}

func (f *ExactEvmFacilitator) Scheme() string {
	return SchemeExact
}

func (f *ExactEvmFacilitator) CaipFamily() string {
	return "eip155:*"
}

func (f *ExactEvmFacilitator) GetExtra(network x402.Network) map[string]interface{} {
	return nil
}

// PayloadSchema exposes the exact payload shape for dispatcher validation
func (f *ExactEvmFacilitator) PayloadSchema() []byte {
	return exactPayloadSchema
}

// ExtractPayer recovers the payer address from an unverified payload
func (f *ExactEvmFacilitator) ExtractPayer(payload x402.PaymentPayload) string {
	evmPayload, err := PayloadFromMap(payload.Payload)
	if err != nil {
		return ""
	}
	return evmPayload.Authorization.From
}

// Verify verifies a payment payload against requirements
func (f *ExactEvmFacilitator) Verify(
	ctx context.Context,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
) (x402.VerifyResponse, error) {
	if payload.Scheme != SchemeExact {
		return x402.VerifyResponse{IsValid: false, InvalidReason: x402.ReasonInvalidScheme}, nil
	}
	if payload.Network != requirements.Network {
		return x402.VerifyResponse{IsValid: false, InvalidReason: "network_mismatch"}, nil
	}

	evmPayload, err := PayloadFromMap(payload.Payload)
	if err != nil {
		return x402.VerifyResponse{
			IsValid:       false,
			InvalidReason: fmt.Sprintf("invalid payload: %v", err),
		}, nil
	}
	if evmPayload.Signature == "" {
		return x402.VerifyResponse{IsValid: false, InvalidReason: "missing_signature"}, nil
	}
	nonceBytes, err := HexToBytes(evmPayload.Authorization.Nonce)
	if err != nil || len(nonceBytes) != 32 {
		return x402.VerifyResponse{
			IsValid:       false,
			InvalidReason: "invalid_authorization_nonce",
			Payer:         evmPayload.Authorization.From,
		}, nil
	}

	networkStr := string(requirements.Network)
	config, err := GetNetworkConfig(networkStr)
	if err != nil {
		return x402.VerifyResponse{}, err
	}
	assetInfo, err := GetAssetInfo(networkStr, requirements.Asset)
	if err != nil {
		return x402.VerifyResponse{}, err
	}

	if !strings.EqualFold(evmPayload.Authorization.To, requirements.PayTo) {
		return x402.VerifyResponse{
			IsValid:       false,
			InvalidReason: "recipient_mismatch",
			Payer:         evmPayload.Authorization.From,
		}, nil
	}

	authValue, ok := new(big.Int).SetString(evmPayload.Authorization.Value, 10)
	if !ok {
		return x402.VerifyResponse{IsValid: false, InvalidReason: "invalid_authorization_value"}, nil
	}
	requiredValue, ok := new(big.Int).SetString(requirements.MaxAmountRequired, 10)
	if !ok {
		return x402.VerifyResponse{
			IsValid:       false,
			InvalidReason: fmt.Sprintf("invalid required amount: %s", requirements.MaxAmountRequired),
		}, nil
	}
	if authValue.Cmp(requiredValue) < 0 {
		return x402.VerifyResponse{
			IsValid:       false,
			InvalidReason: "insufficient_amount",
			Payer:         evmPayload.Authorization.From,
		}, nil
	}

	nonceUsed, err := f.checkNonceUsed(ctx, evmPayload.Authorization.From, evmPayload.Authorization.Nonce, assetInfo.Address)
	if err != nil {
		return x402.VerifyResponse{}, fmt.Errorf("failed to check nonce: %w", err)
	}
	if nonceUsed {
		return x402.VerifyResponse{
			IsValid:       false,
			InvalidReason: "nonce_already_used",
			Payer:         evmPayload.Authorization.From,
		}, nil
	}

	balance, err := f.signer.GetBalance(ctx, evmPayload.Authorization.From, assetInfo.Address)
	if err != nil {
		return x402.VerifyResponse{}, fmt.Errorf("failed to get balance: %w", err)
	}
	if balance.Cmp(authValue) < 0 {
		return x402.VerifyResponse{
			IsValid:       false,
			InvalidReason: x402.ReasonInsufficientFunds,
			Payer:         evmPayload.Authorization.From,
		}, nil
	}

	tokenName := assetInfo.Name
	tokenVersion := assetInfo.Version
	if requirements.Extra != nil {
		if name, ok := requirements.Extra["name"].(string); ok {
			tokenName = name
		}
		if version, ok := requirements.Extra["version"].(string); ok {
			tokenVersion = version
		}
	}

	signatureBytes, err := HexToBytes(evmPayload.Signature)
	if err != nil {
		return x402.VerifyResponse{
			IsValid:       false,
			InvalidReason: "invalid_signature_format",
			Payer:         evmPayload.Authorization.From,
		}, nil
	}

	valid, err := f.verifySignature(evmPayload.Authorization, signatureBytes, config.ChainID, assetInfo.Address, tokenName, tokenVersion)
	if err != nil {
		return x402.VerifyResponse{}, fmt.Errorf("failed to verify signature: %w", err)
	}
	if !valid {
		return x402.VerifyResponse{
			IsValid:       false,
			InvalidReason: x402.ReasonInvalidSignature,
			Payer:         evmPayload.Authorization.From,
		}, nil
	}

	return x402.VerifyResponse{IsValid: true, Payer: evmPayload.Authorization.From}, nil
}

// Settle submits the transferWithAuthorization transaction on-chain
func (f *ExactEvmFacilitator) Settle(
	ctx context.Context,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
) (x402.SettleResponse, error) {
	verifyResp, err := f.Verify(ctx, payload, requirements)
	if err != nil {
		return x402.SettleResponse{}, err
	}
	if !verifyResp.IsValid {
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: verifyResp.InvalidReason,
			Payer:       verifyResp.Payer,
			Network:     payload.Network,
		}, nil
	}

	evmPayload, err := PayloadFromMap(payload.Payload)
	if err != nil {
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: fmt.Sprintf("invalid payload: %v", err),
		}, nil
	}

	networkStr := string(requirements.Network)
	assetInfo, err := GetAssetInfo(networkStr, requirements.Asset)
	if err != nil {
		return x402.SettleResponse{}, err
	}

	signatureBytes, err := HexToBytes(evmPayload.Signature)
	if err != nil || len(signatureBytes) != 65 {
		return x402.SettleResponse{Success: false, ErrorReason: "invalid_signature_format"}, nil
	}

	r := signatureBytes[0:32]
	s := signatureBytes[32:64]
	v := signatureBytes[64]

	value, _ := new(big.Int).SetString(evmPayload.Authorization.Value, 10)
	validAfter, _ := new(big.Int).SetString(evmPayload.Authorization.ValidAfter, 10)
	validBefore, _ := new(big.Int).SetString(evmPayload.Authorization.ValidBefore, 10)
	nonceBytes, _ := HexToBytes(evmPayload.Authorization.Nonce)

	txHash, err := f.signer.WriteContract(
		ctx,
		assetInfo.Address,
		TransferWithAuthorizationABI,
		FunctionTransferWithAuthorization,
		evmPayload.Authorization.From,
		evmPayload.Authorization.To,
		value,
		validAfter,
		validBefore,
		[32]byte(nonceBytes),
		v,
		[32]byte(r),
		[32]byte(s),
	)
	if err != nil {
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: fmt.Sprintf("failed to execute transfer: %v", err),
			Payer:       evmPayload.Authorization.From,
			Network:     payload.Network,
		}, nil
	}

	receipt, err := f.signer.WaitForTransactionReceipt(ctx, txHash)
	if err != nil {
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: fmt.Sprintf("failed to get receipt: %v", err),
			Transaction: txHash,
			Network:     payload.Network,
		}, nil
	}
	if receipt.Status != TxStatusSuccess {
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: "transaction_failed",
			Transaction: txHash,
			Network:     payload.Network,
		}, nil
	}

	return x402.SettleResponse{
		Success:     true,
		Transaction: txHash,
		Network:     payload.Network,
		Payer:       evmPayload.Authorization.From,
	}, nil
}

func (f *ExactEvmFacilitator) checkNonceUsed(ctx context.Context, from, nonce, tokenAddress string) (bool, error) {
	nonceBytes, err := HexToBytes(nonce)
	if err != nil {
		return false, err
	}
	if len(nonceBytes) != 32 {
		return false, fmt.Errorf("authorization nonce must be 32 bytes")
	}

	result, err := f.signer.ReadContract(
		ctx,
		tokenAddress,
		TransferWithAuthorizationABI,
		FunctionAuthorizationState,
		from,
		[32]byte(nonceBytes),
	)
	if err != nil {
		return false, err
	}

	used, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("unexpected result type from authorizationState")
	}
	return used, nil
}

func (f *ExactEvmFacilitator) verifySignature(
	authorization ExactEIP3009Authorization,
	signature []byte,
	chainID *big.Int,
	verifyingContract string,
	tokenName string,
	tokenVersion string,
) (bool, error) {
	domain := TypedDataDomain{
		Name:              tokenName,
		Version:           tokenVersion,
		ChainID:           chainID,
		VerifyingContract: verifyingContract,
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

	value, _ := new(big.Int).SetString(authorization.Value, 10)
	validAfter, _ := new(big.Int).SetString(authorization.ValidAfter, 10)
	validBefore, _ := new(big.Int).SetString(authorization.ValidBefore, 10)
	nonceBytes, _ := HexToBytes(authorization.Nonce)

	message := map[string]interface{}{
		"from":        authorization.From,
		"to":          authorization.To,
		"value":       value,
		"validAfter":  validAfter,
		"validBefore": validBefore,
		"nonce":       nonceBytes,
	}

	return VerifyTypedDataSignature(authorization.From, domain, types, "TransferWithAuthorization", message, signature)
}
