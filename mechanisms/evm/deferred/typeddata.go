package deferred

import (
	"context"
	"fmt"
	"math/big"

	"github.com/x402-foundation/x402-facilitator/mechanisms/evm"
)

// EIP-712 domain of the escrow contract. Every voucher, deposit and flush
// signature is bound to a specific escrow instance through the
// verifyingContract field.
const (
	escrowDomainName    = "DeferredPaymentEscrow"
	escrowDomainVersion = "1"
)

var voucherTypes = map[string][]evm.TypedDataField{
	"Voucher": {
		{Name: "id", Type: "bytes32"},
		{Name: "buyer", Type: "address"},
		{Name: "seller", Type: "address"},
		{Name: "valueAggregate", Type: "uint256"},
		{Name: "asset", Type: "address"},
		{Name: "timestamp", Type: "uint64"},
		{Name: "nonce", Type: "uint256"},
		{Name: "escrow", Type: "address"},
		{Name: "chainId", Type: "uint256"},
		{Name: "expiry", Type: "uint64"},
	},
}

var flushTypes = map[string][]evm.TypedDataField{
	"FlushAuthorization": {
		{Name: "buyer", Type: "address"},
		{Name: "seller", Type: "address"},
		{Name: "asset", Type: "address"},
		{Name: "nonce", Type: "uint256"},
		{Name: "expiry", Type: "uint64"},
	},
}

var depositTypes = map[string][]evm.TypedDataField{
	"DepositAuthorization": {
		{Name: "buyer", Type: "address"},
		{Name: "asset", Type: "address"},
		{Name: "escrow", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

func escrowDomain(escrow string, chainID uint64) evm.TypedDataDomain {
	return evm.TypedDataDomain{
		Name:              escrowDomainName,
		Version:           escrowDomainVersion,
		ChainID:           new(big.Int).SetUint64(chainID),
		VerifyingContract: escrow,
	}
}

func voucherMessage(v Voucher) (map[string]interface{}, error) {
	idBytes, err := evm.HexToBytes(v.ID)
	if err != nil || len(idBytes) != 32 {
		return nil, fmt.Errorf("voucher id must be 32 bytes: %s", v.ID)
	}
	valueAggregate, ok := new(big.Int).SetString(v.ValueAggregate, 10)
	if !ok {
		return nil, fmt.Errorf("invalid valueAggregate: %s", v.ValueAggregate)
	}
	return map[string]interface{}{
		"id":             idBytes,
		"buyer":          v.Buyer,
		"seller":         v.Seller,
		"valueAggregate": valueAggregate,
		"asset":          v.Asset,
		"timestamp":      new(big.Int).SetInt64(v.Timestamp),
		"nonce":          new(big.Int).SetUint64(v.Nonce),
		"escrow":         v.Escrow,
		"chainId":        new(big.Int).SetUint64(v.ChainID),
		"expiry":         new(big.Int).SetInt64(v.Expiry),
	}, nil
}

// SignVoucher signs a voucher with the buyer's key
func SignVoucher(ctx context.Context, signer evm.TypedDataSigner, v Voucher) (string, error) {
	message, err := voucherMessage(v)
	if err != nil {
		return "", err
	}
	signature, err := signer.SignTypedData(ctx, escrowDomain(v.Escrow, v.ChainID), voucherTypes, "Voucher", message)
	if err != nil {
		return "", fmt.Errorf("failed to sign voucher: %w", err)
	}
	return evm.BytesToHex(signature), nil
}

// VerifyVoucherSignature checks that signature over the voucher was produced
// by expectedSigner (the buyer).
func VerifyVoucherSignature(v Voucher, signature, expectedSigner string) (bool, error) {
	message, err := voucherMessage(v)
	if err != nil {
		return false, err
	}
	signatureBytes, err := evm.HexToBytes(signature)
	if err != nil {
		return false, fmt.Errorf("invalid signature format: %w", err)
	}
	return evm.VerifyTypedDataSignature(
		expectedSigner,
		escrowDomain(v.Escrow, v.ChainID),
		voucherTypes,
		"Voucher",
		message,
		signatureBytes,
	)
}

func flushMessage(auth FlushAuthorization) map[string]interface{} {
	seller := auth.Seller
	if seller == "" {
		seller = zeroAddress
	}
	asset := auth.Asset
	if asset == "" {
		asset = zeroAddress
	}
	return map[string]interface{}{
		"buyer":  auth.Buyer,
		"seller": seller,
		"asset":  asset,
		"nonce":  new(big.Int).SetUint64(auth.Nonce),
		"expiry": new(big.Int).SetInt64(auth.Expiry),
	}
}

// SignFlushAuthorization signs a flush authorization with the buyer's key
func SignFlushAuthorization(ctx context.Context, signer evm.TypedDataSigner, auth FlushAuthorization, escrow string, chainID uint64) (string, error) {
	signature, err := signer.SignTypedData(ctx, escrowDomain(escrow, chainID), flushTypes, "FlushAuthorization", flushMessage(auth))
	if err != nil {
		return "", fmt.Errorf("failed to sign flush authorization: %w", err)
	}
	return evm.BytesToHex(signature), nil
}

// VerifyFlushSignature checks the flush authorization was signed by its buyer
func VerifyFlushSignature(auth FlushAuthorization, escrow string, chainID uint64) (bool, error) {
	signatureBytes, err := evm.HexToBytes(auth.Signature)
	if err != nil {
		return false, fmt.Errorf("invalid signature format: %w", err)
	}
	return evm.VerifyTypedDataSignature(
		auth.Buyer,
		escrowDomain(escrow, chainID),
		flushTypes,
		"FlushAuthorization",
		flushMessage(auth),
		signatureBytes,
	)
}

func depositMessage(auth DepositAuthorization) (map[string]interface{}, error) {
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid deposit value: %s", auth.Value)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validAfter: %s", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validBefore: %s", auth.ValidBefore)
	}
	nonceBytes, err := evm.HexToBytes(auth.Nonce)
	if err != nil || len(nonceBytes) != 32 {
		return nil, fmt.Errorf("deposit nonce must be 32 bytes")
	}
	return map[string]interface{}{
		"buyer":       auth.Buyer,
		"asset":       auth.Asset,
		"escrow":      auth.Escrow,
		"value":       value,
		"validAfter":  validAfter,
		"validBefore": validBefore,
		"nonce":       nonceBytes,
	}, nil
}

// VerifyDepositSignature checks the deposit authorization was signed by its buyer
func VerifyDepositSignature(auth DepositAuthorization, chainID uint64) (bool, error) {
	message, err := depositMessage(auth)
	if err != nil {
		return false, err
	}
	signatureBytes, err := evm.HexToBytes(auth.Signature)
	if err != nil {
		return false, fmt.Errorf("invalid signature format: %w", err)
	}
	return evm.VerifyTypedDataSignature(
		auth.Buyer,
		escrowDomain(auth.Escrow, chainID),
		depositTypes,
		"DepositAuthorization",
		message,
		signatureBytes,
	)
}

const zeroAddress = "0x0000000000000000000000000000000000000000"
