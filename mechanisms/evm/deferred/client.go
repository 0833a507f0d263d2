package deferred

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/x402-foundation/x402-facilitator"
	"github.com/x402-foundation/x402-facilitator/mechanisms/evm"
)

// DeferredEvmClient creates deferred payment payloads on the payer side.
// The requirements extra tells it whether to mint a new voucher or extend
// an existing one; either way the voucher is signed over the escrow's
// EIP-712 domain.
type DeferredEvmClient struct {
	signer evm.TypedDataSigner
}

// NewDeferredEvmClient creates a client-side deferred mechanism
func NewDeferredEvmClient(signer evm.TypedDataSigner) *DeferredEvmClient {
	return &DeferredEvmClient{signer: signer}
}

func (c *DeferredEvmClient) Scheme() string {
	return Scheme
}

// CreatePaymentPayload builds and signs the voucher demanded by the requirements
func (c *DeferredEvmClient) CreatePaymentPayload(
	ctx context.Context,
	requirements x402.PaymentRequirements,
) (x402.PaymentPayload, error) {
	voucher, err := VoucherFromRequirements(c.signer.Address(), requirements)
	if err != nil {
		return x402.PaymentPayload{}, err
	}

	signature, err := SignVoucher(ctx, c.signer, voucher)
	if err != nil {
		return x402.PaymentPayload{}, err
	}

	raw, err := json.Marshal(Payload{Signature: signature, Voucher: voucher})
	if err != nil {
		return x402.PaymentPayload{}, err
	}
	var payloadMap map[string]interface{}
	if err := json.Unmarshal(raw, &payloadMap); err != nil {
		return x402.PaymentPayload{}, err
	}

	return x402.PaymentPayload{
		X402Version: 1,
		Scheme:      Scheme,
		Network:     requirements.Network,
		Payload:     payloadMap,
	}, nil
}

// VoucherFromRequirements builds the unsigned voucher a payer must sign for
// the given requirements, minting or aggregating per the extra variant.
func VoucherFromRequirements(buyer string, requirements x402.PaymentRequirements) (Voucher, error) {
	extra, err := ParseRequirementsExtra(requirements.Extra)
	if err != nil {
		return Voucher{}, err
	}

	switch e := extra.(type) {
	case NewVoucherExtra:
		return newVoucher(buyer, requirements, e)
	case AggregationExtra:
		return aggregateVoucher(buyer, requirements, e)
	default:
		return Voucher{}, fmt.Errorf("unknown voucher extra type: %q", extra.ExtraType())
	}
}

func newVoucher(buyer string, requirements x402.PaymentRequirements, extra NewVoucherExtra) (Voucher, error) {
	chainID, err := x402.ChainID(requirements.Network)
	if err != nil {
		return Voucher{}, err
	}

	now := time.Now().Unix()
	return Voucher{
		ID:             extra.VoucherID,
		Buyer:          common.HexToAddress(buyer).Hex(),
		Seller:         common.HexToAddress(requirements.PayTo).Hex(),
		ValueAggregate: requirements.MaxAmountRequired,
		Asset:          common.HexToAddress(requirements.Asset).Hex(),
		Timestamp:      now,
		Nonce:          0,
		Escrow:         common.HexToAddress(extra.Escrow).Hex(),
		ChainID:        chainID,
		Expiry:         now + VoucherExpirySeconds,
	}, nil
}

func aggregateVoucher(buyer string, requirements x402.PaymentRequirements, extra AggregationExtra) (Voucher, error) {
	base := extra.Voucher
	now := time.Now().Unix()

	// The base voucher must match what the requirements demand: a payer
	// extending the wrong series would sign value away to the wrong seller.
	if !strings.EqualFold(requirements.PayTo, base.Seller) {
		return Voucher{}, fmt.Errorf("invalid voucher seller")
	}
	if !strings.EqualFold(requirements.Asset, base.Asset) {
		return Voucher{}, fmt.Errorf("invalid voucher asset")
	}
	chainID, err := x402.ChainID(requirements.Network)
	if err != nil {
		return Voucher{}, err
	}
	if chainID != base.ChainID {
		return Voucher{}, fmt.Errorf("invalid voucher chainId")
	}
	if now > base.Expiry {
		return Voucher{}, fmt.Errorf("voucher expired")
	}
	if now < base.Timestamp {
		return Voucher{}, fmt.Errorf("voucher timestamp is in the future")
	}

	valid, err := VerifyVoucherSignature(base, extra.Signature, buyer)
	if err != nil {
		return Voucher{}, err
	}
	if !valid {
		return Voucher{}, fmt.Errorf("invalid voucher signature")
	}

	required, ok := new(big.Int).SetString(requirements.MaxAmountRequired, 10)
	if !ok {
		return Voucher{}, fmt.Errorf("invalid required amount: %s", requirements.MaxAmountRequired)
	}
	baseValue, ok := new(big.Int).SetString(base.ValueAggregate, 10)
	if !ok {
		return Voucher{}, fmt.Errorf("invalid base valueAggregate: %s", base.ValueAggregate)
	}

	return Voucher{
		ID:             base.ID,
		Buyer:          common.HexToAddress(buyer).Hex(),
		Seller:         base.Seller,
		ValueAggregate: new(big.Int).Add(baseValue, required).String(),
		Asset:          base.Asset,
		Timestamp:      now,
		Nonce:          base.Nonce + 1,
		Escrow:         base.Escrow,
		ChainID:        base.ChainID,
		Expiry:         now + VoucherExpirySeconds,
	}, nil
}

// EncodePayment encodes a payment payload into the base64 X-PAYMENT header value
func EncodePayment(payload x402.PaymentPayload) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePayment decodes a base64 X-PAYMENT header into the deferred payload
// it carries. Fails when the header is not a deferred payment.
func DecodePayment(header string) (*Payload, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("invalid payment header encoding: %w", err)
	}
	var payment x402.PaymentPayload
	if err := json.Unmarshal(raw, &payment); err != nil {
		return nil, fmt.Errorf("invalid payment header: %w", err)
	}
	if payment.Scheme != Scheme {
		return nil, fmt.Errorf("payment header scheme is %q, not %q", payment.Scheme, Scheme)
	}
	return PayloadFromMap(payment.Payload)
}
