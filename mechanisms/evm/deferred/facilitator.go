package deferred

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	x402 "github.com/x402-foundation/x402-facilitator"
)

var deferredPayloadSchema = []byte(`{
  "type": "object",
  "required": ["signature", "voucher"],
  "properties": {
    "signature": {"type": "string"},
    "voucher": {
      "type": "object",
      "required": ["id", "buyer", "seller", "valueAggregate", "asset", "timestamp", "nonce", "escrow", "chainId", "expiry"],
      "properties": {
        "id": {"type": "string"},
        "buyer": {"type": "string"},
        "seller": {"type": "string"},
        "valueAggregate": {"type": "string"},
        "asset": {"type": "string"},
        "timestamp": {"type": "integer"},
        "nonce": {"type": "integer"},
        "escrow": {"type": "string"},
        "chainId": {"type": "integer"},
        "expiry": {"type": "integer"}
      }
    },
    "depositAuthorization": {"type": "object"}
  }
}`)

// DeferredEvmFacilitator implements the deferred scheme on EVM networks.
// Verify is purely local (signature and store state); Settle records the
// voucher off-chain and only touches the chain for the first-voucher escrow
// deposit. On-chain value movement happens later through the
// EscrowController's settle and flush paths.
type DeferredEvmFacilitator struct {
	manager *Manager
	escrow  *EscrowController
}

// NewDeferredEvmFacilitator creates a deferred facilitator over the given
// lifecycle manager. escrow may be nil when the facilitator only verifies
// and records vouchers without executing deposits.
func NewDeferredEvmFacilitator(manager *Manager, escrow *EscrowController) *DeferredEvmFacilitator {
	return &DeferredEvmFacilitator{manager: manager, escrow: escrow}
}

func (f *DeferredEvmFacilitator) Scheme() string {
	return Scheme
}

func (f *DeferredEvmFacilitator) CaipFamily() string {
	return "eip155:*"
}

func (f *DeferredEvmFacilitator) GetExtra(network x402.Network) map[string]interface{} {
	return nil
}

// PayloadSchema exposes the deferred payload shape for dispatcher validation
func (f *DeferredEvmFacilitator) PayloadSchema() []byte {
	return deferredPayloadSchema
}

// ExtractPayer recovers the buyer address from an unverified payload
func (f *DeferredEvmFacilitator) ExtractPayer(payload x402.PaymentPayload) string {
	deferredPayload, err := PayloadFromMap(payload.Payload)
	if err != nil {
		return ""
	}
	return deferredPayload.Voucher.Buyer
}

// Verify checks the voucher against requirements and the stored series tip
// without mutating anything. A voucher that passes Verify can still lose a
// race to a concurrent store; Settle re-validates inside the critical
// section.
func (f *DeferredEvmFacilitator) Verify(
	ctx context.Context,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
) (x402.VerifyResponse, error) {
	if payload.Scheme != Scheme {
		return x402.VerifyResponse{IsValid: false, InvalidReason: x402.ReasonInvalidScheme}, nil
	}
	if payload.Network != requirements.Network {
		return x402.VerifyResponse{IsValid: false, InvalidReason: "network_mismatch"}, nil
	}
	if f.manager == nil {
		return x402.VerifyResponse{IsValid: false, InvalidReason: x402.ReasonMissingSchemeContext}, nil
	}

	deferredPayload, err := PayloadFromMap(payload.Payload)
	if err != nil {
		return x402.VerifyResponse{
			IsValid:       false,
			InvalidReason: x402.ReasonMalformedPayload,
		}, nil
	}
	v := deferredPayload.Voucher
	buyer := v.Buyer

	chainID, err := x402.ChainID(requirements.Network)
	if err != nil {
		return x402.VerifyResponse{IsValid: false, InvalidReason: x402.ReasonInvalidNetwork, Payer: buyer}, nil
	}
	if v.ChainID != chainID {
		return x402.VerifyResponse{IsValid: false, InvalidReason: "chain_id_mismatch", Payer: buyer}, nil
	}
	if !strings.EqualFold(v.Seller, requirements.PayTo) {
		return x402.VerifyResponse{IsValid: false, InvalidReason: "recipient_mismatch", Payer: buyer}, nil
	}
	if !strings.EqualFold(v.Asset, requirements.Asset) {
		return x402.VerifyResponse{IsValid: false, InvalidReason: "asset_mismatch", Payer: buyer}, nil
	}

	now := time.Now().Unix()
	if v.Expiry <= now {
		return x402.VerifyResponse{IsValid: false, InvalidReason: "voucher_expired", Payer: buyer}, nil
	}
	if v.Timestamp > now+timestampSlackSeconds {
		return x402.VerifyResponse{IsValid: false, InvalidReason: "voucher_timestamp_in_future", Payer: buyer}, nil
	}

	// Requirements extra binds the voucher to the series the seller asked
	// for: a fresh series id, or an existing voucher to extend.
	if requirements.Extra == nil {
		return x402.VerifyResponse{IsValid: false, InvalidReason: x402.ReasonMissingSchemeContext, Payer: buyer}, nil
	}
	extra, err := ParseRequirementsExtra(requirements.Extra)
	if err != nil {
		return x402.VerifyResponse{IsValid: false, InvalidReason: x402.ReasonMissingSchemeContext, Payer: buyer}, nil
	}
	switch e := extra.(type) {
	case NewVoucherExtra:
		if !strings.EqualFold(v.ID, e.VoucherID) {
			return x402.VerifyResponse{IsValid: false, InvalidReason: "voucher_id_mismatch", Payer: buyer}, nil
		}
		if !strings.EqualFold(v.Escrow, e.Escrow) {
			return x402.VerifyResponse{IsValid: false, InvalidReason: "escrow_mismatch", Payer: buyer}, nil
		}
		if v.Nonce != 0 {
			return x402.VerifyResponse{IsValid: false, InvalidReason: "new_series_nonce_must_be_zero", Payer: buyer}, nil
		}
	case AggregationExtra:
		if !strings.EqualFold(v.ID, e.Voucher.ID) {
			return x402.VerifyResponse{IsValid: false, InvalidReason: "voucher_id_mismatch", Payer: buyer}, nil
		}
		if !strings.EqualFold(v.Escrow, e.Voucher.Escrow) {
			return x402.VerifyResponse{IsValid: false, InvalidReason: "escrow_mismatch", Payer: buyer}, nil
		}
	}

	valid, err := VerifyVoucherSignature(v, deferredPayload.Signature, buyer)
	if err != nil || !valid {
		return x402.VerifyResponse{IsValid: false, InvalidReason: x402.ReasonInvalidSignature, Payer: buyer}, nil
	}

	// The increment over the stored tip must cover the charge. For a new
	// series the whole aggregate is the increment.
	value, ok := new(big.Int).SetString(v.ValueAggregate, 10)
	if !ok {
		return x402.VerifyResponse{IsValid: false, InvalidReason: "invalid_value_aggregate", Payer: buyer}, nil
	}
	required, ok := new(big.Int).SetString(requirements.MaxAmountRequired, 10)
	if !ok {
		return x402.VerifyResponse{
			IsValid:       false,
			InvalidReason: fmt.Sprintf("invalid required amount: %s", requirements.MaxAmountRequired),
		}, nil
	}

	tip, err := f.manager.GetAvailableVoucher(ctx, v.Buyer, v.Seller)
	if err != nil {
		return x402.VerifyResponse{}, fmt.Errorf("failed to look up series tip: %w", err)
	}
	if err := validateAgainstTip(v, tip); err != nil {
		return x402.VerifyResponse{IsValid: false, InvalidReason: err.Error(), Payer: buyer}, nil
	}

	increment := new(big.Int).Set(value)
	if tip != nil {
		tipValue, ok := new(big.Int).SetString(tip.Voucher.ValueAggregate, 10)
		if !ok {
			return x402.VerifyResponse{}, fmt.Errorf("stored voucher has invalid aggregate: %s", tip.Voucher.ValueAggregate)
		}
		increment.Sub(increment, tipValue)
	}
	if increment.Cmp(required) < 0 {
		return x402.VerifyResponse{IsValid: false, InvalidReason: "insufficient_amount", Payer: buyer}, nil
	}

	if v.Nonce == 0 && deferredPayload.DepositAuthorization != nil {
		auth := *deferredPayload.DepositAuthorization
		if !strings.EqualFold(auth.Buyer, v.Buyer) ||
			!strings.EqualFold(auth.Asset, v.Asset) ||
			!strings.EqualFold(auth.Escrow, v.Escrow) {
			return x402.VerifyResponse{IsValid: false, InvalidReason: "deposit_authorization_mismatch", Payer: buyer}, nil
		}
		depositValid, err := VerifyDepositSignature(auth, v.ChainID)
		if err != nil || !depositValid {
			return x402.VerifyResponse{IsValid: false, InvalidReason: "invalid_deposit_authorization", Payer: buyer}, nil
		}
	}

	return x402.VerifyResponse{IsValid: true, Payer: buyer}, nil
}

// Settle records the voucher as the new series tip. No value moves on-chain
// here except the one-time escrow deposit accompanying a series' first
// voucher; accumulated value is realized later by SettleVoucher or a flush.
func (f *DeferredEvmFacilitator) Settle(
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

	deferredPayload, err := PayloadFromMap(payload.Payload)
	if err != nil {
		return x402.SettleResponse{Success: false, ErrorReason: x402.ReasonMalformedPayload}, nil
	}
	v := deferredPayload.Voucher

	// The one-time deposit runs before the voucher is admitted to the
	// store: a failed chain call must leave no durable state, and a stored
	// nonce-0 voucher with no funded escrow would block every retry of the
	// series at the stale-nonce check.
	transaction := ""
	if v.Nonce == 0 && deferredPayload.DepositAuthorization != nil {
		if f.escrow == nil {
			return x402.SettleResponse{
				Success:     false,
				ErrorReason: "deposit requested but no escrow signer configured",
				Payer:       v.Buyer,
				Network:     payload.Network,
			}, nil
		}
		// Verify already validated the authorization in-process.
		result, err := f.escrow.DepositWithAuthorization(ctx, v, *deferredPayload.DepositAuthorization, false)
		if err != nil {
			return x402.SettleResponse{}, err
		}
		if !result.Success {
			return x402.SettleResponse{
				Success:     false,
				ErrorReason: result.ErrorReason,
				Transaction: result.Transaction,
				Payer:       v.Buyer,
				Network:     payload.Network,
			}, nil
		}
		transaction = result.Transaction
	}

	if err := f.manager.StoreVoucher(ctx, v, deferredPayload.Signature); err != nil {
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: err.Error(),
			Payer:       v.Buyer,
			Network:     payload.Network,
		}, nil
	}

	return x402.SettleResponse{
		Success:     true,
		Transaction: transaction,
		Network:     payload.Network,
		Payer:       v.Buyer,
	}, nil
}

var _ x402.SchemeNetworkFacilitator = (*DeferredEvmFacilitator)(nil)
var _ x402.PayloadSchemaProvider = (*DeferredEvmFacilitator)(nil)
var _ x402.PayerExtractor = (*DeferredEvmFacilitator)(nil)
