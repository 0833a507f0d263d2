// Package deferred implements the deferred payment scheme on EVM networks:
// escrow-backed vouchers that accumulate value across requests and settle
// on-chain in one transaction.
//
// A voucher id identifies a series. Each aggregation produces a new nonce
// within the series; within a series nonces are strictly increasing and
// valueAggregate never decreases. Exactly one voucher per series is
// "available" (latest, unsettled) at any time, and a settled voucher is
// terminal.
package deferred

import (
	"encoding/json"
	"fmt"
)

const (
	// Scheme is the deferred scheme identifier
	Scheme = "deferred"

	// VoucherExpirySeconds is how long a freshly minted or aggregated
	// voucher remains valid (30 days)
	VoucherExpirySeconds = 60 * 60 * 24 * 30

	// Requirements extra discriminators
	ExtraTypeNew         = "new"
	ExtraTypeAggregation = "aggregation"
)

// Voucher is a signed, escrow-backed claim representing accumulated payment
// owed by a buyer to a seller. Wire format matches the escrow contract's
// EIP-712 Voucher struct.
type Voucher struct {
	ID             string `json:"id"` // 0x-prefixed 32-byte series id
	Buyer          string `json:"buyer"`
	Seller         string `json:"seller"`
	ValueAggregate string `json:"valueAggregate"` // decimal string, smallest unit
	Asset          string `json:"asset"`
	Timestamp      int64  `json:"timestamp"` // unix seconds at creation
	Nonce          uint64 `json:"nonce"`     // position within the series, 0-based
	Escrow         string `json:"escrow"`
	ChainID        uint64 `json:"chainId"`
	Expiry         int64  `json:"expiry"` // unix seconds
}

// Payload is the deferred-scheme payment payload: a voucher, the buyer's
// EIP-712 signature over it, and (for the first voucher of a series only)
// a one-time deposit authorization funding the escrow.
type Payload struct {
	Signature            string                `json:"signature"`
	Voucher              Voucher               `json:"voucher"`
	DepositAuthorization *DepositAuthorization `json:"depositAuthorization,omitempty"`
}

// DepositAuthorization authorizes the initial escrow deposit tied to a
// series' first voucher. Absent on subsequent aggregations.
type DepositAuthorization struct {
	Buyer       string `json:"buyer"`
	Asset       string `json:"asset"`
	Escrow      string `json:"escrow"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"` // 0x-prefixed 32-byte EIP-3009 nonce
	Signature   string `json:"signature"`
}

// FlushAuthorization is a buyer-issued artifact authorizing forced
// settlement of the buyer's current escrow balance without a fresh voucher.
// It carries its own nonce space, independent of voucher nonces.
type FlushAuthorization struct {
	Buyer     string `json:"buyer"`
	Seller    string `json:"seller,omitempty"` // empty: all sellers
	Asset     string `json:"asset,omitempty"`  // empty: all assets
	Nonce     uint64 `json:"nonce"`
	Expiry    int64  `json:"expiry"` // unix seconds, absolute
	Signature string `json:"signature"`
}

// ToMap converts the payload to the generic payment payload map form
func (p Payload) ToMap() (map[string]interface{}, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// PayloadFromMap converts the generic payment payload map into a Payload
func PayloadFromMap(m map[string]interface{}) (*Payload, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// RequirementsExtra is the scheme-specific context carried in payment
// requirements: either "mint a new voucher" or "aggregate onto an existing
// one". A closed union so downstream code cannot read fields from the wrong
// variant.
type RequirementsExtra interface {
	ExtraType() string
	ToMap() map[string]interface{}
}

// NewVoucherExtra instructs the payer to mint the first voucher of a fresh
// series with the given id against the given escrow.
type NewVoucherExtra struct {
	VoucherID string
	Escrow    string
}

func (e NewVoucherExtra) ExtraType() string { return ExtraTypeNew }

func (e NewVoucherExtra) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"type": ExtraTypeNew,
		"voucher": map[string]interface{}{
			"id":     e.VoucherID,
			"escrow": e.Escrow,
		},
	}
}

// AggregationExtra instructs the payer to extend an existing voucher. The
// base voucher and its signature are echoed back so the payer can validate
// what it is extending.
type AggregationExtra struct {
	Voucher   Voucher
	Signature string
}

func (e AggregationExtra) ExtraType() string { return ExtraTypeAggregation }

func (e AggregationExtra) ToMap() map[string]interface{} {
	raw, _ := json.Marshal(e.Voucher)
	var voucherMap map[string]interface{}
	_ = json.Unmarshal(raw, &voucherMap)
	return map[string]interface{}{
		"type":      ExtraTypeAggregation,
		"signature": e.Signature,
		"voucher":   voucherMap,
	}
}

// ParseRequirementsExtra decodes the requirements extra map into its variant
func ParseRequirementsExtra(extra map[string]interface{}) (RequirementsExtra, error) {
	if extra == nil {
		return nil, fmt.Errorf("requirements extra is required for the deferred scheme")
	}
	extraType, _ := extra["type"].(string)

	switch extraType {
	case ExtraTypeNew:
		voucherMap, ok := extra["voucher"].(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("new voucher extra missing voucher")
		}
		id, _ := voucherMap["id"].(string)
		escrow, _ := voucherMap["escrow"].(string)
		if id == "" || escrow == "" {
			return nil, fmt.Errorf("new voucher extra requires id and escrow")
		}
		return NewVoucherExtra{VoucherID: id, Escrow: escrow}, nil

	case ExtraTypeAggregation:
		signature, _ := extra["signature"].(string)
		voucherMap, ok := extra["voucher"].(map[string]interface{})
		if !ok || signature == "" {
			return nil, fmt.Errorf("aggregation extra requires voucher and signature")
		}
		raw, err := json.Marshal(voucherMap)
		if err != nil {
			return nil, err
		}
		var voucher Voucher
		if err := json.Unmarshal(raw, &voucher); err != nil {
			return nil, fmt.Errorf("invalid aggregation voucher: %w", err)
		}
		return AggregationExtra{Voucher: voucher, Signature: signature}, nil

	default:
		return nil, fmt.Errorf("unknown voucher extra type: %q", extraType)
	}
}
