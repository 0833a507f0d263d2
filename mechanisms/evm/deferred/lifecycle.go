package deferred

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Manager is the voucher lifecycle manager: it decides between minting a
// new series and aggregating onto an existing one, and guards every write
// with the shared tip validation. The store is an injected capability so a
// resource server can supply its own backing; the facilitator's HTTP surface
// defaults to the facilitator's store.
type Manager struct {
	store VoucherStore
}

// NewManager creates a lifecycle manager over the given store
func NewManager(store VoucherStore) *Manager {
	return &Manager{store: store}
}

// Store exposes the underlying voucher store
func (m *Manager) Store() VoucherStore {
	return m.store
}

// GenerateVoucherID produces a collision-resistant 32-byte series id. It is
// random rather than derived from buyer/seller so series ids are unguessable.
func GenerateVoucherID() (string, error) {
	var id [32]byte
	if _, err := rand.Read(id[:]); err != nil {
		return "", fmt.Errorf("failed to generate voucher id: %w", err)
	}
	return "0x" + hex.EncodeToString(id[:]), nil
}

// GetAvailableVoucher returns the latest unsettled voucher for the pair, or nil
func (m *Manager) GetAvailableVoucher(ctx context.Context, buyer, seller string) (*StoredVoucher, error) {
	return m.store.GetAvailableVoucher(ctx, buyer, seller)
}

// GetVoucherSeries returns the series ordered by nonce ascending
func (m *Manager) GetVoucherSeries(ctx context.Context, id string) ([]StoredVoucher, error) {
	return m.store.GetVoucherSeries(ctx, id)
}

// GetVoucher returns one voucher of a series, or nil when absent
func (m *Manager) GetVoucher(ctx context.Context, id string, nonce uint64) (*StoredVoucher, error) {
	return m.store.GetVoucher(ctx, id, nonce)
}

// StoreVoucher validates a signed voucher and appends it to its series.
// This is the single enforcement path: requirements issuance tells the payer
// which voucher to extend, but is never trusted — the same invariants are
// re-checked here on the receiving side.
//
// Checks, in order: well-formed and buyer-matching signature, expiry,
// timestamp sanity, then the shared tip validation inside the store's
// per-pair critical section.
func (m *Manager) StoreVoucher(ctx context.Context, v Voucher, signature string) error {
	valid, err := VerifyVoucherSignature(v, signature, v.Buyer)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidVoucherSignature, err)
	}
	if !valid {
		return ErrInvalidVoucherSignature
	}

	now := time.Now().Unix()
	if v.Expiry <= now {
		return ErrVoucherExpired
	}
	if v.Timestamp > now+timestampSlackSeconds {
		return ErrVoucherTimestampFuture
	}

	return m.store.StoreVoucher(ctx, v, signature)
}

// BuildRequirementsExtra runs the aggregation decision on the
// requirements-issuing side, before the payer signs:
//
//  1. no payment header and no buyer known: mint a new series
//  2. buyer known but no available voucher for (buyer, seller): new series
//  3. buyer known with an available voucher: aggregation extra referencing
//     that voucher's signature, nonce and aggregate as the base to extend
//  4. payment header present but undecodable as a deferred payload: new
//     series, since the payload cannot be trusted to reference one
//
// escrow is the escrow contract the new series would deposit into.
func (m *Manager) BuildRequirementsExtra(ctx context.Context, buyer, seller, escrow string, paymentHeader string) (RequirementsExtra, error) {
	newExtra := func() (RequirementsExtra, error) {
		id, err := GenerateVoucherID()
		if err != nil {
			return nil, err
		}
		return NewVoucherExtra{VoucherID: id, Escrow: escrow}, nil
	}

	if buyer == "" && paymentHeader == "" {
		return newExtra()
	}

	if buyer == "" && paymentHeader != "" {
		payload, err := DecodePayment(paymentHeader)
		if err != nil {
			return newExtra()
		}
		buyer = payload.Voucher.Buyer
	}

	available, err := m.store.GetAvailableVoucher(ctx, buyer, seller)
	if err != nil {
		return nil, fmt.Errorf("failed to look up available voucher: %w", err)
	}
	if available == nil {
		return newExtra()
	}

	return AggregationExtra{
		Voucher:   available.Voucher,
		Signature: available.Signature,
	}, nil
}

// timestampSlackSeconds tolerates clock skew between payer and facilitator
const timestampSlackSeconds = 60

// Lifecycle validation errors surfaced by StoreVoucher in addition to the
// store sentinels.
var (
	ErrInvalidVoucherSignature = errors.New("invalid voucher signature")
	ErrVoucherExpired          = errors.New("voucher expired")
	ErrVoucherTimestampFuture  = errors.New("voucher timestamp is in the future")
)
