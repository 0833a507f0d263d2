package deferred

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"
)

// Store errors. Validation failures are sentinel values so callers can map
// them to result responses; only infrastructure faults (backend down) are
// returned as wrapped driver errors.
var (
	ErrVoucherNotFound     = errors.New("voucher not found")
	ErrStaleNonce          = errors.New("voucher nonce is not greater than the series tip")
	ErrDecreasingAggregate = errors.New("voucher valueAggregate decreased")
	ErrSeriesMismatch      = errors.New("voucher does not match its series")
	ErrSeriesTerminal      = errors.New("voucher series is settled or flushed")
	ErrAlreadySettled      = errors.New("voucher already settled")
	ErrFlushNonceUsed      = errors.New("flush nonce already consumed")
)

// StoredVoucher is a voucher record with its buyer signature and settlement state
type StoredVoucher struct {
	Voucher   Voucher   `json:"voucher"`
	Signature string    `json:"signature"`
	Settled   bool      `json:"settled"`
	Flushed   bool      `json:"flushed"`
	CreatedAt time.Time `json:"createdAt"`
}

// Terminal reports whether the record can never become available again
func (s StoredVoucher) Terminal() bool {
	return s.Settled || s.Flushed
}

// VoucherStore persists deferred-payment vouchers keyed by (series id,
// nonce), with a secondary index giving the single available (latest,
// unsettled) voucher per (buyer, seller) pair.
//
// Implementations must serialize mutation per (buyer, seller): two
// concurrent writes against the same series must not both succeed against
// the same prior nonce.
type VoucherStore interface {
	// GetAvailableVoucher returns the latest unsettled voucher for the
	// pair, or nil when there is none.
	GetAvailableVoucher(ctx context.Context, buyer, seller string) (*StoredVoucher, error)

	// GetVoucherSeries returns every voucher in the series, nonce ascending
	GetVoucherSeries(ctx context.Context, id string) ([]StoredVoucher, error)

	// GetVoucher returns one voucher of a series, or nil when absent
	GetVoucher(ctx context.Context, id string, nonce uint64) (*StoredVoucher, error)

	// StoreVoucher validates the voucher against the series tip and
	// appends it. Violations return the sentinel errors above.
	StoreVoucher(ctx context.Context, v Voucher, signature string) error

	// MarkSettled marks the voucher settled and its series terminal. It
	// re-checks the settled flag under the per-pair lock so that exactly
	// one of two racing settle attempts wins (ErrAlreadySettled for the
	// loser).
	MarkSettled(ctx context.Context, id string, nonce uint64) error

	// MarkFlushed marks every matching unsettled series of the buyer as
	// flushed (terminal). Empty seller/asset match everything. Returns the
	// number of series flushed.
	MarkFlushed(ctx context.Context, buyer, seller, asset string) (int, error)

	// CheckFlushNonce returns ErrFlushNonceUsed when the buyer has already
	// consumed the nonce. Read-only; used to reject replays before any
	// chain call.
	CheckFlushNonce(ctx context.Context, buyer string, nonce uint64) error

	// ConsumeFlushNonce records the nonce as consumed. Returns false when
	// another flush consumed it first; exactly one concurrent caller wins.
	ConsumeFlushNonce(ctx context.Context, buyer string, nonce uint64) (bool, error)
}

// pairKey is the lock and index key for a (buyer, seller) pair
func pairKey(buyer, seller string) string {
	return strings.ToLower(buyer) + "/" + strings.ToLower(seller)
}

// validateAgainstTip is the single validation routine shared by the
// requirements-issuing path and every store backend: nonce strictly above
// the tip (or zero for a fresh series), valueAggregate non-decreasing,
// series identity fields unchanged, series not terminal.
func validateAgainstTip(v Voucher, tip *StoredVoucher) error {
	value, ok := new(big.Int).SetString(v.ValueAggregate, 10)
	if !ok || value.Sign() < 0 {
		return ErrSeriesMismatch
	}

	if tip == nil {
		if v.Nonce != 0 {
			return ErrStaleNonce
		}
		return nil
	}

	if tip.Terminal() {
		return ErrSeriesTerminal
	}
	if !strings.EqualFold(tip.Voucher.Buyer, v.Buyer) ||
		!strings.EqualFold(tip.Voucher.Seller, v.Seller) ||
		!strings.EqualFold(tip.Voucher.Asset, v.Asset) ||
		!strings.EqualFold(tip.Voucher.Escrow, v.Escrow) ||
		tip.Voucher.ChainID != v.ChainID {
		return ErrSeriesMismatch
	}
	if v.Nonce <= tip.Voucher.Nonce {
		return ErrStaleNonce
	}

	tipValue, ok := new(big.Int).SetString(tip.Voucher.ValueAggregate, 10)
	if !ok {
		return ErrSeriesMismatch
	}
	if value.Cmp(tipValue) < 0 {
		return ErrDecreasingAggregate
	}
	return nil
}

// MemoryStore is the in-memory VoucherStore backing, suitable for
// single-instance deployments. Mutation is serialized per (buyer, seller)
// with keyed mutexes; the data maps are guarded separately so reads of other
// pairs proceed unimpeded.
type MemoryStore struct {
	mu sync.RWMutex

	series      map[string][]StoredVoucher // series id -> vouchers, nonce ascending
	available   map[string]string          // pair key -> available series id
	flushNonces map[string]map[uint64]bool // buyer -> consumed flush nonces

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex // pair key -> write lock
}

// NewMemoryStore creates an empty in-memory voucher store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		series:      make(map[string][]StoredVoucher),
		available:   make(map[string]string),
		flushNonces: make(map[string]map[uint64]bool),
		locks:       make(map[string]*sync.Mutex),
	}
}

// pairLock returns the mutex serializing writes for a (buyer, seller) pair
func (s *MemoryStore) pairLock(buyer, seller string) *sync.Mutex {
	key := pairKey(buyer, seller)
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if lock, ok := s.locks[key]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[key] = lock
	return lock
}

func (s *MemoryStore) GetAvailableVoucher(ctx context.Context, buyer, seller string) (*StoredVoucher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.available[pairKey(buyer, seller)]
	if !ok {
		return nil, nil
	}
	vouchers := s.series[id]
	if len(vouchers) == 0 {
		return nil, nil
	}
	tip := vouchers[len(vouchers)-1]
	if tip.Terminal() {
		return nil, nil
	}
	return &tip, nil
}

func (s *MemoryStore) GetVoucherSeries(ctx context.Context, id string) ([]StoredVoucher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vouchers, ok := s.series[id]
	if !ok {
		return nil, ErrVoucherNotFound
	}
	out := make([]StoredVoucher, len(vouchers))
	copy(out, vouchers)
	return out, nil
}

func (s *MemoryStore) GetVoucher(ctx context.Context, id string, nonce uint64) (*StoredVoucher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, v := range s.series[id] {
		if v.Voucher.Nonce == nonce {
			record := v
			return &record, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) StoreVoucher(ctx context.Context, v Voucher, signature string) error {
	lock := s.pairLock(v.Buyer, v.Seller)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	var tip *StoredVoucher
	if vouchers := s.series[v.ID]; len(vouchers) > 0 {
		t := vouchers[len(vouchers)-1]
		tip = &t
	}

	if err := validateAgainstTip(v, tip); err != nil {
		return err
	}

	s.series[v.ID] = append(s.series[v.ID], StoredVoucher{
		Voucher:   v,
		Signature: signature,
		CreatedAt: time.Now(),
	})
	s.available[pairKey(v.Buyer, v.Seller)] = v.ID
	return nil
}

func (s *MemoryStore) MarkSettled(ctx context.Context, id string, nonce uint64) error {
	s.mu.RLock()
	vouchers, ok := s.series[id]
	s.mu.RUnlock()
	if !ok || len(vouchers) == 0 {
		return ErrVoucherNotFound
	}
	buyer := vouchers[0].Voucher.Buyer
	seller := vouchers[0].Voucher.Seller

	lock := s.pairLock(buyer, seller)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	vouchers = s.series[id]
	idx := -1
	for i, v := range vouchers {
		if v.Voucher.Nonce == nonce {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrVoucherNotFound
	}
	if vouchers[idx].Terminal() {
		return ErrAlreadySettled
	}

	vouchers[idx].Settled = true
	// Settlement is terminal for the whole series: earlier vouchers are
	// superseded and no later aggregation may extend it.
	for i := range vouchers {
		if i != idx && !vouchers[i].Terminal() {
			vouchers[i].Settled = true
		}
	}

	key := pairKey(buyer, seller)
	if s.available[key] == id {
		delete(s.available, key)
	}
	return nil
}

func (s *MemoryStore) MarkFlushed(ctx context.Context, buyer, seller, asset string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flushed := 0
	for id, vouchers := range s.series {
		if len(vouchers) == 0 {
			continue
		}
		head := vouchers[0].Voucher
		if !strings.EqualFold(head.Buyer, buyer) {
			continue
		}
		if seller != "" && !strings.EqualFold(head.Seller, seller) {
			continue
		}
		if asset != "" && !strings.EqualFold(head.Asset, asset) {
			continue
		}

		touched := false
		for i := range vouchers {
			if !vouchers[i].Terminal() {
				vouchers[i].Flushed = true
				touched = true
			}
		}
		if touched {
			flushed++
			key := pairKey(head.Buyer, head.Seller)
			if s.available[key] == id {
				delete(s.available, key)
			}
		}
	}
	return flushed, nil
}

func (s *MemoryStore) CheckFlushNonce(ctx context.Context, buyer string, nonce uint64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.flushNonces[strings.ToLower(buyer)][nonce] {
		return ErrFlushNonceUsed
	}
	return nil
}

func (s *MemoryStore) ConsumeFlushNonce(ctx context.Context, buyer string, nonce uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(buyer)
	if s.flushNonces[key] == nil {
		s.flushNonces[key] = make(map[uint64]bool)
	}
	if s.flushNonces[key][nonce] {
		return false, nil
	}
	s.flushNonces[key][nonce] = true
	return true, nil
}
