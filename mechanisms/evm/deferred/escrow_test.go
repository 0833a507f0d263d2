package deferred

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402-foundation/x402-facilitator"
	"github.com/x402-foundation/x402-facilitator/mechanisms/evm"
)

// mockEscrowSigner counts chain submissions so tests can assert which
// failures are rejected before any transaction is sent.
type mockEscrowSigner struct {
	writeCalls    atomic.Int32
	writeErr      error
	receiptStatus uint64
}

func newMockEscrowSigner() *mockEscrowSigner {
	return &mockEscrowSigner{receiptStatus: evm.TxStatusSuccess}
}

func (m *mockEscrowSigner) ReadContract(ctx context.Context, address string, abi []byte, fn string, args ...interface{}) (interface{}, error) {
	return nil, errors.New("unexpected read")
}

func (m *mockEscrowSigner) GetBalance(ctx context.Context, address, token string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (m *mockEscrowSigner) GetChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(84532), nil
}

func (m *mockEscrowSigner) Address() string {
	return "0x9999999999999999999999999999999999999999"
}

func (m *mockEscrowSigner) WriteContract(ctx context.Context, address string, abi []byte, fn string, args ...interface{}) (string, error) {
	m.writeCalls.Add(1)
	if m.writeErr != nil {
		return "", m.writeErr
	}
	return "0xescrowtx", nil
}

func (m *mockEscrowSigner) WaitForTransactionReceipt(ctx context.Context, txHash string) (*evm.TransactionReceipt, error) {
	return &evm.TransactionReceipt{Status: m.receiptStatus, TxHash: txHash}, nil
}

func signedFlushAuth(t *testing.T, signer evm.TypedDataSigner, auth FlushAuthorization) FlushAuthorization {
	t.Helper()
	signature, err := SignFlushAuthorization(context.Background(), signer, auth, testEscrow, 84532)
	require.NoError(t, err)
	auth.Signature = signature
	return auth
}

func TestSettleVoucherSuccess(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	signer, _ := newTestSigner(t)
	chain := newMockEscrowSigner()
	controller := NewEscrowController(chain, nil)

	voucher, signature := signedTestVoucher(t, signer, 0, "100")
	require.NoError(t, store.StoreVoucher(ctx, voucher, signature))

	resp, err := controller.SettleVoucher(ctx, voucher, signature, store)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "0xescrowtx", resp.Transaction)
	assert.Equal(t, x402.Network("eip155:84532"), resp.Network)
	assert.Equal(t, voucher.Buyer, resp.Payer)
	assert.Equal(t, int32(1), chain.writeCalls.Load())

	stored, err := store.GetVoucher(ctx, voucher.ID, voucher.Nonce)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.Settled)
}

func TestSettleVoucherAlreadySettled(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	signer, _ := newTestSigner(t)
	chain := newMockEscrowSigner()
	controller := NewEscrowController(chain, nil)

	voucher, signature := signedTestVoucher(t, signer, 0, "100")
	require.NoError(t, store.StoreVoucher(ctx, voucher, signature))

	resp, err := controller.SettleVoucher(ctx, voucher, signature, store)
	require.NoError(t, err)
	require.True(t, resp.Success)

	resp, err = controller.SettleVoucher(ctx, voucher, signature, store)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "already_settled", resp.ErrorReason)
	assert.Equal(t, int32(1), chain.writeCalls.Load(), "second settle must not reach the chain")
}

func TestSettleVoucherNotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	signer, _ := newTestSigner(t)
	chain := newMockEscrowSigner()
	controller := NewEscrowController(chain, nil)

	voucher, signature := signedTestVoucher(t, signer, 0, "100")

	resp, err := controller.SettleVoucher(ctx, voucher, signature, store)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "voucher_not_found", resp.ErrorReason)
	assert.Zero(t, chain.writeCalls.Load())
}

func TestSettleVoucherBadSignatureRejectedBeforeChain(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	signer, _ := newTestSigner(t)
	chain := newMockEscrowSigner()
	controller := NewEscrowController(chain, nil)

	voucher, signature := signedTestVoucher(t, signer, 0, "100")
	require.NoError(t, store.StoreVoucher(ctx, voucher, signature))

	other, _ := newTestSigner(t)
	otherVoucher := voucher
	otherSignature, err := SignVoucher(ctx, other, otherVoucher)
	require.NoError(t, err)

	resp, err := controller.SettleVoucher(ctx, voucher, otherSignature, store)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, x402.ReasonInvalidSignature, resp.ErrorReason)
	assert.Zero(t, chain.writeCalls.Load())
}

func TestSettleVoucherRevertedLeavesStoreRetryable(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	signer, _ := newTestSigner(t)
	chain := newMockEscrowSigner()
	chain.receiptStatus = evm.TxStatusFailed
	controller := NewEscrowController(chain, nil)

	voucher, signature := signedTestVoucher(t, signer, 0, "100")
	require.NoError(t, store.StoreVoucher(ctx, voucher, signature))

	resp, err := controller.SettleVoucher(ctx, voucher, signature, store)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, x402.ReasonSettlementFailed, resp.ErrorReason)

	stored, err := store.GetVoucher(ctx, voucher.ID, voucher.Nonce)
	require.NoError(t, err)
	assert.False(t, stored.Settled, "a reverted settlement must not mark the voucher settled")

	// A retry after the chain recovers succeeds.
	chain.receiptStatus = evm.TxStatusSuccess
	resp, err = controller.SettleVoucher(ctx, voucher, signature, store)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestFlushExpiredRejectedBeforeChain(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	signer, _ := newTestSigner(t)
	chain := newMockEscrowSigner()
	controller := NewEscrowController(chain, nil)

	auth := signedFlushAuth(t, signer, FlushAuthorization{
		Buyer:  signer.Address(),
		Nonce:  1,
		Expiry: time.Now().Unix() - 10,
	})

	result, err := controller.FlushWithAuthorization(ctx, auth, testEscrow, 84532, store)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "flush authorization expired", result.ErrorReason)
	assert.Zero(t, chain.writeCalls.Load())
}

func TestFlushSuccess(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	signer, _ := newTestSigner(t)
	chain := newMockEscrowSigner()
	controller := NewEscrowController(chain, nil)

	voucher, signature := signedTestVoucher(t, signer, 0, "500")
	require.NoError(t, store.StoreVoucher(ctx, voucher, signature))

	auth := signedFlushAuth(t, signer, FlushAuthorization{
		Buyer:  signer.Address(),
		Nonce:  1,
		Expiry: time.Now().Unix() + 300,
	})

	result, err := controller.FlushWithAuthorization(ctx, auth, testEscrow, 84532, store)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "0xescrowtx", result.Transaction)
	assert.Equal(t, 1, result.SeriesFlushed)

	stored, err := store.GetVoucher(ctx, voucher.ID, voucher.Nonce)
	require.NoError(t, err)
	assert.True(t, stored.Flushed)
	assert.ErrorIs(t, store.CheckFlushNonce(ctx, auth.Buyer, auth.Nonce), ErrFlushNonceUsed)
}

func TestFlushNonceReplayRejectedBeforeChain(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	signer, _ := newTestSigner(t)
	chain := newMockEscrowSigner()
	controller := NewEscrowController(chain, nil)

	auth := signedFlushAuth(t, signer, FlushAuthorization{
		Buyer:  signer.Address(),
		Nonce:  2,
		Expiry: time.Now().Unix() + 300,
	})

	result, err := controller.FlushWithAuthorization(ctx, auth, testEscrow, 84532, store)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, int32(1), chain.writeCalls.Load())

	result, err = controller.FlushWithAuthorization(ctx, auth, testEscrow, 84532, store)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "flush nonce already used", result.ErrorReason)
	assert.Equal(t, int32(1), chain.writeCalls.Load(), "replayed flush must not reach the chain")
}

func TestFlushChainFailureKeepsNonceSpendable(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	signer, _ := newTestSigner(t)
	chain := newMockEscrowSigner()
	chain.writeErr = errors.New("rpc unavailable")
	controller := NewEscrowController(chain, nil)

	auth := signedFlushAuth(t, signer, FlushAuthorization{
		Buyer:  signer.Address(),
		Nonce:  3,
		Expiry: time.Now().Unix() + 300,
	})

	result, err := controller.FlushWithAuthorization(ctx, auth, testEscrow, 84532, store)
	require.NoError(t, err)
	assert.False(t, result.Success)

	chain.writeErr = nil
	result, err = controller.FlushWithAuthorization(ctx, auth, testEscrow, 84532, store)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestFlushConcurrentDuplicatesSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	signer, _ := newTestSigner(t)
	chain := newMockEscrowSigner()
	controller := NewEscrowController(chain, nil)

	auth := signedFlushAuth(t, signer, FlushAuthorization{
		Buyer:  signer.Address(),
		Nonce:  4,
		Expiry: time.Now().Unix() + 300,
	})

	const attempts = 8
	var wg sync.WaitGroup
	var successes atomic.Int32
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := controller.FlushWithAuthorization(ctx, auth, testEscrow, 84532, store)
			assert.NoError(t, err)
			if result.Success {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load(), "concurrent duplicate flushes must yield exactly one success")
}
