package deferred

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402-foundation/x402-facilitator"
	signerevm "github.com/x402-foundation/x402-facilitator/signers/evm"
)

func signedDepositAuth(t *testing.T, signer *signerevm.ClientSigner, value string) *DepositAuthorization {
	t.Helper()
	auth := DepositAuthorization{
		Buyer:       signer.Address(),
		Asset:       testAsset,
		Escrow:      testEscrow,
		Value:       value,
		ValidAfter:  "0",
		ValidBefore: "99999999999",
		Nonce:       testSeriesID(0xd0),
	}
	message, err := depositMessage(auth)
	require.NoError(t, err)
	signature, err := signer.SignTypedData(context.Background(), escrowDomain(testEscrow, 84532), depositTypes, "DepositAuthorization", message)
	require.NoError(t, err)
	auth.Signature = "0x" + hex.EncodeToString(signature)
	return &auth
}

func newSeriesPayment(t *testing.T, signer *signerevm.ClientSigner, auth *DepositAuthorization) (x402.PaymentPayload, x402.PaymentRequirements) {
	t.Helper()
	voucher, signature := signedTestVoucher(t, signer, 0, "100")
	payloadMap, err := Payload{
		Signature:            signature,
		Voucher:              voucher,
		DepositAuthorization: auth,
	}.ToMap()
	require.NoError(t, err)

	payload := x402.PaymentPayload{
		X402Version: 1,
		Scheme:      Scheme,
		Network:     "eip155:84532",
		Payload:     payloadMap,
	}
	requirements := x402.PaymentRequirements{
		Scheme:            Scheme,
		Network:           "eip155:84532",
		MaxAmountRequired: "100",
		PayTo:             testSeller,
		Asset:             testAsset,
		Extra:             NewVoucherExtra{VoucherID: voucher.ID, Escrow: testEscrow}.ToMap(),
	}
	return payload, requirements
}

func TestDeferredSettleDepositFailureLeavesNoStoredVoucher(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	manager := NewManager(store)
	signer, _ := newTestSigner(t)
	chain := newMockEscrowSigner()
	chain.writeErr = errors.New("rpc unavailable")
	facilitator := NewDeferredEvmFacilitator(manager, NewEscrowController(chain, nil))

	auth := signedDepositAuth(t, signer, "1000000")
	payload, requirements := newSeriesPayment(t, signer, auth)

	resp, err := facilitator.Settle(ctx, payload, requirements)
	require.NoError(t, err)
	require.False(t, resp.Success)

	// A failed deposit must not admit the nonce-0 voucher: the series would
	// be stuck behind the stale-nonce check with no funded escrow.
	available, err := manager.GetAvailableVoucher(ctx, signer.Address(), testSeller)
	require.NoError(t, err)
	assert.Nil(t, available)

	// Retrying the identical payment once the chain recovers succeeds.
	chain.writeErr = nil
	resp, err = facilitator.Settle(ctx, payload, requirements)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "0xescrowtx", resp.Transaction)

	available, err = manager.GetAvailableVoucher(ctx, signer.Address(), testSeller)
	require.NoError(t, err)
	require.NotNil(t, available)
	assert.Equal(t, uint64(0), available.Voucher.Nonce)
}

func TestDeferredSettleDepositSuccessStoresVoucher(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	manager := NewManager(store)
	signer, _ := newTestSigner(t)
	chain := newMockEscrowSigner()
	facilitator := NewDeferredEvmFacilitator(manager, NewEscrowController(chain, nil))

	auth := signedDepositAuth(t, signer, "1000000")
	payload, requirements := newSeriesPayment(t, signer, auth)

	resp, err := facilitator.Settle(ctx, payload, requirements)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "0xescrowtx", resp.Transaction)
	assert.Equal(t, int32(1), chain.writeCalls.Load())

	available, err := manager.GetAvailableVoucher(ctx, signer.Address(), testSeller)
	require.NoError(t, err)
	require.NotNil(t, available)
}

func TestDeferredSettleWithoutDepositSkipsChain(t *testing.T) {
	ctx := context.Background()
	manager := NewManager(NewMemoryStore())
	signer, _ := newTestSigner(t)
	chain := newMockEscrowSigner()
	facilitator := NewDeferredEvmFacilitator(manager, NewEscrowController(chain, nil))

	payload, requirements := newSeriesPayment(t, signer, nil)

	resp, err := facilitator.Settle(ctx, payload, requirements)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Empty(t, resp.Transaction)
	assert.Zero(t, chain.writeCalls.Load())
}
