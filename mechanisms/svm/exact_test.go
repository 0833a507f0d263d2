package svm

import (
	"context"
	"errors"
	"testing"

	solana "github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	token "github.com/gagliardetto/solana-go/programs/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402-foundation/x402-facilitator"
)

type mockSvmSigner struct {
	wallet      *solana.Wallet
	simulateErr error
	sendErr     error
	signs       int
	simulations int
	sends       int
}

func newMockSvmSigner() *mockSvmSigner {
	return &mockSvmSigner{wallet: solana.NewWallet()}
}

func (m *mockSvmSigner) Address() solana.PublicKey {
	return m.wallet.PublicKey()
}

func (m *mockSvmSigner) SignTransaction(ctx context.Context, tx *solana.Transaction) error {
	m.signs++
	return nil
}

func (m *mockSvmSigner) SimulateTransaction(ctx context.Context, tx *solana.Transaction) error {
	m.simulations++
	return m.simulateErr
}

func (m *mockSvmSigner) SendAndConfirmTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	m.sends++
	if m.sendErr != nil {
		return solana.Signature{}, m.sendErr
	}
	return solana.Signature{0x42}, nil
}

// buildPaymentTx assembles the transaction shape payers produce: compute
// budget instructions plus a single TransferChecked, fee-paid by feePayer.
func buildPaymentTx(t *testing.T, feePayer, owner, mint, payTo solana.PublicKey, amount uint64) *solana.Transaction {
	t.Helper()

	sourceATA, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	require.NoError(t, err)
	destinationATA, _, err := solana.FindAssociatedTokenAddress(payTo, mint)
	require.NoError(t, err)

	cuLimit, err := computebudget.NewSetComputeUnitLimitInstructionBuilder().
		SetUnits(6500).
		ValidateAndBuild()
	require.NoError(t, err)

	cuPrice, err := computebudget.NewSetComputeUnitPriceInstructionBuilder().
		SetMicroLamports(DefaultComputeUnitPrice).
		ValidateAndBuild()
	require.NoError(t, err)

	transferIx, err := token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount).
		SetDecimals(6).
		SetSourceAccount(sourceATA).
		SetMintAccount(mint).
		SetDestinationAccount(destinationATA).
		SetOwnerAccount(owner).
		ValidateAndBuild()
	require.NoError(t, err)

	tx, err := solana.NewTransactionBuilder().
		AddInstruction(cuLimit).
		AddInstruction(cuPrice).
		AddInstruction(transferIx).
		SetRecentBlockHash(solana.Hash{0x01}).
		SetFeePayer(feePayer).
		Build()
	require.NoError(t, err)
	return tx
}

func paymentForTx(t *testing.T, tx *solana.Transaction, mint, payTo solana.PublicKey, amount string) (x402.PaymentPayload, x402.PaymentRequirements) {
	t.Helper()

	encoded, err := EncodeTransaction(tx)
	require.NoError(t, err)

	payload := x402.PaymentPayload{
		X402Version: 1,
		Scheme:      SchemeExact,
		Network:     SolanaDevnetCAIP2,
		Payload:     (&ExactSvmPayload{Transaction: encoded}).ToMap(),
	}
	requirements := x402.PaymentRequirements{
		Scheme:            SchemeExact,
		Network:           SolanaDevnetCAIP2,
		MaxAmountRequired: amount,
		PayTo:             payTo.String(),
		Asset:             mint.String(),
	}
	return payload, requirements
}

func testMint(t *testing.T) solana.PublicKey {
	t.Helper()
	config, err := GetNetworkConfig(SolanaDevnetCAIP2)
	require.NoError(t, err)
	mint, err := solana.PublicKeyFromBase58(config.DefaultAsset.Address)
	require.NoError(t, err)
	return mint
}

func TestExactSvmVerifyValid(t *testing.T) {
	signer := newMockSvmSigner()
	owner := solana.NewWallet().PublicKey()
	payTo := solana.NewWallet().PublicKey()
	mint := testMint(t)

	tx := buildPaymentTx(t, signer.Address(), owner, mint, payTo, 1000)
	payload, requirements := paymentForTx(t, tx, mint, payTo, "1000")

	facilitator := NewExactSvmFacilitator(signer)
	resp, err := facilitator.Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
	assert.Equal(t, owner.String(), resp.Payer)
	assert.Equal(t, 1, signer.simulations)
}

func TestExactSvmVerifyFeePayerMismatch(t *testing.T) {
	signer := newMockSvmSigner()
	stranger := solana.NewWallet().PublicKey()
	owner := solana.NewWallet().PublicKey()
	payTo := solana.NewWallet().PublicKey()
	mint := testMint(t)

	tx := buildPaymentTx(t, stranger, owner, mint, payTo, 1000)
	payload, requirements := paymentForTx(t, tx, mint, payTo, "1000")

	facilitator := NewExactSvmFacilitator(signer)
	resp, err := facilitator.Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, "fee_payer_mismatch", resp.InvalidReason)
}

func TestExactSvmVerifyAssetMismatch(t *testing.T) {
	signer := newMockSvmSigner()
	owner := solana.NewWallet().PublicKey()
	payTo := solana.NewWallet().PublicKey()
	otherMint := solana.NewWallet().PublicKey()

	tx := buildPaymentTx(t, signer.Address(), owner, otherMint, payTo, 1000)
	payload, requirements := paymentForTx(t, tx, otherMint, payTo, "1000")
	requirements.Asset = testMint(t).String()

	facilitator := NewExactSvmFacilitator(signer)
	resp, err := facilitator.Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, "asset_mismatch", resp.InvalidReason)
}

func TestExactSvmVerifyRecipientMismatch(t *testing.T) {
	signer := newMockSvmSigner()
	owner := solana.NewWallet().PublicKey()
	payTo := solana.NewWallet().PublicKey()
	otherSeller := solana.NewWallet().PublicKey()
	mint := testMint(t)

	tx := buildPaymentTx(t, signer.Address(), owner, mint, otherSeller, 1000)
	payload, requirements := paymentForTx(t, tx, mint, payTo, "1000")

	facilitator := NewExactSvmFacilitator(signer)
	resp, err := facilitator.Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, "recipient_mismatch", resp.InvalidReason)
}

func TestExactSvmVerifyInsufficientAmount(t *testing.T) {
	signer := newMockSvmSigner()
	owner := solana.NewWallet().PublicKey()
	payTo := solana.NewWallet().PublicKey()
	mint := testMint(t)

	tx := buildPaymentTx(t, signer.Address(), owner, mint, payTo, 999)
	payload, requirements := paymentForTx(t, tx, mint, payTo, "1000")

	facilitator := NewExactSvmFacilitator(signer)
	resp, err := facilitator.Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, "insufficient_amount", resp.InvalidReason)
}

func TestExactSvmVerifySimulationFailure(t *testing.T) {
	signer := newMockSvmSigner()
	signer.simulateErr = errors.New("insufficient lamports")
	owner := solana.NewWallet().PublicKey()
	payTo := solana.NewWallet().PublicKey()
	mint := testMint(t)

	tx := buildPaymentTx(t, signer.Address(), owner, mint, payTo, 1000)
	payload, requirements := paymentForTx(t, tx, mint, payTo, "1000")

	facilitator := NewExactSvmFacilitator(signer)
	resp, err := facilitator.Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Contains(t, resp.InvalidReason, "simulation_failed")
}

func TestExactSvmVerifyUnknownNetwork(t *testing.T) {
	signer := newMockSvmSigner()
	owner := solana.NewWallet().PublicKey()
	payTo := solana.NewWallet().PublicKey()
	mint := testMint(t)

	tx := buildPaymentTx(t, signer.Address(), owner, mint, payTo, 1000)
	payload, requirements := paymentForTx(t, tx, mint, payTo, "1000")
	payload.Network = "solana:unknown"
	requirements.Network = "solana:unknown"

	facilitator := NewExactSvmFacilitator(signer)
	resp, err := facilitator.Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, x402.ReasonInvalidNetwork, resp.InvalidReason)
}

func TestExactSvmExtractPayer(t *testing.T) {
	signer := newMockSvmSigner()
	owner := solana.NewWallet().PublicKey()
	payTo := solana.NewWallet().PublicKey()
	mint := testMint(t)

	tx := buildPaymentTx(t, signer.Address(), owner, mint, payTo, 1000)
	payload, _ := paymentForTx(t, tx, mint, payTo, "1000")

	facilitator := NewExactSvmFacilitator(signer)
	assert.Equal(t, owner.String(), facilitator.ExtractPayer(payload))
}

func TestExactSvmSettleSuccess(t *testing.T) {
	signer := newMockSvmSigner()
	owner := solana.NewWallet().PublicKey()
	payTo := solana.NewWallet().PublicKey()
	mint := testMint(t)

	tx := buildPaymentTx(t, signer.Address(), owner, mint, payTo, 1000)
	payload, requirements := paymentForTx(t, tx, mint, payTo, "1000")

	facilitator := NewExactSvmFacilitator(signer)
	resp, err := facilitator.Settle(context.Background(), payload, requirements)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, solana.Signature{0x42}.String(), resp.Transaction)
	assert.Equal(t, x402.Network(SolanaDevnetCAIP2), resp.Network)
	assert.Equal(t, owner.String(), resp.Payer)
	assert.Equal(t, 1, signer.signs)
	assert.Equal(t, 1, signer.sends)
}

func TestExactSvmSettleRejectsInvalidPayment(t *testing.T) {
	signer := newMockSvmSigner()
	owner := solana.NewWallet().PublicKey()
	payTo := solana.NewWallet().PublicKey()
	mint := testMint(t)

	tx := buildPaymentTx(t, signer.Address(), owner, mint, payTo, 10)
	payload, requirements := paymentForTx(t, tx, mint, payTo, "1000")

	facilitator := NewExactSvmFacilitator(signer)
	resp, err := facilitator.Settle(context.Background(), payload, requirements)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "insufficient_amount", resp.ErrorReason)
	assert.Zero(t, signer.sends, "an invalid payment must not be submitted")
}

func TestExactSvmGetExtraAdvertisesFeePayer(t *testing.T) {
	signer := newMockSvmSigner()
	facilitator := NewExactSvmFacilitator(signer)

	extra := facilitator.GetExtra(SolanaDevnetCAIP2)
	assert.Equal(t, signer.Address().String(), extra["feePayer"])
}

func TestParseAmount(t *testing.T) {
	cases := []struct {
		amount   string
		decimals uint8
		want     uint64
		wantErr  bool
	}{
		{"0.10", 6, 100000, false},
		{"1", 6, 1000000, false},
		{"0.000001", 6, 1, false},
		{"2.5", 0, 0, true},
		{".5", 6, 500000, false},
		{"abc", 6, 0, true},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.amount, tc.decimals)
		if tc.wantErr {
			assert.Error(t, err, tc.amount)
			continue
		}
		require.NoError(t, err, tc.amount)
		assert.Equal(t, tc.want, got, tc.amount)
	}
}
