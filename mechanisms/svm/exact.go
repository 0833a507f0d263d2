package svm

import (
	"context"
	"fmt"
	"strconv"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"

	x402 "github.com/x402-foundation/x402-facilitator"
)

var exactSvmPayloadSchema = []byte(`{
  "type": "object",
  "required": ["transaction"],
  "properties": {
    "transaction": {"type": "string"}
  }
}`)

// transferCheckedInstruction is the SPL Token TransferChecked data layout
const transferCheckedDiscriminator uint8 = 12

type transferCheckedData struct {
	Instruction uint8
	Amount      uint64
	Decimals    uint8
}

// transferCheckedAccounts are the instruction's account positions
const (
	transferCheckedSource      = 0
	transferCheckedMint        = 1
	transferCheckedDestination = 2
	transferCheckedOwner       = 3
)

// ExactSvmFacilitator implements the exact scheme on SVM networks. The
// payer builds and partially signs a transaction with the facilitator as
// fee payer; Verify checks its structure against requirements and Settle
// co-signs and submits it.
type ExactSvmFacilitator struct {
	signer FacilitatorSvmSigner
}

// NewExactSvmFacilitator creates a new ExactSvmFacilitator
func NewExactSvmFacilitator(signer FacilitatorSvmSigner) *ExactSvmFacilitator {
	return &ExactSvmFacilitator{signer: signer}
}

func (f *ExactSvmFacilitator) Scheme() string {
	return SchemeExact
}

func (f *ExactSvmFacilitator) CaipFamily() string {
	return "solana:*"
}

// GetExtra advertises the facilitator's fee payer address so payers can
// build transactions against it
func (f *ExactSvmFacilitator) GetExtra(network x402.Network) map[string]interface{} {
	return map[string]interface{}{
		"feePayer": f.signer.Address().String(),
	}
}

// PayloadSchema exposes the payload shape for dispatcher validation
func (f *ExactSvmFacilitator) PayloadSchema() []byte {
	return exactSvmPayloadSchema
}

// ExtractPayer recovers the token owner from an unverified payload
func (f *ExactSvmFacilitator) ExtractPayer(payload x402.PaymentPayload) string {
	svmPayload, err := PayloadFromMap(payload.Payload)
	if err != nil {
		return ""
	}
	tx, err := DecodeTransaction(svmPayload.Transaction)
	if err != nil {
		return ""
	}
	transfer, err := findTransferChecked(tx)
	if err != nil {
		return ""
	}
	return transfer.owner.String()
}

type decodedTransfer struct {
	amount      uint64
	mint        solana.PublicKey
	destination solana.PublicKey
	owner       solana.PublicKey
}

// findTransferChecked locates the single TransferChecked instruction.
// Compute budget instructions are allowed alongside it; anything else makes
// the transaction invalid for the exact scheme.
func findTransferChecked(tx *solana.Transaction) (*decodedTransfer, error) {
	var found *decodedTransfer

	for _, inst := range tx.Message.Instructions {
		if int(inst.ProgramIDIndex) >= len(tx.Message.AccountKeys) {
			return nil, fmt.Errorf("instruction program index out of range")
		}
		programID := tx.Message.AccountKeys[inst.ProgramIDIndex]

		if programID.Equals(solana.ComputeBudget) {
			continue
		}
		if !programID.Equals(solana.TokenProgramID) && !programID.Equals(solana.Token2022ProgramID) {
			return nil, fmt.Errorf("unexpected program in payment transaction: %s", programID)
		}

		var data transferCheckedData
		if err := bin.NewBinDecoder(inst.Data).Decode(&data); err != nil {
			return nil, fmt.Errorf("failed to decode token instruction: %w", err)
		}
		if data.Instruction != transferCheckedDiscriminator {
			return nil, fmt.Errorf("token instruction is not TransferChecked")
		}
		if found != nil {
			return nil, fmt.Errorf("multiple transfer instructions in payment transaction")
		}
		if len(inst.Accounts) < 4 {
			return nil, fmt.Errorf("transfer instruction missing accounts")
		}
		for _, idx := range inst.Accounts[:4] {
			if int(idx) >= len(tx.Message.AccountKeys) {
				return nil, fmt.Errorf("transfer account index out of range")
			}
		}

		found = &decodedTransfer{
			amount:      data.Amount,
			mint:        tx.Message.AccountKeys[inst.Accounts[transferCheckedMint]],
			destination: tx.Message.AccountKeys[inst.Accounts[transferCheckedDestination]],
			owner:       tx.Message.AccountKeys[inst.Accounts[transferCheckedOwner]],
		}
	}

	if found == nil {
		return nil, fmt.Errorf("no transfer instruction in payment transaction")
	}
	return found, nil
}

// Verify checks the payment transaction's structure against requirements:
// a single TransferChecked moving at least the required amount of the
// required mint to the seller's associated token account, fee-paid by this
// facilitator.
func (f *ExactSvmFacilitator) Verify(
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
	if !IsValidNetwork(string(requirements.Network)) {
		return x402.VerifyResponse{IsValid: false, InvalidReason: x402.ReasonInvalidNetwork}, nil
	}

	svmPayload, err := PayloadFromMap(payload.Payload)
	if err != nil {
		return x402.VerifyResponse{IsValid: false, InvalidReason: x402.ReasonMalformedPayload}, nil
	}
	tx, err := DecodeTransaction(svmPayload.Transaction)
	if err != nil {
		return x402.VerifyResponse{IsValid: false, InvalidReason: x402.ReasonMalformedPayload}, nil
	}

	transfer, err := findTransferChecked(tx)
	if err != nil {
		return x402.VerifyResponse{IsValid: false, InvalidReason: fmt.Sprintf("invalid transaction: %v", err)}, nil
	}
	payer := transfer.owner.String()

	// Fee payer is always account key 0
	if len(tx.Message.AccountKeys) == 0 || !tx.Message.AccountKeys[0].Equals(f.signer.Address()) {
		return x402.VerifyResponse{IsValid: false, InvalidReason: "fee_payer_mismatch", Payer: payer}, nil
	}

	mint, err := solana.PublicKeyFromBase58(requirements.Asset)
	if err != nil {
		return x402.VerifyResponse{IsValid: false, InvalidReason: "invalid_asset_address", Payer: payer}, nil
	}
	if !transfer.mint.Equals(mint) {
		return x402.VerifyResponse{IsValid: false, InvalidReason: "asset_mismatch", Payer: payer}, nil
	}

	payTo, err := solana.PublicKeyFromBase58(requirements.PayTo)
	if err != nil {
		return x402.VerifyResponse{IsValid: false, InvalidReason: "invalid_pay_to_address", Payer: payer}, nil
	}
	expectedDestination, _, err := solana.FindAssociatedTokenAddress(payTo, mint)
	if err != nil {
		return x402.VerifyResponse{}, fmt.Errorf("failed to derive destination ATA: %w", err)
	}
	if !transfer.destination.Equals(expectedDestination) {
		return x402.VerifyResponse{IsValid: false, InvalidReason: "recipient_mismatch", Payer: payer}, nil
	}

	required, err := strconv.ParseUint(requirements.MaxAmountRequired, 10, 64)
	if err != nil {
		return x402.VerifyResponse{
			IsValid:       false,
			InvalidReason: fmt.Sprintf("invalid required amount: %s", requirements.MaxAmountRequired),
		}, nil
	}
	if transfer.amount < required {
		return x402.VerifyResponse{IsValid: false, InvalidReason: "insufficient_amount", Payer: payer}, nil
	}

	// Simulation catches missing ATAs, insufficient balances and bad payer
	// signatures in one shot.
	if err := f.signer.SimulateTransaction(ctx, tx); err != nil {
		return x402.VerifyResponse{
			IsValid:       false,
			InvalidReason: fmt.Sprintf("simulation_failed: %v", err),
			Payer:         payer,
		}, nil
	}

	return x402.VerifyResponse{IsValid: true, Payer: payer}, nil
}

// Settle co-signs the transaction as fee payer and submits it
func (f *ExactSvmFacilitator) Settle(
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

	svmPayload, err := PayloadFromMap(payload.Payload)
	if err != nil {
		return x402.SettleResponse{Success: false, ErrorReason: x402.ReasonMalformedPayload}, nil
	}
	tx, err := DecodeTransaction(svmPayload.Transaction)
	if err != nil {
		return x402.SettleResponse{Success: false, ErrorReason: x402.ReasonMalformedPayload}, nil
	}

	if err := f.signer.SignTransaction(ctx, tx); err != nil {
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: fmt.Sprintf("failed to sign transaction: %v", err),
			Payer:       verifyResp.Payer,
			Network:     payload.Network,
		}, nil
	}

	signature, err := f.signer.SendAndConfirmTransaction(ctx, tx)
	if err != nil {
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: fmt.Sprintf("failed to submit transaction: %v", err),
			Payer:       verifyResp.Payer,
			Network:     payload.Network,
		}, nil
	}

	return x402.SettleResponse{
		Success:     true,
		Transaction: signature.String(),
		Network:     payload.Network,
		Payer:       verifyResp.Payer,
	}, nil
}

var _ x402.SchemeNetworkFacilitator = (*ExactSvmFacilitator)(nil)
var _ x402.PayloadSchemaProvider = (*ExactSvmFacilitator)(nil)
var _ x402.PayerExtractor = (*ExactSvmFacilitator)(nil)
