// Package svm provides key-backed Solana signer implementations: a
// payer-side partial signer and a facilitator-side fee-payer signer that
// submits transactions through an RPC client.
package svm

import (
	"context"
	"fmt"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	x402svm "github.com/x402-foundation/x402-facilitator/mechanisms/svm"
)

// ClientSigner implements x402svm.ClientSvmSigner with a local Ed25519 key
type ClientSigner struct {
	privateKey solana.PrivateKey
}

// NewClientSignerFromPrivateKey creates a payer signer from a
// base58-encoded Solana private key.
func NewClientSignerFromPrivateKey(privateKeyBase58 string) (*ClientSigner, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &ClientSigner{privateKey: privateKey}, nil
}

// Address returns the signer's public key
func (s *ClientSigner) Address() solana.PublicKey {
	return s.privateKey.PublicKey()
}

// SignTransaction adds this key's signature to the transaction at its
// account index, leaving other signature slots untouched.
func (s *ClientSigner) SignTransaction(ctx context.Context, tx *solana.Transaction) error {
	return partialSign(s.privateKey, tx)
}

var _ x402svm.ClientSvmSigner = (*ClientSigner)(nil)

// FacilitatorSigner implements x402svm.FacilitatorSvmSigner: it co-signs
// payment transactions as fee payer and submits them through rpcClient.
type FacilitatorSigner struct {
	privateKey solana.PrivateKey
	rpcClient  *rpc.Client
}

// NewFacilitatorSigner creates a fee-payer signer over the given RPC endpoint
func NewFacilitatorSigner(rpcURL, privateKeyBase58 string) (*FacilitatorSigner, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &FacilitatorSigner{
		privateKey: privateKey,
		rpcClient:  rpc.New(rpcURL),
	}, nil
}

// Address returns the fee payer public key
func (s *FacilitatorSigner) Address() solana.PublicKey {
	return s.privateKey.PublicKey()
}

// SignTransaction adds the fee-payer signature to the transaction
func (s *FacilitatorSigner) SignTransaction(ctx context.Context, tx *solana.Transaction) error {
	return partialSign(s.privateKey, tx)
}

// SimulateTransaction dry-runs the transaction against the current state.
// Signature verification is disabled since the fee-payer signature is not
// attached yet at verify time.
func (s *FacilitatorSigner) SimulateTransaction(ctx context.Context, tx *solana.Transaction) error {
	result, err := s.rpcClient.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
		SigVerify:              false,
		ReplaceRecentBlockhash: true,
	})
	if err != nil {
		return fmt.Errorf("simulation request failed: %w", err)
	}
	if result.Value != nil && result.Value.Err != nil {
		return fmt.Errorf("transaction would fail: %v", result.Value.Err)
	}
	return nil
}

// SendAndConfirmTransaction submits the fully signed transaction and polls
// until it is confirmed or the context is done.
func (s *FacilitatorSigner) SendAndConfirmTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	signature, err := s.rpcClient.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to send transaction: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return signature, ctx.Err()
		default:
		}

		statuses, err := s.rpcClient.GetSignatureStatuses(ctx, false, signature)
		if err != nil {
			return signature, fmt.Errorf("failed to get signature status: %w", err)
		}
		if len(statuses.Value) > 0 && statuses.Value[0] != nil {
			status := statuses.Value[0]
			if status.Err != nil {
				return signature, fmt.Errorf("transaction failed: %v", status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return signature, nil
			}
		}
	}
}

var _ x402svm.FacilitatorSvmSigner = (*FacilitatorSigner)(nil)

// partialSign adds one key's signature at its account index without
// touching other slots, so payer and fee payer can sign independently.
func partialSign(privateKey solana.PrivateKey, tx *solana.Transaction) error {
	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	signature, err := privateKey.Sign(messageBytes)
	if err != nil {
		return fmt.Errorf("failed to sign: %w", err)
	}

	accountIndex, err := tx.GetAccountIndex(privateKey.PublicKey())
	if err != nil {
		return fmt.Errorf("signer is not a transaction account: %w", err)
	}
	if len(tx.Signatures) <= int(accountIndex) {
		grown := make([]solana.Signature, accountIndex+1)
		copy(grown, tx.Signatures)
		tx.Signatures = grown
	}
	tx.Signatures[accountIndex] = signature
	return nil
}
