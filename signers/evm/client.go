// Package evm provides key-backed signer implementations for the EVM
// mechanisms: a payer-side EIP-712 signer and a facilitator-side chain
// signer that submits transactions through an ethclient.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	x402evm "github.com/x402-foundation/x402-facilitator/mechanisms/evm"
)

const erc20BalanceOfABI = `[{
  "name": "balanceOf",
  "type": "function",
  "stateMutability": "view",
  "inputs": [{"name": "account", "type": "address"}],
  "outputs": [{"name": "", "type": "uint256"}]
}]`

// receiptPollInterval is how often WaitForTransactionReceipt re-queries
const receiptPollInterval = 500 * time.Millisecond

// ClientSigner implements x402evm.TypedDataSigner with a local ECDSA key.
// Payer-side only: it signs typed data and never submits transactions.
type ClientSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewClientSignerFromPrivateKey creates a payer signer from a hex-encoded
// private key, with or without the 0x prefix.
func NewClientSignerFromPrivateKey(privateKeyHex string) (*ClientSigner, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &ClientSigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

// Address returns the Ethereum address of the signer
func (s *ClientSigner) Address() string {
	return s.address.Hex()
}

// SignTypedData signs EIP-712 typed data, returning a 65-byte (r, s, v)
// signature with v in 27/28 form.
func (s *ClientSigner) SignTypedData(
	ctx context.Context,
	domain x402evm.TypedDataDomain,
	fieldTypes map[string][]x402evm.TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	digest, err := x402evm.HashTypedData(domain, fieldTypes, primaryType, message)
	if err != nil {
		return nil, err
	}
	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	signature[64] += 27
	return signature, nil
}

var _ x402evm.TypedDataSigner = (*ClientSigner)(nil)

// FacilitatorSigner implements x402evm.ChainSigner over an ethclient. It
// holds the facilitator's submission key and sponsors gas for settlement,
// deposit and flush transactions.
type FacilitatorSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	client     *ethclient.Client
	chainID    *big.Int
}

// NewFacilitatorSigner dials rpcURL and derives the submission address from
// the hex-encoded private key. The chain id is fetched once at construction.
func NewFacilitatorSigner(ctx context.Context, rpcURL, privateKeyHex string) (*FacilitatorSigner, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to fetch chain id: %w", err)
	}

	return &FacilitatorSigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		client:     client,
		chainID:    chainID,
	}, nil
}

// Close releases the underlying RPC connection
func (s *FacilitatorSigner) Close() {
	s.client.Close()
}

// Address returns the facilitator's submission address
func (s *FacilitatorSigner) Address() string {
	return s.address.Hex()
}

// GetChainID returns the chain id of the connected network
func (s *FacilitatorSigner) GetChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(s.chainID), nil
}

// ReadContract executes a read-only contract call and unpacks the result.
// A single output is returned unwrapped; multiple outputs come back as a
// []interface{}.
func (s *FacilitatorSigner) ReadContract(
	ctx context.Context,
	contractAddress string,
	abiBytes []byte,
	functionName string,
	args ...interface{},
) (interface{}, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiBytes)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}
	data, err := contractABI.Pack(functionName, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", functionName, err)
	}

	addr := common.HexToAddress(contractAddress)
	result, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("contract call failed: %w", err)
	}

	outputs, err := contractABI.Unpack(functionName, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", functionName, err)
	}
	switch len(outputs) {
	case 0:
		return nil, nil
	case 1:
		return outputs[0], nil
	default:
		return outputs, nil
	}
}

// GetBalance returns the ERC-20 balance of address for tokenAddress, or the
// native balance when tokenAddress is empty.
func (s *FacilitatorSigner) GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error) {
	if tokenAddress == "" || strings.EqualFold(tokenAddress, "0x0000000000000000000000000000000000000000") {
		return s.client.BalanceAt(ctx, common.HexToAddress(address), nil)
	}

	result, err := s.ReadContract(ctx, tokenAddress, []byte(erc20BalanceOfABI), "balanceOf", common.HexToAddress(address))
	if err != nil {
		return nil, err
	}
	balance, ok := result.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result type %T", result)
	}
	return balance, nil
}

// WriteContract signs and submits a contract call, returning the tx hash.
// Gas is estimated against the pending state with a 20% margin.
func (s *FacilitatorSigner) WriteContract(
	ctx context.Context,
	contractAddress string,
	abiBytes []byte,
	functionName string,
	args ...interface{},
) (string, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiBytes)))
	if err != nil {
		return "", fmt.Errorf("failed to parse ABI: %w", err)
	}
	data, err := contractABI.Pack(functionName, args...)
	if err != nil {
		return "", fmt.Errorf("failed to pack %s: %w", functionName, err)
	}

	nonce, err := s.client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get gas price: %w", err)
	}

	to := common.HexToAddress(contractAddress)
	gasLimit, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
		From: s.address,
		To:   &to,
		Data: data,
	})
	if err != nil {
		return "", fmt.Errorf("failed to estimate gas: %w", err)
	}
	gasLimit += gasLimit / 5

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := s.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	return signedTx.Hash().Hex(), nil
}

// WaitForTransactionReceipt polls until the transaction is mined or the
// context is done.
func (s *FacilitatorSigner) WaitForTransactionReceipt(ctx context.Context, txHash string) (*x402evm.TransactionReceipt, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return &x402evm.TransactionReceipt{
				Status:      receipt.Status,
				BlockNumber: receipt.BlockNumber.Uint64(),
				TxHash:      txHash,
			}, nil
		}
		if err != ethereum.NotFound {
			return nil, fmt.Errorf("failed to get receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

var _ x402evm.ChainSigner = (*FacilitatorSigner)(nil)
