package deferred

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/x402-foundation/x402-facilitator"
	"github.com/x402-foundation/x402-facilitator/mechanisms/evm"
)

// Escrow contract function names
const (
	FunctionSettleVoucher            = "settleVoucher"
	FunctionDepositWithAuthorization = "depositWithAuthorization"
	FunctionFlush                    = "flush"
)

// EscrowABI covers the escrow surface the controller needs
var EscrowABI = []byte(`[
  {
    "name": "settleVoucher",
    "type": "function",
    "inputs": [
      {
        "name": "voucher",
        "type": "tuple",
        "components": [
          {"name": "id", "type": "bytes32"},
          {"name": "buyer", "type": "address"},
          {"name": "seller", "type": "address"},
          {"name": "valueAggregate", "type": "uint256"},
          {"name": "asset", "type": "address"},
          {"name": "timestamp", "type": "uint64"},
          {"name": "nonce", "type": "uint256"},
          {"name": "escrow", "type": "address"},
          {"name": "chainId", "type": "uint256"},
          {"name": "expiry", "type": "uint64"}
        ]
      },
      {"name": "signature", "type": "bytes"}
    ],
    "outputs": []
  },
  {
    "name": "depositWithAuthorization",
    "type": "function",
    "inputs": [
      {"name": "buyer", "type": "address"},
      {"name": "asset", "type": "address"},
      {"name": "value", "type": "uint256"},
      {"name": "validAfter", "type": "uint256"},
      {"name": "validBefore", "type": "uint256"},
      {"name": "nonce", "type": "bytes32"},
      {"name": "signature", "type": "bytes"}
    ],
    "outputs": []
  },
  {
    "name": "flush",
    "type": "function",
    "inputs": [
      {"name": "buyer", "type": "address"},
      {"name": "seller", "type": "address"},
      {"name": "asset", "type": "address"},
      {"name": "nonce", "type": "uint256"},
      {"name": "expiry", "type": "uint64"},
      {"name": "signature", "type": "bytes"}
    ],
    "outputs": []
  }
]`)

// voucherTuple mirrors the escrow contract's Voucher struct for ABI packing
type voucherTuple struct {
	Id             [32]byte
	Buyer          common.Address
	Seller         common.Address
	ValueAggregate *big.Int
	Asset          common.Address
	Timestamp      uint64
	Nonce          *big.Int
	Escrow         common.Address
	ChainId        *big.Int
	Expiry         uint64
}

func toVoucherTuple(v Voucher) (voucherTuple, error) {
	idBytes, err := evm.HexToBytes(v.ID)
	if err != nil || len(idBytes) != 32 {
		return voucherTuple{}, fmt.Errorf("voucher id must be 32 bytes: %s", v.ID)
	}
	value, ok := new(big.Int).SetString(v.ValueAggregate, 10)
	if !ok {
		return voucherTuple{}, fmt.Errorf("invalid valueAggregate: %s", v.ValueAggregate)
	}
	return voucherTuple{
		Id:             [32]byte(idBytes),
		Buyer:          common.HexToAddress(v.Buyer),
		Seller:         common.HexToAddress(v.Seller),
		ValueAggregate: value,
		Asset:          common.HexToAddress(v.Asset),
		Timestamp:      uint64(v.Timestamp),
		Nonce:          new(big.Int).SetUint64(v.Nonce),
		Escrow:         common.HexToAddress(v.Escrow),
		ChainId:        new(big.Int).SetUint64(v.ChainID),
		Expiry:         uint64(v.Expiry),
	}, nil
}

// Result reports the outcome of a deposit or flush operation
type Result struct {
	Success       bool   `json:"success"`
	ErrorReason   string `json:"errorReason,omitempty"`
	Transaction   string `json:"transaction,omitempty"`
	SeriesFlushed int    `json:"seriesFlushed,omitempty"`
}

// EscrowController submits vouchers, deposits and flushes to the escrow
// contract. It never holds a store lock across a chain call: the only
// durable store mutation (mark settled / consume flush nonce) happens after
// confirmed on-chain success, inside the store's own critical section.
type EscrowController struct {
	signer evm.ChainSigner
	logger *slog.Logger
}

// NewEscrowController creates a controller submitting through signer
func NewEscrowController(signer evm.ChainSigner, logger *slog.Logger) *EscrowController {
	if logger == nil {
		logger = slog.Default()
	}
	return &EscrowController{signer: signer, logger: logger}
}

// DepositWithAuthorization executes the one-time escrow funding step tied to
// a series' first voucher.
//
// reverify=false is only safe immediately after an in-process verification
// has confirmed validity; callers crossing a trust boundary must pass true.
func (c *EscrowController) DepositWithAuthorization(
	ctx context.Context,
	voucher Voucher,
	auth DepositAuthorization,
	reverify bool,
) (Result, error) {
	if reverify {
		if !strings.EqualFold(auth.Buyer, voucher.Buyer) ||
			!strings.EqualFold(auth.Asset, voucher.Asset) ||
			!strings.EqualFold(auth.Escrow, voucher.Escrow) {
			return Result{Success: false, ErrorReason: "deposit authorization does not match voucher"}, nil
		}
		valid, err := VerifyDepositSignature(auth, voucher.ChainID)
		if err != nil {
			return Result{Success: false, ErrorReason: fmt.Sprintf("invalid deposit authorization: %v", err)}, nil
		}
		if !valid {
			return Result{Success: false, ErrorReason: "invalid deposit authorization signature"}, nil
		}
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return Result{Success: false, ErrorReason: "invalid deposit value"}, nil
	}
	validAfter, _ := new(big.Int).SetString(auth.ValidAfter, 10)
	validBefore, _ := new(big.Int).SetString(auth.ValidBefore, 10)
	nonceBytes, err := evm.HexToBytes(auth.Nonce)
	if err != nil || len(nonceBytes) != 32 {
		return Result{Success: false, ErrorReason: "invalid deposit nonce"}, nil
	}
	signatureBytes, err := evm.HexToBytes(auth.Signature)
	if err != nil {
		return Result{Success: false, ErrorReason: "invalid deposit signature format"}, nil
	}

	txHash, err := c.signer.WriteContract(
		ctx,
		auth.Escrow,
		EscrowABI,
		FunctionDepositWithAuthorization,
		common.HexToAddress(auth.Buyer),
		common.HexToAddress(auth.Asset),
		value,
		validAfter,
		validBefore,
		[32]byte(nonceBytes),
		signatureBytes,
	)
	if err != nil {
		return Result{Success: false, ErrorReason: fmt.Sprintf("deposit submission failed: %v", err)}, nil
	}

	receipt, err := c.signer.WaitForTransactionReceipt(ctx, txHash)
	if err != nil {
		return Result{Success: false, ErrorReason: fmt.Sprintf("deposit receipt: %v", err), Transaction: txHash}, nil
	}
	if receipt.Status != evm.TxStatusSuccess {
		return Result{Success: false, ErrorReason: "deposit transaction failed", Transaction: txHash}, nil
	}

	c.logger.Info("escrow deposit confirmed", "escrow", auth.Escrow, "buyer", auth.Buyer, "tx", txHash)
	return Result{Success: true, Transaction: txHash}, nil
}

// SettleVoucher submits the voucher for on-chain settlement, then marks it
// settled in the store only after the chain operation is confirmed. The
// store is left untouched on chain failure; MarkSettled re-checks the
// settled flag under the per-pair lock, so two racing settle attempts
// submit at most one transaction that is recorded.
func (c *EscrowController) SettleVoucher(
	ctx context.Context,
	voucher Voucher,
	signature string,
	store VoucherStore,
) (x402.SettleResponse, error) {
	network, err := x402.NetworkForChainID(voucher.ChainID)
	if err != nil {
		return x402.SettleResponse{Success: false, ErrorReason: x402.ReasonInvalidNetwork}, nil
	}

	stored, err := store.GetVoucher(ctx, voucher.ID, voucher.Nonce)
	if err != nil {
		return x402.SettleResponse{}, fmt.Errorf("voucher lookup failed: %w", err)
	}
	if stored == nil {
		return x402.SettleResponse{Success: false, ErrorReason: "voucher_not_found", Network: network}, nil
	}
	if stored.Terminal() {
		return x402.SettleResponse{Success: false, ErrorReason: "already_settled", Network: network, Payer: voucher.Buyer}, nil
	}

	valid, err := VerifyVoucherSignature(voucher, signature, voucher.Buyer)
	if err != nil || !valid {
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonInvalidSignature,
			Network:     network,
			Payer:       voucher.Buyer,
		}, nil
	}

	tuple, err := toVoucherTuple(voucher)
	if err != nil {
		return x402.SettleResponse{Success: false, ErrorReason: err.Error(), Network: network}, nil
	}
	signatureBytes, err := evm.HexToBytes(signature)
	if err != nil {
		return x402.SettleResponse{Success: false, ErrorReason: "invalid_signature_format", Network: network}, nil
	}

	// Chain submission runs outside any store lock; confirmation may take
	// a while and must not block other pairs or even this pair's reads.
	txHash, err := c.signer.WriteContract(ctx, voucher.Escrow, EscrowABI, FunctionSettleVoucher, tuple, signatureBytes)
	if err != nil {
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: fmt.Sprintf("settlement submission failed: %v", err),
			Network:     network,
			Payer:       voucher.Buyer,
		}, nil
	}

	receipt, err := c.signer.WaitForTransactionReceipt(ctx, txHash)
	if err != nil {
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: fmt.Sprintf("settlement receipt: %v", err),
			Transaction: txHash,
			Network:     network,
		}, nil
	}
	if receipt.Status != evm.TxStatusSuccess {
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonSettlementFailed,
			Transaction: txHash,
			Network:     network,
		}, nil
	}

	if err := store.MarkSettled(ctx, voucher.ID, voucher.Nonce); err != nil {
		if errors.Is(err, ErrAlreadySettled) {
			// A concurrent settle won the mark; the chain accepted ours,
			// so report success without double-recording.
			c.logger.Warn("voucher settled concurrently", "id", voucher.ID, "nonce", voucher.Nonce)
		} else {
			return x402.SettleResponse{}, fmt.Errorf("failed to mark voucher settled: %w", err)
		}
	}

	c.logger.Info("voucher settled", "id", voucher.ID, "nonce", voucher.Nonce, "tx", txHash)
	return x402.SettleResponse{
		Success:     true,
		Transaction: txHash,
		Network:     network,
		Payer:       voucher.Buyer,
	}, nil
}

// FlushWithAuthorization force-settles the buyer's accumulated escrow
// balance. The authorization's expiry and nonce are checked before any
// chain call; the nonce is consumed only after confirmed success, so a
// failed submission leaves it spendable and exactly one of two concurrent
// duplicates wins.
func (c *EscrowController) FlushWithAuthorization(
	ctx context.Context,
	auth FlushAuthorization,
	escrow string,
	chainID uint64,
	store VoucherStore,
) (Result, error) {
	if auth.Expiry <= time.Now().Unix() {
		return Result{Success: false, ErrorReason: "flush authorization expired"}, nil
	}
	if err := store.CheckFlushNonce(ctx, auth.Buyer, auth.Nonce); err != nil {
		if errors.Is(err, ErrFlushNonceUsed) {
			return Result{Success: false, ErrorReason: "flush nonce already used"}, nil
		}
		return Result{}, fmt.Errorf("flush nonce lookup failed: %w", err)
	}

	valid, err := VerifyFlushSignature(auth, escrow, chainID)
	if err != nil {
		return Result{Success: false, ErrorReason: fmt.Sprintf("invalid flush authorization: %v", err)}, nil
	}
	if !valid {
		return Result{Success: false, ErrorReason: "invalid flush authorization signature"}, nil
	}

	seller := auth.Seller
	if seller == "" {
		seller = zeroAddress
	}
	asset := auth.Asset
	if asset == "" {
		asset = zeroAddress
	}
	signatureBytes, err := evm.HexToBytes(auth.Signature)
	if err != nil {
		return Result{Success: false, ErrorReason: "invalid flush signature format"}, nil
	}

	txHash, err := c.signer.WriteContract(
		ctx,
		escrow,
		EscrowABI,
		FunctionFlush,
		common.HexToAddress(auth.Buyer),
		common.HexToAddress(seller),
		common.HexToAddress(asset),
		new(big.Int).SetUint64(auth.Nonce),
		uint64(auth.Expiry),
		signatureBytes,
	)
	if err != nil {
		return Result{Success: false, ErrorReason: fmt.Sprintf("flush submission failed: %v", err)}, nil
	}

	receipt, err := c.signer.WaitForTransactionReceipt(ctx, txHash)
	if err != nil {
		return Result{Success: false, ErrorReason: fmt.Sprintf("flush receipt: %v", err), Transaction: txHash}, nil
	}
	if receipt.Status != evm.TxStatusSuccess {
		return Result{Success: false, ErrorReason: "flush transaction failed", Transaction: txHash}, nil
	}

	won, err := store.ConsumeFlushNonce(ctx, auth.Buyer, auth.Nonce)
	if err != nil {
		return Result{}, fmt.Errorf("failed to consume flush nonce: %w", err)
	}
	if !won {
		return Result{Success: false, ErrorReason: "flush nonce already used", Transaction: txHash}, nil
	}

	flushed, err := store.MarkFlushed(ctx, auth.Buyer, auth.Seller, auth.Asset)
	if err != nil {
		return Result{}, fmt.Errorf("failed to mark series flushed: %w", err)
	}

	c.logger.Info("escrow flushed", "buyer", auth.Buyer, "series", flushed, "tx", txHash)
	return Result{Success: true, Transaction: txHash, SeriesFlushed: flushed}, nil
}
