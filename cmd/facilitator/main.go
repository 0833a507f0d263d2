// Command facilitator runs the x402 facilitator service: verification and
// settlement for the exact (EVM and SVM) and deferred (EVM) payment schemes.
//
// Configuration is environment driven, with a .env file loaded when present:
//
//	LISTEN_ADDR          address to listen on (default :8402)
//	EVM_RPC_URL          EVM JSON-RPC endpoint; enables the EVM schemes
//	EVM_PRIVATE_KEY      hex private key for EVM settlement submission
//	EVM_NETWORK          CAIP-2 network served, e.g. eip155:84532
//	SVM_RPC_URL          Solana RPC endpoint; enables the exact SVM scheme
//	SVM_PRIVATE_KEY      base58 private key for the SVM fee payer
//	SVM_NETWORK          CAIP-2 network served, e.g. solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1
//	ESCROW_ADDRESS       deferred escrow contract; enables the deferred scheme
//	DATABASE_URL         postgres DSN for the voucher store (in-memory when unset)
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	x402 "github.com/x402-foundation/x402-facilitator"
	x402http "github.com/x402-foundation/x402-facilitator/http"
	"github.com/x402-foundation/x402-facilitator/mechanisms/evm"
	"github.com/x402-foundation/x402-facilitator/mechanisms/evm/deferred"
	"github.com/x402-foundation/x402-facilitator/mechanisms/svm"
	signerevm "github.com/x402-foundation/x402-facilitator/signers/evm"
	signersvm "github.com/x402-foundation/x402-facilitator/signers/svm"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("facilitator exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	facilitator := x402.NewFacilitator()

	config := x402http.ServerConfig{
		Facilitator: facilitator,
		Logger:      logger,
	}

	if rpcURL := os.Getenv("EVM_RPC_URL"); rpcURL != "" {
		evmSigner, err := signerevm.NewFacilitatorSigner(ctx, rpcURL, os.Getenv("EVM_PRIVATE_KEY"))
		if err != nil {
			return err
		}
		defer evmSigner.Close()

		network := x402.Network(getenvDefault("EVM_NETWORK", "eip155:84532"))
		facilitator.Register(network, evm.NewExactEvmFacilitator(evmSigner))
		logger.Info("registered exact evm", "network", network, "signer", evmSigner.Address())

		if escrowAddr := os.Getenv("ESCROW_ADDRESS"); escrowAddr != "" {
			store, err := newVoucherStore(ctx)
			if err != nil {
				return err
			}
			manager := deferred.NewManager(store)
			escrow := deferred.NewEscrowController(evmSigner, logger)
			facilitator.Register(network, deferred.NewDeferredEvmFacilitator(manager, escrow))

			chainID, err := x402.ChainID(network)
			if err != nil {
				return err
			}
			config.Manager = manager
			config.Escrow = escrow
			config.EscrowAddress = escrowAddr
			config.ChainID = chainID
			logger.Info("registered deferred evm", "network", network, "escrow", escrowAddr)
		}
	}

	if rpcURL := os.Getenv("SVM_RPC_URL"); rpcURL != "" {
		svmSigner, err := signersvm.NewFacilitatorSigner(rpcURL, os.Getenv("SVM_PRIVATE_KEY"))
		if err != nil {
			return err
		}

		network := x402.Network(getenvDefault("SVM_NETWORK", svm.SolanaDevnetCAIP2))
		facilitator.Register(network, svm.NewExactSvmFacilitator(svmSigner))
		logger.Info("registered exact svm", "network", network, "feePayer", svmSigner.Address())
	}

	facilitator.OnAfterSettle(func(c x402.FacilitatorSettleResultContext) error {
		logger.Info("settlement",
			"scheme", c.PaymentPayload.Scheme,
			"network", c.PaymentPayload.Network,
			"success", c.Result.Success,
			"tx", c.Result.Transaction,
			"duration", c.Duration,
		)
		return nil
	})

	server := x402http.NewServer(config)
	return server.Run(ctx, getenvDefault("LISTEN_ADDR", ":8402"))
}

func newVoucherStore(ctx context.Context) (deferred.VoucherStore, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return deferred.NewMemoryStore(), nil
	}
	return deferred.NewPostgresStore(ctx, dsn)
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
