// Package svm implements the exact payment scheme on SVM (Solana) networks
// using SPL Token TransferChecked instructions. The facilitator acts as fee
// payer: the payer partially signs a transaction transferring tokens to the
// seller's associated token account, and the facilitator co-signs and
// submits it.
package svm

import (
	"fmt"
	"strconv"
	"strings"
)

// SchemeExact is the exact scheme identifier
const SchemeExact = "exact"

// CAIP-2 network identifiers (genesis hash prefix form)
const (
	SolanaMainnetCAIP2 = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	SolanaDevnetCAIP2  = "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"
	SolanaTestnetCAIP2 = "solana:4uhcVJyU9pJkvQyS88uRDiswHXSCkY3z"
)

// Legacy network names accepted for compatibility
const (
	SolanaMainnetLegacy = "solana"
	SolanaDevnetLegacy  = "solana-devnet"
	SolanaTestnetLegacy = "solana-testnet"
)

// DefaultComputeUnitPrice is the priority fee in micro-lamports per compute
// unit used when building payment transactions
const DefaultComputeUnitPrice uint64 = 1000

// AssetInfo describes a known SPL token mint
type AssetInfo struct {
	Address  string
	Symbol   string
	Decimals uint8
}

// NetworkConfig holds per-network defaults
type NetworkConfig struct {
	CAIP2        string
	RPCURL       string
	DefaultAsset AssetInfo
}

var legacyNetworks = map[string]string{
	SolanaMainnetLegacy: SolanaMainnetCAIP2,
	SolanaDevnetLegacy:  SolanaDevnetCAIP2,
	SolanaTestnetLegacy: SolanaTestnetCAIP2,
}

var networkConfigs = map[string]NetworkConfig{
	SolanaMainnetCAIP2: {
		CAIP2:  SolanaMainnetCAIP2,
		RPCURL: "https://api.mainnet-beta.solana.com",
		DefaultAsset: AssetInfo{
			Address:  "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
			Symbol:   "USDC",
			Decimals: 6,
		},
	},
	SolanaDevnetCAIP2: {
		CAIP2:  SolanaDevnetCAIP2,
		RPCURL: "https://api.devnet.solana.com",
		DefaultAsset: AssetInfo{
			Address:  "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
			Symbol:   "USDC",
			Decimals: 6,
		},
	},
	SolanaTestnetCAIP2: {
		CAIP2:  SolanaTestnetCAIP2,
		RPCURL: "https://api.testnet.solana.com",
		DefaultAsset: AssetInfo{
			Address:  "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
			Symbol:   "USDC",
			Decimals: 6,
		},
	},
}

// NormalizeNetwork maps legacy names to CAIP-2 and passes CAIP-2 through
func NormalizeNetwork(network string) string {
	if caip2, ok := legacyNetworks[network]; ok {
		return caip2
	}
	return network
}

// IsValidNetwork reports whether the network is a supported SVM network,
// in legacy or CAIP-2 form.
func IsValidNetwork(network string) bool {
	_, ok := networkConfigs[NormalizeNetwork(network)]
	return ok
}

// GetNetworkConfig returns the configuration for a supported network
func GetNetworkConfig(network string) (NetworkConfig, error) {
	config, ok := networkConfigs[NormalizeNetwork(network)]
	if !ok {
		return NetworkConfig{}, fmt.Errorf("unsupported SVM network: %s", network)
	}
	return config, nil
}

// ParseAmount converts a decimal string amount into the smallest unit for
// the given number of decimals. "0.10" with 6 decimals yields 100000.
func ParseAmount(amount string, decimals uint8) (uint64, error) {
	amount = strings.TrimSpace(amount)
	whole, frac, _ := strings.Cut(amount, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > int(decimals) {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", amount, decimals)
	}
	frac += strings.Repeat("0", int(decimals)-len(frac))

	wholeUnits, err := strconv.ParseUint(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount: %s", amount)
	}
	fracUnits := uint64(0)
	if frac != "" {
		fracUnits, err = strconv.ParseUint(frac, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid amount: %s", amount)
		}
	}

	scale := uint64(1)
	for i := uint8(0); i < decimals; i++ {
		scale *= 10
	}
	return wholeUnits*scale + fracUnits, nil
}
