package evm

import (
	"fmt"
	"math/big"
	"strings"
)

const (
	// Scheme identifiers
	SchemeExact    = "exact"
	SchemeDeferred = "deferred"

	// Default token decimals for USDC
	DefaultDecimals = 6

	// EIP-3009 function names
	FunctionTransferWithAuthorization = "transferWithAuthorization"
	FunctionAuthorizationState        = "authorizationState"

	// Transaction status
	TxStatusSuccess = 1
	TxStatusFailed  = 0
)

// TransferWithAuthorizationABI covers the EIP-3009 surface the exact scheme needs
var TransferWithAuthorizationABI = []byte(`[
  {
    "name": "transferWithAuthorization",
    "type": "function",
    "inputs": [
      {"name": "from", "type": "address"},
      {"name": "to", "type": "address"},
      {"name": "value", "type": "uint256"},
      {"name": "validAfter", "type": "uint256"},
      {"name": "validBefore", "type": "uint256"},
      {"name": "nonce", "type": "bytes32"},
      {"name": "v", "type": "uint8"},
      {"name": "r", "type": "bytes32"},
      {"name": "s", "type": "bytes32"}
    ],
    "outputs": []
  },
  {
    "name": "authorizationState",
    "type": "function",
    "stateMutability": "view",
    "inputs": [
      {"name": "authorizer", "type": "address"},
      {"name": "nonce", "type": "bytes32"}
    ],
    "outputs": [{"name": "", "type": "bool"}]
  }
]`)

// AssetInfo describes the default asset on a network
type AssetInfo struct {
	Address  string
	Name     string
	Version  string
	Decimals int
}

// NetworkConfig holds per-network chain parameters
type NetworkConfig struct {
	ChainID      *big.Int
	DefaultAsset AssetInfo
}

// NetworkConfigs covers the EVM networks the facilitator services, keyed by
// CAIP-2 identifier with legacy v1 names as aliases.
var NetworkConfigs = map[string]NetworkConfig{
	"eip155:8453": {
		ChainID: big.NewInt(8453),
		DefaultAsset: AssetInfo{
			Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", // USDC on Base
			Name:     "USD Coin",
			Version:  "2",
			Decimals: DefaultDecimals,
		},
	},
	"base": {
		ChainID: big.NewInt(8453),
		DefaultAsset: AssetInfo{
			Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			Name:     "USD Coin",
			Version:  "2",
			Decimals: DefaultDecimals,
		},
	},
	"eip155:84532": {
		ChainID: big.NewInt(84532),
		DefaultAsset: AssetInfo{
			Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e", // USDC on Base Sepolia
			Name:     "USDC",
			Version:  "2",
			Decimals: DefaultDecimals,
		},
	},
	"base-sepolia": {
		ChainID: big.NewInt(84532),
		DefaultAsset: AssetInfo{
			Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			Name:     "USDC",
			Version:  "2",
			Decimals: DefaultDecimals,
		},
	},
	"eip155:43113": {
		ChainID: big.NewInt(43113),
		DefaultAsset: AssetInfo{
			Address:  "0x5425890298aed601595a70AB815c96711a31Bc65", // USDC on Avalanche Fuji
			Name:     "USD Coin",
			Version:  "2",
			Decimals: DefaultDecimals,
		},
	},
	"eip155:43114": {
		ChainID: big.NewInt(43114),
		DefaultAsset: AssetInfo{
			Address:  "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E", // USDC on Avalanche
			Name:     "USD Coin",
			Version:  "2",
			Decimals: DefaultDecimals,
		},
	},
}

// GetNetworkConfig returns the configuration for a network identifier
func GetNetworkConfig(network string) (NetworkConfig, error) {
	config, ok := NetworkConfigs[network]
	if !ok {
		return NetworkConfig{}, fmt.Errorf("unsupported EVM network: %s", network)
	}
	return config, nil
}

// GetAssetInfo returns asset metadata for a network, falling back to the
// network default when the asset is the default asset (case-insensitive).
func GetAssetInfo(network, asset string) (AssetInfo, error) {
	config, err := GetNetworkConfig(network)
	if err != nil {
		return AssetInfo{}, err
	}
	if asset == "" || strings.EqualFold(asset, config.DefaultAsset.Address) {
		return config.DefaultAsset, nil
	}
	// Unknown ERC-20: assume EIP-3009 metadata is supplied via requirements extra
	return AssetInfo{Address: asset, Name: "", Version: "2", Decimals: DefaultDecimals}, nil
}

// IsValidNetwork reports whether the identifier names a configured EVM network
func IsValidNetwork(network string) bool {
	_, ok := NetworkConfigs[network]
	return ok
}
