package x402

import (
	"fmt"
	"strconv"
)

// The network registry maps between network identifiers and numeric chain
// ids. It is total over the configured set below: anything else is a
// reportable ErrUnsupportedNetwork, never a silent default, because chain id
// resolution feeds EIP-712 signature verification.

// legacyNetworkIDs maps v1-style network names to EVM chain ids
var legacyNetworkIDs = map[Network]uint64{
	"base":           8453,
	"base-sepolia":   84532,
	"avalanche":      43114,
	"avalanche-fuji": 43113,
	"polygon":        137,
	"polygon-amoy":   80002,
	"sei":            1329,
	"sei-testnet":    1328,
	"iotex":          4689,
}

// evmChainNetworks is the reverse mapping for the chain ids the facilitator
// services. CAIP-2 form is canonical on the way out.
var evmChainNetworks = map[uint64]Network{
	8453:  "eip155:8453",
	84532: "eip155:84532",
	43114: "eip155:43114",
	43113: "eip155:43113",
	137:   "eip155:137",
	80002: "eip155:80002",
	1329:  "eip155:1329",
	1328:  "eip155:1328",
	4689:  "eip155:4689",
}

// ChainID resolves a network identifier (CAIP-2 or legacy name) to its
// numeric EVM chain id.
func ChainID(network Network) (uint64, error) {
	if id, ok := legacyNetworkIDs[network]; ok {
		return id, nil
	}

	namespace, reference, err := network.Parse()
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
	}
	if namespace != "eip155" {
		return 0, fmt.Errorf("%w: %s has no numeric chain id", ErrUnsupportedNetwork, network)
	}

	id, err := strconv.ParseUint(reference, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid chain reference %q", ErrUnsupportedNetwork, reference)
	}
	if _, ok := evmChainNetworks[id]; !ok {
		return 0, fmt.Errorf("%w: chain id %d", ErrUnsupportedNetwork, id)
	}
	return id, nil
}

// NetworkForChainID resolves a numeric chain id back to its canonical
// CAIP-2 network identifier.
func NetworkForChainID(chainID uint64) (Network, error) {
	network, ok := evmChainNetworks[chainID]
	if !ok {
		return "", fmt.Errorf("%w: chain id %d", ErrUnsupportedNetwork, chainID)
	}
	return network, nil
}

// NormalizeNetwork maps legacy v1 names onto their CAIP-2 form; CAIP-2
// inputs pass through untouched.
func NormalizeNetwork(network Network) (Network, error) {
	if id, ok := legacyNetworkIDs[network]; ok {
		return evmChainNetworks[id], nil
	}
	if _, _, err := network.Parse(); err != nil {
		return "", err
	}
	return network, nil
}
