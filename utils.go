package x402

import "fmt"

// ValidatePaymentPayload performs basic validation on a payment payload
func ValidatePaymentPayload(p PaymentPayload) error {
	if p.X402Version != 1 {
		return fmt.Errorf("unsupported x402 version: %d", p.X402Version)
	}
	if p.Scheme == "" {
		return fmt.Errorf("payment scheme is required")
	}
	if p.Network == "" {
		return fmt.Errorf("payment network is required")
	}
	if p.Payload == nil {
		return fmt.Errorf("payment payload is required")
	}
	return nil
}

// ValidatePaymentRequirements performs basic validation on payment requirements
func ValidatePaymentRequirements(r PaymentRequirements) error {
	if r.Scheme == "" {
		return fmt.Errorf("payment scheme is required")
	}
	if r.Network == "" {
		return fmt.Errorf("payment network is required")
	}
	if r.Asset == "" {
		return fmt.Errorf("payment asset is required")
	}
	if r.MaxAmountRequired == "" {
		return fmt.Errorf("payment amount is required")
	}
	if r.PayTo == "" {
		return fmt.Errorf("payment recipient is required")
	}
	return nil
}

// findByNetworkAndScheme finds a scheme implementation for a given
// network/scheme combination, supporting wildcard patterns ("eip155:*").
func findByNetworkAndScheme[T any](networkMap map[Network]map[string]T, scheme string, network Network) (T, bool) {
	var zero T

	if schemeMap, exists := networkMap[network]; exists {
		if impl, exists := schemeMap[scheme]; exists {
			return impl, true
		}
	}

	for registeredNetwork, schemeMap := range networkMap {
		if network.Match(registeredNetwork) || registeredNetwork.Match(network) {
			if impl, exists := schemeMap[scheme]; exists {
				return impl, true
			}
		}
	}

	return zero, false
}

// schemeRegistered reports whether any network has a facilitator for the scheme
func schemeRegistered[T any](networkMap map[Network]map[string]T, scheme string) bool {
	for _, schemeMap := range networkMap {
		if _, ok := schemeMap[scheme]; ok {
			return true
		}
	}
	return false
}
