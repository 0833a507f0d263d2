package x402

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// Facilitator routes verify/settle calls to the registered
// (scheme, network) mechanism. Unsupported combinations are reported as
// typed failures (ReasonInvalidScheme / ReasonInvalidNetwork) in the
// response value; the dispatcher never lets an internal fault escape as a
// panic to its caller.
type Facilitator struct {
	mu sync.RWMutex

	schemes map[Network]map[string]SchemeNetworkFacilitator

	beforeVerifyHooks    []FacilitatorBeforeVerifyHook
	afterVerifyHooks     []FacilitatorAfterVerifyHook
	onVerifyFailureHooks []FacilitatorOnVerifyFailureHook
	beforeSettleHooks    []FacilitatorBeforeSettleHook
	afterSettleHooks     []FacilitatorAfterSettleHook
	onSettleFailureHooks []FacilitatorOnSettleFailureHook
}

// NewFacilitator creates an empty facilitator; mechanisms are added with Register.
func NewFacilitator() *Facilitator {
	return &Facilitator{
		schemes: make(map[Network]map[string]SchemeNetworkFacilitator),
	}
}

// Register adds a facilitator mechanism for a network (exact or wildcard pattern)
func (f *Facilitator) Register(network Network, facilitator SchemeNetworkFacilitator) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.schemes[network] == nil {
		f.schemes[network] = make(map[string]SchemeNetworkFacilitator)
	}
	f.schemes[network][facilitator.Scheme()] = facilitator
	return f
}

func (f *Facilitator) OnBeforeVerify(hook FacilitatorBeforeVerifyHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeVerifyHooks = append(f.beforeVerifyHooks, hook)
	return f
}

func (f *Facilitator) OnAfterVerify(hook FacilitatorAfterVerifyHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterVerifyHooks = append(f.afterVerifyHooks, hook)
	return f
}

func (f *Facilitator) OnVerifyFailure(hook FacilitatorOnVerifyFailureHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onVerifyFailureHooks = append(f.onVerifyFailureHooks, hook)
	return f
}

func (f *Facilitator) OnBeforeSettle(hook FacilitatorBeforeSettleHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeSettleHooks = append(f.beforeSettleHooks, hook)
	return f
}

func (f *Facilitator) OnAfterSettle(hook FacilitatorAfterSettleHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterSettleHooks = append(f.afterSettleHooks, hook)
	return f
}

func (f *Facilitator) OnSettleFailure(hook FacilitatorOnSettleFailureHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSettleFailureHooks = append(f.onSettleFailureHooks, hook)
	return f
}

// route resolves the mechanism for a (scheme, network) pair. The failure
// reason distinguishes an unknown scheme from a scheme that is known but
// not serviced on the requested network.
func (f *Facilitator) route(scheme string, network Network) (SchemeNetworkFacilitator, string) {
	// Legacy v1 names route to the mechanism registered under the CAIP-2
	// form; an unparseable network falls through to the normal miss path.
	if normalized, err := NormalizeNetwork(network); err == nil {
		network = normalized
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if impl, ok := findByNetworkAndScheme(f.schemes, scheme, network); ok {
		return impl, ""
	}
	if schemeRegistered(f.schemes, scheme) {
		return nil, ReasonInvalidNetwork
	}
	return nil, ReasonInvalidScheme
}

// validateShape checks the raw payload against the mechanism's JSON schema,
// when it exposes one. A shape mismatch is a local validation failure and is
// never forwarded to the mechanism.
func validateShape(mechanism SchemeNetworkFacilitator, payload PaymentPayload) error {
	provider, ok := mechanism.(PayloadSchemaProvider)
	if !ok {
		return nil
	}

	payloadJSON, err := json.Marshal(payload.Payload)
	if err != nil {
		return err
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(provider.PayloadSchema()),
		gojsonschema.NewBytesLoader(payloadJSON),
	)
	if err != nil {
		return err
	}
	if !result.Valid() {
		return fmt.Errorf("payload shape: %v", result.Errors())
	}
	return nil
}

// extractPayer recovers the payer address from an unverified payload so
// failed attempts can still be attributed in responses.
func extractPayer(mechanism SchemeNetworkFacilitator, payload PaymentPayload) string {
	if mechanism != nil {
		if extractor, ok := mechanism.(PayerExtractor); ok {
			return extractor.ExtractPayer(payload)
		}
	}
	// Common shapes across mechanisms.
	if auth, ok := payload.Payload["authorization"].(map[string]interface{}); ok {
		if from, ok := auth["from"].(string); ok {
			return from
		}
	}
	if voucher, ok := payload.Payload["voucher"].(map[string]interface{}); ok {
		if buyer, ok := voucher["buyer"].(string); ok {
			return buyer
		}
	}
	return ""
}

// Verify verifies a payment against its requirements
func (f *Facilitator) Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (VerifyResponse, error) {
	if err := ValidatePaymentPayload(payload); err != nil {
		return VerifyResponse{IsValid: false, InvalidReason: ReasonMalformedPayload}, nil
	}
	if err := ValidatePaymentRequirements(requirements); err != nil {
		return VerifyResponse{IsValid: false, InvalidReason: ReasonMalformedPayload}, nil
	}

	mechanism, reason := f.route(requirements.Scheme, requirements.Network)
	if mechanism == nil {
		return VerifyResponse{
			IsValid:       false,
			InvalidReason: reason,
			Payer:         extractPayer(nil, payload),
		}, nil
	}

	if err := validateShape(mechanism, payload); err != nil {
		return VerifyResponse{
			IsValid:       false,
			InvalidReason: ReasonMalformedPayload,
			Payer:         extractPayer(mechanism, payload),
		}, nil
	}

	hookCtx := FacilitatorVerifyContext{
		Ctx:                 ctx,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
		Timestamp:           time.Now(),
	}
	for _, hook := range f.beforeVerifyHooks {
		result, err := hook(hookCtx)
		if err != nil {
			return VerifyResponse{IsValid: false, InvalidReason: err.Error()}, err
		}
		if result != nil && result.Abort {
			return VerifyResponse{IsValid: false, InvalidReason: result.Reason}, nil
		}
	}

	start := time.Now()
	verifyResult, verifyErr := mechanism.Verify(ctx, payload, requirements)

	if verifyErr != nil {
		failureCtx := FacilitatorVerifyFailureContext{
			FacilitatorVerifyContext: hookCtx,
			Error:                    verifyErr,
			Duration:                 time.Since(start),
		}
		for _, hook := range f.onVerifyFailureHooks {
			result, _ := hook(failureCtx)
			if result != nil && result.Recovered {
				return result.Result, nil
			}
		}
		if verifyResult.Payer == "" {
			verifyResult.Payer = extractPayer(mechanism, payload)
		}
		return verifyResult, verifyErr
	}

	resultCtx := FacilitatorVerifyResultContext{
		FacilitatorVerifyContext: hookCtx,
		Result:                   verifyResult,
		Duration:                 time.Since(start),
	}
	for _, hook := range f.afterVerifyHooks {
		_ = hook(resultCtx)
	}

	if !verifyResult.IsValid && verifyResult.Payer == "" {
		verifyResult.Payer = extractPayer(mechanism, payload)
	}
	return verifyResult, nil
}

// Settle settles a payment against its requirements
func (f *Facilitator) Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (SettleResponse, error) {
	if err := ValidatePaymentPayload(payload); err != nil {
		return SettleResponse{Success: false, ErrorReason: ReasonMalformedPayload}, nil
	}
	if err := ValidatePaymentRequirements(requirements); err != nil {
		return SettleResponse{Success: false, ErrorReason: ReasonMalformedPayload}, nil
	}

	mechanism, reason := f.route(requirements.Scheme, requirements.Network)
	if mechanism == nil {
		return SettleResponse{
			Success:     false,
			ErrorReason: reason,
			Payer:       extractPayer(nil, payload),
			Network:     requirements.Network,
		}, nil
	}

	if err := validateShape(mechanism, payload); err != nil {
		return SettleResponse{
			Success:     false,
			ErrorReason: ReasonMalformedPayload,
			Payer:       extractPayer(mechanism, payload),
			Network:     requirements.Network,
		}, nil
	}

	hookCtx := FacilitatorSettleContext{
		Ctx:                 ctx,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
		Timestamp:           time.Now(),
	}
	for _, hook := range f.beforeSettleHooks {
		result, err := hook(hookCtx)
		if err != nil {
			return SettleResponse{Success: false, ErrorReason: err.Error()}, err
		}
		if result != nil && result.Abort {
			return SettleResponse{Success: false, ErrorReason: result.Reason}, nil
		}
	}

	start := time.Now()
	settleResult, settleErr := mechanism.Settle(ctx, payload, requirements)

	if settleErr != nil {
		failureCtx := FacilitatorSettleFailureContext{
			FacilitatorSettleContext: hookCtx,
			Error:                    settleErr,
			Duration:                 time.Since(start),
		}
		for _, hook := range f.onSettleFailureHooks {
			result, _ := hook(failureCtx)
			if result != nil && result.Recovered {
				return result.Result, nil
			}
		}
		if settleResult.Payer == "" {
			settleResult.Payer = extractPayer(mechanism, payload)
		}
		return settleResult, settleErr
	}

	resultCtx := FacilitatorSettleResultContext{
		FacilitatorSettleContext: hookCtx,
		Result:                   settleResult,
		Duration:                 time.Since(start),
	}
	for _, hook := range f.afterSettleHooks {
		_ = hook(resultCtx)
	}

	if !settleResult.Success && settleResult.Payer == "" {
		settleResult.Payer = extractPayer(mechanism, payload)
	}
	return settleResult, nil
}

// GetSupported returns supported payment kinds
func (f *Facilitator) GetSupported() SupportedResponse {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var kinds []SupportedKind
	for network, schemeMap := range f.schemes {
		for scheme, mechanism := range schemeMap {
			kinds = append(kinds, SupportedKind{
				X402Version: 1,
				Scheme:      scheme,
				Network:     network,
				Extra:       mechanism.GetExtra(network),
			})
		}
	}

	return SupportedResponse{Kinds: kinds}
}
