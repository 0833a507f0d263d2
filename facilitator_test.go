package x402

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMechanism is a configurable SchemeNetworkFacilitator for dispatch tests
type fakeMechanism struct {
	scheme     string
	family     string
	schema     []byte
	verifyResp VerifyResponse
	verifyErr  error
	settleResp SettleResponse
	settleErr  error
	verified   int
	settled    int
}

func (m *fakeMechanism) Scheme() string     { return m.scheme }
func (m *fakeMechanism) CaipFamily() string { return m.family }
func (m *fakeMechanism) GetExtra(network Network) map[string]interface{} {
	return map[string]interface{}{"feePayer": "0xfee"}
}
func (m *fakeMechanism) Verify(ctx context.Context, p PaymentPayload, r PaymentRequirements) (VerifyResponse, error) {
	m.verified++
	return m.verifyResp, m.verifyErr
}
func (m *fakeMechanism) Settle(ctx context.Context, p PaymentPayload, r PaymentRequirements) (SettleResponse, error) {
	m.settled++
	return m.settleResp, m.settleErr
}
func (m *fakeMechanism) PayloadSchema() []byte {
	if m.schema == nil {
		return []byte(`{"type": "object"}`)
	}
	return m.schema
}

func testPayload(scheme string, network Network) PaymentPayload {
	return PaymentPayload{
		X402Version: 1,
		Scheme:      scheme,
		Network:     network,
		Payload:     map[string]interface{}{"signature": "0xsig"},
	}
}

func testRequirements(scheme string, network Network) PaymentRequirements {
	return PaymentRequirements{
		Scheme:            scheme,
		Network:           network,
		Asset:             "0xasset",
		MaxAmountRequired: "100",
		PayTo:             "0xseller",
	}
}

func TestFacilitatorRoutesToExactNetwork(t *testing.T) {
	mech := &fakeMechanism{scheme: "exact", family: "eip155:*", verifyResp: VerifyResponse{IsValid: true, Payer: "0xpayer"}}
	f := NewFacilitator().Register("eip155:8453", mech)

	resp, err := f.Verify(context.Background(), testPayload("exact", "eip155:8453"), testRequirements("exact", "eip155:8453"))
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
	assert.Equal(t, 1, mech.verified)
}

func TestFacilitatorRoutesThroughWildcard(t *testing.T) {
	mech := &fakeMechanism{scheme: "exact", family: "eip155:*", verifyResp: VerifyResponse{IsValid: true}}
	f := NewFacilitator().Register("eip155:*", mech)

	resp, err := f.Verify(context.Background(), testPayload("exact", "eip155:84532"), testRequirements("exact", "eip155:84532"))
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
}

func TestFacilitatorRoutesLegacyNetworkName(t *testing.T) {
	mech := &fakeMechanism{scheme: "exact", family: "eip155:*", verifyResp: VerifyResponse{IsValid: true}}
	f := NewFacilitator().Register("eip155:84532", mech)

	// Legacy v1 names normalize to CAIP-2 before routing.
	resp, err := f.Verify(context.Background(), testPayload("exact", "base-sepolia"), testRequirements("exact", "base-sepolia"))
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
	assert.Equal(t, 1, mech.verified)

	_, err = f.Settle(context.Background(), testPayload("exact", "base-sepolia"), testRequirements("exact", "base-sepolia"))
	require.NoError(t, err)
	assert.Equal(t, 1, mech.settled)
}

func TestFacilitatorUnknownSchemeIsInvalidScheme(t *testing.T) {
	f := NewFacilitator().Register("eip155:8453", &fakeMechanism{scheme: "exact", family: "eip155:*"})

	resp, err := f.Verify(context.Background(), testPayload("bogus", "eip155:8453"), testRequirements("bogus", "eip155:8453"))
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, ReasonInvalidScheme, resp.InvalidReason)
}

func TestFacilitatorKnownSchemeWrongNetworkIsInvalidNetwork(t *testing.T) {
	f := NewFacilitator().Register("eip155:8453", &fakeMechanism{scheme: "exact", family: "eip155:*"})

	resp, err := f.Verify(context.Background(), testPayload("exact", "solana:devnet"), testRequirements("exact", "solana:devnet"))
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, ReasonInvalidNetwork, resp.InvalidReason)
}

func TestFacilitatorSettleRoutingFailuresAreValues(t *testing.T) {
	f := NewFacilitator()

	resp, err := f.Settle(context.Background(), testPayload("exact", "eip155:8453"), testRequirements("exact", "eip155:8453"))
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, ReasonInvalidScheme, resp.ErrorReason)
	assert.Equal(t, Network("eip155:8453"), resp.Network)
}

func TestFacilitatorRejectsUnsupportedVersion(t *testing.T) {
	f := NewFacilitator().Register("eip155:8453", &fakeMechanism{scheme: "exact", family: "eip155:*"})

	payload := testPayload("exact", "eip155:8453")
	payload.X402Version = 2

	resp, err := f.Verify(context.Background(), payload, testRequirements("exact", "eip155:8453"))
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, ReasonMalformedPayload, resp.InvalidReason)
}

func TestFacilitatorSchemaValidationRejectsShape(t *testing.T) {
	mech := &fakeMechanism{
		scheme: "exact",
		family: "eip155:*",
		schema: []byte(`{"type": "object", "required": ["authorization"]}`),
	}
	f := NewFacilitator().Register("eip155:8453", mech)

	resp, err := f.Verify(context.Background(), testPayload("exact", "eip155:8453"), testRequirements("exact", "eip155:8453"))
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, ReasonMalformedPayload, resp.InvalidReason)
	assert.Equal(t, 0, mech.verified, "mechanism must not see malformed payloads")
}

func TestFacilitatorExtractsPayerOnFailure(t *testing.T) {
	f := NewFacilitator()

	payload := testPayload("bogus", "eip155:8453")
	payload.Payload = map[string]interface{}{
		"authorization": map[string]interface{}{"from": "0xpayer"},
	}

	resp, err := f.Verify(context.Background(), payload, testRequirements("bogus", "eip155:8453"))
	require.NoError(t, err)
	assert.Equal(t, "0xpayer", resp.Payer)

	payload.Payload = map[string]interface{}{
		"voucher": map[string]interface{}{"buyer": "0xbuyer"},
	}
	resp, err = f.Verify(context.Background(), payload, testRequirements("bogus", "eip155:8453"))
	require.NoError(t, err)
	assert.Equal(t, "0xbuyer", resp.Payer)
}

func TestFacilitatorBeforeHookAborts(t *testing.T) {
	mech := &fakeMechanism{scheme: "exact", family: "eip155:*", verifyResp: VerifyResponse{IsValid: true}}
	f := NewFacilitator().Register("eip155:8453", mech)
	f.OnBeforeVerify(func(c FacilitatorVerifyContext) (*FacilitatorBeforeHookResult, error) {
		return &FacilitatorBeforeHookResult{Abort: true, Reason: "blocked"}, nil
	})

	resp, err := f.Verify(context.Background(), testPayload("exact", "eip155:8453"), testRequirements("exact", "eip155:8453"))
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, "blocked", resp.InvalidReason)
	assert.Equal(t, 0, mech.verified)
}

func TestFacilitatorFailureHookRecovers(t *testing.T) {
	mech := &fakeMechanism{scheme: "exact", family: "eip155:*", settleErr: errors.New("rpc down")}
	f := NewFacilitator().Register("eip155:8453", mech)
	f.OnSettleFailure(func(c FacilitatorSettleFailureContext) (*FacilitatorSettleFailureHookResult, error) {
		return &FacilitatorSettleFailureHookResult{
			Recovered: true,
			Result:    SettleResponse{Success: false, ErrorReason: "retry_later"},
		}, nil
	})

	resp, err := f.Settle(context.Background(), testPayload("exact", "eip155:8453"), testRequirements("exact", "eip155:8453"))
	require.NoError(t, err)
	assert.Equal(t, "retry_later", resp.ErrorReason)
}

func TestFacilitatorGetSupported(t *testing.T) {
	f := NewFacilitator().
		Register("eip155:*", &fakeMechanism{scheme: "exact", family: "eip155:*"}).
		Register("eip155:*", &fakeMechanism{scheme: "deferred", family: "eip155:*"}).
		Register("solana:devnet", &fakeMechanism{scheme: "exact", family: "solana:*"})

	supported := f.GetSupported()
	assert.Len(t, supported.Kinds, 3)
	for _, kind := range supported.Kinds {
		assert.Equal(t, 1, kind.X402Version)
		assert.Equal(t, "0xfee", kind.Extra["feePayer"])
	}
}
