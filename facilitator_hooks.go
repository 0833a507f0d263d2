package x402

import (
	"context"
	"time"
)

// FacilitatorVerifyContext contains information passed to facilitator verify hooks
type FacilitatorVerifyContext struct {
	Ctx                 context.Context
	PaymentPayload      PaymentPayload
	PaymentRequirements PaymentRequirements
	Timestamp           time.Time
}

// FacilitatorVerifyResultContext contains facilitator verify operation result and context
type FacilitatorVerifyResultContext struct {
	FacilitatorVerifyContext
	Result   VerifyResponse
	Duration time.Duration
}

// FacilitatorVerifyFailureContext contains facilitator verify operation failure and context
type FacilitatorVerifyFailureContext struct {
	FacilitatorVerifyContext
	Error    error
	Duration time.Duration
}

// FacilitatorSettleContext contains information passed to facilitator settle hooks
type FacilitatorSettleContext struct {
	Ctx                 context.Context
	PaymentPayload      PaymentPayload
	PaymentRequirements PaymentRequirements
	Timestamp           time.Time
}

// FacilitatorSettleResultContext contains facilitator settle operation result and context
type FacilitatorSettleResultContext struct {
	FacilitatorSettleContext
	Result   SettleResponse
	Duration time.Duration
}

// FacilitatorSettleFailureContext contains facilitator settle operation failure and context
type FacilitatorSettleFailureContext struct {
	FacilitatorSettleContext
	Error    error
	Duration time.Duration
}

// FacilitatorBeforeHookResult represents the result of a facilitator "before" hook.
// If Abort is true, the operation will be aborted with the given Reason.
type FacilitatorBeforeHookResult struct {
	Abort  bool
	Reason string
}

// FacilitatorVerifyFailureHookResult represents the result of a verify failure hook.
// If Recovered is true, the hook has recovered from the failure with the given result.
type FacilitatorVerifyFailureHookResult struct {
	Recovered bool
	Result    VerifyResponse
}

// FacilitatorSettleFailureHookResult represents the result of a settle failure hook
type FacilitatorSettleFailureHookResult struct {
	Recovered bool
	Result    SettleResponse
}

// FacilitatorBeforeVerifyHook is called before facilitator payment verification
type FacilitatorBeforeVerifyHook func(FacilitatorVerifyContext) (*FacilitatorBeforeHookResult, error)

// FacilitatorAfterVerifyHook is called after facilitator payment verification.
// Any error returned is ignored and does not affect the verification result.
type FacilitatorAfterVerifyHook func(FacilitatorVerifyResultContext) error

// FacilitatorOnVerifyFailureHook is called when facilitator payment verification fails
type FacilitatorOnVerifyFailureHook func(FacilitatorVerifyFailureContext) (*FacilitatorVerifyFailureHookResult, error)

// FacilitatorBeforeSettleHook is called before facilitator payment settlement
type FacilitatorBeforeSettleHook func(FacilitatorSettleContext) (*FacilitatorBeforeHookResult, error)

// FacilitatorAfterSettleHook is called after facilitator payment settlement
type FacilitatorAfterSettleHook func(FacilitatorSettleResultContext) error

// FacilitatorOnSettleFailureHook is called when facilitator payment settlement fails
type FacilitatorOnSettleFailureHook func(FacilitatorSettleFailureContext) (*FacilitatorSettleFailureHookResult, error)
