package domain

import (
	"context"
	"errors"
)

// Error taxonomy (sentinels). Every failure surfaced by the engine wraps
// exactly one of these so callers can branch with errors.Is.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrTerminal          = errors.New("job already terminal")
	ErrLeaseLost         = errors.New("lease lost")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrPaymentRequired   = errors.New("payment required")
	ErrProviderTransient = errors.New("provider transient failure")
	ErrProviderPermanent = errors.New("provider permanent failure")
	ErrStageTimeout      = errors.New("stage timeout")
	ErrPlanUnrealizable  = errors.New("plan unrealizable")
	ErrStitcherFailed    = errors.New("stitcher failed")
	ErrInternal          = errors.New("internal error")
)

// Error kind tags persisted on terminal job records and surfaced to users.
const (
	KindInvalidInput      = "INVALID_INPUT"
	KindQuotaExceeded     = "QUOTA_EXCEEDED"
	KindPaymentRequired   = "PAYMENT_REQUIRED"
	KindProviderTransient = "PROVIDER_TRANSIENT"
	KindProviderPermanent = "PROVIDER_PERMANENT"
	KindStageTimeout      = "STAGE_TIMEOUT"
	KindPlanUnrealizable  = "PLAN_UNREALIZABLE"
	KindStitcherFailed    = "STITCHER_FAILED"
	KindCancelled         = "CANCELLED"
	KindInternal          = "INTERNAL"
)

// KindOf maps an error to its kind tag.
func KindOf(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrQuotaExceeded):
		return KindQuotaExceeded
	case errors.Is(err, ErrPaymentRequired):
		return KindPaymentRequired
	case errors.Is(err, ErrProviderTransient):
		return KindProviderTransient
	case errors.Is(err, ErrProviderPermanent):
		return KindProviderPermanent
	case errors.Is(err, ErrStageTimeout):
		return KindStageTimeout
	case errors.Is(err, ErrPlanUnrealizable):
		return KindPlanUnrealizable
	case errors.Is(err, ErrStitcherFailed):
		return KindStitcherFailed
	case errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindInternal
	}
}

// Retriable reports whether a failure of this kind is safe to resubmit
// with identical input.
func Retriable(kind string) bool {
	switch kind {
	case KindProviderTransient, KindStageTimeout, KindStitcherFailed, KindInternal:
		return true
	}
	return false
}
