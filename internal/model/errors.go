package model

import "errors"

// Sentinel errors for the settlement engine. The strings double as the
// reason codes surfaced to operators, so keep them stable.
var (
	ErrInsufficientFunds                  = errors.New("insufficient_funds")
	ErrInsufficientFundsForFullSettlement = errors.New("insufficient_funds_for_full_settlement")
	ErrOrderNotFound                      = errors.New("order_not_found")
	ErrOrderNotSettleable                 = errors.New("order_not_settleable")
	ErrOrderNotCancellable                = errors.New("order_not_cancellable")
	ErrClaimConflict                      = errors.New("claim_conflict")
	ErrCurrencyMismatch                   = errors.New("currency_mismatch")

	// Market protection denials.
	ErrEmergencyHalt             = errors.New("emergency_halt")
	ErrDailyVolumeExceeded       = errors.New("daily_volume_exceeded")
	ErrWeeklyVolumeExceeded      = errors.New("weekly_volume_exceeded")
	ErrAutoProcessingCapExceeded = errors.New("auto_processing_cap_exceeded")
	ErrPriceProtectionTriggered  = errors.New("price_protection_triggered")

	ErrFundBelowAutoThreshold = errors.New("fund_below_auto_threshold")
	ErrAutoRunInProgress      = errors.New("auto_run_in_progress")
	ErrBatchNotFound          = errors.New("batch_not_found")
	ErrDuplicateBatch         = errors.New("duplicate_batch")
	ErrBatchInProgress        = errors.New("batch_in_progress")
	ErrDuplicateOrder         = errors.New("duplicate_order")
	ErrNoCandidates           = errors.New("no_candidates")
)

// ValidationError represents a request validation failure.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Reason returns the reason code for an expected settlement condition.
// Errors outside the taxonomy are reported by their message.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, sentinel := range []error{
		ErrInsufficientFundsForFullSettlement,
		ErrInsufficientFunds,
		ErrOrderNotFound,
		ErrOrderNotSettleable,
		ErrOrderNotCancellable,
		ErrClaimConflict,
		ErrCurrencyMismatch,
		ErrEmergencyHalt,
		ErrDailyVolumeExceeded,
		ErrWeeklyVolumeExceeded,
		ErrAutoProcessingCapExceeded,
		ErrPriceProtectionTriggered,
		ErrFundBelowAutoThreshold,
		ErrAutoRunInProgress,
		ErrBatchInProgress,
		ErrDuplicateOrder,
		ErrNoCandidates,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}
