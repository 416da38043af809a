package domain

import "errors"

// Stable error taxonomy surfaced to callers. The HTTP layer maps each sentinel
// to a status code; everything else is a 500.
var (
	ErrValidation            = errors.New("validation error")
	ErrHoldNotFound          = errors.New("hold not found")
	ErrHoldExpired           = errors.New("hold expired")
	ErrHoldAlreadyCommitted  = errors.New("hold already committed")
	ErrHoldCanceled          = errors.New("hold canceled")
	ErrWalletNotFound        = errors.New("wallet not found")
	ErrTransactionNotFound   = errors.New("transaction not found")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrAntifraudRejected     = errors.New("antifraud rejected")
	ErrSubscriptionInactive  = errors.New("subscription inactive")
	ErrIdempotencyConflict   = errors.New("idempotency key reuse with mismatched payload")
	ErrRequestInProgress     = errors.New("request in progress")
	ErrOrderAlreadyCommitted = errors.New("order already committed")
	ErrRefundExceedsOriginal = errors.New("refund exceeds original amount")
	ErrLedgerImbalance       = errors.New("ledger imbalance")
	ErrLedgerHalted          = errors.New("ledger halted pending reconciliation")
	ErrEventNotFound         = errors.New("event not found")
)

// TerminalHoldError maps a terminal hold status to its definitive error, so a
// caller losing a commit/cancel race gets a precise reason instead of a silent
// double-effect.
func TerminalHoldError(s HoldStatus) error {
	switch s {
	case HoldCommitted:
		return ErrHoldAlreadyCommitted
	case HoldCanceled:
		return ErrHoldCanceled
	case HoldExpired:
		return ErrHoldExpired
	default:
		return nil
	}
}
