package models

import "errors"

var (
	// Petition rejections. These are final and never retried.
	ErrCapacityExceeded    = errors.New("capacity exceeded")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnknownAccount      = errors.New("unknown account")
	ErrAccountBlocked      = errors.New("account blocked")

	ErrUnknownGrant = errors.New("unknown grant id")

	// ErrStoreTransaction marks a rolled back store transaction. The event
	// that caused it is dropped.
	ErrStoreTransaction = errors.New("store transaction failed")

	// ErrLedgerTransaction marks a ledger call that failed after bounded retry.
	ErrLedgerTransaction = errors.New("ledger transaction failed")

	ErrConnectionLost = errors.New("connection lost")
)

// IsRejection reports whether err is a petition rejection rather than a fault
func IsRejection(err error) bool {
	return errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrUnknownAccount) ||
		errors.Is(err, ErrAccountBlocked)
}
