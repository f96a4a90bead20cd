package ledger

import "errors"

var (
	// ErrInsufficientCredits is returned by Debit when the balance is below the amount. Nothing is written.
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidAmount       = errors.New("ledger: amount must be positive")
	ErrInvalidReason       = errors.New("ledger: reason not allowed for this operation")
	ErrUserNotFound        = errors.New("ledger: user not found")
	// ErrDuplicateEntry is returned when a unique ledger constraint (external ref, one refund per track) rejects an insert.
	ErrDuplicateEntry = errors.New("ledger: duplicate entry")
)
