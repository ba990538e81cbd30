// Package errors defines the domain error taxonomy for the trading core and
// its mapping to RFC 7807 problem responses.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the trading core. Services wrap these with context via
// fmt.Errorf("...: %w", err); callers classify with errors.Is.
var (
	// ErrInvalidInput marks malformed quantity, price, pair or asset input.
	// Rejected before any state change.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized marks a KYC/risk denial or a missing/invalid identity.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInsufficientFunds marks a ledger hold or debit that cannot be
	// satisfied from the available balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNotFound marks an unknown order, escrow, account or trade id.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition marks an escrow state-machine action arriving out
	// of order. Rejection is idempotent and has no side effects.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrSettlementFailure marks a match whose escrow could not be funded and
	// was rolled back. Surfaced to the caller as retryable, never dropped.
	ErrSettlementFailure = errors.New("settlement failure")

	// ErrConfiguration marks an inconsistent fee schedule or risk threshold
	// set. Fatal at startup, never raised per request.
	ErrConfiguration = errors.New("configuration error")
)

// Wrap annotates err with a formatted message while preserving errors.Is
// classification.
func Wrap(err error, format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool { return errors.As(err, target) }
