// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package loan

import "lendex.org/lendex/dex"

// The error kinds returned by the lending components. Errors are wrapped with
// dex.NewError or dex.Errorf to attach the record id and the offending state,
// and callers test the kind with errors.Is.
const (
	// ErrValidation is a malformed or inconsistent request.
	ErrValidation = dex.ErrorKind("validation error")
	// ErrInsufficientFunds is a reservation or debit that exceeds the
	// available balance.
	ErrInsufficientFunds = dex.ErrorKind("insufficient funds")
	// ErrBelowMinimum is an offer amount below the configured minimum.
	ErrBelowMinimum = dex.ErrorKind("below minimum")
	// ErrUnauthorized is an actor that may not perform the operation.
	ErrUnauthorized = dex.ErrorKind("unauthorized")
	// ErrStateConflict is an operation that is not legal in the record's
	// current state, or that lost a concurrent update race.
	ErrStateConflict = dex.ErrorKind("state conflict")
	// ErrNotEligibleYet is a withdrawal attempted before the hold period
	// elapsed.
	ErrNotEligibleYet = dex.ErrorKind("not eligible yet")
	// ErrNotFound is an unknown record.
	ErrNotFound = dex.ErrorKind("not found")
	// ErrDoubleAllocation is an offer that is already bound to another match.
	ErrDoubleAllocation = dex.ErrorKind("double allocation")
	// ErrServiceUnavailable is a store that could not be reached within the
	// retry budget.
	ErrServiceUnavailable = dex.ErrorKind("service unavailable")
)
