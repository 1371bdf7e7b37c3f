// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package db

import (
	"context"
	"errors"

	"lendex.org/lendex/dex"
	"lendex.org/lendex/server/loan"
)

// ArchiveError is the error type used by archivist for certain recognized
// errors. Not all returned errors will be of this type.
type ArchiveError struct {
	Code   uint16
	Detail string
}

// The possible Code values in an ArchiveError.
const (
	ErrGeneralFailure uint16 = iota
	ErrUnknownAccount
	ErrUnknownOffer
	ErrUnknownMatch
	ErrUnknownEntry
	// ErrVersionConflict is a conditional write whose expected version did
	// not match the stored version.
	ErrVersionConflict
	// ErrDuplicate is an insert of a record that already exists.
	ErrDuplicate
	// ErrUnavailable is a timed out query or a lost connection.
	ErrUnavailable
)

func (ae ArchiveError) Error() string {
	desc := "unrecognized error"
	switch ae.Code {
	case ErrGeneralFailure:
		desc = "general failure"
	case ErrUnknownAccount:
		desc = "unknown account"
	case ErrUnknownOffer:
		desc = "unknown offer"
	case ErrUnknownMatch:
		desc = "unknown match"
	case ErrUnknownEntry:
		desc = "unknown ledger entry"
	case ErrVersionConflict:
		desc = "version conflict"
	case ErrDuplicate:
		desc = "duplicate record"
	case ErrUnavailable:
		desc = "store unavailable"
	}

	if ae.Detail == "" {
		return desc
	}
	return desc + ": " + ae.Detail
}

// SameErrorTypes checks for error equality or ArchiveError.Code equality if
// both errors are of type ArchiveError.
func SameErrorTypes(errA, errB error) bool {
	if errors.Is(errA, errB) {
		return true
	}
	var arA ArchiveError
	if errors.As(errA, &arA) {
		var arB ArchiveError
		if errors.As(errB, &arB) && arA.Code == arB.Code {
			return true
		}
	}
	return false
}

func isCode(err error, code uint16) bool {
	var errA ArchiveError
	if errors.As(err, &errA) {
		return errA.Code == code
	}
	return false
}

// IsErrAccountUnknown returns true if the error is of type ArchiveError and
// has code ErrUnknownAccount.
func IsErrAccountUnknown(err error) bool {
	return isCode(err, ErrUnknownAccount)
}

// IsErrOfferUnknown returns true if the error is of type ArchiveError and has
// code ErrUnknownOffer.
func IsErrOfferUnknown(err error) bool {
	return isCode(err, ErrUnknownOffer)
}

// IsErrMatchUnknown returns true if the error is of type ArchiveError and has
// code ErrUnknownMatch.
func IsErrMatchUnknown(err error) bool {
	return isCode(err, ErrUnknownMatch)
}

// IsErrEntryUnknown returns true if the error is of type ArchiveError and has
// code ErrUnknownEntry.
func IsErrEntryUnknown(err error) bool {
	return isCode(err, ErrUnknownEntry)
}

// IsErrUnknown is true for any of the unknown record codes.
func IsErrUnknown(err error) bool {
	return IsErrAccountUnknown(err) || IsErrOfferUnknown(err) ||
		IsErrMatchUnknown(err) || IsErrEntryUnknown(err)
}

// IsErrVersionConflict returns true if the error is of type ArchiveError and
// has code ErrVersionConflict.
func IsErrVersionConflict(err error) bool {
	return isCode(err, ErrVersionConflict)
}

// IsErrDuplicate returns true if the error is of type ArchiveError and has
// code ErrDuplicate.
func IsErrDuplicate(err error) bool {
	return isCode(err, ErrDuplicate)
}

// IsErrUnavailable returns true if the error is of type ArchiveError and has
// code ErrUnavailable.
func IsErrUnavailable(err error) bool {
	return isCode(err, ErrUnavailable)
}

// Retryable is true for errors after which a fresh read and another attempt
// can succeed.
func Retryable(err error) bool {
	return IsErrVersionConflict(err) || IsErrUnavailable(err)
}

// LoanError converts an ArchiveError into the loan error kind reported to
// callers, keeping the detail. Other errors are returned unchanged.
func LoanError(err error) error {
	var ae ArchiveError
	if !errors.As(err, &ae) {
		return err
	}
	var kind dex.ErrorKind
	switch ae.Code {
	case ErrUnknownAccount, ErrUnknownOffer, ErrUnknownMatch, ErrUnknownEntry:
		kind = loan.ErrNotFound
	case ErrVersionConflict, ErrDuplicate:
		kind = loan.ErrStateConflict
	case ErrUnavailable:
		kind = loan.ErrServiceUnavailable
	default:
		return err
	}
	return dex.NewError(kind, ae.Error())
}

// RetryError converts the final error of an operation retried with Retryable.
// A conflict or outage that outlived the retries, or a canceled context, is
// loan.ErrServiceUnavailable. Other errors go through LoanError.
func RetryError(err error) error {
	switch {
	case err == nil:
		return nil
	case IsErrVersionConflict(err), IsErrUnavailable(err),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return dex.NewError(loan.ErrServiceUnavailable, err.Error())
	}
	return LoanError(err)
}
