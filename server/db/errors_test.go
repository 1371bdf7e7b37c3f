// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"lendex.org/lendex/server/loan"
)

func TestArchiveErrors(t *testing.T) {
	conflict := ArchiveError{Code: ErrVersionConflict, Detail: "offer abc: version 2, expected 1"}
	wrapped := fmt.Errorf("UpdateOffer: %w", conflict)

	if !IsErrVersionConflict(wrapped) || !Retryable(wrapped) {
		t.Fatalf("wrapped version conflict not recognized")
	}
	if IsErrDuplicate(wrapped) || IsErrUnknown(wrapped) {
		t.Fatalf("version conflict misidentified")
	}
	if !SameErrorTypes(wrapped, ArchiveError{Code: ErrVersionConflict}) {
		t.Fatalf("SameErrorTypes failed for same code")
	}
	if SameErrorTypes(wrapped, ArchiveError{Code: ErrDuplicate}) {
		t.Fatalf("SameErrorTypes true for different codes")
	}
	if want := "version conflict: offer abc: version 2, expected 1"; conflict.Error() != want {
		t.Fatalf("wrong message %q", conflict.Error())
	}

	for _, code := range []uint16{ErrUnknownAccount, ErrUnknownOffer, ErrUnknownMatch, ErrUnknownEntry} {
		if !IsErrUnknown(ArchiveError{Code: code}) {
			t.Fatalf("code %d not recognized as unknown", code)
		}
	}
	if !Retryable(ArchiveError{Code: ErrUnavailable}) || Retryable(ArchiveError{Code: ErrDuplicate}) {
		t.Fatalf("Retryable wrong")
	}
	if Retryable(errors.New("other")) {
		t.Fatalf("plain error is retryable")
	}
	if (ArchiveError{Code: 99}).Error() != "unrecognized error" {
		t.Fatalf("wrong message for unknown code")
	}
}

func TestLoanError(t *testing.T) {
	tests := []struct {
		in   error
		want error
	}{
		{ArchiveError{Code: ErrUnknownOffer}, loan.ErrNotFound},
		{fmt.Errorf("x: %w", ArchiveError{Code: ErrUnknownMatch}), loan.ErrNotFound},
		{ArchiveError{Code: ErrVersionConflict}, loan.ErrStateConflict},
		{ArchiveError{Code: ErrDuplicate}, loan.ErrStateConflict},
		{ArchiveError{Code: ErrUnavailable}, loan.ErrServiceUnavailable},
	}
	for _, tt := range tests {
		if err := LoanError(tt.in); !errors.Is(err, tt.want) {
			t.Errorf("LoanError(%v) = %v, expected %v", tt.in, err, tt.want)
		}
	}
	general := ArchiveError{Code: ErrGeneralFailure}
	if err := LoanError(general); !SameErrorTypes(err, general) {
		t.Errorf("general failure converted to %v", err)
	}
	plain := errors.New("plain")
	if LoanError(plain) != plain {
		t.Errorf("plain error converted")
	}
}

func TestRetryError(t *testing.T) {
	if RetryError(nil) != nil {
		t.Fatalf("nil error converted")
	}
	unavailable := []error{
		ArchiveError{Code: ErrVersionConflict},
		ArchiveError{Code: ErrUnavailable},
		context.Canceled,
		fmt.Errorf("query: %w", context.DeadlineExceeded),
	}
	for _, err := range unavailable {
		if !errors.Is(RetryError(err), loan.ErrServiceUnavailable) {
			t.Errorf("RetryError(%v) not ErrServiceUnavailable", err)
		}
	}
	if !errors.Is(RetryError(ArchiveError{Code: ErrUnknownOffer}), loan.ErrNotFound) {
		t.Errorf("unknown offer not ErrNotFound")
	}
	if !errors.Is(RetryError(ArchiveError{Code: ErrDuplicate}), loan.ErrStateConflict) {
		t.Errorf("duplicate not ErrStateConflict")
	}
}
