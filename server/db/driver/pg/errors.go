// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pg

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"lendex.org/lendex/server/db"
)

// PostgreSQL error codes mapped to archive errors.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// translate converts a database/sql or lib/pq error into a db.ArchiveError.
// ArchiveErrors pass through unchanged.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var ae db.ArchiveError
	if errors.As(err, &ae) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pgUniqueViolation:
			return db.ArchiveError{Code: db.ErrDuplicate, Detail: pqErr.Message}
		case pgSerializationFailure, pgDeadlockDetected:
			return db.ArchiveError{Code: db.ErrVersionConflict, Detail: pqErr.Message}
		}
		if pqErr.Code.Class() == "08" { // connection exception
			return db.ArchiveError{Code: db.ErrUnavailable, Detail: pqErr.Message}
		}
		return db.ArchiveError{Code: db.ErrGeneralFailure, Detail: pqErr.Message}
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone):
		return db.ArchiveError{Code: db.ErrUnavailable, Detail: err.Error()}
	}
	return db.ArchiveError{Code: db.ErrGeneralFailure, Detail: err.Error()}
}

func versionConflict(what fmt.Stringer, expected uint64) error {
	return db.ArchiveError{
		Code:   db.ErrVersionConflict,
		Detail: fmt.Sprintf("%s: stored version is not %d", what, expected),
	}
}
