// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pg

import (
	"database/sql"
	"fmt"
	"time"

	"lendex.org/lendex/server/account"
)

// nullTime stores the zero time as NULL.
func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// fromNullTime is the inverse of nullTime, in UTC.
func fromNullTime(nt sql.NullTime) time.Time {
	if !nt.Valid {
		return time.Time{}
	}
	return nt.Time.UTC()
}

// copyID copies a scanned id column into a fixed size id. An empty column
// leaves the id zero.
func copyID(dst []byte, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	if len(src) != len(dst) {
		return fmt.Errorf("id of length %d, expected %d", len(src), len(dst))
	}
	copy(dst, src)
	return nil
}

// nullAccountID stores a zero account id as NULL.
func nullAccountID(aid account.AccountID) []byte {
	if aid.IsZero() {
		return nil
	}
	return aid[:]
}

// rowScanner is implemented by both sql.Row and sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}
