// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package matcher

import (
	"lendex.org/lendex/server/db"
)

// Store is the part of the archivist used by the Matcher.
type Store interface {
	db.OfferArchiver
	db.MatchArchiver
}
