// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package loan

import "time"

// HoldPeriod is the mandatory delay between a match and the earliest
// withdrawal. It is also the age at which an offer becomes ready for matching.
const HoldPeriod = 72 * time.Hour

// Clock supplies the current time. Components never call time.Now directly so
// that time-lock logic can be tested.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
