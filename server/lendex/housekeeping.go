// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package lendex

import (
	"context"
	"time"
)

// Chores are the results of one housekeeping pass.
type Chores struct {
	Expired   int
	Promoted  int
	Recovered int
}

// Housekeep runs one housekeeping pass. Stale offers are expired, matured
// matches are promoted to withdrawable and abandoned proposals are unwound.
// Failures are logged and the remaining chores still run.
func (l *Lendex) Housekeep(ctx context.Context) *Chores {
	var c Chores
	var err error
	if c.Expired, err = l.offers.ExpireStale(ctx); err != nil {
		log.Errorf("Error expiring stale offers: %v", err)
	}
	if c.Promoted, err = l.settle.PromoteMatured(ctx); err != nil {
		log.Errorf("Error promoting matured matches: %v", err)
	}
	if c.Recovered, err = l.matcher.RecoverProposals(ctx); err != nil {
		log.Errorf("Error recovering match proposals: %v", err)
	}
	if c.Expired+c.Promoted+c.Recovered > 0 {
		log.Infof("Housekeeping: %d offers expired, %d matches promoted, %d proposals recovered",
			c.Expired, c.Promoted, c.Recovered)
	}
	return &c
}

func (l *Lendex) runHousekeeping(ctx context.Context) {
	log.Tracef("Starting housekeeping every %s", l.housekeepingInterval)
	ticker := time.NewTicker(l.housekeepingInterval)
	defer ticker.Stop()

	l.Housekeep(ctx)
	for {
		select {
		case <-ticker.C:
			l.Housekeep(ctx)
		case <-ctx.Done():
			log.Tracef("Exiting housekeeping")
			return
		}
	}
}
