// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package matcher

import (
	"context"
	"errors"

	"lendex.org/lendex/dex"
	"lendex.org/lendex/server/db"
	"lendex.org/lendex/server/loan"
)

// RecoverProposals abandons proposals that were left Pending for longer than
// the proposal timeout, e.g. by a crash during commit. The match is first
// moved to StatusCancelled, which makes any commit still in flight fail. Its
// offers are then unbound and the match is archived. A Cancelled match that
// is still active is a recovery that was itself interrupted, and is finished.
// The number of abandoned proposals is returned.
func (m *Matcher) RecoverProposals(ctx context.Context) (int, error) {
	active, err := m.store.ActiveMatches(ctx)
	if err != nil {
		return 0, db.LoanError(err)
	}
	cutoff := m.clock.Now().Add(-m.proposalTimeout)
	var n int
	for _, match := range active {
		switch {
		case match.Status == loan.StatusPending && match.ProposedAt.Before(cutoff):
		case match.Status == loan.StatusCancelled:
		default:
			continue
		}
		err = m.abandon(ctx, match)
		switch {
		case err == nil:
			n++
		case errors.Is(err, errCommitted):
			log.Debugf("Proposal %s was committed during recovery", match.ID)
		case errors.Is(err, loan.ErrServiceUnavailable):
			return n, err
		default:
			log.Errorf("Error abandoning proposal %s: %v", match.ID, err)
		}
	}
	if n > 0 {
		log.Warnf("Abandoned %d proposals older than %s", n, m.proposalTimeout)
	}
	return n, nil
}

const errCommitted = dex.ErrorKind("proposal committed")

func (m *Matcher) abandon(ctx context.Context, match *loan.Match) error {
	if match.Status == loan.StatusPending {
		match.Status = loan.StatusCancelled
		if err := m.store.UpdateMatch(ctx, match); err != nil {
			if db.IsErrVersionConflict(err) {
				return errCommitted
			}
			return db.LoanError(err)
		}
	}
	for _, oid := range match.OfferIDs() {
		if err := m.unbind(ctx, oid, match.ID); err != nil {
			return err
		}
	}
	match.Active = false
	if err := m.store.UpdateMatch(ctx, match); err != nil {
		return db.LoanError(err)
	}
	log.Infof("Abandoned proposal %s from %s", match.ID, match.ProposedAt)
	return nil
}
