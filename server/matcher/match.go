// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package matcher binds ready lend offers to a borrow offer, or to a synthetic
// counterparty, in a Match. A match is created in two phases. The proposal
// phase validates the offers and writes the match in StatusPending. The commit
// phase binds each offer, in id order, with a conditional update, then moves
// the match to StatusMatched. A failed commit unbinds the offers it bound and
// deletes the proposal.
package matcher

import (
	"context"
	"errors"
	"math"
	"time"

	"lendex.org/lendex/dex"
	"lendex.org/lendex/dex/msgjson"
	"lendex.org/lendex/dex/wait"
	"lendex.org/lendex/server/account"
	"lendex.org/lendex/server/db"
	"lendex.org/lendex/server/loan"
	"lendex.org/lendex/server/notify"
)

// DefaultProposalTimeout is the age at which RecoverProposals abandons a
// proposal that was never committed.
const DefaultProposalTimeout = 5 * time.Minute

// Config is the configuration for the Matcher.
type Config struct {
	Store    Store
	Notifier notify.Notifier
	Clock    loan.Clock
	Backoff  wait.Backoff
	// HoldPeriod is the offer readiness age and the delay between a match
	// and its earliest withdrawal. Defaults to loan.HoldPeriod.
	HoldPeriod time.Duration
	// ProposalTimeout defaults to DefaultProposalTimeout.
	ProposalTimeout time.Duration
}

// Matcher creates matches.
type Matcher struct {
	store           Store
	notifier        notify.Notifier
	clock           loan.Clock
	backoff         wait.Backoff
	holdPeriod      time.Duration
	proposalTimeout time.Duration
}

// New creates a new Matcher.
func New(cfg *Config) (*Matcher, error) {
	if cfg.Store == nil {
		return nil, errors.New("matcher requires a store")
	}
	m := &Matcher{
		store:           cfg.Store,
		notifier:        cfg.Notifier,
		clock:           cfg.Clock,
		backoff:         cfg.Backoff,
		holdPeriod:      cfg.HoldPeriod,
		proposalTimeout: cfg.ProposalTimeout,
	}
	if m.notifier == nil {
		m.notifier = notify.Nop
	}
	if m.clock == nil {
		m.clock = loan.SystemClock{}
	}
	if m.holdPeriod <= 0 {
		m.holdPeriod = loan.HoldPeriod
	}
	if m.proposalTimeout <= 0 {
		m.proposalTimeout = DefaultProposalTimeout
	}
	return m, nil
}

// ListReadyOffers lists the Pending offers of the kind that are at least one
// hold period old, oldest first, ties broken by id.
func (m *Matcher) ListReadyOffers(ctx context.Context, kind loan.Kind) ([]*loan.Offer, error) {
	if kind != loan.Lend && kind != loan.Borrow {
		return nil, dex.Errorf(loan.ErrValidation, "unknown offer kind %d", kind)
	}
	pending, err := m.store.PendingOffers(ctx, kind)
	if err != nil {
		return nil, db.LoanError(err)
	}
	now := m.clock.Now()
	ready := make([]*loan.Offer, 0, len(pending))
	for _, offer := range pending {
		if now.Sub(offer.CreatedAt) >= m.holdPeriod {
			ready = append(ready, offer)
		}
	}
	return ready, nil
}

// CreateMatch binds the lend offers to the borrow offer. The lend amounts must
// sum to the borrow amount.
func (m *Matcher) CreateMatch(ctx context.Context, lenderOfferIDs []loan.OfferID, borrowerOfferID loan.OfferID) (*loan.Match, error) {
	if err := checkDuplicates(append([]loan.OfferID{borrowerOfferID}, lenderOfferIDs...)); err != nil {
		return nil, err
	}
	borrower, err := m.eligibleOffer(ctx, borrowerOfferID, loan.Borrow)
	if err != nil {
		return nil, err
	}
	contribs, total, err := m.contributions(ctx, lenderOfferIDs, borrower.Owner)
	if err != nil {
		return nil, err
	}
	if total != borrower.Amount {
		return nil, dex.Errorf(loan.ErrValidation, "lend offers total %d, borrow offer %s is for %d",
			total, borrowerOfferID, borrower.Amount)
	}
	match, err := m.propose(ctx, contribs, total, func(match *loan.Match) {
		match.BorrowerOfferID = borrowerOfferID
		match.Counterparty = borrower.Owner
		match.ID = loan.NewMatchID(lenderOfferIDs, borrowerOfferID[:], match.ProposedAt)
	})
	if err != nil {
		return nil, err
	}
	return m.commit(ctx, match)
}

// CreateSyntheticMatch binds the lend offers to a synthetic counterparty
// identified by ref. The operator is recorded as the counterparty and makes
// the counterparty attestations.
func (m *Matcher) CreateSyntheticMatch(ctx context.Context, lenderOfferIDs []loan.OfferID, ref string, operator account.AccountID) (*loan.Match, error) {
	if ref == "" {
		return nil, dex.NewError(loan.ErrValidation, "empty synthetic counterparty reference")
	}
	if operator.IsZero() {
		return nil, dex.NewError(loan.ErrValidation, "zero operator id")
	}
	if err := checkDuplicates(lenderOfferIDs); err != nil {
		return nil, err
	}
	contribs, total, err := m.contributions(ctx, lenderOfferIDs, operator)
	if err != nil {
		return nil, err
	}
	match, err := m.propose(ctx, contribs, total, func(match *loan.Match) {
		match.Synthetic = true
		match.SyntheticRef = ref
		match.Counterparty = operator
		match.ID = loan.NewMatchID(lenderOfferIDs, []byte("synthetic:"+ref), match.ProposedAt)
	})
	if err != nil {
		return nil, err
	}
	log.Infof("Synthetic counterparty %q for match %s created by operator %s", ref, match.ID, operator)
	return m.commit(ctx, match)
}

func checkDuplicates(ids []loan.OfferID) error {
	seen := make(map[loan.OfferID]bool, len(ids))
	for _, oid := range ids {
		if seen[oid] {
			return dex.Errorf(loan.ErrValidation, "duplicate offer %s", oid)
		}
		seen[oid] = true
	}
	return nil
}

// eligibleOffer retrieves the offer and checks that it is a Pending offer of
// the kind.
func (m *Matcher) eligibleOffer(ctx context.Context, oid loan.OfferID, kind loan.Kind) (*loan.Offer, error) {
	offer, err := m.store.Offer(ctx, oid)
	if err != nil {
		return nil, db.LoanError(err)
	}
	if offer.Kind != kind {
		return nil, dex.Errorf(loan.ErrValidation, "offer %s is a %s offer, not %s", oid, offer.Kind, kind)
	}
	return offer, checkUnbound(offer)
}

// checkUnbound returns the error for an offer that can no longer be bound.
func checkUnbound(offer *loan.Offer) error {
	switch {
	case offer.Status == loan.OfferMatched || !offer.MatchID.IsZero():
		return dex.Errorf(loan.ErrDoubleAllocation, "offer %s is bound to match %s", offer.ID, offer.MatchID)
	case offer.Status != loan.OfferPending:
		return dex.Errorf(loan.ErrStateConflict, "offer %s is %s, not pending", offer.ID, offer.Status)
	}
	return nil
}

// contributions reads the lend offers and sums their amounts. No lend offer
// may belong to the counterparty.
func (m *Matcher) contributions(ctx context.Context, oids []loan.OfferID, counterparty account.AccountID) ([]*loan.Contribution, uint64, error) {
	if len(oids) == 0 {
		return nil, 0, dex.NewError(loan.ErrValidation, "no lend offers")
	}
	contribs := make([]*loan.Contribution, 0, len(oids))
	var total uint64
	for _, oid := range oids {
		offer, err := m.eligibleOffer(ctx, oid, loan.Lend)
		if err != nil {
			return nil, 0, err
		}
		if offer.Owner == counterparty {
			return nil, 0, dex.Errorf(loan.ErrValidation, "lend offer %s belongs to the counterparty %s", oid, counterparty)
		}
		if offer.Amount > math.MaxUint64/2-total {
			return nil, 0, dex.NewError(loan.ErrValidation, "match total overflows")
		}
		total += offer.Amount
		contribs = append(contribs, &loan.Contribution{
			OfferID: oid,
			Owner:   offer.Owner,
			Amount:  offer.Amount,
		})
	}
	return contribs, total, nil
}

// propose writes the Pending match. counterparty sets the borrower or
// synthetic fields and the id.
func (m *Matcher) propose(ctx context.Context, contribs []*loan.Contribution, total uint64, counterparty func(*loan.Match)) (*loan.Match, error) {
	match := &loan.Match{
		Contributions: contribs,
		TotalAmount:   total,
		AmountToRepay: 2 * total,
		ProposedAt:    m.clock.Now(),
		Status:        loan.StatusPending,
		Active:        true,
	}
	counterparty(match)
	if err := m.store.InsertMatch(ctx, match); err != nil {
		return nil, db.LoanError(err)
	}
	log.Debugf("Proposed match %s of %d between %d lend offers and %s", match.ID, total, len(contribs), match.Counterparty)
	return match, nil
}

// commit binds every offer of the proposal and moves the match to
// StatusMatched. On failure, the offers bound so far are unbound and the
// proposal is deleted.
func (m *Matcher) commit(ctx context.Context, proposal *loan.Match) (*loan.Match, error) {
	undoCtx := context.WithoutCancel(ctx)
	closer := dex.NewErrorCloser()
	defer closer.Done(log)

	closer.Add(func() error {
		rec := *proposal
		if err := m.store.DeleteProposal(undoCtx, &rec); err != nil && !db.IsErrMatchUnknown(err) {
			return err
		}
		log.Debugf("Deleted proposal %s", proposal.ID)
		return nil
	})
	for _, oid := range proposal.OfferIDs() {
		if err := m.bind(ctx, oid, proposal.ID); err != nil {
			log.Debugf("Abandoning proposal %s: %v", proposal.ID, err)
			return nil, err
		}
		closer.Add(func() error {
			return m.unbind(undoCtx, oid, proposal.ID)
		})
	}

	now := m.clock.Now()
	match := *proposal
	match.Status = loan.StatusMatched
	match.MatchedAt = now
	match.WithdrawalReadyAt = now.Add(m.holdPeriod)
	if err := m.store.UpdateMatch(ctx, &match); err != nil {
		switch {
		case db.IsErrVersionConflict(err):
			return nil, dex.Errorf(loan.ErrStateConflict, "proposal %s was abandoned before commit", match.ID)
		case db.IsErrUnavailable(err):
			// The write may have landed. Leave the proposal for
			// RecoverProposals unless it is known to be uncommitted.
			stored, rerr := m.store.Match(undoCtx, match.ID)
			if rerr != nil || stored.Status != loan.StatusPending {
				closer.Success()
			}
			if rerr == nil && stored.Status == loan.StatusMatched {
				match = *stored
				break
			}
			return nil, db.LoanError(err)
		default:
			return nil, db.LoanError(err)
		}
	}
	closer.Success()

	log.Infof("Committed match %s: %d from %d lend offers to %s, %d to repay, withdrawable at %s",
		match.ID, match.TotalAmount, len(match.Contributions), match.Counterparty, match.AmountToRepay,
		match.WithdrawalReadyAt)
	notify.NotifyAll(m.notifier, match.Parties(), notify.NewEvent(msgjson.MatchCreatedRoute,
		match.ID.String(), match.Status.String(), now, matchDetails(&match)))
	return &match, nil
}

type matchNote struct {
	Total             uint64 `json:"total"`
	AmountToRepay     uint64 `json:"torepay"`
	Synthetic         bool   `json:"synthetic,omitempty"`
	WithdrawalReadyAt int64  `json:"withdrawalreadyat"`
}

func matchDetails(match *loan.Match) *matchNote {
	return &matchNote{
		Total:             match.TotalAmount,
		AmountToRepay:     match.AmountToRepay,
		Synthetic:         match.Synthetic,
		WithdrawalReadyAt: match.WithdrawalReadyAt.UnixMilli(),
	}
}

// bind moves the offer from Pending to Matched and sets its match id.
func (m *Matcher) bind(ctx context.Context, oid loan.OfferID, mid loan.MatchID) error {
	err := m.backoff.Retry(ctx, db.Retryable, func() error {
		offer, err := m.store.Offer(ctx, oid)
		if err != nil {
			return err
		}
		if offer.MatchID == mid {
			return nil
		}
		if err = checkUnbound(offer); err != nil {
			return err
		}
		offer.Status = loan.OfferMatched
		offer.MatchID = mid
		return m.store.UpdateOffer(ctx, offer)
	})
	return db.RetryError(err)
}

// unbind reverses bind. Offers not bound to the match are left alone.
func (m *Matcher) unbind(ctx context.Context, oid loan.OfferID, mid loan.MatchID) error {
	err := m.backoff.Retry(ctx, db.Retryable, func() error {
		offer, err := m.store.Offer(ctx, oid)
		if err != nil {
			return err
		}
		if offer.MatchID != mid || offer.Status != loan.OfferMatched {
			return nil
		}
		offer.Status = loan.OfferPending
		offer.MatchID = loan.MatchID{}
		return m.store.UpdateOffer(ctx, offer)
	})
	if err != nil {
		return db.RetryError(err)
	}
	log.Tracef("Unbound offer %s from match %s", oid, mid)
	return nil
}
