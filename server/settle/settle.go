// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package settle drives committed matches through the attestation handshake.
// Sequence: Matched -> LenderPaid -> CounterpartyReceived -> DepositMade ->
// Withdrawable. A lender attests payment to the counterparty, then the
// counterparty attests receipt and the compensating deposit. The match becomes
// withdrawable once the hold period has elapsed. An operator may reject a
// match before any payment is attested.
package settle

import (
	"context"
	"errors"

	"lendex.org/lendex/dex"
	"lendex.org/lendex/dex/msgjson"
	"lendex.org/lendex/dex/wait"
	"lendex.org/lendex/server/account"
	"lendex.org/lendex/server/db"
	"lendex.org/lendex/server/ledger"
	"lendex.org/lendex/server/loan"
	"lendex.org/lendex/server/notify"
)

// Ledger is the part of the account ledger that moves the principal when the
// counterparty confirms receipt, and frees it when a match is rejected.
type Ledger interface {
	Release(ctx context.Context, aid account.AccountID, amt uint64, refID string) (*account.LedgerEntry, error)
	Settle(ctx context.Context, aid account.AccountID, holds []ledger.Hold, debitRef string) ([]*account.LedgerEntry, error)
}

// Config is the configuration for the Workflow.
type Config struct {
	Store    db.MatchArchiver
	Ledger   Ledger
	Notifier notify.Notifier
	Clock    loan.Clock
	Backoff  wait.Backoff
}

// Workflow is the settlement state machine.
type Workflow struct {
	store    db.MatchArchiver
	ledger   Ledger
	notifier notify.Notifier
	clock    loan.Clock
	backoff  wait.Backoff
}

// NewWorkflow is the constructor for a Workflow.
func NewWorkflow(cfg *Config) (*Workflow, error) {
	if cfg.Store == nil || cfg.Ledger == nil {
		return nil, errors.New("settlement workflow requires a store and a ledger")
	}
	w := &Workflow{
		store:    cfg.Store,
		ledger:   cfg.Ledger,
		notifier: cfg.Notifier,
		clock:    cfg.Clock,
		backoff:  cfg.Backoff,
	}
	if w.notifier == nil {
		w.notifier = notify.Nop
	}
	if w.clock == nil {
		w.clock = loan.SystemClock{}
	}
	return w, nil
}

// stepInformation describes one attestation.
type stepInformation struct {
	name string
	from loan.MatchStatus
	to   loan.MatchStatus
	// actor checks that the account may make the attestation.
	actor func(match *loan.Match, aid account.AccountID) bool
	conf  func(*loan.Confirmations) *loan.Confirmation
	// effects are the ledger postings of the step. They are idempotent and
	// run before the transition is written.
	effects func(ctx context.Context, match *loan.Match) error
}

func isLender(match *loan.Match, aid account.AccountID) bool {
	return match.IsLender(aid)
}

func isCounterparty(match *loan.Match, aid account.AccountID) bool {
	return match.Counterparty == aid
}

// AttestLenderPaid records a lender's attestation that the principal was paid
// to the counterparty.
func (w *Workflow) AttestLenderPaid(ctx context.Context, mid loan.MatchID, actor account.AccountID) (*loan.Match, error) {
	return w.attest(ctx, mid, actor, &stepInformation{
		name:  "lender payment",
		from:  loan.StatusMatched,
		to:    loan.StatusLenderPaid,
		actor: isLender,
		conf:  func(c *loan.Confirmations) *loan.Confirmation { return &c.LenderPaid },
	})
}

// AttestCounterpartyReceived records the counterparty's attestation that the
// principal was received. Each lender offer's reservation is released and
// each lender is debited its share.
func (w *Workflow) AttestCounterpartyReceived(ctx context.Context, mid loan.MatchID, actor account.AccountID) (*loan.Match, error) {
	return w.attest(ctx, mid, actor, &stepInformation{
		name:    "counterparty receipt",
		from:    loan.StatusLenderPaid,
		to:      loan.StatusCounterpartyReceived,
		actor:   isCounterparty,
		conf:    func(c *loan.Confirmations) *loan.Confirmation { return &c.CounterpartyReceived },
		effects: w.movePrincipal,
	})
}

// AttestDepositMade records the counterparty's attestation that the
// compensating deposit was made. The deposit itself is not posted.
func (w *Workflow) AttestDepositMade(ctx context.Context, mid loan.MatchID, actor account.AccountID) (*loan.Match, error) {
	return w.attest(ctx, mid, actor, &stepInformation{
		name:  "counterparty deposit",
		from:  loan.StatusCounterpartyReceived,
		to:    loan.StatusDepositMade,
		actor: isCounterparty,
		conf:  func(c *loan.Confirmations) *loan.Confirmation { return &c.DepositMade },
	})
}

// PrincipalRef is the ledger reference of a lender's principal debit.
func PrincipalRef(mid loan.MatchID) string {
	return mid.String() + ":principal"
}

// movePrincipal settles each lender's lend offer reservations against its
// share of the principal. A lender's releases and debit are one ledger write.
func (w *Workflow) movePrincipal(ctx context.Context, match *loan.Match) error {
	holds := make(map[account.AccountID][]ledger.Hold)
	for _, c := range match.Contributions {
		holds[c.Owner] = append(holds[c.Owner], ledger.Hold{RefID: c.OfferID.String(), Amount: c.Amount})
	}
	lenders, _ := match.LenderShares()
	for _, lender := range lenders {
		if _, err := w.ledger.Settle(ctx, lender, holds[lender], PrincipalRef(match.ID)); err != nil {
			return err
		}
	}
	return nil
}

// attest applies the step. A repeat of a recorded attestation returns the
// match unchanged.
func (w *Workflow) attest(ctx context.Context, mid loan.MatchID, actor account.AccountID, step *stepInformation) (*loan.Match, error) {
	var match *loan.Match
	var changed, effectsDone bool
	err := w.backoff.Retry(ctx, db.Retryable, func() (err error) {
		changed = false
		if match, err = w.store.Match(ctx, mid); err != nil {
			return err
		}
		if !step.actor(match, actor) {
			return dex.Errorf(loan.ErrUnauthorized, "account %s may not attest %s for match %s", actor, step.name, mid)
		}
		conf := step.conf(&match.Confirmations)
		if conf.Set() {
			log.Debugf("Repeated %s attestation for match %s by %s", step.name, mid, actor)
			return nil
		}
		if match.Status != step.from {
			return dex.Errorf(loan.ErrStateConflict, "match %s is %s, %s requires %s",
				mid, match.Status, step.name, step.from)
		}
		if step.effects != nil && !effectsDone {
			if err = step.effects(ctx, match); err != nil {
				return err
			}
			effectsDone = true
		}
		conf.By = actor
		conf.At = w.clock.Now()
		match.Status = step.to
		changed = true
		return w.store.UpdateMatch(ctx, match)
	})
	if err != nil {
		return nil, db.RetryError(err)
	}
	if changed {
		log.Infof("Match %s: %s attested by %s, now %s", mid, step.name, actor, match.Status)
		w.notifyParties(match)
	}
	return match, nil
}

type statusNote struct {
	Actor string `json:"actor,omitempty"`
}

type rejectNote struct {
	Reason string `json:"reason"`
}

func (w *Workflow) notifyParties(match *loan.Match) {
	var actor string
	switch match.Status {
	case loan.StatusLenderPaid:
		actor = match.Confirmations.LenderPaid.By.String()
	case loan.StatusCounterpartyReceived:
		actor = match.Confirmations.CounterpartyReceived.By.String()
	case loan.StatusDepositMade:
		actor = match.Confirmations.DepositMade.By.String()
	}
	notify.NotifyAll(w.notifier, match.Parties(), notify.NewEvent(msgjson.MatchUpdateRoute,
		match.ID.String(), match.Status.String(), w.clock.Now(), &statusNote{Actor: actor}))
}

// Refresh moves a DepositMade match to Withdrawable if the hold period has
// elapsed, and returns the current match.
func (w *Workflow) Refresh(ctx context.Context, mid loan.MatchID) (*loan.Match, error) {
	var match *loan.Match
	var changed bool
	err := w.backoff.Retry(ctx, db.Retryable, func() (err error) {
		changed = false
		if match, err = w.store.Match(ctx, mid); err != nil {
			return err
		}
		if match.Status != loan.StatusDepositMade || w.clock.Now().Before(match.WithdrawalReadyAt) {
			return nil
		}
		match.Status = loan.StatusWithdrawable
		changed = true
		return w.store.UpdateMatch(ctx, match)
	})
	if err != nil {
		return nil, db.RetryError(err)
	}
	if changed {
		log.Infof("Match %s is withdrawable", mid)
		w.notifyParties(match)
	}
	return match, nil
}

// PromoteMatured refreshes every active DepositMade match that has reached
// its withdrawal time. The number of promoted matches is returned.
func (w *Workflow) PromoteMatured(ctx context.Context) (int, error) {
	active, err := w.store.ActiveMatches(ctx)
	if err != nil {
		return 0, db.LoanError(err)
	}
	now := w.clock.Now()
	var n int
	for _, match := range active {
		if match.Status != loan.StatusDepositMade || now.Before(match.WithdrawalReadyAt) {
			continue
		}
		refreshed, err := w.Refresh(ctx, match.ID)
		if err != nil {
			if errors.Is(err, loan.ErrServiceUnavailable) {
				return n, err
			}
			log.Errorf("Error promoting match %s: %v", match.ID, err)
			continue
		}
		if refreshed.Status == loan.StatusWithdrawable {
			n++
		}
	}
	return n, nil
}

// Reject archives a Matched match on behalf of an operator. The lend offer
// reservations are released. Rejecting a rejected match returns it unchanged.
func (w *Workflow) Reject(ctx context.Context, mid loan.MatchID, operator account.AccountID, reason string) (*loan.Match, error) {
	if reason == "" {
		return nil, dex.NewError(loan.ErrValidation, "empty reject reason")
	}
	if operator.IsZero() {
		return nil, dex.NewError(loan.ErrValidation, "zero operator id")
	}
	var match *loan.Match
	var changed, released bool
	err := w.backoff.Retry(ctx, db.Retryable, func() (err error) {
		changed = false
		if match, err = w.store.Match(ctx, mid); err != nil {
			return err
		}
		if match.Status == loan.StatusRejected {
			return nil
		}
		if match.Status != loan.StatusMatched {
			return dex.Errorf(loan.ErrStateConflict, "match %s is %s, only matched matches can be rejected", mid, match.Status)
		}
		if !released {
			for _, c := range match.Contributions {
				if _, err = w.ledger.Release(ctx, c.Owner, c.Amount, c.OfferID.String()); err != nil {
					return err
				}
			}
			released = true
		}
		match.Status = loan.StatusRejected
		match.Active = false
		match.RejectReason = reason
		changed = true
		return w.store.UpdateMatch(ctx, match)
	})
	if err != nil {
		return nil, db.RetryError(err)
	}
	if changed {
		log.Warnf("Match %s rejected by operator %s: %s", mid, operator, reason)
		notify.NotifyAll(w.notifier, match.Parties(), notify.NewEvent(msgjson.MatchUpdateRoute,
			match.ID.String(), match.Status.String(), w.clock.Now(), &rejectNote{Reason: reason}))
	}
	return match, nil
}

// Match retrieves the match.
func (w *Workflow) Match(ctx context.Context, mid loan.MatchID) (*loan.Match, error) {
	match, err := w.store.Match(ctx, mid)
	if err != nil {
		return nil, db.LoanError(err)
	}
	return match, nil
}

// MatchesForAccount retrieves the matches in which the account is a party.
func (w *Workflow) MatchesForAccount(ctx context.Context, aid account.AccountID) ([]*loan.Match, error) {
	matches, err := w.store.MatchesForAccount(ctx, aid)
	if err != nil {
		return nil, db.LoanError(err)
	}
	return matches, nil
}

// ArchivedMatches retrieves up to n archived matches, newest first.
func (w *Workflow) ArchivedMatches(ctx context.Context, n int) ([]*loan.Match, error) {
	matches, err := w.store.ArchivedMatches(ctx, n)
	if err != nil {
		return nil, db.LoanError(err)
	}
	return matches, nil
}
