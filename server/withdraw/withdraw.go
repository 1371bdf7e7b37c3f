// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package withdraw pays out settled matches. Each lender is credited twice its
// contribution and the match is archived as Withdrawn. A repeated withdrawal
// returns the stored payout and posts nothing.
package withdraw

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lendex.org/lendex/dex"
	"lendex.org/lendex/dex/msgjson"
	"lendex.org/lendex/dex/wait"
	"lendex.org/lendex/server/account"
	"lendex.org/lendex/server/db"
	"lendex.org/lendex/server/loan"
	"lendex.org/lendex/server/notify"
)

// Ledger is the part of the account ledger that posts payouts.
type Ledger interface {
	Credit(ctx context.Context, aid account.AccountID, amt uint64, refID string) (*account.LedgerEntry, error)
}

// Config is the configuration for the Processor.
type Config struct {
	Store    db.MatchArchiver
	Ledger   Ledger
	Notifier notify.Notifier
	Clock    loan.Clock
	Backoff  wait.Backoff
}

// Processor executes withdrawals.
type Processor struct {
	store    db.MatchArchiver
	ledger   Ledger
	notifier notify.Notifier
	clock    loan.Clock
	backoff  wait.Backoff
}

// NewProcessor is the constructor for a Processor.
func NewProcessor(cfg *Config) (*Processor, error) {
	if cfg.Store == nil || cfg.Ledger == nil {
		return nil, errors.New("withdrawal processor requires a store and a ledger")
	}
	p := &Processor{
		store:    cfg.Store,
		ledger:   cfg.Ledger,
		notifier: cfg.Notifier,
		clock:    cfg.Clock,
		backoff:  cfg.Backoff,
	}
	if p.notifier == nil {
		p.notifier = notify.Nop
	}
	if p.clock == nil {
		p.clock = loan.SystemClock{}
	}
	return p, nil
}

// checkEligible returns the error for a match that cannot be paid out at now.
func checkEligible(match *loan.Match, now time.Time) error {
	switch match.Status {
	case loan.StatusDepositMade, loan.StatusWithdrawable:
	case loan.StatusRejected, loan.StatusCancelled:
		return dex.Errorf(loan.ErrStateConflict, "match %s is %s", match.ID, match.Status)
	default:
		return dex.Errorf(loan.ErrStateConflict, "match %s is %s, confirmations are incomplete", match.ID, match.Status)
	}
	if !match.Confirmations.Complete() {
		return dex.Errorf(loan.ErrStateConflict, "match %s confirmations are incomplete", match.ID)
	}
	if now.Before(match.WithdrawalReadyAt) {
		return dex.Errorf(loan.ErrNotEligibleYet, "match %s is withdrawable in %s, at %s",
			match.ID, match.WithdrawalReadyAt.Sub(now).Round(time.Second), match.WithdrawalReadyAt)
	}
	return nil
}

// payout computes the credits of the match. The credits sum to the amount to
// repay.
func payout(match *loan.Match, now time.Time) (*loan.Payout, error) {
	lenders, shares := match.LenderShares()
	p := &loan.Payout{
		MatchID: match.ID,
		Credits: make([]*loan.PayoutCredit, 0, len(lenders)),
		PaidAt:  now,
	}
	for _, lender := range lenders {
		amt := 2 * shares[lender]
		p.Credits = append(p.Credits, &loan.PayoutCredit{Account: lender, Amount: amt})
		p.Total += amt
	}
	if p.Total != match.AmountToRepay {
		return nil, fmt.Errorf("match %s credits sum to %d, amount to repay is %d", match.ID, p.Total, match.AmountToRepay)
	}
	return p, nil
}

func replayed(p *loan.Payout) *loan.Payout {
	r := *p
	r.Replayed = true
	return &r
}

// Withdraw pays out the match on request of one of its lenders. Eligibility is
// evaluated against the stored withdrawal time and the current time on every
// call.
func (p *Processor) Withdraw(ctx context.Context, mid loan.MatchID, actor account.AccountID) (*loan.Payout, error) {
	var match *loan.Match
	var paid *loan.Payout
	var promoted bool
	credited := make(map[account.AccountID]bool)
	err := p.backoff.Retry(ctx, db.Retryable, func() (err error) {
		paid = nil
		if match, err = p.store.Match(ctx, mid); err != nil {
			return err
		}
		if !match.IsLender(actor) {
			return dex.Errorf(loan.ErrUnauthorized, "account %s is not a lender on match %s", actor, mid)
		}
		if match.Status == loan.StatusWithdrawn {
			if match.Payout == nil {
				return fmt.Errorf("withdrawn match %s has no payout", mid)
			}
			paid = replayed(match.Payout)
			return nil
		}
		now := p.clock.Now()
		if err = checkEligible(match, now); err != nil {
			return err
		}
		if match.Status == loan.StatusDepositMade {
			// Not yet refreshed. Record the Withdrawable step before paying out.
			match.Status = loan.StatusWithdrawable
			if err = p.store.UpdateMatch(ctx, match); err != nil {
				return err
			}
			promoted = true
		}
		po, err := payout(match, now)
		if err != nil {
			return err
		}
		for _, c := range po.Credits {
			if credited[c.Account] {
				continue
			}
			if _, err = p.ledger.Credit(ctx, c.Account, c.Amount, mid.String()); err != nil {
				return err
			}
			credited[c.Account] = true
		}
		match.Status = loan.StatusWithdrawn
		match.Active = false
		match.Payout = po
		if err = p.store.UpdateMatch(ctx, match); err != nil {
			return err
		}
		paid = po
		return nil
	})
	if err != nil {
		if db.Retryable(err) {
			log.Warnf("Withdrawal of match %s abandoned after retries: %v", mid, err)
		}
		return nil, db.RetryError(err)
	}
	if paid.Replayed {
		log.Debugf("Replayed withdrawal of match %s for %s", mid, actor)
		return paid, nil
	}

	if promoted {
		notify.NotifyAll(p.notifier, match.Parties(), notify.NewEvent(msgjson.MatchUpdateRoute, mid.String(),
			loan.StatusWithdrawable.String(), paid.PaidAt, nil))
	}
	log.Infof("Match %s withdrawn by %s: %d credited to %d lenders", mid, actor, paid.Total, len(paid.Credits))
	for _, c := range paid.Credits {
		p.notifier.Notify(c.Account, notify.NewEvent(msgjson.PayoutRoute, mid.String(), match.Status.String(),
			paid.PaidAt, &creditNote{Amount: c.Amount}))
	}
	notify.NotifyAll(p.notifier, match.Parties(), notify.NewEvent(msgjson.MatchUpdateRoute, mid.String(),
		match.Status.String(), paid.PaidAt, nil))
	return paid, nil
}

type creditNote struct {
	Amount uint64 `json:"amount"`
}
