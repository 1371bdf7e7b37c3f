// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package ledger is the account ledger. It is the only component that moves
// money. Every posting is an idempotent ledger entry written together with the
// account's new balances, conditional on the account version. Lost races are
// retried from a fresh read.
package ledger

import (
	"context"
	"fmt"
	"time"

	"lendex.org/lendex/dex"
	"lendex.org/lendex/dex/wait"
	"lendex.org/lendex/server/account"
	"lendex.org/lendex/server/db"
	"lendex.org/lendex/server/loan"
)

// Config is the configuration for the Ledger.
type Config struct {
	Store   db.AccountArchiver
	Clock   loan.Clock
	Backoff wait.Backoff
}

// Ledger posts reservations, releases, credits and debits.
type Ledger struct {
	store   db.AccountArchiver
	clock   loan.Clock
	backoff wait.Backoff
}

// NewLedger is the constructor for a Ledger.
func NewLedger(cfg *Config) *Ledger {
	clock := cfg.Clock
	if clock == nil {
		clock = loan.SystemClock{}
	}
	return &Ledger{
		store:   cfg.Store,
		clock:   clock,
		backoff: cfg.Backoff,
	}
}

// CreateAccount opens an account with zero balances.
func (l *Ledger) CreateAccount(ctx context.Context, aid account.AccountID, level account.KYCLevel) (*account.Account, error) {
	if aid.IsZero() {
		return nil, dex.NewError(loan.ErrValidation, "zero account id")
	}
	acct := &account.Account{
		ID:        aid,
		KYCLevel:  level,
		CreatedAt: l.clock.Now(),
	}
	if err := l.store.CreateAccount(ctx, acct); err != nil {
		if db.IsErrDuplicate(err) {
			return nil, dex.Errorf(loan.ErrStateConflict, "account %s exists", aid)
		}
		return nil, db.LoanError(err)
	}
	log.Infof("Created account %s with KYC level %d", aid, level)
	return acct, nil
}

// Account retrieves the account.
func (l *Ledger) Account(ctx context.Context, aid account.AccountID) (*account.Account, error) {
	acct, err := l.store.Account(ctx, aid)
	if err != nil {
		return nil, db.LoanError(err)
	}
	return acct, nil
}

// Entries retrieves the account's ledger entries, oldest first.
func (l *Ledger) Entries(ctx context.Context, aid account.AccountID) ([]*account.LedgerEntry, error) {
	if _, err := l.Account(ctx, aid); err != nil {
		return nil, err
	}
	entries, err := l.store.Entries(ctx, aid)
	if err != nil {
		return nil, db.LoanError(err)
	}
	return entries, nil
}

// Verify recomputes the account's balances from its entries and compares them
// with the stored balances.
func (l *Ledger) Verify(ctx context.Context, aid account.AccountID) error {
	acct, err := l.Account(ctx, aid)
	if err != nil {
		return err
	}
	entries, err := l.store.Entries(ctx, aid)
	if err != nil {
		return db.LoanError(err)
	}
	totals, err := account.Tally(entries)
	if err != nil {
		return fmt.Errorf("account %s entries do not tally: %w", aid, err)
	}
	if totals.Balance != acct.Balance || totals.Reserved != acct.Reserved {
		return fmt.Errorf("account %s balances %d/%d, entries sum to %d/%d",
			aid, acct.Balance, acct.Reserved, totals.Balance, totals.Reserved)
	}
	if acct.Reserved > acct.Balance {
		return fmt.Errorf("account %s reserved %d exceeds balance %d", aid, acct.Reserved, acct.Balance)
	}
	return nil
}

// Reserve earmarks amt of the account's available balance under refID.
func (l *Ledger) Reserve(ctx context.Context, aid account.AccountID, amt uint64, refID string) (*account.LedgerEntry, error) {
	return l.post(ctx, aid, account.Reserve, amt, refID, nil)
}

// Release reverses the reservation made under refID. The amount must match
// the reserved amount.
func (l *Ledger) Release(ctx context.Context, aid account.AccountID, amt uint64, refID string) (*account.LedgerEntry, error) {
	return l.post(ctx, aid, account.Release, amt, refID, nil)
}

// Credit adds amt to the account's balance.
func (l *Ledger) Credit(ctx context.Context, aid account.AccountID, amt uint64, refID string) (*account.LedgerEntry, error) {
	return l.post(ctx, aid, account.Credit, amt, refID, nil)
}

// Debit removes amt from the account's unreserved balance.
func (l *Ledger) Debit(ctx context.Context, aid account.AccountID, amt uint64, refID string) (*account.LedgerEntry, error) {
	return l.post(ctx, aid, account.Debit, amt, refID, nil)
}

// Deposit is a Credit that also records the deposit time on the account.
func (l *Ledger) Deposit(ctx context.Context, aid account.AccountID, amt uint64, refID string) (*account.LedgerEntry, error) {
	return l.post(ctx, aid, account.Credit, amt, refID, func(acct *account.Account, stamp time.Time) {
		acct.LastDepositAt = stamp
	})
}

// SetKYCLevel changes the account's KYC level.
func (l *Ledger) SetKYCLevel(ctx context.Context, aid account.AccountID, level account.KYCLevel) (*account.Account, error) {
	var acct *account.Account
	err := l.backoff.Retry(ctx, db.Retryable, func() (err error) {
		if acct, err = l.store.Account(ctx, aid); err != nil {
			return err
		}
		acct.KYCLevel = level
		return l.store.UpdateAccount(ctx, acct)
	})
	if err != nil {
		return nil, l.retryError(err, aid)
	}
	log.Infof("Account %s KYC level set to %d", aid, level)
	return acct, nil
}

// Hold names a reservation by its reference and amount.
type Hold struct {
	RefID  string
	Amount uint64
}

// Settle releases the reservations and debits their sum under debitRef, in one
// write. The released amount never becomes available to other reservations.
// A replay returns the entries already posted.
func (l *Ledger) Settle(ctx context.Context, aid account.AccountID, holds []Hold, debitRef string) ([]*account.LedgerEntry, error) {
	if len(holds) == 0 {
		return nil, dex.Errorf(loan.ErrValidation, "no reservations to settle for account %s", aid)
	}
	stamp := l.clock.Now()
	entries := make([]*account.LedgerEntry, 0, len(holds)+1)
	var total uint64
	for _, h := range holds {
		if err := validEntry(aid, account.Release, h.Amount, h.RefID); err != nil {
			return nil, err
		}
		if total+h.Amount < total {
			return nil, dex.Errorf(loan.ErrValidation, "settlement total overflow for account %s", aid)
		}
		total += h.Amount
		entries = append(entries, account.NewEntry(aid, account.Release, h.Amount, h.RefID, stamp))
	}
	if err := validEntry(aid, account.Debit, total, debitRef); err != nil {
		return nil, err
	}
	entries = append(entries, account.NewEntry(aid, account.Debit, total, debitRef, stamp))
	return l.postEntries(ctx, aid, entries, nil)
}

func validEntry(aid account.AccountID, kind account.EntryKind, amt uint64, refID string) error {
	if amt == 0 {
		return dex.Errorf(loan.ErrValidation, "zero %s amount for account %s", kind, aid)
	}
	if refID == "" {
		return dex.Errorf(loan.ErrValidation, "empty %s reference for account %s", kind, aid)
	}
	return nil
}

// post writes the entry of the kind for the account, or returns the existing
// entry if one was already posted with the same kind and refID. mutate may
// change non-balance fields of the account in the same write.
func (l *Ledger) post(ctx context.Context, aid account.AccountID, kind account.EntryKind, amt uint64, refID string,
	mutate func(*account.Account, time.Time)) (*account.LedgerEntry, error) {

	if err := validEntry(aid, kind, amt, refID); err != nil {
		return nil, err
	}
	entry := account.NewEntry(aid, kind, amt, refID, l.clock.Now())
	posted, err := l.postEntries(ctx, aid, []*account.LedgerEntry{entry}, mutate)
	if err != nil {
		return nil, err
	}
	return posted[0], nil
}

// postEntries writes the entries that are not yet posted in one store write.
// Each entry's preconditions are checked against the account with the earlier
// entries applied. The returned slice holds the stored entry for each of the
// entries.
func (l *Ledger) postEntries(ctx context.Context, aid account.AccountID, entries []*account.LedgerEntry,
	mutate func(*account.Account, time.Time)) ([]*account.LedgerEntry, error) {

	var posted []*account.LedgerEntry
	err := l.backoff.Retry(ctx, db.Retryable, func() error {
		acct, err := l.store.Account(ctx, aid)
		if err != nil {
			return err
		}
		posted = make([]*account.LedgerEntry, len(entries))
		var fresh []*account.LedgerEntry
		running := acct
		for i, entry := range entries {
			prior, err := l.replay(ctx, entry)
			if err != nil {
				return err
			}
			if prior != nil {
				posted[i] = prior
				continue
			}
			if err = l.check(ctx, running, entry); err != nil {
				return err
			}
			if running, err = entry.Apply(running); err != nil {
				return dex.Errorf(loan.ErrValidation, "account %s: %v", aid, err)
			}
			posted[i] = entry
			fresh = append(fresh, entry)
		}
		if len(fresh) == 0 {
			return nil
		}
		if mutate != nil {
			mutate(acct, fresh[0].CreatedAt)
		}
		err = l.store.PostEntry(ctx, acct, fresh...)
		if db.IsErrDuplicate(err) {
			// A concurrent post of the same entries won. Anything it did not
			// post is written on the next attempt.
			log.Debugf("Concurrent post to account %s, retrying", aid)
			return db.ArchiveError{Code: db.ErrVersionConflict, Detail: err.Error()}
		}
		if err != nil {
			return err
		}
		for _, entry := range fresh {
			log.Debugf("Posted %s of %d to account %s (%s)", entry.Kind, entry.Amount, aid, entry.RefID)
		}
		log.Tracef("Account %s balance %d, reserved %d", aid, acct.Balance, acct.Reserved)
		return nil
	})
	if err != nil {
		return nil, l.retryError(err, aid)
	}
	return posted, nil
}

// replay returns the stored entry with the same id, or nil if there is none.
// A stored entry with a different amount is a ValidationError.
func (l *Ledger) replay(ctx context.Context, entry *account.LedgerEntry) (*account.LedgerEntry, error) {
	prior, err := l.store.Entry(ctx, entry.ID)
	if db.IsErrEntryUnknown(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if prior.Amount != entry.Amount {
		return nil, dex.Errorf(loan.ErrValidation, "%s %s for account %s was posted with amount %d, not %d",
			entry.Kind, entry.RefID, entry.Account, prior.Amount, entry.Amount)
	}
	log.Tracef("Replayed %s %s for account %s", entry.Kind, entry.RefID, entry.Account)
	return prior, nil
}

// check tests the preconditions of a new entry against the account as read.
func (l *Ledger) check(ctx context.Context, acct *account.Account, entry *account.LedgerEntry) error {
	switch entry.Kind {
	case account.Reserve:
		if acct.Available() < entry.Amount {
			return dex.Errorf(loan.ErrInsufficientFunds, "account %s has %d available, cannot reserve %d",
				acct.ID, acct.Available(), entry.Amount)
		}
	case account.Release:
		reservation, err := l.store.Entry(ctx, account.NewEntryID(acct.ID, account.Reserve, entry.RefID))
		if db.IsErrEntryUnknown(err) {
			return dex.Errorf(loan.ErrNotFound, "no reservation %s for account %s", entry.RefID, acct.ID)
		}
		if err != nil {
			return err
		}
		if reservation.Amount != entry.Amount {
			return dex.Errorf(loan.ErrValidation, "reservation %s for account %s is %d, not %d",
				entry.RefID, acct.ID, reservation.Amount, entry.Amount)
		}
	case account.Debit:
		if acct.Balance-acct.Reserved < entry.Amount {
			return dex.Errorf(loan.ErrInsufficientFunds, "account %s has %d unreserved, cannot debit %d",
				acct.ID, acct.Balance-acct.Reserved, entry.Amount)
		}
	case account.Credit:
	default:
		return dex.Errorf(loan.ErrValidation, "unknown entry kind %d", entry.Kind)
	}
	return nil
}

// retryError converts the final error of a retried store operation.
func (l *Ledger) retryError(err error, aid account.AccountID) error {
	if db.Retryable(err) {
		log.Warnf("Giving up on account %s after retries: %v", aid, err)
	}
	return db.RetryError(err)
}
