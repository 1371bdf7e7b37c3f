// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package badgerdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"lendex.org/lendex/dex/encode"
	"lendex.org/lendex/dex/lexi"
	"lendex.org/lendex/server/account"
	"lendex.org/lendex/server/db"
)

func entryAccountIndex(_, v lexi.KV) ([]byte, error) {
	e, ok := v.(*account.LedgerEntry)
	if !ok {
		return nil, fmt.Errorf("wrong type %T", v)
	}
	return append(e.Account[:], encode.Uint64Bytes(uint64(e.CreatedAt.UnixNano()))...), nil
}

func (a *Archiver) getAccount(txn *badger.Txn, aid account.AccountID) (*account.Account, error) {
	acct := new(account.Account)
	if err := a.accounts.GetTxn(txn, aid[:], acct); err != nil {
		if errors.Is(err, lexi.ErrKeyNotFound) {
			return nil, db.ArchiveError{Code: db.ErrUnknownAccount, Detail: aid.String()}
		}
		return nil, err
	}
	return acct, nil
}

// CreateAccount inserts a new account.
func (a *Archiver) CreateAccount(ctx context.Context, acct *account.Account) error {
	rec := *acct
	rec.Version = 1
	err := a.update(ctx, func(txn *badger.Txn) error {
		err := a.accounts.SetTxn(txn, rec.ID[:], &rec)
		if errors.Is(err, lexi.ErrExists) {
			return db.ArchiveError{Code: db.ErrDuplicate, Detail: "account " + rec.ID.String()}
		}
		return err
	})
	if err == nil {
		acct.Version = rec.Version
	}
	return err
}

// Account retrieves an account.
func (a *Archiver) Account(ctx context.Context, aid account.AccountID) (acct *account.Account, err error) {
	return acct, a.view(ctx, func(txn *badger.Txn) error {
		acct, err = a.getAccount(txn, aid)
		return err
	})
}

// Accounts retrieves every account.
func (a *Archiver) Accounts(ctx context.Context) ([]*account.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, db.ArchiveError{Code: db.ErrUnavailable, Detail: err.Error()}
	}
	var accts []*account.Account
	return accts, translate(a.accounts.Iterate(nil, func(it *lexi.Iter) error {
		return it.V(func(vB []byte) error {
			acct := new(account.Account)
			if err := acct.UnmarshalBinary(vB); err != nil {
				return err
			}
			accts = append(accts, acct)
			return nil
		})
	}))
}

// UpdateAccount conditionally writes the account.
func (a *Archiver) UpdateAccount(ctx context.Context, acct *account.Account) error {
	rec := *acct
	rec.Version++
	err := a.update(ctx, func(txn *badger.Txn) error {
		stored, err := a.getAccount(txn, acct.ID)
		if err != nil {
			return err
		}
		if stored.Version != acct.Version {
			return versionConflict(acct.ID, stored.Version, acct.Version)
		}
		return a.accounts.SetTxn(txn, rec.ID[:], &rec, lexi.WithReplace())
	})
	if err == nil {
		acct.Version = rec.Version
	}
	return err
}

// PostEntry inserts the entries and writes the account with the entries
// applied, in one transaction.
func (a *Archiver) PostEntry(ctx context.Context, acct *account.Account, entries ...*account.LedgerEntry) error {
	rec, err := account.ApplyEntries(acct, entries)
	if err != nil {
		return db.ArchiveError{Code: db.ErrGeneralFailure, Detail: err.Error()}
	}
	rec.Version++
	err = a.update(ctx, func(txn *badger.Txn) error {
		stored, err := a.getAccount(txn, acct.ID)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			exists, err := a.entries.Has(txn, entry.ID[:])
			if err != nil {
				return err
			}
			if exists {
				return db.ArchiveError{Code: db.ErrDuplicate, Detail: "ledger entry " + entry.ID.String()}
			}
		}
		if stored.Version != acct.Version {
			return versionConflict(acct.ID, stored.Version, acct.Version)
		}
		for _, entry := range entries {
			if err := a.entries.SetTxn(txn, entry.ID[:], entry); err != nil {
				return err
			}
		}
		return a.accounts.SetTxn(txn, rec.ID[:], rec, lexi.WithReplace())
	})
	if err == nil {
		*acct = *rec
	}
	return err
}

// Entry retrieves a ledger entry.
func (a *Archiver) Entry(ctx context.Context, eid account.EntryID) (*account.LedgerEntry, error) {
	e := new(account.LedgerEntry)
	err := a.view(ctx, func(txn *badger.Txn) error {
		err := a.entries.GetTxn(txn, eid[:], e)
		if errors.Is(err, lexi.ErrKeyNotFound) {
			return db.ArchiveError{Code: db.ErrUnknownEntry, Detail: eid.String()}
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Entries retrieves every entry for the account, oldest first.
func (a *Archiver) Entries(ctx context.Context, aid account.AccountID) ([]*account.LedgerEntry, error) {
	var entries []*account.LedgerEntry
	return entries, a.view(ctx, func(txn *badger.Txn) error {
		return a.entryAccountIdx.IterateTxn(txn, aid[:], func(it *lexi.Iter) error {
			return it.V(func(vB []byte) error {
				e := new(account.LedgerEntry)
				if err := e.UnmarshalBinary(vB); err != nil {
					return err
				}
				entries = append(entries, e)
				return nil
			})
		})
	})
}
