// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pg

import (
	"context"
	"database/sql"
	"errors"

	"lendex.org/lendex/server/account"
	"lendex.org/lendex/server/db"
	"lendex.org/lendex/server/db/driver/pg/internal"
)

func scanAccount(row rowScanner) (*account.Account, error) {
	var acct account.Account
	var aid []byte
	var balance, reserved int64
	var lastDeposit, created sql.NullTime
	err := row.Scan(&aid, &balance, &reserved, &acct.KYCLevel, &lastDeposit, &created, &acct.Version)
	if err != nil {
		return nil, err
	}
	if err = copyID(acct.ID[:], aid); err != nil {
		return nil, err
	}
	acct.Balance, acct.Reserved = uint64(balance), uint64(reserved)
	acct.LastDepositAt = fromNullTime(lastDeposit)
	acct.CreatedAt = fromNullTime(created)
	return &acct, nil
}

func scanEntry(row rowScanner) (*account.LedgerEntry, error) {
	var e account.LedgerEntry
	var eid, aid []byte
	var kind int16
	var amt int64
	var created sql.NullTime
	if err := row.Scan(&eid, &aid, &kind, &amt, &e.RefID, &created); err != nil {
		return nil, err
	}
	if err := copyID(e.ID[:], eid); err != nil {
		return nil, err
	}
	if err := copyID(e.Account[:], aid); err != nil {
		return nil, err
	}
	e.Kind = account.EntryKind(kind)
	e.Amount = uint64(amt)
	e.CreatedAt = fromNullTime(created)
	return &e, nil
}

func accountExists(ctx context.Context, q sqlQueryer, aid account.AccountID) (exists bool, err error) {
	err = q.QueryRowContext(ctx, internal.AccountExists, aid[:]).Scan(&exists)
	return
}

// CreateAccount inserts a new account.
func (a *Archiver) CreateAccount(ctx context.Context, acct *account.Account) error {
	ctx, cancel := a.queryCtx(ctx)
	defer cancel()
	N, err := sqlExec(ctx, a.db, internal.InsertAccount, acct.ID[:], int64(acct.Balance),
		int64(acct.Reserved), int16(acct.KYCLevel), nullTime(acct.LastDepositAt), acct.CreatedAt)
	if err != nil {
		return translate(err)
	}
	if N == 0 {
		return db.ArchiveError{Code: db.ErrDuplicate, Detail: "account " + acct.ID.String()}
	}
	acct.Version = 1
	return nil
}

// Account retrieves an account.
func (a *Archiver) Account(ctx context.Context, aid account.AccountID) (*account.Account, error) {
	ctx, cancel := a.queryCtx(ctx)
	defer cancel()
	acct, err := scanAccount(a.db.QueryRowContext(ctx, internal.SelectAccount, aid[:]))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ArchiveError{Code: db.ErrUnknownAccount, Detail: aid.String()}
	}
	if err != nil {
		return nil, translate(err)
	}
	return acct, nil
}

// Accounts retrieves every account.
func (a *Archiver) Accounts(ctx context.Context) ([]*account.Account, error) {
	ctx, cancel := a.queryCtx(ctx)
	defer cancel()
	rows, err := a.db.QueryContext(ctx, internal.SelectAllAccounts)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	var accts []*account.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, translate(err)
		}
		accts = append(accts, acct)
	}
	return accts, translate(rows.Err())
}

// updateAccount writes the account conditional on its version, returning the
// number of rows changed.
func updateAccount(ctx context.Context, e sqlExecutor, acct *account.Account) (int64, error) {
	return sqlExec(ctx, e, internal.UpdateAccount, acct.ID[:], int64(acct.Balance), int64(acct.Reserved),
		int16(acct.KYCLevel), nullTime(acct.LastDepositAt), int64(acct.Version))
}

// UpdateAccount conditionally writes the account.
func (a *Archiver) UpdateAccount(ctx context.Context, acct *account.Account) error {
	ctx, cancel := a.queryCtx(ctx)
	defer cancel()
	N, err := updateAccount(ctx, a.db, acct)
	if err != nil {
		return translate(err)
	}
	if N == 0 {
		exists, err := accountExists(ctx, a.db, acct.ID)
		if err != nil {
			return translate(err)
		}
		if !exists {
			return db.ArchiveError{Code: db.ErrUnknownAccount, Detail: acct.ID.String()}
		}
		return versionConflict(acct.ID, acct.Version)
	}
	acct.Version++
	return nil
}

// PostEntry inserts the entries and writes the account with the entries
// applied, in one transaction holding the account row lock.
func (a *Archiver) PostEntry(ctx context.Context, acct *account.Account, entries ...*account.LedgerEntry) error {
	rec, err := account.ApplyEntries(acct, entries)
	if err != nil {
		return db.ArchiveError{Code: db.ErrGeneralFailure, Detail: err.Error()}
	}
	err = a.withTx(ctx, func(tx *sql.Tx) error {
		var storedVer uint64
		err := tx.QueryRowContext(ctx, internal.LockAccountVersion, acct.ID[:]).Scan(&storedVer)
		if errors.Is(err, sql.ErrNoRows) {
			return db.ArchiveError{Code: db.ErrUnknownAccount, Detail: acct.ID.String()}
		}
		if err != nil {
			return err
		}
		for _, entry := range entries {
			var dup bool
			if err = tx.QueryRowContext(ctx, internal.EntryExists, entry.ID[:]).Scan(&dup); err != nil {
				return err
			}
			if dup {
				return db.ArchiveError{Code: db.ErrDuplicate, Detail: "ledger entry " + entry.ID.String()}
			}
		}
		if storedVer != acct.Version {
			return versionConflict(acct.ID, acct.Version)
		}
		for _, entry := range entries {
			_, err = tx.ExecContext(ctx, internal.InsertEntry, entry.ID[:], entry.Account[:],
				int16(entry.Kind), int64(entry.Amount), entry.RefID, entry.CreatedAt)
			if err != nil {
				return err
			}
		}
		_, err = updateAccount(ctx, tx, rec)
		return err
	})
	if err != nil {
		return err
	}
	rec.Version++
	*acct = *rec
	return nil
}

// Entry retrieves a ledger entry.
func (a *Archiver) Entry(ctx context.Context, eid account.EntryID) (*account.LedgerEntry, error) {
	ctx, cancel := a.queryCtx(ctx)
	defer cancel()
	e, err := scanEntry(a.db.QueryRowContext(ctx, internal.SelectEntry, eid[:]))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ArchiveError{Code: db.ErrUnknownEntry, Detail: eid.String()}
	}
	if err != nil {
		return nil, translate(err)
	}
	return e, nil
}

// Entries retrieves every entry for the account, oldest first.
func (a *Archiver) Entries(ctx context.Context, aid account.AccountID) ([]*account.LedgerEntry, error) {
	ctx, cancel := a.queryCtx(ctx)
	defer cancel()
	rows, err := a.db.QueryContext(ctx, internal.SelectEntriesForAccount, aid[:])
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	var entries []*account.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, translate(err)
		}
		entries = append(entries, e)
	}
	return entries, translate(rows.Err())
}
