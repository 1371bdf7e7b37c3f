// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"lendex.org/lendex/server/account"
	"lendex.org/lendex/server/db"
	"lendex.org/lendex/server/db/driver/pg/internal"
	"lendex.org/lendex/server/loan"
)

// confirmationArgs are the by and at column values of an attestation.
func confirmationArgs(c *loan.Confirmation) (by []byte, at sql.NullTime) {
	if !c.Set() {
		return nil, sql.NullTime{}
	}
	return nullAccountID(c.By), nullTime(c.At)
}

// payoutArgs are the paid_at and payout_total column values.
func payoutArgs(p *loan.Payout) (sql.NullTime, sql.NullInt64) {
	if p == nil {
		return sql.NullTime{}, sql.NullInt64{}
	}
	return nullTime(p.PaidAt), sql.NullInt64{Int64: int64(p.Total), Valid: true}
}

// scanMatch scans the matches columns. Contributions and payout credits are
// loaded separately by loadMatchChildren.
func scanMatch(row rowScanner) (*loan.Match, error) {
	var m loan.Match
	var mid, borrowerOID, cp []byte
	var total, repay int64
	var proposed, matched, ready sql.NullTime
	var paidBy, receivedBy, depositBy []byte
	var paidAt, receivedAt, depositAt sql.NullTime
	var status int16
	var payoutPaid sql.NullTime
	var payoutTotal sql.NullInt64
	err := row.Scan(&mid, &borrowerOID, &m.Synthetic, &m.SyntheticRef, &cp, &total, &repay,
		&proposed, &matched, &ready, &paidBy, &paidAt, &receivedBy, &receivedAt, &depositBy, &depositAt,
		&status, &m.Active, &payoutPaid, &payoutTotal, &m.RejectReason, &m.Version)
	if err != nil {
		return nil, err
	}
	ids := []struct{ dst, src []byte }{
		{m.ID[:], mid},
		{m.BorrowerOfferID[:], borrowerOID},
		{m.Counterparty[:], cp},
		{m.Confirmations.LenderPaid.By[:], paidBy},
		{m.Confirmations.CounterpartyReceived.By[:], receivedBy},
		{m.Confirmations.DepositMade.By[:], depositBy},
	}
	for _, id := range ids {
		if err = copyID(id.dst, id.src); err != nil {
			return nil, err
		}
	}
	m.TotalAmount, m.AmountToRepay = uint64(total), uint64(repay)
	m.ProposedAt, m.MatchedAt = fromNullTime(proposed), fromNullTime(matched)
	m.WithdrawalReadyAt = fromNullTime(ready)
	m.Confirmations.LenderPaid.At = fromNullTime(paidAt)
	m.Confirmations.CounterpartyReceived.At = fromNullTime(receivedAt)
	m.Confirmations.DepositMade.At = fromNullTime(depositAt)
	m.Status = loan.MatchStatus(status)
	if payoutTotal.Valid {
		m.Payout = &loan.Payout{
			MatchID: m.ID,
			Total:   uint64(payoutTotal.Int64),
			PaidAt:  fromNullTime(payoutPaid),
		}
	}
	return &m, nil
}

func loadMatchChildren(ctx context.Context, q sqlQueryer, m *loan.Match) error {
	rows, err := q.QueryContext(ctx, internal.SelectContributions, m.ID[:])
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var oid, owner []byte
		var amt int64
		if err = rows.Scan(&oid, &owner, &amt); err != nil {
			return err
		}
		c := &loan.Contribution{Amount: uint64(amt)}
		if err = copyID(c.OfferID[:], oid); err != nil {
			return err
		}
		if err = copyID(c.Owner[:], owner); err != nil {
			return err
		}
		m.Contributions = append(m.Contributions, c)
	}
	if err = rows.Err(); err != nil {
		return err
	}
	if m.Payout == nil {
		return nil
	}

	credRows, err := q.QueryContext(ctx, internal.SelectPayoutCredits, m.ID[:])
	if err != nil {
		return err
	}
	defer credRows.Close()
	for credRows.Next() {
		var aid []byte
		var amt int64
		if err = credRows.Scan(&aid, &amt); err != nil {
			return err
		}
		pc := &loan.PayoutCredit{Amount: uint64(amt)}
		if err = copyID(pc.Account[:], aid); err != nil {
			return err
		}
		m.Payout.Credits = append(m.Payout.Credits, pc)
	}
	return credRows.Err()
}

// InsertMatch stores a new match with its contributions.
func (a *Archiver) InsertMatch(ctx context.Context, match *loan.Match) error {
	err := a.withTx(ctx, func(tx *sql.Tx) error {
		paidBy, paidAt := confirmationArgs(&match.Confirmations.LenderPaid)
		receivedBy, receivedAt := confirmationArgs(&match.Confirmations.CounterpartyReceived)
		depositBy, depositAt := confirmationArgs(&match.Confirmations.DepositMade)
		payoutPaid, payoutTotal := payoutArgs(match.Payout)
		N, err := sqlExec(ctx, tx, internal.InsertMatch, match.ID[:], match.BorrowerOfferID[:], match.Synthetic,
			match.SyntheticRef, match.Counterparty[:], int64(match.TotalAmount), int64(match.AmountToRepay),
			match.ProposedAt, nullTime(match.MatchedAt), nullTime(match.WithdrawalReadyAt),
			paidBy, paidAt, receivedBy, receivedAt, depositBy, depositAt,
			int16(match.Status), match.Active, payoutPaid, payoutTotal, match.RejectReason)
		if err != nil {
			return err
		}
		if N == 0 {
			return db.ArchiveError{Code: db.ErrDuplicate, Detail: "match " + match.ID.String()}
		}
		for i, c := range match.Contributions {
			_, err = tx.ExecContext(ctx, internal.InsertContribution, match.ID[:], i, c.OfferID[:],
				c.Owner[:], int64(c.Amount))
			if err != nil {
				return err
			}
		}
		return insertPayoutCredits(ctx, tx, match)
	})
	if err != nil {
		return err
	}
	match.Version = 1
	return nil
}

func insertPayoutCredits(ctx context.Context, tx *sql.Tx, match *loan.Match) error {
	if match.Payout == nil {
		return nil
	}
	for i, pc := range match.Payout.Credits {
		_, err := tx.ExecContext(ctx, internal.InsertPayoutCredit, match.ID[:], i, pc.Account[:], int64(pc.Amount))
		if err != nil {
			return err
		}
	}
	return nil
}

// Match retrieves a match.
func (a *Archiver) Match(ctx context.Context, mid loan.MatchID) (*loan.Match, error) {
	ctx, cancel := a.queryCtx(ctx)
	defer cancel()
	m, err := scanMatch(a.db.QueryRowContext(ctx, internal.SelectMatch, mid[:]))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ArchiveError{Code: db.ErrUnknownMatch, Detail: mid.String()}
	}
	if err != nil {
		return nil, translate(err)
	}
	if err = loadMatchChildren(ctx, a.db, m); err != nil {
		return nil, translate(err)
	}
	return m, nil
}

// UpdateMatch conditionally writes the match. Contributions never change.
// Payout credits are rewritten with the match.
func (a *Archiver) UpdateMatch(ctx context.Context, match *loan.Match) error {
	err := a.withTx(ctx, func(tx *sql.Tx) error {
		paidBy, paidAt := confirmationArgs(&match.Confirmations.LenderPaid)
		receivedBy, receivedAt := confirmationArgs(&match.Confirmations.CounterpartyReceived)
		depositBy, depositAt := confirmationArgs(&match.Confirmations.DepositMade)
		payoutPaid, payoutTotal := payoutArgs(match.Payout)
		N, err := sqlExec(ctx, tx, internal.UpdateMatch, match.ID[:], nullTime(match.MatchedAt),
			nullTime(match.WithdrawalReadyAt), paidBy, paidAt, receivedBy, receivedAt, depositBy, depositAt,
			int16(match.Status), match.Active, payoutPaid, payoutTotal, match.RejectReason,
			int64(match.Version))
		if err != nil {
			return err
		}
		if N == 0 {
			var exists bool
			if err = tx.QueryRowContext(ctx, internal.MatchExists, match.ID[:]).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return db.ArchiveError{Code: db.ErrUnknownMatch, Detail: match.ID.String()}
			}
			return versionConflict(match.ID, match.Version)
		}
		if _, err = tx.ExecContext(ctx, internal.DeletePayoutCredits, match.ID[:]); err != nil {
			return err
		}
		return insertPayoutCredits(ctx, tx, match)
	})
	if err != nil {
		return err
	}
	match.Version++
	return nil
}

// DeleteProposal removes a Pending match at the expected version.
func (a *Archiver) DeleteProposal(ctx context.Context, match *loan.Match) error {
	return a.withTx(ctx, func(tx *sql.Tx) error {
		var status int16
		var ver uint64
		err := tx.QueryRowContext(ctx, internal.LockMatchState, match.ID[:]).Scan(&status, &ver)
		if errors.Is(err, sql.ErrNoRows) {
			return db.ArchiveError{Code: db.ErrUnknownMatch, Detail: match.ID.String()}
		}
		if err != nil {
			return err
		}
		if ver != match.Version {
			return versionConflict(match.ID, match.Version)
		}
		if loan.MatchStatus(status) != loan.StatusPending {
			return db.ArchiveError{
				Code:   db.ErrVersionConflict,
				Detail: fmt.Sprintf("match %s is %s, not a proposal", match.ID, loan.MatchStatus(status)),
			}
		}
		_, err = tx.ExecContext(ctx, internal.DeleteMatch, match.ID[:])
		return err
	})
}

// ActiveMatches retrieves every active match, oldest proposal first.
func (a *Archiver) ActiveMatches(ctx context.Context) ([]*loan.Match, error) {
	return a.queryMatches(ctx, internal.SelectActiveMatches)
}

// ArchivedMatches retrieves up to n archived matches, most recent first.
func (a *Archiver) ArchivedMatches(ctx context.Context, n int) ([]*loan.Match, error) {
	return a.queryMatches(ctx, internal.SelectArchivedMatches, sql.NullInt64{Int64: int64(n), Valid: n > 0})
}

// MatchesForAccount retrieves every match of the party, oldest proposal
// first.
func (a *Archiver) MatchesForAccount(ctx context.Context, aid account.AccountID) ([]*loan.Match, error) {
	return a.queryMatches(ctx, internal.SelectMatchesForAccount, aid[:])
}

// queryMatches loads the matching rows, then each match's children, in one
// read-only transaction.
func (a *Archiver) queryMatches(ctx context.Context, stmt string, args ...any) ([]*loan.Match, error) {
	ctx, cancel := a.queryCtx(ctx)
	defer cancel()
	tx, err := a.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return nil, translate(err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, translate(err)
	}
	var ms []*loan.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			rows.Close()
			return nil, translate(err)
		}
		ms = append(ms, m)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, translate(err)
	}
	for _, m := range ms {
		if err = loadMatchChildren(ctx, tx, m); err != nil {
			return nil, translate(err)
		}
	}
	return ms, nil
}
