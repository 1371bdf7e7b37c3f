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
	"lendex.org/lendex/server/loan"
)

func scanOffer(row rowScanner) (*loan.Offer, error) {
	var o loan.Offer
	var oid, owner, mid []byte
	var kind, status int16
	var amt int64
	var created, matures, cancelled sql.NullTime
	err := row.Scan(&oid, &owner, &kind, &amt, &created, &matures, &status, &mid, &cancelled, &o.Version)
	if err != nil {
		return nil, err
	}
	for _, id := range []struct{ dst, src []byte }{{o.ID[:], oid}, {o.Owner[:], owner}, {o.MatchID[:], mid}} {
		if err = copyID(id.dst, id.src); err != nil {
			return nil, err
		}
	}
	o.Kind, o.Status = loan.Kind(kind), loan.OfferStatus(status)
	o.Amount = uint64(amt)
	o.CreatedAt, o.MaturesAt = fromNullTime(created), fromNullTime(matures)
	o.CancelledAt = fromNullTime(cancelled)
	return &o, nil
}

// InsertOffer stores a new offer.
func (a *Archiver) InsertOffer(ctx context.Context, offer *loan.Offer) error {
	ctx, cancel := a.queryCtx(ctx)
	defer cancel()
	N, err := sqlExec(ctx, a.db, internal.InsertOffer, offer.ID[:], offer.Owner[:], int16(offer.Kind),
		int64(offer.Amount), offer.CreatedAt, offer.MaturesAt, int16(offer.Status), offer.MatchID[:],
		nullTime(offer.CancelledAt))
	if err != nil {
		return translate(err)
	}
	if N == 0 {
		return db.ArchiveError{Code: db.ErrDuplicate, Detail: "offer " + offer.ID.String()}
	}
	offer.Version = 1
	return nil
}

// Offer retrieves an offer.
func (a *Archiver) Offer(ctx context.Context, oid loan.OfferID) (*loan.Offer, error) {
	ctx, cancel := a.queryCtx(ctx)
	defer cancel()
	o, err := scanOffer(a.db.QueryRowContext(ctx, internal.SelectOffer, oid[:]))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ArchiveError{Code: db.ErrUnknownOffer, Detail: oid.String()}
	}
	if err != nil {
		return nil, translate(err)
	}
	return o, nil
}

// UpdateOffer conditionally writes the offer's status, match and
// cancellation time.
func (a *Archiver) UpdateOffer(ctx context.Context, offer *loan.Offer) error {
	ctx, cancel := a.queryCtx(ctx)
	defer cancel()
	N, err := sqlExec(ctx, a.db, internal.UpdateOffer, offer.ID[:], int16(offer.Status), offer.MatchID[:],
		nullTime(offer.CancelledAt), int64(offer.Version))
	if err != nil {
		return translate(err)
	}
	if N == 0 {
		var exists bool
		if err = a.db.QueryRowContext(ctx, internal.OfferExists, offer.ID[:]).Scan(&exists); err != nil {
			return translate(err)
		}
		if !exists {
			return db.ArchiveError{Code: db.ErrUnknownOffer, Detail: offer.ID.String()}
		}
		return versionConflict(offer.ID, offer.Version)
	}
	offer.Version++
	return nil
}

// PendingOffers retrieves the Pending offers of the kind, oldest first.
func (a *Archiver) PendingOffers(ctx context.Context, kind loan.Kind) ([]*loan.Offer, error) {
	return a.queryOffers(ctx, internal.SelectOffersByStatus, int16(loan.OfferPending), int16(kind))
}

// OffersByOwner retrieves every offer of the account, oldest first.
func (a *Archiver) OffersByOwner(ctx context.Context, aid account.AccountID) ([]*loan.Offer, error) {
	return a.queryOffers(ctx, internal.SelectOffersByOwner, aid[:])
}

func (a *Archiver) queryOffers(ctx context.Context, stmt string, args ...any) ([]*loan.Offer, error) {
	ctx, cancel := a.queryCtx(ctx)
	defer cancel()
	rows, err := a.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	var offers []*loan.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, translate(err)
		}
		offers = append(offers, o)
	}
	return offers, translate(rows.Err())
}
