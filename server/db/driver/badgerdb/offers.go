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
	"lendex.org/lendex/server/loan"
)

// offerStatusIndex orders offers by status, kind, then creation time. Ties
// are broken by the offer id, which lexi appends to every index entry.
func offerStatusIndex(_, v lexi.KV) ([]byte, error) {
	o, ok := v.(*loan.Offer)
	if !ok {
		return nil, fmt.Errorf("wrong type %T", v)
	}
	return append([]byte{byte(o.Status), byte(o.Kind)}, encode.Uint64Bytes(uint64(o.CreatedAt.UnixNano()))...), nil
}

func offerOwnerIndex(_, v lexi.KV) ([]byte, error) {
	o, ok := v.(*loan.Offer)
	if !ok {
		return nil, fmt.Errorf("wrong type %T", v)
	}
	return append(o.Owner[:], encode.Uint64Bytes(uint64(o.CreatedAt.UnixNano()))...), nil
}

func (a *Archiver) getOffer(txn *badger.Txn, oid loan.OfferID) (*loan.Offer, error) {
	o := new(loan.Offer)
	if err := a.offers.GetTxn(txn, oid[:], o); err != nil {
		if errors.Is(err, lexi.ErrKeyNotFound) {
			return nil, db.ArchiveError{Code: db.ErrUnknownOffer, Detail: oid.String()}
		}
		return nil, err
	}
	return o, nil
}

// InsertOffer stores a new offer.
func (a *Archiver) InsertOffer(ctx context.Context, offer *loan.Offer) error {
	rec := *offer
	rec.Version = 1
	err := a.update(ctx, func(txn *badger.Txn) error {
		err := a.offers.SetTxn(txn, rec.ID[:], &rec)
		if errors.Is(err, lexi.ErrExists) {
			return db.ArchiveError{Code: db.ErrDuplicate, Detail: "offer " + rec.ID.String()}
		}
		return err
	})
	if err == nil {
		offer.Version = rec.Version
	}
	return err
}

// Offer retrieves an offer.
func (a *Archiver) Offer(ctx context.Context, oid loan.OfferID) (o *loan.Offer, err error) {
	return o, a.view(ctx, func(txn *badger.Txn) error {
		o, err = a.getOffer(txn, oid)
		return err
	})
}

// UpdateOffer conditionally writes the offer.
func (a *Archiver) UpdateOffer(ctx context.Context, offer *loan.Offer) error {
	rec := *offer
	rec.Version++
	err := a.update(ctx, func(txn *badger.Txn) error {
		stored, err := a.getOffer(txn, offer.ID)
		if err != nil {
			return err
		}
		if stored.Version != offer.Version {
			return versionConflict(offer.ID, stored.Version, offer.Version)
		}
		return a.offers.SetTxn(txn, rec.ID[:], &rec, lexi.WithReplace())
	})
	if err == nil {
		offer.Version = rec.Version
	}
	return err
}

// PendingOffers retrieves the Pending offers of the kind, oldest first.
func (a *Archiver) PendingOffers(ctx context.Context, kind loan.Kind) ([]*loan.Offer, error) {
	return a.offersByIndex(ctx, a.offerStatusIdx, []byte{byte(loan.OfferPending), byte(kind)})
}

// OffersByOwner retrieves every offer of the account, oldest first.
func (a *Archiver) OffersByOwner(ctx context.Context, aid account.AccountID) ([]*loan.Offer, error) {
	return a.offersByIndex(ctx, a.offerOwnerIdx, aid[:])
}

func (a *Archiver) offersByIndex(ctx context.Context, idx *lexi.Index, prefix []byte) ([]*loan.Offer, error) {
	var offers []*loan.Offer
	return offers, a.view(ctx, func(txn *badger.Txn) error {
		return idx.IterateTxn(txn, prefix, func(it *lexi.Iter) error {
			return it.V(func(vB []byte) error {
				o := new(loan.Offer)
				if err := o.UnmarshalBinary(vB); err != nil {
					return err
				}
				offers = append(offers, o)
				return nil
			})
		})
	})
}
