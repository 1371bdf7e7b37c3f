// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package offers is the offer registry. It creates lend and borrow offers,
// reserving a lend offer's amount on the owner's account, and cancels them on
// request of the owner or the housekeeping expiry.
package offers

import (
	"context"
	"errors"
	"time"

	"lendex.org/lendex/dex"
	"lendex.org/lendex/dex/msgjson"
	"lendex.org/lendex/dex/wait"
	"lendex.org/lendex/server/account"
	"lendex.org/lendex/server/db"
	"lendex.org/lendex/server/kyc"
	"lendex.org/lendex/server/loan"
	"lendex.org/lendex/server/notify"
)

// Ledger is the part of the account ledger used to hold lend offer capital.
type Ledger interface {
	Reserve(ctx context.Context, aid account.AccountID, amt uint64, refID string) (*account.LedgerEntry, error)
	Release(ctx context.Context, aid account.AccountID, amt uint64, refID string) (*account.LedgerEntry, error)
}

// Config is the configuration for the Registry.
type Config struct {
	Store     db.OfferArchiver
	Ledger    Ledger
	Directory kyc.Directory
	// Limits are the largest offer amounts per KYC level. With nil Limits any
	// known account may create offers of any size.
	Limits   kyc.Limits
	Notifier notify.Notifier
	Clock    loan.Clock
	Backoff  wait.Backoff
	// MinimumOffer is the smallest amount of a new offer, in atoms.
	MinimumOffer uint64
	// MaxOfferAge is the age at which ExpireStale cancels a pending offer.
	// Zero disables expiry.
	MaxOfferAge time.Duration
	// HoldPeriod is the age at which an offer becomes ready for matching.
	// Defaults to loan.HoldPeriod.
	HoldPeriod time.Duration
}

// Registry manages the offer lifecycle.
type Registry struct {
	store      db.OfferArchiver
	ledger     Ledger
	directory  kyc.Directory
	limits     kyc.Limits
	notifier   notify.Notifier
	clock      loan.Clock
	backoff    wait.Backoff
	minimum    uint64
	maxAge     time.Duration
	holdPeriod time.Duration
}

// NewRegistry is the constructor for a Registry.
func NewRegistry(cfg *Config) (*Registry, error) {
	if cfg.Store == nil || cfg.Ledger == nil || cfg.Directory == nil {
		return nil, errors.New("offer registry requires a store, a ledger and a directory")
	}
	r := &Registry{
		store:      cfg.Store,
		ledger:     cfg.Ledger,
		directory:  cfg.Directory,
		limits:     cfg.Limits,
		notifier:   cfg.Notifier,
		clock:      cfg.Clock,
		backoff:    cfg.Backoff,
		minimum:    cfg.MinimumOffer,
		maxAge:     cfg.MaxOfferAge,
		holdPeriod: cfg.HoldPeriod,
	}
	if r.notifier == nil {
		r.notifier = notify.Nop
	}
	if r.clock == nil {
		r.clock = loan.SystemClock{}
	}
	if r.holdPeriod <= 0 {
		r.holdPeriod = loan.HoldPeriod
	}
	return r, nil
}

type offerDetails struct {
	Kind   string `json:"kind"`
	Amount uint64 `json:"amount"`
}

func (r *Registry) notify(route string, offer *loan.Offer, stamp time.Time) {
	r.notifier.Notify(offer.Owner, notify.NewEvent(route, offer.ID.String(), offer.Status.String(), stamp,
		&offerDetails{Kind: offer.Kind.String(), Amount: offer.Amount}))
}

// CreateOffer creates a Pending offer. The amount of a lend offer is reserved
// on the owner's account under the offer id.
func (r *Registry) CreateOffer(ctx context.Context, owner account.AccountID, kind loan.Kind, amt uint64) (*loan.Offer, error) {
	if kind != loan.Lend && kind != loan.Borrow {
		return nil, dex.Errorf(loan.ErrValidation, "unknown offer kind %d", kind)
	}
	if owner.IsZero() {
		return nil, dex.NewError(loan.ErrValidation, "zero owner id")
	}
	if amt == 0 || amt < r.minimum {
		return nil, dex.Errorf(loan.ErrBelowMinimum, "offer amount %d is below the minimum %d", amt, r.minimum)
	}
	level, err := r.directory.KYCLevel(ctx, owner)
	if err != nil {
		return nil, db.LoanError(err)
	}
	if r.limits != nil {
		if err = r.limits.Check(level, amt); err != nil {
			return nil, err
		}
	}

	now := r.clock.Now()
	offer := &loan.Offer{
		ID:        loan.NewOfferID(owner, kind, amt, now),
		Owner:     owner,
		Kind:      kind,
		Amount:    amt,
		CreatedAt: now,
		MaturesAt: now.Add(r.holdPeriod),
		Status:    loan.OfferPending,
	}
	refID := offer.ID.String()

	closer := dex.NewErrorCloser()
	defer closer.Done(log)

	if kind == loan.Lend {
		if _, err = r.ledger.Reserve(ctx, owner, amt, refID); err != nil {
			return nil, err
		}
		closer.Add(func() error {
			_, err := r.ledger.Release(context.WithoutCancel(ctx), owner, amt, refID)
			return err
		})
	}
	if err = r.store.InsertOffer(ctx, offer); err != nil {
		if !db.IsErrUnavailable(err) {
			return nil, db.LoanError(err)
		}
		// The insert may have landed. The reservation is released only if the
		// offer is known to be absent.
		stored, rerr := r.store.Offer(context.WithoutCancel(ctx), offer.ID)
		switch {
		case rerr == nil:
			log.Warnf("Insert of offer %s reported %v but the offer is stored", offer.ID, err)
			offer = stored
		case db.IsErrOfferUnknown(rerr):
			return nil, db.LoanError(err)
		default:
			closer.Success()
			log.Errorf("Unable to tell whether offer %s of account %s was stored. Keeping reservation %s of %d: %v",
				offer.ID, owner, refID, amt, rerr)
			return nil, db.LoanError(err)
		}
	}
	closer.Success()

	log.Infof("Created %s offer %s for %d from account %s", kind, offer.ID, amt, owner)
	r.notify(msgjson.OfferCreatedRoute, offer, now)
	return offer, nil
}

// CancelOffer cancels a Pending offer and releases its reservation. Only the
// owner or the system account may cancel.
func (r *Registry) CancelOffer(ctx context.Context, oid loan.OfferID, actor account.AccountID) (*loan.Offer, error) {
	var offer *loan.Offer
	var stamp time.Time
	err := r.backoff.Retry(ctx, db.Retryable, func() (err error) {
		if offer, err = r.store.Offer(ctx, oid); err != nil {
			return err
		}
		if actor != offer.Owner && actor != account.SystemID {
			return dex.Errorf(loan.ErrUnauthorized, "account %s may not cancel offer %s", actor, oid)
		}
		if offer.Status != loan.OfferPending {
			if offer.Status == loan.OfferCancelled {
				// A previous cancel may have stopped before the release.
				if err := r.release(ctx, offer); err != nil {
					log.Errorf("Unable to release cancelled offer %s: %v", oid, err)
				}
			}
			return dex.Errorf(loan.ErrStateConflict, "offer %s is %s, not pending", oid, offer.Status)
		}
		stamp = r.clock.Now()
		offer.Status = loan.OfferCancelled
		offer.CancelledAt = stamp
		return r.store.UpdateOffer(ctx, offer)
	})
	if err != nil {
		return nil, db.RetryError(err)
	}
	if err = r.release(ctx, offer); err != nil {
		log.Errorf("Cancelled offer %s but could not release its reservation: %v", oid, err)
		return nil, err
	}

	who := "owner"
	if actor == account.SystemID && actor != offer.Owner {
		who = "system"
	}
	log.Infof("Cancelled %s offer %s of account %s (%s)", offer.Kind, oid, offer.Owner, who)
	r.notify(msgjson.OfferCancelledRoute, offer, stamp)
	return offer, nil
}

// release reverses the reservation of a lend offer. Repeats are no-ops.
func (r *Registry) release(ctx context.Context, offer *loan.Offer) error {
	if offer.Kind != loan.Lend {
		return nil
	}
	_, err := r.ledger.Release(ctx, offer.Owner, offer.Amount, offer.ID.String())
	return err
}

// ExpireStale cancels every Pending offer older than the maximum offer age on
// behalf of the system account. Offers that are bound concurrently are
// skipped. The number of cancelled offers is returned.
func (r *Registry) ExpireStale(ctx context.Context) (int, error) {
	if r.maxAge <= 0 {
		return 0, nil
	}
	cutoff := r.clock.Now().Add(-r.maxAge)
	var n int
	for _, kind := range []loan.Kind{loan.Lend, loan.Borrow} {
		pending, err := r.store.PendingOffers(ctx, kind)
		if err != nil {
			return n, db.LoanError(err)
		}
		for _, offer := range pending {
			if !offer.CreatedAt.Before(cutoff) {
				break // oldest first
			}
			_, err = r.CancelOffer(ctx, offer.ID, account.SystemID)
			switch {
			case err == nil:
				n++
			case errors.Is(err, loan.ErrStateConflict):
				log.Debugf("Offer %s left pending before expiry", offer.ID)
			case errors.Is(err, loan.ErrServiceUnavailable):
				return n, err
			default:
				log.Errorf("Error expiring offer %s: %v", offer.ID, err)
			}
		}
	}
	if n > 0 {
		log.Infof("Expired %d offers created before %s", n, cutoff)
	}
	return n, nil
}

// Offer retrieves the offer.
func (r *Registry) Offer(ctx context.Context, oid loan.OfferID) (*loan.Offer, error) {
	offer, err := r.store.Offer(ctx, oid)
	if err != nil {
		return nil, db.LoanError(err)
	}
	return offer, nil
}

// OffersForAccount retrieves every offer of the account, oldest first.
func (r *Registry) OffersForAccount(ctx context.Context, aid account.AccountID) ([]*loan.Offer, error) {
	offers, err := r.store.OffersByOwner(ctx, aid)
	if err != nil {
		return nil, db.LoanError(err)
	}
	return offers, nil
}
