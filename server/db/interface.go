// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package db defines the persistence interface of the lending engine. Drivers
// register themselves by name and are opened with Open.
//
// Every stored record carries a Version. Conditional writes (UpdateAccount,
// PostEntry, UpdateOffer, UpdateMatch, DeleteProposal) succeed only if the
// record's Version equals the stored version, and fail with an ArchiveError
// of code ErrVersionConflict otherwise. On success the store increments the
// version and sets it on the passed record. Inserts store Version 1.
package db

import (
	"context"

	"lendex.org/lendex/server/account"
	"lendex.org/lendex/server/loan"
)

// LendexArchivist is the complete store used by the engine.
type LendexArchivist interface {
	AccountArchiver
	OfferArchiver
	MatchArchiver
	// Close releases the store's resources.
	Close() error
}

// AccountArchiver stores accounts and their ledger entries.
type AccountArchiver interface {
	// CreateAccount inserts a new account. ErrDuplicate if it exists.
	CreateAccount(ctx context.Context, acct *account.Account) error
	// Account retrieves an account. ErrUnknownAccount if it does not exist.
	Account(ctx context.Context, aid account.AccountID) (*account.Account, error)
	// Accounts retrieves every account.
	Accounts(ctx context.Context) ([]*account.Account, error)
	// UpdateAccount conditionally writes the account's non-balance fields.
	UpdateAccount(ctx context.Context, acct *account.Account) error
	// PostEntry atomically inserts the ledger entries and writes the account
	// with the entries applied in order to its balances, conditional on the
	// account version. acct is the account as read by the caller, optionally
	// with updated non-balance fields. If an entry with the same id as any of
	// the entries exists, the call fails with ErrDuplicate and nothing is
	// written.
	PostEntry(ctx context.Context, acct *account.Account, entries ...*account.LedgerEntry) error
	// Entry retrieves a ledger entry. ErrUnknownEntry if it does not exist.
	Entry(ctx context.Context, eid account.EntryID) (*account.LedgerEntry, error)
	// Entries retrieves every entry for the account, oldest first.
	Entries(ctx context.Context, aid account.AccountID) ([]*account.LedgerEntry, error)
}

// OfferArchiver stores offers.
type OfferArchiver interface {
	// InsertOffer stores a new offer. ErrDuplicate if it exists.
	InsertOffer(ctx context.Context, offer *loan.Offer) error
	// Offer retrieves an offer. ErrUnknownOffer if it does not exist.
	Offer(ctx context.Context, oid loan.OfferID) (*loan.Offer, error)
	// UpdateOffer conditionally writes the offer.
	UpdateOffer(ctx context.Context, offer *loan.Offer) error
	// PendingOffers retrieves the Pending offers of the kind, oldest first,
	// ties broken by id.
	PendingOffers(ctx context.Context, kind loan.Kind) ([]*loan.Offer, error)
	// OffersByOwner retrieves every offer of the account, oldest first.
	OffersByOwner(ctx context.Context, aid account.AccountID) ([]*loan.Offer, error)
}

// MatchArchiver stores matches.
type MatchArchiver interface {
	// InsertMatch stores a new match. ErrDuplicate if it exists.
	InsertMatch(ctx context.Context, match *loan.Match) error
	// Match retrieves a match. ErrUnknownMatch if it does not exist.
	Match(ctx context.Context, mid loan.MatchID) (*loan.Match, error)
	// UpdateMatch conditionally writes the match.
	UpdateMatch(ctx context.Context, match *loan.Match) error
	// DeleteProposal removes a match that is still in StatusPending,
	// conditional on its version. Committed matches are never deleted.
	DeleteProposal(ctx context.Context, match *loan.Match) error
	// ActiveMatches retrieves every match with Active set, oldest proposal
	// first.
	ActiveMatches(ctx context.Context) ([]*loan.Match, error)
	// ArchivedMatches retrieves up to n archived matches, most recently
	// proposed first. n <= 0 means no limit.
	ArchivedMatches(ctx context.Context, n int) ([]*loan.Match, error)
	// MatchesForAccount retrieves every match in which the account is a
	// lender or the counterparty, oldest proposal first.
	MatchesForAccount(ctx context.Context, aid account.AccountID) ([]*loan.Match, error)
}
