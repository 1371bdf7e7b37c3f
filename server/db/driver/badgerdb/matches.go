// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package badgerdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"lendex.org/lendex/dex/encode"
	"lendex.org/lendex/dex/lexi"
	"lendex.org/lendex/server/account"
	"lendex.org/lendex/server/db"
	"lendex.org/lendex/server/loan"
)

// matchActiveIndex splits matches into active (1) and archived (0), each
// ordered by proposal time.
func matchActiveIndex(_, v lexi.KV) ([]byte, error) {
	m, ok := v.(*loan.Match)
	if !ok {
		return nil, fmt.Errorf("wrong type %T", v)
	}
	var active byte
	if m.Active {
		active = 1
	}
	return append([]byte{active}, encode.Uint64Bytes(uint64(m.ProposedAt.UnixNano()))...), nil
}

// partyKey is the matchparties key, the party's account id followed by the
// match id.
type partyKey [account.HashSize + loan.MatchIDSize]byte

func newPartyKey(aid account.AccountID, mid loan.MatchID) (k partyKey) {
	copy(k[:], aid[:])
	copy(k[account.HashSize:], mid[:])
	return
}

// nothing is the empty value stored in the matchparties table.
type nothing struct{}

func (nothing) MarshalBinary() ([]byte, error) { return nil, nil }

func (a *Archiver) getMatch(txn *badger.Txn, mid loan.MatchID) (*loan.Match, error) {
	m := new(loan.Match)
	if err := a.matches.GetTxn(txn, mid[:], m); err != nil {
		if errors.Is(err, lexi.ErrKeyNotFound) {
			return nil, db.ArchiveError{Code: db.ErrUnknownMatch, Detail: mid.String()}
		}
		return nil, err
	}
	return m, nil
}

// InsertMatch stores a new match and indexes it for each party.
func (a *Archiver) InsertMatch(ctx context.Context, match *loan.Match) error {
	rec := *match
	rec.Version = 1
	err := a.update(ctx, func(txn *badger.Txn) error {
		err := a.matches.SetTxn(txn, rec.ID[:], &rec)
		if errors.Is(err, lexi.ErrExists) {
			return db.ArchiveError{Code: db.ErrDuplicate, Detail: "match " + rec.ID.String()}
		}
		if err != nil {
			return err
		}
		for _, party := range rec.Parties() {
			k := newPartyKey(party, rec.ID)
			if err := a.parties.SetTxn(txn, k[:], nothing{}, lexi.WithReplace()); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		match.Version = rec.Version
	}
	return err
}

// Match retrieves a match.
func (a *Archiver) Match(ctx context.Context, mid loan.MatchID) (m *loan.Match, err error) {
	return m, a.view(ctx, func(txn *badger.Txn) error {
		m, err = a.getMatch(txn, mid)
		return err
	})
}

// UpdateMatch conditionally writes the match. The parties of a match never
// change, so the matchparties table is not touched.
func (a *Archiver) UpdateMatch(ctx context.Context, match *loan.Match) error {
	rec := *match
	rec.Version++
	err := a.update(ctx, func(txn *badger.Txn) error {
		stored, err := a.getMatch(txn, match.ID)
		if err != nil {
			return err
		}
		if stored.Version != match.Version {
			return versionConflict(match.ID, stored.Version, match.Version)
		}
		return a.matches.SetTxn(txn, rec.ID[:], &rec, lexi.WithReplace())
	})
	if err == nil {
		match.Version = rec.Version
	}
	return err
}

// DeleteProposal removes a Pending match at the expected version.
func (a *Archiver) DeleteProposal(ctx context.Context, match *loan.Match) error {
	return a.update(ctx, func(txn *badger.Txn) error {
		stored, err := a.getMatch(txn, match.ID)
		if err != nil {
			return err
		}
		if stored.Version != match.Version {
			return versionConflict(match.ID, stored.Version, match.Version)
		}
		if stored.Status != loan.StatusPending {
			return db.ArchiveError{
				Code:   db.ErrVersionConflict,
				Detail: fmt.Sprintf("match %s is %s, not a proposal", match.ID, stored.Status),
			}
		}
		for _, party := range stored.Parties() {
			k := newPartyKey(party, stored.ID)
			if err := a.parties.DeleteTxn(txn, k[:]); err != nil && !errors.Is(err, lexi.ErrKeyNotFound) {
				return err
			}
		}
		return a.matches.DeleteTxn(txn, stored.ID[:])
	})
}

// ActiveMatches retrieves every active match, oldest proposal first.
func (a *Archiver) ActiveMatches(ctx context.Context) ([]*loan.Match, error) {
	var ms []*loan.Match
	return ms, a.view(ctx, func(txn *badger.Txn) error {
		return a.matchActiveIdx.IterateTxn(txn, []byte{1}, func(it *lexi.Iter) error {
			return it.V(func(vB []byte) error {
				m, err := decodeMatch(vB)
				if err != nil {
					return err
				}
				ms = append(ms, m)
				return nil
			})
		})
	})
}

// ArchivedMatches retrieves up to n archived matches, most recent first.
func (a *Archiver) ArchivedMatches(ctx context.Context, n int) ([]*loan.Match, error) {
	var ms []*loan.Match
	return ms, a.view(ctx, func(txn *badger.Txn) error {
		return a.matchActiveIdx.IterateTxn(txn, []byte{0}, func(it *lexi.Iter) error {
			if n > 0 && len(ms) >= n {
				return lexi.ErrEndIteration
			}
			return it.V(func(vB []byte) error {
				m, err := decodeMatch(vB)
				if err != nil {
					return err
				}
				ms = append(ms, m)
				return nil
			})
		}, lexi.WithReverse())
	})
}

// MatchesForAccount retrieves every match of the party, oldest proposal
// first.
func (a *Archiver) MatchesForAccount(ctx context.Context, aid account.AccountID) ([]*loan.Match, error) {
	var ms []*loan.Match
	err := a.view(ctx, func(txn *badger.Txn) error {
		var mids []loan.MatchID
		err := a.parties.IterateTxn(txn, aid[:], func(it *lexi.Iter) error {
			var mid loan.MatchID
			copy(mid[:], it.K()[account.HashSize:])
			mids = append(mids, mid)
			return nil
		})
		if err != nil {
			return err
		}
		for _, mid := range mids {
			m, err := a.getMatch(txn, mid)
			if err != nil {
				return err
			}
			ms = append(ms, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortByProposal(ms)
	return ms, nil
}

func decodeMatch(vB []byte) (*loan.Match, error) {
	m := new(loan.Match)
	return m, m.UnmarshalBinary(vB)
}

func sortByProposal(ms []*loan.Match) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].ProposedAt.Equal(ms[j].ProposedAt) {
			return bytes.Compare(ms[i].ID[:], ms[j].ID[:]) < 0
		}
		return ms[i].ProposedAt.Before(ms[j].ProposedAt)
	})
}
