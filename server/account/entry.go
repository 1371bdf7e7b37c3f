// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package account

import (
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"time"

	"lendex.org/lendex/dex/encode"
)

// EntryKind is the kind of a ledger posting.
type EntryKind uint8

const (
	// Reserve earmarks part of the balance. It raises Reserved.
	Reserve EntryKind = iota + 1
	// Release reverses a Reserve. It lowers Reserved.
	Release
	// Credit raises Balance.
	Credit
	// Debit lowers Balance.
	Debit
)

// String satisfies fmt.Stringer.
func (k EntryKind) String() string {
	switch k {
	case Reserve:
		return "reserve"
	case Release:
		return "release"
	case Credit:
		return "credit"
	case Debit:
		return "debit"
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// Valid is true for the four known entry kinds.
func (k EntryKind) Valid() bool {
	return k >= Reserve && k <= Debit
}

// EntryID identifies a LedgerEntry. It is derived from the account, kind and
// reference so that a replayed posting maps to the same id.
type EntryID [HashSize]byte

// NewEntryID computes the id of the entry of the given kind for the account and
// reference id.
func NewEntryID(acct AccountID, kind EntryKind, refID string) EntryID {
	b := make([]byte, 0, HashSize+1+len(refID))
	b = append(b, acct[:]...)
	b = append(b, byte(kind))
	b = append(b, refID...)
	return HashFunc(b)
}

// String returns a hexadecimal representation of the EntryID.
func (eid EntryID) String() string {
	return hex.EncodeToString(eid[:])
}

// Value implements the sql/driver.Valuer interface.
func (eid EntryID) Value() (driver.Value, error) {
	return eid[:], nil
}

// Scan implements the sql.Scanner interface.
func (eid *EntryID) Scan(src any) error {
	if b, ok := src.([]byte); ok && len(b) == HashSize {
		copy(eid[:], b)
		return nil
	}
	return fmt.Errorf("cannot convert %T to EntryID", src)
}

// LedgerEntry is an immutable posting against an account.
type LedgerEntry struct {
	ID        EntryID
	Account   AccountID
	Kind      EntryKind
	Amount    uint64
	RefID     string
	CreatedAt time.Time
}

// NewEntry constructs a LedgerEntry with its deterministic id.
func NewEntry(acct AccountID, kind EntryKind, amt uint64, refID string, stamp time.Time) *LedgerEntry {
	return &LedgerEntry{
		ID:        NewEntryID(acct, kind, refID),
		Account:   acct,
		Kind:      kind,
		Amount:    amt,
		RefID:     refID,
		CreatedAt: stamp,
	}
}

// Apply returns a copy of the account with the entry's effect applied. The
// caller is responsible for checking the entry's preconditions. Apply returns
// an error only for over- and underflow.
func (e *LedgerEntry) Apply(a *Account) (*Account, error) {
	updated := *a
	switch e.Kind {
	case Reserve:
		if updated.Reserved+e.Amount < updated.Reserved {
			return nil, fmt.Errorf("reserved balance overflow")
		}
		updated.Reserved += e.Amount
	case Release:
		if e.Amount > updated.Reserved {
			return nil, fmt.Errorf("release of %d exceeds reserved %d", e.Amount, updated.Reserved)
		}
		updated.Reserved -= e.Amount
	case Credit:
		if updated.Balance+e.Amount < updated.Balance {
			return nil, fmt.Errorf("balance overflow")
		}
		updated.Balance += e.Amount
	case Debit:
		if e.Amount > updated.Balance {
			return nil, fmt.Errorf("debit of %d exceeds balance %d", e.Amount, updated.Balance)
		}
		updated.Balance -= e.Amount
	default:
		return nil, fmt.Errorf("unknown entry kind %d", e.Kind)
	}
	return &updated, nil
}

// ApplyEntries returns a copy of the account with the entries applied in
// order. Every entry must be for the account and have a distinct id.
func ApplyEntries(a *Account, entries []*LedgerEntry) (*Account, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("no entries for account %s", a.ID)
	}
	seen := make(map[EntryID]bool, len(entries))
	updated := a
	for _, e := range entries {
		if e.Account != a.ID {
			return nil, fmt.Errorf("entry %s is for account %s, not %s", e.ID, e.Account, a.ID)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("entry %s repeated", e.ID)
		}
		seen[e.ID] = true
		var err error
		if updated, err = e.Apply(updated); err != nil {
			return nil, err
		}
	}
	return updated, nil
}

// MarshalBinary encodes the LedgerEntry for the key-value store.
func (e *LedgerEntry) MarshalBinary() ([]byte, error) {
	return encode.BuildyBytes{0}.
		AddData(e.ID[:]).
		AddData(e.Account[:]).
		AddData([]byte{byte(e.Kind)}).
		AddData(encode.Uint64Bytes(e.Amount)).
		AddData([]byte(e.RefID)).
		AddData(encode.TimeBytes(e.CreatedAt)), nil
}

// UnmarshalBinary decodes a LedgerEntry encoded with MarshalBinary.
func (e *LedgerEntry) UnmarshalBinary(b []byte) (err error) {
	ver, pushes, err := encode.DecodeBlob(b, 6)
	if err != nil {
		return fmt.Errorf("error decoding entry blob: %w", err)
	}
	if ver != 0 {
		return fmt.Errorf("unknown entry blob version %d", ver)
	}
	if len(pushes) != 6 {
		return fmt.Errorf("expected 6 entry pushes, got %d", len(pushes))
	}
	if len(pushes[0]) != HashSize || len(pushes[1]) != HashSize || len(pushes[2]) != 1 {
		return fmt.Errorf("invalid entry push lengths")
	}
	copy(e.ID[:], pushes[0])
	copy(e.Account[:], pushes[1])
	e.Kind = EntryKind(pushes[2][0])
	if e.Amount, err = encode.BytesToUint64(pushes[3]); err != nil {
		return err
	}
	e.RefID = string(pushes[4])
	e.CreatedAt, err = encode.DecodeTime(pushes[5])
	return err
}

// Totals are the balances implied by a set of entries.
type Totals struct {
	Balance  uint64
	Reserved uint64
}

// Tally recomputes the balances from a complete list of an account's entries.
// It fails if the entries would ever drive a balance negative.
func Tally(entries []*LedgerEntry) (Totals, error) {
	var credits, debits, reserves, releases uint64
	for _, e := range entries {
		switch e.Kind {
		case Reserve:
			reserves += e.Amount
		case Release:
			releases += e.Amount
		case Credit:
			credits += e.Amount
		case Debit:
			debits += e.Amount
		default:
			return Totals{}, fmt.Errorf("entry %s has unknown kind %d", e.ID, e.Kind)
		}
	}
	if debits > credits {
		return Totals{}, fmt.Errorf("debits %d exceed credits %d", debits, credits)
	}
	if releases > reserves {
		return Totals{}, fmt.Errorf("releases %d exceed reserves %d", releases, reserves)
	}
	return Totals{Balance: credits - debits, Reserved: reserves - releases}, nil
}
