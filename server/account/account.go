// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package account defines wallet accounts and the ledger entries that move
// money between them.
package account

import (
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/decred/dcrd/crypto/blake256"
	"lendex.org/lendex/dex/encode"
)

var HashFunc = blake256.Sum256

const (
	HashSize = blake256.Size
)

// AccountID is the unique identifier of a wallet account.
type AccountID [HashSize]byte

// NewID generates an account id from an external reference such as the
// identity provider's user id.
func NewID(ref []byte) AccountID {
	h := HashFunc(ref)
	return HashFunc(h[:])
}

// SystemID is the actor used by housekeeping tasks. It is not a wallet
// account and never owns offers.
var SystemID = NewID([]byte("lendex:system"))

// ParseID decodes a hex-encoded AccountID.
func ParseID(s string) (AccountID, error) {
	var aid AccountID
	if len(s) != HashSize*2 {
		return aid, fmt.Errorf("invalid account id length %d", len(s))
	}
	_, err := hex.Decode(aid[:], []byte(s))
	return aid, err
}

// String returns a hexadecimal representation of the AccountID. String
// implements fmt.Stringer.
func (aid AccountID) String() string {
	return hex.EncodeToString(aid[:])
}

// IsZero is true for the unset AccountID.
func (aid AccountID) IsZero() bool {
	return aid == AccountID{}
}

// Value implements the sql/driver.Valuer interface.
func (aid AccountID) Value() (driver.Value, error) {
	return aid[:], nil // []byte
}

// Scan implements the sql.Scanner interface.
func (aid *AccountID) Scan(src any) error {
	if b, ok := src.([]byte); ok && len(b) == HashSize {
		copy(aid[:], b)
		return nil
	}
	return fmt.Errorf("cannot convert %T to AccountID", src)
}

// KYCLevel is the verification tier assigned to an account by the identity
// provider. Higher levels permit larger offers.
type KYCLevel uint8

// Account is a wallet account. Balance is the total funds of record. Reserved
// is the part of Balance committed to open offers and matches. Version is the
// optimistic concurrency sequence and is incremented by the store on every
// successful update.
type Account struct {
	ID            AccountID
	Balance       uint64
	Reserved      uint64
	KYCLevel      KYCLevel
	LastDepositAt time.Time
	CreatedAt     time.Time
	Version       uint64
}

// Available is the balance that can be reserved or debited.
func (a *Account) Available() uint64 {
	if a.Reserved > a.Balance {
		return 0
	}
	return a.Balance - a.Reserved
}

// MarshalBinary encodes the Account for the key-value store.
func (a *Account) MarshalBinary() ([]byte, error) {
	return encode.BuildyBytes{0}.
		AddData(a.ID[:]).
		AddData(encode.Uint64Bytes(a.Balance)).
		AddData(encode.Uint64Bytes(a.Reserved)).
		AddData([]byte{byte(a.KYCLevel)}).
		AddData(encode.TimeBytes(a.LastDepositAt)).
		AddData(encode.TimeBytes(a.CreatedAt)).
		AddData(encode.Uint64Bytes(a.Version)), nil
}

// UnmarshalBinary decodes an Account encoded with MarshalBinary.
func (a *Account) UnmarshalBinary(b []byte) (err error) {
	ver, pushes, err := encode.DecodeBlob(b, 7)
	if err != nil {
		return fmt.Errorf("error decoding account blob: %w", err)
	}
	if ver != 0 {
		return fmt.Errorf("unknown account blob version %d", ver)
	}
	if len(pushes) != 7 {
		return fmt.Errorf("expected 7 account pushes, got %d", len(pushes))
	}
	if len(pushes[0]) != HashSize || len(pushes[3]) != 1 {
		return fmt.Errorf("invalid account push lengths")
	}
	copy(a.ID[:], pushes[0])
	if a.Balance, err = encode.BytesToUint64(pushes[1]); err != nil {
		return err
	}
	if a.Reserved, err = encode.BytesToUint64(pushes[2]); err != nil {
		return err
	}
	a.KYCLevel = KYCLevel(pushes[3][0])
	if a.LastDepositAt, err = encode.DecodeTime(pushes[4]); err != nil {
		return err
	}
	if a.CreatedAt, err = encode.DecodeTime(pushes[5]); err != nil {
		return err
	}
	a.Version, err = encode.BytesToUint64(pushes[6])
	return err
}
