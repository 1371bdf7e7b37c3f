// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package loan defines the offers and matches traded by the lending engine,
// and the error kinds shared by its components.
package loan

import (
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/decred/dcrd/crypto/blake256"
	"lendex.org/lendex/dex/encode"
	"lendex.org/lendex/server/account"
)

// OfferIDSize defines the length in bytes of an OfferID.
const OfferIDSize = blake256.Size

// OfferID is the unique identifier for each offer.
type OfferID [OfferIDSize]byte

// NewOfferID computes an id for a new offer. The random nonce keeps two
// otherwise identical offers from the same owner at the same instant apart.
func NewOfferID(owner account.AccountID, kind Kind, amt uint64, stamp time.Time) OfferID {
	b := make([]byte, 0, account.HashSize+1+8+8+16)
	b = append(b, owner[:]...)
	b = append(b, byte(kind))
	b = append(b, encode.Uint64Bytes(amt)...)
	b = append(b, encode.Uint64Bytes(uint64(stamp.UnixNano()))...)
	b = append(b, encode.RandomBytes(16)...)
	return blake256.Sum256(b)
}

// ParseOfferID decodes a hex-encoded OfferID.
func ParseOfferID(s string) (OfferID, error) {
	var oid OfferID
	if len(s) != OfferIDSize*2 {
		return oid, fmt.Errorf("invalid offer id length %d", len(s))
	}
	_, err := hex.Decode(oid[:], []byte(s))
	return oid, err
}

// String returns a hexadecimal representation of the OfferID.
func (oid OfferID) String() string {
	return hex.EncodeToString(oid[:])
}

// IsZero is true for the unset OfferID.
func (oid OfferID) IsZero() bool {
	return oid == OfferID{}
}

// Value implements the sql/driver.Valuer interface.
func (oid OfferID) Value() (driver.Value, error) {
	return oid[:], nil
}

// Scan implements the sql.Scanner interface.
func (oid *OfferID) Scan(src any) error {
	if b, ok := src.([]byte); ok && len(b) == OfferIDSize {
		copy(oid[:], b)
		return nil
	}
	return fmt.Errorf("cannot convert %T to OfferID", src)
}

// Kind is the side of an offer.
type Kind uint8

const (
	// Lend offers commit capital. The amount is reserved at creation.
	Lend Kind = iota + 1
	// Borrow offers request capital.
	Borrow
)

// String satisfies fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Lend:
		return "lend"
	case Borrow:
		return "borrow"
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// ParseKind parses "lend" or "borrow".
func ParseKind(s string) (Kind, error) {
	switch s {
	case "lend":
		return Lend, nil
	case "borrow":
		return Borrow, nil
	}
	return 0, fmt.Errorf("unknown offer kind %q", s)
}

// OfferStatus is the lifecycle state of an offer.
type OfferStatus uint8

const (
	// OfferPending offers are open for matching and may be cancelled.
	OfferPending OfferStatus = iota + 1
	// OfferMatched offers are bound to a match and immutable.
	OfferMatched
	// OfferCancelled offers were withdrawn by their owner or expired.
	OfferCancelled
)

// String satisfies fmt.Stringer.
func (s OfferStatus) String() string {
	switch s {
	case OfferPending:
		return "pending"
	case OfferMatched:
		return "matched"
	case OfferCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// Offer is a unit of intent to lend or borrow a fixed amount. MatchID is set
// when the offer is bound and never changes afterwards. Version is the
// optimistic concurrency sequence, incremented by the store on every update.
type Offer struct {
	ID          OfferID
	Owner       account.AccountID
	Kind        Kind
	Amount      uint64
	CreatedAt   time.Time
	MaturesAt   time.Time
	Status      OfferStatus
	MatchID     MatchID
	CancelledAt time.Time
	Version     uint64
}

// Ready is true once the offer has aged past the hold period.
func (o *Offer) Ready(now time.Time) bool {
	return !now.Before(o.MaturesAt)
}

// MarshalBinary encodes the Offer for the key-value store.
func (o *Offer) MarshalBinary() ([]byte, error) {
	return encode.BuildyBytes{0}.
		AddData(o.ID[:]).
		AddData(o.Owner[:]).
		AddData([]byte{byte(o.Kind), byte(o.Status)}).
		AddData(encode.Uint64Bytes(o.Amount)).
		AddData(encode.TimeBytes(o.CreatedAt)).
		AddData(encode.TimeBytes(o.MaturesAt)).
		AddData(o.MatchID[:]).
		AddData(encode.TimeBytes(o.CancelledAt)).
		AddData(encode.Uint64Bytes(o.Version)), nil
}

// UnmarshalBinary decodes an Offer encoded with MarshalBinary.
func (o *Offer) UnmarshalBinary(b []byte) (err error) {
	ver, pushes, err := encode.DecodeBlob(b, 9)
	if err != nil {
		return fmt.Errorf("error decoding offer blob: %w", err)
	}
	if ver != 0 {
		return fmt.Errorf("unknown offer blob version %d", ver)
	}
	if len(pushes) != 9 {
		return fmt.Errorf("expected 9 offer pushes, got %d", len(pushes))
	}
	if len(pushes[0]) != OfferIDSize || len(pushes[1]) != account.HashSize ||
		len(pushes[2]) != 2 || len(pushes[6]) != MatchIDSize {
		return fmt.Errorf("invalid offer push lengths")
	}
	copy(o.ID[:], pushes[0])
	copy(o.Owner[:], pushes[1])
	o.Kind, o.Status = Kind(pushes[2][0]), OfferStatus(pushes[2][1])
	if o.Amount, err = encode.BytesToUint64(pushes[3]); err != nil {
		return err
	}
	if o.CreatedAt, err = encode.DecodeTime(pushes[4]); err != nil {
		return err
	}
	if o.MaturesAt, err = encode.DecodeTime(pushes[5]); err != nil {
		return err
	}
	copy(o.MatchID[:], pushes[6])
	if o.CancelledAt, err = encode.DecodeTime(pushes[7]); err != nil {
		return err
	}
	o.Version, err = encode.BytesToUint64(pushes[8])
	return err
}
