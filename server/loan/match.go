// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package loan

import (
	"bytes"
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/decred/dcrd/crypto/blake256"
	"lendex.org/lendex/dex/encode"
	"lendex.org/lendex/server/account"
)

// MatchIDSize defines the length in bytes of a MatchID.
const MatchIDSize = blake256.Size

// MatchID is the unique identifier for each match.
type MatchID [MatchIDSize]byte

var zeroMatchID MatchID

// NewMatchID computes the id of a match from its sorted lender offer ids, the
// borrower offer id or synthetic reference, and the proposal time.
func NewMatchID(lenderOffers []OfferID, counterpartyRef []byte, stamp time.Time) MatchID {
	ids := make([]OfferID, len(lenderOffers))
	copy(ids, lenderOffers)
	SortOfferIDs(ids)
	b := make([]byte, 0, len(ids)*OfferIDSize+len(counterpartyRef)+8)
	for i := range ids {
		b = append(b, ids[i][:]...)
	}
	b = append(b, counterpartyRef...)
	b = append(b, encode.Uint64Bytes(uint64(stamp.UnixNano()))...)
	return blake256.Sum256(b)
}

// SortOfferIDs sorts the ids in place in byte order, which is the order the
// matcher locks offers in.
func SortOfferIDs(ids []OfferID) {
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
}

// ParseMatchID decodes a hex-encoded MatchID.
func ParseMatchID(s string) (MatchID, error) {
	var mid MatchID
	if len(s) != MatchIDSize*2 {
		return mid, fmt.Errorf("invalid match id length %d", len(s))
	}
	_, err := hex.Decode(mid[:], []byte(s))
	return mid, err
}

// String returns a hexadecimal representation of the MatchID.
func (mid MatchID) String() string {
	return hex.EncodeToString(mid[:])
}

// IsZero is true for the unset MatchID.
func (mid MatchID) IsZero() bool {
	return mid == zeroMatchID
}

// Value implements the sql/driver.Valuer interface.
func (mid MatchID) Value() (driver.Value, error) {
	return mid[:], nil
}

// Scan implements the sql.Scanner interface.
func (mid *MatchID) Scan(src any) error {
	if b, ok := src.([]byte); ok && len(b) == MatchIDSize {
		copy(mid[:], b)
		return nil
	}
	return fmt.Errorf("cannot convert %T to MatchID", src)
}

// MatchStatus represents the current settlement step for a match.
type MatchStatus uint8

// The settlement states. A match moves forward through Pending, Matched,
// LenderPaid, CounterpartyReceived, DepositMade, Withdrawable, Withdrawn.
// Cancelled and Rejected are terminal off-ramps.
const (
	// StatusPending: the proposal is written but its offers are not bound yet.
	StatusPending MatchStatus = iota + 1
	// StatusMatched: every offer is bound. Waiting for the lender payment.
	StatusMatched
	// StatusLenderPaid: a lender attested payment to the counterparty.
	StatusLenderPaid
	// StatusCounterpartyReceived: the counterparty attested receipt.
	StatusCounterpartyReceived
	// StatusDepositMade: the counterparty attested the compensating deposit.
	StatusDepositMade
	// StatusWithdrawable: the hold period has elapsed.
	StatusWithdrawable
	// StatusWithdrawn: the payout was posted and the match is archived.
	StatusWithdrawn
	// StatusCancelled: the proposal was abandoned before commit.
	StatusCancelled
	// StatusRejected: an operator rejected the match before payment.
	StatusRejected
)

// String satisfies fmt.Stringer.
func (s MatchStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusMatched:
		return "matched"
	case StatusLenderPaid:
		return "lenderpaid"
	case StatusCounterpartyReceived:
		return "counterpartyreceived"
	case StatusDepositMade:
		return "depositmade"
	case StatusWithdrawable:
		return "withdrawable"
	case StatusWithdrawn:
		return "withdrawn"
	case StatusCancelled:
		return "cancelled"
	case StatusRejected:
		return "rejected"
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// Terminal is true for statuses that never change again.
func (s MatchStatus) Terminal() bool {
	return s == StatusWithdrawn || s == StatusCancelled || s == StatusRejected
}

// Contribution is one lender offer's share of a match.
type Contribution struct {
	OfferID OfferID
	Owner   account.AccountID
	Amount  uint64
}

// Confirmation is an attestation, recorded with the actor and the time. The
// zero Confirmation is unset.
type Confirmation struct {
	By account.AccountID
	At time.Time
}

// Set is true if the attestation has been made.
func (c *Confirmation) Set() bool {
	return !c.At.IsZero()
}

// Confirmations are the three handshake attestations.
type Confirmations struct {
	LenderPaid           Confirmation
	CounterpartyReceived Confirmation
	DepositMade          Confirmation
}

// Complete is true when all three attestations are set.
func (c *Confirmations) Complete() bool {
	return c.LenderPaid.Set() && c.CounterpartyReceived.Set() && c.DepositMade.Set()
}

// PayoutCredit is the credit posted to one lender.
type PayoutCredit struct {
	Account account.AccountID
	Amount  uint64
}

// Payout is the record of a completed withdrawal. Replayed is set on the copy
// returned to a caller that repeats an already completed withdrawal and is
// never stored.
type Payout struct {
	MatchID  MatchID
	Credits  []*PayoutCredit
	Total    uint64
	PaidAt   time.Time
	Replayed bool
}

// Match is a binding of one or more lender offers to a counterparty for a
// fixed total. For a synthetic match, BorrowerOfferID is zero and
// SyntheticRef names the administratively injected counterparty.
type Match struct {
	ID                MatchID
	Contributions     []*Contribution
	BorrowerOfferID   OfferID
	Synthetic         bool
	SyntheticRef      string
	Counterparty      account.AccountID
	TotalAmount       uint64
	AmountToRepay     uint64
	ProposedAt        time.Time
	MatchedAt         time.Time
	WithdrawalReadyAt time.Time
	Confirmations     Confirmations
	Status            MatchStatus
	Active            bool
	Payout            *Payout
	RejectReason      string
	Version           uint64
}

// OfferIDs is every offer bound by the match, lender offers first, in the
// order the matcher locks them.
func (m *Match) OfferIDs() []OfferID {
	ids := make([]OfferID, 0, len(m.Contributions)+1)
	for _, c := range m.Contributions {
		ids = append(ids, c.OfferID)
	}
	if !m.Synthetic {
		ids = append(ids, m.BorrowerOfferID)
	}
	SortOfferIDs(ids)
	return ids
}

// IsLender checks whether the account owns any of the lender offers.
func (m *Match) IsLender(aid account.AccountID) bool {
	for _, c := range m.Contributions {
		if c.Owner == aid {
			return true
		}
	}
	return false
}

// LenderShares sums the contributions per lender account, in order of first
// appearance.
func (m *Match) LenderShares() ([]account.AccountID, map[account.AccountID]uint64) {
	shares := make(map[account.AccountID]uint64, len(m.Contributions))
	owners := make([]account.AccountID, 0, len(m.Contributions))
	for _, c := range m.Contributions {
		if _, found := shares[c.Owner]; !found {
			owners = append(owners, c.Owner)
		}
		shares[c.Owner] += c.Amount
	}
	return owners, shares
}

// Parties is every lender and the counterparty, without duplicates.
func (m *Match) Parties() []account.AccountID {
	parties, _ := m.LenderShares()
	for _, p := range parties {
		if p == m.Counterparty {
			return parties
		}
	}
	return append(parties, m.Counterparty)
}

// MarshalBinary encodes the Match for the key-value store.
func (m *Match) MarshalBinary() ([]byte, error) {
	contribs := make([]byte, 0, len(m.Contributions)*(OfferIDSize+account.HashSize+8))
	for _, c := range m.Contributions {
		contribs = append(contribs, c.OfferID[:]...)
		contribs = append(contribs, c.Owner[:]...)
		contribs = append(contribs, encode.Uint64Bytes(c.Amount)...)
	}
	var synthetic byte
	if m.Synthetic {
		synthetic = 1
	}
	var active byte
	if m.Active {
		active = 1
	}
	var payout []byte
	if m.Payout != nil {
		payout = encodePayout(m.Payout)
	}
	b := encode.BuildyBytes{0}.
		AddData(m.ID[:]).
		AddData(contribs).
		AddData(m.BorrowerOfferID[:]).
		AddData([]byte{synthetic, byte(m.Status), active}).
		AddData([]byte(m.SyntheticRef)).
		AddData(m.Counterparty[:]).
		AddData(encode.Uint64Bytes(m.TotalAmount)).
		AddData(encode.Uint64Bytes(m.AmountToRepay)).
		AddData(encode.TimeBytes(m.ProposedAt)).
		AddData(encode.TimeBytes(m.MatchedAt)).
		AddData(encode.TimeBytes(m.WithdrawalReadyAt))
	for _, c := range []*Confirmation{&m.Confirmations.LenderPaid, &m.Confirmations.CounterpartyReceived, &m.Confirmations.DepositMade} {
		b = b.AddData(c.By[:]).AddData(encode.TimeBytes(c.At))
	}
	return b.AddData(payout).
		AddData([]byte(m.RejectReason)).
		AddData(encode.Uint64Bytes(m.Version)), nil
}

const matchPushes = 20

// UnmarshalBinary decodes a Match encoded with MarshalBinary.
func (m *Match) UnmarshalBinary(b []byte) (err error) {
	ver, pushes, err := encode.DecodeBlob(b, matchPushes)
	if err != nil {
		return fmt.Errorf("error decoding match blob: %w", err)
	}
	if ver != 0 {
		return fmt.Errorf("unknown match blob version %d", ver)
	}
	if len(pushes) != matchPushes {
		return fmt.Errorf("expected %d match pushes, got %d", matchPushes, len(pushes))
	}
	const contribSize = OfferIDSize + account.HashSize + 8
	if len(pushes[0]) != MatchIDSize || len(pushes[1])%contribSize != 0 ||
		len(pushes[2]) != OfferIDSize || len(pushes[3]) != 3 || len(pushes[5]) != account.HashSize {
		return fmt.Errorf("invalid match push lengths")
	}
	copy(m.ID[:], pushes[0])
	m.Contributions = make([]*Contribution, 0, len(pushes[1])/contribSize)
	for c := pushes[1]; len(c) > 0; c = c[contribSize:] {
		contrib := new(Contribution)
		copy(contrib.OfferID[:], c[:OfferIDSize])
		copy(contrib.Owner[:], c[OfferIDSize:OfferIDSize+account.HashSize])
		contrib.Amount = encode.IntCoder.Uint64(c[OfferIDSize+account.HashSize : contribSize])
		m.Contributions = append(m.Contributions, contrib)
	}
	copy(m.BorrowerOfferID[:], pushes[2])
	m.Synthetic, m.Status, m.Active = pushes[3][0] == 1, MatchStatus(pushes[3][1]), pushes[3][2] == 1
	m.SyntheticRef = string(pushes[4])
	copy(m.Counterparty[:], pushes[5])
	if m.TotalAmount, err = encode.BytesToUint64(pushes[6]); err != nil {
		return err
	}
	if m.AmountToRepay, err = encode.BytesToUint64(pushes[7]); err != nil {
		return err
	}
	if m.ProposedAt, err = encode.DecodeTime(pushes[8]); err != nil {
		return err
	}
	if m.MatchedAt, err = encode.DecodeTime(pushes[9]); err != nil {
		return err
	}
	if m.WithdrawalReadyAt, err = encode.DecodeTime(pushes[10]); err != nil {
		return err
	}
	confs := []*Confirmation{&m.Confirmations.LenderPaid, &m.Confirmations.CounterpartyReceived, &m.Confirmations.DepositMade}
	for i, c := range confs {
		byB := pushes[11+i*2]
		if len(byB) != account.HashSize {
			return fmt.Errorf("invalid confirmation actor length %d", len(byB))
		}
		copy(c.By[:], byB)
		if c.At, err = encode.DecodeTime(pushes[12+i*2]); err != nil {
			return err
		}
	}
	m.Payout = nil
	if len(pushes[17]) > 0 {
		if m.Payout, err = decodePayout(pushes[17]); err != nil {
			return err
		}
	}
	m.RejectReason = string(pushes[18])
	m.Version, err = encode.BytesToUint64(pushes[19])
	return err
}

func encodePayout(p *Payout) []byte {
	credits := make([]byte, 0, len(p.Credits)*(account.HashSize+8))
	for _, c := range p.Credits {
		credits = append(credits, c.Account[:]...)
		credits = append(credits, encode.Uint64Bytes(c.Amount)...)
	}
	return encode.BuildyBytes{0}.
		AddData(p.MatchID[:]).
		AddData(credits).
		AddData(encode.Uint64Bytes(p.Total)).
		AddData(encode.TimeBytes(p.PaidAt))
}

func decodePayout(b []byte) (*Payout, error) {
	ver, pushes, err := encode.DecodeBlob(b, 4)
	if err != nil {
		return nil, fmt.Errorf("error decoding payout blob: %w", err)
	}
	const creditSize = account.HashSize + 8
	if ver != 0 || len(pushes) != 4 || len(pushes[0]) != MatchIDSize || len(pushes[1])%creditSize != 0 {
		return nil, fmt.Errorf("invalid payout blob")
	}
	p := &Payout{Credits: make([]*PayoutCredit, 0, len(pushes[1])/creditSize)}
	copy(p.MatchID[:], pushes[0])
	for c := pushes[1]; len(c) > 0; c = c[creditSize:] {
		credit := new(PayoutCredit)
		copy(credit.Account[:], c[:account.HashSize])
		credit.Amount = encode.IntCoder.Uint64(c[account.HashSize:creditSize])
		p.Credits = append(p.Credits, credit)
	}
	if p.Total, err = encode.BytesToUint64(pushes[2]); err != nil {
		return nil, err
	}
	if p.PaidAt, err = encode.DecodeTime(pushes[3]); err != nil {
		return nil, err
	}
	return p, nil
}
