// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package loan

import (
	"bytes"
	"reflect"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"lendex.org/lendex/server/account"
)

var (
	tLender1  = account.NewID([]byte("lender1"))
	tLender2  = account.NewID([]byte("lender2"))
	tBorrower = account.NewID([]byte("borrower"))
	tStamp    = time.Unix(1700000000, 123).UTC()
)

func TestOfferBinary(t *testing.T) {
	o := &Offer{
		ID:        NewOfferID(tLender1, Lend, 50, tStamp),
		Owner:     tLender1,
		Kind:      Lend,
		Amount:    50,
		CreatedAt: tStamp,
		MaturesAt: tStamp.Add(HoldPeriod),
		Status:    OfferMatched,
		MatchID:   MatchID{0x01},
		Version:   3,
	}
	b, _ := o.MarshalBinary()
	reO := new(Offer)
	if err := reO.UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary error: %v", err)
	}
	if !reflect.DeepEqual(o, reO) {
		t.Fatalf("offer mismatch:\n%s\n%s", spew.Sdump(o), spew.Sdump(reO))
	}
	if o.Ready(tStamp.Add(HoldPeriod - time.Nanosecond)) {
		t.Fatalf("offer ready before hold period")
	}
	if !o.Ready(tStamp.Add(HoldPeriod)) {
		t.Fatalf("offer not ready at hold period")
	}
	if NewOfferID(tLender1, Lend, 50, tStamp) == o.ID {
		t.Fatalf("offer ids for identical offers should differ")
	}
}

func TestMatchBinary(t *testing.T) {
	lendOffer1 := NewOfferID(tLender1, Lend, 30, tStamp)
	lendOffer2 := NewOfferID(tLender2, Lend, 20, tStamp)
	borrowOffer := NewOfferID(tBorrower, Borrow, 50, tStamp)
	m := &Match{
		ID: NewMatchID([]OfferID{lendOffer1, lendOffer2}, borrowOffer[:], tStamp),
		Contributions: []*Contribution{
			{OfferID: lendOffer1, Owner: tLender1, Amount: 30},
			{OfferID: lendOffer2, Owner: tLender2, Amount: 20},
		},
		BorrowerOfferID:   borrowOffer,
		Counterparty:      tBorrower,
		TotalAmount:       50,
		AmountToRepay:     100,
		ProposedAt:        tStamp,
		MatchedAt:         tStamp,
		WithdrawalReadyAt: tStamp.Add(HoldPeriod),
		Confirmations: Confirmations{
			LenderPaid: Confirmation{By: tLender1, At: tStamp.Add(time.Hour)},
		},
		Status:  StatusLenderPaid,
		Active:  true,
		Version: 2,
	}
	check := func() {
		t.Helper()
		b, _ := m.MarshalBinary()
		reM := new(Match)
		if err := reM.UnmarshalBinary(b); err != nil {
			t.Fatalf("UnmarshalBinary error: %v", err)
		}
		if !reflect.DeepEqual(m, reM) {
			t.Fatalf("match mismatch:\n%s\n%s", spew.Sdump(m), spew.Sdump(reM))
		}
	}
	check()

	m.Status, m.Active = StatusWithdrawn, false
	m.Payout = &Payout{
		MatchID: m.ID,
		Credits: []*PayoutCredit{{Account: tLender1, Amount: 60}, {Account: tLender2, Amount: 40}},
		Total:   100,
		PaidAt:  tStamp.Add(HoldPeriod),
	}
	check()

	m.Synthetic, m.SyntheticRef, m.BorrowerOfferID = true, "ext-ref", OfferID{}
	m.Payout, m.RejectReason = nil, "bad"
	check()
}

func TestMatchParties(t *testing.T) {
	m := &Match{
		Contributions: []*Contribution{
			{OfferID: OfferID{0x03}, Owner: tLender1, Amount: 10},
			{OfferID: OfferID{0x01}, Owner: tLender2, Amount: 20},
			{OfferID: OfferID{0x02}, Owner: tLender1, Amount: 5},
		},
		BorrowerOfferID: OfferID{0x04},
		Counterparty:    tBorrower,
	}
	owners, shares := m.LenderShares()
	if len(owners) != 2 || owners[0] != tLender1 || shares[tLender1] != 15 || shares[tLender2] != 20 {
		t.Fatalf("wrong shares %v %v", owners, shares)
	}
	if parties := m.Parties(); len(parties) != 3 || parties[2] != tBorrower {
		t.Fatalf("wrong parties %v", parties)
	}
	if !m.IsLender(tLender2) || m.IsLender(tBorrower) {
		t.Fatalf("IsLender wrong")
	}
	ids := m.OfferIDs()
	if len(ids) != 4 {
		t.Fatalf("expected 4 offer ids, got %d", len(ids))
	}
	for i := 1; i < len(ids); i++ {
		if bytes.Compare(ids[i-1][:], ids[i][:]) >= 0 {
			t.Fatalf("offer ids not sorted")
		}
	}
	m.Synthetic = true
	if len(m.OfferIDs()) != 3 {
		t.Fatalf("synthetic match should not include a borrower offer")
	}
}

func TestParseIDs(t *testing.T) {
	oid := NewOfferID(tLender1, Borrow, 1, tStamp)
	if reOID, err := ParseOfferID(oid.String()); err != nil || reOID != oid {
		t.Fatalf("ParseOfferID failed: %v", err)
	}
	mid := NewMatchID([]OfferID{oid}, nil, tStamp)
	if reMID, err := ParseMatchID(mid.String()); err != nil || reMID != mid {
		t.Fatalf("ParseMatchID failed: %v", err)
	}
	if _, err := ParseMatchID("zz"); err == nil {
		t.Fatalf("no error for short match id")
	}
	if k, err := ParseKind("borrow"); err != nil || k != Borrow {
		t.Fatalf("ParseKind failed: %v", err)
	}
	if _, err := ParseKind("give"); err == nil {
		t.Fatalf("no error for unknown kind")
	}
}
