// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package archivetest is a conformance suite for db.LendexArchivist
// implementations. Driver packages call Run from their tests.
package archivetest

import (
	"bytes"
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"lendex.org/lendex/dex/encode"
	"lendex.org/lendex/server/account"
	"lendex.org/lendex/server/db"
	"lendex.org/lendex/server/loan"
)

// Run runs every conformance test against the archivist. Records are created
// with random ids, so the archivist may be shared with other tests.
func Run(t *testing.T, archie db.LendexArchivist) {
	t.Run("accounts", func(t *testing.T) { testAccounts(t, archie) })
	t.Run("entries", func(t *testing.T) { testEntries(t, archie) })
	t.Run("offers", func(t *testing.T) { testOffers(t, archie) })
	t.Run("matches", func(t *testing.T) { testMatches(t, archie) })
}

// Stamp is a time with a resolution every driver round trips exactly.
func Stamp() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// RandomAccount creates a fresh account with a random id.
func RandomAccount() *account.Account {
	return &account.Account{
		ID:        account.NewID(encode.RandomBytes(16)),
		KYCLevel:  1,
		CreatedAt: Stamp(),
	}
}

// RandomOffer creates a Pending offer with a random id.
func RandomOffer(owner account.AccountID, kind loan.Kind, amt uint64, stamp time.Time) *loan.Offer {
	return &loan.Offer{
		ID:        loan.NewOfferID(owner, kind, amt, stamp),
		Owner:     owner,
		Kind:      kind,
		Amount:    amt,
		CreatedAt: stamp,
		MaturesAt: stamp.Add(loan.HoldPeriod),
		Status:    loan.OfferPending,
	}
}

func ctx() context.Context {
	return context.Background()
}

func wantCode(t *testing.T, err error, code uint16, what string) {
	t.Helper()
	if !db.SameErrorTypes(err, db.ArchiveError{Code: code}) {
		t.Fatalf("%s: expected %s, got %v", what, db.ArchiveError{Code: code}, err)
	}
}

func testAccounts(t *testing.T, archie db.LendexArchivist) {
	acct := RandomAccount()
	if err := archie.CreateAccount(ctx(), acct); err != nil {
		t.Fatalf("CreateAccount error: %v", err)
	}
	if acct.Version != 1 {
		t.Fatalf("new account version %d, expected 1", acct.Version)
	}
	wantCode(t, archie.CreateAccount(ctx(), RandomAccountWithID(acct.ID)), db.ErrDuplicate, "duplicate account")

	reAcct, err := archie.Account(ctx(), acct.ID)
	if err != nil {
		t.Fatalf("Account error: %v", err)
	}
	if !reflect.DeepEqual(acct, reAcct) {
		t.Fatalf("account mismatch:\n%s\n%s", spew.Sdump(acct), spew.Sdump(reAcct))
	}

	_, err = archie.Account(ctx(), account.NewID(encode.RandomBytes(16)))
	wantCode(t, err, db.ErrUnknownAccount, "unknown account")

	// Two writers from the same read. The second loses.
	writer1, writer2 := *reAcct, *reAcct
	writer1.KYCLevel = 2
	if err := archie.UpdateAccount(ctx(), &writer1); err != nil {
		t.Fatalf("UpdateAccount error: %v", err)
	}
	if writer1.Version != 2 {
		t.Fatalf("updated version %d, expected 2", writer1.Version)
	}
	writer2.KYCLevel = 3
	wantCode(t, archie.UpdateAccount(ctx(), &writer2), db.ErrVersionConflict, "stale account update")
	if writer2.Version != 1 {
		t.Fatalf("failed update changed the record version to %d", writer2.Version)
	}
	reAcct, _ = archie.Account(ctx(), acct.ID)
	if reAcct.KYCLevel != 2 || reAcct.Version != 2 {
		t.Fatalf("wrong account after update: %s", spew.Sdump(reAcct))
	}

	unknown := RandomAccount()
	wantCode(t, archie.UpdateAccount(ctx(), unknown), db.ErrUnknownAccount, "update unknown account")

	accts, err := archie.Accounts(ctx())
	if err != nil {
		t.Fatalf("Accounts error: %v", err)
	}
	var found bool
	for _, a := range accts {
		found = found || a.ID == acct.ID
	}
	if !found {
		t.Fatalf("account not listed")
	}
}

// RandomAccountWithID is RandomAccount with a chosen id.
func RandomAccountWithID(aid account.AccountID) *account.Account {
	acct := RandomAccount()
	acct.ID = aid
	return acct
}

func testEntries(t *testing.T, archie db.LendexArchivist) {
	acct := RandomAccount()
	if err := archie.CreateAccount(ctx(), acct); err != nil {
		t.Fatalf("CreateAccount error: %v", err)
	}
	stamp := Stamp()
	credit := account.NewEntry(acct.ID, account.Credit, 100, "dep1", stamp)
	read := *acct
	read.LastDepositAt = stamp
	if err := archie.PostEntry(ctx(), &read, credit); err != nil {
		t.Fatalf("PostEntry error: %v", err)
	}
	if read.Balance != 100 || read.Version != 2 {
		t.Fatalf("PostEntry did not update the passed account: %s", spew.Sdump(read))
	}

	// Replay of the same entry is a duplicate, even with a fresh version.
	wantCode(t, archie.PostEntry(ctx(), &read, credit), db.ErrDuplicate, "duplicate entry")
	stored, _ := archie.Account(ctx(), acct.ID)
	if stored.Balance != 100 || stored.Version != 2 || !stored.LastDepositAt.Equal(stamp) {
		t.Fatalf("wrong account after duplicate: %s", spew.Sdump(stored))
	}

	// A stale version writes nothing.
	stale := *acct
	reserve := account.NewEntry(acct.ID, account.Reserve, 40, "offer1", stamp.Add(time.Second))
	wantCode(t, archie.PostEntry(ctx(), &stale, reserve), db.ErrVersionConflict, "stale entry")
	_, err := archie.Entry(ctx(), reserve.ID)
	wantCode(t, err, db.ErrUnknownEntry, "entry of a failed post")

	if err := archie.PostEntry(ctx(), stored, reserve); err != nil {
		t.Fatalf("PostEntry reserve error: %v", err)
	}
	if stored.Reserved != 40 || stored.Balance != 100 {
		t.Fatalf("wrong balances after reserve %d/%d", stored.Balance, stored.Reserved)
	}

	reEntry, err := archie.Entry(ctx(), reserve.ID)
	if err != nil {
		t.Fatalf("Entry error: %v", err)
	}
	if !reflect.DeepEqual(reEntry, reserve) {
		t.Fatalf("entry mismatch:\n%s\n%s", spew.Sdump(reserve), spew.Sdump(reEntry))
	}

	entries, err := archie.Entries(ctx(), acct.ID)
	if err != nil {
		t.Fatalf("Entries error: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != credit.ID || entries[1].ID != reserve.ID {
		t.Fatalf("wrong entries: %s", spew.Sdump(entries))
	}
	totals, err := account.Tally(entries)
	if err != nil || totals.Balance != stored.Balance || totals.Reserved != stored.Reserved {
		t.Fatalf("entries do not tally with the account: %+v, %v", totals, err)
	}

	// A batch with a posted entry writes nothing, including its new entries.
	release := account.NewEntry(acct.ID, account.Release, 40, "offer1", stamp.Add(2*time.Second))
	debit := account.NewEntry(acct.ID, account.Debit, 40, "match1", stamp.Add(2*time.Second))
	wantCode(t, archie.PostEntry(ctx(), stored, release, credit), db.ErrDuplicate, "batch with a duplicate")
	_, err = archie.Entry(ctx(), release.ID)
	wantCode(t, err, db.ErrUnknownEntry, "entry of a failed batch")

	// Release and debit together.
	if err := archie.PostEntry(ctx(), stored, release, debit); err != nil {
		t.Fatalf("PostEntry batch error: %v", err)
	}
	if stored.Balance != 60 || stored.Reserved != 0 || stored.Version != 4 {
		t.Fatalf("wrong account after batch: %s", spew.Sdump(stored))
	}
	reread, err := archie.Account(ctx(), acct.ID)
	if err != nil {
		t.Fatalf("Account error: %v", err)
	}
	if reread.Balance != 60 || reread.Reserved != 0 || reread.Version != 4 {
		t.Fatalf("wrong stored account after batch: %s", spew.Sdump(reread))
	}
	if entries, err = archie.Entries(ctx(), acct.ID); err != nil || len(entries) != 4 {
		t.Fatalf("expected 4 entries after batch, got %d, %v", len(entries), err)
	}

	orphan := account.NewEntry(account.NewID(encode.RandomBytes(8)), account.Credit, 1, "x", stamp)
	wantCode(t, archie.PostEntry(ctx(), RandomAccountWithID(orphan.Account), orphan), db.ErrUnknownAccount, "entry for unknown account")
}

func testOffers(t *testing.T, archie db.LendexArchivist) {
	owner := RandomAccount()
	stamp := Stamp().Add(-time.Hour)
	offers := []*loan.Offer{
		RandomOffer(owner.ID, loan.Lend, 10, stamp),
		RandomOffer(owner.ID, loan.Lend, 20, stamp.Add(time.Second)),
		RandomOffer(owner.ID, loan.Lend, 30, stamp), // tie with offers[0]
		RandomOffer(owner.ID, loan.Borrow, 60, stamp),
	}
	for _, o := range offers {
		if err := archie.InsertOffer(ctx(), o); err != nil {
			t.Fatalf("InsertOffer error: %v", err)
		}
		if o.Version != 1 {
			t.Fatalf("new offer version %d", o.Version)
		}
	}
	wantCode(t, archie.InsertOffer(ctx(), offers[0]), db.ErrDuplicate, "duplicate offer")

	reOffer, err := archie.Offer(ctx(), offers[1].ID)
	if err != nil {
		t.Fatalf("Offer error: %v", err)
	}
	if !reflect.DeepEqual(reOffer, offers[1]) {
		t.Fatalf("offer mismatch:\n%s\n%s", spew.Sdump(offers[1]), spew.Sdump(reOffer))
	}
	_, err = archie.Offer(ctx(), loan.OfferID{0x01})
	wantCode(t, err, db.ErrUnknownOffer, "unknown offer")

	// Expected order is by creation time, then id.
	want := []*loan.Offer{offers[0], offers[2], offers[1]}
	if bytes.Compare(offers[2].ID[:], offers[0].ID[:]) < 0 {
		want[0], want[1] = offers[2], offers[0]
	}
	checkPending := func(kind loan.Kind, want []*loan.Offer) {
		t.Helper()
		pending, err := archie.PendingOffers(ctx(), kind)
		if err != nil {
			t.Fatalf("PendingOffers error: %v", err)
		}
		var mine []*loan.Offer
		for _, o := range pending {
			if o.Kind != kind || o.Status != loan.OfferPending {
				t.Fatalf("PendingOffers returned a %s %s offer", o.Status, o.Kind)
			}
			if o.Owner == owner.ID {
				mine = append(mine, o)
			}
		}
		if len(mine) != len(want) {
			t.Fatalf("expected %d pending %s offers, got %d", len(want), kind, len(mine))
		}
		for i := range want {
			if mine[i].ID != want[i].ID {
				t.Fatalf("pending offer %d out of order", i)
			}
		}
	}
	checkPending(loan.Lend, want)
	checkPending(loan.Borrow, offers[3:])

	// Lose a race to cancel.
	matcher, canceller := *reOffer, *reOffer
	matcher.Status, matcher.MatchID = loan.OfferMatched, loan.MatchID{0x02}
	if err := archie.UpdateOffer(ctx(), &matcher); err != nil {
		t.Fatalf("UpdateOffer error: %v", err)
	}
	canceller.Status = loan.OfferCancelled
	wantCode(t, archie.UpdateOffer(ctx(), &canceller), db.ErrVersionConflict, "stale offer update")
	reOffer, _ = archie.Offer(ctx(), offers[1].ID)
	if reOffer.Status != loan.OfferMatched || reOffer.MatchID != matcher.MatchID || reOffer.Version != 2 {
		t.Fatalf("wrong offer after update: %s", spew.Sdump(reOffer))
	}
	checkPending(loan.Lend, want[:2])

	wantCode(t, archie.UpdateOffer(ctx(), RandomOffer(owner.ID, loan.Lend, 1, stamp)), db.ErrUnknownOffer, "update unknown offer")

	owned, err := archie.OffersByOwner(ctx(), owner.ID)
	if err != nil {
		t.Fatalf("OffersByOwner error: %v", err)
	}
	if len(owned) != len(offers) {
		t.Fatalf("expected %d offers for owner, got %d", len(offers), len(owned))
	}
	for i := 1; i < len(owned); i++ {
		if owned[i].CreatedAt.Before(owned[i-1].CreatedAt) {
			t.Fatalf("OffersByOwner not oldest first")
		}
	}
}

// RandomMatch creates a Pending proposal binding the lender offers to the
// borrower offer.
func RandomMatch(lenders []*loan.Offer, borrower *loan.Offer, stamp time.Time) *loan.Match {
	m := &loan.Match{
		BorrowerOfferID: borrower.ID,
		Counterparty:    borrower.Owner,
		ProposedAt:      stamp,
		Status:          loan.StatusPending,
		Active:          true,
	}
	ids := make([]loan.OfferID, 0, len(lenders))
	for _, o := range lenders {
		m.Contributions = append(m.Contributions, &loan.Contribution{OfferID: o.ID, Owner: o.Owner, Amount: o.Amount})
		m.TotalAmount += o.Amount
		ids = append(ids, o.ID)
	}
	m.AmountToRepay = 2 * m.TotalAmount
	m.ID = loan.NewMatchID(ids, borrower.ID[:], stamp)
	return m
}

func testMatches(t *testing.T, archie db.LendexArchivist) {
	lender, borrower := RandomAccount(), RandomAccount()
	stamp := Stamp()
	lendOffer := RandomOffer(lender.ID, loan.Lend, 50, stamp)
	borrowOffer := RandomOffer(borrower.ID, loan.Borrow, 50, stamp)

	m := RandomMatch([]*loan.Offer{lendOffer}, borrowOffer, stamp)
	if err := archie.InsertMatch(ctx(), m); err != nil {
		t.Fatalf("InsertMatch error: %v", err)
	}
	wantCode(t, archie.InsertMatch(ctx(), m), db.ErrDuplicate, "duplicate match")

	reM, err := archie.Match(ctx(), m.ID)
	if err != nil {
		t.Fatalf("Match error: %v", err)
	}
	if !reflect.DeepEqual(reM, m) {
		t.Fatalf("match mismatch:\n%s\n%s", spew.Sdump(m), spew.Sdump(reM))
	}
	_, err = archie.Match(ctx(), loan.MatchID{0x03})
	wantCode(t, err, db.ErrUnknownMatch, "unknown match")

	// A proposal can be deleted, but only at the current version.
	stale := *reM
	reM.MatchedAt = stamp
	reM.WithdrawalReadyAt = stamp.Add(loan.HoldPeriod)
	reM.Status = loan.StatusMatched
	if err := archie.UpdateMatch(ctx(), reM); err != nil {
		t.Fatalf("UpdateMatch error: %v", err)
	}
	wantCode(t, archie.DeleteProposal(ctx(), &stale), db.ErrVersionConflict, "stale proposal delete")
	wantCode(t, archie.DeleteProposal(ctx(), reM), db.ErrVersionConflict, "committed match delete")
	wantCode(t, archie.UpdateMatch(ctx(), &stale), db.ErrVersionConflict, "stale match update")

	second := RandomMatch([]*loan.Offer{RandomOffer(lender.ID, loan.Lend, 5, stamp)},
		RandomOffer(borrower.ID, loan.Borrow, 5, stamp), stamp.Add(time.Second))
	if err := archie.InsertMatch(ctx(), second); err != nil {
		t.Fatalf("InsertMatch error: %v", err)
	}
	if err := archie.DeleteProposal(ctx(), second); err != nil {
		t.Fatalf("DeleteProposal error: %v", err)
	}
	_, err = archie.Match(ctx(), second.ID)
	wantCode(t, err, db.ErrUnknownMatch, "deleted proposal")
	if mine := matchesFor(t, archie, lender.ID); len(mine) != 1 || mine[0].ID != m.ID {
		t.Fatalf("deleted proposal still listed for the lender")
	}

	active, err := archie.ActiveMatches(ctx())
	if err != nil {
		t.Fatalf("ActiveMatches error: %v", err)
	}
	if !containsMatch(active, m.ID) {
		t.Fatalf("active match not listed")
	}

	// Archive it.
	reM.Status, reM.Active = loan.StatusRejected, false
	reM.RejectReason = "test"
	if err := archie.UpdateMatch(ctx(), reM); err != nil {
		t.Fatalf("UpdateMatch error: %v", err)
	}
	active, _ = archie.ActiveMatches(ctx())
	if containsMatch(active, m.ID) {
		t.Fatalf("archived match listed as active")
	}
	archived, err := archie.ArchivedMatches(ctx(), 0)
	if err != nil {
		t.Fatalf("ArchivedMatches error: %v", err)
	}
	if !containsMatch(archived, m.ID) {
		t.Fatalf("archived match not listed")
	}
	if limited, _ := archie.ArchivedMatches(ctx(), 1); len(limited) != 1 {
		t.Fatalf("ArchivedMatches limit not applied, got %d", len(limited))
	}

	for _, party := range []account.AccountID{lender.ID, borrower.ID} {
		if mine := matchesFor(t, archie, party); len(mine) != 1 || mine[0].Status != loan.StatusRejected {
			t.Fatalf("wrong matches for party %s: %s", party, spew.Sdump(mine))
		}
	}
}

func matchesFor(t *testing.T, archie db.LendexArchivist, aid account.AccountID) []*loan.Match {
	t.Helper()
	ms, err := archie.MatchesForAccount(ctx(), aid)
	if err != nil {
		t.Fatalf("MatchesForAccount error: %v", err)
	}
	return ms
}

func containsMatch(ms []*loan.Match, mid loan.MatchID) bool {
	for _, m := range ms {
		if m.ID == mid {
			return true
		}
	}
	return false
}
