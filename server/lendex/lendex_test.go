package lendex

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"lendex.org/lendex/dex"
	"lendex.org/lendex/server/account"
	"lendex.org/lendex/server/admin"
	"lendex.org/lendex/server/comms"
	"lendex.org/lendex/server/db/driver/badgerdb"
	"lendex.org/lendex/server/loan"
)

var (
	_ comms.Core    = (*Lendex)(nil)
	_ admin.SvrCore = (*Lendex)(nil)
)

type tClock struct {
	mtx sync.Mutex
	now time.Time
}

func (c *tClock) Now() time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.now
}

func (c *tClock) advance(d time.Duration) {
	c.mtx.Lock()
	c.now = c.now.Add(d)
	c.mtx.Unlock()
}

func TestMain(m *testing.M) {
	UseLogger(dex.StdOutLogger("LNDX", dex.LevelInfo))
	os.Exit(m.Run())
}

func newTLendex(t *testing.T, cfg *Config) (*Lendex, *tClock) {
	t.Helper()
	clock := &tClock{now: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
	cfg.DB = &DBConf{Driver: badgerdb.DriverName}
	cfg.Clock = clock
	ctx, cancel := context.WithCancel(context.Background())
	l, err := NewLendex(ctx, cfg)
	if err != nil {
		cancel()
		t.Fatalf("NewLendex error: %v", err)
	}
	t.Cleanup(func() {
		if err := l.Close(); err != nil {
			t.Errorf("Close error: %v", err)
		}
		cancel()
	})
	return l, clock
}

func newFundedAccount(t *testing.T, l *Lendex, ref string, amt uint64) account.AccountID {
	t.Helper()
	ctx := context.Background()
	aid := account.NewID([]byte(ref))
	if _, err := l.CreateAccount(ctx, aid, 1); err != nil {
		t.Fatalf("CreateAccount(%s) error: %v", ref, err)
	}
	if amt > 0 {
		if _, err := l.Deposit(ctx, aid, amt, ref+":funding"); err != nil {
			t.Fatalf("Deposit(%s) error: %v", ref, err)
		}
	}
	return aid
}

func checkBalances(t *testing.T, l *Lendex, aid account.AccountID, balance, reserved uint64) {
	t.Helper()
	acct, err := l.Account(context.Background(), aid)
	if err != nil {
		t.Fatalf("Account error: %v", err)
	}
	if acct.Balance != balance || acct.Reserved != reserved {
		t.Fatalf("account %s: expected balance %d, reserved %d, got %s", aid, balance, reserved, spew.Sdump(acct))
	}
	if err = l.VerifyAccount(context.Background(), aid); err != nil {
		t.Fatalf("VerifyAccount error: %v", err)
	}
}

func TestLoanLifecycle(t *testing.T) {
	l, clock := newTLendex(t, &Config{})
	ctx := context.Background()

	lender1 := newFundedAccount(t, l, "lender1", 100)
	lender2 := newFundedAccount(t, l, "lender2", 100)
	borrower := newFundedAccount(t, l, "borrower", 0)

	lend1, err := l.CreateOffer(ctx, lender1, loan.Lend, 50)
	if err != nil {
		t.Fatalf("CreateOffer error: %v", err)
	}
	lend2, err := l.CreateOffer(ctx, lender2, loan.Lend, 50)
	if err != nil {
		t.Fatalf("CreateOffer error: %v", err)
	}
	borrow, err := l.CreateOffer(ctx, borrower, loan.Borrow, 100)
	if err != nil {
		t.Fatalf("CreateOffer error: %v", err)
	}
	checkBalances(t, l, lender1, 100, 50)

	ready, err := l.ListReadyOffers(ctx, loan.Lend)
	if err != nil || len(ready) != 0 {
		t.Fatalf("expected no ready offers before the hold period, got %d, %v", len(ready), err)
	}

	clock.advance(loan.HoldPeriod)
	ready, err = l.ListReadyOffers(ctx, loan.Lend)
	if err != nil {
		t.Fatalf("ListReadyOffers error: %v", err)
	}
	if len(ready) != 2 {
		t.Fatalf("expected 2 ready lend offers, got %d", len(ready))
	}

	match, err := l.CreateMatch(ctx, []loan.OfferID{lend1.ID, lend2.ID}, borrow.ID)
	if err != nil {
		t.Fatalf("CreateMatch error: %v", err)
	}
	if match.Status != loan.StatusMatched || match.AmountToRepay != 200 || match.Counterparty != borrower {
		t.Fatalf("wrong match: %s", spew.Sdump(match))
	}

	// Deposit attestation out of order.
	if _, err = l.AttestDepositMade(ctx, match.ID, borrower); !errors.Is(err, loan.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict, got %v", err)
	}
	if _, err = l.AttestLenderPaid(ctx, match.ID, lender1); err != nil {
		t.Fatalf("AttestLenderPaid error: %v", err)
	}
	if _, err = l.AttestCounterpartyReceived(ctx, match.ID, borrower); err != nil {
		t.Fatalf("AttestCounterpartyReceived error: %v", err)
	}
	checkBalances(t, l, lender1, 50, 0)
	if _, err = l.AttestDepositMade(ctx, match.ID, borrower); err != nil {
		t.Fatalf("AttestDepositMade error: %v", err)
	}

	if _, err = l.Withdraw(ctx, match.ID, lender2); !errors.Is(err, loan.ErrNotEligibleYet) {
		t.Fatalf("expected ErrNotEligibleYet, got %v", err)
	}

	clock.advance(loan.HoldPeriod)
	chores := l.Housekeep(ctx)
	if chores.Promoted != 1 {
		t.Fatalf("expected 1 promoted match, got %s", spew.Sdump(chores))
	}
	if match, err = l.Match(ctx, match.ID); err != nil || match.Status != loan.StatusWithdrawable {
		t.Fatalf("expected withdrawable match, got %v, %v", match, err)
	}

	payout, err := l.Withdraw(ctx, match.ID, lender2)
	if err != nil {
		t.Fatalf("Withdraw error: %v", err)
	}
	if payout.Total != 200 || len(payout.Credits) != 2 {
		t.Fatalf("wrong payout: %s", spew.Sdump(payout))
	}
	replay, err := l.Withdraw(ctx, match.ID, lender1)
	if err != nil {
		t.Fatalf("replayed Withdraw error: %v", err)
	}
	if !replay.Replayed || replay.Total != payout.Total {
		t.Fatalf("wrong replay: %s", spew.Sdump(replay))
	}
	checkBalances(t, l, lender1, 150, 0)
	checkBalances(t, l, lender2, 150, 0)

	matches, err := l.MatchesForAccount(ctx, borrower)
	if err != nil || len(matches) != 1 || matches[0].Status != loan.StatusWithdrawn {
		t.Fatalf("wrong borrower matches: %v, %v", matches, err)
	}
	archived, err := l.ArchivedMatches(ctx, 10)
	if err != nil || len(archived) != 1 {
		t.Fatalf("expected 1 archived match, got %d, %v", len(archived), err)
	}
}

func TestHousekeepingExpiry(t *testing.T) {
	l, clock := newTLendex(t, &Config{MaxOfferAge: 24 * time.Hour})
	ctx := context.Background()

	lender := newFundedAccount(t, l, "lender", 100)
	offer, err := l.CreateOffer(ctx, lender, loan.Lend, 80)
	if err != nil {
		t.Fatalf("CreateOffer error: %v", err)
	}
	if chores := l.Housekeep(ctx); chores.Expired != 0 {
		t.Fatalf("offer expired early")
	}
	clock.advance(25 * time.Hour)
	if chores := l.Housekeep(ctx); chores.Expired != 1 {
		t.Fatalf("expected 1 expired offer, got %s", spew.Sdump(chores))
	}
	if offer, err = l.Offer(ctx, offer.ID); err != nil || offer.Status != loan.OfferCancelled {
		t.Fatalf("expected cancelled offer, got %v, %v", offer, err)
	}
	checkBalances(t, l, lender, 100, 0)
}

func TestOperatorFunctions(t *testing.T) {
	l, clock := newTLendex(t, &Config{})
	ctx := context.Background()
	operator := account.NewID([]byte("operator"))

	lender := newFundedAccount(t, l, "lender", 100)
	offer, err := l.CreateOffer(ctx, lender, loan.Lend, 60)
	if err != nil {
		t.Fatalf("CreateOffer error: %v", err)
	}
	if _, err = l.CancelOffer(ctx, offer.ID, operator); !errors.Is(err, loan.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err = l.ExpireOffer(ctx, offer.ID); err != nil {
		t.Fatalf("ExpireOffer error: %v", err)
	}
	checkBalances(t, l, lender, 100, 0)

	offer, err = l.CreateOffer(ctx, lender, loan.Lend, 70)
	if err != nil {
		t.Fatalf("CreateOffer error: %v", err)
	}
	checkBalances(t, l, lender, 100, 70)
	clock.advance(loan.HoldPeriod)
	match, err := l.CreateSyntheticMatch(ctx, []loan.OfferID{offer.ID}, "promo-1", operator)
	if err != nil {
		t.Fatalf("CreateSyntheticMatch error: %v", err)
	}
	if !match.Synthetic || match.Counterparty != operator {
		t.Fatalf("wrong synthetic match: %s", spew.Sdump(match))
	}
	if match, err = l.Reject(ctx, match.ID, operator, "duplicate"); err != nil {
		t.Fatalf("Reject error: %v", err)
	}
	if match.Status != loan.StatusRejected || match.Active {
		t.Fatalf("wrong rejected match: %s", spew.Sdump(match))
	}
	checkBalances(t, l, lender, 100, 0)

	acct, err := l.SetKYCLevel(ctx, lender, 3)
	if err != nil || acct.KYCLevel != 3 {
		t.Fatalf("SetKYCLevel: %v, %v", acct, err)
	}
	entries, err := l.Entries(ctx, lender)
	if err != nil {
		t.Fatalf("Entries error: %v", err)
	}
	// funding, two reserves and two releases
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
}

func TestKYCLimits(t *testing.T) {
	l, _ := newTLendex(t, &Config{KYCLimits: map[account.KYCLevel]uint64{1: 50, 2: 1000}})
	ctx := context.Background()
	lender := newFundedAccount(t, l, "lender", 500)
	if _, err := l.CreateOffer(ctx, lender, loan.Lend, 100); !errors.Is(err, loan.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := l.SetKYCLevel(ctx, lender, 2); err != nil {
		t.Fatalf("SetKYCLevel error: %v", err)
	}
	if _, err := l.CreateOffer(ctx, lender, loan.Lend, 100); err != nil {
		t.Fatalf("CreateOffer error: %v", err)
	}
}

func TestRun(t *testing.T) {
	l, _ := newTLendex(t, &Config{
		Comms:                &comms.Config{ListenAddrs: []string{"127.0.0.1:0"}},
		HousekeepingInterval: time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := l.Run(ctx); err != nil {
		t.Fatalf("Run error: %v", err)
	}
}

func TestBadConfig(t *testing.T) {
	if _, err := NewLendex(context.Background(), &Config{}); err == nil {
		t.Fatalf("no error for missing db config")
	}
	if _, err := NewLendex(context.Background(), &Config{DB: &DBConf{Driver: "sqlite"}}); err == nil {
		t.Fatalf("no error for unknown driver")
	}
}
