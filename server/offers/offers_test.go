package offers

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"lendex.org/lendex/dex"
	"lendex.org/lendex/dex/encode"
	"lendex.org/lendex/dex/msgjson"
	"lendex.org/lendex/dex/wait"
	"lendex.org/lendex/server/account"
	"lendex.org/lendex/server/db"
	"lendex.org/lendex/server/db/driver/badgerdb"
	"lendex.org/lendex/server/kyc"
	"lendex.org/lendex/server/ledger"
	"lendex.org/lendex/server/loan"
	"lendex.org/lendex/server/notify"
)

var tCtx = context.Background()

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

type tNotifier struct {
	mtx    sync.Mutex
	events map[account.AccountID][]*notify.Event
}

func (n *tNotifier) Notify(aid account.AccountID, ev *notify.Event) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.events[aid] = append(n.events[aid], ev)
}

func (n *tNotifier) routes(aid account.AccountID) []string {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	routes := make([]string, 0, len(n.events[aid]))
	for _, ev := range n.events[aid] {
		routes = append(routes, ev.Route)
	}
	return routes
}

// tStore fails InsertOffer on request. With insertLands, the offer is stored
// before the error is returned. offerErr fails Offer.
type tStore struct {
	db.LendexArchivist
	insertErr   error
	insertLands bool
	offerErr    error
}

func (s *tStore) InsertOffer(ctx context.Context, offer *loan.Offer) error {
	if s.insertErr == nil {
		return s.LendexArchivist.InsertOffer(ctx, offer)
	}
	if s.insertLands {
		if err := s.LendexArchivist.InsertOffer(ctx, offer); err != nil {
			return err
		}
	}
	return s.insertErr
}

func (s *tStore) Offer(ctx context.Context, oid loan.OfferID) (*loan.Offer, error) {
	if s.offerErr != nil {
		return nil, s.offerErr
	}
	return s.LendexArchivist.Offer(ctx, oid)
}

type tRig struct {
	reg      *Registry
	ledger   *ledger.Ledger
	store    *tStore
	clock    *tClock
	notifier *tNotifier
}

func TestMain(m *testing.M) {
	UseLogger(dex.StdOutLogger("OFFR", dex.LevelInfo))
	os.Exit(m.Run())
}

func newTestRig(t *testing.T) *tRig {
	t.Helper()
	archie, err := badgerdb.NewArchiver(tCtx, &badgerdb.Config{})
	if err != nil {
		t.Fatalf("NewArchiver error: %v", err)
	}
	t.Cleanup(func() { archie.Close() })
	store := &tStore{LendexArchivist: archie}
	clock := &tClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	backoff := wait.Backoff{Attempts: 20, Base: time.Millisecond, Max: 10 * time.Millisecond}
	l := ledger.NewLedger(&ledger.Config{Store: store, Clock: clock, Backoff: backoff})
	notifier := &tNotifier{events: make(map[account.AccountID][]*notify.Event)}
	reg, err := NewRegistry(&Config{
		Store:        store,
		Ledger:       l,
		Directory:    &kyc.StoreDirectory{Store: store},
		Limits:       kyc.Limits{1: 1000, 2: 100000},
		Notifier:     notifier,
		Clock:        clock,
		Backoff:      backoff,
		MinimumOffer: 10,
		MaxOfferAge:  30 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("NewRegistry error: %v", err)
	}
	return &tRig{reg: reg, ledger: l, store: store, clock: clock, notifier: notifier}
}

func (rig *tRig) newAccount(t *testing.T, balance uint64, level account.KYCLevel) account.AccountID {
	t.Helper()
	aid := account.NewID(encode.RandomBytes(16))
	if _, err := rig.ledger.CreateAccount(tCtx, aid, level); err != nil {
		t.Fatalf("CreateAccount error: %v", err)
	}
	if balance > 0 {
		if _, err := rig.ledger.Deposit(tCtx, aid, balance, "initial"); err != nil {
			t.Fatalf("Deposit error: %v", err)
		}
	}
	return aid
}

func (rig *tRig) checkBalances(t *testing.T, aid account.AccountID, balance, reserved uint64) {
	t.Helper()
	acct, err := rig.ledger.Account(tCtx, aid)
	if err != nil {
		t.Fatalf("Account error: %v", err)
	}
	if acct.Balance != balance || acct.Reserved != reserved {
		t.Fatalf("wrong balances. wanted %d/%d, got %s", balance, reserved, spew.Sdump(acct))
	}
	if err = rig.ledger.Verify(tCtx, aid); err != nil {
		t.Fatalf("Verify error: %v", err)
	}
}

func TestCreateCancelLend(t *testing.T) {
	rig := newTestRig(t)
	a := rig.newAccount(t, 100, 1)

	offer, err := rig.reg.CreateOffer(tCtx, a, loan.Lend, 50)
	if err != nil {
		t.Fatalf("CreateOffer error: %v", err)
	}
	if offer.Status != loan.OfferPending || offer.Version != 1 {
		t.Fatalf("wrong new offer: %s", spew.Sdump(offer))
	}
	if !offer.MaturesAt.Equal(offer.CreatedAt.Add(loan.HoldPeriod)) {
		t.Fatalf("wrong maturity %s for creation at %s", offer.MaturesAt, offer.CreatedAt)
	}
	rig.checkBalances(t, a, 100, 50)
	acct, _ := rig.ledger.Account(tCtx, a)
	if acct.Available() != 50 {
		t.Fatalf("wrong available %d", acct.Available())
	}

	cancelled, err := rig.reg.CancelOffer(tCtx, offer.ID, a)
	if err != nil {
		t.Fatalf("CancelOffer error: %v", err)
	}
	if cancelled.Status != loan.OfferCancelled || cancelled.CancelledAt.IsZero() {
		t.Fatalf("offer not cancelled: %s", spew.Sdump(cancelled))
	}
	rig.checkBalances(t, a, 100, 0)

	if _, err = rig.reg.CancelOffer(tCtx, offer.ID, a); !errors.Is(err, loan.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict for second cancel, got %v", err)
	}
	rig.checkBalances(t, a, 100, 0)

	routes := rig.notifier.routes(a)
	if len(routes) != 2 || routes[0] != msgjson.OfferCreatedRoute || routes[1] != msgjson.OfferCancelledRoute {
		t.Fatalf("wrong notifications %v", routes)
	}
}

func TestCreateBorrow(t *testing.T) {
	rig := newTestRig(t)
	b := rig.newAccount(t, 0, 1)
	offer, err := rig.reg.CreateOffer(tCtx, b, loan.Borrow, 500)
	if err != nil {
		t.Fatalf("CreateOffer error: %v", err)
	}
	rig.checkBalances(t, b, 0, 0)
	if _, err = rig.reg.CancelOffer(tCtx, offer.ID, b); err != nil {
		t.Fatalf("CancelOffer error: %v", err)
	}
	offers, err := rig.reg.OffersForAccount(tCtx, b)
	if err != nil {
		t.Fatalf("OffersForAccount error: %v", err)
	}
	if len(offers) != 1 || offers[0].Status != loan.OfferCancelled {
		t.Fatalf("wrong offers: %s", spew.Sdump(offers))
	}
}

func TestCreateOfferErrors(t *testing.T) {
	rig := newTestRig(t)
	a := rig.newAccount(t, 5000, 1)
	unverified := rig.newAccount(t, 5000, 0)

	tests := []struct {
		name  string
		owner account.AccountID
		kind  loan.Kind
		amt   uint64
		want  error
	}{
		{"bad kind", a, 0, 50, loan.ErrValidation},
		{"zero owner", account.AccountID{}, loan.Lend, 50, loan.ErrValidation},
		{"zero amount", a, loan.Lend, 0, loan.ErrBelowMinimum},
		{"below minimum", a, loan.Borrow, 9, loan.ErrBelowMinimum},
		{"over limit", a, loan.Borrow, 1001, loan.ErrUnauthorized},
		{"no kyc", unverified, loan.Lend, 50, loan.ErrUnauthorized},
		{"unknown owner", account.NewID([]byte("nobody")), loan.Lend, 50, loan.ErrNotFound},
		{"insufficient", rig.newAccount(t, 20, 1), loan.Lend, 50, loan.ErrInsufficientFunds},
	}
	for _, tt := range tests {
		if _, err := rig.reg.CreateOffer(tCtx, tt.owner, tt.kind, tt.amt); !errors.Is(err, tt.want) {
			t.Fatalf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
	}
	rig.checkBalances(t, a, 5000, 0)
	if offers, _ := rig.reg.OffersForAccount(tCtx, a); len(offers) != 0 {
		t.Fatalf("failed creations stored offers: %s", spew.Sdump(offers))
	}
}

func TestCreateOfferCompensation(t *testing.T) {
	rig := newTestRig(t)
	a := rig.newAccount(t, 100, 1)
	rig.store.insertErr = db.ArchiveError{Code: db.ErrUnavailable, Detail: "connection lost"}
	if _, err := rig.reg.CreateOffer(tCtx, a, loan.Lend, 50); !errors.Is(err, loan.ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
	// The reservation was released.
	rig.checkBalances(t, a, 100, 0)
	entries, _ := rig.ledger.Entries(tCtx, a)
	if len(entries) != 3 {
		t.Fatalf("expected deposit, reserve and release entries, got %s", spew.Sdump(entries))
	}
	if len(rig.notifier.routes(a)) != 0 {
		t.Fatalf("notified for failed creation")
	}
}

// TestCreateOfferAmbiguousInsert covers an insert that reports a lost
// connection after it was stored. The offer keeps its reservation.
func TestCreateOfferAmbiguousInsert(t *testing.T) {
	rig := newTestRig(t)
	a := rig.newAccount(t, 100, 1)
	rig.store.insertErr = db.ArchiveError{Code: db.ErrUnavailable, Detail: "query canceled"}
	rig.store.insertLands = true
	offer, err := rig.reg.CreateOffer(tCtx, a, loan.Lend, 50)
	if err != nil {
		t.Fatalf("CreateOffer error: %v", err)
	}
	rig.store.insertErr = nil
	stored, err := rig.reg.Offer(tCtx, offer.ID)
	if err != nil {
		t.Fatalf("Offer error: %v", err)
	}
	if stored.Status != loan.OfferPending || stored.Amount != 50 {
		t.Fatalf("wrong stored offer: %s", spew.Sdump(stored))
	}
	rig.checkBalances(t, a, 100, 50)
	if routes := rig.notifier.routes(a); len(routes) != 1 || routes[0] != msgjson.OfferCreatedRoute {
		t.Fatalf("wrong notifications %v", routes)
	}

	// The offer's reservation is released by a cancel, as usual.
	if _, err = rig.reg.CancelOffer(tCtx, offer.ID, a); err != nil {
		t.Fatalf("CancelOffer error: %v", err)
	}
	rig.checkBalances(t, a, 100, 0)

	// If the offer cannot be read back, the reservation is kept.
	rig.store.insertErr = db.ArchiveError{Code: db.ErrUnavailable, Detail: "query canceled"}
	rig.store.offerErr = db.ArchiveError{Code: db.ErrUnavailable, Detail: "connection lost"}
	if _, err = rig.reg.CreateOffer(tCtx, a, loan.Lend, 30); !errors.Is(err, loan.ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
	rig.checkBalances(t, a, 100, 30)
}

func TestCancelAuthorization(t *testing.T) {
	rig := newTestRig(t)
	a := rig.newAccount(t, 100, 1)
	other := rig.newAccount(t, 100, 1)
	offer, err := rig.reg.CreateOffer(tCtx, a, loan.Lend, 40)
	if err != nil {
		t.Fatalf("CreateOffer error: %v", err)
	}
	if _, err = rig.reg.CancelOffer(tCtx, offer.ID, other); !errors.Is(err, loan.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	rig.checkBalances(t, a, 100, 40)
	if _, err = rig.reg.CancelOffer(tCtx, loan.OfferID{0x01}, a); !errors.Is(err, loan.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err = rig.reg.CancelOffer(tCtx, offer.ID, account.SystemID); err != nil {
		t.Fatalf("system cancel error: %v", err)
	}
	rig.checkBalances(t, a, 100, 0)
}

func TestCancelReleasesAfterInterruption(t *testing.T) {
	rig := newTestRig(t)
	a := rig.newAccount(t, 100, 1)
	offer, err := rig.reg.CreateOffer(tCtx, a, loan.Lend, 60)
	if err != nil {
		t.Fatalf("CreateOffer error: %v", err)
	}
	// Cancel the offer in the store without releasing the reservation.
	offer.Status = loan.OfferCancelled
	offer.CancelledAt = rig.clock.Now()
	if err = rig.store.UpdateOffer(tCtx, offer); err != nil {
		t.Fatalf("UpdateOffer error: %v", err)
	}
	rig.checkBalances(t, a, 100, 60)
	if _, err = rig.reg.CancelOffer(tCtx, offer.ID, a); !errors.Is(err, loan.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict, got %v", err)
	}
	rig.checkBalances(t, a, 100, 0)
}

func TestExpireStale(t *testing.T) {
	rig := newTestRig(t)
	a := rig.newAccount(t, 1000, 2)
	b := rig.newAccount(t, 0, 2)

	old, err := rig.reg.CreateOffer(tCtx, a, loan.Lend, 300)
	if err != nil {
		t.Fatalf("CreateOffer error: %v", err)
	}
	oldBorrow, err := rig.reg.CreateOffer(tCtx, b, loan.Borrow, 300)
	if err != nil {
		t.Fatalf("CreateOffer error: %v", err)
	}
	rig.clock.advance(20 * 24 * time.Hour)
	fresh, err := rig.reg.CreateOffer(tCtx, a, loan.Lend, 200)
	if err != nil {
		t.Fatalf("CreateOffer error: %v", err)
	}
	rig.clock.advance(15 * 24 * time.Hour)

	n, err := rig.reg.ExpireStale(tCtx)
	if err != nil {
		t.Fatalf("ExpireStale error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 expired offers, got %d", n)
	}
	for _, oid := range []loan.OfferID{old.ID, oldBorrow.ID} {
		offer, _ := rig.reg.Offer(tCtx, oid)
		if offer.Status != loan.OfferCancelled {
			t.Fatalf("offer %s not expired", oid)
		}
	}
	if offer, _ := rig.reg.Offer(tCtx, fresh.ID); offer.Status != loan.OfferPending {
		t.Fatalf("fresh offer expired")
	}
	rig.checkBalances(t, a, 1000, 200)

	if n, _ = rig.reg.ExpireStale(tCtx); n != 0 {
		t.Fatalf("second pass expired %d offers", n)
	}
}

func TestConcurrentCancel(t *testing.T) {
	rig := newTestRig(t)
	a := rig.newAccount(t, 100, 1)
	offer, err := rig.reg.CreateOffer(tCtx, a, loan.Lend, 100)
	if err != nil {
		t.Fatalf("CreateOffer error: %v", err)
	}
	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := rig.reg.CancelOffer(tCtx, offer.ID, a)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	var wins int
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, loan.ErrStateConflict):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected 1 winning cancel, got %d", wins)
	}
	rig.checkBalances(t, a, 100, 0)
}
