// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package badgerdb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"lendex.org/lendex/dex"
	"lendex.org/lendex/server/account"
	"lendex.org/lendex/server/db"
	"lendex.org/lendex/server/db/archivetest"
	"lendex.org/lendex/server/loan"
)

func newTestArchiver(t *testing.T, path string) *Archiver {
	t.Helper()
	a, err := NewArchiver(context.Background(), &Config{Path: path})
	if err != nil {
		t.Fatalf("NewArchiver error: %v", err)
	}
	return a
}

func TestMain(m *testing.M) {
	log = dex.StdOutLogger("DB", dex.LevelWarn)
	os.Exit(m.Run())
}

func TestArchivist(t *testing.T) {
	a := newTestArchiver(t, "")
	defer a.Close()
	archivetest.Run(t, a)
}

func TestOpenDriver(t *testing.T) {
	archie, err := db.Open(context.Background(), DriverName, Config{})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer archie.Close()
	if _, err := db.Open(context.Background(), DriverName, "nope"); err == nil {
		t.Fatalf("no error for a bad config type")
	}
}

func TestPersistence(t *testing.T) {
	dir := t.TempDir()
	a := newTestArchiver(t, dir)
	acct := archivetest.RandomAccount()
	if err := a.CreateAccount(context.Background(), acct); err != nil {
		t.Fatalf("CreateAccount error: %v", err)
	}
	stamp := archivetest.Stamp()
	offer := archivetest.RandomOffer(acct.ID, loan.Lend, 7, stamp)
	if err := a.InsertOffer(context.Background(), offer); err != nil {
		t.Fatalf("InsertOffer error: %v", err)
	}
	a.Close()

	a = newTestArchiver(t, dir)
	defer a.Close()
	if _, err := a.Account(context.Background(), acct.ID); err != nil {
		t.Fatalf("account lost after reopen: %v", err)
	}
	pending, err := a.PendingOffers(context.Background(), loan.Lend)
	if err != nil {
		t.Fatalf("PendingOffers error: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != offer.ID {
		t.Fatalf("offer index lost after reopen")
	}
}

func TestClosedContext(t *testing.T) {
	a := newTestArchiver(t, "")
	defer a.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Account(ctx, account.SystemID)
	if !db.IsErrUnavailable(err) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

// TestConcurrentPosts has many writers post to one account from whatever
// version they last read. Every successful post must be reflected exactly once
// in the stored balance and version.
func TestConcurrentPosts(t *testing.T) {
	a := newTestArchiver(t, "")
	defer a.Close()
	ctx := context.Background()
	acct := archivetest.RandomAccount()
	if err := a.CreateAccount(ctx, acct); err != nil {
		t.Fatalf("CreateAccount error: %v", err)
	}

	const writers, perWriter = 8, 25
	var wins, conflicts atomic.Uint64
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				read, err := a.Account(ctx, acct.ID)
				if err != nil {
					t.Errorf("Account error: %v", err)
					return
				}
				e := account.NewEntry(acct.ID, account.Credit, 1, fmt.Sprintf("%d-%d", w, i), archivetest.Stamp())
				switch err := a.PostEntry(ctx, read, e); {
				case err == nil:
					wins.Add(1)
				case db.IsErrVersionConflict(err):
					conflicts.Add(1)
				default:
					t.Errorf("PostEntry error: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	stored, err := a.Account(ctx, acct.ID)
	if err != nil {
		t.Fatalf("Account error: %v", err)
	}
	if stored.Balance != wins.Load() || stored.Version != wins.Load()+1 {
		t.Fatalf("balance %d, version %d after %d successful posts", stored.Balance, stored.Version, wins.Load())
	}
	entries, _ := a.Entries(ctx, acct.ID)
	if uint64(len(entries)) != wins.Load() {
		t.Fatalf("%d entries for %d successful posts", len(entries), wins.Load())
	}
	if wins.Load()+conflicts.Load() != writers*perWriter {
		t.Fatalf("lost attempts")
	}
}
