//go:build pgonline

package pg

import (
	"context"
	"sync"
	"testing"

	"lendex.org/lendex/server/account"
	"lendex.org/lendex/server/db"
	"lendex.org/lendex/server/db/archivetest"
)

func TestArchivist(t *testing.T) {
	if err := cleanTables(archie.db); err != nil {
		t.Fatalf("cleanTables: %v", err)
	}
	archivetest.Run(t, archie)
}

// TestConcurrentPostEntry races two posts from the same read of an account.
// The row lock makes exactly one of them win.
func TestConcurrentPostEntry(t *testing.T) {
	ctx := context.Background()
	acct := archivetest.RandomAccount()
	if err := archie.CreateAccount(ctx, acct); err != nil {
		t.Fatalf("CreateAccount error: %v", err)
	}
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			read := *acct
			e := account.NewEntry(acct.ID, account.Credit, 5, string(rune('a'+i)), archivetest.Stamp())
			errs[i] = archie.PostEntry(ctx, &read, e)
		}(i)
	}
	wg.Wait()
	var wins int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case !db.IsErrVersionConflict(err):
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("%d posts won, expected 1", wins)
	}
	stored, _ := archie.Account(ctx, acct.ID)
	if stored.Balance != 5 || stored.Version != 2 {
		t.Fatalf("balance %d version %d", stored.Balance, stored.Version)
	}
}
