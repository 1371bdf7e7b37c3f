// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package badgerdb is the embedded db.LendexArchivist driver. Records live in
// dex/lexi tables over a badger key-value store. Every conditional write reads
// and writes inside one badger transaction, so a concurrent writer of the same
// keys causes the transaction to be retried and the version check to fail.
package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"lendex.org/lendex/dex"
	"lendex.org/lendex/dex/lexi"
	"lendex.org/lendex/server/db"
)

// DriverName is the name the driver registers with.
const DriverName = "badger"

var log = dex.Disabled

// Driver implements db.Driver.
type Driver struct{}

// Open creates the DB backend, returning a db.LendexArchivist.
func (d *Driver) Open(ctx context.Context, cfg any) (db.LendexArchivist, error) {
	switch c := cfg.(type) {
	case *Config:
		return NewArchiver(ctx, c)
	case Config:
		return NewArchiver(ctx, &c)
	default:
		return nil, fmt.Errorf("invalid config type %T", cfg)
	}
}

// UseLogger sets the package-wide logger for the registered DB Driver.
func (*Driver) UseLogger(logger dex.Logger) {
	log = logger
}

func init() {
	db.Register(DriverName, &Driver{})
}

// Config holds the Archiver's configuration. An empty Path opens an in-memory
// store.
type Config struct {
	Path string
}

// Archiver implements db.LendexArchivist.
type Archiver struct {
	lexi   *lexi.DB
	wg     *sync.WaitGroup
	cancel context.CancelFunc

	accounts *lexi.Table
	entries  *lexi.Table
	offers   *lexi.Table
	matches  *lexi.Table
	// parties maps party account id + match id to nothing, for
	// MatchesForAccount.
	parties *lexi.Table

	entryAccountIdx *lexi.Index
	offerStatusIdx  *lexi.Index
	offerOwnerIdx   *lexi.Index
	matchActiveIdx  *lexi.Index
}

var _ db.LendexArchivist = (*Archiver)(nil)

// NewArchiver opens the store and prepares the tables. The store is closed
// when ctx is canceled or Close is called.
func NewArchiver(ctx context.Context, cfg *Config) (*Archiver, error) {
	ldb, err := lexi.New(&lexi.Config{
		Path: cfg.Path,
		Log:  log,
	})
	if err != nil {
		return nil, fmt.Errorf("error opening badger db: %w", err)
	}
	a := &Archiver{lexi: ldb}
	if err := a.prepareTables(); err != nil {
		ldb.DB.Close()
		return nil, err
	}
	ctx, a.cancel = context.WithCancel(ctx)
	if a.wg, err = ldb.Connect(ctx); err != nil {
		a.cancel()
		return nil, err
	}
	if cfg.Path == "" {
		log.Infof("Opened in-memory badger store")
	} else {
		log.Infof("Opened badger store at %s", cfg.Path)
	}
	return a, nil
}

func (a *Archiver) prepareTables() (err error) {
	table := func(name string) *lexi.Table {
		if err != nil {
			return nil
		}
		var t *lexi.Table
		if t, err = a.lexi.Table(name); err != nil {
			err = fmt.Errorf("error creating %s table: %w", name, err)
		}
		return t
	}
	index := func(t *lexi.Table, name string, f func(k, v lexi.KV) ([]byte, error)) *lexi.Index {
		if err != nil {
			return nil
		}
		var idx *lexi.Index
		if idx, err = t.AddIndex(name, f); err != nil {
			err = fmt.Errorf("error adding %s index: %w", name, err)
		}
		return idx
	}
	a.accounts = table("accounts")
	a.entries = table("entries")
	a.offers = table("offers")
	a.matches = table("matches")
	a.parties = table("matchparties")
	a.entryAccountIdx = index(a.entries, "account", entryAccountIndex)
	a.offerStatusIdx = index(a.offers, "status", offerStatusIndex)
	a.offerOwnerIdx = index(a.offers, "owner", offerOwnerIndex)
	a.matchActiveIdx = index(a.matches, "active", matchActiveIndex)
	return err
}

// Close shuts down the store and waits for the garbage collection goroutine.
func (a *Archiver) Close() error {
	a.cancel()
	a.wg.Wait()
	return nil
}

// view and update translate badger failures and a done context into
// ArchiveErrors. Errors returned from f pass through unchanged.
func (a *Archiver) view(ctx context.Context, f func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return db.ArchiveError{Code: db.ErrUnavailable, Detail: err.Error()}
	}
	return translate(a.lexi.View(f))
}

func (a *Archiver) update(ctx context.Context, f func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return db.ArchiveError{Code: db.ErrUnavailable, Detail: err.Error()}
	}
	return translate(a.lexi.Update(f))
}

func translate(err error) error {
	var ae db.ArchiveError
	switch {
	case err == nil, errors.As(err, &ae):
		return err
	case errors.Is(err, lexi.ErrConflict):
		return db.ArchiveError{Code: db.ErrVersionConflict, Detail: err.Error()}
	case errors.Is(err, badger.ErrDBClosed):
		return db.ArchiveError{Code: db.ErrUnavailable, Detail: err.Error()}
	}
	return db.ArchiveError{Code: db.ErrGeneralFailure, Detail: err.Error()}
}

func versionConflict(what fmt.Stringer, stored, expected uint64) error {
	return db.ArchiveError{
		Code:   db.ErrVersionConflict,
		Detail: fmt.Sprintf("%s: stored version %d, expected %d", what, stored, expected),
	}
}
