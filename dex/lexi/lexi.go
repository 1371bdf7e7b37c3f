// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package lexi is a thin table and index layer over a badger key-value
// database. Records live in named Tables, and every record Set in a Table
// writes an entry into each of the Table's Indexes so that records can be
// iterated in a chosen lexicographic order. All Table and Index methods have a
// *Txn variant so that callers can compose multi-record read-modify-write
// operations inside a single badger transaction.
package lexi

import (
	"context"
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"lendex.org/lendex/dex"
	"lendex.org/lendex/dex/wait"
)

// ErrKeyNotFound is an alias for badger.ErrKeyNotFound so that the caller
// doesn't have to import badger to use the semantics. Either error will satisfy
// errors.Is the same.
var ErrKeyNotFound = badger.ErrKeyNotFound

// ErrConflict is returned from Update when a transaction still conflicts after
// all retries.
var ErrConflict = badger.ErrConflict

// conflictBackoff is the retry schedule for conflicting update transactions.
var conflictBackoff = wait.Backoff{
	Attempts: 10,
	Base:     2 * time.Millisecond,
	Max:      time.Second,
}

func convertError(err error) error {
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return ErrKeyNotFound
	}
	return err
}

// DB is the Lexi DB. The Lexi DB wraps a badger key-value database and provides
// the ability to add indexed data.
type DB struct {
	*badger.DB
	log      dex.Logger
	wg       sync.WaitGroup
	updateWG sync.WaitGroup
	inMemory bool
}

// Config is the configuration settings for the Lexi DB. An empty Path opens an
// in-memory database, which is what the tests use.
type Config struct {
	Path string
	Log  dex.Logger
}

// New constructs a new Lexi DB.
func New(cfg *Config) (*DB, error) {
	log := cfg.Log
	if log == nil {
		log = dex.Disabled
	}
	opts := badger.DefaultOptions(cfg.Path).WithLogger(&badgerLoggerWrapper{log})
	inMemory := cfg.Path == ""
	if inMemory {
		opts = opts.WithInMemory(true)
	}
	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &DB{
		DB:       bdb,
		log:      log,
		inMemory: inMemory,
	}, nil
}

// Connect starts the DB, and creates goroutines to perform shutdown when the
// context is canceled.
func (db *DB) Connect(ctx context.Context) (*sync.WaitGroup, error) {
	db.wg.Add(1)
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer func() {
			ticker.Stop()
			db.updateWG.Wait()
			if err := db.DB.Close(); err != nil {
				db.log.Errorf("Error closing badger db: %v", err)
			}
			db.wg.Done()
		}()
		for {
			select {
			case <-ticker.C:
				if db.inMemory {
					continue
				}
				err := db.RunValueLogGC(0.5)
				if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
					db.log.Errorf("garbage collection error: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return &db.wg, nil
}

// Update runs f in a read-write transaction. Badger returns ErrConflict when
// a key read by the transaction was written by another transaction that
// committed first. The whole function is re-run in that case, so f must
// re-read anything it depends on.
func (db *DB) Update(f func(txn *badger.Txn) error) error {
	db.updateWG.Add(1)
	defer db.updateWG.Done()
	return conflictBackoff.Retry(context.Background(), func(err error) bool {
		return errors.Is(err, badger.ErrConflict)
	}, func() error {
		return db.DB.Update(f)
	})
}

// prefixForName returns a unique prefix for the provided name and logs the
// relationship in the DB. Repeated calls to prefixForName with the same name
// will return the same prefix, including through restarts.
func (db *DB) prefixForName(name string) (prefix keyPrefix, _ error) {
	nameKey := prefixedKey(nameToPrefixPrefix, []byte(name))
	return prefix, db.Update(func(txn *badger.Txn) error {
		it, err := txn.Get(nameKey)
		if err == nil {
			return it.Value(func(b []byte) error {
				prefix = bytesToPrefix(b)
				return nil
			})
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("error getting name: %w", err)
		}
		lastPrefix := lastKeyForPrefix(txn, prefixToNamePrefix)
		if len(lastPrefix) == 0 {
			prefix = firstAvailablePrefix
		} else {
			prefix = incrementPrefix(bytesToPrefix(lastPrefix))
		}
		if err := txn.Set(nameKey, prefix[:]); err != nil {
			return fmt.Errorf("error setting prefix for table name: %w", err)
		}
		if err := txn.Set(prefixedKey(prefixToNamePrefix, prefix[:]), []byte(name)); err != nil {
			return fmt.Errorf("error setting table name for prefix: %w", err)
		}
		return nil
	})
}

// KV is any one of a number of common types whose binary encoding is
// straight-forward.
type KV any

func parseKV(i KV) (b []byte, err error) {
	switch it := i.(type) {
	case []byte:
		b = it
	case string:
		b = []byte(it)
	case byte:
		b = []byte{it}
	case uint32:
		b = make([]byte, 4)
		binary.BigEndian.PutUint32(b, it)
	case uint64:
		b = make([]byte, 8)
		binary.BigEndian.PutUint64(b, it)
	case time.Time:
		b = make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(it.UnixNano()))
	case encoding.BinaryMarshaler:
		b, err = it.MarshalBinary()
	case nil:
	default:
		err = fmt.Errorf("unknown IndexBucket type %T", it)
	}
	return
}
