// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package lexi

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"lendex.org/lendex/dex"
)

const (
	// ErrEndIteration can be returned from the function passed to Iterate
	// to end iteration. No error will be returned from Iterate.
	ErrEndIteration = dex.ErrorKind("end iteration")
)

// Index is just a lexicographically-ordered list of byte slices. An Index is
// associated with a Table, and a datum inserted into a table can put entries
// into the Index. The Index can be iterated to view sorted data in the table.
//
// An index entry is the index prefix, followed by the bytes generated by the
// index function, followed by the datum key. The entry's value is the datum
// key, so that keys of any length can be indexed.
type Index struct {
	*DB
	name   string
	table  *Table
	prefix keyPrefix
	f      func(k, v KV) ([]byte, error)
}

// AddIndex adds an index to a Table. Once an Index is added, every datum
// Set in the Table will generate an entry in the Index too. Indexes must be
// added before any data is Set.
func (t *Table) AddIndex(name string, f func(k, v KV) ([]byte, error)) (*Index, error) {
	p, err := t.prefixForName(t.name + "__idx__" + name)
	if err != nil {
		return nil, err
	}
	idx := &Index{
		DB:     t.DB,
		name:   name,
		table:  t,
		prefix: p,
		f:      f,
	}
	t.indexes = append(t.indexes, idx)
	return idx, nil
}

func (idx *Index) add(txn *badger.Txn, kB []byte, v KV) ([]byte, error) {
	idxB, err := idx.f(kB, v)
	if err != nil {
		return nil, fmt.Errorf("error getting index value: %w", err)
	}
	entry := make([]byte, 0, len(idxB)+len(kB))
	entry = append(append(entry, idxB...), kB...)
	b := prefixedKey(idx.prefix, entry)
	if err := txn.Set(b, kB); err != nil {
		return nil, fmt.Errorf("error writing index entry: %w", err)
	}
	return b, nil
}

type iteratorOpts struct {
	update  bool
	reverse bool
}

// IterationOption is a knob to change how Iterate runs on an Index or Table.
type IterationOption func(opts *iteratorOpts)

// WithUpdate must be used if the caller intends to make modifications during
// iteration, such as deleting elements.
func WithUpdate() IterationOption {
	return func(opts *iteratorOpts) {
		opts.update = true
	}
}

// WithReverse sets the direction of iteration to reverse-lexicographical.
func WithReverse() IterationOption {
	return func(opts *iteratorOpts) {
		opts.reverse = true
	}
}

// Iter is an entry in the Index or Table. The caller can use Iter to access and
// delete data associated with the entry and its datum.
type Iter struct {
	scan *scan
	item *badger.Item
	txn  *badger.Txn
	kB   []byte
	d    *datum
}

// V gives access to the datum bytes. The byte slice passed to f is only valid
// for the duration of the function call. The caller should make a copy if they
// intend to use the bytes outside of the scope of f.
func (i *Iter) V(f func(vB []byte) error) error {
	d, err := i.datum()
	if err != nil {
		return err
	}
	return f(d.v)
}

// K is the key for the datum.
func (i *Iter) K() []byte {
	return i.kB
}

// Entry is the actual index entry when iterating an Index, without the index
// prefix or the trailing datum key. When iterating a Table, it is the key.
func (i *Iter) Entry(f func(idxB []byte) error) error {
	k := i.item.Key()[prefixSize:]
	if !i.scan.index {
		return f(k)
	}
	if len(k) < len(i.kB) {
		return fmt.Errorf("index entry too small. length = %d", len(k))
	}
	return f(k[:len(k)-len(i.kB)])
}

func (i *Iter) datum() (_ *datum, err error) {
	if i.d == nil {
		i.d, err = i.scan.table.get(i.txn, i.kB)
	}
	return i.d, err
}

// Delete deletes the indexed datum and any associated index entries. The
// iteration must have been started WithUpdate or inside an update transaction.
func (i *Iter) Delete() error {
	d, err := i.datum()
	if err != nil {
		return err
	}
	return i.scan.table.deleteDatum(i.txn, i.kB, d)
}

// Iterate iterates the index, providing access to the index entry, datum, and
// datum key via the Iter.
func (idx *Index) Iterate(prefixI KV, f func(*Iter) error, iterOpts ...IterationOption) error {
	return idx.scan().run(prefixI, f, iterOpts)
}

// IterateTxn is Iterate inside an existing transaction. WithUpdate is ignored,
// the transaction type decides.
func (idx *Index) IterateTxn(txn *badger.Txn, prefixI KV, f func(*Iter) error, iterOpts ...IterationOption) error {
	return idx.scan().runTxn(txn, prefixI, f, iterOpts)
}

func (idx *Index) scan() *scan {
	return &scan{db: idx.DB, prefix: idx.prefix, table: idx.table, index: true}
}

// scan is an iteration over the keys of a table or an index. Index entry
// values are datum keys. Table keys are the datum keys.
type scan struct {
	db     *DB
	prefix keyPrefix
	table  *Table
	index  bool
}

func (s *scan) run(prefixI KV, f func(*Iter) error, iterOpts []IterationOption) error {
	var io iteratorOpts
	for _, opt := range iterOpts {
		opt(&io)
	}
	txnFunc := s.db.View
	if io.update {
		txnFunc = s.db.Update
	}
	return txnFunc(func(txn *badger.Txn) error {
		return s.runTxn(txn, prefixI, f, iterOpts)
	})
}

func (s *scan) runTxn(txn *badger.Txn, prefixI KV, f func(*Iter) error, iterOpts []IterationOption) error {
	prefix, err := parseKV(prefixI)
	if err != nil {
		return err
	}
	var io iteratorOpts
	for _, opt := range iterOpts {
		opt(&io)
	}
	walk := iteratePrefix
	if io.reverse {
		walk = reverseIteratePrefix
	}
	return walk(txn, prefixedKey(s.prefix, prefix), func(iter *badger.Iterator) error {
		item := iter.Item()
		var kB []byte
		if s.index {
			if kB, err = item.ValueCopy(nil); err != nil {
				return fmt.Errorf("error reading index entry value: %w", err)
			}
		} else {
			kB = item.KeyCopy(nil)[prefixSize:]
		}
		return f(&Iter{scan: s, item: item, txn: txn, kB: kB})
	})
}

// iteratePrefix walks the keys with the prefix in lexicographic order. f may
// return ErrEndIteration to stop early without error.
func iteratePrefix(txn *badger.Txn, prefix []byte, f func(iter *badger.Iterator) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	iter := txn.NewIterator(opts)
	defer iter.Close()
	for iter.Rewind(); iter.Valid(); iter.Next() {
		if err := f(iter); err != nil {
			return endIteration(err)
		}
	}
	return nil
}

// reverseIteratePrefix is iteratePrefix in reverse order. A reverse badger
// iterator must be positioned past the last key with the prefix, which is
// done by seeking to the prefix incremented as a big-endian number.
func reverseIteratePrefix(txn *badger.Txn, prefix []byte, f func(iter *badger.Iterator) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.Reverse = true
	iter := txn.NewIterator(opts)
	defer iter.Close()

	upper := prefixUpperBound(prefix)
	iter.Seek(upper)
	if iter.Valid() && bytes.Equal(upper, iter.Item().Key()) {
		iter.Next()
	}
	for ; iter.ValidForPrefix(prefix); iter.Next() {
		if err := f(iter); err != nil {
			return endIteration(err)
		}
	}
	return nil
}

// prefixUpperBound is the shortest key greater than every key with the
// prefix. Trailing 0xff bytes are dropped before incrementing.
func prefixUpperBound(prefix []byte) []byte {
	n := len(prefix)
	for n > 0 && prefix[n-1] == 0xff {
		n--
	}
	upper := append([]byte(nil), prefix[:n]...)
	if n > 0 {
		upper[n-1]++
	}
	return upper
}

func endIteration(err error) error {
	if errors.Is(err, ErrEndIteration) {
		return nil
	}
	return err
}
