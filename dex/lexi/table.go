// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package lexi

import (
	"encoding"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// ErrExists is returned from Set when a value already exists for the key and
// WithReplace was not specified.
var ErrExists = errors.New("entry already exists")

// Table is a prefixed section of the k-v DB. A Table can have indexes, such
// that data inserted into the Table will generates index entries for use in
// lookup and iteration.
type Table struct {
	*DB
	name    string
	prefix  keyPrefix
	indexes []*Index
}

// Table constructs a new table in the DB.
func (db *DB) Table(name string) (*Table, error) {
	p, err := db.prefixForName(name)
	if err != nil {
		return nil, err
	}
	return &Table{
		DB:     db,
		name:   name,
		prefix: p,
	}, nil
}

// Get retrieves a value from the Table.
func (t *Table) Get(kB []byte, v encoding.BinaryUnmarshaler) error {
	return t.View(func(txn *badger.Txn) error {
		return t.GetTxn(txn, kB, v)
	})
}

// GetTxn is Get inside an existing transaction. Reading a key inside an update
// transaction registers it for conflict detection.
func (t *Table) GetTxn(txn *badger.Txn, kB []byte, v encoding.BinaryUnmarshaler) error {
	d, err := t.get(txn, kB)
	if err != nil {
		return err
	}
	return v.UnmarshalBinary(d.v)
}

// Has checks whether a value exists for the key.
func (t *Table) Has(txn *badger.Txn, kB []byte) (bool, error) {
	_, err := txn.Get(prefixedKey(t.prefix, kB))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (t *Table) get(txn *badger.Txn, kB []byte) (d *datum, err error) {
	item, err := txn.Get(prefixedKey(t.prefix, kB))
	if err != nil {
		return nil, convertError(err)
	}
	err = item.Value(func(dB []byte) error {
		d, err = decodeDatum(dB)
		if err != nil {
			return fmt.Errorf("error decoding datum: %w", err)
		}
		return nil
	})
	return
}

type setOpts struct {
	replace bool
}

// SetOption is a knob to control how items are inserted into the table with
// Set.
type SetOption func(opts *setOpts)

// WithReplace allows replacing pre-existing values when calling Set.
func WithReplace() SetOption {
	return func(opts *setOpts) {
		opts.replace = true
	}
}

// Set inserts a new value for the key, and creates index entries.
func (t *Table) Set(kB []byte, v encoding.BinaryMarshaler, options ...SetOption) error {
	return t.Update(func(txn *badger.Txn) error {
		return t.SetTxn(txn, kB, v, options...)
	})
}

// SetTxn is Set inside an existing update transaction.
func (t *Table) SetTxn(txn *badger.Txn, kB []byte, v encoding.BinaryMarshaler, options ...SetOption) error {
	// zero length keys are not allowed because it screws up the reverse
	// iteration scheme.
	if len(kB) == 0 {
		return errors.New("no zero-length keys allowed")
	}
	vB, err := v.MarshalBinary()
	if err != nil {
		return fmt.Errorf("error marshaling value: %w", err)
	}
	var opts setOpts
	for _, opt := range options {
		opt(&opts)
	}
	oldDatum, err := t.get(txn, kB)
	if !errors.Is(err, ErrKeyNotFound) {
		if err != nil {
			return fmt.Errorf("error looking for existing entry: %w", err)
		}
		if !opts.replace {
			return ErrExists
		}
		for _, k := range oldDatum.indexes {
			if err := txn.Delete(k); err != nil {
				return fmt.Errorf("error deleting replaced datum's index entry; %w", err)
			}
		}
	}
	d := &datum{v: vB, indexes: make([][]byte, len(t.indexes))}
	for i, idx := range t.indexes {
		if d.indexes[i], err = idx.add(txn, kB, v); err != nil {
			return fmt.Errorf("error adding entry to index %q: %w", idx.name, err)
		}
	}
	dB, err := d.bytes()
	if err != nil {
		return fmt.Errorf("error encoding datum: %w", err)
	}
	return txn.Set(prefixedKey(t.prefix, kB), dB)
}

// Delete deletes the data associated with the key, including any index
// entries.
func (t *Table) Delete(kB []byte) error {
	return t.Update(func(txn *badger.Txn) error {
		return t.DeleteTxn(txn, kB)
	})
}

// DeleteTxn is Delete inside an existing update transaction.
func (t *Table) DeleteTxn(txn *badger.Txn, kB []byte) error {
	d, err := t.get(txn, kB)
	if err != nil {
		return err
	}
	return t.deleteDatum(txn, kB, d)
}

func (t *Table) deleteDatum(txn *badger.Txn, kB []byte, d *datum) error {
	for _, k := range d.indexes {
		if err := txn.Delete(k); err != nil {
			return fmt.Errorf("error deleting index entry; %w", err)
		}
	}
	if err := txn.Delete(prefixedKey(t.prefix, kB)); err != nil {
		return fmt.Errorf("error deleting table entry: %w", err)
	}
	return nil
}

// Iterate iterates the table in key order.
func (t *Table) Iterate(prefixI KV, f func(*Iter) error, iterOpts ...IterationOption) error {
	return t.scan().run(prefixI, f, iterOpts)
}

// IterateTxn is Iterate inside an existing transaction.
func (t *Table) IterateTxn(txn *badger.Txn, prefixI KV, f func(*Iter) error, iterOpts ...IterationOption) error {
	return t.scan().runTxn(txn, prefixI, f, iterOpts)
}

func (t *Table) scan() *scan {
	return &scan{db: t.DB, prefix: t.prefix, table: t}
}
