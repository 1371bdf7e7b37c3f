// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package lexi

import (
	"bytes"
	"errors"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"lendex.org/lendex/dex"
	"lendex.org/lendex/dex/encode"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(&Config{
		Log: dex.StdOutLogger("T", dex.LevelInfo),
	})
	if err != nil {
		t.Fatalf("error constructing db: %v", err)
	}
	t.Cleanup(func() { db.DB.Close() })
	return db
}

func TestPrefixes(t *testing.T) {
	db := newTestDB(t)

	pfix, err := db.prefixForName("1")
	if err != nil {
		t.Fatalf("error getting prefix 1: %v", err)
	}
	if pfix != firstAvailablePrefix {
		t.Fatalf("expected prefix %s, got %s", firstAvailablePrefix, pfix)
	}

	pfix, err = db.prefixForName("2")
	if err != nil {
		t.Fatalf("error getting prefix 2: %v", err)
	}
	if secondPfix := incrementPrefix(firstAvailablePrefix); pfix != secondPfix {
		t.Fatalf("expected prefix %s, got %s", secondPfix, pfix)
	}

	// Repeat requests return the already-registered prefix.
	pfix, err = db.prefixForName("1")
	if err != nil {
		t.Fatalf("error getting prefix 1 again: %v", err)
	}
	if pfix != firstAvailablePrefix {
		t.Fatalf("expected prefix %s, got %s", firstAvailablePrefix, pfix)
	}
}

type tValue struct {
	v, idx []byte
}

func (v *tValue) MarshalBinary() ([]byte, error) {
	return v.v, nil
}

type tBytes []byte

func (b *tBytes) UnmarshalBinary(vB []byte) error {
	*b = append([]byte(nil), vB...)
	return nil
}

func valueIndex(_, v KV) ([]byte, error) {
	return v.(*tValue).idx, nil
}

func TestIndex(t *testing.T) {
	db := newTestDB(t)

	tbl, err := db.Table("T")
	if err != nil {
		t.Fatalf("Error creating table: %v", err)
	}
	idx, err := tbl.AddIndex("I", valueIndex)
	if err != nil {
		t.Fatalf("Error adding index: %v", err)
	}

	// The index is keyed on i, with a prefix of 0 until 40, after which the
	// prefix is 1. Keys are random, so table order differs from index order.
	const nVs = 100
	vs := make([]*tValue, nVs)
	keys := make([][]byte, nVs)
	for i := 0; i < nVs; i++ {
		prefix := byte(0)
		if i >= 40 {
			prefix = 1
		}
		v := &tValue{v: encode.RandomBytes(10), idx: []byte{prefix, byte(i)}}
		vs[i] = v
		keys[i] = encode.RandomBytes(32)
		if err := tbl.Set(keys[i], v); err != nil {
			t.Fatalf("Error setting table entry: %v", err)
		}
	}

	var i int
	err = idx.Iterate(nil, func(it *Iter) error {
		if !bytes.Equal(it.K(), keys[i]) {
			t.Fatalf("%d: wrong key", i)
		}
		if err := it.V(func(vB []byte) error {
			if !bytes.Equal(vB, vs[i].v) {
				t.Fatalf("%d: wrong value", i)
			}
			return nil
		}); err != nil {
			return err
		}
		if err := it.Entry(func(idxB []byte) error {
			if !bytes.Equal(idxB, vs[i].idx) {
				t.Fatalf("%d: wrong index entry %x", i, idxB)
			}
			return nil
		}); err != nil {
			return err
		}
		i++
		return nil
	})
	if err != nil {
		t.Fatalf("Iterate error: %v", err)
	}
	if i != nVs {
		t.Fatalf("iterated %d entries, expected %d", i, nVs)
	}

	i = nVs - 1
	err = idx.Iterate(nil, func(it *Iter) error {
		if !bytes.Equal(it.K(), keys[i]) {
			t.Fatalf("reverse %d: wrong key", i)
		}
		i--
		return nil
	}, WithReverse())
	if err != nil {
		t.Fatalf("reverse Iterate error: %v", err)
	}
	if i != -1 {
		t.Fatalf("reverse iteration stopped at %d", i)
	}

	var n int
	err = idx.Iterate([]byte{0}, func(it *Iter) error {
		n++
		return nil
	})
	if err != nil {
		t.Fatalf("prefix Iterate error: %v", err)
	}
	if n != 40 {
		t.Fatalf("expected 40 entries with prefix 0, got %d", n)
	}

	n = 0
	err = idx.Iterate([]byte{1}, func(it *Iter) error {
		if n++; n == 10 {
			return ErrEndIteration
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ErrEndIteration should not be returned, got %v", err)
	}
	if n != 10 {
		t.Fatalf("expected iteration to stop at 10, got %d", n)
	}

	// Delete the first 40 during iteration.
	err = idx.Iterate([]byte{0}, func(it *Iter) error {
		return it.Delete()
	}, WithUpdate())
	if err != nil {
		t.Fatalf("deleting Iterate error: %v", err)
	}
	var v tBytes
	if err := tbl.Get(keys[0], &v); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound for deleted key, got %v", err)
	}
	n = 0
	tbl.Iterate(nil, func(it *Iter) error {
		n++
		return nil
	})
	if n != nVs-40 {
		t.Fatalf("expected %d table entries after delete, got %d", nVs-40, n)
	}
}

func TestReplace(t *testing.T) {
	db := newTestDB(t)
	tbl, _ := db.Table("T")
	idx, _ := tbl.AddIndex("I", valueIndex)

	k := []byte("key")
	if err := tbl.Set(k, &tValue{v: []byte{1}, idx: []byte{1}}); err != nil {
		t.Fatalf("Set error: %v", err)
	}
	if err := tbl.Set(k, &tValue{v: []byte{2}, idx: []byte{2}}); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if err := tbl.Set(k, &tValue{v: []byte{2}, idx: []byte{2}}, WithReplace()); err != nil {
		t.Fatalf("replace error: %v", err)
	}
	var v tBytes
	if err := tbl.Get(k, &v); err != nil || !bytes.Equal(v, []byte{2}) {
		t.Fatalf("wrong value after replace: %x, %v", v, err)
	}
	// The old index entry must be gone.
	var entries [][]byte
	idx.Iterate(nil, func(it *Iter) error {
		return it.Entry(func(idxB []byte) error {
			entries = append(entries, append([]byte(nil), idxB...))
			return nil
		})
	})
	if len(entries) != 1 || !bytes.Equal(entries[0], []byte{2}) {
		t.Fatalf("wrong index entries after replace: %x", entries)
	}

	if err := tbl.Delete(k); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if err := tbl.Delete(k); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound deleting twice, got %v", err)
	}
}

func TestUpdateTxn(t *testing.T) {
	db := newTestDB(t)
	tblA, _ := db.Table("A")
	tblB, _ := db.Table("B")

	errAbort := errors.New("abort")
	err := db.Update(func(txn *badger.Txn) error {
		if err := tblA.SetTxn(txn, []byte("a"), &tValue{v: []byte{1}}); err != nil {
			return err
		}
		if err := tblB.SetTxn(txn, []byte("b"), &tValue{v: []byte{1}}); err != nil {
			return err
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("expected abort error, got %v", err)
	}
	var v tBytes
	if err := tblA.Get([]byte("a"), &v); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("aborted write to A is visible: %v", err)
	}
	if err := tblB.Get([]byte("b"), &v); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("aborted write to B is visible: %v", err)
	}

	err = db.Update(func(txn *badger.Txn) error {
		if err := tblA.SetTxn(txn, []byte("a"), &tValue{v: []byte{1}}); err != nil {
			return err
		}
		return tblB.SetTxn(txn, []byte("b"), &tValue{v: []byte{1}})
	})
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	err = db.View(func(txn *badger.Txn) error {
		for _, tbl := range []*Table{tblA, tblB} {
			var found bool
			tbl.Iterate(nil, func(*Iter) error {
				found = true
				return nil
			})
			if !found {
				t.Fatalf("table %s has no entries", tbl.name)
			}
		}
		has, err := tblA.Has(txn, []byte("a"))
		if err != nil || !has {
			t.Fatalf("Has = %t, %v", has, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View error: %v", err)
	}
}

func TestDatum(t *testing.T) {
	d := &datum{
		indexes: [][]byte{encode.RandomBytes(5), encode.RandomBytes(300)},
		v:       encode.RandomBytes(1000),
	}
	b, err := d.bytes()
	if err != nil {
		t.Fatalf("bytes error: %v", err)
	}
	reD, err := decodeDatum(b)
	if err != nil {
		t.Fatalf("decodeDatum error: %v", err)
	}
	if !bytes.Equal(reD.v, d.v) || len(reD.indexes) != 2 ||
		!bytes.Equal(reD.indexes[0], d.indexes[0]) || !bytes.Equal(reD.indexes[1], d.indexes[1]) {
		t.Fatal("datum mismatch")
	}
	if _, err := decodeDatum(b[:len(b)-1]); err == nil {
		t.Fatal("no error for truncated datum")
	}
	b[0] = 1
	if _, err := decodeDatum(b); err == nil {
		t.Fatal("no error for unknown version")
	}
}
