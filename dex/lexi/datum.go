// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package lexi

import (
	"bytes"
	"fmt"
	"io"

	"github.com/decred/dcrd/wire"
)

// datum is a value in the key-value database, along with the keys of the index
// entries it generated, so that they can be removed when the value is replaced
// or deleted.
type datum struct {
	version byte
	indexes [][]byte
	v       []byte
}

func (d *datum) bytes() ([]byte, error) {
	if d.version != 0 {
		return nil, fmt.Errorf("unknown datum version %d", d.version)
	}
	bLen := 1 + len(d.v) + wire.VarIntSerializeSize(uint64(len(d.v))) + wire.VarIntSerializeSize(uint64(len(d.indexes)))
	for _, ib := range d.indexes {
		bLen += len(ib) + wire.VarIntSerializeSize(uint64(len(ib)))
	}
	b := bytes.NewBuffer(make([]byte, 0, bLen))
	b.WriteByte(d.version)
	if err := wire.WriteVarInt(b, 0, uint64(len(d.indexes))); err != nil {
		return nil, fmt.Errorf("error writing index count var int: %w", err)
	}
	for _, ib := range d.indexes {
		if err := wire.WriteVarBytes(b, 0, ib); err != nil {
			return nil, fmt.Errorf("error writing index entry: %w", err)
		}
	}
	if err := wire.WriteVarBytes(b, 0, d.v); err != nil {
		return nil, fmt.Errorf("error writing value: %w", err)
	}
	return b.Bytes(), nil
}

func decodeDatum(blob []byte) (*datum, error) {
	if len(blob) < 3 {
		return nil, fmt.Errorf("datum blob length cannot be < 3. got %d", len(blob))
	}
	d := &datum{version: blob[0]}
	if d.version != 0 {
		return nil, fmt.Errorf("unknown datum blob version %d", d.version)
	}
	r := bytes.NewReader(blob[1:])
	nIndexes, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, fmt.Errorf("error reading number of indexes: %w", err)
	}
	if nIndexes > uint64(r.Len()) {
		return nil, fmt.Errorf("index count %d exceeds remaining blob length %d", nIndexes, r.Len())
	}
	d.indexes = make([][]byte, nIndexes)
	for i := range d.indexes {
		if d.indexes[i], err = readVarBytes(r); err != nil {
			return nil, fmt.Errorf("error reading index %d: %w", i, err)
		}
	}
	if d.v, err = readVarBytes(r); err != nil {
		return nil, fmt.Errorf("error reading value: %w", err)
	}
	return d, nil
}

func readVarBytes(r *bytes.Reader) ([]byte, error) {
	l, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	if l > uint64(r.Len()) {
		return nil, fmt.Errorf("length %d exceeds remaining blob length %d", l, r.Len())
	}
	b := make([]byte, l)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
