// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package encode provides the byte-level helpers used to serialize records
// for the key-value store.
package encode

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

var (
	// IntCoder is the project-wide integer byte-encoding order. IntCoder must
	// be BigEndian so that encoded integers sort lexicographically.
	IntCoder = binary.BigEndian
	// MaxDataLen is the largest byte slice that can be stored with
	// (BuildyBytes).AddData.
	MaxDataLen = 1<<32 - 1
)

const longPush = 0xff

// Uint32Bytes converts the uint32 to a length-4, big-endian encoded byte slice.
func Uint32Bytes(i uint32) []byte {
	b := make([]byte, 4)
	IntCoder.PutUint32(b, i)
	return b
}

// Uint64Bytes converts the uint64 to a length-8, big-endian encoded byte slice.
func Uint64Bytes(i uint64) []byte {
	b := make([]byte, 8)
	IntCoder.PutUint64(b, i)
	return b
}

// BytesToUint64 decodes a length-8, big-endian encoded uint64.
func BytesToUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("expected 8 bytes for uint64, got %d", len(b))
	}
	return IntCoder.Uint64(b), nil
}

// TimeBytes encodes a time as big-endian Unix nanoseconds. The zero time
// encodes as an empty slice.
func TimeBytes(t time.Time) []byte {
	if t.IsZero() {
		return nil
	}
	return Uint64Bytes(uint64(t.UnixNano()))
}

// DecodeTime is the inverse of TimeBytes.
func DecodeTime(b []byte) (time.Time, error) {
	if len(b) == 0 {
		return time.Time{}, nil
	}
	u, err := BytesToUint64(b)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, int64(u)).UTC(), nil
}

// RandomBytes returns a byte slice with the specified length of random bytes.
func RandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("error reading random bytes: " + err.Error())
	}
	return b
}

// ClearBytes zeroes the byte slice.
func ClearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// BuildyBytes is a byte-slice with an AddData method for building
// length-prefixed blobs. The first byte is conventionally a version.
type BuildyBytes []byte

// AddData appends the length-prefixed data. Lengths below 0xff take one byte.
// Longer pushes are flagged with 0xff followed by a 4-byte length.
func (b BuildyBytes) AddData(d []byte) BuildyBytes {
	l := len(d)
	if l < longPush {
		b = append(b, byte(l))
		return append(b, d...)
	}
	if uint64(l) > uint64(MaxDataLen) {
		panic("AddData: push too long")
	}
	b = append(b, longPush)
	b = append(b, Uint32Bytes(uint32(l))...)
	return append(b, d...)
}

// ExtractPushes parses the length-prefixed pushes written with AddData.
// Empty pushes decode as empty, non-nil slices.
func ExtractPushes(b []byte, preAlloc ...int) ([][]byte, error) {
	allocPushes := 4
	if len(preAlloc) > 0 {
		allocPushes = preAlloc[0]
	}
	pushes := make([][]byte, 0, allocPushes)
	for len(b) > 0 {
		l := int(b[0])
		b = b[1:]
		if l == longPush {
			if len(b) < 4 {
				return nil, errors.New("truncated long push length")
			}
			l = int(IntCoder.Uint32(b[:4]))
			b = b[4:]
		}
		if len(b) < l {
			return nil, fmt.Errorf("push of length %d exceeds remaining %d bytes", l, len(b))
		}
		pushes = append(pushes, b[:l:l])
		b = b[l:]
	}
	return pushes, nil
}

// DecodeBlob decodes a versioned blob into its version and data pushes.
func DecodeBlob(b []byte, preAlloc ...int) (byte, [][]byte, error) {
	if len(b) == 0 {
		return 0, nil, errors.New("zero length blob not allowed")
	}
	pushes, err := ExtractPushes(b[1:], preAlloc...)
	return b[0], pushes, err
}
