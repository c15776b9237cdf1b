// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rowcodec packs rows spanning one or more tables into a contiguous
// byte range and restores them bit-exactly, without itself knowing anything
// about SQL types. Every later component (the row buffer, the spill chunk
// file) treats a row as an opaque length-framed blob produced and consumed
// here.
package rowcodec

import "github.com/pingcap/errors"

// NullFlag marks, for a table that is the nullable side of an outer join,
// whether the row packed for that table is a genuine row or a null-extended
// placeholder.
type NullFlag byte

const (
	// NotNull means the table contributed a real row.
	NotNull NullFlag = 0
	// NullWithoutData means the table is null-extended and nothing else was
	// written for it (no bitmap, no columns, no row id).
	NullWithoutData NullFlag = 1
	// NullWithData means the table is null-extended but its current
	// null-bitmap was still written, so decode can restore per-column
	// nullability exactly instead of assuming every column is simply absent.
	NullWithData NullFlag = 2
)

// Field is the external collaborator this codec touches: a single column's
// current value, owned by the type system / storage layer. Pack, Unpack and
// IsNull are the only entry points this core requires.
type Field interface {
	// IsNull reports whether the field's current value is SQL NULL.
	IsNull() bool
	// MaxPackedLen returns an upper bound on Pack's output for the field's
	// current value. For fixed-width types this is a constant; for
	// BLOB/TEXT/JSON/GEOMETRY-like types it must reflect the actual current
	// value's length.
	MaxPackedLen() int
	// Pack writes the field's encoded bytes into dst and returns the number
	// of bytes written. dst is guaranteed to be at least MaxPackedLen() long.
	Pack(dst []byte) int
	// Unpack restores the field's value from src and returns the number of
	// bytes consumed.
	Unpack(src []byte) int
}

// Table describes one table's contribution to a packed row: which columns
// are projected (the "read set"), whether a null-bitmap must be carried, and
// whether this table is the nullable side of an outer join.
type Table struct {
	// NullableForOuter marks this table as the side that may be entirely
	// null-extended (the build side of a left outer join). When true, a
	// one-byte NullFlag precedes everything else for this table.
	NullableForOuter bool

	// IsNullRow reports, for the row currently sitting in this table's
	// record buffers, whether it is a null-extended placeholder. Only
	// consulted when NullableForOuter is true.
	IsNullRow func() bool

	// SetNullRow, if non-nil, is invoked by Deserialize to restore the
	// null-extended state the NullFlag byte recorded at Serialize time.
	// Without it, a table left null-extended by an earlier row would keep
	// answering IsNull for every column while a real row is being decoded
	// over it. Only consulted when NullableForOuter is true.
	SetNullRow func(isNullRow bool)

	// NullBitmap returns the table's live null-bitmap bytes, or nil if no
	// projected column is nullable or sub-byte (BIT-typed). This must be the
	// same backing memory that each Column's IsNull() consults: Deserialize
	// copies the encoded bitmap into this buffer before unpacking columns,
	// so a column's IsNull() check during decode sees the just-restored
	// bits rather than stale state.
	NullBitmap func() []byte

	// Columns is the ordered read set: one Field per projected column that
	// is not currently NULL is packed; NULL columns contribute nothing
	// beyond the bitmap bit that already records their nullness.
	Columns []Field

	// RowID returns the table's row-identifier bytes, or nil if row ids are
	// not being carried for this table. Sibling operators (duplicate
	// weedout) consume these from the same packed bytes.
	RowID func() []byte
}

// TableCollection is the ordered list of tables a packed row spans.
type TableCollection []Table

// UpperBound sums, per table, the worst case byte count serialize will need
// for the row currently sitting in the tables' record buffers. It is a pure
// computation with no side effects and cannot fail.
func UpperBound(tables TableCollection) int {
	total := 0
	for _, t := range tables {
		if t.NullableForOuter {
			total++ // the NullFlag byte
			if t.IsNullRow != nil && t.IsNullRow() {
				if t.NullBitmap != nil {
					total += len(t.NullBitmap())
				}
				continue // null-extended rows carry no columns or row id
			}
		}
		if t.NullBitmap != nil {
			total += len(t.NullBitmap())
		}
		for _, c := range t.Columns {
			if !c.IsNull() {
				total += c.MaxPackedLen()
			}
		}
		if t.RowID != nil {
			total += len(t.RowID())
		}
	}
	return total
}

// Serialize writes the packed-row encoding into dst and returns the number
// of bytes actually written: per table, the null-row flag (when the table
// is nullable for an outer join), the null bitmap (when carried), each
// projected non-null column's packed bytes, and the optional row id. dst
// must be at least UpperBound(tables) bytes long; Serialize never writes
// past that bound.
func Serialize(tables TableCollection, dst []byte) int {
	pos := 0
	for _, t := range tables {
		if t.NullableForOuter {
			nullRow := t.IsNullRow != nil && t.IsNullRow()
			if nullRow {
				var bitmap []byte
				if t.NullBitmap != nil {
					bitmap = t.NullBitmap()
				}
				if len(bitmap) > 0 {
					dst[pos] = byte(NullWithData)
					pos++
					pos += copy(dst[pos:], bitmap)
				} else {
					dst[pos] = byte(NullWithoutData)
					pos++
				}
				continue
			}
			dst[pos] = byte(NotNull)
			pos++
		}
		if t.NullBitmap != nil {
			pos += copy(dst[pos:], t.NullBitmap())
		}
		for _, c := range t.Columns {
			if c.IsNull() {
				continue
			}
			pos += c.Pack(dst[pos:])
		}
		if t.RowID != nil {
			pos += copy(dst[pos:], t.RowID())
		}
	}
	return pos
}

// Deserialize restores the tables' record buffers from src, which must be
// the output of a prior Serialize call made with the identical
// TableCollection shape (same NullableForOuter flags, same null-bitmap
// widths, same Columns in the same order). It returns the number of bytes
// consumed from src.
func Deserialize(tables TableCollection, src []byte) (int, error) {
	pos := 0
	for i := range tables {
		t := &tables[i]
		if t.NullableForOuter {
			if pos >= len(src) {
				return pos, errors.Errorf("rowcodec: truncated null flag for table %d", i)
			}
			flag := NullFlag(src[pos])
			pos++
			switch flag {
			case NullWithoutData:
				if t.SetNullRow != nil {
					t.SetNullRow(true)
				}
				continue
			case NullWithData:
				if t.NullBitmap != nil {
					n := len(t.NullBitmap())
					if pos+n > len(src) {
						return pos, errors.Errorf("rowcodec: truncated null bitmap for table %d", i)
					}
					copy(t.NullBitmap(), src[pos:pos+n])
					pos += n
				}
				if t.SetNullRow != nil {
					t.SetNullRow(true)
				}
				continue
			case NotNull:
				if t.SetNullRow != nil {
					t.SetNullRow(false)
				}
				// fall through to normal decoding below
			default:
				return pos, errors.Errorf("rowcodec: unknown null flag %d for table %d", flag, i)
			}
		}
		if t.NullBitmap != nil {
			n := len(t.NullBitmap())
			if pos+n > len(src) {
				return pos, errors.Errorf("rowcodec: truncated null bitmap for table %d", i)
			}
			copy(t.NullBitmap(), src[pos:pos+n])
			pos += n
		}
		for _, c := range t.Columns {
			if c.IsNull() {
				continue
			}
			if pos > len(src) {
				return pos, errors.Errorf("rowcodec: truncated column data for table %d", i)
			}
			pos += c.Unpack(src[pos:])
		}
		if t.RowID != nil {
			n := len(t.RowID())
			if pos+n > len(src) {
				return pos, errors.Errorf("rowcodec: truncated row id for table %d", i)
			}
			copy(t.RowID(), src[pos:pos+n])
			pos += n
		}
	}
	return pos, nil
}
