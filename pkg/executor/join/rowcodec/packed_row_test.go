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

package rowcodec_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pingcap/tidb-hashjoin/pkg/executor/join/rowcodec"
)

// int32Field is a fixed-width test double for rowcodec.Field.
type int32Field struct {
	null  bool
	value int32
}

func (f *int32Field) IsNull() bool      { return f.null }
func (f *int32Field) MaxPackedLen() int { return 4 }
func (f *int32Field) Pack(dst []byte) int {
	binary.LittleEndian.PutUint32(dst, uint32(f.value))
	return 4
}
func (f *int32Field) Unpack(src []byte) int {
	f.value = int32(binary.LittleEndian.Uint32(src))
	f.null = false
	return 4
}

// blobField is a variable-width test double whose MaxPackedLen reflects the
// current value's actual length, the way BLOB-like columns compute their
// upper bound from the live value.
type blobField struct {
	null  bool
	value []byte
}

func (f *blobField) IsNull() bool      { return f.null }
func (f *blobField) MaxPackedLen() int { return 4 + len(f.value) }
func (f *blobField) Pack(dst []byte) int {
	binary.LittleEndian.PutUint32(dst, uint32(len(f.value)))
	copy(dst[4:], f.value)
	return 4 + len(f.value)
}
func (f *blobField) Unpack(src []byte) int {
	n := int(binary.LittleEndian.Uint32(src))
	f.value = append([]byte(nil), src[4:4+n]...)
	f.null = false
	return 4 + n
}

func simpleTable(a *int32Field, b *blobField) rowcodec.Table {
	return rowcodec.Table{
		Columns: []rowcodec.Field{a, b},
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	srcA := &int32Field{value: 42}
	srcB := &blobField{value: []byte("hello world")}
	tables := rowcodec.TableCollection{simpleTable(srcA, srcB)}

	ub := rowcodec.UpperBound(tables)
	buf := make([]byte, ub)
	n := rowcodec.Serialize(tables, buf)
	require.LessOrEqual(t, n, ub)

	dstA := &int32Field{}
	dstB := &blobField{}
	decodeTables := rowcodec.TableCollection{simpleTable(dstA, dstB)}
	consumed, err := rowcodec.Deserialize(decodeTables, buf[:n])
	require.NoError(t, err)
	require.Equal(t, n, consumed)

	require.Equal(t, srcA.value, dstA.value)
	require.Equal(t, srcB.value, dstB.value)
}

func TestSerializeSkipsNullColumns(t *testing.T) {
	srcA := &int32Field{null: true}
	srcB := &blobField{value: []byte("x")}
	tables := rowcodec.TableCollection{simpleTable(srcA, srcB)}

	ub := rowcodec.UpperBound(tables)
	// UpperBound must not count the null column's bytes.
	require.Equal(t, 4+len("x"), ub)

	buf := make([]byte, ub)
	n := rowcodec.Serialize(tables, buf)
	require.Equal(t, ub, n)
}

func TestNullExtendedOuterRow(t *testing.T) {
	isNullRow := true
	a := &int32Field{value: 7}
	tbl := rowcodec.Table{
		NullableForOuter: true,
		IsNullRow:        func() bool { return isNullRow },
		Columns:          []rowcodec.Field{a},
	}
	tables := rowcodec.TableCollection{tbl}

	ub := rowcodec.UpperBound(tables)
	require.Equal(t, 1, ub) // just the NullFlag byte, no columns

	buf := make([]byte, ub)
	n := rowcodec.Serialize(tables, buf)
	require.Equal(t, 1, n)
	require.Equal(t, byte(rowcodec.NullWithoutData), buf[0])
}

func TestRowIDPassthrough(t *testing.T) {
	rowID := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	a := &int32Field{value: 99}
	tbl := rowcodec.Table{
		Columns: []rowcodec.Field{a},
		RowID:   func() []byte { return rowID },
	}
	tables := rowcodec.TableCollection{tbl}
	buf := make([]byte, rowcodec.UpperBound(tables))
	n := rowcodec.Serialize(tables, buf)

	gotRowID := make([]byte, len(rowID))
	dstA := &int32Field{}
	decodeTbl := rowcodec.Table{
		Columns: []rowcodec.Field{dstA},
		RowID:   func() []byte { return gotRowID },
	}
	_, err := rowcodec.Deserialize(rowcodec.TableCollection{decodeTbl}, buf[:n])
	require.NoError(t, err)
	require.Equal(t, rowID, gotRowID)
	require.Equal(t, int32(99), dstA.value)
}
