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

package rowbuffer_test

import (
	"encoding/binary"
	"testing"

	"github.com/pingcap/failpoint"
	"github.com/stretchr/testify/require"

	"github.com/pingcap/tidb-hashjoin/pkg/executor/join/rowbuffer"
	"github.com/pingcap/tidb-hashjoin/pkg/executor/join/rowcodec"
)

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

func keyFn(v int32, isNull bool) rowbuffer.KeyFunc {
	return func(dst []byte) ([]byte, bool, error) {
		if isNull {
			return nil, true, nil
		}
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(v))
		return append(dst, tmp[:]...), false, nil
	}
}

func tablesFor(f *int32Field) rowcodec.TableCollection {
	return rowcodec.TableCollection{{Columns: []rowcodec.Field{f}}}
}

func TestFirstRowAfterInitNeverFull(t *testing.T) {
	// A vanishingly small memory budget would, on any later call, report
	// Full; the first call after Init must still report Stored.
	b := rowbuffer.New(1)
	b.Init()

	res, err := b.StoreRow(keyFn(1, false), tablesFor(&int32Field{value: 1}), false)
	require.NoError(t, err)
	require.Equal(t, rowbuffer.Stored, res)
}

func TestSecondRowCanReportFull(t *testing.T) {
	b := rowbuffer.New(1)
	b.Init()

	_, err := b.StoreRow(keyFn(1, false), tablesFor(&int32Field{value: 1}), false)
	require.NoError(t, err)

	res, err := b.StoreRow(keyFn(2, false), tablesFor(&int32Field{value: 2}), false)
	require.NoError(t, err)
	require.Equal(t, rowbuffer.Full, res)
}

func TestNullKeySkipsStorageButReportsStored(t *testing.T) {
	b := rowbuffer.New(1 << 20)
	b.Init()

	res, err := b.StoreRow(keyFn(0, true), tablesFor(&int32Field{value: 1}), false)
	require.NoError(t, err)
	require.Equal(t, rowbuffer.Stored, res)
	require.True(t, b.Empty())
}

func TestDuplicateKeyChains(t *testing.T) {
	b := rowbuffer.New(1 << 20)
	b.Init()

	_, err := b.StoreRow(keyFn(7, false), tablesFor(&int32Field{value: 100}), false)
	require.NoError(t, err)
	_, err = b.StoreRow(keyFn(7, false), tablesFor(&int32Field{value: 200}), false)
	require.NoError(t, err)

	var keyBytes [4]byte
	binary.LittleEndian.PutUint32(keyBytes[:], 7)
	head := b.Find(keyBytes[:])
	require.NotEqual(t, rowbuffer.NullHandle, head)

	decoded := rowbuffer.DecodeLinked(b.Arena(), head)
	dst := &int32Field{}
	_, err = rowcodec.Deserialize(tablesFor(dst), b.Arena().Decode(int(decoded.Payload), 4))
	require.NoError(t, err)
	require.Equal(t, int32(200), dst.value)
	require.NotEqual(t, rowbuffer.NullHandle, decoded.Next)
}

func TestRejectDuplicateKeysKeepsFirstHeadOnly(t *testing.T) {
	b := rowbuffer.New(1 << 20)
	b.Init()

	_, err := b.StoreRow(keyFn(3, false), tablesFor(&int32Field{value: 1}), true)
	require.NoError(t, err)
	res, err := b.StoreRow(keyFn(3, false), tablesFor(&int32Field{value: 2}), true)
	require.NoError(t, err)
	require.Equal(t, rowbuffer.Stored, res)
	require.Equal(t, 1, b.Size())

	var keyBytes [4]byte
	binary.LittleEndian.PutUint32(keyBytes[:], 3)
	head := b.Find(keyBytes[:])
	decoded := rowbuffer.DecodeLinked(b.Arena(), head)
	require.Equal(t, rowbuffer.NullHandle, decoded.Next)
}

func TestStoreRowFatalErrorOnArenaFailure(t *testing.T) {
	require.NoError(t, failpoint.Enable("github.com/pingcap/tidb-hashjoin/pkg/executor/join/rowbuffer/arenaReserveOOM", `return(true)`))
	defer func() {
		require.NoError(t, failpoint.Disable("github.com/pingcap/tidb-hashjoin/pkg/executor/join/rowbuffer/arenaReserveOOM"))
	}()

	b := rowbuffer.New(1 << 20)
	b.Init()
	res, err := b.StoreRow(keyFn(1, false), tablesFor(&int32Field{value: 1}), false)
	require.Error(t, err)
	require.Equal(t, rowbuffer.FatalError, res)
}
