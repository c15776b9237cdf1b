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

package spillchunk_test

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pingcap/tidb-hashjoin/pkg/executor/join/spillchunk"
)

func newChunk(t *testing.T, mode spillchunk.Mode) *spillchunk.Chunk {
	c := spillchunk.New(mode, t.TempDir(), "testchunk")
	require.NoError(t, c.Init())
	t.Cleanup(func() {
		require.NoError(t, c.Close())
		require.NoError(t, c.Remove())
	})
	return c
}

func TestWriteReadRoundTripPlain(t *testing.T) {
	c := newChunk(t, spillchunk.ModePlain)

	rows := [][]byte{[]byte("hello"), []byte(""), []byte("world!!")}
	for _, r := range rows {
		require.NoError(t, c.WriteRecord(r, false, 0))
	}
	require.EqualValues(t, len(rows), c.NumRows())

	require.NoError(t, c.Rewind())
	var got [][]byte
	for {
		row, _, _, err := c.ReadRecord(nil)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, append([]byte{}, row...))
	}
	require.Len(t, got, len(rows))
	for i := range rows {
		require.Equal(t, rows[i], got[i])
	}
}

func TestMatchFlagCarried(t *testing.T) {
	c := newChunk(t, spillchunk.ModeMatchFlag)

	require.NoError(t, c.WriteRecord([]byte("a"), true, 0))
	require.NoError(t, c.WriteRecord([]byte("b"), false, 0))
	require.NoError(t, c.Rewind())

	_, flag1, _, err := c.ReadRecord(nil)
	require.NoError(t, err)
	require.True(t, flag1)

	_, flag2, _, err := c.ReadRecord(nil)
	require.NoError(t, err)
	require.False(t, flag2)

	_, _, _, err = c.ReadRecord(nil)
	require.Equal(t, io.EOF, err)
}

func TestFileSetNoCarried(t *testing.T) {
	c := newChunk(t, spillchunk.ModeFileSetNo)

	require.NoError(t, c.WriteRecord([]byte("x"), false, 3))
	require.NoError(t, c.Rewind())

	_, _, setNo, err := c.ReadRecord(nil)
	require.NoError(t, err)
	require.EqualValues(t, 3, setNo)
}

func TestSetAppendResumesAfterRead(t *testing.T) {
	c := newChunk(t, spillchunk.ModePlain)

	require.NoError(t, c.WriteRecord([]byte("first"), false, 0))
	require.NoError(t, c.Rewind())

	row, _, _, err := c.ReadRecord(nil)
	require.NoError(t, err)
	require.Equal(t, "first", string(row))

	require.NoError(t, c.SetAppend())
	require.NoError(t, c.WriteRecord([]byte("second"), false, 0))
	require.EqualValues(t, 2, c.NumRows())

	require.NoError(t, c.Rewind())
	row1, _, _, err := c.ReadRecord(nil)
	require.NoError(t, err)
	row2, _, _, err := c.ReadRecord(nil)
	require.NoError(t, err)
	require.Equal(t, "first", string(row1))
	require.Equal(t, "second", string(row2))
}

func TestContinueReadResumesMidStream(t *testing.T) {
	c := newChunk(t, spillchunk.ModePlain)

	require.NoError(t, c.WriteRecord([]byte("one"), false, 0))
	require.NoError(t, c.WriteRecord([]byte("two"), false, 0))
	require.NoError(t, c.WriteRecord([]byte("three"), false, 0))
	require.NoError(t, c.Rewind())

	first, _, _, err := c.ReadRecord(nil)
	require.NoError(t, err)
	require.Equal(t, "one", string(first))

	require.NoError(t, c.SetAppend())
	require.NoError(t, c.WriteRecord([]byte("inserted"), false, 0))

	require.NoError(t, c.ContinueRead())
	second, _, _, err := c.ReadRecord(nil)
	require.NoError(t, err)
	require.Equal(t, "two", string(second))
}

func TestRemoveDeletesBackingFile(t *testing.T) {
	c := spillchunk.New(spillchunk.ModePlain, t.TempDir(), "gone")
	require.NoError(t, c.Init())
	path := c.Path()
	require.NoError(t, c.Close())
	require.NoError(t, c.Remove())
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}
