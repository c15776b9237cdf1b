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
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pingcap/tidb-hashjoin/pkg/executor/join/rowbuffer"
)

func TestLengthFramedRoundTrip(t *testing.T) {
	a := rowbuffer.NewArena(0)
	for _, data := range [][]byte{
		{},
		[]byte("k"),
		[]byte("a longer key that still fits one varint byte"),
		bytes.Repeat([]byte{0xab}, 300), // length needs a two-byte varint
	} {
		h, usedOverflow, err := rowbuffer.EncodeLengthFramed(a, data)
		require.NoError(t, err)
		require.False(t, usedOverflow)
		require.Equal(t, data, rowbuffer.DecodeLengthFramed(a, h))
	}
}

// writeLinked appends one linked-string entry carrying payload, chained in
// front of next, and returns its handle.
func writeLinked(t *testing.T, a *rowbuffer.Arena, payload []byte, next rowbuffer.Handle) rowbuffer.Handle {
	t.Helper()
	buf, h, usedOverflow, err := a.Reserve(rowbuffer.RequiredBytesForEncode(len(payload)))
	require.NoError(t, err)
	require.False(t, usedOverflow)
	hdr := rowbuffer.EncodeLinkedHeader(buf, h, next)
	copy(buf[hdr:], payload)
	a.RawCommit(hdr + len(payload))
	return h
}

func TestLinkedStringChainWalksInReverseInsertionOrder(t *testing.T) {
	a := rowbuffer.NewArena(0)

	// Equal-length payloads, since a linked string's payload length is
	// implicit in its contents rather than stored in the header.
	h1 := writeLinked(t, a, []byte("alpha"), rowbuffer.NullHandle)
	h2 := writeLinked(t, a, []byte("bravo"), h1)
	h3 := writeLinked(t, a, []byte("gamma"), h2)

	var got []string
	steps := 0
	for h := h3; h != rowbuffer.NullHandle; {
		decoded := rowbuffer.DecodeLinked(a, h)
		payload := a.DecodeRemaining(int(decoded.Payload))
		got = append(got, string(payload[:5]))
		h = decoded.Next
		steps++
		require.LessOrEqual(t, steps, 3) // the chain must terminate
	}
	require.Equal(t, []string{"gamma", "bravo", "alpha"}, got)
}

func TestLinkedStringZeroDeltaMeansNoSuccessor(t *testing.T) {
	a := rowbuffer.NewArena(0)
	h := writeLinked(t, a, []byte("tail"), rowbuffer.NullHandle)

	decoded := rowbuffer.DecodeLinked(a, h)
	require.Equal(t, rowbuffer.NullHandle, decoded.Next)
	// The header of a terminal entry is exactly one zero byte.
	require.Equal(t, rowbuffer.Handle(int(h)+1), decoded.Payload)
}

func TestReserveDivertsToOverflowWhenCapacityExceeded(t *testing.T) {
	a := rowbuffer.NewArena(64)
	a.SetMaxCapacity(16)

	buf, _, usedOverflow, err := a.Reserve(8)
	require.NoError(t, err)
	require.False(t, usedOverflow)
	copy(buf, "12345678")
	a.RawCommit(8)

	buf, h, usedOverflow, err := a.Reserve(16)
	require.NoError(t, err)
	require.True(t, usedOverflow)
	copy(buf, bytes.Repeat([]byte{0x7f}, 16))

	// Overflow-resident bytes decode through the same unified handle space.
	require.Equal(t, bytes.Repeat([]byte{0x7f}, 16), a.Decode(int(h), 16))
	// Overflow bytes never count against the primary region.
	require.Equal(t, 8, a.PrimaryUsed())
}
