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

package rowbuffer

import "encoding/binary"

// Handle is a logical offset into an Arena's unified address space:
// stable for the lifetime of the arena, never relocated.
type Handle int

// NullHandle is the handle that denotes "no value" / "no successor".
const NullHandle Handle = -1

// maxVarintBytes bounds the base-128 varint encoding of any uint64, which
// is exactly binary.MaxVarintLen64.
const maxVarintBytes = binary.MaxVarintLen64

// RequiredBytesForEncode returns an upper bound on the space needed to
// encode a string of the given length, for both the length-framed and
// linked string formats (the varint header dominates the same way in both).
func RequiredBytesForEncode(length int) int {
	return maxVarintBytes + length
}

// EncodeLengthFramed writes data into the arena as
// varint64(len(data)) || data, reserving (and, for the primary region,
// shrinking back down to) only the bytes actually used. It returns the
// handle at which the encoding starts.
func EncodeLengthFramed(a *Arena, data []byte) (Handle, bool, error) {
	n := RequiredBytesForEncode(len(data))
	buf, handle, usedOverflow, err := a.Reserve(n)
	if err != nil {
		return NullHandle, false, err
	}
	written := binary.PutUvarint(buf, uint64(len(data)))
	written += copy(buf[written:], data)
	if !usedOverflow {
		a.RawCommit(written)
	}
	return handle, usedOverflow, nil
}

// DecodeLengthFramed returns the bytes previously stored at handle by
// EncodeLengthFramed.
func DecodeLengthFramed(a *Arena, handle Handle) []byte {
	// The length varint is at most maxVarintBytes long; decode it directly
	// against the arena's backing block rather than guessing a window size.
	blk := a.blockFor(int(handle))
	off := int(handle) - blk.base
	length, n := binary.Uvarint(blk.data[off:])
	start := off + n
	return blk.data[start : start+int(length)]
}

// zigZagEncode maps a signed delta onto an unsigned varint the same way
// protobuf does: small magnitude deltas (positive or negative) stay small.
func zigZagEncode(v int64) uint64 {
	return (uint64(v) << 1) ^ uint64(v>>63)
}

func zigZagDecode(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}

// EncodeLinkedHeader writes only the header of a linked string — the
// zigzag-encoded relative offset to next, or a single zero byte if next is
// NullHandle — into buf starting at logical offset base. It returns the
// number of header bytes written; the caller is responsible for writing the
// payload immediately afterwards and committing the combined total.
func EncodeLinkedHeader(buf []byte, base Handle, next Handle) int {
	if next == NullHandle {
		buf[0] = 0
		return 1
	}
	delta := int64(next) - int64(base)
	return binary.PutUvarint(buf, zigZagEncode(delta))
}

// DecodedLinked is what DecodeLinked resolves a linked string's header to:
// the handle of the payload bytes, and the handle of the next entry in the
// chain (NullHandle if this is the chain's end).
type DecodedLinked struct {
	Payload Handle
	Next    Handle
}

// DecodeLinked reads the header at handle and resolves the next pointer
// relative to handle itself: the successor's handle equals this header's
// base plus the zig-zag-decoded signed delta.
func DecodeLinked(a *Arena, handle Handle) DecodedLinked {
	blk := a.blockFor(int(handle))
	off := int(handle) - blk.base
	raw, n := binary.Uvarint(blk.data[off:])
	payload := Handle(int(handle) + n)
	if raw == 0 {
		return DecodedLinked{Payload: payload, Next: NullHandle}
	}
	delta := zigZagDecode(raw)
	return DecodedLinked{Payload: payload, Next: Handle(int64(handle) + delta)}
}
