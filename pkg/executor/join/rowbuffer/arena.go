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

import (
	"sort"

	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
)

// defaultBlockSize is the size of a freshly forced primary block when the
// caller doesn't ask for more.
const defaultBlockSize = 32 * 1024

// arenaBlock is one bump-allocated region. Bytes are never reclaimed or
// moved once committed; Decode relies on that to hand back stable slices.
type arenaBlock struct {
	data      []byte
	committed int
	base      int // logical offset, within the arena's unified address space, of data[0]
	overflow  bool
}

// Arena is a bump allocator with a soft capacity ceiling plus an overflow
// region used when the ceiling would otherwise be crossed. Handles
// returned by Reserve/Alloc are logical byte offsets into a single unified
// address space spanning every block the arena has ever created (primary
// and overflow alike), which lets the linked string's relative-delta
// encoding work uniformly across the primary/overflow boundary without a
// separate absolute-pointer mode for overflow-resident chain links.
type Arena struct {
	blocks      []*arenaBlock
	cur         *arenaBlock // block currently receiving primary writes, nil if none yet
	blockSize   int
	capBytes    int // soft capacity; 0 means unlimited
	primaryUsed int // bytes committed in non-overflow blocks only
	nextBase    int // next unused logical offset; every block claims its full length of the address space
}

// NewArena constructs an arena that allocates blockSize bytes at a time for
// its primary region. A blockSize <= 0 selects defaultBlockSize.
func NewArena(blockSize int) *Arena {
	if blockSize <= 0 {
		blockSize = defaultBlockSize
	}
	return &Arena{blockSize: blockSize}
}

// SetMaxCapacity sets the soft ceiling, in bytes, for the primary region.
// cap == 0 means unlimited.
func (a *Arena) SetMaxCapacity(cap int) {
	a.capBytes = cap
}

// Reset drops every block, as if the arena were newly constructed. Handles
// obtained before Reset must never be dereferenced afterwards.
func (a *Arena) Reset() {
	a.blocks = a.blocks[:0]
	a.cur = nil
	a.primaryUsed = 0
	a.nextBase = 0
}

// PrimaryUsed returns the number of bytes committed into the primary
// (non-overflow) region so far.
func (a *Arena) PrimaryUsed() int {
	return a.primaryUsed
}

// Peek inspects the current primary block's remaining window without
// committing anything. It returns a nil window if there is no current
// block and an empty window if the current block has no room left; the
// caller must then call ForceNewBlock.
func (a *Arena) Peek() []byte {
	if a.cur == nil {
		return nil
	}
	return a.cur.data[a.cur.committed:]
}

// ForceNewBlock retires the current primary block and allocates a new one
// with at least minBytes of free space.
func (a *Arena) ForceNewBlock(minBytes int) {
	size := a.blockSize
	if minBytes > size {
		size = minBytes
	}
	blk := &arenaBlock{data: make([]byte, size), base: a.nextBase}
	a.blocks = append(a.blocks, blk)
	a.nextBase += size
	a.cur = blk
}

// RawCommit advances the current primary block's cursor by n bytes. It must
// only be called after the caller has written into the window returned by
// Peek, and n must not exceed the length of that window.
func (a *Arena) RawCommit(n int) int {
	handle := a.cur.base + a.cur.committed
	a.cur.committed += n
	a.primaryUsed += n
	return handle
}

// Alloc is a safe, indivisible allocate-and-commit used by the overflow
// path: it always succeeds (barring true out-of-memory) and returns a
// window the caller can write into immediately, already committed. Unlike
// RawCommit, bytes allocated here never count against the soft capacity.
func (a *Arena) Alloc(n int) (handle int, buf []byte) {
	blk := &arenaBlock{data: make([]byte, n), committed: n, base: a.nextBase, overflow: true}
	a.blocks = append(a.blocks, blk)
	a.nextBase += n
	return blk.base, blk.data
}

// Decode returns the n bytes starting at handle, wherever they were
// allocated (primary or overflow).
func (a *Arena) Decode(handle, n int) []byte {
	blk := a.blockFor(handle)
	off := handle - blk.base
	return blk.data[off : off+n]
}

// DecodeRemaining returns every byte from handle to the end of the block
// that contains it. It is used to decode a packed row out of a linked
// string's payload, whose length is implicit in the row's own encoding
// rather than stored alongside it: since Reserve never lets a single
// reservation straddle two blocks, the bytes a packed row actually
// occupies are always a prefix of this returned slice, and
// rowcodec.Deserialize stops consuming exactly where that row ends.
func (a *Arena) DecodeRemaining(handle int) []byte {
	blk := a.blockFor(handle)
	off := handle - blk.base
	return blk.data[off:blk.committed]
}

// blockFor locates the block containing a given logical offset. Blocks are
// created in strictly increasing base order, so a binary search suffices.
func (a *Arena) blockFor(handle int) *arenaBlock {
	idx := sort.Search(len(a.blocks), func(i int) bool {
		return a.blocks[i].base+len(a.blocks[i].data) > handle
	})
	return a.blocks[idx]
}

// willExceedCapacity reports whether reserving n more primary bytes would
// cross the soft ceiling (a capBytes of 0 means unlimited, so it never
// reports true).
func (a *Arena) willExceedCapacity(n int) bool {
	if a.capBytes <= 0 {
		return false
	}
	return a.primaryUsed+n > a.capBytes
}

// Reserve obtains n contiguous bytes to write into, preferring the primary
// region. If the primary region cannot serve the reservation without
// strictly exceeding the soft capacity, the reservation is diverted to the
// overflow region and usedOverflow is reported true. The caller must write
// exactly n bytes into the returned slice and, when usedOverflow is false,
// call RawCommit(n) afterwards (overflow allocations are already
// committed). Reserve never fails except on a true allocation failure,
// which in Go practice is unreachable; a failpoint lets tests exercise the
// FatalError path callers must handle.
func (a *Arena) Reserve(n int) (buf []byte, handle Handle, usedOverflow bool, err error) {
	failpoint.Inject("arenaReserveOOM", func(val failpoint.Value) {
		if val.(bool) {
			err = errors.New("rowbuffer: simulated out-of-memory in Arena.Reserve")
		}
	})
	if err != nil {
		return nil, NullHandle, false, err
	}

	if a.willExceedCapacity(n) {
		h, buf := a.Alloc(n)
		return buf, Handle(h), true, nil
	}
	if window := a.Peek(); len(window) >= n {
		h := Handle(a.cur.base + a.cur.committed)
		return window[:n], h, false, nil
	}
	a.ForceNewBlock(n)
	h := Handle(a.cur.base + a.cur.committed)
	return a.Peek()[:n], h, false, nil
}
