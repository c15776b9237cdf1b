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
	"github.com/dolthub/swiss"
	"github.com/pingcap/errors"

	"github.com/pingcap/tidb-hashjoin/pkg/executor/join/rowcodec"
)

// StoreResult is the outcome of a single StoreRow call.
type StoreResult int

const (
	// Stored means the row (or its key, if a NULL key or a rejected
	// duplicate) was accepted; the buffer is not yet full.
	Stored StoreResult = iota
	// Full means the row was stored, but the buffer has now reached its
	// memory ceiling and must not accept more rows until cleared.
	Full
	// FatalError means an unrecoverable allocation failure occurred.
	FatalError
)

// entryOverheadBytes approximates the per-bucket memory cost of the backing
// swiss.Map, folding the hash table's own bookkeeping into the "total
// bytes used" estimate that drives fullness detection.
const entryOverheadBytes = 48

// KeyFunc builds the join key for the row currently sitting in the source
// buffers, appending onto dst (which has length 0 but spare capacity) to
// avoid a fresh allocation per row. It reports isNull if any underlying
// equi-condition evaluated to SQL NULL.
type KeyFunc func(dst []byte) (key []byte, isNull bool, err error)

// RowBuffer is a chaining hash multimap from a join key to the chain of
// packed build rows sharing that key. Keys and values both live in the
// same Arena, giving spatial locality on probe.
type RowBuffer struct {
	arena           *Arena
	m               *swiss.Map[string, Handle]
	maxMemAvailable int
	scratch         []byte
	lastRowStored   Handle

	// calledSinceInit becomes true once the first real storage attempt
	// (i.e. a row whose key was not NULL) has run to completion. Until
	// then the arena's capacity is unlimited, guaranteeing the first row
	// is always admitted — see Init and StoreRow.
	calledSinceInit bool
}

// New constructs a RowBuffer with the given memory ceiling. Init must be
// called before use.
func New(maxMemAvailable int) *RowBuffer {
	return &RowBuffer{
		arena:           NewArena(0),
		maxMemAvailable: maxMemAvailable,
		lastRowStored:   NullHandle,
	}
}

// Init (re)initializes the buffer: any prior map is dropped, the arena is
// cleared, and the capacity is set to unlimited for exactly the first row
// stored after this call, then reset to the configured ceiling. The first
// StoreRow after Init can therefore never report Full.
func (b *RowBuffer) Init() {
	b.arena.Reset()
	b.m = swiss.NewMap[string, Handle](16)
	b.arena.SetMaxCapacity(0)
	b.lastRowStored = NullHandle
	b.calledSinceInit = false
}

// Initialized reports whether Init has been called.
func (b *RowBuffer) Initialized() bool {
	return b.m != nil
}

// Size returns the number of distinct keys currently stored.
func (b *RowBuffer) Size() int {
	if b.m == nil {
		return 0
	}
	return b.m.Count()
}

// Empty reports whether the buffer holds no keys.
func (b *RowBuffer) Empty() bool {
	return b.Size() == 0
}

// LastRowStored returns the chain entry most recently written by StoreRow,
// or NullHandle if nothing has been stored since Init. The driver uses this
// to restore the build side's source row buffers before tearing the map
// down.
func (b *RowBuffer) LastRowStored() Handle {
	return b.lastRowStored
}

// Find returns the chain head for key, or NullHandle if the key is absent.
func (b *RowBuffer) Find(key []byte) Handle {
	head, ok := b.m.Get(string(key))
	if !ok {
		return NullHandle
	}
	return head
}

// FirstChain returns the head of an arbitrary chain in the map, used by the
// driver when there are no equi-conditions at all and the lookup degenerates
// into a full scan over every stored row (they all share the empty key, so
// one chain holds the whole table).
func (b *RowBuffer) FirstChain() Handle {
	head := NullHandle
	b.m.Iter(func(_ string, v Handle) bool {
		head = v
		return true // stop after the first entry
	})
	return head
}

// Arena exposes the backing arena so the driver can decode chain entries
// with DecodeLinked / rowcodec.Deserialize.
func (b *RowBuffer) Arena() *Arena {
	return b.arena
}

// StoreRow computes the join key for the row currently sitting in the
// source buffers (via keyFn), packs that row (described by tables) into the
// arena, and links it into the bucket chain for its key, becoming the new
// chain head. Full means the row was stored but the buffer has reached its
// ceiling; the caller must stop storing and either spill or probe.
func (b *RowBuffer) StoreRow(keyFn KeyFunc, tables rowcodec.TableCollection, rejectDuplicateKeys bool) (StoreResult, error) {
	key, isNull, err := keyFn(b.scratch[:0])
	if err != nil {
		return FatalError, errors.Trace(err)
	}
	if isNull {
		// A NULL join key can never match anything via hash lookup in any
		// join variant, so there is no reason to pay for storing it; this
		// is a safe, behavior-preserving optimization over writing the key
		// and simply never finding it later.
		return Stored, nil
	}
	if cap(key) > cap(b.scratch) {
		// keyFn appended past the scratch buffer's capacity; keep the grown
		// backing array for the next row (the key's bytes are copied below
		// before this buffer is reused).
		b.scratch = key
	}

	firstRowSinceInit := !b.calledSinceInit
	b.calledSinceInit = true

	keyStr := string(key)
	oldHead, existed := b.m.Get(keyStr)
	if existed && rejectDuplicateKeys {
		return Stored, nil
	}

	overflowUsed := false
	if !existed {
		_, usedOverflow, err := EncodeLengthFramed(b.arena, key)
		if err != nil {
			return FatalError, errors.Trace(err)
		}
		overflowUsed = overflowUsed || usedOverflow
	}

	next := NullHandle
	if existed {
		next = oldHead
	}

	rowUpperBound := rowcodec.UpperBound(tables)
	reserveLen := RequiredBytesForEncode(rowUpperBound)
	buf, handle, usedOverflow, err := b.arena.Reserve(reserveLen)
	if err != nil {
		return FatalError, errors.Trace(err)
	}
	overflowUsed = overflowUsed || usedOverflow

	headerLen := EncodeLinkedHeader(buf, handle, next)
	payloadLen := rowcodec.Serialize(tables, buf[headerLen:])
	written := headerLen + payloadLen
	if !usedOverflow {
		b.arena.RawCommit(written)
	}

	b.m.Put(keyStr, handle)
	b.lastRowStored = handle

	if firstRowSinceInit {
		// cap was 0 throughout this call, so nothing above could have used
		// overflow; now that a row exists, arm the real ceiling for every
		// subsequent call.
		b.refreshCapacity()
		return Stored, nil
	}

	if overflowUsed {
		return Full, nil
	}
	if !existed {
		b.refreshCapacity()
	}
	return b.fullnessAfterRefresh(), nil
}

// refreshCapacity recomputes the arena's soft cap from the current map size
// estimate, so the ceiling accounts for the map's own bookkeeping as well
// as the arena bytes.
func (b *RowBuffer) refreshCapacity() {
	mapUsage := b.m.Count() * entryOverheadBytes
	if b.arena.PrimaryUsed()+mapUsage >= b.maxMemAvailable {
		b.arena.SetMaxCapacity(1)
		return
	}
	b.arena.SetMaxCapacity(b.maxMemAvailable - mapUsage)
}

// fullnessAfterRefresh reports Full if the most recent refreshCapacity call
// found the buffer already at or over its ceiling.
func (b *RowBuffer) fullnessAfterRefresh() StoreResult {
	mapUsage := b.m.Count() * entryOverheadBytes
	if b.arena.PrimaryUsed()+mapUsage >= b.maxMemAvailable {
		return Full
	}
	return Stored
}
