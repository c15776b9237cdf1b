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

package join

import (
	"github.com/pingcap/tidb-hashjoin/pkg/executor/internal/exec"
	"github.com/pingcap/tidb-hashjoin/pkg/executor/join/joinfield"
	"github.com/pingcap/tidb-hashjoin/pkg/executor/join/rowbuffer"
	"github.com/pingcap/tidb-hashjoin/pkg/executor/join/rowcodec"
	"github.com/pingcap/tidb-hashjoin/pkg/executor/join/spillchunk"
)

// driverState enumerates the operator's resumable positions; Driver.Read
// dispatches on it every call.
type driverState int

const (
	stateReadingProbeFromIterator driverState = iota
	stateReadingProbeFromChunk
	stateReadingProbeFromSavingFile
	stateLoadingNextChunkPair
	stateReadingFirstMatchFromHashTable
	stateReadingFurtherMatchesFromHashTable
	stateEnd
)

func (s driverState) String() string {
	switch s {
	case stateReadingProbeFromIterator:
		return "ReadingProbeFromIterator"
	case stateReadingProbeFromChunk:
		return "ReadingProbeFromChunk"
	case stateReadingProbeFromSavingFile:
		return "ReadingProbeFromSavingFile"
	case stateLoadingNextChunkPair:
		return "LoadingNextChunkPair"
	case stateReadingFirstMatchFromHashTable:
		return "ReadingFirstMatchFromHashTable"
	case stateReadingFurtherMatchesFromHashTable:
		return "ReadingFurtherMatchesFromHashTable"
	case stateEnd:
		return "End"
	default:
		return "Unknown"
	}
}

// hashMode selects which degradation strategy the join is running under.
type hashMode int

const (
	hashModeInMemory hashMode = iota
	hashModeInMemoryRefill
	hashModeSpillToDisk
)

// RowSource binds one child row stream to the row-and-key buffers the
// driver's evaluator and codec read from: the RowIterator, the packed-row
// Table descriptors for that side, and row-id bookkeeping (carried on the
// Tables themselves via rowcodec.Table.RowID).
type RowSource struct {
	Iter   exec.RowIterator
	Tables rowcodec.TableCollection

	// RequestRowID, if set, is called once after each row is fetched from
	// Iter and before it is packed, giving sibling operators (e.g.
	// duplicate weedout) a chance to assign the row-id bytes that
	// Tables[i].RowID will then read.
	RequestRowID func() error
}

// hashJoinCtx carries the fields every state handler needs. The operator
// is deliberately single-threaded: one Driver.Read call advances the whole
// machine, so there are no channels or worker pools to coordinate.
type hashJoinCtx struct {
	cfg HashJoinConfig

	evaluator joinfield.Evaluator

	build RowSource
	probe RowSource

	memTracker  *Tracker
	diskTracker *Tracker

	buf *rowbuffer.RowBuffer

	state    driverState
	hashMode hashMode

	// hashGeneration / lastBuiltGeneration let a fully in-memory hash map
	// survive re-execution without a rebuild: the caller bumps
	// hashGeneration whenever the build input genuinely changed, and Init
	// compares it against the generation recorded the last time the map
	// was built. hashGenerationSet records that the caller opted into this
	// at all; without it every Init rebuilds.
	hashGeneration      uint64
	lastBuiltGeneration uint64
	hashGenerationSet   bool

	buildExhausted    bool
	buildRowsThisPass int

	// currentChunkIndex is -1 until the first chunk pair is loaded.
	currentChunkIndex int
	numChunks         int
	buildChunks       []*spillchunk.Chunk
	probeChunks       []*spillchunk.Chunk

	// buildChunkCursor / probeChunkCursor count how many rows of the
	// current pair's build/probe chunk have been consumed so far.
	buildChunkCursor int64
	probeChunkCursor int64

	// savingWriteFile / savingReadFile implement the probe-row-saving
	// file's ping-pong lifecycle: a pass writes unmatched probe rows into
	// savingWriteFile while reading
	// the previous pass's unmatched rows from savingReadFile; when
	// savingReadFile is exhausted, savingWriteFile (now fully written)
	// becomes the new savingReadFile and a fresh savingWriteFile is
	// created for the pass after that.
	savingWriteFile  *spillchunk.Chunk
	savingReadFile   *spillchunk.Chunk
	savingReadCursor int64

	writeToSavingFile  bool
	readFromSavingFile bool

	probeRowMatched  bool
	currentChain     rowbuffer.Handle
	noEquiConditions bool

	keyScratch   []byte
	rowScratch   []byte
	chunkScratch []byte

	// memUsedLast is the arena byte count memTracker was last told about;
	// refreshMemTracker reports only the delta since this snapshot, since
	// Tracker.Consume takes a change in bytes held, not a total.
	memUsedLast int64

	killed func() bool
}

// checkKilled polls the cooperative cancellation flag; every state checks
// it before performing blocking work.
func (c *hashJoinCtx) checkKilled() bool {
	return c.killed != nil && c.killed()
}

// refreshMemTracker reports the change in c.buf's arena usage since the
// last call to memTracker, keeping the OOM-diagnostic counter in step with
// the buffer's actual footprint across StoreRow calls and buf.Init resets.
func (c *hashJoinCtx) refreshMemTracker() {
	used := int64(c.buf.Arena().PrimaryUsed())
	c.memTracker.Consume(used - c.memUsedLast)
	c.memUsedLast = used
}
