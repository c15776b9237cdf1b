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
	"context"

	"github.com/pingcap/errors"

	"github.com/pingcap/tidb-hashjoin/pkg/executor/join/rowbuffer"
	"github.com/pingcap/tidb-hashjoin/pkg/executor/join/rowcodec"
	"github.com/pingcap/tidb-hashjoin/pkg/executor/join/spillchunk"
)

// probeRowSavingMode picks the probe-row-saving file's record layout:
// match flags are only meaningful (and only ever consulted) for outer
// joins.
func probeRowSavingMode(jt JoinType) spillchunk.Mode {
	if jt == Outer {
		return spillchunk.ModeMatchFlag
	}
	return spillchunk.ModePlain
}

// newSavingFileChunk constructs (but does not Init) a probe-row-saving
// file chunk.
func newSavingFileChunk(dir string, mode spillchunk.Mode) *spillchunk.Chunk {
	return spillchunk.New(mode, dir, "probesaving")
}

// loadNextChunkPair advances to the next on-disk chunk pair (or stays on
// the current one when its build chunk spans multiple hash table fills),
// refills the hash table from the build chunk, and rewinds the matching
// probe chunk for the coming probe pass.
func (c *hashJoinCtx) loadNextChunkPair(ctx context.Context) error {
	if c.checkKilled() {
		return errCancelled
	}

	moveToNext := false
	switch {
	case c.currentChunkIndex == -1:
		moveToNext = true
	case c.buildChunkCursor >= c.buildChunks[c.currentChunkIndex].NumRows():
		moveToNext = true
	case c.probeChunks[c.currentChunkIndex].NumRows() == 0:
		moveToNext = true
	}

	if moveToNext {
		c.currentChunkIndex++
		c.buildChunkCursor = 0
		c.readFromSavingFile = false
	}

	if c.currentChunkIndex >= c.numChunks {
		c.state = stateEnd
		return nil
	}

	c.buf.Init()
	c.refreshMemTracker()
	c.build.Iter.SetNullRowFlag(false)

	buildChunk := c.buildChunks[c.currentChunkIndex]
	rejectDup := c.rejectDuplicateBuildKeys()
	for ; c.buildChunkCursor < buildChunk.NumRows(); c.buildChunkCursor++ {
		row, _, _, err := buildChunk.ReadRecord(c.chunkScratch)
		if err != nil {
			return ErrTempFileRead.GenWithStackByArgs(err)
		}
		c.chunkScratch = row
		if _, err := rowcodec.Deserialize(c.build.Tables, row); err != nil {
			return errors.Trace(err)
		}

		res, err := c.buf.StoreRow(c.buildKeyFunc(), c.build.Tables, rejectDup)
		if err != nil {
			return errors.Trace(err)
		}
		if res == rowbuffer.FatalError {
			return ErrOutOfMemory.GenWithStackByArgs(c.cfg.MaxMemAvailable)
		}
		c.refreshMemTracker()
		if res == rowbuffer.Full {
			// The row at the current cursor position was stored
			// successfully (StoreRow never fails midway); only the
			// fullness signal, not the row itself, needs to carry over
			// to the next invocation of this function, so advance past
			// it before breaking.
			c.buildChunkCursor++
			break
		}
	}

	if err := c.probeChunks[c.currentChunkIndex].Rewind(); err != nil {
		return ErrTempFileRead.GenWithStackByArgs(err)
	}
	c.probeChunkCursor = 0
	c.setReadingProbeRowState()

	if c.buildChunkCursor < buildChunk.NumRows() && c.cfg.JoinType != Inner {
		// The build chunk did not fit into memory in one pass, so the hash
		// table will be refilled from the rest of it once this probe pass
		// is done. Route this pass's unmatched probe rows into the saving
		// file so the next pass (against the refilled table) does not
		// double-emit them.
		return c.initWritingToProbeRowSavingFile()
	}
	c.writeToSavingFile = false
	return nil
}
