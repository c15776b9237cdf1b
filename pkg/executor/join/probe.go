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

	"github.com/pingcap/tidb-hashjoin/pkg/executor/internal/exec"
	"github.com/pingcap/tidb-hashjoin/pkg/executor/join/joinfield"
	"github.com/pingcap/tidb-hashjoin/pkg/executor/join/rowbuffer"
	"github.com/pingcap/tidb-hashjoin/pkg/executor/join/rowcodec"
)

// probeKeyFunc is buildKeyFunc's probe-side counterpart.
func (c *hashJoinCtx) probeKeyFunc() rowbuffer.KeyFunc {
	return func(dst []byte) ([]byte, bool, error) {
		return joinfield.BuildKey(c.evaluator.EvaluateProbeJoinKey, c.cfg.EquiConditions, dst)
	}
}

// initProbeIterator (re)initializes the probe child and arms its
// batch-mode hint.
func (c *hashJoinCtx) initProbeIterator(ctx context.Context) error {
	if err := c.probe.Iter.Init(ctx); err != nil {
		return errors.Trace(err)
	}
	if c.cfg.ProbeInputBatchMode {
		c.probe.Iter.StartBatchMode()
	}
	return nil
}

// decodeChainIntoBuildTables restores the build-side source row buffers
// from the packed row stored at handle: the linked-string header resolves
// to a payload handle whose remaining bytes (out to the end of their
// block) are exactly what rowcodec.Deserialize consumes.
func (c *hashJoinCtx) decodeChainIntoBuildTables(handle rowbuffer.Handle) error {
	decoded := rowbuffer.DecodeLinked(c.buf.Arena(), handle)
	src := c.buf.Arena().DecodeRemaining(int(decoded.Payload))
	_, err := rowcodec.Deserialize(c.build.Tables, src)
	return errors.Trace(err)
}

// readProbeFromIterator reads the next probe row straight from the probe
// child and looks it up in the hash table.
func (c *hashJoinCtx) readProbeFromIterator(ctx context.Context) error {
	if c.checkKilled() {
		return errCancelled
	}

	status, err := c.probe.Iter.Read(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if status == exec.RowReady {
		if c.probe.RequestRowID != nil {
			if err := c.probe.RequestRowID(); err != nil {
				return errors.Trace(err)
			}
		}
		c.probeRowMatched = false
		return c.lookupProbeRowInHashTable()
	}
	if status != exec.EOF {
		return errors.Errorf("join: unexpected RowIterator status %d", status)
	}

	c.probe.Iter.EndBatchMode()

	// The probe iterator is exhausted. Either the build side has also been
	// fully consumed (and LoadNextChunkPair will discover there is nothing
	// left to do), or we degrade into on-disk probing, or we refill the
	// in-memory buffer from the rest of the build input and re-scan the
	// probe side from scratch.
	if c.cfg.AllowSpillToDisk {
		c.hashMode = hashModeSpillToDisk
		c.state = stateLoadingNextChunkPair
		return nil
	}

	c.hashMode = hashModeInMemoryRefill
	if c.writeToSavingFile {
		// The write file accumulated every probe row left unmatched this
		// pass; it must become the read file before BuildHashTable runs
		// again, since refilling the buffer may itself re-zero bookkeeping
		// that a later InitWritingToProbeRowSavingFile depends on.
		if err := c.initReadingFromProbeRowSavingFile(); err != nil {
			return err
		}
	}

	if err := c.buildHashTable(ctx); err != nil {
		return err
	}
	switch c.state {
	case stateEnd:
		return nil
	case stateReadingProbeFromIterator:
		return c.initProbeIterator(ctx)
	case stateReadingProbeFromSavingFile:
		return nil
	default:
		return errors.Errorf("join: unexpected post-refill state %v", c.state)
	}
}

// readProbeFromChunk reads the next probe row from the current pair's
// probe chunk file and looks it up in the hash table.
func (c *hashJoinCtx) readProbeFromChunk(ctx context.Context) error {
	if c.checkKilled() {
		return errCancelled
	}

	chunk := c.probeChunks[c.currentChunkIndex]
	if c.probeChunkCursor >= chunk.NumRows() {
		if c.writeToSavingFile {
			if err := c.initReadingFromProbeRowSavingFile(); err != nil {
				return err
			}
		} else {
			c.readFromSavingFile = false
		}
		c.state = stateLoadingNextChunkPair
		return nil
	}

	row, matchFlag, _, err := chunk.ReadRecord(c.chunkScratch)
	if err != nil {
		return ErrTempFileRead.GenWithStackByArgs(err)
	}
	c.chunkScratch = row
	if _, err := rowcodec.Deserialize(c.probe.Tables, row); err != nil {
		return errors.Trace(err)
	}
	c.probeChunkCursor++
	c.probeRowMatched = matchFlag

	return c.lookupProbeRowInHashTable()
}

// readProbeFromSavingFile reads the next probe row from the probe-row-
// saving file written by the previous pass and looks it up in the hash
// table.
func (c *hashJoinCtx) readProbeFromSavingFile(ctx context.Context) error {
	if c.checkKilled() {
		return errCancelled
	}

	if c.savingReadCursor >= c.savingReadFile.NumRows() {
		if c.writeToSavingFile {
			if err := c.initReadingFromProbeRowSavingFile(); err != nil {
				return err
			}
		} else {
			c.readFromSavingFile = false
		}

		if c.hashMode == hashModeSpillToDisk {
			c.state = stateLoadingNextChunkPair
			return nil
		}

		if err := c.buildHashTable(ctx); err != nil {
			return err
		}
		if c.state == stateEnd {
			return nil
		}
		c.setReadingProbeRowState()
		return nil
	}

	row, matchFlag, _, err := c.savingReadFile.ReadRecord(c.chunkScratch)
	if err != nil {
		return ErrTempFileRead.GenWithStackByArgs(err)
	}
	c.chunkScratch = row
	if _, err := rowcodec.Deserialize(c.probe.Tables, row); err != nil {
		return errors.Trace(err)
	}
	c.savingReadCursor++
	c.probeRowMatched = matchFlag

	return c.lookupProbeRowInHashTable()
}

// lookupProbeRowInHashTable builds the probe-side join key for the row
// currently in the probe buffers and positions currentChain on its bucket
// chain (or on the whole table when there are no equi-conditions).
func (c *hashJoinCtx) lookupProbeRowInHashTable() error {
	if c.noEquiConditions {
		if c.buf.Empty() {
			c.currentChain = rowbuffer.NullHandle
		} else {
			c.currentChain = c.buf.FirstChain()
		}
		c.state = stateReadingFirstMatchFromHashTable
		return nil
	}

	key, isNull, err := c.probeKeyFunc()(c.keyScratch[:0])
	if err != nil {
		return errors.Trace(err)
	}
	if isNull {
		if c.cfg.JoinType == Anti || c.cfg.JoinType == Outer {
			c.currentChain = rowbuffer.NullHandle
			c.state = stateReadingFirstMatchFromHashTable
		} else {
			c.setReadingProbeRowState()
		}
		return nil
	}

	c.currentChain = c.buf.Find(key)
	c.state = stateReadingFirstMatchFromHashTable
	return nil
}

// onPartitioningPass reports whether we're in the on-disk partitioning
// probe pass, reading straight from the probe iterator before any chunk
// pair has been loaded — the only point at which probe rows still need to
// be written to their own chunk.
func (c *hashJoinCtx) onPartitioningPass() bool {
	return c.hashMode == hashModeSpillToDisk && c.currentChunkIndex == -1
}

// writeProbeRowToDiskIfApplicable writes the probe row to its partition's
// probe chunk (during the on-disk partitioning pass) and/or to the
// probe-row-saving file, so later passes against other parts of the build
// input can still see it. Semijoin and antijoin skip rows that already
// found a match; outer joins write every row, carrying the accumulated
// match flag.
func (c *hashJoinCtx) writeProbeRowToDiskIfApplicable() error {
	if c.state != stateReadingFirstMatchFromHashTable {
		return nil
	}
	foundMatch := c.currentChain != rowbuffer.NullHandle

	if c.cfg.JoinType == Inner || c.cfg.JoinType == Outer || !foundMatch {
		if c.onPartitioningPass() {
			key, isNull, err := c.probeKeyFunc()(c.keyScratch[:0])
			if err != nil {
				return errors.Trace(err)
			}
			// A probe row with SQL NULL in its join key can never match a
			// build row from any chunk, so only outer joins (which must
			// still null-extend it eventually) bother writing it out.
			if !isNull || c.cfg.JoinType == Outer {
				idx := 0
				if !isNull {
					idx = partitionIndex(key, c.cfg.chunkPartitionSeed(), c.numChunks)
				}
				ub := rowcodec.UpperBound(c.probe.Tables)
				if cap(c.rowScratch) < ub {
					c.rowScratch = make([]byte, ub)
				}
				n := rowcodec.Serialize(c.probe.Tables, c.rowScratch[:ub])
				if err := c.probeChunks[idx].WriteRecord(c.rowScratch[:n], foundMatch, 0); err != nil {
					return ErrTempFileWrite.GenWithStackByArgs(err)
				}
				c.diskTracker.Consume(int64(n))
			}
		}

		if c.writeToSavingFile {
			ub := rowcodec.UpperBound(c.probe.Tables)
			if cap(c.rowScratch) < ub {
				c.rowScratch = make([]byte, ub)
			}
			n := rowcodec.Serialize(c.probe.Tables, c.rowScratch[:ub])
			if err := c.savingWriteFile.WriteRecord(c.rowScratch[:n], foundMatch || c.probeRowMatched, 0); err != nil {
				return ErrTempFileWrite.GenWithStackByArgs(err)
			}
			c.diskTracker.Consume(int64(n))
		}
	}
	return nil
}

// readNextJoinedRowFromHashTable advances along the current bucket chain
// to the next entry passing the residual predicate and applies the
// join-type-specific emission rule. It returns emitted=true when a joined
// row is ready for the caller to consume (the current build/probe buffers
// hold it); otherwise the caller should re-dispatch on c.state.
func (c *hashJoinCtx) readNextJoinedRowFromHashTable() (emitted bool, err error) {
	for {
		if c.currentChain == rowbuffer.NullHandle {
			break
		}
		if err := c.decodeChainIntoBuildTables(c.currentChain); err != nil {
			return false, err
		}
		ok, err := c.evaluatePredicate()
		if err != nil {
			return false, err
		}
		if ok {
			break
		}
		decoded := rowbuffer.DecodeLinked(c.buf.Arena(), c.currentChain)
		c.currentChain = decoded.Next
	}

	if err := c.writeProbeRowToDiskIfApplicable(); err != nil {
		return false, err
	}

	if c.currentChain == rowbuffer.NullHandle {
		returnNullExtended := false
		switch {
		case c.onPartitioningPass() || c.writeToSavingFile:
			returnNullExtended = false
		case c.cfg.JoinType == Anti:
			returnNullExtended = true
		case c.cfg.JoinType == Outer && c.state == stateReadingFirstMatchFromHashTable && !c.probeRowMatched:
			returnNullExtended = true
		}

		c.setReadingProbeRowState()

		if returnNullExtended {
			c.build.Iter.SetNullRowFlag(true)
			return true, nil
		}
		return false, nil
	}

	emit := false
	switch c.cfg.JoinType {
	case Semi:
		c.setReadingProbeRowState()
		emit = true
	case Anti:
		c.setReadingProbeRowState()
		emit = false
	case Inner, Outer:
		c.state = stateReadingFurtherMatchesFromHashTable
		emit = true
	default:
		return false, errors.Errorf("join: full outer join is not supported")
	}

	decoded := rowbuffer.DecodeLinked(c.buf.Arena(), c.currentChain)
	c.currentChain = decoded.Next
	return emit, nil
}

// evaluatePredicate evaluates the AND-reduced residual predicate against
// whatever rows currently sit in the build-side and probe-side buffers.
func (c *hashJoinCtx) evaluatePredicate() (bool, error) {
	ok, err := c.evaluator.EvaluatePredicate()
	if err != nil {
		return false, ErrEvaluation.GenWithStackByArgs(err.Error())
	}
	return ok, nil
}

// setReadingProbeRowState routes the state machine to the probe source
// appropriate to the current hash mode.
func (c *hashJoinCtx) setReadingProbeRowState() {
	switch c.hashMode {
	case hashModeInMemory:
		c.state = stateReadingProbeFromIterator
	case hashModeInMemoryRefill:
		if c.cfg.JoinType == Inner {
			// Inner joins never need probe row match flags, so probe row
			// saving is never activated for them.
			c.state = stateReadingProbeFromIterator
		} else {
			c.state = stateReadingProbeFromSavingFile
		}
	case hashModeSpillToDisk:
		if c.onPartitioningPass() {
			// Still draining the raw probe input to partition it onto
			// disk; no chunk pair has been loaded yet, so there is
			// nothing in probeChunks to read from.
			c.state = stateReadingProbeFromIterator
			return
		}
		if c.readFromSavingFile {
			c.state = stateReadingProbeFromSavingFile
			return
		}
		c.state = stateReadingProbeFromChunk
	}
}

// initWritingToProbeRowSavingFile opens a fresh write target for probe
// rows this pass fails to match, so the next pass only re-examines
// genuinely unmatched rows.
func (c *hashJoinCtx) initWritingToProbeRowSavingFile() error {
	c.writeToSavingFile = true
	mode := probeRowSavingMode(c.cfg.JoinType)
	c.savingWriteFile = newSavingFileChunk(c.cfg.TempDir, mode)
	return errors.Trace(c.savingWriteFile.Init())
}

// initReadingFromProbeRowSavingFile swaps the saving files: the write
// file that accumulated this pass's unmatched probe rows becomes the read
// file for the next pass.
func (c *hashJoinCtx) initReadingFromProbeRowSavingFile() error {
	if c.savingReadFile != nil {
		if err := c.savingReadFile.Close(); err != nil {
			return errors.Trace(err)
		}
		if err := c.savingReadFile.Remove(); err != nil {
			return errors.Trace(err)
		}
	}
	c.savingReadFile = c.savingWriteFile
	c.savingWriteFile = nil
	c.savingReadCursor = 0
	c.readFromSavingFile = true
	return errors.Trace(c.savingReadFile.Rewind())
}
