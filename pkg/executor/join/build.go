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
	"math"

	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/pingcap/tidb-hashjoin/pkg/executor/internal/exec"
	"github.com/pingcap/tidb-hashjoin/pkg/executor/join/joinfield"
	"github.com/pingcap/tidb-hashjoin/pkg/executor/join/rowbuffer"
	"github.com/pingcap/tidb-hashjoin/pkg/executor/join/rowcodec"
	"github.com/pingcap/tidb-hashjoin/pkg/executor/join/spillchunk"
)

// buildKeyFunc adapts the configured equi-conditions and the Evaluator's
// build-side key evaluation method into the rowbuffer.KeyFunc shape
// RowBuffer.StoreRow requires.
func (c *hashJoinCtx) buildKeyFunc() rowbuffer.KeyFunc {
	return func(dst []byte) ([]byte, bool, error) {
		return joinfield.BuildKey(c.evaluator.EvaluateBuildJoinKey, c.cfg.EquiConditions, dst)
	}
}

// restoreLastBuildRow puts the most recently stored row back into the
// build-side source row buffers before the hash table is torn down and
// refilled. Operators below this join (e.g. a filter on the inner side of
// a nested loop) may consult those buffers as part of their own state, and
// an earlier StoreRow left whichever row was packed last, not necessarily
// the last row the build iterator produced.
func (c *hashJoinCtx) restoreLastBuildRow() error {
	last := c.buf.LastRowStored()
	if last == rowbuffer.NullHandle {
		return nil
	}
	decoded := rowbuffer.DecodeLinked(c.buf.Arena(), last)
	src := c.buf.Arena().DecodeRemaining(int(decoded.Payload))
	_, err := rowcodec.Deserialize(c.build.Tables, src)
	return err
}

// rejectDuplicateBuildKeys reports whether StoreRow should discard rows
// whose key is already present: a semi join with no residual predicate
// only ever needs to know a key exists at all, so storing more than one
// row per key wastes arena space for no observable difference in output.
func (c *hashJoinCtx) rejectDuplicateBuildKeys() bool {
	return c.cfg.JoinType == Semi && len(c.cfg.EquiConditions) > 0 && !c.hasResidualPredicate()
}

// hasResidualPredicate reports whether EvaluatePredicate is anything beyond
// the trivial always-true residual; the driver has no direct way to
// inspect the evaluator's AND-reduced predicate, so this is a config-level
// flag the caller is expected to set consistently with what its Evaluator
// actually evaluates. See HashJoinConfig.
func (c *hashJoinCtx) hasResidualPredicate() bool {
	return c.cfg.HasResidualPredicate
}

// buildHashTable fills (or refills) the hash table from the build
// iterator. It mutates c.state (and related fields) to signal the next
// state-machine transition and returns an error only on a fatal failure.
func (c *hashJoinCtx) buildHashTable(ctx context.Context) error {
	if c.buildExhausted {
		c.state = stateEnd
		return nil
	}

	if err := c.restoreLastBuildRow(); err != nil {
		return errors.Trace(err)
	}

	c.buf.Init()
	c.refreshMemTracker()
	c.buildRowsThisPass = 0

	// A prior pass (e.g. the null-extension branch of an outer join) may
	// have left the build iterator presenting an all-NULL row; clear that
	// before reading real rows into the buffer again.
	c.build.Iter.SetNullRowFlag(false)

	for {
		if c.checkKilled() {
			return errCancelled
		}

		status, err := c.build.Iter.Read(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		if status == exec.EOF {
			break
		}
		if status != exec.RowReady {
			return errors.Errorf("join: unexpected RowIterator status %d", status)
		}

		if c.build.RequestRowID != nil {
			if err := c.build.RequestRowID(); err != nil {
				return errors.Trace(err)
			}
		}

		res, err := c.buf.StoreRow(c.buildKeyFunc(), c.build.Tables, c.rejectDuplicateBuildKeys())
		if err != nil {
			return errors.Trace(err)
		}
		if res == rowbuffer.FatalError {
			return ErrOutOfMemory.GenWithStackByArgs(c.cfg.MaxMemAvailable)
		}
		c.refreshMemTracker()
		c.buildRowsThisPass++

		failpoint.Inject("forceHashBufferFull", func(val failpoint.Value) {
			if val.(bool) {
				res = rowbuffer.Full
			}
		})

		if res == rowbuffer.Stored {
			continue
		}

		// res == rowbuffer.Full.
		if !c.cfg.AllowSpillToDisk {
			if c.cfg.JoinType != Inner {
				// Unmatched probe rows from the coming pass go to the
				// saving file, so that after the next refill only genuinely
				// unmatched rows are re-examined.
				if err := c.initWritingToProbeRowSavingFile(); err != nil {
					return err
				}
			}
			c.setReadingProbeRowState()
			log.Info("hash join buffer full, refilling in memory",
				zap.Int("rowsThisPass", c.buildRowsThisPass))
			return nil
		}
		return c.spillBuild(ctx)
	}

	c.buildExhausted = true
	if c.buf.Empty() && !c.cfg.JoinType.emitsNullExtendedRows() {
		c.state = stateEnd
		return nil
	}
	// The build iterator ran dry, so this is the last time the probe side
	// will be visited; probe row saving is no longer needed.
	c.writeToSavingFile = false
	c.setReadingProbeRowState()
	return nil
}

// spillBuild degrades the join to its on-disk strategy: the buffer is
// full and spilling is permitted, so the rest of the build input is
// partitioned into on-disk chunk pairs. The rows already in the hash
// table stay there and are probed first, so their memory is not wasted.
func (c *hashJoinCtx) spillBuild(ctx context.Context) error {
	rowsInMap := c.buildRowsThisPass
	if rowsInMap < 1 {
		rowsInMap = 1
	}
	estimatedRemaining := c.cfg.EstimatedBuildRows - float64(rowsInMap)
	if estimatedRemaining < 1 {
		estimatedRemaining = 1
	}
	want := int(math.Ceil(estimatedRemaining / (0.9 * float64(rowsInMap))))
	n := nextPowerOfTwoCapped(want, c.cfg.maxChunks())

	log.Info("hash join spilling to disk",
		zap.Int("chunks", n), zap.Int("rowsInMap", rowsInMap))

	c.buildChunks = make([]*spillchunk.Chunk, n)
	c.probeChunks = make([]*spillchunk.Chunk, n)
	probeMode := spillchunk.ModePlain
	if c.cfg.JoinType == Outer {
		probeMode = spillchunk.ModeMatchFlag
	}
	for i := 0; i < n; i++ {
		c.buildChunks[i] = spillchunk.New(spillchunk.ModePlain, c.cfg.TempDir, "buildchunk")
		if err := c.buildChunks[i].Init(); err != nil {
			return errors.Trace(err)
		}
		c.probeChunks[i] = spillchunk.New(probeMode, c.cfg.TempDir, "probechunk")
		if err := c.probeChunks[i].Init(); err != nil {
			return errors.Trace(err)
		}
	}
	c.numChunks = n

	for {
		if c.checkKilled() {
			return errCancelled
		}
		status, err := c.build.Iter.Read(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		if status == exec.EOF {
			break
		}
		if status != exec.RowReady {
			return errors.Errorf("join: unexpected RowIterator status %d", status)
		}
		if c.build.RequestRowID != nil {
			if err := c.build.RequestRowID(); err != nil {
				return errors.Trace(err)
			}
		}
		if err := c.writeBuildRowToChunk(); err != nil {
			return errors.Trace(err)
		}
	}

	for _, bc := range c.buildChunks {
		if err := bc.Rewind(); err != nil {
			return ErrTempFileWrite.GenWithStackByArgs(err)
		}
	}

	c.buildExhausted = true
	c.hashMode = hashModeSpillToDisk
	c.currentChunkIndex = -1
	c.state = stateReadingProbeFromIterator
	return nil
}

// writeBuildRowToChunk packs the row currently in the build buffers and
// appends it to the build chunk selected by the partitioning hash over its
// join key.
func (c *hashJoinCtx) writeBuildRowToChunk() error {
	key, isNull, err := c.buildKeyFunc()(c.keyScratch[:0])
	if err != nil {
		return err
	}
	if isNull {
		// A build row with SQL NULL anywhere in its join key can never
		// match any probe row, so it is not worth a chunk-file round trip.
		return nil
	}
	idx := partitionIndex(key, c.cfg.chunkPartitionSeed(), c.numChunks)
	ub := rowcodec.UpperBound(c.build.Tables)
	if cap(c.rowScratch) < ub {
		c.rowScratch = make([]byte, ub)
	}
	n := rowcodec.Serialize(c.build.Tables, c.rowScratch[:ub])
	if err := c.buildChunks[idx].WriteRecord(c.rowScratch[:n], false, 0); err != nil {
		return ErrTempFileWrite.GenWithStackByArgs(err)
	}
	c.diskTracker.Consume(int64(n))
	return nil
}
