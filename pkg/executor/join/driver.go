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
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/pingcap/tidb-hashjoin/pkg/executor/internal/exec"
	"github.com/pingcap/tidb-hashjoin/pkg/executor/join/joinfield"
	"github.com/pingcap/tidb-hashjoin/pkg/executor/join/rowbuffer"
	"github.com/pingcap/tidb-hashjoin/pkg/executor/join/rowcodec"
	"github.com/pingcap/tidb-hashjoin/pkg/executor/join/spillchunk"
)

// Driver is a hybrid hash-join operator: a single-threaded, cooperative
// state machine that pulls from a build row source and a probe row source
// and exposes the Init/Read/Close surface the rest of pkg/executor expects
// from an operator.
type Driver struct {
	ctx *hashJoinCtx
}

// NewDriver constructs a Driver. evaluator, build and probe must outlive
// the Driver. killed, if non-nil, is polled before any blocking work; a
// nil killed means "never cancelled".
func NewDriver(cfg HashJoinConfig, evaluator joinfield.Evaluator, build, probe RowSource, killed func() bool) *Driver {
	return &Driver{ctx: &hashJoinCtx{
		cfg:         cfg,
		evaluator:   evaluator,
		build:       build,
		probe:       probe,
		memTracker:  NewTracker("hashJoin.mem"),
		diskTracker: NewTracker("hashJoin.disk"),
		killed:      killed,
	}}
}

// SetHashGeneration lets the caller opt into reusing the in-memory hash
// table across executions: bump generation whenever the build input
// genuinely changed. Calling this before Init with a generation equal to
// the one recorded at the end of the previous fully in-memory Init makes
// Init skip rebuilding the table entirely. Useful when this join sits on
// the right side of a nested loop and is re-initialized once per outer
// row.
func (d *Driver) SetHashGeneration(generation uint64) {
	d.ctx.hashGeneration = generation
	d.ctx.hashGenerationSet = true
}

// Init validates the configuration, builds (or reuses) the hash table
// from the build input, and positions the operator on its first probe
// source.
func (d *Driver) Init(ctx context.Context) error {
	c := d.ctx
	if c.cfg.JoinType == FullOuter {
		return errors.Errorf("join: full outer join is not supported")
	}
	if !isPowerOfTwo(c.cfg.maxChunks()) {
		return errors.Errorf("join: MaxChunks must be a power of two, got %d", c.cfg.maxChunks())
	}
	if c.cfg.hashTableSeed() == c.cfg.chunkPartitionSeed() {
		// Re-loading a chunk's build side into a map seeded like the
		// partitioning hash would cluster every key in the chunk onto the
		// same few buckets; see hash_family.go.
		return errors.Errorf("join: hash table seed and chunk partition seed must differ")
	}
	c.noEquiConditions = len(c.cfg.EquiConditions) == 0

	if c.hashGenerationSet && c.buf != nil && c.buf.Initialized() &&
		(c.hashMode == hashModeInMemory || (c.hashMode == hashModeSpillToDisk && c.numChunks == 0)) &&
		c.hashGeneration == c.lastBuiltGeneration {
		// Reuse the existing in-memory hash table without rebuilding it.
		// The carried match flag must be cleared here: a stale value from
		// the previous run could otherwise suppress a NULL-extension this
		// run should produce.
		c.probeRowMatched = false
		c.probeChunkCursor = 0
		c.currentChunkIndex = -1
		c.hashMode = hashModeInMemory

		if c.cfg.JoinType == Anti && c.noEquiConditions && !c.cfg.HasResidualPredicate && !c.buf.Empty() {
			c.state = stateEnd
			return nil
		}
		c.state = stateReadingProbeFromIterator
		c.probe.Iter.EndBatchMode()
		return c.initProbeIterator(ctx)
	}

	if err := c.build.Iter.Init(ctx); err != nil {
		return errors.Trace(err)
	}

	if c.buf == nil {
		c.buf = rowbuffer.New(c.cfg.MaxMemAvailable)
	}

	// Close any leftover files from previous executions.
	if err := c.releaseSpillFiles(); err != nil {
		log.Warn("hash join failed to release leftover spill files", zap.Error(err))
	}

	c.hashMode = hashModeInMemory
	c.writeToSavingFile = false
	c.readFromSavingFile = false
	c.buildExhausted = false
	c.currentChunkIndex = -1
	c.numChunks = 0
	c.probeRowMatched = false
	c.probeChunkCursor = 0
	c.buildChunkCursor = 0

	ub := rowcodec.UpperBound(c.build.Tables)
	if pub := rowcodec.UpperBound(c.probe.Tables); pub > ub {
		ub = pub
	}
	if ub < 256 {
		ub = 256
	}
	c.rowScratch = make([]byte, ub)
	c.keyScratch = make([]byte, 0, 64)
	c.chunkScratch = make([]byte, ub)

	c.probe.Iter.EndBatchMode()

	if err := c.buildHashTable(ctx); err != nil {
		return err
	}
	c.lastBuiltGeneration = c.hashGeneration

	if c.state == stateEnd {
		return nil
	}

	if c.cfg.JoinType == Anti && c.noEquiConditions && !c.cfg.HasResidualPredicate && !c.buf.Empty() {
		// Degenerate antijoin shortcut: with no conditions at all and a
		// non-empty build side, every probe row would be eliminated. A
		// surrounding LIMIT 1 is expected to have been inserted by the
		// planner.
		c.state = stateEnd
		return nil
	}

	c.state = stateReadingProbeFromIterator
	return c.initProbeIterator(ctx)
}

// Read produces the next joined row into the children's record buffers,
// returning RowReady, EOF, or ErrStatus. It is the top-level dispatch
// loop: each iteration resumes whatever state the previous call left the
// operator in.
func (d *Driver) Read(ctx context.Context) (exec.ReadStatus, error) {
	c := d.ctx
	for {
		if c.checkKilled() {
			return exec.ErrStatus, errCancelled
		}

		switch c.state {
		case stateLoadingNextChunkPair:
			if err := c.loadNextChunkPair(ctx); err != nil {
				return exec.ErrStatus, err
			}
		case stateReadingProbeFromIterator:
			if err := c.readProbeFromIterator(ctx); err != nil {
				return exec.ErrStatus, err
			}
		case stateReadingProbeFromChunk:
			if err := c.readProbeFromChunk(ctx); err != nil {
				return exec.ErrStatus, err
			}
		case stateReadingProbeFromSavingFile:
			if err := c.readProbeFromSavingFile(ctx); err != nil {
				return exec.ErrStatus, err
			}
		case stateReadingFirstMatchFromHashTable, stateReadingFurtherMatchesFromHashTable:
			emitted, err := c.readNextJoinedRowFromHashTable()
			if err != nil {
				return exec.ErrStatus, err
			}
			if emitted {
				return exec.RowReady, nil
			}
		case stateEnd:
			return exec.EOF, nil
		default:
			return exec.ErrStatus, errors.Errorf("join: unknown driver state %v", c.state)
		}
	}
}

// SetNullRowFlag propagates the null-row flag to both children.
func (d *Driver) SetNullRowFlag(isNullRow bool) {
	d.ctx.build.Iter.SetNullRowFlag(isNullRow)
	d.ctx.probe.Iter.SetNullRowFlag(isNullRow)
}

// UnlockRow is a no-op: rows may have been materialized through a chunk
// file round trip, so the child's row-lock API is not meaningful here.
func (d *Driver) UnlockRow() {}

// releaseSpillFiles closes and deletes every chunk file and probe-row-saving
// file currently held, returning the first error encountered while still
// attempting every release.
func (c *hashJoinCtx) releaseSpillFiles() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, ch := range c.buildChunks {
		record(ch.Close())
		record(ch.Remove())
	}
	for _, ch := range c.probeChunks {
		record(ch.Close())
		record(ch.Remove())
	}
	c.buildChunks = nil
	c.probeChunks = nil

	for _, ch := range []*spillchunk.Chunk{c.savingWriteFile, c.savingReadFile} {
		if ch == nil {
			continue
		}
		record(ch.Close())
		record(ch.Remove())
	}
	c.savingWriteFile = nil
	c.savingReadFile = nil

	c.diskTracker.Consume(-c.diskTracker.BytesConsumed())
	return firstErr
}

// Close releases every chunk file and the probe-row-saving file; all
// temporary files are deleted.
func (d *Driver) Close() error {
	c := d.ctx
	firstErr := c.releaseSpillFiles()

	c.memTracker.Consume(-c.memTracker.BytesConsumed())
	c.memUsedLast = 0

	if firstErr != nil {
		log.Warn("hash join close encountered an error", zap.Error(firstErr))
	}
	return firstErr
}
