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

// Package join implements a hybrid hash-join execution core: a
// single-threaded, cooperative state machine driving a hash row buffer, an
// arena allocator, and spill-to-disk chunk files through
// build/probe/spill/refill. It is a context-free, embeddable core: the
// SQL layers around it (parser, planner, expression evaluation, storage
// iterators) are reached only through the seams in
// pkg/executor/internal/exec and pkg/executor/join/joinfield.
package join

import "github.com/pingcap/tidb-hashjoin/pkg/executor/join/joinfield"

// JoinType enumerates the join variants this core supports. FullOuter is
// explicitly unsupported: it exists only so a caller's misconfiguration
// fails loud at Init rather than silently misbehaving mid-probe.
type JoinType int

const (
	// Inner keeps only rows with at least one match.
	Inner JoinType = iota
	// Outer (left outer) null-extends probe rows with no match.
	Outer
	// Semi emits each probe row that has at least one match exactly once.
	Semi
	// Anti emits the probe row only when it has no match at all.
	Anti
	// FullOuter is explicitly unsupported.
	FullOuter
)

func (t JoinType) String() string {
	switch t {
	case Inner:
		return "inner"
	case Outer:
		return "outer"
	case Semi:
		return "semi"
	case Anti:
		return "anti"
	case FullOuter:
		return "full-outer"
	default:
		return "unknown"
	}
}

// emitsNullExtendedRows reports whether this join type must still visit the
// probe input (and potentially emit null-extended rows) even when the
// build side turns out to be empty.
func (t JoinType) emitsNullExtendedRows() bool {
	return t == Outer || t == Anti
}

// defaultMaxChunks bounds the power-of-two chunk count chosen on spill,
// keeping the number of open temp files from exhausting the process's
// file-descriptor budget.
const defaultMaxChunks = 128

// HashJoinConfig configures one join instance. The operator is configured
// by planner-assigned struct fields, not by a parsed config file, so there
// is no separate parsing layer.
type HashJoinConfig struct {
	JoinType JoinType

	// AllowSpillToDisk selects the on-disk partitioned strategy once the
	// hash buffer reports Full; when false, the in-memory-with-refill
	// strategy is used instead, at the cost of re-reading the probe input.
	AllowSpillToDisk bool

	// ProbeInputBatchMode, when true, makes the driver call the probe
	// iterator's StartBatchMode each time it (re)initializes it;
	// EndBatchMode is called regardless of this flag. The driver never
	// infers this from iterator type tags; the caller states it
	// explicitly.
	ProbeInputBatchMode bool

	// MaxMemAvailable bounds the hash row buffer's primary arena; reported
	// as the "attempted allocation" in OOM diagnostics.
	MaxMemAvailable int

	// MaxChunks upper-bounds the power-of-two chunk count chosen on
	// spill. Zero selects defaultMaxChunks.
	MaxChunks int

	// EstimatedBuildRows feeds the chunk-count formula used when the
	// buffer fills and the remaining build input is partitioned to disk.
	EstimatedBuildRows float64

	// EquiConditions are the build_col_i = probe_col_i conditions whose
	// concatenated encoded bytes form the join key.
	EquiConditions []joinfield.Condition

	// HasResidualPredicate tells the driver whether Evaluator.EvaluatePredicate
	// is anything beyond a trivial always-true AND-reduction. It gates the
	// duplicate-key rejection a semi join otherwise applies while building,
	// since a semi join can only skip storing duplicate keys when no
	// residual predicate might still distinguish between rows sharing a
	// key.
	HasResidualPredicate bool

	// HashTableSeed / ChunkPartitionSeed must differ; zero selects the
	// package defaults (see hash_family.go).
	HashTableSeed      uint64
	ChunkPartitionSeed uint64

	// StoreRowIDs and TablesToGetRowIDFor control row-id bookkeeping,
	// consumed by rowcodec.Table.RowID wiring at the call site that
	// constructs the packed-row table descriptors.
	StoreRowIDs         bool
	TablesToGetRowIDFor map[int]bool

	// TempDir is the directory spill chunk files and the probe-row-saving
	// file are created in; empty selects os.TempDir().
	TempDir string
}

func (c *HashJoinConfig) maxChunks() int {
	if c.MaxChunks <= 0 {
		return defaultMaxChunks
	}
	return c.MaxChunks
}

func (c *HashJoinConfig) hashTableSeed() uint64 {
	if c.HashTableSeed == 0 {
		return defaultHashTableSeed
	}
	return c.HashTableSeed
}

func (c *HashJoinConfig) chunkPartitionSeed() uint64 {
	if c.ChunkPartitionSeed == 0 {
		return defaultChunkPartitionSeed
	}
	return c.ChunkPartitionSeed
}
