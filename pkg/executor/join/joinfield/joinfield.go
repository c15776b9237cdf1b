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

// Package joinfield defines the type-system and expression-evaluator seams
// the hash-join driver consumes but never implements itself: a single
// column's pack/unpack/null-check contract, and the evaluator entry points
// for join-key encoding and residual-predicate evaluation.
package joinfield

import "github.com/pingcap/tidb-hashjoin/pkg/executor/join/rowcodec"

// Field is the driver-facing alias of rowcodec.Field: one projected
// column's current value, as owned by the type system. Kept as a distinct
// name in this package so callers wiring up a join only need to import
// joinfield, not reach into rowcodec directly for the collaborator
// contract.
type Field = rowcodec.Field

// Condition identifies one equi-join condition: a build-side expression and
// a probe-side expression whose encoded bytes must compare byte-equal for a
// match. The encoding is chosen by the evaluator so that equality under
// SQL comparison semantics coincides with byte equality.
type Condition struct {
	// Name is diagnostic only (used in log fields and error messages).
	Name string
}

// KeyEvalFunc evaluates one condition against whichever row is currently
// sitting in a side's record buffers, appending the encoded bytes onto dst
// (which may already hold the bytes of earlier conditions). isNull reports whether the
// underlying expression evaluated to SQL NULL, in which case out must be
// ignored.
type KeyEvalFunc func(cond Condition, dst []byte) (out []byte, isNull bool, err error)

// Evaluator is the expression-evaluator seam: build-side and probe-side key
// evaluation are named separately (rather than inferred from a mode flag)
// because the driver routinely needs to evaluate one side's key while the
// other side's row buffers are mid-decode, e.g. while pairing a probe row
// against a build-side chain entry just unpacked from the arena.
type Evaluator interface {
	// EvaluateBuildJoinKey evaluates cond against the row currently
	// sitting in the build side's record buffers.
	EvaluateBuildJoinKey(cond Condition, dst []byte) (out []byte, isNull bool, err error)

	// EvaluateProbeJoinKey evaluates cond against the row currently
	// sitting in the probe side's record buffers.
	EvaluateProbeJoinKey(cond Condition, dst []byte) (out []byte, isNull bool, err error)

	// EvaluatePredicate evaluates the AND-reduced residual predicate
	// against whatever rows are currently sitting in the build-side and
	// probe-side buffers.
	EvaluatePredicate() (bool, error)
}

// BuildKey concatenates the per-condition encoded bytes for every condition
// in conds into dst, in order, using evalFn (ordinarily one of an
// Evaluator's two key-evaluation methods) to encode each condition. It
// reports isNull true (and returns immediately, without evaluating the
// remaining conditions) the moment any single condition evaluates to NULL:
// a single NULL anywhere in the key makes the whole key unusable for a
// hash lookup.
func BuildKey(evalFn KeyEvalFunc, conds []Condition, dst []byte) (out []byte, isNull bool, err error) {
	out = dst
	for _, cond := range conds {
		var condNull bool
		out, condNull, err = evalFn(cond, out)
		if err != nil {
			return nil, false, err
		}
		if condNull {
			return nil, true, nil
		}
	}
	return out, false, nil
}
