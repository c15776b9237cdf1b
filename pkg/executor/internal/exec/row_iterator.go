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

// Package exec defines the capability seam between the hash-join driver and
// its child row streams. The driver never knows whether a RowIterator is
// backed by a table scan, a nested loop, or another join above it; it only
// calls the methods declared here.
package exec

import "context"

// ReadStatus is the outcome of a single RowIterator.Read call.
type ReadStatus int

const (
	// RowReady means a row is available and has been written into the
	// iterator's own record buffers.
	RowReady ReadStatus = 0
	// EOF means the iterator is exhausted.
	EOF ReadStatus = -1
	// ErrStatus means a fatal error occurred; the error returned alongside
	// it carries the details.
	ErrStatus ReadStatus = 1
)

// RowIterator is a pull-based child row stream:
// init/read/set-null-row-flag/batch-mode-toggle.
// A row's contents are never returned by value; Read leaves them sitting in
// whatever record buffers the concrete iterator owns, and callers consult
// those buffers (via joinfield.Field/Evaluator) before the next Read call
// invalidates them.
type RowIterator interface {
	// Init prepares the iterator to be read; it may be called more than
	// once over the iterator's lifetime (e.g. when the hash-join driver
	// needs to re-scan the probe input for a refill pass).
	Init(ctx context.Context) error

	// Read advances to the next row. Implementations must check the
	// cooperative cancellation signal carried on ctx before performing any
	// blocking work.
	Read(ctx context.Context) (ReadStatus, error)

	// SetNullRowFlag tells the iterator (and transitively its own
	// children) whether the row it should present from now on is a
	// null-extended placeholder, used when an outer join null-extends its
	// build side.
	SetNullRowFlag(isNullRow bool)

	// StartBatchMode hints that the iterator may buffer and return rows in
	// batches internally; it is purely an optimization hint.
	StartBatchMode()

	// EndBatchMode ends a batching hint previously started.
	EndBatchMode()
}
