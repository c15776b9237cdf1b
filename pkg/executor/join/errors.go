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

import "github.com/pingcap/errors"

// Sentinel error templates for the error kinds visible at the driver
// boundary. Each is instantiated at its throw site with
// GenWithStackByArgs so the resulting error carries a stack trace.
var (
	// ErrOutOfMemory is reported when a reservation fails even after
	// trying the overflow arena, or the first row fails to fit after a
	// fresh Init.
	ErrOutOfMemory = errors.Normalize(
		"hash join out of memory, attempted %d bytes",
		errors.RFCCodeText("join:outOfMemory"),
	)

	// ErrTempFileWrite covers any chunk-file or saving-file write failure.
	ErrTempFileWrite = errors.Normalize(
		"hash join temp file write failed: %s",
		errors.RFCCodeText("join:tempFileWrite"),
	)

	// ErrTempFileRead covers any chunk-file or saving-file read failure.
	ErrTempFileRead = errors.Normalize(
		"hash join temp file read failed: %s",
		errors.RFCCodeText("join:tempFileRead"),
	)

	// ErrEvaluation wraps a typed SQL error raised by an equi-condition or
	// extra predicate.
	ErrEvaluation = errors.Normalize(
		"hash join evaluation failed: %s",
		errors.RFCCodeText("join:evaluation"),
	)
)

// errCancelled is returned when the cooperative "killed" flag is observed
// set; every state checks it before blocking work.
var errCancelled = errors.New("hash join cancelled")
