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

import "sync/atomic"

// Tracker accumulates the memory or disk footprint of one join instance
// for diagnostics, in the same Consume/BytesConsumed shape the wider
// executor's resource trackers use.
type Tracker struct {
	label    string
	consumed int64
}

// NewTracker creates a tracker identified by label, used only in log
// fields and OOM diagnostics.
func NewTracker(label string) *Tracker {
	return &Tracker{label: label}
}

// Consume records a (possibly negative) change in bytes held.
func (t *Tracker) Consume(bytes int64) {
	atomic.AddInt64(&t.consumed, bytes)
}

// BytesConsumed returns the current tracked byte count.
func (t *Tracker) BytesConsumed() int64 {
	return atomic.LoadInt64(&t.consumed)
}

// Label returns the tracker's diagnostic label.
func (t *Tracker) Label() string {
	return t.label
}
