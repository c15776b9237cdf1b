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

import "github.com/cespare/xxhash/v2"

// defaultHashTableSeed and defaultChunkPartitionSeed are the defaults of
// HashJoinConfig's two seeds. Only the partition seed feeds xxHash64 here;
// the in-memory map is a swiss.Map that hashes with its own per-map seed,
// and the hash table seed is only checked at Init to differ from the
// partition seed. A map seeded like the partitioning hash would cluster
// every key of a reloaded chunk into the same few buckets, since they all
// already agree on the low log2(N) bits of the partitioning hash.
const (
	defaultHashTableSeed      uint64 = 156211
	defaultChunkPartitionSeed uint64 = 899339
	emptyKeySentinelHash      uint64 = 0xcbf29ce484222325 // FNV offset basis, used only as a nonzero stand-in
)

// hashKey hashes key with seed using xxHash64. An empty key (legal, e.g.
// every join condition evaluating to an empty string) never reaches the
// underlying digest; a fixed non-zero sentinel stands in for it.
func hashKey(key []byte, seed uint64) uint64 {
	if len(key) == 0 {
		return emptyKeySentinelHash
	}
	d := xxhash.NewWithSeed(seed)
	_, _ = d.Write(key) // xxhash.Digest.Write never returns an error
	return d.Sum64()
}

// partitionIndex returns the chunk-pair index a key routes to. n is a
// power of two, so the modulo reduces to a bitwise AND.
func partitionIndex(key []byte, seed uint64, n int) int {
	return int(hashKey(key, seed) & uint64(n-1))
}

// isPowerOfTwo reports whether n is a positive power of two.
func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// nextPowerOfTwoCapped returns the smallest power of two >= want, capped at
// max (itself required to be a power of two), lower-bounded at 1.
func nextPowerOfTwoCapped(want, max int) int {
	if want < 1 {
		want = 1
	}
	n := 1
	for n < want && n < max {
		n <<= 1
	}
	if n > max {
		n = max
	}
	return n
}
