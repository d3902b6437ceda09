// Package dedup implements the run-scoped deduplication index: a
// process-wide set of 64-bit content hashes shared across all split
// workers for one run.
package dedup

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 256

// Index is a sharded concurrent set of uint64 hashes. It supports a single
// operation, insert-if-absent, under many concurrent callers with minimal
// cross-shard contention. There is no eviction: a run is bounded to one
// calendar day, so the set only grows.
type Index struct {
	shards [shardCount]shard
	drops  int64
}

type shard struct {
	mu   sync.Mutex
	seen map[uint64]struct{}
}

// New returns an empty Index sized for roughly expectedRecords distinct
// hashes (purely a map pre-sizing hint; zero is a valid default).
func New(expectedRecords int) *Index {
	idx := &Index{}
	perShard := 0
	if expectedRecords > 0 {
		perShard = expectedRecords / shardCount
	}
	for i := range idx.shards {
		idx.shards[i].seen = make(map[uint64]struct{}, perShard)
	}
	return idx
}

// Hash computes the 64-bit content hash of a capture record's raw JSON
// payload. Any stable 64-bit hash of the string bytes satisfies the
// collision-probability requirement; xxhash's Sum64 is used here.
func Hash(json string) uint64 {
	return xxhash.Sum64String(json)
}

// Offer inserts hash if absent and reports whether it was newly inserted.
// Safe for concurrent use by many goroutines.
func (idx *Index) Offer(hash uint64) bool {
	s := &idx.shards[hash%shardCount]
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[hash]; ok {
		atomic.AddInt64(&idx.drops, 1)
		return false
	}
	s.seen[hash] = struct{}{}
	return true
}

// Drops returns the number of Offer calls that found an existing hash,
// i.e. the number of lines dropped as duplicates so far.
func (idx *Index) Drops() int64 {
	return atomic.LoadInt64(&idx.drops)
}

// Len returns the total number of distinct hashes recorded so far. Intended
// for metrics/tests, not the hot path.
func (idx *Index) Len() int {
	n := 0
	for i := range idx.shards {
		idx.shards[i].mu.Lock()
		n += len(idx.shards[i].seen)
		idx.shards[i].mu.Unlock()
	}
	return n
}
