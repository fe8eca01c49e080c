// Package shard maps row keys to shards and shards to replica sets via
// consistent hashing (spec.md §4.7), grounded on the key-space
// partitioning and replication model described in
// other_examples/...johnjansen-torua's shard package doc.
package shard

import (
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
)

// Ring is a consistent-hash ring over shard IDs with virtual nodes, so
// adding or removing a shard only reshuffles a fraction of the key space
// instead of the whole ring.
type Ring struct {
	mu          sync.RWMutex
	virtual     int
	sortedHashes []uint32
	hashToShard  map[uint32]int
	shardCount   int
}

// NewRing builds a ring over numShards shards, each represented by
// virtualNodes points on the ring.
func NewRing(numShards, virtualNodes int) *Ring {
	r := &Ring{virtual: virtualNodes, shardCount: numShards}
	r.rebuild()
	return r
}

func hashKey(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

func (r *Ring) rebuild() {
	r.hashToShard = make(map[uint32]int, r.shardCount*r.virtual)
	r.sortedHashes = make([]uint32, 0, r.shardCount*r.virtual)
	for shard := 0; shard < r.shardCount; shard++ {
		for v := 0; v < r.virtual; v++ {
			h := hashKey(strconv.Itoa(shard) + "#" + strconv.Itoa(v))
			r.hashToShard[h] = shard
			r.sortedHashes = append(r.sortedHashes, h)
		}
	}
	sort.Slice(r.sortedHashes, func(i, j int) bool { return r.sortedHashes[i] < r.sortedHashes[j] })
}

// ShardFor returns the shard ID a given row key maps to: the first ring
// point at or after the key's hash, wrapping around to the first point.
func (r *Ring) ShardFor(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h := hashKey(key)
	idx := sort.Search(len(r.sortedHashes), func(i int) bool { return r.sortedHashes[i] >= h })
	if idx == len(r.sortedHashes) {
		idx = 0
	}
	return r.hashToShard[r.sortedHashes[idx]]
}

// Resize rebuilds the ring for a new shard count, used when the cluster's
// shard count changes (e.g. at bootstrap with a configured shard count).
func (r *Ring) Resize(numShards int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shardCount = numShards
	r.rebuild()
}

// ShardCount returns the number of shards currently in the ring.
func (r *Ring) ShardCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.shardCount
}
