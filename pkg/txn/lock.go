// Package txn implements the transaction manager: lock table, waits-for
// deadlock detection, and isolation-level bookkeeping that sits above
// pkg/wal and pkg/buffer (spec.md §4.5, §5).
package txn

import (
	"sync"

	"github.com/google/uuid"
	"github.com/nqdb/nqdb/pkg/errs"
)

// LockMode is the granularity of a row lock.
type LockMode int

const (
	LockShared LockMode = iota
	LockExclusive
)

// rowLock tracks holders for one row key and a condition variable waiters
// block on until a Release broadcasts.
type rowLock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	holders map[uuid.UUID]LockMode
}

func newRowLock() *rowLock {
	rl := &rowLock{holders: make(map[uuid.UUID]LockMode)}
	rl.cond = sync.NewCond(&rl.mu)
	return rl
}

// LockTable is hash-partitioned by row key into shardCount shards, so
// unrelated rows only share an internal mutex when their keys hash to the
// same shard (spec.md §5 concurrency model).
const shardCount = 64

// LockTable grants/releases per-row locks and tracks a waits-for graph for
// deadlock detection.
type LockTable struct {
	shards [shardCount]*lockShard

	wfMu     sync.Mutex
	waitsFor map[uuid.UUID]map[uuid.UUID]struct{} // tx -> set of txs it waits on
	txAge    map[uuid.UUID]uint64                 // tx -> sequence number at BEGIN, for youngest-aborts
}

type lockShard struct {
	mu    sync.Mutex
	locks map[string]*rowLock
}

// NewLockTable constructs an empty lock table.
func NewLockTable() *LockTable {
	lt := &LockTable{
		waitsFor: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		txAge:    make(map[uuid.UUID]uint64),
	}
	for i := range lt.shards {
		lt.shards[i] = &lockShard{locks: make(map[string]*rowLock)}
	}
	return lt
}

// RegisterTx records a transaction's age (its BEGIN sequence number),
// used to pick the youngest transaction when a deadlock is broken.
func (lt *LockTable) RegisterTx(tx uuid.UUID, age uint64) {
	lt.wfMu.Lock()
	defer lt.wfMu.Unlock()
	lt.txAge[tx] = age
}

// ForgetTx removes a transaction's bookkeeping after commit/abort.
func (lt *LockTable) ForgetTx(tx uuid.UUID) {
	lt.wfMu.Lock()
	delete(lt.txAge, tx)
	delete(lt.waitsFor, tx)
	lt.wfMu.Unlock()
}

func (lt *LockTable) shardFor(key string) *lockShard {
	h := fnv32(key)
	return lt.shards[h%shardCount]
}

func fnv32(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

// Acquire blocks (waiting on the row's condition variable, which Release
// broadcasts) until tx holds mode on
// key, or returns errs.Deadlock() if granting it would create a cycle in
// the waits-for graph — in which case the caller (the youngest transaction
// in the cycle) is aborted rather than the table deciding unilaterally.
func (lt *LockTable) Acquire(tx uuid.UUID, key string, mode LockMode) error {
	shard := lt.shardFor(key)
	shard.mu.Lock()
	rl, ok := shard.locks[key]
	if !ok {
		rl = newRowLock()
		shard.locks[key] = rl
	}
	shard.mu.Unlock()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for {
		if lt.canGrant(rl, tx, mode) {
			rl.holders[tx] = upgrade(rl.holders[tx], mode)
			lt.clearWaits(tx)
			return nil
		}

		blockers := lt.blockingHolders(rl, tx, mode)
		if err := lt.recordWait(tx, blockers); err != nil {
			return err
		}
		rl.cond.Wait()
	}
}

func upgrade(existing, requested LockMode) LockMode {
	if existing == LockExclusive || requested == LockExclusive {
		return LockExclusive
	}
	return LockShared
}

func (lt *LockTable) canGrant(rl *rowLock, tx uuid.UUID, mode LockMode) bool {
	if len(rl.holders) == 0 {
		return true
	}
	if _, already := rl.holders[tx]; already && len(rl.holders) == 1 {
		return true
	}
	if mode == LockShared {
		for holder, m := range rl.holders {
			if holder != tx && m == LockExclusive {
				return false
			}
		}
		return true
	}
	// exclusive: only grantable if tx is the sole holder
	for holder := range rl.holders {
		if holder != tx {
			return false
		}
	}
	return true
}

func (lt *LockTable) blockingHolders(rl *rowLock, tx uuid.UUID, mode LockMode) []uuid.UUID {
	var blockers []uuid.UUID
	for holder := range rl.holders {
		if holder != tx {
			blockers = append(blockers, holder)
		}
	}
	return blockers
}

// recordWait adds tx -> blockers edges to the waits-for graph and, if that
// creates a cycle, aborts the youngest transaction in the cycle.
func (lt *LockTable) recordWait(tx uuid.UUID, blockers []uuid.UUID) error {
	lt.wfMu.Lock()
	defer lt.wfMu.Unlock()

	if lt.waitsFor[tx] == nil {
		lt.waitsFor[tx] = make(map[uuid.UUID]struct{})
	}
	for _, b := range blockers {
		lt.waitsFor[tx][b] = struct{}{}
	}

	cycle := lt.findCycle(tx)
	if cycle == nil {
		return nil
	}
	youngest := lt.youngestInLocked(cycle)
	if youngest == tx {
		delete(lt.waitsFor, tx)
		return errs.Deadlock()
	}
	// Some other transaction in the cycle is younger; it is responsible
	// for aborting when it next calls Acquire and observes the same cycle.
	return nil
}

func (lt *LockTable) findCycle(start uuid.UUID) []uuid.UUID {
	visited := make(map[uuid.UUID]bool)
	var path []uuid.UUID

	var dfs func(uuid.UUID) []uuid.UUID
	dfs = func(node uuid.UUID) []uuid.UUID {
		if visited[node] {
			for i, n := range path {
				if n == node {
					return path[i:]
				}
			}
			return nil
		}
		visited[node] = true
		path = append(path, node)
		for next := range lt.waitsFor[node] {
			if cycle := dfs(next); cycle != nil {
				return cycle
			}
		}
		path = path[:len(path)-1]
		return nil
	}
	return dfs(start)
}

func (lt *LockTable) youngestInLocked(cycle []uuid.UUID) uuid.UUID {
	var youngest uuid.UUID
	var maxAge uint64
	found := false
	for _, tx := range cycle {
		age := lt.txAge[tx]
		if !found || age > maxAge {
			youngest, maxAge, found = tx, age, true
		}
	}
	return youngest
}

func (lt *LockTable) clearWaits(tx uuid.UUID) {
	lt.wfMu.Lock()
	delete(lt.waitsFor, tx)
	lt.wfMu.Unlock()
}

// Release drops every lock tx holds on key.
func (lt *LockTable) Release(tx uuid.UUID, key string) {
	shard := lt.shardFor(key)
	shard.mu.Lock()
	rl, ok := shard.locks[key]
	shard.mu.Unlock()
	if !ok {
		return
	}
	rl.mu.Lock()
	delete(rl.holders, tx)
	rl.cond.Broadcast()
	rl.mu.Unlock()
}

// ReleaseAll drops every lock tx holds across all keys it has touched.
// Callers track their own held-key set and pass it here at commit/abort.
func (lt *LockTable) ReleaseAll(tx uuid.UUID, keys []string) {
	for _, k := range keys {
		lt.Release(tx, k)
	}
	lt.ForgetTx(tx)
}
