package btree

import (
	"sync"

	"github.com/nqdb/nqdb/pkg/page"
)

// latchManager hands out per-page read/write latches so concurrent
// descents can use latch-crabbing: hold the parent latch only until the
// child is fetched and proven safe, then release the parent and continue
// down (spec.md §4.4 concurrency / §5).
type latchManager struct {
	mu      sync.Mutex
	latches map[page.ID]*sync.RWMutex
}

func newLatchManager() *latchManager {
	return &latchManager{latches: make(map[page.ID]*sync.RWMutex)}
}

func (lm *latchManager) get(id page.ID) *sync.RWMutex {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	l, ok := lm.latches[id]
	if !ok {
		l = &sync.RWMutex{}
		lm.latches[id] = l
	}
	return l
}

func (lm *latchManager) lockShared(id page.ID) func() {
	l := lm.get(id)
	l.RLock()
	return l.RUnlock
}

func (lm *latchManager) lockExclusive(id page.ID) func() {
	l := lm.get(id)
	l.Lock()
	return l.Unlock
}

// crabbing tracks the chain of exclusive latches held during a top-down
// write descent, released lazily as children prove safe.
type crabbing struct {
	lm      *latchManager
	unlocks []func()
}

func newCrabbing(lm *latchManager) *crabbing {
	return &crabbing{lm: lm}
}

func (c *crabbing) acquire(id page.ID) {
	c.unlocks = append(c.unlocks, c.lm.lockExclusive(id))
}

// releaseAncestors releases every latch except the most recently acquired
// one, called once a child is known safe (won't split/merge further).
func (c *crabbing) releaseAncestors() {
	if len(c.unlocks) <= 1 {
		return
	}
	for _, u := range c.unlocks[:len(c.unlocks)-1] {
		u()
	}
	c.unlocks = c.unlocks[len(c.unlocks)-1:]
}

func (c *crabbing) releaseAll() {
	for i := len(c.unlocks) - 1; i >= 0; i-- {
		c.unlocks[i]()
	}
	c.unlocks = nil
}
