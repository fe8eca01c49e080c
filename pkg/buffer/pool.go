// Package buffer implements the frame cache sitting between the storage
// engine and the pager: pin/unpin, eviction, dirty-page tracking and
// background flush (spec.md §4.2).
package buffer

import (
	"sync"
	"time"

	"github.com/nqdb/nqdb/pkg/config"
	"github.com/nqdb/nqdb/pkg/errs"
	"github.com/nqdb/nqdb/pkg/log"
	"github.com/nqdb/nqdb/pkg/metrics"
	"github.com/nqdb/nqdb/pkg/page"
	"github.com/nqdb/nqdb/pkg/pager"
)

// DurabilityProvider reports the highest LSN known to be durable in the
// WAL. The buffer pool consults it before flushing a dirty frame, enforcing
// the WAL rule (spec.md §4.2, §8 invariant 6): a page may only reach disk
// once the WAL is durable up to the page's PageLSN.
type DurabilityProvider interface {
	DurableLSN() uint64
}

type frame struct {
	id       page.ID
	pg       *page.Page
	pinCount int
	dirty    bool
	pageLSN  uint64
	dirtySet time.Time // when the frame first became dirty

	// Clock
	refBit bool
	// LRU / LRU-K
	accesses []time.Time
}

// Pool is a fixed-capacity cache of page frames keyed by PageID.
type Pool struct {
	mu       sync.Mutex
	pager    *pager.Pager
	frames   map[page.ID]*frame
	capacity int
	policy   config.EvictionPolicy
	wal      DurabilityProvider

	clockOrder []page.ID
	clockHand  int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a buffer pool of the given frame capacity over pager p.
// wal may be nil only in tests that never dirty a page.
func New(p *pager.Pager, capacity int, policy config.EvictionPolicy, wal DurabilityProvider) *Pool {
	return &Pool{
		pager:    p,
		frames:   make(map[page.ID]*frame, capacity),
		capacity: capacity,
		policy:   policy,
		wal:      wal,
		stopCh:   make(chan struct{}),
	}
}

// Fetch returns a pinned frame for id, reading through the pager on a miss.
func (b *Pool) Fetch(id page.ID) (*page.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if f, ok := b.frames[id]; ok {
		f.pinCount++
		f.refBit = true
		f.accesses = append(f.accesses, time.Now())
		metrics.BufferPoolHits.Inc()
		return f.pg, nil
	}

	metrics.BufferPoolMisses.Inc()
	pg, err := b.pager.ReadPage(id)
	if err != nil {
		return nil, err
	}
	if err := b.ensureRoomLocked(); err != nil {
		return nil, err
	}
	f := &frame{id: id, pg: pg, pinCount: 1, refBit: true, accesses: []time.Time{time.Now()}}
	b.frames[id] = f
	b.clockOrder = append(b.clockOrder, id)
	return pg, nil
}

// NewPage allocates a fresh page via the pager and returns it pinned.
func (b *Pool) NewPage(typ page.Type) (*page.Page, error) {
	id, err := b.pager.Allocate()
	if err != nil {
		return nil, err
	}
	pg := page.New(id, typ)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureRoomLocked(); err != nil {
		return nil, err
	}
	f := &frame{id: id, pg: pg, pinCount: 1, dirty: true, refBit: true, accesses: []time.Time{time.Now()}}
	b.frames[id] = f
	b.clockOrder = append(b.clockOrder, id)
	return pg, nil
}

// Unpin releases a reference to id. If dirty, the frame is marked dirty; its
// PageLSN is not touched here and is set separately through SetPageLSN.
func (b *Pool) Unpin(id page.ID, dirty bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.frames[id]
	if !ok {
		return
	}
	if f.pinCount > 0 {
		f.pinCount--
	}
	if dirty {
		if !f.dirty {
			f.dirtySet = time.Now()
			metrics.BufferPoolDirtyFrames.Inc()
		}
		f.dirty = true
	}
}

// SetPageLSN records the LSN of the most recent WAL record affecting id.
// The storage engine calls this after appending the WAL record for a
// mutation and before unpinning the page, so flush-time durability checks
// always have an up-to-date PageLSN.
func (b *Pool) SetPageLSN(id page.ID, lsn uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if f, ok := b.frames[id]; ok {
		f.pageLSN = lsn
	}
}

// Flush writes a single dirty frame to disk, honoring the WAL rule.
func (b *Pool) Flush(id page.ID) error {
	b.mu.Lock()
	f, ok := b.frames[id]
	b.mu.Unlock()
	if !ok || !f.dirty {
		return nil
	}
	return b.flushFrame(f)
}

func (b *Pool) flushFrame(f *frame) error {
	if b.wal != nil && b.wal.DurableLSN() < f.pageLSN {
		// WAL rule: cannot flush ahead of durability. Caller should retry
		// after the WAL fsyncs; we surface this as a no-op rather than an
		// error since it is an expected race with group commit.
		return nil
	}
	if err := b.pager.WritePage(f.pg); err != nil {
		return err
	}
	b.mu.Lock()
	if f.dirty {
		metrics.BufferPoolDirtyFrames.Dec()
	}
	f.dirty = false
	b.mu.Unlock()
	return nil
}

// FlushAll flushes every dirty frame currently resident.
func (b *Pool) FlushAll() error {
	b.mu.Lock()
	dirty := make([]*frame, 0)
	for _, f := range b.frames {
		if f.dirty {
			dirty = append(dirty, f)
		}
	}
	b.mu.Unlock()
	for _, f := range dirty {
		if err := b.flushFrame(f); err != nil {
			return err
		}
	}
	return nil
}

// Free evicts id from the pool if resident and returns its page to the
// pager's free list, making it available for reuse by a future NewPage.
func (b *Pool) Free(id page.ID) error {
	b.mu.Lock()
	if f, ok := b.frames[id]; ok {
		delete(b.frames, id)
		b.removeFromClockOrderLocked(id)
		if f.dirty {
			metrics.BufferPoolDirtyFrames.Dec()
		}
	}
	b.mu.Unlock()
	return b.pager.Free(id)
}

// ensureRoomLocked evicts frames until there is room for one more, or
// returns PinnedNoVictim if every frame is pinned. Caller holds b.mu.
func (b *Pool) ensureRoomLocked() error {
	if len(b.frames) < b.capacity {
		return nil
	}
	victim, ok := b.selectVictimLocked()
	if !ok {
		return errs.PinnedNoVictim()
	}
	f := b.frames[victim]
	if f.dirty {
		b.mu.Unlock()
		err := b.flushFrame(f)
		b.mu.Lock()
		if err != nil {
			return err
		}
		if f.dirty {
			// flushFrame declined under the WAL rule; dropping the frame now
			// would lose its contents, so the caller must back off and retry.
			return errs.New(errs.KindTransient, "WALNotDurable", "victim frame is ahead of the durable WAL")
		}
	}
	delete(b.frames, victim)
	b.removeFromClockOrderLocked(victim)
	metrics.BufferPoolEvictions.Inc()
	return nil
}

// selectVictimLocked picks an unpinned frame according to the configured
// policy. Clean frames are not preferred over dirty ones: a dirty frame is a
// candidate like any other and is flushed by ensureRoomLocked before it is
// dropped. Caller holds b.mu.
func (b *Pool) selectVictimLocked() (page.ID, bool) {
	switch b.policy {
	case config.EvictionLRU:
		return b.selectLRULocked(1)
	case config.EvictionLRUK:
		return b.selectLRULocked(2)
	default: // Clock
		return b.selectClockLocked()
	}
}

func (b *Pool) selectClockLocked() (page.ID, bool) {
	n := len(b.clockOrder)
	if n == 0 {
		return 0, false
	}
	for i := 0; i < 2*n; i++ {
		id := b.clockOrder[b.clockHand]
		b.clockHand = (b.clockHand + 1) % n
		f, ok := b.frames[id]
		if !ok {
			continue
		}
		if f.pinCount > 0 {
			continue
		}
		if f.refBit {
			f.refBit = false
			continue
		}
		return id, true
	}
	// second pass: accept any unpinned frame even with refBit set
	for _, id := range b.clockOrder {
		if f, ok := b.frames[id]; ok && f.pinCount == 0 {
			return id, true
		}
	}
	return 0, false
}

// selectLRULocked implements both LRU (k=1) and LRU-K by comparing the
// k-th most recent access time; the frame whose k-th-from-last access is
// oldest is evicted first.
func (b *Pool) selectLRULocked(k int) (page.ID, bool) {
	var best page.ID
	var bestTime time.Time
	found := false
	for id, f := range b.frames {
		if f.pinCount > 0 {
			continue
		}
		t := kthFromLast(f.accesses, k)
		if !found || t.Before(bestTime) {
			best, bestTime, found = id, t, true
		}
	}
	return best, found
}

func kthFromLast(accesses []time.Time, k int) time.Time {
	if len(accesses) == 0 {
		return time.Time{}
	}
	idx := len(accesses) - k
	if idx < 0 {
		idx = 0
	}
	return accesses[idx]
}

func (b *Pool) removeFromClockOrderLocked(id page.ID) {
	for i, v := range b.clockOrder {
		if v == id {
			b.clockOrder = append(b.clockOrder[:i], b.clockOrder[i+1:]...)
			if b.clockHand > i {
				b.clockHand--
			}
			break
		}
	}
}

// StartBackgroundFlush launches the flusher task: every interval it scans
// the dirty set and flushes pages whose dirty age exceeds the configured
// threshold. It takes a shared lock per page and never blocks readers
// (spec.md §4.2).
func (b *Pool) StartBackgroundFlush(interval time.Duration, maxDirtyAge time.Duration) {
	flushLog := log.WithComponent("buffer")
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-b.stopCh:
				return
			case <-ticker.C:
				b.mu.Lock()
				var stale []*frame
				for _, f := range b.frames {
					if f.dirty && time.Since(f.dirtySet) > maxDirtyAge {
						stale = append(stale, f)
					}
				}
				b.mu.Unlock()
				for _, f := range stale {
					if err := b.flushFrame(f); err != nil {
						flushLog.Warn().Err(err).Uint64("page_id", uint64(f.id)).Msg("background flush failed")
					}
				}
			}
		}
	}()
}

// Stop signals the background flusher to exit and waits for it to finish.
func (b *Pool) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}

// DirtyPages returns the PageLSN of every currently dirty frame, for
// building a fuzzy checkpoint's dirty-page table.
func (b *Pool) DirtyPages() map[page.ID]uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[page.ID]uint64)
	for id, f := range b.frames {
		if f.dirty {
			out[id] = f.pageLSN
		}
	}
	return out
}

// DirtyCount returns the number of currently dirty frames (test/metrics use).
func (b *Pool) DirtyCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, f := range b.frames {
		if f.dirty {
			n++
		}
	}
	return n
}
