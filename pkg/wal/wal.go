package wal

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/nqdb/nqdb/pkg/config"
	"github.com/nqdb/nqdb/pkg/metrics"
)

// WAL is a sequence of append-only segment files. A single writer mutex
// serializes appends (assigning strictly increasing LSNs); a dedicated
// flusher goroutine fsyncs in groups on behalf of concurrent commits
// (spec.md §5: "single-writer queue ... one flusher task fsyncs in
// groups").
type WAL struct {
	mu          sync.Mutex
	dir         string
	segmentSize int64
	syncMode    config.SyncMode
	minKeep     int

	cur      *segmentFile
	segments []uint64 // known segment start LSNs, ascending, including cur

	nextLSN    uint64
	durableLSN uint64 // atomic: highest LSN known fsynced

	flushReq chan chan error
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Open opens (or creates) a WAL rooted at dir.
func Open(dir string, segmentSize int64, syncMode config.SyncMode, minSegmentsToKeep int) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: mkdir %s: %w", dir, err)
	}
	starts, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	w := &WAL{
		dir:         dir,
		segmentSize: segmentSize,
		syncMode:    syncMode,
		minKeep:     minSegmentsToKeep,
		segments:    starts,
		flushReq:    make(chan chan error),
		stopCh:      make(chan struct{}),
	}
	var startLSN uint64 = 1
	if len(starts) > 0 {
		startLSN = starts[len(starts)-1]
	}
	seg, err := openSegment(dir, startLSN)
	if err != nil {
		return nil, err
	}
	w.cur = seg
	if len(starts) == 0 {
		w.segments = []uint64{startLSN}
	}

	// Determine nextLSN by scanning every segment for the highest LSN
	// present; per-segment maxLSN is not recomputed here.
	maxSeen, err := w.scanMaxLSN()
	if err != nil {
		return nil, err
	}
	w.nextLSN = maxSeen + 1
	if w.nextLSN == 1 {
		w.nextLSN = 1
	}
	atomic.StoreUint64(&w.durableLSN, maxSeen)

	w.wg.Add(1)
	go w.flushLoop()
	return w, nil
}

func (w *WAL) scanMaxLSN() (uint64, error) {
	var max uint64
	for _, start := range w.segments {
		f, err := os.Open(segmentPath(w.dir, start))
		if err != nil {
			continue
		}
		recs, _ := ReadAll(f)
		f.Close()
		for _, r := range recs {
			if r.LSN > max {
				max = r.LSN
			}
		}
	}
	return max, nil
}

// DurableLSN implements buffer.DurabilityProvider.
func (w *WAL) DurableLSN() uint64 {
	return atomic.LoadUint64(&w.durableLSN)
}

// Append assigns the next LSN to rec, writes it to the active segment, and
// — for Commit and Checkpoint records, or when SyncMode is Full — blocks
// until it has been fsynced. This is the durability contract of spec.md
// §4.3: a commit only returns success once every record of that
// transaction, including the commit record, is fsynced.
func (w *WAL) Append(rec Record) (uint64, error) {
	w.mu.Lock()
	rec.LSN = w.nextLSN
	w.nextLSN++
	encoded := rec.Encode()

	if w.cur.size+int64(len(encoded)) > w.segmentSize && w.cur.size > 0 {
		if err := w.rotateLocked(rec.LSN); err != nil {
			w.mu.Unlock()
			return 0, err
		}
	}
	n, err := w.cur.f.Write(encoded)
	if err != nil {
		w.mu.Unlock()
		return 0, fmt.Errorf("wal: append: %w", err)
	}
	w.cur.size += int64(n)
	w.cur.maxLSN = rec.LSN
	mustSync := w.syncMode == config.SyncFull || rec.Kind == KindCommit || rec.Kind == KindCheckpoint
	w.mu.Unlock()

	metrics.WALBytesWritten.Add(float64(n))

	if mustSync {
		if err := w.syncBarrier(); err != nil {
			return 0, err
		}
	}
	return rec.LSN, nil
}

func (w *WAL) rotateLocked(newStart uint64) error {
	if err := w.cur.f.Sync(); err != nil {
		return err
	}
	if err := w.cur.f.Close(); err != nil {
		return err
	}
	seg, err := openSegment(w.dir, newStart)
	if err != nil {
		return err
	}
	w.cur = seg
	w.segments = append(w.segments, newStart)
	return nil
}

// syncBarrier enqueues a group-commit fsync request and blocks for the
// result.
func (w *WAL) syncBarrier() error {
	timer := metrics.NewTimer()
	resp := make(chan error, 1)
	select {
	case w.flushReq <- resp:
	case <-w.stopCh:
		return fmt.Errorf("wal: closed")
	}
	err := <-resp
	timer.ObserveDuration(metrics.WALFsyncDuration)
	return err
}

func (w *WAL) flushLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case first := <-w.flushReq:
			waiters := []chan error{first}
		drain:
			for {
				select {
				case more := <-w.flushReq:
					waiters = append(waiters, more)
				default:
					break drain
				}
			}
			w.mu.Lock()
			err := w.cur.f.Sync()
			if err == nil {
				atomic.StoreUint64(&w.durableLSN, w.cur.maxLSN)
			}
			w.mu.Unlock()
			for _, resp := range waiters {
				resp <- err
			}
		}
	}
}

// Close stops the flusher and closes the active segment after a final sync.
func (w *WAL) Close() error {
	close(w.stopCh)
	w.wg.Wait()
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.cur.f.Sync(); err != nil {
		return err
	}
	return w.cur.f.Close()
}

// Dir exposes the WAL directory, used by retention and tests.
func (w *WAL) Dir() string { return w.dir }

// AllRecords reads every record across all segments in LSN order. Intended
// for recovery and tests; not for hot-path use.
func (w *WAL) AllRecords() ([]*Record, error) {
	w.mu.Lock()
	starts := append([]uint64(nil), w.segments...)
	w.mu.Unlock()

	var all []*Record
	for _, start := range starts {
		f, err := os.Open(segmentPath(w.dir, start))
		if err != nil {
			return nil, err
		}
		recs, err := ReadAll(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		all = append(all, recs...)
	}
	return all, nil
}

// ReclaimSegments deletes segments that are entirely covered by a durable
// checkpoint, keep no active transaction's first LSN, and respect
// min_segments_to_keep (spec.md §4.3 Retention).
func (w *WAL) ReclaimSegments(checkpointLSN uint64, oldestActiveLSN uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.segments) <= w.minKeep {
		return nil
	}
	// segments[i] covers [segments[i], segments[i+1]) except the last, which
	// covers [segments[last], cur.maxLSN].
	// The last (active) segment is never reclaimed.
	reclaimable := 0
	for i := 0; i < len(w.segments)-w.minKeep && i+1 < len(w.segments); i++ {
		segEnd := w.segments[i+1] - 1
		if segEnd > checkpointLSN {
			break
		}
		if oldestActiveLSN != 0 && oldestActiveLSN <= segEnd {
			break
		}
		reclaimable++
	}
	for i := 0; i < reclaimable; i++ {
		if err := os.Remove(segmentPath(w.dir, w.segments[i])); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if reclaimable > 0 {
		w.segments = w.segments[reclaimable:]
	}
	return nil
}

// SegmentCount reports how many segment files currently exist (test use).
func (w *WAL) SegmentCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.segments)
}
