// Package pager implements page-structured file I/O: fixed-size page
// read/write, vectored batch I/O, free-list management and the meta page
// (spec.md §4.1).
package pager

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/nqdb/nqdb/pkg/config"
	"github.com/nqdb/nqdb/pkg/errs"
	"github.com/nqdb/nqdb/pkg/page"
)

const metaMagic = "NQDB"

// file is the subset of *os.File the pager needs; satisfied by a real file
// or an in-memory stand-in used by tests.
type file interface {
	ReadAt(b []byte, off int64) (int, error)
	WriteAt(b []byte, off int64) (int, error)
	Sync() error
	Truncate(size int64) error
	Close() error
}

// meta is the in-memory mirror of the on-disk meta page (page 0).
type meta struct {
	magic             string
	version           uint32
	pageSize          uint32
	nextPageID        uint64
	freeListRoot      uint64 // persisted but never updated (stays 0); the free list itself is stored inline after the fixed fields
	lastCheckpointLSN uint64
}

// Pager owns pages.dat and the free list. It is safe for concurrent use: a
// single exclusive latch guards the in-memory free list and meta fields,
// matching spec.md §5's "pager meta and free-list" shared-resource rule.
type Pager struct {
	mu       sync.Mutex
	f        file
	syncMode config.SyncMode
	meta     meta
	freeList []page.ID // in-memory mirror; persisted to the meta page on flushMeta
}

// Open opens or creates a pager-managed heap file at path.
func Open(path string, syncMode config.SyncMode) (*Pager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pager: open %s: %w", path, err)
	}
	return open(f, syncMode)
}

func open(f file, syncMode config.SyncMode) (*Pager, error) {
	p := &Pager{f: f, syncMode: syncMode}

	var hdr [page.Size]byte
	n, err := f.ReadAt(hdr[:], 0)
	if err != nil && n == 0 {
		// fresh file: initialize meta page
		p.meta = meta{magic: metaMagic, version: 1, pageSize: page.Size, nextPageID: 1}
		if err := p.flushMetaLocked(); err != nil {
			return nil, err
		}
		return p, nil
	}
	if n < page.Size {
		return nil, errs.TornPage(0)
	}
	if err := p.loadMeta(hdr[:]); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pager) loadMeta(buf []byte) error {
	mp := &page.Page{}
	copy(mp.Data[:], buf)
	if !mp.Verify() {
		return errs.CorruptPage(0)
	}
	payload := mp.Payload()
	if len(payload) < 4+4+4+8+8+8 {
		return errs.CorruptPage(0)
	}
	if string(payload[0:4]) != metaMagic {
		return errs.ConfigError("not an nqdb data file (bad magic)")
	}
	off := 4
	p.meta.version = binary.BigEndian.Uint32(payload[off:])
	off += 4
	p.meta.pageSize = binary.BigEndian.Uint32(payload[off:])
	off += 4
	p.meta.nextPageID = binary.BigEndian.Uint64(payload[off:])
	off += 8
	p.meta.freeListRoot = binary.BigEndian.Uint64(payload[off:])
	off += 8
	p.meta.lastCheckpointLSN = binary.BigEndian.Uint64(payload[off:])
	p.meta.magic = metaMagic
	// free list entries are persisted densely after the fixed header fields
	off += 8
	if off+2 <= len(payload) {
		count := int(binary.BigEndian.Uint16(payload[off:]))
		off += 2
		p.freeList = make([]page.ID, 0, count)
		for i := 0; i < count && off+8 <= len(payload); i++ {
			p.freeList = append(p.freeList, page.ID(binary.BigEndian.Uint64(payload[off:])))
			off += 8
		}
	}
	return nil
}

func (p *Pager) flushMetaLocked() error {
	mp := page.New(0, page.TypeMeta)
	buf := make([]byte, 0, page.MaxPayload)
	var tmp [8]byte
	buf = append(buf, []byte(metaMagic)...)
	binary.BigEndian.PutUint32(tmp[:4], p.meta.version)
	buf = append(buf, tmp[:4]...)
	binary.BigEndian.PutUint32(tmp[:4], p.meta.pageSize)
	buf = append(buf, tmp[:4]...)
	binary.BigEndian.PutUint64(tmp[:8], p.meta.nextPageID)
	buf = append(buf, tmp[:8]...)
	binary.BigEndian.PutUint64(tmp[:8], p.meta.freeListRoot)
	buf = append(buf, tmp[:8]...)
	binary.BigEndian.PutUint64(tmp[:8], p.meta.lastCheckpointLSN)
	buf = append(buf, tmp[:8]...)
	var cnt [2]byte
	binary.BigEndian.PutUint16(cnt[:], uint16(len(p.freeList)))
	buf = append(buf, cnt[:]...)
	for _, id := range p.freeList {
		binary.BigEndian.PutUint64(tmp[:8], uint64(id))
		buf = append(buf, tmp[:8]...)
	}
	mp.SetPayload(buf)
	if _, err := p.f.WriteAt(mp.Data[:], 0); err != nil {
		return fmt.Errorf("pager: write meta: %w", err)
	}
	if p.syncMode != config.SyncNone {
		return p.f.Sync()
	}
	return nil
}

// LastCheckpointLSN returns the LSN recorded in the meta page.
func (p *Pager) LastCheckpointLSN() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.meta.lastCheckpointLSN
}

// SetLastCheckpointLSN records the checkpoint LSN; the caller must ensure
// the checkpoint record was fsynced to the WAL first (spec.md §4.3).
func (p *Pager) SetLastCheckpointLSN(lsn uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.meta.lastCheckpointLSN = lsn
	return p.flushMetaLocked()
}

// Allocate returns a fresh page ID: the free list's head if non-empty,
// otherwise next_page_id is incremented (spec.md §4.1).
func (p *Pager) Allocate() (page.ID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.freeList) > 0 {
		id := p.freeList[len(p.freeList)-1]
		p.freeList = p.freeList[:len(p.freeList)-1]
		return id, p.flushMetaLocked()
	}
	id := page.ID(p.meta.nextPageID)
	p.meta.nextPageID++
	return id, p.flushMetaLocked()
}

// Free appends id to the free list for FIFO reuse.
func (p *Pager) Free(id page.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freeList = append([]page.ID{id}, p.freeList...)
	return p.flushMetaLocked()
}

func (p *Pager) offset(id page.ID) int64 {
	return int64(id) * page.Size
}

// ReadPage reads and verifies a single page.
func (p *Pager) ReadPage(id page.ID) (*page.Page, error) {
	pg := &page.Page{}
	n, err := p.f.ReadAt(pg.Data[:], p.offset(id))
	if err != nil && n < page.Size {
		return nil, errs.TornPage(uint64(id))
	}
	if !pg.Verify() {
		return nil, errs.CorruptPage(uint64(id))
	}
	return pg, nil
}

// WritePage writes a page, sealing its checksum first, and fsyncs
// immediately when SyncMode is Full.
func (p *Pager) WritePage(pg *page.Page) error {
	pg.Seal()
	if _, err := p.f.WriteAt(pg.Data[:], p.offset(pg.ID())); err != nil {
		return fmt.Errorf("pager: write page %d: %w", pg.ID(), err)
	}
	if p.syncMode == config.SyncFull {
		return p.f.Sync()
	}
	return nil
}

// Sync flushes any OS-buffered writes to stable storage.
func (p *Pager) Sync() error {
	return p.f.Sync()
}

// Close flushes the meta page and closes the underlying file.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer func() { p.mu.Unlock() }()
	if err := p.flushMetaLocked(); err != nil {
		return err
	}
	return p.f.Close()
}

// ReadPagesBatch groups contiguous IDs into single positional reads and
// returns pages in the caller's original order (spec.md §4.1).
func (p *Pager) ReadPagesBatch(ids []page.ID) ([]*page.Page, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	type indexed struct {
		id  page.ID
		pos int
	}
	sorted := make([]indexed, len(ids))
	for i, id := range ids {
		sorted[i] = indexed{id, i}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].id < sorted[j].id })

	out := make([]*page.Page, len(ids))
	i := 0
	for i < len(sorted) {
		j := i + 1
		for j < len(sorted) && sorted[j].id == sorted[j-1].id+1 {
			j++
		}
		// sorted[i:j] is one contiguous run
		runLen := j - i
		buf := make([]byte, runLen*page.Size)
		if _, err := p.f.ReadAt(buf, p.offset(sorted[i].id)); err != nil {
			return nil, errs.TornPage(uint64(sorted[i].id))
		}
		for k := 0; k < runLen; k++ {
			pg := &page.Page{}
			copy(pg.Data[:], buf[k*page.Size:(k+1)*page.Size])
			if !pg.Verify() {
				return nil, errs.CorruptPage(uint64(sorted[i+k].id))
			}
			out[sorted[i+k].pos] = pg
		}
		i = j
	}
	return out, nil
}

// WritePagesBatch writes a set of pages, grouping contiguous IDs into single
// positional writes.
func (p *Pager) WritePagesBatch(pages []*page.Page) error {
	if len(pages) == 0 {
		return nil
	}
	for _, pg := range pages {
		pg.Seal()
	}
	sorted := append([]*page.Page(nil), pages...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID() < sorted[j].ID() })

	i := 0
	for i < len(sorted) {
		j := i + 1
		for j < len(sorted) && sorted[j].ID() == sorted[j-1].ID()+1 {
			j++
		}
		buf := make([]byte, 0, (j-i)*page.Size)
		for k := i; k < j; k++ {
			buf = append(buf, sorted[k].Data[:]...)
		}
		if _, err := p.f.WriteAt(buf, p.offset(sorted[i].ID())); err != nil {
			return fmt.Errorf("pager: batch write at page %d: %w", sorted[i].ID(), err)
		}
		i = j
	}
	if p.syncMode == config.SyncFull {
		return p.f.Sync()
	}
	return nil
}
