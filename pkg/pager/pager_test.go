package pager

import (
	"path/filepath"
	"testing"

	"github.com/nqdb/nqdb/pkg/config"
	"github.com/nqdb/nqdb/pkg/page"
	"github.com/stretchr/testify/require"
)

func newTestPager(t *testing.T) *Pager {
	t.Helper()
	dir := t.TempDir()
	p, err := Open(filepath.Join(dir, "pages.dat"), config.SyncFull)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestAllocateAndWriteRoundTrip(t *testing.T) {
	p := newTestPager(t)

	id, err := p.Allocate()
	require.NoError(t, err)
	require.Equal(t, page.ID(1), id)

	pg := page.New(id, page.TypeData)
	pg.SetPayload([]byte("hello world"))
	require.NoError(t, p.WritePage(pg))

	got, err := p.ReadPage(id)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), got.Payload())
}

func TestAllocateReusesFreedPages(t *testing.T) {
	p := newTestPager(t)

	id1, err := p.Allocate()
	require.NoError(t, err)
	id2, err := p.Allocate()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	require.NoError(t, p.Free(id2))

	id3, err := p.Allocate()
	require.NoError(t, err)
	require.Equal(t, id2, id3, "freed page should be reused before minting a new one")
}

func TestReadPageDetectsCorruption(t *testing.T) {
	p := newTestPager(t)

	id, err := p.Allocate()
	require.NoError(t, err)
	pg := page.New(id, page.TypeData)
	pg.SetPayload([]byte("payload"))
	require.NoError(t, p.WritePage(pg))

	// flip a payload byte directly on disk without resealing the checksum
	corrupt := *pg
	corrupt.Data[page.HeaderSize] ^= 0xFF
	_, err = p.f.WriteAt(corrupt.Data[:], p.offset(id))
	require.NoError(t, err)

	_, err = p.ReadPage(id)
	require.Error(t, err)
}

func TestBatchReadPreservesCallerOrderAndGroupsContiguousRuns(t *testing.T) {
	p := newTestPager(t)

	ids := make([]page.ID, 5)
	for i := range ids {
		id, err := p.Allocate()
		require.NoError(t, err)
		ids[i] = id
		pg := page.New(id, page.TypeData)
		pg.SetPayload([]byte{byte(i)})
		require.NoError(t, p.WritePage(pg))
	}

	// request out of order and with a gap pattern
	request := []page.ID{ids[4], ids[0], ids[2], ids[1]}
	pages, err := p.ReadPagesBatch(request)
	require.NoError(t, err)
	require.Len(t, pages, 4)
	for i, id := range request {
		require.Equal(t, id, pages[i].ID())
	}
}

func TestMetaSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pages.dat")

	p, err := Open(path, config.SyncFull)
	require.NoError(t, err)
	id, err := p.Allocate()
	require.NoError(t, err)
	require.NoError(t, p.SetLastCheckpointLSN(42))
	require.NoError(t, p.Close())

	p2, err := Open(path, config.SyncFull)
	require.NoError(t, err)
	defer p2.Close()

	require.Equal(t, uint64(42), p2.LastCheckpointLSN())
	next, err := p2.Allocate()
	require.NoError(t, err)
	require.Greater(t, uint64(next), uint64(id))
}
