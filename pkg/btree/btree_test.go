package btree

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/nqdb/nqdb/pkg/buffer"
	"github.com/nqdb/nqdb/pkg/config"
	"github.com/nqdb/nqdb/pkg/errs"
	"github.com/nqdb/nqdb/pkg/pager"
	"github.com/stretchr/testify/require"
)

type durableAlways struct{}

func (durableAlways) DurableLSN() uint64 { return ^uint64(0) }

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	dir := t.TempDir()
	p, err := pager.Open(filepath.Join(dir, "index.dat"), config.SyncFull)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	pool := buffer.New(p, 64, config.EvictionClock, durableAlways{})
	tree, err := New(pool)
	require.NoError(t, err)
	return tree
}

func TestInsertAndSearch(t *testing.T) {
	tree := newTestTree(t)
	require.NoError(t, tree.Insert([]byte("alice"), 1))
	require.NoError(t, tree.Insert([]byte("bob"), 2))

	rowID, err := tree.Search([]byte("alice"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), rowID)

	_, err = tree.Search([]byte("carol"))
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.KindNotFound, kind)
}

func TestInsertDuplicateKeyFails(t *testing.T) {
	tree := newTestTree(t)
	require.NoError(t, tree.Insert([]byte("k"), 1))
	err := tree.Insert([]byte("k"), 2)
	require.Error(t, err)
	kind, _ := errs.KindOf(err)
	require.Equal(t, errs.KindConflict, kind)
}

func TestSplitAndRangeScanAcrossLeaves(t *testing.T) {
	tree := newTestTree(t)
	n := 2000
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%06d", i))
		require.NoError(t, tree.Insert(key, uint64(i)))
	}

	entries, err := tree.RangeScan(nil, nil)
	require.NoError(t, err)
	require.Len(t, entries, n)

	start := []byte(fmt.Sprintf("k%06d", 100))
	end := []byte(fmt.Sprintf("k%06d", 200))
	ranged, err := tree.RangeScan(start, end)
	require.NoError(t, err)
	require.Len(t, ranged, 101)
}

func TestDeleteRemovesKey(t *testing.T) {
	tree := newTestTree(t)
	for i := 0; i < 500; i++ {
		require.NoError(t, tree.Insert([]byte(fmt.Sprintf("k%04d", i)), uint64(i)))
	}
	require.NoError(t, tree.Delete([]byte("k0250")))

	_, err := tree.Search([]byte("k0250"))
	require.Error(t, err)

	entries, err := tree.RangeScan(nil, nil)
	require.NoError(t, err)
	require.Len(t, entries, 499)
}

func TestDeleteMissingKeyFails(t *testing.T) {
	tree := newTestTree(t)
	require.NoError(t, tree.Insert([]byte("k"), 1))
	err := tree.Delete([]byte("missing"))
	require.Error(t, err)
	kind, _ := errs.KindOf(err)
	require.Equal(t, errs.KindNotFound, kind)
}

func TestFrontCodingCompressesSortedKeys(t *testing.T) {
	n := newLeaf(1)
	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("prefix-shared-%05d", i))
		n.Keys = append(n.Keys, key)
		n.Values = append(n.Values, Entry{RowID: uint64(i)})
	}
	ratio := float64(n.compressedSize()) / float64(n.expandedSize())
	require.Less(t, ratio, 0.6, "front-coded leaf should compress to under 60%% of expanded size for highly-shared-prefix keys")
}

func TestFirstOnEmptyTreeReturnsNotFound(t *testing.T) {
	tree := newTestTree(t)
	_, _, err := tree.First()
	require.Error(t, err)
}

func TestFirstReturnsSmallestKey(t *testing.T) {
	tree := newTestTree(t)
	require.NoError(t, tree.Insert([]byte("zz"), 1))
	require.NoError(t, tree.Insert([]byte("aa"), 2))
	require.NoError(t, tree.Insert([]byte("mm"), 3))

	key, entry, err := tree.First()
	require.NoError(t, err)
	require.Equal(t, []byte("aa"), key)
	require.Equal(t, uint64(2), entry.RowID)
}
