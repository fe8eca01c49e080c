package wal

import (
	"testing"

	"github.com/google/uuid"
	"github.com/nqdb/nqdb/pkg/config"
	"github.com/nqdb/nqdb/pkg/page"
	"github.com/stretchr/testify/require"
)

func newTestWAL(t *testing.T, segmentSize int64) *WAL {
	t.Helper()
	dir := t.TempDir()
	w, err := Open(dir, segmentSize, config.SyncFull, 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestAppendAssignsIncreasingLSNs(t *testing.T) {
	w := newTestWAL(t, 1<<20)
	txID := uuid.New()

	lsn1, err := w.Append(Record{Kind: KindBegin, TxID: txID})
	require.NoError(t, err)
	lsn2, err := w.Append(Record{Kind: KindOp, TxID: txID, Payload: []byte("payload")})
	require.NoError(t, err)
	lsn3, err := w.Append(Record{Kind: KindCommit, TxID: txID})
	require.NoError(t, err)

	require.Less(t, lsn1, lsn2)
	require.Less(t, lsn2, lsn3)
}

func TestCommitBlocksUntilDurable(t *testing.T) {
	w := newTestWAL(t, 1<<20)
	txID := uuid.New()

	lsn, err := w.Append(Record{Kind: KindCommit, TxID: txID})
	require.NoError(t, err)
	require.GreaterOrEqual(t, w.DurableLSN(), lsn)
}

func TestRoundTripAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 1<<20, config.SyncFull, 2)
	require.NoError(t, err)

	txID := uuid.New()
	_, err = w.Append(Record{Kind: KindBegin, TxID: txID})
	require.NoError(t, err)
	_, err = w.Append(Record{Kind: KindOp, TxID: txID, Payload: []byte("hello")})
	require.NoError(t, err)
	lastLSN, err := w.Append(Record{Kind: KindCommit, TxID: txID})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w2, err := Open(dir, 1<<20, config.SyncFull, 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w2.Close() })

	recs, err := w2.AllRecords()
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, lastLSN, recs[2].LSN)
	require.Equal(t, []byte("hello"), recs[1].Payload)

	nextLSN, err := w2.Append(Record{Kind: KindBegin, TxID: uuid.New()})
	require.NoError(t, err)
	require.Greater(t, nextLSN, lastLSN)
}

func TestSegmentRotationOnSizeOverflow(t *testing.T) {
	w := newTestWAL(t, 128) // tiny segments force rotation quickly
	txID := uuid.New()
	for i := 0; i < 50; i++ {
		_, err := w.Append(Record{Kind: KindOp, TxID: txID, Payload: []byte("0123456789abcdef")})
		require.NoError(t, err)
	}
	require.Greater(t, w.SegmentCount(), 1)
}

func TestCheckpointRoundTrip(t *testing.T) {
	w := newTestWAL(t, 1<<20)
	txID := uuid.New()
	info := CheckpointInfo{
		ActiveTx:       []uuid.UUID{txID},
		TxTable:        map[uuid.UUID]uint64{txID: 5},
		DirtyPageTable: map[page.ID]uint64{page.ID(3): 5},
	}
	lsn, err := w.Checkpoint(info)
	require.NoError(t, err)
	require.Greater(t, lsn, uint64(0))

	recs, err := w.AllRecords()
	require.NoError(t, err)
	require.Equal(t, KindCheckpoint, recs[len(recs)-1].Kind)

	decoded, err := DecodeCheckpoint(recs[len(recs)-1].Payload)
	require.NoError(t, err)
	require.Equal(t, info.TxTable, decoded.TxTable)
	require.Equal(t, info.DirtyPageTable, decoded.DirtyPageTable)
}

func TestAnalyzeReconstructsTxTable(t *testing.T) {
	w := newTestWAL(t, 1<<20)
	committedTx := uuid.New()
	activeTx := uuid.New()

	_, err := w.Append(Record{Kind: KindBegin, TxID: committedTx})
	require.NoError(t, err)
	_, err = w.Append(Record{Kind: KindOp, TxID: committedTx, Payload: make([]byte, 8)})
	require.NoError(t, err)
	_, err = w.Append(Record{Kind: KindCommit, TxID: committedTx})
	require.NoError(t, err)

	_, err = w.Append(Record{Kind: KindBegin, TxID: activeTx})
	require.NoError(t, err)
	_, err = w.Append(Record{Kind: KindOp, TxID: activeTx, Payload: make([]byte, 8)})
	require.NoError(t, err)

	result, err := Analyze(w, 0)
	require.NoError(t, err)
	require.Equal(t, "committed", result.TxTable[committedTx].Status)
	require.Equal(t, "active", result.TxTable[activeTx].Status)
	require.ElementsMatch(t, []uuid.UUID{activeTx}, result.ActiveTransactions())
}

func TestReclaimSegmentsRespectsMinKeepAndCheckpoint(t *testing.T) {
	w := newTestWAL(t, 128)
	txID := uuid.New()
	var lastLSN uint64
	for i := 0; i < 50; i++ {
		lsn, err := w.Append(Record{Kind: KindOp, TxID: txID, Payload: []byte("0123456789abcdef")})
		require.NoError(t, err)
		lastLSN = lsn
	}
	before := w.SegmentCount()
	require.NoError(t, w.ReclaimSegments(lastLSN, 0))
	require.LessOrEqual(t, w.SegmentCount(), before)
	require.GreaterOrEqual(t, w.SegmentCount(), 2) // min_segments_to_keep
}
