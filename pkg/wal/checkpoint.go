package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/nqdb/nqdb/pkg/page"
)

// CheckpointInfo is the payload of a KindCheckpoint record: a fuzzy,
// non-blocking snapshot of in-flight state (spec.md §4.3 Checkpointing).
// It never blocks new transactions — active_tx and dirty_page_table are
// captured under the buffer pool / transaction manager's own locks, then
// handed here to encode, not recomputed.
type CheckpointInfo struct {
	ActiveTx       []uuid.UUID
	TxTable        map[uuid.UUID]uint64 // tx_id -> first (earliest) LSN
	DirtyPageTable map[page.ID]uint64   // page_id -> recovery LSN
}

// EncodeCheckpoint serializes a CheckpointInfo to a WAL record payload.
func EncodeCheckpoint(info CheckpointInfo) []byte {
	buf := make([]byte, 0, 64)
	buf = appendUint32(buf, uint32(len(info.ActiveTx)))
	for _, id := range info.ActiveTx {
		buf = append(buf, id[:]...)
	}
	buf = appendUint32(buf, uint32(len(info.TxTable)))
	for id, lsn := range info.TxTable {
		buf = append(buf, id[:]...)
		buf = appendUint64(buf, lsn)
	}
	buf = appendUint32(buf, uint32(len(info.DirtyPageTable)))
	for pid, lsn := range info.DirtyPageTable {
		buf = appendUint64(buf, uint64(pid))
		buf = appendUint64(buf, lsn)
	}
	return buf
}

// DecodeCheckpoint parses a checkpoint record payload produced by
// EncodeCheckpoint.
func DecodeCheckpoint(data []byte) (CheckpointInfo, error) {
	var info CheckpointInfo
	off := 0
	readUint32 := func() (uint32, error) {
		if off+4 > len(data) {
			return 0, fmt.Errorf("wal: truncated checkpoint record")
		}
		v := binary.BigEndian.Uint32(data[off : off+4])
		off += 4
		return v, nil
	}
	readUint64 := func() (uint64, error) {
		if off+8 > len(data) {
			return 0, fmt.Errorf("wal: truncated checkpoint record")
		}
		v := binary.BigEndian.Uint64(data[off : off+8])
		off += 8
		return v, nil
	}
	readUUID := func() (uuid.UUID, error) {
		var id uuid.UUID
		if off+16 > len(data) {
			return id, fmt.Errorf("wal: truncated checkpoint record")
		}
		copy(id[:], data[off:off+16])
		off += 16
		return id, nil
	}

	nActive, err := readUint32()
	if err != nil {
		return info, err
	}
	info.ActiveTx = make([]uuid.UUID, 0, nActive)
	for i := uint32(0); i < nActive; i++ {
		id, err := readUUID()
		if err != nil {
			return info, err
		}
		info.ActiveTx = append(info.ActiveTx, id)
	}

	nTx, err := readUint32()
	if err != nil {
		return info, err
	}
	info.TxTable = make(map[uuid.UUID]uint64, nTx)
	for i := uint32(0); i < nTx; i++ {
		id, err := readUUID()
		if err != nil {
			return info, err
		}
		lsn, err := readUint64()
		if err != nil {
			return info, err
		}
		info.TxTable[id] = lsn
	}

	nDirty, err := readUint32()
	if err != nil {
		return info, err
	}
	info.DirtyPageTable = make(map[page.ID]uint64, nDirty)
	for i := uint32(0); i < nDirty; i++ {
		pid, err := readUint64()
		if err != nil {
			return info, err
		}
		lsn, err := readUint64()
		if err != nil {
			return info, err
		}
		info.DirtyPageTable[page.ID(pid)] = lsn
	}
	return info, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

// Checkpoint appends a fuzzy checkpoint record and forces an fsync: the
// pager only advances LastCheckpointLSN once this call returns (spec.md
// §4.3(a)), so recovery never starts Analysis before an earlier checkpoint
// than what actually reached disk.
func (w *WAL) Checkpoint(info CheckpointInfo) (uint64, error) {
	rec := Record{Kind: KindCheckpoint, Payload: EncodeCheckpoint(info)}
	return w.Append(rec)
}

// OldestActiveLSN returns the minimum first-LSN among a checkpoint's
// active transactions, used by ReclaimSegments so that a segment holding
// an active transaction's begin record is never deleted.
func OldestActiveLSN(info CheckpointInfo) uint64 {
	var min uint64
	for _, lsn := range info.TxTable {
		if min == 0 || lsn < min {
			min = lsn
		}
	}
	return min
}
