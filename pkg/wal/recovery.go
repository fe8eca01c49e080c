package wal

import (
	"github.com/google/uuid"
	"github.com/nqdb/nqdb/pkg/page"
)

// AnalysisResult is the output of the ARIES Analysis pass: the set of
// transactions that were active at crash time and the earliest LSN each
// dirty page needs to be redone from. Redo/Undo interpretation of each
// Operation's payload is a storage-engine concern (spec.md §4.5), so this
// package stops at reconstructing the two tables.
type AnalysisResult struct {
	TxTable        map[uuid.UUID]txStatus
	DirtyPageTable map[page.ID]uint64
	RedoLSN        uint64 // lowest LSN any redo pass must start from
}

type txStatus struct {
	FirstLSN uint64
	LastLSN  uint64
	Status   string // "active", "committed", "aborted"
}

// Analyze replays the WAL from the most recent checkpoint (or the start of
// the log, if none) and reconstructs the transaction table and dirty page
// table per the ARIES Analysis phase.
func Analyze(w *WAL, lastCheckpointLSN uint64) (AnalysisResult, error) {
	recs, err := w.AllRecords()
	if err != nil {
		return AnalysisResult{}, err
	}

	result := AnalysisResult{
		TxTable:        make(map[uuid.UUID]txStatus),
		DirtyPageTable: make(map[page.ID]uint64),
	}

	// Seed from the checkpoint record whose LSN equals lastCheckpointLSN, if
	// present, so Analysis does not need to replay the entire log history.
	for _, rec := range recs {
		if rec.Kind == KindCheckpoint && rec.LSN == lastCheckpointLSN {
			info, err := DecodeCheckpoint(rec.Payload)
			if err != nil {
				return result, err
			}
			for id, lsn := range info.TxTable {
				result.TxTable[id] = txStatus{FirstLSN: lsn, LastLSN: lsn, Status: "active"}
			}
			for pid, lsn := range info.DirtyPageTable {
				result.DirtyPageTable[pid] = lsn
			}
		}
	}

	for _, rec := range recs {
		if rec.LSN <= lastCheckpointLSN && lastCheckpointLSN != 0 {
			continue
		}
		switch rec.Kind {
		case KindBegin:
			result.TxTable[rec.TxID] = txStatus{FirstLSN: rec.LSN, LastLSN: rec.LSN, Status: "active"}
		case KindOp:
			st := result.TxTable[rec.TxID]
			if st.FirstLSN == 0 {
				st.FirstLSN = rec.LSN
			}
			st.LastLSN = rec.LSN
			st.Status = "active"
			result.TxTable[rec.TxID] = st
			if pid, ok := decodeOpPageID(rec.Payload); ok {
				if _, seen := result.DirtyPageTable[pid]; !seen {
					result.DirtyPageTable[pid] = rec.LSN
				}
			}
		case KindCommit:
			st := result.TxTable[rec.TxID]
			st.LastLSN = rec.LSN
			st.Status = "committed"
			result.TxTable[rec.TxID] = st
		case KindAbort:
			st := result.TxTable[rec.TxID]
			st.LastLSN = rec.LSN
			st.Status = "aborted"
			result.TxTable[rec.TxID] = st
		case KindCLR:
			st := result.TxTable[rec.TxID]
			if st.FirstLSN == 0 {
				st.FirstLSN = rec.LSN
			}
			st.LastLSN = rec.LSN
			result.TxTable[rec.TxID] = st
			if pid, ok := decodeOpPageID(rec.Payload); ok {
				if _, seen := result.DirtyPageTable[pid]; !seen {
					result.DirtyPageTable[pid] = rec.LSN
				}
			}
		}
	}

	result.RedoLSN = lastCheckpointLSN
	for _, lsn := range result.DirtyPageTable {
		if result.RedoLSN == 0 || lsn < result.RedoLSN {
			result.RedoLSN = lsn
		}
	}
	return result, nil
}

// decodeOpPageID extracts the leading 8-byte page ID that storage-engine Op
// payloads are expected to carry as their first field, if the payload is at
// least that long. Returning false simply means the page isn't tracked for
// redo-start purposes; the storage engine's own redo pass still interprets
// the full payload.
func decodeOpPageID(payload []byte) (page.ID, bool) {
	if len(payload) < 8 {
		return 0, false
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(payload[i])
	}
	return page.ID(v), true
}

// ActiveTransactions returns the transaction IDs Analysis found still open
// at crash time — these require Undo.
func (r AnalysisResult) ActiveTransactions() []uuid.UUID {
	var ids []uuid.UUID
	for id, st := range r.TxTable {
		if st.Status == "active" {
			ids = append(ids, id)
		}
	}
	return ids
}
