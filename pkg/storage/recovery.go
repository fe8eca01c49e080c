package storage

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nqdb/nqdb/pkg/log"
	"github.com/nqdb/nqdb/pkg/page"
	"github.com/nqdb/nqdb/pkg/types"
	"github.com/nqdb/nqdb/pkg/wal"
)

// opKindTags/opKindFromTag map an Operation's Kind to the single byte
// stored in its WAL payload, and back.
var opKindTags = map[types.OperationKind]byte{
	types.OpInsert:      1,
	types.OpUpdate:      2,
	types.OpDelete:      3,
	types.OpCreateTable: 4,
	types.OpDropTable:   5,
	types.OpAlterTable:  6,
}

var opKindFromTag = map[byte]types.OperationKind{
	1: types.OpInsert,
	2: types.OpUpdate,
	3: types.OpDelete,
	4: types.OpCreateTable,
	5: types.OpDropTable,
	6: types.OpAlterTable,
}

// encodeOpPayload serializes the page a mutation affects plus its row
// before/after images into a WAL record payload, giving recovery's Redo and
// Undo passes everything needed to replay or compensate the mutation
// without consulting any other engine state (spec.md §4.3). The leading
// 8-byte page id matches wal.decodeOpPageID's convention for Analysis's
// dirty-page tracking.
func encodeOpPayload(pageID page.ID, op types.Operation) []byte {
	buf := make([]byte, 0, 256)
	buf = appendU64(buf, uint64(pageID))
	buf = append(buf, opKindTags[op.Kind])
	buf = appendBytes(buf, []byte(op.Table))
	buf = appendU64(buf, uint64(op.RowID))
	buf = appendFieldImage(buf, op.Before)
	buf = appendFieldImage(buf, op.After)
	return buf
}

// decodeOpPayload is the inverse of encodeOpPayload. It additionally
// reports how many bytes it consumed, so a CLR payload (which appends a
// trailer after the same shape) can find where the operation ends.
func decodeOpPayload(payload []byte) (page.ID, types.Operation, int, error) {
	if len(payload) < 9 {
		return 0, types.Operation{}, 0, fmt.Errorf("storage: truncated op payload")
	}
	pageID := page.ID(binary.BigEndian.Uint64(payload[0:8]))
	off := 8
	kind, ok := opKindFromTag[payload[off]]
	if !ok {
		return 0, types.Operation{}, 0, fmt.Errorf("storage: unknown op kind tag %d", payload[off])
	}
	off++

	table, n, err := decodeBytes(payload[off:])
	if err != nil {
		return 0, types.Operation{}, 0, err
	}
	off += n

	if off+8 > len(payload) {
		return 0, types.Operation{}, 0, fmt.Errorf("storage: truncated op payload")
	}
	rowID := types.RowID(binary.BigEndian.Uint64(payload[off : off+8]))
	off += 8

	before, n, err := decodeFieldImage(payload[off:])
	if err != nil {
		return 0, types.Operation{}, 0, err
	}
	off += n

	after, n, err := decodeFieldImage(payload[off:])
	if err != nil {
		return 0, types.Operation{}, 0, err
	}
	off += n

	return pageID, types.Operation{Kind: kind, Table: string(table), RowID: rowID, Before: before, After: after}, off, nil
}

func appendFieldImage(buf []byte, fields map[string]types.Value) []byte {
	if fields == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	buf = appendU16(buf, uint16(len(fields)))
	for k, v := range fields {
		buf = appendBytes(buf, []byte(k))
		buf = appendValue(buf, v)
	}
	return buf
}

func decodeFieldImage(buf []byte) (map[string]types.Value, int, error) {
	if len(buf) < 1 {
		return nil, 0, fmt.Errorf("storage: truncated field image")
	}
	if buf[0] == 0 {
		return nil, 1, nil
	}
	off := 1
	if off+2 > len(buf) {
		return nil, 0, fmt.Errorf("storage: truncated field image")
	}
	count := int(binary.BigEndian.Uint16(buf[off : off+2]))
	off += 2
	out := make(map[string]types.Value, count)
	for i := 0; i < count; i++ {
		key, n, err := decodeBytes(buf[off:])
		if err != nil {
			return nil, 0, err
		}
		off += n
		v, n, err := decodeValue(buf[off:])
		if err != nil {
			return nil, 0, err
		}
		off += n
		out[string(key)] = v
	}
	return out, off, nil
}

// encodeCLRPayload wraps a compensating operation with the LSN it
// compensates and the LSN recovery should resume undoing from next for the
// same transaction (spec.md §4.3 Undo; glossary: CLR).
func encodeCLRPayload(pageID page.ID, op types.Operation, compensatedLSN, undoNextLSN uint64) []byte {
	buf := encodeOpPayload(pageID, op)
	buf = appendU64(buf, compensatedLSN)
	buf = appendU64(buf, undoNextLSN)
	return buf
}

func decodeCLRPayload(payload []byte) (compensatedLSN, undoNextLSN uint64, err error) {
	_, _, n, err := decodeOpPayload(payload)
	if err != nil {
		return 0, 0, err
	}
	if n+16 > len(payload) {
		return 0, 0, fmt.Errorf("storage: truncated CLR trailer")
	}
	return binary.BigEndian.Uint64(payload[n : n+8]), binary.BigEndian.Uint64(payload[n+8 : n+16]), nil
}

// recover runs the ARIES Analysis, Redo and Undo passes over the WAL
// (spec.md §4.3) before the engine accepts new work. Redo replays every
// logged mutation from the Analysis-computed RedoLSN forward, including
// ones made by transactions that will turn out to be losers, since the
// buffer pool is write-back and a page is otherwise lost entirely if it was
// still dirty when the process died. Undo then compensates every
// transaction Analysis found still active at crash time, writing a CLR for
// each reversed operation so a crash during recovery itself resumes
// correctly instead of re-undoing already-compensated work.
func (e *Engine) recover(lastCheckpointLSN uint64) error {
	result, err := wal.Analyze(e.wal, lastCheckpointLSN)
	if err != nil {
		return err
	}
	if err := e.redo(result); err != nil {
		return err
	}
	return e.undo(result)
}

// redo replays every KindOp/KindCLR record at or after result.RedoLSN
// directly through the pager, bypassing the buffer pool's WAL-rule gate
// since recovery is itself establishing what is durable.
func (e *Engine) redo(result wal.AnalysisResult) error {
	recs, err := e.wal.AllRecords()
	if err != nil {
		return err
	}
	touched := make(map[string]*table)
	redone := 0
	for _, rec := range recs {
		if rec.Kind != wal.KindOp && rec.Kind != wal.KindCLR {
			continue
		}
		if rec.LSN < result.RedoLSN {
			continue
		}
		pageID, op, _, err := decodeOpPayload(rec.Payload)
		if err != nil {
			// a record from before this engine logged real op payloads,
			// or a payload too short to interpret; nothing to redo.
			continue
		}
		t, ok := e.tables[op.Table]
		if !ok {
			continue
		}
		if e.redoOp(t, pageID, op) {
			redone++
			touched[op.Table] = t
		}
	}
	for name, t := range touched {
		if err := e.saveLocations(name, t); err != nil {
			return err
		}
	}
	if redone > 0 {
		log.WithComponent("storage").Info().Int("records", redone).Msg("redo pass replayed pending mutations")
	}
	return nil
}

// redoOp re-applies a single logged mutation's effect on disk, reporting
// whether it changed t's row directory.
func (e *Engine) redoOp(t *table, pageID page.ID, op types.Operation) bool {
	switch op.Kind {
	case types.OpInsert, types.OpUpdate:
		if op.After == nil || pageID == 0 {
			return false
		}
		row := &types.Row{ID: op.RowID, Fields: op.After, UpdatedAt: time.Now()}
		pg := page.New(pageID, page.TypeData)
		pg.SetPayload(encodeRow(row, t.schema))
		if err := e.pager.WritePage(pg); err != nil {
			return false
		}
		t.mu.Lock()
		t.locations[op.RowID] = pageID
		t.mu.Unlock()
		e.cache.invalidate(rowCacheKey(op.Table, op.RowID))
		return true
	case types.OpDelete:
		t.mu.Lock()
		_, existed := t.locations[op.RowID]
		delete(t.locations, op.RowID)
		t.mu.Unlock()
		if existed {
			e.cache.invalidate(rowCacheKey(op.Table, op.RowID))
		}
		return existed
	}
	return false
}

// undo compensates every transaction Analysis found still active at crash
// time, oldest-operation-last, writing one CLR per reversed operation.
func (e *Engine) undo(result wal.AnalysisResult) error {
	losers := result.ActiveTransactions()
	if len(losers) == 0 {
		return nil
	}
	recs, err := e.wal.AllRecords()
	if err != nil {
		return err
	}
	undoLog := log.WithComponent("storage")
	for _, txID := range losers {
		if err := e.undoTransaction(txID, recs); err != nil {
			return err
		}
		undoLog.Warn().Str("tx_id", txID.String()).Msg("rolled back transaction left active by crash")
	}
	return nil
}

// undoTransaction reverses txID's logged operations in reverse LSN order,
// skipping any already compensated by a CLR from a prior, interrupted
// recovery attempt, then closes the transaction out with an abort record.
func (e *Engine) undoTransaction(txID uuid.UUID, all []*wal.Record) error {
	var ops []*wal.Record
	compensated := make(map[uint64]bool)
	for _, rec := range all {
		if rec.TxID != txID {
			continue
		}
		switch rec.Kind {
		case wal.KindOp:
			ops = append(ops, rec)
		case wal.KindCLR:
			if compLSN, _, err := decodeCLRPayload(rec.Payload); err == nil {
				compensated[compLSN] = true
			}
		}
	}

	for i := len(ops) - 1; i >= 0; i-- {
		rec := ops[i]
		if compensated[rec.LSN] {
			continue
		}
		_, op, _, err := decodeOpPayload(rec.Payload)
		if err != nil {
			continue
		}
		loc, err := e.undoOp(op)
		if err != nil {
			return err
		}
		var undoNext uint64
		if i > 0 {
			undoNext = ops[i-1].LSN
		}
		lsn, err := e.wal.Append(wal.Record{
			TxID:    txID,
			Kind:    wal.KindCLR,
			Payload: encodeCLRPayload(loc, compensationOp(op), rec.LSN, undoNext),
		})
		if err != nil {
			return err
		}
		if loc != 0 {
			e.pool.SetPageLSN(loc, lsn)
		}
	}

	_, err := e.wal.Append(wal.Record{TxID: txID, Kind: wal.KindAbort})
	return err
}

// undoOp reverses a single logged mutation's effect, returning the page id
// it left the restored row on, or 0 if the operation freed a page instead.
func (e *Engine) undoOp(op types.Operation) (page.ID, error) {
	t, ok := e.tables[op.Table]
	if !ok {
		return 0, nil
	}
	switch op.Kind {
	case types.OpInsert:
		if err := e.deleteRowDirect(op.Table, op.RowID); err != nil {
			return 0, err
		}
		return 0, nil
	case types.OpDelete:
		if op.Before == nil {
			return 0, nil
		}
		row := &types.Row{ID: op.RowID, Fields: op.Before, UpdatedAt: time.Now()}
		if err := e.reinsertRowDirect(op.Table, row); err != nil {
			return 0, err
		}
	case types.OpUpdate:
		if op.Before == nil {
			return 0, nil
		}
		row := &types.Row{ID: op.RowID, Fields: op.Before, UpdatedAt: time.Now()}
		if err := e.updateRowDirect(op.Table, row); err != nil {
			return 0, err
		}
	default:
		return 0, nil
	}
	t.mu.RLock()
	loc := t.locations[op.RowID]
	t.mu.RUnlock()
	return loc, nil
}

// compensationOp describes the physical effect undoOp just applied, in the
// same shape a forward operation would log it, so the CLR recording it is
// itself redoable if recovery crashes again before the compensation reaches
// disk.
func compensationOp(op types.Operation) types.Operation {
	switch op.Kind {
	case types.OpInsert:
		return types.Operation{Kind: types.OpDelete, Table: op.Table, RowID: op.RowID, Before: op.After}
	case types.OpDelete:
		return types.Operation{Kind: types.OpInsert, Table: op.Table, RowID: op.RowID, After: op.Before}
	case types.OpUpdate:
		return types.Operation{Kind: types.OpUpdate, Table: op.Table, RowID: op.RowID, Before: op.After, After: op.Before}
	default:
		return op
	}
}
