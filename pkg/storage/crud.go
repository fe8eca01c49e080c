package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/nqdb/nqdb/pkg/errs"
	"github.com/nqdb/nqdb/pkg/page"
	"github.com/nqdb/nqdb/pkg/txn"
	"github.com/nqdb/nqdb/pkg/types"
)

// readRow loads and decodes the row stored at loc, consulting the row cache
// first.
func (e *Engine) readRow(tableName string, t *table, id types.RowID) (*types.Row, error) {
	key := rowCacheKey(tableName, id)
	if row, ok := e.cache.get(key); ok {
		return row, nil
	}
	t.mu.RLock()
	loc, ok := t.locations[id]
	t.mu.RUnlock()
	if !ok {
		return nil, errs.RowNotFound(uint64(id))
	}
	pg, err := e.pool.Fetch(loc)
	if err != nil {
		return nil, err
	}
	defer e.pool.Unpin(loc, false)
	row, err := decodeRow(pg.Payload(), t.schema)
	if err != nil {
		return nil, err
	}
	e.cache.put(key, row)
	return row, nil
}

// writeRow allocates (or reuses) a page for row and persists its encoded
// form there in one step, updating the directory and invalidating the
// cache entry. Used by callers that don't themselves log a WAL op for the
// write (Rollback's direct re-application of a prior operation's effect);
// transactional CRUD instead calls stageRowWrite/finishRowWrite around its
// own AppendOp, so the page's LSN is stamped before it can be flushed.
func (e *Engine) writeRow(tableName string, t *table, row *types.Row) error {
	loc, isNew, err := e.stageRowWrite(t, row)
	if err != nil {
		return err
	}
	e.finishRowWrite(tableName, t, row, loc, isNew)
	return nil
}

// stageRowWrite fetches (or allocates) the page backing row's id and writes
// its encoded payload, returning the page id and whether it was newly
// allocated without unpinning it. Callers must append the mutation's WAL
// record, stamp its LSN onto the page via the buffer pool's SetPageLSN, and
// only then call finishRowWrite — preserving the WAL rule that a page may
// not reach disk ahead of the log record describing it (spec.md §4.2, §8
// invariant 6).
func (e *Engine) stageRowWrite(t *table, row *types.Row) (page.ID, bool, error) {
	encoded := encodeRow(row, t.schema)
	if len(encoded) > page.MaxPayload {
		return 0, false, errs.CapacityExceeded("row exceeds page size; overflow pages are not supported")
	}

	t.mu.RLock()
	loc, exists := t.locations[row.ID]
	t.mu.RUnlock()

	if exists {
		pg, err := e.pool.Fetch(loc)
		if err != nil {
			return 0, false, err
		}
		pg.SetPayload(encoded)
		return loc, false, nil
	}

	pg, err := e.pool.NewPage(page.TypeData)
	if err != nil {
		return 0, false, err
	}
	pg.SetPayload(encoded)
	return pg.ID(), true, nil
}

// finishRowWrite unpins loc dirty and updates the directory/cache. Call
// only after the mutation's WAL record's LSN has been stamped onto loc.
func (e *Engine) finishRowWrite(tableName string, t *table, row *types.Row, loc page.ID, isNew bool) {
	e.pool.Unpin(loc, true)
	if isNew {
		t.mu.Lock()
		t.locations[row.ID] = loc
		t.mu.Unlock()
	}
	e.cache.invalidate(rowCacheKey(tableName, row.ID))
}

// removeRow frees the page backing id and drops it from the directory and
// cache. The page is returned to the pager's free list for reuse.
func (e *Engine) removeRow(tableName string, t *table, id types.RowID) error {
	t.mu.Lock()
	loc, ok := t.locations[id]
	if ok {
		delete(t.locations, id)
	}
	t.mu.Unlock()
	e.cache.invalidate(rowCacheKey(tableName, id))
	if !ok {
		return nil
	}
	return e.pool.Free(loc)
}

// nextID mints a value for schema's AutoIncrementColumn per its IDStrategy.
func nextID(schema *types.TableSchema) types.Value {
	switch schema.IDStrategy {
	case types.IDStrategyUUID:
		return types.UUIDValue(uuid.New())
	case types.IDStrategySnowflake:
		return types.IntValue(snowflakeNext(schema))
	default: // AutoIncrement
		schema.NextAutoIncrement++
		return types.IntValue(int64(schema.NextAutoIncrement))
	}
}

// snowflakeNext packs (41-bit millis since epoch | 10-bit node | 12-bit
// sequence) into an int64, reusing NextAutoIncrement as the per-node
// sequence counter so no extra schema field is needed.
func snowflakeNext(schema *types.TableSchema) int64 {
	schema.NextAutoIncrement++
	millis := time.Now().UnixMilli() & ((1 << 41) - 1)
	node := int64(schema.SnowflakeNodeID) & ((1 << 10) - 1)
	seq := int64(schema.NextAutoIncrement) & ((1 << 12) - 1)
	return (millis << 22) | (node << 12) | seq
}

// InsertRow assigns the table's PK/ID strategy, enforces FK constraints,
// and durably persists a new row, all inside its own transaction.
func (e *Engine) InsertRow(tableName string, fields map[string]types.Value) (*types.Row, error) {
	defer observeQuery("insert", time.Now())
	t, err := e.getTable(tableName)
	if err != nil {
		return nil, err
	}
	tx, err := e.BeginTransaction(types.ReadCommitted)
	if err != nil {
		return nil, err
	}

	fields = cloneFields(fields)
	if schemaAutoAssigns(t.schema) {
		if _, present := fields[t.schema.AutoIncrementColumn]; !present {
			fields[t.schema.AutoIncrementColumn] = nextID(t.schema)
		}
	}
	if err := e.checkInsertFKs(t.schema, fields); err != nil {
		_ = e.Rollback(tx)
		return nil, err
	}

	t.mu.Lock()
	t.nextRowID++
	rowID := t.nextRowID
	t.mu.Unlock()

	now := time.Now()
	row := &types.Row{ID: rowID, Fields: fields, CreatedAt: now, UpdatedAt: now}

	pkVal, err := primaryKeyValue(t.schema, fields)
	if err != nil {
		_ = e.Rollback(tx)
		return nil, err
	}
	if _, err := t.index.Search(encodeIndexKey(pkVal)); err == nil {
		_ = e.Rollback(tx)
		return nil, errs.DuplicateKey(t.schema.PrimaryKey)
	}

	if err := e.txns.LockRow(tx, rowLockKey(tableName, rowID), txn.LockExclusive); err != nil {
		_ = e.Rollback(tx)
		return nil, err
	}

	loc, isNew, err := e.stageRowWrite(t, row)
	if err != nil {
		_ = e.Rollback(tx)
		return nil, err
	}
	lsn, err := e.AppendOp(tx, types.Operation{Kind: types.OpInsert, Table: tableName, RowID: rowID, After: fields}, loc)
	if err != nil {
		_ = e.Rollback(tx)
		return nil, err
	}
	e.pool.SetPageLSN(loc, lsn)
	e.finishRowWrite(tableName, t, row, loc, isNew)

	if err := t.index.Insert(encodeIndexKey(pkVal), uint64(rowID)); err != nil {
		_ = e.removeRow(tableName, t, rowID)
		_ = e.Rollback(tx)
		return nil, err
	}
	if err := e.saveLocations(tableName, t); err != nil {
		_ = e.Rollback(tx)
		return nil, err
	}
	if err := saveSchema(e.dataDir, t.schema); err != nil {
		_ = e.Rollback(tx)
		return nil, err
	}
	if err := e.Commit(tx); err != nil {
		return nil, err
	}
	return row, nil
}

// AppendOp serializes op together with the page it affects into the WAL
// record payload, so a crash can redo or undo it, and returns the record's
// LSN so the caller can stamp pageID via the buffer pool's SetPageLSN
// before unpinning it (spec.md §4.2 WAL rule, §4.3 Redo/Undo).
func (e *Engine) AppendOp(tx *types.Transaction, op types.Operation, pageID page.ID) (uint64, error) {
	return e.txns.AppendOp(tx, op, encodeOpPayload(pageID, op))
}

func rowLockKey(table string, id types.RowID) string {
	return table + "#" + itoa(uint64(id))
}

func cloneFields(in map[string]types.Value) map[string]types.Value {
	out := make(map[string]types.Value, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func schemaAutoAssigns(schema *types.TableSchema) bool {
	return schema.AutoIncrementColumn != ""
}

func primaryKeyValue(schema *types.TableSchema, fields map[string]types.Value) (types.Value, error) {
	v, ok := fields[schema.PrimaryKey]
	if !ok || v.IsNull() {
		return types.Value{}, errs.New(errs.KindConflict, "MissingPrimaryKey", "row is missing its primary key value")
	}
	return v, nil
}

// Select scans table and returns every row for which predicate returns
// true. predicate may be nil to select every row.
func (e *Engine) Select(tableName string, predicate func(*types.Row) bool) ([]*types.Row, error) {
	defer observeQuery("select", time.Now())
	t, err := e.getTable(tableName)
	if err != nil {
		return nil, err
	}
	t.mu.RLock()
	ids := make([]types.RowID, 0, len(t.locations))
	for id := range t.locations {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	var examined int64
	var hits, misses int64
	out := make([]*types.Row, 0, len(ids))
	for _, id := range ids {
		examined++
		key := rowCacheKey(tableName, id)
		if _, ok := e.cache.get(key); ok {
			hits++
		} else {
			misses++
		}
		row, err := e.readRow(tableName, t, id)
		if err != nil {
			continue
		}
		if predicate == nil || predicate(row) {
			out = append(out, row)
		}
	}
	e.recordStats(hits, misses, examined, "", false)
	return out, nil
}

// findRowByColumn scans t for the first row whose column equals v; used by
// FK enforcement. A future revision could maintain a secondary btree per FK
// target column, but a single engine-wide table scan budget (spec.md §4.5
// Non-goals exclude query planning) keeps this simple for now.
func (e *Engine) findRowByColumn(t *table, column string, v types.Value) (*types.Row, bool) {
	t.mu.RLock()
	ids := make([]types.RowID, 0, len(t.locations))
	for id := range t.locations {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	for _, id := range ids {
		row, err := e.readRow(t.name, t, id)
		if err != nil {
			continue
		}
		if fv, ok := row.Fields[column]; ok && fv.Equal(v) {
			return row, true
		}
	}
	return nil, false
}

func (e *Engine) findAllRowsByColumn(t *table, column string, v types.Value) []*types.Row {
	t.mu.RLock()
	ids := make([]types.RowID, 0, len(t.locations))
	for id := range t.locations {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	var out []*types.Row
	for _, id := range ids {
		row, err := e.readRow(t.name, t, id)
		if err != nil {
			continue
		}
		if fv, ok := row.Fields[column]; ok && fv.Equal(v) {
			out = append(out, row)
		}
	}
	return out
}

// UpdateRows applies patch to every row in table matching predicate,
// inside its own transaction.
func (e *Engine) UpdateRows(tableName string, predicate func(*types.Row) bool, patch func(*types.Row)) (int, error) {
	defer observeQuery("update", time.Now())
	t, err := e.getTable(tableName)
	if err != nil {
		return 0, err
	}
	rows, err := e.Select(tableName, predicate)
	if err != nil {
		return 0, err
	}
	tx, err := e.BeginTransaction(types.ReadCommitted)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, row := range rows {
		before := cloneFields(row.Fields)
		patch(row)
		row.UpdatedAt = time.Now()
		if err := e.txns.LockRow(tx, rowLockKey(tableName, row.ID), txn.LockExclusive); err != nil {
			_ = e.Rollback(tx)
			return count, err
		}
		loc, isNew, err := e.stageRowWrite(t, row)
		if err != nil {
			_ = e.Rollback(tx)
			return count, err
		}
		lsn, err := e.AppendOp(tx, types.Operation{Kind: types.OpUpdate, Table: tableName, RowID: row.ID, Before: before, After: cloneFields(row.Fields)}, loc)
		if err != nil {
			_ = e.Rollback(tx)
			return count, err
		}
		e.pool.SetPageLSN(loc, lsn)
		e.finishRowWrite(tableName, t, row, loc, isNew)
		count++
	}
	if err := e.Commit(tx); err != nil {
		return count, err
	}
	return count, nil
}

// DeleteRows removes every row in table matching predicate, cascading FKs
// per each dependent table's OnDelete action, inside its own transaction.
func (e *Engine) DeleteRows(tableName string, predicate func(*types.Row) bool) (int, error) {
	defer observeQuery("delete", time.Now())
	t, err := e.getTable(tableName)
	if err != nil {
		return 0, err
	}
	rows, err := e.Select(tableName, predicate)
	if err != nil {
		return 0, err
	}
	tx, err := e.BeginTransaction(types.ReadCommitted)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, row := range rows {
		pkVal := row.Fields[t.schema.PrimaryKey]
		if err := e.cascadeDelete(tableName, t.schema.PrimaryKey, pkVal, make(map[string]bool), 0); err != nil {
			_ = e.Rollback(tx)
			return count, err
		}
		if err := e.txns.LockRow(tx, rowLockKey(tableName, row.ID), txn.LockExclusive); err != nil {
			_ = e.Rollback(tx)
			return count, err
		}
		t.mu.RLock()
		loc := t.locations[row.ID]
		t.mu.RUnlock()
		if _, err := e.AppendOp(tx, types.Operation{Kind: types.OpDelete, Table: tableName, RowID: row.ID, Before: cloneFields(row.Fields)}, loc); err != nil {
			_ = e.Rollback(tx)
			return count, err
		}
		if err := e.deleteRowDirect(tableName, row.ID); err != nil {
			_ = e.Rollback(tx)
			return count, err
		}
		count++
	}
	if err := e.Commit(tx); err != nil {
		return count, err
	}
	return count, nil
}

// deleteRowDirect removes a row's page, directory entry, and index entry
// without its own transaction; callers (DeleteRows, cascadeDelete,
// Rollback) supply their own transactional context.
func (e *Engine) deleteRowDirect(tableName string, id types.RowID) error {
	t, err := e.getTable(tableName)
	if err != nil {
		return err
	}
	row, err := e.readRow(tableName, t, id)
	if err != nil {
		return err
	}
	if pkVal, ok := row.Fields[t.schema.PrimaryKey]; ok {
		_ = t.index.Delete(encodeIndexKey(pkVal))
	}
	if err := e.removeRow(tableName, t, id); err != nil {
		return err
	}
	return e.saveLocations(tableName, t)
}

// updateRowDirect re-persists row's current field values without its own
// transaction.
func (e *Engine) updateRowDirect(tableName string, row *types.Row) error {
	t, err := e.getTable(tableName)
	if err != nil {
		return err
	}
	return e.writeRow(tableName, t, row)
}

// reinsertRowDirect restores a previously deleted row (Rollback of a
// DeleteRows operation), re-establishing both its page and index entry.
func (e *Engine) reinsertRowDirect(tableName string, row *types.Row) error {
	t, err := e.getTable(tableName)
	if err != nil {
		return err
	}
	if err := e.writeRow(tableName, t, row); err != nil {
		return err
	}
	if pkVal, ok := row.Fields[t.schema.PrimaryKey]; ok {
		_ = t.index.Insert(encodeIndexKey(pkVal), uint64(row.ID))
	}
	return e.saveLocations(tableName, t)
}

// ExecuteBatch runs each op in sequence inside a single transaction,
// rolling back every effect if any op fails (spec.md §4.5 atomicity).
func (e *Engine) ExecuteBatch(ops []func(tx *types.Transaction) error) error {
	tx, err := e.BeginTransaction(types.ReadCommitted)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if err := op(tx); err != nil {
			_ = e.Rollback(tx)
			return err
		}
	}
	return e.Commit(tx)
}
