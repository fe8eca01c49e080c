package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nqdb/nqdb/pkg/btree"
	"github.com/nqdb/nqdb/pkg/buffer"
	"github.com/nqdb/nqdb/pkg/config"
	"github.com/nqdb/nqdb/pkg/errs"
	"github.com/nqdb/nqdb/pkg/log"
	"github.com/nqdb/nqdb/pkg/metrics"
	"github.com/nqdb/nqdb/pkg/pager"
	"github.com/nqdb/nqdb/pkg/page"
	"github.com/nqdb/nqdb/pkg/txn"
	"github.com/nqdb/nqdb/pkg/types"
	"github.com/nqdb/nqdb/pkg/wal"
)

// table is the engine's in-memory handle for one table: its schema, a
// primary-key index, and the RowID -> page directory that locates each
// row's current page. Secondary lookups (FK target checks) fall back to a
// table scan rather than maintaining a btree per column, trading query
// speed on non-indexed columns for a much smaller engine surface.
type table struct {
	name      string
	schema    *types.TableSchema
	index     *btree.Tree // primary key -> RowID
	locations map[types.RowID]page.ID
	nextRowID types.RowID
	mu        sync.RWMutex
}

// Engine is nqdb's transactional storage engine: CRUD, DDL, FK enforcement,
// ID generation and transaction coordination (spec.md §4.5).
type Engine struct {
	dataDir string
	pager   *pager.Pager
	pool    *buffer.Pool
	wal     *wal.WAL
	txns    *txn.Manager

	mu     sync.RWMutex
	tables map[string]*table

	cache *rowCache

	statsMu sync.Mutex
	stats   types.QueryStats

	stopCheckpoint chan struct{}
	wg             sync.WaitGroup
}

// Open starts the storage engine over cfg.Storage, recovering from any
// prior crash via pkg/wal's Analysis pass before accepting new work.
func Open(cfg config.StorageConfig) (*Engine, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindConfig, "ConfigError", "create data dir", err)
	}

	p, err := pager.Open(filepath.Join(cfg.DataDir, "pages.dat"), cfg.SyncMode)
	if err != nil {
		return nil, err
	}
	w, err := wal.Open(filepath.Join(cfg.DataDir, "wal"), cfg.WALSegmentSize, cfg.SyncMode, cfg.MinSegmentsToKeep)
	if err != nil {
		return nil, err
	}
	frames := cfg.BufferPoolFrames
	if frames <= 0 {
		frames = 256
	}
	pool := buffer.New(p, frames, cfg.EvictionPolicy, w)

	e := &Engine{
		dataDir: cfg.DataDir,
		pager:   p,
		pool:    pool,
		wal:     w,
		txns:    txn.NewManager(w),
		tables:  make(map[string]*table),
		cache:   newRowCache(cfg.RowCacheCapacity),
	}

	// loadCatalog must run before recover: the Redo pass needs each
	// table's schema to re-encode a row's after-image into its page.
	if err := e.loadCatalog(); err != nil {
		return nil, err
	}
	if err := e.recover(p.LastCheckpointLSN()); err != nil {
		return nil, err
	}

	if cfg.FlushInterval > 0 {
		maxDirtyAge := cfg.FlushInterval * 5
		pool.StartBackgroundFlush(cfg.FlushInterval, maxDirtyAge)
	}
	if cfg.CheckpointInterval > 0 {
		e.stopCheckpoint = make(chan struct{})
		e.wg.Add(1)
		go e.checkpointLoop(cfg.CheckpointInterval)
	}
	return e, nil
}

// checkpointLoop periodically writes a fuzzy checkpoint (spec.md §4.3):
// the dirty-page and active-transaction sets are snapshotted without
// blocking writers, recorded in the WAL, then used to reclaim fully
// covered WAL segments.
func (e *Engine) checkpointLoop(interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	checkpointLog := log.WithComponent("storage")
	for {
		select {
		case <-e.stopCheckpoint:
			return
		case <-ticker.C:
			if err := e.checkpointOnce(); err != nil {
				checkpointLog.Warn().Err(err).Msg("checkpoint failed")
			}
		}
	}
}

func (e *Engine) checkpointOnce() error {
	active := e.txns.Active()
	txTable := make(map[uuid.UUID]uint64, len(active))
	for _, id := range active {
		if tx, ok := e.txns.Get(id); ok {
			txTable[id] = uint64(tx.LSN)
		}
	}
	dpt := e.pool.DirtyPages()
	info := wal.CheckpointInfo{ActiveTx: active, TxTable: txTable, DirtyPageTable: dpt}
	lsn, err := e.wal.Checkpoint(info)
	if err != nil {
		return err
	}
	if err := e.pager.SetLastCheckpointLSN(lsn); err != nil {
		return err
	}
	return e.wal.ReclaimSegments(lsn, wal.OldestActiveLSN(info))
}

func (e *Engine) loadCatalog() error {
	names, err := listSchemas(e.dataDir)
	if err != nil {
		return err
	}
	for _, name := range names {
		schema, err := loadSchema(e.dataDir, name)
		if err != nil {
			return err
		}
		locs, nextRowID, rootID, err := e.loadLocations(name)
		if err != nil {
			return err
		}
		idx := btree.Open(e.pool, rootID)
		e.tables[name] = &table{name: name, schema: schema, index: idx, locations: locs, nextRowID: nextRowID}
	}
	return nil
}

func locationsPath(dataDir, table string) string {
	return filepath.Join(dataDir, "tables", table+".rows")
}

type locationsFile struct {
	Root      uint64            `json:"root"`
	NextRowID uint64            `json:"next_row_id"`
	Locations map[uint64]uint64 `json:"locations"`
}

func (e *Engine) loadLocations(name string) (map[types.RowID]page.ID, types.RowID, page.ID, error) {
	data, err := os.ReadFile(locationsPath(e.dataDir, name))
	if os.IsNotExist(err) {
		return make(map[types.RowID]page.ID), 0, 0, nil
	}
	if err != nil {
		return nil, 0, 0, errs.Wrap(errs.KindCorruptData, "CorruptCatalog", "read row directory", err)
	}
	var lf locationsFile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, 0, 0, errs.Wrap(errs.KindCorruptData, "CorruptCatalog", "parse row directory", err)
	}
	out := make(map[types.RowID]page.ID, len(lf.Locations))
	for k, v := range lf.Locations {
		out[types.RowID(k)] = page.ID(v)
	}
	return out, types.RowID(lf.NextRowID), page.ID(lf.Root), nil
}

// saveLocations persists the row directory. Called after every structural
// change (insert/delete/relocate); for a table under heavy write load this
// is the dominant cost of a mutation, a tradeoff accepted in exchange for
// not needing a second WAL-like log just for the directory itself (DESIGN.md
// Open Question: row-location directory persistence).
func (e *Engine) saveLocations(name string, t *table) error {
	t.mu.RLock()
	lf := locationsFile{
		Root:      uint64(t.index.Root()),
		NextRowID: uint64(t.nextRowID),
		Locations: make(map[uint64]uint64, len(t.locations)),
	}
	for k, v := range t.locations {
		lf.Locations[uint64(k)] = uint64(v)
	}
	t.mu.RUnlock()
	data, err := json.Marshal(lf)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(e.dataDir, "tables"), 0o755); err != nil {
		return err
	}
	return os.WriteFile(locationsPath(e.dataDir, name), data, 0o644)
}

// Close flushes all dirty pages and stops background tasks.
func (e *Engine) Close() error {
	if e.stopCheckpoint != nil {
		close(e.stopCheckpoint)
		e.wg.Wait()
	}
	e.pool.Stop()
	if err := e.pool.FlushAll(); err != nil {
		return err
	}
	if err := e.wal.Close(); err != nil {
		return err
	}
	return e.pager.Close()
}

// CreateTable registers a new table and persists its schema.
func (e *Engine) CreateTable(schema *types.TableSchema) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.tables[schema.Name]; exists {
		return errs.New(errs.KindConflict, "TableExists", fmt.Sprintf("table %q already exists", schema.Name))
	}
	idx, err := btree.New(e.pool)
	if err != nil {
		return err
	}
	if err := saveSchema(e.dataDir, schema); err != nil {
		return err
	}
	t := &table{name: schema.Name, schema: schema, index: idx, locations: make(map[types.RowID]page.ID)}
	if err := e.saveLocations(schema.Name, t); err != nil {
		return err
	}
	e.tables[schema.Name] = t
	return nil
}

// DropTable removes a table and its on-disk schema/directory files. Row
// and index pages are not freed: they are never returned to the pager's
// free list, so the pager does not reuse them.
func (e *Engine) DropTable(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.tables[name]; !ok {
		return errs.TableNotFound(name)
	}
	delete(e.tables, name)
	if err := dropSchema(e.dataDir, name); err != nil {
		return err
	}
	return os.Remove(locationsPath(e.dataDir, name))
}

// AlterTable adds newColumns to an existing table's schema. Existing rows
// simply read as NULL/default for the new columns until rewritten.
func (e *Engine) AlterTable(name string, newColumns []types.ColumnDef) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tables[name]
	if !ok {
		return errs.TableNotFound(name)
	}
	t.schema.Columns = append(t.schema.Columns, newColumns...)
	t.schema.Version++
	return saveSchema(e.dataDir, t.schema)
}

func (e *Engine) getTable(name string) (*table, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tables[name]
	if !ok {
		return nil, errs.TableNotFound(name)
	}
	return t, nil
}

// BeginTransaction starts a new transaction at the requested isolation
// level.
func (e *Engine) BeginTransaction(isolation types.IsolationLevel) (*types.Transaction, error) {
	return e.txns.Begin(isolation)
}

// Commit finalizes tx, making its operations durable.
func (e *Engine) Commit(tx *types.Transaction) error {
	return e.txns.Commit(tx)
}

// Rollback discards tx's in-memory effects and releases its locks. Already
// applied page mutations are undone by replaying tx.Operations in reverse.
func (e *Engine) Rollback(tx *types.Transaction) error {
	for i := len(tx.Operations) - 1; i >= 0; i-- {
		op := tx.Operations[i]
		switch op.Kind {
		case types.OpInsert:
			_ = e.deleteRowDirect(op.Table, op.RowID)
		case types.OpDelete:
			if op.Before != nil {
				row := &types.Row{ID: op.RowID, Fields: op.Before, UpdatedAt: time.Now()}
				_ = e.reinsertRowDirect(op.Table, row)
			}
		case types.OpUpdate:
			if op.Before != nil {
				row := &types.Row{ID: op.RowID, Fields: op.Before, UpdatedAt: time.Now()}
				_ = e.updateRowDirect(op.Table, row)
			}
		}
	}
	return e.txns.Rollback(tx)
}

// GetLastQueryStats reports counters for the most recently executed query
// on this engine (spec.md §4.5); callers issuing concurrent queries should
// not rely on this being scoped to their own call.
func (e *Engine) GetLastQueryStats() types.QueryStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

func (e *Engine) recordStats(hits, misses int64, examined int64, indexUsed string, indexScan bool) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.stats = types.QueryStats{
		CacheHits:    hits,
		CacheMisses:  misses,
		RowsExamined: examined,
		IndexScan:    indexScan,
	}
	if indexUsed != "" {
		e.stats.IndexesUsed = []string{indexUsed}
	}
}

// observeQuery times op and records it under the matching metrics label.
func observeQuery(op string, start time.Time) {
	metrics.QueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
