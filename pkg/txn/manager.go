package txn

import (
	"sync"

	"github.com/google/uuid"
	"github.com/nqdb/nqdb/pkg/errs"
	"github.com/nqdb/nqdb/pkg/metrics"
	"github.com/nqdb/nqdb/pkg/types"
	"github.com/nqdb/nqdb/pkg/wal"
)

// WriteAheadLog is the subset of *wal.WAL the transaction manager needs;
// narrowed to an interface so tests can substitute a fake.
type WriteAheadLog interface {
	Append(rec wal.Record) (uint64, error)
}

// Manager owns the active transaction table, the lock table, and LSN
// sequencing for commit/abort records (spec.md §4.5).
type Manager struct {
	mu     sync.Mutex
	active map[uuid.UUID]*types.Transaction
	keys   map[uuid.UUID][]string // row keys each tx currently holds locks on

	locks *LockTable
	log   WriteAheadLog

	seq uint64 // monotonically increasing tx sequence, used as lock age
}

// NewManager constructs a transaction manager writing to log.
func NewManager(log WriteAheadLog) *Manager {
	return &Manager{
		active: make(map[uuid.UUID]*types.Transaction),
		keys:   make(map[uuid.UUID][]string),
		locks:  NewLockTable(),
		log:    log,
	}
}

// Begin starts a new transaction at the given isolation level and appends
// its Begin record to the WAL.
func (m *Manager) Begin(isolation types.IsolationLevel) (*types.Transaction, error) {
	tx := types.NewTransaction(isolation)

	lsn, err := m.log.Append(wal.Record{Kind: wal.KindBegin, TxID: tx.ID})
	if err != nil {
		return nil, err
	}
	tx.LSN = types.LSN(lsn)

	m.mu.Lock()
	m.seq++
	seq := m.seq
	m.active[tx.ID] = tx
	m.mu.Unlock()

	m.locks.RegisterTx(tx.ID, seq)
	return tx, nil
}

// LockRow acquires a row-level lock for tx in the given mode, tracking the
// key so ReleaseAll can find it at commit/abort time.
func (m *Manager) LockRow(tx *types.Transaction, key string, mode LockMode) error {
	if err := m.locks.Acquire(tx.ID, key, mode); err != nil {
		return err
	}
	m.mu.Lock()
	m.keys[tx.ID] = append(m.keys[tx.ID], key)
	m.mu.Unlock()
	return nil
}

// AppendOp records op in tx's in-memory operation log and writes the
// corresponding WAL record, returning the op's assigned LSN so the caller
// can stamp the page it affects before unpinning it (spec.md §4.2 WAL
// rule). tx.LSN keeps the transaction's Begin LSN.
func (m *Manager) AppendOp(tx *types.Transaction, op types.Operation, payload []byte) (uint64, error) {
	lsn, err := m.log.Append(wal.Record{Kind: wal.KindOp, TxID: tx.ID, Payload: payload})
	if err != nil {
		return 0, err
	}
	tx.Operations = append(tx.Operations, op)
	return lsn, nil
}

// Commit appends the commit record (durably, per the WAL's own fsync
// policy for KindCommit), releases tx's locks, and retires it from the
// active table.
func (m *Manager) Commit(tx *types.Transaction) error {
	lsn, err := m.log.Append(wal.Record{Kind: wal.KindCommit, TxID: tx.ID})
	if err != nil {
		return err
	}
	tx.LSN = types.LSN(lsn)
	tx.Status = types.TxCommitted
	m.retire(tx)
	metrics.TransactionsCommitted.Inc()
	return nil
}

// Rollback appends an abort record and releases tx's locks without
// applying its operations; the storage engine is responsible for undoing
// any already-applied in-memory/page-level effects using tx.Operations in
// reverse order before calling Rollback.
func (m *Manager) Rollback(tx *types.Transaction) error {
	_, err := m.log.Append(wal.Record{Kind: wal.KindAbort, TxID: tx.ID})
	tx.Status = types.TxAborted
	m.retire(tx)
	metrics.TransactionsAborted.Inc()
	return err
}

func (m *Manager) retire(tx *types.Transaction) {
	m.mu.Lock()
	keys := m.keys[tx.ID]
	delete(m.keys, tx.ID)
	delete(m.active, tx.ID)
	m.mu.Unlock()
	m.locks.ReleaseAll(tx.ID, keys)
}

// Active returns a snapshot of currently active transaction IDs, used when
// building a checkpoint's active-transaction set.
func (m *Manager) Active() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids
}

// Get returns the in-memory Transaction for id, if still active.
func (m *Manager) Get(id uuid.UUID) (*types.Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.active[id]
	return tx, ok
}

// CheckIsolation rejects an operation that would violate the transaction's
// declared isolation level against a row whose version (LSN) has advanced
// since the transaction started. ReadCommitted never rejects; the higher
// levels do when the row has changed underneath an active read set.
func CheckIsolation(tx *types.Transaction, rowLastModifiedLSN types.LSN) error {
	if tx.Isolation == types.ReadCommitted {
		return nil
	}
	if rowLastModifiedLSN > tx.LSN {
		return errs.SerializationFailure()
	}
	return nil
}
