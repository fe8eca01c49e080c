// Package types holds the data-model shared across nqdb's storage engine:
// values, rows, schemas, foreign keys and transactions (spec.md §3).
package types

import (
	"time"

	"github.com/google/uuid"
)

// PageID identifies a fixed-size page within pages.dat. Page 0 is reserved
// for the meta page.
type PageID uint64

// RowID is monotone per table, persisted as next_row_id in the table's
// tables/<name>.rows directory file.
type RowID uint64

// LSN (Log Sequence Number) is monotone across all transactions on a node.
type LSN uint64

// ValueKind tags the closed set of value variants a column can hold.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindBool
	KindInteger
	KindFloat
	KindText
	KindBytes
	KindTimestamp
	KindUUID
)

// Value is a tagged sum over {Null, Bool, Integer, Float, Text, Bytes,
// Timestamp, Uuid}. Exactly one of the typed fields is meaningful, selected
// by Kind. Null compares unequal to everything, including Null, in boolean
// contexts; IS NULL is a distinct predicate handled by the caller.
type Value struct {
	Kind ValueKind
	b    bool
	i    int64
	f    float64
	s    string
	by   []byte
	ts   time.Time
	u    uuid.UUID
}

func NullValue() Value                  { return Value{Kind: KindNull} }
func BoolValue(v bool) Value            { return Value{Kind: KindBool, b: v} }
func IntValue(v int64) Value            { return Value{Kind: KindInteger, i: v} }
func FloatValue(v float64) Value        { return Value{Kind: KindFloat, f: v} }
func TextValue(v string) Value          { return Value{Kind: KindText, s: v} }
func BytesValue(v []byte) Value         { return Value{Kind: KindBytes, by: append([]byte(nil), v...)} }
func TimestampValue(v time.Time) Value  { return Value{Kind: KindTimestamp, ts: v} }
func UUIDValue(v uuid.UUID) Value       { return Value{Kind: KindUUID, u: v} }

func (v Value) IsNull() bool { return v.Kind == KindNull }
func (v Value) Bool() bool   { return v.b }
func (v Value) Int() int64   { return v.i }
func (v Value) Float() float64 { return v.f }
func (v Value) Text() string { return v.s }
func (v Value) Bytes() []byte { return v.by }
func (v Value) Timestamp() time.Time { return v.ts }
func (v Value) UUID() uuid.UUID { return v.u }

// Equal reports whether two values are equal under SQL-ish comparison
// semantics: Null is never equal to anything, including another Null.
func (v Value) Equal(other Value) bool {
	if v.Kind == KindNull || other.Kind == KindNull {
		return false
	}
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindBool:
		return v.b == other.b
	case KindInteger:
		return v.i == other.i
	case KindFloat:
		return v.f == other.f
	case KindText:
		return v.s == other.s
	case KindBytes:
		return string(v.by) == string(other.by)
	case KindTimestamp:
		return v.ts.Equal(other.ts)
	case KindUUID:
		return v.u == other.u
	}
	return false
}

// Row is a typed, mutable tuple identified by RowID.
type Row struct {
	ID        RowID
	Fields    map[string]Value
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IDStrategy selects how new row identifiers are minted for a table.
type IDStrategy string

const (
	IDStrategyAutoIncrement IDStrategy = "auto_increment"
	IDStrategyUUID          IDStrategy = "uuid"
	IDStrategySnowflake     IDStrategy = "snowflake"
)

// OnAction is the referential action taken for a foreign key.
type OnAction string

const (
	ActionCascade  OnAction = "cascade"
	ActionRestrict OnAction = "restrict"
	ActionSetNull  OnAction = "set_null"
	ActionNoAction OnAction = "no_action"
)

// ForeignKey describes a single FK constraint from one table/column to
// another table's column.
type ForeignKey struct {
	FromColumn string
	ToTable    string
	ToColumn   string
	OnDelete   OnAction
	OnUpdate   OnAction
}

// ColumnDef describes one column of a table schema.
type ColumnDef struct {
	Name          string
	DataType      ValueKind
	Nullable      bool
	DefaultValue  *Value
	AutoIncrement bool
}

// TableSchema is the DDL-level description of a table, serialized to
// tables/<table>.schema (spec.md §6).
type TableSchema struct {
	Name                string
	Columns             []ColumnDef
	PrimaryKey          string
	Version             uint32
	AutoIncrementColumn string
	IDStrategy          IDStrategy
	ForeignKeys         []ForeignKey
	// NextAutoIncrement is the next value to hand out for AutoIncrement ID
	// strategy; persisted alongside the schema so it survives restarts.
	NextAutoIncrement uint64
	// SnowflakeNodeID is used when IDStrategy == IDStrategySnowflake.
	SnowflakeNodeID uint16
}

func (s *TableSchema) Column(name string) (ColumnDef, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnDef{}, false
}

// IsolationLevel selects the concurrency-control regime for a transaction.
type IsolationLevel string

const (
	ReadCommitted  IsolationLevel = "read_committed"
	RepeatableRead IsolationLevel = "repeatable_read"
	Serializable   IsolationLevel = "serializable"
)

// TxStatus is the lifecycle state of a Transaction.
type TxStatus string

const (
	TxActive    TxStatus = "active"
	TxCommitted TxStatus = "committed"
	TxAborted   TxStatus = "aborted"
)

// OperationKind tags the variants a Transaction's operation log can hold.
type OperationKind string

const (
	OpInsert      OperationKind = "insert"
	OpUpdate      OperationKind = "update"
	OpDelete      OperationKind = "delete"
	OpCreateTable OperationKind = "create_table"
	OpDropTable   OperationKind = "drop_table"
	OpAlterTable  OperationKind = "alter_table"
)

// Operation is one mutation recorded as part of a Transaction's op log.
type Operation struct {
	Kind      OperationKind
	Table     string
	RowID     RowID
	Before    map[string]Value // nil for Insert
	After     map[string]Value // nil for Delete
	Schema    *TableSchema     // set for DDL operations
}

// Transaction tracks an in-flight or completed unit of work.
type Transaction struct {
	ID          uuid.UUID
	Isolation   IsolationLevel
	Operations  []Operation
	Status      TxStatus
	StartedAt   time.Time
	CompletedAt time.Time
	LSN         LSN
}

// NewTransaction allocates a fresh Active transaction with a random UUID.
func NewTransaction(isolation IsolationLevel) *Transaction {
	return &Transaction{
		ID:        uuid.New(),
		Isolation: isolation,
		Status:    TxActive,
		StartedAt: time.Now(),
	}
}

// QueryStats reports counters for the most recently executed query,
// per StorageEngine.GetLastQueryStats (spec.md §4.5).
type QueryStats struct {
	CacheHits    int64
	CacheMisses  int64
	IndexesUsed  []string
	IndexScan    bool
	RowsExamined int64
}
