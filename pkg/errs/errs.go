// Package errs defines the error taxonomy shared by every nqdb component
// (spec.md §7): kinds, not concrete per-call types, so callers can branch on
// Kind() regardless of which subsystem raised the error.
package errs

import "fmt"

// Kind classifies an error for propagation decisions: Transient errors get
// bounded local retries, Conflict errors surface with retry context,
// CorruptData errors are fatal for the affected page, Consensus errors carry
// a leader hint, and so on.
type Kind string

const (
	KindCorruptData Kind = "corrupt_data"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindTransient   Kind = "transient"
	KindConsensus   Kind = "consensus"
	KindProtocol    Kind = "protocol"
	KindConfig      Kind = "config"
	KindCapacity    Kind = "capacity"
)

// Error is the common error envelope. Component-specific constructors below
// populate Kind, Code and Fields consistently.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Fields  map[string]any
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

func Wrap(kind Kind, code, msg string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Wrapped: err}
}

func (e *Error) WithField(k string, v any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[k] = v
	return e
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; the zero Kind otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind, true
	}
	return "", false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Constructors for the specific failures named throughout spec.md.

func CorruptPage(pageID uint64) *Error {
	return New(KindCorruptData, "CorruptPage", "page checksum mismatch").WithField("page_id", pageID)
}

func TornPage(pageID uint64) *Error {
	return New(KindCorruptData, "TornPage", "short read on page").WithField("page_id", pageID)
}

func KeyNotFound(key string) *Error {
	return New(KindNotFound, "KeyNotFound", "key not found in index").WithField("key", key)
}

func DuplicateKey(key string) *Error {
	return New(KindConflict, "DuplicateKey", "key already present").WithField("key", key)
}

func Corruption(pageID uint64) *Error {
	return New(KindCorruptData, "Corruption", "btree node checksum mismatch").WithField("page_id", pageID)
}

func PinnedNoVictim() *Error {
	return New(KindTransient, "PinnedNoVictim", "every buffer pool frame is pinned")
}

func FKViolation(table, column string) *Error {
	return New(KindConflict, "FKViolation", "referenced row does not exist").
		WithField("table", table).WithField("column", column)
}

func FKRestrict(table string) *Error {
	return New(KindConflict, "FKRestrict", "dependent rows exist").WithField("table", table)
}

func FKCycle() *Error {
	return New(KindConflict, "FKCycle", "cascade exceeded configured depth")
}

func NotLeader(currentLeader, hint string) *Error {
	return New(KindConsensus, "NotLeader", "this node is not the Raft leader").
		WithField("current", currentLeader).WithField("hint", hint)
}

func NoLeader() *Error {
	return New(KindConsensus, "NoLeader", "no leader is currently known")
}

func QuorumNotReached(needed, have int) *Error {
	return New(KindConsensus, "QuorumNotReached", "failed to reach quorum").
		WithField("needed", needed).WithField("have", have)
}

func StaleToken() *Error {
	return New(KindConsensus, "StaleToken", "fencing token term is stale")
}

func LeaseExpired() *Error {
	return New(KindConsensus, "LeaseExpired", "leader lease has expired")
}

func NetworkPartition() *Error {
	return New(KindConsensus, "NetworkPartition", "cannot reach a majority of peers")
}

func ProtocolVersionMismatch(leader, follower uint32) *Error {
	return New(KindProtocol, "ProtocolVersionMismatch", "protocol versions differ").
		WithField("leader_version", leader).WithField("follower_version", follower)
}

func ConfigError(msg string) *Error {
	return New(KindConfig, "ConfigError", msg)
}

func CapacityExceeded(msg string) *Error {
	return New(KindCapacity, "CapacityExceeded", msg)
}

func TableNotFound(name string) *Error {
	return New(KindNotFound, "TableNotFound", "table does not exist").WithField("table", name)
}

func RowNotFound(id uint64) *Error {
	return New(KindNotFound, "RowNotFound", "row does not exist").WithField("row_id", id)
}

func SerializationFailure() *Error {
	return New(KindConflict, "SerializationFailure", "transaction could not be serialized")
}

func Deadlock() *Error {
	return New(KindConflict, "Deadlock", "deadlock detected, youngest transaction aborted")
}
