package raft

import (
	"encoding/binary"
	"encoding/json"

	"github.com/nqdb/nqdb/pkg/errs"
	bolt "go.etcd.io/bbolt"
)

var (
	metaBucket = []byte("raft_meta")
	logBucket  = []byte("raft_log")

	keyCurrentTerm = []byte("current_term")
	keyVotedFor    = []byte("voted_for")
)

// Store persists the state Raft must survive a restart with: current_term,
// voted_for, and the log itself (spec.md §4.6). Backed by go.etcd.io/bbolt,
// the same embedded store the teacher's raft proof-of-concept used for its
// log/stable stores.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating if needed) a bbolt-backed raft store at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, "RaftStoreOpenFailed", "open raft store", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(logBucket)
		return err
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, "RaftStoreInitFailed", "init raft buckets", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// CurrentTerm returns the persisted term, 0 if never set.
func (s *Store) CurrentTerm() (uint64, error) {
	var term uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket).Get(keyCurrentTerm)
		if b == nil {
			return nil
		}
		term = binary.BigEndian.Uint64(b)
		return nil
	})
	return term, err
}

// VotedFor returns the persisted vote for the current term, "" if none.
func (s *Store) VotedFor() (string, error) {
	var votedFor string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket).Get(keyVotedFor)
		votedFor = string(b)
		return nil
	})
	return votedFor, err
}

// SetTermAndVote atomically persists both term and votedFor, since Raft
// never allows one to be durable without the other (spec.md §4.6).
func (s *Store) SetTermAndVote(term uint64, votedFor string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], term)
		if err := tx.Bucket(metaBucket).Put(keyCurrentTerm, buf[:]); err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Put(keyVotedFor, []byte(votedFor))
	})
}

// AppendEntries durably appends entries to the log, overwriting any
// existing entries at the same indexes. Entries past the last new one are
// left in place; TruncateFrom removes a conflicting suffix.
func (s *Store) AppendEntries(entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(logBucket)
		for _, e := range entries {
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := b.Put(indexKey(e.Index), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// TruncateFrom deletes every log entry at or after index, used when a new
// leader's entries conflict with what this node already has.
func (s *Store) TruncateFrom(index uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(logBucket)
		c := b.Cursor()
		for k, _ := c.Seek(indexKey(index)); k != nil; k, _ = c.Next() {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Entry returns the log entry at index, if present.
func (s *Store) Entry(index uint64) (LogEntry, bool, error) {
	var entry LogEntry
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(logBucket).Get(indexKey(index))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &entry)
	})
	return entry, found, err
}

// LastEntry returns the highest-indexed log entry, or the zero entry if
// the log is empty.
func (s *Store) LastEntry() (LogEntry, error) {
	var entry LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		_, v := tx.Bucket(logBucket).Cursor().Last()
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &entry)
	})
	return entry, err
}

// EntriesFrom returns every log entry with index >= from, in order.
func (s *Store) EntriesFrom(from uint64) ([]LogEntry, error) {
	var out []LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(logBucket).Cursor()
		for k, v := c.Seek(indexKey(from)); k != nil; k, v = c.Next() {
			var e LogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func indexKey(index uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], index)
	return buf[:]
}
