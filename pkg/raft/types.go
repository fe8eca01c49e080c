// Package raft implements nqdb's replicated log: leader election, log
// replication, and the persistence guarantees cluster consensus depends on
// (spec.md §4.6). It is hand-rolled rather than built atop a ready-made
// consensus library because the state machine itself — not a wrapper
// around one — is what this module is for.
package raft

import "fmt"

// State is a node's role in the Raft state machine.
type State int

const (
	Follower State = iota
	Candidate
	Leader
	Learner
)

func (s State) String() string {
	switch s {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	case Learner:
		return "learner"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// LogEntry is one entry in the replicated log.
type LogEntry struct {
	Index uint64
	Term  uint64
	Data  []byte
}

// RequestVoteArgs is the RequestVote RPC's request.
type RequestVoteArgs struct {
	Term         uint64
	CandidateID  string
	LastLogIndex uint64
	LastLogTerm  uint64
	PreVote      bool // spec.md §4.6: pre-vote avoids disrupting a working leader
}

// RequestVoteReply is the RequestVote RPC's response.
type RequestVoteReply struct {
	Term        uint64
	VoteGranted bool
}

// AppendEntriesArgs is the AppendEntries RPC's request; also used as the
// heartbeat when Entries is empty.
type AppendEntriesArgs struct {
	Term         uint64
	LeaderID     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []LogEntry
	LeaderCommit uint64
}

// AppendEntriesReply is the AppendEntries RPC's response. ConflictIndex and
// ConflictTerm let the leader backtrack nextIndex in a single round trip
// rather than decrementing by one per rejected probe (spec.md §4.6).
type AppendEntriesReply struct {
	Term          uint64
	Success       bool
	ConflictIndex uint64
	ConflictTerm  uint64
}

// StatusArgs requests a node's current Raft status; it carries no fields.
type StatusArgs struct{}

// StatusReply answers `nqdbd status`, read live off a running node rather
// than a stopped one's on-disk store.
type StatusReply struct {
	NodeID      string
	State       string
	Term        uint64
	LeaderID    string
	CommitIndex uint64
	LastApplied uint64
}
