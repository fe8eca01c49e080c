package raft

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/nqdb/nqdb/pkg/config"
	"github.com/nqdb/nqdb/pkg/errs"
	"github.com/nqdb/nqdb/pkg/log"
	"github.com/nqdb/nqdb/pkg/metrics"
)

// Apply is invoked with each log entry once it has been committed, in
// order. The caller supplies this to drive its own state machine (the
// storage engine, a shard map, etc).
type Apply func(entry LogEntry)

// Node is one member of a Raft cluster: the election/replication state
// machine described in spec.md §4.6, hand-rolled rather than wrapping an
// existing consensus library so the guarantees live in this module.
type Node struct {
	id    string
	peers []string // other member IDs, not including id
	cfg   config.RaftConfig

	store     *Store
	transport Transport
	apply     Apply

	mu          sync.Mutex
	state       State
	currentTerm uint64
	votedFor    string
	leaderID    string
	leaseUntil  time.Time

	commitIndex uint64
	lastApplied uint64
	logTail     []LogEntry // cached suffix of the log kept in memory for fast access

	nextIndex  map[string]uint64
	matchIndex map[string]uint64

	resetElectionCh chan struct{}
	stopCh          chan struct{}
	wg              sync.WaitGroup

	rng *rand.Rand
}

// NewNode constructs a Node in the Follower state. Call Start to begin its
// election timer and background loops.
func NewNode(id string, peers []string, cfg config.RaftConfig, store *Store, transport Transport, apply Apply) (*Node, error) {
	term, err := store.CurrentTerm()
	if err != nil {
		return nil, err
	}
	votedFor, err := store.VotedFor()
	if err != nil {
		return nil, err
	}
	n := &Node{
		id:              id,
		peers:           peers,
		cfg:             cfg,
		store:           store,
		transport:       transport,
		apply:           apply,
		state:           Follower,
		currentTerm:     term,
		votedFor:        votedFor,
		nextIndex:       make(map[string]uint64),
		matchIndex:      make(map[string]uint64),
		resetElectionCh: make(chan struct{}, 1),
		stopCh:          make(chan struct{}),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano() + int64(len(id)))),
	}
	last, err := store.LastEntry()
	if err != nil {
		return nil, err
	}
	n.commitIndex = 0
	if last.Index > 0 {
		n.logTail = []LogEntry{last}
	}
	return n, nil
}

// Start launches the election-timeout loop. Leader duties (heartbeats,
// replication) start and stop as the node transitions in and out of Leader.
func (n *Node) Start() {
	n.wg.Add(1)
	go n.electionLoop()
}

// Stop halts every background goroutine this node owns.
func (n *Node) Stop() {
	close(n.stopCh)
	n.wg.Wait()
}

func (n *Node) electionTimeout() time.Duration {
	lo, hi := n.cfg.ElectionMin, n.cfg.ElectionMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(n.rng.Int63n(int64(hi-lo)))
}

func (n *Node) electionLoop() {
	defer n.wg.Done()
	timer := time.NewTimer(n.electionTimeout())
	defer timer.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-n.resetElectionCh:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(n.electionTimeout())
		case <-timer.C:
			n.mu.Lock()
			isLeader := n.state == Leader
			n.mu.Unlock()
			if !isLeader {
				n.startElection(true)
			}
			timer.Reset(n.electionTimeout())
		}
	}
}

func (n *Node) resetElectionTimer() {
	select {
	case n.resetElectionCh <- struct{}{}:
	default:
	}
}

// State returns the node's current role, for status reporting.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// IsLeader reports whether this node currently believes itself to be the
// leader and holds a valid lease (spec.md §4.6 leader lease).
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state == Leader && time.Now().Before(n.leaseUntil)
}

func (n *Node) becomeFollower(term uint64, leaderID string) {
	n.state = Follower
	n.currentTerm = term
	n.votedFor = ""
	n.leaderID = leaderID
	metrics.RaftIsLeader.Set(0)
	metrics.RaftTerm.Set(float64(term))
	if err := n.store.SetTermAndVote(term, ""); err != nil {
		log.WithComponent("raft").Error().Msg("failed to persist term on becomeFollower")
	}
}

// startElection runs a pre-vote round first (spec.md §4.6: avoids
// disrupting a functioning leader when a partitioned node's clock simply
// ran out), and only bumps the term and requests real votes if pre-votes
// (its own included) form a majority of the whole cluster.
func (n *Node) startElection(preVoteFirst bool) {
	n.mu.Lock()
	if n.state == Leader {
		n.mu.Unlock()
		return
	}
	lastIdx, lastTerm := n.lastLogIndexTermLocked()
	candidateTerm := n.currentTerm + 1
	n.mu.Unlock()

	if preVoteFirst {
		granted := n.collectVotes(candidateTerm, lastIdx, lastTerm, true)
		if !n.hasQuorum(granted) {
			return
		}
	}

	n.mu.Lock()
	n.state = Candidate
	n.currentTerm++
	n.votedFor = n.id
	term := n.currentTerm
	if err := n.store.SetTermAndVote(term, n.id); err != nil {
		log.WithComponent("raft").Error().Msg("failed to persist vote")
	}
	metrics.RaftTerm.Set(float64(term))
	metrics.RaftElectionsTotal.Inc()
	n.mu.Unlock()

	granted := n.collectVotes(term, lastIdx, lastTerm, false)
	if !n.hasQuorum(granted) {
		return
	}

	n.mu.Lock()
	if n.state != Candidate || n.currentTerm != term {
		n.mu.Unlock()
		return
	}
	n.becomeLeaderLocked()
	n.mu.Unlock()
}

func (n *Node) hasQuorum(votes int) bool {
	// votes includes this node's own vote for itself.
	total := len(n.peers) + 1
	return votes*2 > total
}

func (n *Node) collectVotes(term, lastIdx, lastTerm uint64, preVote bool) int {
	granted := 1 // vote for self
	if len(n.peers) == 0 {
		return granted
	}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, peer := range n.peers {
		peer := peer
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
			defer cancel()
			reply, err := n.transport.RequestVote(ctx, peer, &RequestVoteArgs{
				Term:         term,
				CandidateID:  n.id,
				LastLogIndex: lastIdx,
				LastLogTerm:  lastTerm,
				PreVote:      preVote,
			})
			if err != nil || reply == nil {
				return
			}
			n.mu.Lock()
			if reply.Term > n.currentTerm {
				n.becomeFollower(reply.Term, "")
			}
			n.mu.Unlock()
			if reply.VoteGranted {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return granted
}

// noopMarker tags the entry every new leader commits at the start of its
// term (spec.md §4.6), which lets commitIndex advance past entries left
// uncommitted by a prior leader without waiting for a client write.
var noopMarker = []byte{}

func (n *Node) becomeLeaderLocked() {
	n.state = Leader
	n.leaderID = n.id
	n.leaseUntil = time.Now().Add(n.cfg.LeaseDuration)
	lastIdx, _ := n.lastLogIndexTermLocked()
	for _, p := range n.peers {
		n.nextIndex[p] = lastIdx + 1
		n.matchIndex[p] = 0
	}
	metrics.RaftIsLeader.Set(1)

	noop := LogEntry{Index: lastIdx + 1, Term: n.currentTerm, Data: noopMarker}
	n.logTail = append(n.logTail, noop)
	if err := n.store.AppendEntries([]LogEntry{noop}); err != nil {
		log.WithComponent("raft").Error().Msg("failed to persist noop entry on election")
	}

	n.wg.Add(1)
	go n.leaderLoop(n.currentTerm)
}

// leaderLoop sends heartbeats/replication at HeartbeatInterval until this
// node steps down from the given term.
func (n *Node) leaderLoop(term uint64) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.mu.Lock()
			stillLeader := n.state == Leader && n.currentTerm == term
			leaseExpired := stillLeader && len(n.peers) > 0 && time.Now().After(n.leaseUntil.Add(n.cfg.ElectionMax))
			if leaseExpired {
				// Failed to reach a majority within an election timeout's
				// worth of heartbeats: step down rather than risk serving
				// stale linearizable reads (spec.md §4.6 quorum check).
				n.state = Follower
				n.leaderID = ""
				metrics.RaftIsLeader.Set(0)
				stillLeader = false
			}
			n.mu.Unlock()
			if !stillLeader {
				return
			}
			n.replicateToAll(term)
		}
	}
}

func (n *Node) replicateToAll(term uint64) {
	if len(n.peers) == 0 {
		n.mu.Lock()
		n.leaseUntil = time.Now().Add(n.cfg.LeaseDuration)
		n.mu.Unlock()
		return
	}
	var acked int32 = 1 // self
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, peer := range n.peers {
		peer := peer
		wg.Add(1)
		go func() {
			defer wg.Done()
			if n.replicateTo(term, peer) {
				mu.Lock()
				acked++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != Leader || n.currentTerm != term {
		return
	}
	if n.hasQuorum(int(acked)) {
		n.leaseUntil = time.Now().Add(n.cfg.LeaseDuration)
	}
	n.advanceCommitIndexLocked()
}

// replicateTo sends an AppendEntries RPC to peer, backtracking nextIndex on
// conflict via ConflictIndex/ConflictTerm instead of decrementing by one
// probe at a time (spec.md §4.6).
func (n *Node) replicateTo(term uint64, peer string) bool {
	n.mu.Lock()
	if n.state != Leader || n.currentTerm != term {
		n.mu.Unlock()
		return false
	}
	next := n.nextIndex[peer]
	if next == 0 {
		next = 1
	}
	prevIndex := next - 1
	prevTerm := n.termAtLocked(prevIndex)
	entries := n.entriesFromLocked(next)
	commit := n.commitIndex
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
	defer cancel()
	reply, err := n.transport.AppendEntries(ctx, peer, &AppendEntriesArgs{
		Term:         term,
		LeaderID:     n.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: commit,
	})
	if err != nil || reply == nil {
		return false
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if reply.Term > n.currentTerm {
		n.becomeFollower(reply.Term, "")
		return false
	}
	if n.state != Leader || n.currentTerm != term {
		return false
	}
	if reply.Success {
		if len(entries) > 0 {
			n.matchIndex[peer] = entries[len(entries)-1].Index
			n.nextIndex[peer] = n.matchIndex[peer] + 1
		}
		return true
	}
	// Backtrack using the follower's conflict hint.
	if reply.ConflictTerm == 0 {
		n.nextIndex[peer] = reply.ConflictIndex
	} else {
		idx := n.lastIndexWithTermLocked(reply.ConflictTerm)
		if idx > 0 {
			n.nextIndex[peer] = idx + 1
		} else {
			n.nextIndex[peer] = reply.ConflictIndex
		}
	}
	if n.nextIndex[peer] == 0 {
		n.nextIndex[peer] = 1
	}
	return false
}

// advanceCommitIndexLocked moves commitIndex forward to the highest index
// replicated to a quorum in the current term (the Raft safety rule that
// forbids committing entries from a prior term by counting alone).
func (n *Node) advanceCommitIndexLocked() {
	lastIdx, _ := n.lastLogIndexTermLocked()
	for idx := lastIdx; idx > n.commitIndex; idx-- {
		entry, ok, err := n.entryLocked(idx)
		if !ok || err != nil || entry.Term != n.currentTerm {
			continue
		}
		count := 1
		for _, p := range n.peers {
			if n.matchIndex[p] >= idx {
				count++
			}
		}
		if n.hasQuorum(count) {
			n.commitIndex = idx
			metrics.RaftCommitIndex.Set(float64(idx))
			n.applyCommittedLocked()
			return
		}
	}
}

func (n *Node) applyCommittedLocked() {
	for n.lastApplied < n.commitIndex {
		n.lastApplied++
		entry, ok, err := n.entryLocked(n.lastApplied)
		if !ok || err != nil {
			continue
		}
		metrics.RaftLastApplied.Set(float64(n.lastApplied))
		if n.apply != nil {
			n.apply(entry)
		}
	}
}

// Propose appends data to the log as leader and returns the assigned
// index. Callers wait for it to be reflected in lastApplied (or use a
// separate Apply callback) to know when it is committed.
func (n *Node) Propose(data []byte) (uint64, error) {
	n.mu.Lock()
	if n.state != Leader {
		leader := n.leaderID
		n.mu.Unlock()
		return 0, errs.NotLeader(leader, leader)
	}
	lastIdx, _ := n.lastLogIndexTermLocked()
	entry := LogEntry{Index: lastIdx + 1, Term: n.currentTerm, Data: data}
	n.logTail = append(n.logTail, entry)
	term := n.currentTerm
	n.mu.Unlock()

	if err := n.store.AppendEntries([]LogEntry{entry}); err != nil {
		return 0, err
	}
	n.replicateToAll(term)
	return entry.Index, nil
}

// HandleRequestVote implements the RequestVote RPC (spec.md §4.6),
// including the pre-vote extension: a PreVote request never changes
// persistent state, it only asks "would you vote for me".
func (n *Node) HandleRequestVote(_ context.Context, args *RequestVoteArgs) (*RequestVoteReply, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term < n.currentTerm {
		return &RequestVoteReply{Term: n.currentTerm, VoteGranted: false}, nil
	}
	if !args.PreVote && args.Term > n.currentTerm {
		n.becomeFollower(args.Term, "")
	}

	lastIdx, lastTerm := n.lastLogIndexTermLocked()
	logOK := args.LastLogTerm > lastTerm ||
		(args.LastLogTerm == lastTerm && args.LastLogIndex >= lastIdx)

	canVote := n.votedFor == "" || n.votedFor == args.CandidateID || args.PreVote
	term := n.currentTerm
	if args.PreVote {
		term = args.Term
	}
	granted := logOK && canVote && args.Term >= n.currentTerm
	if granted && !args.PreVote {
		n.votedFor = args.CandidateID
		if err := n.store.SetTermAndVote(n.currentTerm, n.votedFor); err != nil {
			log.WithComponent("raft").Error().Msg("failed to persist vote")
		}
		n.resetElectionTimer()
	}
	return &RequestVoteReply{Term: term, VoteGranted: granted}, nil
}

// HandleAppendEntries implements the AppendEntries RPC, including the
// conflict-index fast-backtrack optimization in its reply.
func (n *Node) HandleAppendEntries(_ context.Context, args *AppendEntriesArgs) (*AppendEntriesReply, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term < n.currentTerm {
		return &AppendEntriesReply{Term: n.currentTerm, Success: false}, nil
	}
	if args.Term > n.currentTerm || n.state != Follower {
		n.becomeFollower(args.Term, args.LeaderID)
	} else {
		n.leaderID = args.LeaderID
	}
	n.resetElectionTimer()

	if args.PrevLogIndex > 0 {
		entry, ok, err := n.entryLocked(args.PrevLogIndex)
		if err != nil {
			return nil, err
		}
		if !ok {
			lastIdx, _ := n.lastLogIndexTermLocked()
			return &AppendEntriesReply{Term: n.currentTerm, Success: false, ConflictIndex: lastIdx + 1}, nil
		}
		if entry.Term != args.PrevLogTerm {
			conflictTerm := entry.Term
			conflictIndex := args.PrevLogIndex
			for conflictIndex > 1 {
				prev, ok, err := n.entryLocked(conflictIndex - 1)
				if err != nil || !ok || prev.Term != conflictTerm {
					break
				}
				conflictIndex--
			}
			return &AppendEntriesReply{Term: n.currentTerm, Success: false, ConflictIndex: conflictIndex, ConflictTerm: conflictTerm}, nil
		}
	}

	if len(args.Entries) > 0 {
		if err := n.store.TruncateFrom(args.Entries[0].Index); err != nil {
			return nil, err
		}
		if err := n.store.AppendEntries(args.Entries); err != nil {
			return nil, err
		}
		n.refreshLogTailLocked()
	}

	if args.LeaderCommit > n.commitIndex {
		lastIdx, _ := n.lastLogIndexTermLocked()
		if args.LeaderCommit < lastIdx {
			n.commitIndex = args.LeaderCommit
		} else {
			n.commitIndex = lastIdx
		}
		metrics.RaftCommitIndex.Set(float64(n.commitIndex))
		n.applyCommittedLocked()
	}

	return &AppendEntriesReply{Term: n.currentTerm, Success: true}, nil
}

func (n *Node) lastLogIndexTermLocked() (uint64, uint64) {
	if len(n.logTail) == 0 {
		return 0, 0
	}
	last := n.logTail[len(n.logTail)-1]
	return last.Index, last.Term
}

func (n *Node) termAtLocked(index uint64) uint64 {
	if index == 0 {
		return 0
	}
	entry, ok, _ := n.entryLocked(index)
	if !ok {
		return 0
	}
	return entry.Term
}

func (n *Node) entryLocked(index uint64) (LogEntry, bool, error) {
	for _, e := range n.logTail {
		if e.Index == index {
			return e, true, nil
		}
	}
	return n.store.Entry(index)
}

func (n *Node) entriesFromLocked(from uint64) []LogEntry {
	var out []LogEntry
	for _, e := range n.logTail {
		if e.Index >= from {
			out = append(out, e)
		}
	}
	if len(out) > 0 {
		return out
	}
	entries, err := n.store.EntriesFrom(from)
	if err != nil {
		return nil
	}
	return entries
}

func (n *Node) lastIndexWithTermLocked(term uint64) uint64 {
	entries, err := n.store.EntriesFrom(1)
	if err != nil {
		return 0
	}
	var last uint64
	for _, e := range entries {
		if e.Term == term {
			last = e.Index
		}
	}
	return last
}

func (n *Node) refreshLogTailLocked() {
	lastIdx, _ := n.lastLogIndexTermLocked()
	from := uint64(1)
	if lastIdx > 64 {
		from = lastIdx - 64
	}
	entries, err := n.store.EntriesFrom(from)
	if err != nil {
		return
	}
	n.logTail = entries
}

// HandleStatus answers a status query with a live snapshot of this node's
// Raft state, for `nqdbd status` to dial rather than read a stopped node's
// on-disk store.
func (n *Node) HandleStatus(_ context.Context, _ *StatusArgs) (*StatusReply, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return &StatusReply{
		NodeID:      n.id,
		State:       n.state.String(),
		Term:        n.currentTerm,
		LeaderID:    n.leaderID,
		CommitIndex: n.commitIndex,
		LastApplied: n.lastApplied,
	}, nil
}
