package raft

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nqdb/nqdb/pkg/config"
	"github.com/stretchr/testify/require"
)

// fakeTransport routes RPCs directly to in-process Node handlers, so
// cluster tests run deterministically without opening real sockets.
type fakeTransport struct {
	mu       sync.Mutex
	handlers map[string]RPCHandler
	dropped  map[string]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]RPCHandler), dropped: make(map[string]bool)}
}

func (f *fakeTransport) register(id string, h RPCHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[id] = h
}

func (f *fakeTransport) setDropped(id string, dropped bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped[id] = dropped
}

func (f *fakeTransport) handlerFor(id string) (RPCHandler, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dropped[id] {
		return nil, false
	}
	h, ok := f.handlers[id]
	return h, ok
}

func (f *fakeTransport) RequestVote(ctx context.Context, peerID string, args *RequestVoteArgs) (*RequestVoteReply, error) {
	h, ok := f.handlerFor(peerID)
	if !ok {
		return nil, fmt.Errorf("peer %s unreachable", peerID)
	}
	return h.HandleRequestVote(ctx, args)
}

func (f *fakeTransport) AppendEntries(ctx context.Context, peerID string, args *AppendEntriesArgs) (*AppendEntriesReply, error) {
	h, ok := f.handlerFor(peerID)
	if !ok {
		return nil, fmt.Errorf("peer %s unreachable", peerID)
	}
	return h.HandleAppendEntries(ctx, args)
}

func testRaftConfig(id string) config.RaftConfig {
	return config.RaftConfig{
		NodeID:            id,
		ElectionMin:       30 * time.Millisecond,
		ElectionMax:       60 * time.Millisecond,
		HeartbeatInterval: 10 * time.Millisecond,
		LeaseDuration:     100 * time.Millisecond,
		RPCTimeout:        200 * time.Millisecond,
		ProtocolVersion:   1,
	}
}

type testCluster struct {
	nodes     map[string]*Node
	transport *fakeTransport
	mu        sync.Mutex
	applied   map[string][]LogEntry
}

func newTestCluster(t *testing.T, ids []string) *testCluster {
	t.Helper()
	tc := &testCluster{nodes: make(map[string]*Node), transport: newFakeTransport(), applied: make(map[string][]LogEntry)}
	dir := t.TempDir()
	for _, id := range ids {
		store, err := OpenStore(filepath.Join(dir, id+".db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })

		var peers []string
		for _, other := range ids {
			if other != id {
				peers = append(peers, other)
			}
		}
		id := id
		applyFn := func(entry LogEntry) {
			tc.recordApplied(id, entry)
		}
		node, err := NewNode(id, peers, testRaftConfig(id), store, tc.transport, applyFn)
		require.NoError(t, err)
		tc.transport.register(id, node)
		tc.nodes[id] = node
	}
	return tc
}

func (tc *testCluster) recordApplied(id string, entry LogEntry) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.applied[id] = append(tc.applied[id], entry)
}

func (tc *testCluster) appliedCount(id string) int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.applied[id])
}

func (tc *testCluster) startAll() {
	for _, n := range tc.nodes {
		n.Start()
	}
}

func (tc *testCluster) stopAll() {
	for _, n := range tc.nodes {
		n.Stop()
	}
}

func (tc *testCluster) awaitLeader(t *testing.T, timeout time.Duration) *Node {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, n := range tc.nodes {
			if n.IsLeader() {
				return n
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no leader elected within timeout")
	return nil
}

func TestElectsASingleLeader(t *testing.T) {
	tc := newTestCluster(t, []string{"a", "b", "c"})
	tc.startAll()
	defer tc.stopAll()

	leader := tc.awaitLeader(t, 2*time.Second)
	require.NotEmpty(t, leader.id)

	leaders := 0
	for _, n := range tc.nodes {
		if n.IsLeader() {
			leaders++
		}
	}
	require.Equal(t, 1, leaders)
}

func TestProposeReplicatesToFollowers(t *testing.T) {
	tc := newTestCluster(t, []string{"a", "b", "c"})
	tc.startAll()
	defer tc.stopAll()

	leader := tc.awaitLeader(t, 2*time.Second)
	idx, err := leader.Propose([]byte("hello"))
	require.NoError(t, err)
	// Index 1 holds the no-op entry the leader appends on election.
	require.Equal(t, uint64(2), idx)

	require.Eventually(t, func() bool {
		for id := range tc.nodes {
			if id != leader.id && tc.appliedCount(id) < 2 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProposeFailsWhenNotLeader(t *testing.T) {
	tc := newTestCluster(t, []string{"a", "b", "c"})
	tc.startAll()
	defer tc.stopAll()

	leader := tc.awaitLeader(t, 2*time.Second)
	for id, n := range tc.nodes {
		if id != leader.id {
			_, err := n.Propose([]byte("nope"))
			require.Error(t, err)
		}
	}
}

func TestPreVoteDoesNotBumpTerm(t *testing.T) {
	tc := newTestCluster(t, []string{"a", "b"})
	a := tc.nodes["a"]

	termBefore := a.currentTerm
	reply, err := a.HandleRequestVote(context.Background(), &RequestVoteArgs{
		Term:         termBefore + 5,
		CandidateID:  "b",
		LastLogIndex: 0,
		LastLogTerm:  0,
		PreVote:      true,
	})
	require.NoError(t, err)
	require.True(t, reply.VoteGranted)
	require.Equal(t, termBefore, a.currentTerm)
}

func TestAppendEntriesRejectsStaleTerm(t *testing.T) {
	tc := newTestCluster(t, []string{"a", "b"})
	a := tc.nodes["a"]
	a.currentTerm = 5

	reply, err := a.HandleAppendEntries(context.Background(), &AppendEntriesArgs{
		Term:     3,
		LeaderID: "b",
	})
	require.NoError(t, err)
	require.False(t, reply.Success)
	require.Equal(t, uint64(5), reply.Term)
}

func TestAppendEntriesReportsConflictIndex(t *testing.T) {
	tc := newTestCluster(t, []string{"a", "b"})
	a := tc.nodes["a"]

	reply, err := a.HandleAppendEntries(context.Background(), &AppendEntriesArgs{
		Term:         1,
		LeaderID:     "b",
		PrevLogIndex: 5,
		PrevLogTerm:  1,
	})
	require.NoError(t, err)
	require.False(t, reply.Success)
	require.Equal(t, uint64(1), reply.ConflictIndex)
}
