// Package cluster owns node membership, peer discovery, and status
// reporting for an nqdb cluster (spec.md §4.7). It wraps a pkg/raft Node
// with the membership/discovery concerns the teacher's manager package
// handles for container orchestration; shard placement lives separately in
// pkg/shard and is not owned by the Manager.
package cluster

import (
	"sync"
	"time"

	"github.com/nqdb/nqdb/pkg/config"
	"github.com/nqdb/nqdb/pkg/errs"
	"github.com/nqdb/nqdb/pkg/log"
	"github.com/nqdb/nqdb/pkg/metrics"
	"github.com/nqdb/nqdb/pkg/raft"
)

// LocalState is the coarse-grained state this node reports about itself.
type LocalState string

const (
	StateJoining LocalState = "joining"
	StateHealthy LocalState = "healthy"
	StateLeaving LocalState = "leaving"
	StateDown    LocalState = "down"
)

// Member is one node this cluster manager knows about.
type Member struct {
	ID              string
	Addr            string
	Healthy         bool
	ProtocolVersion uint32
	LastSeen        time.Time
}

// Status is the tuple spec.md §4.7 requires `status` to return.
type Status struct {
	NodeCount    int
	HealthyNodes int
	HasQuorum    bool
	LeaderID     string
	LocalState   LocalState
}

// Manager owns membership, discovery, and the raft node backing this
// cluster member.
type Manager struct {
	nodeID string
	addr   string
	cfg    config.DiscoveryConfig

	node      *raft.Node
	server    *raft.GRPCServer
	transport *raft.GRPCTransport
	discovery Discovery

	mu       sync.RWMutex
	members  map[string]*Member
	local    LocalState
	upgrader *UpgradeCoordinator

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a cluster manager around an already-built raft.Node.
// Discovery is resolved from cfg eagerly so a misconfigured variant fails
// fast with errs.ConfigError rather than at first use (spec.md §4.7).
func New(nodeID, addr string, cfg config.DiscoveryConfig, node *raft.Node, server *raft.GRPCServer, transport *raft.GRPCTransport) (*Manager, error) {
	disc, err := newDiscovery(cfg)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		nodeID:    nodeID,
		addr:      addr,
		cfg:       cfg,
		node:      node,
		server:    server,
		transport: transport,
		discovery: disc,
		members:   make(map[string]*Member),
		local:     StateJoining,
		upgrader:  NewUpgradeCoordinator(),
		stopCh:    make(chan struct{}),
	}
	m.members[nodeID] = &Member{ID: nodeID, Addr: addr, Healthy: true, LastSeen: time.Now()}
	return m, nil
}

// Start begins the raft node's election timer, the gRPC server, and the
// background discovery/health-refresh loop.
func (m *Manager) Start() error {
	m.node.Start()
	if m.server != nil {
		go func() {
			if err := m.server.Serve(); err != nil {
				log.WithComponent("cluster").Error().Err(err).Msg("raft transport server stopped")
			}
		}()
	}
	m.mu.Lock()
	m.local = StateHealthy
	m.mu.Unlock()

	m.wg.Add(1)
	go m.refreshLoop()
	return nil
}

// Stop tears down the raft node, transport, and background loop.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.local = StateLeaving
	m.mu.Unlock()
	close(m.stopCh)
	m.wg.Wait()
	m.node.Stop()
	if m.server != nil {
		m.server.Stop()
	}
	if m.transport != nil {
		_ = m.transport.Close()
	}
}

func (m *Manager) refreshLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.refreshMembership()
		}
	}
}

// refreshMembership re-resolves the discovery source and marks members
// seen/not-seen, the way the teacher's health.Status tracks consecutive
// check results.
func (m *Manager) refreshMembership() {
	addrs, err := m.discovery.Resolve()
	if err != nil {
		log.WithComponent("cluster").Warn().Err(err).Msg("discovery resolve failed")
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool, len(addrs))
	for _, addr := range addrs {
		seen[addr] = true
		found := false
		for _, mem := range m.members {
			if mem.Addr == addr {
				mem.Healthy = true
				mem.LastSeen = time.Now()
				found = true
				break
			}
		}
		if !found {
			m.members[addr] = &Member{ID: addr, Addr: addr, Healthy: true, LastSeen: time.Now()}
		}
	}
	healthy := 0
	for _, mem := range m.members {
		if !seen[mem.Addr] && mem.ID != m.nodeID {
			mem.Healthy = false
		}
		if mem.Healthy {
			healthy++
		}
		m.upgrader.Observe(mem.ID, mem.ProtocolVersion, mem.Healthy)
	}
	metrics.ClusterHealthyNodes.Set(float64(healthy))
}

// BeginUpgrade admits nodeID into a rolling protocol upgrade if it is
// soaked and the cluster can spare it without losing quorum.
func (m *Manager) BeginUpgrade(nodeID string) error {
	m.mu.RLock()
	total := len(m.members)
	m.mu.RUnlock()
	return m.upgrader.BeginUpgrade(nodeID, total)
}

// CompleteUpgrade records that nodeID finished upgrading to newVersion.
func (m *Manager) CompleteUpgrade(nodeID string, newVersion uint32) {
	m.mu.Lock()
	if mem, ok := m.members[nodeID]; ok {
		mem.ProtocolVersion = newVersion
	}
	m.mu.Unlock()
	m.upgrader.CompleteUpgrade(nodeID, newVersion)
}

// Status implements the `status` operation spec.md §6 names.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	healthy := 0
	for _, mem := range m.members {
		if mem.Healthy {
			healthy++
		}
	}
	total := len(m.members)
	needed := total/2 + 1
	leader := ""
	if m.node.IsLeader() {
		leader = m.nodeID
	}
	return Status{
		NodeCount:    total,
		HealthyNodes: healthy,
		HasQuorum:    healthy >= needed,
		LeaderID:     leader,
		LocalState:   m.local,
	}
}

// Propose forwards command_bytes to the raft log if this node is leader,
// else returns errs.NotLeader so the caller can redirect (spec.md §6).
func (m *Manager) Propose(command []byte) (uint64, error) {
	if !m.node.IsLeader() {
		return 0, errs.NotLeader(m.knownLeaderHint(), m.knownLeaderHint())
	}
	return m.node.Propose(command)
}

func (m *Manager) knownLeaderHint() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return "" // no cross-node leader gossip wired; caller retries against another member
}

// LinearizableRead validates the leader lease is still live before allowing
// a caller to treat a local read as linearizable (spec.md §4.6).
func (m *Manager) LinearizableRead() error {
	if !m.node.IsLeader() {
		return errs.NotLeader(m.knownLeaderHint(), m.knownLeaderHint())
	}
	return nil
}

// AddNode registers a new member for discovery-independent membership
// changes (spec.md §6 `add_node`).
func (m *Manager) AddNode(id, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.members[id]; exists {
		return errs.New(errs.KindConflict, "MemberExists", "node already a member").WithField("node_id", id)
	}
	m.members[id] = &Member{ID: id, Addr: addr, Healthy: true, LastSeen: time.Now()}
	return nil
}

// RemoveNode removes a member (spec.md §6 `remove_node`).
func (m *Manager) RemoveNode(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.members[id]; !exists {
		return errs.New(errs.KindNotFound, "MemberNotFound", "node is not a member").WithField("node_id", id)
	}
	delete(m.members, id)
	return nil
}

// Members returns a snapshot of the known membership set.
func (m *Manager) Members() []Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Member, 0, len(m.members))
	for _, mem := range m.members {
		out = append(out, *mem)
	}
	return out
}
