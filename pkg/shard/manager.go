package shard

import (
	"sort"
	"sync"

	"github.com/nqdb/nqdb/pkg/config"
	"github.com/nqdb/nqdb/pkg/errs"
	"github.com/nqdb/nqdb/pkg/metrics"
)

// Placement is the primary plus replicas a shard is assigned to.
type Placement struct {
	ShardID   int
	Primary   string
	Replicas  []string // replication_factor - 1 additional nodes
}

// ReadResult is one replica's answer to a read, used to detect mismatches
// for read repair.
type ReadResult struct {
	NodeID string
	Value  []byte
	LSN    uint64
	Found  bool
}

// Manager maps row keys to shards via a consistent-hash Ring and shards to
// a primary/replica node set, and resolves reads at a configured
// consistency level (spec.md §4.7).
type Manager struct {
	ring        *Ring
	cfg         config.ShardConfig
	mu          sync.RWMutex
	nodes       []string // stable node ordering used to place shards
	placements  map[int]*Placement
}

// New builds a Manager for the given node set. The shard count is
// len(nodes), one shard per node, independent of virtual nodes and
// replication factor; Rebalance recomputes it when membership changes.
func New(cfg config.ShardConfig, nodes []string) (*Manager, error) {
	if cfg.ReplicationFactor <= 0 {
		return nil, errs.ConfigError("shard.replication_factor must be positive")
	}
	if len(nodes) == 0 {
		return nil, errs.ConfigError("shard manager requires at least one node")
	}
	sorted := append([]string(nil), nodes...)
	sort.Strings(sorted)
	m := &Manager{
		ring:  NewRing(len(sorted), cfg.VirtualNodes),
		cfg:   cfg,
		nodes: sorted,
	}
	m.rebuildPlacements()
	return m, nil
}

func (m *Manager) rebuildPlacements() {
	shardCount := m.ring.ShardCount()
	placements := make(map[int]*Placement, shardCount)
	n := len(m.nodes)
	rf := m.cfg.ReplicationFactor
	if rf > n {
		rf = n
	}
	for shardID := 0; shardID < shardCount; shardID++ {
		primaryIdx := shardID % n
		p := &Placement{ShardID: shardID, Primary: m.nodes[primaryIdx]}
		for i := 1; i < rf; i++ {
			p.Replicas = append(p.Replicas, m.nodes[(primaryIdx+i)%n])
		}
		placements[shardID] = p
	}
	m.placements = placements
}

// Rebalance recomputes shard placement for a new node set, used when
// add_node/remove_node changes cluster membership.
func (m *Manager) Rebalance(nodes []string) error {
	if len(nodes) == 0 {
		return errs.ConfigError("shard manager requires at least one node")
	}
	sorted := append([]string(nil), nodes...)
	sort.Strings(sorted)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = sorted
	m.ring.Resize(len(sorted))
	m.rebuildPlacements()
	return nil
}

// ShardFor returns which shard a row key belongs to.
func (m *Manager) ShardFor(key string) int {
	return m.ring.ShardFor(key)
}

// PlacementFor returns the primary/replica set for a shard key.
func (m *Manager) PlacementFor(key string) Placement {
	shardID := m.ShardFor(key)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.placements[shardID]
}

// quorumSize returns ⌈(RF+1)/2⌉, the number of matching replicas a Quorum
// read requires (spec.md §4.7).
func quorumSize(replicationFactor int) int {
	return (replicationFactor+1+1)/2
}

// Reconcile applies a consistency level to a set of replica read results,
// returning the resolved value and the subset of replicas that disagreed
// with it (candidates for read repair).
func (m *Manager) Reconcile(level config.ConsistencyLevel, results []ReadResult) ([]byte, []ReadResult, error) {
	present := make([]ReadResult, 0, len(results))
	for _, r := range results {
		if r.Found {
			present = append(present, r)
		}
	}
	if len(present) == 0 {
		return nil, nil, errs.RowNotFound(0)
	}

	required := 1
	switch level {
	case config.ConsistencyOne:
		required = 1
	case config.ConsistencyQuorum:
		required = quorumSize(m.cfg.ReplicationFactor)
	case config.ConsistencyAll:
		required = m.cfg.ReplicationFactor
	default:
		return nil, nil, errs.ConfigError("unknown consistency level")
	}
	if len(results) < required {
		return nil, nil, errs.QuorumNotReached(required, len(results))
	}

	newest := present[0]
	for _, r := range present[1:] {
		if r.LSN > newest.LSN {
			newest = r
		}
	}

	if level == config.ConsistencyOne {
		return newest.Value, nil, nil
	}

	matching := 0
	var stale []ReadResult
	for _, r := range present {
		if r.LSN == newest.LSN {
			matching++
		} else {
			stale = append(stale, r)
		}
	}
	if matching < required {
		return nil, nil, errs.QuorumNotReached(required, matching)
	}
	if len(stale) > 0 {
		metrics.ShardReadRepairs.Add(float64(len(stale)))
	}
	return newest.Value, stale, nil
}
