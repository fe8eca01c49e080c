package cluster

import (
	"sync"
	"time"

	"github.com/nqdb/nqdb/pkg/errs"
)

// nodeSoak tracks one node's protocol version and how long it has been
// continuously healthy at that version.
type nodeSoak struct {
	protocolVersion uint32
	healthySince    time.Time
	upgrading       bool
}

// UpgradeCoordinator advances nodes through a rolling protocol-version
// upgrade one at a time, each soaked for a minimum period and never
// dropping the cluster below a healthy quorum (spec.md §4.6), mirroring
// the teacher's one-node-at-a-time lifecycle transitions in pkg/manager.
type UpgradeCoordinator struct {
	mu        sync.Mutex
	nodes     map[string]*nodeSoak
	soakTime  time.Duration
	upgrading string // node currently mid-upgrade, "" if none
}

// NewUpgradeCoordinator builds a coordinator with the default soak period.
func NewUpgradeCoordinator() *UpgradeCoordinator {
	return &UpgradeCoordinator{
		nodes:    make(map[string]*nodeSoak),
		soakTime: 30 * time.Second,
	}
}

// Observe records a node's current protocol version and healthy state.
func (u *UpgradeCoordinator) Observe(nodeID string, protocolVersion uint32, healthy bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	n, ok := u.nodes[nodeID]
	if !ok {
		n = &nodeSoak{}
		u.nodes[nodeID] = n
	}
	if n.protocolVersion != protocolVersion {
		n.protocolVersion = protocolVersion
		n.healthySince = time.Time{}
	}
	if healthy {
		if n.healthySince.IsZero() {
			n.healthySince = time.Now()
		}
	} else {
		n.healthySince = time.Time{}
	}
}

// soaked reports whether node has been continuously healthy at its current
// version for at least the soak period.
func (u *UpgradeCoordinator) soaked(n *nodeSoak) bool {
	return !n.healthySince.IsZero() && time.Since(n.healthySince) >= u.soakTime
}

// BeginUpgrade admits nodeID into the upgrade if: no other node is
// currently mid-upgrade, nodeID is presently soaked at its old version,
// and removing it from the healthy set would not drop the cluster below
// quorum.
func (u *UpgradeCoordinator) BeginUpgrade(nodeID string, totalMembers int) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.upgrading != "" && u.upgrading != nodeID {
		return errs.New(errs.KindConflict, "UpgradeInProgress", "another node is already upgrading").
			WithField("node_id", u.upgrading)
	}
	n, ok := u.nodes[nodeID]
	if !ok || !u.soaked(n) {
		return errs.New(errs.KindTransient, "UpgradeNotSoaked", "node has not completed its soak period").
			WithField("node_id", nodeID)
	}

	healthy := 0
	for _, other := range u.nodes {
		if u.soaked(other) {
			healthy++
		}
	}
	needed := totalMembers/2 + 1
	if healthy-1 < needed {
		return errs.New(errs.KindConflict, "UpgradeWouldBreakQuorum", "taking this node down would drop below quorum").
			WithField("node_id", nodeID)
	}

	n.upgrading = true
	u.upgrading = nodeID
	return nil
}

// CompleteUpgrade marks nodeID's upgrade finished, clearing its soak timer
// so it must re-establish health at the new version before another
// upgrade can begin.
func (u *UpgradeCoordinator) CompleteUpgrade(nodeID string, newVersion uint32) {
	u.mu.Lock()
	defer u.mu.Unlock()
	n, ok := u.nodes[nodeID]
	if !ok {
		n = &nodeSoak{}
		u.nodes[nodeID] = n
	}
	n.upgrading = false
	n.protocolVersion = newVersion
	n.healthySince = time.Time{}
	if u.upgrading == nodeID {
		u.upgrading = ""
	}
}
