package cluster

import (
	"testing"
	"time"

	"github.com/nqdb/nqdb/pkg/config"
	"github.com/nqdb/nqdb/pkg/errs"
	"github.com/stretchr/testify/require"
)

func TestNewDiscoveryStaticRequiresPeers(t *testing.T) {
	_, err := newDiscovery(config.DiscoveryConfig{Kind: config.DiscoveryStatic})
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.KindConfig, kind)
}

func TestNewDiscoveryStaticResolvesConfiguredPeers(t *testing.T) {
	d, err := newDiscovery(config.DiscoveryConfig{Kind: config.DiscoveryStatic, Static: []string{"a:1", "b:1"}})
	require.NoError(t, err)
	addrs, err := d.Resolve()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a:1", "b:1"}, addrs)
}

func TestNewDiscoveryDNSRequiresName(t *testing.T) {
	_, err := newDiscovery(config.DiscoveryConfig{Kind: config.DiscoveryDNS})
	require.Error(t, err)
}

func TestNewDiscoveryConsulRequiresEndpoint(t *testing.T) {
	_, err := newDiscovery(config.DiscoveryConfig{Kind: config.DiscoveryConsul})
	require.Error(t, err)
}

func TestNewDiscoveryUnknownKindFails(t *testing.T) {
	_, err := newDiscovery(config.DiscoveryConfig{Kind: "bogus"})
	require.Error(t, err)
}

func TestUpgradeCoordinatorRequiresSoak(t *testing.T) {
	u := NewUpgradeCoordinator()
	u.Observe("a", 1, true)
	err := u.BeginUpgrade("a", 3)
	require.Error(t, err)
	kind, _ := errs.KindOf(err)
	require.Equal(t, errs.KindTransient, kind)
}

func TestUpgradeCoordinatorAllowsSoakedNodeIfQuorumHolds(t *testing.T) {
	u := NewUpgradeCoordinator()
	u.soakTime = 1 * time.Millisecond
	u.Observe("a", 1, true)
	u.Observe("b", 1, true)
	u.Observe("c", 1, true)
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, u.BeginUpgrade("a", 3))
	u.CompleteUpgrade("a", 2)

	status, ok := u.nodes["a"]
	require.True(t, ok)
	require.Equal(t, uint32(2), status.protocolVersion)
	require.False(t, status.upgrading)
}

func TestUpgradeCoordinatorRejectsConcurrentUpgrades(t *testing.T) {
	u := NewUpgradeCoordinator()
	u.soakTime = 1 * time.Millisecond
	u.Observe("a", 1, true)
	u.Observe("b", 1, true)
	u.Observe("c", 1, true)
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, u.BeginUpgrade("a", 3))
	err := u.BeginUpgrade("b", 3)
	require.Error(t, err)
}

func TestUpgradeCoordinatorBlocksWhenQuorumWouldBreak(t *testing.T) {
	u := NewUpgradeCoordinator()
	u.soakTime = 1 * time.Millisecond
	u.Observe("a", 1, true)
	time.Sleep(5 * time.Millisecond)
	// Only one soaked node out of a 3-member cluster: removing it would
	// leave 0 healthy against a quorum requirement of 2.
	err := u.BeginUpgrade("a", 3)
	require.Error(t, err)
}
