package shard

import (
	"strconv"
	"testing"

	"github.com/nqdb/nqdb/pkg/config"
	"github.com/nqdb/nqdb/pkg/errs"
	"github.com/stretchr/testify/require"
)

func TestRingIsStableForSameKey(t *testing.T) {
	r := NewRing(8, 32)
	first := r.ShardFor("user:42")
	for i := 0; i < 100; i++ {
		require.Equal(t, first, r.ShardFor("user:42"))
	}
}

func TestRingDistributesAcrossShards(t *testing.T) {
	r := NewRing(8, 64)
	seen := make(map[int]bool)
	for i := 0; i < 2000; i++ {
		seen[r.ShardFor(randKey(i))] = true
	}
	require.True(t, len(seen) > 1, "expected keys to spread across more than one shard")
}

func randKey(i int) string {
	return "key-" + strconv.Itoa(i)
}

func TestManagerPlacesPrimaryAndReplicas(t *testing.T) {
	cfg := config.ShardConfig{VirtualNodes: 16, ReplicationFactor: 3, DefaultConsistency: config.ConsistencyQuorum}
	m, err := New(cfg, []string{"n1", "n2", "n3", "n4"})
	require.NoError(t, err)

	p := m.PlacementFor("row:1")
	require.NotEmpty(t, p.Primary)
	require.Len(t, p.Replicas, 2)
	require.NotContains(t, p.Replicas, p.Primary)
}

func TestManagerRejectsZeroReplicationFactor(t *testing.T) {
	_, err := New(config.ShardConfig{ReplicationFactor: 0}, []string{"n1"})
	require.Error(t, err)
	kind, _ := errs.KindOf(err)
	require.Equal(t, errs.KindConfig, kind)
}

func TestReconcileOneReturnsNewestWithoutQuorum(t *testing.T) {
	cfg := config.ShardConfig{ReplicationFactor: 3}
	m, err := New(cfg, []string{"n1", "n2", "n3"})
	require.NoError(t, err)

	val, stale, err := m.Reconcile(config.ConsistencyOne, []ReadResult{
		{NodeID: "n1", Value: []byte("v1"), LSN: 5, Found: true},
	})
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), val)
	require.Empty(t, stale)
}

func TestReconcileQuorumDetectsStragglerForReadRepair(t *testing.T) {
	cfg := config.ShardConfig{ReplicationFactor: 3}
	m, err := New(cfg, []string{"n1", "n2", "n3"})
	require.NoError(t, err)

	val, stale, err := m.Reconcile(config.ConsistencyQuorum, []ReadResult{
		{NodeID: "n1", Value: []byte("new"), LSN: 10, Found: true},
		{NodeID: "n2", Value: []byte("new"), LSN: 10, Found: true},
		{NodeID: "n3", Value: []byte("old"), LSN: 7, Found: true},
	})
	require.NoError(t, err)
	require.Equal(t, []byte("new"), val)
	require.Len(t, stale, 1)
	require.Equal(t, "n3", stale[0].NodeID)
}

func TestReconcileQuorumNotReachedWhenTooFewReplicasRespond(t *testing.T) {
	cfg := config.ShardConfig{ReplicationFactor: 3}
	m, err := New(cfg, []string{"n1", "n2", "n3"})
	require.NoError(t, err)

	_, _, err = m.Reconcile(config.ConsistencyQuorum, []ReadResult{
		{NodeID: "n1", Value: []byte("v"), LSN: 1, Found: true},
	})
	require.Error(t, err)
	kind, _ := errs.KindOf(err)
	require.Equal(t, errs.KindConsensus, kind)
}

func TestReconcileAllRequiresEveryReplicaToMatch(t *testing.T) {
	cfg := config.ShardConfig{ReplicationFactor: 2}
	m, err := New(cfg, []string{"n1", "n2"})
	require.NoError(t, err)

	_, _, err = m.Reconcile(config.ConsistencyAll, []ReadResult{
		{NodeID: "n1", Value: []byte("new"), LSN: 2, Found: true},
		{NodeID: "n2", Value: []byte("old"), LSN: 1, Found: true},
	})
	require.Error(t, err)
}

func TestManagerRebalanceChangesPlacement(t *testing.T) {
	cfg := config.ShardConfig{VirtualNodes: 16, ReplicationFactor: 2}
	m, err := New(cfg, []string{"n1", "n2"})
	require.NoError(t, err)

	require.Equal(t, 2, m.ring.ShardCount())
	require.NoError(t, m.Rebalance([]string{"n1", "n2", "n3", "n4"}))
	require.Equal(t, 4, m.ring.ShardCount())
}
