// Package config loads and validates nqdb's node configuration: storage
// tuning knobs, WAL policy, Raft timeouts, and cluster discovery settings
// (spec.md §1, §4, §6). It is loaded from YAML with gopkg.in/yaml.v3,
// mirroring the teacher's cmd/warren apply.go resource-file convention.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/nqdb/nqdb/pkg/errs"
	"gopkg.in/yaml.v3"
)

// SyncMode selects when the pager fsyncs page writes (spec.md §4.1).
type SyncMode string

const (
	SyncNone   SyncMode = "none"
	SyncNormal SyncMode = "normal"
	SyncFull   SyncMode = "full"
)

// EvictionPolicy selects the buffer pool's victim-selection algorithm.
type EvictionPolicy string

const (
	EvictionLRU   EvictionPolicy = "lru"
	EvictionClock EvictionPolicy = "clock"
	EvictionLRUK  EvictionPolicy = "lruk"
)

// DiscoveryKind selects how the cluster manager finds peers (spec.md §4.7).
type DiscoveryKind string

const (
	DiscoveryStatic DiscoveryKind = "static"
	DiscoveryDNS    DiscoveryKind = "dns"
	DiscoveryConsul DiscoveryKind = "consul"
	DiscoveryEtcd   DiscoveryKind = "etcd"
)

// ConsistencyLevel selects how many shard replicas must agree on a read.
type ConsistencyLevel string

const (
	ConsistencyOne     ConsistencyLevel = "one"
	ConsistencyQuorum  ConsistencyLevel = "quorum"
	ConsistencyAll     ConsistencyLevel = "all"
)

// StorageConfig tunes the pager, buffer pool and WAL.
type StorageConfig struct {
	DataDir            string         `yaml:"data_dir"`
	PageSize            int            `yaml:"page_size"`
	SyncMode            SyncMode       `yaml:"sync_mode"`
	BufferPoolFrames    int            `yaml:"buffer_pool_frames"`
	BufferPoolPercent   float64        `yaml:"buffer_pool_percent"`
	EvictionPolicy      EvictionPolicy `yaml:"eviction_policy"`
	FlushInterval       time.Duration  `yaml:"flush_interval"`
	MaxDirtyPages       int            `yaml:"max_dirty_pages"`
	WALSegmentSize      int64          `yaml:"wal_segment_size"`
	CheckpointInterval  time.Duration  `yaml:"checkpoint_interval"`
	MinSegmentsToKeep   int            `yaml:"min_segments_to_keep"`
	RowCacheCapacity    int            `yaml:"row_cache_capacity"`
}

// RaftConfig tunes election timing, heartbeats and the leader lease.
type RaftConfig struct {
	NodeID            string        `yaml:"node_id"`
	BindAddr          string        `yaml:"bind_addr"`
	ElectionMin       time.Duration `yaml:"election_min"`
	ElectionMax       time.Duration `yaml:"election_max"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	LeaseDuration     time.Duration `yaml:"lease_duration"`
	RPCTimeout        time.Duration `yaml:"rpc_timeout"`
	ProtocolVersion   uint32        `yaml:"protocol_version"`
}

// DiscoveryConfig configures how the cluster manager finds peers.
type DiscoveryConfig struct {
	Kind     DiscoveryKind `yaml:"kind"`
	Static   []string      `yaml:"static,omitempty"`
	DNSName  string        `yaml:"dns_name,omitempty"`
	Endpoint string        `yaml:"endpoint,omitempty"`
}

// ShardConfig tunes consistent-hash placement and read consistency.
type ShardConfig struct {
	VirtualNodes       int              `yaml:"virtual_nodes"`
	ReplicationFactor  int              `yaml:"replication_factor"`
	DefaultConsistency ConsistencyLevel `yaml:"default_consistency"`
}

// Config is the top-level node configuration, loaded once at startup.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Raft      RaftConfig      `yaml:"raft"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Shard     ShardConfig     `yaml:"shard"`
}

// Default returns a single-node configuration suitable for `nqdbd init`.
func Default(dataDir, nodeID, bindAddr string) *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir:            dataDir,
			PageSize:           4096,
			SyncMode:           SyncNormal,
			BufferPoolFrames:   2048,
			EvictionPolicy:     EvictionClock,
			FlushInterval:      2 * time.Second,
			MaxDirtyPages:      256,
			WALSegmentSize:     64 << 20,
			CheckpointInterval: 30 * time.Second,
			MinSegmentsToKeep:  2,
			RowCacheCapacity:   10000,
		},
		Raft: RaftConfig{
			NodeID:            nodeID,
			BindAddr:          bindAddr,
			ElectionMin:       150 * time.Millisecond,
			ElectionMax:       300 * time.Millisecond,
			HeartbeatInterval: 50 * time.Millisecond,
			LeaseDuration:     200 * time.Millisecond,
			RPCTimeout:        1 * time.Second,
			ProtocolVersion:   1,
		},
		Discovery: DiscoveryConfig{Kind: DiscoveryStatic, Static: []string{bindAddr}},
		Shard: ShardConfig{
			VirtualNodes:       128,
			ReplicationFactor:  3,
			DefaultConsistency: ConsistencyQuorum,
		},
	}
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, "ConfigError", "failed to read config file", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errs.Wrap(errs.KindConfig, "ConfigError", "failed to parse config file", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that every required setting for the chosen discovery
// variant is present (spec.md §4.7: "missing configuration for a chosen
// variant fails with ConfigError").
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return errs.ConfigError("storage.data_dir is required")
	}
	if c.Storage.PageSize <= 0 {
		return errs.ConfigError("storage.page_size must be positive")
	}
	if c.Storage.BufferPoolFrames <= 0 && c.Storage.BufferPoolPercent <= 0 {
		return errs.ConfigError("storage.buffer_pool_frames or buffer_pool_percent must be set")
	}
	switch c.Discovery.Kind {
	case DiscoveryStatic:
		if len(c.Discovery.Static) == 0 {
			return errs.ConfigError("discovery.static requires a non-empty peer list")
		}
	case DiscoveryDNS:
		if c.Discovery.DNSName == "" {
			return errs.ConfigError("discovery.dns_name is required for dns discovery")
		}
	case DiscoveryConsul, DiscoveryEtcd:
		if c.Discovery.Endpoint == "" {
			return errs.ConfigError(fmt.Sprintf("discovery.endpoint is required for %s discovery", c.Discovery.Kind))
		}
	default:
		return errs.ConfigError(fmt.Sprintf("unknown discovery kind %q", c.Discovery.Kind))
	}
	if c.Shard.ReplicationFactor <= 0 {
		return errs.ConfigError("shard.replication_factor must be positive")
	}
	return nil
}

// BufferPoolFrameCount resolves the configured frame count, auto-tuning from
// physical memory when only a percentage is set (spec.md §4.2).
func (c *Config) BufferPoolFrameCount(totalRAMBytes int64) int {
	if c.Storage.BufferPoolFrames > 0 {
		return c.Storage.BufferPoolFrames
	}
	pct := c.Storage.BufferPoolPercent
	if pct <= 0 {
		pct = 0.3
	}
	frames := int(float64(totalRAMBytes) * pct / float64(c.Storage.PageSize))
	if frames < 16 {
		frames = 16
	}
	return frames
}
