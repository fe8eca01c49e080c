package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nqdb/nqdb/pkg/cluster"
	"github.com/nqdb/nqdb/pkg/config"
	"github.com/nqdb/nqdb/pkg/log"
	"github.com/nqdb/nqdb/pkg/raft"
	"github.com/nqdb/nqdb/pkg/shard"
	"github.com/nqdb/nqdb/pkg/storage"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start an nqdb node",
	Long: `Start a node: opens the storage engine, the Raft state machine,
and the cluster manager, then blocks until signaled to stop.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to a YAML config file (overrides the flags below)")
	serveCmd.Flags().String("node-id", "node-1", "Unique node ID")
	serveCmd.Flags().String("data-dir", "./nqdb-data", "Data directory")
	serveCmd.Flags().String("raft-addr", "127.0.0.1:7946", "Address for Raft RPC")
	serveCmd.Flags().StringSlice("peers", nil, "Static peer list (host:port), for static discovery")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, nodeID, raftAddr, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	engine, err := storage.Open(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage engine: %w", err)
	}
	defer engine.Close()

	raftStore, err := raft.OpenStore(filepath.Join(cfg.Storage.DataDir, "raft.db"))
	if err != nil {
		return fmt.Errorf("open raft store: %w", err)
	}
	defer raftStore.Close()

	transport := raft.NewGRPCTransport()
	defer transport.Close()

	var peers []string
	for _, addr := range cfg.Discovery.Static {
		if addr != raftAddr {
			peers = append(peers, addr)
		}
	}

	applyFn := func(entry raft.LogEntry) {
		log.WithComponent("nqdbd").Debug().Uint64("index", entry.Index).Msg("applied raft entry")
	}
	node, err := raft.NewNode(nodeID, peers, cfg.Raft, raftStore, transport, applyFn)
	if err != nil {
		return fmt.Errorf("construct raft node: %w", err)
	}

	server, err := raft.NewGRPCServer(raftAddr, node)
	if err != nil {
		return fmt.Errorf("bind raft transport: %w", err)
	}

	mgr, err := cluster.New(nodeID, raftAddr, cfg.Discovery, node, server, transport)
	if err != nil {
		return fmt.Errorf("construct cluster manager: %w", err)
	}

	shardNodes := cfg.Discovery.Static
	if len(shardNodes) == 0 {
		shardNodes = []string{raftAddr}
	}
	if _, err := shard.New(cfg.Shard, shardNodes); err != nil {
		return fmt.Errorf("construct shard manager: %w", err)
	}

	if err := mgr.Start(); err != nil {
		return fmt.Errorf("start cluster manager: %w", err)
	}
	defer mgr.Stop()

	log.WithComponent("nqdbd").Info().Str("node_id", nodeID).Str("addr", raftAddr).Msg("serving raft")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.WithComponent("nqdbd").Info().Msg("shutting down")
	return nil
}

// resolveConfig loads a YAML config file if --config is set, else builds
// one from individual flags via config.Default, following the teacher's
// flag-to-config wiring in cmd/warren/main.go.
func resolveConfig(cmd *cobra.Command) (*config.Config, string, string, error) {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, "", "", err
		}
		return cfg, cfg.Raft.NodeID, cfg.Raft.BindAddr, nil
	}

	nodeID, _ := cmd.Flags().GetString("node-id")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	raftAddr, _ := cmd.Flags().GetString("raft-addr")
	peers, _ := cmd.Flags().GetStringSlice("peers")

	cfg := config.Default(dataDir, nodeID, raftAddr)
	if len(peers) > 0 {
		cfg.Discovery.Static = peers
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", "", err
	}
	return cfg, nodeID, raftAddr, nil
}
