package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/nqdb/nqdb/pkg/config"
	"github.com/nqdb/nqdb/pkg/raft"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var joinCmd = &cobra.Command{
	Use:   "join --peer HOST:PORT",
	Short: "Request membership in an existing cluster via one of its nodes",
	Long: `Contacts an existing node to confirm it is reachable, then adds it
to this node's static discovery list so the next 'serve' run joins the
cluster (spec.md §4.7: static discovery's peer list is how membership is
configured).`,
	RunE: runJoin,
}

func init() {
	joinCmd.Flags().String("peer", "", "Address of an existing cluster member (required)")
	joinCmd.Flags().String("config", "./nqdb.yaml", "This node's config file, updated with the new peer")
	joinCmd.Flags().Duration("timeout", 3*time.Second, "RPC timeout for the reachability check")
}

func runJoin(cmd *cobra.Command, args []string) error {
	peer, _ := cmd.Flags().GetString("peer")
	if peer == "" {
		return fmt.Errorf("--peer is required")
	}
	configPath, _ := cmd.Flags().GetString("config")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	transport := raft.NewGRPCTransport()
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	status, err := transport.Status(ctx, peer)
	if err != nil {
		return fmt.Errorf("peer %s unreachable: %w", peer, err)
	}
	fmt.Printf("✓ contacted %s (node %q, term %d, state %s)\n", peer, status.NodeID, status.Term, status.State)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load local config %s: %w", configPath, err)
	}
	for _, existing := range cfg.Discovery.Static {
		if existing == peer {
			fmt.Printf("✓ %s is already a configured peer\n", peer)
			return nil
		}
	}
	cfg.Discovery.Static = append(cfg.Discovery.Static, peer)

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, out, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("✓ added %s to %s's discovery.static list\n", peer, configPath)
	fmt.Println("Restart 'nqdbd serve' with this config to complete the join.")
	return nil
}
