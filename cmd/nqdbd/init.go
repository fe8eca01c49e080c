package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nqdb/nqdb/pkg/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap a new node's data directory and config file",
	RunE:  runInit,
}

func init() {
	initCmd.Flags().String("node-id", "node-1", "Unique node ID")
	initCmd.Flags().String("data-dir", "./nqdb-data", "Data directory to create")
	initCmd.Flags().String("raft-addr", "127.0.0.1:7946", "Address for Raft RPC")
	initCmd.Flags().String("config", "./nqdb.yaml", "Path to write the generated config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	nodeID, _ := cmd.Flags().GetString("node-id")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	raftAddr, _ := cmd.Flags().GetString("raft-addr")
	configPath, _ := cmd.Flags().GetString("config")

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	cfg := config.Default(dataDir, nodeID, raftAddr)
	if err := cfg.Validate(); err != nil {
		return err
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	absConfig, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}
	if err := os.WriteFile(absConfig, out, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("✓ data directory ready at %s\n", dataDir)
	fmt.Printf("✓ config written to %s\n", absConfig)
	fmt.Printf("✓ node %q configured for raft on %s\n", nodeID, raftAddr)
	fmt.Printf("\nStart it with:\n  nqdbd serve --config %s\n", absConfig)
	return nil
}
