package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nqdb/nqdb/pkg/raft"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a running node's Raft status",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().String("addr", "127.0.0.1:7946", "Node's Raft RPC address")
	statusCmd.Flags().Duration("timeout", 3*time.Second, "RPC timeout")
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	transport := raft.NewGRPCTransport()
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	status, err := transport.Status(ctx, addr)
	if err != nil {
		return fmt.Errorf("query status from %s: %w", addr, err)
	}

	fmt.Printf("Node:         %s\n", status.NodeID)
	fmt.Printf("State:        %s\n", status.State)
	fmt.Printf("Term:         %d\n", status.Term)
	fmt.Printf("Leader:       %q\n", status.LeaderID)
	fmt.Printf("Commit index: %d\n", status.CommitIndex)
	fmt.Printf("Last applied: %d\n", status.LastApplied)
	return nil
}
