/*
Package log provides structured logging for nqdb using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns. All logs include timestamps and support filtering by
severity level for production debugging.

# Architecture

nqdb's logging system provides structured JSON logging with minimal overhead:

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("wal")                     │          │
	│  │  - WithNodeID("node-abc123")                │          │
	│  │  - WithTxID("a1b2c3d4")                     │          │
	│  │  - WithTerm(7)                              │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "wal",                      │          │
	│  │    "time": "2024-10-13T10:30:00Z",         │          │
	│  │    "message": "segment rotated"              │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  2024-10-13T10:30:00Z INF segment rotated   │          │
	│  │    component=wal                            │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all nqdb packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Configuration:
  - Level: Filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithNodeID: Add node ID context
  - WithTxID: Add transaction ID context
  - WithTerm: Add Raft term context

# Log Levels

Debug Level:
  - Purpose: Detailed debugging information
  - Usage: Development and troubleshooting
  - Performance: Verbose, may impact production
  - Example: "evicting frame: page_id=42 policy=clock"

Info Level:
  - Purpose: General informational messages
  - Usage: Default production level
  - Performance: Moderate volume
  - Example: "checkpoint written: lsn=10482"

Warn Level:
  - Purpose: Potential issues or unexpected conditions
  - Usage: Situations that may require attention
  - Performance: Low volume
  - Example: "buffer pool pinned-no-victim, backing off"

Error Level:
  - Purpose: Operation failures that need investigation
  - Usage: Failed operations, exceptions
  - Performance: Low volume
  - Example: "checksum mismatch on page 7"

Fatal Level:
  - Purpose: Critical errors causing process termination
  - Usage: Unrecoverable errors only
  - Behavior: Logs message and exits process (os.Exit(1))
  - Example: "failed to open data directory: %v"

# Usage

Initializing the Logger:

	import "github.com/nqdb/nqdb/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Simple Logging:

	log.Info("engine started")
	log.Debug("checking free list")
	log.Warn("high dirty-page ratio detected")
	log.Error("wal fsync failed")
	log.Fatal("cannot start without data directory") // Exits process

Structured Logging:

	log.Logger.Info().
		Uint64("lsn", 10482).
		Str("table", "accounts").
		Msg("checkpoint recorded")

Component Loggers:

	walLog := log.WithComponent("wal")
	walLog.Info().Msg("segment rotated")

	txLog := log.WithComponent("engine").
		With().Str("tx_id", txID.String()).Logger()
	txLog.Info().Msg("transaction committed")

Context Logger Helpers:

	nodeLog := log.WithNodeID("node-abc123")
	nodeLog.Info().Msg("node joined cluster")

	termLog := log.WithTerm(7)
	termLog.Info().Msg("became leader")

# Integration Points

This package integrates with:

  - pkg/pager, pkg/buffer, pkg/wal: page and log lifecycle events
  - pkg/storage: transaction and DDL events
  - pkg/raft: election, replication, and lease events
  - pkg/cluster, pkg/shard: membership and placement events

# Log Output Examples

JSON Format (Production):

	{"level":"info","component":"wal","time":"2024-10-13T10:30:00Z","message":"segment rotated"}
	{"level":"info","component":"raft","term":7,"time":"2024-10-13T10:30:01Z","message":"became leader"}
	{"level":"error","component":"pager","error":"checksum mismatch","time":"2024-10-13T10:30:02Z","message":"corrupt page"}

Console Format (Development):

	2024-10-13T10:30:00Z INF segment rotated component=wal
	2024-10-13T10:30:01Z INF became leader component=raft term=7
	2024-10-13T10:30:02Z ERR corrupt page component=pager error="checksum mismatch"

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance
  - Initialized once at application start
  - Accessible from all packages without passing
  - Simplifies logging in deeply nested calls

Context Logger Pattern:
  - Create child loggers with context fields
  - Pass context loggers to functions
  - Automatically includes context in all logs
  - Avoids repetitive field specification

Structured Logging Pattern:
  - Use typed fields (.Str, .Uint64, .Err)
  - Enables log aggregation and querying
  - Parseable by log analysis tools

Error Logging Pattern:
  - Always use .Err(err) for error objects
  - Consistent error format across codebase
*/
package log
