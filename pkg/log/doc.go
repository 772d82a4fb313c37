/*
Package log provides structured logging for Talus using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific child loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level for production debugging.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
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
	│  │  - WithComponent("jobmanager")               │          │
	│  │  - WithJobID("job-abc123")                   │          │
	│  │  - WithSlaveID("slave-xyz")                  │          │
	│  │  - WithTaskID("task-def456")                 │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Usage

Initializing the logger:

	import "github.com/talus-io/talus/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	jmLog := log.WithComponent("jobmanager")
	jmLog.Info().Str("job_id", jobID).Msg("admitted drops onto queue")

	slaveLog := log.WithSlaveID(slaveUUID)
	slaveLog.Warn().Msg("heartbeat stale")

Simple logging:

	log.Info("controller started")
	log.Fatal("cannot start without a bus connection") // exits process

# Integration Points

This package is used by pkg/bus, pkg/watcher, pkg/controller, pkg/worker,
and pkg/hypervisor for all structured logging.

# Design Patterns

Global Logger Pattern — a single package-level Logger instance, initialized
once at process start from CLI flags, accessible from all packages without
passing a logger through every call.

Context Logger Pattern — create a child logger with job_id/slave_uuid/
task_id/component fields set once, then pass it down instead of repeating
fields at every call site.

# Security

Never log secrets: Image passwords and code-cache credentials are handled
by pkg/secrets and must never be passed to a logger field.

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
*/
package log
