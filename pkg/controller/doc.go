/*
Package controller implements Talus's control plane.

A Controller is one replica of a small Raft-replicated group (pkg raft.go).
Every replica replicates Job/Image/Code/Task/Slave/Result/FileSet/Master
state through the shared FSM, but only the elected leader runs the
scheduler: JobWatcher (reacting to Job state transitions) and JobManager
(drip-feeding work onto the Bus and ingesting status).

# Architecture

	┌──────────────────── CONTROLLER GROUP ──────────────────────┐
	│                                                               │
	│   replica A (leader)          replica B           replica C  │
	│   ┌─────────────────┐                                        │
	│   │   watcher.Watcher │──jobs──▶ JobWatcher.Dispatch          │
	│   │   (1Hz poll)       │           │                          │
	│   └─────────────────┘           run/cancel/stop               │
	│                                   ▼                           │
	│                             JobManager                        │
	│                       ┌───────────────────────┐              │
	│                       │ PriorityQueue per      │              │
	│                       │ Bus queue, drip-feed    │              │
	│                       │ ticker @ 5Hz            │              │
	│                       └───────────┬────────────┘              │
	│                                   │ publish(drop)             │
	│                                   ▼                           │
	│                                  Bus                         │
	│                                   │ job_status                │
	│                                   ▼                           │
	│                       IngestStatus (progress/result/error/log)│
	│                                                               │
	│   Raft.Apply(Command) replicates every state change to       │
	│   B and C through fsm.Apply                                   │
	└───────────────────────────────────────────────────────────────┘

# Leadership

Controller.Start runs a 1s leader-gate loop: on acquiring leadership it
starts the Watcher and JobManager and runs initial reconciliation
(JobWatcher.Reconcile) over Jobs left mid-transition by a previous
leader; on losing leadership it stops both. This satisfies "at most one
JobHandler per Job id within a controller process" as "within the
current leader process".

# See Also

  - pkg/bus for the durable messaging contract drops are published on.
  - pkg/watcher for the change-stream demultiplexer the JobWatcher rides.
  - pkg/storage for the FSM's backing datastore.
*/
package controller
