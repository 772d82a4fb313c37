/*
Package types defines the core data structures used throughout Talus.

This package contains the fundamental types that represent Talus's domain
model: operating systems, images, code, tasks, jobs, slaves, results,
filesets, and the wire-format messages exchanged between the controller
and workers over the bus and over guest-host comms. These types are used
by pkg/storage, pkg/bus, pkg/controller, and pkg/worker.

# Core Types

Entities (persisted via pkg/storage):

  - OS: immutable guest operating system identity
  - Image: bootable VM disk template with an import/configure/create
    lifecycle culminating in Ready
  - Code: tool or component source served by the external code-cache
  - Task: reusable job template (tool, image, default params)
  - Job: one user-submitted unit of recurring work with a lifecycle state
    machine (run -> running -> stop -> stopping -> finished, or
    run -> running -> cancel -> cancelling -> cancelled)
  - Slave: a worker process, tracked from its first heartbeat
  - Result: append-only tool output attached to a Job
  - FileSet: the files a tool emits for a Job
  - Master: a per-queue priority-queue snapshot for operator visibility

Wire formats (exchanged over pkg/bus and the guest-comms TCP channel):

  - Drop: one unit of work, controller -> worker
  - SlaveStatusMessage, ConfigMessage, CancelMessage: slave lifecycle
  - JobStatusMessage: worker -> controller progress/result/error/log
  - GuestMessage: guest -> worker, length-prefixed JSON frame

# Job Lifecycle

	run ──(controller: image ready?)──► running ──(progress==limit)──► stop ──► stopping ──► finished
	  │                                     │
	  │                                     └──► cancel ──► cancelling ──► cancelled
	  └──(image not ready)──────────────────────────────────────────────► cancelled

Transitions from run/running to a terminal-adjacent state are controller-
driven; user writes are only permitted into run/cancel/stop. Job.Status.Terminal()
reports whether a Job has reached finished or cancelled.

# Priority

Job.Priority is clamped to [1,100]; NormalizePriority maps any out-of-range
value to 50. Higher priority means more frequent drip-feed admission.

# See Also

  - pkg/storage for persistence
  - pkg/bus for the wire-format message types in transit
*/
package types
