/*
Package metrics provides Prometheus metrics collection and exposition for Talus.

The metrics package defines and registers all Talus metrics using the
Prometheus client library, giving observability into job/task progress, bus
queue depth and delivery latency, drip-feed admission rate, watcher lag, VM
provisioning duration, and controller Raft state. Metrics are exposed via an
HTTP endpoint for scraping by Prometheus servers.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                  │          │
	│  │                                              │          │
	│  │  Job/Task: counts, per-job progress         │          │
	│  │  Bus: queue depth, publish rate, ack time   │          │
	│  │  Drip-feed: drops/tick, admitted, failed    │          │
	│  │  Watcher: poll duration, lag                │          │
	│  │  VM: provision stage duration, failures     │          │
	│  │  Raft: leader status, log index, peers      │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint               │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Metrics Catalog

Job/Task Metrics:

talus_jobs_total{status}:
  - Type: Gauge
  - Labels: status (run/running/stop/stopping/finished/cancel/cancelling/cancelled)

talus_job_progress_ratio{job_id}:
  - Type: Gauge
  - Description: fraction of a job's tasks that have completed

talus_tasks_total{state}:
  - Type: Gauge

talus_slaves_total{status}:
  - Type: Gauge

Bus Metrics:

talus_bus_queue_depth{queue}:
  - Type: Gauge
  - Description: number of unacked messages waiting in a queue

talus_bus_publish_total{exchange}:
  - Type: Counter

talus_bus_ack_duration_seconds{queue}:
  - Type: Histogram

Drip-feed Metrics:

talus_dripfeed_drops_per_tick{queue}:
  - Type: Gauge

talus_dripfeed_tick_duration_seconds:
  - Type: Histogram

talus_drops_admitted_total{queue} / talus_drops_failed_total{queue}:
  - Type: Counter

Watcher Metrics:

talus_watcher_lag_seconds, talus_watcher_poll_duration_seconds:
  - Type: Gauge, Histogram

VM Lifecycle Metrics:

talus_vm_provision_duration_seconds{stage}:
  - Type: Histogram
  - Labels: stage (ensure_image, snapshot, config_iso, network_filter, boot)

talus_vms_running:
  - Type: Gauge

talus_vms_failed_total{reason}:
  - Type: Counter

talus_image_ensure_duration_seconds:
  - Type: Histogram

Raft Metrics:

talus_raft_is_leader, talus_raft_peers_total, talus_raft_log_index,
talus_raft_applied_index, talus_raft_apply_duration_seconds.

# Usage

	import "github.com/talus-io/talus/pkg/metrics"

	metrics.JobsTotal.WithLabelValues("running").Inc()
	metrics.BusQueueDepth.WithLabelValues("slaves_"+slaveID).Set(float64(depth))

	timer := metrics.NewTimer()
	// ... provision a VM ...
	timer.ObserveDurationVec(metrics.VMProvisionDuration, "boot")

	http.Handle("/metrics", metrics.Handler())

# Design Patterns

All metrics are registered in init() via MustRegister, available before
main() runs. Label cardinality is kept bounded: job_id appears only on
talus_job_progress_ratio, which is registered but not set by any Talus
component, so it creates no per-job series.

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
*/
package metrics
