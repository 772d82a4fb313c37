package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "talus_jobs_total",
			Help: "Total number of jobs by status",
		},
		[]string{"status"},
	)

	JobProgress = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "talus_job_progress_ratio",
			Help: "Fraction of a job's tasks that have completed, by job id",
		},
		[]string{"job_id"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "talus_tasks_total",
			Help: "Total number of tasks by state",
		},
		[]string{"state"},
	)

	SlavesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "talus_slaves_total",
			Help: "Total number of registered slaves by status",
		},
		[]string{"status"},
	)

	// Bus metrics
	BusQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "talus_bus_queue_depth",
			Help: "Number of unacked messages waiting in a queue",
		},
		[]string{"queue"},
	)

	BusPublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talus_bus_publish_total",
			Help: "Total number of messages published, by exchange",
		},
		[]string{"exchange"},
	)

	BusAckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "talus_bus_ack_duration_seconds",
			Help:    "Time between delivery and ack for consumed messages",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	// Drip-feed / scheduling metrics
	DripFeedRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "talus_dripfeed_drops_per_tick",
			Help: "Number of drops admitted on the last drip-feed tick, by queue",
		},
		[]string{"queue"},
	)

	DripFeedTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "talus_dripfeed_tick_duration_seconds",
			Help:    "Time taken to run one drip-feed tick across all queues",
			Buckets: prometheus.DefBuckets,
		},
	)

	DropsAdmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talus_drops_admitted_total",
			Help: "Total number of drops admitted onto the bus, by queue",
		},
		[]string{"queue"},
	)

	DropsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talus_drops_failed_total",
			Help: "Total number of drops that reported a terminal error, by queue",
		},
		[]string{"queue"},
	)

	// Watcher metrics
	WatcherLagSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "talus_watcher_lag_seconds",
			Help: "Age of the oldest unprocessed change at the last poll",
		},
	)

	WatcherPollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "talus_watcher_poll_duration_seconds",
			Help:    "Time taken for one watcher poll cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	// VM lifecycle metrics (worker)
	VMProvisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "talus_vm_provision_duration_seconds",
			Help:    "Time taken to bring a VM from drop receipt to booted, by stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	VMsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "talus_vms_running",
			Help: "Number of VMs currently running on this slave",
		},
	)

	VMsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talus_vms_failed_total",
			Help: "Total number of VMs that failed to boot or were torn down on error, by reason",
		},
		[]string{"reason"},
	)

	ImageEnsureDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "talus_image_ensure_duration_seconds",
			Help:    "Time taken to ensure a base image (download + backing chain) is present locally",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "talus_raft_is_leader",
			Help: "Whether this controller replica is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "talus_raft_peers_total",
			Help: "Total number of Raft peers in the controller group",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "talus_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "talus_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "talus_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobProgress)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(SlavesTotal)

	prometheus.MustRegister(BusQueueDepth)
	prometheus.MustRegister(BusPublishTotal)
	prometheus.MustRegister(BusAckDuration)

	prometheus.MustRegister(DripFeedRate)
	prometheus.MustRegister(DripFeedTickDuration)
	prometheus.MustRegister(DropsAdmittedTotal)
	prometheus.MustRegister(DropsFailedTotal)

	prometheus.MustRegister(WatcherLagSeconds)
	prometheus.MustRegister(WatcherPollDuration)

	prometheus.MustRegister(VMProvisionDuration)
	prometheus.MustRegister(VMsRunning)
	prometheus.MustRegister(VMsFailedTotal)
	prometheus.MustRegister(ImageEnsureDuration)

	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftApplyDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
