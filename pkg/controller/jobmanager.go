package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/talus-io/talus/pkg/bus"
	"github.com/talus-io/talus/pkg/log"
	"github.com/talus-io/talus/pkg/metrics"
	"github.com/talus-io/talus/pkg/secrets"
	"github.com/talus-io/talus/pkg/storage"
	"github.com/talus-io/talus/pkg/types"
)

// DefaultDripSize is the target number of ready messages the admission
// loop tries to keep on each Bus queue.
const DefaultDripSize = 25

// DripFeedInterval is the admission loop's tick period, ~5 Hz.
const DripFeedInterval = 200 * time.Millisecond

const broadcastExchange = "slaves"
const jobStatusQueue = "job_status"

// Applier submits a committed state change. In an HA deployment this is
// a Raft Group; a single-process deployment may apply directly to
// storage.
type Applier interface {
	Apply(cmd Command) error
}

// JobManager owns per-queue priority queues of active Jobs, drip-feeds
// unit-of-work messages onto Bus queues, and ingests worker status
// messages. Only the controller group's Raft leader runs a JobManager.
type JobManager struct {
	store   storage.Store
	bus     bus.Bus
	secrets *secrets.Manager
	apply   Applier
	logger  zerolog.Logger

	dripSize int

	mu        sync.Mutex
	queues    map[string]*PriorityQueue
	jobQueue  map[string]string // job id -> queue name, for O(1) cancel/stop lookup

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewJobManager constructs a JobManager with the default drip size.
func NewJobManager(store storage.Store, b bus.Bus, secretsMgr *secrets.Manager, apply Applier) *JobManager {
	return &JobManager{
		store:    store,
		bus:      b,
		secrets:  secretsMgr,
		apply:    apply,
		logger:   log.WithComponent("job_manager"),
		dripSize: DefaultDripSize,
		queues:   make(map[string]*PriorityQueue),
		jobQueue: make(map[string]string),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the drip-feed admission loop and the job_status consumer.
func (m *JobManager) Start(ctx context.Context) error {
	if err := m.bus.DeclareQueue(ctx, jobStatusQueue, bus.QueueOptions{Durable: true}); err != nil {
		return fmt.Errorf("declare job_status queue: %w", err)
	}
	if err := m.bus.DeclareExchange(ctx, broadcastExchange, bus.ExchangeFanout); err != nil {
		return fmt.Errorf("declare broadcast exchange: %w", err)
	}
	if err := m.bus.Consume(ctx, jobStatusQueue, m.handleStatusDelivery); err != nil {
		return fmt.Errorf("consume job_status: %w", err)
	}

	go m.run(ctx)
	return nil
}

// Stop halts the admission loop and blocks until it has exited.
func (m *JobManager) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *JobManager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(DripFeedInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.tick(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *JobManager) tick(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DripFeedTickDuration)

	m.mu.Lock()
	queues := make([]*PriorityQueue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	for _, q := range queues {
		m.tickQueue(ctx, q)
	}
}

func (m *JobManager) tickQueue(ctx context.Context, q *PriorityQueue) {
	depth, err := m.bus.Depth(ctx, q.Name())
	if err != nil {
		m.logger.Warn().Err(err).Str("queue", q.Name()).Msg("depth probe failed")
		return
	}
	metrics.BusQueueDepth.WithLabelValues(q.Name()).Set(float64(depth))
	if depth >= m.dripSize {
		return
	}

	emitted := q.Drip(m.dripSize, m.dripSize, func(h *JobHandler, drop types.Drop) {
		m.publishDrop(ctx, q.Name(), h, drop)
	})
	metrics.DripFeedRate.WithLabelValues(q.Name()).Set(float64(emitted))
	if emitted > 0 {
		metrics.DropsAdmittedTotal.WithLabelValues(q.Name()).Add(float64(emitted))
	}

	m.publishMasterSnapshot(q)
}

func (m *JobManager) publishDrop(ctx context.Context, queueName string, h *JobHandler, drop types.Drop) {
	body, err := json.Marshal(drop)
	if err != nil {
		m.logger.Error().Err(err).Str("job_id", h.Job.ID).Msg("marshal drop failed")
		metrics.DropsFailedTotal.WithLabelValues(queueName).Inc()
		return
	}
	if err := m.bus.Publish(ctx, queueName, body, ""); err != nil {
		m.logger.Error().Err(err).Str("job_id", h.Job.ID).Msg("publish drop failed")
		metrics.DropsFailedTotal.WithLabelValues(queueName).Inc()
		return
	}
	metrics.BusPublishTotal.WithLabelValues(queueName).Inc()
}

func (m *JobManager) publishMasterSnapshot(q *PriorityQueue) {
	master := &types.Master{
		Queue:     q.Name(),
		Handlers:  q.Snapshot(),
		UpdatedAt: time.Now(),
	}
	data, err := json.Marshal(master)
	if err != nil {
		m.logger.Error().Err(err).Str("queue", q.Name()).Msg("marshal master snapshot failed")
		return
	}
	if err := m.apply.Apply(Command{Op: opSaveMaster, Data: data}); err != nil {
		m.logger.Error().Err(err).Str("queue", q.Name()).Msg("save master snapshot failed")
	}
}

// RunJob enqueues job for drip-feed admission. If its backing Image is
// not ready, the job is short-circuited straight to cancelled without
// ever being queued.
func (m *JobManager) RunJob(job *types.Job) error {
	image, err := m.store.GetImage(job.Image)
	if err != nil || !image.Ready() {
		return m.cancelWithoutQueueing(job, "image not ready")
	}

	plaintextPassword, err := m.secrets.DecryptImagePassword(image)
	if err != nil {
		return fmt.Errorf("decrypt image password for job %s: %w", job.ID, err)
	}

	backing, err := m.resolveBackingChain(image)
	if err != nil {
		return fmt.Errorf("resolve backing images for job %s: %w", job.ID, err)
	}

	// A job may already have a default FileSet from a prior RunJob call
	// (e.g. JobWatcher.Reconcile re-running a job left "running" by a
	// previous controller process): reuse it instead of minting a second,
	// orphaned one.
	fileset, err := m.store.GetFileSetByJob(job.ID)
	if err != nil {
		fileset = &types.FileSet{
			ID:        uuid.New().String(),
			Name:      job.Name,
			Job:       job.ID,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		if err := m.applyTyped(opCreateFileSet, fileset); err != nil {
			return fmt.Errorf("create fileset for job %s: %w", job.ID, err)
		}
	}

	queueName := job.Queue
	if queueName == "" {
		queueName = "jobs"
	}

	job.Status = types.JobStatus{Name: types.JobStatusRunning}
	job.Timestamps.Running = time.Now()
	if err := m.applyTyped(opUpdateJob, job); err != nil {
		return fmt.Errorf("mark job %s running: %w", job.ID, err)
	}

	handler := &JobHandler{
		Job:           job,
		DripCount:     job.Progress, // resumed jobs keep their prior drip progress as a floor
		QueueName:     queueName,
		Image:         image,
		ImagePassword: plaintextPassword,
		BackingImages: backing,
		FileSet:       fileset,
	}

	m.mu.Lock()
	q, ok := m.queues[queueName]
	if !ok {
		q = NewPriorityQueue(queueName)
		m.queues[queueName] = q
	}
	m.jobQueue[job.ID] = queueName
	m.mu.Unlock()

	q.Add(handler)
	return nil
}

// resolveBackingChain walks image's BaseImage references up to the
// root, returning each ancestor's id/MD5 root-most first.
func (m *JobManager) resolveBackingChain(image *types.Image) ([]types.ImageRef, error) {
	var chain []types.ImageRef
	seen := map[string]bool{image.ID: true}

	current := image
	for current.BaseImage != "" {
		if seen[current.BaseImage] {
			return nil, fmt.Errorf("backing image chain for %s cycles back to %s", image.ID, current.BaseImage)
		}
		seen[current.BaseImage] = true

		base, err := m.store.GetImage(current.BaseImage)
		if err != nil {
			return nil, fmt.Errorf("get backing image %s: %w", current.BaseImage, err)
		}
		chain = append([]types.ImageRef{{ID: base.ID, MD5: base.MD5}}, chain...)
		current = base
	}
	return chain, nil
}

func (m *JobManager) cancelWithoutQueueing(job *types.Job, desc string) error {
	job.Status = types.JobStatus{Name: types.JobStatusCancelled, Desc: desc}
	job.Timestamps.Cancelled = time.Now()
	return m.applyTyped(opUpdateJob, job)
}

// CancelJob removes jobID's handler from its priority queue and
// broadcasts a cancel to every slave. Best-effort: drops already on the
// Bus remain deliverable; workers must themselves ignore cancelled work.
func (m *JobManager) CancelJob(jobID string) error {
	return m.terminate(jobID, types.JobStatusCancelled, func(j *types.Job) { j.Timestamps.Cancelled = time.Now() })
}

// StopJob is identical to CancelJob but targets the finished state; used
// internally (e.g. when a job reaches its progress limit) rather than
// initiated directly by users.
func (m *JobManager) StopJob(jobID string) error {
	return m.terminate(jobID, types.JobStatusFinished, func(j *types.Job) { j.Timestamps.Finished = time.Now() })
}

func (m *JobManager) terminate(jobID string, target types.JobStatusName, stampTimestamp func(*types.Job)) error {
	m.mu.Lock()
	queueName, ok := m.jobQueue[jobID]
	if ok {
		delete(m.jobQueue, jobID)
	}
	var q *PriorityQueue
	if ok {
		q = m.queues[queueName]
	}
	m.mu.Unlock()

	var handler *JobHandler
	if q != nil {
		handler, _ = q.Remove(jobID)
	}

	job, err := m.store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("get job %s: %w", jobID, err)
	}
	if job.Status.Name.Terminal() {
		return nil // idempotent: already terminal
	}

	if err := m.broadcastCancel(jobID); err != nil {
		m.logger.Warn().Err(err).Str("job_id", jobID).Msg("broadcast cancel failed")
	}

	job.Status = types.JobStatus{Name: target}
	stampTimestamp(job)
	if err := m.applyTyped(opUpdateJob, job); err != nil {
		return err
	}

	m.cleanupEmptyFileSet(handler)
	return nil
}

// cleanupEmptyFileSet deletes a job's default FileSet if it reached a
// terminal state without ever having a file written to it: an empty
// FileSet has no reason to outlive its Job.
func (m *JobManager) cleanupEmptyFileSet(handler *JobHandler) {
	if handler == nil || handler.FileSet == nil {
		return
	}
	current, err := m.store.GetFileSet(handler.FileSet.ID)
	if err != nil {
		return
	}
	if len(current.Files) == 0 {
		if err := m.applyTyped(opDeleteFileSet, current.ID); err != nil {
			m.logger.Warn().Err(err).Str("fileset_id", current.ID).Msg("cleanup empty fileset failed")
		}
	}
}

func (m *JobManager) broadcastCancel(jobID string) error {
	body, err := json.Marshal(types.CancelMessage{Type: "cancel", Job: jobID})
	if err != nil {
		return err
	}
	return m.bus.Publish(context.Background(), broadcastExchange, body, "")
}

func (m *JobManager) handleStatusDelivery(d bus.Delivery) {
	var msg types.JobStatusMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		m.logger.Error().Err(err).Msg("unmarshal job status message failed")
		d.Ack()
		return
	}
	if err := m.IngestStatus(msg); err != nil {
		m.logger.Error().Err(err).Str("job_id", msg.Job).Str("type", string(msg.Type)).Msg("ingest job status failed")
	}
	d.Ack()
}

// IngestStatus dispatches one worker status message by type: progress
// increments job.Progress (stopping the job exactly once if it reaches
// its limit), result creates a Result document, error/log append a
// JobError to the job's errors/logs.
func (m *JobManager) IngestStatus(msg types.JobStatusMessage) error {
	switch msg.Type {
	case types.JobStatusMessageProgress:
		return m.ingestProgress(msg)
	case types.JobStatusMessageResult:
		return m.ingestResult(msg)
	case types.JobStatusMessageError:
		return m.ingestJobError(msg, false)
	case types.JobStatusMessageLog:
		return m.ingestJobError(msg, true)
	default:
		return fmt.Errorf("unknown job status message type: %s", msg.Type)
	}
}

func (m *JobManager) ingestProgress(msg types.JobStatusMessage) error {
	job, err := m.store.GetJob(msg.Job)
	if err != nil {
		return fmt.Errorf("get job %s: %w", msg.Job, err)
	}

	job.Progress += msg.Amt
	if err := m.applyTyped(opUpdateJob, job); err != nil {
		return err
	}

	if job.Limit != -1 && job.Progress >= job.Limit && !job.Status.Name.Terminal() {
		return m.StopJob(job.ID)
	}
	return nil
}

func (m *JobManager) ingestResult(msg types.JobStatusMessage) error {
	result := &types.Result{
		ID:        uuid.New().String(),
		Job:       msg.Job,
		Type:      string(msg.Type),
		Tool:      msg.Tool,
		Data:      msg.Data,
		CreatedAt: time.Now(),
	}
	return m.applyTyped(opCreateResult, result)
}

func (m *JobManager) ingestJobError(msg types.JobStatusMessage, isLog bool) error {
	job, err := m.store.GetJob(msg.Job)
	if err != nil {
		return fmt.Errorf("get job %s: %w", msg.Job, err)
	}

	entry := types.JobError{At: time.Now()}
	if text, ok := msg.Data["message"].(string); ok {
		entry.Message = text
	}
	if bt, ok := msg.Data["backtrace"].(string); ok {
		entry.Backtrace = bt
	}

	if isLog {
		job.Logs = append(job.Logs, entry)
	} else {
		job.Errors = append(job.Errors, entry)
	}
	return m.applyTyped(opUpdateJob, job)
}

func (m *JobManager) applyTyped(op string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", op, err)
	}
	return m.apply.Apply(Command{Op: op, Data: data})
}
