package controller

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/talus-io/talus/pkg/log"
	"github.com/talus-io/talus/pkg/storage"
	"github.com/talus-io/talus/pkg/types"
	"github.com/talus-io/talus/pkg/watcher"
)

// JobWatcher subscribes to Job collection changes and dispatches
// run/cancel/stop transitions to a JobManager. It is the only consumer
// of watcher.Watcher's "jobs" collection on the controller side.
type JobWatcher struct {
	manager *JobManager
	store   storage.Store
	logger  zerolog.Logger
}

// NewJobWatcher returns a JobWatcher driving manager from Job documents
// observed via the watcher.Watcher it is later attached to with Register.
func NewJobWatcher(manager *JobManager, store storage.Store) *JobWatcher {
	return &JobWatcher{
		manager: manager,
		store:   store,
		logger:  log.WithComponent("job_watcher"),
	}
}

// Register attaches this JobWatcher's handlers to w's "jobs" collection.
// Call before w.Start.
func (jw *JobWatcher) Register(w *watcher.Watcher, lister watcher.Lister) {
	w.RegisterCollection("jobs", lister, watcher.CollectionHandler{
		Insert: jw.handleChange,
		Update: jw.handleChange,
	})
}

func (jw *JobWatcher) handleChange(id string, payload []byte) {
	var job types.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		jw.logger.Error().Err(err).Str("job_id", id).Msg("unmarshal job change failed")
		return
	}
	jw.Dispatch(&job)
}

// Dispatch reacts to job's current status:
//   - run: run_job, or short-circuit straight to cancelled if the
//     backing image is not ready.
//   - cancel: transition to cancelling, then cancel_job.
//   - stop: transition to stopping, then stop_job (internal only).
func (jw *JobWatcher) Dispatch(job *types.Job) {
	switch job.Status.Name {
	case types.JobStatusRun:
		if err := jw.manager.RunJob(job); err != nil {
			jw.logger.Error().Err(err).Str("job_id", job.ID).Msg("run_job failed")
		}
	case types.JobStatusCancel:
		job.Status.Name = types.JobStatusCancelling
		if err := jw.manager.applyTyped(opUpdateJob, job); err != nil {
			jw.logger.Error().Err(err).Str("job_id", job.ID).Msg("transition to cancelling failed")
			return
		}
		if err := jw.manager.CancelJob(job.ID); err != nil {
			jw.logger.Error().Err(err).Str("job_id", job.ID).Msg("cancel_job failed")
		}
	case types.JobStatusStop:
		job.Status.Name = types.JobStatusStopping
		if err := jw.manager.applyTyped(opUpdateJob, job); err != nil {
			jw.logger.Error().Err(err).Str("job_id", job.ID).Msg("transition to stopping failed")
			return
		}
		if err := jw.manager.StopJob(job.ID); err != nil {
			jw.logger.Error().Err(err).Str("job_id", job.ID).Msg("stop_job failed")
		}
	}
}

// Reconcile scans Jobs left mid-transition by a previous controller
// process and drives them forward: running jobs are re-enqueued (their
// drips resume); cancelling and stopping jobs are driven to their
// terminal state.
func (jw *JobWatcher) Reconcile() error {
	for _, status := range []types.JobStatusName{types.JobStatusRunning, types.JobStatusCancelling, types.JobStatusStopping} {
		jobs, err := jw.store.ListJobsByStatus(status)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			switch status {
			case types.JobStatusRunning:
				if err := jw.manager.RunJob(job); err != nil {
					jw.logger.Error().Err(err).Str("job_id", job.ID).Msg("reconcile: re-enqueue running job failed")
				}
			case types.JobStatusCancelling:
				if err := jw.manager.CancelJob(job.ID); err != nil {
					jw.logger.Error().Err(err).Str("job_id", job.ID).Msg("reconcile: drive cancelling job failed")
				}
			case types.JobStatusStopping:
				if err := jw.manager.StopJob(job.ID); err != nil {
					jw.logger.Error().Err(err).Str("job_id", job.ID).Msg("reconcile: drive stopping job failed")
				}
			}
		}
	}
	return nil
}
