package controller

import (
	"testing"

	"github.com/talus-io/talus/pkg/types"
)

func TestDispatchRunStartsJob(t *testing.T) {
	m, store, _ := newTestJobManager(t)
	img := readyImage(t, m.secrets, "img-1", "pw")
	store.images["img-1"] = img
	job := &types.Job{ID: "job-1", Image: "img-1", Priority: 50, Limit: -1, Queue: "jobs",
		Status: types.JobStatus{Name: types.JobStatusRun}}
	store.jobs["job-1"] = job

	jw := NewJobWatcher(m, store)
	jw.Dispatch(job)

	got, _ := store.GetJob("job-1")
	if got.Status.Name != types.JobStatusRunning {
		t.Errorf("job status = %q, want running", got.Status.Name)
	}
	if q := m.queues["jobs"]; q == nil || q.Len() != 1 {
		t.Errorf("expected job-1 enqueued after dispatching run")
	}
}

func TestDispatchCancelTransitionsThenCancels(t *testing.T) {
	m, store, b := newTestJobManager(t)
	img := readyImage(t, m.secrets, "img-1", "pw")
	store.images["img-1"] = img
	job := &types.Job{ID: "job-1", Image: "img-1", Priority: 50, Limit: -1, Queue: "jobs"}
	store.jobs["job-1"] = job
	if err := m.RunJob(job); err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}

	cancel := &types.Job{ID: "job-1", Status: types.JobStatus{Name: types.JobStatusCancel}}

	jw := NewJobWatcher(m, store)
	jw.Dispatch(cancel)

	got, _ := store.GetJob("job-1")
	if got.Status.Name != types.JobStatusCancelled {
		t.Errorf("job status = %q, want cancelled", got.Status.Name)
	}
	if n := b.publishCountTo(broadcastExchange); n != 1 {
		t.Errorf("broadcast publish count = %d, want 1", n)
	}
}

func TestDispatchStopTransitionsThenStops(t *testing.T) {
	m, store, _ := newTestJobManager(t)
	img := readyImage(t, m.secrets, "img-1", "pw")
	store.images["img-1"] = img
	job := &types.Job{ID: "job-1", Image: "img-1", Priority: 50, Limit: -1, Queue: "jobs"}
	store.jobs["job-1"] = job
	if err := m.RunJob(job); err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}

	stop := &types.Job{ID: "job-1", Status: types.JobStatus{Name: types.JobStatusStop}}

	jw := NewJobWatcher(m, store)
	jw.Dispatch(stop)

	got, _ := store.GetJob("job-1")
	if got.Status.Name != types.JobStatusFinished {
		t.Errorf("job status = %q, want finished", got.Status.Name)
	}
}

func TestDispatchIgnoresUnknownStatus(t *testing.T) {
	m, store, _ := newTestJobManager(t)
	job := &types.Job{ID: "job-1", Status: types.JobStatus{Name: types.JobStatusRunning}}
	store.jobs["job-1"] = job

	jw := NewJobWatcher(m, store)
	jw.Dispatch(job) // "running" is not a dispatchable transition; must be a no-op

	got, _ := store.GetJob("job-1")
	if got.Status.Name != types.JobStatusRunning {
		t.Errorf("job status changed to %q, want unchanged running", got.Status.Name)
	}
}

func TestReconcileDrivesEachMidTransitionJob(t *testing.T) {
	m, store, _ := newTestJobManager(t)
	img := readyImage(t, m.secrets, "img-1", "pw")
	store.images["img-1"] = img

	running := &types.Job{ID: "running-1", Image: "img-1", Priority: 50, Limit: -1, Queue: "jobs",
		Status: types.JobStatus{Name: types.JobStatusRunning}}
	cancelling := &types.Job{ID: "cancelling-1", Status: types.JobStatus{Name: types.JobStatusCancelling}}
	stopping := &types.Job{ID: "stopping-1", Status: types.JobStatus{Name: types.JobStatusStopping}}
	store.jobs[running.ID] = running
	store.jobs[cancelling.ID] = cancelling
	store.jobs[stopping.ID] = stopping

	jw := NewJobWatcher(m, store)
	if err := jw.Reconcile(); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	if q := m.queues["jobs"]; q == nil || q.Len() != 1 {
		t.Errorf("expected the running job re-enqueued, got queue %v", q)
	}
	gotCancelling, _ := store.GetJob("cancelling-1")
	if gotCancelling.Status.Name != types.JobStatusCancelled {
		t.Errorf("cancelling job status = %q, want cancelled", gotCancelling.Status.Name)
	}
	gotStopping, _ := store.GetJob("stopping-1")
	if gotStopping.Status.Name != types.JobStatusFinished {
		t.Errorf("stopping job status = %q, want finished", gotStopping.Status.Name)
	}
}
