package worker

import (
	"context"
	"testing"
	"time"

	"github.com/talus-io/talus/pkg/hypervisor"
	"github.com/talus-io/talus/pkg/types"
)

// recordingReporter collects every guest message handed to it, so tests can
// assert on what pollUntilDone relayed without a real job_status bus.
type recordingReporter struct {
	msgs []types.GuestMessage
}

func (r *recordingReporter) ReportProgress(ctx context.Context, job string, idx int, msg types.GuestMessage) {
	r.msgs = append(r.msgs, msg)
}

func newTestHandler(drop types.Drop, reporter ProgressReporter) *VMHandler {
	h := NewVMHandler(VMHandlerConfig{Drop: drop}, hypervisor.NewFake(), nil, nil, nil, reporter)
	h.pollEvery = 10 * time.Millisecond
	h.startupTimeout = 50 * time.Millisecond
	return h
}

func TestPollUntilDoneReturnsOnFinishedMessage(t *testing.T) {
	reporter := &recordingReporter{}
	h := newTestHandler(types.Drop{Job: "job-1", Idx: 0}, reporter)
	h.running.Store(true)
	h.started.Store(true)

	go func() {
		h.msgs <- types.GuestMessage{Job: "job-1", Idx: 0, Type: types.GuestMessageProgress}
		h.msgs <- types.GuestMessage{Job: "job-1", Idx: 0, Type: types.GuestMessageFinished}
	}()

	if err := h.pollUntilDone(context.Background()); err != nil {
		t.Fatalf("pollUntilDone returned error: %v", err)
	}
	if len(reporter.msgs) != 2 {
		t.Fatalf("expected 2 relayed messages, got %d", len(reporter.msgs))
	}
	if reporter.msgs[1].Type != types.GuestMessageFinished {
		t.Fatalf("expected last message to be finished, got %v", reporter.msgs[1].Type)
	}
}

func TestPollUntilDoneSetsStartedOnStartedMessage(t *testing.T) {
	reporter := &recordingReporter{}
	h := newTestHandler(types.Drop{Job: "job-1", Idx: 0}, reporter)
	h.running.Store(true)

	go func() {
		h.msgs <- types.GuestMessage{Job: "job-1", Idx: 0, Type: types.GuestMessageStarted}
		time.Sleep(20 * time.Millisecond)
		h.msgs <- types.GuestMessage{Job: "job-1", Idx: 0, Type: types.GuestMessageFinished}
	}()

	if err := h.pollUntilDone(context.Background()); err != nil {
		t.Fatalf("pollUntilDone returned error: %v", err)
	}
	if !h.started.Load() {
		t.Fatal("expected started flag to be set after a started guest message")
	}
}

func TestPollUntilDoneErrorsOnStartupTimeout(t *testing.T) {
	reporter := &recordingReporter{}
	h := newTestHandler(types.Drop{Job: "job-1", Idx: 0}, reporter)
	h.running.Store(true)
	// Never send a started message; startupTimeout (50ms) should fire first.

	err := h.pollUntilDone(context.Background())
	if err == nil {
		t.Fatal("expected an error when no started message arrives in time")
	}
}

func TestPollUntilDoneTreatsWallClockCeilingAsFinish(t *testing.T) {
	reporter := &recordingReporter{}
	h := newTestHandler(types.Drop{Job: "job-1", Idx: 0, VMMax: 1}, reporter)
	h.running.Store(true)
	h.started.Store(true)

	if err := h.pollUntilDone(context.Background()); err != nil {
		t.Fatalf("expected wall-clock ceiling to be treated as a normal finish, got error: %v", err)
	}
}

func TestPollUntilDoneErrorsOnCancel(t *testing.T) {
	reporter := &recordingReporter{}
	h := newTestHandler(types.Drop{Job: "job-1", Idx: 0}, reporter)
	h.running.Store(true)
	h.started.Store(true)

	h.Cancel()

	err := h.pollUntilDone(context.Background())
	if err == nil {
		t.Fatal("expected an error after Cancel stops the handler")
	}
}

func TestPollUntilDoneRespectsContextCancellation(t *testing.T) {
	reporter := &recordingReporter{}
	h := newTestHandler(types.Drop{Job: "job-1", Idx: 0}, reporter)
	h.running.Store(true)
	h.started.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := h.pollUntilDone(ctx); err == nil {
		t.Fatal("expected ctx.Err() to propagate once the context is cancelled")
	}
}

func TestDoneReflectsDoneChannel(t *testing.T) {
	h := newTestHandler(types.Drop{Job: "job-1", Idx: 0}, &recordingReporter{})
	select {
	case <-h.Done():
		t.Fatal("Done should not be closed before Run completes")
	default:
	}
	close(h.done)
	select {
	case <-h.Done():
	default:
		t.Fatal("Done should be closed once h.done is closed")
	}
}
