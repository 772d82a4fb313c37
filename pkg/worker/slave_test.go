package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/talus-io/talus/pkg/bus"
	"github.com/talus-io/talus/pkg/hypervisor"
	"github.com/talus-io/talus/pkg/types"
)

// fakeBus is an in-memory bus.Bus that records publishes, mirroring the
// controller package's own fakeBus for the same reason: exercising
// publish-side logic without a real broker.
type fakeBus struct {
	mu        sync.Mutex
	published []fakePublish
}

type fakePublish struct {
	target     string
	body       []byte
	routingKey string
}

func newFakeBus() *fakeBus { return &fakeBus{} }

func (b *fakeBus) DeclareExchange(ctx context.Context, name string, kind bus.ExchangeType) error {
	return nil
}
func (b *fakeBus) DeclareQueue(ctx context.Context, name string, opts bus.QueueOptions) error {
	return nil
}
func (b *fakeBus) BindQueue(ctx context.Context, exchange, queue string) error { return nil }
func (b *fakeBus) Publish(ctx context.Context, target string, body []byte, routingKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, fakePublish{target: target, body: body, routingKey: routingKey})
	return nil
}
func (b *fakeBus) Consume(ctx context.Context, queue string, handler bus.Handler) error { return nil }
func (b *fakeBus) Depth(ctx context.Context, queue string) (int, error)                 { return 0, nil }
func (b *fakeBus) Stop() error                                                          { return nil }

func (b *fakeBus) publishedTo(target string) []fakePublish {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []fakePublish
	for _, p := range b.published {
		if p.target == target {
			out = append(out, p)
		}
	}
	return out
}

func newTestSlave(t *testing.T, maxVMs int) (*Slave, *fakeBus) {
	t.Helper()
	fb := newFakeBus()
	return &Slave{
		cfg:        SlaveConfig{MaxVMs: maxVMs, ImageStoreDir: t.TempDir()},
		uuid:       "slave-1",
		bus:        fb,
		hv:         hypervisor.NewFake(),
		sem:        make(chan struct{}, maxVMs),
		handlers:   make(map[string]*VMHandler),
		configured: make(chan struct{}),
	}, fb
}

func TestHandlePersonalMessageConfigUnblocksConfigured(t *testing.T) {
	s, _ := newTestSlave(t, 1)

	body, _ := json.Marshal(types.ConfigMessage{Type: "config", DB: "db-host", ImageURL: "http://images.example"})
	s.handlePersonalMessage(bus.Delivery{Body: body})

	select {
	case <-s.configured:
	default:
		t.Fatal("expected configured channel to be closed after a config message")
	}
	if s.config.DB != "db-host" {
		t.Fatalf("expected config.DB to be set, got %q", s.config.DB)
	}
	if s.images == nil {
		t.Fatal("expected images store to be built from the config message")
	}
}

func TestHandlePersonalMessageCancelStopsMatchingHandler(t *testing.T) {
	s, _ := newTestSlave(t, 1)

	h := NewVMHandler(VMHandlerConfig{Drop: types.Drop{Job: "job-1", Idx: 0}}, s.hv, nil, nil, nil, s)
	h.running.Store(true)
	s.handlers["job-1_0"] = h

	body, _ := json.Marshal(types.CancelMessage{Type: "cancel", Job: "job-1"})
	s.handlePersonalMessage(bus.Delivery{Body: body})

	if h.running.Load() {
		t.Fatal("expected the matching handler to be cancelled")
	}
}

func TestCancelJobOnlyMatchesExactJobPrefix(t *testing.T) {
	s, _ := newTestSlave(t, 2)

	short := NewVMHandler(VMHandlerConfig{Drop: types.Drop{Job: "job-1", Idx: 0}}, s.hv, nil, nil, nil, s)
	long := NewVMHandler(VMHandlerConfig{Drop: types.Drop{Job: "job-10", Idx: 0}}, s.hv, nil, nil, nil, s)
	short.running.Store(true)
	long.running.Store(true)
	s.handlers["job-1_0"] = short
	s.handlers["job-10_0"] = long

	s.cancelJob("job-1")

	if short.running.Load() {
		t.Fatal("expected job-1_0 to be cancelled")
	}
	if !long.running.Load() {
		t.Fatal("job-10_0 must not be cancelled by a cancel request for job-1")
	}
}

func TestHandleDropLeavesDeliveryUnackedWhenNoSlotFree(t *testing.T) {
	s, _ := newTestSlave(t, 0) // zero-capacity semaphore: every admission attempt finds it full

	drop := types.Drop{Job: "job-1", Idx: 0}
	body, _ := json.Marshal(drop)
	s.handleDrop(bus.Delivery{Body: body})

	time.Sleep(10 * time.Millisecond)
	s.mu.Lock()
	n := len(s.handlers)
	s.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected no handler to be admitted when the semaphore is full, got %d", n)
	}
}

func TestHandleDropReleasesSlotOnMalformedBody(t *testing.T) {
	s, _ := newTestSlave(t, 1)

	s.handleDrop(bus.Delivery{Body: []byte("not json")})

	select {
	case s.sem <- struct{}{}:
		<-s.sem
	default:
		t.Fatal("expected the semaphore slot to be released after a malformed drop body")
	}
}

func TestReportProgressTranslatesGuestMessageTypes(t *testing.T) {
	s, fb := newTestSlave(t, 1)

	s.ReportProgress(context.Background(), "job-1", 0, types.GuestMessage{
		Job: "job-1", Idx: 0, Type: types.GuestMessageResult, Data: map[string]any{"exit_code": float64(0)},
	})
	s.ReportProgress(context.Background(), "job-1", 0, types.GuestMessage{
		Job: "job-1", Idx: 0, Type: types.GuestMessageFinished,
	})
	s.ReportProgress(context.Background(), "job-1", 0, types.GuestMessage{
		Job: "job-1", Idx: 0, Type: "unknown-type",
	})

	published := fb.publishedTo(jobStatusQueue)
	if len(published) != 2 {
		t.Fatalf("expected 2 published job status messages (unknown type dropped), got %d", len(published))
	}

	var result types.JobStatusMessage
	if err := json.Unmarshal(published[0].body, &result); err != nil {
		t.Fatalf("unmarshal first status message: %v", err)
	}
	if result.Type != types.JobStatusMessageResult {
		t.Fatalf("expected result message type, got %q", result.Type)
	}
	if result.Data["exit_code"] != float64(0) {
		t.Fatalf("expected data to round-trip, got %v", result.Data)
	}

	var finished types.JobStatusMessage
	if err := json.Unmarshal(published[1].body, &finished); err != nil {
		t.Fatalf("unmarshal second status message: %v", err)
	}
	if finished.Type != types.JobStatusMessageProgress {
		t.Fatalf("expected finished guest message to map to a progress status, got %q", finished.Type)
	}
}

func TestBroadcastStatusPublishesRunningHandlerCount(t *testing.T) {
	s, fb := newTestSlave(t, 2)
	s.handlers["job-1_0"] = NewVMHandler(VMHandlerConfig{Drop: types.Drop{Job: "job-1", Idx: 0}}, s.hv, nil, nil, nil, s)
	s.totalJobsRun = 3

	s.broadcastStatus(context.Background())

	published := fb.publishedTo(broadcastExchange)
	if len(published) != 1 {
		t.Fatalf("expected 1 broadcast status message, got %d", len(published))
	}
	var status types.SlaveStatusMessage
	if err := json.Unmarshal(published[0].body, &status); err != nil {
		t.Fatalf("unmarshal status message: %v", err)
	}
	if status.RunningVMs != 1 {
		t.Fatalf("expected running_vms=1, got %d", status.RunningVMs)
	}
	if status.TotalJobsRun != 3 {
		t.Fatalf("expected total_jobs_run=3, got %d", status.TotalJobsRun)
	}
	if len(status.VMs) != 1 || status.VMs[0].Job != "job-1" || status.VMs[0].Idx != 0 {
		t.Fatalf("expected vms to carry the real job id and idx, got %+v", status.VMs)
	}
}

func TestStatsReflectsHandlerTable(t *testing.T) {
	s, _ := newTestSlave(t, 2)
	s.handlers["job-1_0"] = NewVMHandler(VMHandlerConfig{Drop: types.Drop{Job: "job-1", Idx: 0}}, s.hv, nil, nil, nil, s)
	s.totalJobsRun = 5

	stats := s.Stats()
	if stats.RunningVMs != 1 || stats.TotalJobsRun != 5 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
