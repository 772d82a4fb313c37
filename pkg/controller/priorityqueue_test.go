package controller

import (
	"testing"

	"github.com/talus-io/talus/pkg/types"
)

func newHandler(id string, priority int) *JobHandler {
	return &JobHandler{
		Job:       &types.Job{ID: id, Priority: priority},
		QueueName: "jobs",
	}
}

func TestPriorityQueueOrdersByPriorityThenFIFO(t *testing.T) {
	q := NewPriorityQueue("jobs")
	q.Add(newHandler("low-1", 20))
	q.Add(newHandler("high-1", 80))
	q.Add(newHandler("low-2", 20))
	q.Add(newHandler("high-2", 80))

	snap := q.Snapshot()
	want := []string{"high-1", "high-2", "low-1", "low-2"}
	if len(snap) != len(want) {
		t.Fatalf("Snapshot() returned %d handlers, want %d", len(snap), len(want))
	}
	for i, id := range want {
		if snap[i].JobID != id {
			t.Errorf("Snapshot()[%d].JobID = %q, want %q", i, snap[i].JobID, id)
		}
	}
}

func TestJobHandlerQuota(t *testing.T) {
	tests := []struct {
		name     string
		priority int
		dripSize int
		want     int
	}{
		{name: "priority 80 of 25", priority: 80, dripSize: 25, want: 20},
		{name: "priority 20 of 25", priority: 20, dripSize: 25, want: 5},
		{name: "priority 1 rounds down to floor of 1", priority: 1, dripSize: 25, want: 1},
		{name: "priority 100 takes the full drip size", priority: 100, dripSize: 25, want: 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHandler("j", tt.priority)
			if got := h.quota(tt.dripSize); got != tt.want {
				t.Errorf("quota() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPriorityQueueDripRespectsPerTickCap(t *testing.T) {
	q := NewPriorityQueue("jobs")
	q.Add(newHandler("a", 80)) // quota 20 of 25
	q.Add(newHandler("b", 20)) // quota 5 of 25

	emitted := q.Drip(25, 10, func(h *JobHandler, d types.Drop) {})
	if emitted != 10 {
		t.Errorf("Drip() emitted %d, want capped at 10", emitted)
	}
}

func TestPriorityQueueDripSteadyStateRatio(t *testing.T) {
	q := NewPriorityQueue("jobs")
	q.Add(newHandler("a", 80))
	q.Add(newHandler("b", 20))

	var aDrops, bDrops int
	for tick := 0; tick < 100; tick++ {
		q.Drip(25, 25, func(h *JobHandler, d types.Drop) {
			switch h.Job.ID {
			case "a":
				aDrops++
			case "b":
				bDrops++
			}
		})
	}

	ratio := float64(aDrops) / float64(bDrops)
	if ratio < 3.6 || ratio > 4.4 {
		t.Errorf("A:B drop ratio = %.2f, want ~4.0 (±10%%)", ratio)
	}
}

func TestPriorityQueueDebugJobRespectsLimit(t *testing.T) {
	q := NewPriorityQueue("jobs")
	h := newHandler("debug-job", 100)
	h.Job.Debug = true
	h.Job.Limit = 3
	q.Add(h)

	emitted := q.Drip(25, 25, func(h *JobHandler, d types.Drop) {})
	if emitted != 3 {
		t.Errorf("Drip() on a debug job with limit=3 emitted %d, want 3", emitted)
	}

	// a second tick must not emit more; the handler already hit its limit
	emitted = q.Drip(25, 25, func(h *JobHandler, d types.Drop) {})
	if emitted != 0 {
		t.Errorf("Drip() on an exhausted debug job emitted %d, want 0", emitted)
	}
}

func TestPriorityQueueRemoveAndGet(t *testing.T) {
	q := NewPriorityQueue("jobs")
	q.Add(newHandler("a", 50))

	if _, ok := q.Get("a"); !ok {
		t.Fatal("Get() should find handler a before removal")
	}

	removed, ok := q.Remove("a")
	if !ok || removed.Job.ID != "a" {
		t.Fatalf("Remove() = %v, %v, want handler a", removed, ok)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d after removal, want 0", q.Len())
	}
	if _, ok := q.Remove("a"); ok {
		t.Error("Remove() should be a no-op the second time")
	}
}

func TestJobHandlerDropFieldsFromImage(t *testing.T) {
	h := newHandler("j", 50)
	h.Job.Task = "nmap"
	h.Job.Network = "whitelist-a"
	h.Job.VMMax = 600
	h.Image = &types.Image{Username: "guest", OS: types.OS{Type: types.OSTypeWindows}}
	h.ImagePassword = "s3cr3t"
	h.FileSet = &types.FileSet{ID: "fs-1"}

	drop := h.Drop()
	if drop.Job != "j" || drop.Idx != 0 {
		t.Errorf("Drop() job/idx = %q/%d, want j/0", drop.Job, drop.Idx)
	}
	if drop.ImageUsername != "guest" || drop.ImagePassword != "s3cr3t" {
		t.Errorf("Drop() did not carry image credentials: %+v", drop)
	}
	if drop.OSType != types.OSTypeWindows {
		t.Errorf("Drop().OSType = %q, want windows", drop.OSType)
	}
	if drop.FileSet != "fs-1" {
		t.Errorf("Drop().FileSet = %q, want fs-1", drop.FileSet)
	}

	second := h.Drop()
	if second.Idx != 1 {
		t.Errorf("second Drop().Idx = %d, want 1", second.Idx)
	}
}
