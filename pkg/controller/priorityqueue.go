package controller

import (
	"math"
	"sync"

	"github.com/talus-io/talus/pkg/types"
)

// JobHandler wraps one active Job with the bookkeeping the drip-feed
// scheduler needs: how many drops it has emitted, which queue it drips
// into, the resolved Image backing it (so every drop carries guest
// credentials without a per-drop decrypt), and the default FileSet
// created alongside it.
type JobHandler struct {
	Job           *types.Job
	DripCount     int
	QueueName     string
	Image         *types.Image
	ImagePassword string // decrypted once at handler construction
	// BackingImages is Image's backing-file ancestry, root-most first,
	// resolved once at handler construction so every drop carries it.
	BackingImages []types.ImageRef
	FileSet       *types.FileSet
	insertOrder   int64
}

// Drop returns the next drop message for this handler and increments its
// drip count. idx is the drop's position within the job, unique per job.
func (h *JobHandler) Drop() types.Drop {
	idx := h.DripCount
	h.DripCount++

	drop := types.Drop{
		Job:     h.Job.ID,
		Idx:     idx,
		Debug:   h.Job.Debug,
		Image:   h.Job.Image,
		Tool:    h.Job.Task,
		Params:  h.Job.Params,
		Network: h.Job.Network,
		VMMax:   h.Job.VMMax,
	}
	if h.Image != nil {
		drop.ImageUsername = h.Image.Username
		drop.ImagePassword = h.ImagePassword
		drop.OSType = h.Image.OS.Type
	}
	drop.BackingImages = h.BackingImages
	if h.FileSet != nil {
		drop.FileSet = h.FileSet.ID
	}
	return drop
}

// RemainingDebugQuota returns how many more drops a debug job may emit
// before it hits job.Limit, bounding total work for reproducible
// single-run debugging. Non-debug jobs have no such bound.
func (h *JobHandler) RemainingDebugQuota() int {
	if !h.Job.Debug {
		return math.MaxInt32
	}
	remaining := h.Job.Limit - h.DripCount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// quota is the number of drops a handler may contribute on one drip
// tick: max(1, round(drip_size * priority/100)).
func (h *JobHandler) quota(dripSize int) int {
	q := int(math.Round(float64(dripSize) * float64(h.Job.Priority) / 100))
	if q < 1 {
		q = 1
	}
	return q
}

// PriorityQueue holds the active JobHandlers for one Bus queue, ordered
// by descending priority with FIFO tie-breaking by insertion order. It
// is the backing structure the controller snapshots into a Master
// document on every drip-feed tick.
type PriorityQueue struct {
	mu       sync.Mutex
	name     string
	handlers []*JobHandler
	seq      int64
}

// NewPriorityQueue returns an empty queue for the given Bus queue name.
func NewPriorityQueue(name string) *PriorityQueue {
	return &PriorityQueue{name: name}
}

// Name returns the Bus queue name this priority queue drips into.
func (q *PriorityQueue) Name() string { return q.name }

// Add inserts a handler, keeping handlers sorted by descending priority
// with insertion order as the tie-break.
func (q *PriorityQueue) Add(h *JobHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()

	h.insertOrder = q.seq
	q.seq++

	q.handlers = append(q.handlers, h)
	q.reorderLocked()
}

// Remove atomically removes the handler for jobID, if present.
func (q *PriorityQueue) Remove(jobID string) (*JobHandler, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, h := range q.handlers {
		if h.Job.ID == jobID {
			q.handlers = append(q.handlers[:i], q.handlers[i+1:]...)
			return h, true
		}
	}
	return nil, false
}

// Get returns the handler for jobID without removing it.
func (q *PriorityQueue) Get(jobID string) (*JobHandler, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, h := range q.handlers {
		if h.Job.ID == jobID {
			return h, true
		}
	}
	return nil, false
}

// Snapshot returns the queue's current handler order without mutating it,
// for publication as a Master document. The ordering reflects the stable
// priority/insertion order, never reshuffled by the act of snapshotting.
func (q *PriorityQueue) Snapshot() []types.MasterHandlerSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]types.MasterHandlerSnapshot, len(q.handlers))
	for i, h := range q.handlers {
		out[i] = types.MasterHandlerSnapshot{
			JobID:     h.Job.ID,
			Priority:  h.Job.Priority,
			DripCount: h.DripCount,
		}
	}
	return out
}

// Drip walks the queue in priority order, calling emit once per drop for
// every handler's quota, capped at perTickCap total drops across the
// whole queue. Handlers are visited without reordering the underlying
// structure.
func (q *PriorityQueue) Drip(dripSize, perTickCap int, emit func(*JobHandler, types.Drop)) int {
	q.mu.Lock()
	handlers := append([]*JobHandler(nil), q.handlers...)
	q.mu.Unlock()

	emitted := 0
	for _, h := range handlers {
		if emitted >= perTickCap {
			break
		}
		quota := h.quota(dripSize)
		if limit := h.RemainingDebugQuota(); quota > limit {
			quota = limit
		}
		for i := 0; i < quota && emitted < perTickCap; i++ {
			emit(h, h.Drop())
			emitted++
		}
	}
	return emitted
}

func (q *PriorityQueue) reorderLocked() {
	// Stable, descending by priority; insertion order breaks ties since
	// less compares insertOrder when priorities are equal, and the
	// insertion sort in sortHandlers never swaps equal keys.
	sortHandlers(q.handlers)
}

func sortHandlers(handlers []*JobHandler) {
	for i := 1; i < len(handlers); i++ {
		j := i
		for j > 0 && less(handlers[j], handlers[j-1]) {
			handlers[j], handlers[j-1] = handlers[j-1], handlers[j]
			j--
		}
	}
}

func less(a, b *JobHandler) bool {
	if a.Job.Priority != b.Job.Priority {
		return a.Job.Priority > b.Job.Priority
	}
	return a.insertOrder < b.insertOrder
}

// Len returns the number of active handlers in the queue.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.handlers)
}
