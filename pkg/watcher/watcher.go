// Package watcher implements Talus's change-stream demultiplexer: it
// watches a set of registered collections for inserts, updates, and
// deletes, and dispatches per-collection handlers. The shared datastore
// (pkg/storage, an embedded bbolt store) exposes no native change feed, so
// the Watcher polls on a fixed interval and diffs snapshots — the
// deliberate "poll at 1Hz if the datastore only supports polling"
// fallback, not a stopgap.
package watcher

import (
	"bytes"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/talus-io/talus/pkg/log"
)

// Op identifies the kind of change observed for one document.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Lister returns the current snapshot of one collection: document id to
// its serialized (e.g. JSON) representation. The Watcher treats the bytes
// as opaque and only compares them for equality across polls.
type Lister func() (map[string][]byte, error)

// CollectionHandler receives dispatched events for one registered
// collection. Any nil field is simply not invoked for that op.
type CollectionHandler struct {
	Insert func(id string, payload []byte)
	Update func(id string, payload []byte)
	Delete func(id string)
}

type collectionEntry struct {
	lister  Lister
	handler CollectionHandler
	last    map[string][]byte
}

// Watcher polls registered collections on a fixed interval and dispatches
// insert/update/delete events. It holds no state beyond each collection's
// last-seen snapshot: on restart it resumes from "now" and does not
// replay history — callers
// that need historical truth reconcile it themselves on startup by
// scanning the datastore directly.
type Watcher struct {
	mu          sync.Mutex
	collections map[string]*collectionEntry
	interval    time.Duration
	logger      zerolog.Logger

	onFatal                func(error)
	consecutiveFailures    int
	maxConsecutiveFailures int

	stopCh chan struct{}
	doneCh chan struct{}
}

// New returns a Watcher polling every interval. maxConsecutiveFailures
// is the number of back-to-back poll failures at which the watcher
// declares itself fatally broken and invokes its onFatal hook.
func New(interval time.Duration, maxConsecutiveFailures int) *Watcher {
	return &Watcher{
		collections:            make(map[string]*collectionEntry),
		interval:                interval,
		logger:                  log.WithComponent("watcher"),
		maxConsecutiveFailures:  maxConsecutiveFailures,
		stopCh:                  make(chan struct{}),
		doneCh:                  make(chan struct{}),
	}
}

// RegisterCollection adds a collection to watch. Must be called before
// Start; registering after Start is not safe.
func (w *Watcher) RegisterCollection(name string, lister Lister, handler CollectionHandler) {
	w.collections[name] = &collectionEntry{lister: lister, handler: handler}
}

// OnFatal sets the callback invoked when the streak of consecutive poll
// failures reaches maxConsecutiveFailures. The controller should treat this as fatal,
// since job-state transitions would otherwise be silently missed.
func (w *Watcher) OnFatal(fn func(error)) {
	w.onFatal = fn
}

// Start begins the polling loop in a new goroutine.
func (w *Watcher) Start() {
	go w.run()
}

// Stop halts the polling loop and blocks until it has exited.
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info().Dur("interval", w.interval).Msg("watcher started")

	backoff := w.interval
	for {
		select {
		case <-ticker.C:
			if err := w.pollAll(); err != nil {
				w.consecutiveFailures++
				backoff = nextBackoff(backoff, w.interval)
				w.logger.Warn().Err(err).Int("consecutive_failures", w.consecutiveFailures).Msg("watcher poll failed, backing off")

				if w.maxConsecutiveFailures > 0 && w.consecutiveFailures >= w.maxConsecutiveFailures {
					w.logger.Error().Err(err).Msg("watcher: sustained failure, terminating")
					if w.onFatal != nil {
						w.onFatal(err)
					}
					return
				}
				time.Sleep(backoff)
				continue
			}
			w.consecutiveFailures = 0
			backoff = w.interval
		case <-w.stopCh:
			w.logger.Info().Msg("watcher stopped")
			return
		}
	}
}

func nextBackoff(current, base time.Duration) time.Duration {
	next := current * 2
	cap := 30 * base
	if next > cap {
		return cap
	}
	return next
}

// pollAll polls every registered collection once and dispatches events
// for any diff against its last-seen snapshot.
func (w *Watcher) pollAll() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	for name, entry := range w.collections {
		current, err := entry.lister()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			w.logger.Warn().Err(err).Str("collection", name).Msg("collection poll failed")
			continue
		}
		dispatchDiff(entry, current)
		entry.last = current
	}
	return firstErr
}

func dispatchDiff(entry *collectionEntry, current map[string][]byte) {
	for id, payload := range current {
		prev, existed := entry.last[id]
		if !existed {
			if entry.handler.Insert != nil {
				entry.handler.Insert(id, payload)
			}
			continue
		}
		if !bytes.Equal(prev, payload) && entry.handler.Update != nil {
			entry.handler.Update(id, payload)
		}
	}
	for id := range entry.last {
		if _, stillPresent := current[id]; !stillPresent && entry.handler.Delete != nil {
			entry.handler.Delete(id)
		}
	}
}
