/*
Package watcher implements Talus's change-stream demultiplexer.

The shared bbolt datastore exposes no native change feed, so the Watcher
polls each registered collection on a fixed interval (1Hz in pkg/controller),
diffs the new snapshot against the
last one it saw, and dispatches insert/update/delete events to
per-collection handlers.

# Architecture

	┌──────────────────── WATCHER ───────────────────────────────┐
	│                                                              │
	│   every interval tick:                                      │
	│     for each registered collection:                          │
	│       current := lister()                                    │
	│       diff(current, last) -> insert/update/delete ids        │
	│       dispatch CollectionHandler{Insert,Update,Delete}        │
	│       last = current                                         │
	│                                                              │
	│   JobLister / ImageLister / SlaveLister (pkg/storage-backed) │
	└──────────────────────────────────────────────────────────────┘

The Watcher holds no state beyond each collection's last-seen snapshot:
on restart it resumes from "now" and does not replay history. This is a
deliberate non-guarantee — pkg/controller reconciles truth by scanning
the Job collection directly on startup rather than relying on the
Watcher to replay missed transitions.

# Failure model

A collection poll error counts toward a consecutive-failure streak with
exponential backoff (capped at 30x the base interval). Once the streak
reaches the configured threshold, the Watcher is considered fatally
broken: its OnFatal callback fires and the polling goroutine exits,
since silently missing job-state transitions is worse than a loud
restart.

# Usage

	w := watcher.New(time.Second, 5)
	w.RegisterCollection("jobs", watcher.JobLister(store), watcher.CollectionHandler{
		Insert: func(id string, payload []byte) { ... },
		Update: func(id string, payload []byte) { ... },
	})
	w.OnFatal(func(err error) { log.Fatal("watcher died") })
	w.Start()
	defer w.Stop()
*/
package watcher
