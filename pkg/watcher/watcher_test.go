package watcher

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestDispatchDiffInsertUpdateDelete(t *testing.T) {
	var inserts, updates []string
	var deletes []string

	entry := &collectionEntry{
		last: map[string][]byte{
			"a": []byte(`{"v":1}`),
			"b": []byte(`{"v":1}`),
		},
		handler: CollectionHandler{
			Insert: func(id string, _ []byte) { inserts = append(inserts, id) },
			Update: func(id string, _ []byte) { updates = append(updates, id) },
			Delete: func(id string) { deletes = append(deletes, id) },
		},
	}

	current := map[string][]byte{
		"a": []byte(`{"v":1}`),        // removed below
		"b": []byte(`{"v":2}`),        // updated
		"c": []byte(`{"v":1}`),        // inserted
	}
	// remove "a" to exercise delete path too
	delete(current, "a")

	dispatchDiff(entry, current)

	if len(inserts) != 1 || inserts[0] != "c" {
		t.Errorf("inserts = %v, want [c]", inserts)
	}
	if len(updates) != 1 || updates[0] != "b" {
		t.Errorf("updates = %v, want [b]", updates)
	}
	if len(deletes) != 1 || deletes[0] != "a" {
		t.Errorf("deletes = %v, want [a]", deletes)
	}
}

func TestDispatchDiffNoChange(t *testing.T) {
	called := false
	entry := &collectionEntry{
		last: map[string][]byte{"a": []byte("x")},
		handler: CollectionHandler{
			Insert: func(string, []byte) { called = true },
			Update: func(string, []byte) { called = true },
			Delete: func(string) { called = true },
		},
	}

	dispatchDiff(entry, map[string][]byte{"a": []byte("x")})

	if called {
		t.Error("dispatchDiff() should not invoke any handler when nothing changed")
	}
}

func TestNextBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	got := nextBackoff(base, base)
	if got != 200*time.Millisecond {
		t.Errorf("nextBackoff() = %v, want %v", got, 200*time.Millisecond)
	}

	capped := nextBackoff(100*base, base)
	if capped != 30*base {
		t.Errorf("nextBackoff() should cap at 30x base, got %v", capped)
	}
}

func TestWatcherDispatchesAcrossPolls(t *testing.T) {
	var mu sync.Mutex
	docs := map[string][]byte{"a": []byte(`{"v":1}`)}

	var mu2 sync.Mutex
	var insertedIDs, updatedIDs, deletedIDs []string

	w := New(10*time.Millisecond, 0)
	w.RegisterCollection("things", func() (map[string][]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		snapshot := make(map[string][]byte, len(docs))
		for k, v := range docs {
			snapshot[k] = v
		}
		return snapshot, nil
	}, CollectionHandler{
		Insert: func(id string, _ []byte) {
			mu2.Lock()
			insertedIDs = append(insertedIDs, id)
			mu2.Unlock()
		},
		Update: func(id string, _ []byte) {
			mu2.Lock()
			updatedIDs = append(updatedIDs, id)
			mu2.Unlock()
		},
		Delete: func(id string) {
			mu2.Lock()
			deletedIDs = append(deletedIDs, id)
			mu2.Unlock()
		},
	})

	w.Start()

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	docs["a"] = []byte(`{"v":2}`)
	docs["b"] = []byte(`{"v":1}`)
	mu.Unlock()

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	delete(docs, "b")
	mu.Unlock()

	time.Sleep(30 * time.Millisecond)
	w.Stop()

	mu2.Lock()
	defer mu2.Unlock()
	if len(insertedIDs) == 0 {
		t.Error("expected at least one insert dispatch")
	}
	if len(updatedIDs) == 0 {
		t.Error("expected at least one update dispatch")
	}
	if len(deletedIDs) == 0 {
		t.Error("expected at least one delete dispatch")
	}
}

func TestWatcherOnFatalAfterSustainedFailure(t *testing.T) {
	w := New(5*time.Millisecond, 2)
	w.RegisterCollection("broken", func() (map[string][]byte, error) {
		return nil, errors.New("store unavailable")
	}, CollectionHandler{})

	fatalCh := make(chan error, 1)
	w.OnFatal(func(err error) { fatalCh <- err })

	w.Start()

	select {
	case err := <-fatalCh:
		if err == nil {
			t.Error("OnFatal() called with nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not declare fatal failure within timeout")
	}
}
