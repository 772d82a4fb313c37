package controller

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/talus-io/talus/pkg/secrets"
	"github.com/talus-io/talus/pkg/types"
)

func newTestController(t *testing.T) (*Controller, *fakeStore, *fakeBus) {
	t.Helper()
	if testing.Short() {
		t.Skip("controller tests bootstrap a real single-node raft group; skipped in -short")
	}

	store := newFakeStore()
	b := newFakeBus()
	secretsMgr, err := secrets.NewManager(secrets.DeriveKey("test-cluster"))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	cfg := RaftConfig{
		NodeID:   "node-1",
		BindAddr: "127.0.0.1:" + strconv.Itoa(freePort(t)),
		DataDir:  t.TempDir(),
	}
	code := types.CodeCredentials{Loc: "code.test", Username: "u", Password: "p"}
	if err := secretsMgr.EncryptCodeCredentials(&code); err != nil {
		t.Fatalf("EncryptCodeCredentials() error = %v", err)
	}
	c := New(cfg, store, b, secretsMgr, SlaveManagerConfig{DBHost: "db.test", ImageURL: "http://images.test", Code: code})
	if err := c.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !c.IsLeader() {
		if time.Now().After(deadline) {
			t.Fatal("controller never elected itself leader")
		}
		time.Sleep(20 * time.Millisecond)
	}
	return c, store, b
}

func TestSweepStaleSlavesMarksStaleAfterThreshold(t *testing.T) {
	c, store, _ := newTestController(t)

	fresh := &types.Slave{ID: "slave-fresh", UUID: "u1", Status: types.SlaveStatusActive, UpdatedAt: time.Now()}
	stale := &types.Slave{ID: "slave-stale", UUID: "u2", Status: types.SlaveStatusActive, UpdatedAt: time.Now().Add(-time.Hour)}
	store.slaves[fresh.ID] = fresh
	store.slaves[stale.ID] = stale

	c.sweepStaleSlaves()

	gotFresh, _ := store.GetSlave("slave-fresh")
	if gotFresh.Status != types.SlaveStatusActive {
		t.Errorf("fresh slave status = %q, want active", gotFresh.Status)
	}
	gotStale, _ := store.GetSlave("slave-stale")
	if gotStale.Status != types.SlaveStatusStale {
		t.Errorf("stale slave status = %q, want stale", gotStale.Status)
	}
}

func TestSweepStaleSlavesSkipsAlreadyCorrectStatus(t *testing.T) {
	c, store, _ := newTestController(t)

	// already marked stale; sweep must not re-apply (and thus not trigger
	// a spurious raft commit) when nothing changed. A re-apply would
	// replace the stored document with a freshly decoded copy.
	already := &types.Slave{ID: "slave-1", UUID: "u1", Status: types.SlaveStatusStale, UpdatedAt: time.Now().Add(-time.Hour)}
	store.slaves[already.ID] = already

	c.sweepStaleSlaves()

	got, _ := store.GetSlave("slave-1")
	if got.Status != types.SlaveStatusStale {
		t.Errorf("status = %q, want unchanged stale", got.Status)
	}
	if got != already {
		t.Error("sweep re-applied a slave whose status was already correct")
	}
}

func TestControllerStartStopTransfersLeadershipState(t *testing.T) {
	c, store, _ := newTestController(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.Start(ctx)
	defer c.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for !c.leading {
		if time.Now().After(deadline) {
			t.Fatal("controller never started leading within its leader-gate loop")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if c.jobManager == nil {
		t.Fatal("jobManager must be wired")
	}

	// the store must stay readable once leadership (and with it initial
	// reconciliation over an empty store) has started.
	_, err := store.ListJobsByStatus(types.JobStatusRunning)
	if err != nil {
		t.Fatalf("ListJobsByStatus() error = %v", err)
	}
}
