package controller

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/talus-io/talus/pkg/metrics"
	"github.com/talus-io/talus/pkg/storage"
	"github.com/talus-io/talus/pkg/types"
)

// RaftConfig configures a controller replica's Raft group membership.
type RaftConfig struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Command is one state-change operation submitted to the Raft log. Only
// the leader of the controller group runs the JobWatcher/JobManager
// drip-feed loop and status-queue consumer; followers replicate
// Job/Image/Code/Task/Slave/Result/FileSet/Master state via Apply and
// stand by for failover.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Raft operation names applied to the FSM.
const (
	opCreateJob     = "create_job"
	opUpdateJob     = "update_job"
	opDeleteJob     = "delete_job"
	opCreateImage   = "create_image"
	opUpdateImage   = "update_image"
	opDeleteImage   = "delete_image"
	opCreateCode    = "create_code"
	opUpdateCode    = "update_code"
	opDeleteCode    = "delete_code"
	opCreateTask    = "create_task"
	opUpdateTask    = "update_task"
	opDeleteTask    = "delete_task"
	opCreateSlave   = "create_slave"
	opUpdateSlave   = "update_slave"
	opDeleteSlave   = "delete_slave"
	opCreateResult  = "create_result"
	opDeleteResult  = "delete_result"
	opCreateFileSet = "create_fileset"
	opUpdateFileSet = "update_fileset"
	opDeleteFileSet = "delete_fileset"
	opSaveMaster    = "save_master"
)

// Group owns the Raft consensus group for the controller role: one or
// more controller replicas bootstrap or join a single group, and only
// the elected leader runs the scheduling loop.
type Group struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft  *raft.Raft
	fsm   *fsm
	store storage.Store
}

// NewGroup wires a Raft group backed by store. It does not start Raft;
// call Bootstrap or Join.
func NewGroup(cfg RaftConfig, store storage.Store) *Group {
	return &Group{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      newFSM(store),
		store:    store,
	}
}

func (g *Group) raftConfig() *raft.Config {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(g.nodeID)
	cfg.HeartbeatTimeout = 500 * time.Millisecond
	cfg.ElectionTimeout = 500 * time.Millisecond
	cfg.CommitTimeout = 50 * time.Millisecond
	cfg.LeaderLeaseTimeout = 250 * time.Millisecond
	return cfg
}

func (g *Group) newRaft() (*raft.Raft, *raft.NetworkTransport, error) {
	addr, err := net.ResolveTCPAddr("tcp", g.bindAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(g.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(g.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(g.dataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("create raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(g.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("create raft stable store: %w", err)
	}

	r, err := raft.NewRaft(g.raftConfig(), g.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, nil, fmt.Errorf("create raft: %w", err)
	}
	return r, transport, nil
}

// Bootstrap starts a brand-new single-replica group with this node as
// its only member.
func (g *Group) Bootstrap() error {
	r, transport, err := g.newRaft()
	if err != nil {
		return err
	}
	g.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(g.nodeID), Address: transport.LocalAddr()},
		},
	}
	future := g.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		return fmt.Errorf("bootstrap raft group: %w", err)
	}
	return nil
}

// Join starts Raft for this node without bootstrapping; the caller is
// expected to have this node added as a voter by the current leader
// (AddVoter) out of band.
func (g *Group) Join() error {
	r, _, err := g.newRaft()
	if err != nil {
		return err
	}
	g.raft = r
	return nil
}

// AddVoter adds nodeID at address to the group. Must be called on the
// current leader.
func (g *Group) AddVoter(nodeID, address string) error {
	if g.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !g.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", g.LeaderAddr())
	}
	future := g.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	return future.Error()
}

// RemoveServer removes nodeID from the group. Must be called on the
// current leader.
func (g *Group) RemoveServer(nodeID string) error {
	if g.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !g.IsLeader() {
		return fmt.Errorf("not the leader")
	}
	future := g.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	return future.Error()
}

// IsLeader reports whether this replica currently holds leadership. Only
// the leader runs JobWatcher/JobManager.
func (g *Group) IsLeader() bool {
	return g.raft != nil && g.raft.State() == raft.Leader
}

// LeaderAddr returns the current leader's Raft bind address, or "" if
// unknown.
func (g *Group) LeaderAddr() string {
	if g.raft == nil {
		return ""
	}
	return string(g.raft.Leader())
}

// Stats reports current Raft group state for the health/metrics surface.
func (g *Group) Stats() map[string]any {
	if g.raft == nil {
		return nil
	}
	stats := map[string]any{
		"state":         g.raft.State().String(),
		"last_log_index": g.raft.LastIndex(),
		"applied_index": g.raft.AppliedIndex(),
		"leader":        g.LeaderAddr(),
	}
	if cfgFuture := g.raft.GetConfiguration(); cfgFuture.Error() == nil {
		stats["peers"] = len(cfgFuture.Configuration().Servers)
	}
	return stats
}

// ReportMetrics publishes the current Raft state to the raft_* metric
// series; called periodically by the controller's health loop.
func (g *Group) ReportMetrics() {
	if g.raft == nil {
		return
	}
	if g.IsLeader() {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}
	metrics.RaftLogIndex.Set(float64(g.raft.LastIndex()))
	metrics.RaftAppliedIndex.Set(float64(g.raft.AppliedIndex()))
	if cfgFuture := g.raft.GetConfiguration(); cfgFuture.Error() == nil {
		metrics.RaftPeers.Set(float64(len(cfgFuture.Configuration().Servers)))
	}
}

// Apply submits cmd to the Raft log and blocks until it is committed.
func (g *Group) Apply(cmd Command) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

	if g.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal raft command: %w", err)
	}

	future := g.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("apply raft command: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

// fsm implements raft.FSM over pkg/storage, applying a Command envelope
// per committed log entry.
type fsm struct {
	mu    sync.RWMutex
	store storage.Store
}

func newFSM(store storage.Store) *fsm {
	return &fsm{store: store}
}

func (f *fsm) Apply(entry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal raft command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opCreateJob, opUpdateJob:
		var job types.Job
		if err := json.Unmarshal(cmd.Data, &job); err != nil {
			return err
		}
		if cmd.Op == opCreateJob {
			return f.store.CreateJob(&job)
		}
		return f.store.UpdateJob(&job)
	case opDeleteJob:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteJob(id)

	case opCreateImage, opUpdateImage:
		var image types.Image
		if err := json.Unmarshal(cmd.Data, &image); err != nil {
			return err
		}
		if cmd.Op == opCreateImage {
			return f.store.CreateImage(&image)
		}
		return f.store.UpdateImage(&image)
	case opDeleteImage:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteImage(id)

	case opCreateCode, opUpdateCode:
		var code types.Code
		if err := json.Unmarshal(cmd.Data, &code); err != nil {
			return err
		}
		if cmd.Op == opCreateCode {
			return f.store.CreateCode(&code)
		}
		return f.store.UpdateCode(&code)
	case opDeleteCode:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteCode(id)

	case opCreateTask, opUpdateTask:
		var task types.Task
		if err := json.Unmarshal(cmd.Data, &task); err != nil {
			return err
		}
		if cmd.Op == opCreateTask {
			return f.store.CreateTask(&task)
		}
		return f.store.UpdateTask(&task)
	case opDeleteTask:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteTask(id)

	case opCreateSlave, opUpdateSlave:
		var slave types.Slave
		if err := json.Unmarshal(cmd.Data, &slave); err != nil {
			return err
		}
		if cmd.Op == opCreateSlave {
			return f.store.CreateSlave(&slave)
		}
		return f.store.UpdateSlave(&slave)
	case opDeleteSlave:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteSlave(id)

	case opCreateResult:
		var result types.Result
		if err := json.Unmarshal(cmd.Data, &result); err != nil {
			return err
		}
		return f.store.CreateResult(&result)
	case opDeleteResult:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteResult(id)

	case opCreateFileSet, opUpdateFileSet:
		var fs types.FileSet
		if err := json.Unmarshal(cmd.Data, &fs); err != nil {
			return err
		}
		if cmd.Op == opCreateFileSet {
			return f.store.CreateFileSet(&fs)
		}
		return f.store.UpdateFileSet(&fs)
	case opDeleteFileSet:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteFileSet(id)

	case opSaveMaster:
		var master types.Master
		if err := json.Unmarshal(cmd.Data, &master); err != nil {
			return err
		}
		return f.store.SaveMaster(&master)

	default:
		return fmt.Errorf("unknown raft command: %s", cmd.Op)
	}
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	jobs, err := f.store.ListJobs()
	if err != nil {
		return nil, fmt.Errorf("snapshot jobs: %w", err)
	}
	images, err := f.store.ListImages()
	if err != nil {
		return nil, fmt.Errorf("snapshot images: %w", err)
	}
	slaves, err := f.store.ListSlaves()
	if err != nil {
		return nil, fmt.Errorf("snapshot slaves: %w", err)
	}
	masters, err := f.store.ListMasters()
	if err != nil {
		return nil, fmt.Errorf("snapshot masters: %w", err)
	}

	return &fsmSnapshot{
		Jobs:    jobs,
		Images:  images,
		Slaves:  slaves,
		Masters: masters,
	}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode raft snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, job := range snap.Jobs {
		if err := f.store.CreateJob(job); err != nil {
			return fmt.Errorf("restore job: %w", err)
		}
	}
	for _, image := range snap.Images {
		if err := f.store.CreateImage(image); err != nil {
			return fmt.Errorf("restore image: %w", err)
		}
	}
	for _, slave := range snap.Slaves {
		if err := f.store.CreateSlave(slave); err != nil {
			return fmt.Errorf("restore slave: %w", err)
		}
	}
	for _, master := range snap.Masters {
		if err := f.store.SaveMaster(master); err != nil {
			return fmt.Errorf("restore master: %w", err)
		}
	}
	return nil
}

type fsmSnapshot struct {
	Jobs    []*types.Job
	Images  []*types.Image
	Slaves  []*types.Slave
	Masters []*types.Master
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
