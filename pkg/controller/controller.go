// Package controller implements Talus's control plane: a small
// Raft-replicated group in which only the elected leader runs the
// JobWatcher/JobManager drip-feed scheduler. Followers replicate state
// and stand ready to take over on failover.
package controller

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/talus-io/talus/pkg/bus"
	"github.com/talus-io/talus/pkg/log"
	"github.com/talus-io/talus/pkg/metrics"
	"github.com/talus-io/talus/pkg/secrets"
	"github.com/talus-io/talus/pkg/storage"
	"github.com/talus-io/talus/pkg/types"
	"github.com/talus-io/talus/pkg/watcher"
)

// SlaveStaleAfter is how long a Slave may go without a status tick
// before it is marked stale for operator visibility. Does not affect
// Job state.
const SlaveStaleAfter = 30 * time.Second

const slaveSweepInterval = 10 * time.Second

// Controller is one replica of the control plane: a Raft group member
// that, when leader, runs the Watcher, JobWatcher, and JobManager.
type Controller struct {
	group   *Group
	store   storage.Store
	bus     bus.Bus
	secrets *secrets.Manager
	logger  zerolog.Logger

	watcher      *watcher.Watcher
	jobManager   *JobManager
	jobWatcher   *JobWatcher
	slaveManager *SlaveManager

	leading bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New wires a Controller replica. Call Bootstrap (first replica) or
// Join (subsequent replicas), then Start. slaveCfg supplies the values
// the SlaveManager hands every worker during its handshake reply.
func New(raftCfg RaftConfig, store storage.Store, b bus.Bus, secretsMgr *secrets.Manager, slaveCfg SlaveManagerConfig) *Controller {
	group := NewGroup(raftCfg, store)
	jobManager := NewJobManager(store, b, secretsMgr, group)

	return &Controller{
		group:        group,
		store:        store,
		bus:          b,
		secrets:      secretsMgr,
		logger:       log.WithComponent("controller"),
		watcher:      watcher.New(time.Second, 5),
		jobManager:   jobManager,
		jobWatcher:   NewJobWatcher(jobManager, store),
		slaveManager: NewSlaveManager(store, b, secretsMgr, group, slaveCfg),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Bootstrap starts a brand-new Raft group with this replica as its only
// member.
func (c *Controller) Bootstrap() error { return c.group.Bootstrap() }

// Join starts Raft for this replica; the current leader must separately
// call AddVoter for this node.
func (c *Controller) Join() error { return c.group.Join() }

// AddVoter adds another replica to the group. Must be called on the
// leader.
func (c *Controller) AddVoter(nodeID, address string) error {
	return c.group.AddVoter(nodeID, address)
}

// IsLeader reports whether this replica currently runs the scheduler.
func (c *Controller) IsLeader() bool { return c.group.IsLeader() }

// Start begins the leader-gate loop, which starts/stops the Watcher and
// JobManager as leadership transitions and reports Raft metrics on every
// replica, and the periodic Slave staleness sweep loop, which runs on
// every replica but only sweeps while this replica is leader.
func (c *Controller) Start(ctx context.Context) {
	metrics.RegisterComponent("raft", true, "raft group initialized")
	metrics.RegisterComponent("storage", true, "store opened")
	metrics.RegisterComponent("bus", true, "bus connected")

	go c.leaderGateLoop(ctx)
	go c.slaveSweepLoop(ctx)
}

// Stop halts every background loop and blocks until they exit.
func (c *Controller) Stop() {
	close(c.stopCh)
	<-c.doneCh
	if c.leading {
		c.stopLeading()
	}
}

func (c *Controller) leaderGateLoop(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.group.ReportMetrics()
			isLeader := c.group.IsLeader()
			if isLeader && !c.leading {
				c.startLeading(ctx)
			} else if !isLeader && c.leading {
				c.stopLeading()
			}
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) startLeading(ctx context.Context) {
	c.logger.Info().Msg("acquired leadership, starting scheduler")

	if err := c.jobManager.Start(ctx); err != nil {
		c.logger.Error().Err(err).Msg("job manager start failed")
		return
	}

	if err := c.slaveManager.Start(ctx); err != nil {
		c.logger.Error().Err(err).Msg("slave manager start failed")
		return
	}

	if err := c.jobWatcher.Reconcile(); err != nil {
		c.logger.Error().Err(err).Msg("initial job reconciliation failed")
	}

	c.jobWatcher.Register(c.watcher, watcher.JobLister(c.store))
	c.watcher.OnFatal(func(err error) {
		metrics.UpdateComponent("storage", false, err.Error())
		c.logger.Fatal().Err(err).Msg("watcher fatally failed, exiting")
	})
	c.watcher.Start()

	c.leading = true
}

func (c *Controller) stopLeading() {
	c.logger.Info().Msg("lost leadership, stopping scheduler")
	c.watcher.Stop()
	c.jobManager.Stop()
	c.slaveManager.Stop()
	c.leading = false
}

// slaveSweepLoop periodically marks Slave documents stale when no
// status tick has arrived within SlaveStaleAfter. It is scoped to
// operator visibility only — it never touches Job state.
func (c *Controller) slaveSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(slaveSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.group.IsLeader() {
				c.sweepStaleSlaves()
			}
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) sweepStaleSlaves() {
	slaves, err := c.store.ListSlaves()
	if err != nil {
		c.logger.Warn().Err(err).Msg("slave sweep: list slaves failed")
		return
	}

	now := time.Now()
	for _, slave := range slaves {
		stale := now.Sub(slave.UpdatedAt) > SlaveStaleAfter
		wantStatus := types.SlaveStatusActive
		if stale {
			wantStatus = types.SlaveStatusStale
		}
		if slave.Status == wantStatus {
			continue
		}

		slave.Status = wantStatus
		data, err := json.Marshal(slave)
		if err != nil {
			c.logger.Warn().Err(err).Str("slave_uuid", slave.UUID).Msg("slave sweep: marshal slave failed")
			continue
		}
		if err := c.group.Apply(Command{Op: opUpdateSlave, Data: data}); err != nil {
			c.logger.Warn().Err(err).Str("slave_uuid", slave.UUID).Msg("slave sweep: mark status failed")
		}
	}
}
