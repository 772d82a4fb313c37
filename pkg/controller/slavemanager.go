package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/talus-io/talus/pkg/bus"
	"github.com/talus-io/talus/pkg/log"
	"github.com/talus-io/talus/pkg/secrets"
	"github.com/talus-io/talus/pkg/storage"
	"github.com/talus-io/talus/pkg/types"
)

const slaveStatusQueue = "slave_status"

// SlaveManagerConfig bundles the cluster-wide settings a SlaveManager
// hands every worker in its config reply. Code holds the code-cache
// credentials with Password still ciphertext, as produced by
// secrets.Manager.EncryptCodeCredentials at startup.
type SlaveManagerConfig struct {
	DBHost   string
	ImageURL string
	Code     types.CodeCredentials
}

// SlaveManager completes the worker handshake described in
// pkg/worker/slave.go: it consumes every SlaveStatusMessage broadcast on
// the "slaves" fanout exchange, upserts the corresponding Slave
// document, and replies with a ConfigMessage on the worker's personal
// queue so the worker may start consuming job drops. Only the Raft
// leader runs a SlaveManager.
type SlaveManager struct {
	store   storage.Store
	bus     bus.Bus
	secrets *secrets.Manager
	apply   Applier
	cfg     SlaveManagerConfig
	logger  zerolog.Logger

	cancel context.CancelFunc
}

// NewSlaveManager constructs a SlaveManager. apply is typically the
// controller's Raft Group.
func NewSlaveManager(store storage.Store, b bus.Bus, secretsMgr *secrets.Manager, apply Applier, cfg SlaveManagerConfig) *SlaveManager {
	return &SlaveManager{
		store:   store,
		bus:     b,
		secrets: secretsMgr,
		apply:   apply,
		cfg:     cfg,
		logger:  log.WithComponent("slave_manager"),
	}
}

// Start declares the slave_status queue, binds it to the broadcast
// exchange, and begins consuming handshake and status-tick messages.
func (m *SlaveManager) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	if err := m.bus.DeclareExchange(runCtx, broadcastExchange, bus.ExchangeFanout); err != nil {
		cancel()
		return fmt.Errorf("declare broadcast exchange: %w", err)
	}
	if err := m.bus.DeclareQueue(runCtx, slaveStatusQueue, bus.QueueOptions{Durable: true}); err != nil {
		cancel()
		return fmt.Errorf("declare slave_status queue: %w", err)
	}
	if err := m.bus.BindQueue(runCtx, broadcastExchange, slaveStatusQueue); err != nil {
		cancel()
		return fmt.Errorf("bind slave_status queue to broadcast exchange: %w", err)
	}
	if err := m.bus.Consume(runCtx, slaveStatusQueue, func(d bus.Delivery) { m.handleDelivery(runCtx, d) }); err != nil {
		cancel()
		return fmt.Errorf("consume slave_status: %w", err)
	}
	return nil
}

// Stop cancels the context handed to the slave_status consumer.
func (m *SlaveManager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *SlaveManager) handleDelivery(ctx context.Context, d bus.Delivery) {
	defer d.Ack()

	var msg types.SlaveStatusMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		m.logger.Error().Err(err).Msg("unmarshal slave status message failed")
		return
	}

	switch msg.Type {
	case types.SlaveMessageNew:
		m.handleNew(ctx, msg)
	case types.SlaveMessageStatus, types.SlaveMessageHeartbeat:
		m.handleTick(msg)
	default:
		m.logger.Warn().Str("type", string(msg.Type)).Msg("unknown slave status message type")
	}
}

// handleNew upserts msg's Slave document and replies with this
// cluster's ConfigMessage, unblocking the worker's 30s handshake wait.
func (m *SlaveManager) handleNew(ctx context.Context, msg types.SlaveStatusMessage) {
	now := time.Now()
	slave, err := m.store.GetSlaveByUUID(msg.UUID)
	op := opUpdateSlave
	if err != nil {
		slave = &types.Slave{
			ID:        msg.UUID,
			UUID:      msg.UUID,
			CreatedAt: now,
		}
		op = opCreateSlave
	}
	slave.Hostname = msg.Hostname
	slave.IP = msg.IP
	slave.Status = types.SlaveStatusActive
	slave.UpdatedAt = now

	if err := m.applyTyped(op, slave); err != nil {
		m.logger.Error().Err(err).Str("slave_uuid", msg.UUID).Msg("upsert slave failed")
		return
	}

	if err := m.replyConfig(ctx, msg.UUID); err != nil {
		m.logger.Error().Err(err).Str("slave_uuid", msg.UUID).Msg("publish config reply failed")
	}
}

// handleTick updates an already-known Slave's load fields from a
// status/heartbeat broadcast. A tick for a UUID with no Slave document
// is dropped: it can only arrive once handleNew has already replied,
// since the worker will not consume jobs (and so never has VMs to
// report) until its handshake completes.
func (m *SlaveManager) handleTick(msg types.SlaveStatusMessage) {
	slave, err := m.store.GetSlaveByUUID(msg.UUID)
	if err != nil {
		m.logger.Warn().Err(err).Str("slave_uuid", msg.UUID).Msg("status tick for unknown slave, dropping")
		return
	}

	slave.RunningVMs = msg.RunningVMs
	slave.TotalJobsRun = msg.TotalJobsRun
	slave.VMs = msg.VMs
	slave.Status = types.SlaveStatusActive
	slave.UpdatedAt = time.Now()
	if err := m.applyTyped(opUpdateSlave, slave); err != nil {
		m.logger.Error().Err(err).Str("slave_uuid", msg.UUID).Msg("update slave failed")
	}
}

func (m *SlaveManager) replyConfig(ctx context.Context, uuid string) error {
	code, err := m.secrets.DecryptCodeCredentials(m.cfg.Code)
	if err != nil {
		return fmt.Errorf("decrypt code credentials: %w", err)
	}

	reply := types.ConfigMessage{
		Type:     "config",
		DB:       m.cfg.DBHost,
		Code:     code,
		ImageURL: m.cfg.ImageURL,
	}
	body, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("marshal config reply: %w", err)
	}
	return m.bus.Publish(ctx, "slaves_"+uuid, body, "")
}

func (m *SlaveManager) applyTyped(op string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", op, err)
	}
	return m.apply.Apply(Command{Op: op, Data: data})
}
