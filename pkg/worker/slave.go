package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/talus-io/talus/pkg/bus"
	"github.com/talus-io/talus/pkg/hypervisor"
	"github.com/talus-io/talus/pkg/log"
	"github.com/talus-io/talus/pkg/types"
)

const (
	broadcastExchange = "slaves"
	jobsQueue         = "jobs"
	jobStatusQueue    = "job_status"
)

// statusInterval is how often a Slave broadcasts its SlaveStatusMessage.
const statusInterval = 15 * time.Second

// SlaveConfig holds the local, never-replicated settings a Slave needs
// before it ever talks to the controller: how many VMs it may run
// concurrently and where on disk its scratch/image/runtime state lives.
type SlaveConfig struct {
	MaxVMs        int
	ScratchDir    string
	ImageStoreDir string
	RuntimeDir    string
	Network       string
	BridgeIP      net.IP
	CodeCacheHost string
}

// Slave is one worker process's lifetime: bus handshake, job consumption
// gated by a VM-count semaphore, status heartbeats, and cancellation
// fan-out to VMHandlers.
type Slave struct {
	cfg SlaveConfig

	uuid     string
	ip       string
	hostname string

	bus      bus.Bus
	listener *GuestListener
	images   *ImageStore
	hv       hypervisor.Hypervisor
	netFilt  *NetworkFilter

	sem chan struct{} // buffered to MaxVMs; acquiring a slot == one running VM

	mu           sync.Mutex
	handlers     map[string]*VMHandler // keyed by "<job>_<idx>"
	totalJobsRun int

	config     types.ConfigMessage
	configured chan struct{}
}

// NewSlave builds a Slave. It does not connect to the bus or start
// consuming until Run is called.
func NewSlave(cfg SlaveConfig, b bus.Bus, hv hypervisor.Hypervisor) (*Slave, error) {
	id := uuid.NewString()
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("discover hostname: %w", err)
	}
	ip, err := discoverIP()
	if err != nil {
		return nil, fmt.Errorf("discover ip: %w", err)
	}

	listener, err := NewGuestListener(cfg.BridgeIP)
	if err != nil {
		return nil, fmt.Errorf("bind guest comms listener: %w", err)
	}

	netFilt, err := NewNetworkFilter(cfg.BridgeIP, cfg.CodeCacheHost)
	if err != nil {
		return nil, fmt.Errorf("open network filter: %w", err)
	}

	return &Slave{
		cfg:        cfg,
		uuid:       id,
		ip:         ip,
		hostname:   hostname,
		bus:        b,
		listener:   listener,
		hv:         hv,
		netFilt:    netFilt,
		sem:        make(chan struct{}, cfg.MaxVMs),
		handlers:   make(map[string]*VMHandler),
		configured: make(chan struct{}),
	}, nil
}

// Run executes the full handshake and consume loop, blocking until ctx
// is cancelled.
func (s *Slave) Run(ctx context.Context) error {
	personalQueue := "slaves_" + s.uuid

	if err := s.bus.DeclareExchange(ctx, broadcastExchange, bus.ExchangeFanout); err != nil {
		return fmt.Errorf("declare broadcast exchange: %w", err)
	}
	if err := s.bus.DeclareQueue(ctx, personalQueue, bus.QueueOptions{Durable: false, AutoDelete: true, Exclusive: true}); err != nil {
		return fmt.Errorf("declare personal queue: %w", err)
	}
	if err := s.bus.BindQueue(ctx, broadcastExchange, personalQueue); err != nil {
		return fmt.Errorf("bind personal queue to broadcast exchange: %w", err)
	}
	if err := s.bus.DeclareQueue(ctx, jobsQueue, bus.QueueOptions{Durable: true}); err != nil {
		return fmt.Errorf("declare jobs queue: %w", err)
	}
	if err := s.bus.DeclareQueue(ctx, jobStatusQueue, bus.QueueOptions{Durable: true}); err != nil {
		return fmt.Errorf("declare job_status queue: %w", err)
	}

	if err := s.bus.Consume(ctx, personalQueue, s.handlePersonalMessage); err != nil {
		return fmt.Errorf("consume personal queue: %w", err)
	}

	if err := s.announce(ctx); err != nil {
		return fmt.Errorf("announce to controller: %w", err)
	}

	select {
	case <-s.configured:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return fmt.Errorf("timed out waiting for controller config reply")
	}

	if err := s.bus.Consume(ctx, jobsQueue, s.handleDrop); err != nil {
		return fmt.Errorf("consume jobs queue: %w", err)
	}

	go s.statusLoop(ctx)

	listenerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	return s.listener.Serve(listenerCtx)
}

// announce publishes the "new" handshake message.
func (s *Slave) announce(ctx context.Context) error {
	msg := types.SlaveStatusMessage{
		Type:     types.SlaveMessageNew,
		UUID:     s.uuid,
		IP:       s.ip,
		Hostname: s.hostname,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal handshake message: %w", err)
	}
	return s.bus.Publish(ctx, broadcastExchange, body, "")
}

// handlePersonalMessage processes the controller's config reply and
// forwards cancel requests to the matching VMHandler.
func (s *Slave) handlePersonalMessage(d bus.Delivery) {
	defer d.Ack()

	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(d.Body, &envelope); err != nil {
		log.Warn("personal queue message is not valid json, dropping")
		return
	}

	switch envelope.Type {
	case "config":
		var cfg types.ConfigMessage
		if err := json.Unmarshal(d.Body, &cfg); err != nil {
			log.Warn("malformed config message, dropping")
			return
		}
		s.config = cfg
		s.images = NewImageStore(s.cfg.ImageStoreDir, cfg.ImageURL)
		close(s.configured)

	case "cancel":
		var cancel types.CancelMessage
		if err := json.Unmarshal(d.Body, &cancel); err != nil {
			log.Warn("malformed cancel message, dropping")
			return
		}
		s.cancelJob(cancel.Job)

	default:
		log.Warn("unrecognized personal queue message type, dropping")
	}
}

// cancelJob stops every VMHandler currently running a drop of job.
func (s *Slave) cancelJob(job string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, h := range s.handlers {
		if len(key) > len(job) && key[:len(job)] == job && key[len(job)] == '_' {
			h.Cancel()
		}
	}
}

// handleDrop implements semaphore-gated admission: when every slot is
// in use, the delivery is left unacked so the bus redelivers it to
// another worker instead of blocking this consumer.
func (s *Slave) handleDrop(d bus.Delivery) {
	select {
	case s.sem <- struct{}{}:
	default:
		return // no available slot; leave unacked for redelivery elsewhere
	}

	var drop types.Drop
	if err := json.Unmarshal(d.Body, &drop); err != nil {
		log.Warn("malformed drop message, dropping")
		<-s.sem
		_ = d.Ack()
		return
	}
	if err := d.Ack(); err != nil {
		log.Warn("ack drop message failed")
	}

	go s.runDrop(context.Background(), drop)
}

func (s *Slave) runDrop(ctx context.Context, drop types.Drop) {
	defer func() { <-s.sem }()

	key := hypervisor.DomainName(drop.Job, drop.Idx)

	handler := NewVMHandler(VMHandlerConfig{
		Drop:          drop,
		DBHost:        s.config.DB,
		Code:          s.config.Code,
		ScratchDir:    s.cfg.ScratchDir,
		ImageStoreDir: s.cfg.ImageStoreDir,
		RuntimeDir:    s.cfg.RuntimeDir,
		Network:       s.cfg.Network,
	}, s.hv, s.images, s.netFilt, s.listener, s)

	s.mu.Lock()
	s.handlers[key] = handler
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.handlers, key)
		s.totalJobsRun++
		s.mu.Unlock()
	}()

	// The drop carries the image's id/credentials/md5 resolved by the
	// controller at drip time, so VMHandler never needs its own database
	// lookup to fetch the base image.
	image := &types.Image{
		ID:       drop.Image,
		Username: drop.ImageUsername,
		Password: drop.ImagePassword,
		OS:       types.OS{Type: drop.OSType},
	}

	if err := handler.Run(ctx, image, drop.FileSet, func() {}); err != nil {
		log.Warn("vm handler exited with error")
	}
}

// ReportProgress implements ProgressReporter by publishing the guest
// message onto job_status, translated into the controller's
// JobStatusMessage shape.
func (s *Slave) ReportProgress(ctx context.Context, job string, idx int, msg types.GuestMessage) {
	status := types.JobStatusMessage{Job: job, Idx: idx, Tool: msg.Tool}
	switch msg.Type {
	case types.GuestMessageProgress:
		status.Type = types.JobStatusMessageProgress
	case types.GuestMessageResult:
		status.Type = types.JobStatusMessageResult
		status.Data, _ = msg.Data.(map[string]any)
	case types.GuestMessageError:
		status.Type = types.JobStatusMessageError
		status.Data, _ = msg.Data.(map[string]any)
	case types.GuestMessageLogs:
		status.Type = types.JobStatusMessageLog
		status.Data, _ = msg.Data.(map[string]any)
	case types.GuestMessageFinished:
		status.Type = types.JobStatusMessageProgress
	default:
		return
	}

	body, err := json.Marshal(status)
	if err != nil {
		log.Warn("marshal job status message failed")
		return
	}
	if err := s.bus.Publish(ctx, jobStatusQueue, body, ""); err != nil {
		log.Warn("publish job status message failed")
	}
}

// statusLoop broadcasts a SlaveStatusMessage on statusInterval.
func (s *Slave) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcastStatus(ctx)
		}
	}
}

func (s *Slave) broadcastStatus(ctx context.Context) {
	s.mu.Lock()
	vms := make([]types.SlaveVM, 0, len(s.handlers))
	for _, h := range s.handlers {
		vms = append(vms, types.SlaveVM{
			Job:       h.Job(),
			Idx:       h.Idx(),
			Tool:      h.Tool(),
			VNCPort:   h.VNCPort(),
			StartTime: h.StartTime(),
		})
	}
	total := s.totalJobsRun
	s.mu.Unlock()

	msg := types.SlaveStatusMessage{
		Type:         types.SlaveMessageStatus,
		UUID:         s.uuid,
		RunningVMs:   len(vms),
		TotalJobsRun: total,
		VMs:          vms,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		log.Warn("marshal status message failed")
		return
	}
	if err := s.bus.Publish(ctx, broadcastExchange, body, ""); err != nil {
		log.Warn("publish status message failed")
	}
}

// Stats is a point-in-time snapshot of a Slave's VM load, exported for
// the metrics collector.
type Stats struct {
	RunningVMs   int
	TotalJobsRun int
}

// Stats returns the slave's current VM count and lifetime job total.
func (s *Slave) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{RunningVMs: len(s.handlers), TotalJobsRun: s.totalJobsRun}
}

// discoverIP returns the first non-loopback IPv4 address found on a host
// interface, used for the slave's handshake "ip" field.
func discoverIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return "", fmt.Errorf("no non-loopback IPv4 address found")
}
