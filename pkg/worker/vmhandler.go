package worker

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/talus-io/talus/pkg/hypervisor"
	"github.com/talus-io/talus/pkg/log"
	"github.com/talus-io/talus/pkg/types"
)

// defaultStartupTimeout is how long a VM has to send its "started" guest
// message before VMHandler gives up and terminates it.
const defaultStartupTimeout = 120 * time.Second

// pollInterval is how often VMHandler wakes to check the running flag and
// wall-clock ceiling while a VM is alive.
const pollInterval = 5 * time.Second

// ProgressReporter is how a VMHandler tells the rest of the worker (and,
// through it, the controller) about a VM's guest messages. Implemented by
// the Slave's job-status publisher.
type ProgressReporter interface {
	ReportProgress(ctx context.Context, job string, idx int, msg types.GuestMessage)
}

// VMHandlerConfig bundles a drop and the shared, slave-wide configuration
// every VMHandler needs.
type VMHandlerConfig struct {
	Drop types.Drop

	DBHost string
	Code   types.CodeCredentials

	ScratchDir    string
	ImageStoreDir string
	RuntimeDir    string
	Network       string // libvirt network name VMs attach to
	BridgeIP      string
	CodeCacheHost string
}

// VMHandler runs one unit of work end to end: image fetch, overlay
// snapshot, config ISO, network filter, domain boot, liveness polling,
// and teardown.
type VMHandler struct {
	cfg VMHandlerConfig

	hv       hypervisor.Hypervisor
	images   *ImageStore
	netFilt  *NetworkFilter
	listener *GuestListener
	reporter ProgressReporter

	startupTimeout time.Duration
	pollEvery      time.Duration

	domain    string
	running   atomic.Bool
	started   atomic.Bool
	vncPort   atomic.Int32
	startTime time.Time
	msgs      chan types.GuestMessage

	done chan struct{}
}

// NewVMHandler constructs a VMHandler for one drop.
func NewVMHandler(cfg VMHandlerConfig, hv hypervisor.Hypervisor, images *ImageStore, netFilt *NetworkFilter, listener *GuestListener, reporter ProgressReporter) *VMHandler {
	return &VMHandler{
		cfg:            cfg,
		hv:             hv,
		images:         images,
		netFilt:        netFilt,
		listener:       listener,
		reporter:       reporter,
		startupTimeout: defaultStartupTimeout,
		pollEvery:      pollInterval,
		domain:         hypervisor.DomainName(cfg.Drop.Job, cfg.Drop.Idx),
		startTime:      time.Now(),
		msgs:           make(chan types.GuestMessage, 16),
		done:           make(chan struct{}),
	}
}

// Run drives the handler's full lifecycle. It returns once the VM has
// reached a terminal outcome: guest-reported finish, wall-clock timeout,
// cancellation, or a boot failure. release is always invoked before Run
// returns, even on error paths.
func (h *VMHandler) Run(ctx context.Context, image *types.Image, fileSetID string, release func()) error {
	defer release()
	defer close(h.done)

	h.running.Store(true)
	defer h.running.Store(false)

	imagePath, err := h.images.EnsureImage(ctx, image, h.cfg.Drop.BackingImages)
	if err != nil {
		return fmt.Errorf("ensure image %s: %w", image.ID, err)
	}

	overlayPath := hypervisor.OverlayDiskPath(h.cfg.ScratchDir, h.cfg.Drop.Job, h.cfg.Drop.Idx)
	if err := snapshotOverlay(imagePath, overlayPath); err != nil {
		return fmt.Errorf("snapshot overlay disk: %w", err)
	}
	defer os.Remove(overlayPath)

	isoPath := overlayPath + ".config.iso"
	if err := h.buildConfigISO(isoPath, fileSetID); err != nil {
		return fmt.Errorf("build config iso: %w", err)
	}
	defer os.Remove(isoPath)

	filterName, err := h.netFilt.Apply(ctx, h.domain, h.cfg.Drop.Network)
	if err != nil {
		return fmt.Errorf("apply network filter: %w", err)
	}
	defer h.netFilt.Teardown(ctx, h.domain)

	mac := randomMAC()
	vncPort := h.hv.AllocateVNCPort()
	h.vncPort.Store(int32(vncPort))
	domainXML, err := hypervisor.BuildDomainXML(hypervisor.DomainSpec{
		Name:       h.domain,
		DiskPath:   overlayPath,
		ConfigISO:  isoPath,
		MAC:        mac,
		Network:    h.cfg.Network,
		FilterName: filterName,
		VNCPort:    vncPort,
	})
	if err != nil {
		return fmt.Errorf("build domain xml: %w", err)
	}

	h.listener.Register(h.cfg.Drop.Job, h.cfg.Drop.Idx, h.msgs)
	defer h.listener.Unregister(h.cfg.Drop.Job, h.cfg.Drop.Idx)

	dom, err := h.hv.Create(ctx, domainXML)
	if err != nil {
		return fmt.Errorf("create domain %s: %w", h.domain, err)
	}
	pidfilePath := hypervisor.PidfilePath(h.cfg.RuntimeDir, h.domain)
	defer h.hv.Destroy(context.Background(), dom, pidfilePath)

	return h.pollUntilDone(ctx)
}

// pollUntilDone waits up to startupTimeout for the guest's "started"
// message, then sleeps in pollEvery ticks, checking the cooperative
// cancellation flag and the VM's wall-clock ceiling, relaying every
// guest message to reporter until "finished" arrives or one of those
// limits is hit.
func (h *VMHandler) pollUntilDone(ctx context.Context) error {
	deadline := time.Now().Add(time.Duration(h.cfg.Drop.VMMax) * time.Second)
	startupDeadline := time.Now().Add(h.startupTimeout)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg := <-h.msgs:
			if msg.Type == types.GuestMessageStarted {
				h.started.Store(true)
			}
			h.reporter.ReportProgress(ctx, h.cfg.Drop.Job, h.cfg.Drop.Idx, msg)
			if msg.Type == types.GuestMessageFinished {
				return nil
			}

		case <-time.After(h.pollEvery):
			if !h.running.Load() {
				return fmt.Errorf("vm handler for %s cancelled", h.domain)
			}
			if !h.started.Load() && time.Now().After(startupDeadline) {
				return fmt.Errorf("vm %s did not report started within %s", h.domain, h.startupTimeout)
			}
			if h.cfg.Drop.VMMax > 0 && time.Now().After(deadline) {
				// Wall-clock exceeded is treated as a normal finish, not an
				// error: no further progress is expected.
				log.Debug("vm reached its wall-clock ceiling")
				return nil
			}
		}
	}
}

// Cancel stops the handler cooperatively: the next poll tick observes
// running == false and tears the VM down instead of waiting further.
func (h *VMHandler) Cancel() {
	h.running.Store(false)
}

// Done closes once Run has returned, for callers that want to wait on a
// handler's teardown without holding the Slave's handler-table lock.
func (h *VMHandler) Done() <-chan struct{} { return h.done }

// Job returns the job id this handler's drop belongs to.
func (h *VMHandler) Job() string { return h.cfg.Drop.Job }

// Idx returns the drop's index within its job.
func (h *VMHandler) Idx() int { return h.cfg.Drop.Idx }

// Tool returns the drop's tool name.
func (h *VMHandler) Tool() string { return h.cfg.Drop.Tool }

// VNCPort returns the VM's allocated VNC port, or 0 before the domain
// has been created.
func (h *VMHandler) VNCPort() int { return int(h.vncPort.Load()) }

// StartTime returns when this handler began running its drop.
func (h *VMHandler) StartTime() time.Time { return h.startTime }

func (h *VMHandler) buildConfigISO(isoPath, fileSetID string) error {
	return BuildConfigISO(isoPath, GuestConfig{
		ID:      h.cfg.Drop.Job,
		Idx:     h.cfg.Drop.Idx,
		Tool:    h.cfg.Drop.Tool,
		Params:  h.cfg.Drop.Params,
		FileSet: fileSetID,
		DBHost:  h.cfg.DBHost,
		Code:    h.cfg.Code,
		Debug:   h.cfg.Drop.Debug,
	}, nil)
}

// randomMAC generates a locally-administered MAC address for a VM's NIC.
func randomMAC() string {
	b := make([]byte, 6)
	rand.Read(b) //nolint:errcheck // math/rand.Read never errors
	b[0] = (b[0] | 0x02) & 0xfe // locally administered, unicast
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", b[0], b[1], b[2], b[3], b[4], b[5])
}
