// Package hypervisor drives VM domains through libvirt: XML synthesis,
// domain creation, and teardown. It is the bottom layer of a VMHandler's
// lifecycle.
package hypervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	libvirt "github.com/digitalocean/go-libvirt"

	"github.com/talus-io/talus/pkg/log"
)

// Domain is a handle to a running VM domain, returned by Create.
type Domain struct {
	Name string
	UUID string
}

// Hypervisor creates and tears down VM domains. VMHandler depends on this
// interface, not *Driver directly, so its lifecycle tests run without a
// real libvirt daemon.
type Hypervisor interface {
	Create(ctx context.Context, domainXML string) (Domain, error)
	Destroy(ctx context.Context, domain Domain, pidfilePath string) error
	AllocateVNCPort() int
}

// Driver is a Hypervisor backed by a real libvirt daemon over its native
// RPC wire protocol (not the virsh CLI), for programmatic domain-XML
// synthesis.
type Driver struct {
	socketPath string

	mu sync.Mutex // serializes libvirt connection use
	lv *libvirt.Libvirt

	vncMu   sync.Mutex
	vncNext int
}

// NewDriver returns a Driver for the libvirt daemon's native Unix socket at
// socketPath; it does not dial until Connect is called. vncBasePort is
// the first port handed out by AllocateVNCPort; callers typically use
// 5900.
func NewDriver(socketPath string, vncBasePort int) *Driver {
	return &Driver{
		socketPath: socketPath,
		vncNext:    vncBasePort,
	}
}

// Connect dials the libvirt socket and performs the RPC handshake. Must
// be called before Create/Destroy.
func (d *Driver) Connect(ctx context.Context) error {
	conn, err := net.DialTimeout("unix", d.socketPath, 10*time.Second)
	if err != nil {
		return fmt.Errorf("dial libvirt socket %s: %w", d.socketPath, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.lv = libvirt.New(conn)
	if err := d.lv.ConnectToURI(libvirt.QEMUSystem); err != nil {
		return fmt.Errorf("libvirt connect: %w", err)
	}
	return nil
}

// Close tears down the libvirt connection.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lv == nil {
		return nil
	}
	return d.lv.Disconnect()
}

// Create synthesizes and boots a domain from domainXML.
func (d *Driver) Create(ctx context.Context, domainXML string) (Domain, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lv == nil {
		return Domain{}, fmt.Errorf("hypervisor not connected")
	}

	dom, err := d.lv.DomainCreateXML(domainXML, libvirt.DomainNone)
	if err != nil {
		return Domain{}, fmt.Errorf("domain create xml: %w", err)
	}

	uuid := fmt.Sprintf("%x", dom.UUID)
	return Domain{Name: dom.Name, UUID: uuid}, nil
}

// Destroy tears down domain. The fast path is SIGKILL via the domain's
// pidfile rather than a graceful libvirt
// DomainDestroy RPC, which is orders of magnitude slower under load; the
// libvirt DomainDestroy call is then issued too, synchronously, so the
// daemon's own bookkeeping stays consistent, and its error is returned.
func (d *Driver) Destroy(ctx context.Context, domain Domain, pidfilePath string) error {
	if err := killByPidfile(pidfilePath); err != nil {
		log.Warn("hypervisor teardown: pidfile signal failed, falling back to libvirt RPC")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lv == nil {
		return nil
	}

	dom, err := d.lv.DomainLookupByName(domain.Name)
	if err != nil {
		return nil // already gone
	}
	return d.lv.DomainDestroy(dom)
}

// AllocateVNCPort hands out the next VNC port in this worker's range.
// Simple monotonic allocation is sufficient: VMHandlers are torn down far
// less often than ports churn in a long-running worker, and the range
// (5900+) vastly exceeds concurrent VM counts.
func (d *Driver) AllocateVNCPort() int {
	d.vncMu.Lock()
	defer d.vncMu.Unlock()
	port := d.vncNext
	d.vncNext++
	return port
}

func killByPidfile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pidfile %s: %w", path, err)
	}
	pid, err := strconv.Atoi(trimNewline(string(data)))
	if err != nil {
		return fmt.Errorf("parse pid from %s: %w", path, err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGKILL)
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
