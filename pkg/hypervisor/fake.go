package hypervisor

import (
	"context"
	"sync"
)

// Fake is an in-memory Hypervisor for exercising VMHandler lifecycle logic
// without a real libvirt daemon.
type Fake struct {
	mu        sync.Mutex
	Created   []string // domain XML documents passed to Create, in order
	Destroyed []Domain
	nextVNC   int

	CreateErr  error
	DestroyErr error
}

// NewFake returns a Fake allocating VNC ports starting at 5900.
func NewFake() *Fake { return &Fake{nextVNC: 5900} }

func (f *Fake) Create(ctx context.Context, domainXML string) (Domain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return Domain{}, f.CreateErr
	}
	f.Created = append(f.Created, domainXML)
	return Domain{Name: "fake-domain", UUID: "fake-uuid"}, nil
}

func (f *Fake) Destroy(ctx context.Context, domain Domain, pidfilePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DestroyErr != nil {
		return f.DestroyErr
	}
	f.Destroyed = append(f.Destroyed, domain)
	return nil
}

func (f *Fake) AllocateVNCPort() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	port := f.nextVNC
	f.nextVNC++
	return port
}
