package shm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Device is an opened named device.
type Device interface {
	Name() string
	PhysAddr() uint64
	Size() int
	// Map makes the device memory accessible. Repeated calls return the same mapping.
	Map() (Mem, error)
	Close() error
}

// Opener is the device-discovery capability: open a device by name on a bus.
type Opener interface {
	Open(ctx context.Context, name, bus string) (Device, error)
}

type regionKey struct {
	name string
	bus  string
}

// entry is one physical resource shared by every lease.
type entry struct {
	key  regionKey
	dev  Device
	io   *IO
	refs int
}

// Region is a lease on a shared physical region.
type Region struct {
	e      *entry
	reg    *Registry
	closed atomic.Bool
}

// Name returns the device name.
func (r *Region) Name() string { return r.e.key.name }

// Bus returns the bus identifier.
func (r *Region) Bus() string { return r.e.key.bus }

// Device returns the opened device, e.g. to reach its InterruptSource.
func (r *Region) Device() Device { return r.e.dev }

// PhysAddr returns the physical base address of the region.
func (r *Region) PhysAddr() uint64 { return r.e.dev.PhysAddr() }

// IO returns the mapping, or nil before Map.
func (r *Region) IO() *IO {
	r.reg.mu.Lock()
	defer r.reg.mu.Unlock()
	return r.e.io
}

// Map maps the region. See Registry.Map.
func (r *Region) Map(windows ...Window) (*IO, error) {
	return r.reg.Map(r, windows...)
}

// Close releases the lease. See Registry.Close.
func (r *Region) Close() error {
	return r.reg.Close(r)
}

// Registry opens each physical region once and reference-counts its leases.
type Registry struct {
	opener Opener

	mu      sync.Mutex
	entries map[regionKey]*entry
}

// NewRegistry returns a registry opening devices through opener.
func NewRegistry(opener Opener) *Registry {
	return &Registry{opener: opener, entries: make(map[regionKey]*entry)}
}

// Open opens a region exclusively. It fails with ErrAlreadyOpen if any lease is outstanding.
func (r *Registry) Open(ctx context.Context, name, bus string) (*Region, error) {
	return r.open(ctx, name, bus, true)
}

// Acquire returns a lease on the region, opening the device on first use.
func (r *Registry) Acquire(ctx context.Context, name, bus string) (*Region, error) {
	return r.open(ctx, name, bus, false)
}

func (r *Registry) open(ctx context.Context, name, bus string, exclusive bool) (*Region, error) {
	key := regionKey{name: name, bus: bus}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		if exclusive {
			return nil, fmt.Errorf("%s/%s: %w", bus, name, ErrAlreadyOpen)
		}
		e.refs++
		return &Region{e: e, reg: r}, nil
	}
	dev, err := r.opener.Open(ctx, name, bus)
	if err != nil {
		return nil, fmt.Errorf("open %s/%s: %w", bus, name, err)
	}
	e := &entry{key: key, dev: dev, refs: 1}
	r.entries[key] = e
	ioLogger.Debugf("opened %s/%s phys=0x%x size=0x%x", bus, name, dev.PhysAddr(), dev.Size())
	return &Region{e: e, reg: r}, nil
}

// Map maps the region on first call, with the given sub-device windows. Later calls return the
// existing mapping and ignore windows.
func (r *Registry) Map(region *Region, windows ...Window) (*IO, error) {
	if region.closed.Load() {
		return nil, ErrClosed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e := region.e
	if e.io != nil {
		return e.io, nil
	}
	mem, err := e.dev.Map()
	if err != nil {
		return nil, fmt.Errorf("map %s: %v: %w", e.key.name, err, ErrMapFailed)
	}
	e.io = NewIO(e.key.name, mem, e.dev.PhysAddr(), windows...)
	return e.io, nil
}

// Close releases the lease. The device is closed and the mapping invalidated with the last
// lease. Closing a released lease is a no-op.
func (r *Registry) Close(region *Region) error {
	if region == nil || !region.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e := region.e
	e.refs--
	if e.refs > 0 {
		return nil
	}
	delete(r.entries, e.key)
	e.io = nil
	ioLogger.Debugf("closed %s/%s", e.key.bus, e.key.name)
	return e.dev.Close()
}

// Refs returns the outstanding leases on a region.
func (r *Registry) Refs(name, bus string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[regionKey{name: name, bus: bus}]; ok {
		return e.refs
	}
	return 0
}
