package shm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/disk"

	internalshm "github.com/srediag/plugin-rpmsg/internal/shm"
)

const devShmPath = "/dev/shm/"

// MemoryBus is an Opener serving in-process devices: RAM regions and register models with an
// optional interrupt line. It stands in for the board when no UIO devices exist.
type MemoryBus struct {
	bus string
	dir string

	mu      sync.Mutex
	devices map[string]*memBacking
}

type memBacking struct {
	name   string
	phys   uint64
	mem    Mem
	irq    InterruptSource
	mapped *internalshm.MappedRegion
}

// NewMemoryBus returns a bus with heap-backed RAM.
func NewMemoryBus(bus string) *MemoryBus {
	return &MemoryBus{bus: bus, devices: make(map[string]*memBacking)}
}

// NewFileBus returns a bus whose RAM regions are files under dir, so other processes can map
// them too.
func NewFileBus(bus, dir string) (*MemoryBus, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	b := NewMemoryBus(bus)
	b.dir = dir
	return b, nil
}

// AddRAM adds a zeroed RAM region of size bytes at physical address phys.
func (b *MemoryBus) AddRAM(name string, phys uint64, size int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.devices[name]; ok {
		return fmt.Errorf("%s: %w", name, ErrAlreadyOpen)
	}
	d := &memBacking{name: name, phys: phys}
	if b.dir == "" {
		d.mem = NewRAM(size)
	} else {
		path := filepath.Join(b.dir, name)
		if !canCreateOnDevShm(uint64(size), path) {
			return fmt.Errorf("%s: not enough space in %s for %d bytes", name, devShmPath, size)
		}
		m, err := internalshm.MapRegion(context.Background(), internalshm.MapOptions{
			Path: path, Size: size, Create: true,
		})
		if err != nil {
			return err
		}
		d.mapped = m
		d.mem = RAM(m.Addr)
	}
	b.devices[name] = d
	return nil
}

// AddDevice adds a device backed by mem, with an optional interrupt line.
func (b *MemoryBus) AddDevice(name string, phys uint64, mem Mem, irq InterruptSource) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.devices[name]; ok {
		return fmt.Errorf("%s: %w", name, ErrAlreadyOpen)
	}
	b.devices[name] = &memBacking{name: name, phys: phys, mem: mem, irq: irq}
	return nil
}

// Open implements Opener.
func (b *MemoryBus) Open(ctx context.Context, name, bus string) (Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	d, ok := b.devices[name]
	b.mu.Unlock()
	if !ok || bus != b.bus {
		return nil, fmt.Errorf("%s on bus %s: %w", name, bus, ErrNotFound)
	}
	if d.irq != nil {
		return &memIRQDevice{memDevice: memDevice{b: d}}, nil
	}
	return &memDevice{b: d}, nil
}

// Close releases file-backed regions.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var first error
	for name, d := range b.devices {
		if d.mapped != nil {
			if err := internalshm.UnmapRegion(context.Background(), d.mapped); err != nil && first == nil {
				first = err
			}
			_ = os.Remove(d.mapped.Path)
		}
		delete(b.devices, name)
	}
	return first
}

type memDevice struct {
	b *memBacking
}

func (d *memDevice) Name() string      { return d.b.name }
func (d *memDevice) PhysAddr() uint64  { return d.b.phys }
func (d *memDevice) Size() int         { return d.b.mem.Len() }
func (d *memDevice) Map() (Mem, error) { return d.b.mem, nil }
func (d *memDevice) Close() error      { return nil }

type memIRQDevice struct {
	memDevice
}

func (d *memIRQDevice) WaitIRQ(ctx context.Context) error { return d.b.irq.WaitIRQ(ctx) }
func (d *memIRQDevice) EnableIRQ() error                  { return d.b.irq.EnableIRQ() }
func (d *memIRQDevice) DisableIRQ() error                 { return d.b.irq.DisableIRQ() }

// canCreateOnDevShm only checks paths under /dev/shm, anything else is assumed to fit.
func canCreateOnDevShm(size uint64, path string) bool {
	if !strings.HasPrefix(path, devShmPath) {
		return true
	}
	stat, err := disk.Usage(devShmPath)
	if err != nil {
		ioLogger.Warnf("could not read /dev/shm usage: %v", err)
		return true
	}
	return stat.Free >= size
}
