package remoteproc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/srediag/plugin-rpmsg/internal/logger"
	"github.com/srediag/plugin-rpmsg/pkg/shm"
)

// State is the lifecycle state of a Handle.
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateActive
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateActive:
		return "active"
	case StateRemoved:
		return "removed"
	default:
		return "uninitialized"
	}
}

// VringGroup is the set of regions private to one channel.
type VringGroup struct {
	Rsc *shm.Region
	Ctl *shm.Region
	Shm *shm.Region
}

// Notifiable is the transport a handle delivers notification passes to.
type Notifiable interface {
	Notified() error
}

// Handle is one remote processor channel.
type Handle struct {
	p   *Platform
	id  uint32
	log *logger.Logger

	// guarded by p.mu
	refs     int
	leases   []*shm.Region
	mailbox  *shm.Region
	doorbell *shm.Region
	group    VringGroup
	rscOwner bool

	rscIO *shm.IO
	entry Entry
	state atomic.Int32

	memMu sync.RWMutex
	mems  []*shm.IO

	transport atomic.Pointer[Notifiable]
}

// NotifyID returns the channel id used in doorbells.
func (h *Handle) NotifyID() uint32 { return h.id }

// State returns the lifecycle state.
func (h *Handle) State() State { return State(h.state.Load()) }

// Platform returns the owning platform.
func (h *Handle) Platform() *Platform { return h.p }

// Group returns the vring group regions.
func (h *Handle) Group() VringGroup { return h.group }

// OwnsResourceTable reports whether this handle loaded the shared resource table.
func (h *Handle) OwnsResourceTable() bool { return h.rscOwner }

// Entry returns the resource table entry decoded at init or by the latest Reload.
func (h *Handle) Entry() Entry {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	return h.entry
}

// Reload decodes this channel's entry again, picking up what the peer wrote since init.
func (h *Handle) Reload() (Entry, error) {
	if h.State() != StateActive {
		return Entry{}, ErrNotActive
	}
	e, err := DecodeEntry(h.rscIO, h.id)
	if err != nil {
		return Entry{}, err
	}
	h.p.mu.Lock()
	h.entry = e
	h.p.mu.Unlock()
	return e, nil
}

// Refs returns the number of Init calls not yet matched by Remove.
func (h *Handle) Refs() int {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	return h.refs
}

// AddMemory registers a mapped region for address translation.
func (h *Handle) AddMemory(r *shm.Region) error {
	if r.IO() == nil {
		return fmt.Errorf("%s: %w", r.Name(), ErrNotMapped)
	}
	h.addMemoryLocked(r)
	return nil
}

func (h *Handle) addMemoryLocked(r *shm.Region) {
	h.memMu.Lock()
	h.mems = append(h.mems, r.IO())
	h.memMu.Unlock()
}

// Translate returns the mapping containing physical address pa.
func (h *Handle) Translate(pa uint64) (*shm.IO, error) {
	io, _, err := h.Mmap(pa, 1)
	return io, err
}

// Mmap returns the mapping holding [pa, pa+size) and the offset of pa inside it.
func (h *Handle) Mmap(pa uint64, size uint32) (*shm.IO, uint32, error) {
	h.memMu.RLock()
	defer h.memMu.RUnlock()
	for _, io := range h.mems {
		off, ok := io.Offset(pa)
		if ok && uint64(off)+uint64(size) <= uint64(io.Size()) {
			return io, off, nil
		}
	}
	return nil, 0, fmt.Errorf("pa 0x%x size %d: %w", pa, size, ErrNotMapped)
}

// Status reads the virtio status byte of this channel's vdev.
func (h *Handle) Status() (uint8, error) {
	if h.State() != StateActive {
		return 0, ErrNotActive
	}
	return ReadStatus(h.rscIO, h.id)
}

// SetStatus writes the virtio status byte of this channel's vdev.
func (h *Handle) SetStatus(s uint8) error {
	if h.State() != StateActive {
		return ErrNotActive
	}
	return WriteStatus(h.rscIO, h.id, s)
}

// SetFeatures writes the negotiated feature bits.
func (h *Handle) SetFeatures(f uint32) error {
	if h.State() != StateActive {
		return ErrNotActive
	}
	h.p.mu.Lock()
	h.entry.GFeatures = f
	h.p.mu.Unlock()
	return WriteGFeatures(h.rscIO, h.id, f)
}

// Attach installs the transport notified by Poll.
func (h *Handle) Attach(n Notifiable) {
	if n == nil {
		h.transport.Store(nil)
		return
	}
	h.transport.Store(&n)
}

// Notify rings the peer's doorbell for vring id.
func (h *Handle) Notify(ctx context.Context, _ uint32) error {
	if h.State() != StateActive {
		return ErrNotActive
	}
	b := h.p.Bridge()
	if b == nil {
		return ErrNotActive
	}
	return b.Notify(ctx, h.id)
}

// Poll blocks until the peer rings this channel, then runs one notification pass of the
// attached transport.
func (h *Handle) Poll(ctx context.Context) error {
	if h.State() != StateActive {
		return ErrNotActive
	}
	b := h.p.Bridge()
	if b == nil {
		return ErrNotActive
	}
	return b.Poll(ctx, h)
}

// GetNotification runs one notification pass.
func (h *Handle) GetNotification() error {
	n := h.transport.Load()
	if n == nil {
		return nil
	}
	return (*n).Notified()
}

// Remove drops one reference. The last one clears the virtio status, unregisters from the
// mailbox and releases every region.
func (h *Handle) Remove() error {
	return h.p.remove(h)
}

func (h *Handle) closeRegions() error {
	var errs []error
	for i := len(h.leases) - 1; i >= 0; i-- {
		errs = append(errs, h.leases[i].Close())
	}
	h.leases = nil
	h.memMu.Lock()
	h.mems = nil
	h.memMu.Unlock()
	return errors.Join(errs...)
}
