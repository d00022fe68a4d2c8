// Package remoteproc manages remote-processor handles: one per coprocessor channel, sharing the
// mailbox bridge and the resource table of the physical coprocessor.
package remoteproc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/srediag/plugin-rpmsg/internal/logger"
	"github.com/srediag/plugin-rpmsg/internal/metrics"
	"github.com/srediag/plugin-rpmsg/pkg/config"
	"github.com/srediag/plugin-rpmsg/pkg/mailbox"
	"github.com/srediag/plugin-rpmsg/pkg/shm"
	"github.com/srediag/plugin-rpmsg/pkg/stop"
)

// MaxChannels is the number of remoteproc vdevs a mailbox can serve.
const MaxChannels = mailbox.MaxMHUChannels

// Options carries the optional collaborators of a Platform.
type Options struct {
	Metrics *metrics.Metrics
	Logger  *logger.Logger
}

// Platform is the process-wide context of one physical coprocessor: the region registry, the
// stop flag, the mailbox bridge and the cached resource table. It also serializes handle
// init/remove and endpoint creation.
type Platform struct {
	cfg     config.Platform
	reg     *shm.Registry
	flag    *stop.Flag
	metrics *metrics.Metrics
	log     *logger.Logger

	mu      sync.Mutex
	bridge  atomic.Pointer[mailbox.Bridge]
	rsc     *rscCache
	handles map[uint32]*Handle
}

type rscCache struct {
	io    *shm.IO
	owner uint32
	refs  int
}

// NewPlatform returns a platform opening devices through opener.
func NewPlatform(cfg config.Platform, opener shm.Opener, flag *stop.Flag, opts Options) *Platform {
	log := opts.Logger
	if log == nil {
		log = logger.New("remoteproc", nil)
	}
	return &Platform{
		cfg:     cfg,
		reg:     shm.NewRegistry(opener),
		flag:    flag,
		metrics: metrics.OrDiscard(opts.Metrics),
		log:     log,
		handles: make(map[uint32]*Handle),
	}
}

// Lock takes the coarse platform mutex.
func (p *Platform) Lock() { p.mu.Lock() }

// Unlock releases the coarse platform mutex.
func (p *Platform) Unlock() { p.mu.Unlock() }

// Config returns the platform layout.
func (p *Platform) Config() config.Platform { return p.cfg }

// Registry returns the region registry.
func (p *Platform) Registry() *shm.Registry { return p.reg }

// Flag returns the stop flag.
func (p *Platform) Flag() *stop.Flag { return p.flag }

// Metrics returns the collectors.
func (p *Platform) Metrics() *metrics.Metrics { return p.metrics }

// Initiator reports whether this side owns the vrings and buffers.
func (p *Platform) Initiator() bool { return p.cfg.Role != config.RoleResponder }

// Bridge returns the mailbox bridge, nil while no handle is initialized. It takes no lock, so
// the send and receive paths never contend with init and remove.
func (p *Platform) Bridge() *mailbox.Bridge {
	return p.bridge.Load()
}

// Stop requests a process-wide stop and wakes every poller.
func (p *Platform) Stop() { p.flag.Request() }

// Init returns the handle of channel, opening its regions and registering it on the mailbox.
// Initializing an active channel again takes another reference on the same handle.
func (p *Platform) Init(ctx context.Context, channel uint32) (*Handle, error) {
	if channel >= MaxChannels || int(channel) >= len(p.cfg.Channels) {
		return nil, fmt.Errorf("channel %d: %w", channel, ErrInvalidChannel)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.handles[channel]; ok {
		h.refs++
		return h, nil
	}

	h := &Handle{p: p, id: channel, refs: 1, log: p.log.With(fmt.Sprintf("ch%d", channel))}
	h.state.Store(int32(StateInitialized))
	if err := p.openRegions(ctx, h); err != nil {
		h.closeRegions()
		return nil, err
	}
	if err := p.loadResourceTable(h); err != nil {
		h.closeRegions()
		return nil, err
	}
	if err := p.registerMailbox(h); err != nil {
		p.releaseResourceTable()
		h.closeRegions()
		return nil, err
	}
	p.handles[channel] = h
	h.state.Store(int32(StateActive))
	h.log.Infof("initialized, notify id %d, resource table owner %v", h.id, h.rscOwner)
	return h, nil
}

// openRegions acquires the mailbox, doorbell, resource table and vring group leases of h. On
// error the leases taken so far are left in h for the caller to close.
func (p *Platform) openRegions(ctx context.Context, h *Handle) error {
	vg := p.cfg.Channels[h.id]
	open := func(name string, windows ...shm.Window) (*shm.Region, error) {
		r, err := p.reg.Acquire(ctx, name, p.cfg.Bus)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDeviceOpenFailed, err)
		}
		h.leases = append(h.leases, r)
		if _, err := r.Map(windows...); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDeviceOpenFailed, err)
		}
		return r, nil
	}
	var err error
	mw := mailbox.RegisterWindow
	if w := p.cfg.Mailbox.Window; w.End > w.Start {
		mw.Start, mw.End = w.Start, w.End
	}
	if h.mailbox, err = open(p.cfg.Mailbox.Device, mw); err != nil {
		return err
	}
	if h.group.Rsc, err = open(p.cfg.ResourceTable); err != nil {
		return err
	}
	if h.group.Ctl, err = open(vg.Control); err != nil {
		return err
	}
	if h.group.Shm, err = open(vg.Buffers); err != nil {
		return err
	}
	if h.doorbell, err = open(p.cfg.Doorbell); err != nil {
		return err
	}
	for _, r := range []*shm.Region{h.group.Rsc, h.group.Ctl, h.group.Shm, h.doorbell} {
		h.addMemoryLocked(r)
	}
	return nil
}

// loadResourceTable maps the shared table once. The first handle validates it and, on the
// initiator, clears stale virtio status left by a previous run.
func (p *Platform) loadResourceTable(h *Handle) error {
	if p.rsc == nil {
		io := h.group.Rsc.IO()
		if p.Initiator() {
			for i := uint32(0); i < Entries(io) && int(i) < len(p.cfg.Channels); i++ {
				if _, err := DecodeEntry(io, i); err != nil {
					continue
				}
				if err := WriteStatus(io, i, 0); err != nil {
					return err
				}
			}
		}
		p.rsc = &rscCache{io: io, owner: h.id}
		h.rscOwner = true
	}
	entry, err := DecodeEntry(p.rsc.io, h.id)
	if err != nil {
		if h.rscOwner {
			p.rsc = nil
		}
		return err
	}
	p.rsc.refs++
	h.rscIO = p.rsc.io
	h.entry = entry
	return nil
}

func (p *Platform) releaseResourceTable() {
	if p.rsc == nil {
		return
	}
	p.rsc.refs--
	if p.rsc.refs == 0 {
		p.rsc = nil
	}
}

func (p *Platform) registerMailbox(h *Handle) error {
	b := p.bridge.Load()
	if b == nil {
		src, ok := h.mailbox.Device().(shm.InterruptSource)
		if !ok {
			return fmt.Errorf("%s: %w: %w", h.mailbox.Name(), ErrDeviceOpenFailed, shm.ErrNoInterrupt)
		}
		b = mailbox.New(h.mailbox.IO(), h.doorbell.IO(), src, p.flag, mailbox.Config{
			Layout: mailbox.Layout{
				Channel:     p.cfg.Mailbox.Channel,
				User:        p.cfg.LocalUser,
				MessageMask: p.cfg.Mailbox.MessageMask,
			},
			MaxChannels: MaxChannels,
			Metrics:     p.metrics,
			Logger:      p.log.With("mailbox"),
		})
	}
	if err := b.Register(); err != nil {
		if b.Registered() == 0 {
			p.bridge.Store(nil)
		}
		return fmt.Errorf("%w: %w", ErrDeviceOpenFailed, err)
	}
	p.bridge.Store(b)
	return nil
}

func (p *Platform) remove(h *Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h.refs == 0 {
		return nil
	}
	h.refs--
	if h.refs > 0 {
		return nil
	}
	h.state.Store(int32(StateRemoved))
	delete(p.handles, h.id)

	var errs []error
	if p.Initiator() {
		errs = append(errs, WriteStatus(h.rscIO, h.id, 0))
	}
	if b := p.bridge.Load(); b != nil {
		errs = append(errs, b.Unregister())
		if b.Registered() == 0 {
			p.bridge.Store(nil)
		}
	}
	p.releaseResourceTable()
	errs = append(errs, h.closeRegions())
	h.log.Infof("removed")
	return errors.Join(errs...)
}

// Handles returns the number of active handles.
func (p *Platform) Handles() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// ResourceTableOwner returns the channel that loaded the resource table, if any.
func (p *Platform) ResourceTableOwner() (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rsc == nil {
		return 0, false
	}
	return p.rsc.owner, true
}
