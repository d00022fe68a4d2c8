// Package loopback simulates a board and the firmware of its coprocessor: shared memory, the
// MHU register file and a responder that echoes every rpmsg message back.
package loopback

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/srediag/plugin-rpmsg/pkg/config"
	"github.com/srediag/plugin-rpmsg/pkg/mailbox"
	"github.com/srediag/plugin-rpmsg/pkg/remoteproc"
	"github.com/srediag/plugin-rpmsg/pkg/shm"
)

// Simulated memory layout of one channel.
const (
	VringNum   = 8
	VringAlign = 0x1000

	vringStride    = 0x2000
	controlSize    = 2 * vringStride
	bufferSize     = 0x10000
	doorbellSize   = 0x1000
	rscTableSize   = 0x1000
	remoteSuffix   = ".remote"
	syntheticPhys  = 0x8000_0000
	syntheticSpace = 0x10_0000
)

// Board is a simulated SoC: every device named by a platform layout, backed by RAM or the MHU
// model, seen from both cores.
type Board struct {
	Bus *shm.MemoryBus
	MHU *mailbox.SimMHU

	local  config.Platform
	remote config.Platform
}

// NewBoard builds the devices of cfg, the layout seen by the initiator, on a heap-backed bus.
func NewBoard(cfg config.Platform) (*Board, error) {
	return NewBoardOnBus(cfg, shm.NewMemoryBus(cfg.Bus))
}

// NewBoardOnBus builds the devices of cfg on bus.
func NewBoardOnBus(cfg config.Platform, bus *shm.MemoryBus) (*Board, error) {
	cfg.Role = config.RoleInitiator
	b := &Board{Bus: bus, MHU: mailbox.NewSimMHU(cfg.Mailbox.MessageMask), local: cfg}
	b.remote = cfg
	b.remote.Role = config.RoleResponder
	b.remote.LocalUser = cfg.LocalUser ^ 1
	b.remote.Mailbox.Device = cfg.Mailbox.Device + remoteSuffix
	b.remote.CPG = nil
	b.remote.Remoteprocs = nil

	next := uint64(syntheticPhys)
	phys := func(name string) uint64 {
		if pa, ok := PhysAddr(name); ok {
			return pa
		}
		next += syntheticSpace
		return next
	}

	mboxPhys := phys(cfg.Mailbox.Device)
	if err := bus.AddDevice(cfg.Mailbox.Device, mboxPhys, b.MHU, b.MHU.Line(cfg.LocalUser)); err != nil {
		return nil, err
	}
	if err := bus.AddDevice(b.remote.Mailbox.Device, mboxPhys, b.MHU, b.MHU.Line(b.remote.LocalUser)); err != nil {
		return nil, err
	}
	if err := bus.AddRAM(cfg.Doorbell, phys(cfg.Doorbell), doorbellSize); err != nil {
		return nil, err
	}
	if err := bus.AddRAM(cfg.ResourceTable, phys(cfg.ResourceTable), rscTableSize); err != nil {
		return nil, err
	}
	for _, g := range cfg.Channels {
		if err := bus.AddRAM(g.Control, phys(g.Control), controlSize); err != nil {
			return nil, err
		}
		if err := bus.AddRAM(g.Buffers, phys(g.Buffers), bufferSize); err != nil {
			return nil, err
		}
	}
	if err := b.writeResourceTable(); err != nil {
		return nil, err
	}
	return b, nil
}

// writeResourceTable lays out the firmware's resource table: one vdev per channel with both
// vrings in the channel's control region.
func (b *Board) writeResourceTable() error {
	ctx := context.Background()
	io, err := b.mapDevice(ctx, b.local.ResourceTable)
	if err != nil {
		return err
	}
	for i, g := range b.local.Channels {
		ctl, err := b.Bus.Open(ctx, g.Control, b.local.Bus)
		if err != nil {
			return err
		}
		da := uint32(ctl.PhysAddr())
		ch := uint32(i)
		e := remoteproc.Entry{
			NotifyID:  ch,
			DFeatures: remoteproc.FeatureNS,
			Vrings: [2]remoteproc.Vring{
				{DA: da, Align: VringAlign, Num: VringNum, NotifyID: 2 * ch},
				{DA: da + vringStride, Align: VringAlign, Num: VringNum, NotifyID: 2*ch + 1},
			},
		}
		if err := remoteproc.EncodeEntry(io, ch, e); err != nil {
			return fmt.Errorf("channel %d: %w", i, err)
		}
	}
	return nil
}

func (b *Board) mapDevice(ctx context.Context, name string) (*shm.IO, error) {
	dev, err := b.Bus.Open(ctx, name, b.local.Bus)
	if err != nil {
		return nil, err
	}
	mem, err := dev.Map()
	if err != nil {
		return nil, err
	}
	return shm.NewIO(name, mem, dev.PhysAddr()), nil
}

// Local returns the layout seen by the initiator.
func (b *Board) Local() config.Platform { return b.local }

// Remote returns the layout seen by the coprocessor.
func (b *Board) Remote() config.Platform { return b.remote }

// Close releases the bus.
func (b *Board) Close() error { return b.Bus.Close() }

// PhysAddr parses the unit address of a device tree style name such as "43000000.vring-ctl0".
func PhysAddr(name string) (uint64, bool) {
	unit, _, ok := strings.Cut(name, ".")
	if !ok {
		return 0, false
	}
	pa, err := strconv.ParseUint(unit, 16, 64)
	return pa, err == nil
}
