package shm

import (
	"context"
	"fmt"
	"sync"

	internalshm "github.com/srediag/plugin-rpmsg/internal/shm"
)

// UIOOpener opens Linux UIO devices by their sysfs name.
type UIOOpener struct {
	bus string
}

// NewUIOOpener serves devices of the given bus (usually "platform").
func NewUIOOpener(bus string) *UIOOpener {
	return &UIOOpener{bus: bus}
}

// Open implements Opener.
func (o *UIOOpener) Open(ctx context.Context, name, bus string) (Device, error) {
	if bus != o.bus {
		return nil, fmt.Errorf("%s on bus %s: %w", name, bus, ErrNotFound)
	}
	info, err := internalshm.FindUIO(name)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrNotFound)
	}
	if len(info.Maps) == 0 {
		return nil, fmt.Errorf("%s exports no memory map: %w", name, ErrNotFound)
	}
	return &uioDevice{info: info}, nil
}

type uioDevice struct {
	info *internalshm.UIODevice

	mu     sync.Mutex
	region *internalshm.MappedRegion
	mem    RAM
}

func (d *uioDevice) Name() string     { return d.info.Name }
func (d *uioDevice) PhysAddr() uint64 { return d.info.Maps[0].Addr }
func (d *uioDevice) Size() int        { return int(d.info.Maps[0].Size) }

func (d *uioDevice) Map() (Mem, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.region != nil {
		return d.mem, nil
	}
	m := d.info.Maps[0]
	page := internalshm.PageSize()
	size := (int(m.Offset+m.Size) + page - 1) &^ (page - 1)
	r, err := internalshm.MapRegion(context.Background(), internalshm.MapOptions{
		Path: d.info.Node,
		Size: size,
	})
	if err != nil {
		return nil, err
	}
	d.region = r
	// the map may start inside the page
	d.mem = RAM(r.Addr[m.Offset : m.Offset+m.Size])
	return d.mem, nil
}

func (d *uioDevice) fd() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.region == nil {
		return -1, fmt.Errorf("%s not mapped: %w", d.info.Name, ErrNoInterrupt)
	}
	return d.region.Fd, nil
}

func (d *uioDevice) WaitIRQ(ctx context.Context) error {
	fd, err := d.fd()
	if err != nil {
		return err
	}
	_, err = internalshm.WaitIRQ(ctx, fd)
	return err
}

func (d *uioDevice) EnableIRQ() error {
	fd, err := d.fd()
	if err != nil {
		return err
	}
	return internalshm.SetIRQ(fd, true)
}

func (d *uioDevice) DisableIRQ() error {
	fd, err := d.fd()
	if err != nil {
		return err
	}
	return internalshm.SetIRQ(fd, false)
}

func (d *uioDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.region == nil {
		return nil
	}
	err := internalshm.UnmapRegion(context.Background(), d.region)
	d.region, d.mem = nil, nil
	return err
}
