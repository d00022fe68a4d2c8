package remoteproc

import (
	"fmt"

	"github.com/srediag/plugin-rpmsg/pkg/shm"
)

// Resource table layout of one channel: a header with a single offset, one vdev resource and
// its two vrings.
const (
	TableVersion  = 1
	RscVdev       = 3
	VirtioIDRpmsg = 7

	EntrySize = 88

	offVersion   = 0
	offNum       = 4
	offOffset0   = 16
	offVdev      = 20
	offType      = offVdev + 0
	offID        = offVdev + 4
	offNotifyID  = offVdev + 8
	offDFeatures = offVdev + 12
	offGFeatures = offVdev + 16
	offConfigLen = offVdev + 20
	offStatus    = offVdev + 24
	offVring0    = offVdev + 28
	vringSize    = 20
	numVrings    = 2
)

// Virtio status bits.
const (
	StatusAcknowledge uint8 = 1
	StatusDriver      uint8 = 2
	StatusDriverOK    uint8 = 4
	StatusFeaturesOK  uint8 = 8
)

// FeatureNS is VIRTIO_RPMSG_F_NS, name-service announcements.
const FeatureNS uint32 = 1 << 0

// Vring describes one virtqueue of the vdev resource.
type Vring struct {
	DA       uint32
	Align    uint32
	Num      uint32
	NotifyID uint32
}

// Entry is the decoded resource table of one channel.
type Entry struct {
	NotifyID  uint32
	DFeatures uint32
	GFeatures uint32
	Status    uint8
	Vrings    [numVrings]Vring
}

// entryBase returns the offset of channel index's entry.
func entryBase(index uint32) uint32 {
	return index * EntrySize
}

// EncodeEntry writes a complete entry, as firmware would prepare it.
func EncodeEntry(io *shm.IO, index uint32, e Entry) error {
	base := entryBase(index)
	words := []struct {
		off uint32
		v   uint32
	}{
		{offVersion, TableVersion},
		{offNum, 1},
		{offNum + 4, 0},
		{offNum + 8, 0},
		{offOffset0, offVdev},
		{offType, RscVdev},
		{offID, VirtioIDRpmsg},
		{offNotifyID, e.NotifyID},
		{offDFeatures, e.DFeatures},
		{offGFeatures, e.GFeatures},
		{offConfigLen, 0},
		{offStatus, uint32(e.Status) | numVrings<<8},
	}
	for i, vr := range e.Vrings {
		vb := uint32(offVring0 + i*vringSize)
		words = append(words,
			struct{ off, v uint32 }{vb, vr.DA},
			struct{ off, v uint32 }{vb + 4, vr.Align},
			struct{ off, v uint32 }{vb + 8, vr.Num},
			struct{ off, v uint32 }{vb + 12, vr.NotifyID},
			struct{ off, v uint32 }{vb + 16, 0},
		)
	}
	for _, w := range words {
		if err := io.Write32(base+w.off, w.v); err != nil {
			return err
		}
	}
	return nil
}

// DecodeEntry reads and validates channel index's entry.
func DecodeEntry(io *shm.IO, index uint32) (Entry, error) {
	base := entryBase(index)
	read := func(off uint32) (uint32, error) { return io.Read32(base + off) }

	var e Entry
	header := []struct {
		off  uint32
		want uint32
		what string
	}{
		{offVersion, TableVersion, "version"},
		{offNum, 1, "resource count"},
		{offOffset0, offVdev, "vdev offset"},
		{offType, RscVdev, "resource type"},
		{offID, VirtioIDRpmsg, "virtio id"},
	}
	for _, h := range header {
		v, err := read(h.off)
		if err != nil {
			return e, fmt.Errorf("channel %d %s: %w: %w", index, h.what, err, ErrResourceTableInvalid)
		}
		if v != h.want {
			return e, fmt.Errorf("channel %d %s %d, want %d: %w", index, h.what, v, h.want, ErrResourceTableInvalid)
		}
	}
	var err error
	if e.NotifyID, err = read(offNotifyID); err != nil {
		return e, err
	}
	if e.DFeatures, err = read(offDFeatures); err != nil {
		return e, err
	}
	if e.GFeatures, err = read(offGFeatures); err != nil {
		return e, err
	}
	sw, err := read(offStatus)
	if err != nil {
		return e, err
	}
	if n := (sw >> 8) & 0xff; n != numVrings {
		return e, fmt.Errorf("channel %d has %d vrings: %w", index, n, ErrResourceTableInvalid)
	}
	e.Status = uint8(sw)
	for i := range e.Vrings {
		vb := uint32(offVring0 + i*vringSize)
		vr := &e.Vrings[i]
		for _, f := range []struct {
			off uint32
			dst *uint32
		}{{vb, &vr.DA}, {vb + 4, &vr.Align}, {vb + 8, &vr.Num}, {vb + 12, &vr.NotifyID}} {
			if *f.dst, err = read(f.off); err != nil {
				return e, err
			}
		}
		if vr.Num == 0 || vr.Num&(vr.Num-1) != 0 || vr.Align == 0 || vr.Align&(vr.Align-1) != 0 {
			return e, fmt.Errorf("channel %d vring %d num %d align %d: %w", index, i, vr.Num, vr.Align, ErrResourceTableInvalid)
		}
	}
	return e, nil
}

// ReadStatus returns the virtio status byte of channel index.
func ReadStatus(io *shm.IO, index uint32) (uint8, error) {
	w, err := io.Read32(entryBase(index) + offStatus)
	return uint8(w), err
}

// WriteStatus replaces the virtio status byte of channel index.
func WriteStatus(io *shm.IO, index uint32, s uint8) error {
	off := entryBase(index) + offStatus
	w, err := io.Read32(off)
	if err != nil {
		return err
	}
	return io.Write32(off, w&^0xff|uint32(s))
}

// WriteGFeatures stores the negotiated features of channel index.
func WriteGFeatures(io *shm.IO, index uint32, f uint32) error {
	return io.Write32(entryBase(index)+offGFeatures, f)
}

// Entries returns how many whole entries fit in the table mapping.
func Entries(io *shm.IO) uint32 {
	return io.Size() / EntrySize
}
