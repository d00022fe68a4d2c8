package rpmsg

import (
	"fmt"

	"github.com/srediag/plugin-rpmsg/pkg/remoteproc"
	"github.com/srediag/plugin-rpmsg/pkg/shm"
)

// Split vring layout: descriptor table, available ring, then the used ring at the next
// alignment boundary. All index words are touched through 32-bit accesses of the mapping;
// each 16-bit field is owned by exactly one side so read-modify-write of its word is safe.
const (
	descSize      = 16
	usedElemSize  = 8
	ringHdrSize   = 4
	descFlagWrite = 2
)

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}

// VringSize returns the bytes occupied by a vring of num entries.
func VringSize(num, align uint32) uint32 {
	used := alignUp(num*descSize+ringHdrSize+2*num+2, align)
	return used + ringHdrSize + num*usedElemSize + 2
}

// desc is one descriptor table entry.
type desc struct {
	addr  uint64
	len   uint32
	flags uint16
}

// vring is one virtqueue over a mapped control region.
type vring struct {
	name string
	io   *shm.IO
	num  uint32

	descOff  uint32
	availOff uint32
	usedOff  uint32

	// next index this side consumes from the peer's ring
	last uint16
}

func newVring(h *remoteproc.Handle, name string, r remoteproc.Vring) (*vring, error) {
	size := VringSize(r.Num, r.Align)
	io, off, err := h.Mmap(uint64(r.DA), size)
	if err != nil {
		return nil, fmt.Errorf("%s at 0x%x: %w: %w", name, r.DA, ErrBadVring, err)
	}
	if off%4 != 0 || r.Align < 4 || r.Num == 0 || r.Num > 1<<15 {
		return nil, fmt.Errorf("%s at 0x%x: %w", name, r.DA, ErrBadVring)
	}
	return &vring{
		name:     name,
		io:       io,
		num:      r.Num,
		descOff:  off,
		availOff: off + r.Num*descSize,
		usedOff:  off + alignUp(r.Num*descSize+ringHdrSize+2*r.Num+2, r.Align),
	}, nil
}

// reset zeroes the whole ring.
func (v *vring) reset() error {
	end := v.usedOff + ringHdrSize + v.num*usedElemSize
	for off := v.descOff; off < end; off += 4 {
		if err := v.io.Write32(off, 0); err != nil {
			return err
		}
	}
	v.last = 0
	return nil
}

func (v *vring) readDesc(i uint16) (desc, error) {
	if uint32(i) >= v.num {
		return desc{}, fmt.Errorf("%s desc %d: %w", v.name, i, ErrBadDescriptor)
	}
	base := v.descOff + uint32(i)*descSize
	lo, err := v.io.Read32(base)
	if err != nil {
		return desc{}, err
	}
	hi, err := v.io.Read32(base + 4)
	if err != nil {
		return desc{}, err
	}
	l, err := v.io.Read32(base + 8)
	if err != nil {
		return desc{}, err
	}
	fl, err := v.io.Read32(base + 12)
	if err != nil {
		return desc{}, err
	}
	return desc{addr: uint64(hi)<<32 | uint64(lo), len: l, flags: uint16(fl)}, nil
}

func (v *vring) writeDesc(i uint16, d desc) error {
	base := v.descOff + uint32(i)*descSize
	for _, w := range [...]struct{ off, val uint32 }{
		{0, uint32(d.addr)},
		{4, uint32(d.addr >> 32)},
		{8, d.len},
		{12, uint32(d.flags)},
	} {
		if err := v.io.Write32(base+w.off, w.val); err != nil {
			return err
		}
	}
	return nil
}

func (v *vring) read16(off uint32) (uint16, error) {
	w, err := v.io.Read32(off &^ 3)
	if err != nil {
		return 0, err
	}
	return uint16(w >> (8 * (off & 3))), nil
}

func (v *vring) write16(off uint32, val uint16) error {
	word := off &^ 3
	shift := 8 * (off & 3)
	w, err := v.io.Read32(word)
	if err != nil {
		return err
	}
	w = w&^(0xFFFF<<shift) | uint32(val)<<shift
	return v.io.Write32(word, w)
}

func (v *vring) availIdx() (uint16, error) { return v.read16(v.availOff + 2) }
func (v *vring) usedIdx() (uint16, error)  { return v.read16(v.usedOff + 2) }

// pushAvail publishes descriptor head on the available ring. Driver side only.
func (v *vring) pushAvail(head uint16) error {
	idx, err := v.availIdx()
	if err != nil {
		return err
	}
	if err := v.write16(v.availOff+ringHdrSize+2*(uint32(idx)%v.num), head); err != nil {
		return err
	}
	return v.write16(v.availOff+2, idx+1)
}

// popAvail takes the next descriptor the driver published. Device side only.
func (v *vring) popAvail() (uint16, desc, bool, error) {
	idx, err := v.availIdx()
	if err != nil || idx == v.last {
		return 0, desc{}, false, err
	}
	head, err := v.read16(v.availOff + ringHdrSize + 2*(uint32(v.last)%v.num))
	if err != nil {
		return 0, desc{}, false, err
	}
	d, err := v.readDesc(head)
	if err != nil {
		return 0, desc{}, false, err
	}
	v.last++
	return head, d, true, nil
}

// pushUsed returns descriptor head with n bytes written. Device side only.
func (v *vring) pushUsed(head uint16, n uint32) error {
	idx, err := v.usedIdx()
	if err != nil {
		return err
	}
	elem := v.usedOff + ringHdrSize + usedElemSize*(uint32(idx)%v.num)
	if err := v.io.Write32(elem, uint32(head)); err != nil {
		return err
	}
	if err := v.io.Write32(elem+4, n); err != nil {
		return err
	}
	return v.write16(v.usedOff+2, idx+1)
}

// popUsed takes the next descriptor the device returned. Driver side only.
func (v *vring) popUsed() (uint16, uint32, bool, error) {
	idx, err := v.usedIdx()
	if err != nil || idx == v.last {
		return 0, 0, false, err
	}
	elem := v.usedOff + ringHdrSize + usedElemSize*(uint32(v.last)%v.num)
	head, err := v.io.Read32(elem)
	if err != nil {
		return 0, 0, false, err
	}
	n, err := v.io.Read32(elem + 4)
	if err != nil {
		return 0, 0, false, err
	}
	if head >= v.num {
		return 0, 0, false, fmt.Errorf("%s used id %d: %w", v.name, head, ErrBadDescriptor)
	}
	v.last++
	return uint16(head), n, true, nil
}
