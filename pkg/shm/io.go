package shm

import (
	"context"
	"fmt"

	"github.com/srediag/plugin-rpmsg/internal/logger"
	internalshm "github.com/srediag/plugin-rpmsg/internal/shm"
)

var ioLogger = logger.New("shm", nil)

// Mem is the raw access path behind a mapping.
type Mem interface {
	Len() int
	Load32(off uint32) uint32
	Store32(off uint32, v uint32)
	// Bytes exposes the backing memory, or nil for register models.
	Bytes() []byte
}

// RAM is byte-addressable memory.
type RAM []byte

func (m RAM) Len() int                     { return len(m) }
func (m RAM) Load32(off uint32) uint32     { return internalshm.Load32(m, off) }
func (m RAM) Store32(off uint32, v uint32) { internalshm.Store32(m, off, v) }
func (m RAM) Bytes() []byte                { return m }

// NewRAM allocates word-aligned zeroed memory of size bytes.
func NewRAM(size int) RAM {
	words := make([]uint32, (size+3)/4)
	if len(words) == 0 {
		return RAM{}
	}
	return RAM(unsafeWords(words)[:size])
}

// Window is the [Start, End) offset range of one sub-device inside a mapping.
type Window struct {
	Name  string
	Start uint32
	End   uint32
}

func (w Window) contains(off, width uint32) bool {
	return off >= w.Start && off+width <= w.End && off+width > off
}

// InterruptSource is implemented by devices carrying an interrupt line.
type InterruptSource interface {
	// WaitIRQ blocks until the line fires or ctx is done.
	WaitIRQ(ctx context.Context) error
	EnableIRQ() error
	DisableIRQ() error
}

// IO is a window-checked view of a mapped region.
type IO struct {
	name    string
	mem     Mem
	phys    uint64
	windows []Window
}

// NewIO wraps mem. Without windows the whole mapping is one window.
func NewIO(name string, mem Mem, phys uint64, windows ...Window) *IO {
	if len(windows) == 0 {
		windows = []Window{{Name: name, Start: 0, End: uint32(mem.Len())}}
	}
	for i := range windows {
		if windows[i].End > uint32(mem.Len()) {
			windows[i].End = uint32(mem.Len())
		}
	}
	return &IO{name: name, mem: mem, phys: phys, windows: windows}
}

func (io *IO) check(off, width uint32) error {
	for _, w := range io.windows {
		if w.contains(off, width) {
			return nil
		}
	}
	ioLogger.Errorf("%s: offset 0x%x (width %d) outside declared windows", io.name, off, width)
	return fmt.Errorf("%s offset 0x%x: %w", io.name, off, ErrOutOfWindow)
}

// Read32 reads the 32-bit word at off.
func (io *IO) Read32(off uint32) (uint32, error) {
	if err := io.check(off, 4); err != nil {
		return 0, err
	}
	return io.mem.Load32(off), nil
}

// Write32 writes v at off.
func (io *IO) Write32(off uint32, v uint32) error {
	if err := io.check(off, 4); err != nil {
		return err
	}
	io.mem.Store32(off, v)
	return nil
}

// Bytes returns n bytes of the mapping starting at off.
func (io *IO) Bytes(off, n uint32) ([]byte, error) {
	if err := io.check(off, n); err != nil {
		return nil, err
	}
	b := io.mem.Bytes()
	if b == nil {
		return nil, fmt.Errorf("%s: %w", io.name, ErrNotByteAddressable)
	}
	return b[off : off+n : off+n], nil
}

// Name returns the region name.
func (io *IO) Name() string { return io.name }

// Size returns the mapping length.
func (io *IO) Size() uint32 { return uint32(io.mem.Len()) }

// Phys returns the physical base address.
func (io *IO) Phys() uint64 { return io.phys }

// Offset translates a physical address into an offset of this mapping.
func (io *IO) Offset(pa uint64) (uint32, bool) {
	if pa < io.phys || pa-io.phys >= uint64(io.mem.Len()) {
		return 0, false
	}
	return uint32(pa - io.phys), true
}
