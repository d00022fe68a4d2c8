// Package shm contains the platform helpers behind pkg/shm: raw mappings, UIO discovery and the
// interrupt file descriptor.
package shm

import "errors"

// ErrUnsupported is returned on platforms without UIO/mmap support.
var ErrUnsupported = errors.New("shared memory mapping not supported on this platform")

// MappedRegion represents a memory-mapped window of a device or file.
type MappedRegion struct {
	Addr   []byte
	Fd     int
	Path   string
	Offset int64
}

// MapOptions defines options for mapping a window.
type MapOptions struct {
	// Path is the device node or file to map (/dev/uioN, /dev/shm/name).
	Path string
	// Size of the window in bytes.
	Size int
	// Offset into the file. For UIO, map N lives at N*pagesize.
	Offset int64
	// Create creates and truncates the file to Offset+Size.
	Create bool
}

// UIOMap is one memory map exported by a UIO device.
type UIOMap struct {
	Index  int
	Addr   uint64
	Size   uint64
	Offset uint64
}

// UIODevice describes a UIO device found in sysfs.
type UIODevice struct {
	Name string
	Node string
	Maps []UIOMap
}
