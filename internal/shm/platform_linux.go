//go:build linux

package shm

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// MapRegion opens opts.Path and maps opts.Size bytes at opts.Offset (Linux implementation).
// The file descriptor stays open until UnmapRegion.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Size <= 0 {
		return nil, fmt.Errorf("map %s: invalid size %d", opts.Path, opts.Size)
	}
	flags := unix.O_RDWR | unix.O_CLOEXEC
	if opts.Create {
		flags |= unix.O_CREAT
	}
	fd, err := unix.Open(opts.Path, flags, 0600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Path, err)
	}
	if opts.Create {
		if err := unix.Ftruncate(fd, opts.Offset+int64(opts.Size)); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("ftruncate %s: %w", opts.Path, err)
		}
	}
	addr, err := unix.Mmap(fd, opts.Offset, opts.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mmap %s: %w", opts.Path, err)
	}
	return &MappedRegion{Addr: addr, Fd: fd, Path: opts.Path, Offset: opts.Offset}, nil
}

// UnmapRegion unmaps the window and closes its descriptor (Linux implementation).
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	if err := unix.Munmap(region.Addr); err != nil {
		return fmt.Errorf("munmap %s: %w", region.Path, err)
	}
	region.Addr = nil
	if err := unix.Close(region.Fd); err != nil {
		return fmt.Errorf("close %s: %w", region.Path, err)
	}
	return nil
}

// PageSize returns the system page size, the stride between UIO maps.
func PageSize() int {
	return unix.Getpagesize()
}
