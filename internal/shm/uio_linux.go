//go:build linux

package shm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// SysfsUIO is the sysfs class directory scanned by FindUIO.
var SysfsUIO = "/sys/class/uio"

// ErrNoUIODevice is returned when no UIO device carries the requested name.
var ErrNoUIODevice = errors.New("uio device not found")

// FindUIO looks up the UIO device whose sysfs name equals name (e.g. "10400000.mbox-uio").
func FindUIO(name string) (*UIODevice, error) {
	entries, err := os.ReadDir(SysfsUIO)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", SysfsUIO, err)
	}
	for _, e := range entries {
		dir := filepath.Join(SysfsUIO, e.Name())
		got, err := readTrimmed(filepath.Join(dir, "name"))
		if err != nil || got != name {
			continue
		}
		dev := &UIODevice{Name: name, Node: filepath.Join("/dev", e.Name())}
		for i := 0; ; i++ {
			m, err := readUIOMap(filepath.Join(dir, "maps", "map"+strconv.Itoa(i)), i)
			if err != nil {
				break
			}
			dev.Maps = append(dev.Maps, m)
		}
		return dev, nil
	}
	return nil, fmt.Errorf("%s: %w", name, ErrNoUIODevice)
}

func readUIOMap(dir string, index int) (UIOMap, error) {
	m := UIOMap{Index: index}
	var err error
	if m.Addr, err = readHex(filepath.Join(dir, "addr")); err != nil {
		return m, err
	}
	if m.Size, err = readHex(filepath.Join(dir, "size")); err != nil {
		return m, err
	}
	// offset is absent on older kernels
	m.Offset, _ = readHex(filepath.Join(dir, "offset"))
	return m, nil
}

func readTrimmed(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func readHex(path string) (uint64, error) {
	s, err := readTrimmed(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
}

// SetIRQ enables or disables the interrupt of a UIO device through its descriptor.
func SetIRQ(fd int, enabled bool) error {
	var buf [4]byte
	if enabled {
		binary.NativeEndian.PutUint32(buf[:], 1)
	}
	if _, err := unix.Write(fd, buf[:]); err != nil {
		return fmt.Errorf("uio irq control: %w", err)
	}
	return nil
}

// WaitIRQ blocks until the UIO device reports an interrupt and returns the event count.
// The descriptor is polled so that ctx cancellation is observed within pollMillis.
func WaitIRQ(ctx context.Context, fd int) (uint32, error) {
	const pollMillis = 50
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n, err := unix.Poll(fds, pollMillis)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return 0, fmt.Errorf("uio poll: %w", err)
		}
		if n == 0 {
			continue
		}
		var buf [4]byte
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return 0, fmt.Errorf("uio read: %w", err)
		}
		return binary.NativeEndian.Uint32(buf[:]), nil
	}
}
