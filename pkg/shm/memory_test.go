package shm

import (
	"context"
	"math"
	"runtime"
	"testing"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingIRQ struct {
	enabled bool
	waits   int
}

func (c *countingIRQ) WaitIRQ(ctx context.Context) error { c.waits++; return nil }
func (c *countingIRQ) EnableIRQ() error                  { c.enabled = true; return nil }
func (c *countingIRQ) DisableIRQ() error                 { c.enabled = false; return nil }

func TestMemoryBusSharesBacking(t *testing.T) {
	bus := NewMemoryBus("platform")
	require.NoError(t, bus.AddRAM("42f01000.mhu-shm", 0x42f01000, 0x1000))
	assert.ErrorIs(t, bus.AddRAM("42f01000.mhu-shm", 0, 4), ErrAlreadyOpen)

	// two independent registries see the same memory, as two cores would
	local, remote := NewRegistry(bus), NewRegistry(bus)
	ctx := context.Background()
	a, err := local.Acquire(ctx, "42f01000.mhu-shm", "platform")
	require.NoError(t, err)
	b, err := remote.Acquire(ctx, "42f01000.mhu-shm", "platform")
	require.NoError(t, err)
	ioA, _ := a.Map()
	ioB, _ := b.Map()
	require.NoError(t, ioA.Write32(4, 1))
	v, err := ioB.Read32(4)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), v)
}

func TestMemoryBusInterruptDevice(t *testing.T) {
	bus := NewMemoryBus("platform")
	irq := &countingIRQ{}
	require.NoError(t, bus.AddDevice("10400000.mbox-uio", 0x10400000, NewRAM(0x1000), irq))
	dev, err := bus.Open(context.Background(), "10400000.mbox-uio", "platform")
	require.NoError(t, err)
	src, ok := dev.(InterruptSource)
	require.True(t, ok)
	require.NoError(t, src.EnableIRQ())
	require.NoError(t, src.WaitIRQ(context.Background()))
	assert.True(t, irq.enabled)
	assert.Equal(t, 1, irq.waits)

	require.NoError(t, bus.AddRAM("plain", 0, 16))
	plain, err := bus.Open(context.Background(), "plain", "platform")
	require.NoError(t, err)
	_, ok = plain.(InterruptSource)
	assert.False(t, ok)
}

func TestFileBus(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("file-backed regions need mmap")
	}
	bus, err := NewFileBus("platform", t.TempDir())
	require.NoError(t, err)
	require.NoError(t, bus.AddRAM("43000000.vring-shm0", 0x43000000, 0x1000))
	dev, err := bus.Open(context.Background(), "43000000.vring-shm0", "platform")
	require.NoError(t, err)
	mem, err := dev.Map()
	require.NoError(t, err)
	mem.Store32(0, 0xA5A5A5A5)
	assert.Equal(t, uint32(0xA5A5A5A5), mem.Load32(0))
	assert.NoError(t, bus.Close())
}

func TestCanCreateOnDevShm(t *testing.T) {
	switch runtime.GOOS {
	case "linux":
		assert.True(t, canCreateOnDevShm(math.MaxUint64, "not-under-dev-shm"))
		stat, err := disk.Usage("/dev/shm")
		if err != nil {
			t.Skipf("no /dev/shm: %v", err)
		}
		assert.False(t, canCreateOnDevShm(stat.Free+1<<30, "/dev/shm/rpmsg-test"))
	default:
		assert.True(t, canCreateOnDevShm(33333, "anything"))
	}
}
