package rpmsg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/plugin-rpmsg/pkg/shm"
)

func testRing(t *testing.T, num uint32) *vring {
	t.Helper()
	const align = 0x100
	size := VringSize(num, align)
	io := shm.NewIO("ctl", shm.NewRAM(int(size)+0x100), 0x43000000)
	v := &vring{
		name:     "vq",
		io:       io,
		num:      num,
		availOff: num * descSize,
		usedOff:  alignUp(num*descSize+ringHdrSize+2*num+2, align),
	}
	require.NoError(t, v.reset())
	return v
}

func TestVringSize(t *testing.T) {
	// 8 descriptors, avail ring 22 bytes, used ring aligned to the page.
	assert.Equal(t, uint32(0x1000+4+8*8+2), VringSize(8, 0x1000))
	assert.Equal(t, uint32(0x50+4+4*8+2), VringSize(4, 0x10))
}

func TestVringAvailRoundTrip(t *testing.T) {
	driver := testRing(t, 4)
	device := *driver

	for i := uint16(0); i < 10; i++ {
		head := i % 4
		require.NoError(t, driver.writeDesc(head, desc{addr: 0x43200000 + uint64(head)*0x200, len: 0x200, flags: descFlagWrite}))
		require.NoError(t, driver.pushAvail(head))

		got, d, ok, err := device.popAvail()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, head, got)
		assert.Equal(t, 0x43200000+uint64(head)*0x200, d.addr)
		assert.Equal(t, uint32(0x200), d.len)
		assert.Equal(t, uint16(descFlagWrite), d.flags)

		_, _, ok, err = device.popAvail()
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestVringUsedRoundTrip(t *testing.T) {
	device := testRing(t, 8)
	driver := *device

	for i := uint16(0); i < 20; i++ {
		require.NoError(t, device.pushUsed(i%8, uint32(i)+16))
		head, n, ok, err := driver.popUsed()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, i%8, head)
		assert.Equal(t, uint32(i)+16, n)
	}
	_, _, ok, err := driver.popUsed()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVringRejectsBadIndex(t *testing.T) {
	v := testRing(t, 4)
	_, err := v.readDesc(4)
	assert.ErrorIs(t, err, ErrBadDescriptor)

	// A used entry naming a descriptor outside the table.
	require.NoError(t, v.io.Write32(v.usedOff+ringHdrSize, 9))
	require.NoError(t, v.write16(v.usedOff+2, 1))
	_, _, _, err = v.popUsed()
	assert.ErrorIs(t, err, ErrBadDescriptor)
}

func TestWrite16KeepsNeighbour(t *testing.T) {
	v := testRing(t, 4)
	require.NoError(t, v.write16(v.availOff+4, 0x1111))
	require.NoError(t, v.write16(v.availOff+6, 0x2222))
	w, err := v.io.Read32(v.availOff + 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x22221111), w)
}
