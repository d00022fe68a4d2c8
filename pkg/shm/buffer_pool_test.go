package shm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPool(t *testing.T) {
	io := NewIO("43000000.vring-shm0", NewRAM(0x1000), 0x43000000)
	p, err := NewBufferPool(io, 0x100, 0x600, 0x200)
	require.NoError(t, err)
	free, total := p.Stats()
	assert.Equal(t, 3, free)
	assert.Equal(t, 3, total)
	assert.Equal(t, uint32(0x200), p.BufferSize())

	var got []Buffer
	for i := 0; i < 3; i++ {
		b, err := p.Alloc()
		require.NoError(t, err)
		assert.Len(t, b.Data, 0x200)
		got = append(got, b)
	}
	_, err = p.Alloc()
	assert.ErrorIs(t, err, ErrNoBuffer)

	assert.Equal(t, uint32(0x100), got[0].Offset)
	assert.Equal(t, uint64(0x43000300), got[1].Phys)

	p.Recycle(got[1])
	p.Recycle(got[1])
	free, _ = p.Stats()
	assert.Equal(t, 1, free)

	b, err := p.Alloc()
	require.NoError(t, err)
	assert.Equal(t, got[1].Index, b.Index)

	found, ok := p.Lookup(0x43000500)
	assert.True(t, ok)
	assert.Equal(t, 2, found.Index)
	_, ok = p.Lookup(0x43000501)
	assert.False(t, ok)
	_, ok = p.Lookup(0x43000700)
	assert.False(t, ok)
}

func TestBufferPoolTooSmall(t *testing.T) {
	io := NewIO("tiny", NewRAM(64), 0)
	_, err := NewBufferPool(io, 0, 64, 512)
	assert.Error(t, err)
}
