//go:build linux

package shm

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapRegionFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "42f01000.mhu-shm")
	ctx := context.Background()

	r, err := MapRegion(ctx, MapOptions{Path: path, Size: PageSize(), Create: true})
	require.NoError(t, err)
	Store32(r.Addr, 4, 1)
	require.NoError(t, UnmapRegion(ctx, r))
	assert.Nil(t, r.Addr)
	assert.NoError(t, UnmapRegion(ctx, r))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, raw, PageSize())
	assert.Equal(t, byte(1), raw[4])
}

func TestMapRegionErrors(t *testing.T) {
	ctx := context.Background()
	_, err := MapRegion(ctx, MapOptions{Path: filepath.Join(t.TempDir(), "missing"), Size: 4096})
	assert.Error(t, err)
	_, err = MapRegion(ctx, MapOptions{Path: "/dev/null", Size: 0})
	assert.Error(t, err)
}

func TestFindUIO(t *testing.T) {
	root := t.TempDir()
	saved := SysfsUIO
	SysfsUIO = root
	defer func() { SysfsUIO = saved }()

	dir := filepath.Join(root, "uio3")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "maps", "map0"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "name"), []byte("10400000.mbox-uio\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "maps", "map0", "addr"), []byte("0x10400000\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "maps", "map0", "size"), []byte("0x1000\n"), 0o644))

	dev, err := FindUIO("10400000.mbox-uio")
	require.NoError(t, err)
	assert.Equal(t, "/dev/uio3", dev.Node)
	require.Len(t, dev.Maps, 1)
	assert.Equal(t, uint64(0x10400000), dev.Maps[0].Addr)
	assert.Equal(t, uint64(0x1000), dev.Maps[0].Size)

	_, err = FindUIO("42f01000.mhu-shm")
	assert.ErrorIs(t, err, ErrNoUIODevice)
}
