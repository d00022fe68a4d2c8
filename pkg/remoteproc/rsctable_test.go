package remoteproc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/plugin-rpmsg/pkg/shm"
)

func sampleEntry(ch uint32) Entry {
	return Entry{
		NotifyID:  ch,
		DFeatures: FeatureNS,
		Vrings: [2]Vring{
			{DA: 0x43000000, Align: 0x1000, Num: 8, NotifyID: 0},
			{DA: 0x43002000, Align: 0x1000, Num: 8, NotifyID: 1},
		},
	}
}

func TestEntryRoundTrip(t *testing.T) {
	io := shm.NewIO("42f00000.rsctbl", shm.NewRAM(0x1000), 0x42f00000)
	require.NoError(t, EncodeEntry(io, 1, sampleEntry(1)))

	e, err := DecodeEntry(io, 1)
	require.NoError(t, err)
	assert.Equal(t, sampleEntry(1), e)

	// entry 0 untouched
	_, err = DecodeEntry(io, 0)
	assert.ErrorIs(t, err, ErrResourceTableInvalid)
	assert.Equal(t, uint32(0x1000/EntrySize), Entries(io))
}

func TestStatusByteLeavesVringCount(t *testing.T) {
	io := shm.NewIO("rsc", shm.NewRAM(EntrySize), 0)
	require.NoError(t, EncodeEntry(io, 0, sampleEntry(0)))
	require.NoError(t, WriteStatus(io, 0, StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK))
	s, err := ReadStatus(io, 0)
	require.NoError(t, err)
	assert.Equal(t, uint8(0xF), s)

	require.NoError(t, WriteGFeatures(io, 0, FeatureNS))
	e, err := DecodeEntry(io, 0)
	require.NoError(t, err)
	assert.Equal(t, FeatureNS, e.GFeatures)
	assert.Equal(t, uint8(0xF), e.Status)
}

func TestDecodeRejects(t *testing.T) {
	cases := map[string]func(io *shm.IO){
		"version":   func(io *shm.IO) { _ = io.Write32(offVersion, 2) },
		"type":      func(io *shm.IO) { _ = io.Write32(offType, 7) },
		"virtio id": func(io *shm.IO) { _ = io.Write32(offID, 1) },
		"vrings":    func(io *shm.IO) { _ = io.Write32(offStatus, 1<<8) },
		"num":       func(io *shm.IO) { _ = io.Write32(offVring0+8, 6) },
		"align":     func(io *shm.IO) { _ = io.Write32(offVring0+vringSize+4, 0) },
	}
	for name, corrupt := range cases {
		t.Run(name, func(t *testing.T) {
			io := shm.NewIO("rsc", shm.NewRAM(EntrySize), 0)
			require.NoError(t, EncodeEntry(io, 0, sampleEntry(0)))
			corrupt(io)
			_, err := DecodeEntry(io, 0)
			assert.ErrorIs(t, err, ErrResourceTableInvalid)
		})
	}
}

func TestDecodeOutsideMapping(t *testing.T) {
	io := shm.NewIO("rsc", shm.NewRAM(EntrySize), 0)
	_, err := DecodeEntry(io, 1)
	assert.ErrorIs(t, err, ErrResourceTableInvalid)
	assert.ErrorIs(t, err, shm.ErrOutOfWindow)
}
