package mailbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLayoutMessageChannel(t *testing.T) {
	l := Layout{Channel: 0, User: UserLocal, MessageMask: DefaultMessageMask}
	assert.Equal(t, uint32(0x00), l.LocalStatus())
	assert.Equal(t, uint32(0x04), l.LocalSet())
	assert.Equal(t, uint32(0x10), l.RemoteStatus())
	assert.Equal(t, uint32(0x18), l.RemoteClear())
	assert.Equal(t, uint32(0x04), l.LocalSlot())
	assert.Equal(t, uint32(0x00), l.RemoteSlot())

	p := l.Peer()
	assert.Equal(t, l.RemoteStatus(), p.LocalStatus())
	assert.Equal(t, l.LocalStatus(), p.RemoteStatus())
	assert.Equal(t, l.LocalSlot(), p.RemoteSlot())
	assert.Equal(t, uint32(0x08), p.RemoteClear())
}

func TestLayoutResponseChannel(t *testing.T) {
	l := Layout{Channel: 3, User: UserLocal, MessageMask: DefaultMessageMask}
	assert.Equal(t, uint32(3*0x20+0x10), l.LocalStatus())
	assert.Equal(t, uint32(3*0x20), l.RemoteStatus())
	assert.Equal(t, uint32(3*0x20+0x8), l.RemoteClear())
	assert.Equal(t, uint32(0x18), l.LocalSlot())
	assert.Equal(t, uint32(0x18+0x4), l.RemoteSlot())
	assert.Equal(t, l.LocalSlot(), l.Peer().RemoteSlot())
}

func TestLayoutStaysInWindow(t *testing.T) {
	for ch := uint32(0); ch < MaxMHUChannels; ch++ {
		for _, user := range []uint32{UserLocal, UserRemote} {
			l := Layout{Channel: ch, User: user, MessageMask: DefaultMessageMask}
			assert.Less(t, l.RemoteClear()+4, uint32(RegisterWindowEnd))
			assert.Less(t, l.LocalSet()+4, uint32(RegisterWindowEnd))
		}
	}
}
