package rpmsg

import (
	"bytes"
	"encoding/binary"
)

const (
	// HeaderSize is the rpmsg header preceding every payload.
	HeaderSize = 16

	// AddrAny leaves an endpoint address to be assigned or learned.
	AddrAny uint32 = 0xFFFFFFFF
	// NSAddr is the name-service endpoint.
	NSAddr uint32 = 0x35

	// NameSize bounds service names including the terminating NUL.
	NameSize = 32

	nsMsgSize = NameSize + 8
)

// NS announcement flags.
const (
	NSCreate  uint32 = 0
	NSDestroy uint32 = 1
)

// Header is the rpmsg message header.
type Header struct {
	Src   uint32
	Dst   uint32
	Len   uint16
	Flags uint16
}

func (h Header) put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], h.Src)
	binary.LittleEndian.PutUint32(b[4:], h.Dst)
	binary.LittleEndian.PutUint32(b[8:], 0)
	binary.LittleEndian.PutUint16(b[12:], h.Len)
	binary.LittleEndian.PutUint16(b[14:], h.Flags)
}

func parseHeader(b []byte) (Header, bool) {
	if len(b) < HeaderSize {
		return Header{}, false
	}
	h := Header{
		Src:   binary.LittleEndian.Uint32(b[0:]),
		Dst:   binary.LittleEndian.Uint32(b[4:]),
		Len:   binary.LittleEndian.Uint16(b[12:]),
		Flags: binary.LittleEndian.Uint16(b[14:]),
	}
	return h, int(h.Len) <= len(b)-HeaderSize
}

// nsMsg is a name-service announcement.
type nsMsg struct {
	name  string
	addr  uint32
	flags uint32
}

func (m nsMsg) encode() []byte {
	b := make([]byte, nsMsgSize)
	copy(b[:NameSize-1], m.name)
	binary.LittleEndian.PutUint32(b[NameSize:], m.addr)
	binary.LittleEndian.PutUint32(b[NameSize+4:], m.flags)
	return b
}

func decodeNS(b []byte) (nsMsg, bool) {
	if len(b) < nsMsgSize {
		return nsMsg{}, false
	}
	name := b[:NameSize]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return nsMsg{
		name:  string(name),
		addr:  binary.LittleEndian.Uint32(b[NameSize:]),
		flags: binary.LittleEndian.Uint32(b[NameSize+4:]),
	}, true
}
