package echo

import (
	"encoding/binary"
	"fmt"

	"github.com/valyala/bytebufferpool"

	"github.com/srediag/plugin-rpmsg/pkg/ipcerr"
)

const (
	// PrefixSize is the sequence and size fields ahead of the body.
	PrefixSize = 16
	// Overhead is subtracted from the transport buffer size to bound the body.
	Overhead = 24
	// Fill is the value of every body byte.
	Fill byte = 0xA5
	// ShutdownMessage ends a session.
	ShutdownMessage uint32 = 0xEF56A55A
)

var (
	ErrShortPayload = ipcerr.New(ipcerr.Integrity, "payload shorter than its prefix")
	ErrZeroSize     = ipcerr.New(ipcerr.Integrity, "payload declares an empty body")
	ErrSizeMismatch = ipcerr.New(ipcerr.Integrity, "declared size does not match body")
	ErrCorrupt      = ipcerr.New(ipcerr.Integrity, "body byte corrupted")
	ErrSequenceGap  = ipcerr.New(ipcerr.Integrity, "echo out of sequence")
)

// Payload is one echo message.
type Payload struct {
	Seq  uint64
	Size uint64
	Body []byte
}

// AppendPayload encodes a payload of size fill bytes into buf.
func AppendPayload(buf *bytebufferpool.ByteBuffer, seq uint64, size int) {
	var prefix [PrefixSize]byte
	binary.LittleEndian.PutUint64(prefix[0:], seq)
	binary.LittleEndian.PutUint64(prefix[8:], uint64(size))
	_, _ = buf.Write(prefix[:])
	for i := 0; i < size; i++ {
		_ = buf.WriteByte(Fill)
	}
}

// DecodePayload parses and validates b. Only the first corrupted byte is reported.
func DecodePayload(b []byte) (Payload, error) {
	if len(b) < PrefixSize {
		return Payload{}, fmt.Errorf("%d bytes: %w", len(b), ErrShortPayload)
	}
	p := Payload{
		Seq:  binary.LittleEndian.Uint64(b[0:]),
		Size: binary.LittleEndian.Uint64(b[8:]),
		Body: b[PrefixSize:],
	}
	if p.Size == 0 {
		return p, fmt.Errorf("payload %d: %w", p.Seq, ErrZeroSize)
	}
	if p.Size != uint64(len(p.Body)) {
		return p, fmt.Errorf("payload %d declares %d, carries %d: %w", p.Seq, p.Size, len(p.Body), ErrSizeMismatch)
	}
	for i, c := range p.Body {
		if c != Fill {
			return p, fmt.Errorf("payload %d index %d: %w", p.Seq, i, ErrCorrupt)
		}
	}
	return p, nil
}

// Shutdown returns the shutdown message.
func Shutdown() []byte {
	return binary.LittleEndian.AppendUint32(nil, ShutdownMessage)
}

// IsShutdown reports whether b is the shutdown message.
func IsShutdown(b []byte) bool {
	return len(b) == 4 && binary.LittleEndian.Uint32(b) == ShutdownMessage
}
