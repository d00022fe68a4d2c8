package echo_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/bytebufferpool"

	"github.com/srediag/plugin-rpmsg/pkg/echo"
	"github.com/srediag/plugin-rpmsg/pkg/ipcerr"
)

func encode(seq uint64, size int) []byte {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	echo.AppendPayload(buf, seq, size)
	return append([]byte(nil), buf.B...)
}

func TestPayloadRoundTrip(t *testing.T) {
	b := encode(41, 7)
	require.Len(t, b, echo.PrefixSize+7)
	p, err := echo.DecodePayload(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(41), p.Seq)
	assert.Equal(t, uint64(7), p.Size)
	assert.Equal(t, []byte{0xA5, 0xA5, 0xA5, 0xA5, 0xA5, 0xA5, 0xA5}, p.Body)
}

func TestDecodeRejects(t *testing.T) {
	_, err := echo.DecodePayload(make([]byte, echo.PrefixSize-1))
	assert.ErrorIs(t, err, echo.ErrShortPayload)

	_, err = echo.DecodePayload(encode(0, 0))
	assert.ErrorIs(t, err, echo.ErrZeroSize)

	b := encode(3, 8)
	_, err = echo.DecodePayload(b[:len(b)-1])
	assert.ErrorIs(t, err, echo.ErrSizeMismatch)

	for i := echo.PrefixSize; i < len(b); i++ {
		c := append([]byte(nil), b...)
		c[i] = 0
		_, err := echo.DecodePayload(c)
		assert.ErrorIs(t, err, echo.ErrCorrupt, "index %d", i)
		assert.True(t, ipcerr.Is(err, ipcerr.Integrity))
	}
}

func TestShutdownMessage(t *testing.T) {
	assert.Equal(t, []byte{0x5A, 0xA5, 0x56, 0xEF}, echo.Shutdown())
	assert.True(t, echo.IsShutdown(echo.Shutdown()))
	assert.False(t, echo.IsShutdown(encode(0, 4)[:4]))
	assert.False(t, echo.IsShutdown(append(echo.Shutdown(), 0)))
}
