package echo_test

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/plugin-rpmsg/internal/metrics"
	"github.com/srediag/plugin-rpmsg/pkg/config"
	"github.com/srediag/plugin-rpmsg/pkg/echo"
	"github.com/srediag/plugin-rpmsg/pkg/loopback"
	"github.com/srediag/plugin-rpmsg/pkg/remoteproc"
	"github.com/srediag/plugin-rpmsg/pkg/rpmsg"
	"github.com/srediag/plugin-rpmsg/pkg/stop"
)

const service = "rpmsg-service-0"

// rig is a simulated board with the initiator platform on one side and, optionally, the echo
// firmware on the other.
type rig struct {
	cfg     config.Platform
	board   *loopback.Board
	peer    *loopback.Peer
	flag    *stop.Flag
	local   *remoteproc.Platform
	metrics *metrics.Metrics
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newRig(t *testing.T, bufSize uint32, opts ...loopback.PeerOption) *rig {
	t.Helper()
	cfg := config.DefaultRZG2L().Platform
	cfg.BufferSize = bufSize
	board, err := loopback.NewBoard(cfg)
	require.NoError(t, err)
	r := &rig{
		cfg:     cfg,
		board:   board,
		peer:    loopback.NewPeer(board, opts...),
		flag:    stop.New(),
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	r.local = remoteproc.NewPlatform(board.Local(), board.Bus, r.flag, remoteproc.Options{Metrics: r.metrics})
	r.ctx, r.cancel = context.WithCancel(context.Background())
	t.Cleanup(func() {
		r.cancel()
		r.wg.Wait()
		_ = board.Close()
	})
	return r
}

func (r *rig) serve(t *testing.T, ch uint32) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		assert.NoError(t, r.peer.Serve(r.ctx, ch, service))
	}()
}

func (r *rig) device(t *testing.T, ch uint32) *rpmsg.Device {
	t.Helper()
	h, err := r.local.Init(r.ctx, ch)
	require.NoError(t, err)
	dev, err := rpmsg.CreateVirtioDevice(r.ctx, h, rpmsg.RoleInitiator, rpmsg.Options{
		BufferSize: r.cfg.BufferSize,
		Features:   remoteproc.FeatureNS,
		Metrics:    r.metrics,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		_ = dev.Release(ctx)
		_ = h.Remove()
	})
	return dev
}

func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	_ = c.Write(m)
	return m.GetCounter().GetValue()
}

func echoConfig(minBody uint32) config.Echo {
	return config.Echo{Service: service, MinBody: minBody}
}

func TestPlan(t *testing.T) {
	r := newRig(t, 488)
	e := echo.NewEngine(r.device(t, 0), echoConfig(1), echo.Options{})
	minBody, maxBody, n := e.Plan()
	assert.Equal(t, 1, minBody)
	assert.Equal(t, 448, maxBody)
	assert.Equal(t, 448, n)

	e = echo.NewEngine(r.device(t, 1), echoConfig(100), echo.Options{})
	_, _, n = e.Plan()
	assert.Equal(t, 4, n)
}

func TestReceiveAcceptsIntactPayloads(t *testing.T) {
	r := newRig(t, rpmsg.DefaultBufferSize)
	e := echo.NewEngine(r.device(t, 0), echoConfig(1), echo.Options{Metrics: r.metrics})
	for size := 1; size <= 64; size++ {
		seq := uint64(size * 3)
		assert.Zero(t, e.Receive(nil, encode(seq, size), 0), "size %d", size)
		assert.Zero(t, e.Errors())
		assert.Equal(t, seq+1, e.Received())
	}
}

func TestReceiveRejectsEmptyBody(t *testing.T) {
	r := newRig(t, rpmsg.DefaultBufferSize)
	e := echo.NewEngine(r.device(t, 0), echoConfig(1), echo.Options{Metrics: r.metrics})
	for i := 1; i <= 5; i++ {
		assert.Negative(t, e.Receive(nil, encode(uint64(i), 0), 0))
		assert.Equal(t, i, e.Errors())
	}
	assert.Zero(t, e.Received())
	assert.Equal(t, 5.0, counterValue(r.metrics.IntegrityErrors.WithLabelValues("0")))
}

func TestReceiveRejectsOneCorruptByte(t *testing.T) {
	r := newRig(t, rpmsg.DefaultBufferSize)
	e := echo.NewEngine(r.device(t, 0), echoConfig(1), echo.Options{})
	const size = 48
	for i := 0; i < size; i++ {
		b := encode(7, size)
		b[echo.PrefixSize+i] ^= 0xFF
		before := e.Errors()
		assert.Negative(t, e.Receive(nil, b, 0), "index %d", i)
		assert.Equal(t, before+1, e.Errors(), "index %d", i)
	}
}

func TestLoopbackRun(t *testing.T) {
	r := newRig(t, 488)
	r.serve(t, 0)
	e := echo.NewEngine(r.device(t, 0), echoConfig(1), echo.Options{Metrics: r.metrics})

	res, err := e.Run(r.ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 448, res.Planned)
	assert.Equal(t, 448, res.Sent)
	assert.Equal(t, uint64(448), res.Received)
	assert.Zero(t, res.Errors)
	assert.NoError(t, res.Err)
	assert.True(t, res.Passed())
	assert.Equal(t, uint64(448), r.peer.Echoed())
	assert.Eventually(t, func() bool { return r.peer.Shutdowns() == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, 448.0, counterValue(r.metrics.EchoIterations.WithLabelValues("0")))
	assert.Equal(t, echo.StateIdle, e.State())
}

func TestCorruptedEchoIsCounted(t *testing.T) {
	r := newRig(t, rpmsg.DefaultBufferSize, loopback.WithMutate(func(msg []byte) []byte {
		if p, err := echo.DecodePayload(msg); err == nil && p.Seq == 2 {
			msg[len(msg)-1] = 0
		}
		return msg
	}))
	r.serve(t, 0)
	e := echo.NewEngine(r.device(t, 0), echoConfig(100), echo.Options{})

	res, err := e.Run(r.ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Sent)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, uint64(4), res.Received)
	assert.False(t, res.Passed())
}

func TestRunCancelledWhileAwaitingBind(t *testing.T) {
	r := newRig(t, rpmsg.DefaultBufferSize)
	cfg := echoConfig(1)
	cfg.Settle = 100 * time.Millisecond
	e := echo.NewEngine(r.device(t, 0), cfg, echo.Options{})

	time.AfterFunc(20*time.Millisecond, r.flag.Request)
	res, err := e.Run(r.ctx)
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Zero(t, res.Sent)
	assert.False(t, res.Passed())
	assert.GreaterOrEqual(t, res.Duration, cfg.Settle)
}

func TestSequenceGapIsCounted(t *testing.T) {
	r := newRig(t, rpmsg.DefaultBufferSize, loopback.WithMutate(func(msg []byte) []byte {
		if p, err := echo.DecodePayload(msg); err == nil && p.Seq == 1 {
			binary.LittleEndian.PutUint64(msg[0:], 2)
		}
		return msg
	}))
	r.serve(t, 0)
	e := echo.NewEngine(r.device(t, 0), echoConfig(100), echo.Options{Metrics: r.metrics})

	res, err := e.Run(r.ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Sent)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, uint64(4), res.Received)
	assert.False(t, res.Passed())
	assert.Equal(t, 1.0, counterValue(r.metrics.IntegrityErrors.WithLabelValues("0")))
}

func TestRunChannels(t *testing.T) {
	r := newRig(t, rpmsg.DefaultBufferSize)
	r.serve(t, 0)
	r.serve(t, 1)
	engines := []*echo.Engine{
		echo.NewEngine(r.device(t, 0), echoConfig(50), echo.Options{}),
		echo.NewEngine(r.device(t, 1), echoConfig(50), echo.Options{}),
	}

	results, err := echo.RunChannels(r.ctx, engines...)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for i, res := range results {
		assert.Equal(t, uint32(i), res.Channel)
		assert.Equal(t, 9, res.Sent)
		assert.True(t, res.Passed(), "channel %d: %+v", i, res)
	}
	assert.Equal(t, uint64(18), r.peer.Echoed())
}
