package health_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/plugin-rpmsg/pkg/config"
	"github.com/srediag/plugin-rpmsg/pkg/health"
	"github.com/srediag/plugin-rpmsg/pkg/loopback"
	"github.com/srediag/plugin-rpmsg/pkg/remoteproc"
	"github.com/srediag/plugin-rpmsg/pkg/rpmsg"
	"github.com/srediag/plugin-rpmsg/pkg/stop"
)

const service = "rpmsg-service-0"

func status(t *testing.T, h http.Handler, path string) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code
}

func TestMailboxLiveness(t *testing.T) {
	board, err := loopback.NewBoard(config.DefaultRZG2L().Platform)
	require.NoError(t, err)
	defer board.Close()
	flag := stop.New()
	p := remoteproc.NewPlatform(board.Local(), board.Bus, flag, remoteproc.Options{})

	c := health.New(prometheus.NewRegistry())
	c.WatchPlatform(p)
	assert.Equal(t, http.StatusOK, status(t, c.Handler(), "/live"))

	h, err := p.Init(context.Background(), 0)
	require.NoError(t, err)
	assert.NoError(t, health.MailboxCheck(p)())
	assert.Equal(t, http.StatusOK, status(t, c.Handler(), "/live"))

	require.NoError(t, h.Remove())
	assert.Equal(t, http.StatusOK, status(t, c.Handler(), "/live"))

	flag.Request()
	assert.Equal(t, http.StatusServiceUnavailable, status(t, c.Handler(), "/live"))
}

func TestEndpointReadiness(t *testing.T) {
	board, err := loopback.NewBoard(config.DefaultRZG2L().Platform)
	require.NoError(t, err)
	peer := loopback.NewPeer(board)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, peer.Serve(ctx, 0, service))
	}()

	p := remoteproc.NewPlatform(board.Local(), board.Bus, stop.New(), remoteproc.Options{})
	h, err := p.Init(ctx, 0)
	require.NoError(t, err)
	dev, err := rpmsg.CreateVirtioDevice(ctx, h, rpmsg.RoleInitiator, rpmsg.Options{Features: remoteproc.FeatureNS})
	require.NoError(t, err)
	defer func() {
		short, done := context.WithTimeout(ctx, 200*time.Millisecond)
		_ = dev.Release(short)
		done()
		_ = h.Remove()
		cancel()
		wg.Wait()
		_ = board.Close()
	}()

	var (
		mu sync.Mutex
		ep *rpmsg.Endpoint
	)
	current := func() *rpmsg.Endpoint {
		mu.Lock()
		defer mu.Unlock()
		return ep
	}
	c := health.New(nil)
	c.WatchEndpoint("channel-0", current)
	assert.ErrorIs(t, health.EndpointCheck(current)(), health.ErrNoEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, status(t, c.Handler(), "/ready"))

	created, err := dev.CreateEndpointContext(ctx, service, rpmsg.AddrAny, rpmsg.AddrAny,
		func(*rpmsg.Endpoint, []byte, uint32) int { return 0 }, nil)
	require.NoError(t, err)
	mu.Lock()
	ep = created
	mu.Unlock()
	assert.ErrorIs(t, health.EndpointCheck(current)(), health.ErrUnbound)

	wait, done := context.WithTimeout(ctx, 5*time.Second)
	defer done()
	for !created.Ready() {
		require.NoError(t, h.Poll(wait))
	}
	assert.Equal(t, http.StatusOK, status(t, c.Handler(), "/ready"))
	assert.Equal(t, http.StatusOK, status(t, c.Handler(), "/live"))
}
