package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/srediag/plugin-rpmsg/internal/logger"
	"github.com/srediag/plugin-rpmsg/pkg/echo"
	"github.com/srediag/plugin-rpmsg/pkg/remoteproc"
	"github.com/srediag/plugin-rpmsg/pkg/rpmsg"
	"github.com/srediag/plugin-rpmsg/pkg/stop"
)

// MutateFunc rewrites a message before it is echoed.
type MutateFunc func(msg []byte) []byte

// PeerOption configures a Peer.
type PeerOption func(*Peer)

// WithMutate installs fn on every echoed message.
func WithMutate(fn MutateFunc) PeerOption {
	return func(p *Peer) { p.mutate = fn }
}

// WithPeerLogger sets the logger.
func WithPeerLogger(l *logger.Logger) PeerOption {
	return func(p *Peer) { p.log = l }
}

// Peer is the coprocessor firmware: for every channel it serves, it binds the announced
// service and echoes each message until it receives the shutdown message.
type Peer struct {
	platform *remoteproc.Platform
	mutate   MutateFunc
	log      *logger.Logger

	echoed    atomic.Uint64
	shutdowns atomic.Uint64

	mu       sync.Mutex
	sessions map[uint32]*session
}

type session struct {
	ch      uint32
	service string
	dev     *rpmsg.Device
	ep      *rpmsg.Endpoint
	ready   chan struct{}
}

// NewPeer returns firmware running on the remote side of board.
func NewPeer(board *Board, opts ...PeerOption) *Peer {
	p := &Peer{sessions: make(map[uint32]*session)}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = logger.New("peer", nil)
	}
	p.platform = remoteproc.NewPlatform(board.Remote(), board.Bus, stop.New(), remoteproc.Options{Logger: p.log})
	return p
}

// Platform returns the firmware side platform.
func (p *Peer) Platform() *remoteproc.Platform { return p.platform }

// Echoed returns the number of messages echoed on every channel.
func (p *Peer) Echoed() uint64 { return p.echoed.Load() }

// Shutdowns returns the number of shutdown messages received.
func (p *Peer) Shutdowns() uint64 { return p.shutdowns.Load() }

// Ready returns a channel closed once channel ch has its transport up, or nil if ch is not
// being served.
func (p *Peer) Ready(ch uint32) <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[ch]; ok {
		return s.ready
	}
	return nil
}

// Serve runs channel ch until ctx is done: it waits for the initiator to bring the transport
// up, then services doorbells.
func (p *Peer) Serve(ctx context.Context, ch uint32, service string) error {
	s := &session{ch: ch, service: service, ready: make(chan struct{})}
	p.mu.Lock()
	if _, ok := p.sessions[ch]; ok {
		p.mu.Unlock()
		return fmt.Errorf("channel %d already served", ch)
	}
	p.sessions[ch] = s
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.sessions, ch)
		p.mu.Unlock()
	}()

	h, err := p.platform.Init(ctx, ch)
	if err != nil {
		return err
	}
	defer h.Remove()

	log := p.log.With(fmt.Sprintf("ch%d", ch))
	dev, err := rpmsg.CreateVirtioDevice(ctx, h, rpmsg.RoleResponder, rpmsg.Options{
		BufferSize: p.platform.Config().BufferSize,
		Logger:     log,
		NSBind: func(d *rpmsg.Device, name string, dest uint32) {
			p.bind(ctx, s, d, name, dest)
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	s.dev = dev
	close(s.ready)
	defer dev.Release(ctx)

	for {
		err := h.Poll(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil, errors.Is(err, stop.ErrStopped):
			return nil
		default:
			log.Errorf("poll: %v", err)
			return err
		}
	}
}

func (p *Peer) bind(ctx context.Context, s *session, d *rpmsg.Device, name string, dest uint32) {
	if name != s.service {
		p.log.Errorf("unexpected name service %q", name)
		return
	}
	ep, err := d.CreateEndpointContext(ctx, name, rpmsg.AddrAny, dest,
		func(ep *rpmsg.Endpoint, data []byte, _ uint32) int {
			return p.reply(ctx, s, ep, data)
		},
		func(ep *rpmsg.Endpoint) { _ = ep.DestroyContext(ctx) })
	if err != nil {
		p.log.Errorf("create endpoint %q: %v", name, err)
		return
	}
	s.ep = ep
	if err := ep.Announce(ctx); err != nil {
		p.log.Errorf("announce %q: %v", name, err)
	}
}

func (p *Peer) reply(ctx context.Context, s *session, ep *rpmsg.Endpoint, data []byte) int {
	if echo.IsShutdown(data) {
		p.shutdowns.Add(1)
		p.log.Infof("channel %d shut down", s.ch)
		if err := ep.DestroyContext(ctx); err != nil {
			p.log.Warnf("destroy endpoint: %v", err)
		}
		return 0
	}
	msg := data
	if p.mutate != nil {
		msg = p.mutate(append([]byte(nil), data...))
	}
	if _, err := ep.Send(ctx, msg); err != nil {
		p.log.Errorf("echo %d bytes: %v", len(data), err)
		return -1
	}
	p.echoed.Add(1)
	return 0
}
