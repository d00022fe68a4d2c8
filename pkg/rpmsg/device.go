// Package rpmsg implements the rpmsg ring transport over a remote processor handle: two split
// vrings, a fixed-size buffer pool owned by the initiator and addressed endpoints multiplexed
// on top, with optional name-service announcements.
package rpmsg

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/plugin-rpmsg/internal/logger"
	"github.com/srediag/plugin-rpmsg/internal/metrics"
	"github.com/srediag/plugin-rpmsg/pkg/remoteproc"
	"github.com/srediag/plugin-rpmsg/pkg/shm"
	"github.com/srediag/plugin-rpmsg/pkg/stop"
)

// Role selects which side of the rings a device drives.
type Role int

const (
	// RoleInitiator owns the buffers: it fills the rx ring and recycles tx buffers.
	RoleInitiator Role = iota
	// RoleResponder uses the buffers the initiator published.
	RoleResponder
)

func (r Role) String() string {
	if r == RoleResponder {
		return "responder"
	}
	return "initiator"
}

const (
	DefaultBufferSize  = 512
	DefaultSendTimeout = 15 * time.Second

	bitmapSize = 128

	nsFeature = remoteproc.FeatureNS
)

// NSBindFunc is called for a name-service announcement no local endpoint claimed.
type NSBindFunc func(d *Device, name string, dest uint32)

// Options tunes CreateVirtioDevice.
type Options struct {
	// BufferSize is the size of one shared buffer, header included.
	BufferSize uint32
	// Features are the driver features offered by the initiator.
	Features uint32
	// SendTimeout bounds the wait for a free tx buffer.
	SendTimeout time.Duration
	NSBind      NSBindFunc
	Logger      *logger.Logger
	Metrics     *metrics.Metrics
}

// Device is the virtio transport of one remote processor channel.
type Device struct {
	h        *remoteproc.Handle
	role     Role
	bufSize  uint32
	features uint32
	timeout  time.Duration
	flag     *stop.Flag
	log      *logger.Logger
	metrics  *metrics.Metrics

	nsMu   sync.RWMutex
	nsBind NSBindFunc

	rxMu sync.Mutex
	rvq  *vring

	txMu    sync.Mutex
	svq     *vring
	pool    *shm.BufferPool
	rxBufs  []shm.Buffer
	txBufs  []shm.Buffer
	txFree  []uint16
	svqKick uint32

	endpoints cmap.ConcurrentMap[uint32, *Endpoint]
	// guarded by the platform lock
	bitmap [bitmapSize / 32]uint32
	ns     *Endpoint
}

// CreateVirtioDevice builds the transport of h. The initiator resets both rings, carves the
// shared buffer region into a pool, fills its receive ring and completes the virtio status
// handshake. The responder waits for DRIVER_OK, bounded by ctx and the stop flag, then adopts
// the rings as published.
func CreateVirtioDevice(ctx context.Context, h *remoteproc.Handle, role Role, opts Options) (*Device, error) {
	if h.State() != remoteproc.StateActive {
		return nil, remoteproc.ErrNotActive
	}
	if opts.BufferSize == 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.BufferSize <= HeaderSize {
		return nil, fmt.Errorf("buffer size %d: %w", opts.BufferSize, ErrLenExceedsMax)
	}
	if opts.SendTimeout == 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logger.New(fmt.Sprintf("rpmsg[ch%d]", h.NotifyID()), nil)
	}
	d := &Device{
		h:         h,
		role:      role,
		bufSize:   opts.BufferSize,
		timeout:   opts.SendTimeout,
		flag:      h.Platform().Flag(),
		log:       log,
		metrics:   metrics.OrDiscard(opts.Metrics),
		nsBind:    opts.NSBind,
		endpoints: cmap.NewWithCustomShardingFunction[uint32, *Endpoint](func(addr uint32) uint32 { return addr }),
	}

	var err error
	if role == RoleInitiator {
		err = d.initDriver(opts.Features)
	} else {
		err = d.initDevice(ctx)
	}
	if err != nil {
		return nil, err
	}
	if d.features&nsFeature != 0 {
		ns, err := d.CreateEndpoint("", NSAddr, NSAddr, d.nsCallback, nil)
		if err != nil {
			return nil, err
		}
		d.ns = ns
	}
	h.Attach(d)
	d.log.Infof("%s ready, %d byte buffers, features 0x%x", role, d.bufSize, d.features)
	return d, nil
}

func (d *Device) vrings() (*vring, *vring, error) {
	e := d.h.Entry()
	vq0, err := newVring(d.h, "vq0", e.Vrings[0])
	if err != nil {
		return nil, nil, err
	}
	vq1, err := newVring(d.h, "vq1", e.Vrings[1])
	if err != nil {
		return nil, nil, err
	}
	return vq0, vq1, nil
}

func (d *Device) initDriver(offered uint32) error {
	if err := d.h.SetStatus(0); err != nil {
		return err
	}
	vq0, vq1, err := d.vrings()
	if err != nil {
		return err
	}
	d.rvq, d.svq = vq0, vq1
	d.svqKick = d.h.Entry().Vrings[1].NotifyID
	if err := d.rvq.reset(); err != nil {
		return err
	}
	if err := d.svq.reset(); err != nil {
		return err
	}
	if err := d.h.SetStatus(remoteproc.StatusAcknowledge | remoteproc.StatusDriver); err != nil {
		return err
	}

	shmIO := d.h.Group().Shm.IO()
	d.pool, err = shm.NewBufferPool(shmIO, 0, shmIO.Size(), d.bufSize)
	if err != nil {
		return err
	}
	if _, total := d.pool.Stats(); uint32(total) < d.rvq.num+1 {
		return fmt.Errorf("%d buffers for a %d entry rx ring: %w", total, d.rvq.num, shm.ErrNoBuffer)
	}
	d.rxBufs = make([]shm.Buffer, d.rvq.num)
	for i := range d.rxBufs {
		b, err := d.pool.Alloc()
		if err != nil {
			return err
		}
		d.rxBufs[i] = b
		if err := d.rvq.writeDesc(uint16(i), desc{addr: b.Phys, len: d.bufSize, flags: descFlagWrite}); err != nil {
			return err
		}
		if err := d.rvq.pushAvail(uint16(i)); err != nil {
			return err
		}
	}
	d.txBufs = make([]shm.Buffer, d.svq.num)
	for i := int(d.svq.num) - 1; i >= 0; i-- {
		d.txFree = append(d.txFree, uint16(i))
	}

	d.features = d.h.Entry().DFeatures & offered
	if err := d.h.SetFeatures(d.features); err != nil {
		return err
	}
	return d.h.SetStatus(remoteproc.StatusAcknowledge | remoteproc.StatusDriver |
		remoteproc.StatusFeaturesOK | remoteproc.StatusDriverOK)
}

func (d *Device) initDevice(ctx context.Context) error {
	ctx, cancel := d.flag.Context(ctx)
	defer cancel()
	ready := func() error {
		s, err := d.h.Status()
		if err != nil {
			return backoff.Permanent(err)
		}
		if s&remoteproc.StatusDriverOK == 0 {
			return errors.New("driver not ready")
		}
		return nil
	}
	if err := backoff.Retry(ready, backoff.WithContext(readyBackOff(), ctx)); err != nil {
		if d.flag.Requested() {
			return stop.ErrStopped
		}
		return fmt.Errorf("wait for driver: %w", err)
	}
	e, err := d.h.Reload()
	if err != nil {
		return err
	}
	vq0, vq1, err := d.vrings()
	if err != nil {
		return err
	}
	d.rvq, d.svq = vq1, vq0
	d.svqKick = e.Vrings[0].NotifyID
	d.features = e.GFeatures
	return nil
}

func readyBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Millisecond
	bo.MaxInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = 0
	return bo
}

// Handle returns the remote processor channel under the transport.
func (d *Device) Handle() *remoteproc.Handle { return d.h }

// Role returns the side this device drives.
func (d *Device) Role() Role { return d.role }

// Features returns the negotiated feature bits.
func (d *Device) Features() uint32 { return d.features }

// BufferSize returns the largest payload one message can carry.
func (d *Device) BufferSize() uint32 { return d.bufSize - HeaderSize }

// SetNSBind replaces the name-service bind callback.
func (d *Device) SetNSBind(fn NSBindFunc) {
	d.nsMu.Lock()
	d.nsBind = fn
	d.nsMu.Unlock()
}

// Endpoint returns the endpoint bound to local address addr.
func (d *Device) Endpoint(addr uint32) (*Endpoint, bool) {
	return d.endpoints.Get(addr)
}

// Notified implements remoteproc.Notifiable: it drains the receive ring, dispatching every
// message to the endpoint it is addressed to, and returns the buffers to the peer.
func (d *Device) Notified() error {
	d.rxMu.Lock()
	defer d.rxMu.Unlock()
	for {
		head, data, ok, err := d.nextRx()
		if err != nil || !ok {
			return err
		}
		d.dispatch(data)
		if err := d.releaseRx(head, uint32(len(data))); err != nil {
			return err
		}
	}
}

func (d *Device) nextRx() (uint16, []byte, bool, error) {
	if d.role == RoleInitiator {
		head, n, ok, err := d.rvq.popUsed()
		if err != nil || !ok {
			return 0, nil, ok, err
		}
		b := d.rxBufs[head].Data
		if n > uint32(len(b)) {
			n = uint32(len(b))
		}
		return head, b[:n], true, nil
	}
	for {
		head, dsc, ok, err := d.rvq.popAvail()
		if err != nil || !ok {
			return 0, nil, ok, err
		}
		data, err := d.buffer(dsc.addr, dsc.len)
		if err == nil {
			return head, data, true, nil
		}
		// hand the descriptor back empty so the initiator keeps its buffer
		d.log.Warnf("dropped rx descriptor %d: %v", head, err)
		if err := d.rvq.pushUsed(head, 0); err != nil {
			return 0, nil, false, err
		}
	}
}

func (d *Device) releaseRx(head uint16, n uint32) error {
	if d.role == RoleInitiator {
		return d.rvq.pushAvail(head)
	}
	return d.rvq.pushUsed(head, n)
}

// buffer translates a buffer the initiator published.
func (d *Device) buffer(pa uint64, n uint32) ([]byte, error) {
	io, off, err := d.h.Mmap(pa, n)
	if err != nil {
		return nil, err
	}
	return io.Bytes(off, n)
}

func (d *Device) dispatch(msg []byte) {
	hdr, ok := parseHeader(msg)
	if !ok {
		d.log.Warnf("dropped malformed message of %d bytes", len(msg))
		return
	}
	ep, ok := d.endpoints.Get(hdr.Dst)
	if !ok {
		d.log.Debugf("no endpoint at 0x%x, dropped message from 0x%x", hdr.Dst, hdr.Src)
		return
	}
	d.metrics.Messages.WithLabelValues("rx").Inc()
	cb := ep.receiver(hdr.Src)
	if cb == nil {
		return
	}
	if ret := cb(ep, msg[HeaderSize:HeaderSize+int(hdr.Len)], hdr.Src); ret < 0 {
		d.log.Debugf("endpoint 0x%x rejected message from 0x%x: %d", hdr.Dst, hdr.Src, ret)
	}
}

// txBuffer is a claimed transmit slot.
type txBuffer struct {
	head uint16
	data []byte
	phys uint64
}

// claimTx returns a free transmit buffer, waiting up to the send timeout.
func (d *Device) claimTx(ctx context.Context) (txBuffer, error) {
	var tb txBuffer
	try := func() error {
		var err error
		tb, err = d.tryClaimTx()
		if errors.Is(err, shm.ErrNoBuffer) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	ctx, cancel := d.flag.Context(ctx)
	defer cancel()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Microsecond
	bo.MaxInterval = time.Millisecond
	bo.MaxElapsedTime = d.timeout
	if err := backoff.Retry(try, backoff.WithContext(bo, ctx)); err != nil {
		if d.flag.Requested() {
			return txBuffer{}, stop.ErrStopped
		}
		if errors.Is(err, shm.ErrNoBuffer) {
			return txBuffer{}, fmt.Errorf("%w after %s", ErrNoBufferAvailable, d.timeout)
		}
		return txBuffer{}, err
	}
	return tb, nil
}

func (d *Device) tryClaimTx() (txBuffer, error) {
	d.txMu.Lock()
	defer d.txMu.Unlock()
	if d.role == RoleResponder {
		head, dsc, ok, err := d.svq.popAvail()
		if err != nil {
			return txBuffer{}, err
		}
		if !ok {
			return txBuffer{}, shm.ErrNoBuffer
		}
		data, err := d.buffer(dsc.addr, dsc.len)
		if err != nil {
			return txBuffer{}, errors.Join(err, d.svq.pushUsed(head, 0))
		}
		return txBuffer{head: head, data: data, phys: dsc.addr}, nil
	}
	if err := d.reclaimTx(); err != nil {
		return txBuffer{}, err
	}
	if len(d.txFree) == 0 {
		return txBuffer{}, shm.ErrNoBuffer
	}
	b, err := d.pool.Alloc()
	if err != nil {
		return txBuffer{}, err
	}
	head := d.txFree[len(d.txFree)-1]
	d.txFree = d.txFree[:len(d.txFree)-1]
	d.txBufs[head] = b
	return txBuffer{head: head, data: b.Data, phys: b.Phys}, nil
}

// reclaimTx recycles the buffers the responder consumed. Caller holds txMu.
func (d *Device) reclaimTx() error {
	for {
		head, _, ok, err := d.svq.popUsed()
		if err != nil || !ok {
			return err
		}
		d.pool.Recycle(d.txBufs[head])
		d.txBufs[head] = shm.Buffer{}
		d.txFree = append(d.txFree, head)
	}
}

// abortTx returns a claimed buffer unused.
func (d *Device) abortTx(tb txBuffer) error {
	d.txMu.Lock()
	defer d.txMu.Unlock()
	if d.role == RoleResponder {
		return d.svq.pushUsed(tb.head, 0)
	}
	d.pool.Recycle(d.txBufs[tb.head])
	d.txBufs[tb.head] = shm.Buffer{}
	d.txFree = append(d.txFree, tb.head)
	return nil
}

func (d *Device) commitTx(tb txBuffer, n uint32) error {
	d.txMu.Lock()
	defer d.txMu.Unlock()
	if d.role == RoleResponder {
		return d.svq.pushUsed(tb.head, n)
	}
	if err := d.svq.writeDesc(tb.head, desc{addr: tb.phys, len: n}); err != nil {
		return err
	}
	return d.svq.pushAvail(tb.head)
}

// send frames data from src to dst, publishes it and rings the peer.
func (d *Device) send(ctx context.Context, src, dst uint32, data []byte) (int, error) {
	if uint32(len(data)) > d.BufferSize() {
		return 0, fmt.Errorf("%d bytes, max %d: %w", len(data), d.BufferSize(), ErrLenExceedsMax)
	}
	tb, err := d.claimTx(ctx)
	if err != nil {
		return 0, err
	}
	if uint32(len(tb.data)) < HeaderSize+uint32(len(data)) {
		err := fmt.Errorf("peer buffer of %d bytes: %w", len(tb.data), ErrLenExceedsMax)
		return 0, errors.Join(err, d.abortTx(tb))
	}
	Header{Src: src, Dst: dst, Len: uint16(len(data))}.put(tb.data)
	copy(tb.data[HeaderSize:], data)
	if err := d.commitTx(tb, HeaderSize+uint32(len(data))); err != nil {
		return 0, err
	}
	d.metrics.Messages.WithLabelValues("tx").Inc()
	if err := d.h.Notify(ctx, d.svqKick); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Release destroys every endpoint, detaches the transport and, on the initiator, resets the
// virtio status.
func (d *Device) Release(ctx context.Context) error {
	for _, ep := range d.endpoints.Items() {
		if ep != d.ns {
			_ = ep.DestroyContext(ctx)
		}
	}
	if d.ns != nil {
		_ = d.ns.DestroyContext(ctx)
	}
	d.h.Attach(nil)
	if d.role == RoleInitiator {
		return d.h.SetStatus(0)
	}
	return nil
}
