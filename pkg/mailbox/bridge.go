package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/srediag/plugin-rpmsg/internal/logger"
	"github.com/srediag/plugin-rpmsg/internal/metrics"
	"github.com/srediag/plugin-rpmsg/pkg/shm"
	"github.com/srediag/plugin-rpmsg/pkg/stop"
)

// IRQResult is the outcome of one interrupt.
type IRQResult int

const (
	NotHandled IRQResult = iota
	Handled
)

// Target is the channel a poll delivers its notification pass to.
type Target interface {
	NotifyID() uint32
	GetNotification() error
}

// Config tunes a Bridge.
type Config struct {
	Layout Layout
	// MaxChannels bounds valid sender ids.
	MaxChannels uint32
	Metrics     *metrics.Metrics
	Logger      *logger.Logger
}

var errPending = errors.New("previous doorbell still pending")

// Bridge is the state of one physical mailbox shared by every channel multiplexed on it.
//
// The interrupt task records the sender and sets that channel's gate; a poller test-and-clears
// the gate of its own channel and blocks on the condition variable while it is clear. Stop
// requests and context cancellation broadcast the condition variable.
type Bridge struct {
	cfg      Config
	regs     *shm.IO
	doorbell *shm.IO
	irq      shm.InterruptSource
	flag     *stop.Flag
	metrics  *metrics.Metrics
	log      *logger.Logger

	mu         sync.Mutex
	registered int
	cancelTask context.CancelFunc
	taskDone   chan struct{}

	gates      []atomic.Bool
	lastSender atomic.Uint32
	waitMu     sync.Mutex
	cond       *sync.Cond

	notifyMu sync.Mutex
}

// New returns a disarmed bridge over the mailbox registers and the doorbell shared memory.
func New(regs, doorbell *shm.IO, irq shm.InterruptSource, flag *stop.Flag, cfg Config) *Bridge {
	if cfg.MaxChannels == 0 {
		cfg.MaxChannels = MaxMHUChannels
	}
	b := &Bridge{
		cfg:      cfg,
		regs:     regs,
		doorbell: doorbell,
		irq:      irq,
		flag:     flag,
		metrics:  metrics.OrDiscard(cfg.Metrics),
		log:      cfg.Logger,
		gates:    make([]atomic.Bool, cfg.MaxChannels),
	}
	if b.log == nil {
		b.log = logger.New("mailbox", nil)
	}
	b.cond = sync.NewCond(&b.waitMu)
	flag.OnStop(b.wake)
	return b
}

// Register adds a channel sharing the mailbox. The first registrant arms the interrupt.
func (b *Bridge) Register() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.registered == 0 {
		if err := b.arm(); err != nil {
			return err
		}
	}
	b.registered++
	b.metrics.RegisteredHandle.Set(float64(b.registered))
	return nil
}

// Unregister removes a channel. The last one disarms the interrupt.
func (b *Bridge) Unregister() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.registered == 0 {
		return ErrNotRegistered
	}
	b.registered--
	b.metrics.RegisteredHandle.Set(float64(b.registered))
	if b.registered == 0 {
		return b.disarm()
	}
	return nil
}

// Registered returns the number of channels sharing the mailbox.
func (b *Bridge) Registered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registered
}

// Armed reports whether the interrupt task is running.
func (b *Bridge) Armed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelTask != nil
}

func (b *Bridge) arm() error {
	if err := b.irq.EnableIRQ(); err != nil {
		return fmt.Errorf("enable mailbox interrupt: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancelTask = cancel
	b.taskDone = make(chan struct{})
	go b.serveIRQ(ctx, b.taskDone)
	b.log.Debugf("armed channel %d", b.cfg.Layout.Channel)
	return nil
}

func (b *Bridge) disarm() error {
	b.cancelTask()
	<-b.taskDone
	b.cancelTask = nil
	b.log.Debugf("disarmed channel %d", b.cfg.Layout.Channel)
	return b.irq.DisableIRQ()
}

func (b *Bridge) serveIRQ(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if err := b.irq.WaitIRQ(ctx); err != nil {
			if ctx.Err() == nil {
				b.log.Errorf("wait for mailbox interrupt: %v", err)
			}
			return
		}
		b.HandleIRQ()
		if err := b.irq.EnableIRQ(); err != nil {
			b.log.Errorf("re-enable mailbox interrupt: %v", err)
			return
		}
	}
}

// HandleIRQ services one doorbell. It reads the sender id from the doorbell slot; an id out
// of range is dropped without touching the gates. Otherwise the interrupt is acknowledged and
// the sender's gate is set.
func (b *Bridge) HandleIRQ() IRQResult {
	l := b.cfg.Layout
	id, err := b.doorbell.Read32(l.RemoteSlot())
	if err != nil || id >= b.cfg.MaxChannels {
		b.metrics.SpuriousIRQs.Inc()
		b.log.Warnf("dropped doorbell: sender id %d: %v", id, ErrSpurious)
		return NotHandled
	}
	if err := b.regs.Write32(l.RemoteClear(), 1); err != nil {
		return NotHandled
	}
	b.lastSender.Store(id)
	b.metrics.Doorbells.WithLabelValues("in").Inc()

	b.waitMu.Lock()
	b.gates[id].Store(true)
	b.cond.Broadcast()
	b.waitMu.Unlock()
	return Handled
}

// LastSender returns the notify id of the latest accepted doorbell.
func (b *Bridge) LastSender() uint32 {
	return b.lastSender.Load()
}

// Pending reports whether channel id has an unconsumed doorbell.
func (b *Bridge) Pending(id uint32) bool {
	return id < uint32(len(b.gates)) && b.gates[id].Load()
}

func (b *Bridge) wake() {
	b.waitMu.Lock()
	b.cond.Broadcast()
	b.waitMu.Unlock()
}

// Poll blocks until the target's channel has a doorbell, then runs one notification pass.
// It returns stop.ErrStopped once a stop is requested and ctx.Err() when ctx is done.
func (b *Bridge) Poll(ctx context.Context, t Target) error {
	id := t.NotifyID()
	if id >= uint32(len(b.gates)) {
		return fmt.Errorf("poll channel %d: %w", id, ErrInvalidChannel)
	}
	if b.Registered() == 0 {
		return ErrNotArmed
	}
	release := context.AfterFunc(ctx, b.wake)
	defer release()

	gate := &b.gates[id]
	for {
		if err := b.flag.Err(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if gate.CompareAndSwap(true, false) {
			return t.GetNotification()
		}
		b.waitMu.Lock()
		for !gate.Load() && !b.flag.Requested() && ctx.Err() == nil {
			b.cond.Wait()
		}
		b.waitMu.Unlock()
	}
}

// Notify rings the peer's doorbell on behalf of channel id. It waits for the previous doorbell
// to be acknowledged, bounded by ctx and the stop flag, then publishes id in the doorbell slot
// and raises the interrupt. Concurrent channels are serialized so a sender id is never
// overwritten before the peer read it.
func (b *Bridge) Notify(ctx context.Context, id uint32) error {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()

	ctx, cancel := b.flag.Context(ctx)
	defer cancel()

	l := b.cfg.Layout
	idle := func() error {
		sts, err := b.regs.Read32(l.LocalStatus())
		if err != nil {
			return backoff.Permanent(err)
		}
		if sts != 0 {
			return errPending
		}
		return nil
	}
	if err := backoff.Retry(idle, backoff.WithContext(pendingBackOff(), ctx)); err != nil {
		if b.flag.Requested() {
			return stop.ErrStopped
		}
		return fmt.Errorf("notify channel %d: %w", id, err)
	}
	if err := b.doorbell.Write32(l.LocalSlot(), id); err != nil {
		return err
	}
	if err := b.regs.Write32(l.LocalSet(), 1); err != nil {
		return err
	}
	b.metrics.Doorbells.WithLabelValues("out").Inc()
	return nil
}

func pendingBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Microsecond
	bo.MaxInterval = time.Millisecond
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	return bo
}
