package rpmsg

import (
	"context"
	"fmt"
	"math/bits"
	"sync"
)

// RecvFunc receives one message. data is only valid during the call. A negative return
// rejects the message.
type RecvFunc func(ep *Endpoint, data []byte, src uint32) int

// UnbindFunc is called when the peer destroys the endpoint it was bound to.
type UnbindFunc func(ep *Endpoint)

// Endpoint is an addressed communication point on a Device.
type Endpoint struct {
	d *Device

	mu         sync.Mutex
	name       string
	addr       uint32
	dest       uint32
	recv       RecvFunc
	unbind     UnbindFunc
	registered bool
}

// CreateEndpoint registers an endpoint at local address addr, or at the first free address when
// addr is AddrAny. An endpoint created with an unknown destination is announced to the peer
// when name service was negotiated.
func (d *Device) CreateEndpoint(name string, addr, dest uint32, recv RecvFunc, unbind UnbindFunc) (*Endpoint, error) {
	return d.CreateEndpointContext(context.Background(), name, addr, dest, recv, unbind)
}

// CreateEndpointContext is CreateEndpoint bounding the announcement by ctx.
func (d *Device) CreateEndpointContext(ctx context.Context, name string, addr, dest uint32, recv RecvFunc, unbind UnbindFunc) (*Endpoint, error) {
	if len(name) > NameSize-1 {
		return nil, fmt.Errorf("%q: %w", name, ErrNameTooLong)
	}
	p := d.h.Platform()
	p.Lock()
	addr, err := d.reserveAddr(addr)
	if err != nil {
		p.Unlock()
		return nil, err
	}
	ep := &Endpoint{d: d, name: name, addr: addr, dest: dest, recv: recv, unbind: unbind, registered: true}
	d.endpoints.Set(addr, ep)
	p.Unlock()

	d.log.Debugf("endpoint %q at 0x%x, dest 0x%x", name, addr, dest)
	if name != "" && dest == AddrAny {
		if err := ep.Announce(ctx); err != nil {
			_ = ep.destroy(ctx, false)
			return nil, err
		}
	}
	return ep, nil
}

// reserveAddr claims addr in the address bitmap. Caller holds the platform lock.
func (d *Device) reserveAddr(addr uint32) (uint32, error) {
	if addr == AddrAny {
		for i, w := range d.bitmap {
			if w != ^uint32(0) {
				bit := uint32(bits.TrailingZeros32(^w))
				d.bitmap[i] |= 1 << bit
				return uint32(i)*32 + bit, nil
			}
		}
		return 0, ErrNoFreeSlot
	}
	if addr < bitmapSize {
		if d.bitmap[addr/32]&(1<<(addr%32)) != 0 {
			return 0, fmt.Errorf("address 0x%x: %w", addr, ErrNoFreeSlot)
		}
		d.bitmap[addr/32] |= 1 << (addr % 32)
		return addr, nil
	}
	if d.endpoints.Has(addr) {
		return 0, fmt.Errorf("address 0x%x: %w", addr, ErrNoFreeSlot)
	}
	return addr, nil
}

func (d *Device) releaseAddr(addr uint32) {
	if addr < bitmapSize {
		d.bitmap[addr/32] &^= 1 << (addr % 32)
	}
}

// Name returns the service name, empty once destroyed.
func (ep *Endpoint) Name() string {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.name
}

// Addr returns the local address.
func (ep *Endpoint) Addr() uint32 {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.addr
}

// Dest returns the remote address, AddrAny until bound.
func (ep *Endpoint) Dest() uint32 {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.dest
}

// Ready reports whether the endpoint knows its peer.
func (ep *Endpoint) Ready() bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.registered && ep.dest != AddrAny
}

// Device returns the transport the endpoint lives on.
func (ep *Endpoint) Device() *Device { return ep.d }

// Bind sets the destination address.
func (ep *Endpoint) Bind(dest uint32) {
	ep.mu.Lock()
	ep.dest = dest
	ep.mu.Unlock()
}

// receiver returns the callback for a message from src, learning src as the destination of an
// unbound endpoint.
func (ep *Endpoint) receiver(src uint32) RecvFunc {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if !ep.registered {
		return nil
	}
	if ep.dest == AddrAny {
		ep.dest = src
	}
	return ep.recv
}

// Send sends data to the bound destination.
func (ep *Endpoint) Send(ctx context.Context, data []byte) (int, error) {
	ep.mu.Lock()
	src, dst, ok := ep.addr, ep.dest, ep.registered
	ep.mu.Unlock()
	if !ok {
		return 0, ErrDestroyed
	}
	if dst == AddrAny {
		return 0, ErrNotBound
	}
	return ep.d.send(ctx, src, dst, data)
}

// SendTo sends data to dst.
func (ep *Endpoint) SendTo(ctx context.Context, dst uint32, data []byte) (int, error) {
	ep.mu.Lock()
	src, ok := ep.addr, ep.registered
	ep.mu.Unlock()
	if !ok {
		return 0, ErrDestroyed
	}
	return ep.d.send(ctx, src, dst, data)
}

// Announce advertises the endpoint on the peer's name service.
func (ep *Endpoint) Announce(ctx context.Context) error {
	return ep.announce(ctx, NSCreate)
}

func (ep *Endpoint) announce(ctx context.Context, flags uint32) error {
	if ep.d.features&nsFeature == 0 {
		return nil
	}
	ep.mu.Lock()
	msg := nsMsg{name: ep.name, addr: ep.addr, flags: flags}
	ep.mu.Unlock()
	_, err := ep.d.send(ctx, msg.addr, NSAddr, msg.encode())
	return err
}

// Destroy unregisters the endpoint, tells the peer and resets every field so the slot can be
// reused. Destroying a destroyed endpoint only resets it again.
func (ep *Endpoint) Destroy() error {
	return ep.destroy(context.Background(), true)
}

// DestroyContext is Destroy bounding the announcement by ctx.
func (ep *Endpoint) DestroyContext(ctx context.Context) error {
	return ep.destroy(ctx, true)
}

func (ep *Endpoint) destroy(ctx context.Context, announce bool) error {
	d := ep.d
	p := d.h.Platform()
	p.Lock()
	ep.mu.Lock()
	wasRegistered := ep.registered
	msg := nsMsg{name: ep.name, addr: ep.addr, flags: NSDestroy}
	if wasRegistered {
		d.endpoints.Remove(ep.addr)
		d.releaseAddr(ep.addr)
	}
	ep.name, ep.addr, ep.dest = "", 0, 0
	ep.recv, ep.unbind = nil, nil
	ep.registered = false
	ep.mu.Unlock()
	p.Unlock()

	if !wasRegistered || !announce || msg.name == "" || d.features&nsFeature == 0 {
		return nil
	}
	_, err := d.send(ctx, msg.addr, NSAddr, msg.encode())
	return err
}

// nsCallback handles name-service announcements from the peer.
func (d *Device) nsCallback(_ *Endpoint, data []byte, _ uint32) int {
	msg, ok := decodeNS(data)
	if !ok {
		d.log.Warnf("malformed name service message of %d bytes", len(data))
		return -1
	}
	switch msg.flags {
	case NSCreate:
		if ep := d.lookup(msg.name, AddrAny); ep != nil {
			ep.Bind(msg.addr)
			d.log.Debugf("bound %q to 0x%x", msg.name, msg.addr)
			return 0
		}
		d.nsMu.RLock()
		bind := d.nsBind
		d.nsMu.RUnlock()
		if bind != nil {
			bind(d, msg.name, msg.addr)
		}
	case NSDestroy:
		ep := d.lookup(msg.name, msg.addr)
		if ep == nil {
			return 0
		}
		ep.mu.Lock()
		unbind := ep.unbind
		ep.dest = AddrAny
		ep.mu.Unlock()
		if unbind != nil {
			unbind(ep)
		} else {
			_ = ep.Destroy()
		}
	}
	return 0
}

// lookup finds the named endpoint bound to dest.
func (d *Device) lookup(name string, dest uint32) *Endpoint {
	for t := range d.endpoints.IterBuffered() {
		ep := t.Val
		ep.mu.Lock()
		match := ep.registered && ep.name == name && ep.dest == dest
		ep.mu.Unlock()
		if match {
			return ep
		}
	}
	return nil
}
