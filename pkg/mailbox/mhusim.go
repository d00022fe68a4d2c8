package mailbox

import (
	"context"
	"sync"
)

// SimMHU models the MHU register file: a write to a SET register latches the block's status
// bit and raises the receiving user's line, a write to CLR drops it. Used as the mailbox
// device when no board is present.
type SimMHU struct {
	mask uint32

	mu    sync.Mutex
	sts   [MaxMHUChannels * 2]uint32
	lines [2]*SimLine
}

// NewSimMHU returns a register model for the given message-channel mask.
func NewSimMHU(mask uint32) *SimMHU {
	return &SimMHU{
		mask:  mask,
		lines: [2]*SimLine{newSimLine(), newSimLine()},
	}
}

// Line returns the interrupt line delivered to user.
func (m *SimMHU) Line(user uint32) *SimLine {
	return m.lines[user&1]
}

// Len implements shm.Mem. The model covers one page.
func (m *SimMHU) Len() int { return 0x1000 }

// Bytes implements shm.Mem. Registers are not byte addressable.
func (m *SimMHU) Bytes() []byte { return nil }

func (m *SimMHU) block(off uint32) (idx int, ok bool) {
	idx = int(off / blockHalf)
	return idx, idx < len(m.sts)
}

// receiver returns the user interrupted through block idx.
func (m *SimMHU) receiver(idx int) uint32 {
	ch := uint32(idx / 2)
	upper := idx%2 == 1
	sender := UserLocal
	if m.mask&(1<<ch) != 0 {
		if upper {
			sender = UserRemote
		}
	} else if !upper {
		sender = UserRemote
	}
	if sender == UserLocal {
		return UserRemote
	}
	return UserLocal
}

// Load32 implements shm.Mem.
func (m *SimMHU) Load32(off uint32) uint32 {
	idx, ok := m.block(off)
	if !ok || off%blockHalf != 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sts[idx]
}

// Store32 implements shm.Mem.
func (m *SimMHU) Store32(off uint32, v uint32) {
	idx, ok := m.block(off)
	if !ok || v == 0 {
		return
	}
	switch off % blockHalf {
	case setOffset:
		m.mu.Lock()
		m.sts[idx] = 1
		line := m.lines[m.receiver(idx)]
		m.mu.Unlock()
		line.raise()
	case clearOffset:
		m.mu.Lock()
		m.sts[idx] = 0
		m.mu.Unlock()
	}
}

// SimLine is an edge-triggered interrupt line that masks itself on delivery, as a UIO
// interrupt does until it is re-enabled.
type SimLine struct {
	mu      sync.Mutex
	enabled bool
	pending bool
	fired   chan struct{}
}

func newSimLine() *SimLine {
	return &SimLine{fired: make(chan struct{}, 1)}
}

func (l *SimLine) raise() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = true
	if l.enabled {
		l.signal()
	}
}

func (l *SimLine) signal() {
	select {
	case l.fired <- struct{}{}:
	default:
	}
}

// WaitIRQ implements shm.InterruptSource.
func (l *SimLine) WaitIRQ(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.fired:
		l.mu.Lock()
		l.pending = false
		l.enabled = false
		l.mu.Unlock()
		return nil
	}
}

// EnableIRQ implements shm.InterruptSource. A raise seen while masked is delivered now.
func (l *SimLine) EnableIRQ() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = true
	if l.pending {
		l.signal()
	}
	return nil
}

// DisableIRQ implements shm.InterruptSource.
func (l *SimLine) DisableIRQ() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = false
	return nil
}

// Enabled reports whether the line is unmasked.
func (l *SimLine) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}
