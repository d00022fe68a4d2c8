package shm

import (
	"fmt"
	"sync"

	"github.com/Workiva/go-datastructures/queue"
)

// Buffer is one fixed-size slot of a BufferPool.
type Buffer struct {
	Index  int
	Offset uint32
	Phys   uint64
	Data   []byte
}

// BufferPool carves a shared region into fixed-size buffers. Only the side that owns the
// buffer memory builds a pool; the peer sees buffers through the rings.
type BufferPool struct {
	mu      sync.Mutex
	bufSize uint32
	bufs    []Buffer
	used    []bool
	free    *queue.Queue
}

// NewBufferPool carves [base, base+length) of io into buffers of bufSize bytes.
func NewBufferPool(io *IO, base, length, bufSize uint32) (*BufferPool, error) {
	if bufSize == 0 || length < bufSize {
		return nil, fmt.Errorf("buffer pool: %d bytes cannot hold a %d byte buffer", length, bufSize)
	}
	count := length / bufSize
	p := &BufferPool{
		bufSize: bufSize,
		bufs:    make([]Buffer, count),
		used:    make([]bool, count),
		free:    queue.New(int64(count)),
	}
	for i := uint32(0); i < count; i++ {
		off := base + i*bufSize
		data, err := io.Bytes(off, bufSize)
		if err != nil {
			return nil, err
		}
		p.bufs[i] = Buffer{Index: int(i), Offset: off, Phys: io.Phys() + uint64(off), Data: data}
		if err := p.free.Put(int(i)); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Alloc takes a free buffer.
func (p *BufferPool) Alloc() (Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.free.Empty() {
		return Buffer{}, ErrNoBuffer
	}
	items, err := p.free.Get(1)
	if err != nil {
		return Buffer{}, err
	}
	idx := items[0].(int)
	p.used[idx] = true
	return p.bufs[idx], nil
}

// Recycle returns b to the pool. Recycling a free buffer is a no-op.
func (p *BufferPool) Recycle(b Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b.Index < 0 || b.Index >= len(p.bufs) || !p.used[b.Index] {
		return
	}
	p.used[b.Index] = false
	_ = p.free.Put(b.Index)
}

// Lookup returns the buffer starting at physical address pa.
func (p *BufferPool) Lookup(pa uint64) (Buffer, bool) {
	if len(p.bufs) == 0 || pa < p.bufs[0].Phys {
		return Buffer{}, false
	}
	delta := pa - p.bufs[0].Phys
	if delta%uint64(p.bufSize) != 0 || delta/uint64(p.bufSize) >= uint64(len(p.bufs)) {
		return Buffer{}, false
	}
	return p.bufs[delta/uint64(p.bufSize)], true
}

// BufferSize returns the slot size.
func (p *BufferPool) BufferSize() uint32 { return p.bufSize }

// Stats returns the number of free and total buffers.
func (p *BufferPool) Stats() (free, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.free.Len()), len(p.bufs)
}
