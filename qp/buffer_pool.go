package qp

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rocketbitz/efa-go/efa"
	"github.com/rocketbitz/efa-go/internal/hostmem"
)

// ErrPoolClosed indicates the buffer pool has been closed.
var ErrPoolClosed = errors.New("efa qp: buffer pool closed")

// Registrar registers host memory with a device.
type Registrar interface {
	Register(buf []byte) (efa.MemoryRegion, error)
	Deregister(lkey uint32) error
}

// Buffer is a registered, page-backed staging buffer.
type Buffer struct {
	mem *hostmem.Region
	mr  efa.MemoryRegion
}

// Bytes returns the buffer memory.
func (b *Buffer) Bytes() []byte { return b.mem.Bytes() }

// Region returns the device registration of the buffer.
func (b *Buffer) Region() efa.MemoryRegion { return b.mr }

// Segment returns a descriptor segment covering the first n bytes.
func (b *Buffer) Segment(n int) efa.Segment { return b.mr.Segment(0, n) }

// BufferPool manages reusable registered buffers of a fixed size.
type BufferPool struct {
	reg   Registrar
	size  int
	pages hostmem.PageSizes
	pool  chan *Buffer

	closed atomic.Bool
}

// NewBufferPool constructs a pool of size-byte buffers registered with reg and
// backed by pages. Buffers are provisioned lazily; at most capacity idle
// buffers are retained.
func NewBufferPool(reg Registrar, size, capacity int, pages hostmem.PageSizes) (*BufferPool, error) {
	if reg == nil {
		return nil, errors.New("efa qp: buffer pool requires a registrar")
	}
	if size <= 0 || size > efa.MaxMessageSize {
		return nil, fmt.Errorf("efa qp: buffer size %d outside (0, %d]", size, efa.MaxMessageSize)
	}
	if len(pages) == 0 {
		return nil, errors.New("efa qp: buffer pool requires page sizes")
	}
	if capacity < 0 {
		capacity = 0
	}
	return &BufferPool{
		reg:   reg,
		size:  size,
		pages: pages,
		pool:  make(chan *Buffer, capacity),
	}, nil
}

// Size returns the size of each buffer.
func (p *BufferPool) Size() int {
	return p.size
}

// Acquire returns an idle buffer or provisions a new one. Callers must
// Release the buffer when the device no longer references it.
func (p *BufferPool) Acquire() (*Buffer, error) {
	if p == nil {
		return nil, errors.New("efa qp: nil buffer pool")
	}
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	select {
	case b := <-p.pool:
		return b, nil
	default:
	}
	mem, err := hostmem.Alloc(p.size, p.pages)
	if err != nil {
		return nil, err
	}
	mr, err := p.reg.Register(mem.Bytes())
	if err != nil {
		_ = mem.Close()
		return nil, fmt.Errorf("register buffer: %w", err)
	}
	return &Buffer{mem: mem, mr: mr}, nil
}

// Release returns b to the pool. Buffers released after Close or beyond the
// pool capacity are deregistered and freed.
func (p *BufferPool) Release(b *Buffer) {
	if p == nil || b == nil {
		return
	}
	if p.closed.Load() {
		p.free(b)
		return
	}
	select {
	case p.pool <- b:
	default:
		p.free(b)
	}
}

// Close frees all idle buffers and prevents further acquisitions.
func (p *BufferPool) Close() {
	if p == nil || !p.closed.CompareAndSwap(false, true) {
		return
	}
	for {
		select {
		case b := <-p.pool:
			p.free(b)
		default:
			return
		}
	}
}

func (p *BufferPool) free(b *Buffer) {
	_ = p.reg.Deregister(b.mr.LKey)
	_ = b.mem.Close()
}
