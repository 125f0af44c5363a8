// Package bufpool caches fixed-size packet buffers so the send loop does not
// allocate per packet.
//
// Pool is the shared variant: a fixed array of atomically held slots that any
// number of goroutines may use without locks. Local is the single-owner
// variant for worker-local use and carries no synchronization at all.
package bufpool

import (
	"sync/atomic"
)

// Buffer is a reusable byte buffer. Ownership moves pool -> worker -> pool and
// a Buffer must never be used after it has been released.
type Buffer struct {
	B []byte
}

// Allocator is the contract shared by Pool and Local.
type Allocator interface {
	// Acquire always returns a buffer of at least BufferSize bytes.
	Acquire() *Buffer
	// Release hands the buffer back and reports whether it was retained.
	Release(b *Buffer) bool
	BufferSize() int
}

var (
	_ Allocator = (*Pool)(nil)
	_ Allocator = (*Local)(nil)
)

type Pool struct {
	size  int
	slots []atomic.Pointer[Buffer]
	next  atomic.Uint64

	allocs atomic.Uint64
	drops  atomic.Uint64
}

// New returns a shared pool of at most max buffers of bufferSize bytes,
// pre-filled with min(initial, max) buffers.
func New(bufferSize, initial, max int) *Pool {
	if max < 1 {
		max = 1
	}
	if initial > max {
		initial = max
	}
	p := &Pool{
		size:  bufferSize,
		slots: make([]atomic.Pointer[Buffer], max),
	}
	for i := 0; i < initial; i++ {
		p.slots[i].Store(&Buffer{B: make([]byte, bufferSize)})
	}
	return p
}

func (p *Pool) BufferSize() int {
	return p.size
}

// Acquire takes the first occupied slot found starting at a rotating index,
// or allocates a fresh buffer when every slot is empty.
func (p *Pool) Acquire() *Buffer {
	n := uint64(len(p.slots))
	start := p.next.Add(1)
	for i := uint64(0); i < n; i++ {
		slot := &p.slots[(start+i)%n]
		if slot.Load() == nil {
			continue
		}
		if b := slot.Swap(nil); b != nil {
			b.B = b.B[:p.size]
			clear(b.B)
			return b
		}
	}
	p.allocs.Add(1)
	return &Buffer{B: make([]byte, p.size)}
}

// Release stores b in the first empty slot it can claim. Undersized buffers
// and buffers arriving at a full pool are dropped.
func (p *Pool) Release(b *Buffer) bool {
	if b == nil {
		return false
	}
	if cap(b.B) < p.size {
		p.drops.Add(1)
		return false
	}
	for i := range p.slots {
		if p.slots[i].CompareAndSwap(nil, b) {
			return true
		}
	}
	p.drops.Add(1)
	return false
}

// Len counts the buffers currently held by the pool.
func (p *Pool) Len() int {
	var n int
	for i := range p.slots {
		if p.slots[i].Load() != nil {
			n++
		}
	}
	return n
}

// Cap is the maximum number of retained buffers.
func (p *Pool) Cap() int {
	return len(p.slots)
}

// Utilization is the fraction of occupied slots in [0, 1].
func (p *Pool) Utilization() float64 {
	return float64(p.Len()) / float64(len(p.slots))
}

// Allocs is the number of buffers allocated because the pool was empty.
func (p *Pool) Allocs() uint64 {
	return p.allocs.Load()
}

// Drops is the number of released buffers that were discarded.
func (p *Pool) Drops() uint64 {
	return p.drops.Load()
}

// Drain empties every slot, leaving the buffers to the garbage collector.
func (p *Pool) Drain() {
	for i := range p.slots {
		p.slots[i].Store(nil)
	}
}
