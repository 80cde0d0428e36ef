package parallel

import (
	"sync"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

// AllocatorPool hands out arrow allocators to worker goroutines for reuse
// across runs.
type AllocatorPool struct {
	pool     sync.Pool
	active   atomic.Int64
	released atomic.Bool
}

// NewAllocatorPool creates an allocator pool. newAlloc may be nil, in which
// case Go allocators are used.
func NewAllocatorPool(newAlloc func() memory.Allocator) *AllocatorPool {
	if newAlloc == nil {
		newAlloc = func() memory.Allocator { return memory.NewGoAllocator() }
	}
	return &AllocatorPool{
		pool: sync.Pool{
			New: func() any { return newAlloc() },
		},
	}
}

// Get retrieves an allocator. After Close it returns a fresh Go allocator
// that is not tracked.
func (p *AllocatorPool) Get() memory.Allocator {
	if p.released.Load() {
		return memory.NewGoAllocator()
	}
	p.active.Add(1)
	alloc, ok := p.pool.Get().(memory.Allocator)
	if !ok {
		return memory.NewGoAllocator()
	}
	return alloc
}

// Put returns an allocator to the pool.
func (p *AllocatorPool) Put(alloc memory.Allocator) {
	if alloc == nil || p.released.Load() {
		return
	}
	p.active.Add(-1)
	p.pool.Put(alloc)
}

// ActiveCount returns the number of allocators currently in use.
func (p *AllocatorPool) ActiveCount() int64 {
	return p.active.Load()
}

// Close stops tracking allocators.
func (p *AllocatorPool) Close() {
	p.released.Store(true)
}
