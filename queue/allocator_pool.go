package queue

import (
	"fmt"
	"sync"

	"github.com/gogpu/gpusubmit/fence"
	"github.com/gogpu/gpusubmit/internal/logging"
	"github.com/gogpu/gpusubmit/native"
)

// AllocatorPool is a fence-gated pool of command allocators of one queue
// type. An allocator is never handed out while a submission that used it
// may still be executing.
//
// AllocatorPool is safe for concurrent use.
type AllocatorPool struct {
	dev native.Device
	typ native.QueueType

	mu        sync.Mutex
	retired   fence.Queue[native.CommandAllocator]
	available []native.CommandAllocator
	all       []native.CommandAllocator
	closed    bool
}

// NewAllocatorPool creates an empty pool.
func NewAllocatorPool(dev native.Device, t native.QueueType) *AllocatorPool {
	return &AllocatorPool{dev: dev, typ: t}
}

// Request moves every retired allocator whose fence is <= completed to the
// available set, then returns one of them, reset and ready for recording.
// A new allocator is created when none is available.
func (p *AllocatorPool) Request(completed fence.Value) (native.CommandAllocator, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	p.retired.DrainUpTo(completed, func(e fence.Entry[native.CommandAllocator]) {
		p.available = append(p.available, e.Item)
	})

	if n := len(p.available); n > 0 {
		a := p.available[n-1]
		p.available[n-1] = nil
		p.available = p.available[:n-1]
		if err := a.Reset(); err != nil {
			// Keep it pooled; it is still owned by the pool.
			p.available = append(p.available, a)
			return nil, fmt.Errorf("queue: reset %v allocator: %w", p.typ, err)
		}
		return a, nil
	}

	a, err := p.dev.CreateCommandAllocator(p.typ)
	if err != nil {
		return nil, fmt.Errorf("queue: create %v allocator: %w", p.typ, err)
	}
	p.all = append(p.all, a)
	logging.L().Debug("queue: allocator pool miss", "queue", p.typ, "total", len(p.all))
	return a, nil
}

// Return hands alloc back to the pool. It becomes reusable once v completes.
func (p *AllocatorPool) Return(alloc native.CommandAllocator, v fence.Value) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.retired.Push(alloc, v)
}

// AllocatorStats describes an allocator pool.
type AllocatorStats struct {
	Created   int
	Available int
	Retired   int
}

// String returns a human-readable summary.
func (s AllocatorStats) String() string {
	return fmt.Sprintf("allocators: %d created, %d available, %d retired", s.Created, s.Available, s.Retired)
}

// Stats returns pool counters.
func (p *AllocatorPool) Stats() AllocatorStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return AllocatorStats{
		Created:   len(p.all),
		Available: len(p.available),
		Retired:   p.retired.Len(),
	}
}

// Close destroys every allocator the pool created, including leased ones.
// The caller must have waited for the GPU to go idle.
func (p *AllocatorPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, a := range p.all {
		a.Destroy()
	}
	p.all = nil
	p.available = nil
	p.retired.DrainAll(nil)
}
