package descriptor

import (
	"fmt"
	"sync"

	"github.com/gogpu/gpusubmit/fence"
	"github.com/gogpu/gpusubmit/internal/logging"
	"github.com/gogpu/gpusubmit/native"
)

// HeapPool recycles descriptor heaps of one kind. Returned heaps become
// available again once their fence completes; heaps returned with the zero
// fence are available immediately.
//
// Staging pools hold CPU-only heaps that the GPU never reads, so their heaps
// always come back with the zero fence. GPU pools hold shader-visible heaps.
//
// HeapPool is safe for concurrent use.
type HeapPool struct {
	dev         native.Device
	kind        native.DescriptorKind
	visible     bool
	minCapacity uint32

	mu        sync.Mutex
	retired   [native.QueueTypeCount]fence.Queue[native.DescriptorHeap]
	available []native.DescriptorHeap
	all       []native.DescriptorHeap
	closed    bool
}

// NewHeapPool creates an empty pool. New heaps hold at least minCapacity
// descriptors.
func NewHeapPool(dev native.Device, kind native.DescriptorKind, shaderVisible bool, minCapacity uint32) *HeapPool {
	return &HeapPool{dev: dev, kind: kind, visible: shaderVisible, minCapacity: minCapacity}
}

// Kind returns the descriptor kind of the pooled heaps.
func (p *HeapPool) Kind() native.DescriptorKind { return p.kind }

// Request returns a heap with room for capacity descriptors. tr decides
// which retired heaps are safe to reuse. The smallest fitting heap is
// chosen; a new one is created on a miss.
func (p *HeapPool) Request(capacity uint32, tr fence.Tracker) (native.DescriptorHeap, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	for t := range p.retired {
		p.retired[t].DrainComplete(tr, func(e fence.Entry[native.DescriptorHeap]) {
			p.available = append(p.available, e.Item)
		})
	}

	best := -1
	for i, h := range p.available {
		if h.Capacity() >= capacity && (best < 0 || h.Capacity() < p.available[best].Capacity()) {
			best = i
		}
	}
	if best >= 0 {
		h := p.available[best]
		last := len(p.available) - 1
		p.available[best] = p.available[last]
		p.available[last] = nil
		p.available = p.available[:last]
		return h, nil
	}

	size := max(capacity, p.minCapacity, 1)
	h, err := p.dev.CreateDescriptorHeap(p.kind, size, p.visible)
	if err != nil {
		return nil, fmt.Errorf("descriptor: create %v heap (%d slots): %w", p.kind, size, err)
	}
	p.all = append(p.all, h)
	logging.L().Debug("descriptor: heap pool miss", "kind", p.kind, "visible", p.visible,
		"capacity", size, "total", len(p.all))
	return h, nil
}

// Return hands h back to the pool; it is reused once v completes.
func (p *HeapPool) Return(h native.DescriptorHeap, v fence.Value) {
	if h == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if v.IsZero() {
		p.available = append(p.available, h)
		return
	}
	t, ok := v.QueueType()
	if !ok {
		panic(fmt.Sprintf("BUG: descriptor: heap returned with untagged fence %v", v))
	}
	p.retired[t].Push(h, v)
}

// PoolStats describes a heap pool.
type PoolStats struct {
	Heaps     int
	Available int
	Retired   int
	Slots     uint64
}

// String returns a human-readable summary.
func (s PoolStats) String() string {
	return fmt.Sprintf("%d heaps (%d available, %d retired), %d slots", s.Heaps, s.Available, s.Retired, s.Slots)
}

// Stats returns pool counters.
func (p *HeapPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := PoolStats{Heaps: len(p.all), Available: len(p.available)}
	for t := range p.retired {
		s.Retired += p.retired[t].Len()
	}
	for _, h := range p.all {
		s.Slots += uint64(h.Capacity())
	}
	return s
}

// Close destroys every heap the pool created, leased or not.
func (p *HeapPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, h := range p.all {
		h.Destroy()
	}
	p.all, p.available = nil, nil
	for t := range p.retired {
		p.retired[t].DrainAll(nil)
	}
}
