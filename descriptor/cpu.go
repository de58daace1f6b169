// Package descriptor allocates descriptor handles and assembles descriptor
// tables for shader-visible heaps.
//
// CPUAllocator hands out long-lived, CPU-only descriptors from growable
// pages. HeapPool recycles whole heaps under fence control. Committer copies
// the descriptor tables a recorder wrote into a staging heap to the bound
// shader-visible heap right before each draw or dispatch.
package descriptor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gpusubmit/internal/logging"
	"github.com/gogpu/gpusubmit/native"
)

// ErrClosed is returned by allocators and pools after Close.
var ErrClosed = errors.New("descriptor: closed")

// DefaultPageSize is the number of slots in a CPU descriptor page.
const DefaultPageSize = 256

// CPUConfig configures a CPUAllocator.
type CPUConfig struct {
	// PageSize is the number of slots per page. Zero means DefaultPageSize.
	PageSize uint32
}

type cpuPage struct {
	heap native.DescriptorHeap
	used uint32
}

// CPUAllocator bump-allocates CPU-only descriptors, one page chain per
// descriptor kind. Individual handles are never freed: an exhausted page is
// parked until Close.
//
// CPUAllocator is safe for concurrent use.
type CPUAllocator struct {
	dev      native.Device
	pageSize uint32

	mu       sync.Mutex
	current  [native.DescriptorKindCount]*cpuPage
	finished [native.DescriptorKindCount][]native.DescriptorHeap
	handles  [native.DescriptorKindCount]int
	closed   bool
}

// NewCPUAllocator creates an allocator with no pages.
func NewCPUAllocator(dev native.Device, cfg CPUConfig) *CPUAllocator {
	if cfg.PageSize == 0 {
		cfg.PageSize = DefaultPageSize
	}
	return &CPUAllocator{dev: dev, pageSize: cfg.PageSize}
}

// Allocate returns one descriptor slot of kind.
func (a *CPUAllocator) Allocate(kind native.DescriptorKind) (native.CPUHandle, error) {
	return a.AllocateRange(kind, 1)
}

// AllocateRange returns the first of count contiguous slots of kind. A new
// page is started when the current one cannot hold count more slots; pages
// are max(PageSize, count) slots.
func (a *CPUAllocator) AllocateRange(kind native.DescriptorKind, count uint32) (native.CPUHandle, error) {
	if count == 0 {
		return native.CPUHandle{}, fmt.Errorf("descriptor: empty %v allocation", kind)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return native.CPUHandle{}, ErrClosed
	}

	p := a.current[kind]
	if p == nil || p.heap.Capacity()-p.used < count {
		heap, err := a.dev.CreateDescriptorHeap(kind, max(a.pageSize, count), false)
		if err != nil {
			return native.CPUHandle{}, fmt.Errorf("descriptor: create %v page: %w", kind, err)
		}
		if p != nil {
			a.finished[kind] = append(a.finished[kind], p.heap)
		}
		p = &cpuPage{heap: heap}
		a.current[kind] = p
		logging.L().Debug("descriptor: new CPU page", "kind", kind, "capacity", heap.Capacity())
	}

	h := p.heap.CPUStart().Offset(p.used, a.dev.DescriptorIncrement(kind))
	p.used += count
	a.handles[kind] += int(count)
	return h, nil
}

// CPUStats describes the pages of one descriptor kind.
type CPUStats struct {
	Pages    int
	Finished int
	Handles  int
}

// String returns a human-readable summary.
func (s CPUStats) String() string {
	return fmt.Sprintf("%d handles in %d pages (%d full)", s.Handles, s.Pages, s.Finished)
}

// Stats returns counters for kind.
func (a *CPUAllocator) Stats(kind native.DescriptorKind) CPUStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := CPUStats{Finished: len(a.finished[kind]), Handles: a.handles[kind]}
	s.Pages = s.Finished
	if a.current[kind] != nil {
		s.Pages++
	}
	return s
}

// Close destroys every page. Handles from the allocator become invalid.
func (a *CPUAllocator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	for k := range a.current {
		for _, h := range a.finished[k] {
			h.Destroy()
		}
		a.finished[k] = nil
		if p := a.current[k]; p != nil {
			p.heap.Destroy()
			a.current[k] = nil
		}
	}
}
