// Package descmem emulates descriptor heap memory in host memory.
//
// Backends that have no native descriptor heaps (the simulator and the HAL
// backend) hand out fake CPU and GPU address ranges from a Space and keep
// the written views in per-heap slot arrays. Handles are plain integers, so
// the submission layer computes slot addresses exactly as it would against
// a real device.
package descmem

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gogpu/gpusubmit/native"
)

const (
	cpuBase = 0x0001_0000
	gpuBase = 0x0000_0100_0000_0000

	// guard keeps neighbouring heaps from touching so off-by-one handles
	// fail lookup instead of landing in the next heap.
	guard = 0x1000
)

// Increment returns the byte stride between descriptors of kind.
func Increment(kind native.DescriptorKind) uint32 {
	if kind == native.KindDepthStencil {
		return 8
	}
	return 32
}

// Heap is a range of descriptor slots inside a Space.
type Heap struct {
	space   *Space
	kind    native.DescriptorKind
	visible bool
	cpu     uintptr
	gpu     uint64
	slots   []native.View
	written []bool
}

// Kind returns the descriptor kind.
func (h *Heap) Kind() native.DescriptorKind { return h.kind }

// Capacity returns the number of slots.
func (h *Heap) Capacity() uint32 { return uint32(len(h.slots)) }

// ShaderVisible reports whether the heap has a GPU address range.
func (h *Heap) ShaderVisible() bool { return h.visible }

// CPUStart returns the handle of slot 0.
func (h *Heap) CPUStart() native.CPUHandle { return native.CPUHandle{Ptr: h.cpu} }

// GPUStart returns the GPU handle of slot 0, or zero for CPU-only heaps.
func (h *Heap) GPUStart() native.GPUHandle {
	if !h.visible {
		return native.GPUHandle{}
	}
	return native.GPUHandle{Ptr: h.gpu}
}

// Destroy unregisters the heap. Later lookups of its handles fail.
func (h *Heap) Destroy() { h.space.remove(h) }

// Space is a host-memory descriptor address space. It is safe for
// concurrent use.
type Space struct {
	mu      sync.RWMutex
	heaps   []*Heap // sorted by cpu
	nextCPU uintptr
	nextGPU uint64
}

// NewSpace returns an empty address space.
func NewSpace() *Space {
	return &Space{nextCPU: cpuBase, nextGPU: gpuBase}
}

// NewHeap reserves capacity slots of kind.
func (s *Space) NewHeap(kind native.DescriptorKind, capacity uint32, shaderVisible bool) (*Heap, error) {
	if capacity == 0 {
		return nil, fmt.Errorf("%w: zero capacity", native.ErrInvalidHeap)
	}
	if shaderVisible && !kind.ShaderVisible() {
		return nil, fmt.Errorf("%w: %v heaps cannot be shader-visible", native.ErrInvalidHeap, kind)
	}
	size := uint64(capacity) * uint64(Increment(kind))

	s.mu.Lock()
	defer s.mu.Unlock()
	h := &Heap{
		space:   s,
		kind:    kind,
		visible: shaderVisible,
		cpu:     s.nextCPU,
		slots:   make([]native.View, capacity),
		written: make([]bool, capacity),
	}
	s.nextCPU += uintptr(size + guard)
	if shaderVisible {
		h.gpu = s.nextGPU
		s.nextGPU += size + guard
	}
	s.heaps = append(s.heaps, h)
	return h, nil
}

// Len returns the number of live heaps.
func (s *Space) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.heaps)
}

func (s *Space) remove(h *Heap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, x := range s.heaps {
		if x == h {
			s.heaps = append(s.heaps[:i], s.heaps[i+1:]...)
			return
		}
	}
}

// locate maps a CPU handle to its heap and slot. Callers hold s.mu.
func (s *Space) locate(p uintptr) (*Heap, uint32, bool) {
	i := sort.Search(len(s.heaps), func(i int) bool { return s.heaps[i].cpu > p }) - 1
	if i < 0 {
		return nil, 0, false
	}
	h := s.heaps[i]
	inc := uintptr(Increment(h.kind))
	off := p - h.cpu
	if off%inc != 0 || off/inc >= uintptr(len(h.slots)) {
		return nil, 0, false
	}
	return h, uint32(off / inc), true
}

func (s *Space) locateGPU(p uint64) (*Heap, uint32, bool) {
	for _, h := range s.heaps {
		if !h.visible || p < h.gpu {
			continue
		}
		inc := uint64(Increment(h.kind))
		off := p - h.gpu
		if off%inc == 0 && off/inc < uint64(len(h.slots)) {
			return h, uint32(off / inc), true
		}
	}
	return nil, 0, false
}

// Write stores view at dst.
func (s *Space) Write(dst native.CPUHandle, view native.View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, i, ok := s.locate(dst.Ptr)
	if !ok {
		panic(fmt.Sprintf("BUG: descriptor write to unknown handle %#x", dst.Ptr))
	}
	if k := view.Kind.DescriptorKind(); k != h.kind {
		panic(fmt.Sprintf("BUG: %v view written into %v heap", k, h.kind))
	}
	h.slots[i] = view
	h.written[i] = true
}

// Copy copies count descriptors of kind from src to dst. Ranges may live in
// different heaps but each range must fit inside its own heap.
func (s *Space) Copy(kind native.DescriptorKind, dst, src native.CPUHandle, count uint32) {
	if count == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dh, di, ok := s.locate(dst.Ptr)
	if !ok || dh.kind != kind || di+count > uint32(len(dh.slots)) {
		panic(fmt.Sprintf("BUG: descriptor copy to invalid range %#x+%d", dst.Ptr, count))
	}
	sh, si, ok := s.locate(src.Ptr)
	if !ok || sh.kind != kind || si+count > uint32(len(sh.slots)) {
		panic(fmt.Sprintf("BUG: descriptor copy from invalid range %#x+%d", src.Ptr, count))
	}
	copy(dh.slots[di:di+count], sh.slots[si:si+count])
	copy(dh.written[di:di+count], sh.written[si:si+count])
}

// Read returns the view stored at h. ok is false for unknown or
// never-written slots.
func (s *Space) Read(h native.CPUHandle) (view native.View, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	heap, i, found := s.locate(h.Ptr)
	if !found || !heap.written[i] {
		return native.View{}, false
	}
	return heap.slots[i], true
}

// ReadGPU returns the view visible to shaders at h.
func (s *Space) ReadGPU(h native.GPUHandle) (view native.View, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	heap, i, found := s.locateGPU(h.Ptr)
	if !found || !heap.written[i] {
		return native.View{}, false
	}
	return heap.slots[i], true
}
