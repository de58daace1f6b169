package upload

import (
	"fmt"

	"github.com/gogpu/gpusubmit/fence"
	"github.com/gogpu/gpusubmit/internal/ring"
	"github.com/gogpu/gpusubmit/native"
)

// Region is a suballocation of an upload buffer. It stays valid until the
// buffer is returned to its pool.
type Region struct {
	Buffer     native.UploadBuffer
	Bytes      []byte
	GPUAddress uint64
	Offset     uint64
}

// RingAllocator linearly suballocates the upload buffer currently mapped by
// one recorder. Buffers that fill up are preserved until CleanUp hands them
// back to the pool tagged with the fence of the submission that reads them.
//
// A RingAllocator is owned by one recorder and is not safe for concurrent use.
type RingAllocator struct {
	pool *BufferPool

	current   native.UploadBuffer
	mem       []byte
	cursor    ring.Allocator
	preserved []native.UploadBuffer

	allocated uint64
}

// NewRingAllocator returns an allocator drawing buffers from pool.
func NewRingAllocator(pool *BufferPool) *RingAllocator {
	return &RingAllocator{pool: pool}
}

// RequestResource maps a pooled buffer of at least minimumSize bytes and
// resets the cursor to it. A still-mapped current buffer is preserved first.
func (r *RingAllocator) RequestResource(minimumSize uint64, tr fence.Tracker) error {
	if r.current != nil {
		r.PreserveCurrentResource()
	}
	b, err := r.pool.Request(minimumSize, tr)
	if err != nil {
		return err
	}
	mem, err := b.Map()
	if err != nil {
		r.pool.Return(b, 0)
		return fmt.Errorf("upload: map buffer: %w", err)
	}
	r.current = b
	r.mem = mem
	r.cursor.Reset(uint64(len(mem)))
	return nil
}

// TryAllocate carves size bytes aligned to align out of the current buffer.
func (r *RingAllocator) TryAllocate(size, align uint64) (Region, bool) {
	if r.current == nil {
		return Region{}, false
	}
	off, ok := r.cursor.TryAllocateAligned(size, align)
	if !ok {
		return Region{}, false
	}
	r.allocated += size
	return Region{
		Buffer:     r.current,
		Bytes:      r.mem[off : off+size : off+size],
		GPUAddress: r.current.GPUAddress() + off,
		Offset:     off,
	}, true
}

// PreserveCurrentResource unmaps the current buffer and keeps it until
// CleanUp. Regions already handed out stay valid for the GPU.
func (r *RingAllocator) PreserveCurrentResource() {
	if r.current == nil {
		return
	}
	r.current.Unmap()
	r.preserved = append(r.preserved, r.current)
	r.current = nil
	r.mem = nil
	r.cursor.Reset(0)
}

// Allocate is TryAllocate with the refill protocol: on failure the current
// buffer is preserved and a buffer of at least size bytes is requested, from
// which the allocation cannot fail.
func (r *RingAllocator) Allocate(size, align uint64, tr fence.Tracker) (Region, error) {
	if reg, ok := r.TryAllocate(size, align); ok {
		return reg, nil
	}
	r.PreserveCurrentResource()
	if err := r.RequestResource(size, tr); err != nil {
		return Region{}, err
	}
	reg, ok := r.TryAllocate(size, align)
	if !ok {
		panic(fmt.Sprintf("BUG: upload: %d byte allocation failed in a fresh %d byte buffer", size, r.cursor.Capacity()))
	}
	return reg, nil
}

// CleanUp preserves the current buffer and returns every preserved buffer
// to the pool tagged with v. Pass the fence of the submission that reads
// the uploads, or zero if nothing was submitted.
func (r *RingAllocator) CleanUp(v fence.Value) {
	r.PreserveCurrentResource()
	for _, b := range r.preserved {
		r.pool.Return(b, v)
	}
	clear(r.preserved)
	r.preserved = r.preserved[:0]
}

// Remaining returns the free bytes of the current buffer.
func (r *RingAllocator) Remaining() uint64 { return r.cursor.Remaining() }

// Preserved returns the number of buffers waiting for CleanUp.
func (r *RingAllocator) Preserved() int { return len(r.preserved) }

// Allocated returns the bytes handed out since the allocator was created.
func (r *RingAllocator) Allocated() uint64 { return r.allocated }
