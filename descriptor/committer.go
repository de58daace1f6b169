package descriptor

import (
	"errors"
	"fmt"

	"github.com/gogpu/gpusubmit/fence"
	"github.com/gogpu/gpusubmit/internal/logging"
	"github.com/gogpu/gpusubmit/internal/ring"
	"github.com/gogpu/gpusubmit/layout"
	"github.com/gogpu/gpusubmit/native"
)

// ErrNoSignature is returned by Committer operations that need a signature.
var ErrNoSignature = errors.New("descriptor: no signature set")

// BindPoint selects the pipeline root tables are bound to.
type BindPoint uint8

const (
	BindGraphics BindPoint = iota
	BindCompute
)

// CommitStats counts committer activity.
type CommitStats struct {
	// NoOps counts commits with nothing dirty.
	NoOps int
	// Appends counts commits served from the current heap generation.
	Appends int
	// Rotations counts commits that needed a fresh heap, including the
	// first bind.
	Rotations int
	// Copied counts descriptors copied from staging to GPU heaps.
	Copied int
}

// Committer assembles the descriptor tables of one kind for one recorder.
//
// The recorder writes descriptors into a CPU-only staging heap laid out per
// the signature. Before a draw or dispatch, Reserve copies the tables that
// changed into the bound shader-visible heap, which is append-only within a
// generation, and Flush binds their GPU addresses. When the heap is full a
// new generation starts and every table is copied and bound again.
//
// A Committer is owned by one recorder and is not safe for concurrent use.
type Committer struct {
	dev     native.Device
	kind    native.DescriptorKind
	inc     uint32
	staging *HeapPool
	gpu     *HeapPool

	sig         *layout.Signature
	tables      []layout.Table
	footprint   uint32
	stagingHeap native.DescriptorHeap

	gpuHeap native.DescriptorHeap
	cursor  ring.Allocator
	// retired holds earlier generations until the recorder is submitted.
	retired []native.DescriptorHeap

	dirty      []bool
	dirtyCount uint32
	bound      []native.GPUHandle
	pending    []int

	stats CommitStats
}

// NewCommitter returns a committer for kind that takes staging heaps from
// staging and shader-visible heaps from gpu.
func NewCommitter(dev native.Device, staging, gpu *HeapPool) *Committer {
	if staging.Kind() != gpu.Kind() {
		panic("BUG: descriptor: committer pools of different kinds")
	}
	return &Committer{
		dev:     dev,
		kind:    gpu.Kind(),
		inc:     dev.DescriptorIncrement(gpu.Kind()),
		staging: staging,
		gpu:     gpu,
	}
}

// Kind returns the descriptor kind handled by c.
func (c *Committer) Kind() native.DescriptorKind { return c.kind }

// Signature returns the current signature.
func (c *Committer) Signature() *layout.Signature { return c.sig }

// InitializeSignature switches to sig with a fresh staging heap.
func (c *Committer) InitializeSignature(sig *layout.Signature) error {
	c.staging.Return(c.stagingHeap, 0)
	c.stagingHeap = nil
	return c.setSignature(sig)
}

// SwapSignature switches to sig and keeps the current staging heap when it
// is large enough, so descriptors at unchanged offsets survive the switch.
func (c *Committer) SwapSignature(sig *layout.Signature) error {
	if c.stagingHeap != nil && sig != nil && c.stagingHeap.Capacity() >= sig.Footprint(c.kind) {
		return c.bind(sig)
	}
	return c.InitializeSignature(sig)
}

func (c *Committer) setSignature(sig *layout.Signature) error {
	if sig != nil && sig.Footprint(c.kind) > 0 {
		h, err := c.staging.Request(sig.Footprint(c.kind), fence.Completed)
		if err != nil {
			return err
		}
		c.stagingHeap = h
	}
	return c.bind(sig)
}

// bind resets the per-table bookkeeping for sig. Root tables are unbound
// by a signature change, so every table starts dirty.
func (c *Committer) bind(sig *layout.Signature) error {
	c.sig = sig
	c.tables, c.footprint = nil, 0
	if sig != nil {
		c.tables = sig.Tables(c.kind)
		c.footprint = sig.Footprint(c.kind)
	}
	c.dirty = resize(c.dirty, len(c.tables))
	c.bound = resize(c.bound, len(c.tables))
	c.pending = c.pending[:0]
	c.markAllDirty()
	return nil
}

func resize[T any](s []T, n int) []T {
	if cap(s) < n {
		return make([]T, n)
	}
	s = s[:n]
	clear(s)
	return s
}

func (c *Committer) markAllDirty() {
	c.dirtyCount = 0
	for i, t := range c.tables {
		c.dirty[i] = true
		c.dirtyCount += t.Count
	}
}

func (c *Committer) tableIndex(parameter uint32) int {
	for i, t := range c.tables {
		if t.Parameter == parameter {
			return i
		}
	}
	return -1
}

// TryGetResourceDescriptor returns the staging slot for descriptor offset
// of the table at root parameter and marks the table dirty. It reports
// false when the parameter is not a table of this kind or offset is out of
// range.
func (c *Committer) TryGetResourceDescriptor(parameter, offset uint32) (native.CPUHandle, bool) {
	i := c.tableIndex(parameter)
	if i < 0 || offset >= c.tables[i].Count {
		return native.CPUHandle{}, false
	}
	if !c.dirty[i] {
		c.dirty[i] = true
		c.dirtyCount += c.tables[i].Count
	}
	return c.stagingHeap.CPUStart().Offset(c.tables[i].Offset+offset, c.inc), true
}

// DirtyCount returns the number of descriptors the next commit copies.
func (c *Committer) DirtyCount() uint32 { return c.dirtyCount }

// Heap returns the bound shader-visible heap, or nil.
func (c *Committer) Heap() native.DescriptorHeap { return c.gpuHeap }

// BoundTable returns the GPU address last bound for parameter.
func (c *Committer) BoundTable(parameter uint32) (native.GPUHandle, bool) {
	i := c.tableIndex(parameter)
	if i < 0 || c.bound[i].IsNil() {
		return native.GPUHandle{}, false
	}
	return c.bound[i], true
}

// Reserve copies dirty tables into the shader-visible heap.
//
// Nothing dirty is a no-op. Otherwise the dirty total is appended to the
// current heap generation; if there is no heap or it is full, a heap with
// room for the whole footprint is requested from the pool (tr decides
// reuse), every table is marked dirty and copied. heapChanged reports that
// the caller must call SetDescriptorHeaps before Flush.
func (c *Committer) Reserve(tr fence.Tracker) (heapChanged bool, err error) {
	if c.dirtyCount == 0 {
		c.stats.NoOps++
		return false, nil
	}

	base, ok := uint64(0), false
	if c.gpuHeap != nil {
		base, ok = c.cursor.TryAllocate(uint64(c.dirtyCount))
	}
	if ok {
		c.stats.Appends++
	} else {
		if err := c.rotate(tr); err != nil {
			return false, err
		}
		heapChanged = true
		c.markAllDirty()
		base, ok = c.cursor.TryAllocate(uint64(c.dirtyCount))
		if !ok {
			panic(fmt.Sprintf("BUG: descriptor: fresh %v heap of %d slots cannot hold %d", c.kind, c.cursor.Capacity(), c.dirtyCount))
		}
	}

	gpuCPU := c.gpuHeap.CPUStart()
	gpuGPU := c.gpuHeap.GPUStart()
	at := uint32(base)
	for i, t := range c.tables {
		if !c.dirty[i] {
			continue
		}
		c.dev.CopyDescriptors(c.kind, gpuCPU.Offset(at, c.inc), c.stagingHeap.CPUStart().Offset(t.Offset, c.inc), t.Count)
		c.bound[i] = gpuGPU.Offset(at, c.inc)
		c.pending = append(c.pending, i)
		c.dirty[i] = false
		at += t.Count
	}
	c.stats.Copied += int(c.dirtyCount)
	c.dirtyCount = 0
	return heapChanged, nil
}

// rotate retires the current heap generation and starts a new one.
func (c *Committer) rotate(tr fence.Tracker) error {
	h, err := c.gpu.Request(c.footprint, tr)
	if err != nil {
		return err
	}
	if c.gpuHeap != nil {
		c.retired = append(c.retired, c.gpuHeap)
		logging.L().Debug("descriptor: GPU heap rotation", "kind", c.kind, "capacity", c.gpuHeap.Capacity())
	}
	c.gpuHeap = h
	c.cursor.Reset(uint64(h.Capacity()))
	c.stats.Rotations++
	return nil
}

// Flush binds the tables copied by the last Reserve.
func (c *Committer) Flush(list native.CommandList, bp BindPoint) {
	for _, i := range c.pending {
		if bp == BindCompute {
			list.SetComputeRootDescriptorTable(c.tables[i].Parameter, c.bound[i])
		} else {
			list.SetGraphicsRootDescriptorTable(c.tables[i].Parameter, c.bound[i])
		}
	}
	c.pending = c.pending[:0]
}

// Rebind queues every table already copied into the current heap for the
// next Flush. Call it after the list's heaps were replaced by another
// recorder state, which leaves earlier root tables unusable.
func (c *Committer) Rebind() {
	c.pending = c.pending[:0]
	for i := range c.tables {
		if !c.bound[i].IsNil() {
			c.pending = append(c.pending, i)
		}
	}
}

// Commit runs Reserve, binds the heap when it changed and flushes. Use
// Reserve and Flush directly when several committers share one
// SetDescriptorHeaps call.
func (c *Committer) Commit(list native.CommandList, bp BindPoint, tr fence.Tracker) error {
	if c.sig == nil {
		return ErrNoSignature
	}
	changed, err := c.Reserve(tr)
	if err != nil {
		return err
	}
	if changed {
		list.SetDescriptorHeaps(c.gpuHeap)
	}
	c.Flush(list, bp)
	return nil
}

// Release returns every heap to its pool. Shader-visible heaps become
// reusable once v completes; pass the zero fence if the recorded work was
// never submitted.
func (c *Committer) Release(v fence.Value) {
	for _, h := range c.retired {
		c.gpu.Return(h, v)
	}
	clear(c.retired)
	c.retired = c.retired[:0]
	c.gpu.Return(c.gpuHeap, v)
	c.gpuHeap = nil
	c.cursor.Reset(0)

	c.staging.Return(c.stagingHeap, 0)
	c.stagingHeap = nil
	_ = c.bind(nil)
}

// Stats returns activity counters.
func (c *Committer) Stats() CommitStats { return c.stats }
