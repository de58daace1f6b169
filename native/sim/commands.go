package sim

import (
	"fmt"
	"maps"

	"github.com/gogpu/gpusubmit/native"
)

// Op identifies a recorded command.
type Op uint8

const (
	OpBarrier Op = iota
	OpCopyBuffer
	OpCopyTexture
	OpSetHeaps
	OpSetGraphicsTable
	OpSetComputeTable
	OpDraw
	OpDrawIndexed
	OpDispatch
)

var opNames = [...]string{
	OpBarrier:          "Barrier",
	OpCopyBuffer:       "CopyBuffer",
	OpCopyTexture:      "CopyTexture",
	OpSetHeaps:         "SetHeaps",
	OpSetGraphicsTable: "SetGraphicsTable",
	OpSetComputeTable:  "SetComputeTable",
	OpDraw:             "Draw",
	OpDrawIndexed:      "DrawIndexed",
	OpDispatch:         "Dispatch",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// Command is one recorded command. Only the fields relevant to Op are set.
type Command struct {
	Op Op

	Barriers []native.Barrier

	Dst, Src    native.Resource
	DstOffset   uint64
	SrcOffset   uint64
	Size        uint64
	Subresource uint32
	Layout      native.Footprint

	Heaps     []native.DescriptorHeap
	Parameter uint32
	Table     native.GPUHandle

	// Tables is the root table state in effect at a draw or dispatch.
	Tables map[uint32]native.GPUHandle

	Counts [5]uint32
}

func (c *Command) execute(d *Device) {
	switch c.Op {
	case OpCopyBuffer:
		dst, src := c.Dst.(*Buffer), c.Src.(*Buffer)
		if dst.destroyed || src.destroyed {
			d.violate("CopyBuffer touches a destroyed buffer")
			return
		}
		copy(dst.data[c.DstOffset:c.DstOffset+c.Size], src.data[c.SrcOffset:c.SrcOffset+c.Size])
	case OpCopyTexture:
		dst, src := c.Dst.(*Texture), c.Src.(*Buffer)
		if dst.destroyed || src.destroyed {
			d.violate("CopyTexture touches a destroyed resource")
			return
		}
		dst.copyFrom(src.data[c.SrcOffset:], c.Layout)
	case OpBarrier:
		for _, b := range c.Barriers {
			if b.Resource != nil && isDestroyed(b.Resource) {
				d.violate("barrier on a destroyed resource")
			}
		}
	}
}

// Allocator is a simulated command allocator.
type Allocator struct {
	dev       *Device
	typ       native.QueueType
	recording bool

	// Last submission that used the allocator. Guarded by dev.mu.
	queue *Queue
	fence uint64

	resets int
}

var _ native.CommandAllocator = (*Allocator)(nil)

// Reset fails with native.ErrAllocatorBusy while the last submission that
// used the allocator has not completed.
func (a *Allocator) Reset() error {
	if a.recording {
		return native.ErrListRecording
	}
	a.dev.mu.Lock()
	defer a.dev.mu.Unlock()
	if a.queue != nil && a.queue.completed < a.fence {
		a.dev.violate("allocator reset while %v fence %d is pending (completed %d)", a.queue.typ, a.fence, a.queue.completed)
		return native.ErrAllocatorBusy
	}
	a.resets++
	return nil
}

// Resets returns how many times the allocator was reset successfully.
func (a *Allocator) Resets() int { return a.resets }

// Destroy releases the allocator.
func (a *Allocator) Destroy() {}

// CommandList is a simulated command list.
type CommandList struct {
	dev       *Device
	typ       native.QueueType
	alloc     *Allocator
	recording bool
	cmds      []Command

	graphics map[uint32]native.GPUHandle
	compute  map[uint32]native.GPUHandle
}

var _ native.CommandList = (*CommandList)(nil)

// Type returns the list type.
func (l *CommandList) Type() native.QueueType { return l.typ }

// Reset starts recording into alloc.
func (l *CommandList) Reset(alloc native.CommandAllocator) error {
	a, ok := alloc.(*Allocator)
	if !ok || a.dev != l.dev {
		return native.ErrForeignObject
	}
	if l.recording || a.recording {
		return native.ErrListRecording
	}
	if a.typ != l.typ {
		return fmt.Errorf("sim: %v allocator used with %v list", a.typ, l.typ)
	}
	l.alloc = a
	l.recording = true
	a.recording = true
	l.cmds = nil
	l.graphics = make(map[uint32]native.GPUHandle)
	l.compute = make(map[uint32]native.GPUHandle)
	return nil
}

// Close ends recording.
func (l *CommandList) Close() error {
	if !l.recording {
		return native.ErrListClosed
	}
	l.recording = false
	l.alloc.recording = false
	return nil
}

// Commands returns the commands recorded since the last Reset.
func (l *CommandList) Commands() []Command { return l.cmds }

func (l *CommandList) record(c Command) {
	if !l.recording {
		panic(fmt.Sprintf("BUG: sim: %v recorded into a closed command list", c.Op))
	}
	l.cmds = append(l.cmds, c)
}

func (l *CommandList) requireGraphics(op Op) {
	if l.typ != native.QueueDirect {
		panic(fmt.Sprintf("BUG: sim: %v recorded into a %v command list", op, l.typ))
	}
}

func (l *CommandList) requireCompute(op Op) {
	if l.typ == native.QueueCopy {
		panic(fmt.Sprintf("BUG: sim: %v recorded into a %v command list", op, l.typ))
	}
}

// ResourceBarrier records barriers.
func (l *CommandList) ResourceBarrier(barriers []native.Barrier) {
	l.record(Command{Op: OpBarrier, Barriers: append([]native.Barrier(nil), barriers...)})
}

// CopyBufferRegion records a buffer copy.
func (l *CommandList) CopyBufferRegion(dst native.Buffer, dstOffset uint64, src native.Buffer, srcOffset, size uint64) {
	if dstOffset+size > dst.Size() || srcOffset+size > src.Size() {
		panic(fmt.Sprintf("BUG: sim: copy of %d bytes out of range", size))
	}
	l.record(Command{Op: OpCopyBuffer, Dst: dst, Src: src, DstOffset: dstOffset, SrcOffset: srcOffset, Size: size})
}

// CopyTextureRegion records a buffer to texture copy.
func (l *CommandList) CopyTextureRegion(dst native.Texture, subresource uint32, src native.Buffer, srcOffset uint64, layout native.Footprint) {
	if srcOffset%native.TexturePlacementAlignment != 0 || layout.RowPitch%native.TexturePitchAlignment != 0 {
		panic(fmt.Sprintf("BUG: sim: misaligned texture copy (offset %d, pitch %d)", srcOffset, layout.RowPitch))
	}
	if srcOffset+layout.TotalSize > src.Size() {
		panic("BUG: sim: texture copy reads past the source buffer")
	}
	l.record(Command{Op: OpCopyTexture, Dst: dst, Src: src, SrcOffset: srcOffset, Subresource: subresource, Layout: layout})
}

// SetDescriptorHeaps binds shader-visible heaps.
func (l *CommandList) SetDescriptorHeaps(heaps ...native.DescriptorHeap) {
	l.requireCompute(OpSetHeaps)
	for _, h := range heaps {
		if !h.ShaderVisible() {
			panic("BUG: sim: binding a heap that is not shader-visible")
		}
	}
	l.record(Command{Op: OpSetHeaps, Heaps: append([]native.DescriptorHeap(nil), heaps...)})
}

// SetGraphicsRootDescriptorTable binds a graphics table.
func (l *CommandList) SetGraphicsRootDescriptorTable(parameter uint32, base native.GPUHandle) {
	l.requireGraphics(OpSetGraphicsTable)
	l.graphics[parameter] = base
	l.record(Command{Op: OpSetGraphicsTable, Parameter: parameter, Table: base})
}

// SetComputeRootDescriptorTable binds a compute table.
func (l *CommandList) SetComputeRootDescriptorTable(parameter uint32, base native.GPUHandle) {
	l.requireCompute(OpSetComputeTable)
	l.compute[parameter] = base
	l.record(Command{Op: OpSetComputeTable, Parameter: parameter, Table: base})
}

// Draw records a non-indexed draw.
func (l *CommandList) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	l.requireGraphics(OpDraw)
	l.record(Command{Op: OpDraw, Tables: maps.Clone(l.graphics),
		Counts: [5]uint32{vertexCount, instanceCount, firstVertex, firstInstance}})
}

// DrawIndexed records an indexed draw.
func (l *CommandList) DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32) {
	l.requireGraphics(OpDrawIndexed)
	l.record(Command{Op: OpDrawIndexed, Tables: maps.Clone(l.graphics),
		Counts: [5]uint32{indexCount, instanceCount, firstIndex, uint32(baseVertex), firstInstance}})
}

// Dispatch records a compute dispatch.
func (l *CommandList) Dispatch(x, y, z uint32) {
	l.requireCompute(OpDispatch)
	l.record(Command{Op: OpDispatch, Tables: maps.Clone(l.compute), Counts: [5]uint32{x, y, z}})
}

// Destroy releases the list.
func (l *CommandList) Destroy() {}
