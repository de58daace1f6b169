package halgpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpusubmit/internal/logging"
	"github.com/gogpu/gpusubmit/native"
)

// Allocator is a command allocator backed by one HAL command encoder. The
// command buffers it produced are reset together with it.
type Allocator struct {
	dev *Device
	typ native.QueueType
	enc hal.CommandEncoder

	// guarded by dev.mu once submitted
	lastIndex uint64

	cbs       []hal.CommandBuffer
	recording *CommandList
}

var _ native.CommandAllocator = (*Allocator)(nil)

// Reset implements native.CommandAllocator.
func (a *Allocator) Reset() error {
	if a.recording != nil {
		return native.ErrListRecording
	}
	d := a.dev
	d.mu.Lock()
	busy := a.lastIndex > d.queue.PollCompleted()
	d.mu.Unlock()
	if busy {
		return native.ErrAllocatorBusy
	}
	a.enc.ResetAll(a.cbs)
	clear(a.cbs)
	a.cbs = a.cbs[:0]
	return nil
}

// Destroy implements native.CommandAllocator.
func (a *Allocator) Destroy() {
	if a.recording != nil {
		a.enc.DiscardEncoding()
		a.recording.recording = false
		a.recording = nil
	}
	a.enc.ResetAll(a.cbs)
	a.cbs = nil
	a.enc.Destroy()
}

// CommandList encodes copies and barriers into a HAL command encoder.
// Descriptor heaps, root tables and draws are kept as state and counted.
type CommandList struct {
	dev   *Device
	typ   native.QueueType
	alloc *Allocator
	label string

	recording bool
	cb        hal.CommandBuffer

	heaps  []native.DescriptorHeap
	tables map[uint32]native.GPUHandle

	bufBarriers []hal.BufferBarrier
	texBarriers []hal.TextureBarrier
}

var _ native.CommandList = (*CommandList)(nil)

// Type implements native.CommandList.
func (l *CommandList) Type() native.QueueType { return l.typ }

// Reset implements native.CommandList.
func (l *CommandList) Reset(alloc native.CommandAllocator) error {
	a, ok := alloc.(*Allocator)
	if !ok || a.dev != l.dev {
		return fmt.Errorf("halgpu: reset list: %w", native.ErrForeignObject)
	}
	if l.recording || a.recording != nil {
		return native.ErrListRecording
	}
	if err := a.enc.BeginEncoding("gpusubmit-" + l.typ.String()); err != nil {
		return fmt.Errorf("halgpu: begin encoding: %w", err)
	}
	a.recording = l
	l.alloc = a
	l.recording = true
	l.cb = nil
	l.heaps = l.heaps[:0]
	clear(l.tables)
	return nil
}

// Close implements native.CommandList.
func (l *CommandList) Close() error {
	if !l.recording {
		return nil
	}
	l.recording = false
	l.alloc.recording = nil
	cb, err := l.alloc.enc.EndEncoding()
	if err != nil {
		return fmt.Errorf("halgpu: end encoding: %w", err)
	}
	l.cb = cb
	l.alloc.cbs = append(l.alloc.cbs, cb)
	return nil
}

func (l *CommandList) mustRecord(op string) {
	if !l.recording {
		panic(fmt.Sprintf("BUG: halgpu: %s recorded into a closed %v list", op, l.typ))
	}
}

// ResourceBarrier implements native.CommandList. Split barriers are encoded
// at their end; the HAL has no split form.
func (l *CommandList) ResourceBarrier(barriers []native.Barrier) {
	l.mustRecord("barrier")
	l.bufBarriers = l.bufBarriers[:0]
	l.texBarriers = l.texBarriers[:0]
	for _, b := range barriers {
		if b.Flags == native.BarrierFlagBeginOnly {
			continue
		}
		before, after := b.Before, b.After
		if b.Type == native.BarrierUAV {
			before, after = native.StateUnorderedAccess, native.StateUnorderedAccess
		}
		switch r := b.Resource.(type) {
		case *Buffer:
			l.bufBarriers = append(l.bufBarriers, hal.BufferBarrier{
				Buffer: r.raw,
				Usage:  hal.BufferUsageTransition{OldUsage: bufferUsage(before), NewUsage: bufferUsage(after)},
			})
		case *Texture:
			l.texBarriers = append(l.texBarriers, hal.TextureBarrier{
				Texture: r.raw,
				Range:   hal.TextureRange{Aspect: gputypes.TextureAspectAll},
				Usage:   hal.TextureUsageTransition{OldUsage: textureUsage(before), NewUsage: textureUsage(after)},
			})
		case nil:
			// Global UAV barrier: HAL orders storage access between passes.
		default:
			logging.L().Warn("halgpu: barrier on foreign resource", "type", fmt.Sprintf("%T", r))
		}
	}
	if len(l.bufBarriers) > 0 {
		l.alloc.enc.TransitionBuffers(l.bufBarriers)
	}
	if len(l.texBarriers) > 0 {
		l.alloc.enc.TransitionTextures(l.texBarriers)
	}
}

// CopyBufferRegion implements native.CommandList.
func (l *CommandList) CopyBufferRegion(dst native.Buffer, dstOffset uint64, src native.Buffer, srcOffset, size uint64) {
	l.mustRecord("buffer copy")
	d, s := mustBuffer(dst), mustBuffer(src)
	l.alloc.enc.CopyBufferToBuffer(s.raw, d.raw, []hal.BufferCopy{{SrcOffset: srcOffset, DstOffset: dstOffset, Size: size}})
}

// CopyTextureRegion implements native.CommandList.
func (l *CommandList) CopyTextureRegion(dst native.Texture, subresource uint32, src native.Buffer, srcOffset uint64, layout native.Footprint) {
	l.mustRecord("texture copy")
	t, ok := dst.(*Texture)
	if !ok {
		panic(fmt.Sprintf("BUG: halgpu: copy into foreign texture %T", dst))
	}
	s := mustBuffer(src)
	l.alloc.enc.CopyBufferToTexture(s.raw, t.raw, []hal.BufferTextureCopy{{
		BufferLayout: hal.ImageDataLayout{
			Offset:       srcOffset,
			BytesPerRow:  uint32(layout.RowPitch),
			RowsPerImage: layout.Rows,
		},
		TextureBase: hal.ImageCopyTexture{
			Texture:  t.raw,
			MipLevel: subresource,
			Aspect:   gputypes.TextureAspectAll,
		},
		Size: hal.Extent3D{Width: layout.Width, Height: layout.Height, DepthOrArrayLayers: layout.Depth},
	}})
}

// SetDescriptorHeaps implements native.CommandList.
func (l *CommandList) SetDescriptorHeaps(heaps ...native.DescriptorHeap) {
	l.mustRecord("descriptor heaps")
	l.heaps = append(l.heaps[:0], heaps...)
}

func (l *CommandList) setTable(parameter uint32, base native.GPUHandle) {
	if l.tables == nil {
		l.tables = make(map[uint32]native.GPUHandle)
	}
	l.tables[parameter] = base
	l.dev.mu.Lock()
	l.dev.stats.UnencodedTables++
	l.dev.mu.Unlock()
}

// SetGraphicsRootDescriptorTable implements native.CommandList.
func (l *CommandList) SetGraphicsRootDescriptorTable(parameter uint32, base native.GPUHandle) {
	l.mustRecord("graphics table")
	l.setTable(parameter, base)
}

// SetComputeRootDescriptorTable implements native.CommandList.
func (l *CommandList) SetComputeRootDescriptorTable(parameter uint32, base native.GPUHandle) {
	l.mustRecord("compute table")
	l.setTable(parameter, base)
}

// Tables returns the root tables bound so far.
func (l *CommandList) Tables() map[uint32]native.GPUHandle { return l.tables }

func (l *CommandList) unencoded(op string) {
	l.dev.mu.Lock()
	l.dev.stats.UnencodedDraws++
	first := l.dev.stats.UnencodedDraws == 1
	l.dev.mu.Unlock()
	if first {
		logging.L().Warn("halgpu: pipeline commands need bind groups and are not encoded", "op", op)
	}
}

// Draw implements native.CommandList.
func (l *CommandList) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	l.mustRecord("draw")
	l.unencoded("draw")
}

// DrawIndexed implements native.CommandList.
func (l *CommandList) DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32) {
	l.mustRecord("draw")
	l.unencoded("draw indexed")
}

// Dispatch implements native.CommandList.
func (l *CommandList) Dispatch(x, y, z uint32) {
	l.mustRecord("dispatch")
	l.unencoded("dispatch")
}

// Destroy implements native.CommandList.
func (l *CommandList) Destroy() {
	if l.recording {
		l.alloc.enc.DiscardEncoding()
		l.alloc.recording = nil
		l.recording = false
	}
}
