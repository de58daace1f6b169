package gpusubmit

import (
	"fmt"

	"github.com/gogpu/gpusubmit/barrier"
	"github.com/gogpu/gpusubmit/descriptor"
	"github.com/gogpu/gpusubmit/fence"
	"github.com/gogpu/gpusubmit/internal/logging"
	"github.com/gogpu/gpusubmit/layout"
	"github.com/gogpu/gpusubmit/native"
	"github.com/gogpu/gpusubmit/upload"
)

// bufferCopyAlignment aligns staged buffer updates.
const bufferCopyAlignment = 16

// CommandBuffer records commands for one queue type. It leases a command
// allocator, descriptor heaps and upload buffers while recording; Submit
// returns all of them tagged with the submission's fence.
//
// Which commands are accepted depends on the queue type: copy command
// buffers only copy and transition, compute command buffers add dispatches
// and descriptor tables, direct command buffers accept everything.
//
// A CommandBuffer is not safe for concurrent use.
type CommandBuffer struct {
	dev   *Device
	typ   native.QueueType
	list  native.CommandList
	alloc native.CommandAllocator
	label string

	recording bool

	// committers is indexed by bind point, then by committedKinds. Compute
	// command buffers have no graphics pair.
	committers [2][2]*descriptor.Committer
	graphics   *layout.Signature
	compute    *layout.Signature
	active     descriptor.BindPoint
	// heaps are the shader-visible heaps last set on the list.
	heaps [2]native.DescriptorHeap

	uploads  *upload.RingAllocator
	barriers barrier.List
	releases []native.Resource
}

// reinitialize leases a fresh allocator and reopens the list.
func (cb *CommandBuffer) reinitialize() error {
	alloc, err := cb.dev.queues.Queue(cb.typ).RequestAllocator()
	if err != nil {
		return err
	}
	if err := cb.list.Reset(alloc); err != nil {
		cb.dev.queues.Queue(cb.typ).DiscardAllocator(0, alloc)
		return fmt.Errorf("gpusubmit: reset %s: %w", cb.label, err)
	}
	cb.alloc = alloc
	cb.recording = true
	cb.barriers.Reset()
	return nil
}

// retire hands every lease back tagged with v and parks cb in the device
// pool. Zero means the recorded commands never reached the GPU. The caller
// holds the device's submitMu.
func (cb *CommandBuffer) retire(v fence.Value) {
	cb.recording = false
	q := cb.dev.queues.Queue(cb.typ)
	if cb.alloc != nil {
		q.DiscardAllocator(v, cb.alloc)
		cb.alloc = nil
	}
	for _, pair := range cb.committers {
		for _, c := range pair {
			if c != nil {
				c.Release(v)
			}
		}
	}
	cb.heaps = [2]native.DescriptorHeap{}
	cb.uploads.CleanUp(v)

	at := v
	if at.IsZero() {
		at = q.LastSubmittedFenceValue()
	}
	for _, res := range cb.releases {
		if err := cb.dev.releaseLocked(res, at); err != nil {
			logging.L().Warn("gpusubmit: release dropped", "label", cb.label, "err", err)
		}
	}
	clear(cb.releases)
	cb.releases = cb.releases[:0]
	cb.barriers.Reset()
	cb.graphics, cb.compute = nil, nil
	cb.active = descriptor.BindGraphics
	cb.dev.recycle(cb)
}

// Type returns the queue type cb records for.
func (cb *CommandBuffer) Type() native.QueueType { return cb.typ }

// Label returns the debug label.
func (cb *CommandBuffer) Label() string { return cb.label }

// Recording reports whether cb accepts commands.
func (cb *CommandBuffer) Recording() bool { return cb.recording }

// Native returns the underlying command list.
func (cb *CommandBuffer) Native() native.CommandList { return cb.list }

func (cb *CommandBuffer) check(need native.QueueType) error {
	if !cb.recording {
		return ErrCommandBufferClosed
	}
	switch {
	case need == native.QueueDirect && cb.typ != native.QueueDirect,
		need == native.QueueCompute && cb.typ == native.QueueCopy:
		return fmt.Errorf("%w: %v command on %v queue", ErrUnsupported, need, cb.typ)
	}
	return nil
}

// SetGraphicsSignature makes sig the layout of the descriptor tables used by
// draws.
func (cb *CommandBuffer) SetGraphicsSignature(sig *layout.Signature) error {
	if err := cb.check(native.QueueDirect); err != nil {
		return err
	}
	cb.graphics = sig
	return cb.activate(descriptor.BindGraphics, true)
}

// SetComputeSignature makes sig the layout of the descriptor tables used by
// dispatches.
func (cb *CommandBuffer) SetComputeSignature(sig *layout.Signature) error {
	if err := cb.check(native.QueueCompute); err != nil {
		return err
	}
	cb.compute = sig
	return cb.activate(descriptor.BindCompute, true)
}

func (cb *CommandBuffer) signature(bp descriptor.BindPoint) *layout.Signature {
	if bp == descriptor.BindCompute {
		return cb.compute
	}
	return cb.graphics
}

// activate makes bp the target of descriptor writes and points its
// committers at the signature of bp. Replacing a signature keeps
// descriptors written at offsets that exist in both layouts. force rebinds
// every table even when the signature is unchanged.
func (cb *CommandBuffer) activate(bp descriptor.BindPoint, force bool) error {
	sig := cb.signature(bp)
	for _, c := range cb.committers[bp] {
		if c == nil || (!force && c.Signature() == sig) {
			continue
		}
		var err error
		if c.Signature() == nil {
			err = c.InitializeSignature(sig)
		} else {
			err = c.SwapSignature(sig)
		}
		if err != nil {
			return err
		}
	}
	cb.active = bp
	return nil
}

func (cb *CommandBuffer) committerFor(kind native.DescriptorKind) *descriptor.Committer {
	for i, k := range committedKinds {
		if k == kind {
			return cb.committers[cb.active][i]
		}
	}
	return nil
}

// TryGetResourceDescriptor returns the staging slot for descriptor offset of
// the table at root parameter of the active signature and marks the table
// for upload before the next draw or dispatch.
func (cb *CommandBuffer) TryGetResourceDescriptor(parameter, offset uint32) (native.CPUHandle, native.DescriptorKind, bool) {
	if !cb.recording || cb.typ == native.QueueCopy {
		return native.CPUHandle{}, 0, false
	}
	sig := cb.signature(cb.active)
	if sig == nil {
		return native.CPUHandle{}, 0, false
	}
	_, kind, ok := sig.Table(parameter)
	if !ok {
		return native.CPUHandle{}, 0, false
	}
	c := cb.committerFor(kind)
	if c == nil {
		return native.CPUHandle{}, 0, false
	}
	h, ok := c.TryGetResourceDescriptor(parameter, offset)
	return h, kind, ok
}

func (cb *CommandBuffer) slot(parameter, offset uint32) (native.CPUHandle, native.DescriptorKind, error) {
	if err := cb.check(native.QueueCompute); err != nil {
		return native.CPUHandle{}, 0, err
	}
	h, kind, ok := cb.TryGetResourceDescriptor(parameter, offset)
	if !ok {
		return native.CPUHandle{}, 0, fmt.Errorf("%w: parameter %d offset %d", ErrUnknownParameter, parameter, offset)
	}
	return h, kind, nil
}

// SetDescriptor writes view into the table slot at parameter and offset.
func (cb *CommandBuffer) SetDescriptor(parameter, offset uint32, view native.View) error {
	h, kind, err := cb.slot(parameter, offset)
	if err != nil {
		return err
	}
	if view.Kind.DescriptorKind() != kind {
		return fmt.Errorf("%w: %v view in %v table %d", ErrUnknownParameter, view.Kind, kind, parameter)
	}
	cb.dev.native.CreateView(view, h)
	return nil
}

// CopyDescriptor copies the CPU-only descriptor src, such as one returned by
// Device.CreateView, into the table slot at parameter and offset.
func (cb *CommandBuffer) CopyDescriptor(parameter, offset uint32, src native.CPUHandle) error {
	h, kind, err := cb.slot(parameter, offset)
	if err != nil {
		return err
	}
	cb.dev.native.CopyDescriptors(kind, h, src, 1)
	return nil
}

// commit flushes pending barriers, uploads dirty descriptor tables and binds
// them for bp.
func (cb *CommandBuffer) commit(bp descriptor.BindPoint) error {
	cb.barriers.Flush(cb.list)
	if cb.signature(bp) == nil {
		return nil
	}
	if err := cb.activate(bp, false); err != nil {
		return err
	}
	pair := cb.committers[bp]
	var heaps [2]native.DescriptorHeap
	for i, c := range pair {
		if _, err := c.Reserve(cb.dev.queues); err != nil {
			return err
		}
		heaps[i] = c.Heap()
	}
	if heaps != cb.heaps {
		set := make([]native.DescriptorHeap, 0, len(heaps))
		for _, h := range heaps {
			if h != nil {
				set = append(set, h)
			}
		}
		cb.list.SetDescriptorHeaps(set...)
		cb.heaps = heaps
		for _, c := range pair {
			c.Rebind()
		}
	}
	for _, c := range pair {
		c.Flush(cb.list, bp)
	}
	return nil
}

// Draw records a non-indexed draw.
func (cb *CommandBuffer) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) error {
	if err := cb.check(native.QueueDirect); err != nil {
		return err
	}
	if err := cb.commit(descriptor.BindGraphics); err != nil {
		return err
	}
	cb.list.Draw(vertexCount, instanceCount, firstVertex, firstInstance)
	return nil
}

// DrawIndexed records an indexed draw.
func (cb *CommandBuffer) DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32) error {
	if err := cb.check(native.QueueDirect); err != nil {
		return err
	}
	if err := cb.commit(descriptor.BindGraphics); err != nil {
		return err
	}
	cb.list.DrawIndexed(indexCount, instanceCount, firstIndex, baseVertex, firstInstance)
	return nil
}

// Dispatch records a compute dispatch.
func (cb *CommandBuffer) Dispatch(x, y, z uint32) error {
	if err := cb.check(native.QueueCompute); err != nil {
		return err
	}
	if err := cb.commit(descriptor.BindCompute); err != nil {
		return err
	}
	cb.list.Dispatch(x, y, z)
	return nil
}

// UpdateBuffer stages data and records a copy into dst at offset.
func (cb *CommandBuffer) UpdateBuffer(dst native.Buffer, offset uint64, data []byte) error {
	if err := cb.check(native.QueueCopy); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	size := uint64(len(data))
	if offset+size > dst.Size() {
		return fmt.Errorf("gpusubmit: update of %d bytes at %d overruns %d byte buffer", size, offset, dst.Size())
	}
	reg, err := cb.uploads.Allocate(size, bufferCopyAlignment, cb.dev.queues)
	if err != nil {
		return err
	}
	copy(reg.Bytes, data)
	cb.barriers.Flush(cb.list)
	cb.list.CopyBufferRegion(dst, offset, reg.Buffer, reg.Offset, size)
	return nil
}

// UpdateTexture stages tightly packed texel rows and records a copy into
// subresource of dst.
func (cb *CommandBuffer) UpdateTexture(dst native.Texture, subresource uint32, data []byte) error {
	if err := cb.check(native.QueueCopy); err != nil {
		return err
	}
	fp := dst.Footprint(subresource)
	rows := uint64(fp.Rows) * uint64(fp.Depth)
	if uint64(len(data)) < fp.RowSize*rows {
		return fmt.Errorf("%w: %d bytes for %dx%dx%d subresource %d",
			ErrShortData, len(data), fp.Width, fp.Height, fp.Depth, subresource)
	}
	reg, err := cb.uploads.Allocate(fp.TotalSize, fp.Alignment, cb.dev.queues)
	if err != nil {
		return err
	}
	for y := range rows {
		src := data[y*fp.RowSize : (y+1)*fp.RowSize]
		copy(reg.Bytes[y*fp.RowPitch:], src)
	}
	cb.barriers.Flush(cb.list)
	cb.list.CopyTextureRegion(dst, subresource, reg.Buffer, reg.Offset, fp)
	return nil
}

// Transition moves r to state, batching the barrier until the next command.
func (cb *CommandBuffer) Transition(r barrier.Tracked, state native.ResourceState) error {
	if err := cb.check(native.QueueCopy); err != nil {
		return err
	}
	cb.barriers.AddTransitionBarrier(r, state)
	return nil
}

// BeginTransition starts a split transition of r to state. The matching
// Transition call ends it.
func (cb *CommandBuffer) BeginTransition(r barrier.Tracked, state native.ResourceState) error {
	if err := cb.check(native.QueueCopy); err != nil {
		return err
	}
	cb.barriers.BeginSplitTransition(r, state)
	return nil
}

// UAVBarrier orders unordered-access writes to r. A nil r orders all of them.
func (cb *CommandBuffer) UAVBarrier(r barrier.Tracked) error {
	if err := cb.check(native.QueueCompute); err != nil {
		return err
	}
	cb.barriers.AddUAVBarrier(r)
	return nil
}

// FlushBarriers records the pending barriers now.
func (cb *CommandBuffer) FlushBarriers() error {
	if err := cb.check(native.QueueCopy); err != nil {
		return err
	}
	cb.barriers.Flush(cb.list)
	return nil
}

// Release destroys res once the work recorded in cb completes.
func (cb *CommandBuffer) Release(res native.Resource) error {
	if !cb.recording {
		return ErrCommandBufferClosed
	}
	cb.releases = append(cb.releases, res)
	return nil
}

// Dispose drops the recorded commands and returns cb to the device without
// submitting it.
func (cb *CommandBuffer) Dispose() {
	if !cb.recording {
		return
	}
	if err := cb.list.Close(); err != nil {
		logging.L().Warn("gpusubmit: close on dispose", "label", cb.label, "err", err)
	}
	cb.dev.submitMu.Lock()
	defer cb.dev.submitMu.Unlock()
	cb.retire(0)
}

// Stats returns descriptor commit counters summed over every committer.
func (cb *CommandBuffer) Stats() descriptor.CommitStats {
	var s descriptor.CommitStats
	for _, pair := range cb.committers {
		for _, c := range pair {
			if c == nil {
				continue
			}
			cs := c.Stats()
			s.NoOps += cs.NoOps
			s.Appends += cs.Appends
			s.Rotations += cs.Rotations
			s.Copied += cs.Copied
		}
	}
	return s
}
