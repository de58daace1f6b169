package gpusubmit

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/gogpu/gpusubmit/descriptor"
	"github.com/gogpu/gpusubmit/fence"
	"github.com/gogpu/gpusubmit/internal/logging"
	"github.com/gogpu/gpusubmit/layout"
	"github.com/gogpu/gpusubmit/native"
	"github.com/gogpu/gpusubmit/queue"
	"github.com/gogpu/gpusubmit/retire"
	"github.com/gogpu/gpusubmit/upload"
)

// Device owns the queues, pools and deferred destructor built on top of a
// native device, and hands out command buffers that record into them.
//
// Device is safe for concurrent use. Each CommandBuffer is owned by one
// goroutine at a time.
type Device struct {
	native native.Device
	opts   options

	queues     *queue.Manager
	cpu        *descriptor.CPUAllocator
	staging    [2]*descriptor.HeapPool
	gpu        [2]*descriptor.HeapPool
	uploads    *upload.BufferPool
	destructor *retire.Destructor
	signatures *layout.Cache

	// submitMu orders fence values handed to the destructor.
	submitMu sync.Mutex

	mu      sync.Mutex
	free    [native.QueueTypeCount][]*CommandBuffer
	created int
	frames  []fence.Value
	frame   uint64
	closed  bool
}

// committer slots: resources (CBV/SRV/UAV) and samplers.
var committedKinds = [2]native.DescriptorKind{native.KindResource, native.KindSampler}

// New wraps dev. The native device stays owned by the caller; Close
// releases only what the Device created.
func New(dev native.Device, opts ...Option) *Device {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	d := &Device{
		native:     dev,
		opts:       o,
		queues:     queue.NewManager(dev),
		cpu:        descriptor.NewCPUAllocator(dev, descriptor.CPUConfig{PageSize: o.cpuPageSize}),
		uploads:    upload.NewBufferPool(dev, upload.Config{MinimumSize: o.uploadMinimumSize}),
		destructor: retire.New(),
		signatures: layout.NewCache(o.signatureCache),
	}
	minimum := [2]uint32{o.resourceHeapSize, o.samplerHeapSize}
	for i, kind := range committedKinds {
		d.staging[i] = descriptor.NewHeapPool(dev, kind, false, 0)
		d.gpu[i] = descriptor.NewHeapPool(dev, kind, true, minimum[i])
	}
	logging.L().Info("gpusubmit: device created",
		"framesInFlight", o.maxFramesInFlight,
		"uploadMinimum", o.uploadMinimumSize,
		"resourceHeap", o.resourceHeapSize,
		"samplerHeap", o.samplerHeapSize)
	return d
}

// Native returns the wrapped native device.
func (d *Device) Native() native.Device { return d.native }

// Queue returns the managed queue of type t.
func (d *Device) Queue(t native.QueueType) *queue.Queue { return d.queues.Queue(t) }

// Queues returns the queue manager. It implements fence.Tracker for values
// of every queue type.
func (d *Device) Queues() *queue.Manager { return d.queues }

// Signature returns the descriptor-table signature of a WGSL module's
// resource bindings. Signatures are cached by source.
func (d *Device) Signature(label, wgsl string) (*layout.Signature, error) {
	return d.signatures.FromWGSL(label, wgsl)
}

// CreateCommandBuffer returns a recording command buffer for queue type t.
// Command buffers are pooled: Submit and Dispose hand them back.
func (d *Device) CreateCommandBuffer(t native.QueueType) (*CommandBuffer, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("gpusubmit: invalid queue type %d", t)
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	var cb *CommandBuffer
	if free := d.free[t]; len(free) > 0 {
		cb = free[0]
		free[0] = nil
		d.free[t] = free[1:]
	}
	d.mu.Unlock()

	if cb == nil {
		var err error
		if cb, err = d.newCommandBuffer(t); err != nil {
			return nil, err
		}
	}
	if err := cb.reinitialize(); err != nil {
		d.recycle(cb)
		return nil, err
	}
	return cb, nil
}

func (d *Device) newCommandBuffer(t native.QueueType) (*CommandBuffer, error) {
	list, err := d.native.CreateCommandList(t)
	if err != nil {
		return nil, fmt.Errorf("gpusubmit: create %v command list: %w", t, err)
	}
	d.mu.Lock()
	d.created++
	label := fmt.Sprintf("%s/%v#%d", d.opts.label, t, d.created)
	d.mu.Unlock()

	cb := &CommandBuffer{
		dev:     d,
		typ:     t,
		list:    list,
		label:   label,
		uploads: upload.NewRingAllocator(d.uploads),
	}
	for bp := range cb.committers {
		if t == native.QueueCopy || (t == native.QueueCompute && descriptor.BindPoint(bp) == descriptor.BindGraphics) {
			continue
		}
		for i := range committedKinds {
			cb.committers[bp][i] = descriptor.NewCommitter(d.native, d.staging[i], d.gpu[i])
		}
	}
	logging.L().Debug("gpusubmit: new command buffer", "label", label)
	return cb, nil
}

// recycle parks cb for reuse, or destroys it once the device is closed.
func (d *Device) recycle(cb *CommandBuffer) {
	d.mu.Lock()
	if !d.closed {
		d.free[cb.typ] = append(d.free[cb.typ], cb)
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	cb.list.Destroy()
}

// Submit closes cb, executes it on its queue and returns the fence value
// that completes with it. Everything cb leased is returned to its pool
// tagged with that value, and cb must not be used afterwards.
func (d *Device) Submit(cb *CommandBuffer) (fence.Value, error) {
	return d.SubmitBatch(cb)
}

// SubmitBatch executes cbs, in order, as one submission to their queue. All
// command buffers must target the same queue type. They may have been
// recorded on different goroutines.
//
// When validation fails nothing is submitted and cbs keep recording. Any
// later failure retires every command buffer in the batch.
func (d *Device) SubmitBatch(cbs ...*CommandBuffer) (fence.Value, error) {
	if len(cbs) == 0 {
		return 0, queue.ErrNoWork
	}
	for i, cb := range cbs {
		switch {
		case slices.Contains(cbs[:i], cb):
			return 0, fmt.Errorf("gpusubmit: %s appears twice in batch", cb.label)
		case cb.dev != d:
			return 0, ErrForeignCommandBuffer
		case !cb.recording:
			return 0, ErrCommandBufferClosed
		case cb.typ != cbs[0].typ:
			return 0, fmt.Errorf("%w: %v and %v", ErrMixedQueueTypes, cbs[0].typ, cb.typ)
		}
	}

	d.submitMu.Lock()
	defer d.submitMu.Unlock()
	retireAll := func(v fence.Value) {
		for _, cb := range cbs {
			cb.retire(v)
		}
	}
	if d.isClosed() {
		retireAll(0)
		return 0, ErrClosed
	}
	lists := make([]native.CommandList, len(cbs))
	for i, cb := range cbs {
		cb.barriers.Flush(cb.list)
		if err := cb.list.Close(); err != nil {
			retireAll(0)
			return 0, fmt.Errorf("gpusubmit: close %s: %w", cb.label, err)
		}
		lists[i] = cb.list
	}
	v, err := d.queues.Queue(cbs[0].typ).ExecuteCommandLists(lists)
	if err != nil {
		retireAll(0)
		return 0, err
	}
	retireAll(v)
	return v, nil
}

// StallQueue makes waiter wait on the GPU for the work last submitted to
// producer.
func (d *Device) StallQueue(waiter, producer native.QueueType) error {
	return d.queues.Queue(waiter).StallQueue(d.queues.Queue(producer))
}

// IsFenceComplete reports whether v has completed on its queue.
func (d *Device) IsFenceComplete(v fence.Value) bool { return d.queues.IsFenceComplete(v) }

// WaitForFence blocks until v completes or ctx is done.
func (d *Device) WaitForFence(ctx context.Context, v fence.Value) error {
	return d.queues.WaitForFence(ctx, v)
}

// WaitForIdle blocks until every queue drains and then destroys every
// retired resource that became safe.
func (d *Device) WaitForIdle(ctx context.Context) error {
	err := d.queues.WaitForIdle(ctx)
	d.destructor.Collect(d.queues)
	return err
}

// Present ends a frame: it signals a frame fence on the direct queue,
// blocks while more than the configured number of frames are in flight and
// destroys retired resources whose fences completed.
func (d *Device) Present(ctx context.Context) error {
	if d.isClosed() {
		return ErrClosed
	}
	v, err := d.queues.Queue(native.QueueDirect).IncrementFence()
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.frames = append(d.frames, v)
	d.frame++
	var oldest fence.Value
	if len(d.frames) > d.opts.maxFramesInFlight {
		oldest = d.frames[0]
		d.frames = d.frames[1:]
	}
	d.mu.Unlock()

	if !oldest.IsZero() {
		if err := d.queues.WaitForFence(ctx, oldest); err != nil {
			return fmt.Errorf("gpusubmit: frame pacing: %w", err)
		}
	}
	if n := d.destructor.Collect(d.queues); n > 0 {
		logging.L().Debug("gpusubmit: destroyed retired resources", "count", n, "frame", v)
	}
	return nil
}

// Release destroys res once the work last submitted to every queue
// completes. Resources still referenced by a recording command buffer
// should go through CommandBuffer.Release instead.
func (d *Device) Release(res native.Resource) error {
	d.submitMu.Lock()
	defer d.submitMu.Unlock()
	var vs []fence.Value
	for t := native.QueueType(0); t < native.QueueTypeCount; t++ {
		if v := d.queues.Queue(t).LastSubmittedFenceValue(); v.Sequence() > 0 {
			vs = append(vs, v)
		}
	}
	if err := d.destructor.AddAll(res, vs...); err != nil {
		return fmt.Errorf("gpusubmit: release: %w", err)
	}
	return nil
}

// ReleaseAt destroys res once v completes. A zero v destroys it now. A v
// older than a value already released on the same queue waits for that
// newer value instead.
func (d *Device) ReleaseAt(res native.Resource, v fence.Value) error {
	d.submitMu.Lock()
	defer d.submitMu.Unlock()
	return d.releaseLocked(res, v)
}

func (d *Device) releaseLocked(res native.Resource, v fence.Value) error {
	if err := d.destructor.Add(res, v); err != nil {
		return fmt.Errorf("gpusubmit: release: %w", err)
	}
	return nil
}

// AllocateDescriptor returns a long-lived CPU-only descriptor slot.
func (d *Device) AllocateDescriptor(kind native.DescriptorKind) (native.CPUHandle, error) {
	return d.cpu.Allocate(kind)
}

// CreateView writes view into a new CPU-only descriptor and returns it.
// The result can be copied into a command buffer's tables with
// CopyDescriptor.
func (d *Device) CreateView(view native.View) (native.CPUHandle, error) {
	h, err := d.cpu.Allocate(view.Kind.DescriptorKind())
	if err != nil {
		return native.CPUHandle{}, err
	}
	d.native.CreateView(view, h)
	return h, nil
}

func (d *Device) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Close waits for the GPU, destroys every retired resource and releases
// pooled objects. Command buffers still recording are destroyed when they
// are submitted or disposed.
func (d *Device) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	var free []*CommandBuffer
	for t := range d.free {
		free = append(free, d.free[t]...)
		d.free[t] = nil
	}
	d.mu.Unlock()

	err := d.queues.Close(ctx)
	for _, cb := range free {
		cb.list.Destroy()
	}
	n := d.destructor.DestroyAll()
	for i := range committedKinds {
		d.staging[i].Close()
		d.gpu[i].Close()
	}
	d.uploads.Close()
	d.cpu.Close()
	logging.L().Info("gpusubmit: device closed", "destroyed", n, "commandBuffers", len(free))
	return err
}
