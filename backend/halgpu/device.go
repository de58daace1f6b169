// Package halgpu implements the native device contract on gogpu/wgpu's
// hardware abstraction layer.
//
// The HAL exposes a single ordered queue whose submissions are identified by
// a monotonically increasing submission index. Every native queue type maps
// onto that queue: fence values are recorded against the submission index
// that must complete before they count as signalled, and GPU-side waits
// between queue types are satisfied by submission order.
//
// Descriptor heaps live in host memory (see internal/descmem); the HAL binds
// resources through bind groups, so descriptor tables and draws are tracked
// by the lists but not encoded. Copies and barriers are encoded.
package halgpu

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/gpusubmit/internal/descmem"
	"github.com/gogpu/gpusubmit/internal/logging"
	"github.com/gogpu/gpusubmit/native"
)

func init() {
	logging.Subscribe(hal.SetLogger)
}

// ErrNoHAL is returned by FromProvider when the provider does not expose
// HAL objects.
var ErrNoHAL = errors.New("halgpu: provider does not expose HAL types")

// Stats counts backend activity.
type Stats struct {
	Submissions     uint64
	Encoders        int
	Buffers         int
	Textures        int
	UnencodedDraws  int
	UnencodedTables int
}

// Device adapts a hal.Device and its queue to native.Device.
//
// Device is safe for concurrent use.
type Device struct {
	raw   hal.Device
	queue hal.Queue
	space *descmem.Space
	// release tears down objects Device created itself, nil when borrowed.
	release func()

	queues [native.QueueTypeCount]*Queue

	// mu serializes HAL submission and guards the fields below.
	mu        sync.Mutex
	lastIndex uint64
	nextVA    uint64
	stats     Stats

	poller *poller
}

var _ native.Device = (*Device)(nil)

// New wraps an opened HAL device and queue. The caller keeps ownership.
func New(dev hal.Device, queue hal.Queue) *Device {
	d := &Device{
		raw:    dev,
		queue:  queue,
		space:  descmem.NewSpace(),
		nextVA: 1 << 32,
	}
	d.poller = newPoller(defaultPollInterval)
	for t := range d.queues {
		d.queues[t] = &Queue{dev: d, typ: native.QueueType(t)}
	}
	return d
}

// FromProvider borrows the HAL device of a gpucontext provider, such as the
// one a gogpu window exposes. The provider must implement HalDevice() any
// and HalQueue() any returning hal.Device and hal.Queue.
func FromProvider(provider gpucontext.DeviceProvider) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNoHAL
	}
	dev, ok := hp.HalDevice().(hal.Device)
	if !ok || dev == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNoHAL)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrNoHAL)
	}
	return New(dev, queue), nil
}

// OpenNoop opens the HAL's noop backend. Submissions complete immediately
// and copies are not executed, which makes it suitable for exercising the
// submission machinery without a GPU.
func OpenNoop() (*Device, error) {
	instance, err := noop.API{}.CreateInstance(nil)
	if err != nil {
		return nil, fmt.Errorf("halgpu: create noop instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, errors.New("halgpu: noop backend exposes no adapter")
	}
	open, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("halgpu: open noop adapter: %w", err)
	}
	d := New(open.Device, open.Queue)
	d.release = func() {
		open.Device.Destroy()
		instance.Destroy()
	}
	logging.L().Info("halgpu: opened noop device", "adapter", adapters[0].Info.Name)
	return d, nil
}

// HAL returns the wrapped device and queue.
func (d *Device) HAL() (hal.Device, hal.Queue) { return d.raw, d.queue }

// Queue implements native.Device.
func (d *Device) Queue(t native.QueueType) native.Queue { return d.queues[t] }

// CreateCommandAllocator implements native.Device with a HAL command encoder.
func (d *Device) CreateCommandAllocator(t native.QueueType) (native.CommandAllocator, error) {
	enc, err := d.raw.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "gpusubmit-" + t.String()})
	if err != nil {
		return nil, fmt.Errorf("halgpu: create encoder: %w", err)
	}
	d.mu.Lock()
	d.stats.Encoders++
	d.mu.Unlock()
	return &Allocator{dev: d, typ: t, enc: enc}, nil
}

// CreateCommandList implements native.Device. The list starts closed.
func (d *Device) CreateCommandList(t native.QueueType) (native.CommandList, error) {
	return &CommandList{dev: d, typ: t}, nil
}

// CreateDescriptorHeap implements native.Device.
func (d *Device) CreateDescriptorHeap(kind native.DescriptorKind, capacity uint32, shaderVisible bool) (native.DescriptorHeap, error) {
	return d.space.NewHeap(kind, capacity, shaderVisible)
}

// DescriptorIncrement implements native.Device.
func (d *Device) DescriptorIncrement(kind native.DescriptorKind) uint32 {
	return descmem.Increment(kind)
}

// CopyDescriptors implements native.Device.
func (d *Device) CopyDescriptors(kind native.DescriptorKind, dst, src native.CPUHandle, count uint32) {
	d.space.Copy(kind, dst, src, count)
}

// CreateView implements native.Device.
func (d *Device) CreateView(view native.View, dst native.CPUHandle) {
	d.space.Write(dst, view)
}

// Descriptors returns the descriptor address space.
func (d *Device) Descriptors() *descmem.Space { return d.space }

// CreateUploadBuffer implements native.Device with a MapWrite|CopySrc buffer.
func (d *Device) CreateUploadBuffer(size uint64) (native.UploadBuffer, error) {
	return d.CreateBuffer("gpusubmit-upload", size, gputypes.BufferUsageMapWrite|gputypes.BufferUsageCopySrc)
}

// CreateBuffer creates a HAL buffer wrapped as a native resource.
func (d *Device) CreateBuffer(label string, size uint64, usage gputypes.BufferUsage) (*Buffer, error) {
	raw, err := d.raw.CreateBuffer(&hal.BufferDescriptor{Label: label, Size: size, Usage: usage})
	if err != nil {
		return nil, fmt.Errorf("halgpu: create buffer %q (%d bytes): %w", label, size, err)
	}
	d.mu.Lock()
	va := d.nextVA
	d.nextVA += (size + 0xFFFF) &^ 0xFFFF
	d.stats.Buffers++
	d.mu.Unlock()
	return &Buffer{dev: d, raw: raw, size: size, usage: usage, va: va}, nil
}

// CreateTexture creates a single-mip 2D HAL texture usable as a copy
// destination and shader resource.
func (d *Device) CreateTexture(label string, width, height uint32, format gputypes.TextureFormat) (*Texture, error) {
	bpp, ok := texelSize(format)
	if !ok {
		return nil, fmt.Errorf("halgpu: texture format %v has no fixed texel size", format)
	}
	raw, err := d.raw.CreateTexture(&hal.TextureDescriptor{
		Label:         label,
		Size:          hal.Extent3D{Width: width, Height: height, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        format,
		Usage:         gputypes.TextureUsageCopyDst | gputypes.TextureUsageCopySrc | gputypes.TextureUsageTextureBinding,
	})
	if err != nil {
		return nil, fmt.Errorf("halgpu: create texture %q: %w", label, err)
	}
	d.mu.Lock()
	d.stats.Textures++
	d.mu.Unlock()
	return &Texture{dev: d, raw: raw, width: width, height: height, format: format, bpp: bpp}, nil
}

// Stats returns backend counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Close stops the completion poller and, for devices opened by this
// package, destroys the HAL device. Notify channels still open are closed,
// so no waiter outlives the device.
func (d *Device) Close() {
	if d.release != nil {
		if err := d.raw.WaitIdle(); err != nil {
			logging.L().Warn("halgpu: wait idle on close", "err", err)
		}
	}
	d.poller.stop()
	if d.release != nil {
		d.release()
		d.release = nil
	}
}

func texelSize(f gputypes.TextureFormat) (uint32, bool) {
	switch f {
	case gputypes.TextureFormatR8Unorm:
		return 1, true
	case gputypes.TextureFormatRG8Unorm, gputypes.TextureFormatR16Float:
		return 2, true
	case gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatRGBA8UnormSrgb,
		gputypes.TextureFormatBGRA8Unorm, gputypes.TextureFormatR32Float:
		return 4, true
	case gputypes.TextureFormatRGBA16Float:
		return 8, true
	}
	return 0, false
}
