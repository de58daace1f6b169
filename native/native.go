// Package native defines the explicit graphics API contract consumed by the
// submission layer.
//
// The interfaces follow the shape of Direct3D 12: hardware queues signal
// monotonically increasing 64-bit fence values, command lists record into
// command allocators that may only be reset once the GPU is done with them,
// descriptors live in CPU-only or shader-visible heaps addressed by CPU and
// GPU handles, and resources move between usage states through explicit
// barriers.
//
// Two implementations ship with the module: native/sim, a simulated device
// with controllable fence completion, and backend/halgpu, which maps the
// contract onto gogpu/wgpu's HAL.
package native

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
)

// Errors reported by implementations of the contract.
var (
	// ErrListClosed is returned when recording into or closing a list that is not recording.
	ErrListClosed = errors.New("native: command list is closed")

	// ErrListRecording is returned when executing or resetting a list that is still recording.
	ErrListRecording = errors.New("native: command list is still recording")

	// ErrAllocatorBusy is returned when resetting an allocator whose commands may still execute.
	ErrAllocatorBusy = errors.New("native: command allocator is still in use by the GPU")

	// ErrInvalidHeap is returned for heap requests the device cannot satisfy.
	ErrInvalidHeap = errors.New("native: invalid descriptor heap request")

	// ErrForeignObject is returned when an object created by another device is passed in.
	ErrForeignObject = errors.New("native: object belongs to a different device")
)

// QueueType identifies a hardware queue family.
type QueueType uint8

const (
	// QueueDirect accepts graphics, compute and copy work.
	QueueDirect QueueType = iota
	// QueueCompute accepts compute and copy work.
	QueueCompute
	// QueueCopy accepts copy work only.
	QueueCopy
)

// QueueTypeCount is the number of queue families.
const QueueTypeCount = 3

// String returns the queue family name.
func (t QueueType) String() string {
	switch t {
	case QueueDirect:
		return "Direct"
	case QueueCompute:
		return "Compute"
	case QueueCopy:
		return "Copy"
	default:
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
}

// Valid reports whether t names a known queue family.
func (t QueueType) Valid() bool { return t < QueueTypeCount }

// DescriptorKind is the type of descriptors stored in a heap.
type DescriptorKind uint8

const (
	// KindResource holds constant-buffer, shader-resource and unordered-access views.
	KindResource DescriptorKind = iota
	// KindSampler holds samplers.
	KindSampler
	// KindRenderTarget holds render-target views. Never shader-visible.
	KindRenderTarget
	// KindDepthStencil holds depth-stencil views. Never shader-visible.
	KindDepthStencil
)

// DescriptorKindCount is the number of descriptor kinds.
const DescriptorKindCount = 4

// String returns the descriptor kind name.
func (k DescriptorKind) String() string {
	switch k {
	case KindResource:
		return "CBV_SRV_UAV"
	case KindSampler:
		return "Sampler"
	case KindRenderTarget:
		return "RTV"
	case KindDepthStencil:
		return "DSV"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// ShaderVisible reports whether heaps of this kind may be bound to the pipeline.
func (k DescriptorKind) ShaderVisible() bool {
	return k == KindResource || k == KindSampler
}

// CPUHandle addresses a descriptor slot from the CPU.
type CPUHandle struct {
	Ptr uintptr
}

// Offset returns the handle index slots past h.
func (h CPUHandle) Offset(index, increment uint32) CPUHandle {
	return CPUHandle{Ptr: h.Ptr + uintptr(index)*uintptr(increment)}
}

// IsNil reports whether the handle is unset.
func (h CPUHandle) IsNil() bool { return h.Ptr == 0 }

// GPUHandle addresses a descriptor slot in a shader-visible heap.
type GPUHandle struct {
	Ptr uint64
}

// Offset returns the handle index slots past h.
func (h GPUHandle) Offset(index, increment uint32) GPUHandle {
	return GPUHandle{Ptr: h.Ptr + uint64(index)*uint64(increment)}
}

// IsNil reports whether the handle is unset.
func (h GPUHandle) IsNil() bool { return h.Ptr == 0 }

// Resource is a GPU object with an explicit lifetime.
type Resource interface {
	// Destroy releases the object. The GPU must no longer reference it.
	Destroy()
}

// Buffer is a linear GPU allocation.
type Buffer interface {
	Resource
	Size() uint64
}

// UploadBuffer is a CPU-writable buffer used as a copy source.
type UploadBuffer interface {
	Buffer

	// Map returns the CPU view of the whole buffer.
	Map() ([]byte, error)

	// Unmap ends CPU access started by Map.
	Unmap()

	// GPUAddress returns the GPU virtual address of the first byte.
	GPUAddress() uint64
}

// Texture is an image resource. Its copy layout comes from the resource
// wrapper layer through Footprint.
type Texture interface {
	Resource
	Footprint(subresource uint32) Footprint
}

// CommandAllocator backs the memory of recorded commands.
type CommandAllocator interface {
	// Reset reclaims all command memory. Only valid once every list
	// recorded against the allocator has finished executing.
	Reset() error
	Destroy()
}

// DescriptorHeap is a contiguous array of descriptors of a single kind.
type DescriptorHeap interface {
	Kind() DescriptorKind
	Capacity() uint32
	ShaderVisible() bool
	CPUStart() CPUHandle
	// GPUStart is zero for heaps that are not shader-visible.
	GPUStart() GPUHandle
	Destroy()
}

// ViewKind selects how a view descriptor interprets its resource.
type ViewKind uint8

const (
	// ViewConstantBuffer reads a buffer range as shader constants.
	ViewConstantBuffer ViewKind = iota
	// ViewShaderResource reads a buffer or texture.
	ViewShaderResource
	// ViewUnorderedAccess reads and writes a buffer or texture.
	ViewUnorderedAccess
	// ViewSampler describes a sampler.
	ViewSampler
	// ViewRenderTarget writes color output.
	ViewRenderTarget
	// ViewDepthStencil writes depth and stencil output.
	ViewDepthStencil
)

// DescriptorKind returns the heap kind able to hold views of kind k.
func (k ViewKind) DescriptorKind() DescriptorKind {
	switch k {
	case ViewSampler:
		return KindSampler
	case ViewRenderTarget:
		return KindRenderTarget
	case ViewDepthStencil:
		return KindDepthStencil
	default:
		return KindResource
	}
}

// View is the content written into a descriptor slot.
type View struct {
	Kind     ViewKind
	Resource Resource
	Offset   uint64
	Size     uint64
	Stride   uint32
	MipLevel uint32
	Format   gputypes.TextureFormat
}

// Queue is a hardware submission queue with its own monotonic fence.
type Queue interface {
	Type() QueueType

	// Execute submits closed lists and signals the queue fence to signal
	// once they have finished.
	Execute(lists []CommandList, signal uint64) error

	// Signal enqueues a fence signal without work.
	Signal(value uint64) error

	// CompletedValue reads the hardware fence.
	CompletedValue() uint64

	// Notify returns a channel that is closed once the fence reaches value.
	Notify(value uint64) <-chan struct{}

	// Wait makes future work on this queue wait on the GPU until other's
	// fence reaches value. The CPU does not block.
	Wait(other Queue, value uint64) error
}

// CommandList records GPU commands. Lists are created closed and start
// recording with Reset.
type CommandList interface {
	Type() QueueType
	Reset(alloc CommandAllocator) error
	Close() error

	ResourceBarrier(barriers []Barrier)
	CopyBufferRegion(dst Buffer, dstOffset uint64, src Buffer, srcOffset, size uint64)
	CopyTextureRegion(dst Texture, subresource uint32, src Buffer, srcOffset uint64, layout Footprint)

	SetDescriptorHeaps(heaps ...DescriptorHeap)
	SetGraphicsRootDescriptorTable(parameter uint32, base GPUHandle)
	SetComputeRootDescriptorTable(parameter uint32, base GPUHandle)

	Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32)
	DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32)
	Dispatch(x, y, z uint32)

	Destroy()
}

// Device creates the objects the submission layer pools.
type Device interface {
	Queue(t QueueType) Queue

	CreateCommandAllocator(t QueueType) (CommandAllocator, error)
	CreateCommandList(t QueueType) (CommandList, error)

	CreateDescriptorHeap(kind DescriptorKind, capacity uint32, shaderVisible bool) (DescriptorHeap, error)
	DescriptorIncrement(kind DescriptorKind) uint32
	CopyDescriptors(kind DescriptorKind, dst, src CPUHandle, count uint32)
	CreateView(view View, dst CPUHandle)

	CreateUploadBuffer(size uint64) (UploadBuffer, error)
}
