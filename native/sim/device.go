// Package sim is a simulated explicit graphics device.
//
// Queues keep a FIFO of submitted work and only advance their fence when
// told to (manual completion) or as soon as the work is enqueued (automatic
// completion, the default). Executed command lists are kept in a log so
// tests can inspect exactly what the submission layer recorded, and copies
// between simulated buffers and textures really move bytes.
//
// Misuse that a real driver would punish with device removal, such as
// touching a destroyed resource from an executing list, is recorded as a
// violation instead of crashing, see Device.Violations.
package sim

import (
	"fmt"
	"sync"

	"github.com/gogpu/gpusubmit/internal/descmem"
	"github.com/gogpu/gpusubmit/native"
)

// Option configures a Device.
type Option func(*Device)

// WithManualCompletion makes queues hold submitted work until AdvanceTo or
// Flush is called.
func WithManualCompletion() Option {
	return func(d *Device) { d.manual = true }
}

// Stats counts objects created by a Device.
type Stats struct {
	Allocators    int
	Lists         int
	Heaps         int
	UploadBuffers int
	Buffers       int
	Textures      int
}

// Submission is one Execute call as seen by the GPU.
type Submission struct {
	Queue  native.QueueType
	Signal uint64
	// Lists is the number of command lists executed together.
	Lists int
	// Commands holds the commands of every list in execution order.
	Commands []Command
}

// Device is a simulated native.Device. It is safe for concurrent use.
type Device struct {
	manual bool
	space  *descmem.Space
	queues [native.QueueTypeCount]*Queue

	mu         sync.Mutex
	executed   []Submission
	violations []string
	stats      Stats
	nextVA     uint64
}

var _ native.Device = (*Device)(nil)

// New returns a simulated device.
func New(opts ...Option) *Device {
	d := &Device{
		space:  descmem.NewSpace(),
		nextVA: 0x1000_0000,
	}
	for _, opt := range opts {
		opt(d)
	}
	for t := native.QueueType(0); t < native.QueueTypeCount; t++ {
		d.queues[t] = &Queue{dev: d, typ: t}
	}
	return d
}

// Queue returns the queue of type t.
func (d *Device) Queue(t native.QueueType) native.Queue { return d.queues[t] }

// SimQueue returns the concrete queue of type t.
func (d *Device) SimQueue(t native.QueueType) *Queue { return d.queues[t] }

// CreateCommandAllocator creates an allocator for lists of type t.
func (d *Device) CreateCommandAllocator(t native.QueueType) (native.CommandAllocator, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("sim: invalid queue type %v", t)
	}
	d.mu.Lock()
	d.stats.Allocators++
	d.mu.Unlock()
	return &Allocator{dev: d, typ: t}, nil
}

// CreateCommandList creates a closed command list of type t.
func (d *Device) CreateCommandList(t native.QueueType) (native.CommandList, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("sim: invalid queue type %v", t)
	}
	d.mu.Lock()
	d.stats.Lists++
	d.mu.Unlock()
	return &CommandList{dev: d, typ: t}, nil
}

// CreateDescriptorHeap reserves a descriptor heap in the device address space.
func (d *Device) CreateDescriptorHeap(kind native.DescriptorKind, capacity uint32, shaderVisible bool) (native.DescriptorHeap, error) {
	h, err := d.space.NewHeap(kind, capacity, shaderVisible)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.stats.Heaps++
	d.mu.Unlock()
	return h, nil
}

// DescriptorIncrement returns the handle stride of kind.
func (d *Device) DescriptorIncrement(kind native.DescriptorKind) uint32 {
	return descmem.Increment(kind)
}

// CopyDescriptors copies count descriptors between heaps.
func (d *Device) CopyDescriptors(kind native.DescriptorKind, dst, src native.CPUHandle, count uint32) {
	d.space.Copy(kind, dst, src, count)
}

// CreateView writes view into the slot at dst.
func (d *Device) CreateView(view native.View, dst native.CPUHandle) {
	d.space.Write(dst, view)
}

// Descriptors exposes the descriptor address space for inspection.
func (d *Device) Descriptors() *descmem.Space { return d.space }

// CreateUploadBuffer creates a mappable buffer.
func (d *Device) CreateUploadBuffer(size uint64) (native.UploadBuffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("sim: zero-sized upload buffer")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.UploadBuffers++
	b := &Buffer{dev: d, data: make([]byte, size), upload: true, va: d.nextVA}
	d.nextVA += (size + 0xFFFF) &^ 0xFFFF
	return b, nil
}

// NewBuffer creates a GPU-only buffer.
func (d *Device) NewBuffer(size uint64) *Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Buffers++
	b := &Buffer{dev: d, data: make([]byte, size), va: d.nextVA}
	d.nextVA += (size + 0xFFFF) &^ 0xFFFF
	return b
}

// NewTexture creates a single-mip 2D texture.
func (d *Device) NewTexture(width, height, bytesPerTexel uint32) *Texture {
	d.mu.Lock()
	d.stats.Textures++
	d.mu.Unlock()
	return &Texture{
		dev:    d,
		width:  width,
		height: height,
		bpp:    bytesPerTexel,
		data:   make([]byte, int(width)*int(height)*int(bytesPerTexel)),
	}
}

// Stats returns creation counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Executed returns every submission the GPU has finished, in completion order.
func (d *Device) Executed() []Submission {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Submission(nil), d.executed...)
}

// Violations returns the lifetime and ordering errors observed during execution.
func (d *Device) Violations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.violations...)
}

// Flush completes all pending work on every queue.
func (d *Device) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pumpLocked(^uint64(0))
}

// Automate switches a manually completed device to automatic completion
// and runs everything already queued. Work submitted afterwards completes
// on submission.
func (d *Device) Automate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.manual = false
	d.pumpLocked(^uint64(0))
}

func (d *Device) violate(format string, args ...any) {
	d.violations = append(d.violations, fmt.Sprintf(format, args...))
}

// pumpLocked advances every queue as far as its pending work and
// cross-queue waits allow, without signalling past limit.
func (d *Device) pumpLocked(limit uint64) {
	for {
		progressed := false
		for _, q := range d.queues {
			if q.advanceLocked(limit) {
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

// afterSubmitLocked runs enqueued work immediately in automatic mode.
func (d *Device) afterSubmitLocked() {
	if !d.manual {
		d.pumpLocked(^uint64(0))
	}
}
