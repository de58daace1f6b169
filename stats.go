package gpusubmit

import (
	"fmt"
	"strings"

	"github.com/gogpu/gpusubmit/descriptor"
	"github.com/gogpu/gpusubmit/layout"
	"github.com/gogpu/gpusubmit/native"
	"github.com/gogpu/gpusubmit/queue"
	"github.com/gogpu/gpusubmit/retire"
	"github.com/gogpu/gpusubmit/upload"
)

// Stats is a snapshot of a Device's pools.
type Stats struct {
	Frame          uint64
	FramesInFlight int
	CommandBuffers int
	IdleBuffers    int

	Allocators     [native.QueueTypeCount]queue.AllocatorStats
	CPUDescriptors [native.DescriptorKindCount]descriptor.CPUStats
	StagingHeaps   [2]descriptor.PoolStats
	GPUHeaps       [2]descriptor.PoolStats
	Upload         upload.Stats
	Retire         retire.Stats
	Signatures     layout.CacheStats
}

// String returns a multi-line human-readable summary.
func (s Stats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "frame %d, %d in flight, %d command buffers (%d idle)\n",
		s.Frame, s.FramesInFlight, s.CommandBuffers, s.IdleBuffers)
	for t := range s.Allocators {
		fmt.Fprintf(&b, "  %v %v\n", native.QueueType(t), s.Allocators[t])
	}
	for k := range s.CPUDescriptors {
		fmt.Fprintf(&b, "  %v cpu %v\n", native.DescriptorKind(k), s.CPUDescriptors[k])
	}
	for i, kind := range committedKinds {
		fmt.Fprintf(&b, "  %v staging %v\n", kind, s.StagingHeaps[i])
		fmt.Fprintf(&b, "  %v shader-visible %v\n", kind, s.GPUHeaps[i])
	}
	fmt.Fprintf(&b, "  %v\n  %v\n  signatures %v", s.Upload, s.Retire, s.Signatures)
	return b.String()
}

// Stats returns a snapshot of the device's pools.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	s := Stats{
		Frame:          d.frame,
		FramesInFlight: len(d.frames),
		CommandBuffers: d.created,
	}
	for t := range d.free {
		s.IdleBuffers += len(d.free[t])
	}
	d.mu.Unlock()

	for t := range s.Allocators {
		s.Allocators[t] = d.queues.Queue(native.QueueType(t)).Allocators().Stats()
	}
	for k := range s.CPUDescriptors {
		s.CPUDescriptors[k] = d.cpu.Stats(native.DescriptorKind(k))
	}
	for i := range committedKinds {
		s.StagingHeaps[i] = d.staging[i].Stats()
		s.GPUHeaps[i] = d.gpu[i].Stats()
	}
	s.Upload = d.uploads.Stats()
	s.Retire = d.destructor.Stats()
	s.Signatures = d.signatures.Stats()
	return s
}
