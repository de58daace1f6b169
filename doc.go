// Package gpusubmit records and submits GPU work on an explicit,
// D3D12-style API while keeping every transient object alive exactly as
// long as the GPU needs it.
//
// # Overview
//
// Each queue signals a monotonically increasing fence value per submission.
// Values carry their queue type in the top byte, so any value can be routed
// back to the queue that issued it. Command allocators, shader-visible
// descriptor heaps, upload buffers and released resources are tagged with
// the value of the submission that used them and recycled only after that
// value completes.
//
// # Quick Start
//
//	dev := gpusubmit.New(nativeDevice)
//	defer dev.Close(ctx)
//
//	cb, _ := dev.CreateCommandBuffer(native.QueueDirect)
//	cb.SetGraphicsSignature(sig)
//	cb.SetDescriptor(0, 0, native.View{Kind: native.ViewShaderResource, Resource: tex})
//	cb.UpdateBuffer(vertices, 0, data)
//	cb.Draw(3, 1, 0, 0)
//	v, _ := dev.Submit(cb)
//
//	dev.Present(ctx)       // frame pacing and deferred destruction
//	dev.WaitForFence(ctx, v)
//
// # Descriptors
//
// Recorders write descriptors into a CPU-only staging heap laid out by the
// bound signature (see package layout). Before each draw or dispatch only
// the tables that changed are copied into the shader-visible heap, which is
// append-only until it fills up and is replaced.
//
// Signatures can be built by hand with layout.NewBuilder or derived from
// the bindings of a WGSL module with Device.Signature, which caches them.
//
// # Concurrency
//
// Device is safe for concurrent use. Command buffers can be recorded on
// separate goroutines and submitted together, in order, with SubmitBatch.
//
// # Backends
//
// Package native defines the device contract. native/sim is an in-memory
// device with deterministic fences used by tests. backend/halgpu runs the
// same contract on gogpu/wgpu's HAL.
//
// # Architecture
//
// The library is organized into:
//   - Public API: Device, CommandBuffer, Option
//   - Submission: fence, queue, retire
//   - Resources: descriptor, layout, upload, barrier
//   - Devices: native, native/sim, backend/halgpu
package gpusubmit

// Version information
const (
	// Version is the current version of the library
	Version = "0.1.0-alpha.1"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 1

	// VersionPatch is the patch version
	VersionPatch = 0

	// VersionPrerelease is the prerelease identifier
	VersionPrerelease = "alpha.1"
)
