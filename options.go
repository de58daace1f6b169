package gpusubmit

import (
	"github.com/gogpu/gpusubmit/descriptor"
	"github.com/gogpu/gpusubmit/upload"
)

// Option configures a Device during creation.
//
// Example:
//
//	dev := gpusubmit.New(nativeDevice,
//	    gpusubmit.WithMaxFramesInFlight(2),
//	    gpusubmit.WithUploadMinimumSize(1<<20),
//	)
type Option func(*options)

// options holds optional configuration for Device creation.
type options struct {
	maxFramesInFlight int
	cpuPageSize       uint32
	uploadMinimumSize uint64
	resourceHeapSize  uint32
	samplerHeapSize   uint32
	signatureCache    int
	label             string
}

// Defaults for shader-visible heap sizes.
const (
	DefaultResourceHeapSize = 1024
	DefaultSamplerHeapSize  = 256

	// DefaultSignatureCacheSize is the number of WGSL-derived signatures a
	// Device keeps.
	DefaultSignatureCacheSize = 32
)

// defaultOptions returns the default device options.
func defaultOptions() options {
	return options{
		maxFramesInFlight: 3,
		cpuPageSize:       descriptor.DefaultPageSize,
		uploadMinimumSize: upload.DefaultMinimumSize,
		resourceHeapSize:  DefaultResourceHeapSize,
		samplerHeapSize:   DefaultSamplerHeapSize,
		signatureCache:    DefaultSignatureCacheSize,
		label:             "gpusubmit",
	}
}

// WithMaxFramesInFlight bounds how many presented frames the GPU may lag
// behind the CPU. Present blocks once the limit is reached. Values below 1
// are treated as 1.
func WithMaxFramesInFlight(n int) Option {
	return func(o *options) {
		o.maxFramesInFlight = max(n, 1)
	}
}

// WithCPUDescriptorPageSize sets the slot count of CPU descriptor pages.
func WithCPUDescriptorPageSize(n uint32) Option {
	return func(o *options) {
		if n > 0 {
			o.cpuPageSize = n
		}
	}
}

// WithUploadMinimumSize sets the smallest upload buffer the device creates.
func WithUploadMinimumSize(size uint64) Option {
	return func(o *options) {
		if size > 0 {
			o.uploadMinimumSize = size
		}
	}
}

// WithGPUHeapMinimumSize sets the minimum slot counts of shader-visible
// resource and sampler heaps. Zero keeps the default.
func WithGPUHeapMinimumSize(resource, sampler uint32) Option {
	return func(o *options) {
		if resource > 0 {
			o.resourceHeapSize = resource
		}
		if sampler > 0 {
			o.samplerHeapSize = sampler
		}
	}
}

// WithSignatureCacheSize sets how many WGSL-derived signatures
// Device.Signature keeps.
func WithSignatureCacheSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.signatureCache = n
		}
	}
}

// WithCommandBufferLabel sets the prefix used to label command buffers in
// logs.
func WithCommandBufferLabel(label string) Option {
	return func(o *options) {
		o.label = label
	}
}
