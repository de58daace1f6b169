package gpusubmit

import (
	"testing"

	"github.com/gogpu/gpusubmit/descriptor"
	"github.com/gogpu/gpusubmit/upload"
)

func TestDefaultOptions(t *testing.T) {
	o := defaultOptions()
	if o.maxFramesInFlight != 3 {
		t.Errorf("maxFramesInFlight = %d, want 3", o.maxFramesInFlight)
	}
	if o.cpuPageSize != descriptor.DefaultPageSize {
		t.Errorf("cpuPageSize = %d, want %d", o.cpuPageSize, descriptor.DefaultPageSize)
	}
	if o.uploadMinimumSize != upload.DefaultMinimumSize {
		t.Errorf("uploadMinimumSize = %d, want %d", o.uploadMinimumSize, upload.DefaultMinimumSize)
	}
}

func TestOptions(t *testing.T) {
	tests := []struct {
		name  string
		opt   Option
		check func(o options) bool
	}{
		{"frames", WithMaxFramesInFlight(2), func(o options) bool { return o.maxFramesInFlight == 2 }},
		{"frames clamped", WithMaxFramesInFlight(0), func(o options) bool { return o.maxFramesInFlight == 1 }},
		{"page size", WithCPUDescriptorPageSize(64), func(o options) bool { return o.cpuPageSize == 64 }},
		{"page size zero ignored", WithCPUDescriptorPageSize(0), func(o options) bool { return o.cpuPageSize == descriptor.DefaultPageSize }},
		{"upload", WithUploadMinimumSize(1 << 20), func(o options) bool { return o.uploadMinimumSize == 1<<20 }},
		{"heaps", WithGPUHeapMinimumSize(64, 0), func(o options) bool {
			return o.resourceHeapSize == 64 && o.samplerHeapSize == DefaultSamplerHeapSize
		}},
		{"label", WithCommandBufferLabel("ui"), func(o options) bool { return o.label == "ui" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := defaultOptions()
			tt.opt(&o)
			if !tt.check(o) {
				t.Errorf("option not applied: %+v", o)
			}
		})
	}
}

func TestCommandBufferLabel(t *testing.T) {
	_, dev := newDevice(t, nil, WithCommandBufferLabel("ui"))
	cb, err := dev.CreateCommandBuffer(0)
	if err != nil {
		t.Fatal(err)
	}
	defer cb.Dispose()
	if got := cb.Label(); got != "ui/Direct#1" {
		t.Errorf("Label = %q", got)
	}
}
