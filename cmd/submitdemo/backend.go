package main

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpusubmit/backend/halgpu"
	"github.com/gogpu/gpusubmit/fence"
	"github.com/gogpu/gpusubmit/native"
	"github.com/gogpu/gpusubmit/native/sim"
)

// backend bundles a native device with the resource constructors the
// demo needs, which are not part of the native contract.
type backend struct {
	dev        native.Device
	newBuffer  func(size uint64) (native.Buffer, error)
	newTexture func(width, height int) (native.Texture, error)
	// advance completes GPU work up to v; nil for devices that complete on
	// their own.
	advance func(v fence.Value)
	// drain lets every later fence complete without further advance
	// calls; nil for devices that complete on their own.
	drain func()
	close func()
}

func openBackend(name string) (*backend, error) {
	switch name {
	case "sim":
		sd := sim.New(sim.WithManualCompletion())
		return &backend{
			dev: sd,
			newBuffer: func(size uint64) (native.Buffer, error) {
				return sd.NewBuffer(size), nil
			},
			newTexture: func(w, h int) (native.Texture, error) {
				return sd.NewTexture(uint32(w), uint32(h), 4), nil
			},
			advance: func(v fence.Value) {
				if t, ok := v.QueueType(); ok {
					sd.SimQueue(t).AdvanceTo(uint64(v))
				}
			},
			drain: sd.Automate,
			close: sd.Flush,
		}, nil
	case "noop":
		hd, err := halgpu.OpenNoop()
		if err != nil {
			return nil, err
		}
		return &backend{
			dev: hd,
			newBuffer: func(size uint64) (native.Buffer, error) {
				return hd.CreateBuffer("frame-constants", size, gputypes.BufferUsageCopyDst|gputypes.BufferUsageUniform)
			},
			newTexture: func(w, h int) (native.Texture, error) {
				return hd.CreateTexture("albedo", uint32(w), uint32(h), gputypes.TextureFormatRGBA8Unorm)
			},
			close: hd.Close,
		}, nil
	}
	return nil, fmt.Errorf("unknown backend %q", name)
}
