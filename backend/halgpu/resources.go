package halgpu

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpusubmit/internal/logging"
	"github.com/gogpu/gpusubmit/native"
)

// Buffer wraps a hal.Buffer. Buffers created with MapWrite usage implement
// native.UploadBuffer.
type Buffer struct {
	dev   *Device
	raw   hal.Buffer
	size  uint64
	usage gputypes.BufferUsage
	va    uint64

	mapped    []byte
	destroyed atomic.Bool
}

var _ native.UploadBuffer = (*Buffer)(nil)

// Raw returns the HAL buffer.
func (b *Buffer) Raw() hal.Buffer { return b.raw }

// Size implements native.Buffer.
func (b *Buffer) Size() uint64 { return b.size }

// Usage returns the HAL usage flags the buffer was created with.
func (b *Buffer) Usage() gputypes.BufferUsage { return b.usage }

// GPUAddress implements native.UploadBuffer. The HAL has no virtual
// addresses; the value is unique per buffer and only used for bookkeeping.
func (b *Buffer) GPUAddress() uint64 { return b.va }

// Map implements native.UploadBuffer.
func (b *Buffer) Map() ([]byte, error) {
	if b.mapped != nil {
		return b.mapped, nil
	}
	if b.usage&gputypes.BufferUsageMapWrite == 0 {
		return nil, fmt.Errorf("halgpu: map: %w", hal.ErrInvalidMapRange)
	}
	m, err := b.dev.raw.MapBuffer(b.raw, 0, b.size)
	if err != nil {
		return nil, fmt.Errorf("halgpu: map: %w", err)
	}
	b.mapped = unsafe.Slice((*byte)(m.Ptr), b.size)
	return b.mapped, nil
}

// Unmap implements native.UploadBuffer.
func (b *Buffer) Unmap() {
	if b.mapped == nil {
		return
	}
	b.mapped = nil
	if err := b.dev.raw.UnmapBuffer(b.raw); err != nil {
		logging.L().Warn("halgpu: unmap failed", "err", err)
	}
}

// Destroy implements native.Resource.
func (b *Buffer) Destroy() {
	if b.destroyed.Swap(true) {
		return
	}
	b.Unmap()
	b.dev.raw.DestroyBuffer(b.raw)
}

func mustBuffer(r native.Buffer) *Buffer {
	b, ok := r.(*Buffer)
	if !ok {
		panic(fmt.Sprintf("BUG: halgpu: foreign buffer %T", r))
	}
	return b
}

// Texture wraps a single-mip 2D hal.Texture.
type Texture struct {
	dev           *Device
	raw           hal.Texture
	width, height uint32
	format        gputypes.TextureFormat
	bpp           uint32

	destroyed atomic.Bool
}

var _ native.Texture = (*Texture)(nil)

// Raw returns the HAL texture.
func (t *Texture) Raw() hal.Texture { return t.raw }

// Format returns the texel format.
func (t *Texture) Format() gputypes.TextureFormat { return t.format }

// Footprint implements native.Texture. subresource is the mip level.
func (t *Texture) Footprint(subresource uint32) native.Footprint {
	w, h := max(t.width>>subresource, 1), max(t.height>>subresource, 1)
	return native.TextureFootprint(w, h, 1, t.bpp)
}

// Destroy implements native.Resource.
func (t *Texture) Destroy() {
	if t.destroyed.Swap(true) {
		return
	}
	t.dev.raw.DestroyTexture(t.raw)
}

// bufferUsage maps a resource state to the HAL usages it implies.
func bufferUsage(s native.ResourceState) gputypes.BufferUsage {
	var u gputypes.BufferUsage
	if s&native.StateVertexAndConstantBuffer != 0 {
		u |= gputypes.BufferUsageVertex | gputypes.BufferUsageUniform
	}
	if s&native.StateIndexBuffer != 0 {
		u |= gputypes.BufferUsageIndex
	}
	if s&(native.StateUnorderedAccess|native.StateNonPixelShaderResource|native.StatePixelShaderResource) != 0 {
		u |= gputypes.BufferUsageStorage
	}
	if s&native.StateIndirectArgument != 0 {
		u |= gputypes.BufferUsageIndirect
	}
	if s&native.StateCopyDest != 0 {
		u |= gputypes.BufferUsageCopyDst
	}
	if s&native.StateCopySource != 0 {
		u |= gputypes.BufferUsageCopySrc
	}
	return u
}

// textureUsage maps a resource state to the HAL usages it implies.
func textureUsage(s native.ResourceState) gputypes.TextureUsage {
	var u gputypes.TextureUsage
	if s&(native.StateNonPixelShaderResource|native.StatePixelShaderResource) != 0 {
		u |= gputypes.TextureUsageTextureBinding
	}
	if s&native.StateUnorderedAccess != 0 {
		u |= gputypes.TextureUsageStorageBinding
	}
	if s&(native.StateRenderTarget|native.StateDepthWrite|native.StateDepthRead) != 0 {
		u |= gputypes.TextureUsageRenderAttachment
	}
	if s&native.StateCopyDest != 0 {
		u |= gputypes.TextureUsageCopyDst
	}
	if s&native.StateCopySource != 0 {
		u |= gputypes.TextureUsageCopySrc
	}
	return u
}
