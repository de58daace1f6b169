package sim

import (
	"github.com/gogpu/gpusubmit/native"
)

// Buffer is a simulated buffer. Upload buffers are mappable.
type Buffer struct {
	dev       *Device
	data      []byte
	va        uint64
	upload    bool
	mapped    bool
	destroyed bool
}

var _ native.UploadBuffer = (*Buffer)(nil)

// Size returns the buffer size in bytes.
func (b *Buffer) Size() uint64 { return uint64(len(b.data)) }

// Map returns the buffer memory. Only upload buffers can be mapped.
func (b *Buffer) Map() ([]byte, error) {
	if !b.upload {
		panic("BUG: sim: mapping a GPU-only buffer")
	}
	b.mapped = true
	return b.data, nil
}

// Unmap ends CPU access.
func (b *Buffer) Unmap() { b.mapped = false }

// Mapped reports whether the buffer is currently mapped.
func (b *Buffer) Mapped() bool { return b.mapped }

// GPUAddress returns the simulated virtual address.
func (b *Buffer) GPUAddress() uint64 { return b.va }

// Bytes returns the buffer contents as the GPU last wrote them.
func (b *Buffer) Bytes() []byte {
	b.dev.mu.Lock()
	defer b.dev.mu.Unlock()
	return append([]byte(nil), b.data...)
}

// Destroy releases the buffer. Destroying twice is recorded as a violation.
func (b *Buffer) Destroy() {
	b.dev.mu.Lock()
	defer b.dev.mu.Unlock()
	if b.destroyed {
		b.dev.violate("buffer destroyed twice")
	}
	b.destroyed = true
}

// Destroyed reports whether Destroy was called.
func (b *Buffer) Destroyed() bool {
	b.dev.mu.Lock()
	defer b.dev.mu.Unlock()
	return b.destroyed
}

// Texture is a simulated single-mip 2D texture stored tightly packed.
type Texture struct {
	dev           *Device
	width, height uint32
	bpp           uint32
	data          []byte
	destroyed     bool
}

var _ native.Texture = (*Texture)(nil)

// Footprint returns the copy layout of the texture.
func (t *Texture) Footprint(subresource uint32) native.Footprint {
	w, h := max(t.width>>subresource, 1), max(t.height>>subresource, 1)
	return native.TextureFootprint(w, h, 1, t.bpp)
}

// Pixels returns the texel bytes, rows tightly packed.
func (t *Texture) Pixels() []byte {
	t.dev.mu.Lock()
	defer t.dev.mu.Unlock()
	return append([]byte(nil), t.data...)
}

// Destroy releases the texture.
func (t *Texture) Destroy() {
	t.dev.mu.Lock()
	defer t.dev.mu.Unlock()
	if t.destroyed {
		t.dev.violate("texture destroyed twice")
	}
	t.destroyed = true
}

// Destroyed reports whether Destroy was called.
func (t *Texture) Destroyed() bool {
	t.dev.mu.Lock()
	defer t.dev.mu.Unlock()
	return t.destroyed
}

func (t *Texture) copyFrom(src []byte, fp native.Footprint) {
	row := int(fp.RowSize)
	for y := 0; y < int(fp.Rows) && y < int(t.height); y++ {
		off := y * int(fp.RowPitch)
		copy(t.data[y*int(t.width*t.bpp):], src[off:off+row])
	}
}

func isDestroyed(r native.Resource) bool {
	switch r := r.(type) {
	case *Buffer:
		return r.destroyed
	case *Texture:
		return r.destroyed
	}
	return false
}
