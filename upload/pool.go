// Package upload stages CPU data in mappable buffers for copies into
// GPU-only resources.
//
// BufferPool recycles upload buffers under fence control. RingAllocator is
// the per-recorder linear suballocator on top of it.
package upload

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gpusubmit/fence"
	"github.com/gogpu/gpusubmit/internal/logging"
	"github.com/gogpu/gpusubmit/native"
)

// ErrClosed is returned by the pool after Close.
var ErrClosed = errors.New("upload: pool closed")

// DefaultMinimumSize is the smallest upload buffer the pool creates.
const DefaultMinimumSize = 256 << 10

// Config configures a BufferPool.
type Config struct {
	// MinimumSize is the smallest buffer created. Zero means DefaultMinimumSize.
	MinimumSize uint64
}

// BufferPool recycles upload buffers. A returned buffer becomes available
// once its fence completes.
//
// BufferPool is safe for concurrent use.
type BufferPool struct {
	dev     native.Device
	minSize uint64

	mu        sync.Mutex
	retired   [native.QueueTypeCount]fence.Queue[native.UploadBuffer]
	available []native.UploadBuffer
	all       []native.UploadBuffer
	closed    bool
}

// NewBufferPool creates an empty pool.
func NewBufferPool(dev native.Device, cfg Config) *BufferPool {
	if cfg.MinimumSize == 0 {
		cfg.MinimumSize = DefaultMinimumSize
	}
	return &BufferPool{dev: dev, minSize: cfg.MinimumSize}
}

// MinimumSize returns the configured minimum buffer size.
func (p *BufferPool) MinimumSize() uint64 { return p.minSize }

// Request returns a buffer of at least max(size, MinimumSize) bytes. tr
// decides which retired buffers may be reused.
func (p *BufferPool) Request(size uint64, tr fence.Tracker) (native.UploadBuffer, error) {
	size = max(size, p.minSize)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	for t := range p.retired {
		p.retired[t].DrainComplete(tr, func(e fence.Entry[native.UploadBuffer]) {
			p.available = append(p.available, e.Item)
		})
	}

	best := -1
	for i, b := range p.available {
		if b.Size() >= size && (best < 0 || b.Size() < p.available[best].Size()) {
			best = i
		}
	}
	if best >= 0 {
		b := p.available[best]
		last := len(p.available) - 1
		p.available[best] = p.available[last]
		p.available[last] = nil
		p.available = p.available[:last]
		return b, nil
	}

	b, err := p.dev.CreateUploadBuffer(size)
	if err != nil {
		return nil, fmt.Errorf("upload: create buffer (%d bytes): %w", size, err)
	}
	p.all = append(p.all, b)
	logging.L().Debug("upload: buffer pool miss", "size", size, "total", len(p.all))
	return b, nil
}

// Return hands b back to the pool; it is reused once v completes.
func (p *BufferPool) Return(b native.UploadBuffer, v fence.Value) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if v.IsZero() {
		p.available = append(p.available, b)
		return
	}
	t, ok := v.QueueType()
	if !ok {
		panic(fmt.Sprintf("BUG: upload: buffer returned with untagged fence %v", v))
	}
	p.retired[t].Push(b, v)
}

// Stats describes an upload pool.
type Stats struct {
	Buffers   int
	Available int
	Retired   int
	Bytes     uint64
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("upload: %d buffers (%d available, %d retired), %.2f MB",
		s.Buffers, s.Available, s.Retired, float64(s.Bytes)/(1024*1024))
}

// Stats returns pool counters.
func (p *BufferPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Buffers: len(p.all), Available: len(p.available)}
	for t := range p.retired {
		s.Retired += p.retired[t].Len()
	}
	for _, b := range p.all {
		s.Bytes += b.Size()
	}
	return s
}

// Close destroys every buffer the pool created.
func (p *BufferPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, b := range p.all {
		b.Destroy()
	}
	p.all, p.available = nil, nil
	for t := range p.retired {
		p.retired[t].DrainAll(nil)
	}
}
