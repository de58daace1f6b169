// Package ring provides the linear cursor shared by the descriptor committer
// and the upload allocator.
package ring

// Allocator is a single-shot bump cursor over a fixed capacity. It never
// wraps and has no free list; Reset rebinds it to new backing storage.
//
// The zero value has no capacity and fails every non-empty allocation.
type Allocator struct {
	capacity uint64
	head     uint64
}

// New returns an allocator over capacity units.
func New(capacity uint64) Allocator {
	return Allocator{capacity: capacity}
}

// TryAllocate reserves n units and returns the offset of the first one.
// It succeeds iff head+n <= capacity.
func (a *Allocator) TryAllocate(n uint64) (offset uint64, ok bool) {
	if n > a.capacity-a.head {
		return 0, false
	}
	offset = a.head
	a.head += n
	return offset, true
}

// TryAllocateAligned aligns the cursor up to align (a power of two, or 0/1
// for none) before reserving n units.
func (a *Allocator) TryAllocateAligned(n, align uint64) (offset uint64, ok bool) {
	start := AlignUp(a.head, align)
	if start < a.head || start > a.capacity || n > a.capacity-start {
		return 0, false
	}
	a.head = start + n
	return start, true
}

// Reset rebinds the cursor to capacity units and zeroes the head.
func (a *Allocator) Reset(capacity uint64) {
	a.capacity = capacity
	a.head = 0
}

// Capacity returns the capacity set by New or Reset.
func (a *Allocator) Capacity() uint64 { return a.capacity }

// Head returns the number of units consumed, including alignment padding.
func (a *Allocator) Head() uint64 { return a.head }

// Remaining returns capacity - head.
func (a *Allocator) Remaining() uint64 { return a.capacity - a.head }

// AlignUp rounds v up to a multiple of align. align must be a power of two;
// 0 and 1 mean no alignment.
func AlignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
