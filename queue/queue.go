// Package queue wraps hardware queues with fence bookkeeping and pools the
// command allocators recorded against them.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gpusubmit/fence"
	"github.com/gogpu/gpusubmit/internal/logging"
	"github.com/gogpu/gpusubmit/native"
)

var (
	// ErrClosed is returned by pools and queues after Close.
	ErrClosed = errors.New("queue: closed")

	// ErrNoWork is returned when ExecuteCommandLists is called with no lists.
	ErrNoWork = errors.New("queue: no command lists to execute")
)

// Queue is a fence-tracked hardware queue.
//
// Fence values issued by a Queue carry its type tag (see fence.Tag) and are
// strictly increasing. NextFenceValue is always greater than
// LastCompletedFenceValue.
type Queue struct {
	hw  native.Queue
	typ native.QueueType

	// mu serializes submissions so that fence signals reach the hardware in
	// issue order.
	mu   sync.Mutex
	next fence.Value

	lastCompleted atomic.Uint64

	allocators *AllocatorPool
}

// New wraps the hardware queue of type t of dev.
func New(dev native.Device, t native.QueueType) *Queue {
	q := &Queue{
		hw:         dev.Queue(t),
		typ:        t,
		next:       fence.Tag(t) + 1,
		allocators: NewAllocatorPool(dev, t),
	}
	q.lastCompleted.Store(uint64(fence.Tag(t)))
	return q
}

// Type returns the queue family.
func (q *Queue) Type() native.QueueType { return q.typ }

// Native returns the wrapped hardware queue.
func (q *Queue) Native() native.Queue { return q.hw }

// Allocators returns the queue's command allocator pool.
func (q *Queue) Allocators() *AllocatorPool { return q.allocators }

// ExecuteCommandList submits a closed list and returns the fence value that
// completes with it.
func (q *Queue) ExecuteCommandList(list native.CommandList) (fence.Value, error) {
	return q.ExecuteCommandLists([]native.CommandList{list})
}

// ExecuteCommandLists submits closed lists as one batch.
func (q *Queue) ExecuteCommandLists(lists []native.CommandList) (fence.Value, error) {
	if len(lists) == 0 {
		return 0, ErrNoWork
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	v := q.next
	if err := q.hw.Execute(lists, uint64(v)); err != nil {
		return 0, fmt.Errorf("queue: execute on %v: %w", q.typ, err)
	}
	q.next++
	return v, nil
}

// IncrementFence signals the next fence value without submitting work and
// returns it.
func (q *Queue) IncrementFence() (fence.Value, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	v := q.next
	if err := q.hw.Signal(uint64(v)); err != nil {
		return 0, fmt.Errorf("queue: signal on %v: %w", q.typ, err)
	}
	q.next++
	return v, nil
}

// NextFenceValue returns the value the next submission will signal.
func (q *Queue) NextFenceValue() fence.Value {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.next
}

// LastSubmittedFenceValue returns the most recently issued value, or the
// queue tag if nothing was submitted yet.
func (q *Queue) LastSubmittedFenceValue() fence.Value {
	return q.NextFenceValue() - 1
}

// LastCompletedFenceValue returns the cached completed value without
// querying the hardware.
func (q *Queue) LastCompletedFenceValue() fence.Value {
	return fence.Value(q.lastCompleted.Load())
}

// PollCompletedFenceValue refreshes the cached completed value from the
// hardware fence and returns it.
func (q *Queue) PollCompletedFenceValue() fence.Value {
	return q.observe(fence.Value(q.hw.CompletedValue()))
}

// observe raises the cached completed value to v and returns the result.
func (q *Queue) observe(v fence.Value) fence.Value {
	for {
		cur := q.lastCompleted.Load()
		if uint64(v) <= cur {
			return fence.Value(cur)
		}
		if q.lastCompleted.CompareAndSwap(cur, uint64(v)) {
			return v
		}
	}
}

func (q *Queue) checkTag(v fence.Value) {
	if t, ok := v.QueueType(); !ok || t != q.typ {
		panic(fmt.Sprintf("BUG: fence %v queried on %v queue", v, q.typ))
	}
}

// IsFenceComplete reports whether v has completed. The hardware fence is
// only read when v is newer than the cached completed value.
func (q *Queue) IsFenceComplete(v fence.Value) bool {
	if v.IsZero() {
		return true
	}
	q.checkTag(v)
	if uint64(v) <= q.lastCompleted.Load() {
		return true
	}
	return v <= q.PollCompletedFenceValue()
}

// WaitForFence blocks until v completes or ctx is done.
func (q *Queue) WaitForFence(ctx context.Context, v fence.Value) error {
	if q.IsFenceComplete(v) {
		return nil
	}
	logging.L().Debug("queue: waiting for fence", "fence", v, "completed", q.LastCompletedFenceValue())
	select {
	case <-q.hw.Notify(uint64(v)):
		q.observe(v)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForIdle signals a fresh fence value and waits for it, so every
// earlier submission on the queue has completed when it returns.
func (q *Queue) WaitForIdle(ctx context.Context) error {
	v, err := q.IncrementFence()
	if err != nil {
		return err
	}
	return q.WaitForFence(ctx, v)
}

// StallQueue makes future work on q wait on the GPU for the latest
// submission of other. The CPU does not block.
func (q *Queue) StallQueue(other *Queue) error {
	v := other.LastSubmittedFenceValue()
	if other.IsFenceComplete(v) {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.hw.Wait(other.hw, uint64(v)); err != nil {
		return fmt.Errorf("queue: %v wait on %v: %w", q.typ, other.typ, err)
	}
	return nil
}

// RequestAllocator returns an allocator that no in-flight work uses.
func (q *Queue) RequestAllocator() (native.CommandAllocator, error) {
	return q.allocators.Request(q.PollCompletedFenceValue())
}

// DiscardAllocator returns alloc to the pool; it is reused once v completes.
func (q *Queue) DiscardAllocator(v fence.Value, alloc native.CommandAllocator) {
	q.allocators.Return(alloc, v)
}
