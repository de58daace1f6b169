// Package retire defers the destruction of GPU resources until the fence of
// the last submission that used them has completed.
package retire

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gpusubmit/fence"
	"github.com/gogpu/gpusubmit/internal/logging"
	"github.com/gogpu/gpusubmit/native"
)

// ErrClosed is returned by Add after DestroyAll.
var ErrClosed = errors.New("retire: destructor closed")

// Destructor is a FIFO of resources waiting for their retirement fence.
//
// Entries are kept in one FIFO per queue type; within a FIFO fence values
// never decrease, so a drain only looks at the head. Destructor is safe for
// concurrent use. Resources are destroyed outside the lock.
type Destructor struct {
	mu      sync.Mutex
	pending [native.QueueTypeCount]fence.Queue[native.Resource]
	closed  bool

	destroyed int
}

// New returns an empty destructor.
func New() *Destructor { return &Destructor{} }

// Add schedules res for destruction once v completes. A zero fence means
// the resource was never used by the GPU and it is destroyed immediately.
// A fence older than the newest one already queued for the same queue is
// raised to that fence, so the resource waits at the tail instead of
// breaking the queue's ordering.
func (d *Destructor) Add(res native.Resource, v fence.Value) error {
	if res == nil {
		return nil
	}
	if v.IsZero() {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return ErrClosed
		}
		d.destroyed++
		d.mu.Unlock()
		res.Destroy()
		return nil
	}
	t, ok := v.QueueType()
	if !ok {
		panic(fmt.Sprintf("BUG: retire: fence %v carries no queue tag", v))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	q := &d.pending[t]
	if tail, ok := q.Tail(); ok && v < tail {
		v = tail
	}
	q.Push(res, v)
	return nil
}

// AddAll schedules res for destruction once every fence in vs completes.
// Fences of different queues do not order against each other, so res gets
// one entry per queue and is destroyed when the last of them retires. Zero
// fences are ignored; with none left res is destroyed immediately.
func (d *Destructor) AddAll(res native.Resource, vs ...fence.Value) error {
	if res == nil {
		return nil
	}
	vs = slices.DeleteFunc(slices.Clone(vs), fence.Value.IsZero)
	switch len(vs) {
	case 0:
		return d.Add(res, 0)
	case 1:
		return d.Add(res, vs[0])
	}
	for _, v := range vs {
		if _, ok := v.QueueType(); !ok {
			panic(fmt.Sprintf("BUG: retire: fence %v carries no queue tag", v))
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	j := &joint{res: res}
	j.remaining.Store(int32(len(vs)))
	for _, v := range vs {
		t, _ := v.QueueType()
		q := &d.pending[t]
		if tail, ok := q.Tail(); ok && v < tail {
			v = tail
		}
		q.Push(j, v)
	}
	return nil
}

// joint destroys res once each of its queue entries has been destroyed.
type joint struct {
	res       native.Resource
	remaining atomic.Int32
}

func (j *joint) Destroy() {
	if j.remaining.Add(-1) == 0 {
		j.res.Destroy()
	}
}

// Destroy releases, in enqueue order, every head entry of the completed
// value's queue whose fence is <= completed. It stops at the first entry
// that is not yet safe. It returns the number of resources destroyed.
func (d *Destructor) Destroy(completed fence.Value) int {
	t, ok := completed.QueueType()
	if !ok {
		return 0
	}
	d.mu.Lock()
	var ready []native.Resource
	d.pending[t].DrainUpTo(completed, func(e fence.Entry[native.Resource]) {
		ready = append(ready, e.Item)
	})
	d.destroyed += len(ready)
	d.mu.Unlock()

	for _, r := range ready {
		r.Destroy()
	}
	return len(ready)
}

// Collect destroys every entry whose fence tr reports complete, across all
// queue types. It is called once per frame.
func (d *Destructor) Collect(tr fence.Tracker) int {
	d.mu.Lock()
	var ready []native.Resource
	for t := range d.pending {
		d.pending[t].DrainComplete(tr, func(e fence.Entry[native.Resource]) {
			ready = append(ready, e.Item)
		})
	}
	d.destroyed += len(ready)
	d.mu.Unlock()

	for _, r := range ready {
		r.Destroy()
	}
	if len(ready) > 0 {
		logging.L().Debug("retire: destroyed resources", "count", len(ready))
	}
	return len(ready)
}

// DestroyAll destroys everything regardless of fences and closes the
// destructor. The caller must have waited for the GPU to go idle.
func (d *Destructor) DestroyAll() int {
	d.mu.Lock()
	var ready []native.Resource
	for t := range d.pending {
		d.pending[t].DrainAll(func(e fence.Entry[native.Resource]) {
			ready = append(ready, e.Item)
		})
	}
	d.destroyed += len(ready)
	d.closed = true
	d.mu.Unlock()

	for _, r := range ready {
		r.Destroy()
	}
	return len(ready)
}

// Pending returns the number of resources waiting for their fence.
func (d *Destructor) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for t := range d.pending {
		n += d.pending[t].Len()
	}
	return n
}

// Stats describes the destructor.
type Stats struct {
	Pending   int
	Destroyed int
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("retire: %d pending, %d destroyed", s.Pending, s.Destroyed)
}

// Stats returns counters.
func (d *Destructor) Stats() Stats {
	n := d.Pending()
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{Pending: n, Destroyed: d.destroyed}
}
