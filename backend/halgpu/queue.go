package halgpu

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpusubmit/native"
)

// defaultPollInterval is how often pending Notify channels re-read the HAL
// submission index.
const defaultPollInterval = 250 * time.Microsecond

// signalAt is a fence value that counts as signalled once the HAL has
// completed submission index.
type signalAt struct {
	index uint64
	value uint64
}

// Queue is one native queue type backed by the device's HAL queue.
type Queue struct {
	dev *Device
	typ native.QueueType

	// guarded by dev.mu
	pending   []signalAt
	completed uint64
}

var _ native.Queue = (*Queue)(nil)

// Type implements native.Queue.
func (q *Queue) Type() native.QueueType { return q.typ }

// Execute implements native.Queue. All lists are submitted to the HAL in
// one call.
func (q *Queue) Execute(lists []native.CommandList, signal uint64) error {
	owned := make([]*CommandList, 0, len(lists))
	cbs := make([]hal.CommandBuffer, 0, len(lists))
	for _, l := range lists {
		cl, ok := l.(*CommandList)
		if !ok || cl.dev != q.dev {
			return fmt.Errorf("halgpu: execute: %w", native.ErrForeignObject)
		}
		if cl.typ != q.typ {
			return fmt.Errorf("halgpu: %v list executed on %v queue", cl.typ, q.typ)
		}
		if cl.recording {
			return fmt.Errorf("halgpu: execute: %w", native.ErrListRecording)
		}
		if cl.cb == nil {
			return fmt.Errorf("halgpu: execute: %v list holds no recorded commands", cl.typ)
		}
		owned = append(owned, cl)
		cbs = append(cbs, cl.cb)
	}

	d := q.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	idx, err := d.queue.Submit(cbs)
	if err != nil {
		return fmt.Errorf("halgpu: submit: %w", err)
	}
	d.lastIndex = idx
	d.stats.Submissions++
	for _, cl := range owned {
		cl.alloc.lastIndex = idx
		cl.cb = nil
	}
	q.pending = append(q.pending, signalAt{index: idx, value: signal})
	return nil
}

// Signal implements native.Queue. The value is signalled once everything
// submitted so far has completed.
func (q *Queue) Signal(value uint64) error {
	d := q.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	q.pending = append(q.pending, signalAt{index: d.lastIndex, value: value})
	return nil
}

// CompletedValue implements native.Queue.
func (q *Queue) CompletedValue() uint64 {
	d := q.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	done := d.queue.PollCompleted()
	n := 0
	for n < len(q.pending) && q.pending[n].index <= done {
		q.completed = max(q.completed, q.pending[n].value)
		n++
	}
	if n > 0 {
		clear(q.pending[:n])
		q.pending = q.pending[n:]
	}
	return q.completed
}

// Notify implements native.Queue by polling the HAL submission index.
func (q *Queue) Notify(value uint64) <-chan struct{} {
	if q.CompletedValue() >= value {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return q.dev.poller.add(q, value)
}

// Wait implements native.Queue. The HAL queue executes submissions in
// order, so work submitted after this call already follows other's.
func (q *Queue) Wait(other native.Queue, value uint64) error {
	o, ok := other.(*Queue)
	if !ok || o.dev != q.dev {
		return fmt.Errorf("halgpu: wait: %w", native.ErrForeignObject)
	}
	return nil
}

type waiter struct {
	q     *Queue
	value uint64
	ch    chan struct{}
}

// poller closes Notify channels. Its goroutine runs only while there are
// waiters. Once stopped it closes every pending channel and answers later
// Notify calls with a closed one.
type poller struct {
	interval time.Duration

	mu      sync.Mutex
	waiters []waiter
	running bool
	stopped bool

	once sync.Once
	done chan struct{}
}

func newPoller(interval time.Duration) *poller {
	return &poller{interval: interval, done: make(chan struct{})}
}

func (p *poller) add(q *Queue, value uint64) <-chan struct{} {
	ch := make(chan struct{})
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		close(ch)
		return ch
	}
	p.waiters = append(p.waiters, waiter{q: q, value: value, ch: ch})
	start := !p.running
	p.running = true
	p.mu.Unlock()
	if start {
		go p.run()
	}
	return ch
}

func (p *poller) run() {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-t.C:
		}
		p.mu.Lock()
		kept := p.waiters[:0]
		for _, w := range p.waiters {
			if w.q.CompletedValue() >= w.value {
				close(w.ch)
				continue
			}
			kept = append(kept, w)
		}
		clear(p.waiters[len(kept):])
		p.waiters = kept
		if len(kept) == 0 {
			p.running = false
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
	}
}

func (p *poller) stop() {
	p.once.Do(func() {
		p.mu.Lock()
		p.stopped = true
		for _, w := range p.waiters {
			close(w.ch)
		}
		clear(p.waiters)
		p.waiters = nil
		p.mu.Unlock()
		close(p.done)
	})
}
