package sim

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/gpusubmit/native"
)

type opKind uint8

const (
	opExecute opKind = iota
	opSignal
	opWait
)

type pendingOp struct {
	kind     opKind
	value    uint64 // signal value, or awaited value for opWait
	commands [][]Command
	allocs   []*Allocator
	other    *Queue
}

type waiter struct {
	value uint64
	ch    chan struct{}
}

// Queue is a simulated hardware queue. State is guarded by the owning
// device's lock.
type Queue struct {
	dev *Device
	typ native.QueueType

	completed uint64
	pending   []pendingOp
	waiters   []waiter

	reads atomic.Int64
}

var _ native.Queue = (*Queue)(nil)

// Type returns the queue family.
func (q *Queue) Type() native.QueueType { return q.typ }

// Execute enqueues closed lists followed by a fence signal.
func (q *Queue) Execute(lists []native.CommandList, signal uint64) error {
	op := pendingOp{kind: opExecute, value: signal}
	for _, l := range lists {
		sl, ok := l.(*CommandList)
		if !ok || sl.dev != q.dev {
			return native.ErrForeignObject
		}
		if sl.typ != q.typ {
			return fmt.Errorf("sim: %v command list submitted to %v queue", sl.typ, q.typ)
		}
		if sl.recording {
			return native.ErrListRecording
		}
		op.commands = append(op.commands, sl.cmds)
		if sl.alloc != nil {
			op.allocs = append(op.allocs, sl.alloc)
		}
	}

	q.dev.mu.Lock()
	defer q.dev.mu.Unlock()
	for _, a := range op.allocs {
		a.queue = q
		if signal > a.fence {
			a.fence = signal
		}
	}
	q.pending = append(q.pending, op)
	q.dev.afterSubmitLocked()
	return nil
}

// Signal enqueues a fence signal.
func (q *Queue) Signal(value uint64) error {
	q.dev.mu.Lock()
	defer q.dev.mu.Unlock()
	q.pending = append(q.pending, pendingOp{kind: opSignal, value: value})
	q.dev.afterSubmitLocked()
	return nil
}

// Wait holds later work on q until other reaches value.
func (q *Queue) Wait(other native.Queue, value uint64) error {
	oq, ok := other.(*Queue)
	if !ok || oq.dev != q.dev {
		return native.ErrForeignObject
	}
	q.dev.mu.Lock()
	defer q.dev.mu.Unlock()
	q.pending = append(q.pending, pendingOp{kind: opWait, value: value, other: oq})
	q.dev.afterSubmitLocked()
	return nil
}

// CompletedValue reads the simulated hardware fence.
func (q *Queue) CompletedValue() uint64 {
	q.reads.Add(1)
	q.dev.mu.Lock()
	defer q.dev.mu.Unlock()
	return q.completed
}

// Reads returns how many times CompletedValue was called.
func (q *Queue) Reads() int64 { return q.reads.Load() }

// Pending returns the number of queued operations the GPU has not finished.
func (q *Queue) Pending() int {
	q.dev.mu.Lock()
	defer q.dev.mu.Unlock()
	return len(q.pending)
}

// Notify returns a channel closed once the fence reaches value.
func (q *Queue) Notify(value uint64) <-chan struct{} {
	ch := make(chan struct{})
	q.dev.mu.Lock()
	defer q.dev.mu.Unlock()
	if q.completed >= value {
		close(ch)
		return ch
	}
	q.waiters = append(q.waiters, waiter{value: value, ch: ch})
	return ch
}

// AdvanceTo executes pending work in order until the next operation would
// signal past value or waits on another queue that has not caught up.
func (q *Queue) AdvanceTo(value uint64) {
	q.dev.mu.Lock()
	defer q.dev.mu.Unlock()
	q.advanceLocked(value)
}

// advanceLocked reports whether any pending operation was retired. Waiters
// are woken whenever the fence moved, even if later work stays pending.
func (q *Queue) advanceLocked(limit uint64) (progressed bool) {
	defer func() {
		if progressed {
			q.wakeLocked()
		}
	}()
	for len(q.pending) > 0 {
		op := q.pending[0]
		switch op.kind {
		case opWait:
			if op.other.completed < op.value {
				return progressed
			}
		case opExecute, opSignal:
			if op.value > limit {
				return progressed
			}
			if op.kind == opExecute {
				q.executeLocked(op)
			}
			if op.value < q.completed {
				q.dev.violate("%v queue fence moved backwards: %d -> %d", q.typ, q.completed, op.value)
			}
			q.completed = op.value
		}
		q.pending[0] = pendingOp{}
		q.pending = q.pending[1:]
		progressed = true
	}
	return progressed
}

func (q *Queue) wakeLocked() {
	kept := q.waiters[:0]
	for _, w := range q.waiters {
		if q.completed >= w.value {
			close(w.ch)
			continue
		}
		kept = append(kept, w)
	}
	clear(q.waiters[len(kept):])
	q.waiters = kept
}

// executeLocked runs the lists of one Execute call in order and records
// them as a single submission.
func (q *Queue) executeLocked(op pendingOp) {
	sub := Submission{Queue: q.typ, Signal: op.value, Lists: len(op.commands)}
	for _, cmds := range op.commands {
		for i := range cmds {
			cmds[i].execute(q.dev)
		}
		sub.Commands = append(sub.Commands, cmds...)
	}
	q.dev.executed = append(q.dev.executed, sub)
}
