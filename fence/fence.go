// Package fence defines GPU fence values and the fence-gated FIFO that every
// pool in gpusubmit is built on.
//
// A Value identifies a point of completed work on one hardware queue. The
// queue type is encoded in the top byte so a value alone is enough to route
// a completion query to its owning queue:
//
//	bits 63..56  queue type + 1 (0 means "no queue")
//	bits 55..0   per-queue sequence number, starting at 1
//
// The zero Value carries no GPU use and is always complete.
package fence

import (
	"fmt"

	"github.com/gogpu/gpusubmit/native"
)

const (
	tagShift = 56
	seqMask  = 1<<tagShift - 1
)

// Value is a tagged fence value.
type Value uint64

// Tag returns the first fence value of queue type t. Sequences issued by a
// queue are Tag(t), Tag(t)+1, ...
func Tag(t native.QueueType) Value {
	return Value(uint64(t)+1) << tagShift
}

// Make builds the value with the given sequence number on queue type t.
func Make(t native.QueueType, seq uint64) Value {
	return Tag(t) | Value(seq&seqMask)
}

// IsZero reports whether v is the untagged zero value.
func (v Value) IsZero() bool { return v == 0 }

// QueueType returns the queue type encoded in v. It reports false for
// values without a tag.
func (v Value) QueueType() (native.QueueType, bool) {
	tag := uint64(v) >> tagShift
	if tag == 0 || tag > native.QueueTypeCount {
		return 0, false
	}
	return native.QueueType(tag - 1), true
}

// Sequence returns the per-queue part of v.
func (v Value) Sequence() uint64 { return uint64(v) & seqMask }

// String formats v as "Direct#12".
func (v Value) String() string {
	t, ok := v.QueueType()
	if !ok {
		return fmt.Sprintf("fence(%#x)", uint64(v))
	}
	return fmt.Sprintf("%v#%d", t, v.Sequence())
}

// Tracker answers completion queries for tagged fence values.
// queue.Queue and queue.Manager implement it.
type Tracker interface {
	IsFenceComplete(v Value) bool
}

// TrackerFunc adapts a function to Tracker.
type TrackerFunc func(Value) bool

// IsFenceComplete calls f(v).
func (f TrackerFunc) IsFenceComplete(v Value) bool { return f(v) }

// Completed is a Tracker that reports every fence as complete.
var Completed Tracker = TrackerFunc(func(Value) bool { return true })
