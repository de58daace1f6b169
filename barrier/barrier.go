// Package barrier tracks resource usage states and batches the barriers
// needed to move resources between them.
//
// Elimination only compares against the last known state of each resource;
// it is not a dependency analysis.
package barrier

import (
	"github.com/gogpu/gpusubmit/native"
)

// State is the usage state of a tracked resource. Transitioning is
// native.StateNone unless a split barrier has begun and not yet ended.
type State struct {
	Usage         native.ResourceState
	Transitioning native.ResourceState
}

// NewState returns a state in initial with no split barrier outstanding.
func NewState(initial native.ResourceState) State {
	return State{Usage: initial, Transitioning: native.StateNone}
}

// Tracked is a resource whose usage state participates in barrier emission.
type Tracked interface {
	native.Resource
	BarrierState() *State
}

// Resource attaches a State to a native resource.
type Resource struct {
	native.Resource
	state State
}

// Track wraps res with initial as its current usage state.
func Track(res native.Resource, initial native.ResourceState) *Resource {
	return &Resource{Resource: res, state: NewState(initial)}
}

// BarrierState returns the mutable tracking state.
func (r *Resource) BarrierState() *State { return &r.state }

// Native returns the wrapped resource.
func (r *Resource) Native() native.Resource { return r.Resource }

// List accumulates barriers until they are flushed into a command list.
// A List is owned by one recorder and is not safe for concurrent use.
type List struct {
	barriers []native.Barrier
}

func nativeOf(r Tracked) native.Resource {
	if w, ok := r.(interface{ Native() native.Resource }); ok {
		return w.Native()
	}
	return r
}

// AddTransitionBarrier moves r to newState.
//
// A barrier is added only if the usage state changes. If newState is the
// target of an outstanding split barrier the barrier is end-only. Moving an
// UnorderedAccess resource to UnorderedAccess adds a UAV barrier instead,
// since same-state accesses may still race.
func (l *List) AddTransitionBarrier(r Tracked, newState native.ResourceState) {
	s := r.BarrierState()

	if s.Transitioning != native.StateNone && s.Transitioning != newState {
		// Finish the split barrier before starting an unrelated transition.
		l.endSplit(r, s)
	}

	if s.Usage != newState {
		b := native.Barrier{
			Type:     native.BarrierTransition,
			Resource: nativeOf(r),
			Before:   s.Usage,
			After:    newState,
		}
		if newState == s.Transitioning {
			b.Flags = native.BarrierFlagEndOnly
			s.Transitioning = native.StateNone
		}
		l.barriers = append(l.barriers, b)
		s.Usage = newState
		return
	}

	if newState == native.StateUnorderedAccess {
		l.AddUAVBarrier(r)
	}
}

func (l *List) endSplit(r Tracked, s *State) {
	l.barriers = append(l.barriers, native.Barrier{
		Type:     native.BarrierTransition,
		Flags:    native.BarrierFlagEndOnly,
		Resource: nativeOf(r),
		Before:   s.Usage,
		After:    s.Transitioning,
	})
	s.Usage = s.Transitioning
	s.Transitioning = native.StateNone
}

// BeginSplitTransition starts moving r to newState. The transition ends
// when AddTransitionBarrier(r, newState) is called.
func (l *List) BeginSplitTransition(r Tracked, newState native.ResourceState) {
	s := r.BarrierState()
	if s.Transitioning != native.StateNone {
		l.endSplit(r, s)
	}
	if s.Usage == newState {
		return
	}
	l.barriers = append(l.barriers, native.Barrier{
		Type:     native.BarrierTransition,
		Flags:    native.BarrierFlagBeginOnly,
		Resource: nativeOf(r),
		Before:   s.Usage,
		After:    newState,
	})
	s.Transitioning = newState
}

// AddUAVBarrier orders unordered-access work on r. A nil r orders all
// unordered-access work.
func (l *List) AddUAVBarrier(r Tracked) {
	var res native.Resource
	if r != nil {
		res = nativeOf(r)
	}
	l.barriers = append(l.barriers, native.Barrier{Type: native.BarrierUAV, Resource: res, Before: native.StateNone, After: native.StateNone})
}

// Len returns the number of pending barriers.
func (l *List) Len() int { return len(l.barriers) }

// Barriers returns the pending barriers.
func (l *List) Barriers() []native.Barrier { return l.barriers }

// Flush records every pending barrier into list and empties l.
func (l *List) Flush(list native.CommandList) {
	if len(l.barriers) == 0 {
		return
	}
	list.ResourceBarrier(l.barriers)
	clear(l.barriers)
	l.barriers = l.barriers[:0]
}

// Reset drops pending barriers without recording them.
func (l *List) Reset() {
	clear(l.barriers)
	l.barriers = l.barriers[:0]
}
