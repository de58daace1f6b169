package fence

// Entry pairs an item with the fence value that must complete before the
// item may be reused or destroyed.
type Entry[T any] struct {
	Item  T
	Fence Value
}

// Queue is a FIFO of fence-tagged items. Items must be pushed in
// non-decreasing fence order for each queue type, so draining only ever
// inspects the head.
//
// Queue is not safe for concurrent use; owners guard it with their own lock.
type Queue[T any] struct {
	items []Entry[T]
	head  int
}

// Push appends item tagged with v.
func (q *Queue[T]) Push(item T, v Value) {
	q.items = append(q.items, Entry[T]{Item: item, Fence: v})
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int { return len(q.items) - q.head }

// Peek returns the head entry without removing it.
func (q *Queue[T]) Peek() (Entry[T], bool) {
	if q.Len() == 0 {
		return Entry[T]{}, false
	}
	return q.items[q.head], true
}

// Tail returns the fence of the most recently pushed entry.
func (q *Queue[T]) Tail() (Value, bool) {
	if q.Len() == 0 {
		return 0, false
	}
	return q.items[len(q.items)-1].Fence, true
}

// Pop removes and returns the head entry.
func (q *Queue[T]) Pop() (Entry[T], bool) {
	e, ok := q.Peek()
	if !ok {
		return e, false
	}
	var zero Entry[T]
	q.items[q.head] = zero
	q.head++
	q.compact()
	return e, true
}

// DrainUpTo pops every head entry whose fence is <= completed and calls fn
// with it, stopping at the first later entry. It returns the number drained.
func (q *Queue[T]) DrainUpTo(completed Value, fn func(Entry[T])) int {
	return q.drain(func(v Value) bool { return v <= completed }, fn)
}

// DrainComplete is DrainUpTo with the completion decided by tr.
// Zero fences are always complete.
func (q *Queue[T]) DrainComplete(tr Tracker, fn func(Entry[T])) int {
	return q.drain(func(v Value) bool { return v.IsZero() || tr.IsFenceComplete(v) }, fn)
}

// DrainAll pops every entry regardless of its fence.
func (q *Queue[T]) DrainAll(fn func(Entry[T])) int {
	return q.drain(func(Value) bool { return true }, fn)
}

func (q *Queue[T]) drain(done func(Value) bool, fn func(Entry[T])) int {
	n := 0
	for q.head < len(q.items) {
		e := q.items[q.head]
		if !done(e.Fence) {
			break
		}
		var zero Entry[T]
		q.items[q.head] = zero
		q.head++
		n++
		if fn != nil {
			fn(e)
		}
	}
	q.compact()
	return n
}

// compact reclaims the consumed prefix once it dominates the backing array.
func (q *Queue[T]) compact() {
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return
	}
	if q.head > 32 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
}
