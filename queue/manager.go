package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/gogpu/gpusubmit/fence"
	"github.com/gogpu/gpusubmit/internal/logging"
	"github.com/gogpu/gpusubmit/native"
)

// Manager owns one Queue per queue type and routes tagged fence values to
// the queue that issued them.
type Manager struct {
	queues [native.QueueTypeCount]*Queue
}

var _ fence.Tracker = (*Manager)(nil)

// NewManager wraps every hardware queue of dev.
func NewManager(dev native.Device) *Manager {
	m := &Manager{}
	for t := native.QueueType(0); t < native.QueueTypeCount; t++ {
		m.queues[t] = New(dev, t)
	}
	return m
}

// Queue returns the queue of type t.
func (m *Manager) Queue(t native.QueueType) *Queue { return m.queues[t] }

func (m *Manager) route(v fence.Value) *Queue {
	t, ok := v.QueueType()
	if !ok {
		panic(fmt.Sprintf("BUG: fence %v carries no queue tag", v))
	}
	return m.queues[t]
}

// IsFenceComplete reports whether v completed on its owning queue.
// The zero value is always complete.
func (m *Manager) IsFenceComplete(v fence.Value) bool {
	if v.IsZero() {
		return true
	}
	return m.route(v).IsFenceComplete(v)
}

// WaitForFence blocks until v completes on its owning queue.
func (m *Manager) WaitForFence(ctx context.Context, v fence.Value) error {
	if v.IsZero() {
		return nil
	}
	return m.route(v).WaitForFence(ctx, v)
}

// WaitForIdle waits for every queue to drain.
func (m *Manager) WaitForIdle(ctx context.Context) error {
	var errs []error
	for _, q := range m.queues {
		if err := q.WaitForIdle(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close waits for the GPU to go idle and destroys every pooled allocator.
func (m *Manager) Close(ctx context.Context) error {
	err := m.WaitForIdle(ctx)
	if err != nil {
		logging.L().Warn("queue: closing with outstanding GPU work", "err", err)
	}
	for _, q := range m.queues {
		q.allocators.Close()
	}
	return err
}
