package descriptor

import (
	"errors"
	"testing"

	"github.com/gogpu/gpusubmit/fence"
	"github.com/gogpu/gpusubmit/layout"
	"github.com/gogpu/gpusubmit/native"
	"github.com/gogpu/gpusubmit/native/sim"
)

func TestCPUAllocatorPages(t *testing.T) {
	dev := sim.New()
	a := NewCPUAllocator(dev, CPUConfig{PageSize: 4})
	inc := dev.DescriptorIncrement(native.KindRenderTarget)

	first, err := a.Allocate(native.KindRenderTarget)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[uintptr]bool{first.Ptr: true}
	prev := first
	for i := 1; i < 4; i++ {
		h, err := a.Allocate(native.KindRenderTarget)
		if err != nil {
			t.Fatal(err)
		}
		if h.Ptr != prev.Ptr+uintptr(inc) {
			t.Errorf("handle %d not contiguous within a page", i)
		}
		seen[h.Ptr] = true
		prev = h
	}
	if s := a.Stats(native.KindRenderTarget); s.Pages != 1 || s.Finished != 0 {
		t.Errorf("after filling one page: %v", s)
	}

	h, err := a.Allocate(native.KindRenderTarget)
	if err != nil {
		t.Fatal(err)
	}
	if seen[h.Ptr] {
		t.Error("handle reused")
	}
	if s := a.Stats(native.KindRenderTarget); s.Pages != 2 || s.Finished != 1 || s.Handles != 5 {
		t.Errorf("after page overflow: %v", s)
	}

	big, err := a.AllocateRange(native.KindRenderTarget, 10)
	if err != nil {
		t.Fatal(err)
	}
	dev.CreateView(native.View{Kind: native.ViewRenderTarget}, big.Offset(9, inc))
	if _, ok := dev.Descriptors().Read(big.Offset(9, inc)); !ok {
		t.Error("oversized range is not backed by one page")
	}
	if s := a.Stats(native.KindSampler); s.Pages != 0 {
		t.Errorf("kinds share pages: %v", s)
	}

	a.Close()
	if _, err := a.Allocate(native.KindRenderTarget); !errors.Is(err, ErrClosed) {
		t.Errorf("Allocate after Close = %v", err)
	}
	if dev.Descriptors().Len() != 0 {
		t.Errorf("%d heaps alive after Close", dev.Descriptors().Len())
	}
}

func TestHeapPoolFenceGating(t *testing.T) {
	dev := sim.New()
	p := NewHeapPool(dev, native.KindResource, true, 16)

	h, err := p.Request(8, fence.Completed)
	if err != nil {
		t.Fatal(err)
	}
	if h.Capacity() != 16 {
		t.Errorf("capacity = %d, want the 16-slot minimum", h.Capacity())
	}

	v := fence.Make(native.QueueDirect, 3)
	p.Return(h, v)
	var completed fence.Value = fence.Make(native.QueueDirect, 2)
	tr := fence.TrackerFunc(func(x fence.Value) bool { return x <= completed })

	h2, err := p.Request(8, tr)
	if err != nil {
		t.Fatal(err)
	}
	if h2 == h {
		t.Fatal("heap reused before its fence completed")
	}
	completed = v
	h3, err := p.Request(8, tr)
	if err != nil {
		t.Fatal(err)
	}
	if h3 != h {
		t.Error("completed heap not reused")
	}
	if s := p.Stats(); s.Heaps != 2 || s.Retired != 0 {
		t.Errorf("Stats = %v", s)
	}
}

func TestHeapPoolBestFit(t *testing.T) {
	dev := sim.New()
	p := NewHeapPool(dev, native.KindSampler, false, 0)
	small, _ := p.Request(4, fence.Completed)
	large, _ := p.Request(64, fence.Completed)
	p.Return(large, 0)
	p.Return(small, 0)

	if h, _ := p.Request(3, fence.Completed); h != small {
		t.Error("did not pick the smallest fitting heap")
	}
	if h, _ := p.Request(5, fence.Completed); h != large {
		t.Error("did not pick the only fitting heap")
	}
}

type fixture struct {
	dev   *sim.Device
	c     *Committer
	list  *sim.CommandList
	sig   *layout.Signature
	views int
}

func newFixture(t *testing.T, gpuCapacity uint32) *fixture {
	t.Helper()
	dev := sim.New()
	b := layout.NewBuilder("test")
	b.Table(layout.CBV(1, 0), layout.SRV(1, 0))
	b.Table(layout.SRV(4, 1))
	b.Table(layout.Sampler(1, 0))
	sig, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	staging := NewHeapPool(dev, native.KindResource, false, 0)
	gpu := NewHeapPool(dev, native.KindResource, true, gpuCapacity)
	c := NewCommitter(dev, staging, gpu)
	if err := c.InitializeSignature(sig); err != nil {
		t.Fatal(err)
	}

	alloc, _ := dev.CreateCommandAllocator(native.QueueDirect)
	l, _ := dev.CreateCommandList(native.QueueDirect)
	if err := l.Reset(alloc); err != nil {
		t.Fatal(err)
	}
	return &fixture{dev: dev, c: c, list: l.(*sim.CommandList), sig: sig}
}

// write stores a uniquely numbered view into slot offset of parameter.
func (f *fixture) write(t *testing.T, parameter, offset uint32) uint64 {
	t.Helper()
	h, ok := f.c.TryGetResourceDescriptor(parameter, offset)
	if !ok {
		t.Fatalf("TryGetResourceDescriptor(%d, %d) failed", parameter, offset)
	}
	f.views++
	f.dev.CreateView(native.View{Kind: native.ViewShaderResource, Offset: uint64(f.views)}, h)
	return uint64(f.views)
}

func (f *fixture) commit(t *testing.T) {
	t.Helper()
	if err := f.c.Commit(f.list, BindGraphics, fence.Completed); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) count(op sim.Op) int {
	n := 0
	for _, c := range f.list.Commands() {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (f *fixture) visible(t *testing.T, parameter, offset uint32) uint64 {
	t.Helper()
	base, ok := f.c.BoundTable(parameter)
	if !ok {
		t.Fatalf("parameter %d not bound", parameter)
	}
	v, ok := f.dev.Descriptors().ReadGPU(base.Offset(offset, f.dev.DescriptorIncrement(native.KindResource)))
	if !ok {
		t.Fatalf("parameter %d slot %d not readable by the GPU", parameter, offset)
	}
	return v.Offset
}

func TestCommitFirstBindCopiesEverything(t *testing.T) {
	f := newFixture(t, 64)
	if f.c.DirtyCount() != 6 {
		t.Fatalf("DirtyCount after signature = %d, want 6", f.c.DirtyCount())
	}
	a := f.write(t, 0, 1)
	b := f.write(t, 1, 3)
	f.commit(t)

	if f.count(sim.OpSetHeaps) != 1 || f.count(sim.OpSetGraphicsTable) != 2 {
		t.Errorf("recorded %d SetHeaps, %d table binds", f.count(sim.OpSetHeaps), f.count(sim.OpSetGraphicsTable))
	}
	if f.visible(t, 0, 1) != a || f.visible(t, 1, 3) != b {
		t.Error("GPU heap does not hold the staged descriptors")
	}
	if _, ok := f.c.TryGetResourceDescriptor(2, 0); ok {
		t.Error("sampler table served by the resource committer")
	}
	if _, ok := f.c.TryGetResourceDescriptor(1, 4); ok {
		t.Error("out of range offset accepted")
	}
}

func TestCommitNoDirtyIsNoOp(t *testing.T) {
	f := newFixture(t, 64)
	f.write(t, 0, 0)
	f.commit(t)
	heap := f.c.Heap()
	base0, _ := f.c.BoundTable(0)
	base1, _ := f.c.BoundTable(1)
	cmds := len(f.list.Commands())
	copied := f.c.Stats().Copied

	f.commit(t)

	if f.c.Heap() != heap {
		t.Error("heap rotated on an empty commit")
	}
	if len(f.list.Commands()) != cmds {
		t.Error("empty commit recorded commands")
	}
	if f.c.Stats().Copied != copied {
		t.Error("empty commit copied descriptors")
	}
	if b, _ := f.c.BoundTable(0); b != base0 {
		t.Error("bound address of table 0 changed")
	}
	if b, _ := f.c.BoundTable(1); b != base1 {
		t.Error("bound address of table 1 changed")
	}
	if s := f.c.Stats(); s.NoOps != 1 || s.Rotations != 1 {
		t.Errorf("Stats = %+v", s)
	}
}

func TestCommitIncrementalAppend(t *testing.T) {
	f := newFixture(t, 64)
	f.write(t, 0, 0)
	f.commit(t)
	base0, _ := f.c.BoundTable(0)

	v := f.write(t, 1, 0)
	if f.c.DirtyCount() != 4 {
		t.Fatalf("DirtyCount = %d, want only table 1", f.c.DirtyCount())
	}
	f.commit(t)

	if f.count(sim.OpSetHeaps) != 1 {
		t.Error("append rebound the heap")
	}
	if b, _ := f.c.BoundTable(0); b != base0 {
		t.Error("clean table rebound on append")
	}
	if f.visible(t, 1, 0) != v {
		t.Error("appended table not visible")
	}
	if f.c.Stats().Appends != 1 || f.c.Stats().Copied != 6+4 {
		t.Errorf("Stats = %+v", f.c.Stats())
	}
}

func TestCommitRotationMarksAllDirty(t *testing.T) {
	// 12 slots: first bind uses 6, one append of 4 fits, the next does not.
	f := newFixture(t, 12)
	f.write(t, 0, 0)
	f.commit(t)
	f.write(t, 1, 0)
	f.commit(t)
	first := f.c.Heap()

	keep := f.visible(t, 0, 0)
	v := f.write(t, 1, 2)
	f.commit(t)

	if f.c.Heap() == first {
		t.Fatal("heap did not rotate when exhausted")
	}
	if f.count(sim.OpSetHeaps) != 2 {
		t.Errorf("SetHeaps recorded %d times, want 2", f.count(sim.OpSetHeaps))
	}
	if f.visible(t, 0, 0) != keep || f.visible(t, 1, 2) != v {
		t.Error("rotation lost descriptors of a table that was not touched")
	}
	if s := f.c.Stats(); s.Rotations != 2 || s.Copied != 6+4+6 {
		t.Errorf("Stats = %+v", s)
	}

	f.c.Release(fence.Make(native.QueueDirect, 1))
	if s := f.c.gpu.Stats(); s.Retired != 2 {
		t.Errorf("released %d GPU heaps, want both generations", s.Retired)
	}
	if f.c.Heap() != nil || f.c.Signature() != nil {
		t.Error("Release left state behind")
	}
}

func TestSwapSignatureKeepsStaging(t *testing.T) {
	f := newFixture(t, 64)
	v := f.write(t, 0, 0)
	if err := f.c.SwapSignature(f.sig); err != nil {
		t.Fatal(err)
	}
	f.commit(t)
	if f.visible(t, 0, 0) != v {
		t.Error("SwapSignature dropped staged descriptors")
	}
	if err := f.c.InitializeSignature(f.sig); err != nil {
		t.Fatal(err)
	}
	if f.c.DirtyCount() != 6 {
		t.Errorf("DirtyCount = %d after InitializeSignature", f.c.DirtyCount())
	}
}

func TestCommitWithoutSignature(t *testing.T) {
	dev := sim.New()
	c := NewCommitter(dev, NewHeapPool(dev, native.KindSampler, false, 0), NewHeapPool(dev, native.KindSampler, true, 0))
	if err := c.Commit(nil, BindCompute, fence.Completed); !errors.Is(err, ErrNoSignature) {
		t.Errorf("Commit = %v, want ErrNoSignature", err)
	}
}

func BenchmarkCommitAppend(b *testing.B) {
	dev := sim.New()
	lb := layout.NewBuilder("bench")
	lb.Table(layout.SRV(8, 0))
	sig, _ := lb.Build()
	c := NewCommitter(dev, NewHeapPool(dev, native.KindResource, false, 0), NewHeapPool(dev, native.KindResource, true, 1<<16))
	_ = c.InitializeSignature(sig)
	alloc, _ := dev.CreateCommandAllocator(native.QueueDirect)
	l, _ := dev.CreateCommandList(native.QueueDirect)
	_ = l.Reset(alloc)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h, _ := c.TryGetResourceDescriptor(0, uint32(i%8))
		dev.CreateView(native.View{Kind: native.ViewShaderResource}, h)
		_ = c.Commit(l, BindGraphics, fence.Completed)
	}
}
