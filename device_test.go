package gpusubmit

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/gogpu/gpusubmit/barrier"
	"github.com/gogpu/gpusubmit/fence"
	"github.com/gogpu/gpusubmit/layout"
	"github.com/gogpu/gpusubmit/native"
	"github.com/gogpu/gpusubmit/native/sim"
)

func newDevice(t *testing.T, simOpts []sim.Option, opts ...Option) (*sim.Device, *Device) {
	t.Helper()
	sd := sim.New(simOpts...)
	dev := New(sd, opts...)
	t.Cleanup(func() {
		// Manual-completion devices would never drain; do not wait.
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		sd.Flush()
		_ = dev.Close(ctx)
	})
	return sd, dev
}

// litSignature has a resource table (CBV + 2 SRV) at parameter 0 and a
// sampler table at parameter 1.
func litSignature(t *testing.T) *layout.Signature {
	t.Helper()
	b := layout.NewBuilder("lit")
	b.Table(layout.CBV(1, 0), layout.SRV(2, 0))
	b.Table(layout.Sampler(1, 0))
	sig, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	return sig
}

func commandsOf(sd *sim.Device, op sim.Op) []sim.Command {
	var out []sim.Command
	for _, s := range sd.Executed() {
		for _, c := range s.Commands {
			if c.Op == op {
				out = append(out, c)
			}
		}
	}
	return out
}

func TestSubmitUploadsAndDraws(t *testing.T) {
	sd, dev := newDevice(t, nil)
	sig := litSignature(t)
	dst := sd.NewBuffer(64)

	cb, err := dev.CreateCommandBuffer(native.QueueDirect)
	if err != nil {
		t.Fatal(err)
	}
	if err := cb.SetGraphicsSignature(sig); err != nil {
		t.Fatal(err)
	}
	if err := cb.SetDescriptor(0, 0, native.View{Kind: native.ViewConstantBuffer, Resource: dst, Size: 64}); err != nil {
		t.Fatal(err)
	}
	data := bytes.Repeat([]byte{7}, 48)
	if err := cb.UpdateBuffer(dst, 16, data); err != nil {
		t.Fatal(err)
	}
	if err := cb.Draw(3, 1, 0, 0); err != nil {
		t.Fatal(err)
	}
	v, err := dev.Submit(cb)
	if err != nil {
		t.Fatal(err)
	}
	if q, ok := v.QueueType(); !ok || q != native.QueueDirect {
		t.Errorf("fence %v not tagged for the direct queue", v)
	}
	if !dev.IsFenceComplete(v) {
		t.Error("automatic sim did not complete the submission")
	}

	if got := sd.Executed()[0].Commands; len(got) == 0 {
		t.Fatal("nothing executed")
	}
	if !bytes.Equal(dst.Bytes()[16:], data) {
		t.Error("buffer update did not reach the destination")
	}
	heaps := commandsOf(sd, sim.OpSetHeaps)
	if len(heaps) != 1 || len(heaps[0].Heaps) != 2 {
		t.Fatalf("SetDescriptorHeaps = %+v, want one call with two heaps", heaps)
	}
	draws := commandsOf(sd, sim.OpDraw)
	if len(draws) != 1 || len(draws[0].Tables) != 2 {
		t.Fatalf("draw saw tables %v, want parameters 0 and 1", draws)
	}
	view, ok := sd.Descriptors().ReadGPU(draws[0].Tables[0])
	if !ok || view.Resource != dst {
		t.Error("shader-visible table 0 does not hold the constant buffer view")
	}
	if v := sd.Violations(); len(v) != 0 {
		t.Errorf("violations: %v", v)
	}
}

func TestCommandBuffersArePooled(t *testing.T) {
	_, dev := newDevice(t, nil)
	cb, _ := dev.CreateCommandBuffer(native.QueueCopy)
	if _, err := dev.Submit(cb); err != nil {
		t.Fatal(err)
	}
	again, err := dev.CreateCommandBuffer(native.QueueCopy)
	if err != nil {
		t.Fatal(err)
	}
	if again != cb {
		t.Error("submitted command buffer was not reused")
	}
	if s := dev.Stats(); s.CommandBuffers != 1 {
		t.Errorf("created %d command buffers, want 1", s.CommandBuffers)
	}
	if _, err := dev.Submit(cb); err != nil {
		t.Fatal(err)
	}
	if _, err := dev.Submit(cb); !errors.Is(err, ErrCommandBufferClosed) {
		t.Errorf("second Submit = %v, want ErrCommandBufferClosed", err)
	}
}

func TestAllocatorGatedByFence(t *testing.T) {
	sd, dev := newDevice(t, []sim.Option{sim.WithManualCompletion()})

	cb, _ := dev.CreateCommandBuffer(native.QueueDirect)
	v, err := dev.Submit(cb)
	if err != nil {
		t.Fatal(err)
	}
	cb, _ = dev.CreateCommandBuffer(native.QueueDirect)
	if _, err := dev.Submit(cb); err != nil {
		t.Fatal(err)
	}
	if got := dev.Stats().Allocators[native.QueueDirect].Created; got != 2 {
		t.Fatalf("Created = %d, want 2 while the first submission is in flight", got)
	}

	sd.SimQueue(native.QueueDirect).AdvanceTo(uint64(v))
	cb, _ = dev.CreateCommandBuffer(native.QueueDirect)
	if got := dev.Stats().Allocators[native.QueueDirect].Created; got != 2 {
		t.Errorf("Created = %d, want the completed allocator reused", got)
	}
	cb.Dispose()
	sd.Flush()
	if v := sd.Violations(); len(v) != 0 {
		t.Errorf("violations: %v", v)
	}
}

func TestQueueCapabilities(t *testing.T) {
	_, dev := newDevice(t, nil)
	sig := litSignature(t)

	tests := []struct {
		name string
		typ  native.QueueType
		run  func(cb *CommandBuffer) error
		want error
	}{
		{"draw on copy", native.QueueCopy, func(cb *CommandBuffer) error { return cb.Draw(3, 1, 0, 0) }, ErrUnsupported},
		{"draw on compute", native.QueueCompute, func(cb *CommandBuffer) error { return cb.Draw(3, 1, 0, 0) }, ErrUnsupported},
		{"dispatch on copy", native.QueueCopy, func(cb *CommandBuffer) error { return cb.Dispatch(1, 1, 1) }, ErrUnsupported},
		{"graphics signature on compute", native.QueueCompute, func(cb *CommandBuffer) error { return cb.SetGraphicsSignature(sig) }, ErrUnsupported},
		{"dispatch on compute", native.QueueCompute, func(cb *CommandBuffer) error { return cb.Dispatch(1, 1, 1) }, nil},
		{"dispatch on direct", native.QueueDirect, func(cb *CommandBuffer) error { return cb.Dispatch(1, 1, 1) }, nil},
		{"compute signature on compute", native.QueueCompute, func(cb *CommandBuffer) error { return cb.SetComputeSignature(sig) }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, err := dev.CreateCommandBuffer(tt.typ)
			if err != nil {
				t.Fatal(err)
			}
			defer cb.Dispose()
			if err := tt.run(cb); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSetDescriptorErrors(t *testing.T) {
	sd, dev := newDevice(t, nil)
	cb, _ := dev.CreateCommandBuffer(native.QueueDirect)
	defer cb.Dispose()
	view := native.View{Kind: native.ViewShaderResource, Resource: sd.NewBuffer(4)}

	if err := cb.SetDescriptor(0, 0, view); !errors.Is(err, ErrUnknownParameter) {
		t.Errorf("without signature: %v", err)
	}
	if err := cb.SetGraphicsSignature(litSignature(t)); err != nil {
		t.Fatal(err)
	}
	if err := cb.SetDescriptor(0, 3, view); !errors.Is(err, ErrUnknownParameter) {
		t.Errorf("offset past table: %v", err)
	}
	if err := cb.SetDescriptor(1, 0, view); !errors.Is(err, ErrUnknownParameter) {
		t.Errorf("resource view in sampler table: %v", err)
	}
	if err := cb.SetDescriptor(0, 2, view); err != nil {
		t.Errorf("valid slot: %v", err)
	}
}

func TestCopyDescriptorFromDeviceView(t *testing.T) {
	sd, dev := newDevice(t, nil)
	tex := sd.NewTexture(4, 4, 4)
	src, err := dev.CreateView(native.View{Kind: native.ViewShaderResource, Resource: tex})
	if err != nil {
		t.Fatal(err)
	}

	cb, _ := dev.CreateCommandBuffer(native.QueueDirect)
	_ = cb.SetGraphicsSignature(litSignature(t))
	if err := cb.CopyDescriptor(0, 1, src); err != nil {
		t.Fatal(err)
	}
	_ = cb.Draw(3, 1, 0, 0)
	if _, err := dev.Submit(cb); err != nil {
		t.Fatal(err)
	}
	draw := commandsOf(sd, sim.OpDraw)[0]
	view, ok := sd.Descriptors().ReadGPU(draw.Tables[0].Offset(1, sd.DescriptorIncrement(native.KindResource)))
	if !ok || view.Resource != tex {
		t.Error("copied descriptor missing from the shader-visible table")
	}
}

func TestGraphicsAndComputeTablesInterleave(t *testing.T) {
	sd, dev := newDevice(t, nil)
	gfxBuf, compBuf := sd.NewBuffer(16), sd.NewBuffer(16)

	cb, _ := dev.CreateCommandBuffer(native.QueueDirect)
	if err := cb.SetGraphicsSignature(litSignature(t)); err != nil {
		t.Fatal(err)
	}
	if err := cb.SetDescriptor(0, 1, native.View{Kind: native.ViewShaderResource, Resource: gfxBuf}); err != nil {
		t.Fatal(err)
	}
	if err := cb.SetComputeSignature(litSignature(t)); err != nil {
		t.Fatal(err)
	}
	if err := cb.SetDescriptor(0, 1, native.View{Kind: native.ViewShaderResource, Resource: compBuf}); err != nil {
		t.Fatal(err)
	}
	if err := cb.Draw(3, 1, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := cb.Dispatch(1, 1, 1); err != nil {
		t.Fatal(err)
	}
	if err := cb.Draw(3, 1, 0, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := dev.Submit(cb); err != nil {
		t.Fatal(err)
	}

	inc := sd.DescriptorIncrement(native.KindResource)
	read := func(c sim.Command) native.Resource {
		t.Helper()
		view, ok := sd.Descriptors().ReadGPU(c.Tables[0].Offset(1, inc))
		if !ok {
			t.Fatalf("%v table 0 holds no descriptor", c.Op)
		}
		return view.Resource
	}
	for i, d := range commandsOf(sd, sim.OpDraw) {
		if read(d) != gfxBuf {
			t.Errorf("draw %d read the compute descriptor", i)
		}
	}
	if read(commandsOf(sd, sim.OpDispatch)[0]) != compBuf {
		t.Error("dispatch read the graphics descriptor")
	}
	if heaps := commandsOf(sd, sim.OpSetHeaps); len(heaps) != 3 {
		t.Errorf("SetDescriptorHeaps recorded %d times, want one per bind point switch", len(heaps))
	}
	if v := sd.Violations(); len(v) != 0 {
		t.Errorf("violations: %v", v)
	}
}

func TestDescriptorHeapRotation(t *testing.T) {
	sd, dev := newDevice(t, nil, WithGPUHeapMinimumSize(4, 1))
	sig := litSignature(t)
	buf := sd.NewBuffer(16)

	cb, _ := dev.CreateCommandBuffer(native.QueueDirect)
	_ = cb.SetGraphicsSignature(sig)
	for i := range 3 {
		if err := cb.SetDescriptor(0, uint32(i), native.View{Kind: native.ViewShaderResource, Resource: buf}); err != nil {
			t.Fatal(err)
		}
		if err := cb.Draw(3, 1, 0, 0); err != nil {
			t.Fatal(err)
		}
	}
	s := cb.Stats()
	if _, err := dev.Submit(cb); err != nil {
		t.Fatal(err)
	}
	// Every draw dirties the 3-slot resource table; a 4-slot heap holds one
	// generation, so each draw after the first rotates.
	if s.Rotations < 3 {
		t.Errorf("Rotations = %d, want at least 3 (%+v)", s.Rotations, s)
	}
	if heaps := commandsOf(sd, sim.OpSetHeaps); len(heaps) != 3 {
		t.Errorf("SetDescriptorHeaps recorded %d times, want 3", len(heaps))
	}
	if gpu := dev.Stats().GPUHeaps[0]; gpu.Heaps < 2 {
		t.Errorf("GPU heap pool = %v", gpu)
	}
	if v := sd.Violations(); len(v) != 0 {
		t.Errorf("violations: %v", v)
	}
}

func TestUpdateTextureHonorsRowPitch(t *testing.T) {
	sd, dev := newDevice(t, nil)
	tex := sd.NewTexture(3, 2, 4)
	data := make([]byte, 3*2*4)
	for i := range data {
		data[i] = byte(i + 1)
	}

	cb, _ := dev.CreateCommandBuffer(native.QueueCopy)
	if err := cb.UpdateTexture(tex, 0, data[:10]); !errors.Is(err, ErrShortData) {
		t.Errorf("short data: %v", err)
	}
	if err := cb.UpdateTexture(tex, 0, data); err != nil {
		t.Fatal(err)
	}
	if _, err := dev.Submit(cb); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(tex.Pixels(), data) {
		t.Errorf("Pixels = %v, want %v", tex.Pixels(), data)
	}
	if v := sd.Violations(); len(v) != 0 {
		t.Errorf("violations: %v", v)
	}
}

func TestUpdateBufferOverrun(t *testing.T) {
	sd, dev := newDevice(t, nil)
	cb, _ := dev.CreateCommandBuffer(native.QueueCopy)
	defer cb.Dispose()
	if err := cb.UpdateBuffer(sd.NewBuffer(8), 4, make([]byte, 8)); err == nil {
		t.Error("overrunning update accepted")
	}
}

func TestReleaseDeferredUntilFence(t *testing.T) {
	sd, dev := newDevice(t, []sim.Option{sim.WithManualCompletion()})
	ctx := context.Background()
	used := sd.NewBuffer(16)
	dropped := sd.NewBuffer(16)

	cb, _ := dev.CreateCommandBuffer(native.QueueDirect)
	_ = cb.UpdateBuffer(used, 0, []byte{1, 2, 3, 4})
	_ = cb.Release(used)
	v, err := dev.Submit(cb)
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.Release(dropped); err != nil {
		t.Fatal(err)
	}

	if err := dev.Present(ctx); err != nil {
		t.Fatal(err)
	}
	if used.Destroyed() || dropped.Destroyed() {
		t.Fatal("resource destroyed while its submission is in flight")
	}

	sd.SimQueue(native.QueueDirect).AdvanceTo(uint64(v))
	if err := dev.Present(ctx); err != nil {
		t.Fatal(err)
	}
	if !used.Destroyed() || !dropped.Destroyed() {
		t.Error("completed resources not destroyed")
	}
	sd.Flush()
	if v := sd.Violations(); len(v) != 0 {
		t.Errorf("violations: %v", v)
	}
}

func TestReleaseWaitsForEveryQueue(t *testing.T) {
	sd, dev := newDevice(t, []sim.Option{sim.WithManualCompletion()}, WithMaxFramesInFlight(4))
	ctx := context.Background()
	dropped := sd.NewBuffer(16)

	gfx, _ := dev.CreateCommandBuffer(native.QueueDirect)
	_ = gfx.UpdateBuffer(sd.NewBuffer(16), 0, []byte{1})
	vd, err := dev.Submit(gfx)
	if err != nil {
		t.Fatal(err)
	}
	cp, _ := dev.CreateCommandBuffer(native.QueueCopy)
	_ = cp.UpdateBuffer(dropped, 0, []byte{2})
	vc, err := dev.Submit(cp)
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.Release(dropped); err != nil {
		t.Fatal(err)
	}

	sd.SimQueue(native.QueueDirect).AdvanceTo(uint64(vd))
	if err := dev.Present(ctx); err != nil {
		t.Fatal(err)
	}
	if dropped.Destroyed() {
		t.Fatal("destroyed while the copy queue still uses it")
	}
	sd.SimQueue(native.QueueCopy).AdvanceTo(uint64(vc))
	if err := dev.Present(ctx); err != nil {
		t.Fatal(err)
	}
	if !dropped.Destroyed() {
		t.Error("not destroyed after both queues completed")
	}
	sd.Flush()
	if v := sd.Violations(); len(v) != 0 {
		t.Errorf("violations: %v", v)
	}
}

func TestReleaseAtStaleFence(t *testing.T) {
	sd, dev := newDevice(t, []sim.Option{sim.WithManualCompletion()}, WithMaxFramesInFlight(4))
	ctx := context.Background()
	var fences []fence.Value
	for range 2 {
		cb, _ := dev.CreateCommandBuffer(native.QueueDirect)
		_ = cb.UpdateBuffer(sd.NewBuffer(4), 0, []byte{1})
		v, err := dev.Submit(cb)
		if err != nil {
			t.Fatal(err)
		}
		fences = append(fences, v)
	}
	newer, older := sd.NewBuffer(4), sd.NewBuffer(4)
	if err := dev.ReleaseAt(newer, fences[1]); err != nil {
		t.Fatal(err)
	}
	if err := dev.ReleaseAt(older, fences[0]); err != nil {
		t.Fatal(err)
	}

	sd.SimQueue(native.QueueDirect).AdvanceTo(uint64(fences[0]))
	if err := dev.Present(ctx); err != nil {
		t.Fatal(err)
	}
	if newer.Destroyed() || older.Destroyed() {
		t.Fatal("destroyed before the newer fence completed")
	}
	sd.SimQueue(native.QueueDirect).AdvanceTo(uint64(fences[1]))
	if err := dev.Present(ctx); err != nil {
		t.Fatal(err)
	}
	if !newer.Destroyed() || !older.Destroyed() {
		t.Error("not destroyed after the newer fence completed")
	}
}

func TestReleaseUnsubmittedIsImmediate(t *testing.T) {
	sd, dev := newDevice(t, nil)
	b := sd.NewBuffer(4)
	if err := dev.ReleaseAt(b, 0); err != nil {
		t.Fatal(err)
	}
	if !b.Destroyed() {
		t.Error("zero-fence release deferred")
	}
}

func TestPresentPacesFrames(t *testing.T) {
	sd, dev := newDevice(t, []sim.Option{sim.WithManualCompletion()}, WithMaxFramesInFlight(1))
	if err := dev.Present(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := dev.Present(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Present with a frame in flight = %v, want context.Canceled", err)
	}

	sd.Flush()
	if err := dev.Present(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s := dev.Stats(); s.Frame != 3 || s.FramesInFlight != 1 {
		t.Errorf("Stats = frame %d, %d in flight", s.Frame, s.FramesInFlight)
	}
}

func TestStallQueueOrdersCopyBeforeDraw(t *testing.T) {
	sd, dev := newDevice(t, []sim.Option{sim.WithManualCompletion()})
	buf := sd.NewBuffer(4)

	up, _ := dev.CreateCommandBuffer(native.QueueCopy)
	_ = up.UpdateBuffer(buf, 0, []byte{9, 9, 9, 9})
	copyDone, err := dev.Submit(up)
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.StallQueue(native.QueueDirect, native.QueueCopy); err != nil {
		t.Fatal(err)
	}
	cb, _ := dev.CreateCommandBuffer(native.QueueDirect)
	drawDone, _ := dev.Submit(cb)

	sd.SimQueue(native.QueueDirect).AdvanceTo(uint64(drawDone))
	if dev.Queue(native.QueueDirect).PollCompletedFenceValue() >= drawDone {
		t.Fatal("direct queue ran past its wait on the copy queue")
	}
	sd.SimQueue(native.QueueCopy).AdvanceTo(uint64(copyDone))
	sd.SimQueue(native.QueueDirect).AdvanceTo(uint64(drawDone))
	if !dev.IsFenceComplete(drawDone) {
		t.Error("direct queue still blocked after the copy completed")
	}
}

func TestTransitionsFlushBeforeCopy(t *testing.T) {
	sd, dev := newDevice(t, nil)
	buf := sd.NewBuffer(8)
	tracked := barrier.Track(buf, native.StateCommon)

	cb, _ := dev.CreateCommandBuffer(native.QueueDirect)
	_ = cb.Transition(tracked, native.StateCopyDest)
	_ = cb.UpdateBuffer(buf, 0, make([]byte, 8))
	_ = cb.Transition(tracked, native.StateVertexAndConstantBuffer)
	if _, err := dev.Submit(cb); err != nil {
		t.Fatal(err)
	}
	cmds := sd.Executed()[0].Commands
	if len(cmds) != 3 || cmds[0].Op != sim.OpBarrier || cmds[1].Op != sim.OpCopyBuffer || cmds[2].Op != sim.OpBarrier {
		t.Errorf("command order = %v", cmds)
	}
}

func TestClosedDevice(t *testing.T) {
	_, dev := newDevice(t, nil)
	cb, _ := dev.CreateCommandBuffer(native.QueueDirect)
	if err := dev.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := dev.CreateCommandBuffer(native.QueueDirect); !errors.Is(err, ErrClosed) {
		t.Errorf("CreateCommandBuffer after Close = %v", err)
	}
	if _, err := dev.Submit(cb); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit after Close = %v", err)
	}
	if err := dev.Present(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Present after Close = %v", err)
	}
}

func TestForeignCommandBuffer(t *testing.T) {
	_, a := newDevice(t, nil)
	_, b := newDevice(t, nil)
	cb, _ := a.CreateCommandBuffer(native.QueueDirect)
	defer cb.Dispose()
	if _, err := b.Submit(cb); !errors.Is(err, ErrForeignCommandBuffer) {
		t.Errorf("Submit on other device = %v", err)
	}
}

func BenchmarkRecordAndSubmit(b *testing.B) {
	sd := sim.New()
	dev := New(sd)
	defer dev.Close(context.Background())
	bld := layout.NewBuilder("bench")
	bld.Table(layout.CBV(1, 0), layout.SRV(4, 0))
	sig, _ := bld.Build()
	buf := sd.NewBuffer(256)
	payload := make([]byte, 256)
	var last fence.Value

	b.ReportAllocs()
	for b.Loop() {
		cb, err := dev.CreateCommandBuffer(native.QueueDirect)
		if err != nil {
			b.Fatal(err)
		}
		_ = cb.SetGraphicsSignature(sig)
		_ = cb.SetDescriptor(0, 0, native.View{Kind: native.ViewConstantBuffer, Resource: buf})
		_ = cb.UpdateBuffer(buf, 0, payload)
		_ = cb.Draw(3, 1, 0, 0)
		if last, err = dev.Submit(cb); err != nil {
			b.Fatal(err)
		}
		_ = dev.Present(context.Background())
	}
	_ = last
}
