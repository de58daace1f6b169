package main

import (
	"context"
	_ "embed"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gogpu/gpusubmit"
	"github.com/gogpu/gpusubmit/barrier"
	"github.com/gogpu/gpusubmit/fence"
	"github.com/gogpu/gpusubmit/internal/parallel"
	"github.com/gogpu/gpusubmit/layout"
	"github.com/gogpu/gpusubmit/native"
)

//go:embed sprite.wgsl
var spriteShader string

// constantsSize is the uniform block: a 4x4 matrix and a tint.
const constantsSize = 80

// sourceEdge is the edge of the procedural source image.
const sourceEdge = 256

type report struct {
	frames      int
	submissions int
	lists       int
	uploaded    uint64
	rotations   int
	last        fence.Value
	stats       gpusubmit.Stats
	commits     int
}

func run(ctx context.Context, cfg config, out io.Writer) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	be, err := openBackend(cfg.backend)
	if err != nil {
		return err
	}
	defer be.close()

	dev := gpusubmit.New(be.dev, gpusubmit.WithMaxFramesInFlight(cfg.inFlight))
	defer func() {
		if be.drain != nil {
			be.drain()
		}
		_ = dev.Close(ctx)
	}()

	sig, err := dev.Signature("sprite", spriteShader)
	if err != nil {
		return fmt.Errorf("derive descriptor tables: %w", err)
	}

	recorders := parallel.NewWorkerPool(cfg.passes)
	defer recorders.Close()

	// One constant buffer per pass; passes record concurrently and must
	// not share barrier state.
	constants := make([]*barrier.Resource, cfg.passes)
	for i := range constants {
		b, err := be.newBuffer(constantsSize)
		if err != nil {
			return err
		}
		defer b.Destroy()
		constants[i] = barrier.Track(b, native.StateCommon)
	}

	tex, err := newTexture(be, cfg.size)
	if err != nil {
		return err
	}
	source := proceduralImage(sourceEdge)
	scaled := image.NewRGBA(image.Rect(0, 0, cfg.size, cfg.size))

	var rep report
	var frameFences []fence.Value
	direct := dev.Queue(native.QueueDirect)
	cbs := make([]*gpusubmit.CommandBuffer, cfg.passes)

	for frame := range cfg.frames {
		if cfg.rotate > 0 && frame > 0 && frame%cfg.rotate == 0 {
			if err := dev.Release(tex.Native()); err != nil {
				return err
			}
			if tex, err = newTexture(be, cfg.size); err != nil {
				return err
			}
			rep.rotations++
		}

		// Resample a moving window of the source so every frame uploads
		// different texels.
		off := frame % (sourceEdge / 2)
		window := image.Rect(off, off, off+sourceEdge/2, off+sourceEdge/2)
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), source, window, draw.Src, nil)

		clear(cbs)
		err := recorders.Run(cfg.passes, func(pass int) error {
			cb, err := dev.CreateCommandBuffer(native.QueueDirect)
			if err != nil {
				return err
			}
			cbs[pass] = cb
			return recordPass(cb, sig, pass, tex, constants[pass], scaled, frame)
		})
		if err != nil {
			for _, cb := range cbs {
				if cb != nil {
					cb.Dispose()
				}
			}
			return fmt.Errorf("frame %d: %w", frame, err)
		}
		for _, cb := range cbs {
			st := cb.Stats()
			rep.commits += st.Rotations + st.Appends
		}
		if rep.last, err = dev.SubmitBatch(cbs...); err != nil {
			return fmt.Errorf("frame %d: %w", frame, err)
		}
		rep.submissions++
		rep.lists += len(cbs)
		rep.uploaded += uint64(len(scaled.Pix)) + uint64(cfg.passes)*constantsSize

		switch {
		case be.advance == nil:
		case cfg.latency == 0:
			be.advance(rep.last)
		case len(frameFences) >= cfg.latency:
			be.advance(frameFences[len(frameFences)-cfg.latency])
		}
		if err := dev.Present(ctx); err != nil {
			return err
		}
		frameFences = append(frameFences, direct.LastSubmittedFenceValue())
		rep.frames++
	}

	// WaitForIdle signals a fence of its own, so a manually completed
	// device has to stop waiting for advance calls first.
	if be.drain != nil {
		be.drain()
	}
	if err := dev.WaitForIdle(ctx); err != nil {
		return err
	}
	if err := dev.Release(tex.Native()); err != nil {
		return err
	}
	rep.stats = dev.Stats()
	printReport(out, cfg, rep)
	return nil
}

func newTexture(be *backend, size int) (*barrier.Resource, error) {
	t, err := be.newTexture(size, size)
	if err != nil {
		return nil, err
	}
	return barrier.Track(t, native.StateCommon), nil
}

// recordPass records one draw of the sprite. Pass zero also uploads the
// frame's texels; the batch executes in pass order, so later passes only
// read the texture.
func recordPass(cb *gpusubmit.CommandBuffer, sig *layout.Signature, pass int, tex, cbv *barrier.Resource, img *image.RGBA, frame int) error {
	if pass == 0 {
		if err := cb.Transition(tex, native.StateCopyDest); err != nil {
			return err
		}
		if err := cb.UpdateTexture(tex.Native().(native.Texture), 0, img.Pix); err != nil {
			return err
		}
		if err := cb.Transition(tex, native.StatePixelShaderResource); err != nil {
			return err
		}
	}
	if err := cb.Transition(cbv, native.StateCopyDest); err != nil {
		return err
	}
	if err := cb.UpdateBuffer(cbv.Native().(native.Buffer), 0, frameConstants(frame, pass)); err != nil {
		return err
	}
	if err := cb.Transition(cbv, native.StateVertexAndConstantBuffer); err != nil {
		return err
	}

	if err := cb.SetGraphicsSignature(sig); err != nil {
		return err
	}
	for _, p := range sig.Parameters() {
		var offset uint32
		for _, r := range p.Ranges {
			for range r.Count {
				if err := cb.SetDescriptor(p.Index, offset, viewFor(r.Type, tex, cbv)); err != nil {
					return err
				}
				offset++
			}
		}
	}
	return cb.Draw(4, 1, 0, 0)
}

func viewFor(t layout.RangeType, tex, cbv *barrier.Resource) native.View {
	switch t {
	case layout.RangeCBV:
		return native.View{Kind: native.ViewConstantBuffer, Resource: cbv.Native(), Size: constantsSize}
	case layout.RangeUAV:
		return native.View{Kind: native.ViewUnorderedAccess, Resource: cbv.Native(), Size: constantsSize}
	case layout.RangeSampler:
		return native.View{Kind: native.ViewSampler}
	default:
		return native.View{Kind: native.ViewShaderResource, Resource: tex.Native()}
	}
}

// frameConstants encodes a rotation matrix and a pulsing tint. Passes are
// spread evenly around the circle.
func frameConstants(frame, pass int) []byte {
	angle := float64(frame)*math.Pi/90 + float64(pass)*math.Pi/4
	s, c := float32(math.Sin(angle)), float32(math.Cos(angle))
	m := [16]float32{
		c, s, 0, 0,
		-s, c, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
	pulse := float32(0.75 + 0.25*math.Sin(angle*2))
	tint := [4]float32{pulse, pulse, 1, 1}

	buf := make([]byte, 0, constantsSize)
	for _, v := range m {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	for _, v := range tint {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	return buf
}

func proceduralImage(edge int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, edge, edge))
	for y := range edge {
		for x := range edge {
			checker := uint8(0)
			if (x/16+y/16)%2 == 0 {
				checker = 0x40
			}
			img.SetRGBA(x, y, color.RGBA{
				R: uint8(x * 255 / edge),
				G: uint8(y * 255 / edge),
				B: 0x80 + checker,
				A: 0xFF,
			})
		}
	}
	return img
}

func printReport(out io.Writer, cfg config, rep report) {
	p := message.NewPrinter(language.English)
	p.Fprintf(out, "backend %s: %d frames, %d submissions of %d command lists, last fence %v\n",
		cfg.backend, rep.frames, rep.submissions, rep.lists, rep.last)
	p.Fprintf(out, "staged %d bytes, %d descriptor commits, %d texture replacements\n",
		rep.uploaded, rep.commits, rep.rotations)
	fmt.Fprintln(out, rep.stats)
}
