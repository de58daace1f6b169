// Command submitdemo drives a headless frame loop through gpusubmit. Every
// frame streams a resampled image and per-pass constants through the upload
// ring, records its passes on parallel goroutines with descriptor tables
// derived from a WGSL shader, and submits them as one batch. Textures are
// periodically replaced and retired through the deferred destructor.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/gogpu/gpusubmit"
)

func main() {
	var (
		backendName = flag.String("backend", "sim", "device backend: sim or noop")
		frames      = flag.Int("frames", 240, "number of frames to submit")
		passes      = flag.Int("passes", 3, "command buffers recorded in parallel per frame")
		size        = flag.Int("size", 64, "texture edge in texels")
		inFlight    = flag.Int("inflight", 3, "maximum frames in flight")
		latency     = flag.Int("latency", 2, "simulated GPU latency in frames (sim backend)")
		rotate      = flag.Int("rotate", 60, "replace the texture every N frames (0 disables)")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	if *verbose {
		gpusubmit.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	cfg := config{
		backend:  *backendName,
		frames:   *frames,
		passes:   *passes,
		size:     *size,
		inFlight: *inFlight,
		latency:  *latency,
		rotate:   *rotate,
	}
	if err := run(context.Background(), cfg, os.Stdout); err != nil {
		log.Fatalf("submitdemo: %v", err)
	}
}

type config struct {
	backend  string
	frames   int
	passes   int
	size     int
	inFlight int
	latency  int
	rotate   int
}

func (c config) validate() error {
	switch {
	case c.frames < 1:
		return fmt.Errorf("frames must be positive, got %d", c.frames)
	case c.passes < 1:
		return fmt.Errorf("passes must be positive, got %d", c.passes)
	case c.size < 1:
		return fmt.Errorf("size must be positive, got %d", c.size)
	case c.inFlight < 1:
		return fmt.Errorf("inflight must be positive, got %d", c.inFlight)
	case c.latency < 0 || c.latency > c.inFlight:
		return fmt.Errorf("latency must be within [0, inflight], got %d", c.latency)
	}
	return nil
}
