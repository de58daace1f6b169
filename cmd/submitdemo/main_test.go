package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestRun(t *testing.T) {
	tests := []struct {
		name string
		cfg  config
		want []string
	}{
		{
			name: "sim",
			cfg:  config{backend: "sim", frames: 12, passes: 3, size: 16, inFlight: 3, latency: 2, rotate: 5},
			want: []string{"backend sim: 12 frames, 12 submissions of 36 command lists", "2 texture replacements"},
		},
		{
			name: "sim without latency",
			cfg:  config{backend: "sim", frames: 4, passes: 1, size: 8, inFlight: 1, latency: 0},
			want: []string{"4 frames"},
		},
		{
			name: "noop",
			cfg:  config{backend: "noop", frames: 3, passes: 2, size: 8, inFlight: 2, latency: 0},
			want: []string{"backend noop: 3 frames"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			var out bytes.Buffer
			if err := run(ctx, tt.cfg, &out); err != nil {
				t.Fatalf("run: %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(out.String(), w) {
					t.Errorf("output missing %q:\n%s", w, out.String())
				}
			}
		})
	}
}

func TestRunRejectsConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  config
	}{
		{"no frames", config{backend: "sim", frames: 0, passes: 1, size: 4, inFlight: 1}},
		{"no passes", config{backend: "sim", frames: 1, size: 4, inFlight: 1}},
		{"latency past inflight", config{backend: "sim", frames: 1, passes: 1, size: 4, inFlight: 1, latency: 2}},
		{"unknown backend", config{backend: "vulkan", frames: 1, passes: 1, size: 4, inFlight: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := run(context.Background(), tt.cfg, &bytes.Buffer{}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestFrameConstantsSize(t *testing.T) {
	if got := len(frameConstants(7, 1)); got != constantsSize {
		t.Errorf("len = %d, want %d", got, constantsSize)
	}
}
