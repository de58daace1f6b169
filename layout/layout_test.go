package layout

import (
	"errors"
	"strings"
	"testing"

	"github.com/gogpu/gpusubmit/native"
)

func TestBuilderOffsets(t *testing.T) {
	b := NewBuilder("lit")
	p0 := b.Table(CBV(1, 0), SRV(2, 0))
	p1 := b.Table(Sampler(2, 0))
	p2 := b.Table(UAV(4, 0))
	sig, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	if got := sig.Footprint(native.KindResource); got != 7 {
		t.Errorf("resource footprint = %d, want 7", got)
	}
	if got := sig.Footprint(native.KindSampler); got != 2 {
		t.Errorf("sampler footprint = %d, want 2", got)
	}
	res := sig.Tables(native.KindResource)
	if len(res) != 2 || res[0] != (Table{Parameter: p0, Offset: 0, Count: 3}) || res[1] != (Table{Parameter: p2, Offset: 3, Count: 4}) {
		t.Errorf("resource tables = %+v", res)
	}
	tbl, kind, ok := sig.Table(p1)
	if !ok || kind != native.KindSampler || tbl.Offset != 0 || tbl.Count != 2 {
		t.Errorf("Table(%d) = %+v %v %v", p1, tbl, kind, ok)
	}
	if _, _, ok := sig.Table(9); ok {
		t.Error("unknown parameter found")
	}
	if got := sig.String(); got != "lit[0:CBV1,SRV2 1:Sampler2 2:UAV4]" {
		t.Errorf("String = %q", got)
	}
}

func TestBuilderValidation(t *testing.T) {
	tests := []struct {
		name   string
		ranges []Range
		want   error
	}{
		{"empty", nil, ErrEmptyTable},
		{"zero count", []Range{SRV(0, 0)}, ErrEmptyTable},
		{"mixed", []Range{SRV(1, 0), Sampler(1, 0)}, ErrMixedTable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder(tt.name)
			b.Table(tt.ranges...)
			if _, err := b.Build(); !errors.Is(err, tt.want) {
				t.Errorf("Build() error = %v, want %v", err, tt.want)
			}
		})
	}
}

const litShader = `
struct Globals {
    mvp: mat4x4<f32>,
}

@group(0) @binding(0) var<uniform> globals: Globals;
@group(0) @binding(1) var albedo: texture_2d<f32>;
@group(0) @binding(2) var albedo_sampler: sampler;
@group(1) @binding(0) var<storage, read> lights: array<vec4<f32>>;
@group(1) @binding(1) var<storage, read_write> counters: array<u32>;

@vertex
fn vs_main(@builtin(vertex_index) i: u32) -> @builtin(position) vec4<f32> {
    return globals.mvp * vec4<f32>(f32(i), 0.0, 0.0, 1.0);
}

@fragment
fn fs_main() -> @location(0) vec4<f32> {
    counters[0] = 1u;
    return textureSample(albedo, albedo_sampler, vec2<f32>(0.5, 0.5)) * lights[0];
}
`

func TestFromWGSL(t *testing.T) {
	sig, err := FromWGSL("lit", litShader)
	if err != nil {
		if strings.Contains(err.Error(), "not yet") || strings.Contains(err.Error(), "unsupported") {
			t.Skipf("Skipping: naga feature not yet implemented: %v", err)
		}
		t.Fatalf("FromWGSL: %v", err)
	}

	params := sig.Parameters()
	if len(params) != 3 {
		t.Fatalf("got %d tables (%v), want 3", len(params), sig)
	}
	want := []struct {
		kind  native.DescriptorKind
		types []RangeType
	}{
		{native.KindResource, []RangeType{RangeCBV, RangeSRV}},
		{native.KindSampler, []RangeType{RangeSampler}},
		{native.KindResource, []RangeType{RangeSRV, RangeUAV}},
	}
	for i, w := range want {
		p := params[i]
		if p.Kind() != w.kind || len(p.Ranges) != len(w.types) {
			t.Errorf("table %d = %+v", i, p)
			continue
		}
		for j, rt := range w.types {
			if p.Ranges[j].Type != rt {
				t.Errorf("table %d range %d = %v, want %v", i, j, p.Ranges[j].Type, rt)
			}
		}
	}
	if params[2].Ranges[0].Space != 1 || params[2].Ranges[1].BaseRegister != 1 {
		t.Errorf("group 1 registers = %+v", params[2].Ranges)
	}
}

func TestFromWGSLParseError(t *testing.T) {
	if _, err := FromWGSL("broken", "@group(0) @binding(0) var<uniform"); err == nil {
		t.Error("expected error for malformed WGSL")
	}
}

func TestCacheDerivesOnce(t *testing.T) {
	c := NewCache(4)
	first, err := c.FromWGSL("lit", litShader)
	if err != nil {
		t.Skipf("Skipping: WGSL derivation unavailable: %v", err)
	}
	again, err := c.FromWGSL("other label", litShader)
	if err != nil {
		t.Fatal(err)
	}
	if again != first {
		t.Error("cached signature was derived again")
	}
	if again.Label() != "lit" {
		t.Errorf("Label = %q, want the first derivation's", again.Label())
	}
	if _, err := c.FromWGSL("broken", "@group(0) @binding(0) var<uniform"); err == nil {
		t.Error("expected parse error")
	}
	if s := c.Stats(); s.Len != 1 || s.Hits != 1 || s.Misses != 2 {
		t.Errorf("Stats = %v", s)
	}
}
