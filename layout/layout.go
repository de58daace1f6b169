// Package layout describes descriptor-table signatures: which root
// parameters are descriptor tables, what kind of descriptors each one
// holds, and how many.
package layout

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gogpu/gpusubmit/native"
)

var (
	// ErrEmptyTable is returned for a table without descriptors.
	ErrEmptyTable = errors.New("layout: descriptor table has no descriptors")

	// ErrMixedTable is returned when a table mixes samplers with other descriptors.
	ErrMixedTable = errors.New("layout: descriptor table mixes samplers and resources")

	// ErrUnboundedArray is returned for binding arrays without a fixed size.
	ErrUnboundedArray = errors.New("layout: unbounded binding arrays are not supported")
)

// RangeType is the descriptor type of a range.
type RangeType uint8

const (
	RangeSRV RangeType = iota
	RangeUAV
	RangeCBV
	RangeSampler
)

func (t RangeType) String() string {
	switch t {
	case RangeSRV:
		return "SRV"
	case RangeUAV:
		return "UAV"
	case RangeCBV:
		return "CBV"
	case RangeSampler:
		return "Sampler"
	}
	return fmt.Sprintf("RangeType(%d)", int(t))
}

// HeapKind returns the heap kind the range lives in.
func (t RangeType) HeapKind() native.DescriptorKind {
	if t == RangeSampler {
		return native.KindSampler
	}
	return native.KindResource
}

// Range is a run of descriptors bound to consecutive shader registers.
type Range struct {
	Type         RangeType
	Count        uint32
	BaseRegister uint32
	Space        uint32
}

// SRV returns a shader-resource range.
func SRV(count, register uint32) Range {
	return Range{Type: RangeSRV, Count: count, BaseRegister: register}
}

// UAV returns an unordered-access range.
func UAV(count, register uint32) Range {
	return Range{Type: RangeUAV, Count: count, BaseRegister: register}
}

// CBV returns a constant-buffer range.
func CBV(count, register uint32) Range {
	return Range{Type: RangeCBV, Count: count, BaseRegister: register}
}

// Sampler returns a sampler range.
func Sampler(count, register uint32) Range {
	return Range{Type: RangeSampler, Count: count, BaseRegister: register}
}

// Parameter is a root parameter holding one descriptor table.
type Parameter struct {
	Index  uint32
	Ranges []Range
}

// Kind returns the heap kind of the table.
func (p Parameter) Kind() native.DescriptorKind { return p.Ranges[0].Type.HeapKind() }

// Count returns the number of descriptors in the table.
func (p Parameter) Count() uint32 {
	var n uint32
	for _, r := range p.Ranges {
		n += r.Count
	}
	return n
}

// Table locates a descriptor table inside the staging heap of its kind.
type Table struct {
	Parameter uint32
	Offset    uint32
	Count     uint32
}

// Signature is an immutable set of descriptor-table parameters.
type Signature struct {
	label  string
	params []Parameter
	tables [native.DescriptorKindCount][]Table
	size   [native.DescriptorKindCount]uint32
}

func newSignature(label string, params []Parameter) (*Signature, error) {
	s := &Signature{label: label, params: params}
	for i, p := range params {
		if len(p.Ranges) == 0 || p.Count() == 0 {
			return nil, fmt.Errorf("%w: parameter %d", ErrEmptyTable, i)
		}
		kind := p.Kind()
		for _, r := range p.Ranges[1:] {
			if r.Type.HeapKind() != kind {
				return nil, fmt.Errorf("%w: parameter %d", ErrMixedTable, i)
			}
		}
		s.tables[kind] = append(s.tables[kind], Table{Parameter: p.Index, Offset: s.size[kind], Count: p.Count()})
		s.size[kind] += p.Count()
	}
	return s, nil
}

// Label returns the debug name.
func (s *Signature) Label() string { return s.label }

// Parameters returns the table parameters in index order.
func (s *Signature) Parameters() []Parameter { return s.params }

// Tables returns the tables of kind with their offsets in a staging heap
// laid out back to back in parameter order.
func (s *Signature) Tables(kind native.DescriptorKind) []Table { return s.tables[kind] }

// Footprint returns the total descriptor count of every table of kind.
func (s *Signature) Footprint(kind native.DescriptorKind) uint32 { return s.size[kind] }

// Table returns the table bound to parameter index.
func (s *Signature) Table(parameter uint32) (Table, native.DescriptorKind, bool) {
	for k := range s.tables {
		for _, t := range s.tables[k] {
			if t.Parameter == parameter {
				return t, native.DescriptorKind(k), true
			}
		}
	}
	return Table{}, 0, false
}

// String returns a compact description such as
// "lit[0:CBV1,SRV2 1:Sampler1]".
func (s *Signature) String() string {
	var b strings.Builder
	b.WriteString(s.label)
	b.WriteByte('[')
	for i, p := range s.params {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%d:", p.Index)
		for j, r := range p.Ranges {
			if j > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "%v%d", r.Type, r.Count)
		}
	}
	b.WriteByte(']')
	return b.String()
}

// Builder assembles a Signature one table at a time.
type Builder struct {
	label  string
	params []Parameter
}

// NewBuilder starts a signature.
func NewBuilder(label string) *Builder { return &Builder{label: label} }

// Table appends a descriptor table and returns its parameter index.
func (b *Builder) Table(ranges ...Range) uint32 {
	idx := uint32(len(b.params))
	b.params = append(b.params, Parameter{Index: idx, Ranges: append([]Range(nil), ranges...)})
	return idx
}

// Build validates the tables and returns the signature.
func (b *Builder) Build() (*Signature, error) {
	return newSignature(b.label, append([]Parameter(nil), b.params...))
}
