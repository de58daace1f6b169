package layout

import (
	"fmt"
	"sort"

	"github.com/gogpu/naga"
	"github.com/gogpu/naga/ir"
)

// FromWGSL derives a signature from the resource bindings of a WGSL module.
//
// Every @group becomes up to two tables, one for buffers and textures and
// one for samplers, in group order. Register numbers are the @binding
// indices and the register space is the group.
func FromWGSL(label, source string) (*Signature, error) {
	ast, err := naga.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("layout: parse %s: %w", label, err)
	}
	module, err := naga.LowerWithSource(ast, source)
	if err != nil {
		return nil, fmt.Errorf("layout: lower %s: %w", label, err)
	}
	return FromModule(label, module)
}

type groupRanges struct {
	resources []Range
	samplers  []Range
}

// FromModule derives a signature from a lowered naga module.
func FromModule(label string, module *ir.Module) (*Signature, error) {
	groups := map[uint32]*groupRanges{}
	for _, gv := range module.GlobalVariables {
		if gv.Binding == nil {
			continue
		}
		r, ok, err := rangeOf(module, gv)
		if err != nil {
			return nil, fmt.Errorf("layout: %s: %w", gv.Name, err)
		}
		if !ok {
			continue
		}
		r.BaseRegister = gv.Binding.Binding
		r.Space = gv.Binding.Group

		g := groups[gv.Binding.Group]
		if g == nil {
			g = &groupRanges{}
			groups[gv.Binding.Group] = g
		}
		if r.Type == RangeSampler {
			g.samplers = append(g.samplers, r)
		} else {
			g.resources = append(g.resources, r)
		}
	}

	order := make([]uint32, 0, len(groups))
	for k := range groups {
		order = append(order, k)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	b := NewBuilder(label)
	for _, k := range order {
		g := groups[k]
		for _, rs := range [][]Range{g.resources, g.samplers} {
			if len(rs) == 0 {
				continue
			}
			sort.Slice(rs, func(i, j int) bool { return rs[i].BaseRegister < rs[j].BaseRegister })
			b.Table(rs...)
		}
	}
	return b.Build()
}

func rangeOf(module *ir.Module, gv ir.GlobalVariable) (Range, bool, error) {
	count := uint32(1)
	inner := module.Types[gv.Type].Inner
	if arr, ok := inner.(ir.BindingArrayType); ok {
		if arr.Size == nil {
			return Range{}, false, ErrUnboundedArray
		}
		count = *arr.Size
		inner = module.Types[arr.Base].Inner
	}

	switch gv.Space {
	case ir.SpaceUniform:
		return Range{Type: RangeCBV, Count: count}, true, nil
	case ir.SpaceStorage:
		if gv.Access == ir.StorageRead {
			return Range{Type: RangeSRV, Count: count}, true, nil
		}
		return Range{Type: RangeUAV, Count: count}, true, nil
	case ir.SpaceHandle:
		switch t := inner.(type) {
		case ir.SamplerType:
			return Range{Type: RangeSampler, Count: count}, true, nil
		case ir.ImageType:
			if t.Class == ir.ImageClassStorage {
				return Range{Type: RangeUAV, Count: count}, true, nil
			}
			return Range{Type: RangeSRV, Count: count}, true, nil
		}
	}
	return Range{}, false, nil
}
