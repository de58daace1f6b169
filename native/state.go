package native

import (
	"strings"
)

// ResourceState is a bit set of GPU usages a resource may be in.
// Values match D3D12_RESOURCE_STATES.
type ResourceState uint32

const (
	StateCommon                  ResourceState = 0
	StateVertexAndConstantBuffer ResourceState = 0x1
	StateIndexBuffer             ResourceState = 0x2
	StateRenderTarget            ResourceState = 0x4
	StateUnorderedAccess         ResourceState = 0x8
	StateDepthWrite              ResourceState = 0x10
	StateDepthRead               ResourceState = 0x20
	StateNonPixelShaderResource  ResourceState = 0x40
	StatePixelShaderResource     ResourceState = 0x80
	StateIndirectArgument        ResourceState = 0x200
	StateCopyDest                ResourceState = 0x400
	StateCopySource              ResourceState = 0x800

	// StateGenericRead is the read-only union an upload heap lives in.
	StateGenericRead = StateVertexAndConstantBuffer | StateIndexBuffer |
		StateNonPixelShaderResource | StatePixelShaderResource |
		StateIndirectArgument | StateCopySource

	// StatePresent aliases StateCommon.
	StatePresent = StateCommon

	// StateNone marks a state that is not known or not pending.
	StateNone ResourceState = 0xFFFFFFFF
)

var stateNames = []struct {
	bit  ResourceState
	name string
}{
	{StateVertexAndConstantBuffer, "VertexAndConstantBuffer"},
	{StateIndexBuffer, "IndexBuffer"},
	{StateRenderTarget, "RenderTarget"},
	{StateUnorderedAccess, "UnorderedAccess"},
	{StateDepthWrite, "DepthWrite"},
	{StateDepthRead, "DepthRead"},
	{StateNonPixelShaderResource, "NonPixelShaderResource"},
	{StatePixelShaderResource, "PixelShaderResource"},
	{StateIndirectArgument, "IndirectArgument"},
	{StateCopyDest, "CopyDest"},
	{StateCopySource, "CopySource"},
}

// String renders the state as a '|' separated list of usage names.
func (s ResourceState) String() string {
	switch s {
	case StateCommon:
		return "Common"
	case StateNone:
		return "None"
	case StateGenericRead:
		return "GenericRead"
	}
	var parts []string
	for _, n := range stateNames {
		if s&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// BarrierType selects the kind of resource barrier.
type BarrierType uint8

const (
	// BarrierTransition moves a resource between states.
	BarrierTransition BarrierType = iota
	// BarrierUAV orders unordered-access writes to the same resource.
	BarrierUAV
)

// BarrierFlags split a transition across two points of a command list.
type BarrierFlags uint8

const (
	BarrierFlagNone BarrierFlags = iota
	// BarrierFlagBeginOnly starts a transition that completes later.
	BarrierFlagBeginOnly
	// BarrierFlagEndOnly completes a transition started with BeginOnly.
	BarrierFlagEndOnly
)

// Barrier is a single resource barrier.
type Barrier struct {
	Type     BarrierType
	Flags    BarrierFlags
	Resource Resource
	Before   ResourceState
	After    ResourceState
}
