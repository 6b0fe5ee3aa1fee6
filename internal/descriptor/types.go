// Package descriptor holds the data model the orchestration core is built
// from: the per-subgraph submodel descriptor and the global link tables
// produced by the upstream partitioning compiler (spec §3). These types are
// consumed read-only by the rest of the orchestrator; nothing here mutates
// them after construction except the device cursor, which only ever
// advances.
package descriptor

import (
	"fmt"

	"github.com/npuw-go/npuw/internal/dtype"
	"github.com/npuw-go/npuw/internal/subrequest"
	"github.com/npuw-go/npuw/internal/tensor"
)

// ClosureSlot is one weight closure slot of a function-call submodel: a
// host-side tensor plus optional dequantization parameters and an
// update-required flag (§3, §4.2).
type ClosureSlot struct {
	Data  tensor.Tensor
	Scale *tensor.Tensor
	Zerop *tensor.Tensor

	// UpdateRequired, when false, means the slot is bound once from the
	// weights bank at construction and never revisited. When true the slot
	// is re-copied or re-unpacked on every inference.
	UpdateRequired bool

	// BodyDType is the dtype the body's corresponding input expects. When
	// it differs from Data.DType the resolver unpacks rather than copies
	// (§4.2 case 2).
	BodyDType dtype.DType
}

// HostGather describes a host-side embedding lookup performed during
// parameter binding (§4.2, §4.1 Gather): the just-bound index tensor at
// sub-input `idx_idx` selects rows of closure slot `src_idx` into closure slot
// `dst_idx`.
type HostGather struct {
	DstIdx int
	SrcIdx int
	IdxIdx int
}

// SpatialParam names one spatial input: input index `Idx` is sliced along
// axis `Dim`.
type SpatialParam struct {
	Idx int
	Dim int
}

// SpatialSpec describes slice-wise execution of a spatial submodel (§4.3).
// The invariant Nway*NwayIters+TailSize == Range, TailSize < Nway, holds by
// construction (validated in Validate).
type SpatialSpec struct {
	Params    []SpatialParam
	OutDim    int
	Range     int64
	Nway      int64
	NwayIters int64
	TailSize  int64
}

// Validate checks the spatial slicing arithmetic invariant.
func (s *SpatialSpec) Validate() error {
	if s.Nway*s.NwayIters+s.TailSize != s.Range {
		return fmt.Errorf("descriptor: spatial nway*nway_iters+tail_size = %d, want range %d", s.Nway*s.NwayIters+s.TailSize, s.Range)
	}
	if s.TailSize >= s.Nway {
		return fmt.Errorf("descriptor: spatial tail_size %d must be < nway %d", s.TailSize, s.Nway)
	}
	return nil
}

// DeviceIterator is a cursor over a submodel's ordered device preference
// list. Exactly one cursor advances per failover; it never rewinds (§3
// invariant).
type DeviceIterator struct {
	devices []string
	idx     int
}

// NewDeviceIterator builds a cursor starting at the first preference.
func NewDeviceIterator(devices []string) *DeviceIterator {
	return &DeviceIterator{devices: append([]string(nil), devices...)}
}

// Current returns the device currently preferred, or "" if the list is
// exhausted.
func (d *DeviceIterator) Current() string {
	if d.idx >= len(d.devices) {
		return ""
	}
	return d.devices[d.idx]
}

// Advance moves to the next device preference. It reports false when no
// device remains after the move, including when the list was already
// exhausted.
func (d *DeviceIterator) Advance() bool {
	if d.idx >= len(d.devices) {
		return false
	}
	d.idx++
	return d.idx < len(d.devices)
}

// Exhausted reports whether every device preference has been tried.
func (d *DeviceIterator) Exhausted() bool {
	return d.idx >= len(d.devices)
}

// Submodel is one subgraph slot of the decomposed model (§3).
type Submodel struct {
	Index int

	// CompiledModel is nil when the slot was optimized out (body reused
	// entirely via ReplacedBy, or the slot genuinely has no device
	// representation).
	CompiledModel subrequest.CompiledModel

	// ReplacedBy, when non-nil, marks this slot as a function call reusing
	// the body at that (earlier-or-equal) index.
	ReplacedBy *int

	// ParamBase is the number of activation inputs; inputs
	// [0, ParamBase) are bound at runtime, [ParamBase, ...) are closure
	// slots.
	ParamBase int

	NumInputs  int
	NumOutputs int

	Closures []ClosureSlot

	HostGather *HostGather
	Spatial    *SpatialSpec

	Devices *DeviceIterator
}

// IsFuncall reports whether this slot reuses another submodel's body.
func (s *Submodel) IsFuncall() bool { return s.ReplacedBy != nil }

// BodyIndex returns the index of the body this slot executes: itself for a
// normal submodel, or ReplacedBy for a function call.
func (s *Submodel) BodyIndex() int {
	if s.ReplacedBy != nil {
		return *s.ReplacedBy
	}
	return s.Index
}

// LinkRef names one (submodel index, port index) pair. A negative SubIdx
// (see NoLink) represents NO_LINK.
type LinkRef struct {
	SubIdx int
	Idx    int
}

// NoLink is the sentinel for an absent global link.
var NoLink = LinkRef{SubIdx: -1, Idx: -1}

// IsNoLink reports whether r is the NO_LINK sentinel.
func (r LinkRef) IsNoLink() bool { return r.SubIdx < 0 }

// SubInputKey identifies one submodel input.
type SubInputKey struct {
	SubIdx int
	InIdx  int
}

// SubOutputKey identifies one submodel output.
type SubOutputKey struct {
	SubIdx  int
	OutIdx  int
}

// LinkTables holds the four global link tables produced by the upstream
// partitioner and consumed read-only by the core (§3).
type LinkTables struct {
	// InputsToSubmodelInputs[g] -> (sub_idx, in_idx) or NoLink.
	InputsToSubmodelInputs []LinkRef

	// ParamSubscribers[g] -> every (sub_idx, in_idx) fed by global input g.
	ParamSubscribers [][]LinkRef

	// OutputsToSubmodelOutputs[g] -> (sub_idx, out_idx).
	OutputsToSubmodelOutputs []LinkRef

	// SubmodelsInputToPrevOutput[(sub_idx,in_idx)] -> (prod_sub_idx, prod_out_idx).
	SubmodelsInputToPrevOutput map[SubInputKey]SubOutputKey
}

// Model is the full decomposition: the ordered submodel list plus the
// global link tables.
type Model struct {
	Submodels []Submodel
	Links     LinkTables
}

// Validate checks the DAG and index invariants from §3/§9: ReplacedBy
// points at an earlier-or-equal index whose own body is a non-funcall with
// a present compiled model, and every spatial spec's slicing arithmetic is
// consistent. The partitioner emits submodels in topological order, so a
// simple index-ordering check suffices to rule out cycles.
func (m *Model) Validate() error {
	for i := range m.Submodels {
		s := &m.Submodels[i]
		if s.Index != i {
			return fmt.Errorf("descriptor: submodel at slot %d has Index %d", i, s.Index)
		}
		if s.ReplacedBy != nil {
			j := *s.ReplacedBy
			if j < 0 || j > i {
				return fmt.Errorf("descriptor: submodel %d replaced_by %d violates j<=i", i, j)
			}
			body := &m.Submodels[j]
			if body.ReplacedBy != nil {
				return fmt.Errorf("descriptor: submodel %d replaced_by %d, which is itself a function call", i, j)
			}
			if body.CompiledModel == nil {
				return fmt.Errorf("descriptor: submodel %d replaced_by %d, whose compiled model is absent", i, j)
			}
		}
		if s.Spatial != nil {
			if err := s.Spatial.Validate(); err != nil {
				return fmt.Errorf("descriptor: submodel %d: %w", i, err)
			}
		}
	}
	return nil
}
