// Package manifest decodes the JSON fixture format described in spec
// §3a: a document listing submodels, their closure slots, spatial specs
// and device preferences, plus the four global link tables. It is a
// fixture and CLI input format, not a new compiler — it exists so
// cmd/npuwrun and the test suite can construct a descriptor.Model without
// a real device driver.
package manifest

import (
	"fmt"

	gojson "github.com/goccy/go-json"

	"github.com/npuw-go/npuw/internal/bank"
	"github.com/npuw-go/npuw/internal/descriptor"
	"github.com/npuw-go/npuw/internal/dtype"
	"github.com/npuw-go/npuw/internal/subrequest"
)

// Doc is the top-level manifest document.
type Doc struct {
	Submodels []SubmodelDoc `json:"submodels"`
	Links     LinksDoc      `json:"links"`
}

// ClosureDoc names one closure slot's bank tensor plus optional
// dequantization tensors.
type ClosureDoc struct {
	Tensor         string `json:"tensor"`
	Scale          string `json:"scale,omitempty"`
	Zerop          string `json:"zerop,omitempty"`
	UpdateRequired bool   `json:"update_required"`
	BodyDType      string `json:"body_dtype"`
}

// HostGatherDoc mirrors descriptor.HostGather.
type HostGatherDoc struct {
	DstIdx int `json:"dst_idx"`
	SrcIdx int `json:"src_idx"`
	IdxIdx int `json:"idx_idx"`
}

// SpatialParamDoc mirrors descriptor.SpatialParam.
type SpatialParamDoc struct {
	Idx int `json:"idx"`
	Dim int `json:"dim"`
}

// SpatialDoc mirrors descriptor.SpatialSpec.
type SpatialDoc struct {
	Params    []SpatialParamDoc `json:"params"`
	OutDim    int               `json:"out_dim"`
	Range     int64             `json:"range"`
	Nway      int64             `json:"nway"`
	NwayIters int64             `json:"nway_iters"`
	TailSize  int64             `json:"tail_size"`
}

// SubmodelDoc is one submodel entry. ReplacedBy is a pointer so that
// absence (ordinary submodel) is distinguishable from index 0.
type SubmodelDoc struct {
	Index      int            `json:"index"`
	ReplacedBy *int           `json:"replaced_by,omitempty"`
	ParamBase  int            `json:"param_base"`
	NumInputs  int            `json:"num_inputs"`
	NumOutputs int            `json:"num_outputs"`
	Devices    []string       `json:"devices"`
	Closures   []ClosureDoc   `json:"closures,omitempty"`
	HostGather *HostGatherDoc `json:"host_gather,omitempty"`
	Spatial    *SpatialDoc    `json:"spatial,omitempty"`
	HasModel   bool           `json:"has_model"`
}

// LinkRefDoc mirrors descriptor.LinkRef; an Idx of -1 means NO_LINK.
type LinkRefDoc struct {
	SubIdx int `json:"sub_idx"`
	Idx    int `json:"idx"`
}

// LinkEdgeDoc represents one entry of the previous-output link table as a
// flat (consumer, producer) pair, since JSON object keys must be strings
// and descriptor.SubInputKey is a composite key.
type LinkEdgeDoc struct {
	SubIdx     int `json:"sub_idx"`
	InIdx      int `json:"in_idx"`
	ProdSubIdx int `json:"prod_sub_idx"`
	ProdOutIdx int `json:"prod_out_idx"`
}

// LinksDoc mirrors descriptor.LinkTables in JSON-friendly shape.
type LinksDoc struct {
	InputsToSubmodelInputs   []LinkRefDoc   `json:"inputs_to_submodel_inputs"`
	ParamSubscribers         [][]LinkRefDoc `json:"param_subscribers"`
	OutputsToSubmodelOutputs []LinkRefDoc   `json:"outputs_to_submodel_outputs"`
	SubmodelsInputToPrevOut  []LinkEdgeDoc  `json:"submodels_input_to_prev_output"`
}

// Decode parses raw manifest JSON bytes into a Doc.
func Decode(raw []byte) (Doc, error) {
	var doc Doc
	if err := gojson.Unmarshal(raw, &doc); err != nil {
		return Doc{}, fmt.Errorf("manifest: decode: %w", err)
	}
	return doc, nil
}

// Build resolves a decoded Doc into a descriptor.Model, looking up every
// closure tensor by name in dir and minting CompiledModel handles from
// mint for submodels that carry their own compiled body (HasModel). mint
// is supplied by the caller (the CLI wires it to a devicesim compiler)
// since this package has no device driver of its own.
func Build(doc Doc, dir *bank.Bank, mint func(idx int) (subrequest.CompiledModel, error)) (descriptor.Model, error) {
	subs := make([]descriptor.Submodel, len(doc.Submodels))
	for i, sd := range doc.Submodels {
		if sd.Index != i {
			return descriptor.Model{}, fmt.Errorf("manifest: submodel at position %d declares index %d", i, sd.Index)
		}
		s := descriptor.Submodel{
			Index:      sd.Index,
			ReplacedBy: sd.ReplacedBy,
			ParamBase:  sd.ParamBase,
			NumInputs:  sd.NumInputs,
			NumOutputs: sd.NumOutputs,
			Devices:    descriptor.NewDeviceIterator(sd.Devices),
		}
		if sd.HasModel && sd.ReplacedBy == nil {
			cm, err := mint(sd.Index)
			if err != nil {
				return descriptor.Model{}, fmt.Errorf("manifest: mint submodel %d: %w", sd.Index, err)
			}
			s.CompiledModel = cm
		}
		for _, cd := range sd.Closures {
			slot, err := buildClosure(dir, cd)
			if err != nil {
				return descriptor.Model{}, fmt.Errorf("manifest: submodel %d closure %q: %w", sd.Index, cd.Tensor, err)
			}
			s.Closures = append(s.Closures, slot)
		}
		if sd.HostGather != nil {
			s.HostGather = &descriptor.HostGather{
				DstIdx: sd.HostGather.DstIdx,
				SrcIdx: sd.HostGather.SrcIdx,
				IdxIdx: sd.HostGather.IdxIdx,
			}
		}
		if sd.Spatial != nil {
			params := make([]descriptor.SpatialParam, len(sd.Spatial.Params))
			for j, p := range sd.Spatial.Params {
				params[j] = descriptor.SpatialParam{Idx: p.Idx, Dim: p.Dim}
			}
			s.Spatial = &descriptor.SpatialSpec{
				Params:    params,
				OutDim:    sd.Spatial.OutDim,
				Range:     sd.Spatial.Range,
				Nway:      sd.Spatial.Nway,
				NwayIters: sd.Spatial.NwayIters,
				TailSize:  sd.Spatial.TailSize,
			}
		}
		subs[i] = s
	}

	links := descriptor.LinkTables{
		InputsToSubmodelInputs:     convertRefs(doc.Links.InputsToSubmodelInputs),
		OutputsToSubmodelOutputs:   convertRefs(doc.Links.OutputsToSubmodelOutputs),
		SubmodelsInputToPrevOutput: map[descriptor.SubInputKey]descriptor.SubOutputKey{},
	}
	links.ParamSubscribers = make([][]descriptor.LinkRef, len(doc.Links.ParamSubscribers))
	for i, group := range doc.Links.ParamSubscribers {
		links.ParamSubscribers[i] = convertRefs(group)
	}
	for _, e := range doc.Links.SubmodelsInputToPrevOut {
		links.SubmodelsInputToPrevOutput[descriptor.SubInputKey{SubIdx: e.SubIdx, InIdx: e.InIdx}] =
			descriptor.SubOutputKey{SubIdx: e.ProdSubIdx, OutIdx: e.ProdOutIdx}
	}

	m := descriptor.Model{Submodels: subs, Links: links}
	if err := m.Validate(); err != nil {
		return descriptor.Model{}, err
	}
	return m, nil
}

func buildClosure(dir *bank.Bank, cd ClosureDoc) (descriptor.ClosureSlot, error) {
	data, err := dir.Tensor(cd.Tensor)
	if err != nil {
		return descriptor.ClosureSlot{}, err
	}
	slot := descriptor.ClosureSlot{Data: data, UpdateRequired: cd.UpdateRequired}
	if cd.Scale != "" {
		t, err := dir.Tensor(cd.Scale)
		if err != nil {
			return descriptor.ClosureSlot{}, err
		}
		slot.Scale = &t
	}
	if cd.Zerop != "" {
		t, err := dir.Tensor(cd.Zerop)
		if err != nil {
			return descriptor.ClosureSlot{}, err
		}
		slot.Zerop = &t
	}
	if cd.BodyDType != "" {
		bd, err := parseDType(cd.BodyDType)
		if err != nil {
			return descriptor.ClosureSlot{}, err
		}
		slot.BodyDType = bd
	}
	return slot, nil
}

func convertRefs(in []LinkRefDoc) []descriptor.LinkRef {
	out := make([]descriptor.LinkRef, len(in))
	for i, r := range in {
		if r.Idx < 0 {
			out[i] = descriptor.NoLink
			continue
		}
		out[i] = descriptor.LinkRef{SubIdx: r.SubIdx, Idx: r.Idx}
	}
	return out
}

func parseDType(s string) (dtype.DType, error) {
	for d := dtype.F32; d <= dtype.U4; d++ {
		if d.String() == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("manifest: unknown dtype %q", s)
}
