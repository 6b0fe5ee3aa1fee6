// Package wiring implements the subrequest wiring pass (spec §4.4): once,
// at construction, classify every inter-submodel edge by the producer/
// consumer funcall-ness rule table, and index the global-parameter and
// global-result maps the pipeline driver consults on every inference.
// The plan holds only submodel indices, so a failover rebuild does not
// rerun it.
package wiring

import (
	"fmt"

	"github.com/npuw-go/npuw/internal/descriptor"
)

// EdgeAction names the §4.4 rule-table outcome for one
// submodels_input_to_prev_output edge.
type EdgeAction int

const (
	// SkipFuncallEdge means the consumer is a funcall call site; the edge
	// is resolved per-inference by the function prologue (§4.5), not by
	// this static pass.
	SkipFuncallEdge EdgeAction = iota
	// FromFuncallResult means the consumer's input binds to
	// funcall_result[producer] — the producer is a funcall call site.
	FromFuncallResult
	// FromProducerOutput means the consumer's input binds zero-copy to
	// the producer subrequest's live output tensor — both ends are
	// normal submodels.
	FromProducerOutput
)

// Edge is one resolved submodels_input_to_prev_output entry.
type Edge struct {
	Consumer descriptor.SubInputKey
	Producer descriptor.SubOutputKey
	Action   EdgeAction
}

// Plan is the static result of one wiring pass: every internal edge,
// classified, plus the global-parameter and global-result maps grouped
// by submodel for direct use by the pipeline driver.
type Plan struct {
	Edges []Edge

	byConsumer map[descriptor.SubInputKey]Edge

	// GlobalParams[sub_idx] lists every (global_idx, in_idx) pair feeding
	// that submodel's inputs.
	GlobalParams map[int][]GlobalParam

	// GlobalResults[sub_idx] lists every (global_idx, out_idx) pair that
	// submodel's outputs feed.
	GlobalResults map[int][]GlobalResult
}

// GlobalParam names one global input feeding one submodel input.
type GlobalParam struct {
	GlobalIdx int
	InIdx     int
}

// GlobalResult names one submodel output feeding one global output.
type GlobalResult struct {
	GlobalIdx int
	OutIdx    int
}

// Build runs the wiring pass over model, returning a fatal error if any
// edge's producer was optimized out while a consumer still references
// it (§4.4).
func Build(model *descriptor.Model) (*Plan, error) {
	p := &Plan{
		byConsumer:    make(map[descriptor.SubInputKey]Edge),
		GlobalParams:  make(map[int][]GlobalParam),
		GlobalResults: make(map[int][]GlobalResult),
	}

	for consumerKey, producerKey := range model.Links.SubmodelsInputToPrevOutput {
		if consumerKey.SubIdx < 0 || consumerKey.SubIdx >= len(model.Submodels) {
			return nil, fmt.Errorf("wiring: edge consumer submodel %d out of range", consumerKey.SubIdx)
		}
		if producerKey.SubIdx < 0 || producerKey.SubIdx >= len(model.Submodels) {
			return nil, fmt.Errorf("wiring: edge producer submodel %d out of range", producerKey.SubIdx)
		}
		consumer := &model.Submodels[consumerKey.SubIdx]
		producer := &model.Submodels[producerKey.SubIdx]

		if producer.CompiledModel == nil && !producer.IsFuncall() {
			return nil, fmt.Errorf("wiring: submodel %d consumes output %d of submodel %d, which was optimized out",
				consumerKey.SubIdx, producerKey.OutIdx, producerKey.SubIdx)
		}

		action := classify(producer.IsFuncall(), consumer.IsFuncall())
		edge := Edge{Consumer: consumerKey, Producer: producerKey, Action: action}
		p.Edges = append(p.Edges, edge)
		p.byConsumer[consumerKey] = edge
	}

	for g, ref := range model.Links.ParamSubscribers {
		for _, r := range ref {
			if r.IsNoLink() {
				continue
			}
			p.GlobalParams[r.SubIdx] = append(p.GlobalParams[r.SubIdx], GlobalParam{GlobalIdx: g, InIdx: r.Idx})
		}
	}
	for g, ref := range model.Links.OutputsToSubmodelOutputs {
		if ref.IsNoLink() {
			continue
		}
		p.GlobalResults[ref.SubIdx] = append(p.GlobalResults[ref.SubIdx], GlobalResult{GlobalIdx: g, OutIdx: ref.Idx})
	}

	return p, nil
}

func classify(producerIsFuncall, consumerIsFuncall bool) EdgeAction {
	switch {
	case producerIsFuncall && consumerIsFuncall:
		return SkipFuncallEdge
	case producerIsFuncall && !consumerIsFuncall:
		return FromFuncallResult
	case !producerIsFuncall && consumerIsFuncall:
		return SkipFuncallEdge
	default:
		return FromProducerOutput
	}
}

// EdgeFor looks up the resolved action for one consumer input, if any
// edge targets it.
func (p *Plan) EdgeFor(consumer descriptor.SubInputKey) (Edge, bool) {
	e, ok := p.byConsumer[consumer]
	return e, ok
}
