package wiring

import (
	"testing"

	"github.com/npuw-go/npuw/internal/descriptor"
	"github.com/npuw-go/npuw/internal/subrequest"
)

type stubCompiledModel struct{}

func (stubCompiledModel) NewSubrequest() (subrequest.Subrequest, error) { return nil, nil }
func (stubCompiledModel) InputCount() int                               { return 1 }
func (stubCompiledModel) OutputCount() int                              { return 1 }

func twoNormalSubmodels() *descriptor.Model {
	return &descriptor.Model{
		Submodels: []descriptor.Submodel{
			{Index: 0, CompiledModel: stubCompiledModel{}},
			{Index: 1, CompiledModel: stubCompiledModel{}},
		},
		Links: descriptor.LinkTables{
			SubmodelsInputToPrevOutput: map[descriptor.SubInputKey]descriptor.SubOutputKey{
				{SubIdx: 1, InIdx: 0}: {SubIdx: 0, OutIdx: 0},
			},
		},
	}
}

func TestBuildClassifiesNormalToNormalAsZeroCopy(t *testing.T) {
	m := twoNormalSubmodels()
	plan, err := Build(m)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	edge, ok := plan.EdgeFor(descriptor.SubInputKey{SubIdx: 1, InIdx: 0})
	if !ok {
		t.Fatalf("expected an edge for submodel 1 input 0")
	}
	if edge.Action != FromProducerOutput {
		t.Fatalf("Action = %v, want FromProducerOutput", edge.Action)
	}
}

func TestBuildClassifiesFuncallToNormalAsFuncallResult(t *testing.T) {
	body := 0
	m := &descriptor.Model{
		Submodels: []descriptor.Submodel{
			{Index: 0, CompiledModel: stubCompiledModel{}},
			{Index: 1, ReplacedBy: &body},
			{Index: 2, CompiledModel: stubCompiledModel{}},
		},
		Links: descriptor.LinkTables{
			SubmodelsInputToPrevOutput: map[descriptor.SubInputKey]descriptor.SubOutputKey{
				{SubIdx: 2, InIdx: 0}: {SubIdx: 1, OutIdx: 0},
			},
		},
	}
	plan, err := Build(m)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	edge, _ := plan.EdgeFor(descriptor.SubInputKey{SubIdx: 2, InIdx: 0})
	if edge.Action != FromFuncallResult {
		t.Fatalf("Action = %v, want FromFuncallResult", edge.Action)
	}
}

func TestBuildSkipsFuncallToFuncallEdges(t *testing.T) {
	body := 0
	m := &descriptor.Model{
		Submodels: []descriptor.Submodel{
			{Index: 0, CompiledModel: stubCompiledModel{}},
			{Index: 1, ReplacedBy: &body},
			{Index: 2, ReplacedBy: &body},
		},
		Links: descriptor.LinkTables{
			SubmodelsInputToPrevOutput: map[descriptor.SubInputKey]descriptor.SubOutputKey{
				{SubIdx: 2, InIdx: 0}: {SubIdx: 1, OutIdx: 0},
			},
		},
	}
	plan, err := Build(m)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	edge, _ := plan.EdgeFor(descriptor.SubInputKey{SubIdx: 2, InIdx: 0})
	if edge.Action != SkipFuncallEdge {
		t.Fatalf("Action = %v, want SkipFuncallEdge", edge.Action)
	}
}

func TestBuildRejectsEdgeToOptimizedOutProducer(t *testing.T) {
	m := &descriptor.Model{
		Submodels: []descriptor.Submodel{
			{Index: 0, CompiledModel: nil}, // optimized out: no model, not a funcall
			{Index: 1, CompiledModel: stubCompiledModel{}},
		},
		Links: descriptor.LinkTables{
			SubmodelsInputToPrevOutput: map[descriptor.SubInputKey]descriptor.SubOutputKey{
				{SubIdx: 1, InIdx: 0}: {SubIdx: 0, OutIdx: 0},
			},
		},
	}
	if _, err := Build(m); err == nil {
		t.Fatalf("expected fatal error for edge referencing an optimized-out producer")
	}
}

func TestBuildIndexesGlobalParamsAndResults(t *testing.T) {
	m := twoNormalSubmodels()
	m.Links.ParamSubscribers = [][]descriptor.LinkRef{
		{{SubIdx: 0, Idx: 0}},
	}
	m.Links.OutputsToSubmodelOutputs = []descriptor.LinkRef{
		{SubIdx: 1, Idx: 0},
	}
	plan, err := Build(m)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(plan.GlobalParams[0]) != 1 || plan.GlobalParams[0][0].InIdx != 0 {
		t.Fatalf("GlobalParams[0] = %+v", plan.GlobalParams[0])
	}
	if len(plan.GlobalResults[1]) != 1 || plan.GlobalResults[1][0].OutIdx != 0 {
		t.Fatalf("GlobalResults[1] = %+v", plan.GlobalResults[1])
	}
}
