package engine

import (
	"errors"
	"math"
	"testing"

	"golang.org/x/time/rate"

	"github.com/npuw-go/npuw/internal/descriptor"
	"github.com/npuw-go/npuw/internal/dtype"
	"github.com/npuw-go/npuw/internal/npuconfig"
	"github.com/npuw-go/npuw/internal/subrequest/devicesim"
	"github.com/npuw-go/npuw/internal/tensor"
	"github.com/npuw-go/npuw/internal/wiring"
)

func f32(v float32) tensor.Tensor {
	t := tensor.NewContiguous(dtype.F32, []int64{1})
	_ = dtype.PutF32(t.Data, dtype.F32, 0, v)
	return t
}

func readF32(t tensor.Tensor) float32 {
	off := int(t.Base)
	bits := uint32(t.Data[off]) | uint32(t.Data[off+1])<<8 | uint32(t.Data[off+2])<<16 | uint32(t.Data[off+3])<<24
	return math.Float32frombits(bits)
}

func oneSubmodelModel(body *devicesim.Model, devices []string) *descriptor.Model {
	return &descriptor.Model{
		Submodels: []descriptor.Submodel{
			{
				Index:         0,
				CompiledModel: body,
				ParamBase:     1,
				NumInputs:     1,
				NumOutputs:    1,
				Devices:       descriptor.NewDeviceIterator(devices),
			},
		},
		Links: descriptor.LinkTables{
			ParamSubscribers: [][]descriptor.LinkRef{
				{{SubIdx: 0, Idx: 0}},
			},
			OutputsToSubmodelOutputs: []descriptor.LinkRef{
				{SubIdx: 0, Idx: 0},
			},
		},
	}
}

func TestNewRejectsNilModel(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("New(nil model): want error, got nil")
	}
}

func TestNewRejectsInvalidModel(t *testing.T) {
	model := oneSubmodelModel(devicesim.New("cpu", 1, 1, devicesim.Identity(1), nil), []string{"cpu"})
	model.Submodels[0].ReplacedBy = func() *int { i := 5; return &i }() // forward funcall reference

	if _, err := New(Config{Model: model}); err == nil {
		t.Fatalf("New(invalid model): want error, got nil")
	}
}

func TestEngineInferRunsAndTagsCorrelationID(t *testing.T) {
	body := devicesim.New("cpu", 1, 1, devicesim.Identity(1), nil)
	model := oneSubmodelModel(body, []string{"cpu"})
	if err := model.Validate(); err != nil {
		t.Fatalf("model.Validate: %v", err)
	}

	in := f32(7)
	out := tensor.NewContiguous(dtype.F32, []int64{1})

	e, err := New(Config{
		Model:         model,
		GlobalInputs:  []tensor.Tensor{in},
		GlobalOutputs: []tensor.Tensor{out},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	corr, err := e.Infer()
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if corr == "" {
		t.Fatalf("Infer: empty correlation id")
	}
	if got := readF32(out); got != 7 {
		t.Fatalf("out = %v, want 7", got)
	}

	states := e.Surface().QueryState()
	if len(states) != 1 || states[0].CorrelationID != corr {
		t.Fatalf("Surface().QueryState() = %+v, want one entry tagged %q", states, corr)
	}
	if e.Surface().SupportsAsyncPipeline() {
		t.Fatalf("SupportsAsyncPipeline: want false")
	}
}

func TestEngineWiresFailoverControllerWhenCompilerSet(t *testing.T) {
	faultyBody := devicesim.New("npu", 1, 1, devicesim.Identity(1), devicesim.NewFaults(errFault()))
	model := oneSubmodelModel(faultyBody, []string{"npu", "cpu"})
	if err := model.Validate(); err != nil {
		t.Fatalf("model.Validate: %v", err)
	}

	compiler := devicesim.NewCompiler()
	compiler.Register(0, "cpu", devicesim.New("cpu", 1, 1, devicesim.Identity(1), nil))

	in := f32(3)
	out := tensor.NewContiguous(dtype.F32, []int64{1})

	e, err := New(Config{
		Model:         model,
		GlobalInputs:  []tensor.Tensor{in},
		GlobalOutputs: []tensor.Tensor{out},
		Compiler:      compiler,
		FailoverLimit: rate.Inf,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := e.Infer(); err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if got := readF32(out); got != 3 {
		t.Fatalf("out = %v, want 3", got)
	}
	if model.Submodels[0].Devices.Current() != "cpu" {
		t.Fatalf("device cursor = %q, want cpu", model.Submodels[0].Devices.Current())
	}
}

func TestEngineFailoverFatalWhenNoCompilerConfigured(t *testing.T) {
	faultyBody := devicesim.New("npu", 1, 1, devicesim.Identity(1), devicesim.NewFaults(errFault()))
	model := oneSubmodelModel(faultyBody, []string{"npu", "cpu"})
	if err := model.Validate(); err != nil {
		t.Fatalf("model.Validate: %v", err)
	}

	in := f32(3)
	out := tensor.NewContiguous(dtype.F32, []int64{1})

	e, err := New(Config{
		Model:         model,
		GlobalInputs:  []tensor.Tensor{in},
		GlobalOutputs: []tensor.Tensor{out},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := e.Infer(); err == nil {
		t.Fatalf("Infer: want error without a configured failover compiler, got nil")
	}
}

func TestEngineOptionsFuncallAsyncEnabledFeedsPipelining(t *testing.T) {
	body := devicesim.New("cpu", 1, 1, devicesim.Identity(1), nil)
	model := oneSubmodelModel(body, []string{"cpu"})
	if err := model.Validate(); err != nil {
		t.Fatalf("model.Validate: %v", err)
	}
	if _, err := wiring.Build(model); err != nil {
		t.Fatalf("wiring.Build: %v", err)
	}

	enabled := true
	in := f32(1)
	out := tensor.NewContiguous(dtype.F32, []int64{1})

	e, err := New(Config{
		Model:         model,
		GlobalInputs:  []tensor.Tensor{in},
		GlobalOutputs: []tensor.Tensor{out},
		Options:       npuconfig.Config{FuncallAsync: &enabled},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := e.Infer(); err != nil {
		t.Fatalf("Infer: %v", err)
	}
}

func errFault() error {
	return errors.New("npu device fault")
}
