// Package engine ties the wiring pass (C4), the pipeline driver (C5), the
// failover controller (C6) and the external IO surface (C7) together into
// the one object a caller constructs per decomposed model, mirroring the
// way the teacher's EngineImpl bundles a loaded model, tokenizer and
// sampler behind Generate.
package engine

import (
	"fmt"

	"golang.org/x/time/rate"

	"github.com/npuw-go/npuw/internal/descriptor"
	"github.com/npuw-go/npuw/internal/failover"
	"github.com/npuw-go/npuw/internal/iosurface"
	"github.com/npuw-go/npuw/internal/logger"
	"github.com/npuw-go/npuw/internal/npuconfig"
	"github.com/npuw-go/npuw/internal/pipeline"
	"github.com/npuw-go/npuw/internal/spatial"
	"github.com/npuw-go/npuw/internal/subrequest"
	"github.com/npuw-go/npuw/internal/tensor"
	"github.com/npuw-go/npuw/internal/wiring"
)

// Config supplies everything needed to construct an Engine.
type Config struct {
	Model *descriptor.Model

	GlobalInputs  []tensor.Tensor
	GlobalOutputs []tensor.Tensor

	NeedsCopy pipeline.NeedsCopyFunc
	SpatialIO map[int]*spatial.IO

	// Options carries NPUW_FUNCALL_ASYNC and the per-submodel gate string
	// (§6). Only the overall FuncallAsyncEnabled bool feeds the pipeline
	// driver today; the per-submodel gate is exposed on Options itself for
	// callers that need finer-grained decisions than this driver makes.
	Options npuconfig.Config

	// Compiler, when set, enables the failover controller (§4.6).
	// FailoverLimit/FailoverBurst configure its per-body recompile rate
	// limiter; a zero FailoverLimit means rate.Inf (no throttling).
	Compiler      subrequest.Compiler
	FailoverLimit rate.Limit
	FailoverBurst int

	Log logger.Logger
}

// Engine is the top-level orchestration object for one decomposed model.
type Engine struct {
	driver  *pipeline.Driver
	surface *iosurface.Surface
	log     logger.Logger
}

// New validates cfg.Model, builds its wiring plan, and wires up the
// pipeline driver — with a failover controller attached when cfg.Compiler
// is set — and the external IO surface over it.
func New(cfg Config) (*Engine, error) {
	if cfg.Model == nil {
		return nil, fmt.Errorf("engine: Model is required")
	}
	if err := cfg.Model.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	plan, err := wiring.Build(cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	log := cfg.Log
	if log == nil {
		log = logger.Noop()
	}

	var fo *failover.Controller
	if cfg.Compiler != nil {
		limit := cfg.FailoverLimit
		if limit == 0 {
			limit = rate.Inf
		}
		fo = failover.New(cfg.Compiler, limit, cfg.FailoverBurst, log)
	}

	driver, err := pipeline.New(pipeline.Config{
		Model:             cfg.Model,
		Plan:              plan,
		GlobalInputs:      cfg.GlobalInputs,
		GlobalOutputs:     cfg.GlobalOutputs,
		NeedsCopy:         cfg.NeedsCopy,
		SpatialIO:         cfg.SpatialIO,
		PipeliningEnabled: cfg.Options.FuncallAsyncEnabled(),
		Log:               log,
		Failover:          fo,
		Compiler:          cfg.Compiler,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	return &Engine{
		driver:  driver,
		surface: iosurface.New(driver),
		log:     log,
	}, nil
}

// Infer runs one full inference pass over the decomposed model and tags
// the resulting state/profiling records with a fresh correlation id
// (§4.7a), returned alongside any error.
func (e *Engine) Infer() (correlationID string, err error) {
	correlationID = e.surface.BeginInfer()
	if err := e.driver.Infer(); err != nil {
		return correlationID, err
	}
	return correlationID, nil
}

// Surface exposes the external IO surface (query_state, profiling_info,
// cancel, subscribe, supports_async_pipeline) for this engine.
func (e *Engine) Surface() *iosurface.Surface { return e.surface }
