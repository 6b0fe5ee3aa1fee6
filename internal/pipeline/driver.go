// Package pipeline implements the pipeline driver (C5, spec §4.5): it
// walks a decomposed model's submodels in index order, binding global
// parameters and results, unpacking function-call weight closures,
// running each body's subrequest (directly or through the spatial
// executor), and hiding the next repeat call's closure refresh behind
// the current step's execution via the `during` primitive (§9); input
// and parameter binding always run on each step's own turn. When
// configured with a failover controller (§4.6), a subrequest fault is
// handed to it instead of aborting the inference; Driver implements
// failover.Rebuilder so the controller can recompile, rebuild, and
// retry without reaching into driver internals.
package pipeline

import (
	"fmt"

	"github.com/npuw-go/npuw/internal/closure"
	"github.com/npuw-go/npuw/internal/descriptor"
	"github.com/npuw-go/npuw/internal/failover"
	"github.com/npuw-go/npuw/internal/logger"
	"github.com/npuw-go/npuw/internal/spatial"
	"github.com/npuw-go/npuw/internal/subrequest"
	"github.com/npuw-go/npuw/internal/tensor"
	"github.com/npuw-go/npuw/internal/wiring"
)

// NeedsCopyFunc decides, for one (global input, submodel input) edge,
// whether global parameter binding must element-copy rather than
// zero-copy bind. The decision is externally injected per §4.5.
type NeedsCopyFunc func(globalIdx int, sub descriptor.SubInputKey) bool

// Pair holds the one subrequest a body submodel executes through. Named
// Pair (rather than simply the subrequest itself) because it is the
// natural extension point for a real double-buffered device driver that
// wants to prefetch a second call's inputs while the first is still
// in flight; this driver's overlap window only ever touches closure
// state, which never aliases the live request, so a single buffer
// suffices here.
type Pair struct {
	Primary subrequest.Subrequest
}

// Config supplies everything the driver needs to execute a decomposed
// model: the model and its wiring plan, caller-owned global port
// tensors, the copy-vs-bind decision, spatial staging per call site,
// and whether funcall pipelining is enabled.
type Config struct {
	Model *descriptor.Model
	Plan  *wiring.Plan

	GlobalInputs  []tensor.Tensor
	GlobalOutputs []tensor.Tensor

	NeedsCopy NeedsCopyFunc

	// SpatialIO holds the staged full-range tensors for every spatial
	// submodel slot, keyed by call-site index ("real_idx" in spec
	// terms — the submodel's own index, whether normal or funcall).
	SpatialIO map[int]*spatial.IO

	PipeliningEnabled bool

	Log logger.Logger

	// Failover, when set, hands subrequest infer faults to the §4.6
	// failover controller instead of surfacing them directly; the
	// controller recompiles through the compiler it was built with.
	// Compiler is stored on the driver but not consulted by it.
	Failover *failover.Controller
	Compiler subrequest.Compiler
}

// Driver executes one decomposed model's inference steps in order.
type Driver struct {
	model *descriptor.Model
	plan  *wiring.Plan

	globalIn  []tensor.Tensor
	globalOut []tensor.Tensor
	needsCopy NeedsCopyFunc
	spatialIO map[int]*spatial.IO
	pipelined bool
	log       logger.Logger

	// pairs[bodyIdx] is the subrequest holder for that body.
	pairs map[int]*Pair

	// closures[submodelIdx] holds the resolved weight-closure slots for
	// that call site, in closure-slot order.
	closures map[int][]*closure.Slot

	// funcallResult[(call_site, out_idx)] is the host tensor every
	// function call's output lands in, populated after that call site's
	// inference completes.
	funcallResult map[descriptor.SubOutputKey]tensor.Tensor

	// globalParamIdx maps a submodel input fed directly by a global
	// input to that global input's index.
	globalParamIdx map[descriptor.SubInputKey]int

	// copyBuf holds the lazily-allocated element-copy destination for
	// any submodel input NeedsCopy marked as requiring a copy rather
	// than a zero-copy bind.
	copyBuf map[descriptor.SubInputKey]tensor.Tensor

	// boundInput records each submodel input's just-bound tensor, keyed
	// by submodel input, for host_gather's idx_idx lookup (§4.1).
	boundInput map[descriptor.SubInputKey]tensor.Tensor

	topo topology

	// refreshedThisInfer marks every call site whose closures were
	// already refreshed during the current Infer pass, via the
	// previous step's overlap window. Reset at the start of each
	// Infer call; consulted by funcallPrologue so a call site is never
	// refreshed twice, and so one with no such overlap — a head, or
	// any non-adjacent repeat call — still gets refreshed on its own
	// turn.
	refreshedThisInfer map[int]bool

	fo       *failover.Controller
	compiler subrequest.Compiler
}

// New builds a Driver from cfg: resolves every submodel's weight
// closures, allocates funcall_result tensors, and computes the funcall
// pipelining topology (heads and same-body successor chain, §4.5).
func New(cfg Config) (*Driver, error) {
	if cfg.Model == nil || cfg.Plan == nil {
		return nil, fmt.Errorf("pipeline: Model and Plan are required")
	}

	d := &Driver{
		model:              cfg.Model,
		plan:               cfg.Plan,
		globalIn:           cfg.GlobalInputs,
		globalOut:          cfg.GlobalOutputs,
		needsCopy:          cfg.NeedsCopy,
		spatialIO:          cfg.SpatialIO,
		pipelined:          cfg.PipeliningEnabled,
		log:                cfg.Log,
		pairs:              make(map[int]*Pair),
		closures:           make(map[int][]*closure.Slot),
		funcallResult:      make(map[descriptor.SubOutputKey]tensor.Tensor),
		globalParamIdx:     make(map[descriptor.SubInputKey]int),
		copyBuf:            make(map[descriptor.SubInputKey]tensor.Tensor),
		boundInput:         make(map[descriptor.SubInputKey]tensor.Tensor),
		refreshedThisInfer: make(map[int]bool),
		fo:                 cfg.Failover,
		compiler:           cfg.Compiler,
	}

	for subIdx, params := range cfg.Plan.GlobalParams {
		for _, p := range params {
			d.globalParamIdx[descriptor.SubInputKey{SubIdx: subIdx, InIdx: p.InIdx}] = p.GlobalIdx
		}
	}
	if d.log == nil {
		d.log = logger.Noop()
	}
	if d.needsCopy == nil {
		d.needsCopy = func(int, descriptor.SubInputKey) bool { return false }
	}

	for i := range d.model.Submodels {
		s := &d.model.Submodels[i]
		if !s.IsFuncall() && s.CompiledModel != nil {
			req, err := s.CompiledModel.NewSubrequest()
			if err != nil {
				return nil, fmt.Errorf("pipeline: submodel %d: new subrequest: %w", i, err)
			}
			d.pairs[i] = &Pair{Primary: req}
		}
	}

	for i := range d.model.Submodels {
		s := &d.model.Submodels[i]
		for k := range s.Closures {
			rs, err := closure.Resolve(&s.Closures[k])
			if err != nil {
				return nil, fmt.Errorf("pipeline: submodel %d closure %d: %w", i, k, err)
			}
			d.closures[i] = append(d.closures[i], rs)
		}
	}

	d.topo = buildTopology(d.model)
	if err := d.preloadHeads(); err != nil {
		return nil, err
	}
	return d, nil
}

// preloadHeads unpacks the closure of the first call to each body once,
// before the first inference, per §4.5's funcall pipelining topology
// note.
func (d *Driver) preloadHeads() error {
	for _, head := range d.topo.heads {
		for _, slot := range d.closures[head] {
			if err := slot.Refresh(); err != nil {
				return fmt.Errorf("pipeline: preload head %d: %w", head, err)
			}
		}
	}
	return nil
}

// Infer runs one full pass over the decomposed model's submodels in
// index order, per the §4.5 inference step algorithm.
func (d *Driver) Infer() error {
	d.refreshedThisInfer = make(map[int]bool)
	n := len(d.model.Submodels)
	for i := 0; i < n; i++ {
		if err := d.step(i); err != nil {
			return fmt.Errorf("pipeline: submodel %d: %w", i, err)
		}
	}
	return nil
}

// DeviceCursor implements failover.Rebuilder.
func (d *Driver) DeviceCursor(bodyIdx int) *descriptor.DeviceIterator {
	return d.model.Submodels[bodyIdx].Devices
}

// RebuildBody implements failover.Rebuilder: it installs the freshly
// recompiled model as bodyIdx's compiled model and mints a new
// subrequest for it. Closure slots are never re-resolved here — per
// §4.2/§4.6 they are host-side host tensors independent of the target
// device, so for a function call the next step's prologue rebinds them
// exactly as it would on any other step; a non-funcall body's slots are
// only refreshed (refreshOwnClosures), never bound to its ports by the
// driver.
func (d *Driver) RebuildBody(bodyIdx int, cm subrequest.CompiledModel) error {
	d.model.Submodels[bodyIdx].CompiledModel = cm
	req, err := cm.NewSubrequest()
	if err != nil {
		return fmt.Errorf("pipeline: rebuild submodel %d: new subrequest: %w", bodyIdx, err)
	}
	d.pairs[bodyIdx] = &Pair{Primary: req}
	return nil
}

// Retry implements failover.Rebuilder: it re-runs submodel i's step from
// scratch against the just-rebuilt body.
func (d *Driver) Retry(i int) error {
	return d.step(i)
}

// NumSubmodels reports the number of submodel slots in the decomposed
// model, for the external IO surface (§4.7).
func (d *Driver) NumSubmodels() int { return len(d.model.Submodels) }

// SubrequestFor returns the real, live subrequest backing submodel i —
// the shared body subrequest when i is a function call — or false if
// that slot has no compiled model. Used by the external IO surface
// (§4.7) for query_state, profiling_info, cancel, and subscribe, all of
// which forward to "the real subrequest of i" rather than a per-call-
// site object.
func (d *Driver) SubrequestFor(i int) (subrequest.Subrequest, bool) {
	if i < 0 || i >= len(d.model.Submodels) {
		return nil, false
	}
	body := d.model.Submodels[i].BodyIndex()
	pair := d.pairs[body]
	if pair == nil {
		return nil, false
	}
	return pair.Primary, true
}
