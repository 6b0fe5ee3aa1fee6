package pipeline

import (
	"fmt"

	"github.com/npuw-go/npuw/internal/descriptor"
	"github.com/npuw-go/npuw/internal/parfor"
	"github.com/npuw-go/npuw/internal/spatial"
	"github.com/npuw-go/npuw/internal/subrequest"
	"github.com/npuw-go/npuw/internal/tensor"
	"github.com/npuw-go/npuw/internal/wiring"
)

// step executes one decomposed-model submodel per the §4.5 inference
// step algorithm: bind its inputs, run the function prologue if it is a
// function call, perform its host_gather if it declares one, run its
// body, install its funcall_result outputs if it is a function call,
// and feed any global output it produces. When funcall pipelining is
// enabled and the next submodel is a repeat call to the same body,
// that call's closure refresh is hidden behind this call's inference
// via the `during` primitive (for a spatial body, on a separate
// goroutine while spatial.Run drives the slices) — closures are sourced from the weights
// bank and never depend on this call's own output, so overlapping them
// is always safe. Activation-input binding is never hidden this way: a
// later submodel's input may directly depend on this submodel's own
// output, so it is always resolved on its own turn.
func (d *Driver) step(i int) error {
	s := &d.model.Submodels[i]
	if s.CompiledModel == nil && !s.IsFuncall() {
		return nil
	}

	r := s.BodyIndex()

	if d.fo != nil {
		if err := d.fo.EnsureCurrent(d, r); err != nil {
			return fmt.Errorf("failover precheck: %w", err)
		}
	}

	body := &d.model.Submodels[r]
	if body.CompiledModel == nil {
		return fmt.Errorf("submodel %d's body %d has no compiled model", i, r)
	}
	pair := d.pairs[r]
	if pair == nil {
		return fmt.Errorf("no subrequest pair for body %d", r)
	}
	req := pair.Primary

	if err := d.bindInputs(i, req); err != nil {
		return fmt.Errorf("bind inputs: %w", err)
	}

	if s.IsFuncall() {
		if err := d.funcallPrologue(i, req); err != nil {
			return fmt.Errorf("funcall prologue: %w", err)
		}
	} else {
		if err := d.refreshOwnClosures(i); err != nil {
			return fmt.Errorf("refresh closures: %w", err)
		}
		if err := d.bindGlobalResults(i, req); err != nil {
			return fmt.Errorf("bind global results: %w", err)
		}
	}

	if s.HostGather != nil {
		if err := d.hostGather(i, s.HostGather); err != nil {
			return fmt.Errorf("host gather: %w", err)
		}
	}

	next := i + 1
	overlapNext := false
	if d.pipelined && next < len(d.model.Submodels) {
		pred, ok := d.topo.pred[next]
		overlapNext = ok && pred == i
	}
	if overlapNext {
		d.refreshedThisInfer[next] = true
	}

	var runErr error
	switch {
	case body.Spatial != nil:
		io := d.spatialIO[i]
		if io == nil {
			return fmt.Errorf("submodel %d is spatial but no staged IO was supplied", i)
		}
		prepared := make(chan error, 1)
		if overlapNext {
			go func() { prepared <- d.refreshClosuresFor(next) }()
		} else {
			prepared <- nil
		}
		runErr = spatial.Run(req, body.Spatial, io)
		if perr := <-prepared; runErr == nil {
			runErr = perr
		}
	case overlapNext:
		runErr = during(req, func() error { return d.refreshClosuresFor(next) })
	default:
		runErr = safeInfer(req)
	}
	if runErr != nil {
		if d.fo != nil {
			return d.fo.HandleFault(d, r, i, runErr)
		}
		return runErr
	}

	if s.IsFuncall() {
		if err := d.installFuncallResult(i, r, req); err != nil {
			return fmt.Errorf("install funcall_result: %w", err)
		}
		if err := d.copyFuncallResultToGlobals(i); err != nil {
			return fmt.Errorf("bind global results: %w", err)
		}
	} else if body.Spatial != nil {
		if err := d.copySpatialResultsToGlobals(i); err != nil {
			return fmt.Errorf("bind global results: %w", err)
		}
	}

	return nil
}

// globalParamCopy is one global input that needs_copy marked as requiring
// an element copy, rather than a zero-copy bind, into submodel input
// key.InIdx.
type globalParamCopy struct {
	port string
	g    int
	key  descriptor.SubInputKey
}

// bindInputs binds submodel i's activation inputs [0, ParamBase): from
// an internal producer when the wiring plan resolved a non-funcall edge
// for that input, from a global input otherwise. Inputs resolved by the
// function prologue (SkipFuncallEdge) are left alone here. Global inputs
// NeedsCopy marks as requiring an element copy are collected rather than
// copied immediately, so every copy for this submodel runs through one
// parallel phase (bindGlobalParamCopies) instead of one at a time.
func (d *Driver) bindInputs(i int, req subrequest.Subrequest) error {
	s := &d.model.Submodels[i]
	ports := req.InputPorts()

	var copies []globalParamCopy

	for k := 0; k < s.ParamBase; k++ {
		key := descriptor.SubInputKey{SubIdx: i, InIdx: k}
		port := portAt(ports, k)

		if edge, ok := d.plan.EdgeFor(key); ok {
			switch edge.Action {
			case wiring.FromFuncallResult:
				src, ok := d.funcallResult[edge.Producer]
				if !ok || src.Data == nil {
					return fmt.Errorf("funcall_result %+v not yet produced", edge.Producer)
				}
				if err := d.setInput(req, key, port, src); err != nil {
					return err
				}
			case wiring.FromProducerOutput:
				src, err := d.producerOutput(edge.Producer)
				if err != nil {
					return err
				}
				if err := d.setInput(req, key, port, src); err != nil {
					return err
				}
			case wiring.SkipFuncallEdge:
				// resolved by the function prologue.
			}
			continue
		}

		if g, ok := d.globalParamIdx[key]; ok {
			if !d.needsCopy(g, key) {
				if err := d.setInput(req, key, port, d.globalIn[g]); err != nil {
					return err
				}
				continue
			}
			copies = append(copies, globalParamCopy{port: port, g: g, key: key})
		}
	}

	return d.bindGlobalParamCopies(req, copies)
}

// setInput binds src to port as submodel input key and records it as
// that key's just-bound tensor, for consumers (host_gather) that need to
// read an input back after it was bound rather than before. A spatial
// body never takes this binding directly: spatial.Run rebinds every
// input port itself, from a view of the staged full-range tensor, so
// the resolved source is staged into spatialIO[key.SubIdx].Inputs instead
// of being set on req (§4.3).
func (d *Driver) setInput(req subrequest.Subrequest, key descriptor.SubInputKey, port string, src tensor.Tensor) error {
	d.boundInput[key] = src

	s := &d.model.Submodels[key.SubIdx]
	body := &d.model.Submodels[s.BodyIndex()]
	if body.Spatial != nil {
		if io := d.spatialIO[key.SubIdx]; io != nil {
			if io.Inputs == nil {
				io.Inputs = make(map[int]tensor.Tensor)
			}
			io.Inputs[key.InIdx] = src
			return nil
		}
	}

	return req.SetTensor(port, src)
}

// bindGlobalParamCopies runs every needs_copy global input for this
// submodel through a single parfor phase, then binds each destination
// buffer to its port. Buffer lookup/allocation happens sequentially
// first since d.copyBuf is a plain map; only the CopyStrided calls
// themselves run concurrently.
func (d *Driver) bindGlobalParamCopies(req subrequest.Subrequest, copies []globalParamCopy) error {
	if len(copies) == 0 {
		return nil
	}
	bufs := make([]tensor.Tensor, len(copies))
	for j, c := range copies {
		src := d.globalIn[c.g]
		buf, ok := d.copyBuf[c.key]
		if !ok {
			buf = tensor.NewContiguous(src.DType, src.Shape)
			d.copyBuf[c.key] = buf
		}
		bufs[j] = buf
	}

	errs := make([]error, len(copies))
	parfor.For(len(copies), func(lo, hi int) {
		for j := lo; j < hi; j++ {
			if err := tensor.CopyStrided(bufs[j], d.globalIn[copies[j].g]); err != nil {
				errs[j] = fmt.Errorf("copy global param %d into submodel %d input %d: %w",
					copies[j].g, copies[j].key.SubIdx, copies[j].key.InIdx, err)
			}
		}
	})

	for j, c := range copies {
		if errs[j] != nil {
			return errs[j]
		}
		if err := d.setInput(req, c.key, c.port, bufs[j]); err != nil {
			return err
		}
	}
	return nil
}

// bindGlobalResults pre-binds submodel i's output ports that feed a
// global output directly to that global output's tensor, so the device
// writes the final result in place with no post-copy. A spatial body
// never receives this binding: spatial.Run rebinds every output port to
// a view of the staged output buffer regardless, so the global output is
// instead filled by copySpatialResultsToGlobals once Run completes.
func (d *Driver) bindGlobalResults(i int, req subrequest.Subrequest) error {
	if d.model.Submodels[d.model.Submodels[i].BodyIndex()].Spatial != nil {
		return nil
	}
	results := d.plan.GlobalResults[i]
	if len(results) == 0 {
		return nil
	}
	ports := req.OutputPorts()
	for _, gr := range results {
		port := portAt(ports, gr.OutIdx)
		if err := req.SetTensor(port, d.globalOut[gr.GlobalIdx]); err != nil {
			return fmt.Errorf("bind global output %d: %w", gr.GlobalIdx, err)
		}
	}
	return nil
}

// copySpatialResultsToGlobals copies a normal (non-funcall) spatial
// body's staged output buffers into any global output they feed, once
// spatial.Run has stitched the full-range result into them.
func (d *Driver) copySpatialResultsToGlobals(i int) error {
	results := d.plan.GlobalResults[i]
	if len(results) == 0 {
		return nil
	}
	io := d.spatialIO[i]
	for _, gr := range results {
		src, ok := io.Outputs[gr.OutIdx]
		if !ok {
			return fmt.Errorf("spatial output %d not staged", gr.OutIdx)
		}
		if err := tensor.CopyStrided(d.globalOut[gr.GlobalIdx], src); err != nil {
			return fmt.Errorf("copy spatial output %d to global %d: %w", gr.OutIdx, gr.GlobalIdx, err)
		}
	}
	return nil
}

// copyFuncallResultToGlobals copies a function call's just-installed
// outputs into any global output they feed directly. Function call
// outputs are never pre-bound to a global output tensor the way a
// normal submodel's are, since the funcall_result buffer is read back
// only after the body's inference completes.
func (d *Driver) copyFuncallResultToGlobals(i int) error {
	results := d.plan.GlobalResults[i]
	for _, gr := range results {
		src, ok := d.funcallResult[descriptor.SubOutputKey{SubIdx: i, OutIdx: gr.OutIdx}]
		if !ok {
			return fmt.Errorf("funcall_result (%d,%d) not yet produced", i, gr.OutIdx)
		}
		if err := tensor.CopyStrided(d.globalOut[gr.GlobalIdx], src); err != nil {
			return fmt.Errorf("copy funcall output %d to global %d: %w", gr.OutIdx, gr.GlobalIdx, err)
		}
	}
	return nil
}

// funcallPrologue resolves call site i's activation inputs that the
// static wiring pass deferred (every SkipFuncallEdge entry: a funcall
// producer's funcall_result, or a normal producer's live output
// tensor), and binds that call site's resolved weight closure into the
// body's closure input ports, per §4.5.
func (d *Driver) funcallPrologue(i int, req subrequest.Subrequest) error {
	s := &d.model.Submodels[i]
	body := &d.model.Submodels[s.BodyIndex()]
	ports := req.InputPorts()

	for k := 0; k < s.ParamBase; k++ {
		key := descriptor.SubInputKey{SubIdx: i, InIdx: k}
		edge, ok := d.plan.EdgeFor(key)
		if !ok || edge.Action != wiring.SkipFuncallEdge {
			continue
		}
		producer := &d.model.Submodels[edge.Producer.SubIdx]
		var src tensor.Tensor
		if producer.IsFuncall() {
			v, ok := d.funcallResult[edge.Producer]
			if !ok || v.Data == nil {
				return fmt.Errorf("funcall_result %+v not yet produced", edge.Producer)
			}
			src = v
		} else {
			v, err := d.producerOutput(edge.Producer)
			if err != nil {
				return err
			}
			src = v
		}
		if err := d.setInput(req, key, portAt(ports, k), src); err != nil {
			return fmt.Errorf("bind activation input %d: %w", k, err)
		}
	}

	// This call site's closures were already refreshed this Infer
	// pass if the previous step's overlapNext branch covered it (see
	// step). A head call, and any repeat call not immediately adjacent
	// to its predecessor, has no such window and is refreshed here
	// instead, on its own turn.
	if !d.refreshedThisInfer[i] {
		if err := d.refreshClosuresFor(i); err != nil {
			return err
		}
		d.refreshedThisInfer[i] = true
	}
	for k, slot := range d.closures[i] {
		if err := req.SetTensor(portAt(ports, body.ParamBase+k), slot.Tensor); err != nil {
			return fmt.Errorf("bind closure %d: %w", k, err)
		}
	}
	return nil
}

// hostGather performs the §4.1 host-side embedding lookup for a submodel
// whose closures declare one: the just-bound index tensor at sub-input
// g.IdxIdx (bound earlier this step by bindInputs or, for a function
// call, funcallPrologue) selects rows of closure slot g.SrcIdx into
// closure slot g.DstIdx.
func (d *Driver) hostGather(i int, g *descriptor.HostGather) error {
	slots := d.closures[i]
	if g.SrcIdx < 0 || g.SrcIdx >= len(slots) || g.DstIdx < 0 || g.DstIdx >= len(slots) {
		return fmt.Errorf("host_gather src/dst closure index out of range (src=%d dst=%d, %d closures)", g.SrcIdx, g.DstIdx, len(slots))
	}
	idx, ok := d.boundInput[descriptor.SubInputKey{SubIdx: i, InIdx: g.IdxIdx}]
	if !ok {
		return fmt.Errorf("host_gather index input %d not yet bound", g.IdxIdx)
	}
	return tensor.Gather(slots[g.SrcIdx].Tensor, idx, slots[g.DstIdx].Tensor)
}

// installFuncallResult reads call site i's just-produced outputs back
// and stores them as funcall_result[(i, out_idx)] for whatever
// downstream submodel consumes them next. A spatial body's output ports
// are left bound to the last slice's view once Run returns, not the
// full-range result, so its outputs are read from the staged buffer
// spatial.Run wrote through instead of from req.
func (d *Driver) installFuncallResult(i, bodyIdx int, req subrequest.Subrequest) error {
	body := &d.model.Submodels[bodyIdx]
	if body.Spatial != nil {
		io := d.spatialIO[i]
		for j := 0; j < body.NumOutputs; j++ {
			v, ok := io.Outputs[j]
			if !ok {
				return fmt.Errorf("output %d: missing staged spatial output", j)
			}
			d.funcallResult[descriptor.SubOutputKey{SubIdx: i, OutIdx: j}] = v
		}
		return nil
	}
	ports := req.OutputPorts()
	for j := 0; j < body.NumOutputs; j++ {
		v, err := req.GetTensor(portAt(ports, j))
		if err != nil {
			return fmt.Errorf("output %d: %w", j, err)
		}
		d.funcallResult[descriptor.SubOutputKey{SubIdx: i, OutIdx: j}] = v
	}
	return nil
}

// refreshOwnClosures re-copies/re-unpacks submodel i's own closure
// slots that are marked update_required. There is no predecessor call
// to hide this behind, so it runs synchronously before the body's
// inference.
func (d *Driver) refreshOwnClosures(i int) error {
	return d.refreshClosuresFor(i)
}

// refreshClosuresFor re-materializes every update_required closure slot
// resolved for call site i.
func (d *Driver) refreshClosuresFor(i int) error {
	for _, slot := range d.closures[i] {
		if err := slot.Refresh(); err != nil {
			return fmt.Errorf("submodel %d: %w", i, err)
		}
	}
	return nil
}

// producerOutput fetches a normal submodel's live output tensor after
// its inference has completed.
func (d *Driver) producerOutput(producer descriptor.SubOutputKey) (tensor.Tensor, error) {
	pair := d.pairs[producer.SubIdx]
	if pair == nil {
		return tensor.Tensor{}, fmt.Errorf("no subrequest for producer submodel %d", producer.SubIdx)
	}
	port := portAt(pair.Primary.OutputPorts(), producer.OutIdx)
	return pair.Primary.GetTensor(port)
}

func portAt(ports []string, idx int) string {
	if idx < 0 || idx >= len(ports) {
		return fmt.Sprintf("port-out-of-range-%d", idx)
	}
	return ports[idx]
}
