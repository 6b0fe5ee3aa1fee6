// Package spatial implements the spatial executor (C3, spec §4.3): a
// spatial submodel is compiled for exactly `nway` elements along one
// designated axis, and this package fans the full `range` across full
// slices plus, if present, one trailing partial slice.
package spatial

import (
	"fmt"

	"github.com/npuw-go/npuw/internal/descriptor"
	"github.com/npuw-go/npuw/internal/subrequest"
	"github.com/npuw-go/npuw/internal/tensor"
)

// IO holds the staged full-range tensors and tail buffers a spatial
// submodel's inputs and outputs are bound from, keyed the way the
// descriptor keys them: inputs by subrequest input index, outputs by
// subrequest output index.
type IO struct {
	Inputs      map[int]tensor.Tensor
	InputTails  map[int]tensor.Tensor
	Outputs     map[int]tensor.Tensor
	OutputTails map[int]tensor.Tensor
}

// Run executes spec's full-slice loop followed by its tail, against req,
// per §4.3.
func Run(req subrequest.Subrequest, spec *descriptor.SpatialSpec, io *IO) error {
	inPorts := req.InputPorts()
	outPorts := req.OutputPorts()

	for i := int64(0); i < spec.NwayIters; i++ {
		o := i * spec.Nway
		if err := bindFullSlice(req, spec, io, inPorts, outPorts, o); err != nil {
			return fmt.Errorf("spatial: full slice %d: %w", i, err)
		}
		if err := req.Infer(); err != nil {
			return fmt.Errorf("spatial: infer full slice %d: %w", i, err)
		}
	}

	if spec.TailSize == 0 {
		return nil
	}

	o := spec.Nway * spec.NwayIters
	if err := bindTail(req, spec, io, inPorts, outPorts, o); err != nil {
		return fmt.Errorf("spatial: tail: %w", err)
	}
	if err := req.Infer(); err != nil {
		return fmt.Errorf("spatial: infer tail: %w", err)
	}
	return stitchTail(spec, io, o)
}

func bindFullSlice(req subrequest.Subrequest, spec *descriptor.SpatialSpec, io *IO, inPorts, outPorts []string, o int64) error {
	for _, p := range spec.Params {
		full, ok := io.Inputs[p.Idx]
		if !ok {
			return fmt.Errorf("missing staged input %d", p.Idx)
		}
		view, err := tensor.ViewAxis(full, p.Dim, o, spec.Nway)
		if err != nil {
			return err
		}
		if err := req.SetTensor(portAt(inPorts, p.Idx), view); err != nil {
			return err
		}
	}
	for j, full := range io.Outputs {
		view, err := tensor.ViewAxis(full, spec.OutDim, o, spec.Nway)
		if err != nil {
			return err
		}
		if err := req.SetTensor(portAt(outPorts, j), view); err != nil {
			return err
		}
	}
	return nil
}

func bindTail(req subrequest.Subrequest, spec *descriptor.SpatialSpec, io *IO, inPorts, outPorts []string, o int64) error {
	for _, p := range spec.Params {
		full, ok := io.Inputs[p.Idx]
		if !ok {
			return fmt.Errorf("missing staged input %d", p.Idx)
		}
		src, err := tensor.ViewAxis(full, p.Dim, o, spec.TailSize)
		if err != nil {
			return err
		}
		tailBuf, ok := io.InputTails[p.Idx]
		if !ok {
			return fmt.Errorf("missing input tail buffer %d", p.Idx)
		}
		dst, err := tensor.ViewAxis(tailBuf, p.Dim, 0, spec.TailSize)
		if err != nil {
			return err
		}
		if err := tensor.CopyStrided(dst, src); err != nil {
			return err
		}
		if err := req.SetTensor(portAt(inPorts, p.Idx), tailBuf); err != nil {
			return err
		}
	}
	for j, tailBuf := range io.OutputTails {
		if err := req.SetTensor(portAt(outPorts, j), tailBuf); err != nil {
			return err
		}
	}
	return nil
}

func stitchTail(spec *descriptor.SpatialSpec, io *IO, o int64) error {
	for j, tailBuf := range io.OutputTails {
		src, err := tensor.ViewAxis(tailBuf, spec.OutDim, 0, spec.TailSize)
		if err != nil {
			return err
		}
		full, ok := io.Outputs[j]
		if !ok {
			return fmt.Errorf("missing staged output %d", j)
		}
		dst, err := tensor.ViewAxis(full, spec.OutDim, o, spec.TailSize)
		if err != nil {
			return err
		}
		if err := tensor.CopyStrided(dst, src); err != nil {
			return err
		}
	}
	return nil
}

func portAt(ports []string, idx int) string {
	if idx < 0 || idx >= len(ports) {
		return fmt.Sprintf("port-out-of-range-%d", idx)
	}
	return ports[idx]
}
