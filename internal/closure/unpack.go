// Package closure implements the weight closure resolver (spec §4.2):
// for each closure slot of a function-call submodel, decide whether to
// bind the bank tensor directly, copy it, or unpack it into the body's
// device dtype, and carry out that decision. The `unpack`/`unpack1`/
// `unpack2` kernels are specified by §1 as opaque primitives; this
// package supplies reference implementations so the orchestrator runs
// end to end without a real NPU compiler (§4.2a).
package closure

import (
	"fmt"

	"github.com/npuw-go/npuw/internal/dtype"
	"github.com/npuw-go/npuw/internal/parfor"
	"github.com/npuw-go/npuw/internal/tensor"
)

// Unpack performs a pure dtype conversion from src into dst: no scale,
// no zero point.
func Unpack(dst, src tensor.Tensor) error {
	return unpackGrouped(dst, src, nil, nil)
}

// Unpack1 performs a dtype conversion plus per-group scaling: for group
// g of size groupSize, out = raw * scale[g].
func Unpack1(dst, src, scale tensor.Tensor) error {
	return unpackGrouped(dst, src, &scale, nil)
}

// Unpack2 performs a dtype conversion plus zero-point subtraction and
// scaling: for group g, out = (raw - zerop[g]) * scale[g].
func Unpack2(dst, src, zerop, scale tensor.Tensor) error {
	return unpackGrouped(dst, src, &scale, &zerop)
}

func unpackGrouped(dst, src tensor.Tensor, scale, zerop *tensor.Tensor) error {
	n := int(tensor.NumElements(src.Shape))
	if int(tensor.NumElements(dst.Shape)) != n {
		return fmt.Errorf("closure: unpack shape mismatch src has %d elements, dst has %d", n, tensor.NumElements(dst.Shape))
	}
	if !dst.Contiguous() {
		return fmt.Errorf("closure: unpack destination must be contiguous")
	}

	raw, err := decodeToF32(src)
	if err != nil {
		return err
	}

	var scaleVals, zeropVals []float32
	groupSize := n
	if scale != nil {
		scaleVals, err = decodeToF32(*scale)
		if err != nil {
			return fmt.Errorf("closure: decode scale: %w", err)
		}
		if len(scaleVals) == 0 || n%len(scaleVals) != 0 {
			return fmt.Errorf("closure: %d elements not evenly divisible by %d scale groups", n, len(scaleVals))
		}
		groupSize = n / len(scaleVals)
	}
	if zerop != nil {
		zeropVals, err = decodeToF32(*zerop)
		if err != nil {
			return fmt.Errorf("closure: decode zerop: %w", err)
		}
		if len(zeropVals) != len(scaleVals) {
			return fmt.Errorf("closure: zerop has %d groups, scale has %d", len(zeropVals), len(scaleVals))
		}
	}

	dstDType := dst.DType
	dstBase := dst.Base
	es, ok := dtype.ElemSize(dstDType)
	if !ok {
		return fmt.Errorf("closure: unpack destination dtype %s has no dense layout", dstDType)
	}

	var encErr error
	parfor.For(n, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			v := raw[i]
			if scaleVals != nil {
				g := i / groupSize
				if zeropVals != nil {
					v = (v - zeropVals[g]) * scaleVals[g]
				} else {
					v = v * scaleVals[g]
				}
			}
			if err := dtype.PutF32(dst.Data, dstDType, int(dstBase)+i*es, v); err != nil {
				encErr = err
				return
			}
		}
	})
	return encErr
}

// decodeToF32 widens every element of t into a freshly allocated []float32
// in row-major order, handling both dense and packed-4-bit dtypes.
func decodeToF32(t tensor.Tensor) ([]float32, error) {
	n := int(tensor.NumElements(t.Shape))
	out := make([]float32, n)

	if !t.DType.Packed() {
		if err := dtype.ToF32Range(out, t.Data[t.Base:], t.DType, 0, n); err != nil {
			return nil, err
		}
		return out, nil
	}

	rank := len(t.Shape)
	if rank == 0 {
		return out, nil
	}
	cols := int(t.Shape[rank-1])
	if cols == 0 {
		return out, nil
	}
	rows := n / cols
	data := t.Data[t.Base:]
	signed := t.DType == dtype.I4

	parfor.For(rows, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			for c := 0; c < cols; c++ {
				nibble := dtype.GetNibble(data, r, c, cols)
				var v float32
				if signed {
					sv := int8(nibble)
					if sv >= 8 {
						sv -= 16
					}
					v = float32(sv)
				} else {
					v = float32(nibble)
				}
				out[r*cols+c] = v
			}
		}
	})
	return out, nil
}
