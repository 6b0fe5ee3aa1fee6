package tensor

import (
	"fmt"
	"math"

	"github.com/npuw-go/npuw/internal/dtype"
	"github.com/npuw-go/npuw/internal/parfor"
)

// ToF32 widens in into out element-wise. Shapes must be equal and both
// tensors must be contiguous; out must be dtype F32. For an F32 input this
// degenerates to a bulk copy. The conversion is parallelized across the
// flat element range via parfor.For; every partition produces the same
// bytes because each element's conversion is independent (strict
// element-wise cast).
func ToF32(out, in Tensor) error {
	if out.DType != dtype.F32 {
		return fmt.Errorf("tensor: to_f32 output must be f32, got %s", out.DType)
	}
	if !dtype.ToF32Convertible(in.DType) {
		return fmt.Errorf("tensor: to_f32 unsupported source dtype %s", in.DType)
	}
	if !sameShape(out.Shape, in.Shape) {
		return fmt.Errorf("tensor: to_f32 shape mismatch out=%v in=%v", out.Shape, in.Shape)
	}
	if !out.Contiguous() || !in.Contiguous() {
		return fmt.Errorf("tensor: to_f32 requires contiguous tensors")
	}

	n := int(NumElements(in.Shape))
	src := in.Data[in.Base:]
	dst := out.Data[out.Base:]

	if in.DType == dtype.F32 {
		copy(dst[:n*4], src[:n*4])
		return nil
	}

	vals := make([]float32, n)
	var convErr error
	parfor.For(n, func(lo, hi int) {
		if err := dtype.ToF32Range(vals, src, in.DType, lo, hi); err != nil {
			convErr = err
			return
		}
		for i := lo; i < hi; i++ {
			putF32le(dst, i*4, vals[i])
		}
	})
	return convErr
}

func putF32le(b []byte, off int, v float32) {
	u := math.Float32bits(v)
	_ = b[off+3]
	b[off] = byte(u)
	b[off+1] = byte(u >> 8)
	b[off+2] = byte(u >> 16)
	b[off+3] = byte(u >> 24)
}
