package tensor

import (
	"fmt"

	"github.com/npuw-go/npuw/internal/dtype"
)

// Gather performs a host-side row gather. src is 2D [V, W], idx is [1, N]
// with i64 entries in [0, V), dst is 3D [*, *, W] with the last dim matching
// src. Row r of dst (flattened over leading dims) is a bytewise copy of row
// idx[r] of src. dtype must be f16 or f32.
func Gather(src, idx, dst Tensor) error {
	requireRank(src, 2, "gather(src)")
	requireRank(idx, 2, "gather(idx)")
	requireRank(dst, 3, "gather(dst)")
	if src.DType != dtype.F16 && src.DType != dtype.F32 {
		return fmt.Errorf("tensor: gather requires f16 or f32 src, got %s", src.DType)
	}
	if dst.DType != src.DType {
		return fmt.Errorf("tensor: gather dtype mismatch src=%s dst=%s", src.DType, dst.DType)
	}
	if idx.DType != dtype.I64 {
		return fmt.Errorf("tensor: gather idx must be i64, got %s", idx.DType)
	}
	if idx.Shape[0] != 1 {
		return fmt.Errorf("tensor: gather idx must have shape [1, N]")
	}
	w := src.Shape[1]
	if dst.Shape[2] != w {
		return fmt.Errorf("tensor: gather dst last dim %d must match src width %d", dst.Shape[2], w)
	}
	n := dst.Shape[0] * dst.Shape[1]
	if idx.Shape[1] != n {
		return fmt.Errorf("tensor: gather idx length %d must match dst leading extent %d", idx.Shape[1], n)
	}
	if !src.Contiguous() || !dst.Contiguous() {
		return fmt.Errorf("tensor: gather requires contiguous src/dst")
	}

	es := int64(src.elemSize())
	rowBytes := w * es
	vocab := src.Shape[0]

	for r := int64(0); r < n; r++ {
		rowIdx := readI64(idx, r)
		if rowIdx < 0 || rowIdx >= vocab {
			return fmt.Errorf("tensor: gather idx[%d]=%d out of range [0,%d)", r, rowIdx, vocab)
		}
		srcOff := src.Base + rowIdx*rowBytes
		dstOff := dst.Base + r*rowBytes
		copy(dst.Data[dstOff:dstOff+rowBytes], src.Data[srcOff:srcOff+rowBytes])
	}
	return nil
}

func readI64(idx Tensor, flatIdx int64) int64 {
	off := idx.Base + flatIdx*8
	b := idx.Data[off : off+8]
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return int64(v)
}
