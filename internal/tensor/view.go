package tensor

import "fmt"

// ViewAxis produces a non-owning strided sub-tensor slicing dimension dim to
// [offset, offset+length). Strides are inherited unchanged; only the base
// pointer shifts. Sub-byte dtypes are rejected — there is no safe mid-byte
// boundary for a nibble-granularity offset.
func ViewAxis(src Tensor, dim int, offset, length int64) (Tensor, error) {
	if src.DType.Packed() {
		return Tensor{}, fmt.Errorf("tensor: view rejects packed dtype %s", src.DType)
	}
	if dim < 0 || dim >= src.rank() {
		return Tensor{}, fmt.Errorf("tensor: view axis %d out of range for rank %d", dim, src.rank())
	}
	if offset < 0 || length < 0 || offset+length > src.Shape[dim] {
		return Tensor{}, fmt.Errorf("tensor: view axis %d range [%d,%d) out of bounds (extent %d)", dim, offset, offset+length, src.Shape[dim])
	}

	out := src
	out.Shape = append([]int64(nil), src.Shape...)
	out.Stride = append([]int64(nil), src.Stride...)
	out.Shape[dim] = length
	out.Base = src.Base + offset*src.Stride[dim]*int64(src.elemSize())
	return out, nil
}

// ViewRange produces a non-owning strided sub-tensor over the box
// [from, to) across every dimension. Strides are inherited unchanged; only
// the base pointer shifts by sum(strides[d]*from[d]).
func ViewRange(src Tensor, from, to []int64) (Tensor, error) {
	if src.DType.Packed() {
		return Tensor{}, fmt.Errorf("tensor: view rejects packed dtype %s", src.DType)
	}
	if len(from) != src.rank() || len(to) != src.rank() {
		return Tensor{}, fmt.Errorf("tensor: view range rank mismatch")
	}

	out := src
	out.Shape = make([]int64, src.rank())
	out.Stride = append([]int64(nil), src.Stride...)
	es := int64(src.elemSize())
	base := src.Base
	for d := range from {
		if from[d] < 0 || to[d] > src.Shape[d] || from[d] > to[d] {
			return Tensor{}, fmt.Errorf("tensor: view range dim %d [%d,%d) out of bounds (extent %d)", d, from[d], to[d], src.Shape[d])
		}
		out.Shape[d] = to[d] - from[d]
		base += from[d] * src.Stride[d] * es
	}
	out.Base = base
	return out, nil
}
