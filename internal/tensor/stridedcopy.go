package tensor

import "fmt"

// CopyStrided copies every element of src into dst, honoring each
// tensor's own strides — unlike the bulk paths elsewhere in this
// package, neither side needs to be contiguous. It exists for the
// spatial executor's tail handling (§4.3), where a slice view's strides
// come from its parent tensor's full shape rather than its own. Only
// dense dtypes are supported; packed 4-bit tensors never carry views in
// the first place.
func CopyStrided(dst, src Tensor) error {
	if dst.DType != src.DType {
		return fmt.Errorf("tensor: copy dtype mismatch %s vs %s", dst.DType, src.DType)
	}
	if dst.DType.Packed() {
		return fmt.Errorf("tensor: CopyStrided does not support packed dtypes")
	}
	if !sameShape(dst.Shape, src.Shape) {
		return fmt.Errorf("tensor: copy shape mismatch %v vs %v", dst.Shape, src.Shape)
	}
	es := dst.elemSize()
	idx := make([]int64, len(src.Shape))
	copyStridedRec(dst, src, idx, 0, es)
	return nil
}

func copyStridedRec(dst, src Tensor, idx []int64, dim int, es int) {
	if dim == len(idx) {
		so := src.ByteOffset(idx)
		do := dst.ByteOffset(idx)
		copy(dst.Data[do:do+int64(es)], src.Data[so:so+int64(es)])
		return
	}
	for i := int64(0); i < src.Shape[dim]; i++ {
		idx[dim] = i
		copyStridedRec(dst, src, idx, dim+1, es)
	}
}
