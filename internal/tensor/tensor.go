// Package tensor implements the host-side tensor primitives the
// orchestrator depends on: strided views, host gather, dtype conversion to
// f32, 3D permutations (including sub-byte, packed 4-bit), and
// axis-concatenation. Operations are restricted to the exact shapes and
// dtypes the partitioner emits — this is not a general tensor library.
//
// All primitives operate on host memory with explicit strides; there is no
// hidden allocator. Shape and dtype precondition failures are returned as
// errors, except a wrong rank (requireRank) and a dtype with no dense
// element size, which panic.
package tensor

import (
	"fmt"

	"github.com/npuw-go/npuw/internal/dtype"
)

// Tensor is a non-owning or owning strided view over host memory. Shape and
// Stride are in elements; Base is a byte offset into Data. Packed 4-bit
// dtypes (I4/U4) never carry a meaningful Stride for the innermost axis —
// their addressing goes through dtype.GetNibble/SetNibble instead, and they
// must always be dense/contiguous (views of packed tensors are rejected).
type Tensor struct {
	DType  dtype.DType
	Shape  []int64
	Stride []int64
	Data   []byte
	Base   int64
}

// RowMajorStrides computes the element strides for a dense tensor of the
// given shape.
func RowMajorStrides(shape []int64) []int64 {
	s := make([]int64, len(shape))
	acc := int64(1)
	for d := len(shape) - 1; d >= 0; d-- {
		s[d] = acc
		acc *= shape[d]
	}
	return s
}

// NumElements returns the product of shape.
func NumElements(shape []int64) int64 {
	n := int64(1)
	for _, s := range shape {
		n *= s
	}
	return n
}

// NewContiguous allocates a zero-initialized dense tensor of the given
// dtype and shape.
func NewContiguous(dt dtype.DType, shape []int64) Tensor {
	n := NumElements(shape)
	var nbytes int64
	if dt.Packed() {
		nbytes = (n + 1) / 2
	} else {
		elemSize, ok := dtype.ElemSize(dt)
		if !ok {
			panic(fmt.Sprintf("tensor: unsupported dtype %s", dt))
		}
		nbytes = n * int64(elemSize)
	}
	return Tensor{
		DType:  dt,
		Shape:  append([]int64(nil), shape...),
		Stride: RowMajorStrides(shape),
		Data:   make([]byte, nbytes),
	}
}

// NewFromBytes wraps an existing contiguous row-major buffer.
func NewFromBytes(dt dtype.DType, shape []int64, data []byte) Tensor {
	return Tensor{
		DType:  dt,
		Shape:  append([]int64(nil), shape...),
		Stride: RowMajorStrides(shape),
		Data:   data,
	}
}

// Contiguous reports whether t's strides match a dense row-major layout for
// its shape.
func (t Tensor) Contiguous() bool {
	want := RowMajorStrides(t.Shape)
	if len(want) != len(t.Stride) {
		return false
	}
	for i := range want {
		if want[i] != t.Stride[i] {
			return false
		}
	}
	return true
}

func sameShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (t Tensor) elemSize() int {
	size, ok := dtype.ElemSize(t.DType)
	if !ok {
		panic(fmt.Sprintf("tensor: dtype %s has no dense element size", t.DType))
	}
	return size
}

// ByteOffset returns the byte offset of the element at the given index
// (dense dtypes only).
func (t Tensor) ByteOffset(idx []int64) int64 {
	if len(idx) != len(t.Shape) {
		panic("tensor: index rank mismatch")
	}
	off := t.Base
	es := int64(t.elemSize())
	for d, i := range idx {
		off += i * t.Stride[d] * es
	}
	return off
}

// Bytes returns the raw backing slice for the element at the given index,
// length elemSize.
func (t Tensor) Bytes(idx []int64) []byte {
	es := t.elemSize()
	off := t.ByteOffset(idx)
	return t.Data[off : off+int64(es)]
}

// rank returns len(t.Shape), a 3 is required by most of the 3D primitives.
func (t Tensor) rank() int { return len(t.Shape) }

func requireRank(t Tensor, want int, op string) {
	if t.rank() != want {
		panic(fmt.Sprintf("tensor: %s requires rank %d, got %d", op, want, t.rank()))
	}
}
