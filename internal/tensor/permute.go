package tensor

import (
	"fmt"

	"github.com/npuw-go/npuw/internal/dtype"
)

// Transpose applies the (2,0,1) permutation to a 3D packed 4-bit tensor,
// returning a freshly allocated tensor with the same packed encoding. Two
// 4-bit elements share a byte, low nibble first along the fastest axis; a
// read/write primitive addresses element (r, c, COLS) as
// byte = data[(r*COLS + c)/2], picking the low nibble when r*COLS + c is
// even, high otherwise.
func Transpose(t Tensor) (Tensor, error) {
	requireRank(t, 3, "transpose")
	if !t.DType.Packed() {
		return Tensor{}, fmt.Errorf("tensor: transpose(2,0,1) requires a packed 4-bit dtype, got %s", t.DType)
	}
	s0, s1, s2 := t.Shape[0], t.Shape[1], t.Shape[2]
	out := NewContiguous(t.DType, []int64{s2, s0, s1})

	// Input addressed as rows=s0*s1, cols=s2. Output addressed as
	// rows=s2*s0, cols=s1.
	for r0 := int64(0); r0 < s0; r0++ {
		for r1 := int64(0); r1 < s1; r1++ {
			inRow := int(r0*s1 + r1)
			for c := int64(0); c < s2; c++ {
				v := dtype.GetNibble(t.Data, inRow, int(c), int(s2))
				outRow := int(c*s0 + r0)
				dtype.SetNibble(out.Data, outRow, int(r1), int(s1), v)
			}
		}
	}
	return out, nil
}

// Permute applies one of the four supported 3D permutations. Supported axes
// and dtype constraints:
//
//	(2,0,1) — packed 4-bit only; delegates to Transpose.
//	(0,2,1) — packed 4-bit only; direct nibble-wise copy.
//	(1,0,2) — packed 4-bit only; direct nibble-wise copy.
//	(1,2,0) — elementwise; f16 and f32 only.
//
// Any other permutation is a precondition violation.
func Permute(t Tensor, axes [3]int) (Tensor, error) {
	requireRank(t, 3, "permute")
	switch axes {
	case [3]int{2, 0, 1}:
		return Transpose(t)
	case [3]int{0, 2, 1}:
		return permute021(t)
	case [3]int{1, 0, 2}:
		return permute102(t)
	case [3]int{1, 2, 0}:
		return permute120(t)
	default:
		return Tensor{}, fmt.Errorf("tensor: unsupported permutation %v", axes)
	}
}

func permute021(t Tensor) (Tensor, error) {
	if !t.DType.Packed() {
		return Tensor{}, fmt.Errorf("tensor: permute(0,2,1) requires a packed 4-bit dtype, got %s", t.DType)
	}
	s0, s1, s2 := t.Shape[0], t.Shape[1], t.Shape[2]
	out := NewContiguous(t.DType, []int64{s0, s2, s1})

	// in rows=s0*s1, cols=s2; out rows=s0*s2, cols=s1.
	for r0 := int64(0); r0 < s0; r0++ {
		for r1 := int64(0); r1 < s1; r1++ {
			inRow := int(r0*s1 + r1)
			for c := int64(0); c < s2; c++ {
				v := dtype.GetNibble(t.Data, inRow, int(c), int(s2))
				outRow := int(r0*s2 + c)
				dtype.SetNibble(out.Data, outRow, int(r1), int(s1), v)
			}
		}
	}
	return out, nil
}

func permute102(t Tensor) (Tensor, error) {
	if !t.DType.Packed() {
		return Tensor{}, fmt.Errorf("tensor: permute(1,0,2) requires a packed 4-bit dtype, got %s", t.DType)
	}
	s0, s1, s2 := t.Shape[0], t.Shape[1], t.Shape[2]
	out := NewContiguous(t.DType, []int64{s1, s0, s2})

	// in rows=s0*s1, cols=s2; out rows=s1*s0, cols=s2.
	for r0 := int64(0); r0 < s0; r0++ {
		for r1 := int64(0); r1 < s1; r1++ {
			inRow := int(r0*s1 + r1)
			outRow := int(r1*s0 + r0)
			for c := int64(0); c < s2; c++ {
				v := dtype.GetNibble(t.Data, inRow, int(c), int(s2))
				dtype.SetNibble(out.Data, outRow, int(c), int(s2), v)
			}
		}
	}
	return out, nil
}

func permute120(t Tensor) (Tensor, error) {
	if t.DType != dtype.F16 && t.DType != dtype.F32 {
		return Tensor{}, fmt.Errorf("tensor: permute(1,2,0) requires f16 or f32, got %s", t.DType)
	}
	if !t.Contiguous() {
		return Tensor{}, fmt.Errorf("tensor: permute(1,2,0) requires a contiguous input")
	}
	s0, s1, s2 := t.Shape[0], t.Shape[1], t.Shape[2]
	out := NewContiguous(t.DType, []int64{s1, s2, s0})
	es := t.elemSize()

	for r0 := int64(0); r0 < s0; r0++ {
		for r1 := int64(0); r1 < s1; r1++ {
			for c := int64(0); c < s2; c++ {
				srcOff := (r0*s1*s2 + r1*s2 + c) * int64(es)
				dstOff := (r1*s2*s0 + c*s0 + r0) * int64(es)
				copy(out.Data[dstOff:dstOff+int64(es)], t.Data[t.Base+srcOff:t.Base+srcOff+int64(es)])
			}
		}
	}
	return out, nil
}
