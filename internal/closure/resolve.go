package closure

import (
	"fmt"

	"github.com/npuw-go/npuw/internal/descriptor"
	"github.com/npuw-go/npuw/internal/dtype"
	"github.com/npuw-go/npuw/internal/tensor"
)

// Kind names which of the three §4.2 decisions a slot resolved to.
type Kind int

const (
	BindOnce Kind = iota
	Unpacked
	Copied
)

// Slot is the resolved, runtime form of one descriptor.ClosureSlot: the
// device-facing tensor to bind as the body's input param_base+k, plus
// enough state to refresh it on every later inference when required.
//
// Bind-once slots point Tensor directly at the bank's host tensor and
// are never touched again. Unpack/copy slots own a private, mutably
// reused device buffer that Refresh rewrites in place.
type Slot struct {
	Kind   Kind
	Tensor tensor.Tensor

	slot *descriptor.ClosureSlot
}

// Resolve makes the bind-once/unpack/copy decision for one closure slot
// and, for unpack/copy, performs the first materialization.
func Resolve(slot *descriptor.ClosureSlot) (*Slot, error) {
	if !slot.UpdateRequired {
		return &Slot{Kind: BindOnce, Tensor: slot.Data, slot: slot}, nil
	}

	needsUnpack := slot.BodyDType != slot.Data.DType
	if !needsUnpack {
		dst := tensor.NewContiguous(slot.Data.DType, slot.Data.Shape)
		if err := copyInto(dst, slot.Data); err != nil {
			return nil, fmt.Errorf("closure: initial copy: %w", err)
		}
		return &Slot{Kind: Copied, Tensor: dst, slot: slot}, nil
	}

	dst := tensor.NewContiguous(slot.BodyDType, slot.Data.Shape)
	if err := unpackOnto(dst, slot); err != nil {
		return nil, fmt.Errorf("closure: initial unpack: %w", err)
	}
	return &Slot{Kind: Unpacked, Tensor: dst, slot: slot}, nil
}

// Refresh re-materializes an unpack/copy slot from its bank source. It is
// a no-op for bind-once slots, matching the §4.2 invariant that they are
// never revisited.
func (s *Slot) Refresh() error {
	switch s.Kind {
	case BindOnce:
		return nil
	case Copied:
		return copyInto(s.Tensor, s.slot.Data)
	case Unpacked:
		return unpackOnto(s.Tensor, s.slot)
	default:
		return fmt.Errorf("closure: unknown slot kind %d", s.Kind)
	}
}

// unpackOnto selects unpack/unpack1/unpack2 by the presence of
// slot.Scale and slot.Zerop, per §4.2.
func unpackOnto(dst tensor.Tensor, slot *descriptor.ClosureSlot) error {
	switch {
	case slot.Zerop != nil && slot.Scale != nil:
		return Unpack2(dst, slot.Data, *slot.Zerop, *slot.Scale)
	case slot.Scale != nil:
		return Unpack1(dst, slot.Data, *slot.Scale)
	default:
		return Unpack(dst, slot.Data)
	}
}

func copyInto(dst, src tensor.Tensor) error {
	if dst.DType != src.DType {
		return fmt.Errorf("closure: copy dtype mismatch %s vs %s", dst.DType, src.DType)
	}
	n := tensor.NumElements(src.Shape)
	if tensor.NumElements(dst.Shape) != n {
		return fmt.Errorf("closure: copy shape mismatch")
	}
	var nbytes int64
	if src.DType.Packed() {
		nbytes = (n + 1) / 2
	} else {
		es, ok := dtype.ElemSize(src.DType)
		if !ok {
			return fmt.Errorf("closure: copy source dtype %s has no dense layout", src.DType)
		}
		nbytes = n * int64(es)
	}
	copyBytesParallel(dst.Data[dst.Base:dst.Base+nbytes], src.Data[src.Base:src.Base+nbytes])
	return nil
}
