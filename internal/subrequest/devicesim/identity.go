package devicesim

import "github.com/npuw-go/npuw/internal/tensor"

// Identity returns a Transfer that passes its first n inputs through as
// outputs unchanged, the simplest possible stand-in for a real compiled
// subgraph. It is a convenience for fixtures and tests that only care
// about wiring, not computation.
func Identity(n int) Transfer {
	return func(ins []tensor.Tensor) ([]tensor.Tensor, error) {
		outs := make([]tensor.Tensor, n)
		copy(outs, ins[:n])
		return outs, nil
	}
}
