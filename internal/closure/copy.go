package closure

import "github.com/npuw-go/npuw/internal/parfor"

// copyBytesParallel copies src into dst using the shared worker pool, per
// §5a bullet (c): closure copies route through the same parallel-for as
// everything else so a single slot's byte copy is split across the pool's
// workers.
func copyBytesParallel(dst, src []byte) {
	n := len(src)
	parfor.For(n, func(lo, hi int) {
		copy(dst[lo:hi], src[lo:hi])
	})
}
