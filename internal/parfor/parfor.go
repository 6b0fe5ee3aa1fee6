// Package parfor provides the bounded worker-pool parallel-for used by the
// tensor primitives, the closure resolver and the pipeline driver's
// parameter-copy phase. A persistent pool of goroutines reads tasks off a
// channel rather than spawning one goroutine per call, mirroring the
// teacher's gemm work pool.
package parfor

import "runtime"

type task struct {
	fn   func(lo, hi int)
	lo   int
	hi   int
	done chan struct{}
}

type pool struct {
	size      int
	tasks     chan task
	doneSlots chan chan struct{}
}

func newPool() *pool {
	size := runtime.GOMAXPROCS(0)
	if size < 1 {
		size = 1
	}
	p := &pool{
		size:      size,
		tasks:     make(chan task, size*4),
		doneSlots: make(chan chan struct{}, size),
	}
	for i := 0; i < size; i++ {
		p.doneSlots <- make(chan struct{}, 1)
	}
	for w := 0; w < size; w++ {
		go func() {
			for t := range p.tasks {
				t.fn(t.lo, t.hi)
				t.done <- struct{}{}
			}
		}()
	}
	return p
}

var workPool = newPool()

// For partitions [0, n) into up to GOMAXPROCS contiguous ranges and calls fn
// once per range, blocking until every range has completed. fn must be safe
// to call concurrently on disjoint [lo, hi) ranges — callers are responsible
// for ensuring their fn bodies do not alias across iterations.
//
// The partition is a pure performance decision: fn must produce the same
// result for any split of [0, n), including the degenerate single-range
// split used when n is small or workers <= 1.
func For(n int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}
	workers := workPool.size
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		fn(0, n)
		return
	}

	chunk := (n + workers - 1) / workers
	done := <-workPool.doneSlots
	launched := 0
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := lo + chunk
		if lo >= n {
			break
		}
		if hi > n {
			hi = n
		}
		workPool.tasks <- task{fn: fn, lo: lo, hi: hi, done: done}
		launched++
	}
	for i := 0; i < launched; i++ {
		<-done
	}
	workPool.doneSlots <- done
}

// ForEach runs fn(i) independently for every i in [0, n), using the same
// worker pool as For. Each iteration is its own unit rather than a
// sub-range.
func ForEach(n int, fn func(i int)) {
	For(n, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			fn(i)
		}
	})
}
