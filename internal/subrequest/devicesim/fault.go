package devicesim

import "sync"

// faultList is a queue of injected faults consumed one per Infer call,
// letting a test script script a device that fails N times before
// succeeding. Once exhausted, Infer runs cleanly.
type faultList struct {
	mu      sync.Mutex
	pending []error
}

// NewFaults builds a fault queue. Pass the errors in the order they
// should be returned to successive Infer calls.
func NewFaults(errs ...error) *faultList {
	return &faultList{pending: append([]error(nil), errs...)}
}

// next pops the next queued fault, or nil if none remain.
func (f *faultList) next() error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil
	}
	err := f.pending[0]
	f.pending = f.pending[1:]
	return err
}
