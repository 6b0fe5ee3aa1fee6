// Package iosurface implements the external IO surface (C7, spec
// §4.7/§4.7a): query_state, profiling_info, cancel, and subscribe, all
// forwarding to the real (body-owning) subrequest of the submodel they
// name, plus a per-Infer-call correlation id used to tag every response
// so an operator can line up a profiling record with the inference that
// produced it.
package iosurface

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/npuw-go/npuw/internal/subrequest"
)

// Driver is the slice of the pipeline driver the IO surface depends on.
// pipeline.Driver satisfies it.
type Driver interface {
	NumSubmodels() int
	SubrequestFor(i int) (subrequest.Subrequest, bool)
}

// StateEntry is one submodel's contribution to query_state: the real
// subrequest's own state handles, tagged with the submodel slot that
// asked for them and the correlation id of the most recent Infer call.
type StateEntry struct {
	SubmodelIdx   int                    `json:"submodel_idx"`
	CorrelationID string                 `json:"correlation_id"`
	Handle        subrequest.StateHandle `json:"handle"`
}

// ProfilingEntry is one renamed profiling record, per §4.7's
// "subgraph<i>: <original>" convention.
type ProfilingEntry struct {
	SubmodelIdx   int    `json:"submodel_idx"`
	CorrelationID string `json:"correlation_id"`
	Name          string `json:"name"`
	DurationNS    int64  `json:"duration_ns"`
}

// Surface is the orchestrator's external IO surface. It never blocks or
// feeds back into the pipeline driver (§4.7a) — every method is a
// read-only fan-out over live subrequests, or a direct forward of
// cancel/subscribe.
type Surface struct {
	driver Driver

	mu   sync.Mutex
	last string
}

// New builds a Surface over driver.
func New(driver Driver) *Surface {
	return &Surface{driver: driver}
}

// BeginInfer mints a new correlation id for the Infer call about to
// start and remembers it for QueryState/ProfilingInfo. Grounded on
// internal/api/helpers.go's newInputItemID — same uuid.NewString
// pattern, different prefix-free use (§4.7a).
func (s *Surface) BeginInfer() string {
	id := uuid.NewString()
	s.mu.Lock()
	s.last = id
	s.mu.Unlock()
	return id
}

func (s *Surface) correlationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// QueryState returns the union of every live subrequest's state
// handles, tagged with the owning submodel and the current correlation
// id (§4.7).
func (s *Surface) QueryState() []StateEntry {
	corr := s.correlationID()
	var out []StateEntry
	seen := map[subrequest.Subrequest]bool{}
	for i := 0; i < s.driver.NumSubmodels(); i++ {
		req, ok := s.driver.SubrequestFor(i)
		if !ok || seen[req] {
			continue
		}
		seen[req] = true
		for _, h := range req.QueryState() {
			out = append(out, StateEntry{SubmodelIdx: i, CorrelationID: corr, Handle: h})
		}
	}
	return out
}

// ProfilingInfo concatenates every live subrequest's profiling records,
// each renamed "subgraph<i>: <original>" (§4.7).
func (s *Surface) ProfilingInfo() []ProfilingEntry {
	corr := s.correlationID()
	var out []ProfilingEntry
	seen := map[subrequest.Subrequest]bool{}
	for i := 0; i < s.driver.NumSubmodels(); i++ {
		req, ok := s.driver.SubrequestFor(i)
		if !ok || seen[req] {
			continue
		}
		seen[req] = true
		for _, rec := range req.ProfilingInfo() {
			out = append(out, ProfilingEntry{
				SubmodelIdx:   i,
				CorrelationID: corr,
				Name:          fmt.Sprintf("subgraph%d: %s", i, rec.Name),
				DurationNS:    rec.DurationNS,
			})
		}
	}
	return out
}

// Cancel forwards to submodel i's real subrequest, with no retry (§4.7).
func (s *Surface) Cancel(i int) error {
	req, ok := s.driver.SubrequestFor(i)
	if !ok {
		return fmt.Errorf("iosurface: submodel %d has no live subrequest", i)
	}
	return req.Cancel()
}

// Subscribe attaches cb as submodel i's real subrequest's completion
// callback (§4.7).
func (s *Surface) Subscribe(i int, cb func(error)) error {
	req, ok := s.driver.SubrequestFor(i)
	if !ok {
		return fmt.Errorf("iosurface: submodel %d has no live subrequest", i)
	}
	req.SetCallback(cb)
	return nil
}

// SupportsAsyncPipeline always reports false: the orchestrator runs the
// pipeline on the calling thread (§4.7).
func (s *Surface) SupportsAsyncPipeline() bool { return false }
