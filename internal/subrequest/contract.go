// Package subrequest defines the external contracts the orchestration core
// depends on but never implements itself: the per-subgraph inference
// request, the compiled model that produces one, and the upstream
// partitioning compiler that recompiles a body for a new device on
// failover. The device driver, the compiled-model implementation and the
// partitioning compiler are explicitly out of scope (spec §1) — only their
// interfaces live here.
package subrequest

import "github.com/npuw-go/npuw/internal/tensor"

// StateHandle is an opaque per-subrequest execution state handle, returned
// by QueryState and tagged by the caller with the owning subrequest's
// shared-object guard.
type StateHandle struct {
	SubrequestID string
	State        any
}

// ProfilingRecord is one named timing record produced by a subrequest.
type ProfilingRecord struct {
	Name       string
	DurationNS int64
}

// Subrequest is the per-subgraph inference request contract (§6).
type Subrequest interface {
	InputPorts() []string
	OutputPorts() []string

	SetTensor(port string, t tensor.Tensor) error
	GetTensor(port string) (tensor.Tensor, error)

	Infer() error
	StartAsync() error
	Wait() error
	Cancel() error

	SetCallback(cb func(error))

	QueryState() []StateHandle
	ProfilingInfo() []ProfilingRecord
}

// CompiledModel is a handle to a compiled subgraph, able to mint the
// subrequest(s) that execute it.
type CompiledModel interface {
	NewSubrequest() (Subrequest, error)
	InputCount() int
	OutputCount() int
}

// Compiler is the upstream partitioning compiler's recompile contract used
// by the failover controller (§4.6): recompile the body at subIdx for the
// given device, returning the new compiled model on success.
type Compiler interface {
	CompileForSuccess(subIdx int, device string) (CompiledModel, bool)
}
