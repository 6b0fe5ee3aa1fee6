// Package devicesim is a pure-Go reference double for the device driver
// and partitioning compiler the orchestration core otherwise depends on
// only through interfaces (spec §6, §6a). It exists so cmd/npuwrun and
// the test suite can exercise Infer, spatial execution, pipelining and
// failover end to end without a real NPU. It is not a device driver: the
// "device" is a Go function, and a "fault" is whatever the caller wants
// it to be.
package devicesim

import (
	"fmt"
	"sync"

	"github.com/npuw-go/npuw/internal/subrequest"
	"github.com/npuw-go/npuw/internal/tensor"
)

// Transfer computes a submodel's outputs from its inputs. Implementations
// must treat ins as read-only and must not retain it past the call.
type Transfer func(ins []tensor.Tensor) ([]tensor.Tensor, error)

// Model is an in-process compiled submodel. It is safe for concurrent use
// by multiple Subrequests, matching the contract §6 imposes on a real
// compiled model.
type Model struct {
	mu sync.Mutex

	device     string
	numInputs  int
	numOutputs int
	transfer   Transfer
	faults     *faultList
}

// New builds a Model bound to device with the given transfer function and
// port counts. faults, if non-nil, is consulted by every Subrequest's
// Infer/StartAsync call before the transfer runs.
func New(device string, numInputs, numOutputs int, transfer Transfer, faults *faultList) *Model {
	return &Model{device: device, numInputs: numInputs, numOutputs: numOutputs, transfer: transfer, faults: faults}
}

// Device reports the device name this model was compiled for.
func (m *Model) Device() string { return m.device }

func (m *Model) NewSubrequest() (subrequest.Subrequest, error) {
	inPorts := make([]string, m.numInputs)
	for i := range inPorts {
		inPorts[i] = fmt.Sprintf("in%d", i)
	}
	outPorts := make([]string, m.numOutputs)
	for i := range outPorts {
		outPorts[i] = fmt.Sprintf("out%d", i)
	}
	return &Request{
		model:    m,
		inPorts:  inPorts,
		outPorts: outPorts,
		inputs:   make(map[string]tensor.Tensor, m.numInputs),
		outputs:  make(map[string]tensor.Tensor, m.numOutputs),
	}, nil
}

func (m *Model) InputCount() int  { return m.numInputs }
func (m *Model) OutputCount() int { return m.numOutputs }
