package devicesim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/npuw-go/npuw/internal/subrequest"
	"github.com/npuw-go/npuw/internal/tensor"
)

// ErrCanceled is returned by Wait when Cancel won the race against the
// transfer function of an async drive. Infer cannot be canceled.
var ErrCanceled = errors.New("devicesim: subrequest canceled")

// Request is the reference Subrequest implementation minted by Model.
// One Request corresponds to one logical inference of one submodel; it
// is reused across calls the way a real compiled model's subrequest
// pool would be (§6 lists infer/start_async/wait/cancel as methods on a
// long-lived handle, not a fresh object per call).
type Request struct {
	model    *Model
	inPorts  []string
	outPorts []string

	mu      sync.Mutex
	inputs  map[string]tensor.Tensor
	outputs map[string]tensor.Tensor

	cancel   context.CancelFunc
	ctx      context.Context
	done     chan struct{}
	err      error
	callback func(error)

	lastDuration time.Duration
}

func (r *Request) InputPorts() []string  { return append([]string(nil), r.inPorts...) }
func (r *Request) OutputPorts() []string { return append([]string(nil), r.outPorts...) }

// SetTensor binds an input or output port. Binding an output port
// pre-allocates the buffer Infer writes into in place — the same
// zero-copy output binding a real device driver offers, and what the
// spatial executor's view-binding steps (§4.3) rely on.
func (r *Request) SetTensor(port string, t tensor.Tensor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case portExists(r.inPorts, port):
		r.inputs[port] = t
	case portExists(r.outPorts, port):
		r.outputs[port] = t
	default:
		return fmt.Errorf("devicesim: unknown port %q", port)
	}
	return nil
}

func (r *Request) GetTensor(port string) (tensor.Tensor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.outputs[port]
	if !ok {
		return tensor.Tensor{}, fmt.Errorf("devicesim: output port %q not yet produced", port)
	}
	return t, nil
}

// Infer runs the transfer function synchronously on the calling
// goroutine.
func (r *Request) Infer() error {
	if err := r.model.faults.next(); err != nil {
		return err
	}
	return r.run(context.Background())
}

// StartAsync launches the transfer function on a background goroutine.
// Wait blocks until it finishes; Cancel requests early termination.
func (r *Request) StartAsync() error {
	r.mu.Lock()
	if r.done != nil {
		r.mu.Unlock()
		return fmt.Errorf("devicesim: subrequest already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.ctx = ctx
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	go func() {
		var err error
		if faultErr := r.model.faults.next(); faultErr != nil {
			err = faultErr
		} else {
			err = r.run(ctx)
		}
		r.mu.Lock()
		r.err = err
		cb := r.callback
		done := r.done
		r.mu.Unlock()
		close(done)
		if cb != nil {
			cb(err)
		}
	}()
	return nil
}

// Wait blocks until the async drive started by StartAsync finishes, then
// resets the handle so a later step can StartAsync it again — the
// reference subrequest is reused across steps and across Infer passes,
// not recreated per call.
func (r *Request) Wait() error {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return fmt.Errorf("devicesim: Wait called before StartAsync")
	}
	<-done
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.err
	r.done = nil
	r.err = nil
	r.ctx = nil
	r.cancel = nil
	return err
}

func (r *Request) Cancel() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	return nil
}

func (r *Request) SetCallback(cb func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callback = cb
}

func (r *Request) QueryState() []subrequest.StateHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := "idle"
	if r.done != nil {
		select {
		case <-r.done:
			state = "done"
		default:
			state = "running"
		}
	}
	return []subrequest.StateHandle{{SubrequestID: r.model.device, State: state}}
}

func (r *Request) ProfilingInfo() []subrequest.ProfilingRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return []subrequest.ProfilingRecord{
		{Name: "infer", DurationNS: r.lastDuration.Nanoseconds()},
	}
}

func (r *Request) run(ctx context.Context) error {
	r.mu.Lock()
	ins := make([]tensor.Tensor, len(r.inPorts))
	for i, p := range r.inPorts {
		ins[i] = r.inputs[p]
	}
	transfer := r.model.transfer
	r.mu.Unlock()

	start := time.Now()

	select {
	case <-ctx.Done():
		return ErrCanceled
	default:
	}

	outs, err := transfer(ins)

	r.mu.Lock()
	r.lastDuration = time.Since(start)
	r.mu.Unlock()

	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ErrCanceled
	default:
	}

	if len(outs) != len(r.outPorts) {
		return fmt.Errorf("devicesim: transfer returned %d outputs, want %d", len(outs), len(r.outPorts))
	}

	r.mu.Lock()
	for i, p := range r.outPorts {
		if bound, ok := r.outputs[p]; ok && bound.Data != nil {
			if err := tensor.CopyStrided(bound, outs[i]); err != nil {
				r.mu.Unlock()
				return fmt.Errorf("devicesim: writing output %q: %w", p, err)
			}
			continue
		}
		// An unbound port keeps a private copy: a transfer may return one of
		// its input tensors, and a later run writes into this buffer in place.
		out := outs[i]
		if out.Data != nil {
			out.Data = append([]byte(nil), out.Data...)
		}
		r.outputs[p] = out
	}
	r.mu.Unlock()
	return nil
}

func portExists(ports []string, name string) bool {
	for _, p := range ports {
		if p == name {
			return true
		}
	}
	return false
}
