// Package failover implements the failover controller (C6, spec §4.6):
// when a subrequest's inference faults at runtime, it advances the
// faulting body's device cursor, asks the upstream partitioning compiler
// to recompile the body for the new device, and hands the rebuilt
// compiled model back to the orchestrator to retry the step. Recompile
// attempts are rate-limited per body so a device that faults on every
// call cannot busy-loop the orchestrator.
package failover

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/npuw-go/npuw/internal/descriptor"
	"github.com/npuw-go/npuw/internal/logger"
	"github.com/npuw-go/npuw/internal/subrequest"
)

// Rebuilder is the slice of the pipeline driver the controller needs:
// enough to advance and read a body's device cursor, swap in a freshly
// compiled model, and retry a step. The driver implements this; the
// controller never reaches into driver internals beyond this interface.
type Rebuilder interface {
	// DeviceCursor returns the device preference cursor for the body at
	// bodyIdx.
	DeviceCursor(bodyIdx int) *descriptor.DeviceIterator

	// RebuildBody installs cm as bodyIdx's compiled model and mints a
	// fresh subrequest for it. Every call site sharing the body picks up
	// the rebuilt subrequest, wiring, and closure bindings on its own
	// next step — see §4.6's note that bind-once closures are re-bound
	// implicitly by the next prologue.
	RebuildBody(bodyIdx int, cm subrequest.CompiledModel) error

	// Retry re-runs submodel i's inference step after a successful
	// rebuild.
	Retry(i int) error
}

// Controller recompiles and rebuilds a faulting body, rate-limiting
// recompile attempts per body.
type Controller struct {
	compiler subrequest.Compiler
	log      logger.Logger

	limit rate.Limit
	burst int

	mu            sync.Mutex
	limiters      map[int]*rate.Limiter
	currentDevice map[int]string
}

// New builds a Controller. limit/burst size the per-body
// golang.org/x/time/rate.Limiter that gates recompile attempts; a limit
// of rate.Inf disables throttling. A burst below 1 is raised to 1 so that
// a finite limit delays recompiles rather than refusing them.
func New(compiler subrequest.Compiler, limit rate.Limit, burst int, log logger.Logger) *Controller {
	if log == nil {
		log = logger.Noop()
	}
	if burst < 1 {
		burst = 1
	}
	return &Controller{
		compiler:      compiler,
		log:           log,
		limit:         limit,
		burst:         burst,
		limiters:      make(map[int]*rate.Limiter),
		currentDevice: make(map[int]string),
	}
}

func (c *Controller) limiterFor(bodyIdx int) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[bodyIdx]
	if !ok {
		l = rate.NewLimiter(c.limit, c.burst)
		c.limiters[bodyIdx] = l
	}
	return l
}

// HandleFault runs the §4.6 steps 1-3 for a subrequest fault observed at
// submodel i, whose body is bodyIdx: advance the device cursor, recompile
// for the new device, rebuild, and retry. Returns a fatal error (wrapping
// cause) if the device preference list is exhausted or the recompile
// itself fails; both are fatal per §7.
func (c *Controller) HandleFault(rb Rebuilder, bodyIdx, i int, cause error) error {
	cursor := rb.DeviceCursor(bodyIdx)
	if cursor == nil {
		return fmt.Errorf("failover: submodel %d: no device preference list: %w", bodyIdx, cause)
	}
	if !cursor.Advance() {
		return fmt.Errorf("failover: submodel %d: device preference list exhausted: %w", bodyIdx, cause)
	}

	device := cursor.Current()
	c.log.Warn("subrequest fault, failing over", "submodel", bodyIdx, "device", device, "cause", cause)

	if err := c.limiterFor(bodyIdx).Wait(context.Background()); err != nil {
		return fmt.Errorf("failover: submodel %d: rate limiter: %w", bodyIdx, err)
	}

	cm, ok := c.compiler.CompileForSuccess(bodyIdx, device)
	if !ok {
		return fmt.Errorf("failover: submodel %d: compile_for_success failed for device %q: %w", bodyIdx, device, cause)
	}
	if err := rb.RebuildBody(bodyIdx, cm); err != nil {
		return fmt.Errorf("failover: submodel %d: rebuild: %w", bodyIdx, err)
	}

	c.mu.Lock()
	c.currentDevice[bodyIdx] = device
	c.mu.Unlock()

	return rb.Retry(i)
}

// EnsureCurrent implements §4.6 step 4's re-entrant check: if another
// orchestrator sharing this controller already failed bodyIdx over to a
// device this driver hasn't picked up yet, rebuild before executing
// rather than running against a stale compiled model.
func (c *Controller) EnsureCurrent(rb Rebuilder, bodyIdx int) error {
	cursor := rb.DeviceCursor(bodyIdx)
	if cursor == nil {
		return nil
	}
	want := cursor.Current()

	c.mu.Lock()
	have, tracked := c.currentDevice[bodyIdx]
	c.mu.Unlock()

	if !tracked {
		c.mu.Lock()
		c.currentDevice[bodyIdx] = want
		c.mu.Unlock()
		return nil
	}
	if have == want {
		return nil
	}

	cm, ok := c.compiler.CompileForSuccess(bodyIdx, want)
	if !ok {
		return fmt.Errorf("failover: submodel %d: compile_for_success failed for device %q", bodyIdx, want)
	}
	if err := rb.RebuildBody(bodyIdx, cm); err != nil {
		return fmt.Errorf("failover: submodel %d: rebuild: %w", bodyIdx, err)
	}

	c.mu.Lock()
	c.currentDevice[bodyIdx] = want
	c.mu.Unlock()
	return nil
}
