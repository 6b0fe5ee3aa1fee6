package devicesim

import (
	"sync"

	"github.com/npuw-go/npuw/internal/subrequest"
)

// Compiler is the reference subrequest.Compiler double. It holds one
// registered Model per (submodel index, device) pair; CompileForSuccess
// looks the pair up rather than compiling anything, which is all the
// failover controller's contract (§4.6) requires of it.
type Compiler struct {
	mu    sync.Mutex
	byKey map[compilerKey]*Model
}

type compilerKey struct {
	subIdx int
	device string
}

// NewCompiler builds an empty registry.
func NewCompiler() *Compiler {
	return &Compiler{byKey: make(map[compilerKey]*Model)}
}

// Register binds a Model to (subIdx, device) so a later CompileForSuccess
// call for that pair returns it.
func (c *Compiler) Register(subIdx int, device string, m *Model) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey[compilerKey{subIdx, device}] = m
}

// Unregister removes a (subIdx, device) binding, simulating a device that
// has become permanently unavailable for that submodel.
func (c *Compiler) Unregister(subIdx int, device string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byKey, compilerKey{subIdx, device})
}

func (c *Compiler) CompileForSuccess(subIdx int, device string) (subrequest.CompiledModel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.byKey[compilerKey{subIdx, device}]
	if !ok {
		return nil, false
	}
	return m, true
}
