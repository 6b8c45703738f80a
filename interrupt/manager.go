package interrupt

import (
	"sync"

	"github.com/ulag-bulag-village/ipwis/errs"
	"github.com/ulag-bulag-village/ipwis/log"
)

// Manager is the node-wide module registry: ID -> Module. It is written to
// only at startup under normal operation and is safe for concurrent lookup
// thereafter.
type Manager struct {
	logger log.Logger

	mu      sync.Mutex
	modules map[ID]Module
}

// NewManager returns an empty Manager.
func NewManager(logger log.Logger) *Manager {
	return &Manager{
		logger:  log.OrNop(logger),
		modules: make(map[ID]Module),
	}
}

// Put registers a module. Fails with errs.Duplicate if the id is already
// taken.
func (m *Manager) Put(mod Module) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := mod.ID()
	if _, exists := m.modules[id]; exists {
		return errs.Newf(errs.Duplicate, "interrupt module %q already registered", id)
	}
	m.modules[id] = mod
	m.logger.Debugf("registered interrupt module %q", id)
	return nil
}

// Get looks up the module registered for id. Fails with errs.NotFound if
// none is registered.
func (m *Manager) Get(id ID) (Module, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mod, ok := m.modules[id]
	if !ok {
		return nil, errs.Newf(errs.NotFound, "interrupt module %q not registered", id)
	}
	return mod, nil
}
