package interrupt

import (
	"sync"

	"github.com/ulag-bulag-village/ipwis/errs"
	"github.com/ulag-bulag-village/ipwis/log"
)

// SharedHandler wraps one Handler behind a mutex so it can be addressed
// concurrently by multiple in-task syscalls, should the guest ever become
// re-entrant across suspension points (today's guest model is
// single-threaded but still re-entrant across await-equivalent points).
type SharedHandler struct {
	mu      sync.Mutex
	handler Handler
}

// HandleRaw serialises access to the underlying handler.
func (h *SharedHandler) HandleRaw(mem Memory, input []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handler.HandleRaw(mem, input)
}

// Underlying returns the wrapped Handler. Call sites that need a concrete
// module's extra methods (e.g. the nested-client module reaching into the
// stream handler) type-assert against their own narrow local interface,
// never against Handler itself.
func (h *SharedHandler) Underlying() Handler {
	return h.handler
}

// Release satisfies Handler so *SharedHandler can stand in for it wherever
// a generic Handler is expected (e.g. Memory.GetInterruptHandler's return
// value). HandlerState.Release calls Underlying().Release() directly
// instead, since by the time it runs no syscall can still be in flight and
// the lock is pointless.
func (h *SharedHandler) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handler.Release()
}

var _ Handler = (*SharedHandler)(nil)

// HandlerState is the per-task cache of active handlers: one SharedHandler
// per module, spawned lazily on first syscall targeting that module.
type HandlerState struct {
	logger  log.Logger
	manager *Manager

	mu       sync.Mutex
	handlers map[ID]*SharedHandler
}

// NewHandlerState binds a fresh, empty HandlerState to manager.
func NewHandlerState(manager *Manager, logger log.Logger) *HandlerState {
	return &HandlerState{
		logger:   log.OrNop(logger),
		manager:  manager,
		handlers: make(map[ID]*SharedHandler),
	}
}

// Get returns the handler for id, spawning one from the registered module
// on first use. Fails with errs.NotFound if no module is registered for id.
func (s *HandlerState) Get(id ID) (*SharedHandler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.handlers[id]; ok {
		return h, nil
	}

	mod, err := s.manager.Get(id)
	if err != nil {
		return nil, err
	}

	h := &SharedHandler{handler: mod.SpawnHandler()}
	s.handlers[id] = h
	return h, nil
}

// SyscallRaw fetches or spawns the handler for id and dispatches input to
// it. This is the entry point the sandbox's __ipwis_syscall trampoline
// calls for every guest syscall.
func (s *HandlerState) SyscallRaw(id ID, mem Memory, input []byte) ([]byte, error) {
	h, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return h.HandleRaw(mem, input)
}

// Release drains every cached handler, running its release hook. Hook
// errors are logged, never propagated — the owning task has already ended
// by the time this runs.
func (s *HandlerState) Release() {
	s.mu.Lock()
	handlers := s.handlers
	s.handlers = make(map[ID]*SharedHandler)
	s.mu.Unlock()

	for id, h := range handlers {
		if err := h.Underlying().Release(); err != nil {
			s.logger.Warnf("interrupt handler %q release: %v", id, errs.Wrap(errs.IO, "handler release", err))
		}
	}
}
