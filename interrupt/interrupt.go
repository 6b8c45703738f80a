// Package interrupt implements the syscall multiplexing layer that stands
// between a running sandboxed task and the host-side modules it is allowed
// to touch: a module registry, per-task handler caching, and the memory
// marshalling contract every module body sees.
package interrupt

import "fmt"

// ID is a short ASCII label naming a module, unique within one kernel (e.g.
// "ipwis_modules_stream", "ipwis_modules_ipiis").
type ID string

func (id ID) String() string { return string(id) }

// ExternData is the host-side view of a guest memory region: an offset and
// length valid within the guest's linear memory for the duration of one
// syscall only. The guest ABI carries these as 64-bit integers (see
// __ipwis_syscall); today's sandbox engine is wasm32, so Ptr/Len always fit
// in 32 bits in practice, but the wider type keeps the host ready for a
// wasm64 guest without an ABI break.
type ExternData struct {
	Ptr uint64
	Len uint64
}

func (e ExternData) String() string {
	return fmt.Sprintf("ExternData{ptr=%#x, len=%d}", e.Ptr, e.Len)
}

// Memory is the host-side adapter a handler body uses to cross the sandbox
// boundary. Every view it returns is only valid for the syscall during
// which it was obtained; modules that need the bytes afterward must copy.
type Memory interface {
	// Load returns a read-only view of the guest region described by d.
	Load(d ExternData) ([]byte, error)

	// LoadMut returns a mutable view of the guest region described by d.
	LoadMut(d ExternData) ([]byte, error)

	// AllocInGuest asks the guest's own exported allocator for n bytes and
	// returns the region it handed back.
	AllocInGuest(n uint32) (ExternData, error)

	// GetInterruptHandler is the escape hatch a module body uses to reach
	// another module's handler within the same syscall (e.g. the
	// nested-client module's CallRaw handing a connection half to the
	// stream module). It returns the generic Handler only — a caller that
	// needs a concrete module's extra methods defines its own narrow local
	// interface and type-asserts against the concrete handler type itself,
	// never against Handler.
	GetInterruptHandler(id ID) (Handler, error)
}

// Handler is per-task state implementing one module's syscalls. Handlers
// are never shared between tasks — each task gets its own instance, spawned
// lazily on first use.
type Handler interface {
	// HandleRaw decodes input, executes, and serialises the result. It may
	// block the calling goroutine (e.g. a blocking read on an underlying
	// stream) — task execution already runs off the calling client's
	// goroutine, so this is a suspension point, not a deadlock risk.
	HandleRaw(mem Memory, input []byte) ([]byte, error)

	// Release is invoked exactly once, when the owning task terminates.
	Release() error
}

// Module is a stateless factory for handlers of one ID.
type Module interface {
	ID() ID
	SpawnHandler() Handler
}
