// Package abi implements the reserved "ipwis_core_abi" interrupt module
// (spec §6, supplemented per SPEC_FULL.md §12.2): a guest can probe host
// ABI compatibility through an ordinary syscall before issuing any real
// one, the same way the teacher's WASM adapter exposes get_abi_version as
// the first host function a guest calls.
package abi

import (
	"github.com/ulag-bulag-village/ipwis/errs"
	"github.com/ulag-bulag-village/ipwis/interrupt"
	"github.com/ulag-bulag-village/ipwis/wire"
)

// ModuleID is this module's InterruptId. Unlike stream/nestedclient it
// carries no per-task state, but it is still dispatched through the normal
// __ipwis_syscall path rather than special-cased in the trampoline, so a
// guest never needs to know it's "special" beyond the id it targets.
const ModuleID interrupt.ID = "ipwis_core_abi"

const (
	// Major/Minor/Patch follow the teacher's packed-u32 encoding:
	// (major<<16)|(minor<<8)|patch.
	Major = 1
	Minor = 0
	Patch = 0
)

// Version packs Major/Minor/Patch into the single u32 the wire response
// carries, matching the teacher's get_abi_version encoding bit for bit.
func Version() uint32 {
	return uint32(Major<<16 | Minor<<8 | Patch)
}

type opcode string

const opGetVersion opcode = "get_version"

type request struct {
	Op opcode `json:"op"`
}

type response struct {
	Version uint32 `json:"version"`
}

// Module is the stateless factory the interrupt manager registers.
type Module struct{}

// NewModule returns the abi Module.
func NewModule() *Module { return &Module{} }

func (m *Module) ID() interrupt.ID { return ModuleID }

func (m *Module) SpawnHandler() interrupt.Handler { return &Handler{} }

// Handler answers get_version without touching guest memory beyond the
// request/response frames themselves; it carries no state of its own, so
// one instance would do for every task, but it is still spawned per-task
// like any other module to keep the handler contract uniform.
type Handler struct{}

func (h *Handler) HandleRaw(mem interrupt.Memory, input []byte) ([]byte, error) {
	var req request
	if err := wire.Decode(input, &req); err != nil {
		return nil, err
	}

	switch req.Op {
	case opGetVersion:
		return wire.Encode(response{Version: Version()})
	default:
		return nil, errs.Newf(errs.Unsupported, "abi: unknown opcode %q", req.Op)
	}
}

func (h *Handler) Release() error { return nil }

var (
	_ interrupt.Module  = (*Module)(nil)
	_ interrupt.Handler = (*Handler)(nil)
)
