package sandbox

import (
	"context"
	"encoding/binary"

	"github.com/tetratelabs/wazero/api"

	"github.com/ulag-bulag-village/ipwis/errs"
	"github.com/ulag-bulag-village/ipwis/interrupt"
)

// Memory adapts one guest instance's linear memory to interrupt.Memory.
// Load/LoadMut share an implementation because api.Memory.Read already
// returns a slice aliasing the real wasm linear memory — wazero never
// copies on read.
type Memory struct {
	ctx   context.Context
	mod   api.Module
	state *interrupt.HandlerState

	// limitBytes/guardZoneBytes mirror the owning Runtime's configured
	// ceiling and headroom; limitBytes of 0 means no cap is enforced.
	limitBytes     uint64
	guardZoneBytes uint32
}

// NewMemory builds the Memory adapter one guest call sees. The returned
// value is only valid for the duration of that one syscall — a later
// memory.Grow on the same instance can relocate the backing array.
func NewMemory(ctx context.Context, mod api.Module, state *interrupt.HandlerState, limitBytes uint64, guardZoneBytes uint32) *Memory {
	return &Memory{ctx: ctx, mod: mod, state: state, limitBytes: limitBytes, guardZoneBytes: guardZoneBytes}
}

func (m *Memory) view(d interrupt.ExternData) (api.Memory, uint32, uint32, error) {
	mem := m.mod.Memory()
	if d.Ptr > 0xffffffff || d.Len > 0xffffffff {
		return nil, 0, 0, errs.Newf(errs.InvalidAddress, "sandbox: region %s exceeds 32-bit address space", d)
	}
	ptr, n := uint32(d.Ptr), uint32(d.Len)
	if _, ok := mem.Read(ptr, n); !ok {
		return nil, 0, 0, errs.Newf(errs.InvalidAddress, "sandbox: region %s out of bounds (memory size %d)", d, mem.Size())
	}
	return mem, ptr, n, nil
}

func (m *Memory) Load(d interrupt.ExternData) ([]byte, error) {
	mem, ptr, n, err := m.view(d)
	if err != nil {
		return nil, err
	}
	b, _ := mem.Read(ptr, n)
	return b, nil
}

func (m *Memory) LoadMut(d interrupt.ExternData) ([]byte, error) {
	return m.Load(d)
}

// Write copies data into the guest region described by d.
func (m *Memory) Write(d interrupt.ExternData, data []byte) error {
	mem, ptr, n, err := m.view(d)
	if err != nil {
		return err
	}
	if uint64(len(data)) > uint64(n) {
		return errs.Newf(errs.InvalidAddress, "sandbox: write of %d bytes exceeds region %s", len(data), d)
	}
	if !mem.Write(ptr, data) {
		return errs.Newf(errs.InvalidAddress, "sandbox: write to region %s out of bounds", d)
	}
	return nil
}

// AllocInGuest asks the guest's own exported allocator for n bytes, per
// the guest ABI (spec §6): the host never bump-allocates guest memory
// itself, since only the guest's allocator knows how to free it again.
func (m *Memory) AllocInGuest(n uint32) (interrupt.ExternData, error) {
	if m.limitBytes > 0 {
		current := uint64(m.mod.Memory().Size())
		if current+uint64(n)+uint64(m.guardZoneBytes) > m.limitBytes {
			return interrupt.ExternData{}, errs.Newf(errs.SandboxFault,
				"sandbox: guest allocation of %d bytes would leave less than the %d-byte guard zone before the %d-byte memory limit", n, m.guardZoneBytes, m.limitBytes)
		}
	}

	fn := m.mod.ExportedFunction("__ipwis_alloc")
	if fn == nil {
		return interrupt.ExternData{}, errs.New(errs.SandboxFault, "sandbox: guest does not export __ipwis_alloc")
	}

	const defaultAlign = uint64(8)
	results, err := fn.Call(m.ctx, uint64(n), defaultAlign)
	if err != nil {
		return interrupt.ExternData{}, errs.Wrap(errs.SandboxFault, "sandbox: __ipwis_alloc trapped", err)
	}
	if len(results) != 1 {
		return interrupt.ExternData{}, errs.Newf(errs.SandboxFault, "sandbox: __ipwis_alloc returned %d results, want 1", len(results))
	}

	return interrupt.ExternData{Ptr: results[0], Len: uint64(n)}, nil
}

func (m *Memory) GetInterruptHandler(id interrupt.ID) (interrupt.Handler, error) {
	return m.state.Get(id)
}

// readExternDataRef reads a 16-byte ExternData{ptr u64, len u64} struct
// (little-endian, matching wasm32's native byte order) out of guest memory
// at ptr. Every *_ref parameter the guest passes to __ipwis_syscall —
// including handler_id, whose InterruptId label bytes rarely fit in a bare
// u64 — points at one of these structs rather than encoding a value
// inline.
func readExternDataRef(mem api.Memory, ptr uint32) (interrupt.ExternData, error) {
	raw, ok := mem.Read(ptr, 16)
	if !ok {
		return interrupt.ExternData{}, errs.Newf(errs.InvalidAddress, "sandbox: extern data ref at %#x out of bounds", ptr)
	}
	return interrupt.ExternData{
		Ptr: binary.LittleEndian.Uint64(raw[0:8]),
		Len: binary.LittleEndian.Uint64(raw[8:16]),
	}, nil
}

// writeExternDataRef writes d back into the 16-byte struct at ptr, used to
// report an output or error region's final (ptr, len) back to the guest
// after the host has allocated and filled it.
func writeExternDataRef(mem api.Memory, ptr uint32, d interrupt.ExternData) error {
	var raw [16]byte
	binary.LittleEndian.PutUint64(raw[0:8], d.Ptr)
	binary.LittleEndian.PutUint64(raw[8:16], d.Len)
	if !mem.Write(ptr, raw[:]) {
		return errs.Newf(errs.InvalidAddress, "sandbox: extern data ref at %#x out of bounds", ptr)
	}
	return nil
}
