package sandbox

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	"github.com/ulag-bulag-village/ipwis/errs"
	"github.com/ulag-bulag-village/ipwis/interrupt"
)

type handlerStateKey struct{}

// withHandlerState attaches state to ctx so the shared __ipwis_syscall host
// import can recover which task it is serving. The "env" host module is
// instantiated exactly once per Runtime — wazero rejects a second
// instantiation of the same module name — so per-task state can never be
// captured by the registration closure and must instead ride along on the
// context.Context passed to each guest call.
func withHandlerState(ctx context.Context, state *interrupt.HandlerState) context.Context {
	return context.WithValue(ctx, handlerStateKey{}, state)
}

func handlerStateFromContext(ctx context.Context) *interrupt.HandlerState {
	state, _ := ctx.Value(handlerStateKey{}).(*interrupt.HandlerState)
	return state
}

// syscallResult mirrors the guest ABI's status codes (spec §6): 0 ok, 1
// normal (catchable) error, 2 host fault. The guest reads outputs_ref or
// errors_ref depending on which of these is returned.
const (
	syscallOK uint32 = 0
	syscallErr uint32 = 1
	syscallFault uint32 = 2
)

// registerSyscall installs the single __ipwis_syscall host import every
// guest entrypoint links against. wazero's reflection-based WithFunc
// recognises the func(ctx, api.Module, ...) signature and auto-injects the
// calling module, matching the binding style the teacher's host functions
// already use.
func registerSyscall(logger interface {
	Debugf(string, ...interface{})
	Warnf(string, ...interface{})
}, onSyscall func(id string, status uint32), limitBytes uint64, guardZoneBytes uint32) func(ctx context.Context, mod api.Module, handlerRef, inputsRef, outputsRef, errorsRef uint64) uint32 {
	// The four *_ref parameters are u64 at the wasm ABI boundary (spec
	// §6), even though today's guest is wasm32 and every pointer therefore
	// fits in 32 bits — the wider parameter type is what lets a future
	// wasm64 guest link against the same import unchanged. Each one points
	// at a 16-byte ExternData{ptr, len} struct in guest memory, handler_id
	// included: an InterruptId label like "ipwis_modules_stream" cannot be
	// packed into a bare 64-bit value, so it is carried as a byte region
	// like inputs/outputs/errors rather than as an inline id.
	observe := onSyscall
	if observe == nil {
		observe = func(string, uint32) {}
	}

	return func(ctx context.Context, mod api.Module, handlerRef, inputsRef, outputsRef, errorsRef uint64) (status uint32) {
		var id interrupt.ID
		defer func() { observe(id.String(), status) }()

		state := handlerStateFromContext(ctx)
		if state == nil {
			logger.Warnf("sandbox: __ipwis_syscall invoked with no HandlerState bound to context")
			return syscallFault
		}

		mem := mod.Memory()
		memAdapter := NewMemory(ctx, mod, state, limitBytes, guardZoneBytes)

		// outputsRef/errorsRef themselves are where a catchable failure
		// would be reported — if either is out of the 32-bit address space
		// there is nowhere to write a message, so this (unlike every other
		// validation failure below) remains a host fault.
		if outputsRef > 0xffffffff || errorsRef > 0xffffffff {
			logger.Warnf("sandbox: outputs_ref/errors_ref exceeds 32-bit address space on a wasm32 guest")
			return syscallFault
		}

		// Every other pre-dispatch validation failure is the guest's own
		// mistake (spec.md §8 testable property 8: an out-of-bounds
		// inputs_ref is a catchable InvalidAddress error, not a host fault),
		// so it is reported through errors_ref like any ordinary syscall
		// failure rather than surfaced as syscallFault.
		if handlerRef > 0xffffffff || inputsRef > 0xffffffff {
			err := errs.New(errs.InvalidAddress, "sandbox: handler_id_ref/inputs_ref exceeds 32-bit address space on a wasm32 guest")
			logger.Warnf("sandbox: %v", err)
			return writeResult(memAdapter, mem, uint32(errorsRef), []byte(err.Error()), syscallErr, logger)
		}

		handlerData, err := readExternDataRef(mem, uint32(handlerRef))
		if err != nil {
			logger.Warnf("sandbox: %v", err)
			return writeResult(memAdapter, mem, uint32(errorsRef), []byte(err.Error()), syscallErr, logger)
		}
		idBytes, ok := mem.Read(uint32(handlerData.Ptr), uint32(handlerData.Len))
		if !ok {
			err := errs.Newf(errs.InvalidAddress, "sandbox: handler id region %s out of bounds", handlerData)
			logger.Warnf("sandbox: %v", err)
			return writeResult(memAdapter, mem, uint32(errorsRef), []byte(err.Error()), syscallErr, logger)
		}
		id = interrupt.ID(string(idBytes))

		inputsData, err := readExternDataRef(mem, uint32(inputsRef))
		if err != nil {
			logger.Warnf("sandbox: %v", err)
			return writeResult(memAdapter, mem, uint32(errorsRef), []byte(err.Error()), syscallErr, logger)
		}
		input, ok := mem.Read(uint32(inputsData.Ptr), uint32(inputsData.Len))
		if !ok {
			err := errs.Newf(errs.InvalidAddress, "sandbox: inputs region %s out of bounds", inputsData)
			logger.Warnf("sandbox: %v", err)
			return writeResult(memAdapter, mem, uint32(errorsRef), []byte(err.Error()), syscallErr, logger)
		}

		output, callErr := state.SyscallRaw(id, memAdapter, input)
		if callErr != nil {
			logger.Debugf("sandbox: syscall %q failed: %v", id, callErr)
			return writeResult(memAdapter, mem, uint32(errorsRef), []byte(callErr.Error()), syscallErr, logger)
		}

		return writeResult(memAdapter, mem, uint32(outputsRef), output, syscallOK, logger)
	}
}

// writeResult allocates guest memory for payload via the guest's own
// allocator, writes the bytes, and records the resulting region at ref,
// returning status on success or syscallFault if any step fails.
func writeResult(memAdapter *Memory, mem api.Memory, ref uint32, payload []byte, status uint32, logger interface {
	Warnf(string, ...interface{})
}) uint32 {
	region, err := memAdapter.AllocInGuest(uint32(len(payload)))
	if err != nil {
		logger.Warnf("sandbox: allocate result region: %v", err)
		return syscallFault
	}
	if len(payload) > 0 && !mem.Write(uint32(region.Ptr), payload) {
		logger.Warnf("sandbox: write result payload out of bounds")
		return syscallFault
	}
	if err := writeExternDataRef(mem, ref, region); err != nil {
		logger.Warnf("sandbox: %v", err)
		return syscallFault
	}
	return status
}
