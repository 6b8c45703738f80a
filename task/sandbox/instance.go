package sandbox

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/ulag-bulag-village/ipwis/errs"
	"github.com/ulag-bulag-village/ipwis/interrupt"
)

// Instance is one running guest: a wazero module instance plus the
// per-task HandlerState that __ipwis_syscall dispatches through.
type Instance struct {
	apiModule api.Module
	state     *interrupt.HandlerState
}

// ensureSyscallRegistered installs the shared "env" host module exactly
// once per Runtime. A second call is a deliberate no-op: wazero refuses to
// instantiate a module name twice, and every call already carries its own
// HandlerState via context, so there is nothing left to rebind.
func (r *Runtime) ensureSyscallRegistered(ctx context.Context) error {
	r.envMu.Lock()
	defer r.envMu.Unlock()

	if r.envRegistered {
		return nil
	}

	builder := r.wz.NewHostModuleBuilder("env")
	builder.NewFunctionBuilder().
		WithFunc(registerSyscall(r.logger, r.onSyscall, r.limitBytes, r.guardZoneBytes)).
		Export("__ipwis_syscall")

	if _, err := builder.Instantiate(ctx); err != nil {
		return errs.Wrap(errs.SandboxFault, "sandbox: instantiate env host module", err)
	}

	r.envRegistered = true
	return nil
}

// NewInstance instantiates compiled, binding it to a fresh HandlerState
// rooted at manager so every syscall this guest issues resolves against
// its own, task-scoped handler cache.
func (r *Runtime) NewInstance(ctx context.Context, compiled wazero.CompiledModule, manager *interrupt.Manager, name string) (*Instance, error) {
	if err := r.ensureSyscallRegistered(ctx); err != nil {
		return nil, err
	}

	state := interrupt.NewHandlerState(manager, r.logger)
	ctx = withHandlerState(ctx, state)

	cfg := wazero.NewModuleConfig().WithName(name).WithStartFunctions()
	apiModule, err := r.wz.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return nil, errs.Wrap(errs.SandboxFault, "sandbox: instantiate guest module", err)
	}

	return &Instance{apiModule: apiModule, state: state}, nil
}

// Memory builds the Memory adapter for inst, valid for the duration of
// whatever single host-side operation ctx scopes (e.g. one runEntrypoint
// call). Callers must not retain it past that operation.
func (r *Runtime) Memory(ctx context.Context, inst *Instance) *Memory {
	return NewMemory(ctx, inst.apiModule, inst.state, r.limitBytes, r.guardZoneBytes)
}

// Execute calls fn on the guest instance with the given (wazero-native,
// already-encoded) arguments, binding the instance's HandlerState to ctx so
// any __ipwis_syscall issued during the call resolves correctly.
func (r *Runtime) Execute(ctx context.Context, inst *Instance, fn string, args ...uint64) ([]uint64, error) {
	exported := inst.apiModule.ExportedFunction(fn)
	if exported == nil {
		return nil, errs.Newf(errs.SandboxFault, "sandbox: guest does not export %q", fn)
	}

	ctx = withHandlerState(ctx, inst.state)
	results, err := exported.Call(ctx, args...)
	if err != nil {
		return nil, errs.Wrap(errs.SandboxFault, fmt.Sprintf("sandbox: guest trapped in %q", fn), err)
	}
	return results, nil
}

// Destroy releases every handler this instance's HandlerState spawned, then
// closes the guest module itself.
func (r *Runtime) Destroy(ctx context.Context, inst *Instance) error {
	inst.state.Release()
	if err := inst.apiModule.Close(ctx); err != nil {
		return errs.Wrap(errs.SandboxFault, "sandbox: close guest instance", err)
	}
	return nil
}
