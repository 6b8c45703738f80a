package task

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ulag-bulag-village/ipwis/envelope"
	"github.com/ulag-bulag-village/ipwis/errs"
	"github.com/ulag-bulag-village/ipwis/interrupt"
	"github.com/ulag-bulag-village/ipwis/log"
	"github.com/ulag-bulag-village/ipwis/objectstore"
	"github.com/ulag-bulag-village/ipwis/task/sandbox"
)

// entrypointName is the guest export the manager calls once instantiation
// completes (spec §6: "one guest entrypoint discoverable by export name").
// It is called as entrypoint(input_ptr, input_len u64) -> (output_ptr,
// output_len u64); this convention is local to ipwis's bundled example
// guests, since the spec only fixes the __ipwis_syscall import, not the
// entrypoint's own signature.
const entrypointName = "__ipwis_main"

// Manager is shared across every task on one node (spec §4.7): it owns the
// sandbox runtime and the interrupt module registry, but never a task's
// own per-task handler state, which belongs solely to that task's
// TaskInstance.
type Manager struct {
	logger  log.Logger
	rt      *sandbox.Runtime
	modules *interrupt.Manager
	objects objectstore.Store

	// sem bounds how many guest entrypoints may run at once; spec §5
	// calls for "a parallel worker pool for guest execution" without
	// mandating a particular size.
	sem chan struct{}
}

// NewManager builds a Manager. modules should already carry the kernel's
// built-in module registrations (spec §4.9 invariant c) by the time any
// task is spawned through it.
func NewManager(rt *sandbox.Runtime, modules *interrupt.Manager, objects objectstore.Store, maxConcurrent int, logger log.Logger) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = 32
	}
	return &Manager{
		logger:  log.OrNop(logger),
		rt:      rt,
		modules: modules,
		objects: objects,
		sem:     make(chan struct{}, maxConcurrent),
	}
}

// SpawnRaw implements spec §4.7's spawn_raw: it resolves the program bytes
// (fetching from objectstore when the task carries a content address
// rather than inline bytes), compiles and instantiates the sandbox,
// constructs fresh per-task state, and enqueues the guest entrypoint onto
// the shared worker pool.
func (m *Manager) SpawnRaw(ctx context.Context, signedTask envelope.Data[envelope.GuarantorSigned, Task], programBytes []byte) (*TaskInstance, error) {
	t := signedTask.Payload

	if programBytes == nil {
		if t.ProgramAddress == "" {
			return nil, errs.New(errs.ProgramMissing, "task: spawn: task carries no program reference")
		}
		addr, err := decodeAddress(t.ProgramAddress)
		if err != nil {
			return nil, err
		}
		programBytes, err = m.objects.Get(ctx, addr)
		if err != nil {
			if errs.Is(err, errs.NotFound) {
				return nil, errs.Wrap(errs.ProgramFetchFailed, "task: spawn: fetch program", err)
			}
			return nil, err
		}
	}

	compiled, err := m.rt.Compile(ctx, programBytes)
	if err != nil {
		return nil, err
	}

	state := &TaskState{task: signedTask, createdAt: time.Now()}

	runCtx, cancel := context.WithCancel(context.Background())

	// wazero rejects a second live module with the same name; state's
	// address is unique among live tasks, so concurrent guests never clash.
	guestInstance, err := m.rt.NewInstance(runCtx, compiled, m.modules, fmt.Sprintf("task-%p", state))
	if err != nil {
		cancel()
		return nil, err
	}

	inst := &TaskInstance{
		logger: m.logger,
		state:  state,
		done:   make(chan struct{}),
		cancel: cancel,
		rt:     m.rt,
		inst:   guestInstance,
	}

	select {
	case m.sem <- struct{}{}:
	case <-runCtx.Done():
		cancel()
		return nil, errs.Wrap(errs.SandboxFault, "task: spawn: cancelled before a worker slot was free", runCtx.Err())
	}

	go func() {
		defer func() { <-m.sem }()

		state.markWorking()

		output, runErr := m.runEntrypoint(runCtx, guestInstance, t.Input)
		if runErr != nil {
			m.logger.Debugf("task: guest entrypoint failed: %v", runErr)
			inst.finish(context.Background(), nil, runErr)
			return
		}
		inst.finish(context.Background(), output, nil)
	}()

	return inst, nil
}

// runEntrypoint writes input into a guest-allocated region via the
// instance's Memory adapter, calls the guest's exported entrypoint with
// that region's (ptr, len), and copies out the (ptr, len) result it
// returns before the guest's own memory can be reclaimed or relocated.
func (m *Manager) runEntrypoint(ctx context.Context, inst *sandbox.Instance, input []byte) ([]byte, error) {
	mem := m.rt.Memory(ctx, inst)

	inRegion, err := mem.AllocInGuest(uint32(len(input)))
	if err != nil {
		return nil, err
	}
	if len(input) > 0 {
		if err := mem.Write(inRegion, input); err != nil {
			return nil, err
		}
	}

	results, err := m.rt.Execute(ctx, inst, entrypointName, inRegion.Ptr, inRegion.Len)
	if err != nil {
		return nil, err
	}
	if len(results) != 2 {
		return nil, errs.Newf(errs.SandboxFault, "task: %s returned %d results, want 2", entrypointName, len(results))
	}

	outRegion := interrupt.ExternData{Ptr: results[0], Len: results[1]}
	out, err := mem.Load(outRegion)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), out...), nil
}

func decodeAddress(s string) (objectstore.Address, error) {
	var addr objectstore.Address
	b, err := hex.DecodeString(s)
	if err != nil {
		return addr, errs.Wrap(errs.ProgramMissing, "task: decode program address", err)
	}
	if len(b) != len(addr) {
		return addr, errs.Newf(errs.ProgramMissing, "task: program address has %d bytes, want %d", len(b), len(addr))
	}
	copy(addr[:], b)
	return addr, nil
}
