// Package kernel implements the public façade (spec §4.9): the per-node
// process that owns every running sandboxed task, hands out opaque
// resource handles to clients, and surfaces spawn/poll/wait. It wires the
// task manager, the interrupt module registry (pre-registering abi,
// stream, and nested-client at construction), and the signed-envelope
// discipline (spec §4.10) into one consumable type.
package kernel

import (
	"context"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ulag-bulag-village/ipwis/abi"
	"github.com/ulag-bulag-village/ipwis/config"
	"github.com/ulag-bulag-village/ipwis/envelope"
	"github.com/ulag-bulag-village/ipwis/errs"
	"github.com/ulag-bulag-village/ipwis/interrupt"
	"github.com/ulag-bulag-village/ipwis/log"
	"github.com/ulag-bulag-village/ipwis/nestedclient"
	"github.com/ulag-bulag-village/ipwis/objectstore"
	"github.com/ulag-bulag-village/ipwis/peer"
	"github.com/ulag-bulag-village/ipwis/resource"
	"github.com/ulag-bulag-village/ipwis/stream"
	"github.com/ulag-bulag-village/ipwis/task"
	"github.com/ulag-bulag-village/ipwis/task/sandbox"
)

// instanceEntry adapts a *task.TaskInstance to resource.Releasable:
// dropping an entry the instance store still holds (Cancel's "drop a task
// instance" semantics, spec §4.8) aborts the underlying guest worker.
// Calling Cancel on an already-finished instance is harmless — its worker
// goroutine has already returned and destroyed the sandbox instance.
type instanceEntry struct {
	inst *task.TaskInstance
}

func (e *instanceEntry) Release() error {
	e.inst.Cancel()
	return nil
}

// Options configures New with the wiring concerns config.Config doesn't
// cover (config holds tunables; these are collaborators and hooks). All
// fields are optional; the zero value builds a self-contained,
// single-node kernel suitable for tests and demos.
type Options struct {
	Logger   log.Logger
	Peer     peer.Client
	Registry prometheus.Registerer

	// ExtraModules lets an embedder register additional interrupt modules
	// alongside the built-ins, without the kernel needing to know about
	// them by name.
	ExtraModules []interrupt.Module
}

// Kernel is the spawn/poll/wait façade described above.
type Kernel struct {
	logger log.Logger
	self   envelope.Account

	manager *task.Manager
	modules *interrupt.Manager
	rt      *sandbox.Runtime

	bus     EventBus.Bus
	metrics *metrics

	mu        sync.Mutex
	instances *resource.Store[*instanceEntry]
}

// New builds a Kernel from cfg. cfg.Self both authorises task execution
// (spec invariant 4.10 (c): tasks run only when sealed GuarantorSigned by
// the kernel's own account) and issues the resource ids it hands back
// from Spawn.
func New(ctx context.Context, cfg config.Config, objects objectstore.Store, opts Options) (*Kernel, error) {
	logger := log.OrNop(opts.Logger)
	self := cfg.Self

	rt, err := sandbox.NewRuntime(ctx, logger, cfg.SandboxMemoryPages, cfg.GuardZoneBytes)
	if err != nil {
		return nil, err
	}

	m := newMetrics(opts.Registry)
	rt.SetSyscallObserver(func(id string, status uint32) {
		m.syscalls.WithLabelValues(id, statusLabel(status)).Inc()
	})

	modules := interrupt.NewManager(logger)
	if err := modules.Put(abi.NewModule()); err != nil {
		return nil, err
	}
	streamModule := stream.NewModuleWithCounters(logger, stream.Counters{
		OnRead:  func(n int) { m.streamBytesRead.Add(float64(n)) },
		OnWrite: func(n int) { m.streamBytesWritten.Add(float64(n)) },
	})
	if err := modules.Put(streamModule); err != nil {
		return nil, err
	}

	peerClient := opts.Peer
	if peerClient == nil {
		peerClient = peer.NewLoopback(self)
	}
	if err := modules.Put(nestedclient.NewModule(peerClient, self.AccountRef(), logger)); err != nil {
		return nil, err
	}
	for _, extra := range opts.ExtraModules {
		if err := modules.Put(extra); err != nil {
			return nil, err
		}
	}

	manager := task.NewManager(rt, modules, objects, cfg.MaxConcurrentTasks, logger)

	return &Kernel{
		logger:    logger,
		self:      self,
		manager:   manager,
		modules:   modules,
		rt:        rt,
		bus:       EventBus.New(),
		metrics:   m,
		instances: resource.New[*instanceEntry](),
	}, nil
}

// Bus exposes the kernel's event bus so embedders can subscribe to
// TopicTaskSpawned/TopicTaskFinished/TopicTaskTrapped.
func (k *Kernel) Bus() EventBus.Bus { return k.bus }

// Close releases the sandbox runtime and aborts every task still in the
// instance store.
func (k *Kernel) Close(ctx context.Context) error {
	k.mu.Lock()
	releaseErr := k.instances.Release()
	k.mu.Unlock()

	if err := k.rt.Close(ctx); err != nil {
		return err
	}
	return releaseErr
}

// Spawn implements the client-facing half of spec §4.10: it verifies the
// inbound guarantee targets this kernel's account, counter-signs the task
// as guarantor (sealing it for execution), drives the task manager, and
// returns the freshly allocated resource id sealed back to the caller.
//
// Per design note (spec §9 open question on the double-signed returned
// id): the kernel plays both signer roles on the return trip, signing the
// id as guarantee and then immediately as guarantor over itself. This
// lets Poll's GuarantorSigned<ResourceId> requirement be satisfied simply
// by echoing back exactly what Spawn returned — no separate client
// signing key is needed to poll a task the client never signed itself
// into. Only the guarantor half is load-bearing for Poll; the guarantee
// half is preserved because the source does both.
func (k *Kernel) Spawn(ctx context.Context, signedTask envelope.Data[envelope.GuaranteeSigned, task.Task], programBytes []byte) (envelope.Data[envelope.GuarantorSigned, resource.ID], error) {
	// SignAsGuarantor itself verifies the guarantee signature and rejects a
	// target mismatch with errs.Unauthorized — the kernel never executes an
	// unsealed task (spec §4.10).
	sealed, err := envelope.SignAsGuarantor(k.self, signedTask)
	if err != nil {
		return envelope.Data[envelope.GuarantorSigned, resource.ID]{}, err
	}

	inst, err := k.manager.SpawnRaw(ctx, sealed, programBytes)
	if err != nil {
		return envelope.Data[envelope.GuarantorSigned, resource.ID]{}, err
	}

	k.mu.Lock()
	id := k.instances.Put(&instanceEntry{inst: inst})
	k.mu.Unlock()

	k.metrics.tasksSpawned.Inc()
	k.bus.Publish(TopicTaskSpawned, TaskSpawnedEvent{ID: id})

	idGuarantee, err := envelope.SignAsGuarantee(k.self, k.self.AccountRef(), id)
	if err != nil {
		return envelope.Data[envelope.GuarantorSigned, resource.ID]{}, err
	}
	idSealed, err := envelope.SignAsGuarantor(k.self, idGuarantee)
	if err != nil {
		return envelope.Data[envelope.GuarantorSigned, resource.ID]{}, err
	}
	return idSealed, nil
}

// Poll implements spec §4.9's poll: never blocks on the guest (only on the
// instance-store mutex), and enforces at most one successful terminal
// observation per id — a second Poll/Wait on an id already drained fails
// NotFound, per spec invariant (b).
func (k *Kernel) Poll(ctx context.Context, signedID envelope.Data[envelope.GuarantorSigned, resource.ID]) (envelope.Data[envelope.GuaranteeSigned, task.TaskPoll], error) {
	if err := envelope.VerifyGuarantor(signedID.Metadata, signedID.Payload); err != nil {
		return envelope.Data[envelope.GuaranteeSigned, task.TaskPoll]{}, err
	}
	if signedID.Metadata.Guarantor != k.self.AccountRef() {
		return envelope.Data[envelope.GuaranteeSigned, task.TaskPoll]{}, errs.New(errs.Unauthorized, "kernel: poll: resource id was not sealed by this kernel")
	}

	id := signedID.Payload

	result, err := k.pollOnce(id)
	if err != nil {
		return envelope.Data[envelope.GuaranteeSigned, task.TaskPoll]{}, err
	}

	return envelope.SignAsGuarantee(k.self, signedID.Metadata.Guarantee, result)
}

// pollOnce holds the instance-store mutex across both the finished-check
// and removal (spec §9 open question: serialise poll's check-then-remove
// so concurrent pollers cannot both observe and drain the same terminal
// instance).
func (k *Kernel) pollOnce(id resource.ID) (task.TaskPoll, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry, err := k.instances.Get(id)
	if err != nil {
		return task.TaskPoll{}, err
	}

	if !entry.inst.IsFinished() {
		return task.TaskPoll{Pending: true}, nil
	}

	result := entry.inst.Poll()
	// ReleaseOne's own Release hook calls Cancel, which is harmless on an
	// already-finished instance; it exists so every
	// store entry, terminal or not, drains through the same path.
	if err := k.instances.ReleaseOne(id); err != nil {
		return task.TaskPoll{}, err
	}

	if result.Trap != "" {
		k.metrics.tasksTrapped.Inc()
		k.bus.Publish(TopicTaskTrapped, TaskTrappedEvent{ID: id, Trap: result.Trap})
	} else {
		k.metrics.tasksFinished.Inc()
		k.bus.Publish(TopicTaskFinished, TaskFinishedEvent{ID: id, Output: result.Output})
	}
	return result, nil
}

// Wait implements the composed helper (spec §6): poll with a cooperative
// yield between attempts until a terminal state is returned.
func (k *Kernel) Wait(ctx context.Context, signedID envelope.Data[envelope.GuarantorSigned, resource.ID]) (envelope.Data[envelope.GuaranteeSigned, task.TaskPoll], error) {
	const pollInterval = 5 * time.Millisecond

	for {
		result, err := k.Poll(ctx, signedID)
		if err != nil {
			return envelope.Data[envelope.GuaranteeSigned, task.TaskPoll]{}, err
		}
		if !result.Payload.Pending {
			return result, nil
		}

		select {
		case <-ctx.Done():
			return envelope.Data[envelope.GuaranteeSigned, task.TaskPoll]{}, errs.Wrap(errs.SandboxFault, "kernel: wait cancelled", ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// Protocol returns the kernel's RPC protocol version string (spec §6).
func (k *Kernel) Protocol(ctx context.Context) (string, error) {
	return "ipwis/1", nil
}
