// Package task implements the task manager and task instance (spec §4.7,
// §4.8): it turns a guarantor-signed Task plus a program blob into a
// running sandboxed guest, and hands the caller a future-like TaskInstance
// to observe it by.
package task

import (
	"context"
	"sync"
	"time"

	"github.com/ulag-bulag-village/ipwis/envelope"
	"github.com/ulag-bulag-village/ipwis/errs"
	"github.com/ulag-bulag-village/ipwis/log"
	"github.com/ulag-bulag-village/ipwis/task/sandbox"
)

// Task is the structured spawn request (spec §3): sandbox configuration,
// an optional program content-address reference, environment hints, and
// guest input bytes.
type Task struct {
	// Sandboxed is currently the only supported execution mode; the field
	// exists so the wire shape has somewhere to grow a second mode without
	// an envelope-incompatible change.
	Sandboxed bool `json:"sandboxed"`

	// ProgramAddress, base16, identifies the program blob in objectstore.
	// It is only consulted when the caller passes no program bytes to
	// Manager.SpawnRaw (or Kernel.Spawn) directly.
	ProgramAddress string `json:"program_address,omitempty"`

	Environment map[string]string `json:"environment,omitempty"`
	Input       []byte            `json:"input,omitempty"`
}

// TaskState is the per-spawn bookkeeping record (spec §3): the signed task
// it was spawned from, when, and whether the guest entrypoint has begun
// running. It holds no reference to the Manager that spawned it.
type TaskState struct {
	mu sync.Mutex

	task      envelope.Data[envelope.GuarantorSigned, Task]
	createdAt time.Time
	isWorking bool
}

func (s *TaskState) markWorking() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isWorking = true
}

func (s *TaskState) IsWorking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isWorking
}

func (s *TaskState) CreatedAt() time.Time { return s.createdAt }

// TaskPoll is the tagged union kernel.Poll returns (spec §3).
type TaskPoll struct {
	Pending bool
	Output  []byte
	Trap    string
}

// TaskInstance pairs a TaskState with the join handle of the goroutine
// running the guest entrypoint. It is itself the future: Wait blocks until
// the guest finishes, IsFinished reports completion without consuming it.
type TaskInstance struct {
	logger log.Logger

	state *TaskState

	done   chan struct{}
	once   sync.Once
	output []byte
	trap   string

	cancel context.CancelFunc
	inst   *sandbox.Instance
	rt     *sandbox.Runtime
}

// State returns this instance's TaskState.
func (i *TaskInstance) State() *TaskState { return i.state }

// IsFinished reports whether the guest entrypoint has returned, without
// blocking and without consuming the result.
func (i *TaskInstance) IsFinished() bool {
	select {
	case <-i.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the guest entrypoint finishes, returning its output
// bytes or a trap message. It may be called more than once; later calls
// simply observe the same cached result.
func (i *TaskInstance) Wait(ctx context.Context) (TaskPoll, error) {
	select {
	case <-i.done:
		return i.result(), nil
	case <-ctx.Done():
		return TaskPoll{}, errs.Wrap(errs.SandboxFault, "task: wait cancelled", ctx.Err())
	}
}

// Poll returns the current state without blocking.
func (i *TaskInstance) Poll() TaskPoll {
	if !i.IsFinished() {
		return TaskPoll{Pending: true}
	}
	return i.result()
}

func (i *TaskInstance) result() TaskPoll {
	if i.trap != "" {
		return TaskPoll{Trap: i.trap}
	}
	return TaskPoll{Output: i.output}
}

// Cancel aborts the underlying guest worker by cancelling the context its
// guest call runs under. The worker goroutine then destroys the sandbox
// instance, which runs every per-task handler's release hook (spec §5)
// before the instance is reported finished.
func (i *TaskInstance) Cancel() {
	i.cancel()
}

func (i *TaskInstance) finish(ctx context.Context, output []byte, trapErr error) {
	i.once.Do(func() {
		if trapErr != nil {
			i.trap = trapErr.Error()
		} else {
			i.output = output
		}
		if i.inst != nil {
			if err := i.rt.Destroy(ctx, i.inst); err != nil {
				i.logger.Warnf("task: destroy sandbox instance: %v", err)
			}
		}
		close(i.done)
	})
}
