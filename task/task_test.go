package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ulag-bulag-village/ipwis/errs"
)

func newBareInstance() *TaskInstance {
	_, cancel := context.WithCancel(context.Background())
	return &TaskInstance{
		state:  &TaskState{},
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

func TestTaskInstancePendingUntilFinished(t *testing.T) {
	inst := newBareInstance()
	assert.False(t, inst.IsFinished())
	assert.True(t, inst.Poll().Pending)
}

func TestTaskInstanceFinishReportsOutput(t *testing.T) {
	inst := newBareInstance()
	inst.finish(context.Background(), []byte("done"), nil)

	assert.True(t, inst.IsFinished())
	poll := inst.Poll()
	assert.False(t, poll.Pending)
	assert.Equal(t, "done", string(poll.Output))
	assert.Empty(t, poll.Trap)
}

func TestTaskInstanceFinishReportsTrap(t *testing.T) {
	inst := newBareInstance()
	inst.finish(context.Background(), nil, errs.New(errs.SandboxFault, "guest panicked"))

	poll := inst.Poll()
	assert.NotEmpty(t, poll.Trap)
	assert.Nil(t, poll.Output)
}

func TestTaskInstanceFinishIsIdempotent(t *testing.T) {
	inst := newBareInstance()
	inst.finish(context.Background(), []byte("first"), nil)
	inst.finish(context.Background(), []byte("second"), nil)

	assert.Equal(t, "first", string(inst.Poll().Output))
}

func TestTaskInstanceWaitBlocksUntilFinished(t *testing.T) {
	inst := newBareInstance()

	go func() {
		time.Sleep(10 * time.Millisecond)
		inst.finish(context.Background(), []byte("later"), nil)
	}()

	poll, err := inst.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "later", string(poll.Output))
}

func TestTaskInstanceWaitRespectsContextCancellation(t *testing.T) {
	inst := newBareInstance()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := inst.Wait(ctx)
	assert.Error(t, err)
}

func TestTaskStateMarksWorking(t *testing.T) {
	s := &TaskState{}
	assert.False(t, s.IsWorking())
	s.markWorking()
	assert.True(t, s.IsWorking())
}

func TestDecodeAddressRejectsWrongLength(t *testing.T) {
	_, err := decodeAddress("abcd")
	assert.True(t, errs.Is(err, errs.ProgramMissing))
}

func TestDecodeAddressRejectsInvalidHex(t *testing.T) {
	_, err := decodeAddress("not-hex!!")
	assert.True(t, errs.Is(err, errs.ProgramMissing))
}
