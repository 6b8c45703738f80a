package interrupt_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ulag-bulag-village/ipwis/errs"
	"github.com/ulag-bulag-village/ipwis/interrupt"
)

type countingHandler struct {
	calls    int
	released bool
}

func (h *countingHandler) HandleRaw(mem interrupt.Memory, input []byte) ([]byte, error) {
	h.calls++
	return append([]byte("echo:"), input...), nil
}

func (h *countingHandler) Release() error {
	h.released = true
	return nil
}

type countingModule struct {
	id      interrupt.ID
	spawned []*countingHandler
}

func (m *countingModule) ID() interrupt.ID { return m.id }

func (m *countingModule) SpawnHandler() interrupt.Handler {
	h := &countingHandler{}
	m.spawned = append(m.spawned, h)
	return h
}

func TestManagerPutDuplicateFails(t *testing.T) {
	mgr := interrupt.NewManager(nil)
	mod := &countingModule{id: "test_mod"}

	require.NoError(t, mgr.Put(mod))
	err := mgr.Put(mod)
	assert.True(t, errs.Is(err, errs.Duplicate))
}

func TestManagerGetUnregisteredFails(t *testing.T) {
	mgr := interrupt.NewManager(nil)
	_, err := mgr.Get("missing")
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestHandlerStateSpawnsOncePerModule(t *testing.T) {
	mgr := interrupt.NewManager(nil)
	mod := &countingModule{id: "test_mod"}
	require.NoError(t, mgr.Put(mod))

	state := interrupt.NewHandlerState(mgr, nil)

	h1, err := state.Get("test_mod")
	require.NoError(t, err)
	h2, err := state.Get("test_mod")
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	assert.Len(t, mod.spawned, 1)
}

func TestHandlerStateSyscallRawDispatches(t *testing.T) {
	mgr := interrupt.NewManager(nil)
	mod := &countingModule{id: "test_mod"}
	require.NoError(t, mgr.Put(mod))

	state := interrupt.NewHandlerState(mgr, nil)

	out, err := state.SyscallRaw("test_mod", nil, []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(out))
}

func TestHandlerStateSyscallRawUnknownModule(t *testing.T) {
	mgr := interrupt.NewManager(nil)
	state := interrupt.NewHandlerState(mgr, nil)

	_, err := state.SyscallRaw("missing", nil, nil)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestHandlerStateReleaseDrainsAndReleasesUnderlying(t *testing.T) {
	mgr := interrupt.NewManager(nil)
	mod := &countingModule{id: "test_mod"}
	require.NoError(t, mgr.Put(mod))

	state := interrupt.NewHandlerState(mgr, nil)
	_, err := state.Get("test_mod")
	require.NoError(t, err)

	state.Release()

	require.Len(t, mod.spawned, 1)
	assert.True(t, mod.spawned[0].released)

	// A second Release must be a harmless no-op: the cache was drained.
	state.Release()
	assert.Len(t, mod.spawned, 1)
}

func TestSharedHandlerSerialisesConcurrentCalls(t *testing.T) {
	mgr := interrupt.NewManager(nil)
	mod := &countingModule{id: "test_mod"}
	require.NoError(t, mgr.Put(mod))

	state := interrupt.NewHandlerState(mgr, nil)
	h, err := state.Get("test_mod")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.HandleRaw(nil, []byte("x"))
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, mod.spawned[0].calls)
}
