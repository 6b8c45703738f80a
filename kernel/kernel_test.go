package kernel_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ulag-bulag-village/ipwis/config"
	"github.com/ulag-bulag-village/ipwis/envelope"
	"github.com/ulag-bulag-village/ipwis/errs"
	"github.com/ulag-bulag-village/ipwis/kernel"
	"github.com/ulag-bulag-village/ipwis/objectstore"
	"github.com/ulag-bulag-village/ipwis/resource"
	"github.com/ulag-bulag-village/ipwis/task"
)

// memStore is a minimal in-memory objectstore.Store, standing in for
// BadgerStore so these tests never touch disk.
type memStore struct {
	mu   sync.Mutex
	data map[objectstore.Address][]byte
}

func newMemStore() *memStore { return &memStore{data: map[objectstore.Address][]byte{}} }

func (s *memStore) Put(ctx context.Context, data []byte) (objectstore.Address, error) {
	addr := objectstore.AddressOf(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[addr] = data
	return addr, nil
}

func (s *memStore) Get(ctx context.Context, addr objectstore.Address) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.data[addr]
	if !ok {
		return nil, errs.Newf(errs.NotFound, "memstore: object %s", addr)
	}
	return data, nil
}

func (s *memStore) Close() error { return nil }

var _ objectstore.Store = (*memStore)(nil)

func newTestKernel(t *testing.T) (*kernel.Kernel, envelope.Account) {
	t.Helper()

	self, err := envelope.NewAccount()
	require.NoError(t, err)

	cfg := config.New(config.WithSelf(self))
	k, err := kernel.New(context.Background(), cfg, newMemStore(), kernel.Options{})
	require.NoError(t, err)

	t.Cleanup(func() { _ = k.Close(context.Background()) })
	return k, self
}

func signTask(t *testing.T, requester envelope.Account, guarantor envelope.AccountRef) envelope.Data[envelope.GuaranteeSigned, task.Task] {
	t.Helper()
	signed, err := envelope.SignAsGuarantee(requester, guarantor, task.Task{Sandboxed: true, Input: []byte("hi")})
	require.NoError(t, err)
	return signed
}

func TestSpawnRejectsGuaranteeForWrongKernel(t *testing.T) {
	k, _ := newTestKernel(t)

	requester, err := envelope.NewAccount()
	require.NoError(t, err)
	other, err := envelope.NewAccount()
	require.NoError(t, err)

	signed := signTask(t, requester, other.AccountRef())

	_, err = k.Spawn(context.Background(), signed, []byte("not wasm"))
	assert.True(t, errs.Is(err, errs.Unauthorized))
}

func TestSpawnRejectsTamperedGuarantee(t *testing.T) {
	k, self := newTestKernel(t)

	requester, err := envelope.NewAccount()
	require.NoError(t, err)

	signed := signTask(t, requester, self.AccountRef())
	signed.Payload.Input = []byte("tampered after signing")

	_, err = k.Spawn(context.Background(), signed, []byte("not wasm"))
	assert.True(t, errs.Is(err, errs.InvalidEnvelope))
}

func TestSpawnFailsOnInvalidProgram(t *testing.T) {
	k, self := newTestKernel(t)

	requester, err := envelope.NewAccount()
	require.NoError(t, err)

	signed := signTask(t, requester, self.AccountRef())

	_, err = k.Spawn(context.Background(), signed, []byte("definitely not a wasm module"))
	assert.True(t, errs.Is(err, errs.SandboxFault))
}

func TestPollRejectsIDSealedByAnotherKernel(t *testing.T) {
	k, _ := newTestKernel(t)

	other, err := envelope.NewAccount()
	require.NoError(t, err)

	idGuarantee, err := envelope.SignAsGuarantee(other, other.AccountRef(), resource.ID(0))
	require.NoError(t, err)
	idSealed, err := envelope.SignAsGuarantor(other, idGuarantee)
	require.NoError(t, err)

	_, err = k.Poll(context.Background(), idSealed)
	assert.True(t, errs.Is(err, errs.Unauthorized))
}

func TestPollRejectsTamperedID(t *testing.T) {
	k, self := newTestKernel(t)

	idGuarantee, err := envelope.SignAsGuarantee(self, self.AccountRef(), resource.ID(0))
	require.NoError(t, err)
	idSealed, err := envelope.SignAsGuarantor(self, idGuarantee)
	require.NoError(t, err)

	idSealed.Payload = resource.ID(999)

	_, err = k.Poll(context.Background(), idSealed)
	assert.True(t, errs.Is(err, errs.InvalidEnvelope))
}

func TestPollFailsForUnknownID(t *testing.T) {
	k, self := newTestKernel(t)

	idGuarantee, err := envelope.SignAsGuarantee(self, self.AccountRef(), resource.ID(0))
	require.NoError(t, err)
	idSealed, err := envelope.SignAsGuarantor(self, idGuarantee)
	require.NoError(t, err)

	_, err = k.Poll(context.Background(), idSealed)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestProtocolReturnsVersionString(t *testing.T) {
	k, _ := newTestKernel(t)

	version, err := k.Protocol(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ipwis/1", version)
}

func TestBusIsUsable(t *testing.T) {
	k, _ := newTestKernel(t)

	received := make(chan kernel.TaskSpawnedEvent, 1)
	require.NoError(t, k.Bus().Subscribe(kernel.TopicTaskSpawned, func(ev kernel.TaskSpawnedEvent) {
		received <- ev
	}))

	k.Bus().Publish(kernel.TopicTaskSpawned, kernel.TaskSpawnedEvent{ID: resource.ID(123)})

	// EventBus.Subscribe (as opposed to SubscribeAsync) invokes handlers
	// synchronously from within Publish, so the event is already buffered.
	ev := <-received
	assert.Equal(t, resource.ID(123), ev.ID)
}

// echoWasmModule is a minimal hand-assembled wasm32 guest: it exports
// linear memory, a bump-allocator __ipwis_alloc, and an __ipwis_main that
// returns its own (ptr, len) arguments unchanged. It issues no syscalls (no
// import section at all), which is enough to drive spec.md §8 scenario S1
// (Echo) and the round-trip property through the real wazero sandbox
// end-to-end via Kernel.Spawn/Wait.
var echoWasmModule = []byte{
	// \0asm, version 1
	0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00,

	// type section: two func types
	//   type 0: (i64, i64) -> i64        -- __ipwis_alloc(n, align) -> ptr
	//   type 1: (i64, i64) -> (i64, i64) -- __ipwis_main(ptr, len) -> (ptr, len)
	0x01, 0x0E,
	0x02,
	0x60, 0x02, 0x7E, 0x7E, 0x01, 0x7E,
	0x60, 0x02, 0x7E, 0x7E, 0x02, 0x7E, 0x7E,

	// function section: func 0 -> type 0, func 1 -> type 1
	0x03, 0x03, 0x02, 0x00, 0x01,

	// memory section: one memory, min 2 pages (128KiB), no declared max
	0x05, 0x03, 0x01, 0x00, 0x02,

	// global section: one mutable i32 bump pointer, initialised to 8
	0x06, 0x06, 0x01, 0x7F, 0x01, 0x41, 0x08, 0x0B,

	// export section: "memory" -> mem 0, "__ipwis_alloc" -> func 0, "__ipwis_main" -> func 1
	0x07, 0x29,
	0x03,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x0D, '_', '_', 'i', 'p', 'w', 'i', 's', '_', 'a', 'l', 'l', 'o', 'c', 0x00, 0x00,
	0x0C, '_', '_', 'i', 'p', 'w', 'i', 's', '_', 'm', 'a', 'i', 'n', 0x00, 0x01,

	// code section:
	//   func 0 (__ipwis_alloc): local $ret i32 = bump; bump += wrap_i64(n); return extend_i32_u($ret)
	//   func 1 (__ipwis_main): local.get 0; local.get 1; return -- echo
	0x0A, 0x1C,
	0x02,
	0x13, // body size
	0x01, 0x01, 0x7F, // one local, i32
	0x23, 0x00, // global.get 0
	0x21, 0x02, // local.set 2 ($ret)
	0x23, 0x00, // global.get 0
	0x20, 0x00, // local.get 0 (n)
	0xA7,       // i32.wrap_i64
	0x6A,       // i32.add
	0x24, 0x00, // global.set 0
	0x20, 0x02, // local.get 2 ($ret)
	0xAD, // i64.extend_i32_u
	0x0B, // end
	0x06, // body size
	0x00, // no locals
	0x20, 0x00, // local.get 0
	0x20, 0x01, // local.get 1
	0x0B, // end
}

// trapWasmModule is identical to echoWasmModule except __ipwis_main's body
// is a bare unreachable instruction, driving spec.md §8 scenario S5 (a
// guest trap surfaces as TaskPoll.Trap rather than crashing the host).
var trapWasmModule = []byte{
	0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00,

	0x01, 0x0E,
	0x02,
	0x60, 0x02, 0x7E, 0x7E, 0x01, 0x7E,
	0x60, 0x02, 0x7E, 0x7E, 0x02, 0x7E, 0x7E,

	0x03, 0x03, 0x02, 0x00, 0x01,

	0x05, 0x03, 0x01, 0x00, 0x02,

	0x06, 0x06, 0x01, 0x7F, 0x01, 0x41, 0x08, 0x0B,

	0x07, 0x29,
	0x03,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x0D, '_', '_', 'i', 'p', 'w', 'i', 's', '_', 'a', 'l', 'l', 'o', 'c', 0x00, 0x00,
	0x0C, '_', '_', 'i', 'p', 'w', 'i', 's', '_', 'm', 'a', 'i', 'n', 0x00, 0x01,

	// code section: func 0 same allocator; func 1 (__ipwis_main) just traps
	0x0A, 0x19,
	0x02,
	0x13,
	0x01, 0x01, 0x7F,
	0x23, 0x00,
	0x21, 0x02,
	0x23, 0x00,
	0x20, 0x00,
	0xA7,
	0x6A,
	0x24, 0x00,
	0x20, 0x02,
	0xAD,
	0x0B,
	0x03,       // body size
	0x00,       // no locals
	0x00,       // unreachable
	0x0B, // end
}

func spawnSigned(t *testing.T, k *kernel.Kernel, self envelope.Account, input []byte, programBytes []byte) envelope.Data[envelope.GuarantorSigned, resource.ID] {
	t.Helper()

	requester, err := envelope.NewAccount()
	require.NoError(t, err)

	signed, err := envelope.SignAsGuarantee(requester, self.AccountRef(), task.Task{Sandboxed: true, Input: input})
	require.NoError(t, err)

	idSealed, err := k.Spawn(context.Background(), signed, programBytes)
	require.NoError(t, err)
	return idSealed
}

// TestEndToEndEchoRoundTrip drives spec.md §8 scenario S1 (Echo) and
// testable property 5 (round-trip) through the real wazero-backed sandbox:
// a hand-assembled guest module compiled, instantiated, and run by
// Kernel.Spawn/Wait, rather than any in-process fake.
func TestEndToEndEchoRoundTrip(t *testing.T) {
	k, self := newTestKernel(t)

	input := []byte("hello kernel")
	idSealed := spawnSigned(t, k, self, input, echoWasmModule)

	result, err := k.Wait(context.Background(), idSealed)
	require.NoError(t, err)

	assert.False(t, result.Payload.Pending)
	assert.Empty(t, result.Payload.Trap)
	assert.Equal(t, input, result.Payload.Output)
}

// TestEndToEndTrapSurfacesAsPollResult drives spec.md §8 scenario S5: a
// guest trap (an unreachable instruction) must surface as a TaskPoll with a
// non-empty Trap field, and must not crash the host process.
func TestEndToEndTrapSurfacesAsPollResult(t *testing.T) {
	k, self := newTestKernel(t)

	idSealed := spawnSigned(t, k, self, []byte("irrelevant"), trapWasmModule)

	result, err := k.Wait(context.Background(), idSealed)
	require.NoError(t, err)

	assert.False(t, result.Payload.Pending)
	assert.NotEmpty(t, result.Payload.Trap)
	assert.Nil(t, result.Payload.Output)
}

// TestEndToEndDoubleWaitAfterDrainFailsNotFound drives spec.md §8 scenario
// S6: once a terminal result has been observed once, a second Wait on the
// same resource id must fail NotFound rather than replaying the result or
// blocking forever.
func TestEndToEndDoubleWaitAfterDrainFailsNotFound(t *testing.T) {
	k, self := newTestKernel(t)

	idSealed := spawnSigned(t, k, self, []byte("once"), echoWasmModule)

	_, err := k.Wait(context.Background(), idSealed)
	require.NoError(t, err)

	_, err = k.Wait(context.Background(), idSealed)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestCloseOnFreshKernelSucceeds(t *testing.T) {
	self, err := envelope.NewAccount()
	require.NoError(t, err)

	cfg := config.New(config.WithSelf(self))
	k, err := kernel.New(context.Background(), cfg, newMemStore(), kernel.Options{})
	require.NoError(t, err)

	assert.NoError(t, k.Close(context.Background()))
}
