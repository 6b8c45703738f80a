// Package nestedclient implements the nested-client module (spec §4.5):
// it publishes the outer peer-to-peer RPC client as a guest-visible
// interrupt module, so guest code can reach the peer layer only through
// typed syscalls rather than touching the network directly. Bulk
// request/response bodies flow through the stream module via CallRaw's
// (writer, reader) handle pair — never through one giant syscall.
package nestedclient

import (
	"context"
	"io"

	"github.com/ulag-bulag-village/ipwis/envelope"
	"github.com/ulag-bulag-village/ipwis/errs"
	"github.com/ulag-bulag-village/ipwis/interrupt"
	"github.com/ulag-bulag-village/ipwis/log"
	"github.com/ulag-bulag-village/ipwis/peer"
	"github.com/ulag-bulag-village/ipwis/resource"
	"github.com/ulag-bulag-village/ipwis/stream"
	"github.com/ulag-bulag-village/ipwis/wire"
)

// ModuleID is this module's InterruptId.
const ModuleID interrupt.ID = "ipwis_modules_ipiis"

type opcode string

const (
	opInfer            opcode = "infer"
	opGenesis          opcode = "genesis"
	opGetAccountPrimary opcode = "get_account_primary"
	opSetAccountPrimary opcode = "set_account_primary"
	opGetAddress        opcode = "get_address"
	opSetAddress        opcode = "set_address"
	opSignAsGuarantee   opcode = "sign_as_guarantee"
	opSignAsGuarantor   opcode = "sign_as_guarantor"
	opProtocol          opcode = "protocol"
	opCallRaw           opcode = "call_raw"
	opRelease           opcode = "release"
)

type request struct {
	Op        opcode               `json:"op"`
	ID        resource.ID          `json:"id,omitempty"`
	Kind      *string              `json:"kind,omitempty"`
	Account   envelope.AccountRef  `json:"account,omitempty"`
	Target    envelope.AccountRef  `json:"target,omitempty"`
	Address   string               `json:"address,omitempty"`
	Payload   interface{}          `json:"payload,omitempty"`
	Guarantee envelope.GuaranteeSigned `json:"guarantee,omitempty"`
	Genesis   *envelope.AccountRef `json:"genesis,omitempty"`
}

type response struct {
	ID        resource.ID              `json:"id,omitempty"`
	Account   envelope.AccountRef      `json:"account,omitempty"`
	Address   string                   `json:"address,omitempty"`
	Protocol  string                   `json:"protocol,omitempty"`
	Guarantee envelope.GuaranteeSigned `json:"guarantee,omitempty"`
	Guarantor envelope.GuarantorSigned `json:"guarantor,omitempty"`
	WriterID  resource.ID              `json:"writer_id,omitempty"`
	ReaderID  resource.ID              `json:"reader_id,omitempty"`
}

// streamAccessor is the narrow local interface nestedclient needs from the
// concrete stream handler: just enough to register connection halves. It
// avoids both an import cycle (stream already depends on nothing here, but
// a hypothetical two-way dependency is avoided on principle) and any
// assertion on a concrete type — CallRaw obtains the stream module's
// handler through Memory.GetInterruptHandler (the sandbox wraps it in an
// interrupt.SharedHandler), and asStreamAccessor checks it against this
// interface, which *stream.Handler satisfies structurally.
type streamAccessor interface {
	NewReader(r io.Reader) resource.ID
	NewWriter(w io.Writer) resource.ID
}

var _ streamAccessor = (*stream.Handler)(nil)

// underlyer is implemented by interrupt.SharedHandler: the wrapper Memory's
// GetInterruptHandler hands back. asStreamAccessor unwraps it before
// checking for the concrete stream handler's registration methods, so the
// type assertion never has to know about SharedHandler directly.
type underlyer interface {
	Underlying() interrupt.Handler
}

func asStreamAccessor(h interrupt.Handler) (streamAccessor, bool) {
	if u, ok := h.(underlyer); ok {
		h = u.Underlying()
	}
	accessor, ok := h.(streamAccessor)
	return accessor, ok
}

// clientEntry is one guest-visible nested client: an identity (AccountRef)
// plus the shared peer.Client used to act on its behalf. Key custody lives
// entirely in the peer layer — this entry never holds a private key.
type clientEntry struct {
	account envelope.AccountRef
}

func (c *clientEntry) Release() error { return nil }

// Module is the stateless factory the interrupt manager registers.
type Module struct {
	logger log.Logger
	peer   peer.Client
	self   envelope.AccountRef
}

// NewModule returns the nested-client Module, publishing peer as the
// shared outer RPC client and self as the account new clients default to
// on Infer.
func NewModule(p peer.Client, self envelope.AccountRef, logger log.Logger) *Module {
	return &Module{logger: log.OrNop(logger), peer: p, self: self}
}

func (m *Module) ID() interrupt.ID { return ModuleID }

func (m *Module) SpawnHandler() interrupt.Handler {
	return &Handler{
		logger:  m.logger,
		peer:    m.peer,
		self:    m.self,
		clients: resource.New[*clientEntry](),
	}
}

// Handler is per-task state: a table of nested-client identities plus the
// shared peer.Client they all act through.
type Handler struct {
	logger log.Logger
	peer   peer.Client
	self   envelope.AccountRef

	clients *resource.Store[*clientEntry]
}

// HandleRaw dispatches one of the eleven nested-client opcodes.
func (h *Handler) HandleRaw(mem interrupt.Memory, input []byte) ([]byte, error) {
	var req request
	if err := wire.Decode(input, &req); err != nil {
		return nil, err
	}
	ctx := context.Background()

	switch req.Op {
	case opInfer:
		return h.infer()
	case opGenesis:
		return h.genesis(req)
	case opGetAccountPrimary:
		return h.getAccountPrimary(ctx, req)
	case opSetAccountPrimary:
		return h.setAccountPrimary(ctx, req)
	case opGetAddress:
		return h.getAddress(ctx, req)
	case opSetAddress:
		return h.setAddress(ctx, req)
	case opSignAsGuarantee:
		return h.signAsGuarantee(ctx, req)
	case opSignAsGuarantor:
		return h.signAsGuarantor(ctx, req)
	case opProtocol:
		return h.protocol(ctx)
	case opCallRaw:
		return h.callRaw(ctx, mem, req)
	case opRelease:
		return h.release(req)
	default:
		return nil, errs.Newf(errs.Unsupported, "nestedclient: unknown opcode %q", req.Op)
	}
}

func (h *Handler) infer() ([]byte, error) {
	id := h.clients.Put(&clientEntry{account: h.self})
	return wire.Encode(response{ID: id})
}

func (h *Handler) genesis(req request) ([]byte, error) {
	account := h.self
	if req.Genesis != nil {
		account = *req.Genesis
	}
	id := h.clients.Put(&clientEntry{account: account})
	return wire.Encode(response{ID: id})
}

func (h *Handler) entry(id resource.ID) (*clientEntry, error) {
	return h.clients.Get(id)
}

func (h *Handler) getAccountPrimary(ctx context.Context, req request) ([]byte, error) {
	if _, err := h.entry(req.ID); err != nil {
		return nil, err
	}
	acc, err := h.peer.GetAccountPrimary(ctx, req.Kind)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "nestedclient: get_account_primary", err)
	}
	return wire.Encode(response{Account: acc})
}

func (h *Handler) setAccountPrimary(ctx context.Context, req request) ([]byte, error) {
	if _, err := h.entry(req.ID); err != nil {
		return nil, err
	}
	if err := h.peer.SetAccountPrimary(ctx, req.Kind, req.Account); err != nil {
		return nil, errs.Wrap(errs.IO, "nestedclient: set_account_primary", err)
	}
	return wire.Encode(response{})
}

func (h *Handler) getAddress(ctx context.Context, req request) ([]byte, error) {
	if _, err := h.entry(req.ID); err != nil {
		return nil, err
	}
	addr, err := h.peer.GetAddress(ctx, req.Kind, req.Target)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "nestedclient: get_address", err)
	}
	return wire.Encode(response{Address: addr})
}

func (h *Handler) setAddress(ctx context.Context, req request) ([]byte, error) {
	if _, err := h.entry(req.ID); err != nil {
		return nil, err
	}
	if err := h.peer.SetAddress(ctx, req.Kind, req.Target, req.Address); err != nil {
		return nil, errs.Wrap(errs.IO, "nestedclient: set_address", err)
	}
	return wire.Encode(response{})
}

func (h *Handler) signAsGuarantee(ctx context.Context, req request) ([]byte, error) {
	entry, err := h.entry(req.ID)
	if err != nil {
		return nil, err
	}
	md, err := h.peer.SignAsGuarantee(ctx, entry.account, req.Target, req.Payload)
	if err != nil {
		return nil, errs.Wrap(errs.Unauthorized, "nestedclient: sign_as_guarantee", err)
	}
	return wire.Encode(response{Guarantee: md})
}

func (h *Handler) signAsGuarantor(ctx context.Context, req request) ([]byte, error) {
	entry, err := h.entry(req.ID)
	if err != nil {
		return nil, err
	}
	md, err := h.peer.SignAsGuarantor(ctx, entry.account, req.Guarantee, req.Payload)
	if err != nil {
		return nil, errs.Wrap(errs.Unauthorized, "nestedclient: sign_as_guarantor", err)
	}
	return wire.Encode(response{Guarantor: md})
}

func (h *Handler) protocol(ctx context.Context) ([]byte, error) {
	p, err := h.peer.Protocol(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "nestedclient: protocol", err)
	}
	return wire.Encode(response{Protocol: p})
}

// callRaw opens a raw connection to req.Target and registers both halves
// with the stream module reachable via mem's escape hatch, returning their
// resource ids. Bulk bytes then flow through ordinary stream opcodes.
func (h *Handler) callRaw(ctx context.Context, mem interrupt.Memory, req request) ([]byte, error) {
	if _, err := h.entry(req.ID); err != nil {
		return nil, err
	}

	w, r, err := h.peer.CallRaw(ctx, req.Kind, req.Target)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "nestedclient: call_raw", err)
	}

	streamHandler, err := mem.GetInterruptHandler(stream.ModuleID)
	if err != nil {
		return nil, err
	}
	accessor, ok := asStreamAccessor(streamHandler)
	if !ok {
		return nil, errs.New(errs.SandboxFault, "nestedclient: call_raw: stream handler does not support registration")
	}

	writerID := accessor.NewWriter(w)
	readerID := accessor.NewReader(r)
	return wire.Encode(response{WriterID: writerID, ReaderID: readerID})
}

func (h *Handler) release(req request) ([]byte, error) {
	if err := h.clients.ReleaseOne(req.ID); err != nil {
		return nil, err
	}
	return wire.Encode(response{})
}

// Release drains every nested client. Releasing a clientEntry has no
// side effect of its own — the peer layer owns the underlying connections
// — but draining keeps the table's lifecycle symmetric with every other
// module's handler state.
func (h *Handler) Release() error {
	return h.clients.Release()
}
