// Package peer defines the boundary to the external peer-to-peer RPC and
// identity layer the nested-client module publishes into the sandbox.
// Transport of RPC bytes between nodes, account key management, and the
// signature/hashing primitives themselves all live outside this module's
// scope (spec §1) — Client is the narrow interface ipwis consumes, and
// Loopback is a same-process reference implementation useful for tests and
// single-node deployments where "the peer" is the local kernel itself.
package peer

import (
	"context"
	"io"

	"github.com/ulag-bulag-village/ipwis/envelope"
	"github.com/ulag-bulag-village/ipwis/errs"
)

var errUnknownSigner = errs.New(errs.Unauthorized, "peer: loopback cannot sign on behalf of an unknown account")

// Kind scopes an account lookup/registration to a namespace (e.g. "primary"
// account vs. a role-specific one). Nil means the default namespace.
type Kind *string

// Client is the capability surface the nested-client module exposes to the
// guest, one opcode per method plus CallRaw for bulk byte transport.
type Client interface {
	// GetAccountPrimary returns the primary account registered for kind.
	GetAccountPrimary(ctx context.Context, kind Kind) (envelope.AccountRef, error)

	// SetAccountPrimary registers account as the primary account for kind.
	SetAccountPrimary(ctx context.Context, kind Kind, account envelope.AccountRef) error

	// GetAddress resolves target's network address under kind.
	GetAddress(ctx context.Context, kind Kind, target envelope.AccountRef) (string, error)

	// SetAddress records target's network address under kind.
	SetAddress(ctx context.Context, kind Kind, target envelope.AccountRef, address string) error

	// Protocol returns the peer layer's protocol version string.
	Protocol(ctx context.Context) (string, error)

	// CallRaw opens a raw byte-stream connection to target under kind,
	// returning its write and read halves separately so callers can
	// register them independently with the stream module.
	CallRaw(ctx context.Context, kind Kind, target envelope.AccountRef) (io.WriteCloser, io.ReadCloser, error)

	// SignAsGuarantee asks the identity layer to sign payload on behalf of
	// signer, naming target as the intended guarantor. Key custody never
	// leaves this layer — the nested-client module only ever holds an
	// AccountRef, never a private key.
	SignAsGuarantee(ctx context.Context, signer, target envelope.AccountRef, payload interface{}) (envelope.GuaranteeSigned, error)

	// SignAsGuarantor counter-signs an already guarantee-signed payload on
	// behalf of signer. payload must be the same value md was originally
	// signed over — it is needed again to verify the guarantee signature
	// before counter-signing it.
	SignAsGuarantor(ctx context.Context, signer envelope.AccountRef, md envelope.GuaranteeSigned, payload interface{}) (envelope.GuarantorSigned, error)
}

// Loopback is a same-process Client: every account/address registration is
// kept in memory, and CallRaw connects an in-memory pipe to itself. It
// grounds tests and single-node setups where ipwis is its own peer — the
// single Account it holds stands in for the external identity layer's key
// custody.
type Loopback struct {
	me        envelope.Account
	primaries map[string]envelope.AccountRef
	addresses map[string]string
}

// NewLoopback returns a Loopback client that signs as me.
func NewLoopback(me envelope.Account) *Loopback {
	return &Loopback{
		me:        me,
		primaries: make(map[string]envelope.AccountRef),
		addresses: make(map[string]string),
	}
}

func kindKey(kind Kind) string {
	if kind == nil {
		return ""
	}
	return *kind
}

func (l *Loopback) GetAccountPrimary(ctx context.Context, kind Kind) (envelope.AccountRef, error) {
	if acc, ok := l.primaries[kindKey(kind)]; ok {
		return acc, nil
	}
	return l.me.AccountRef(), nil
}

func (l *Loopback) SetAccountPrimary(ctx context.Context, kind Kind, account envelope.AccountRef) error {
	l.primaries[kindKey(kind)] = account
	return nil
}

func (l *Loopback) GetAddress(ctx context.Context, kind Kind, target envelope.AccountRef) (string, error) {
	return l.addresses[kindKey(kind)+"/"+string(target[:])], nil
}

func (l *Loopback) SetAddress(ctx context.Context, kind Kind, target envelope.AccountRef, address string) error {
	l.addresses[kindKey(kind)+"/"+string(target[:])] = address
	return nil
}

func (l *Loopback) Protocol(ctx context.Context) (string, error) {
	return "ipwis/loopback/1", nil
}

func (l *Loopback) CallRaw(ctx context.Context, kind Kind, target envelope.AccountRef) (io.WriteCloser, io.ReadCloser, error) {
	r, w := io.Pipe()
	return w, r, nil
}

func (l *Loopback) SignAsGuarantee(ctx context.Context, signer, target envelope.AccountRef, payload interface{}) (envelope.GuaranteeSigned, error) {
	if signer != l.me.AccountRef() {
		return envelope.GuaranteeSigned{}, errUnknownSigner
	}
	signed, err := envelope.SignAsGuarantee(l.me, target, payload)
	if err != nil {
		return envelope.GuaranteeSigned{}, err
	}
	return signed.Metadata, nil
}

func (l *Loopback) SignAsGuarantor(ctx context.Context, signer envelope.AccountRef, md envelope.GuaranteeSigned, payload interface{}) (envelope.GuarantorSigned, error) {
	if signer != l.me.AccountRef() {
		return envelope.GuarantorSigned{}, errUnknownSigner
	}
	sealed, err := envelope.SignAsGuarantor(l.me, envelope.Data[envelope.GuaranteeSigned, interface{}]{Metadata: md, Payload: payload})
	if err != nil {
		return envelope.GuarantorSigned{}, err
	}
	return sealed.Metadata, nil
}
