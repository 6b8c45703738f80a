// Package envelope implements the signed-envelope contract (spec §4.10):
// a three-step guarantee -> guarantor -> guarantee signature chain that
// authenticates task ownership and authorises execution. The ed25519
// signature primitive from the standard library is the only crypto piece
// used directly — key custody and RPC transport are delegated entirely to
// the peer package's identity layer, per spec §1.
package envelope

import (
	"crypto/ed25519"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/ulag-bulag-village/ipwis/errs"
)

// AccountRef names an account by its public key. It is Comparable so it
// can key maps and appear in equality checks the way the original
// account-reference type does.
type AccountRef [ed25519.PublicKeySize]byte

func AccountRefFromPublicKey(pub ed25519.PublicKey) AccountRef {
	var ref AccountRef
	copy(ref[:], pub)
	return ref
}

func (a AccountRef) PublicKey() ed25519.PublicKey {
	return ed25519.PublicKey(a[:])
}

// Account is a keypair capable of signing on behalf of its AccountRef.
type Account struct {
	Ref ed25519.PublicKey
	Key ed25519.PrivateKey
}

// NewAccount generates a fresh ed25519 keypair wrapped as an Account.
func NewAccount() (Account, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return Account{}, errs.Wrap(errs.Unauthorized, "envelope: generate account", err)
	}
	return Account{Ref: pub, Key: priv}, nil
}

func (a Account) AccountRef() AccountRef {
	return AccountRefFromPublicKey(a.Ref)
}

// GuaranteeSigned is metadata signed by the requester ("who ran this?"),
// naming the intended target (guarantor) account.
type GuaranteeSigned struct {
	CorrelationID uuid.UUID  `json:"correlation_id"`
	Guarantee     AccountRef `json:"guarantee"`
	Guarantor     AccountRef `json:"guarantor"`
	Signature     []byte     `json:"signature"`
}

// GuarantorSigned adds the executor's counter-signature over the guarantee
// signature, sealing a task for execution.
type GuarantorSigned struct {
	GuaranteeSigned
	GuarantorSignature []byte `json:"guarantor_signature"`
}

// Data pairs signed metadata with a payload. Signer is either
// GuaranteeSigned or GuarantorSigned.
type Data[Signer, T any] struct {
	Metadata Signer `json:"metadata"`
	Payload  T      `json:"payload"`
}

func payloadHash(guarantor AccountRef, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidEnvelope, "envelope: marshal payload for signing", err)
	}
	return append(guarantor[:], body...), nil
}

// SignAsGuarantee produces a GuaranteeSigned covering payload's hash and
// the named guarantor account (spec invariant (a)).
func SignAsGuarantee[T any](requester Account, guarantor AccountRef, payload T) (Data[GuaranteeSigned, T], error) {
	msg, err := payloadHash(guarantor, payload)
	if err != nil {
		return Data[GuaranteeSigned, T]{}, err
	}

	return Data[GuaranteeSigned, T]{
		Metadata: GuaranteeSigned{
			CorrelationID: mustCorrelationID(),
			Guarantee:     requester.AccountRef(),
			Guarantor:     guarantor,
			Signature:     ed25519.Sign(requester.Key, msg),
		},
		Payload: payload,
	}, nil
}

// SignAsGuarantor counter-signs an already guarantee-signed Data, sealing
// it for execution (spec invariant (b) and (c)).
func SignAsGuarantor[T any](guarantor Account, in Data[GuaranteeSigned, T]) (Data[GuarantorSigned, T], error) {
	if err := VerifyGuarantee(in.Metadata, in.Payload); err != nil {
		return Data[GuarantorSigned, T]{}, err
	}
	if in.Metadata.Guarantor != guarantor.AccountRef() {
		return Data[GuarantorSigned, T]{}, errs.New(errs.Unauthorized, "envelope: guarantor does not match metadata target")
	}

	return Data[GuarantorSigned, T]{
		Metadata: GuarantorSigned{
			GuaranteeSigned:    in.Metadata,
			GuarantorSignature: ed25519.Sign(guarantor.Key, in.Metadata.Signature),
		},
		Payload: in.Payload,
	}, nil
}

// VerifyGuarantee checks that md.Signature verifies against payload and
// md.Guarantee's public key.
func VerifyGuarantee[T any](md GuaranteeSigned, payload T) error {
	msg, err := payloadHash(md.Guarantor, payload)
	if err != nil {
		return err
	}
	if !ed25519.Verify(md.Guarantee.PublicKey(), msg, md.Signature) {
		return errs.New(errs.InvalidEnvelope, "envelope: guarantee signature does not verify")
	}
	return nil
}

// VerifyGuarantor checks both signatures in the chain: the guarantee
// signature over the payload, and the guarantor signature over the
// guarantee signature.
func VerifyGuarantor[T any](md GuarantorSigned, payload T) error {
	if err := VerifyGuarantee(md.GuaranteeSigned, payload); err != nil {
		return err
	}
	if !ed25519.Verify(md.Guarantor.PublicKey(), md.Signature, md.GuarantorSignature) {
		return errs.New(errs.InvalidEnvelope, "envelope: guarantor signature does not verify")
	}
	return nil
}

// mustCorrelationID allocates a correlation id for a freshly signed
// envelope. It is not part of the signature itself — only a debugging aid
// for tracing one task's chain of messages — so a random v4 UUID is
// sufficient.
func mustCorrelationID() uuid.UUID {
	return uuid.New()
}
