package peer_test

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ulag-bulag-village/ipwis/envelope"
	"github.com/ulag-bulag-village/ipwis/errs"
	"github.com/ulag-bulag-village/ipwis/peer"
)

func TestLoopbackAccountPrimaryDefaultsToSelf(t *testing.T) {
	me, err := envelope.NewAccount()
	require.NoError(t, err)

	client := peer.NewLoopback(me)
	got, err := client.GetAccountPrimary(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, me.AccountRef(), got)
}

func TestLoopbackSetGetAccountPrimary(t *testing.T) {
	me, err := envelope.NewAccount()
	require.NoError(t, err)
	other, err := envelope.NewAccount()
	require.NoError(t, err)

	client := peer.NewLoopback(me)
	require.NoError(t, client.SetAccountPrimary(context.Background(), nil, other.AccountRef()))

	got, err := client.GetAccountPrimary(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, other.AccountRef(), got)
}

func TestLoopbackAddressRoundTrip(t *testing.T) {
	me, err := envelope.NewAccount()
	require.NoError(t, err)
	target, err := envelope.NewAccount()
	require.NoError(t, err)

	client := peer.NewLoopback(me)
	require.NoError(t, client.SetAddress(context.Background(), nil, target.AccountRef(), "127.0.0.1:9000"))

	addr, err := client.GetAddress(context.Background(), nil, target.AccountRef())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", addr)
}

func TestLoopbackCallRawConnectsWriterToReader(t *testing.T) {
	me, err := envelope.NewAccount()
	require.NoError(t, err)
	target, err := envelope.NewAccount()
	require.NoError(t, err)

	client := peer.NewLoopback(me)
	w, r, err := client.CallRaw(context.Background(), nil, target.AccountRef())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = w.Write([]byte("ping"))
		_ = w.Close()
	}()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))
	<-done
}

func TestLoopbackSignAsGuarantorRejectsUnknownSigner(t *testing.T) {
	me, err := envelope.NewAccount()
	require.NoError(t, err)
	target, err := envelope.NewAccount()
	require.NoError(t, err)

	client := peer.NewLoopback(me)

	md, err := client.SignAsGuarantee(context.Background(), me.AccountRef(), target.AccountRef(), "payload")
	require.NoError(t, err)
	require.NoError(t, envelope.VerifyGuarantee(md, "payload"))

	sealed, err := client.SignAsGuarantor(context.Background(), target.AccountRef(), md, "payload")
	assert.True(t, errs.Is(err, errs.Unauthorized))
	_ = sealed
}

func TestLoopbackKernelCanGuarantorSignTaskAddressedToItself(t *testing.T) {
	requester, err := envelope.NewAccount()
	require.NoError(t, err)
	kernel, err := envelope.NewAccount()
	require.NoError(t, err)

	requesterClient := peer.NewLoopback(requester)
	md, err := requesterClient.SignAsGuarantee(context.Background(), requester.AccountRef(), kernel.AccountRef(), "spawn-me")
	require.NoError(t, err)

	kernelClient := peer.NewLoopback(kernel)
	sealed, err := kernelClient.SignAsGuarantor(context.Background(), kernel.AccountRef(), md, "spawn-me")
	require.NoError(t, err)
	require.NoError(t, envelope.VerifyGuarantor(sealed, "spawn-me"))
}
