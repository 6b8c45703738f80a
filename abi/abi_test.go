package abi_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ulag-bulag-village/ipwis/abi"
	"github.com/ulag-bulag-village/ipwis/errs"
	"github.com/ulag-bulag-village/ipwis/wire"
)

type request struct {
	Op string `json:"op"`
}

type response struct {
	Version uint32 `json:"version"`
}

func TestGetVersionMatchesPackedEncoding(t *testing.T) {
	h := abi.NewModule().SpawnHandler()

	in, err := wire.Encode(request{Op: "get_version"})
	require.NoError(t, err)

	out, err := h.HandleRaw(nil, in)
	require.NoError(t, err)

	var resp response
	require.NoError(t, wire.Decode(out, &resp))

	want := uint32(abi.Major<<16 | abi.Minor<<8 | abi.Patch)
	assert.Equal(t, want, resp.Version)
	assert.Equal(t, want, abi.Version())
}

func TestUnknownOpcodeFails(t *testing.T) {
	h := abi.NewModule().SpawnHandler()

	in, err := wire.Encode(request{Op: "bogus"})
	require.NoError(t, err)

	_, err = h.HandleRaw(nil, in)
	assert.True(t, errs.Is(err, errs.Unsupported))
}

func TestModuleIDIsReserved(t *testing.T) {
	assert.Equal(t, abi.ModuleID, abi.NewModule().ID())
}
