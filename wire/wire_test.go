package wire_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ulag-bulag-village/ipwis/errs"
	"github.com/ulag-bulag-village/ipwis/wire"
)

type payload struct {
	Name  string
	Count int
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := payload{Name: "task-1", Count: 42}

	frame, err := wire.Encode(in)
	require.NoError(t, err)

	var out payload
	require.NoError(t, wire.Decode(frame, &out))
	assert.Equal(t, in, out)
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	frame, err := wire.Encode(payload{Name: "x"})
	require.NoError(t, err)

	var out payload
	err = wire.Decode(frame[:len(frame)-1], &out)
	assert.True(t, errs.Is(err, errs.InvalidEnvelope))
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	frame, err := wire.Encode(payload{Name: "x"})
	require.NoError(t, err)
	frame[0] ^= 0xFF

	var out payload
	err = wire.Decode(frame, &out)
	assert.True(t, errs.Is(err, errs.InvalidEnvelope))
}

func TestDecodeRejectsCorruptedPayload(t *testing.T) {
	frame, err := wire.Encode(payload{Name: "x", Count: 7})
	require.NoError(t, err)
	frame[len(frame)-1] ^= 0xFF

	var out payload
	err = wire.Decode(frame, &out)
	assert.True(t, errs.Is(err, errs.InvalidEnvelope))
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	var out payload
	err := wire.Decode([]byte{1, 2, 3}, &out)
	assert.True(t, errs.Is(err, errs.InvalidEnvelope))
}
