package xsts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowsFileTimeMatchesEpochOffset(t *testing.T) {
	unixEpoch := time.Unix(0, 0).UTC()
	ft := windowsFileTime(unixEpoch)
	assert.Equal(t, uint64(11644473600)*10000000, ft)
}

func TestSignEnvelopeChangesWithBody(t *testing.T) {
	key, err := GenerateDeviceKey()
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	sig1, err := signEnvelope(key, now, "/device/authenticate", "", []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.NotEmpty(t, sig1)

	// A different body must change the signature (it's part of the signed
	// envelope), proving the envelope isn't just signing a fixed prefix.
	sig2, err := signEnvelope(key, now, "/device/authenticate", "", []byte(`{"a":2}`))
	require.NoError(t, err)
	assert.NotEqual(t, sig1, sig2)
}

func TestLoadDeviceKeyRoundTripsPublicCoordinates(t *testing.T) {
	key, err := GenerateDeviceKey()
	require.NoError(t, err)

	loaded, err := LoadDeviceKey(key.PrivateScalarHex(), key.X, key.Y)
	require.NoError(t, err)

	assert.True(t, key.Private.PublicKey.Equal(&loaded.Private.PublicKey))
	assert.Equal(t, key.X, loaded.X)
	assert.Equal(t, key.Y, loaded.Y)
}

func TestLeftPadPreservesShortByteSlices(t *testing.T) {
	padded := leftPad([]byte{0x01, 0x02}, 4)
	assert.Equal(t, []byte{0x00, 0x00, 0x01, 0x02}, padded)

	exact := leftPad([]byte{0x01, 0x02, 0x03, 0x04}, 4)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, exact)
}
