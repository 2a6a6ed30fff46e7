package xsts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContinuationRoundTrips(t *testing.T) {
	cont := Continuation{SessionID: "sess-1", Verifier: "verifier-abc", DeviceToken: "device-xyz"}
	encoded, err := cont.encode()
	require.NoError(t, err)

	decoded, err := decodeContinuation(encoded)
	require.NoError(t, err)
	assert.Equal(t, cont, decoded)
}

func TestDecodeContinuationRejectsGarbage(t *testing.T) {
	_, err := decodeContinuation("not-valid-base64!!!")
	assert.Error(t, err)
}

func TestGenerateChallengeProducesDistinctS256Digest(t *testing.T) {
	verifier, challenge, err := generateChallenge()
	require.NoError(t, err)
	assert.NotEmpty(t, verifier)
	assert.NotEmpty(t, challenge)
	assert.NotEqual(t, verifier, challenge)
}

func TestUserHashExtractsFirstXuiEntry(t *testing.T) {
	tok := DeviceToken{
		DisplayClaims: map[string]interface{}{
			"xui": []interface{}{
				map[string]interface{}{"uhs": "abc123"},
			},
		},
	}
	uhs, err := userHash(tok)
	require.NoError(t, err)
	assert.Equal(t, "abc123", uhs)
}

func TestUserHashRejectsMissingClaims(t *testing.T) {
	_, err := userHash(DeviceToken{DisplayClaims: map[string]interface{}{}})
	assert.Error(t, err)
}
