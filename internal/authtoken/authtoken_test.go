package authtoken

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pylon-project/pylon/internal/apierr"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, KindPAT, Classify("mrp_abc123"))
	assert.Equal(t, KindSession, Classify("mra_abc123"))
	assert.Equal(t, KindOAuthAccess, Classify("mro_abc123"))
	assert.Equal(t, KindExternalIdP, Classify("ghp_abc123"))
	assert.Equal(t, KindExternalIdP, Classify("gho_abc123"))
	assert.Equal(t, KindExternalIdP, Classify("github_abc123"))
	assert.Equal(t, KindUnknown, Classify("totally_unrelated_123"))
}

func TestExtract(t *testing.T) {
	tok, err := Extract("Bearer mrp_abc123")
	assert.NoError(t, err)
	assert.Equal(t, "mrp_abc123", tok)

	tok, err = Extract("mrp_abc123")
	assert.NoError(t, err)
	assert.Equal(t, "mrp_abc123", tok)

	_, err = Extract("")
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.InvalidAuthMethod, apiErr.Kind, "a missing header has no prefix to inspect at all")

	_, err = Extract("Bearer mrép_abc")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.InvalidCredentials, apiErr.Kind, "a present but non-ASCII header failed to decode, not absent")
}

func TestBearerIsolation(t *testing.T) {
	// A PAT-prefixed string never classifies as any other kind.
	for _, prefix := range []string{"mra_", "mro_", "ghp_"} {
		assert.NotEqual(t, KindPAT, Classify(prefix+"x"))
	}
}
