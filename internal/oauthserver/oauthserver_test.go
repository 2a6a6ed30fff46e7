package oauthserver

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pylon-project/pylon/internal/apierr"
	"github.com/pylon-project/pylon/internal/dbx"
)

func TestAppendQueryChoosesSeparatorByExistingQueryString(t *testing.T) {
	assert.Equal(t, "https://c/cb?code=abc", appendQuery("https://c/cb", "code", "abc"))
	assert.Equal(t, "https://c/cb?x=1&code=abc", appendQuery("https://c/cb?x=1", "code", "abc"))
}

func TestAppendQueryEscapesValue(t *testing.T) {
	assert.Equal(t, "https://c/cb?state=a+b", appendQuery("https://c/cb", "state", "a b"))
}

func TestRedirectErrorBuildsRedirectURLWithKnownOAuthCode(t *testing.T) {
	err := apierr.New(apierr.ScopesTooBroad, "too broad")
	wrapped := redirectError(err, "https://c/cb", "xyz")

	redirectable, ok := wrapped.(*redirectableError)
	require.True(t, ok)
	assert.Contains(t, redirectable.URL, "error=invalid_scope")
	assert.Contains(t, redirectable.URL, "state=xyz")
}

func TestRedirectErrorOmitsStateWhenAbsent(t *testing.T) {
	err := apierr.New(apierr.AccessDenied, "declined")
	wrapped := redirectError(err, "https://c/cb", "")

	redirectable, ok := wrapped.(*redirectableError)
	require.True(t, ok)
	assert.NotContains(t, redirectable.URL, "state=")
}

func TestRedirectErrorPassesThroughNonApiErr(t *testing.T) {
	plain := assert.AnError
	wrapped := redirectError(plain, "https://c/cb", "")
	assert.Equal(t, plain, wrapped)
}

func TestSecretMatchesComparesHashedSecret(t *testing.T) {
	sum := sha256.Sum256([]byte("correct-secret"))
	client := dbx.OAuthClient{SecretHash: hex.EncodeToString(sum[:])}

	assert.True(t, secretMatches(client, "correct-secret"))
	assert.False(t, secretMatches(client, "wrong-secret"))
}

func TestExistingAuthIDNilWhenNotFound(t *testing.T) {
	assert.Nil(t, existingAuthID(false, 42))
	id := existingAuthID(true, 42)
	require.NotNil(t, id)
	assert.Equal(t, int64(42), *id)
}
