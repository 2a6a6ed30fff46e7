package oauthclients

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pylon-project/pylon/internal/apierr"
	"github.com/pylon-project/pylon/internal/dbx"
	"github.com/pylon-project/pylon/internal/scopes"
)

func TestValidateRedirectQueryInsensitiveMatch(t *testing.T) {
	client := dbx.OAuthClient{RedirectURIs: []string{"https://x/a?z=2"}}

	got, err := ValidateRedirect(client, "https://x/a?q=1")
	assert.NoError(t, err)
	assert.Equal(t, "https://x/a?q=1", got)
}

func TestValidateRedirectPathMismatch(t *testing.T) {
	client := dbx.OAuthClient{RedirectURIs: []string{"https://x/a"}}

	_, err := ValidateRedirect(client, "https://x/a/b")
	assert.Error(t, err)
	assert.Equal(t, apierr.RedirectURINotConfigured, err.(*apierr.Error).Kind)
}

func TestValidateRedirectDefaultsToFirstConfigured(t *testing.T) {
	client := dbx.OAuthClient{RedirectURIs: []string{"https://x/first", "https://x/second"}}

	got, err := ValidateRedirect(client, "")
	assert.NoError(t, err)
	assert.Equal(t, "https://x/first", got)
}

func TestValidateRedirectNoConfiguredURIs(t *testing.T) {
	client := dbx.OAuthClient{}

	_, err := ValidateRedirect(client, "https://x/a")
	assert.Error(t, err)
	assert.Equal(t, apierr.ClientMissingRedirectURI, err.(*apierr.Error).Kind)
}

func TestValidateScopesTooBroad(t *testing.T) {
	client := dbx.OAuthClient{MaxScopes: int64(scopes.ProjectRead)}

	_, err := ValidateScopes(client, "PROJECT_READ PROJECT_WRITE")
	assert.Error(t, err)
	assert.Equal(t, apierr.ScopesTooBroad, err.(*apierr.Error).Kind)
}

func TestValidateScopesDefaultsToClientMax(t *testing.T) {
	client := dbx.OAuthClient{MaxScopes: int64(scopes.ProjectRead)}

	s, err := ValidateScopes(client, "")
	assert.NoError(t, err)
	assert.Equal(t, scopes.ProjectRead, s)
}
