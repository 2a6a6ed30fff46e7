package idp

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pylon-project/pylon/internal/config"
)

func TestGithubNumericIDParsesPrefixedForm(t *testing.T) {
	id, ok := githubNumericID("github:48291")
	assert.True(t, ok)
	assert.Equal(t, int64(48291), id)
}

func TestGithubNumericIDRejectsOtherProviders(t *testing.T) {
	_, ok := githubNumericID("oidc:some-subject")
	assert.False(t, ok)
}

func TestGithubNumericIDRejectsGarbage(t *testing.T) {
	_, ok := githubNumericID("github:not-a-number")
	assert.False(t, ok)
}

func TestNullableStringEmptyBecomesNil(t *testing.T) {
	assert.Nil(t, nullableString(""))
	assert.Equal(t, "a@b.com", nullableString("a@b.com"))
}

func TestDeviceFlowPendingErrorFormatsWithAndWithoutDescription(t *testing.T) {
	bare := &DeviceFlowPendingError{Code: "authorization_pending"}
	assert.Contains(t, bare.Error(), "authorization_pending")

	withDesc := &DeviceFlowPendingError{Code: "slow_down", Description: "poll less frequently"}
	assert.Contains(t, withDesc.Error(), "slow_down")
	assert.Contains(t, withDesc.Error(), "poll less frequently")
}

func TestOAuth2ConfigUsesConfiguredTokenURLAndRedirect(t *testing.T) {
	client := NewGitHubClient(config.GitHubConfig{
		ClientID:     "cid",
		ClientSecret: "secret",
		TokenURL:     "https://github.example/login/oauth/access_token",
	}, nil)

	cfg := client.oauth2Config("https://app.example/callback")
	assert.Equal(t, "cid", cfg.ClientID)
	assert.Equal(t, "https://app.example/callback", cfg.RedirectURL)
	assert.Equal(t, "https://github.example/login/oauth/access_token", cfg.Endpoint.TokenURL)
}

func TestNewManagerNormalizesAdminEmails(t *testing.T) {
	m := NewManager(nil, nil, nil, []string{" Admin@Example.com ", "second@example.com"})
	_, ok := m.adminEmail["admin@example.com"]
	assert.True(t, ok)
	_, ok = m.adminEmail["second@example.com"]
	assert.True(t, ok)
}
