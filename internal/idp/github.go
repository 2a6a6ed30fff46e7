// Package idp implements the external identity-provider leg of the
// Token Taxonomy (§4.1's `github`/`gho`/`ghp` row): verifying a
// third-party bearer against its issuing provider, then loading (or
// linking, on first login) the local user it resolves to.
package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v50/github"
	"golang.org/x/oauth2"

	"github.com/pylon-project/pylon/internal/config"
)

const defaultHTTPTimeout = 15 * time.Second

// GitHubClient drives GitHub's device-flow and web-flow OAuth exchanges,
// then looks up the authenticated user via the typed GitHub API client.
type GitHubClient struct {
	cfg        config.GitHubConfig
	httpClient *http.Client
}

func NewGitHubClient(cfg config.GitHubConfig, httpClient *http.Client) *GitHubClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &GitHubClient{cfg: cfg, httpClient: httpClient}
}

// oauth2Config adapts this core's GitHubConfig to golang.org/x/oauth2's
// generic Config, used for the web authorization-code exchange. GitHub's
// device flow has no equivalent in x/oauth2, so that leg stays hand-rolled
// below, matching the reference client's own split.
func (g *GitHubClient) oauth2Config(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     g.cfg.ClientID,
		ClientSecret: g.cfg.ClientSecret,
		RedirectURL:  redirectURI,
		Endpoint:     oauth2.Endpoint{AuthURL: "https://github.com/login/oauth/authorize", TokenURL: g.cfg.TokenURL},
	}
}

// ExchangeAuthorizationCode completes the GitHub web OAuth flow (Browser
// Application Flow), via the standard oauth2 exchange type rather than a
// hand-rolled form POST.
func (g *GitHubClient) ExchangeAuthorizationCode(ctx context.Context, code, redirectURI string) (*oauth2.Token, error) {
	tok, err := g.oauth2Config(redirectURI).Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("idp: github authorization code exchange failed: %w", err)
	}
	return tok, nil
}

// DeviceCodeResponse mirrors GitHub's device-flow initiation response.
type DeviceCodeResponse struct {
	DeviceCode              string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	ExpiresIn               time.Duration
	Interval                time.Duration
}

// RequestDeviceCode starts GitHub's device authorization flow. Hand-rolled
// because x/oauth2 has no device-flow helper, matching the reference
// client's own approach.
func (g *GitHubClient) RequestDeviceCode(ctx context.Context, scopes []string) (DeviceCodeResponse, error) {
	form := url.Values{"client_id": {g.cfg.ClientID}}
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.DeviceURL, strings.NewReader(form.Encode()))
	if err != nil {
		return DeviceCodeResponse{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return DeviceCodeResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return DeviceCodeResponse{}, fmt.Errorf("idp: github device code request failed: %s", strings.TrimSpace(string(body)))
	}

	var raw struct {
		DeviceCode              string `json:"device_code"`
		UserCode                string `json:"user_code"`
		VerificationURI         string `json:"verification_uri"`
		VerificationURIComplete string `json:"verification_uri_complete"`
		ExpiresIn               int    `json:"expires_in"`
		Interval                int    `json:"interval"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return DeviceCodeResponse{}, err
	}
	if raw.ExpiresIn <= 0 {
		raw.ExpiresIn = 900
	}
	if raw.Interval <= 0 {
		raw.Interval = 5
	}
	return DeviceCodeResponse{
		DeviceCode:              raw.DeviceCode,
		UserCode:                raw.UserCode,
		VerificationURI:         raw.VerificationURI,
		VerificationURIComplete: raw.VerificationURIComplete,
		ExpiresIn:               time.Duration(raw.ExpiresIn) * time.Second,
		Interval:                time.Duration(raw.Interval) * time.Second,
	}, nil
}

// ExchangeDeviceCode polls the token endpoint once for a pending device
// authorization. A *DeviceFlowPendingError reports that the authorization
// is not complete; its Code tells the caller whether to wait Interval and
// retry.
func (g *GitHubClient) ExchangeDeviceCode(ctx context.Context, deviceCode string) (*oauth2.Token, error) {
	form := url.Values{
		"client_id":   {g.cfg.ClientID},
		"device_code": {deviceCode},
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		AccessToken      string `json:"access_token"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if body.Error != "" {
		return nil, &DeviceFlowPendingError{Code: body.Error, Description: body.ErrorDescription}
	}
	if strings.TrimSpace(body.AccessToken) == "" {
		return nil, &DeviceFlowPendingError{Code: "authorization_pending"}
	}
	return &oauth2.Token{AccessToken: body.AccessToken, TokenType: "Bearer"}, nil
}

// DeviceFlowPendingError signals the device-flow poller should keep
// waiting (authorization_pending, slow_down) or stop (expired_token,
// access_denied); the caller inspects Code to decide which.
type DeviceFlowPendingError struct {
	Code        string
	Description string
}

func (e *DeviceFlowPendingError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("idp: github device flow: %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("idp: github device flow: %s", e.Code)
}

// Profile is the subset of a GitHub user this core persists.
type Profile struct {
	ID    int64
	Login string
	Name  string
	Email string
}

// FetchUser loads the authenticated user's profile using the typed
// go-github client, falling back to the primary verified email from the
// emails endpoint (or else the first verified one) when the profile doesn't
// expose one publicly. Unverified addresses are never used as the fallback.
func (g *GitHubClient) FetchUser(ctx context.Context, accessToken string) (Profile, error) {
	client := github.NewClient(oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})))
	if g.cfg.UserURL != "" {
		if base, err := url.Parse(strings.TrimSuffix(g.cfg.UserURL, "/user") + "/"); err == nil {
			client.BaseURL = base
		}
	}

	user, _, err := client.Users.Get(ctx, "")
	if err != nil {
		return Profile{}, fmt.Errorf("idp: github user request failed: %w", err)
	}

	profile := Profile{
		ID:    user.GetID(),
		Login: user.GetLogin(),
		Name:  user.GetName(),
		Email: user.GetEmail(),
	}
	if profile.Email == "" {
		if email, err := g.fetchPrimaryEmail(ctx, client); err == nil {
			profile.Email = email
		}
	}
	return profile, nil
}

func (g *GitHubClient) fetchPrimaryEmail(ctx context.Context, client *github.Client) (string, error) {
	emails, _, err := client.Users.ListEmails(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("idp: failed to fetch github emails: %w", err)
	}
	var firstVerified string
	for _, e := range emails {
		if e.GetPrimary() && e.GetVerified() {
			return e.GetEmail(), nil
		}
		if e.GetVerified() && firstVerified == "" {
			firstVerified = e.GetEmail()
		}
	}
	if firstVerified != "" {
		return firstVerified, nil
	}
	return "", fmt.Errorf("idp: no verified email returned by github")
}
