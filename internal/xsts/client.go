package xsts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

const (
	microsoftClientID = "00000000402b5328"
	redirectURL       = "https://login.live.com/oauth20_desktop.srf"
	requestedScopes   = "service::user.auth.xboxlive.com::MBI_SSL"

	deviceAuthURL  = "https://device.auth.xboxlive.com/device/authenticate"
	sisuAuthNURL   = "https://sisu.xboxlive.com/authenticate"
	sisuAuthZURL   = "https://sisu.xboxlive.com/authorize"
	xstsAuthZURL   = "https://xsts.auth.xboxlive.com/xsts/authorize"
	oauthTokenURL  = "https://login.live.com/oauth20_token.srf"
	minecraftLogin = "https://api.minecraftservices.com/launcher/login"
	minecraftProf  = "https://api.minecraftservices.com/minecraft/profile"
)

// retryAttempts/retryWait implement §4.5's "up to 5 attempts, 250ms fixed
// delay, connect/timeout errors only" retry policy.
const (
	retryAttempts = 5
	retryWait     = 250 * time.Millisecond
)

// Client drives the game-identity chain against Xbox Live and Minecraft
// Services. NewClient(nil) uses an http.Client with a 3s per-request
// timeout (§5); a caller-supplied client keeps its own timeout.
type Client struct {
	http *http.Client
}

func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 3 * time.Second}
	}
	return &Client{http: httpClient}
}

// DeviceToken mirrors the reference's DeviceToken response shape, reused
// for device/user/title token responses alike (they share a schema).
type DeviceToken struct {
	IssueInstant  time.Time                 `json:"IssueInstant"`
	NotAfter      time.Time                 `json:"NotAfter"`
	Token         string                    `json:"Token"`
	DisplayClaims map[string]interface{}    `json:"DisplayClaims"`
}

type oauthToken struct {
	ExpiresIn    int64  `json:"expires_in"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type sisuAuthorizeResponse struct {
	TitleToken DeviceToken `json:"TitleToken"`
	UserToken  DeviceToken `json:"UserToken"`
}

type minecraftTokenResponse struct {
	AccessToken string `json:"access_token"`
}

type minecraftProfileResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// signedResult carries the decoded body alongside headers the caller
// needs (X-SessionId) and the server's Date header, which §4.5's signed
// envelope uses as the clock source instead of local wall time, so a
// skewed client clock doesn't invalidate every subsequent signature.
type signedResult struct {
	headers http.Header
	date    time.Time
}

func (c *Client) sendSigned(ctx context.Context, key DeviceKey, urlStr, urlPath, authorization string, payload interface{}, now time.Time, out interface{}) (signedResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return signedResult{}, fmt.Errorf("xsts: failed to encode request body: %w", err)
	}

	sig, err := signEnvelope(key, now, urlPath, authorization, body)
	if err != nil {
		return signedResult{}, err
	}

	var resp *http.Response
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, urlStr, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Signature", sig)
		if urlStr != sisuAuthZURL {
			req.Header.Set("x-xbl-contract-version", "1")
		}
		if authorization != "" {
			req.Header.Set("Authorization", authorization)
		}

		r, err := c.http.Do(req)
		if err != nil {
			return err // connect/timeout errors are retried by the backoff policy below
		}
		resp = r
		return nil
	}

	if err := retry(ctx, op); err != nil {
		return signedResult{}, fmt.Errorf("xsts: signed request to %s failed: %w", urlPath, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return signedResult{}, fmt.Errorf("xsts: failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return signedResult{}, fmt.Errorf("xsts: %s returned %d: %s", urlPath, resp.StatusCode, string(raw))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return signedResult{}, fmt.Errorf("xsts: failed to decode response from %s: %w", urlPath, err)
		}
	}

	return signedResult{headers: resp.Header, date: dateHeader(resp.Header)}, nil
}

func dateHeader(h http.Header) time.Time {
	if raw := h.Get("Date"); raw != "" {
		if t, err := http.ParseTime(raw); err == nil {
			return t
		}
	}
	return time.Now()
}

// retry applies §4.5's connect/timeout-only retry policy: 5 attempts, a
// fixed 250ms wait, never retrying a non-nil http.Response (i.e. 4xx/5xx).
func retry(ctx context.Context, op func() error) error {
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(retryWait), retryAttempts-1)
	return backoff.Retry(op, backoff.WithContext(policy, ctx))
}

// DeviceAuthenticate is chain step 1.
func (c *Client) DeviceAuthenticate(ctx context.Context, key DeviceKey, now time.Time) (DeviceToken, time.Time, error) {
	var tok DeviceToken
	res, err := c.sendSigned(ctx, key, deviceAuthURL, "/device/authenticate", "", map[string]interface{}{
		"Properties": map[string]interface{}{
			"AuthMethod": "ProofOfPossession",
			"Id":         fmt.Sprintf("{%s}", uuid.New().String()),
			"DeviceType": "Win32",
			"Version":    "10.16.0",
			"ProofKey": map[string]interface{}{
				"kty": "EC", "x": key.X, "y": key.Y, "crv": "P-256", "alg": "ES256", "use": "sig",
			},
		},
		"RelyingParty": "http://auth.xboxlive.com",
		"TokenType":    "JWT",
	}, now, &tok)
	if err != nil {
		return DeviceToken{}, time.Time{}, err
	}
	return tok, res.date, nil
}

// SisuAuthenticate is chain step 2: returns the session ID from the
// X-SessionId response header and the MSA OAuth redirect URL to send the
// user to out-of-band.
func (c *Client) SisuAuthenticate(ctx context.Context, key DeviceKey, deviceToken, challenge, state string, now time.Time) (sessionID, msaRedirect string, at time.Time, err error) {
	var out struct {
		MsaOauthRedirect string `json:"MsaOauthRedirect"`
	}
	res, err := c.sendSigned(ctx, key, sisuAuthNURL, "/authenticate", "", map[string]interface{}{
		"AppId":       microsoftClientID,
		"DeviceToken": deviceToken,
		"Offers":      []string{requestedScopes},
		"Query": map[string]interface{}{
			"code_challenge":        challenge,
			"code_challenge_method": "S256",
			"state":                 state,
			"prompt":                "select_account",
		},
		"RedirectUri": redirectURL,
		"Sandbox":     "RETAIL",
		"TokenType":   "code",
		"TitleId":     "1794566092",
	}, now, &out)
	if err != nil {
		return "", "", time.Time{}, err
	}
	sessionID = res.headers.Get("X-SessionId")
	if sessionID == "" {
		return "", "", time.Time{}, fmt.Errorf("xsts: sisu_authenticate response missing X-SessionId")
	}
	return sessionID, out.MsaOauthRedirect, res.date, nil
}

// OAuthToken is chain step 4: the unsigned standard OAuth2 code exchange
// against login.live.com, completing the MSA authorization the user
// performed out-of-band in step 3.
func (c *Client) OAuthToken(ctx context.Context, code, verifier string) (accessToken, refreshToken string, expiresIn int64, err error) {
	form := url.Values{
		"client_id":     {microsoftClientID},
		"code":          {code},
		"code_verifier": {verifier},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {redirectURL},
		"scope":         {requestedScopes},
	}
	tok, err := c.postForm(ctx, form)
	if err != nil {
		return "", "", 0, err
	}
	return tok.AccessToken, tok.RefreshToken, tok.ExpiresIn, nil
}

// OAuthRefresh exchanges a stored MSA refresh token for a fresh access
// token without re-prompting the user, per §4.5's refresh path.
func (c *Client) OAuthRefresh(ctx context.Context, refreshToken string) (accessToken, newRefreshToken string, expiresIn int64, err error) {
	form := url.Values{
		"client_id":     {microsoftClientID},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
		"redirect_uri":  {redirectURL},
		"scope":         {requestedScopes},
	}
	tok, err := c.postForm(ctx, form)
	if err != nil {
		return "", "", 0, err
	}
	return tok.AccessToken, tok.RefreshToken, tok.ExpiresIn, nil
}

func (c *Client) postForm(ctx context.Context, form url.Values) (oauthToken, error) {
	var resp *http.Response
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, oauthTokenURL, bytes.NewReader([]byte(form.Encode())))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		r, err := c.http.Do(req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}
	if err := retry(ctx, op); err != nil {
		return oauthToken{}, fmt.Errorf("xsts: oauth token exchange failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return oauthToken{}, fmt.Errorf("xsts: failed to read oauth token response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return oauthToken{}, fmt.Errorf("xsts: oauth token exchange returned %d: %s", resp.StatusCode, string(raw))
	}
	var tok oauthToken
	if err := json.Unmarshal(raw, &tok); err != nil {
		return oauthToken{}, fmt.Errorf("xsts: failed to decode oauth token response: %w", err)
	}
	return tok, nil
}

// SisuAuthorize is chain step 5.
func (c *Client) SisuAuthorize(ctx context.Context, key DeviceKey, sessionID, msaAccessToken, deviceToken string, now time.Time) (userToken, titleToken DeviceToken, at time.Time, err error) {
	var out sisuAuthorizeResponse
	res, err := c.sendSigned(ctx, key, sisuAuthZURL, "/authorize", "", map[string]interface{}{
		"AccessToken": "t=" + msaAccessToken,
		"AppId":       microsoftClientID,
		"DeviceToken": deviceToken,
		"ProofKey": map[string]interface{}{
			"kty": "EC", "x": key.X, "y": key.Y, "crv": "P-256", "alg": "ES256", "use": "sig",
		},
		"Sandbox":           "RETAIL",
		"SessionId":         sessionID,
		"SiteName":          "user.auth.xboxlive.com",
		"RelyingParty":      "http://xboxlive.com",
		"UseModernGamertag": true,
	}, now, &out)
	if err != nil {
		return DeviceToken{}, DeviceToken{}, time.Time{}, err
	}
	return out.UserToken, out.TitleToken, res.date, nil
}

// XstsAuthorize is chain step 6.
func (c *Client) XstsAuthorize(ctx context.Context, key DeviceKey, userToken, titleToken, deviceToken string, now time.Time) (DeviceToken, time.Time, error) {
	var out DeviceToken
	res, err := c.sendSigned(ctx, key, xstsAuthZURL, "/xsts/authorize", "", map[string]interface{}{
		"RelyingParty": "rp://api.minecraftservices.com/",
		"TokenType":    "JWT",
		"Properties": map[string]interface{}{
			"SandboxId":   "RETAIL",
			"UserTokens":  []string{userToken},
			"DeviceToken": deviceToken,
			"TitleToken":  titleToken,
		},
	}, now, &out)
	if err != nil {
		return DeviceToken{}, time.Time{}, err
	}
	return out, res.date, nil
}

// userHash extracts display_claims.xui[0].uhs from an XSTS token response.
func userHash(tok DeviceToken) (string, error) {
	xui, ok := tok.DisplayClaims["xui"].([]interface{})
	if !ok || len(xui) == 0 {
		return "", fmt.Errorf("xsts: xsts token missing display_claims.xui")
	}
	entry, ok := xui[0].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("xsts: xsts token xui[0] malformed")
	}
	uhs, ok := entry["uhs"].(string)
	if !ok {
		return "", fmt.Errorf("xsts: xsts token missing uhs")
	}
	return uhs, nil
}

// MinecraftToken is chain step 7: exchanges the XSTS token for a
// Minecraft access token using the XBL3.0 scheme.
func (c *Client) MinecraftToken(ctx context.Context, xstsToken DeviceToken) (string, error) {
	uhs, err := userHash(xstsToken)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(map[string]string{
		"platform": "PC_LAUNCHER",
		"xtoken":   fmt.Sprintf("XBL3.0 x=%s;%s", uhs, xstsToken.Token),
	})
	if err != nil {
		return "", fmt.Errorf("xsts: failed to encode minecraft_token request: %w", err)
	}

	var resp *http.Response
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, minecraftLogin, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		r, err := c.http.Do(req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}
	if err := retry(ctx, op); err != nil {
		return "", fmt.Errorf("xsts: minecraft_token failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("xsts: failed to read minecraft_token response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("xsts: minecraft_token returned %d: %s", resp.StatusCode, string(raw))
	}
	var out minecraftTokenResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("xsts: failed to decode minecraft_token response: %w", err)
	}
	return out.AccessToken, nil
}

// MinecraftProfile is chain step 8: fetches the player UUID and current
// gamertag with the freshly-minted Minecraft access token.
func (c *Client) MinecraftProfile(ctx context.Context, minecraftAccessToken string) (uuidStr, username string, err error) {
	var resp *http.Response
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, minecraftProf, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+minecraftAccessToken)
		r, err := c.http.Do(req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}
	if err := retry(ctx, op); err != nil {
		return "", "", fmt.Errorf("xsts: minecraft_profile failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("xsts: failed to read minecraft_profile response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", "", fmt.Errorf("xsts: minecraft_profile returned %d: %s", resp.StatusCode, string(raw))
	}
	var out minecraftProfileResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", "", fmt.Errorf("xsts: failed to decode minecraft_profile response: %w", err)
	}
	return out.ID, out.Name, nil
}
