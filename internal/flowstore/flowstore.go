// Package flowstore implements the Ephemeral Flow Store (§3, §5, §9): a
// TTL-keyed cache of single-use handshake state, backed by Redis. The
// single-use guarantee (RFC 6749 §10.5) depends entirely on take_if being
// an atomic remove-if-matches; a plain GET-then-DEL would let two
// concurrent /oauth/token calls for the same code both observe the value
// before either deletes it. We get atomicity from a small Lua script
// (EVAL is itself atomic in Redis) rather than GETDEL, since GETDEL alone
// can't also check that the stored variant matches what the caller expects
// before consuming it.
package flowstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pylon-project/pylon/internal/apierr"
)

// Kind tags which flow variant a stored value holds.
type Kind string

const (
	KindOAuthAppApproval               Kind = "oauth_app_approval"
	KindOAuthAuthorizationCodeSupplied Kind = "oauth_authorization_code_supplied"
	KindResetPassword                  Kind = "reset_password"
	KindVerifyEmail                    Kind = "verify_email"
	KindMinecraftLogin                 Kind = "minecraft_login"
)

// TTLs per variant, per §3.
const (
	ttlOAuthAppApproval               = 30 * time.Minute
	ttlOAuthAuthorizationCodeSupplied = 10 * time.Minute
	ttlResetPassword                  = 30 * time.Minute
	ttlVerifyEmail                    = 24 * time.Hour
	ttlMinecraftLogin                 = 10 * time.Minute
)

// OAuthAppApproval is minted at GET /oauth/authorize step 5 when the
// caller's existing authorization doesn't already cover the requested
// scopes, and consumed by POST /oauth/accept or /oauth/reject.
type OAuthAppApproval struct {
	Kind            Kind    `json:"kind"`
	UserID          int64   `json:"user_id"`
	ClientID        int64   `json:"client_id"`
	ExistingAuthID  *int64  `json:"existing_auth_id,omitempty"`
	Scopes          int64   `json:"scopes"`
	RedirectURIs    []string `json:"redirect_uris"`
	OriginalURI     string  `json:"original_redirect_uri"`
	State           string  `json:"state,omitempty"`
}

// OAuthAuthorizationCodeSupplied is the single-use authorization code
// minted at the end of /authorize or /accept and consumed exactly once by
// POST /oauth/token.
type OAuthAuthorizationCodeSupplied struct {
	Kind            Kind  `json:"kind"`
	UserID          int64 `json:"user_id"`
	ClientID        int64 `json:"client_id"`
	AuthorizationID int64 `json:"authorization_id"`
	Scopes          int64 `json:"scopes"`
	OriginalURI     string `json:"original_redirect_uri"`
}

// ResetPassword carries the user a password-reset link resolves to.
type ResetPassword struct {
	Kind   Kind  `json:"kind"`
	UserID int64 `json:"user_id"`
}

// VerifyEmail is used both for ordinary email verification and for the
// org-registration-complete flow of §4.8, which is "VerifyEmail-shaped".
type VerifyEmail struct {
	Kind   Kind   `json:"kind"`
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
	// OrgName/OrgSlug are set only when this flow represents a pending
	// organization registration rather than a plain email-verify.
	OrgName string `json:"org_name,omitempty"`
	OrgSlug string `json:"org_slug,omitempty"`
}

// MinecraftLogin carries the short-lived MSA access token between the
// out-of-band OAuth redirect and the server completing the XSTS chain.
type MinecraftLogin struct {
	Kind        Kind   `json:"kind"`
	UserID      int64  `json:"user_id"`
	AccessToken string `json:"access_token"`
}

// Store is the Redis-backed flow cache.
type Store struct {
	client *redis.Client
	prefix string
}

func New(client *redis.Client, keyPrefix string) *Store {
	return &Store{client: client, prefix: keyPrefix}
}

func (s *Store) key(id string) string {
	return s.prefix + id
}

// put stores any JSON-marshalable flow value under a fresh flow ID with
// the given TTL, using SET...NX so a colliding ID (astronomically
// unlikely with a uuid) never silently overwrites a live flow.
func (s *Store) put(ctx context.Context, value interface{}, ttl time.Duration) (string, error) {
	id := uuid.NewString()
	payload, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("flowstore: failed to encode flow: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(id), payload, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("flowstore: failed to store flow: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("flowstore: flow id collision")
	}
	return id, nil
}

func (s *Store) PutOAuthAppApproval(ctx context.Context, f OAuthAppApproval) (string, error) {
	f.Kind = KindOAuthAppApproval
	return s.put(ctx, f, ttlOAuthAppApproval)
}

func (s *Store) PutOAuthAuthorizationCodeSupplied(ctx context.Context, f OAuthAuthorizationCodeSupplied) (string, error) {
	f.Kind = KindOAuthAuthorizationCodeSupplied
	return s.put(ctx, f, ttlOAuthAuthorizationCodeSupplied)
}

func (s *Store) PutResetPassword(ctx context.Context, f ResetPassword) (string, error) {
	f.Kind = KindResetPassword
	return s.put(ctx, f, ttlResetPassword)
}

func (s *Store) PutVerifyEmail(ctx context.Context, f VerifyEmail) (string, error) {
	f.Kind = KindVerifyEmail
	return s.put(ctx, f, ttlVerifyEmail)
}

func (s *Store) PutMinecraftLogin(ctx context.Context, f MinecraftLogin) (string, error) {
	f.Kind = KindMinecraftLogin
	return s.put(ctx, f, ttlMinecraftLogin)
}

// takeIfScript atomically returns and deletes the value at KEYS[1] only if
// its decoded "kind" field equals ARGV[1]; otherwise it leaves the key
// untouched and returns false, so a caller probing with the wrong kind
// never burns another caller's still-pending flow.
const takeIfScript = `
local val = redis.call('GET', KEYS[1])
if not val then
  return false
end
local ok, decoded = pcall(cjson.decode, val)
if not ok or decoded.kind ~= ARGV[1] then
  return false
end
redis.call('DEL', KEYS[1])
return val
`

var errFlowNotFound = errors.New("flowstore: flow not found or kind mismatch")

// takeIf runs the atomic take against id, decoding into dst only on a hit.
func (s *Store) takeIf(ctx context.Context, id string, kind Kind, dst interface{}) error {
	res, err := s.client.Eval(ctx, takeIfScript, []string{s.key(id)}, string(kind)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return errFlowNotFound
		}
		return fmt.Errorf("flowstore: take_if failed: %w", err)
	}
	raw, ok := res.(string)
	if !ok {
		return errFlowNotFound
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("flowstore: failed to decode flow: %w", err)
	}
	return nil
}

func (s *Store) TakeOAuthAppApproval(ctx context.Context, id string) (OAuthAppApproval, error) {
	var f OAuthAppApproval
	if err := s.takeIf(ctx, id, KindOAuthAppApproval, &f); err != nil {
		return OAuthAppApproval{}, apierr.New(apierr.InvalidAcceptFlowID, "flow not found or expired")
	}
	return f, nil
}

func (s *Store) TakeOAuthAuthorizationCodeSupplied(ctx context.Context, id string) (OAuthAuthorizationCodeSupplied, error) {
	var f OAuthAuthorizationCodeSupplied
	if err := s.takeIf(ctx, id, KindOAuthAuthorizationCodeSupplied, &f); err != nil {
		return OAuthAuthorizationCodeSupplied{}, apierr.New(apierr.InvalidAuthCode, "code not found, expired, or already used")
	}
	return f, nil
}

func (s *Store) TakeResetPassword(ctx context.Context, id string) (ResetPassword, error) {
	var f ResetPassword
	if err := s.takeIf(ctx, id, KindResetPassword, &f); err != nil {
		return ResetPassword{}, apierr.New(apierr.InvalidCredentials, "reset token not found or expired")
	}
	return f, nil
}

func (s *Store) TakeVerifyEmail(ctx context.Context, id string) (VerifyEmail, error) {
	var f VerifyEmail
	if err := s.takeIf(ctx, id, KindVerifyEmail, &f); err != nil {
		return VerifyEmail{}, apierr.New(apierr.InvalidCredentials, "verification token not found or expired")
	}
	return f, nil
}

func (s *Store) TakeMinecraftLogin(ctx context.Context, id string) (MinecraftLogin, error) {
	var f MinecraftLogin
	if err := s.takeIf(ctx, id, KindMinecraftLogin, &f); err != nil {
		return MinecraftLogin{}, apierr.New(apierr.InvalidCredentials, "login flow not found or expired")
	}
	return f, nil
}

// PeekVerifyEmail reads a pending verify-email flow without consuming it,
// for the org-registration resend path (§4.8), which must be able to
// re-send the same still-pending flow more than once.
func (s *Store) PeekVerifyEmail(ctx context.Context, id string) (VerifyEmail, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return VerifyEmail{}, apierr.New(apierr.InvalidCredentials, "verification token not found or expired")
	}
	if err != nil {
		return VerifyEmail{}, fmt.Errorf("flowstore: failed to peek flow: %w", err)
	}
	var f VerifyEmail
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return VerifyEmail{}, fmt.Errorf("flowstore: failed to decode flow: %w", err)
	}
	if f.Kind != KindVerifyEmail {
		return VerifyEmail{}, apierr.New(apierr.InvalidCredentials, "verification token not found or expired")
	}
	return f, nil
}
