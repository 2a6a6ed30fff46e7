// Package oauthclients is the persistence and validation layer behind the
// OAuth Authorization Server: client lookup, redirect-URI matching modulo
// query string, (user, client) authorization upsert, and access-token
// minting with restricted-scope masking.
package oauthclients

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/pylon-project/pylon/internal/apierr"
	"github.com/pylon-project/pylon/internal/dbx"
	"github.com/pylon-project/pylon/internal/scopes"
)

const accessTokenPrefix = "mro_"

// maxIDAttempts bounds the retry loop newID-generated inserts use to work
// around an id collision, rather than looping forever on a pathological
// run of bad luck.
const maxIDAttempts = 5

type Store struct {
	store          *dbx.Store
	accessTokenTTL time.Duration
}

func New(store *dbx.Store, accessTokenTTL time.Duration) *Store {
	return &Store{store: store, accessTokenTTL: accessTokenTTL}
}

// LoadClient fetches a client by its public ID.
func (s *Store) LoadClient(ctx context.Context, clientID int64) (dbx.OAuthClient, error) {
	var c dbx.OAuthClient
	if err := s.store.DB().GetContext(ctx, &c, `SELECT * FROM oauth_clients WHERE id = $1`, clientID); err != nil {
		return dbx.OAuthClient{}, apierr.New(apierr.InvalidClientID, "unknown client")
	}
	return c, nil
}

// ValidateRedirect implements §4.2 step 2 / §8's "redirect URI match is
// query-insensitive" property: if requested is empty, the client's first
// configured URI wins; otherwise requested must match some configured URI
// once both are split on "?" and only the path portion compared. The
// matched, caller-supplied URI (not the configured one) is returned, since
// the query string the caller supplied is preserved for the eventual
// redirect.
func ValidateRedirect(client dbx.OAuthClient, requested string) (string, error) {
	if len(client.RedirectURIs) == 0 {
		return "", apierr.New(apierr.ClientMissingRedirectURI, "client has no configured redirect URIs")
	}
	if requested == "" {
		return client.RedirectURIs[0], nil
	}
	requestedPath, _, _ := strings.Cut(requested, "?")
	for _, configured := range client.RedirectURIs {
		configuredPath, _, _ := strings.Cut(configured, "?")
		if configuredPath == requestedPath {
			return requested, nil
		}
	}
	return "", apierr.New(apierr.RedirectURINotConfigured, "redirect_uri does not match any configured URI")
}

// ValidateScopes parses requested (or falls back to client.MaxScopes when
// empty) and enforces it's a subset of the client's ceiling.
func ValidateScopes(client dbx.OAuthClient, requested string) (scopes.Scopes, error) {
	if requested == "" {
		return scopes.Scopes(client.MaxScopes), nil
	}
	parsed, err := scopes.Parse(requested)
	if err != nil {
		return 0, apierr.New(apierr.FailedScopeParse, "%v", err)
	}
	if !parsed.IsSubsetOf(scopes.Scopes(client.MaxScopes)) {
		return 0, apierr.New(apierr.ScopesTooBroad, "requested scopes exceed client's max_scopes")
	}
	return parsed, nil
}

// LoadAuthorization returns the existing (user, client) consent row, if any.
func (s *Store) LoadAuthorization(ctx context.Context, userID, clientID int64) (dbx.OAuthClientAuthorization, bool, error) {
	var a dbx.OAuthClientAuthorization
	err := s.store.DB().GetContext(ctx, &a, `SELECT * FROM oauth_client_authorizations WHERE user_id = $1 AND client_id = $2`, userID, clientID)
	if errors.Is(err, sql.ErrNoRows) {
		return dbx.OAuthClientAuthorization{}, false, nil
	}
	if err != nil {
		return dbx.OAuthClientAuthorization{}, false, fmt.Errorf("oauthclients: failed to load authorization: %w", err)
	}
	return a, true, nil
}

// UpsertAuthorization records consent, used by POST /oauth/accept.
func (s *Store) UpsertAuthorization(ctx context.Context, userID, clientID int64, granted scopes.Scopes) (dbx.OAuthClientAuthorization, error) {
	var a dbx.OAuthClientAuthorization
	const q = `
		INSERT INTO oauth_client_authorizations (id, user_id, client_id, scopes, created)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id, client_id) DO UPDATE SET scopes = EXCLUDED.scopes
		RETURNING *`
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		err := s.store.DB().GetContext(ctx, &a, q, newID(), userID, clientID, int64(granted))
		if err == nil {
			return a, nil
		}
		if dbx.IsUniqueViolation(err, "oauth_client_authorizations_pkey") {
			continue
		}
		return dbx.OAuthClientAuthorization{}, fmt.Errorf("oauthclients: failed to upsert authorization: %w", err)
	}
	return dbx.OAuthClientAuthorization{}, fmt.Errorf("oauthclients: failed to generate a unique id after %d attempts", maxIDAttempts)
}

// MintAccessToken implements §4.2 step 6-7: mask restricted scopes out,
// generate the mrp_-sibling mro_ token, hash-store it with a
// server-determined expiry inside a transaction.
func (s *Store) MintAccessToken(ctx context.Context, userID, clientID, authorizationID int64, granted scopes.Scopes) (plaintext string, tok dbx.OAuthAccessToken, err error) {
	masked := granted.Mask(scopes.Restricted())

	randomBytes := make([]byte, 45) // base64url(45 bytes) == 60 chars, matching §6's 60-char token body
	if _, err := rand.Read(randomBytes); err != nil {
		return "", dbx.OAuthAccessToken{}, fmt.Errorf("oauthclients: failed to generate token: %w", err)
	}
	plaintext = accessTokenPrefix + base64.RawURLEncoding.EncodeToString(randomBytes)

	hash := sha256.Sum256([]byte(plaintext))
	tokenHash := hex.EncodeToString(hash[:])

	tok = dbx.OAuthAccessToken{
		TokenHash:       tokenHash,
		UserID:          userID,
		ClientID:        clientID,
		AuthorizationID: authorizationID,
		Scopes:          int64(masked),
		Created:         time.Now(),
		Expires:         time.Now().Add(s.accessTokenTTL),
	}

	const q = `INSERT INTO oauth_access_tokens (id, token_hash, user_id, client_id, authorization_id, scopes, created, expires)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		tok.ID = newID()
		err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
			_, err := tx.ExecContext(ctx, q, tok.ID, tok.TokenHash, tok.UserID, tok.ClientID, tok.AuthorizationID, tok.Scopes, tok.Created, tok.Expires)
			return err
		})
		if err == nil {
			return plaintext, tok, nil
		}
		if dbx.IsUniqueViolation(err, "oauth_access_tokens_pkey") {
			continue
		}
		return "", dbx.OAuthAccessToken{}, fmt.Errorf("oauthclients: failed to mint access token: %w", err)
	}
	return "", dbx.OAuthAccessToken{}, fmt.Errorf("oauthclients: failed to generate a unique id after %d attempts", maxIDAttempts)
}

// VerifyAccessToken looks up an mro_ token by its plaintext's hash.
func (s *Store) VerifyAccessToken(ctx context.Context, plaintext string) (dbx.OAuthAccessToken, error) {
	hash := sha256.Sum256([]byte(plaintext))
	tokenHash := hex.EncodeToString(hash[:])

	var tok dbx.OAuthAccessToken
	if err := s.store.DB().GetContext(ctx, &tok, `SELECT * FROM oauth_access_tokens WHERE token_hash = $1`, tokenHash); err != nil {
		return dbx.OAuthAccessToken{}, apierr.New(apierr.InvalidCredentials, "unknown access token")
	}
	if !tok.Expires.After(time.Now()) {
		return dbx.OAuthAccessToken{}, apierr.New(apierr.InvalidCredentials, "access token expired")
	}
	return tok, nil
}

// MarkUsed batches last_used writes for the usage batcher's flush.
func (s *Store) MarkUsed(ctx context.Context, tx *sqlx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE oauth_access_tokens SET last_used = NOW() WHERE id = ANY($1)`, pq.Array(ids)); err != nil {
		return fmt.Errorf("oauthclients: failed to mark used: %w", err)
	}
	return nil
}

// newID mints a 64-bit id from a fresh v4 UUID's first 8 bytes, masked
// positive. uuid.UUID.ID() only yields the DCE/Version-2 32-bit accessor
// and is unsuitable as a BIGINT primary key generator.
func newID() int64 {
	id := uuid.New()
	return int64(binary.BigEndian.Uint64(id[:8]) &^ (1 << 63))
}
