// Package pats implements the Personal Access Token lifecycle: creation
// with scope-subset enforcement, hash-backed verification, listing, and
// deletion. Token generation and hash-storage follow the same
// crypto/rand + sha256 + base64.RawURLEncoding idiom the reference
// persistence.CreateCIToken uses, generalized to the core's mrp_ prefix
// and bitset scopes instead of per-project string scopes.
package pats

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/pylon-project/pylon/internal/apierr"
	"github.com/pylon-project/pylon/internal/dbx"
	"github.com/pylon-project/pylon/internal/scopes"
)

// maxIDAttempts bounds the retry loop newID-generated inserts use to work
// around an id collision, rather than looping forever on a pathological
// run of bad luck.
const maxIDAttempts = 5

const prefix = "mrp_"

// Manager owns the PAT table.
type Manager struct {
	store *dbx.Store
}

func NewManager(store *dbx.Store) *Manager {
	return &Manager{store: store}
}

// Create mints a new PAT for userID. requested must be a subset of
// ownerScopes (§3: "Scope set at creation must be a subset of the user's
// allowed scopes and must not include the restricted subset except for the
// account owner" — ownerScopes is always the acting user's own full scope
// set, so a self-created PAT may include restricted scopes; a PAT created
// on another user's behalf, which no endpoint in this core exposes, would
// not be able to).
func (m *Manager) Create(ctx context.Context, userID int64, name string, requested, ownerScopes scopes.Scopes, expires *time.Time) (plaintext string, pat dbx.PAT, err error) {
	if !requested.IsSubsetOf(ownerScopes) {
		return "", dbx.PAT{}, apierr.New(apierr.InsufficientScope, "requested scopes exceed owner's allowed scopes")
	}

	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", dbx.PAT{}, fmt.Errorf("pats: failed to generate token: %w", err)
	}
	plaintext = prefix + base64.RawURLEncoding.EncodeToString(randomBytes)

	hash := sha256.Sum256([]byte(plaintext))
	tokenHash := hex.EncodeToString(hash[:])

	pat = dbx.PAT{
		UserID:    userID,
		Name:      name,
		TokenHash: tokenHash,
		Scopes:    int64(requested),
		Created:   time.Now(),
	}
	if expires != nil {
		pat.Expires = sql.NullTime{Time: *expires, Valid: true}
	}

	const q = `INSERT INTO pats (id, user_id, name, token_hash, scopes, created, expires)
	           VALUES (:id, :user_id, :name, :token_hash, :scopes, :created, :expires)`
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		pat.ID = newID()
		_, err := sqlx.NamedExecContext(ctx, m.store.DB(), q, pat)
		if err == nil {
			return plaintext, pat, nil
		}
		if dbx.IsUniqueViolation(err, "pats_pkey") {
			continue
		}
		if dbx.IsUniqueViolation(err, "pats_token_hash_key") {
			return "", dbx.PAT{}, fmt.Errorf("pats: token hash collision, retry")
		}
		return "", dbx.PAT{}, fmt.Errorf("pats: failed to insert token: %w", err)
	}
	return "", dbx.PAT{}, fmt.Errorf("pats: failed to generate a unique id after %d attempts", maxIDAttempts)
}

// Verify looks up a PAT by its plaintext's hash. Expiry is checked against
// the current wall clock with no grace window, per §4.1.
func (m *Manager) Verify(ctx context.Context, plaintext string) (dbx.PAT, error) {
	hash := sha256.Sum256([]byte(plaintext))
	tokenHash := hex.EncodeToString(hash[:])

	var pat dbx.PAT
	err := m.store.DB().GetContext(ctx, &pat, `SELECT * FROM pats WHERE token_hash = $1`, tokenHash)
	if err != nil {
		return dbx.PAT{}, apierr.New(apierr.InvalidCredentials, "unknown token")
	}
	if pat.Expires.Valid && !pat.Expires.Time.After(time.Now()) {
		return dbx.PAT{}, apierr.New(apierr.InvalidCredentials, "token expired")
	}
	return pat, nil
}

// List returns every PAT owned by userID, most recently created first.
func (m *Manager) List(ctx context.Context, userID int64) ([]dbx.PAT, error) {
	var out []dbx.PAT
	err := m.store.DB().SelectContext(ctx, &out, `SELECT * FROM pats WHERE user_id = $1 ORDER BY created DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("pats: failed to list tokens: %w", err)
	}
	return out, nil
}

// Delete removes a PAT, but only if it belongs to userID.
func (m *Manager) Delete(ctx context.Context, userID, patID int64) error {
	res, err := m.store.DB().ExecContext(ctx, `DELETE FROM pats WHERE id = $1 AND user_id = $2`, patID, userID)
	if err != nil {
		return fmt.Errorf("pats: failed to delete token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("pats: failed to confirm delete: %w", err)
	}
	if n == 0 {
		return apierr.New(apierr.NotMember, "token not found")
	}
	return nil
}

// MarkUsed is called by the usage batcher's flush, batching last_used
// writes across every PAT id queued since the previous flush.
func (m *Manager) MarkUsed(ctx context.Context, tx *sqlx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `UPDATE pats SET last_used = NOW() WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("pats: failed to mark used: %w", err)
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
