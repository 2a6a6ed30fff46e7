// Package sessionstore implements the first-party session lifecycle:
// issue, verify, list, delete, and refresh-with-rotation. A session always
// carries Scopes::all() (full user power) — it represents a logged-in
// human, not a delegated OAuth grant — so unlike pats and oauthclients it
// stores no scope bitset column at all.
package sessionstore

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
)

const prefix = "mra_"

// maxIDAttempts bounds the retry loop newID-generated inserts use to work
// around an id collision, rather than looping forever on a pathological
// run of bad luck.
const maxIDAttempts = 5

type Store struct {
	store      *dbx.Store
	sessionTTL time.Duration
	refreshTTL time.Duration
}

func New(store *dbx.Store, sessionTTL, refreshTTL time.Duration) *Store {
	return &Store{store: store, sessionTTL: sessionTTL, refreshTTL: refreshTTL}
}

// Metadata is the denormalized client context recorded alongside a session,
// populated by the HTTP guard from connection info and, when the
// Cloudflare integration is enabled, cf-ipcountry/cf-ipcity/CF-Connecting-IP
// headers.
type Metadata struct {
	OS        string
	Platform  string
	City      string
	Country   string
	IP        string
	UserAgent string
}

// Issue creates a new session for userID, returning the plaintext token.
func (s *Store) Issue(ctx context.Context, userID int64, md Metadata) (plaintext string, sess dbx.Session, err error) {
	plaintext, hash, err := mint()
	if err != nil {
		return "", dbx.Session{}, err
	}

	now := time.Now()
	sess = dbx.Session{
		UserID:         userID,
		TokenHash:      hash,
		Created:        now,
		LastLogin:      now,
		Expires:        now.Add(s.sessionTTL),
		RefreshExpires: now.Add(s.refreshTTL),
		OS:             nullString(md.OS),
		Platform:       nullString(md.Platform),
		City:           nullString(md.City),
		Country:        nullString(md.Country),
		IP:             nullString(md.IP),
		UserAgent:      nullString(md.UserAgent),
	}

	const q = `INSERT INTO sessions
		(id, user_id, token_hash, created, last_login, expires, refresh_expires, os, platform, city, country, ip, user_agent)
		VALUES (:id, :user_id, :token_hash, :created, :last_login, :expires, :refresh_expires, :os, :platform, :city, :country, :ip, :user_agent)`
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		sess.ID = newID()
		_, err := sqlx.NamedExecContext(ctx, s.store.DB(), q, sess)
		if err == nil {
			return plaintext, sess, nil
		}
		if dbx.IsUniqueViolation(err, "sessions_pkey") {
			continue
		}
		return "", dbx.Session{}, fmt.Errorf("sessionstore: failed to insert session: %w", err)
	}
	return "", dbx.Session{}, fmt.Errorf("sessionstore: failed to generate a unique id after %d attempts", maxIDAttempts)
}

// Verify looks up a session by its plaintext's hash. Expiry (not
// refresh-expiry) gates ordinary bearer use.
func (s *Store) Verify(ctx context.Context, plaintext string) (dbx.Session, error) {
	hash := hashOf(plaintext)

	var sess dbx.Session
	if err := s.store.DB().GetContext(ctx, &sess, `SELECT * FROM sessions WHERE token_hash = $1`, hash); err != nil {
		return dbx.Session{}, apierr.New(apierr.InvalidCredentials, "unknown session")
	}
	if !sess.Expires.After(time.Now()) {
		return dbx.Session{}, apierr.New(apierr.InvalidCredentials, "session expired")
	}
	return sess, nil
}

// List returns every session owned by userID.
func (s *Store) List(ctx context.Context, userID int64) ([]dbx.Session, error) {
	var out []dbx.Session
	if err := s.store.DB().SelectContext(ctx, &out, `SELECT * FROM sessions WHERE user_id = $1 ORDER BY last_login DESC`, userID); err != nil {
		return nil, fmt.Errorf("sessionstore: failed to list sessions: %w", err)
	}
	return out, nil
}

// Delete removes a single session, scoped to its owner.
func (s *Store) Delete(ctx context.Context, userID, sessionID int64) error {
	res, err := s.store.DB().ExecContext(ctx, `DELETE FROM sessions WHERE id = $1 AND user_id = $2`, sessionID, userID)
	if err != nil {
		return fmt.Errorf("sessionstore: failed to delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sessionstore: failed to confirm delete: %w", err)
	}
	if n == 0 {
		return apierr.New(apierr.NotMember, "session not found")
	}
	return nil
}

// Refresh rotates a session's token: it must still be within its
// refresh-expiry window, even if its ordinary expiry has already passed,
// matching POST /session/refresh's contract of re-issuing a live login
// without re-prompting for credentials.
func (s *Store) Refresh(ctx context.Context, plaintext string) (newPlaintext string, sess dbx.Session, err error) {
	hash := hashOf(plaintext)

	if err := s.store.DB().GetContext(ctx, &sess, `SELECT * FROM sessions WHERE token_hash = $1`, hash); err != nil {
		return "", dbx.Session{}, apierr.New(apierr.InvalidCredentials, "unknown session")
	}
	if !sess.RefreshExpires.After(time.Now()) {
		return "", dbx.Session{}, apierr.New(apierr.InvalidCredentials, "refresh window expired")
	}

	newPlaintext, newHash, err := mint()
	if err != nil {
		return "", dbx.Session{}, err
	}

	now := time.Now()
	sess.TokenHash = newHash
	sess.LastLogin = now
	sess.Expires = now.Add(s.sessionTTL)
	sess.RefreshExpires = now.Add(s.refreshTTL)

	const q = `UPDATE sessions SET token_hash=$1, last_login=$2, expires=$3, refresh_expires=$4 WHERE id=$5`
	if _, err := s.store.DB().ExecContext(ctx, q, sess.TokenHash, sess.LastLogin, sess.Expires, sess.RefreshExpires, sess.ID); err != nil {
		return "", dbx.Session{}, fmt.Errorf("sessionstore: failed to rotate session: %w", err)
	}
	return newPlaintext, sess, nil
}

// FlushMetadata applies the usage batcher's queued session metadata
// (step 1 of §4.6's flush). The refresh-expired sweep of step 2 is
// SweepRefreshExpired.
func (s *Store) FlushMetadata(ctx context.Context, tx *sqlx.Tx, queued map[int64]Metadata) error {
	for id, md := range queued {
		_, err := tx.ExecContext(ctx, `UPDATE sessions SET last_login=NOW(), os=$1, platform=$2, city=$3, country=$4, ip=$5, user_agent=$6 WHERE id=$7`,
			nullString(md.OS), nullString(md.Platform), nullString(md.City), nullString(md.Country), nullString(md.IP), nullString(md.UserAgent), id)
		if err != nil {
			return fmt.Errorf("sessionstore: failed to flush metadata for session %d: %w", id, err)
		}
	}
	return nil
}

// SweepRefreshExpired deletes every session whose refresh window has
// elapsed and returns their IDs for cache invalidation.
func (s *Store) SweepRefreshExpired(ctx context.Context, tx *sqlx.Tx) ([]int64, error) {
	var expired []dbx.Session
	if err := sqlx.SelectContext(ctx, tx, &expired, `SELECT * FROM sessions WHERE refresh_expires <= NOW()`); err != nil {
		return nil, fmt.Errorf("sessionstore: failed to select refresh-expired sessions: %w", err)
	}
	if len(expired) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(expired))
	for i, sess := range expired {
		ids[i] = sess.ID
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ANY($1)`, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("sessionstore: failed to delete refresh-expired sessions: %w", err)
	}
	return ids, nil
}

func mint() (plaintext, hash string, err error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("sessionstore: failed to generate token: %w", err)
	}
	plaintext = prefix + base64.RawURLEncoding.EncodeToString(randomBytes)
	return plaintext, hashOf(plaintext), nil
}

func hashOf(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

// newID mints a 64-bit id from a fresh v4 UUID's first 8 bytes, masked
// positive. uuid.UUID.ID() only yields the DCE/Version-2 32-bit accessor
// and is unsuitable as a BIGINT primary key generator.
func newID() int64 {
	id := uuid.New()
	return int64(binary.BigEndian.Uint64(id[:8]) &^ (1 << 63))
}
