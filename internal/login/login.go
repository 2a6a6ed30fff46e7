// Package login implements first-party username/password authentication:
// the other source of the "issued by login" sessions §3 describes
// alongside IdP first-login (internal/idp). Password hashing algorithm
// choice is explicitly out of this core's scope; bcrypt is simply the
// concrete choice already present in the reference stack for this need.
package login

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/pylon-project/pylon/internal/apierr"
	"github.com/pylon-project/pylon/internal/dbx"
	"github.com/pylon-project/pylon/internal/sessionstore"
)

// Manager authenticates username/password pairs against User.PasswordHash
// and mints a session on success.
type Manager struct {
	store    *dbx.Store
	sessions *sessionstore.Store
}

func New(store *dbx.Store, sessions *sessionstore.Store) *Manager {
	return &Manager{store: store, sessions: sessions}
}

// Login verifies username/password (case-insensitive username, per §3)
// and issues a session carrying the caller's connection metadata. A user
// with no password hash set (IdP-only account) can never succeed here,
// matching §3's "optional password hash."
func (m *Manager) Login(ctx context.Context, username, password string, md sessionstore.Metadata) (plaintext string, sess dbx.Session, err error) {
	var user dbx.User
	const q = `SELECT id, username, email, email_verified, role, badges, github_id, password_hash, totp_secret, created
	           FROM users WHERE LOWER(username) = LOWER($1)`
	err = m.store.DB().GetContext(ctx, &user, q, username)
	if errors.Is(err, sql.ErrNoRows) {
		return "", dbx.Session{}, apierr.New(apierr.InvalidCredentials, "unknown username or password")
	}
	if err != nil {
		return "", dbx.Session{}, fmt.Errorf("login: failed to load user: %w", err)
	}

	if !user.PasswordHash.Valid {
		return "", dbx.Session{}, apierr.New(apierr.InvalidCredentials, "unknown username or password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash.String), []byte(password)); err != nil {
		return "", dbx.Session{}, apierr.New(apierr.InvalidCredentials, "unknown username or password")
	}

	return m.sessions.Issue(ctx, user.ID, md)
}

// HashPassword hashes a plaintext password for storage on User.PasswordHash,
// used by the (out-of-scope) signup/change-password surfaces this core's
// callers implement against the same User row.
func HashPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(strings.TrimSpace(plaintext)), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("login: failed to hash password: %w", err)
	}
	return string(hash), nil
}
