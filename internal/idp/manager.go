package idp

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/pylon-project/pylon/internal/apierr"
	"github.com/pylon-project/pylon/internal/dbx"
)

// Manager implements httpguard.IdPVerifier: it takes the raw bearer value
// for a github/gho/ghp-classified token, verifies it against GitHub, and
// resolves it to a local user row — linking one on first login.
//
// An OIDCVerifier may additionally be configured for deployments that front
// an OIDC-capable identity provider; VerifyExternal tries GitHub first since
// every token this core classifies into the external-IdP bucket today is a
// GitHub token, and falls back to the OIDC leg only when it's configured and
// the GitHub lookup fails to authenticate the token at all (distinguished
// from the token resolving to an unknown user, which is not a fallback
// case).
type Manager struct {
	store      *dbx.Store
	github     *GitHubClient
	oidc       *OIDCVerifier
	adminEmail map[string]struct{}
}

func NewManager(store *dbx.Store, github *GitHubClient, oidc *OIDCVerifier, adminEmails []string) *Manager {
	set := make(map[string]struct{}, len(adminEmails))
	for _, e := range adminEmails {
		set[strings.ToLower(strings.TrimSpace(e))] = struct{}{}
	}
	return &Manager{store: store, github: github, oidc: oidc, adminEmail: set}
}

// VerifyExternal resolves raw (an opaque GitHub access token, or an OIDC ID
// token when an OIDC leg is configured) to a local user, creating one on
// first login and re-evaluating the admin allowlist on every call per the
// bootstrap rule: membership in the allowlist is checked fresh on each
// login, so removing an email demotes the user back to developer just as
// adding one promotes them, rather than only ever applying once at
// account-creation time.
func (m *Manager) VerifyExternal(ctx context.Context, raw string) (dbx.User, error) {
	email, linkID, username, displayName, err := m.resolveProfile(ctx, raw)
	if err != nil {
		return dbx.User{}, err
	}

	var user dbx.User
	txErr := m.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		u, err := loadOrLinkUser(ctx, tx, linkID, username, displayName, email)
		if err != nil {
			return err
		}
		u, err = m.reconcileAdminRole(ctx, tx, u, email)
		if err != nil {
			return err
		}
		user = u
		return nil
	})
	if txErr != nil {
		return dbx.User{}, txErr
	}
	return user, nil
}

// resolveProfile tries the GitHub leg first, then OIDC if configured.
func (m *Manager) resolveProfile(ctx context.Context, raw string) (email, linkID, username, displayName string, err error) {
	if m.github != nil {
		profile, ghErr := m.github.FetchUser(ctx, raw)
		if ghErr == nil {
			return profile.Email, fmt.Sprintf("github:%d", profile.ID), profile.Login, profile.Name, nil
		}
		if m.oidc == nil {
			return "", "", "", "", apierr.New(apierr.InvalidCredentials, "external identity token could not be verified: %v", ghErr)
		}
	}

	claims, oidcErr := m.oidc.Verify(ctx, raw)
	if oidcErr != nil {
		return "", "", "", "", apierr.New(apierr.InvalidCredentials, "external identity token could not be verified: %v", oidcErr)
	}
	if !claims.EmailVerified {
		return "", "", "", "", apierr.New(apierr.InvalidCredentials, "external identity token has no verified email")
	}
	return claims.Email, "oidc:" + claims.Subject, claims.Email, claims.Name, nil
}

// loadOrLinkUser finds the user row linked to linkID, creating one if this
// is the first login from this identity. Only the github:<id> form is
// looked up; any other form, including the oidc:<subject> IDs that
// resolveProfile produces, is rejected as an unsupported provider.
func loadOrLinkUser(ctx context.Context, tx *sqlx.Tx, linkID, username, displayName, email string) (dbx.User, error) {
	githubID, ok := githubNumericID(linkID)
	if !ok {
		return dbx.User{}, apierr.New(apierr.InvalidCredentials, "unsupported external identity provider")
	}

	var user dbx.User
	err := tx.GetContext(ctx, &user, `SELECT id, username, email, email_verified, role, badges, github_id, password_hash, totp_secret, created FROM users WHERE github_id = $1`, githubID)
	switch {
	case err == nil:
		return user, nil
	case err != sql.ErrNoRows:
		return dbx.User{}, fmt.Errorf("idp: failed to look up user by github id: %w", err)
	}

	name := username
	if name == "" {
		name = displayName
	}
	err = tx.GetContext(ctx, &user, `
		INSERT INTO users (username, email, email_verified, role, badges, github_id)
		VALUES ($1, $2, $3, $4, 0, $5)
		RETURNING id, username, email, email_verified, role, badges, github_id, password_hash, totp_secret, created
	`, name, nullableString(email), email != "", dbx.RoleDeveloper, githubID)
	if err != nil {
		return dbx.User{}, fmt.Errorf("idp: failed to link new user: %w", err)
	}
	return user, nil
}

// reconcileAdminRole applies §4.9's bootstrap rule: a user whose verified
// email is on the allowlist is promoted to admin; one who holds the admin
// role but has fallen off the allowlist is demoted back to developer. A
// moderator's role is left untouched either way — the allowlist only ever
// toggles the admin bit, it never grants or revokes moderator status.
func (m *Manager) reconcileAdminRole(ctx context.Context, tx *sqlx.Tx, user dbx.User, email string) (dbx.User, error) {
	_, listed := m.adminEmail[strings.ToLower(strings.TrimSpace(email))]

	var newRole string
	switch {
	case listed && user.Role != dbx.RoleAdmin:
		newRole = dbx.RoleAdmin
	case !listed && user.Role == dbx.RoleAdmin:
		newRole = dbx.RoleDeveloper
	default:
		return user, nil
	}

	_, err := tx.ExecContext(ctx, `UPDATE users SET role = $1 WHERE id = $2`, newRole, user.ID)
	if err != nil {
		return dbx.User{}, fmt.Errorf("idp: failed to reconcile admin role: %w", err)
	}
	user.Role = newRole
	return user, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func githubNumericID(linkID string) (int64, bool) {
	const prefix = "github:"
	if !strings.HasPrefix(linkID, prefix) {
		return 0, false
	}
	var id int64
	if _, err := fmt.Sscanf(strings.TrimPrefix(linkID, prefix), "%d", &id); err != nil {
		return 0, false
	}
	return id, true
}
