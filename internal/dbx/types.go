package dbx

import (
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// User mirrors the users table; Role is stored as its string form so ad-hoc
// SQL and the Go constants below stay readable side by side.
type User struct {
	ID            int64          `db:"id"`
	Username      string         `db:"username"`
	Email         sql.NullString `db:"email"`
	EmailVerified bool           `db:"email_verified"`
	Role          string         `db:"role"`
	Badges        int64          `db:"badges"`
	GitHubID      sql.NullInt64  `db:"github_id"`
	PasswordHash  sql.NullString `db:"password_hash"`
	TOTPSecret    sql.NullString `db:"totp_secret"`
	Created       time.Time      `db:"created"`
}

// Role values a User.Role column may hold.
const (
	RoleDeveloper = "developer"
	RoleModerator = "moderator"
	RoleAdmin     = "admin"
)

func (u User) IsModerator() bool {
	return u.Role == RoleModerator || u.Role == RoleAdmin
}

func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// PAT mirrors the pats table. The plaintext token is never persisted; only
// TokenHash is.
type PAT struct {
	ID        int64        `db:"id"`
	UserID    int64        `db:"user_id"`
	Name      string       `db:"name"`
	TokenHash string       `db:"token_hash"`
	Scopes    int64        `db:"scopes"`
	Created   time.Time    `db:"created"`
	Expires   sql.NullTime `db:"expires"`
	LastUsed  sql.NullTime `db:"last_used"`
}

// Session mirrors the sessions table, carrying the denormalized client
// metadata the reference corpus stores alongside every first-party login.
type Session struct {
	ID             int64          `db:"id"`
	UserID         int64          `db:"user_id"`
	TokenHash      string         `db:"token_hash"`
	Created        time.Time      `db:"created"`
	LastLogin      time.Time      `db:"last_login"`
	Expires        time.Time      `db:"expires"`
	RefreshExpires time.Time      `db:"refresh_expires"`
	OS             sql.NullString `db:"os"`
	Platform       sql.NullString `db:"platform"`
	City           sql.NullString `db:"city"`
	Country        sql.NullString `db:"country"`
	IP             sql.NullString `db:"ip"`
	UserAgent      sql.NullString `db:"user_agent"`
}

// SessionMetadata is the subset of Session written by a usage-batcher flush;
// kept distinct from Session itself so the batcher's queued map doesn't need
// to carry immutable fields like TokenHash.
type SessionMetadata struct {
	OS        string
	Platform  string
	City      string
	Country   string
	IP        string
	UserAgent string
}

// OAuthClient mirrors the oauth_clients table.
type OAuthClient struct {
	ID           int64          `db:"id"`
	OwnerID      int64          `db:"owner_id"`
	SecretHash   string         `db:"secret_hash"`
	Name         string         `db:"name"`
	IconURL      sql.NullString `db:"icon_url"`
	MaxScopes    int64          `db:"max_scopes"`
	RedirectURIs pq.StringArray `db:"redirect_uris"`
	Created      time.Time      `db:"created"`
}

// OAuthClientAuthorization mirrors the oauth_client_authorizations table: the
// scope set a user has already consented to grant a given client.
type OAuthClientAuthorization struct {
	ID       int64     `db:"id"`
	UserID   int64     `db:"user_id"`
	ClientID int64     `db:"client_id"`
	Scopes   int64     `db:"scopes"`
	Created  time.Time `db:"created"`
}

// OAuthAccessToken mirrors the oauth_access_tokens table.
type OAuthAccessToken struct {
	ID              int64        `db:"id"`
	TokenHash       string       `db:"token_hash"`
	UserID          int64        `db:"user_id"`
	ClientID        int64        `db:"client_id"`
	AuthorizationID int64        `db:"authorization_id"`
	Scopes          int64        `db:"scopes"`
	Created         time.Time    `db:"created"`
	Expires         time.Time    `db:"expires"`
	LastUsed        sql.NullTime `db:"last_used"`
}

// Organization mirrors the organizations table.
type Organization struct {
	ID      int64     `db:"id"`
	Slug    string    `db:"slug"`
	Name    string    `db:"name"`
	Created time.Time `db:"created"`
}

// Team mirrors the teams table: exactly one of ProjectID/OrganizationID is
// set, enforced by the table's CHECK constraint rather than in Go.
type Team struct {
	ID             int64         `db:"id"`
	ProjectID      sql.NullInt64 `db:"project_id"`
	OrganizationID sql.NullInt64 `db:"organization_id"`
}

func (t Team) IsOrgTeam() bool {
	return t.OrganizationID.Valid
}

// TeamMember mirrors the team_members table.
type TeamMember struct {
	TeamID                  int64   `db:"team_id"`
	UserID                  int64   `db:"user_id"`
	Role                    string  `db:"role"`
	IsOwner                 bool    `db:"is_owner"`
	ProjectPermissions      int64   `db:"project_permissions"`
	OrganizationPermissions int64   `db:"organization_permissions"`
	Accepted                bool    `db:"accepted"`
	PayoutsSplit            float64 `db:"payouts_split"`
	Ordering                int     `db:"ordering"`
}

// MinecraftDeviceToken mirrors the minecraft_device_tokens table: the
// per-install P-256 signing key plus the opaque device token it was
// exchanged for.
type MinecraftDeviceToken struct {
	ID           int64     `db:"id"`
	UserID       int64     `db:"user_id"`
	PrivateKeyD  string    `db:"private_key_d"`
	PublicKeyX   string    `db:"public_key_x"`
	PublicKeyY   string    `db:"public_key_y"`
	DeviceToken  string    `db:"device_token"`
	NotAfter     time.Time `db:"not_after"`
}

// MinecraftCredentials mirrors the minecraft_users table. At most one row
// per user has Active=true; enforced by the table's partial unique index.
type MinecraftCredentials struct {
	ID                int64     `db:"id"`
	UserID            int64     `db:"user_id"`
	MinecraftUUID     string    `db:"minecraft_uuid"`
	MinecraftUsername string    `db:"minecraft_username"`
	AccessToken       string    `db:"access_token"`
	RefreshToken      string    `db:"refresh_token"`
	Expires           time.Time `db:"expires"`
	Active            bool      `db:"active"`
}
