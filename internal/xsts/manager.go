package xsts

import (
	"context"
	"crypto/sha256"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/pylon-project/pylon/internal/apierr"
	"github.com/pylon-project/pylon/internal/dbx"
	"github.com/pylon-project/pylon/internal/flowstore"
)

// maxIDAttempts bounds the retry loop newID-generated inserts use to work
// around an id collision, rather than looping forever on a pathological
// run of bad luck.
const maxIDAttempts = 5

// newID mints a 64-bit id from a fresh v4 UUID's first 8 bytes, masked
// positive. uuid.UUID.ID() only yields the DCE/Version-2 32-bit accessor
// and is unsuitable as a BIGINT primary key generator.
func newID() int64 {
	id := uuid.New()
	return int64(binary.BigEndian.Uint64(id[:8]) &^ (1 << 63))
}

// Manager drives the game-identity chain (§4.5) end to end, persisting the
// per-user device key and the active Minecraft credential set.
type Manager struct {
	store  *dbx.Store
	flows  *flowstore.Store
	client *Client
}

func New(store *dbx.Store, flows *flowstore.Store, client *Client) *Manager {
	return &Manager{store: store, flows: flows, client: client}
}

// Continuation is round-tripped through the MSA OAuth `state` parameter so
// this core needs no server-side storage for the session between sending
// the user to Microsoft's consent page and receiving their callback —
// MSA is contractually required to echo `state` back unmodified.
type Continuation struct {
	SessionID   string `json:"session_id"`
	Verifier    string `json:"verifier"`
	DeviceToken string `json:"device_token"`
}

func (c Continuation) encode() (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("xsts: failed to encode continuation: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeContinuation(raw string) (Continuation, error) {
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return Continuation{}, apierr.New(apierr.InvalidCredentials, "malformed login continuation state")
	}
	var c Continuation
	if err := json.Unmarshal(data, &c); err != nil {
		return Continuation{}, apierr.New(apierr.InvalidCredentials, "malformed login continuation state")
	}
	return c, nil
}

func generateChallenge() (verifier, challenge string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("xsts: failed to generate PKCE verifier: %w", err)
	}
	verifier = fmt.Sprintf("%x", raw)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge, nil
}

// deviceRow loads the caller's device token row, generating and persisting
// a fresh device key + Xbox device token if none exists or the existing
// one has expired.
func (m *Manager) deviceRow(ctx context.Context, userID int64) (dbx.MinecraftDeviceToken, DeviceKey, error) {
	var row dbx.MinecraftDeviceToken
	err := m.store.DB().GetContext(ctx, &row, `SELECT * FROM minecraft_device_tokens WHERE user_id = $1`, userID)
	if err == nil && row.NotAfter.After(time.Now()) {
		key, err := LoadDeviceKey(row.PrivateKeyD, row.PublicKeyX, row.PublicKeyY)
		if err != nil {
			return dbx.MinecraftDeviceToken{}, DeviceKey{}, err
		}
		return row, key, nil
	}
	return m.refreshDeviceToken(ctx, userID)
}

func (m *Manager) refreshDeviceToken(ctx context.Context, userID int64) (dbx.MinecraftDeviceToken, DeviceKey, error) {
	key, err := GenerateDeviceKey()
	if err != nil {
		return dbx.MinecraftDeviceToken{}, DeviceKey{}, err
	}
	tok, _, err := m.client.DeviceAuthenticate(ctx, key, time.Now())
	if err != nil {
		return dbx.MinecraftDeviceToken{}, DeviceKey{}, err
	}

	row := dbx.MinecraftDeviceToken{
		UserID:      userID,
		PrivateKeyD: key.PrivateScalarHex(),
		PublicKeyX:  key.X,
		PublicKeyY:  key.Y,
		DeviceToken: tok.Token,
		NotAfter:    tok.NotAfter,
	}
	const q = `INSERT INTO minecraft_device_tokens (id, user_id, private_key_d, public_key_x, public_key_y, device_token, not_after)
	           VALUES (:id, :user_id, :private_key_d, :public_key_x, :public_key_y, :device_token, :not_after)
	           ON CONFLICT (user_id) DO UPDATE SET
	             private_key_d = EXCLUDED.private_key_d, public_key_x = EXCLUDED.public_key_x,
	             public_key_y = EXCLUDED.public_key_y, device_token = EXCLUDED.device_token, not_after = EXCLUDED.not_after`
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		row.ID = newID()
		_, err := m.store.DB().NamedExecContext(ctx, q, row)
		if err == nil {
			return row, key, nil
		}
		if dbx.IsUniqueViolation(err, "minecraft_device_tokens_pkey") {
			continue
		}
		return dbx.MinecraftDeviceToken{}, DeviceKey{}, fmt.Errorf("xsts: failed to persist device token: %w", err)
	}
	return dbx.MinecraftDeviceToken{}, DeviceKey{}, fmt.Errorf("xsts: failed to generate a unique id after %d attempts", maxIDAttempts)
}

// BeginLogin is chain steps 1-2: ensure a valid device token, call
// sisu_authenticate, and return the URL to send the user to for MSA
// consent plus the opaque continuation state to round-trip as `state`.
func (m *Manager) BeginLogin(ctx context.Context, userID int64) (msaRedirect, state string, err error) {
	row, key, err := m.deviceRow(ctx, userID)
	if err != nil {
		return "", "", err
	}

	verifier, challenge, err := generateChallenge()
	if err != nil {
		return "", "", err
	}

	oauthState := uuid.New().String()
	sessionID, redirect, _, err := m.client.SisuAuthenticate(ctx, key, row.DeviceToken, challenge, oauthState, time.Now())
	if err != nil {
		// a device token that looked valid can still be rejected server-side;
		// regenerate once and retry, per §4.5's fallback rule.
		row, key, err = m.refreshDeviceToken(ctx, userID)
		if err != nil {
			return "", "", err
		}
		sessionID, redirect, _, err = m.client.SisuAuthenticate(ctx, key, row.DeviceToken, challenge, oauthState, time.Now())
		if err != nil {
			return "", "", err
		}
	}

	cont := Continuation{SessionID: sessionID, Verifier: verifier, DeviceToken: row.DeviceToken}
	state, err = cont.encode()
	if err != nil {
		return "", "", err
	}
	return redirect, state, nil
}

// HandleCallback is chain steps 3-4: the MSA redirect delivered `code` and
// the continuation `state` back to this core. It exchanges the code for an
// MSA access/refresh token pair, stashes the MSA access token as an
// ephemeral MinecraftLogin flow (§3), and records the MSA refresh token as
// a not-yet-active credential row so FinishLogin can complete the chain
// without re-deriving it.
func (m *Manager) HandleCallback(ctx context.Context, userID int64, code, state string) (flowID string, err error) {
	cont, err := decodeContinuation(state)
	if err != nil {
		return "", err
	}

	accessToken, refreshToken, expiresIn, err := m.client.OAuthToken(ctx, code, cont.Verifier)
	if err != nil {
		return "", err
	}

	const q = `INSERT INTO minecraft_users (id, user_id, minecraft_uuid, minecraft_username, access_token, refresh_token, expires, active)
	           VALUES ($1, $2, '', '', '', $3, $4, FALSE)`
	inserted := false
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		_, err := m.store.DB().ExecContext(ctx, q, newID(), userID, refreshToken, time.Now().Add(time.Duration(expiresIn)*time.Second))
		if err == nil {
			inserted = true
			break
		}
		if dbx.IsUniqueViolation(err, "minecraft_users_pkey") {
			continue
		}
		return "", fmt.Errorf("xsts: failed to stage pending credentials: %w", err)
	}
	if !inserted {
		return "", fmt.Errorf("xsts: failed to generate a unique id after %d attempts", maxIDAttempts)
	}

	return m.flows.PutMinecraftLogin(ctx, flowstore.MinecraftLogin{UserID: userID, AccessToken: accessToken})
}

// FinishLogin is chain steps 5-8: sisu_authorize, xsts_authorize,
// minecraft_token, minecraft_profile, then activates the credential row.
func (m *Manager) FinishLogin(ctx context.Context, flowID string) (dbx.MinecraftCredentials, error) {
	flow, err := m.flows.TakeMinecraftLogin(ctx, flowID)
	if err != nil {
		return dbx.MinecraftCredentials{}, err
	}

	row, key, err := m.deviceRow(ctx, flow.UserID)
	if err != nil {
		return dbx.MinecraftCredentials{}, err
	}

	now := time.Now()
	userToken, titleToken, at, err := m.client.SisuAuthorize(ctx, key, "", flow.AccessToken, row.DeviceToken, now)
	if err != nil {
		return dbx.MinecraftCredentials{}, err
	}
	xstsToken, _, err := m.client.XstsAuthorize(ctx, key, userToken.Token, titleToken.Token, row.DeviceToken, at)
	if err != nil {
		return dbx.MinecraftCredentials{}, err
	}
	minecraftAccessToken, err := m.client.MinecraftToken(ctx, xstsToken)
	if err != nil {
		return dbx.MinecraftCredentials{}, err
	}
	uuidStr, username, err := m.client.MinecraftProfile(ctx, minecraftAccessToken)
	if err != nil {
		return dbx.MinecraftCredentials{}, err
	}

	var creds dbx.MinecraftCredentials
	txErr := m.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE minecraft_users SET active = FALSE WHERE user_id = $1 AND active`, flow.UserID); err != nil {
			return fmt.Errorf("xsts: failed to deactivate prior credentials: %w", err)
		}
		// the pending row HandleCallback staged is an inactive row with an
		// empty minecraft_uuid; ids are random, so the latest-expiring such
		// row is taken as the most recent. Postgres has no ORDER BY/LIMIT
		// on UPDATE, so select its id first.
		var pendingID int64
		if err := tx.GetContext(ctx, &pendingID, `SELECT id FROM minecraft_users WHERE user_id = $1 AND NOT active AND minecraft_uuid = '' ORDER BY expires DESC LIMIT 1`, flow.UserID); err != nil {
			return fmt.Errorf("xsts: failed to find pending credential row: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE minecraft_users SET minecraft_uuid = $1, minecraft_username = $2, access_token = $3, active = TRUE WHERE id = $4`,
			uuidStr, username, minecraftAccessToken, pendingID); err != nil {
			return fmt.Errorf("xsts: failed to activate credentials: %w", err)
		}
		return tx.GetContext(ctx, &creds, `SELECT * FROM minecraft_users WHERE id = $1`, pendingID)
	})
	if txErr != nil {
		return dbx.MinecraftCredentials{}, txErr
	}
	return creds, nil
}
