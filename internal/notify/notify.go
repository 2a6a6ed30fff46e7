// Package notify is the delivery-agnostic bridge the Team/Org Membership
// FSM and the org-registration flow enqueue notifications through. Actual
// SMTP/webhook fan-out is explicitly out of scope (§1) and belongs to a
// downstream worker; this package only records the notification as a row
// a worker can later poll and dispatch.
package notify

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/pylon-project/pylon/internal/dbx"
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

// Kind enumerates the notification payload shapes §4.4 names.
type Kind string

const (
	KindTeamInvite         Kind = "team_invite"
	KindOrganizationInvite Kind = "organization_invite"
	KindStatusChange       Kind = "status_change"
	KindVerifyEmailLink    Kind = "verify_email_link"
)

// Bridge enqueues notification rows for a downstream delivery worker.
type Bridge struct {
	db *sqlx.DB
}

func New(store *dbx.Store) *Bridge {
	return &Bridge{db: store.DB()}
}

// Enqueue records one notification for a recipient. body is marshaled to
// JSON so the downstream worker can render it per Kind without this core
// needing to know about templates or delivery channels.
func (b *Bridge) Enqueue(ctx context.Context, recipientUserID int64, kind Kind, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("notify: failed to encode payload: %w", err)
	}
	const q = `INSERT INTO notifications (id, user_id, kind, payload, created, delivered)
	           VALUES ($1, $2, $3, $4, $5, FALSE)`
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		_, err := b.db.ExecContext(ctx, q, newID(), recipientUserID, string(kind), payload, time.Now())
		if err == nil {
			return nil
		}
		if dbx.IsUniqueViolation(err, "notifications_pkey") {
			continue
		}
		return fmt.Errorf("notify: failed to enqueue notification: %w", err)
	}
	return fmt.Errorf("notify: failed to generate a unique id after %d attempts", maxIDAttempts)
}

// TeamInvitePayload is the body for KindTeamInvite.
type TeamInvitePayload struct {
	TeamID    int64 `json:"team_id"`
	InvitedBy int64 `json:"invited_by"`
}

// OrganizationInvitePayload is the body for KindOrganizationInvite.
type OrganizationInvitePayload struct {
	OrganizationID int64 `json:"organization_id"`
	InvitedBy      int64 `json:"invited_by"`
}

// StatusChangePayload is the body for KindStatusChange, fanned out to
// every accepted non-invitee member of a team on any membership mutation.
type StatusChangePayload struct {
	TeamID       int64  `json:"team_id"`
	ChangedUser  int64  `json:"changed_user"`
	Description  string `json:"description"`
}

// VerifyEmailLinkPayload is the body for KindVerifyEmailLink: a plain
// email verification or, when OrgName is set, the completion link for a
// pending organization registration (§4.8).
type VerifyEmailLinkPayload struct {
	URL     string `json:"url"`
	OrgName string `json:"org_name,omitempty"`
}
