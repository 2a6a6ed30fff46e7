// Package teams implements the Team/Org Membership FSM of §4.4: invite,
// join, edit, remove, and transfer-owner, plus the org-owner transfer
// cascade onto every project the organization owns.
package teams

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/pylon-project/pylon/internal/apierr"
	"github.com/pylon-project/pylon/internal/dbx"
	"github.com/pylon-project/pylon/internal/notify"
	"github.com/pylon-project/pylon/internal/permissions"
)

type Manager struct {
	store  *dbx.Store
	bridge *notify.Bridge
}

func New(store *dbx.Store, bridge *notify.Bridge) *Manager {
	return &Manager{store: store, bridge: bridge}
}

// autoAcceptProjectInvite is the §4.4 auto-accept exception: a project
// team invite bypasses Invited and lands directly as an accepted Member
// when the invitee already sits on the project's owning org team, since
// org membership already represents consent. alreadyOrgMember is computed
// by the caller, which knows whether this project is org-owned and
// whether invitee already sits on that org's team; team.ProjectID.Valid
// alone only tells us this is a project team, not which org (if any)
// owns it.
func autoAcceptProjectInvite(team dbx.Team, alreadyOrgMember bool) bool {
	return team.ProjectID.Valid && alreadyOrgMember
}

func (m *Manager) memberRow(ctx context.Context, db sqlx.QueryerContext, teamID, userID int64) (dbx.TeamMember, bool, error) {
	var tm dbx.TeamMember
	err := sqlx.GetContext(ctx, db, &tm, `SELECT * FROM team_members WHERE team_id = $1 AND user_id = $2`, teamID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return dbx.TeamMember{}, false, nil
	}
	if err != nil {
		return dbx.TeamMember{}, false, fmt.Errorf("teams: failed to load member: %w", err)
	}
	return tm, true, nil
}

// AddMember transitions none → Invited, except the auto-accept exception
// of §4.4: a project team under an org auto-accepts an invitee who is
// already an org-team member of that project's owning org, since org
// membership already represents consent.
func (m *Manager) AddMember(ctx context.Context, team dbx.Team, invitee int64, alreadyOrgMember bool) error {
	accepted := autoAcceptProjectInvite(team, alreadyOrgMember)

	const q = `INSERT INTO team_members (team_id, user_id, role, is_owner, accepted)
	           VALUES ($1, $2, 'Member', FALSE, $3)`
	if _, err := m.store.DB().ExecContext(ctx, q, team.ID, invitee, accepted); err != nil {
		if dbx.IsUniqueViolation(err, "") {
			return apierr.New(apierr.PermissionDenied, "user is already invited or a member")
		}
		return fmt.Errorf("teams: failed to add member: %w", err)
	}

	if !accepted {
		kind := notify.KindTeamInvite
		if team.OrganizationID.Valid {
			kind = notify.KindOrganizationInvite
		}
		payload := notify.TeamInvitePayload{TeamID: team.ID}
		if err := m.bridge.Enqueue(ctx, invitee, kind, payload); err != nil {
			return err
		}
	}
	return nil
}

// Join transitions Invited → Member for the invitee themself.
func (m *Manager) Join(ctx context.Context, teamID, userID int64) error {
	res, err := m.store.DB().ExecContext(ctx, `UPDATE team_members SET accepted = TRUE WHERE team_id = $1 AND user_id = $2 AND accepted = FALSE`, teamID, userID)
	if err != nil {
		return fmt.Errorf("teams: failed to join team: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.New(apierr.NotMember, "no pending invite for this user")
	}
	return m.notifyStatusChange(ctx, teamID, userID, "joined the team")
}

// Edit mutates a member's attributes, except is_owner (never editable here
// — only TransferOwner moves ownership). grantedPermissions must already
// have been checked by the caller to be ⊆ the actor's own set (§4.3's
// EDIT_MEMBER invariant); this function only persists the change.
func (m *Manager) Edit(ctx context.Context, teamID, userID int64, role string, projectPerms permissions.Permissions, orgPerms permissions.OrganizationPermissions) error {
	const q = `UPDATE team_members SET role = $1, project_permissions = $2, organization_permissions = $3
	           WHERE team_id = $4 AND user_id = $5 AND accepted = TRUE`
	res, err := m.store.DB().ExecContext(ctx, q, role, int64(projectPerms), int64(orgPerms), teamID, userID)
	if err != nil {
		return fmt.Errorf("teams: failed to edit member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.New(apierr.NotMember, "not an accepted member of this team")
	}
	return m.notifyStatusChange(ctx, teamID, userID, "permissions changed")
}

// Remove transitions Member/Invited → ∅. Owners may never be removed;
// ownership must be transferred first.
func (m *Manager) Remove(ctx context.Context, teamID, userID int64) error {
	tm, ok, err := m.memberRow(ctx, m.store.DB(), teamID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return apierr.New(apierr.NotMember, "not a member of this team")
	}
	if tm.IsOwner {
		return apierr.New(apierr.PermissionDenied, "owner cannot be removed; transfer ownership first")
	}
	if _, err := m.store.DB().ExecContext(ctx, `DELETE FROM team_members WHERE team_id = $1 AND user_id = $2`, teamID, userID); err != nil {
		return fmt.Errorf("teams: failed to remove member: %w", err)
	}
	return m.notifyStatusChange(ctx, teamID, userID, "removed from the team")
}

// TransferOwner moves ownership within one transaction: the current owner
// is cleared, the target (who must already be accepted) is promoted, and
// their permissions are promoted to all() — org teams additionally
// promote org permissions to all().
func (m *Manager) TransferOwner(ctx context.Context, team dbx.Team, newOwnerID int64) error {
	err := m.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		target, ok, err := m.memberRow(ctx, tx, team.ID, newOwnerID)
		if err != nil {
			return err
		}
		if !ok || !target.Accepted {
			return apierr.New(apierr.NotMember, "transfer target must already be an accepted member")
		}

		if _, err := tx.ExecContext(ctx, `UPDATE team_members SET is_owner = FALSE WHERE team_id = $1 AND is_owner = TRUE`, team.ID); err != nil {
			return fmt.Errorf("teams: failed to clear prior owner: %w", err)
		}

		orgPerms := int64(permissions.AllOrg())
		if !team.OrganizationID.Valid {
			orgPerms = target.OrganizationPermissions
		}
		const q = `UPDATE team_members SET is_owner = TRUE, project_permissions = $1, organization_permissions = $2
		           WHERE team_id = $3 AND user_id = $4`
		if _, err := tx.ExecContext(ctx, q, int64(permissions.All()), orgPerms, team.ID, newOwnerID); err != nil {
			return fmt.Errorf("teams: failed to promote new owner: %w", err)
		}

		if team.OrganizationID.Valid {
			if err := m.cascadeOrgOwnerTransfer(ctx, tx, team.OrganizationID.Int64, newOwnerID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return m.notifyStatusChange(ctx, team.ID, newOwnerID, "became the team owner")
}

// cascadeOrgOwnerTransfer implements §4.4's org-owner transfer cascade:
// the new owner is removed from the project team of every project the
// org owns, since org-owner status already supplies full permissions and
// a more specific project-team entry could only reduce them.
func (m *Manager) cascadeOrgOwnerTransfer(ctx context.Context, tx *sqlx.Tx, orgID, newOwnerID int64) error {
	const q = `DELETE FROM team_members
	           WHERE user_id = $1
	             AND team_id IN (
	                 SELECT t.id FROM teams t
	                 JOIN projects p ON p.id = t.project_id
	                 WHERE p.organization_id = $2
	             )`
	_, err := tx.ExecContext(ctx, q, newOwnerID, orgID)
	if err != nil {
		return fmt.Errorf("teams: failed to cascade org-owner transfer: %w", err)
	}
	return nil
}

func (m *Manager) notifyStatusChange(ctx context.Context, teamID, changedUser int64, description string) error {
	var recipients []int64
	const q = `SELECT user_id FROM team_members WHERE team_id = $1 AND accepted = TRUE AND user_id != $2`
	if err := m.store.DB().SelectContext(ctx, &recipients, q, teamID, changedUser); err != nil {
		return fmt.Errorf("teams: failed to load notification recipients: %w", err)
	}
	for _, recipient := range recipients {
		payload := notify.StatusChangePayload{TeamID: teamID, ChangedUser: changedUser, Description: description}
		if err := m.bridge.Enqueue(ctx, recipient, notify.KindStatusChange, payload); err != nil {
			return err
		}
	}
	return nil
}
