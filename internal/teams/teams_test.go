package teams

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pylon-project/pylon/internal/dbx"
)

func TestAddMemberAutoAcceptOnlyForOrgOwnedProjectTeam(t *testing.T) {
	projectTeam := dbx.Team{ProjectID: sql.NullInt64{Int64: 1, Valid: true}}
	orgTeam := dbx.Team{OrganizationID: sql.NullInt64{Int64: 1, Valid: true}}

	assert.True(t, autoAcceptProjectInvite(projectTeam, true), "project team with an already-org-member invitee auto-accepts")
	assert.False(t, autoAcceptProjectInvite(projectTeam, false), "a non-org-member invitee still goes through Invited")
	assert.False(t, autoAcceptProjectInvite(orgTeam, true), "an org team itself never auto-accepts via this path")
}
