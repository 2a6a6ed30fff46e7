package dbx

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestIsUniqueViolation(t *testing.T) {
	violation := &pq.Error{Code: "23505", Constraint: "pats_token_hash_key"}

	assert.True(t, IsUniqueViolation(violation, ""))
	assert.True(t, IsUniqueViolation(violation, "pats_token_hash_key"))
	assert.False(t, IsUniqueViolation(violation, "other_constraint"))
	assert.False(t, IsUniqueViolation(errors.New("boom"), ""))

	notUnique := &pq.Error{Code: "23503"}
	assert.False(t, IsUniqueViolation(notUnique, ""))
}

func TestUserRoleHelpers(t *testing.T) {
	assert.True(t, User{Role: RoleAdmin}.IsAdmin())
	assert.True(t, User{Role: RoleAdmin}.IsModerator())
	assert.True(t, User{Role: RoleModerator}.IsModerator())
	assert.False(t, User{Role: RoleModerator}.IsAdmin())
	assert.False(t, User{Role: RoleDeveloper}.IsModerator())
}

func TestTeamIsOrgTeam(t *testing.T) {
	orgTeam := Team{OrganizationID: sql.NullInt64{Int64: 7, Valid: true}}
	projectTeam := Team{ProjectID: sql.NullInt64{Int64: 42, Valid: true}}

	assert.True(t, orgTeam.IsOrgTeam())
	assert.False(t, projectTeam.IsOrgTeam())
}
