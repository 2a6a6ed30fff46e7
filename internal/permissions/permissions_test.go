package permissions

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pylon-project/pylon/internal/dbx"
)

// Scenario 5 of §8: project membership overrides org defaults, including
// downward — DELETE_PROJECT from the org default is not granted.
func TestResolveProjectMembershipOverridesOrgDefault(t *testing.T) {
	project := ProjectMembership{Present: true, Permissions: EditDetails}
	org := OrgMembership{Present: true, ProjectDefaultPermissions: DeleteProject}

	got := ResolveProject(dbx.RoleDeveloper, project, org)

	assert.Equal(t, EditDetails, got)
	assert.False(t, got.Contains(DeleteProject))
}

// Scenario 6 of §8: org owner not on the project team still resolves to
// all() on that project.
func TestResolveProjectOrgOwnerOverride(t *testing.T) {
	org := OrgMembership{Present: true, IsOwner: true}

	got := ResolveProject(dbx.RoleDeveloper, ProjectMembership{}, org)

	assert.Equal(t, All(), got)
}

func TestResolveProjectAdminBypass(t *testing.T) {
	got := ResolveProject(dbx.RoleAdmin, ProjectMembership{}, OrgMembership{})
	assert.Equal(t, All(), got)
}

func TestResolveProjectModeratorHardcodedSubset(t *testing.T) {
	got := ResolveProject(dbx.RoleModerator, ProjectMembership{}, OrgMembership{})
	assert.Equal(t, moderatorSubset, got)
	assert.True(t, got.Contains(EditBody))
	assert.False(t, got.Contains(ManageInvites))
}

func TestResolveProjectNoMembership(t *testing.T) {
	got := ResolveProject(dbx.RoleDeveloper, ProjectMembership{}, OrgMembership{})
	assert.Equal(t, Permissions(0), got)
}

func TestResolveOrganizationOwner(t *testing.T) {
	got := ResolveOrganization(dbx.RoleDeveloper, OrgMembership{Present: true, IsOwner: true})
	assert.Equal(t, AllOrg(), got)
}

func TestResolveOrganizationMember(t *testing.T) {
	org := OrgMembership{Present: true, OrganizationPermissions: ManageOrgInvites}
	got := ResolveOrganization(dbx.RoleDeveloper, org)
	assert.Equal(t, ManageOrgInvites, got)
}

func TestResolveOrganizationAdminBypass(t *testing.T) {
	got := ResolveOrganization(dbx.RoleAdmin, OrgMembership{})
	assert.Equal(t, AllOrg(), got)
}

func TestPermissionMonotonicity(t *testing.T) {
	// Granting a scope to one actor's set never reduces another's
	// independently-computed set.
	before := ResolveProject(dbx.RoleDeveloper, ProjectMembership{Present: true, Permissions: EditDetails}, OrgMembership{})
	after := ResolveProject(dbx.RoleDeveloper, ProjectMembership{Present: true, Permissions: EditDetails | UploadVersion}, OrgMembership{})
	assert.True(t, before.IsSubsetOf(after))
}
