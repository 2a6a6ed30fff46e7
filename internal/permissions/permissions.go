// Package permissions implements the hierarchical permission resolver of
// §4.3: admin bypass, moderator hardcoded subset, project-membership
// override of org defaults, and the organization-owner override.
package permissions

import (
	"github.com/pylon-project/pylon/internal/dbx"
)

// Permissions is the same bitset representation team_members.*_permissions
// columns store; kept distinct from scopes.Scopes since permissions and
// scopes are different lattices (one governs what a bearer can present to
// the API surface at all, the other what a team member can do to one
// specific resource).
type Permissions uint64

const (
	EditDetails Permissions = 1 << iota
	UploadVersion
	DeleteVersion
	DeleteProject
	EditBody
	ManageInvites
	RemoveMember
	EditMember
	ViewPayouts
	ViewAnalytics
)

// OrganizationPermissions mirrors Permissions but for org-scoped actions;
// kept as a distinct type so a caller can never accidentally compare a
// project permission set against an organization one.
type OrganizationPermissions uint64

const (
	EditOrgDetails OrganizationPermissions = 1 << iota
	ManageOrgInvites
	RemoveOrgMember
	EditOrgMember
	EditMemberDefaultPermissions
	AddProject
	DeleteOrgProject
	ViewOrgPayouts
)

// moderatorSubset is the hardcoded permission set every Moderator receives
// on every project, per §4.3 ("a hardcoded moderator subset").
const moderatorSubset = EditDetails | EditBody | DeleteVersion

func All() Permissions               { return Permissions(^uint64(0)) }
func AllOrg() OrganizationPermissions { return OrganizationPermissions(^uint64(0)) }

func (p Permissions) Contains(want Permissions) bool       { return p&want == want }
func (p Permissions) IsSubsetOf(superset Permissions) bool { return p&^superset == 0 }

func (p OrganizationPermissions) Contains(want OrganizationPermissions) bool { return p&want == want }
func (p OrganizationPermissions) IsSubsetOf(superset OrganizationPermissions) bool {
	return p&^superset == 0
}

// ProjectMembership is the subset of a team_members row relevant to
// resolving project permissions for one actor.
type ProjectMembership struct {
	Present     bool
	Permissions Permissions
}

// OrgMembership is the subset of an org team_members row relevant to
// resolving either project-default or organization permissions.
type OrgMembership struct {
	Present                 bool
	IsOwner                 bool
	ProjectDefaultPermissions Permissions
	OrganizationPermissions  OrganizationPermissions
}

// ResolveProject implements §4.3's rule order for a project resource.
func ResolveProject(role string, project ProjectMembership, org OrgMembership) Permissions {
	switch role {
	case dbx.RoleAdmin:
		return All()
	case dbx.RoleModerator:
		return moderatorSubset
	}

	if project.Present {
		// Project membership overrides org defaults, including downward:
		// an org-team member who is also explicitly on the project team
		// gets exactly what the project team grants them, never more.
		return project.Permissions
	}
	if org.Present {
		if org.IsOwner {
			return All()
		}
		return org.ProjectDefaultPermissions
	}
	return 0
}

// ResolveOrganization implements §4.3's rule order for an organization
// resource: only org-team membership matters, with the same role bypass.
// The spec defines an explicit hardcoded subset for Moderator at the
// project level but not at the organization level; granting Moderator
// org-wide all() here (mirroring Admin) would hand content-moderation
// staff owner-level billing/membership control with no textual basis, so
// Moderator falls through to ordinary org-membership resolution instead —
// an Open Question resolved conservatively in DESIGN.md.
func ResolveOrganization(role string, org OrgMembership) OrganizationPermissions {
	if role == dbx.RoleAdmin {
		return AllOrg()
	}
	if !org.Present {
		return 0
	}
	if org.IsOwner {
		return AllOrg()
	}
	return org.OrganizationPermissions
}
