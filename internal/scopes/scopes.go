// Package scopes implements the closed bitflag scope taxonomy shared by
// sessions, PATs, and OAuth access tokens.
package scopes

import (
	"fmt"
	"math/bits"
	"strings"
)

// Scopes is a bitset over the named scope constants below. The zero value is
// the empty set.
type Scopes uint64

const (
	UserAuthWrite Scopes = 1 << iota
	UserRead
	UserWrite
	UserDelete
	SessionAccess
	SessionRead
	SessionDelete
	PATCreate
	PATRead
	PATDelete
	ProjectCreate
	ProjectRead
	ProjectWrite
	ProjectDelete
	VersionCreate
	VersionRead
	VersionWrite
	VersionDelete
	OrganizationCreate
	OrganizationRead
	OrganizationWrite
	OrganizationDelete
	TeamRead
	TeamWrite
	NotificationRead
	NotificationWrite
	PayoutsRead
	PayoutsWrite
	PerformAnalytics
	CollectionRead
	CollectionWrite
	CollectionDelete
)

// numScopes must track the number of constants above.
const numScopes = 32

var names = map[Scopes]string{
	UserAuthWrite:      "USER_AUTH_WRITE",
	UserRead:           "USER_READ",
	UserWrite:          "USER_WRITE",
	UserDelete:         "USER_DELETE",
	SessionAccess:      "SESSION_ACCESS",
	SessionRead:        "SESSION_READ",
	SessionDelete:      "SESSION_DELETE",
	PATCreate:          "PAT_CREATE",
	PATRead:            "PAT_READ",
	PATDelete:          "PAT_DELETE",
	ProjectCreate:      "PROJECT_CREATE",
	ProjectRead:        "PROJECT_READ",
	ProjectWrite:       "PROJECT_WRITE",
	ProjectDelete:      "PROJECT_DELETE",
	VersionCreate:      "VERSION_CREATE",
	VersionRead:        "VERSION_READ",
	VersionWrite:       "VERSION_WRITE",
	VersionDelete:      "VERSION_DELETE",
	OrganizationCreate: "ORGANIZATION_CREATE",
	OrganizationRead:   "ORGANIZATION_READ",
	OrganizationWrite:  "ORGANIZATION_WRITE",
	OrganizationDelete: "ORGANIZATION_DELETE",
	TeamRead:           "TEAM_READ",
	TeamWrite:          "TEAM_WRITE",
	NotificationRead:   "NOTIFICATION_READ",
	NotificationWrite:  "NOTIFICATION_WRITE",
	PayoutsRead:        "PAYOUTS_READ",
	PayoutsWrite:       "PAYOUTS_WRITE",
	PerformAnalytics:   "PERFORM_ANALYTICS",
	CollectionRead:     "COLLECTION_READ",
	CollectionWrite:    "COLLECTION_WRITE",
	CollectionDelete:   "COLLECTION_DELETE",
}

var byName = func() map[string]Scopes {
	m := make(map[string]Scopes, len(names))
	for s, n := range names {
		m[n] = s
	}
	return m
}()

// restricted is the subset of scopes a user must exercise directly through a
// session; it is never delegable to an OAuth client and is masked off of
// every OAuth access token at mint time.
const restricted = UserAuthWrite | SessionAccess | SessionDelete | PATCreate | PATDelete | UserDelete | PayoutsWrite

// All returns the full scope set.
func All() Scopes {
	var all Scopes
	for s := range names {
		all |= s
	}
	return all
}

// Restricted returns the fixed restricted subset.
func Restricted() Scopes {
	return restricted
}

// Contains reports whether every bit in want is set in s.
func (s Scopes) Contains(want Scopes) bool {
	return s&want == want
}

// Intersects reports whether s and other share any bit.
func (s Scopes) Intersects(other Scopes) bool {
	return s&other != 0
}

// Mask returns s with every bit in remove cleared.
func (s Scopes) Mask(remove Scopes) Scopes {
	return s &^ remove
}

// IsSubsetOf reports whether every bit of s is present in superset.
func (s Scopes) IsSubsetOf(superset Scopes) bool {
	return s&^superset == 0
}

// Count returns the number of scopes set.
func (s Scopes) Count() int {
	return bits.OnesCount64(uint64(s))
}

// String renders the space-delimited OAuth-spec form, used on the wire by
// the authorization server (GET /oauth/authorize, token responses).
func (s Scopes) String() string {
	if s == 0 {
		return ""
	}
	parts := make([]string, 0, s.Count())
	for bit := Scopes(1); bit != 0; bit <<= 1 {
		if s&bit == 0 {
			continue
		}
		if name, ok := names[bit]; ok {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, " ")
}

// Parse converts the space-delimited OAuth-spec form back into a bitset.
// Unknown scope names produce an error rather than being silently dropped,
// since a silently-dropped scope could mask a caller's intended restriction.
func Parse(raw string) (Scopes, error) {
	var out Scopes
	fields := strings.Fields(raw)
	for _, f := range fields {
		bit, ok := byName[strings.ToUpper(f)]
		if !ok {
			return 0, fmt.Errorf("scopes: unknown scope %q", f)
		}
		out |= bit
	}
	return out, nil
}
