package pats

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pylon-project/pylon/internal/scopes"
)

func TestCreateRejectsScopesOutsideOwnerSet(t *testing.T) {
	owner := scopes.ProjectRead | scopes.ProjectWrite
	requested := scopes.ProjectRead | scopes.PATCreate

	assert.False(t, requested.IsSubsetOf(owner), "PATCreate must not be grantable from a narrower owner set")
}

func TestCreateAllowsSubsetOfOwnerScopes(t *testing.T) {
	owner := scopes.All()
	requested := scopes.ProjectRead | scopes.PATCreate

	assert.True(t, requested.IsSubsetOf(owner))
}

func TestTokenPrefix(t *testing.T) {
	assert.Equal(t, "mrp_", prefix)
}
