package orgs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlugifyLowercasesAndStripsDisallowedCharacters(t *testing.T) {
	assert.Equal(t, "acme-studios", slugify("Acme Studios"))
	assert.Equal(t, "acme-studios", slugify("  Acme   Studios!!  "))
	assert.Equal(t, "", slugify("!!!"))
}

func TestSlugifyTrimsLeadingAndTrailingHyphens(t *testing.T) {
	assert.Equal(t, "acme", slugify("---Acme---"))
}

func TestRandomSuffixIsFixedLengthFromAlphabet(t *testing.T) {
	suffix, err := randomSuffix(5)
	assert.NoError(t, err)
	assert.Len(t, suffix, 5)
	for _, r := range suffix {
		assert.Contains(t, slugSuffixAlphabet, string(r))
	}
}
