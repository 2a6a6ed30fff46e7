package sessionstore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMintProducesPrefixedToken(t *testing.T) {
	plaintext, hash, err := mint()
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(plaintext, "mra_"))
	assert.Len(t, hash, 64) // hex-encoded sha256
	assert.NotEqual(t, plaintext, hash)
}

func TestMintIsNotDeterministic(t *testing.T) {
	a, _, err := mint()
	assert.NoError(t, err)
	b, _, err := mint()
	assert.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestNullStringRoundtrip(t *testing.T) {
	empty := nullString("")
	assert.False(t, empty.Valid)

	present := nullString("US")
	assert.True(t, present.Valid)
	assert.Equal(t, "US", present.String)
}
