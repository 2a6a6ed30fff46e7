package jwtsign

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newECSigner(t *testing.T) *Signer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	signer, err := buildSigner(key, "")
	require.NoError(t, err)
	return signer
}

func TestSignProducesVerifiableToken(t *testing.T) {
	signer := newECSigner(t)
	claims := signer.AccessTokenClaims(42, 7, "project:read", time.Now().Add(time.Hour))

	signed, err := signer.Sign(claims)
	require.NoError(t, err)

	parsed, err := jwt.Parse(signed, func(token *jwt.Token) (interface{}, error) {
		return &signer.ecKey.PublicKey, nil
	})
	require.NoError(t, err)
	assert.True(t, parsed.Valid)

	mc := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, "42", mc["sub"])
	assert.Equal(t, "7", mc["cid"])
	assert.Equal(t, "project:read", mc["scope"])
}

func TestJWKSExposesPublicKeyOnly(t *testing.T) {
	signer := newECSigner(t)
	jwks, err := signer.JWKS()
	require.NoError(t, err)
	require.Len(t, jwks.Keys, 1)
	assert.Equal(t, "EC", jwks.Keys[0].Kty)
	assert.Equal(t, "P-256", jwks.Keys[0].Crv)
	assert.NotEmpty(t, jwks.Keys[0].X)
	assert.NotEmpty(t, jwks.Keys[0].Y)
}

func TestJSONRoundTrips(t *testing.T) {
	signer := newECSigner(t)
	jwks, err := signer.JWKS()
	require.NoError(t, err)

	body, err := jwks.JSON()
	require.NoError(t, err)
	assert.Contains(t, string(body), `"kty":"EC"`)
}
