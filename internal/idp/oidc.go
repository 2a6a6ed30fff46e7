package idp

import (
	"context"
	"fmt"

	oidc "github.com/coreos/go-oidc/v3/oidc"
)

// OIDCVerifier verifies an ID token against a configured OIDC-capable
// provider. GitHub's own device/web flow is not OIDC, so this leg only
// activates for deployments that additionally configure a standards-based
// IdP — §4.1's taxonomy is provider-agnostic beyond GitHub specifically.
type OIDCVerifier struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
}

func NewOIDCVerifier(ctx context.Context, issuerURL, audience string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("idp: failed to discover oidc provider %q: %w", issuerURL, err)
	}
	return &OIDCVerifier{
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: audience}),
	}, nil
}

// Claims is the subset of an ID token's claims this core cares about.
type Claims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

// Verify checks the ID token's signature, issuer, audience, and expiry,
// then decodes its claims.
func (v *OIDCVerifier) Verify(ctx context.Context, rawIDToken string) (Claims, error) {
	idToken, err := v.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return Claims{}, fmt.Errorf("idp: id token verification failed: %w", err)
	}
	var claims Claims
	if err := idToken.Claims(&claims); err != nil {
		return Claims{}, fmt.Errorf("idp: failed to decode id token claims: %w", err)
	}
	return claims, nil
}
