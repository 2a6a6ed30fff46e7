// Package authtoken classifies a bearer string into one of the four token
// families this core accepts, and extracts it from the request's
// Authorization header. It deliberately does no verification itself — per
// the design decision to keep each token family's storage and validation
// code under its own tag rather than behind a shared interface, dispatch
// happens one level up in httpguard, which calls into pats, sessionstore,
// oauthclients, or idp once the Kind is known.
package authtoken

import (
	"strings"
	"unicode"

	"github.com/pylon-project/pylon/internal/apierr"
)

// Kind identifies which verifier owns a bearer string.
type Kind int

const (
	KindUnknown Kind = iota
	KindPAT
	KindSession
	KindOAuthAccess
	KindExternalIdP
)

// Classify splits raw at its first underscore and maps the prefix to a
// Kind, per §4.1's table. External IdP tokens (GitHub's own formats) carry
// no underscore-delimited internal prefix, so they're recognized by their
// well-known literal prefixes instead.
func Classify(raw string) Kind {
	switch {
	case strings.HasPrefix(raw, "mrp_"):
		return KindPAT
	case strings.HasPrefix(raw, "mra_"):
		return KindSession
	case strings.HasPrefix(raw, "mro_"):
		return KindOAuthAccess
	case strings.HasPrefix(raw, "github"), strings.HasPrefix(raw, "gho_"), strings.HasPrefix(raw, "ghp_"):
		return KindExternalIdP
	default:
		return KindUnknown
	}
}

// Extract pulls the bearer token out of an Authorization header value,
// accepting either the bare token or the "Bearer <token>" form. A missing
// header is InvalidAuthMethod, since no prefix could be inspected at all;
// a present but non-ASCII header is InvalidCredentials, matching a header
// value that failed to decode rather than one that was simply absent.
func Extract(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", apierr.New(apierr.InvalidAuthMethod, "missing Authorization header")
	}
	for _, r := range header {
		if r > unicode.MaxASCII {
			return "", apierr.New(apierr.InvalidCredentials, "Authorization header must be ASCII")
		}
	}
	if rest, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(rest), nil
	}
	return header, nil
}
