// Package apierr defines the error-kind taxonomy shared by the token
// parser, permission resolver, and OAuth authorization server, and maps
// each kind onto the HTTP status and wire body the guard and handlers use.
package apierr

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind is a stable, loggable identifier for one error taxonomy entry.
type Kind string

const (
	InvalidAuthMethod              Kind = "invalid_auth_method"
	InvalidCredentials             Kind = "invalid_credentials"
	InsufficientScope              Kind = "insufficient_scope"
	NotMember                      Kind = "not_member"
	PermissionDenied               Kind = "permission_denied"
	InvalidClientID                Kind = "invalid_client_id"
	RedirectURINotConfigured       Kind = "redirect_uri_not_configured"
	ClientMissingRedirectURI       Kind = "client_missing_redirect_uri"
	ScopesTooBroad                 Kind = "scopes_too_broad"
	FailedScopeParse               Kind = "failed_scope_parse"
	InvalidAuthCode                Kind = "invalid_auth_code"
	UnauthorizedClient             Kind = "unauthorized_client"
	RedirectURIChanged             Kind = "redirect_uri_changed"
	OnlySupportsAuthorizationCode  Kind = "only_supports_authorization_code_grant"
	ClientAuthenticationFailed     Kind = "client_authentication_failed"
	AccessDenied                   Kind = "access_denied"
	InvalidAcceptFlowID            Kind = "invalid_accept_flow_id"
)

// httpStatus maps a Kind to the status code used when an error is rendered
// as a direct JSON response rather than an OAuth redirect.
var httpStatus = map[Kind]int{
	InvalidAuthMethod:             http.StatusUnauthorized,
	InvalidCredentials:            http.StatusUnauthorized,
	InsufficientScope:             http.StatusForbidden,
	NotMember:                     http.StatusNotFound,
	PermissionDenied:              http.StatusForbidden,
	InvalidClientID:               http.StatusBadRequest,
	RedirectURINotConfigured:      http.StatusBadRequest,
	ClientMissingRedirectURI:      http.StatusBadRequest,
	ScopesTooBroad:                http.StatusBadRequest,
	FailedScopeParse:              http.StatusBadRequest,
	InvalidAuthCode:               http.StatusBadRequest,
	UnauthorizedClient:            http.StatusBadRequest,
	RedirectURIChanged:            http.StatusBadRequest,
	OnlySupportsAuthorizationCode: http.StatusBadRequest,
	ClientAuthenticationFailed:    http.StatusUnauthorized,
	AccessDenied:                  http.StatusBadRequest,
	InvalidAcceptFlowID:           http.StatusBadRequest,
}

// oauthCode maps a Kind to the RFC 6749 error code used in token-endpoint
// and redirect-form error responses. Kinds absent from this table are never
// rendered in OAuth form.
var oauthCode = map[Kind]string{
	InvalidClientID:               "invalid_request",
	RedirectURINotConfigured:      "invalid_request",
	ClientMissingRedirectURI:      "invalid_request",
	ScopesTooBroad:                "invalid_scope",
	FailedScopeParse:              "invalid_scope",
	InvalidAuthCode:               "invalid_grant",
	UnauthorizedClient:            "unauthorized_client",
	RedirectURIChanged:            "invalid_grant",
	OnlySupportsAuthorizationCode: "unsupported_grant_type",
	ClientAuthenticationFailed:    "invalid_client",
	AccessDenied:                  "access_denied",
	InvalidAcceptFlowID:           "invalid_request",
}

// Error is the core's error type: a stable Kind plus a human description.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New constructs an *Error for the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Status returns the HTTP status to use when this Kind is rendered directly
// (not as an OAuth redirect). Unmapped kinds default to 500, since they
// indicate a taxonomy gap rather than a known caller-facing condition.
func Status(k Kind) int {
	if s, ok := httpStatus[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// OAuthCode returns the RFC 6749 error code for a Kind, and whether one is
// defined; kinds with no OAuth mapping are always rendered as direct JSON.
func OAuthCode(k Kind) (string, bool) {
	c, ok := oauthCode[k]
	return c, ok
}

// WriteJSON writes an arbitrary JSON payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Write renders err as the core's standard JSON error body at its mapped
// status. If err is not *Error it is treated as an opaque internal failure
// and never leaks its message to the caller.
func Write(w http.ResponseWriter, err error) {
	apiErr, ok := err.(*Error)
	if !ok {
		WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return
	}
	WriteJSON(w, Status(apiErr.Kind), map[string]string{
		"error":             string(apiErr.Kind),
		"error_description": apiErr.Message,
	})
}

// WriteOAuth renders err in the RFC 6749 token-endpoint JSON shape used by
// POST /oauth/token, always at 400 per §6.
func WriteOAuth(w http.ResponseWriter, err error) {
	apiErr, ok := err.(*Error)
	if !ok {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	code, known := OAuthCode(apiErr.Kind)
	if !known {
		code = "invalid_request"
	}
	payload := map[string]string{"error": code}
	if apiErr.Message != "" {
		payload["error_description"] = apiErr.Message
	}
	WriteJSON(w, http.StatusBadRequest, payload)
}
