// Package oauthserver implements the four endpoints of the OAuth
// Authorization Server (§4.2): GET /oauth/authorize, POST /oauth/accept,
// POST /oauth/reject, POST /oauth/token — RFC 6749 §4.1's authorization
// code grant, with single-use codes and pre-authorized-scope short-circuit
// carried by the ephemeral flow store.
package oauthserver

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pylon-project/pylon/internal/apierr"
	"github.com/pylon-project/pylon/internal/dbx"
	"github.com/pylon-project/pylon/internal/flowstore"
	"github.com/pylon-project/pylon/internal/httpguard"
	"github.com/pylon-project/pylon/internal/oauthclients"
	"github.com/pylon-project/pylon/internal/scopes"
)

// Server wires the authorization-server handlers to the HTTP Guard (session
// authentication for /authorize, /accept, /reject) and the client/flow
// stores (/token is authenticated by client secret alone, never by guard).
type Server struct {
	guard   *httpguard.Guard
	clients *oauthclients.Store
	flows   *flowstore.Store
}

func New(guard *httpguard.Guard, clients *oauthclients.Store, flows *flowstore.Store) *Server {
	return &Server{guard: guard, clients: clients, flows: flows}
}

// approvalRequiredResponse is the consent descriptor returned from
// GET /oauth/authorize when approval is required.
type approvalRequiredResponse struct {
	FlowID     string `json:"flow_id"`
	ClientID   int64  `json:"client_id"`
	ClientName string `json:"client_name"`
	ClientIcon string `json:"client_icon,omitempty"`
	Scopes     string `json:"requested_scopes"`
}

type redirectResponse struct {
	URL string `json:"url"`
}

// HandleAuthorize implements GET /oauth/authorize (§4.2 steps 1-7).
func (s *Server) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierr.Write(w, apierr.New(apierr.InvalidAuthMethod, "method not allowed"))
		return
	}

	requiredScope := scopes.UserAuthWrite
	res, err := s.guard.RequireUser(r, &requiredScope)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	q := r.URL.Query()
	clientID, err := strconv.ParseInt(q.Get("client_id"), 10, 64)
	if err != nil {
		apierr.Write(w, apierr.New(apierr.InvalidClientID, "client_id missing or malformed"))
		return
	}
	state := q.Get("state")

	client, err := s.clients.LoadClient(r.Context(), clientID)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	redirectURI, err := oauthclients.ValidateRedirect(client, q.Get("redirect_uri"))
	if err != nil {
		apierr.Write(w, err)
		return
	}

	requested, err := oauthclients.ValidateScopes(client, q.Get("scope"))
	if err != nil {
		respondError(w, r, redirectError(err, redirectURI, state))
		return
	}

	existing, ok, err := s.clients.LoadAuthorization(r.Context(), res.User.ID, client.ID)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	if ok && requested.IsSubsetOf(scopes.Scopes(existing.Scopes)) {
		s.issueCode(w, r, res.User.ID, client.ID, existing.ID, requested, redirectURI, state)
		return
	}

	flowID, err := s.flows.PutOAuthAppApproval(r.Context(), flowstore.OAuthAppApproval{
		UserID:       res.User.ID,
		ClientID:     client.ID,
		ExistingAuthID: existingAuthID(ok, existing.ID),
		Scopes:       int64(requested),
		RedirectURIs: []string{redirectURI},
		OriginalURI:  redirectURI,
		State:        state,
	})
	if err != nil {
		apierr.Write(w, err)
		return
	}

	apierr.WriteJSON(w, http.StatusOK, approvalRequiredResponse{
		FlowID:     flowID,
		ClientID:   client.ID,
		ClientName: client.Name,
		ClientIcon: client.IconURL.String,
		Scopes:     requested.String(),
	})
}

func existingAuthID(ok bool, id int64) *int64 {
	if !ok {
		return nil
	}
	return &id
}

// HandleAccept implements POST /oauth/accept (§4.2 step 6).
func (s *Server) HandleAccept(w http.ResponseWriter, r *http.Request) {
	s.handleApprovalDecision(w, r, true)
}

// HandleReject mirrors HandleAccept but always ends in an AccessDenied
// redirect-form error instead of minting a code.
func (s *Server) HandleReject(w http.ResponseWriter, r *http.Request) {
	s.handleApprovalDecision(w, r, false)
}

func (s *Server) handleApprovalDecision(w http.ResponseWriter, r *http.Request, accept bool) {
	if r.Method != http.MethodPost {
		apierr.Write(w, apierr.New(apierr.InvalidAuthMethod, "method not allowed"))
		return
	}

	requiredScope := scopes.SessionAccess
	res, err := s.guard.RequireUser(r, &requiredScope)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	if err := r.ParseForm(); err != nil {
		apierr.Write(w, apierr.New(apierr.InvalidAcceptFlowID, "invalid form payload"))
		return
	}

	flow, err := s.flows.TakeOAuthAppApproval(r.Context(), r.Form.Get("flow"))
	if err != nil {
		apierr.Write(w, apierr.New(apierr.InvalidAcceptFlowID, "unknown or expired flow"))
		return
	}
	if flow.UserID != res.User.ID {
		apierr.Write(w, apierr.New(apierr.InvalidAcceptFlowID, "flow does not belong to the authenticated user"))
		return
	}

	if !accept {
		respondError(w, r, redirectError(apierr.New(apierr.AccessDenied, "user declined authorization"), flow.OriginalURI, flow.State))
		return
	}

	granted := scopes.Scopes(flow.Scopes)
	authorization, err := s.clients.UpsertAuthorization(r.Context(), flow.UserID, flow.ClientID, granted)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	s.issueCode(w, r, flow.UserID, flow.ClientID, authorization.ID, granted, flow.OriginalURI, flow.State)
}

// issueCode implements §4.2 step 7: mints the single-use code flow and
// renders the redirect URI (with code= and, if present, state=) as both a
// Location header and the JSON body, so the caller can observe the
// intermediate URL before performing the client-side redirect.
func (s *Server) issueCode(w http.ResponseWriter, r *http.Request, userID, clientID, authorizationID int64, granted scopes.Scopes, redirectURI, state string) {
	flowID, err := s.flows.PutOAuthAuthorizationCodeSupplied(r.Context(), flowstore.OAuthAuthorizationCodeSupplied{
		UserID:          userID,
		ClientID:        clientID,
		AuthorizationID: authorizationID,
		Scopes:          int64(granted),
		OriginalURI:     redirectURI,
	})
	if err != nil {
		apierr.Write(w, err)
		return
	}

	target := appendQuery(redirectURI, "code", flowID)
	if state != "" {
		target = appendQuery(target, "state", state)
	}
	w.Header().Set("Location", target)
	apierr.WriteJSON(w, http.StatusOK, redirectResponse{URL: target})
}

// HandleToken implements POST /oauth/token (§4.2 token endpoint, §6's
// Cache-Control requirements).
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	if r.Method != http.MethodPost {
		apierr.WriteOAuth(w, apierr.New(apierr.InvalidAuthMethod, "method not allowed"))
		return
	}
	if err := r.ParseForm(); err != nil {
		apierr.WriteOAuth(w, apierr.New(apierr.InvalidAuthCode, "invalid form payload"))
		return
	}

	clientID, secret, ok := r.BasicAuth()
	if !ok {
		apierr.WriteOAuth(w, apierr.New(apierr.ClientAuthenticationFailed, "client secret required"))
		return
	}
	clientIDInt, err := strconv.ParseInt(clientID, 10, 64)
	if err != nil {
		apierr.WriteOAuth(w, apierr.New(apierr.ClientAuthenticationFailed, "malformed client_id"))
		return
	}

	client, err := s.clients.LoadClient(r.Context(), clientIDInt)
	if err != nil {
		apierr.WriteOAuth(w, apierr.New(apierr.ClientAuthenticationFailed, "unknown client"))
		return
	}
	if !secretMatches(client, secret) {
		apierr.WriteOAuth(w, apierr.New(apierr.ClientAuthenticationFailed, "client secret mismatch"))
		return
	}

	if r.Form.Get("grant_type") != "authorization_code" {
		apierr.WriteOAuth(w, apierr.New(apierr.OnlySupportsAuthorizationCode, "grant_type must be authorization_code"))
		return
	}

	flow, err := s.flows.TakeOAuthAuthorizationCodeSupplied(r.Context(), r.Form.Get("code"))
	if err != nil {
		apierr.WriteOAuth(w, apierr.New(apierr.InvalidAuthCode, "unknown, expired, or already-used code"))
		return
	}
	if flow.ClientID != clientIDInt {
		apierr.WriteOAuth(w, apierr.New(apierr.UnauthorizedClient, "code was not issued to this client"))
		return
	}
	if r.Form.Get("redirect_uri") != flow.OriginalURI {
		apierr.WriteOAuth(w, apierr.New(apierr.RedirectURIChanged, "redirect_uri does not match the one used to obtain the code"))
		return
	}

	plaintext, tok, err := s.clients.MintAccessToken(r.Context(), flow.UserID, flow.ClientID, flow.AuthorizationID, scopes.Scopes(flow.Scopes))
	if err != nil {
		apierr.Write(w, err)
		return
	}

	apierr.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": plaintext,
		"token_type":   "Bearer",
		"expires_in":   int(tok.Expires.Sub(tok.Created).Seconds()),
	})
}

func secretMatches(client dbx.OAuthClient, secret string) bool {
	sum := sha256.Sum256([]byte(secret))
	hash := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(hash), []byte(client.SecretHash)) == 1
}

// redirectError rewrites err as a redirect-form OAuth error per §4.2's
// final paragraph and §7's propagation policy: only ever applied to a
// redirect URI that has already passed ValidateRedirect, appended with
// error= and, if present, state=.
func redirectError(err error, redirectURI, state string) error {
	apiErr, ok := err.(*apierr.Error)
	if !ok {
		return err
	}
	code, known := apierr.OAuthCode(apiErr.Kind)
	if !known {
		code = "invalid_request"
	}
	target := appendQuery(redirectURI, "error", code)
	if state != "" {
		target = appendQuery(target, "state", state)
	}
	return &redirectableError{Error: apiErr, URL: target}
}

// redirectableError carries both the original apierr.Error (for logging/
// status purposes) and the pre-built redirect URL a handler should 302 to
// instead of rendering JSON.
type redirectableError struct {
	*apierr.Error
	URL string
}

// respondError renders err either as a 302 to its pre-validated redirect
// URL (when it's a *redirectableError) or as the standard JSON error body.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	if redirectable, ok := err.(*redirectableError); ok {
		http.Redirect(w, r, redirectable.URL, http.StatusFound)
		return
	}
	apierr.Write(w, err)
}

// appendQuery appends key=value to raw, choosing "?" or "&" based on
// whether raw already contains a query string (§4.2 step 7).
func appendQuery(raw, key, value string) string {
	sep := "?"
	if strings.Contains(raw, "?") {
		sep = "&"
	}
	return raw + sep + key + "=" + url.QueryEscape(value)
}
