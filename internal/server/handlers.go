package server

import (
	"net/http"
	"strconv"

	"github.com/pylon-project/pylon/internal/apierr"
	"github.com/pylon-project/pylon/internal/scopes"
	"github.com/pylon-project/pylon/internal/sessionstore"
)

// handleLogin implements POST /auth/login: username/password
// authentication, the other source of "issued by login" sessions
// alongside IdP first-login.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.Write(w, apierr.New(apierr.InvalidAuthMethod, "method not allowed"))
		return
	}
	if err := r.ParseForm(); err != nil {
		apierr.Write(w, apierr.New(apierr.InvalidCredentials, "invalid form payload"))
		return
	}
	md := sessionstore.Metadata{UserAgent: r.Header.Get("User-Agent")}
	plaintext, sess, err := s.login.Login(r.Context(), r.Form.Get("username"), r.Form.Get("password"), md)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sess.ID,
		"token":      plaintext,
		"expires":    sess.Expires,
	})
}

// handleOrgRegisterStart implements POST /organization/register/start
// (§4.8): reserves a slug, records the pending registration, and emails
// the completion link.
func (s *Server) handleOrgRegisterStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.Write(w, apierr.New(apierr.InvalidAuthMethod, "method not allowed"))
		return
	}
	required := scopes.OrganizationCreate
	res, err := s.guard.RequireUser(r, &required)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	if err := r.ParseForm(); err != nil {
		apierr.Write(w, apierr.New(apierr.InvalidCredentials, "invalid form payload"))
		return
	}
	if err := s.orgs.Start(r.Context(), res.User.ID, r.Form.Get("name")); err != nil {
		apierr.Write(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleOrgRegisterResend implements POST /organization/register/resend.
func (s *Server) handleOrgRegisterResend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.Write(w, apierr.New(apierr.InvalidAuthMethod, "method not allowed"))
		return
	}
	required := scopes.OrganizationCreate
	if _, err := s.guard.RequireUser(r, &required); err != nil {
		apierr.Write(w, err)
		return
	}
	if err := r.ParseForm(); err != nil {
		apierr.Write(w, apierr.New(apierr.InvalidCredentials, "invalid form payload"))
		return
	}
	if err := s.orgs.Resend(r.Context(), r.Form.Get("flow_id")); err != nil {
		apierr.Write(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleOrgRegisterComplete implements POST /organization/register/complete:
// consumes the verification token and creates the organization and its
// owning org team.
func (s *Server) handleOrgRegisterComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.Write(w, apierr.New(apierr.InvalidAuthMethod, "method not allowed"))
		return
	}
	required := scopes.OrganizationCreate
	if _, err := s.guard.RequireUser(r, &required); err != nil {
		apierr.Write(w, err)
		return
	}
	if err := r.ParseForm(); err != nil {
		apierr.Write(w, apierr.New(apierr.InvalidCredentials, "invalid form payload"))
		return
	}
	org, err := s.orgs.Complete(r.Context(), r.Form.Get("token"))
	if err != nil {
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, org)
}

// handleTeamJoin implements POST /team/join?id=N, the org/team invite
// accept path of §4.8: transitions the caller's own Invited membership to
// Member.
func (s *Server) handleTeamJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.Write(w, apierr.New(apierr.InvalidAuthMethod, "method not allowed"))
		return
	}
	required := scopes.TeamWrite
	res, err := s.guard.RequireUser(r, &required)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	teamID, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil {
		apierr.Write(w, apierr.New(apierr.NotMember, "id missing or malformed"))
		return
	}
	if err := s.teams.Join(r.Context(), teamID, res.User.ID); err != nil {
		apierr.Write(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSessionList implements GET /session/list (§4.7's SessionRead scope).
func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierr.Write(w, apierr.New(apierr.InvalidAuthMethod, "method not allowed"))
		return
	}
	required := scopes.SessionRead
	res, err := s.guard.RequireUser(r, &required)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	sessions, err := s.sessions.List(r.Context(), res.User.ID)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, sessions)
}

// handleSessionDelete implements DELETE /session/delete?id=N (§4.7's
// SessionDelete scope, a restricted scope only ever granted to sessions).
func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		apierr.Write(w, apierr.New(apierr.InvalidAuthMethod, "method not allowed"))
		return
	}
	required := scopes.SessionDelete
	res, err := s.guard.RequireUser(r, &required)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil {
		apierr.Write(w, apierr.New(apierr.NotMember, "id missing or malformed"))
		return
	}
	if err := s.sessions.Delete(r.Context(), res.User.ID, id); err != nil {
		apierr.Write(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSessionRefresh implements POST /session/refresh. Unlike every
// other handler in this core, it authenticates directly off the session
// bearer rather than through the guard, since a session whose ordinary
// expiry has already passed (but whose refresh window hasn't) must still
// be able to rotate — the guard's Verify path would reject it outright.
func (s *Server) handleSessionRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.Write(w, apierr.New(apierr.InvalidAuthMethod, "method not allowed"))
		return
	}
	raw := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(raw) <= len(prefix) || raw[:len(prefix)] != prefix {
		apierr.Write(w, apierr.New(apierr.InvalidAuthMethod, "missing bearer token"))
		return
	}

	newPlaintext, sess, err := s.sessions.Refresh(r.Context(), raw[len(prefix):])
	if err != nil {
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sess.ID,
		"token":      newPlaintext,
		"expires":    sess.Expires,
	})
}

// handleMinecraftLoginBegin implements POST /minecraft/login/begin (§4.5
// chain steps 1-2): starts the device/SISU leg and returns the MSA
// redirect the caller sends the user's browser to out-of-band.
func (s *Server) handleMinecraftLoginBegin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.Write(w, apierr.New(apierr.InvalidAuthMethod, "method not allowed"))
		return
	}
	required := scopes.UserRead
	res, err := s.guard.RequireUser(r, &required)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	redirectURL, state, err := s.minecraft.BeginLogin(r.Context(), res.User.ID)
	if err != nil {
		apierr.Write(w, apierr.New(apierr.InvalidCredentials, "%v", err))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]string{"redirect_url": redirectURL, "state": state})
}

// handleMinecraftLoginCallback implements GET /minecraft/login/callback
// (§4.5 chain steps 3-4): the MSA redirect target, receiving `code` and
// the `state` this core minted in handleMinecraftLoginBegin.
func (s *Server) handleMinecraftLoginCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierr.Write(w, apierr.New(apierr.InvalidAuthMethod, "method not allowed"))
		return
	}
	required := scopes.UserRead
	res, err := s.guard.RequireUser(r, &required)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	q := r.URL.Query()
	flowID, err := s.minecraft.HandleCallback(r.Context(), res.User.ID, q.Get("code"), q.Get("state"))
	if err != nil {
		apierr.Write(w, apierr.New(apierr.InvalidCredentials, "%v", err))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]string{"flow_id": flowID})
}

// handleMinecraftLoginFinish implements POST /minecraft/login/finish (§4.5
// chain steps 5-8): completes sisu_authorize → xsts_authorize →
// minecraft_token → minecraft_profile and activates the resulting
// credential row.
func (s *Server) handleMinecraftLoginFinish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.Write(w, apierr.New(apierr.InvalidAuthMethod, "method not allowed"))
		return
	}
	required := scopes.UserRead
	if _, err := s.guard.RequireUser(r, &required); err != nil {
		apierr.Write(w, err)
		return
	}
	if err := r.ParseForm(); err != nil {
		apierr.Write(w, apierr.New(apierr.InvalidCredentials, "invalid form payload"))
		return
	}
	creds, err := s.minecraft.FinishLogin(r.Context(), r.Form.Get("flow_id"))
	if err != nil {
		apierr.Write(w, apierr.New(apierr.InvalidCredentials, "%v", err))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, creds)
}
