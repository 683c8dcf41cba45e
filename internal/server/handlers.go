package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"authgate/internal/ceremony"
	"authgate/internal/session"
	"authgate/internal/tier"
)

type sessionLoginRequest struct {
	IDToken string `json:"idToken"`
}

type sessionLoginResponse struct {
	Status string `json:"status"`
	Token  string `json:"token,omitempty"`
}

type sessionUserResponse struct {
	CustomToken string `json:"customToken"`
}

type ceremonyBeginRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
}

type ceremonyBeginResponse struct {
	Options    any    `json:"options"`
	Flow       string `json:"flow"`
	CeremonyID string `json:"ceremonyId,omitempty"`
	IsNewUser  bool   `json:"isNewUser"`
}

type ceremonyVerifyRequest struct {
	Credential json.RawMessage `json:"credential"`
	CeremonyID string          `json:"ceremonyId,omitempty"`
}

type ceremonyVerifyResponse struct {
	Verified    bool   `json:"verified"`
	Flow        string `json:"flow,omitempty"`
	CustomToken string `json:"customToken,omitempty"`
	Token       string `json:"token,omitempty"`
	Error       string `json:"error,omitempty"`
}

type requireAuthResponse struct {
	RequireAuth bool `json:"requireAuth"`
}

func (a *App) handleSessionLogin(w http.ResponseWriter, r *http.Request) {
	var request sessionLoginRequest

	err := decodeJSONBody(w, r, &request)
	if err != nil || strings.TrimSpace(request.IDToken) == "" {
		http.Error(w, "missing idToken", http.StatusBadRequest)

		return
	}

	origin := requestOrigin(r)

	artifact, err := a.sessions.Issue(r.Context(), request.IDToken)
	if err != nil {
		if errors.Is(err, session.ErrInvalidIdentityToken) {
			http.Error(w, authFailureMessage, http.StatusUnauthorized)

			return
		}

		slog.Error("session issue failed", "err", err)
		http.Error(w, "failed to create session", http.StatusInternalServerError)

		return
	}

	if tier.UseCookieAuth(origin) {
		http.SetCookie(w, session.Cookie(artifact.Token, origin, session.TTL))
		writeJSON(w, http.StatusOK, sessionLoginResponse{Status: "ok"})

		return
	}

	writeJSON(w, http.StatusOK, sessionLoginResponse{Status: "ok", Token: artifact.Token})
}

// handleSessionLogout never visibly fails: revocation is best-effort and the
// deletion cookies go out regardless.
func (a *App) handleSessionLogout(w http.ResponseWriter, r *http.Request) {
	artifact, ok := session.ReadArtifact(r)
	if ok {
		a.sessions.Revoke(r.Context(), artifact)
	}

	for _, cookie := range session.LogoutCookies(requestOrigin(r)) {
		http.SetCookie(w, cookie)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"logout": true})
}

func (a *App) handleSessionUser(w http.ResponseWriter, r *http.Request) {
	artifact, ok := session.ReadArtifact(r)
	if !ok {
		http.Error(w, authFailureMessage, http.StatusUnauthorized)

		return
	}

	customToken, err := a.sessions.ExchangeToken(r.Context(), artifact)
	if err != nil {
		http.Error(w, authFailureMessage, http.StatusUnauthorized)

		return
	}

	writeJSON(w, http.StatusOK, sessionUserResponse{CustomToken: customToken})
}

func (a *App) handleUnifiedOptions(w http.ResponseWriter, r *http.Request) {
	email, ok := decodeBeginRequest(w, r)
	if !ok {
		return
	}

	result, err := a.ceremonies.BeginAuto(r.Context(), email)
	if err != nil {
		if errors.Is(err, ceremony.ErrPasswordFirst) {
			writeJSON(w, http.StatusUnauthorized, requireAuthResponse{RequireAuth: true})

			return
		}

		slog.Error("begin unified ceremony failed", "err", err)
		http.Error(w, "failed to start ceremony", http.StatusInternalServerError)

		return
	}

	a.writeBeginResponse(w, r, result)
}

func (a *App) handleUnifiedVerify(w http.ResponseWriter, r *http.Request) {
	a.finishCeremony(w, r, a.ceremonies.Finish)
}

func (a *App) handleRegisterOptions(w http.ResponseWriter, r *http.Request) {
	var request ceremonyBeginRequest

	err := decodeJSONBody(w, r, &request)
	if err != nil || strings.TrimSpace(request.Email) == "" {
		http.Error(w, "missing email", http.StatusBadRequest)

		return
	}

	result, err := a.ceremonies.BeginRegistration(r.Context(), request.Email, request.DisplayName)
	if err != nil {
		slog.Error("begin registration failed", "err", err)
		http.Error(w, "failed to start registration", http.StatusInternalServerError)

		return
	}

	a.writeBeginResponse(w, r, result)
}

func (a *App) handleRegisterVerify(w http.ResponseWriter, r *http.Request) {
	a.finishCeremony(w, r, a.ceremonies.FinishRegistration)
}

func (a *App) handleLoginOptions(w http.ResponseWriter, r *http.Request) {
	email, ok := decodeBeginRequest(w, r)
	if !ok {
		return
	}

	result, err := a.ceremonies.BeginAuthentication(r.Context(), email)
	if err != nil {
		slog.Error("begin authentication failed", "err", err)
		http.Error(w, "failed to start authentication", http.StatusInternalServerError)

		return
	}

	a.writeBeginResponse(w, r, result)
}

func (a *App) handleLoginVerify(w http.ResponseWriter, r *http.Request) {
	a.finishCeremony(w, r, a.ceremonies.FinishAuthentication)
}

func (a *App) handleAddPasskey(w http.ResponseWriter, r *http.Request) {
	artifact, ok := session.ReadArtifact(r)
	if !ok {
		http.Error(w, authFailureMessage, http.StatusUnauthorized)

		return
	}

	principal, err := a.sessions.Verify(r.Context(), artifact)
	if err != nil {
		http.Error(w, authFailureMessage, http.StatusUnauthorized)

		return
	}

	result, err := a.ceremonies.BeginAddPasskey(r.Context(), principal.SubjectID)
	if err != nil {
		slog.Error("begin add-passkey failed", "err", err)
		http.Error(w, "failed to start registration", http.StatusInternalServerError)

		return
	}

	a.writeBeginResponse(w, r, result)
}

// finishCeremony drives any ceremony completion endpoint. The ceremony
// handle arrives in the __webauthn cookie, or in the request body for tiers
// whose cross-site POSTs cannot carry one. The cookie is cleared on every
// path; a consumed ceremony is dead either way.
func (a *App) finishCeremony(
	w http.ResponseWriter,
	r *http.Request,
	finish func(ctx context.Context, ceremonyID string, credentialJSON []byte) (ceremony.FinishResult, error),
) {
	origin := requestOrigin(r)
	clearCeremonyCookie(w, origin)

	var request ceremonyVerifyRequest

	err := decodeJSONBody(w, r, &request)
	if err != nil || len(request.Credential) == 0 {
		http.Error(w, "missing credential", http.StatusBadRequest)

		return
	}

	ceremonyID, ok := ceremonyIDFromRequest(r)
	if !ok {
		ceremonyID = strings.TrimSpace(request.CeremonyID)
	}

	if ceremonyID == "" {
		http.Error(w, authFailureMessage, http.StatusUnauthorized)

		return
	}

	result, err := finish(r.Context(), ceremonyID, request.Credential)
	if err != nil {
		a.writeFinishError(w, err)

		return
	}

	response := ceremonyVerifyResponse{
		Verified:    true,
		Flow:        result.Flow,
		CustomToken: result.CustomToken,
		Token:       "",
		Error:       "",
	}

	artifact, issueErr := a.sessions.Issue(r.Context(), result.CustomToken)
	if issueErr != nil {
		slog.Warn("session issue after ceremony failed", "subject", result.SubjectID)
	} else if tier.UseCookieAuth(origin) {
		http.SetCookie(w, session.Cookie(artifact.Token, origin, session.TTL))
	} else {
		response.Token = artifact.Token
	}

	writeJSON(w, http.StatusOK, response)
}

func (a *App) writeFinishError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ceremony.ErrNoPendingCeremony):
		http.Error(w, authFailureMessage, http.StatusUnauthorized)
	case errors.Is(err, ceremony.ErrCredentialNotFound):
		writeJSON(w, http.StatusOK, ceremonyVerifyResponse{Verified: false, Error: "credential not registered"})
	case errors.Is(err, ceremony.ErrReplayDetected):
		writeJSON(w, http.StatusOK, ceremonyVerifyResponse{Verified: false, Error: "credential replay detected"})
	case errors.Is(err, ceremony.ErrVerificationFailed):
		writeJSON(w, http.StatusOK, ceremonyVerifyResponse{Verified: false, Error: "verification failed"})
	default:
		slog.Error("finish ceremony failed", "err", err)
		http.Error(w, "failed to complete ceremony", http.StatusInternalServerError)
	}
}

// writeBeginResponse hands the ceremony handle back in the cookie, and also
// in the body for tiers whose cross-site requests will not carry it.
func (a *App) writeBeginResponse(w http.ResponseWriter, r *http.Request, result ceremony.BeginResult) {
	origin := requestOrigin(r)
	setCeremonyCookie(w, origin, result.CeremonyID)

	var options any
	if result.Creation != nil {
		options = result.Creation
	} else {
		options = result.Assertion
	}

	response := ceremonyBeginResponse{
		Options:    options,
		Flow:       result.Flow,
		CeremonyID: "",
		IsNewUser:  result.IsNewUser,
	}
	if !tier.UseCookieAuth(origin) {
		response.CeremonyID = result.CeremonyID
	}

	writeJSON(w, http.StatusOK, response)
}

func decodeBeginRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	var request ceremonyBeginRequest

	err := decodeJSONBody(w, r, &request)
	if err != nil || strings.TrimSpace(request.Email) == "" {
		http.Error(w, "missing email", http.StatusBadRequest)

		return "", false
	}

	return request.Email, true
}
