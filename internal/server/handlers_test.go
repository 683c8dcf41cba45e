//nolint:testpackage // Tests need access to unexported helpers in this package.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"authgate/internal/ceremony"
	"authgate/internal/identity"
	"authgate/internal/session"
	"authgate/internal/testutil"
)

const (
	testProductionOrigin = "https://app.hackpsu.org"
	testLocalOrigin      = "http://localhost:3000"
)

func newTestApp(t *testing.T) (http.Handler, *identity.Provider) {
	t.Helper()

	db := testutil.OpenTestDB(t)

	provider, err := identity.NewProvider(db, "test-signing-key", "test-issuer")
	if err != nil {
		t.Fatalf("identity.NewProvider: %v", err)
	}

	ceremonies, err := ceremony.NewManager(db, provider, &ceremony.Config{
		RPID:     "hackpsu.org",
		RPOrigin: testProductionOrigin,
		RPName:   "HackPSU Auth",
		TTL:      0,
	})
	if err != nil {
		t.Fatalf("ceremony.NewManager: %v", err)
	}

	app := New(db, session.NewService(provider), ceremonies)

	return app.Routes(), provider
}

func seedIDToken(t *testing.T, provider *identity.Provider, email string) string {
	t.Helper()

	subject, err := provider.CreateSubject(context.Background(), identity.NewSubject{
		Email:         email,
		DisplayName:   "Test Subject",
		EmailVerified: true,
	})
	if err != nil {
		t.Fatalf("CreateSubject: %v", err)
	}

	idToken, err := provider.IssueIDToken(context.Background(), subject.UID)
	if err != nil {
		t.Fatalf("IssueIDToken: %v", err)
	}

	return idToken
}

func doJSON(t *testing.T, handler http.Handler, method, path, origin string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal request payload: %v", err)
		}

		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	r := httptest.NewRequest(method, path, body)
	r.Header.Set("Content-Type", "application/json")

	if origin != "" {
		r.Header.Set("Origin", origin)
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder, target any) {
	t.Helper()

	err := json.Unmarshal(w.Body.Bytes(), target)
	if err != nil {
		t.Fatalf("decode response body %q: %v", w.Body.String(), err)
	}
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, cookie := range cookies {
		if cookie.Name == name {
			return cookie
		}
	}

	return nil
}

func TestPreflightShortCircuits(t *testing.T) {
	t.Parallel()

	handler, _ := newTestApp(t)

	r := httptest.NewRequest(http.MethodOptions, "/api/sessionLogin", nil)
	r.Header.Set("Origin", testProductionOrigin)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected preflight 200, got %d", w.Code)
	}

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != testProductionOrigin {
		t.Fatalf("expected echoed origin, got %q", got)
	}

	if w.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatal("expected credentialed CORS headers")
	}

	if w.Header().Get("Access-Control-Max-Age") != "86400" {
		t.Fatalf("unexpected max age %q", w.Header().Get("Access-Control-Max-Age"))
	}

	if w.Body.Len() != 0 {
		t.Fatalf("expected empty preflight body, got %q", w.Body.String())
	}
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	t.Parallel()

	handler, _ := newTestApp(t)

	r := httptest.NewRequest(http.MethodOptions, "/api/sessionLogin", nil)
	r.Header.Set("Origin", "https://evil.com")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no allow-origin header for unknown origin, got %q", got)
	}
}

func TestSessionLoginSetsProductionCookie(t *testing.T) {
	t.Parallel()

	handler, provider := newTestApp(t)
	idToken := seedIDToken(t, provider, "alex@example.com")

	w := doJSON(t, handler, http.MethodPost, "/api/sessionLogin", testProductionOrigin, map[string]string{"idToken": idToken})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var response sessionLoginResponse

	decodeResponse(t, w, &response)

	if response.Status != "ok" || response.Token != "" {
		t.Fatalf("expected cookie-carried session, got %+v", response)
	}

	cookie := findCookie(w.Result().Cookies(), session.CookieName)
	if cookie == nil {
		t.Fatal("expected session cookie")
	}

	if cookie.Domain != ".hackpsu.org" || !cookie.Secure {
		t.Fatalf("unexpected session cookie attributes: %+v", cookie)
	}
}

func TestSessionLoginReturnsTokenForLocalOrigin(t *testing.T) {
	t.Parallel()

	handler, provider := newTestApp(t)
	idToken := seedIDToken(t, provider, "alex@example.com")

	w := doJSON(t, handler, http.MethodPost, "/api/sessionLogin", testLocalOrigin, map[string]string{"idToken": idToken})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var response sessionLoginResponse

	decodeResponse(t, w, &response)

	if response.Token == "" {
		t.Fatal("expected bearer token for local origin")
	}

	if findCookie(w.Result().Cookies(), session.CookieName) != nil {
		t.Fatal("expected no session cookie for local origin")
	}
}

func TestSessionLoginRejectsBadRequests(t *testing.T) {
	t.Parallel()

	handler, _ := newTestApp(t)

	w := doJSON(t, handler, http.MethodPost, "/api/sessionLogin", testLocalOrigin, map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing idToken, got %d", w.Code)
	}

	w = doJSON(t, handler, http.MethodPost, "/api/sessionLogin", testLocalOrigin, map[string]string{"idToken": "garbage"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid idToken, got %d", w.Code)
	}
}

func TestSessionLogoutAlwaysSucceeds(t *testing.T) {
	t.Parallel()

	handler, _ := newTestApp(t)

	w := doJSON(t, handler, http.MethodPost, "/api/sessionLogout", testProductionOrigin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var response map[string]bool

	decodeResponse(t, w, &response)

	if !response["logout"] {
		t.Fatalf("expected logout true, got %v", response)
	}

	cookies := w.Result().Cookies()

	deletions := 0
	for _, cookie := range cookies {
		if cookie.Name == session.CookieName && cookie.MaxAge < 0 {
			deletions++
		}
	}

	if deletions != 2 {
		t.Fatalf("expected both deletion cookie forms, got %d", deletions)
	}

	if findCookie(cookies, session.LogoutCookieName) == nil {
		t.Fatal("expected logout flag cookie")
	}

	// A repeat logout with no session behaves identically.
	w = doJSON(t, handler, http.MethodPost, "/api/sessionLogout", testProductionOrigin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected repeated logout to succeed, got %d", w.Code)
	}
}

func TestSessionUserExchangesBearerArtifact(t *testing.T) {
	t.Parallel()

	handler, provider := newTestApp(t)
	idToken := seedIDToken(t, provider, "alex@example.com")

	login := doJSON(t, handler, http.MethodPost, "/api/sessionLogin", testLocalOrigin, map[string]string{"idToken": idToken})

	var loginResponse sessionLoginResponse

	decodeResponse(t, login, &loginResponse)

	r := httptest.NewRequest(http.MethodGet, "/api/sessionUser", nil)
	r.Header.Set("Origin", testLocalOrigin)
	r.Header.Set("Authorization", "Bearer "+loginResponse.Token)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var response sessionUserResponse

	decodeResponse(t, w, &response)

	verified, err := provider.VerifyIDToken(context.Background(), response.CustomToken)
	if err != nil {
		t.Fatalf("VerifyIDToken: %v", err)
	}

	if verified.Email != "alex@example.com" {
		t.Fatalf("unexpected subject email %q", verified.Email)
	}
}

func TestSessionUserRejectsMissingArtifact(t *testing.T) {
	t.Parallel()

	handler, _ := newTestApp(t)

	r := httptest.NewRequest(http.MethodGet, "/api/sessionUser", nil)
	r.Header.Set("Origin", testLocalOrigin)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	if !strings.Contains(w.Body.String(), authFailureMessage) {
		t.Fatalf("expected generic failure body, got %q", w.Body.String())
	}
}

func TestUnifiedOptionsForNewEmail(t *testing.T) {
	t.Parallel()

	handler, _ := newTestApp(t)

	w := doJSON(t, handler, http.MethodPost, "/api/webauthn/get-options", testProductionOrigin, map[string]string{"email": "new@example.com"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var response ceremonyBeginResponse

	decodeResponse(t, w, &response)

	if response.Flow != ceremony.KindRegistration || !response.IsNewUser {
		t.Fatalf("expected new-user registration flow, got %+v", response)
	}

	if response.Options == nil {
		t.Fatal("expected ceremony options")
	}

	if response.CeremonyID != "" {
		t.Fatal("expected no body ceremony handle for the cookie tier")
	}

	cookie := findCookie(w.Result().Cookies(), ceremonyCookieName)
	if cookie == nil || cookie.Value == "" {
		t.Fatal("expected ceremony cookie")
	}
}

func TestStagingVerifyCarriesCeremonyIDInBody(t *testing.T) {
	t.Parallel()

	handler, _ := newTestApp(t)

	stagingOrigin := "https://preview.vercel.app"

	begin := doJSON(t, handler, http.MethodPost, "/api/webauthn/get-options", stagingOrigin, map[string]string{"email": "new@example.com"})
	if begin.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", begin.Code, begin.Body.String())
	}

	var beginResponse ceremonyBeginResponse

	decodeResponse(t, begin, &beginResponse)

	if beginResponse.CeremonyID == "" {
		t.Fatal("expected body ceremony handle for a non-cookie tier")
	}

	// The cross-site POST arrives without the Lax cookie; the body handle
	// must still reach the ceremony.
	w := doJSON(t, handler, http.MethodPost, "/api/webauthn/verify", stagingOrigin, map[string]any{
		"ceremonyId": beginResponse.CeremonyID,
		"credential": map[string]string{"id": "bogus"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 failure envelope, got %d: %s", w.Code, w.Body.String())
	}

	var response ceremonyVerifyResponse

	decodeResponse(t, w, &response)

	if response.Verified {
		t.Fatal("expected verified=false for bogus credential")
	}

	// A second attempt with the same handle finds nothing pending.
	w = doJSON(t, handler, http.MethodPost, "/api/webauthn/verify", stagingOrigin, map[string]any{
		"ceremonyId": beginResponse.CeremonyID,
		"credential": map[string]string{"id": "bogus"},
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for consumed ceremony, got %d", w.Code)
	}
}

func TestUnifiedOptionsRequiresPasswordForKnownSubject(t *testing.T) {
	t.Parallel()

	handler, provider := newTestApp(t)
	seedIDToken(t, provider, "alex@example.com")

	w := doJSON(t, handler, http.MethodPost, "/api/webauthn/get-options", testProductionOrigin, map[string]string{"email": "alex@example.com"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", w.Code, w.Body.String())
	}

	var response requireAuthResponse

	decodeResponse(t, w, &response)

	if !response.RequireAuth {
		t.Fatalf("expected requireAuth flag, got %+v", response)
	}
}

func TestUnifiedOptionsRejectsMissingEmail(t *testing.T) {
	t.Parallel()

	handler, _ := newTestApp(t)

	w := doJSON(t, handler, http.MethodPost, "/api/webauthn/get-options", testProductionOrigin, map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestUnifiedVerifyRequiresCeremonyCookie(t *testing.T) {
	t.Parallel()

	handler, _ := newTestApp(t)

	w := doJSON(t, handler, http.MethodPost, "/api/webauthn/verify", testProductionOrigin, map[string]any{"credential": map[string]string{"id": "x"}})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without ceremony cookie, got %d", w.Code)
	}
}

func TestUnifiedVerifyReportsFailureAndClearsCookie(t *testing.T) {
	t.Parallel()

	handler, _ := newTestApp(t)

	begin := doJSON(t, handler, http.MethodPost, "/api/webauthn/get-options", testProductionOrigin, map[string]string{"email": "new@example.com"})

	ceremonyCookie := findCookie(begin.Result().Cookies(), ceremonyCookieName)
	if ceremonyCookie == nil {
		t.Fatal("expected ceremony cookie from begin")
	}

	payload, err := json.Marshal(map[string]any{"credential": map[string]string{"id": "bogus"}})
	if err != nil {
		t.Fatalf("marshal verify payload: %v", err)
	}

	r := httptest.NewRequest(http.MethodPost, "/api/webauthn/verify", bytes.NewReader(payload))
	r.Header.Set("Origin", testProductionOrigin)
	r.Header.Set("Content-Type", "application/json")
	r.AddCookie(&http.Cookie{Name: ceremonyCookieName, Value: ceremonyCookie.Value})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 failure envelope, got %d: %s", w.Code, w.Body.String())
	}

	var response ceremonyVerifyResponse

	decodeResponse(t, w, &response)

	if response.Verified {
		t.Fatal("expected verified=false for bogus credential")
	}

	cleared := findCookie(w.Result().Cookies(), ceremonyCookieName)
	if cleared == nil || cleared.MaxAge >= 0 {
		t.Fatal("expected ceremony cookie to be cleared")
	}
}

func TestAddPasskeyRequiresSession(t *testing.T) {
	t.Parallel()

	handler, provider := newTestApp(t)

	w := doJSON(t, handler, http.MethodPost, "/api/webauthn/add-passkey", testProductionOrigin, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without session, got %d", w.Code)
	}

	idToken := seedIDToken(t, provider, "alex@example.com")
	login := doJSON(t, handler, http.MethodPost, "/api/sessionLogin", testLocalOrigin, map[string]string{"idToken": idToken})

	var loginResponse sessionLoginResponse

	decodeResponse(t, login, &loginResponse)

	r := httptest.NewRequest(http.MethodPost, "/api/webauthn/add-passkey", bytes.NewReader(nil))
	r.Header.Set("Origin", testProductionOrigin)
	r.Header.Set("Authorization", "Bearer "+loginResponse.Token)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var response ceremonyBeginResponse

	decodeResponse(t, w, &response)

	if response.Flow != ceremony.KindRegistration || response.Options == nil {
		t.Fatalf("expected registration options, got %+v", response)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	handler, _ := newTestApp(t)

	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("unexpected healthz response: %d %q", w.Code, w.Body.String())
	}
}
