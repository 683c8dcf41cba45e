// Package server exposes the HTTP surface: session endpoints, WebAuthn
// ceremony endpoints, and the cross-origin policy that fronts them.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"authgate/internal/ceremony"
	"authgate/internal/session"
	"authgate/internal/tier"
)

const (
	ceremonyCookieName  = "__webauthn"
	ceremonyCookieTTL   = 5 * time.Minute
	cleanupInterval     = 10 * time.Minute
	requestIDTokenBytes = 16
	maxBodyBytes        = 1 << 20

	authFailureMessage = "authentication failed"
	corsMaxAgeSeconds  = 86400
)

type requestContextKey string

const requestIDContextKey requestContextKey = "requestID"

// App wires handlers and background loops for the HTTP server.
type App struct {
	db         *sql.DB
	sessions   *session.Service
	ceremonies *ceremony.Manager
}

// New constructs an App over the session service and ceremony manager.
func New(db *sql.DB, sessions *session.Service, ceremonies *ceremony.Manager) *App {
	app := new(App)
	app.db = db
	app.sessions = sessions
	app.ceremonies = ceremonies

	return app
}

// Routes returns the fully configured application HTTP handler.
func (a *App) Routes() http.Handler {
	mux := http.NewServeMux()
	a.registerSessionRoutes(mux)
	a.registerWebAuthnRoutes(mux)
	mux.HandleFunc("GET /healthz", a.handleHealthz)

	var handler http.Handler = mux

	return a.wrapRoutes(handler)
}

// StartBackgroundLoops starts the ceremony cleanup goroutine.
func (a *App) StartBackgroundLoops() {
	go a.cleanupLoop()
}

func (a *App) registerSessionRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sessionLogin", a.handleSessionLogin)
	mux.HandleFunc("POST /api/sessionLogout", a.handleSessionLogout)
	mux.HandleFunc("GET /api/sessionUser", a.handleSessionUser)
}

func (a *App) registerWebAuthnRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/webauthn/get-options", a.handleUnifiedOptions)
	mux.HandleFunc("POST /api/webauthn/verify", a.handleUnifiedVerify)
	mux.HandleFunc("POST /api/webauthn/register/options", a.handleRegisterOptions)
	mux.HandleFunc("POST /api/webauthn/register/verify", a.handleRegisterVerify)
	mux.HandleFunc("POST /api/webauthn/login/options", a.handleLoginOptions)
	mux.HandleFunc("POST /api/webauthn/login/verify", a.handleLoginVerify)
	mux.HandleFunc("POST /api/webauthn/add-passkey", a.handleAddPasskey)
}

func (a *App) wrapRoutes(handler http.Handler) http.Handler {
	handler = a.withCORS(handler)
	handler = a.withSecurityHeaders(handler)
	handler = a.withRequestID(handler)

	return handler
}

func (*App) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID, err := randomToken(requestIDTokenBytes)
		if err != nil {
			requestID = strconv.FormatInt(time.Now().UnixNano(), 10)
		}

		ctx := context.WithValue(r.Context(), requestIDContextKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (*App) withSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")

		next.ServeHTTP(w, r)
	})
}

// withCORS applies the credentialed cross-origin policy to /api/ requests.
// Allowed origins are echoed exactly, never wildcarded, because credentialed
// requests forbid `*`. Preflights short-circuit before routing.
func (a *App) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)

			return
		}

		headers := w.Header()
		headers.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		headers.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		headers.Set("Access-Control-Allow-Credentials", "true")
		headers.Set("Access-Control-Max-Age", strconv.Itoa(corsMaxAgeSeconds))

		if tier.OriginAllowed(origin) {
			headers.Set("Access-Control-Allow-Origin", origin)
			headers.Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (*App) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	_, err := w.Write([]byte("ok"))
	if err != nil {
		slog.Warn("write healthz response failed")
	}
}

func setCeremonyCookie(w http.ResponseWriter, origin, ceremonyID string) {
	cookie := ceremonyCookie(origin)
	cookie.Value = ceremonyID
	cookie.MaxAge = int(ceremonyCookieTTL.Seconds())

	http.SetCookie(w, cookie)
}

func clearCeremonyCookie(w http.ResponseWriter, origin string) {
	cookie := ceremonyCookie(origin)
	cookie.Value = ""
	cookie.MaxAge = -1
	cookie.Expires = time.Unix(0, 0)

	http.SetCookie(w, cookie)
}

func ceremonyCookie(origin string) *http.Cookie {
	cookie := new(http.Cookie)
	cookie.Name = ceremonyCookieName
	cookie.Path = "/"
	cookie.HttpOnly = true

	switch tier.FromOrigin(origin) {
	case tier.Production:
		cookie.Secure = true
		cookie.SameSite = http.SameSiteNoneMode
	case tier.Staging:
		cookie.Secure = true
		cookie.SameSite = http.SameSiteLaxMode
	case tier.Local:
		cookie.SameSite = http.SameSiteLaxMode
	}

	return cookie
}

func ceremonyIDFromRequest(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(ceremonyCookieName)
	if err != nil || strings.TrimSpace(cookie.Value) == "" {
		return "", false
	}

	return cookie.Value, true
}

func requestOrigin(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Origin"))
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, target any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	err := json.NewDecoder(r.Body).Decode(target)
	if err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}

	return nil
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	encoder := json.NewEncoder(w)

	err := encoder.Encode(value)
	if err != nil {
		slog.Warn("write json response failed")
	}
}

func randomToken(size int) (string, error) {
	buf := make([]byte, size)

	_, err := rand.Read(buf)
	if err != nil {
		return "", fmt.Errorf("read random token bytes: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (a *App) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		err := a.ceremonies.CleanupExpired(context.Background())
		if err != nil {
			slog.Error("ceremony cleanup error", "err", err)
		}

		<-ticker.C
	}
}
