package session

import (
	"net/http"
	"strings"
	"time"

	"authgate/internal/tier"
)

const (
	// CookieName is the shared session cookie, readable across production
	// subdomains.
	CookieName = "__session"
	// LogoutCookieName is a short-lived flag that suppresses client-side
	// re-authentication races immediately after logout.
	LogoutCookieName = "__logout"

	productionCookieDomain = ".hackpsu.org"
	logoutFlagTTL          = 30 * time.Second
)

// Cookie serializes a session artifact into the cookie form appropriate for
// the requesting origin's tier. Production shares the cookie across
// subdomains; staging and local keep it host-scoped.
func Cookie(token, origin string, remaining time.Duration) *http.Cookie {
	cookie := new(http.Cookie)
	cookie.Name = CookieName
	cookie.Value = token
	cookie.Path = "/"
	cookie.HttpOnly = true
	cookie.MaxAge = int(remaining.Seconds())

	applyTierAttributes(cookie, tier.FromOrigin(origin))

	return cookie
}

// ReadArtifact extracts the session artifact from a request: the session
// cookie when present, otherwise a bearer Authorization header. The header
// path is required for tiers that cannot share cookies.
func ReadArtifact(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(CookieName)
	if err == nil && strings.TrimSpace(cookie.Value) != "" {
		return cookie.Value, true
	}

	header := strings.TrimSpace(r.Header.Get("Authorization"))

	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || strings.TrimSpace(token) == "" {
		return "", false
	}

	return strings.TrimSpace(token), true
}

// LogoutCookies builds the deletion set for logout. A cookie set with an
// explicit domain can only be cleared by a matching deletion, and clients
// may hold either form, so both deletions are always emitted, plus the
// logout flag cookie.
func LogoutCookies(origin string) []*http.Cookie {
	requestTier := tier.FromOrigin(origin)

	withDomain := expiredSessionCookie(requestTier)
	withDomain.Domain = productionCookieDomain

	withoutDomain := expiredSessionCookie(requestTier)

	flag := new(http.Cookie)
	flag.Name = LogoutCookieName
	flag.Value = "true"
	flag.Path = "/"
	flag.HttpOnly = true
	flag.MaxAge = int(logoutFlagTTL.Seconds())

	applyTierAttributes(flag, requestTier)

	return []*http.Cookie{withDomain, withoutDomain, flag}
}

func expiredSessionCookie(requestTier tier.Tier) *http.Cookie {
	cookie := new(http.Cookie)
	cookie.Name = CookieName
	cookie.Value = ""
	cookie.Path = "/"
	cookie.HttpOnly = true
	cookie.MaxAge = -1
	cookie.Expires = time.Unix(0, 0)

	switch requestTier {
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

func applyTierAttributes(cookie *http.Cookie, requestTier tier.Tier) {
	switch requestTier {
	case tier.Production:
		cookie.Domain = productionCookieDomain
		cookie.Secure = true
		cookie.SameSite = http.SameSiteNoneMode
	case tier.Staging:
		cookie.Secure = true
		cookie.SameSite = http.SameSiteLaxMode
	case tier.Local:
		cookie.SameSite = http.SameSiteLaxMode
	}
}
