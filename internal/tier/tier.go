// Package tier classifies request origins into deployment tiers and decides
// which origins may participate in cross-origin requests.
package tier

import "strings"

// Tier is the deployment environment derived from a request origin.
type Tier string

const (
	Production Tier = "production"
	Staging    Tier = "staging"
	Local      Tier = "local"
)

const (
	productionApex   = "https://hackpsu.org"
	productionSuffix = ".hackpsu.org"
	stagingSuffix    = ".vercel.app"
)

var loopbackPrefixes = []string{
	"http://localhost",
	"https://localhost",
	"http://127.0.0.1",
	"https://127.0.0.1",
}

// FromOrigin maps an Origin header value to a deployment tier. The empty
// string (no Origin header) and anything unrecognized classify as Local.
func FromOrigin(origin string) Tier {
	if origin == "" {
		return Local
	}

	if origin == productionApex || strings.HasSuffix(origin, productionSuffix) {
		return Production
	}

	if strings.HasSuffix(origin, stagingSuffix) {
		return Staging
	}

	return Local
}

// OriginAllowed reports whether an origin may make credentialed cross-origin
// requests. Loopback origins are allowed for development even though they
// classify as Local, so this is an explicit allow-list rather than a tier
// check.
func OriginAllowed(origin string) bool {
	if origin == "" {
		return false
	}

	if FromOrigin(origin) != Local {
		return true
	}

	for _, prefix := range loopbackPrefixes {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}

	return false
}

// UseCookieAuth reports whether the session artifact should travel in a
// shared cookie. Only production subdomains share a registrable domain;
// staging and local deployments fall back to bearer tokens.
func UseCookieAuth(origin string) bool {
	return FromOrigin(origin) == Production
}
