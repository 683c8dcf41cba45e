// Package session turns verified identity proofs into long-lived session
// artifacts and back: cookie/bearer codec, issuance, verification, and
// best-effort revocation.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"authgate/internal/identity"
)

// TTL is the fixed validity window of a session artifact.
const TTL = 5 * 24 * time.Hour

var (
	// ErrInvalidIdentityToken indicates the supplied identity proof could not
	// be verified.
	ErrInvalidIdentityToken = errors.New("invalid identity token")
	// ErrInvalidSession indicates the artifact is missing, expired, or
	// revoked.
	ErrInvalidSession = errors.New("invalid session")
)

// TokenProvider is the identity-provider surface the session service needs.
type TokenProvider interface {
	VerifyIDToken(ctx context.Context, token string) (identity.Token, error)
	CreateSessionToken(ctx context.Context, idToken string, ttl time.Duration) (string, error)
	VerifySessionToken(ctx context.Context, token string, checkRevoked bool) (identity.Token, error)
	CreateCustomToken(ctx context.Context, uid string, roles identity.RoleClaims) (string, error)
	RevokeRefreshTokens(ctx context.Context, uid string) error
}

// Artifact is a freshly issued session token plus its expiry instant.
type Artifact struct {
	ExpiresAt time.Time
	Token     string
}

// Principal identifies the verified caller behind a session artifact.
type Principal struct {
	SubjectID string
	Email     string
	Roles     identity.RoleClaims
}

// Service issues, verifies, and revokes session artifacts.
type Service struct {
	provider TokenProvider
}

// NewService creates the session service around an identity provider.
func NewService(provider TokenProvider) *Service {
	return &Service{provider: provider}
}

// Issue exchanges a verified identity proof for a session artifact with the
// fixed validity window.
func (s *Service) Issue(ctx context.Context, idToken string) (Artifact, error) {
	token, err := s.provider.CreateSessionToken(ctx, idToken, TTL)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidIDToken) {
			return Artifact{}, ErrInvalidIdentityToken
		}

		return Artifact{}, fmt.Errorf("create session token: %w", err)
	}

	return Artifact{
		ExpiresAt: time.Now().UTC().Add(TTL),
		Token:     token,
	}, nil
}

// Verify validates a session artifact, honoring revocation, and returns the
// caller's identity with normalized role claims. Stored role data is never
// mutated here.
func (s *Service) Verify(ctx context.Context, artifact string) (Principal, error) {
	token, err := s.provider.VerifySessionToken(ctx, artifact, true)
	if err != nil {
		return Principal{}, ErrInvalidSession
	}

	return Principal{
		SubjectID: token.UID,
		Email:     token.Email,
		Roles:     token.Roles,
	}, nil
}

// ExchangeToken verifies a session artifact and mints a fresh provider
// credential scoped to the caller's roles, for further provider-side use.
func (s *Service) ExchangeToken(ctx context.Context, artifact string) (string, error) {
	principal, err := s.Verify(ctx, artifact)
	if err != nil {
		return "", err
	}

	customToken, err := s.provider.CreateCustomToken(ctx, principal.SubjectID, principal.Roles)
	if err != nil {
		return "", fmt.Errorf("mint custom token for subject %q: %w", principal.SubjectID, err)
	}

	return customToken, nil
}

// Revoke invalidates future use of the artifact's refresh chain. Logout must
// always appear to succeed, so every failure is swallowed and logged; the
// caller clears client-held cookies unconditionally.
func (s *Service) Revoke(ctx context.Context, artifact string) {
	if artifact == "" {
		return
	}

	token, err := s.provider.VerifySessionToken(ctx, artifact, false)
	if err != nil {
		slog.Warn("logout could not resolve session artifact")

		return
	}

	err = s.provider.RevokeRefreshTokens(ctx, token.UID)
	if err != nil {
		slog.Warn("logout revocation failed", "subject", token.UID, "err", err)
	}
}
