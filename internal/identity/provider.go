// Package identity implements the identity-provider collaborator: subject
// records plus HMAC-signed identity, session, and custom tokens.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"authgate/internal/store"
)

const (
	tokenUseID      = "id"
	tokenUseSession = "session"
	tokenUseCustom  = "custom"

	defaultIDTokenTTL = time.Hour
)

var (
	// ErrInvalidIDToken indicates the identity proof failed signature, expiry,
	// or type checks.
	ErrInvalidIDToken = errors.New("invalid identity token")
	// ErrInvalidSessionToken indicates the session artifact is missing,
	// malformed, expired, or revoked.
	ErrInvalidSessionToken = errors.New("invalid session token")
	// ErrSubjectNotFound indicates no subject matches the lookup.
	ErrSubjectNotFound = errors.New("subject not found")

	errMissingSigningKey = errors.New("identity provider signing key is required")
)

// Subject is a provider-side identity record.
type Subject struct {
	CreatedAt     time.Time
	UID           string
	Email         string
	DisplayName   string
	Roles         RoleClaims
	EmailVerified bool
}

// Token is the decoded, validated form of any provider token.
type Token struct {
	AuthTime time.Time
	UID      string
	Email    string
	Roles    RoleClaims
}

// NewSubject carries the fields for subject creation.
type NewSubject struct {
	Email         string
	DisplayName   string
	EmailVerified bool
}

type providerClaims struct {
	TokenUse string `json:"token_use"`
	Email    string `json:"email,omitempty"`
	AuthTime int64  `json:"auth_time,omitempty"`
	Roles    *RoleClaims `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Provider issues and validates identity tokens backed by the subject store.
// Construct once at startup and inject into every component that needs it.
type Provider struct {
	db         *sql.DB
	signingKey []byte
	issuer     string
}

// NewProvider creates a token provider over the given store.
func NewProvider(db *sql.DB, signingKey, issuer string) (*Provider, error) {
	if strings.TrimSpace(signingKey) == "" {
		return nil, errMissingSigningKey
	}

	if strings.TrimSpace(issuer) == "" {
		issuer = "authgate"
	}

	return &Provider{
		db:         db,
		signingKey: []byte(signingKey),
		issuer:     issuer,
	}, nil
}

// CreateSubject provisions a new subject with a fresh UID.
func (p *Provider) CreateSubject(ctx context.Context, input NewSubject) (Subject, error) {
	email := strings.ToLower(strings.TrimSpace(input.Email))
	displayName := strings.TrimSpace(input.DisplayName)

	if displayName == "" {
		displayName = email
	}

	record := store.SubjectRecord{
		CreatedAt:        time.Now().UTC(),
		TokensValidAfter: sql.NullTime{Time: time.Time{}, Valid: false},
		UID:              uuid.NewString(),
		Email:            email,
		DisplayName:      displayName,
		CustomClaims:     nil,
		EmailVerified:    input.EmailVerified,
	}

	err := store.CreateSubject(ctx, p.db, &record)
	if err != nil {
		return Subject{}, fmt.Errorf("create subject %q: %w", email, err)
	}

	return subjectFromRecord(&record)
}

// GetSubject loads a subject by UID.
func (p *Provider) GetSubject(ctx context.Context, uid string) (Subject, error) {
	record, err := store.GetSubject(ctx, p.db, uid)
	if err != nil {
		if errors.Is(err, store.ErrSubjectMissing) {
			return Subject{}, ErrSubjectNotFound
		}

		return Subject{}, err
	}

	return subjectFromRecord(&record)
}

// GetSubjectByEmail loads a subject by email.
func (p *Provider) GetSubjectByEmail(ctx context.Context, email string) (Subject, error) {
	record, err := store.GetSubjectByEmail(ctx, p.db, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, store.ErrSubjectMissing) {
			return Subject{}, ErrSubjectNotFound
		}

		return Subject{}, err
	}

	return subjectFromRecord(&record)
}

// IssueIDToken mints a short-lived identity proof for a subject, as produced
// after a primary-credential login.
func (p *Provider) IssueIDToken(ctx context.Context, uid string) (string, error) {
	subject, err := p.GetSubject(ctx, uid)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()

	return p.sign(&providerClaims{
		TokenUse: tokenUseID,
		Email:    subject.Email,
		AuthTime: now.Unix(),
		Roles:    nil,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.UID,
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(defaultIDTokenTTL)),
			ID:        uuid.NewString(),
		},
	})
}

// VerifyIDToken validates an identity proof. Custom tokens are accepted as
// proof too, since completing a ceremony hands the client a custom token it
// immediately exchanges for a session.
func (p *Provider) VerifyIDToken(ctx context.Context, token string) (Token, error) {
	claims, err := p.parse(token)
	if err != nil {
		return Token{}, ErrInvalidIDToken
	}

	if claims.TokenUse != tokenUseID && claims.TokenUse != tokenUseCustom {
		return Token{}, ErrInvalidIDToken
	}

	return p.tokenFromClaims(ctx, claims)
}

// CreateSessionToken exchanges a verified identity proof for a session token
// with the given validity window.
func (p *Provider) CreateSessionToken(ctx context.Context, idToken string, ttl time.Duration) (string, error) {
	verified, err := p.VerifyIDToken(ctx, idToken)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()

	return p.sign(&providerClaims{
		TokenUse: tokenUseSession,
		Email:    verified.Email,
		AuthTime: verified.AuthTime.Unix(),
		Roles:    nil,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   verified.UID,
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	})
}

// VerifySessionToken validates a session token. With checkRevoked set, the
// token's authentication instant is compared against the subject's
// revocation watermark so revoked sessions fail even before expiry.
func (p *Provider) VerifySessionToken(ctx context.Context, token string, checkRevoked bool) (Token, error) {
	claims, err := p.parse(token)
	if err != nil {
		return Token{}, ErrInvalidSessionToken
	}

	if claims.TokenUse != tokenUseSession {
		return Token{}, ErrInvalidSessionToken
	}

	if checkRevoked {
		record, loadErr := store.GetSubject(ctx, p.db, claims.Subject)
		if loadErr != nil {
			return Token{}, ErrInvalidSessionToken
		}

		authTime := time.Unix(claims.AuthTime, 0).UTC()
		if record.TokensValidAfter.Valid && !authTime.After(record.TokensValidAfter.Time) {
			return Token{}, ErrInvalidSessionToken
		}
	}

	return p.tokenFromClaims(ctx, claims)
}

// CreateCustomToken mints a provider credential for client-side sign-in,
// carrying the supplied role claims.
func (p *Provider) CreateCustomToken(ctx context.Context, uid string, roles RoleClaims) (string, error) {
	_ = ctx

	now := time.Now().UTC()

	return p.sign(&providerClaims{
		TokenUse: tokenUseCustom,
		Email:    "",
		AuthTime: now.Unix(),
		Roles:    &roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(defaultIDTokenTTL)),
			ID:        uuid.NewString(),
		},
	})
}

// RevokeRefreshTokens invalidates every token authenticated at or before
// now for the subject.
func (p *Provider) RevokeRefreshTokens(ctx context.Context, uid string) error {
	err := store.SetTokensValidAfter(ctx, p.db, uid, time.Now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrSubjectMissing) {
			return ErrSubjectNotFound
		}

		return fmt.Errorf("revoke tokens for subject %q: %w", uid, err)
	}

	return nil
}

func (p *Provider) sign(claims *providerClaims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", claims.TokenUse, err)
	}

	return signed, nil
}

func (p *Provider) parse(token string) (*providerClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &providerClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}

		return p.signingKey, nil
	}, jwt.WithIssuer(p.issuer))
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := parsed.Claims.(*providerClaims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}

	return claims, nil
}

// tokenFromClaims fills in role claims from the stored subject so callers
// always see the normalized, current roles rather than whatever the token
// was minted with.
func (p *Provider) tokenFromClaims(ctx context.Context, claims *providerClaims) (Token, error) {
	roles := RoleClaims{Production: 0, Staging: 0}
	email := claims.Email

	record, err := store.GetSubject(ctx, p.db, claims.Subject)
	if err == nil {
		parsed, parseErr := ParseRoleClaims(record.CustomClaims)
		if parseErr == nil {
			roles = parsed
		}

		if email == "" {
			email = record.Email
		}
	}

	return Token{
		AuthTime: time.Unix(claims.AuthTime, 0).UTC(),
		UID:      claims.Subject,
		Email:    email,
		Roles:    roles,
	}, nil
}

func subjectFromRecord(record *store.SubjectRecord) (Subject, error) {
	roles, err := ParseRoleClaims(record.CustomClaims)
	if err != nil {
		return Subject{}, err
	}

	return Subject{
		CreatedAt:     record.CreatedAt,
		UID:           record.UID,
		Email:         record.Email,
		DisplayName:   record.DisplayName,
		Roles:         roles,
		EmailVerified: record.EmailVerified,
	}, nil
}
