//nolint:testpackage // Tests need access to unexported helpers in this package.
package identity

import (
	"context"
	"testing"
	"time"

	"authgate/internal/testutil"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()

	db := testutil.OpenTestDB(t)

	provider, err := NewProvider(db, "test-signing-key", "test-issuer")
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	return provider
}

func seedSubject(t *testing.T, provider *Provider, email string) Subject {
	t.Helper()

	subject, err := provider.CreateSubject(context.Background(), NewSubject{
		Email:         email,
		DisplayName:   "Test Subject",
		EmailVerified: true,
	})
	if err != nil {
		t.Fatalf("CreateSubject: %v", err)
	}

	return subject
}

func TestNewProviderRequiresSigningKey(t *testing.T) {
	t.Parallel()

	db := testutil.OpenTestDB(t)

	_, err := NewProvider(db, "  ", "issuer")
	if err == nil {
		t.Fatal("expected error for empty signing key")
	}
}

func TestCreateSubjectNormalizesEmail(t *testing.T) {
	t.Parallel()

	provider := newTestProvider(t)

	subject := seedSubject(t, provider, "  Casey@HackPSU.org ")
	if subject.Email != "casey@hackpsu.org" {
		t.Fatalf("expected lowercased email, got %q", subject.Email)
	}

	loaded, err := provider.GetSubjectByEmail(context.Background(), "CASEY@hackpsu.org")
	if err != nil {
		t.Fatalf("GetSubjectByEmail: %v", err)
	}

	if loaded.UID != subject.UID {
		t.Fatalf("expected uid %q, got %q", subject.UID, loaded.UID)
	}
}

func TestIDTokenRoundTrip(t *testing.T) {
	t.Parallel()

	provider := newTestProvider(t)
	subject := seedSubject(t, provider, "alex@example.com")

	idToken, err := provider.IssueIDToken(context.Background(), subject.UID)
	if err != nil {
		t.Fatalf("IssueIDToken: %v", err)
	}

	verified, err := provider.VerifyIDToken(context.Background(), idToken)
	if err != nil {
		t.Fatalf("VerifyIDToken: %v", err)
	}

	if verified.UID != subject.UID || verified.Email != subject.Email {
		t.Fatalf("unexpected token identity: %+v", verified)
	}
}

func TestVerifyIDTokenRejectsGarbageAndWrongKey(t *testing.T) {
	t.Parallel()

	provider := newTestProvider(t)
	subject := seedSubject(t, provider, "alex@example.com")

	_, err := provider.VerifyIDToken(context.Background(), "not-a-token")
	if err == nil {
		t.Fatal("expected error for malformed token")
	}

	other, err := NewProvider(provider.db, "different-key", "test-issuer")
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	idToken, err := other.IssueIDToken(context.Background(), subject.UID)
	if err != nil {
		t.Fatalf("IssueIDToken: %v", err)
	}

	_, err = provider.VerifyIDToken(context.Background(), idToken)
	if err == nil {
		t.Fatal("expected error for token signed with another key")
	}
}

func TestSessionTokenRoundTrip(t *testing.T) {
	t.Parallel()

	provider := newTestProvider(t)
	subject := seedSubject(t, provider, "alex@example.com")

	idToken, err := provider.IssueIDToken(context.Background(), subject.UID)
	if err != nil {
		t.Fatalf("IssueIDToken: %v", err)
	}

	sessionToken, err := provider.CreateSessionToken(context.Background(), idToken, 5*24*time.Hour)
	if err != nil {
		t.Fatalf("CreateSessionToken: %v", err)
	}

	verified, err := provider.VerifySessionToken(context.Background(), sessionToken, true)
	if err != nil {
		t.Fatalf("VerifySessionToken: %v", err)
	}

	if verified.UID != subject.UID {
		t.Fatalf("expected uid %q, got %q", subject.UID, verified.UID)
	}

	// Session tokens are not identity proofs.
	_, err = provider.VerifyIDToken(context.Background(), sessionToken)
	if err == nil {
		t.Fatal("expected session token to be rejected as identity proof")
	}
}

func TestRevocationInvalidatesSessionTokens(t *testing.T) {
	t.Parallel()

	provider := newTestProvider(t)
	subject := seedSubject(t, provider, "alex@example.com")

	idToken, err := provider.IssueIDToken(context.Background(), subject.UID)
	if err != nil {
		t.Fatalf("IssueIDToken: %v", err)
	}

	sessionToken, err := provider.CreateSessionToken(context.Background(), idToken, 5*24*time.Hour)
	if err != nil {
		t.Fatalf("CreateSessionToken: %v", err)
	}

	err = provider.RevokeRefreshTokens(context.Background(), subject.UID)
	if err != nil {
		t.Fatalf("RevokeRefreshTokens: %v", err)
	}

	_, err = provider.VerifySessionToken(context.Background(), sessionToken, true)
	if err == nil {
		t.Fatal("expected revoked session token to fail verification")
	}

	// Revocation is only enforced when asked for.
	_, err = provider.VerifySessionToken(context.Background(), sessionToken, false)
	if err != nil {
		t.Fatalf("VerifySessionToken without revocation check: %v", err)
	}
}

func TestCustomTokenAcceptedAsIdentityProof(t *testing.T) {
	t.Parallel()

	provider := newTestProvider(t)
	subject := seedSubject(t, provider, "alex@example.com")

	customToken, err := provider.CreateCustomToken(context.Background(), subject.UID, RoleClaims{Production: 2, Staging: 0})
	if err != nil {
		t.Fatalf("CreateCustomToken: %v", err)
	}

	verified, err := provider.VerifyIDToken(context.Background(), customToken)
	if err != nil {
		t.Fatalf("VerifyIDToken: %v", err)
	}

	if verified.UID != subject.UID {
		t.Fatalf("expected uid %q, got %q", subject.UID, verified.UID)
	}
}
