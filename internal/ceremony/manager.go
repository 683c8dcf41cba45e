// Package ceremony drives WebAuthn registration and authentication: a
// short-lived, per-subject state machine from challenge issuance through
// response verification and credential-counter bookkeeping.
package ceremony

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/go-webauthn/webauthn/webauthn"

	"authgate/internal/identity"
	"authgate/internal/store"
)

// Ceremony kinds. A ceremony is created as one kind and must be finished as
// the same kind.
const (
	KindRegistration   = "registration"
	KindAuthentication = "authentication"
)

const (
	defaultCeremonyTTL = 5 * time.Minute
	ceremonyIDBytes    = 24
)

var (
	// ErrNoPendingCeremony indicates the ceremony is missing, expired, or
	// already consumed.
	ErrNoPendingCeremony = errors.New("no pending webauthn ceremony")
	// ErrCredentialNotFound indicates the asserted credential is not
	// registered for the ceremony's subject.
	ErrCredentialNotFound = errors.New("webauthn credential not found")
	// ErrVerificationFailed indicates the cryptographic check rejected the
	// authenticator response.
	ErrVerificationFailed = errors.New("webauthn verification failed")
	// ErrReplayDetected indicates a non-advancing signature counter, the
	// signal for a cloned or replayed authenticator.
	ErrReplayDetected = errors.New("webauthn counter replay detected")
	// ErrPasswordFirst indicates the subject exists but holds no passkeys;
	// they must sign in with their password before registering one.
	ErrPasswordFirst = errors.New("password sign-in required before passkey registration")

	errConfigMissingRPID     = errors.New("ceremony config missing RPID")
	errConfigMissingRPOrigin = errors.New("ceremony config missing RPOrigin")
	errKindMismatch          = errors.New("ceremony kind mismatch")
)

// SubjectDirectory is the identity-provider surface the controller needs.
type SubjectDirectory interface {
	GetSubject(ctx context.Context, uid string) (identity.Subject, error)
	GetSubjectByEmail(ctx context.Context, email string) (identity.Subject, error)
	CreateSubject(ctx context.Context, input identity.NewSubject) (identity.Subject, error)
	CreateCustomToken(ctx context.Context, uid string, roles identity.RoleClaims) (string, error)
}

// Config controls the relying party and ceremony lifetimes.
type Config struct {
	RPID     string
	RPOrigin string
	RPName   string
	TTL      time.Duration
}

// BeginResult carries ceremony options back to the browser. Exactly one of
// Creation or Assertion is set, matching Flow.
type BeginResult struct {
	Creation   *protocol.CredentialCreation
	Assertion  *protocol.CredentialAssertion
	CeremonyID string
	Flow       string
	IsNewUser  bool
}

// FinishResult reports a verified ceremony.
type FinishResult struct {
	SubjectID   string
	Flow        string
	CustomToken string
	IsNewUser   bool
}

// Manager encapsulates WebAuthn ceremony operations.
type Manager struct {
	db       *sql.DB
	webauthn *webauthn.WebAuthn
	subjects SubjectDirectory
	ttl      time.Duration
}

// NewManager creates a ceremony manager.
func NewManager(db *sql.DB, subjects SubjectDirectory, cfg *Config) (*Manager, error) {
	if cfg == nil || strings.TrimSpace(cfg.RPID) == "" {
		return nil, errConfigMissingRPID
	}

	if strings.TrimSpace(cfg.RPOrigin) == "" {
		return nil, errConfigMissingRPOrigin
	}

	rpName := strings.TrimSpace(cfg.RPName)
	if rpName == "" {
		rpName = "HackPSU Auth"
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultCeremonyTTL
	}

	webAuthnConfig := new(webauthn.Config)
	webAuthnConfig.RPID = cfg.RPID
	webAuthnConfig.RPDisplayName = rpName
	webAuthnConfig.RPOrigins = []string{cfg.RPOrigin}
	webAuthnConfig.AttestationPreference = protocol.PreferNoAttestation
	webAuthnConfig.AuthenticatorSelection = authenticatorSelection()

	webAuthn, err := webauthn.New(webAuthnConfig)
	if err != nil {
		return nil, fmt.Errorf("initialize webauthn: %w", err)
	}

	return &Manager{
		db:       db,
		webauthn: webAuthn,
		subjects: subjects,
		ttl:      ttl,
	}, nil
}

func authenticatorSelection() protocol.AuthenticatorSelection {
	return protocol.AuthenticatorSelection{
		AuthenticatorAttachment: "",
		RequireResidentKey:      protocol.ResidentKeyNotRequired(),
		ResidentKey:             protocol.ResidentKeyRequirementPreferred,
		UserVerification:        protocol.VerificationPreferred,
	}
}

func credentialParameters() []protocol.CredentialParameter {
	return []protocol.CredentialParameter{
		{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgES256},
		{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgRS256},
	}
}

// BeginRegistration starts a registration ceremony, creating the subject if
// the email is unknown.
func (m *Manager) BeginRegistration(ctx context.Context, email, displayName string) (BeginResult, error) {
	subject, isNew, err := m.resolveOrCreateSubject(ctx, email, displayName)
	if err != nil {
		return BeginResult{}, err
	}

	return m.beginRegistrationFor(ctx, &subject, isNew)
}

// BeginAddPasskey starts a registration ceremony for an already
// authenticated subject.
func (m *Manager) BeginAddPasskey(ctx context.Context, uid string) (BeginResult, error) {
	subject, err := m.subjects.GetSubject(ctx, uid)
	if err != nil {
		return BeginResult{}, fmt.Errorf("load subject for passkey registration: %w", err)
	}

	return m.beginRegistrationFor(ctx, &subject, false)
}

func (m *Manager) beginRegistrationFor(ctx context.Context, subject *identity.Subject, isNew bool) (BeginResult, error) {
	user, err := m.loadUser(ctx, subject)
	if err != nil {
		return BeginResult{}, err
	}

	creation, sessionData, err := m.webauthn.BeginRegistration(
		user,
		webauthn.WithAuthenticatorSelection(authenticatorSelection()),
		webauthn.WithConveyancePreference(protocol.PreferNoAttestation),
		webauthn.WithCredentialParameters(credentialParameters()),
		webauthn.WithExclusions(user.credentialDescriptors()),
	)
	if err != nil {
		return BeginResult{}, fmt.Errorf("begin registration: %w", err)
	}

	ceremonyID, err := m.storeCeremony(ctx, subject.UID, KindRegistration, isNew, sessionData)
	if err != nil {
		return BeginResult{}, err
	}

	return BeginResult{
		Creation:   creation,
		Assertion:  nil,
		CeremonyID: ceremonyID,
		Flow:       KindRegistration,
		IsNewUser:  isNew,
	}, nil
}

// BeginAuthentication starts an authentication ceremony against the
// subject's registered credentials. The allow-list carries credential IDs
// and transport hints only, never public keys.
func (m *Manager) BeginAuthentication(ctx context.Context, email string) (BeginResult, error) {
	subject, err := m.subjects.GetSubjectByEmail(ctx, email)
	if err != nil {
		return BeginResult{}, fmt.Errorf("resolve subject for authentication: %w", err)
	}

	return m.beginAuthenticationFor(ctx, &subject)
}

func (m *Manager) beginAuthenticationFor(ctx context.Context, subject *identity.Subject) (BeginResult, error) {
	user, err := m.loadUser(ctx, subject)
	if err != nil {
		return BeginResult{}, err
	}

	assertion, sessionData, err := m.webauthn.BeginLogin(user)
	if err != nil {
		return BeginResult{}, fmt.Errorf("begin authentication: %w", err)
	}

	ceremonyID, err := m.storeCeremony(ctx, subject.UID, KindAuthentication, false, sessionData)
	if err != nil {
		return BeginResult{}, err
	}

	return BeginResult{
		Creation:   nil,
		Assertion:  assertion,
		CeremonyID: ceremonyID,
		Flow:       KindAuthentication,
		IsNewUser:  false,
	}, nil
}

// BeginAuto decides the ceremony kind from the subject's credential state: a
// subject with passkeys authenticates, an unknown email is provisioned and
// registers, and an existing subject without passkeys is sent back to the
// password flow. Note that a bare email submission can silently create an
// account here.
func (m *Manager) BeginAuto(ctx context.Context, email string) (BeginResult, error) {
	subject, err := m.subjects.GetSubjectByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, identity.ErrSubjectNotFound) {
			return BeginResult{}, fmt.Errorf("resolve subject: %w", err)
		}

		created, createErr := m.subjects.CreateSubject(ctx, identity.NewSubject{
			Email:         email,
			DisplayName:   email,
			EmailVerified: true,
		})
		if createErr != nil {
			return BeginResult{}, fmt.Errorf("create subject for registration: %w", createErr)
		}

		return m.beginRegistrationFor(ctx, &created, true)
	}

	count, err := store.CountCredentialsBySubject(ctx, m.db, subject.UID)
	if err != nil {
		return BeginResult{}, err
	}

	if count == 0 {
		return BeginResult{}, ErrPasswordFirst
	}

	return m.beginAuthenticationFor(ctx, &subject)
}

// FinishRegistration verifies a registration response and persists the new
// credential. The ceremony is consumed whether verification succeeds or
// fails.
func (m *Manager) FinishRegistration(ctx context.Context, ceremonyID string, credentialJSON []byte) (FinishResult, error) {
	record, sessionData, err := m.consumeCeremony(ctx, ceremonyID, KindRegistration)
	if err != nil {
		return FinishResult{}, err
	}

	return m.finishRegistration(ctx, &record, sessionData, credentialJSON)
}

// FinishAuthentication verifies an authentication response and advances the
// credential's signature counter.
func (m *Manager) FinishAuthentication(ctx context.Context, ceremonyID string, credentialJSON []byte) (FinishResult, error) {
	record, sessionData, err := m.consumeCeremony(ctx, ceremonyID, KindAuthentication)
	if err != nil {
		return FinishResult{}, err
	}

	return m.finishAuthentication(ctx, &record, sessionData, credentialJSON)
}

// Finish completes a ceremony of either kind, dispatching on the kind
// recorded when the ceremony began.
func (m *Manager) Finish(ctx context.Context, ceremonyID string, credentialJSON []byte) (FinishResult, error) {
	record, sessionData, err := m.consumeCeremony(ctx, ceremonyID, "")
	if err != nil {
		return FinishResult{}, err
	}

	if record.Kind == KindRegistration {
		return m.finishRegistration(ctx, &record, sessionData, credentialJSON)
	}

	return m.finishAuthentication(ctx, &record, sessionData, credentialJSON)
}

func (m *Manager) finishRegistration(
	ctx context.Context,
	record *store.CeremonyRecord,
	sessionData *webauthn.SessionData,
	credentialJSON []byte,
) (FinishResult, error) {
	subject, err := m.subjects.GetSubject(ctx, record.SubjectUID)
	if err != nil {
		return FinishResult{}, fmt.Errorf("load ceremony subject: %w", err)
	}

	user, err := m.loadUser(ctx, &subject)
	if err != nil {
		return FinishResult{}, err
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(credentialJSON))
	if err != nil {
		return FinishResult{}, ErrVerificationFailed
	}

	credential, err := m.webauthn.CreateCredential(user, *sessionData, parsed)
	if err != nil {
		return FinishResult{}, ErrVerificationFailed
	}

	now := time.Now().UTC()

	err = store.InsertCredential(ctx, m.db, &store.CredentialRecord{
		CreatedAt:    now,
		LastUsedAt:   sql.NullTime{Time: now, Valid: true},
		SubjectUID:   subject.UID,
		Transports:   joinTransports(credential.Transport),
		CredentialID: credential.ID,
		PublicKey:    credential.PublicKey,
		AAGUID:       credential.Authenticator.AAGUID,
		ID:           0,
		SignCount:    credential.Authenticator.SignCount,
	})
	if err != nil {
		return FinishResult{}, fmt.Errorf("store webauthn credential: %w", err)
	}

	return m.finishResult(ctx, &subject, record)
}

func (m *Manager) finishAuthentication(
	ctx context.Context,
	record *store.CeremonyRecord,
	sessionData *webauthn.SessionData,
	credentialJSON []byte,
) (FinishResult, error) {
	subject, err := m.subjects.GetSubject(ctx, record.SubjectUID)
	if err != nil {
		return FinishResult{}, fmt.Errorf("load ceremony subject: %w", err)
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(credentialJSON))
	if err != nil {
		return FinishResult{}, ErrVerificationFailed
	}

	stored, err := store.GetCredentialByID(ctx, m.db, subject.UID, parsed.RawID)
	if err != nil {
		if errors.Is(err, store.ErrCredentialMissing) {
			return FinishResult{}, ErrCredentialNotFound
		}

		return FinishResult{}, err
	}

	user := newCeremonyUser(&subject, []store.CredentialRecord{stored})

	validated, err := m.webauthn.ValidateLogin(user, *sessionData, parsed)
	if err != nil {
		return FinishResult{}, ErrVerificationFailed
	}

	err = m.advanceCounter(ctx, &stored, validated)
	if err != nil {
		return FinishResult{}, err
	}

	return m.finishResult(ctx, &subject, record)
}

// advanceCounter persists the post-ceremony signature counter. The counter
// must strictly increase; authenticators that do not implement counters
// report zero on both sides and only get a last-used stamp.
func (m *Manager) advanceCounter(ctx context.Context, stored *store.CredentialRecord, validated *webauthn.Credential) error {
	newCount := validated.Authenticator.SignCount
	now := time.Now().UTC()

	if newCount == 0 && stored.SignCount == 0 {
		return store.TouchCredential(ctx, m.db, stored.CredentialID, now)
	}

	if validated.Authenticator.CloneWarning || newCount <= stored.SignCount {
		return ErrReplayDetected
	}

	err := store.AdvanceCredentialCounter(ctx, m.db, stored.CredentialID, newCount, now)
	if err != nil {
		if errors.Is(err, store.ErrCounterStale) {
			return ErrReplayDetected
		}

		return err
	}

	return nil
}

func (m *Manager) finishResult(ctx context.Context, subject *identity.Subject, record *store.CeremonyRecord) (FinishResult, error) {
	customToken, err := m.subjects.CreateCustomToken(ctx, subject.UID, subject.Roles)
	if err != nil {
		return FinishResult{}, fmt.Errorf("mint custom token for subject %q: %w", subject.UID, err)
	}

	return FinishResult{
		SubjectID:   subject.UID,
		Flow:        record.Kind,
		CustomToken: customToken,
		IsNewUser:   record.IsNewSubject,
	}, nil
}

// CleanupExpired removes stale ceremony rows.
func (m *Manager) CleanupExpired(ctx context.Context) error {
	err := store.DeleteExpiredCeremonies(ctx, m.db, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("delete expired ceremonies: %w", err)
	}

	return nil
}

func (m *Manager) resolveOrCreateSubject(ctx context.Context, email, displayName string) (identity.Subject, bool, error) {
	subject, err := m.subjects.GetSubjectByEmail(ctx, email)
	if err == nil {
		return subject, false, nil
	}

	if !errors.Is(err, identity.ErrSubjectNotFound) {
		return identity.Subject{}, false, fmt.Errorf("resolve subject: %w", err)
	}

	created, err := m.subjects.CreateSubject(ctx, identity.NewSubject{
		Email:         email,
		DisplayName:   displayName,
		EmailVerified: true,
	})
	if err != nil {
		return identity.Subject{}, false, fmt.Errorf("create subject: %w", err)
	}

	return created, true, nil
}

func (m *Manager) loadUser(ctx context.Context, subject *identity.Subject) (*ceremonyUser, error) {
	credentials, err := store.ListCredentialsBySubject(ctx, m.db, subject.UID)
	if err != nil {
		return nil, err
	}

	return newCeremonyUser(subject, credentials), nil
}

func (m *Manager) storeCeremony(
	ctx context.Context,
	subjectUID string,
	kind string,
	isNew bool,
	sessionData *webauthn.SessionData,
) (string, error) {
	blob, err := json.Marshal(sessionData)
	if err != nil {
		return "", fmt.Errorf("marshal webauthn session: %w", err)
	}

	ceremonyID, err := randomToken(ceremonyIDBytes)
	if err != nil {
		return "", fmt.Errorf("generate ceremony id: %w", err)
	}

	now := time.Now().UTC()

	err = store.CreateCeremony(ctx, m.db, &store.CeremonyRecord{
		ExpiresAt:    now.Add(m.ttl),
		CreatedAt:    now,
		UsedAt:       sql.NullTime{Time: time.Time{}, Valid: false},
		CeremonyID:   ceremonyID,
		SubjectUID:   subjectUID,
		Kind:         kind,
		SessionBlob:  blob,
		IsNewSubject: isNew,
	})
	if err != nil {
		return "", fmt.Errorf("store webauthn ceremony: %w", err)
	}

	return ceremonyID, nil
}

// consumeCeremony atomically claims the ceremony for this request and
// removes its row; a consumed ceremony is terminal no matter how the finish
// turns out. An empty kind accepts either; otherwise the stored kind must
// match.
func (m *Manager) consumeCeremony(ctx context.Context, ceremonyID, kind string) (store.CeremonyRecord, *webauthn.SessionData, error) {
	record, err := store.ConsumeCeremony(ctx, m.db, ceremonyID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrCeremonyMissing) {
			return store.CeremonyRecord{}, nil, ErrNoPendingCeremony
		}

		return store.CeremonyRecord{}, nil, fmt.Errorf("consume webauthn ceremony: %w", err)
	}

	err = store.DeleteCeremony(ctx, m.db, ceremonyID)
	if err != nil {
		return store.CeremonyRecord{}, nil, fmt.Errorf("delete consumed ceremony: %w", err)
	}

	if kind != "" && record.Kind != kind {
		return store.CeremonyRecord{}, nil, fmt.Errorf("%w: have %q, want %q", errKindMismatch, record.Kind, kind)
	}

	sessionData := new(webauthn.SessionData)

	err = json.Unmarshal(record.SessionBlob, sessionData)
	if err != nil {
		return store.CeremonyRecord{}, nil, fmt.Errorf("decode ceremony session: %w", err)
	}

	return record, sessionData, nil
}

type ceremonyUser struct {
	uid         string
	name        string
	displayName string
	credentials []webauthn.Credential
}

func newCeremonyUser(subject *identity.Subject, credentials []store.CredentialRecord) *ceremonyUser {
	converted := make([]webauthn.Credential, 0, len(credentials))

	for index := range credentials {
		record := &credentials[index]

		converted = append(converted, webauthn.Credential{
			ID:              record.CredentialID,
			PublicKey:       record.PublicKey,
			AttestationType: "",
			Transport:       parseTransports(record.Transports),
			Flags:           webauthn.CredentialFlags{},
			Attestation:     webauthn.CredentialAttestation{},
			Authenticator: webauthn.Authenticator{
				AAGUID:       record.AAGUID,
				SignCount:    record.SignCount,
				CloneWarning: false,
				Attachment:   "",
			},
		})
	}

	return &ceremonyUser{
		uid:         subject.UID,
		name:        subject.Email,
		displayName: subject.DisplayName,
		credentials: converted,
	}
}

func (u *ceremonyUser) WebAuthnID() []byte {
	return []byte(u.uid)
}

func (u *ceremonyUser) WebAuthnName() string {
	return u.name
}

func (u *ceremonyUser) WebAuthnDisplayName() string {
	return u.displayName
}

func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

func (u *ceremonyUser) credentialDescriptors() []protocol.CredentialDescriptor {
	if len(u.credentials) == 0 {
		return nil
	}

	descriptors := make([]protocol.CredentialDescriptor, 0, len(u.credentials))
	for index := range u.credentials {
		descriptors = append(descriptors, u.credentials[index].Descriptor())
	}

	return descriptors
}

func joinTransports(values []protocol.AuthenticatorTransport) string {
	if len(values) == 0 {
		return ""
	}

	parts := make([]string, 0, len(values))
	for _, value := range values {
		if strings.TrimSpace(string(value)) == "" {
			continue
		}

		parts = append(parts, string(value))
	}

	return strings.Join(parts, ",")
}

func parseTransports(value string) []protocol.AuthenticatorTransport {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}

	parts := strings.Split(trimmed, ",")

	result := make([]protocol.AuthenticatorTransport, 0, len(parts))
	for _, part := range parts {
		token := strings.TrimSpace(part)
		if token == "" {
			continue
		}

		result = append(result, protocol.AuthenticatorTransport(token))
	}

	return result
}

func randomToken(size int) (string, error) {
	buf := make([]byte, size)

	_, err := rand.Read(buf)
	if err != nil {
		return "", fmt.Errorf("read random token bytes: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(buf), nil
}
