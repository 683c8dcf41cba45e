package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// CredentialRecord stores a registered WebAuthn credential for a subject.
type CredentialRecord struct {
	CreatedAt    time.Time
	LastUsedAt   sql.NullTime
	SubjectUID   string
	Transports   string
	CredentialID []byte
	PublicKey    []byte
	AAGUID       []byte
	ID           int64
	SignCount    uint32
}

// CeremonyRecord stores one in-flight WebAuthn ceremony.
type CeremonyRecord struct {
	ExpiresAt    time.Time
	CreatedAt    time.Time
	UsedAt       sql.NullTime
	CeremonyID   string
	SubjectUID   string
	Kind         string
	SessionBlob  []byte
	IsNewSubject bool
}

var (
	// ErrCeremonyMissing indicates the ceremony was missing, expired, or already consumed.
	ErrCeremonyMissing = errors.New("webauthn ceremony not found")
	// ErrCredentialMissing indicates no credential row matched the lookup.
	ErrCredentialMissing = errors.New("webauthn credential not found")
	// ErrCounterStale indicates the guarded sign-count advance matched no row.
	ErrCounterStale = errors.New("webauthn credential counter not advanced")

	errInvalidSignCount = errors.New("invalid webauthn credential sign count")
)

const webauthnSchemaSQL = `
CREATE TABLE IF NOT EXISTS webauthn_credentials (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	subject_uid TEXT NOT NULL,
	credential_id BLOB NOT NULL UNIQUE,
	public_key BLOB NOT NULL,
	sign_count INTEGER NOT NULL,
	aaguid BLOB NOT NULL,
	transports TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	last_used_at DATETIME,
	FOREIGN KEY(subject_uid) REFERENCES subjects(uid) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS webauthn_ceremonies (
	ceremony_id TEXT PRIMARY KEY,
	subject_uid TEXT NOT NULL,
	kind TEXT NOT NULL,
	session_blob BLOB NOT NULL,
	is_new_subject INTEGER NOT NULL DEFAULT 0,
	expires_at DATETIME NOT NULL,
	used_at DATETIME,
	created_at DATETIME NOT NULL,
	FOREIGN KEY(subject_uid) REFERENCES subjects(uid) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_webauthn_credentials_subject
ON webauthn_credentials (subject_uid);

CREATE INDEX IF NOT EXISTS idx_webauthn_ceremonies_expiry
ON webauthn_ceremonies (expires_at);
`

func ensureWebAuthnSchema(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), webauthnSchemaSQL)
	if err != nil {
		return fmt.Errorf("initialize webauthn schema: %w", err)
	}

	return nil
}

// CountCredentialsBySubject returns the registered credential count for a subject.
func CountCredentialsBySubject(ctx context.Context, db *sql.DB, uid string) (int, error) {
	ctx = contextOrBackground(ctx)

	var count int

	err := db.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM webauthn_credentials WHERE subject_uid = ?`,
		uid,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count webauthn credentials for subject %q: %w", uid, err)
	}

	return count, nil
}

// ListCredentialsBySubject lists all credentials for a subject.
func ListCredentialsBySubject(ctx context.Context, db *sql.DB, uid string) ([]CredentialRecord, error) {
	ctx = contextOrBackground(ctx)

	rows, err := db.QueryContext(ctx, `
	SELECT id, subject_uid, credential_id, public_key, sign_count, aaguid, transports, created_at, last_used_at
	FROM webauthn_credentials
	WHERE subject_uid = ?
	ORDER BY id ASC
	`, uid)
	if err != nil {
		return nil, fmt.Errorf("list webauthn credentials for subject %q: %w", uid, err)
	}

	defer func() {
		closeRows(rows)
	}()

	credentials := make([]CredentialRecord, 0)

	for rows.Next() {
		credential, scanErr := scanCredentialRow(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		credentials = append(credentials, *credential)
	}

	rowsErr := rows.Err()
	if rowsErr != nil {
		return nil, fmt.Errorf("iterate webauthn credential rows: %w", rowsErr)
	}

	return credentials, nil
}

// GetCredentialByID loads a subject's credential by raw credential ID.
func GetCredentialByID(ctx context.Context, db *sql.DB, uid string, credentialID []byte) (CredentialRecord, error) {
	ctx = contextOrBackground(ctx)

	row := db.QueryRowContext(ctx, `
	SELECT id, subject_uid, credential_id, public_key, sign_count, aaguid, transports, created_at, last_used_at
	FROM webauthn_credentials
	WHERE subject_uid = ? AND credential_id = ?
	`, uid, credentialID)

	credential, err := scanCredentialRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CredentialRecord{}, ErrCredentialMissing
		}

		return CredentialRecord{}, err
	}

	return *credential, nil
}

func scanCredentialRow(scanner interface {
	Scan(dest ...any) error
},
) (*CredentialRecord, error) {
	record := new(CredentialRecord)

	var signCount int64

	err := scanner.Scan(
		&record.ID,
		&record.SubjectUID,
		&record.CredentialID,
		&record.PublicKey,
		&signCount,
		&record.AAGUID,
		&record.Transports,
		&record.CreatedAt,
		&record.LastUsedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}

		return nil, fmt.Errorf("scan webauthn credential row: %w", err)
	}

	record.SignCount, err = safeSignCountUint32(signCount)
	if err != nil {
		return nil, err
	}

	return record, nil
}

func safeSignCountUint32(value int64) (uint32, error) {
	if value < 0 || value > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %d", errInvalidSignCount, value)
	}

	return uint32(value), nil
}

func closeRows(rows *sql.Rows) {
	err := rows.Close()
	if err != nil {
		slog.Warn("close webauthn credential rows failed", "err", err)
	}
}

// InsertCredential stores a newly registered WebAuthn credential.
func InsertCredential(ctx context.Context, db *sql.DB, credential *CredentialRecord) error {
	ctx = contextOrBackground(ctx)

	_, err := db.ExecContext(ctx, `
	INSERT INTO webauthn_credentials
	(subject_uid, credential_id, public_key, sign_count, aaguid, transports, created_at, last_used_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		credential.SubjectUID,
		credential.CredentialID,
		credential.PublicKey,
		credential.SignCount,
		credential.AAGUID,
		credential.Transports,
		credential.CreatedAt,
		nullTimeToValue(credential.LastUsedAt),
	)
	if err != nil {
		return fmt.Errorf("insert webauthn credential: %w", err)
	}

	return nil
}

// AdvanceCredentialCounter moves a credential's sign counter forward and
// stamps last use. The update is guarded so the stored counter only ever
// increases; a stale counter matches no row and returns ErrCounterStale,
// which callers treat as a replay signal.
func AdvanceCredentialCounter(
	ctx context.Context,
	db *sql.DB,
	credentialID []byte,
	newCount uint32,
	usedAt time.Time,
) error {
	ctx = contextOrBackground(ctx)

	result, err := db.ExecContext(
		ctx,
		`UPDATE webauthn_credentials
SET sign_count = ?, last_used_at = ?
WHERE credential_id = ? AND sign_count < ?`,
		newCount,
		usedAt,
		credentialID,
		newCount,
	)
	if err != nil {
		return fmt.Errorf("advance webauthn credential counter: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("count advanced credential rows: %w", err)
	}

	if affected != 1 {
		return ErrCounterStale
	}

	return nil
}

// TouchCredential stamps last use without moving the counter, for
// authenticators that never report one.
func TouchCredential(ctx context.Context, db *sql.DB, credentialID []byte, usedAt time.Time) error {
	ctx = contextOrBackground(ctx)

	_, err := db.ExecContext(
		ctx,
		`UPDATE webauthn_credentials SET last_used_at = ? WHERE credential_id = ?`,
		usedAt,
		credentialID,
	)
	if err != nil {
		return fmt.Errorf("touch webauthn credential: %w", err)
	}

	return nil
}

// CreateCeremony stores WebAuthn ceremony session data.
func CreateCeremony(ctx context.Context, db *sql.DB, ceremony *CeremonyRecord) error {
	ctx = contextOrBackground(ctx)

	_, err := db.ExecContext(ctx, `
INSERT INTO webauthn_ceremonies
(ceremony_id, subject_uid, kind, session_blob, is_new_subject, expires_at, used_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ceremony.CeremonyID,
		ceremony.SubjectUID,
		ceremony.Kind,
		ceremony.SessionBlob,
		ceremony.IsNewSubject,
		ceremony.ExpiresAt,
		nullTimeToValue(ceremony.UsedAt),
		ceremony.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create webauthn ceremony: %w", err)
	}

	return nil
}

// ConsumeCeremony atomically marks a ceremony as used and returns it. A
// ceremony can be consumed exactly once; expired or already-used rows report
// ErrCeremonyMissing.
func ConsumeCeremony(ctx context.Context, db *sql.DB, ceremonyID string, now time.Time) (CeremonyRecord, error) {
	ctx = contextOrBackground(ctx)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return CeremonyRecord{}, fmt.Errorf("begin consume ceremony transaction: %w", err)
	}

	ceremony, err := consumeCeremonyTx(ctx, tx, ceremonyID, now)
	if err != nil {
		rollbackTx(tx)

		return CeremonyRecord{}, err
	}

	err = tx.Commit()
	if err != nil {
		return CeremonyRecord{}, fmt.Errorf("commit consume ceremony transaction: %w", err)
	}

	return ceremony, nil
}

func consumeCeremonyTx(ctx context.Context, tx *sql.Tx, ceremonyID string, now time.Time) (CeremonyRecord, error) {
	ceremony, err := queryCeremony(ctx, tx, ceremonyID)
	if err != nil {
		return CeremonyRecord{}, err
	}

	if ceremony.UsedAt.Valid || !ceremony.ExpiresAt.After(now) {
		return CeremonyRecord{}, ErrCeremonyMissing
	}

	result, err := tx.ExecContext(
		ctx,
		`UPDATE webauthn_ceremonies SET used_at = ? WHERE ceremony_id = ? AND used_at IS NULL`,
		now,
		ceremonyID,
	)
	if err != nil {
		return CeremonyRecord{}, fmt.Errorf("mark webauthn ceremony used: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return CeremonyRecord{}, fmt.Errorf("count ceremony updates: %w", err)
	}

	if affected != 1 {
		return CeremonyRecord{}, ErrCeremonyMissing
	}

	ceremony.UsedAt = sql.NullTime{Time: now, Valid: true}

	return ceremony, nil
}

func queryCeremony(ctx context.Context, tx *sql.Tx, ceremonyID string) (CeremonyRecord, error) {
	var ceremony CeremonyRecord

	err := tx.QueryRowContext(ctx, `
SELECT ceremony_id, subject_uid, kind, session_blob, is_new_subject, expires_at, used_at, created_at
FROM webauthn_ceremonies
WHERE ceremony_id = ?
	`, ceremonyID).Scan(
		&ceremony.CeremonyID,
		&ceremony.SubjectUID,
		&ceremony.Kind,
		&ceremony.SessionBlob,
		&ceremony.IsNewSubject,
		&ceremony.ExpiresAt,
		&ceremony.UsedAt,
		&ceremony.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CeremonyRecord{}, ErrCeremonyMissing
		}

		return CeremonyRecord{}, fmt.Errorf("load webauthn ceremony: %w", err)
	}

	return ceremony, nil
}

// DeleteCeremony removes a ceremony row regardless of state.
func DeleteCeremony(ctx context.Context, db *sql.DB, ceremonyID string) error {
	ctx = contextOrBackground(ctx)

	_, err := db.ExecContext(ctx, `DELETE FROM webauthn_ceremonies WHERE ceremony_id = ?`, ceremonyID)
	if err != nil {
		return fmt.Errorf("delete webauthn ceremony: %w", err)
	}

	return nil
}

// DeleteExpiredCeremonies removes stale ceremony rows.
func DeleteExpiredCeremonies(ctx context.Context, db *sql.DB, now time.Time) error {
	ctx = contextOrBackground(ctx)

	_, err := db.ExecContext(
		ctx,
		`DELETE FROM webauthn_ceremonies WHERE expires_at <= ? OR used_at IS NOT NULL`,
		now,
	)
	if err != nil {
		return fmt.Errorf("delete expired webauthn ceremonies: %w", err)
	}

	return nil
}
