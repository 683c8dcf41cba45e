// Package store provides SQLite-backed persistence helpers for identity
// subjects, WebAuthn credentials, and in-flight ceremonies.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // Register the sqlite database/sql driver.
)

// ErrSubjectMissing indicates no subject row matched the lookup.
var ErrSubjectMissing = errors.New("subject not found")

// SubjectRecord is one identity-provider subject.
type SubjectRecord struct {
	CreatedAt        time.Time
	TokensValidAfter sql.NullTime
	UID              string
	Email            string
	DisplayName      string
	CustomClaims     []byte
	EmailVerified    bool
}

// Open opens the sqlite database at path with the pragmas this workload
// depends on.
func Open(path string) (*sql.DB, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite behaves best with a single connection for this workload.
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL;")
	if err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	return db, nil
}

// Init creates the schema if it does not exist yet.
func Init(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS subjects (
	uid TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL,
	email_verified INTEGER NOT NULL DEFAULT 0,
	custom_claims TEXT NOT NULL DEFAULT '{}',
	tokens_valid_after DATETIME,
	created_at DATETIME NOT NULL
);
`

	_, err := db.ExecContext(context.Background(), schema)
	if err != nil {
		return fmt.Errorf("initialize subject schema: %w", err)
	}

	err = ensureWebAuthnSchema(db)
	if err != nil {
		return err
	}

	return nil
}

// CreateSubject inserts a new identity subject.
func CreateSubject(ctx context.Context, db *sql.DB, subject *SubjectRecord) error {
	ctx = contextOrBackground(ctx)

	claims := subject.CustomClaims
	if len(claims) == 0 {
		claims = []byte("{}")
	}

	_, err := db.ExecContext(ctx, `
INSERT INTO subjects (uid, email, display_name, email_verified, custom_claims, tokens_valid_after, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		subject.UID,
		subject.Email,
		subject.DisplayName,
		subject.EmailVerified,
		claims,
		nullTimeToValue(subject.TokensValidAfter),
		subject.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create subject: %w", err)
	}

	return nil
}

// GetSubject looks up a subject by UID.
func GetSubject(ctx context.Context, db *sql.DB, uid string) (SubjectRecord, error) {
	ctx = contextOrBackground(ctx)

	return scanSubjectRow(db.QueryRowContext(ctx, `
SELECT uid, email, display_name, email_verified, custom_claims, tokens_valid_after, created_at
FROM subjects
WHERE uid = ?
	`, uid))
}

// GetSubjectByEmail looks up a subject by its unique email.
func GetSubjectByEmail(ctx context.Context, db *sql.DB, email string) (SubjectRecord, error) {
	ctx = contextOrBackground(ctx)

	return scanSubjectRow(db.QueryRowContext(ctx, `
SELECT uid, email, display_name, email_verified, custom_claims, tokens_valid_after, created_at
FROM subjects
WHERE email = ?
	`, email))
}

func scanSubjectRow(row *sql.Row) (SubjectRecord, error) {
	var subject SubjectRecord

	err := row.Scan(
		&subject.UID,
		&subject.Email,
		&subject.DisplayName,
		&subject.EmailVerified,
		&subject.CustomClaims,
		&subject.TokensValidAfter,
		&subject.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SubjectRecord{}, ErrSubjectMissing
		}

		return SubjectRecord{}, fmt.Errorf("load subject: %w", err)
	}

	return subject, nil
}

// SetTokensValidAfter records the instant before which previously issued
// tokens for a subject count as revoked.
func SetTokensValidAfter(ctx context.Context, db *sql.DB, uid string, at time.Time) error {
	ctx = contextOrBackground(ctx)

	result, err := db.ExecContext(
		ctx,
		`UPDATE subjects SET tokens_valid_after = ? WHERE uid = ?`,
		at,
		uid,
	)
	if err != nil {
		return fmt.Errorf("set tokens valid after for subject %q: %w", uid, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("count revoked subject rows: %w", err)
	}

	if affected == 0 {
		return ErrSubjectMissing
	}

	return nil
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}

	return ctx
}

func nullTimeToValue(value sql.NullTime) any {
	if value.Valid {
		return value.Time
	}

	return nil
}

func rollbackTx(tx *sql.Tx) {
	err := tx.Rollback()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.Warn("tx rollback failed", "err", err)
	}
}
