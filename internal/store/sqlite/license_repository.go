package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/offline_vault/internal/content"
)

// PutLicense durably stores a license session. Returning without error is the
// confirmation the license manager blocks on for persistent licenses.
func (r *ContentRepository) PutLicense(ctx context.Context, lic *content.License) error {
	if r.db == nil {
		return content.ErrStorageUnavailable
	}

	var expiresAt sql.NullString
	if lic.ExpiresAt != nil {
		expiresAt = sql.NullString{String: lic.ExpiresAt.UTC().Format(time.RFC3339), Valid: true}
	}

	persistent := 0
	if lic.Persistent {
		persistent = 1
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO licenses (session_key, key_system, persistent, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			key_system = excluded.key_system,
			persistent = excluded.persistent,
			expires_at = excluded.expires_at
	`, lic.SessionKey, lic.KeySystem, persistent, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to store license: %w", mapSQLiteErr(err))
	}

	return nil
}

// GetLicense loads a stored license session.
func (r *ContentRepository) GetLicense(ctx context.Context, sessionKey string) (*content.License, error) {
	if r.db == nil {
		return nil, content.ErrStorageUnavailable
	}

	row := r.db.QueryRowContext(ctx, `
		SELECT session_key, key_system, persistent, expires_at FROM licenses WHERE session_key = ?
	`, sessionKey)

	lic, err := scanLicense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("license %s: %w", sessionKey, content.ErrNotFound)
	}

	return lic, err
}

// DeleteLicense removes a stored license session. Deleting an absent license
// is not an error so that a retried removal converges.
func (r *ContentRepository) DeleteLicense(ctx context.Context, sessionKey string) error {
	if r.db == nil {
		return content.ErrStorageUnavailable
	}

	if _, err := r.db.ExecContext(ctx, `DELETE FROM licenses WHERE session_key = ?`, sessionKey); err != nil {
		return fmt.Errorf("failed to delete license: %w", mapSQLiteErr(err))
	}

	return nil
}

// ListExpiredLicenses returns licenses whose expiration is before now.
func (r *ContentRepository) ListExpiredLicenses(ctx context.Context, now time.Time) ([]*content.License, error) {
	if r.db == nil {
		return nil, content.ErrStorageUnavailable
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT session_key, key_system, persistent, expires_at
		FROM licenses WHERE expires_at IS NOT NULL AND expires_at < ?
	`, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()

	var licenses []*content.License

	for rows.Next() {
		lic, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}

		licenses = append(licenses, lic)
	}

	return licenses, rows.Err()
}

// DetachLicense clears the license reference from records pointing at the key.
func (r *ContentRepository) DetachLicense(ctx context.Context, sessionKey string) error {
	if r.db == nil {
		return content.ErrStorageUnavailable
	}

	if _, err := r.db.ExecContext(ctx, `
		UPDATE contents SET license_key = NULL WHERE license_key = ?
	`, sessionKey); err != nil {
		return fmt.Errorf("failed to detach license: %w", mapSQLiteErr(err))
	}

	return nil
}

func scanLicense(row rowScanner) (*content.License, error) {
	var (
		lic        content.License
		persistent int
		expiresAt  sql.NullString
	)

	err := row.Scan(&lic.SessionKey, &lic.KeySystem, &persistent, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, mapSQLiteErr(err)
	}

	lic.Persistent = persistent != 0

	if expiresAt.Valid {
		parsed, err := time.Parse(time.RFC3339, expiresAt.String)
		if err != nil {
			return nil, fmt.Errorf("license %s has unparsable expires_at: %w", lic.SessionKey, content.ErrStorageCorrupt)
		}

		lic.ExpiresAt = &parsed
	}

	return &lic, nil
}
