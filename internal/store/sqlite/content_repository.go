package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/italolelis/offline_vault/internal/content"
	"github.com/mattn/go-sqlite3"
)

// ContentRepository is the SQLite-backed content store. Records, segment
// blobs and licenses share one database so commits and deletions are
// all-or-nothing.
type ContentRepository struct {
	db *sql.DB
}

func NewContentRepository(dbConn *sql.DB) *ContentRepository {
	return &ContentRepository{db: dbConn}
}

// Support reports whether the backend answers a ping.
func (r *ContentRepository) Support(ctx context.Context) bool {
	return r.db != nil && r.db.PingContext(ctx) == nil
}

// Commit writes the record and all of its blobs in one transaction. The
// offline URI is generated here and never reused after deletion.
func (r *ContentRepository) Commit(ctx context.Context, rec *content.Record, blobs []content.SegmentBlob) (string, error) {
	if r.db == nil {
		return "", content.ErrStorageUnavailable
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin commit transaction: %w", mapSQLiteErr(err))
	}

	defer tx.Rollback() //nolint:errcheck // no-op after a successful commit

	offlineURI := "offline:" + uuid.NewString()
	createdAt := time.Now().UTC()

	var licenseKey sql.NullString
	if rec.LicenseKey != "" {
		licenseKey = sql.NullString{String: rec.LicenseKey, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO contents (offline_uri, source_id, manifest, license_key, created_at, size_bytes, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, offlineURI, rec.Source, rec.Manifest, licenseKey, createdAt.Format(time.RFC3339), rec.SizeBytes, string(content.StatusComplete))
	if err != nil {
		return "", fmt.Errorf("failed to insert content record: %w", mapSQLiteErr(err))
	}

	rec.Segments = rec.Segments[:0]

	for i := range blobs {
		blob := &blobs[i]
		blob.BlobKey = offlineURI + "/seg/" + uuid.NewString()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO segments (blob_key, offline_uri, seq, locator, size, data)
			VALUES (?, ?, ?, ?, ?, ?)
		`, blob.BlobKey, offlineURI, blob.Index, blob.Locator, blob.Size, blob.Data)
		if err != nil {
			return "", fmt.Errorf("failed to insert segment blob: %w", mapSQLiteErr(err))
		}

		rec.Segments = append(rec.Segments, blob.SegmentEntry)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit content record: %w", mapSQLiteErr(err))
	}

	rec.OfflineURI = offlineURI
	rec.CreatedAt = createdAt
	rec.Status = content.StatusComplete

	return offlineURI, nil
}

// Get loads a record and its segment entries (not the blob bytes).
func (r *ContentRepository) Get(ctx context.Context, offlineURI string) (*content.Record, error) {
	if r.db == nil {
		return nil, content.ErrStorageUnavailable
	}

	rec, err := r.scanRecord(ctx, offlineURI)
	if err != nil {
		return nil, err
	}

	if err := r.loadSegments(ctx, rec); err != nil {
		return nil, err
	}

	markCorrupt(rec)

	return rec, nil
}

// GetSegment returns the raw bytes of one persisted segment.
func (r *ContentRepository) GetSegment(ctx context.Context, blobKey string) ([]byte, error) {
	if r.db == nil {
		return nil, content.ErrStorageUnavailable
	}

	var data []byte

	err := r.db.QueryRowContext(ctx, `SELECT data FROM segments WHERE blob_key = ?`, blobKey).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("segment %s: %w", blobKey, content.ErrNotFound)
	}

	if err != nil {
		return nil, mapSQLiteErr(err)
	}

	return data, nil
}

// ListAll returns every stored record with its segment entries.
func (r *ContentRepository) ListAll(ctx context.Context) ([]*content.Record, error) {
	if r.db == nil {
		return nil, content.ErrStorageUnavailable
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT offline_uri, source_id, manifest, license_key, created_at, size_bytes, status
		FROM contents ORDER BY created_at
	`)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()

	var records []*content.Record

	for rows.Next() {
		rec, err := scanRecordRow(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, mapSQLiteErr(err)
	}

	for _, rec := range records {
		if err := r.loadSegments(ctx, rec); err != nil {
			return nil, err
		}

		markCorrupt(rec)
	}

	return records, nil
}

// Delete removes the record and its blobs in one transaction.
func (r *ContentRepository) Delete(ctx context.Context, offlineURI string) error {
	if r.db == nil {
		return content.ErrStorageUnavailable
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", mapSQLiteErr(err))
	}

	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM segments WHERE offline_uri = ?`, offlineURI); err != nil {
		return fmt.Errorf("failed to delete segment blobs: %w", mapSQLiteErr(err))
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM contents WHERE offline_uri = ?`, offlineURI)
	if err != nil {
		return fmt.Errorf("failed to delete content record: %w", mapSQLiteErr(err))
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("record %s: %w", offlineURI, content.ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit deletion: %w", mapSQLiteErr(err))
	}

	return nil
}

func (r *ContentRepository) scanRecord(ctx context.Context, offlineURI string) (*content.Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT offline_uri, source_id, manifest, license_key, created_at, size_bytes, status
		FROM contents WHERE offline_uri = ?
	`, offlineURI)

	rec, err := scanRecordRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", offlineURI, content.ErrNotFound)
	}

	if err != nil {
		return nil, err
	}

	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecordRow(row rowScanner) (*content.Record, error) {
	var (
		rec        content.Record
		licenseKey sql.NullString
		createdAt  string
		status     string
	)

	err := row.Scan(&rec.OfflineURI, &rec.Source, &rec.Manifest, &licenseKey, &createdAt, &rec.SizeBytes, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, mapSQLiteErr(err)
	}

	if licenseKey.Valid {
		rec.LicenseKey = licenseKey.String
	}

	rec.Status = content.Status(status)

	parsed, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		// An unparsable timestamp flags the record instead of hiding it.
		rec.Status = content.StatusCorrupt

		return &rec, nil
	}

	rec.CreatedAt = parsed

	return &rec, nil
}

func (r *ContentRepository) loadSegments(ctx context.Context, rec *content.Record) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT blob_key, seq, locator, size FROM segments WHERE offline_uri = ? ORDER BY seq
	`, rec.OfflineURI)
	if err != nil {
		return mapSQLiteErr(err)
	}
	defer rows.Close()

	rec.Segments = nil

	for rows.Next() {
		var entry content.SegmentEntry

		if err := rows.Scan(&entry.BlobKey, &entry.Index, &entry.Locator, &entry.Size); err != nil {
			return mapSQLiteErr(err)
		}

		rec.Segments = append(rec.Segments, entry)
	}

	return rows.Err()
}

// markCorrupt flags records whose persisted state fails validation. A corrupt
// record stays enumerable and deletable; it is never served as complete.
func markCorrupt(rec *content.Record) {
	if !rec.Status.IsValid() {
		rec.Status = content.StatusCorrupt

		return
	}

	if rec.Status != content.StatusComplete {
		return
	}

	var total int64
	for _, seg := range rec.Segments {
		total += seg.Size
	}

	if total != rec.SizeBytes {
		rec.Status = content.StatusCorrupt
	}
}

// mapSQLiteErr translates driver errors into the engine's taxonomy.
func mapSQLiteErr(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrFull:
			return fmt.Errorf("%w: %v", content.ErrStorageFull, err)
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			return fmt.Errorf("%w: %v", content.ErrStorageCorrupt, err)
		case sqlite3.ErrCantOpen:
			return fmt.Errorf("%w: %v", content.ErrStorageUnavailable, err)
		}
	}

	return err
}
