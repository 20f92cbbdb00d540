package sqlite

import (
	"database/sql"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database at path and creates the schema if it
// doesn't exist. Segment bytes live in the same file as the registry so that
// one transaction covers both.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS contents (
			offline_uri TEXT PRIMARY KEY,
			source_id TEXT NOT NULL,
			manifest BLOB,
			license_key TEXT,
			created_at TEXT NOT NULL,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending'
		);

		CREATE TABLE IF NOT EXISTS segments (
			blob_key TEXT PRIMARY KEY,
			offline_uri TEXT NOT NULL REFERENCES contents(offline_uri),
			seq INTEGER NOT NULL,
			locator TEXT NOT NULL,
			size INTEGER NOT NULL,
			data BLOB NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_segments_offline_uri ON segments(offline_uri);

		CREATE TABLE IF NOT EXISTS licenses (
			session_key TEXT PRIMARY KEY,
			key_system TEXT NOT NULL,
			persistent INTEGER NOT NULL DEFAULT 0,
			expires_at TEXT
		)
	`)
	if err != nil {
		return nil, err
	}

	return db, nil
}
