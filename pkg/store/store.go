package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// currentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const currentSchemaVersion = 1

// Store is the local SQLite persistence layer: transport-level message
// dedup, created-event records and per-sender OAuth tokens. All methods
// are safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and runs
// pending migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	// Pragmas in the connection string apply to every pooled connection.
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	_ = os.Chmod(path, 0o600)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	version, err := getUserVersion(db)
	if err != nil {
		return err
	}

	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS processed_messages (
		  channel    TEXT NOT NULL,
		  message_id TEXT NOT NULL,
		  seen_at    INTEGER NOT NULL,
		  expires_at INTEGER NOT NULL,
		  PRIMARY KEY (channel, message_id)
		);

		CREATE INDEX IF NOT EXISTS idx_processed_messages_expires
		ON processed_messages(expires_at);

		CREATE TABLE IF NOT EXISTS created_events (
		  dedup_key   TEXT PRIMARY KEY,
		  calendar_id TEXT NOT NULL,
		  event_id    TEXT NOT NULL,
		  title       TEXT NOT NULL,
		  start_at    INTEGER NOT NULL,
		  location    TEXT,
		  created_at  INTEGER NOT NULL,
		  expires_at  INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_created_events_expires
		ON created_events(expires_at);

		CREATE TABLE IF NOT EXISTS user_tokens (
		  user_id            TEXT PRIMARY KEY,
		  access_token       TEXT NOT NULL,
		  refresh_token      TEXT,
		  expires_at         INTEGER,
		  refresh_expires_at INTEGER,
		  updated_at         INTEGER NOT NULL
		);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := setUserVersion(db, 1); err != nil {
			return err
		}
	}

	// Future migrations go here:
	// if version < 2 { ... }

	return nil
}

// verifyWALMode checks that WAL mode is active (set via connection string).
func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

func getUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("get user_version: %w", err)
	}
	return version, nil
}

func setUserVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}
