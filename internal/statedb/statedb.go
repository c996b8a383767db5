// Package statedb persists the notification registry: which backend
// user is reachable at which chat, and whether they want pushes.
// Sessions and credentials deliberately stay out of here; only routing
// state survives a restart.
package statedb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// StateDB wraps a SQLite database for registry persistence.
// Thread-safe for concurrent use from multiple goroutines within one
// process. WAL mode + busy timeout keep a second process from wedging.
type StateDB struct {
	db *sql.DB
}

// LinkRow is one email-to-chat routing entry.
type LinkRow struct {
	Email         string
	ChatID        int64
	Notifications bool
	LinkedAt      time.Time
	LastActive    time.Time
}

// Open creates or opens a SQLite database at dbPath with WAL mode and
// busy timeout.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	// WAL mode: allows concurrent readers while writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: wal mode: %w", err)
	}

	// Busy timeout: wait up to 5s if another process holds a lock
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: busy timeout: %w", err)
	}

	return &StateDB{db: db}, nil
}

// Close checkpoints WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB returns the underlying sql.DB for advanced use cases (e.g., testing).
func (s *StateDB) DB() *sql.DB {
	return s.db
}

// Migrate creates tables if they don't exist and runs any pending
// migrations.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS links (
			email         TEXT PRIMARY KEY,
			chat_id       INTEGER NOT NULL,
			notifications INTEGER NOT NULL DEFAULT 1,
			linked_at     INTEGER NOT NULL,
			last_active   INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return fmt.Errorf("statedb: create links: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_links_chat ON links(chat_id)
	`); err != nil {
		return fmt.Errorf("statedb: create chat index: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO metadata (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, fmt.Sprintf("%d", SchemaVersion)); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("statedb: commit migrate: %w", err)
	}
	return nil
}

// UpsertLink records or refreshes the chat route for an email. A
// re-login from a new chat moves the route; the notifications flag is
// preserved on update.
func (s *StateDB) UpsertLink(email string, chatID int64) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT INTO links (email, chat_id, notifications, linked_at, last_active)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			chat_id = excluded.chat_id,
			last_active = excluded.last_active
	`, email, chatID, now, now)
	if err != nil {
		return fmt.Errorf("statedb: upsert link: %w", err)
	}
	return nil
}

// GetLink returns the routing entry for an email, or sql.ErrNoRows
// wrapped if none exists.
func (s *StateDB) GetLink(email string) (*LinkRow, error) {
	row := s.db.QueryRow(`
		SELECT email, chat_id, notifications, linked_at, last_active
		FROM links WHERE email = ?
	`, email)
	return scanLink(row)
}

// AllLinks returns every routing entry.
func (s *StateDB) AllLinks() ([]*LinkRow, error) {
	rows, err := s.db.Query(`
		SELECT email, chat_id, notifications, linked_at, last_active
		FROM links ORDER BY email
	`)
	if err != nil {
		return nil, fmt.Errorf("statedb: query links: %w", err)
	}
	defer rows.Close()

	var out []*LinkRow
	for rows.Next() {
		lr, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lr)
	}
	return out, rows.Err()
}

// SetNotifications flips the notification opt-in flag for an email.
func (s *StateDB) SetNotifications(email string, enabled bool) error {
	res, err := s.db.Exec(`
		UPDATE links SET notifications = ? WHERE email = ?
	`, boolToInt(enabled), email)
	if err != nil {
		return fmt.Errorf("statedb: set notifications: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("statedb: no link for %s", email)
	}
	return nil
}

// TouchActive updates the last-active timestamp for an email.
func (s *StateDB) TouchActive(email string) error {
	_, err := s.db.Exec(`
		UPDATE links SET last_active = ? WHERE email = ?
	`, time.Now().Unix(), email)
	if err != nil {
		return fmt.Errorf("statedb: touch active: %w", err)
	}
	return nil
}

// DeleteLink removes the routing entry for an email (logout).
func (s *StateDB) DeleteLink(email string) error {
	_, err := s.db.Exec(`DELETE FROM links WHERE email = ?`, email)
	if err != nil {
		return fmt.Errorf("statedb: delete link: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLink(r rowScanner) (*LinkRow, error) {
	var lr LinkRow
	var notif, linkedAt, lastActive int64
	if err := r.Scan(&lr.Email, &lr.ChatID, &notif, &linkedAt, &lastActive); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("statedb: scan link: %w", err)
	}
	lr.Notifications = notif != 0
	lr.LinkedAt = time.Unix(linkedAt, 0)
	if lastActive > 0 {
		lr.LastActive = time.Unix(lastActive, 0)
	}
	return &lr, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
