// Package sessionstore persists the last known external session id per role
// so the process can resume the Manager (and inspect the last Worker) across
// restarts. Staleness and expiry are deliberately not handled here.
package sessionstore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"arbiter/pkg/logx"
)

// ErrNotFound is returned when no session id has been saved for a role.
var ErrNotFound = errors.New("no session recorded for role")

// Role keys.
const (
	RoleManager = "manager"
	RoleWorker  = "worker"
)

const schema = `
CREATE TABLE IF NOT EXISTS role_sessions (
	role       TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// Store is a key-value store of role -> external session id.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens (creating if necessary) the store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_busy_timeout=5000", path,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping session store: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize session store schema: %w", err)
	}

	// SQLite supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db, logger: logx.NewLogger("sessionstore")}, nil
}

// Save records the session id for a role, replacing any previous value.
func (s *Store) Save(role, sessionID string) error {
	_, err := s.db.Exec(`
		INSERT INTO role_sessions (role, session_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(role) DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at
	`, role, sessionID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save session id for %s: %w", role, err)
	}
	s.logger.Debug("saved session id for %s: %s", role, sessionID)
	return nil
}

// Load returns the last saved session id for a role, or ErrNotFound.
func (s *Store) Load(role string) (string, error) {
	var sessionID string
	err := s.db.QueryRow(`SELECT session_id FROM role_sessions WHERE role = ?`, role).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load session id for %s: %w", role, err)
	}
	return sessionID, nil
}

// Clear removes the saved session id for a role. Clearing an absent role is
// not an error.
func (s *Store) Clear(role string) error {
	if _, err := s.db.Exec(`DELETE FROM role_sessions WHERE role = ?`, role); err != nil {
		return fmt.Errorf("failed to clear session id for %s: %w", role, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close session store: %w", err)
	}
	return nil
}
