package session

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver for database/sql
)

// Manager persists sessions in SQLite. All public methods are safe for
// concurrent use; loaded sessions are cached so repeated lookups on the
// same key return the same *Session.
type Manager struct {
	db *sql.DB

	mu    sync.Mutex
	cache map[string]*Session
}

// NewManager opens (or creates) the session database at dbPath. The
// schema is created automatically on first use.
func NewManager(dbPath string) (*Manager, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	m := &Manager{db: db, cache: make(map[string]*Session)}
	if err := m.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return m, nil
}

// Close closes the database connection.
func (m *Manager) Close() error {
	return m.db.Close()
}

func (m *Manager) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		key               TEXT PRIMARY KEY,
		last_consolidated INTEGER NOT NULL DEFAULT 0,
		model_override    TEXT NOT NULL DEFAULT '',
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS messages (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		session_key TEXT NOT NULL REFERENCES sessions(key) ON DELETE CASCADE,
		role        TEXT NOT NULL,
		content     TEXT NOT NULL,
		timestamp   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_key, id);
	`
	_, err := m.db.Exec(schema)
	return err
}

// GetOrCreate returns the session for key, loading it from the database
// or creating a fresh one.
func (m *Manager) GetOrCreate(key string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.cache[key]; ok {
		return s, nil
	}

	s, err := m.load(key)
	if err != nil {
		return nil, err
	}
	if s == nil {
		now := time.Now()
		s = &Session{Key: key, CreatedAt: now, UpdatedAt: now}
	}
	m.cache[key] = s
	return s, nil
}

func (m *Manager) load(key string) (*Session, error) {
	s := &Session{Key: key}
	var createdAt, updatedAt string
	err := m.db.QueryRow(
		`SELECT last_consolidated, model_override, created_at, updated_at
		 FROM sessions WHERE key = ?`, key,
	).Scan(&s.LastConsolidated, &s.ModelOverride, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", key, err)
	}
	s.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	s.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	rows, err := m.db.Query(
		`SELECT role, content, timestamp FROM messages
		 WHERE session_key = ? ORDER BY id`, key,
	)
	if err != nil {
		return nil, fmt.Errorf("load messages %s: %w", key, err)
	}
	defer rows.Close()

	for rows.Next() {
		var msg Message
		var ts string
		if err := rows.Scan(&msg.Role, &msg.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Timestamp, _ = time.Parse(time.RFC3339, ts)
		s.Messages = append(s.Messages, msg)
	}
	return s, rows.Err()
}

// SetLastConsolidated advances the consolidation watermark for key on
// both the cached session and the database row, without touching the
// transcript. This is the only session mutation allowed outside a
// turn, so it takes the manager lock that Save also holds.
func (m *Manager) SetLastConsolidated(key string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.cache[key]; ok {
		s.LastConsolidated = n
	}
	_, err := m.db.Exec(
		`UPDATE sessions SET last_consolidated = ?, updated_at = ? WHERE key = ?`,
		n, time.Now().UTC().Format(time.RFC3339), key,
	)
	if err != nil {
		return fmt.Errorf("set watermark %s: %w", key, err)
	}
	return nil
}

// Save writes the session and its full transcript back to the database
// in one transaction. The lock keeps the watermark field stable while
// it is read here.
func (m *Manager) Save(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.UpdatedAt = time.Now()

	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO sessions (key, last_consolidated, model_override, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE
		 SET last_consolidated = excluded.last_consolidated,
		     model_override    = excluded.model_override,
		     updated_at        = excluded.updated_at`,
		s.Key, s.LastConsolidated, s.ModelOverride,
		s.CreatedAt.UTC().Format(time.RFC3339),
		s.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", s.Key, err)
	}

	// Rewrite the transcript wholesale. Sessions are small (bounded by
	// the memory window plus unconsolidated tail), so this stays cheap
	// and keeps the on-disk order identical to the in-memory order.
	if _, err := tx.Exec(`DELETE FROM messages WHERE session_key = ?`, s.Key); err != nil {
		return fmt.Errorf("clear messages %s: %w", s.Key, err)
	}
	stmt, err := tx.Prepare(
		`INSERT INTO messages (session_key, role, content, timestamp) VALUES (?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, msg := range s.Messages {
		if _, err := stmt.Exec(s.Key, msg.Role, msg.Content, msg.Timestamp.UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	return tx.Commit()
}

// Reset deletes the session and its messages, and drops it from the
// cache.
func (m *Manager) Reset(key string) error {
	m.mu.Lock()
	delete(m.cache, key)
	m.mu.Unlock()

	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("begin reset: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM messages WHERE session_key = ?`, key); err != nil {
		return fmt.Errorf("reset messages %s: %w", key, err)
	}
	if _, err := tx.Exec(`DELETE FROM sessions WHERE key = ?`, key); err != nil {
		return fmt.Errorf("reset session %s: %w", key, err)
	}
	return tx.Commit()
}

// Keys lists all persisted session keys, most recently updated first.
func (m *Manager) Keys() ([]string, error) {
	rows, err := m.db.Query(`SELECT key FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
