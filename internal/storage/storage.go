// Package storage provides SQLite-backed persistence for sessions and
// messages. The in-memory stores are authoritative; everything here is a
// durable mirror that survives restarts.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agentdeck/agentdeck/internal/shared/types"
)

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at dbPath and applies the
// schema.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn from the fire-and-forget writers.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL DEFAULT '',
		project_path TEXT NOT NULL,
		status TEXT NOT NULL,
		prompt TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		provider_conversation_id TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		ended_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		thinking TEXT NOT NULL DEFAULT '',
		tool_calls TEXT,
		usage TEXT,
		timestamp DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, timestamp);
	`
	_, err := db.Exec(schema)
	return err
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(sess *types.Session) error {
	var startedAt, endedAt any
	if !sess.StartedAt.IsZero() {
		startedAt = sess.StartedAt
	}
	if sess.EndedAt != nil {
		endedAt = *sess.EndedAt
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, project_id, project_path, status, prompt, model,
		                       provider_conversation_id, last_error, created_at, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ProjectID, sess.ProjectPath, string(sess.Status), sess.Prompt, sess.Model,
		sess.ProviderConversationID, sess.LastError, sess.CreatedAt, startedAt, endedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// UpdateSessionStatus records a status transition. endedAt is nil for
// non-terminal states and also clears any stale value.
func (s *Store) UpdateSessionStatus(id string, status types.Status, lastError string, endedAt *time.Time) error {
	var ended any
	if endedAt != nil {
		ended = *endedAt
	}
	res, err := s.db.Exec(
		`UPDATE sessions SET status = ?, last_error = ?, ended_at = ? WHERE id = ?`,
		string(status), lastError, ended, id,
	)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

// UpdateProviderConversationID stores the runtime conversation id used to
// resume the session later.
func (s *Store) UpdateProviderConversationID(id, providerConversationID string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET provider_conversation_id = ? WHERE id = ?`,
		providerConversationID, id,
	)
	if err != nil {
		return fmt.Errorf("update provider conversation id: %w", err)
	}
	return nil
}

// AddMessage appends one message row.
func (s *Store) AddMessage(msg *types.Message) error {
	var toolCalls, usage any
	if len(msg.ToolCalls) > 0 {
		toolCalls = string(msg.ToolCalls)
	}
	if len(msg.Usage) > 0 {
		usage = string(msg.Usage)
	}
	_, err := s.db.Exec(
		`INSERT INTO messages (id, session_id, role, content, thinking, tool_calls, usage, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.Thinking, toolCalls, usage, msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// GetMessages returns the session's messages oldest first.
func (s *Store) GetMessages(sessionID string) ([]*types.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, role, content, thinking, tool_calls, usage, timestamp
		 FROM messages WHERE session_id = ? ORDER BY timestamp, id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []*types.Message
	for rows.Next() {
		var m types.Message
		var toolCalls, usage sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Thinking, &toolCalls, &usage, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if toolCalls.Valid {
			m.ToolCalls = []byte(toolCalls.String)
		}
		if usage.Valid {
			m.Usage = []byte(usage.String)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// GetAllSessions returns every persisted session, newest first.
func (s *Store) GetAllSessions() ([]*types.Session, error) {
	rows, err := s.db.Query(
		`SELECT id, project_id, project_path, status, prompt, model,
		        provider_conversation_id, last_error, created_at, started_at, ended_at
		 FROM sessions ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []*types.Session
	for rows.Next() {
		var sess types.Session
		var status string
		var startedAt, endedAt sql.NullTime
		if err := rows.Scan(&sess.ID, &sess.ProjectID, &sess.ProjectPath, &status, &sess.Prompt, &sess.Model,
			&sess.ProviderConversationID, &sess.LastError, &sess.CreatedAt, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Status = types.Status(status)
		if startedAt.Valid {
			sess.StartedAt = startedAt.Time
		}
		if endedAt.Valid {
			t := endedAt.Time
			sess.EndedAt = &t
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// MarkInterruptedSessions bulk-reclassifies running sessions as
// interrupted. No worker survives a host restart, so at startup every
// running row is an orphan. Returns the number of rows changed.
func (s *Store) MarkInterruptedSessions() (int64, error) {
	res, err := s.db.Exec(
		`UPDATE sessions SET status = ?, ended_at = ? WHERE status = ?`,
		string(types.StatusInterrupted), time.Now().UTC(), string(types.StatusRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted: %w", err)
	}
	return res.RowsAffected()
}

// DeleteSession removes the session and its messages.
func (s *Store) DeleteSession(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return tx.Commit()
}
