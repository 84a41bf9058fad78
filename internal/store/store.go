package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Message directions for the audit log.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Turn roles used for prompt assembly.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// AuditMessage is one append-only audit record of a delivered or received
// text. It is never used to build prompts.
type AuditMessage struct {
	ID        int64
	Provider  string
	UserID    string
	ChatID    string
	Direction string
	Text      string
	CreatedAt time.Time
}

// Turn is one role-tagged message in the sequence used for context assembly.
type Turn struct {
	ID        int64
	Provider  string
	UserID    string
	ChatID    string
	Role      string
	Content   string
	CreatedAt time.Time
}

// Summary is the compressed stand-in for turns older than the context window.
// At most one row exists per (user_id, chat_id).
type Summary struct {
	UserID        string
	ChatID        string
	SummaryText   string
	TurnCount     int
	TokenEstimate int
	UpdatedAt     time.Time
}

// StorageError wraps a failed store operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Store persists conversations in a SQLite database. Every operation is
// independently atomic; ResetConversation runs in a single transaction.
type Store struct {
	db *sql.DB
}

// OpenDB opens (or creates) a SQLite database at the given path, ensuring
// that the parent directory exists.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}

	return db, nil
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// InitSchema creates all tables: message_history, conversation_messages,
// conversation_summaries.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS message_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			provider TEXT NOT NULL,
			user_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			message_text TEXT NOT NULL,
			created_at INTEGER NOT NULL DEFAULT (unixepoch())
		);
		CREATE INDEX IF NOT EXISTS idx_message_history_chat_ts ON message_history(user_id, chat_id, created_at);

		CREATE TABLE IF NOT EXISTS conversation_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			provider TEXT NOT NULL,
			user_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL DEFAULT (unixepoch())
		);
		CREATE INDEX IF NOT EXISTS idx_conv_messages_chat_id ON conversation_messages(user_id, chat_id, id);
		CREATE INDEX IF NOT EXISTS idx_conv_messages_created_at ON conversation_messages(created_at);

		CREATE TABLE IF NOT EXISTS conversation_summaries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			summary_text TEXT NOT NULL,
			turn_count INTEGER NOT NULL,
			token_estimate INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(user_id, chat_id)
		);
	`)
	return err
}

// AppendAudit inserts one audit record. A zero CreatedAt means now.
func (s *Store) AppendAudit(m AuditMessage) error {
	_, err := s.db.Exec(
		`INSERT INTO message_history (provider, user_id, chat_id, direction, message_text, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.Provider, m.UserID, m.ChatID, m.Direction, m.Text, timestamp(m.CreatedAt),
	)
	if err != nil {
		return &StorageError{Op: "append audit", Err: err}
	}
	return nil
}

// AppendTurn inserts one conversation turn. A zero CreatedAt means now.
func (s *Store) AppendTurn(t Turn) error {
	_, err := s.db.Exec(
		`INSERT INTO conversation_messages (provider, user_id, chat_id, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.Provider, t.UserID, t.ChatID, t.Role, t.Content, timestamp(t.CreatedAt),
	)
	if err != nil {
		return &StorageError{Op: "append turn", Err: err}
	}
	return nil
}

// RecentTurns returns the most recent `limit` turns for the conversation,
// ordered chronologically (oldest first).
func (s *Store) RecentTurns(userID, chatID string, limit int) ([]Turn, error) {
	rows, err := s.db.Query(
		`SELECT id, provider, user_id, chat_id, role, content, created_at
		 FROM conversation_messages
		 WHERE user_id = ? AND chat_id = ?
		 ORDER BY id DESC LIMIT ?`,
		userID, chatID, limit,
	)
	if err != nil {
		return nil, &StorageError{Op: "recent turns", Err: err}
	}
	defer rows.Close()

	var results []Turn
	for rows.Next() {
		var t Turn
		var createdAt int64
		if err := rows.Scan(&t.ID, &t.Provider, &t.UserID, &t.ChatID, &t.Role, &t.Content, &createdAt); err != nil {
			return nil, &StorageError{Op: "recent turns", Err: err}
		}
		t.CreatedAt = time.Unix(createdAt, 0).UTC()
		results = append(results, t)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "recent turns", Err: err}
	}

	// Reverse to chronological order.
	for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
		results[i], results[j] = results[j], results[i]
	}
	return results, nil
}

// AuditMessages returns the audit log for one conversation in insertion
// order. Read paths never use this for prompt assembly.
func (s *Store) AuditMessages(userID, chatID string) ([]AuditMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, provider, user_id, chat_id, direction, message_text, created_at
		 FROM message_history
		 WHERE user_id = ? AND chat_id = ?
		 ORDER BY id`,
		userID, chatID,
	)
	if err != nil {
		return nil, &StorageError{Op: "audit messages", Err: err}
	}
	defer rows.Close()

	var results []AuditMessage
	for rows.Next() {
		var m AuditMessage
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.Provider, &m.UserID, &m.ChatID, &m.Direction, &m.Text, &createdAt); err != nil {
			return nil, &StorageError{Op: "audit messages", Err: err}
		}
		m.CreatedAt = time.Unix(createdAt, 0).UTC()
		results = append(results, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "audit messages", Err: err}
	}
	return results, nil
}

// TurnCount returns the total number of turns stored for the conversation.
func (s *Store) TurnCount(userID, chatID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM conversation_messages WHERE user_id = ? AND chat_id = ?`,
		userID, chatID,
	).Scan(&count)
	if err != nil {
		return 0, &StorageError{Op: "turn count", Err: err}
	}
	return count, nil
}

// GetSummary returns the stored summary for the conversation, or nil if none
// exists.
func (s *Store) GetSummary(userID, chatID string) (*Summary, error) {
	var sum Summary
	var updatedAt int64
	err := s.db.QueryRow(
		`SELECT user_id, chat_id, summary_text, turn_count, token_estimate, updated_at
		 FROM conversation_summaries
		 WHERE user_id = ? AND chat_id = ?`,
		userID, chatID,
	).Scan(&sum.UserID, &sum.ChatID, &sum.SummaryText, &sum.TurnCount, &sum.TokenEstimate, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "get summary", Err: err}
	}
	sum.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &sum, nil
}

// UpsertSummary creates or replaces the summary row for the conversation.
func (s *Store) UpsertSummary(sum Summary) error {
	_, err := s.db.Exec(
		`INSERT INTO conversation_summaries (user_id, chat_id, summary_text, turn_count, token_estimate, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, chat_id)
		 DO UPDATE SET
			summary_text = excluded.summary_text,
			turn_count = excluded.turn_count,
			token_estimate = excluded.token_estimate,
			updated_at = excluded.updated_at`,
		sum.UserID, sum.ChatID, sum.SummaryText, sum.TurnCount, sum.TokenEstimate, timestamp(sum.UpdatedAt),
	)
	if err != nil {
		return &StorageError{Op: "upsert summary", Err: err}
	}
	return nil
}

// ResetConversation deletes all three record kinds for the conversation in a
// single transaction, so no partial reset is visible to readers.
func (s *Store) ResetConversation(userID, chatID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return &StorageError{Op: "reset conversation", Err: err}
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM conversation_messages WHERE user_id = ? AND chat_id = ?`,
		`DELETE FROM conversation_summaries WHERE user_id = ? AND chat_id = ?`,
		`DELETE FROM message_history WHERE user_id = ? AND chat_id = ?`,
	} {
		if _, err := tx.Exec(stmt, userID, chatID); err != nil {
			return &StorageError{Op: "reset conversation", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "reset conversation", Err: err}
	}
	return nil
}

// PurgeOlderThan deletes audit messages and turns created strictly before the
// cutoff, across all conversations. Summaries are never purged.
func (s *Store) PurgeOlderThan(cutoff time.Time) error {
	ts := cutoff.Unix()
	if _, err := s.db.Exec(`DELETE FROM message_history WHERE created_at < ?`, ts); err != nil {
		return &StorageError{Op: "purge audit", Err: err}
	}
	if _, err := s.db.Exec(`DELETE FROM conversation_messages WHERE created_at < ?`, ts); err != nil {
		return &StorageError{Op: "purge turns", Err: err}
	}
	return nil
}

func timestamp(t time.Time) int64 {
	if t.IsZero() {
		return time.Now().Unix()
	}
	return t.Unix()
}
