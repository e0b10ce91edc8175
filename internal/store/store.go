// Package store provides SQLite-backed persistence for conversation
// history, delta cursors, the notification log, and worker prompt hashes.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// HistoryRecord is one entry in the conversation log.
type HistoryRecord struct {
	ID             int64  `json:"id"`
	ConversationID string `json:"conversationId"`
	Role           string `json:"role"` // "user", "assistant", "system"
	Kind           string `json:"kind"` // "message" or "tool"
	Content        string `json:"content"`
	CreatedAt      string `json:"createdAt"` // RFC 3339 UTC
}

// NotificationEntry is one recorded notify decision.
type NotificationEntry struct {
	ID        int64  `json:"id"`
	Tag       string `json:"tag"`
	Decision  string `json:"decision"` // "send" or "skip"
	Reason    string `json:"reason"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	CreatedAt string `json:"createdAt"`
}

// Store provides persistent bridge state backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite tuning for write-heavy workloads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying store migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the history and cursor tables.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'message',
			content TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_history_conversation ON history(conversation_id, id);

		CREATE TABLE IF NOT EXISTS delta_cursors (
			key TEXT PRIMARY KEY,
			last_id INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);
	`)
	return err
}

// migrateV2 creates the notification log and worker prompt hash tables.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS notification_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tag TEXT NOT NULL DEFAULT '',
			decision TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_notification_created ON notification_log(created_at);
		CREATE INDEX IF NOT EXISTS idx_notification_tag ON notification_log(tag, created_at);

		CREATE TABLE IF NOT EXISTS worker_prompts (
			session_id TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (session_id, content_hash)
		);
	`)
	return err
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// AppendHistory inserts a record and returns its id.
func (s *Store) AppendHistory(rec HistoryRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CreatedAt == "" {
		rec.CreatedAt = nowUTC()
	}
	if rec.Kind == "" {
		rec.Kind = "message"
	}

	res, err := s.db.Exec(
		"INSERT INTO history (conversation_id, role, kind, content, created_at) VALUES (?, ?, ?, ?, ?)",
		rec.ConversationID, rec.Role, rec.Kind, rec.Content, rec.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("append history: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("history insert id: %w", err)
	}
	return id, nil
}

// LastHistory returns the most recent record for a conversation, or nil.
func (s *Store) LastHistory(conversationID string) (*HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var r HistoryRecord
	err := s.db.QueryRow(
		"SELECT id, conversation_id, role, kind, content, created_at FROM history WHERE conversation_id = ? ORDER BY id DESC LIMIT 1",
		conversationID,
	).Scan(&r.ID, &r.ConversationID, &r.Role, &r.Kind, &r.Content, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last history: %w", err)
	}
	return &r, nil
}

// ListHistory returns up to limit most recent records in ascending id
// order. limit <= 0 returns everything.
func (s *Store) ListHistory(conversationID string, limit int) ([]HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT id, conversation_id, role, kind, content, created_at FROM history WHERE conversation_id = ? ORDER BY id ASC"
	args := []any{conversationID}
	if limit > 0 {
		query = `SELECT id, conversation_id, role, kind, content, created_at FROM (
			SELECT id, conversation_id, role, kind, content, created_at FROM history WHERE conversation_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`
		args = append(args, limit)
	}

	return s.queryHistory(query, args...)
}

// ListHistoryAfter returns records with id greater than afterID, ascending.
func (s *Store) ListHistoryAfter(conversationID string, afterID int64) ([]HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryHistory(
		"SELECT id, conversation_id, role, kind, content, created_at FROM history WHERE conversation_id = ? AND id > ? ORDER BY id ASC",
		conversationID, afterID,
	)
}

func (s *Store) queryHistory(query string, args ...any) ([]HistoryRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var records []HistoryRecord
	for rows.Next() {
		var r HistoryRecord
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.Role, &r.Kind, &r.Content, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	if records == nil {
		records = []HistoryRecord{}
	}
	return records, nil
}

// DeleteHistory removes a single record by id. Used to roll back an
// optimistic append when the prompt it belonged to fails.
func (s *Store) DeleteHistory(conversationID string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM history WHERE conversation_id = ? AND id = ?", conversationID, id); err != nil {
		return fmt.Errorf("delete history record: %w", err)
	}
	return nil
}

// ClearHistory removes all records for a conversation.
func (s *Store) ClearHistory(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM history WHERE conversation_id = ?", conversationID); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// GetCursor returns the committed watermark for key (0 when absent).
func (s *Store) GetCursor(key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lastID int64
	err := s.db.QueryRow("SELECT last_id FROM delta_cursors WHERE key = ?", key).Scan(&lastID)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cursor: %w", err)
	}
	return lastID, nil
}

// SetCursor commits the watermark for key.
func (s *Store) SetCursor(key string, lastID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO delta_cursors (key, last_id, updated_at) VALUES (?, ?, ?)",
		key, lastID, nowUTC(),
	)
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

// RecordNotification appends a notify decision to the log.
func (s *Store) RecordNotification(e NotificationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.CreatedAt == "" {
		e.CreatedAt = nowUTC()
	}
	_, err := s.db.Exec(
		"INSERT INTO notification_log (tag, decision, reason, title, body, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		e.Tag, e.Decision, e.Reason, e.Title, e.Body, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record notification: %w", err)
	}
	return nil
}

// CountSentSince counts "send" decisions at or after since.
func (s *Store) CountSentSince(since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM notification_log WHERE decision = 'send' AND created_at >= ?",
		since.UTC().Format(time.RFC3339Nano),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count sent: %w", err)
	}
	return count, nil
}

// LastSentWithTag returns the time of the most recent "send" with tag.
func (s *Store) LastSentWithTag(tag string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var createdAt string
	err := s.db.QueryRow(
		"SELECT created_at FROM notification_log WHERE decision = 'send' AND tag = ? ORDER BY id DESC LIMIT 1",
		tag,
	).Scan(&createdAt)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last sent with tag: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse notification time: %w", err)
	}
	return ts, true, nil
}

// ListNotifications returns up to limit recent notification entries,
// newest first.
func (s *Store) ListNotifications(limit int) ([]NotificationEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		"SELECT id, tag, decision, reason, title, body, created_at FROM notification_log ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var entries []NotificationEntry
	for rows.Next() {
		var e NotificationEntry
		if err := rows.Scan(&e.ID, &e.Tag, &e.Decision, &e.Reason, &e.Title, &e.Body, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	if entries == nil {
		entries = []NotificationEntry{}
	}
	return entries, nil
}

// HasWorkerPrompt reports whether the (session, content hash) pair was
// already delivered.
func (s *Store) HasWorkerPrompt(sessionID, contentHash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var one int
	err := s.db.QueryRow(
		"SELECT 1 FROM worker_prompts WHERE session_id = ? AND content_hash = ?",
		sessionID, contentHash,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check worker prompt: %w", err)
	}
	return true, nil
}

// MarkWorkerPrompt records a delivered (session, content hash) pair.
func (s *Store) MarkWorkerPrompt(sessionID, contentHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO worker_prompts (session_id, content_hash, created_at) VALUES (?, ?, ?)",
		sessionID, contentHash, nowUTC(),
	)
	if err != nil {
		return fmt.Errorf("mark worker prompt: %w", err)
	}
	return nil
}
