package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/parley/pkg/chat"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a session does not exist
var ErrNotFound = errors.New("not found")

// Session is a persisted session row
type Session struct {
	ID           string
	PersonaID    string
	Title        string
	ApprovalMode chat.ApprovalMode
	Tools        []chat.ToolSpec
	Macros       []chat.MacroSpec
	MaxTokens    int
	Created      time.Time
	Updated      time.Time
}

// File is an attached file with its content
type File struct {
	ID        string
	SessionID string
	Name      string
	MimeType  string
	Data      []byte
	Created   time.Time
}

// Config holds store configuration
type Config struct {
	DBPath string
	Logger zerolog.Logger
}

// Store is the SQLite session store
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens or creates the database at cfg.DBPath
func Open(cfg Config) (*Store, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; sqlite serializes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db, logger: cfg.Logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", cfg.DBPath).Msg("Session store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			persona_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			approval_mode TEXT NOT NULL,
			tools TEXT NOT NULL DEFAULT '[]',
			macros TEXT NOT NULL DEFAULT '[]',
			max_tokens INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_persona ON sessions(persona_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);

		CREATE TABLE IF NOT EXISTS files (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			mime_type TEXT NOT NULL DEFAULT '',
			size INTEGER NOT NULL,
			data BLOB,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_files_session ON files(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateSession inserts a new session
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	if sess.ID == "" {
		return errors.New("session id is required")
	}
	now := time.Now()
	if sess.Created.IsZero() {
		sess.Created = now
	}
	if sess.Updated.IsZero() {
		sess.Updated = sess.Created
	}

	tools, err := json.Marshal(nonNilTools(sess.Tools))
	if err != nil {
		return fmt.Errorf("encode tools: %w", err)
	}
	macros, err := json.Marshal(nonNilMacros(sess.Macros))
	if err != nil {
		return fmt.Errorf("encode macros: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, persona_id, title, approval_mode, tools, macros, max_tokens, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.PersonaID, sess.Title, string(sess.ApprovalMode), string(tools), string(macros),
		sess.MaxTokens, sess.Created.UnixNano(), sess.Updated.UnixNano())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession returns the session row or ErrNotFound
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, persona_id, title, approval_mode, tools, macros, max_tokens, created_at, updated_at
		FROM sessions WHERE id = ?`, id)

	var (
		sess             Session
		mode             string
		tools, macros    string
		created, updated int64
	)
	err := row.Scan(&sess.ID, &sess.PersonaID, &sess.Title, &mode, &tools, &macros, &sess.MaxTokens, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}

	sess.ApprovalMode = chat.ApprovalMode(mode)
	sess.Created = time.Unix(0, created)
	sess.Updated = time.Unix(0, updated)
	if err := json.Unmarshal([]byte(tools), &sess.Tools); err != nil {
		return nil, fmt.Errorf("decode tools: %w", err)
	}
	if err := json.Unmarshal([]byte(macros), &sess.Macros); err != nil {
		return nil, fmt.Errorf("decode macros: %w", err)
	}
	return &sess, nil
}

// SetApprovalMode updates the stored approval mode
func (s *Store) SetApprovalMode(ctx context.Context, id string, mode chat.ApprovalMode) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET approval_mode = ?, updated_at = ? WHERE id = ?`,
		string(mode), time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("update approval mode: %w", err)
	}
	return requireRow(res, id)
}

// AppendMessage adds a message to the session log. The first user message
// becomes the session title.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg chat.Message) error {
	msg.EnsureID()
	msg.SessionID = sessionID
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, now, sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if err := requireRow(res, sessionID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, sessionID, string(msg.Role), msg.Content, string(payload), msg.Timestamp.UnixNano()); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if msg.Role == chat.RoleUser && msg.Content != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET title = ? WHERE id = ? AND title = ''`,
			titleOf(msg.Content), sessionID); err != nil {
			return fmt.Errorf("set title: %w", err)
		}
	}

	return tx.Commit()
}

// Messages returns the session log in insertion order
func (s *Store) Messages(ctx context.Context, sessionID string) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := []chat.Message{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var msg chat.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Skipping undecodable message")
			continue
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// ListFilter narrows ListSessions
type ListFilter struct {
	PersonaID string
	Query     string
	Limit     int
}

// ListSessions returns summaries, most recently updated first
func (s *Store) ListSessions(ctx context.Context, filter ListFilter) ([]chat.SessionSummary, error) {
	query := `
		SELECT s.id, s.persona_id, s.title, s.created_at, s.updated_at,
			(SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		FROM sessions s`
	var (
		where []string
		args  []interface{}
	)
	if filter.PersonaID != "" {
		where = append(where, "s.persona_id = ?")
		args = append(args, filter.PersonaID)
	}
	if filter.Query != "" {
		where = append(where, "(s.title LIKE ? OR EXISTS (SELECT 1 FROM messages m WHERE m.session_id = s.id AND m.content LIKE ?))")
		like := "%" + filter.Query + "%"
		args = append(args, like, like)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY s.updated_at DESC, s.id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	out := []chat.SessionSummary{}
	for rows.Next() {
		var (
			sum              chat.SessionSummary
			created, updated int64
		)
		if err := rows.Scan(&sum.ID, &sum.PersonaID, &sum.Title, &created, &updated, &sum.MessageCount); err != nil {
			return nil, err
		}
		sum.Created = time.Unix(0, created)
		sum.Updated = time.Unix(0, updated)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// DeleteSessions removes the given sessions, or every session when all is
// set, and returns how many were deleted.
func (s *Store) DeleteSessions(ctx context.Context, ids []string, all bool) (int, error) {
	var (
		res sql.Result
		err error
	)
	switch {
	case all:
		res, err = s.db.ExecContext(ctx, `DELETE FROM sessions`)
	case len(ids) == 0:
		return 0, nil
	default:
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
		args := make([]interface{}, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		res, err = s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id IN (`+placeholders+`)`, args...)
	}
	if err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// DeleteIdleSince removes sessions not updated since cutoff
func (s *Store) DeleteIdleSince(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete idle sessions: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CountSessions returns the number of stored sessions
func (s *Store) CountSessions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n)
	return n, err
}

// AddFile stores an attachment
func (s *Store) AddFile(ctx context.Context, f File) error {
	if f.Created.IsZero() {
		f.Created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (id, session_id, name, mime_type, size, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.SessionID, f.Name, f.MimeType, len(f.Data), f.Data, f.Created.UnixNano())
	if err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

// Files lists attachment metadata for a session
func (s *Store) Files(ctx context.Context, sessionID string) ([]chat.FileRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, mime_type, size FROM files WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	out := []chat.FileRef{}
	for rows.Next() {
		var f chat.FileRef
		if err := rows.Scan(&f.ID, &f.Name, &f.MimeType, &f.Size); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

func titleOf(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	if r := []rune(title); len(r) > 60 {
		title = string(r[:57]) + "..."
	}
	return title
}

func nonNilTools(t []chat.ToolSpec) []chat.ToolSpec {
	if t == nil {
		return []chat.ToolSpec{}
	}
	return t
}

func nonNilMacros(m []chat.MacroSpec) []chat.MacroSpec {
	if m == nil {
		return []chat.MacroSpec{}
	}
	return m
}
