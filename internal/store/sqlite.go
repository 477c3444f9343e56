package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/chatlink/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writers to avoid SQLITE_BUSY under WAL
	now     func() time.Time
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for concurrent readers while a writer is active.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		agent_id INTEGER NOT NULL,
		state TEXT NOT NULL,
		phone TEXT,
		phone_code_hash TEXT,
		session_string TEXT,
		user_id INTEGER,
		is_active INTEGER NOT NULL DEFAULT 0,
		connected_at INTEGER,
		last_activity INTEGER NOT NULL,
		metadata_json TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_active ON sessions(is_active) WHERE is_active = 1;

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		agent_id INTEGER NOT NULL,
		message_id INTEGER NOT NULL,
		chat_id INTEGER NOT NULL,
		chat_type TEXT NOT NULL,
		from_id INTEGER,
		from_first_name TEXT,
		from_last_name TEXT,
		from_username TEXT,
		from_phone TEXT,
		text TEXT NOT NULL,
		date INTEGER NOT NULL,
		reply_to_message_id INTEGER,
		is_outgoing INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
	CREATE INDEX IF NOT EXISTS idx_messages_agent ON messages(agent_id);
	CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id);
	CREATE INDEX IF NOT EXISTS idx_messages_date ON messages(date DESC);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		agent_id INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		metadata_json TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
	CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at DESC);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

const sessionColumns = `session_id, agent_id, state, phone, phone_code_hash, session_string, user_id,
	is_active, connected_at, last_activity, metadata_json, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var sess domain.Session
	var state string
	var phone, codeHash, sessionString, metadataJSON sql.NullString
	var userID, connectedAt sql.NullInt64
	var lastActivity, createdAt, updatedAt int64

	if err := row.Scan(
		&sess.SessionID, &sess.AgentID, &state, &phone, &codeHash, &sessionString, &userID,
		&sess.IsActive, &connectedAt, &lastActivity, &metadataJSON, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	sess.State = domain.State(state)
	sess.Phone = phone.String
	sess.PhoneCodeHash = codeHash.String
	sess.SessionString = sessionString.String
	if userID.Valid {
		id := userID.Int64
		sess.UserID = &id
	}
	if connectedAt.Valid {
		ts := time.UnixMilli(connectedAt.Int64)
		sess.ConnectedAt = &ts
	}
	sess.LastActivity = time.UnixMilli(lastActivity)
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.UpdatedAt = time.UnixMilli(updatedAt)

	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("decode session metadata: %w", err)
		}
	}
	return &sess, nil
}

// CreateSession inserts a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	metadata, err := encodeMetadata(session.Metadata)
	if err != nil {
		return err
	}

	var userID any
	if session.UserID != nil {
		userID = *session.UserID
	}
	var connectedAt any
	if session.ConnectedAt != nil {
		connectedAt = session.ConnectedAt.UnixMilli()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `INSERT INTO sessions (` + sessionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		session.SessionID, session.AgentID, string(session.State),
		nullString(session.Phone), nullString(session.PhoneCodeHash), nullString(session.SessionString),
		userID, session.IsActive, connectedAt, session.LastActivity.UnixMilli(), metadata,
		session.CreatedAt.UnixMilli(), session.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// ListActiveSessions returns every active session.
func (s *SQLiteStore) ListActiveSessions(ctx context.Context) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE is_active = 1 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close active sessions rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan active session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active sessions: %w", err)
	}
	return sessions, nil
}

// UpdateSession applies a partial update to a session record.
func (s *SQLiteStore) UpdateSession(ctx context.Context, sessionID string, update domain.SessionUpdate) error {
	var sets []string
	var args []any
	set := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if update.State != nil {
		set("state", string(*update.State))
	}
	if update.Phone != nil {
		set("phone", nullString(*update.Phone))
	}
	if update.PhoneCodeHash != nil {
		set("phone_code_hash", nullString(*update.PhoneCodeHash))
	}
	if update.SessionString != nil {
		set("session_string", nullString(*update.SessionString))
	}
	if update.UserID != nil {
		set("user_id", *update.UserID)
	}
	if update.IsActive != nil {
		set("is_active", *update.IsActive)
	}
	if update.ConnectedAt != nil {
		set("connected_at", update.ConnectedAt.UnixMilli())
	}
	if update.LastActivity != nil {
		sets = append(sets, "last_activity = MAX(last_activity, ?)")
		args = append(args, update.LastActivity.UnixMilli())
	}
	set("updated_at", s.now().UnixMilli())
	args = append(args, sessionID)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `UPDATE sessions SET ` + strings.Join(sets, ", ") + ` WHERE session_id = ?`
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return requireRow(result, sessionID)
}

// TouchActivity advances last_activity without ever moving it backwards.
func (s *SQLiteStore) TouchActivity(ctx context.Context, sessionID string, at time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `UPDATE sessions SET last_activity = MAX(last_activity, ?), updated_at = ? WHERE session_id = ?`
	result, err := s.db.ExecContext(ctx, query, at.UnixMilli(), s.now().UnixMilli(), sessionID)
	if err != nil {
		return fmt.Errorf("update last_activity: %w", err)
	}
	return requireRow(result, sessionID)
}

// DeleteSession removes a session record.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// CountSessions returns the number of active and inactive session records.
func (s *SQLiteStore) CountSessions(ctx context.Context) (int64, int64, error) {
	var active, inactive int64
	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN is_active = 1 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN is_active = 1 THEN 0 ELSE 1 END), 0)
		FROM sessions`)
	if err := row.Scan(&active, &inactive); err != nil {
		return 0, 0, fmt.Errorf("count sessions: %w", err)
	}
	return active, inactive, nil
}

// SaveMessage appends a normalized message to the archive.
func (s *SQLiteStore) SaveMessage(ctx context.Context, sessionID string, agentID int64, msg *domain.Message) error {
	var replyTo any
	if msg.ReplyToID != nil {
		replyTo = *msg.ReplyToID
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
	INSERT INTO messages (
		session_id, agent_id, message_id, chat_id, chat_type,
		from_id, from_first_name, from_last_name, from_username, from_phone,
		text, date, reply_to_message_id, is_outgoing, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		sessionID, agentID, msg.ID, msg.Chat.ID, msg.Chat.Type,
		msg.From.ID, nullString(msg.From.FirstName), nullString(msg.From.LastName),
		nullString(msg.From.Username), nullString(msg.From.Phone),
		msg.Text, msg.Date.UnixMilli(), replyTo, msg.Outgoing, s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// SaveEvent appends an event record.
func (s *SQLiteStore) SaveEvent(ctx context.Context, event *domain.Event) error {
	metadata, err := encodeMetadata(event.Metadata)
	if err != nil {
		return err
	}
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (session_id, agent_id, event_type, metadata_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		event.SessionID, event.AgentID, event.Type, metadata, createdAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func requireRow(result sql.Result, sessionID string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s: %w", sessionID, domain.ErrSessionNotFound)
	}
	return nil
}

func encodeMetadata(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return string(data), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ Repository = (*SQLiteStore)(nil)
