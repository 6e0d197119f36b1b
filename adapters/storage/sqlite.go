package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/relaycore/relay/domain"
	"github.com/relaycore/relay/utils/log"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS connections (
    id TEXT PRIMARY KEY,
    provider TEXT NOT NULL,
    base_url TEXT NOT NULL,
    auth_type TEXT NOT NULL,
    api_key_ciphertext BLOB,
    custom_headers TEXT,
    azure_api_version TEXT
);

CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    connection_id TEXT NOT NULL,
    model TEXT NOT NULL,
    reasoning_enabled INTEGER,
    reasoning_effort TEXT NOT NULL DEFAULT '',
    ollama_think INTEGER,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(connection_id) REFERENCES connections(id)
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    client_message_id TEXT NOT NULL DEFAULT '',
    role TEXT NOT NULL,
    content TEXT NOT NULL DEFAULT '',
    reasoning TEXT NOT NULL DEFAULT '',
    stream_status TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_session_created
    ON messages(session_id, created_at);

CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client_id
    ON messages(session_id, client_message_id)
    WHERE client_message_id != '';

CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_images (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    message_id TEXT NOT NULL DEFAULT '',
    path TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chat_images_expiry ON chat_images(expires_at);
`

// Store is the sqlite-backed persistence layer. It implements the
// message, session, settings and image ports of the pipeline.
type Store struct {
	db *sql.DB
}

// Open connects to the database at path, creating the directory and
// schema as needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	return &Store{db: db}, nil
}

// OpenInMemory returns a throwaway store for tests.
func OpenInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}
	// A single conn keeps the in-memory database alive across calls.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

const messageColumns = "id, session_id, client_message_id, role, content, reasoning, stream_status, error_message, created_at"

func scanMessage(row interface{ Scan(...any) error }) (*domain.Message, error) {
	var (
		msg       domain.Message
		role      string
		status    string
		createdMs int64
	)
	err := row.Scan(&msg.ID, &msg.SessionID, &msg.ClientMessageID, &role,
		&msg.Content, &msg.Reasoning, &status, &msg.ErrorMessage, &createdMs)
	if err != nil {
		return nil, err
	}
	msg.Role = domain.Role(role)
	msg.StreamStatus = domain.StreamStatus(status)
	msg.CreatedAt = time.UnixMilli(createdMs).UTC()
	return &msg, nil
}

// History implements domain.MessageStore.
func (s *Store) History(ctx context.Context, sessionID string, upperBound *time.Time) ([]domain.Message, error) {
	query := "SELECT " + messageColumns + " FROM messages WHERE session_id = ?"
	args := []any{sessionID}
	if upperBound != nil {
		query += " AND created_at <= ?"
		args = append(args, upperBound.UnixMilli())
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var history []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		history = append(history, *msg)
	}
	return history, rows.Err()
}

// Insert implements domain.MessageStore.
func (s *Store) Insert(ctx context.Context, msg domain.Message) (*domain.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO messages ("+messageColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		msg.ID, msg.SessionID, msg.ClientMessageID, string(msg.Role),
		msg.Content, msg.Reasoning, string(msg.StreamStatus), msg.ErrorMessage,
		msg.CreatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	return &msg, nil
}

// Update implements domain.MessageStore. A vanished row surfaces as
// domain.ErrMessageNotFound so the caller can take the upsert path.
func (s *Store) Update(ctx context.Context, messageID string, fields domain.MessageFields) (*domain.Message, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET content = ?, reasoning = ?, stream_status = ?, error_message = ? WHERE id = ?",
		fields.Content, fields.Reasoning, string(fields.StreamStatus), fields.ErrorMessage, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to update message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("message %s: %w", messageID, domain.ErrMessageNotFound)
	}

	row := s.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", messageID)
	return scanMessage(row)
}

// Upsert implements domain.MessageStore: find-or-create the assistant
// message keyed by (session_id, client_message_id) and apply fields.
func (s *Store) Upsert(ctx context.Context, sessionID, clientMessageID string, fields domain.MessageFields) (*domain.Message, error) {
	if clientMessageID == "" {
		return nil, fmt.Errorf("upsert requires a client message id")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO messages (id, session_id, client_message_id, role, content, reasoning, stream_status, error_message, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id, client_message_id) WHERE client_message_id != ''
DO UPDATE SET content = excluded.content, reasoning = excluded.reasoning,
    stream_status = excluded.stream_status, error_message = excluded.error_message`,
		uuid.New().String(), sessionID, clientMessageID, string(domain.RoleAssistant),
		fields.Content, fields.Reasoning, string(fields.StreamStatus), fields.ErrorMessage,
		time.Now().UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to upsert message: %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE session_id = ? AND client_message_id = ?",
		sessionID, clientMessageID)
	return scanMessage(row)
}

// Settings implements domain.SettingsStore.
func (s *Store) Settings(ctx context.Context, keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}
	placeholders := ""
	args := make([]any, 0, len(keys))
	for i, key := range keys {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, key)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value FROM settings WHERE key IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string, len(keys))
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		out[key] = value
	}
	return out, rows.Err()
}

// PutSetting writes one settings row.
func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	if err != nil {
		return fmt.Errorf("failed to put setting: %w", err)
	}
	return nil
}

// SaveConnection stores or replaces an upstream connection.
func (s *Store) SaveConnection(ctx context.Context, conn domain.Connection) error {
	headers, err := json.Marshal(conn.CustomHeaders)
	if err != nil {
		return fmt.Errorf("failed to marshal custom headers: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO connections (id, provider, base_url, auth_type, api_key_ciphertext, custom_headers, azure_api_version)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET provider = excluded.provider, base_url = excluded.base_url,
    auth_type = excluded.auth_type, api_key_ciphertext = excluded.api_key_ciphertext,
    custom_headers = excluded.custom_headers, azure_api_version = excluded.azure_api_version`,
		conn.ID, string(conn.Provider), conn.BaseURL, string(conn.AuthType),
		conn.EncryptedAPIKey, string(headers), conn.AzureAPIVersion)
	if err != nil {
		return fmt.Errorf("failed to save connection: %w", err)
	}
	return nil
}

// SaveSession stores or replaces a chat session.
func (s *Store) SaveSession(ctx context.Context, session domain.ChatSession) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions (id, connection_id, model, reasoning_enabled, reasoning_effort, ollama_think, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET connection_id = excluded.connection_id, model = excluded.model,
    reasoning_enabled = excluded.reasoning_enabled, reasoning_effort = excluded.reasoning_effort,
    ollama_think = excluded.ollama_think`,
		session.ID, session.Connection.ID, session.Model,
		boolPtrToInt(session.ReasoningEnabled), session.ReasoningEffort,
		boolPtrToInt(session.OllamaThink), time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Session implements domain.SessionStore, joining the session with its
// connection.
func (s *Store) Session(ctx context.Context, sessionID string) (*domain.ChatSession, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT s.id, s.model, s.reasoning_enabled, s.reasoning_effort, s.ollama_think,
       c.id, c.provider, c.base_url, c.auth_type, c.api_key_ciphertext, c.custom_headers, c.azure_api_version
FROM sessions s JOIN connections c ON c.id = s.connection_id
WHERE s.id = ?`, sessionID)

	var (
		session          domain.ChatSession
		reasoningEnabled sql.NullInt64
		ollamaThink      sql.NullInt64
		provider         string
		authType         string
		headersJSON      sql.NullString
	)
	err := row.Scan(&session.ID, &session.Model, &reasoningEnabled, &session.ReasoningEffort, &ollamaThink,
		&session.Connection.ID, &provider, &session.Connection.BaseURL, &authType,
		&session.Connection.EncryptedAPIKey, &headersJSON, &session.Connection.AzureAPIVersion)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	session.Connection.Provider = domain.ProviderKind(provider)
	session.Connection.AuthType = domain.AuthType(authType)
	session.ReasoningEnabled = intToBoolPtr(reasoningEnabled)
	session.OllamaThink = intToBoolPtr(ollamaThink)
	if headersJSON.Valid && headersJSON.String != "" {
		if err := json.Unmarshal([]byte(headersJSON.String), &session.Connection.CustomHeaders); err != nil {
			return nil, fmt.Errorf("failed to parse custom headers: %w", err)
		}
	}
	return &session, nil
}

// AddChatImage records an image with its retention deadline.
func (s *Store) AddChatImage(ctx context.Context, sessionID, messageID, path string, ttl time.Duration) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO chat_images (id, session_id, message_id, path, created_at, expires_at) VALUES (?, ?, ?, ?, ?, ?)",
		id, sessionID, messageID, path, now.UnixMilli(), now.Add(ttl).UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to record chat image: %w", err)
	}
	return id, nil
}

// CleanupExpiredChatImages implements domain.ImageStore. File removal
// is best effort; a missing file never blocks row deletion.
func (s *Store) CleanupExpiredChatImages(ctx context.Context) error {
	now := time.Now().UTC().UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, path FROM chat_images WHERE expires_at <= ?", now)
	if err != nil {
		return fmt.Errorf("failed to query expired images: %w", err)
	}

	type expired struct{ id, path string }
	var batch []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.path); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan expired image: %w", err)
		}
		batch = append(batch, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, e := range batch {
		if e.path != "" {
			if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
				log.WithCtx(ctx).Warn("failed to remove expired chat image",
					zap.String("path", e.path), zap.Error(err))
			}
		}
		if _, err := s.db.ExecContext(ctx, "DELETE FROM chat_images WHERE id = ?", e.id); err != nil {
			return fmt.Errorf("failed to delete expired image row: %w", err)
		}
	}
	return nil
}

func boolPtrToInt(b *bool) any {
	if b == nil {
		return nil
	}
	if *b {
		return int64(1)
	}
	return int64(0)
}

func intToBoolPtr(v sql.NullInt64) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Int64 != 0
	return &b
}
