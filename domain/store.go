package domain

import (
	"context"
	"errors"
	"time"
)

// ErrMessageNotFound reports that an addressed-by-id write lost its
// target row. Callers check it with errors.Is and fall back to the
// idempotency-key upsert instead of treating it as fatal.
var ErrMessageNotFound = errors.New("message not found")

// MessageFields is the mutable portion of an assistant message applied
// by a progress checkpoint.
type MessageFields struct {
	Content      string
	Reasoning    string
	StreamStatus StreamStatus
	ErrorMessage string
}

// MessageStore is the history/persistence port of the pipeline.
type MessageStore interface {
	// History returns the session's messages in chronological order,
	// filtered to CreatedAt <= upperBound when a bound is given.
	History(ctx context.Context, sessionID string, upperBound *time.Time) ([]Message, error)

	// Insert stores a new message row.
	Insert(ctx context.Context, msg Message) (*Message, error)

	// Update applies fields to the row addressed by id. Returns
	// ErrMessageNotFound when the row no longer exists.
	Update(ctx context.Context, messageID string, fields MessageFields) (*Message, error)

	// Upsert finds or creates the assistant message keyed by
	// (sessionID, clientMessageID) and applies fields.
	Upsert(ctx context.Context, sessionID, clientMessageID string, fields MessageFields) (*Message, error)
}

// SessionStore resolves a chat session together with its connection,
// and persists new sessions and provider connections.
type SessionStore interface {
	Session(ctx context.Context, sessionID string) (*ChatSession, error)
	SaveSession(ctx context.Context, session ChatSession) error
	SaveConnection(ctx context.Context, conn Connection) error
}

// SettingsStore reads system settings as flat key/value rows. Values
// are string-typed; booleans are encoded as "true"/"false".
type SettingsStore interface {
	Settings(ctx context.Context, keys []string) (map[string]string, error)
}

// ImageStore reclaims storage for chat images past their retention
// window. Invoked fire-and-forget from the request build path.
type ImageStore interface {
	CleanupExpiredChatImages(ctx context.Context) error
}
