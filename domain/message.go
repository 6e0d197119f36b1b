package domain

import "time"

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// StreamStatus tracks the lifecycle of an assistant message while its
// content is still arriving from the upstream provider.
type StreamStatus string

const (
	StreamStatusStreaming StreamStatus = "streaming"
	StreamStatusDone      StreamStatus = "done"
	StreamStatusError     StreamStatus = "error"
)

// Message is one unit of conversation history. Assistant messages are
// mutated incrementally during streaming; ClientMessageID is the
// client-generated idempotency key used to reconcile rows that were
// created client-side with a temporary id.
type Message struct {
	ID              string       `json:"id"`
	SessionID       string       `json:"session_id"`
	ClientMessageID string       `json:"client_message_id,omitempty"`
	Role            Role         `json:"role"`
	Content         string       `json:"content"`
	Reasoning       string       `json:"reasoning,omitempty"`
	StreamStatus    StreamStatus `json:"stream_status,omitempty"`
	ErrorMessage    string       `json:"error_message,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// ChatSession identifies a conversation and the upstream connection it
// targets. Per-session overrides are pointers so "not set" can fall
// through to the system-wide default.
type ChatSession struct {
	ID               string
	Connection       Connection
	Model            string
	ReasoningEnabled *bool
	ReasoningEffort  string
	OllamaThink      *bool
}

// ImageAttachment is an image attached to a user turn. Data is carried
// inline and shipped to the provider as a data URL.
type ImageAttachment struct {
	ID        string
	MediaType string
	Data      []byte
}
