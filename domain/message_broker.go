package domain

import (
	"context"
	"time"
)

// TurnEventsTopic carries stream progress events; the session id is
// the routing key.
const TurnEventsTopic = "turn.events"

// MessageBroker defines the interface for message broker operations
type MessageBroker interface {
	// Publish sends a message to a specific topic/channel with a routing key
	Publish(ctx context.Context, topic string, routingKey string, message []byte) error

	// Subscribe listens for messages on a specific topic/channel and routing key
	Subscribe(ctx context.Context, topic string, routingKey string) (<-chan BrokerMessage, error)

	// Close closes the message broker connection
	Close() error
}

// BrokerMessage represents a message received from the broker
type BrokerMessage struct {
	Topic      string
	RoutingKey string
	Payload    []byte
	Timestamp  time.Time
}

// TurnEvent is one streaming progress notification for a turn,
// published on TurnEventsTopic and fanned out to connected clients.
type TurnEvent struct {
	TurnID          string    `json:"turn_id"`
	SessionID       string    `json:"session_id"`
	MessageID       string    `json:"message_id"`
	ClientMessageID string    `json:"client_message_id,omitempty"`
	Type            string    `json:"type"` // "delta" | "done" | "error"
	Content         string    `json:"content,omitempty"`
	Reasoning       string    `json:"reasoning,omitempty"`
	Error           string    `json:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}
