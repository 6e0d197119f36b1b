package usecase

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/relaycore/relay/domain"
	"github.com/relaycore/relay/utils/log"
)

// ProgressUpdate is one durable checkpoint of in-flight assistant
// output.
type ProgressUpdate struct {
	AssistantMessageID string
	SessionID          string
	Content            string
	Reasoning          string
	Status             domain.StreamStatus
	ErrorMessage       string
	ClientMessageID    string
}

// ProgressResult reports which row now holds the checkpoint. Recovered
// is set when the primary row had vanished and the state was re-homed
// through the client-id upsert.
type ProgressResult struct {
	MessageID string
	Recovered bool
}

// ProgressService durably checkpoints assistant message state during
// streaming, tolerant of the backing row having been concurrently
// removed or replaced. Assistant messages can be created client-side
// with a temporary id and reconciled server-side mid-stream; the
// upsert-by-client-id path is the single source of idempotency across
// that race.
type ProgressService struct {
	store domain.MessageStore
}

func NewProgressService(store domain.MessageStore) *ProgressService {
	return &ProgressService{store: store}
}

// PersistProgress applies one checkpoint. A vanished row with a usable
// client id recovers through the upsert; without one, the original id
// comes back unflagged and the caller decides whether to surface it.
// Persistence conflicts are never returned as errors.
func (s *ProgressService) PersistProgress(ctx context.Context, u ProgressUpdate) (ProgressResult, error) {
	fields := domain.MessageFields{
		Content:      u.Content,
		Reasoning:    u.Reasoning,
		StreamStatus: u.Status,
		ErrorMessage: u.ErrorMessage,
	}

	_, err := s.store.Update(ctx, u.AssistantMessageID, fields)
	if err == nil {
		return ProgressResult{MessageID: u.AssistantMessageID}, nil
	}
	if !errors.Is(err, domain.ErrMessageNotFound) {
		return ProgressResult{}, fmt.Errorf("failed to persist progress: %w", err)
	}

	if u.ClientMessageID == "" {
		log.WithCtx(ctx).Warn("assistant message vanished and no client id is available",
			zap.String("message_id", u.AssistantMessageID),
			zap.String("session_id", u.SessionID))
		return ProgressResult{MessageID: u.AssistantMessageID}, nil
	}

	msg, upsertErr := s.store.Upsert(ctx, u.SessionID, u.ClientMessageID, fields)
	if upsertErr != nil {
		log.WithCtx(ctx).Warn("assistant message vanished and client-id upsert failed",
			zap.String("message_id", u.AssistantMessageID),
			zap.String("client_message_id", u.ClientMessageID),
			zap.Error(upsertErr))
		return ProgressResult{MessageID: u.AssistantMessageID}, nil
	}

	log.WithCtx(ctx).Warn("assistant message vanished, recovered via client-id upsert",
		zap.String("message_id", u.AssistantMessageID),
		zap.String("recovered_message_id", msg.ID),
		zap.String("client_message_id", u.ClientMessageID))
	return ProgressResult{MessageID: msg.ID, Recovered: true}, nil
}
