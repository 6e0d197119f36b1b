package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaycore/relay/domain"
)

type fakeMessageStore struct {
	updateErr    error
	updateCalls  int
	upsertErr    error
	upsertCalls  int
	upsertResult *domain.Message
	lastFields   domain.MessageFields
	lastClientID string
}

func (f *fakeMessageStore) History(ctx context.Context, sessionID string, upperBound *time.Time) ([]domain.Message, error) {
	return nil, nil
}

func (f *fakeMessageStore) Insert(ctx context.Context, msg domain.Message) (*domain.Message, error) {
	return &msg, nil
}

func (f *fakeMessageStore) Update(ctx context.Context, messageID string, fields domain.MessageFields) (*domain.Message, error) {
	f.updateCalls++
	f.lastFields = fields
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return &domain.Message{ID: messageID}, nil
}

func (f *fakeMessageStore) Upsert(ctx context.Context, sessionID, clientMessageID string, fields domain.MessageFields) (*domain.Message, error) {
	f.upsertCalls++
	f.lastClientID = clientMessageID
	f.lastFields = fields
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	if f.upsertResult != nil {
		return f.upsertResult, nil
	}
	return &domain.Message{ID: "recovered-id", SessionID: sessionID, ClientMessageID: clientMessageID}, nil
}

func TestPersistProgressPrimaryPath(t *testing.T) {
	store := &fakeMessageStore{}
	svc := NewProgressService(store)

	result, err := svc.PersistProgress(context.Background(), ProgressUpdate{
		AssistantMessageID: "m1",
		SessionID:          "s1",
		Content:            "partial",
		Status:             domain.StreamStatusStreaming,
		ClientMessageID:    "c1",
	})

	require.NoError(t, err)
	require.Equal(t, ProgressResult{MessageID: "m1"}, result)
	require.Equal(t, 1, store.updateCalls)
	require.Zero(t, store.upsertCalls)
}

func TestPersistProgressRecoversThroughUpsert(t *testing.T) {
	store := &fakeMessageStore{updateErr: domain.ErrMessageNotFound}
	svc := NewProgressService(store)

	result, err := svc.PersistProgress(context.Background(), ProgressUpdate{
		AssistantMessageID: "m1",
		SessionID:          "s1",
		Content:            "partial",
		Status:             domain.StreamStatusStreaming,
		ClientMessageID:    "c1",
	})

	require.NoError(t, err)
	require.True(t, result.Recovered)
	require.Equal(t, "recovered-id", result.MessageID)
	require.Equal(t, 1, store.upsertCalls)
	require.Equal(t, "c1", store.lastClientID)
}

func TestPersistProgressNotFoundWrapped(t *testing.T) {
	// A wrapped sentinel still routes into the recovery path.
	store := &fakeMessageStore{updateErr: errors.Join(errors.New("update failed"), domain.ErrMessageNotFound)}
	svc := NewProgressService(store)

	result, err := svc.PersistProgress(context.Background(), ProgressUpdate{
		AssistantMessageID: "m1",
		SessionID:          "s1",
		ClientMessageID:    "c1",
	})

	require.NoError(t, err)
	require.True(t, result.Recovered)
}

func TestPersistProgressDegradedWithoutClientID(t *testing.T) {
	store := &fakeMessageStore{updateErr: domain.ErrMessageNotFound}
	svc := NewProgressService(store)

	result, err := svc.PersistProgress(context.Background(), ProgressUpdate{
		AssistantMessageID: "m1",
		SessionID:          "s1",
	})

	require.NoError(t, err)
	require.Equal(t, ProgressResult{MessageID: "m1"}, result)
	require.Zero(t, store.upsertCalls)
}

func TestPersistProgressUpsertFailureDegrades(t *testing.T) {
	store := &fakeMessageStore{
		updateErr: domain.ErrMessageNotFound,
		upsertErr: errors.New("constraint violation"),
	}
	svc := NewProgressService(store)

	result, err := svc.PersistProgress(context.Background(), ProgressUpdate{
		AssistantMessageID: "m1",
		SessionID:          "s1",
		ClientMessageID:    "c1",
	})

	require.NoError(t, err)
	require.Equal(t, ProgressResult{MessageID: "m1"}, result)
}

func TestPersistProgressUnexpectedErrorPropagates(t *testing.T) {
	store := &fakeMessageStore{updateErr: errors.New("disk full")}
	svc := NewProgressService(store)

	_, err := svc.PersistProgress(context.Background(), ProgressUpdate{
		AssistantMessageID: "m1",
		SessionID:          "s1",
		ClientMessageID:    "c1",
	})

	require.Error(t, err)
	require.Zero(t, store.upsertCalls)
}
