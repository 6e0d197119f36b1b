package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaycore/relay/domain"
)

// memStore is a stateful in-memory backing for controller tests,
// implementing the message, session and settings ports.
type memStore struct {
	mu       sync.Mutex
	nextID   int
	messages []domain.Message
	session  *domain.ChatSession

	// vanishAfter forces Update to report a vanished row after N
	// successful calls, simulating a concurrent row replacement.
	vanishAfter int
	updateCalls int
}

func newMemStore(session *domain.ChatSession) *memStore {
	return &memStore{session: session, vanishAfter: -1}
}

func (m *memStore) History(ctx context.Context, sessionID string, upperBound *time.Time) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Message, 0, len(m.messages))
	for _, msg := range m.messages {
		if msg.SessionID == sessionID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memStore) Insert(ctx context.Context, msg domain.Message) (*domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	msg.ID = fmt.Sprintf("msg-%d", m.nextID)
	msg.CreatedAt = time.Now().UTC()
	m.messages = append(m.messages, msg)
	return &msg, nil
}

func (m *memStore) Update(ctx context.Context, messageID string, fields domain.MessageFields) (*domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vanishAfter >= 0 && m.updateCalls >= m.vanishAfter {
		return nil, domain.ErrMessageNotFound
	}
	m.updateCalls++
	for i := range m.messages {
		if m.messages[i].ID == messageID {
			m.messages[i].Content = fields.Content
			m.messages[i].Reasoning = fields.Reasoning
			m.messages[i].StreamStatus = fields.StreamStatus
			m.messages[i].ErrorMessage = fields.ErrorMessage
			out := m.messages[i]
			return &out, nil
		}
	}
	return nil, domain.ErrMessageNotFound
}

func (m *memStore) Upsert(ctx context.Context, sessionID, clientMessageID string, fields domain.MessageFields) (*domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.messages {
		if m.messages[i].SessionID == sessionID && m.messages[i].ClientMessageID == clientMessageID {
			m.messages[i].Content = fields.Content
			m.messages[i].Reasoning = fields.Reasoning
			m.messages[i].StreamStatus = fields.StreamStatus
			m.messages[i].ErrorMessage = fields.ErrorMessage
			out := m.messages[i]
			return &out, nil
		}
	}
	m.nextID++
	msg := domain.Message{
		ID:              fmt.Sprintf("msg-%d", m.nextID),
		SessionID:       sessionID,
		ClientMessageID: clientMessageID,
		Role:            domain.RoleAssistant,
		Content:         fields.Content,
		Reasoning:       fields.Reasoning,
		StreamStatus:    fields.StreamStatus,
		ErrorMessage:    fields.ErrorMessage,
		CreatedAt:       time.Now().UTC(),
	}
	m.messages = append(m.messages, msg)
	return &msg, nil
}

func (m *memStore) Session(ctx context.Context, sessionID string) (*domain.ChatSession, error) {
	if m.session == nil || m.session.ID != sessionID {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	return m.session, nil
}

func (m *memStore) SaveSession(ctx context.Context, session domain.ChatSession) error { return nil }

func (m *memStore) SaveConnection(ctx context.Context, conn domain.Connection) error { return nil }

func (m *memStore) Settings(ctx context.Context, keys []string) (map[string]string, error) {
	return map[string]string{}, nil
}

func (m *memStore) messageByID(id string) *domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.messages {
		if m.messages[i].ID == id {
			out := m.messages[i]
			return &out
		}
	}
	return nil
}

// captureBroker records published turn events and signals terminal
// ones.
type captureBroker struct {
	mu       sync.Mutex
	events   []domain.TurnEvent
	terminal chan domain.TurnEvent
}

func newCaptureBroker() *captureBroker {
	return &captureBroker{terminal: make(chan domain.TurnEvent, 1)}
}

func (b *captureBroker) Publish(ctx context.Context, topic, routingKey string, message []byte) error {
	var event domain.TurnEvent
	if err := json.Unmarshal(message, &event); err != nil {
		return err
	}
	b.mu.Lock()
	b.events = append(b.events, event)
	b.mu.Unlock()
	if event.Type == "done" || event.Type == "error" {
		b.terminal <- event
	}
	return nil
}

func (b *captureBroker) Subscribe(ctx context.Context, topic, routingKey string) (<-chan domain.BrokerMessage, error) {
	return nil, nil
}

func (b *captureBroker) Close() error { return nil }

func (b *captureBroker) all() []domain.TurnEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.TurnEvent(nil), b.events...)
}

func (b *captureBroker) waitTerminal(t *testing.T) domain.TurnEvent {
	t.Helper()
	select {
	case event := <-b.terminal:
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("turn never reached a terminal event")
		return domain.TurnEvent{}
	}
}

// scriptedRequester returns a canned response without touching the
// network, honoring the dispatch callback contract. It records every
// dispatch so tests can assert the wire payload.
type scriptedRequester struct {
	status     int
	body       string
	bodyReader io.Reader
	blockFn    func(ctx context.Context) error

	mu   sync.Mutex
	sent []domain.Dispatch
}

func (r *scriptedRequester) RequestWithBackoff(ctx context.Context, d domain.Dispatch) (*http.Response, error) {
	r.mu.Lock()
	r.sent = append(r.sent, d)
	r.mu.Unlock()

	attemptCtx, cancel := context.WithCancel(ctx)
	if d.OnCancelReady != nil {
		d.OnCancelReady(cancel)
	}
	conclude := func() {
		cancel()
		if d.OnCancelClear != nil {
			d.OnCancelClear()
		}
	}

	if r.blockFn != nil {
		if err := r.blockFn(attemptCtx); err != nil {
			conclude()
			return nil, err
		}
	}

	reader := r.bodyReader
	if reader == nil {
		reader = strings.NewReader(r.body)
	}
	return &http.Response{
		StatusCode: r.status,
		Body:       &concludingBody{Reader: reader, conclude: conclude},
	}, nil
}

func (r *scriptedRequester) lastBody(t *testing.T) []byte {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		t.Fatal("no dispatch was recorded")
	}
	return r.sent[len(r.sent)-1].Request.Body
}

// errReader fails every read with a fixed error.
type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

type concludingBody struct {
	io.Reader
	conclude func()
	once     sync.Once
}

func (b *concludingBody) Close() error {
	b.once.Do(b.conclude)
	return nil
}

func sseBody(chunks ...string) string {
	var sb strings.Builder
	for _, chunk := range chunks {
		sb.WriteString("data: ")
		sb.WriteString(chunk)
		sb.WriteString("\n\n")
	}
	sb.WriteString("data: [DONE]\n")
	return sb.String()
}

func deltaChunk(content, reasoning string) string {
	return fmt.Sprintf(`{"choices":[{"delta":{"content":%q,"reasoning":%q}}]}`, content, reasoning)
}

func newController(store *memStore, requester domain.ProviderRequester, broker domain.MessageBroker) *StreamController {
	builder := NewRequestBuilder(store, store, nil, passthroughTokenizer{}, fixedLimits{}, plaintextKeys{}, bearerHeaders{})
	return NewStreamController(store, store, builder, requester,
		NewProgressService(store), NewTraceService(), broker, NewTurnRegistry())
}

func TestStartTurnStreamsToDone(t *testing.T) {
	store := newMemStore(testSession(domain.ProviderOpenAI))
	broker := newCaptureBroker()
	requester := &scriptedRequester{
		status: http.StatusOK,
		body:   sseBody(deltaChunk("Hello", ""), deltaChunk(" world", "")),
	}
	controller := newController(store, requester, broker)

	handle, err := controller.StartTurn(context.Background(), TurnRequest{
		SessionID: "s1",
		Content:   "say hello",
		Mode:      ModeStream,
	})
	require.NoError(t, err)
	require.NotEmpty(t, handle.TurnID)
	require.NotEmpty(t, handle.ClientMessageID)

	terminal := broker.waitTerminal(t)
	require.Equal(t, "done", terminal.Type)

	assistant := store.messageByID(handle.AssistantMessageID)
	require.NotNil(t, assistant)
	require.Equal(t, "Hello world", assistant.Content)
	require.Equal(t, domain.StreamStatusDone, assistant.StreamStatus)

	user := store.messageByID(handle.UserMessageID)
	require.NotNil(t, user)
	require.Equal(t, domain.RoleUser, user.Role)
	require.Equal(t, "say hello", user.Content)

	events := broker.all()
	require.Len(t, events, 3)
	require.Equal(t, "delta", events[0].Type)
	require.Equal(t, "Hello", events[0].Content)
	require.Equal(t, " world", events[1].Content)
}

func TestStartTurnSendsSingleUserTurnUpstream(t *testing.T) {
	store := newMemStore(testSession(domain.ProviderOpenAI))
	broker := newCaptureBroker()
	requester := &scriptedRequester{status: http.StatusOK, body: sseBody(deltaChunk("hi", ""))}
	controller := newController(store, requester, broker)

	// Seed a prior exchange so the snapshot has real history.
	_, err := store.Insert(context.Background(), domain.Message{
		SessionID: "s1", Role: domain.RoleUser, Content: "earlier question",
		StreamStatus: domain.StreamStatusDone,
	})
	require.NoError(t, err)
	_, err = store.Insert(context.Background(), domain.Message{
		SessionID: "s1", Role: domain.RoleAssistant, Content: "earlier answer",
		StreamStatus: domain.StreamStatusDone,
	})
	require.NoError(t, err)

	_, err = controller.StartTurn(context.Background(), TurnRequest{
		SessionID: "s1",
		Content:   "say hello",
		Mode:      ModeStream,
	})
	require.NoError(t, err)
	broker.waitTerminal(t)

	var body struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(requester.lastBody(t), &body))

	// The prior exchange plus the pending turn, exactly once each; the
	// rows StartTurn persisted for this turn must not leak back in.
	require.Len(t, body.Messages, 3)
	require.Equal(t, "user", body.Messages[0].Role)
	require.Equal(t, "earlier question", body.Messages[0].Content)
	require.Equal(t, "assistant", body.Messages[1].Role)
	require.Equal(t, "earlier answer", body.Messages[1].Content)
	require.Equal(t, "user", body.Messages[2].Role)
	require.Equal(t, "say hello", body.Messages[2].Content)
	for _, msg := range body.Messages {
		require.NotEmpty(t, msg.Content)
	}
}

func TestStartTurnStreamTimeoutFinalizesError(t *testing.T) {
	store := newMemStore(testSession(domain.ProviderOpenAI))
	broker := newCaptureBroker()
	requester := &scriptedRequester{
		status: http.StatusOK,
		bodyReader: io.MultiReader(
			strings.NewReader("data: "+deltaChunk("partial", "")+"\n\n"),
			errReader{err: context.DeadlineExceeded},
		),
	}
	controller := newController(store, requester, broker)

	handle, err := controller.StartTurn(context.Background(), TurnRequest{
		SessionID: "s1",
		Content:   "question",
		Mode:      ModeStream,
	})
	require.NoError(t, err)

	terminal := broker.waitTerminal(t)
	require.Equal(t, "error", terminal.Type)
	require.Contains(t, terminal.Error, "timed out")

	assistant := store.messageByID(handle.AssistantMessageID)
	require.Equal(t, domain.StreamStatusError, assistant.StreamStatus)
	require.Equal(t, "partial", assistant.Content)
}

func TestStartTurnAcceptsCompactDataPrefix(t *testing.T) {
	store := newMemStore(testSession(domain.ProviderOpenAI))
	broker := newCaptureBroker()
	requester := &scriptedRequester{
		status: http.StatusOK,
		body:   "data:" + deltaChunk("tight", "") + "\n\ndata:[DONE]\n",
	}
	controller := newController(store, requester, broker)

	handle, err := controller.StartTurn(context.Background(), TurnRequest{
		SessionID: "s1",
		Content:   "question",
		Mode:      ModeStream,
	})
	require.NoError(t, err)

	terminal := broker.waitTerminal(t)
	require.Equal(t, "done", terminal.Type)

	assistant := store.messageByID(handle.AssistantMessageID)
	require.Equal(t, "tight", assistant.Content)
	require.Equal(t, domain.StreamStatusDone, assistant.StreamStatus)
}

func TestStartTurnCompletionMode(t *testing.T) {
	store := newMemStore(testSession(domain.ProviderOpenAI))
	broker := newCaptureBroker()
	requester := &scriptedRequester{
		status: http.StatusOK,
		body:   `{"choices":[{"message":{"content":"full answer","reasoning":"chain"}}]}`,
	}
	controller := newController(store, requester, broker)

	handle, err := controller.StartTurn(context.Background(), TurnRequest{
		SessionID: "s1",
		Content:   "question",
		Mode:      ModeCompletion,
	})
	require.NoError(t, err)

	terminal := broker.waitTerminal(t)
	require.Equal(t, "done", terminal.Type)

	assistant := store.messageByID(handle.AssistantMessageID)
	require.Equal(t, "full answer", assistant.Content)
	require.Equal(t, "chain", assistant.Reasoning)
	require.Equal(t, domain.StreamStatusDone, assistant.StreamStatus)
}

func TestStartTurnProviderErrorStatus(t *testing.T) {
	store := newMemStore(testSession(domain.ProviderOpenAI))
	broker := newCaptureBroker()
	requester := &scriptedRequester{status: http.StatusBadGateway, body: "upstream exploded"}
	controller := newController(store, requester, broker)

	handle, err := controller.StartTurn(context.Background(), TurnRequest{
		SessionID: "s1",
		Content:   "question",
		Mode:      ModeStream,
	})
	require.NoError(t, err)

	terminal := broker.waitTerminal(t)
	require.Equal(t, "error", terminal.Type)
	require.Contains(t, terminal.Error, "502")

	assistant := store.messageByID(handle.AssistantMessageID)
	require.Equal(t, domain.StreamStatusError, assistant.StreamStatus)
	require.Contains(t, assistant.ErrorMessage, "upstream exploded")
}

func TestStartTurnRecoversIdentityMidStream(t *testing.T) {
	store := newMemStore(testSession(domain.ProviderOpenAI))
	broker := newCaptureBroker()
	requester := &scriptedRequester{
		status: http.StatusOK,
		body:   sseBody(deltaChunk("part one", ""), deltaChunk(" part two", "")),
	}
	controller := newController(store, requester, broker)

	// Every Update reports a vanished row; progress must re-home
	// through the client-id upsert and keep going.
	store.vanishAfter = 0

	handle, err := controller.StartTurn(context.Background(), TurnRequest{
		SessionID:       "s1",
		Content:         "question",
		ClientMessageID: "client-42",
		Mode:            ModeStream,
	})
	require.NoError(t, err)

	terminal := broker.waitTerminal(t)
	require.Equal(t, "done", terminal.Type)

	// The recovered row carries the full accumulated content under
	// the same client id.
	recovered := store.messageByID(terminal.MessageID)
	require.NotNil(t, recovered)
	require.Equal(t, "client-42", recovered.ClientMessageID)
	require.Equal(t, "part one part two", recovered.Content)
	require.Equal(t, domain.StreamStatusDone, recovered.StreamStatus)
	require.Equal(t, handle.SessionID, recovered.SessionID)
}

func TestStartTurnStopCancelsDispatch(t *testing.T) {
	store := newMemStore(testSession(domain.ProviderOpenAI))
	broker := newCaptureBroker()
	requester := &scriptedRequester{
		status: http.StatusOK,
		blockFn: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	controller := newController(store, requester, broker)

	handle, err := controller.StartTurn(context.Background(), TurnRequest{
		SessionID: "s1",
		Content:   "question",
		Mode:      ModeStream,
	})
	require.NoError(t, err)

	// The cancel handle registers asynchronously once dispatch starts.
	require.Eventually(t, func() bool {
		return controller.Turns().Stop(handle.TurnID)
	}, 2*time.Second, 10*time.Millisecond)

	terminal := broker.waitTerminal(t)
	require.Equal(t, "done", terminal.Type)

	assistant := store.messageByID(handle.AssistantMessageID)
	require.Equal(t, domain.StreamStatusDone, assistant.StreamStatus)
}

func TestStartTurnUnknownSession(t *testing.T) {
	store := newMemStore(testSession(domain.ProviderOpenAI))
	controller := newController(store, &scriptedRequester{status: http.StatusOK}, newCaptureBroker())

	_, err := controller.StartTurn(context.Background(), TurnRequest{
		SessionID: "unknown",
		Content:   "question",
	})
	require.Error(t, err)
}

func TestStartTurnEmptyContent(t *testing.T) {
	store := newMemStore(testSession(domain.ProviderOpenAI))
	controller := newController(store, &scriptedRequester{status: http.StatusOK}, newCaptureBroker())

	_, err := controller.StartTurn(context.Background(), TurnRequest{
		SessionID: "s1",
		Content:   "   ",
	})
	require.Error(t, err)
}

func TestTurnRegistryStop(t *testing.T) {
	reg := NewTurnRegistry()
	canceled := false
	reg.put("t1", func() { canceled = true })

	require.Equal(t, 1, reg.Active())
	require.True(t, reg.Stop("t1"))
	require.True(t, canceled)
	require.Zero(t, reg.Active())
	require.False(t, reg.Stop("t1"))
}
