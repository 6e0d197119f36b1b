package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/relay/adapters/message_broker"
	"github.com/relaycore/relay/adapters/provider"
	"github.com/relaycore/relay/adapters/secrets"
	"github.com/relaycore/relay/adapters/storage"
	"github.com/relaycore/relay/adapters/tokenizer"
	"github.com/relaycore/relay/adapters/traffic"
	"github.com/relaycore/relay/domain"
	"github.com/relaycore/relay/usecase"
)

// sseRequester short-circuits the network with a canned SSE stream.
type sseRequester struct {
	body string
}

func (r *sseRequester) RequestWithBackoff(ctx context.Context, d domain.Dispatch) (*http.Response, error) {
	_, cancel := context.WithCancel(ctx)
	if d.OnCancelReady != nil {
		d.OnCancelReady(cancel)
	}
	var once sync.Once
	conclude := func() {
		once.Do(func() {
			cancel()
			if d.OnCancelClear != nil {
				d.OnCancelClear()
			}
		})
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       &closeFnBody{Reader: strings.NewReader(r.body), close: conclude},
	}, nil
}

type closeFnBody struct {
	io.Reader
	close func()
}

func (b *closeFnBody) Close() error {
	b.close()
	return nil
}

type testStack struct {
	echo    *echo.Echo
	handler *Handler
	broker  *message_broker.ChannelMessageBroker
	store   *storage.Store
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	keyring, err := secrets.NewKeyring([]byte("test-master"))
	require.NoError(t, err)

	sink := traffic.NewSink(t.TempDir())
	t.Cleanup(func() { sink.Close() })

	broker := message_broker.NewChannelMessageBroker()
	t.Cleanup(func() { broker.Close() })

	builder := usecase.NewRequestBuilder(
		store, store, store,
		tokenizer.New(),
		tokenizer.NewModelLimits(nil, nil),
		keyring,
		provider.NewHeaderBuilder(),
	)
	controller := usecase.NewStreamController(
		store, store, builder,
		&sseRequester{body: "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\ndata: [DONE]\n"},
		usecase.NewProgressService(store),
		usecase.NewTraceService(),
		broker,
		usecase.NewTurnRegistry(),
	)

	handler := NewHandler(controller, store, keyring, sink,
		[]byte("jwt-secret"), "operator", "hunter2")

	e := echo.New()
	handler.Register(e)

	return &testStack{echo: e, handler: handler, broker: broker, store: store}
}

func (s *testStack) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func (s *testStack) token(t *testing.T) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", nil)
	req.Header.Set("X-API-Key", "operator")
	req.Header.Set("X-API-Secret", "hunter2")

	rec := s.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, "Bearer", out["type"])
	return out["token"]
}

func (s *testStack) post(t *testing.T, token, path string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("Authorization", "Bearer "+token)
	return s.do(req)
}

func TestGenerateJWTRejectsBadCredentials(t *testing.T) {
	s := newTestStack(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", nil)
	req.Header.Set("X-API-Key", "operator")
	req.Header.Set("X-API-Secret", "wrong")

	rec := s.do(req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWTMiddlewareGate(t *testing.T) {
	s := newTestStack(t)

	// No header at all.
	rec := s.do(httptest.NewRequest(http.MethodPost, "/api/v1/chat/sessions", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Garbage token.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/sessions", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = s.do(req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong scheme.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/chat/sessions", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec = s.do(req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthCheck(t *testing.T) {
	s := newTestStack(t)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, "ok", out["status"])
}

func TestConnectionSessionTurnFlow(t *testing.T) {
	s := newTestStack(t)
	token := s.token(t)

	rec := s.post(t, token, "/api/v1/chat/connections", map[string]any{
		"provider": "openai",
		"base_url": "https://api.example.com/v1",
		"api_key":  "sk-secret",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var connOut map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &connOut))
	require.NotEmpty(t, connOut["connection_id"])

	rec = s.post(t, token, "/api/v1/chat/sessions", map[string]any{
		"connection_id": connOut["connection_id"],
		"model":         "gpt-4o",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var sessOut map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessOut))
	sessionID := sessOut["session_id"]
	require.NotEmpty(t, sessionID)

	// Listen for the turn's terminal event before kicking it off.
	events, err := s.broker.Subscribe(context.Background(), domain.TurnEventsTopic, sessionID)
	require.NoError(t, err)

	rec = s.post(t, token, "/api/v1/chat/sessions/"+sessionID+"/turns", map[string]any{
		"content": "say hi",
		"mode":    "stream",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var handle usecase.TurnHandle
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &handle))
	require.NotEmpty(t, handle.TurnID)
	require.Equal(t, sessionID, handle.SessionID)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-events:
			var event domain.TurnEvent
			require.NoError(t, json.Unmarshal(msg.Payload, &event))
			if event.Type == "done" {
				history, err := s.store.History(context.Background(), sessionID, nil)
				require.NoError(t, err)
				require.Len(t, history, 2)
				assistant := history[len(history)-1]
				if assistant.Role != domain.RoleAssistant {
					assistant = history[0]
				}
				require.Equal(t, "hi", assistant.Content)
				require.Equal(t, domain.StreamStatusDone, assistant.StreamStatus)
				return
			}
		case <-deadline:
			t.Fatal("turn never completed")
		}
	}
}

func TestStartTurnRequiresContent(t *testing.T) {
	s := newTestStack(t)
	token := s.token(t)

	rec := s.post(t, token, "/api/v1/chat/sessions/s1/turns", map[string]any{"content": ""})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStopUnknownTurn(t *testing.T) {
	s := newTestStack(t)
	token := s.token(t)

	rec := s.post(t, token, "/api/v1/chat/turns/nope/stop", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, false, out["stopped"])
}

func TestCreateConnectionEncryptsKey(t *testing.T) {
	s := newTestStack(t)
	token := s.token(t)

	rec := s.post(t, token, "/api/v1/chat/connections", map[string]any{
		"provider": "openai",
		"base_url": "https://api.example.com/v1",
		"api_key":  "sk-super-secret",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))

	require.NoError(t, s.store.SaveSession(context.Background(), domain.ChatSession{
		ID:         "probe",
		Connection: domain.Connection{ID: out["connection_id"]},
		Model:      "gpt-4o",
	}))
	session, err := s.store.Session(context.Background(), "probe")
	require.NoError(t, err)

	// The stored ciphertext never contains the plaintext key.
	require.NotEmpty(t, session.Connection.EncryptedAPIKey)
	require.NotContains(t, string(session.Connection.EncryptedAPIKey), "sk-super-secret")
}
