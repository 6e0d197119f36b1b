package usecase

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaycore/relay/domain"
	"github.com/relaycore/relay/utils/log"
)

// TurnRequest starts one user turn against a session.
type TurnRequest struct {
	SessionID         string
	Content           string
	ClientMessageID   string
	Payload           TurnPayload
	Images            []domain.ImageAttachment
	Mode              Mode
	HistoryUpperBound *time.Time
	Trace             domain.TraceRecorder
}

// TurnHandle identifies a started turn to the caller. Stream progress
// arrives through the broker's turn-events topic.
type TurnHandle struct {
	TurnID             string `json:"turn_id"`
	SessionID          string `json:"session_id"`
	UserMessageID      string `json:"user_message_id"`
	AssistantMessageID string `json:"assistant_message_id"`
	ClientMessageID    string `json:"client_message_id"`
}

// StreamController composes the pipeline seams per turn: prepare →
// dispatch → ordered progress persistence → trace correlation, with
// stop-generation wired through the turn registry.
type StreamController struct {
	sessions  domain.SessionStore
	store     domain.MessageStore
	builder   *RequestBuilder
	requester domain.ProviderRequester
	progress  *ProgressService
	trace     *TraceService
	broker    domain.MessageBroker
	turns     *TurnRegistry
}

func NewStreamController(
	sessions domain.SessionStore,
	store domain.MessageStore,
	builder *RequestBuilder,
	requester domain.ProviderRequester,
	progress *ProgressService,
	trace *TraceService,
	broker domain.MessageBroker,
	turns *TurnRegistry,
) *StreamController {
	return &StreamController{
		sessions:  sessions,
		store:     store,
		builder:   builder,
		requester: requester,
		progress:  progress,
		trace:     trace,
		broker:    broker,
		turns:     turns,
	}
}

// Turns exposes the registry for the stop endpoint.
func (c *StreamController) Turns() *TurnRegistry { return c.turns }

// StartTurn records the user message, creates the assistant row under
// its idempotency key and launches the turn pipeline. The returned
// handle is immediately usable for stop-generation.
func (c *StreamController) StartTurn(ctx context.Context, req TurnRequest) (*TurnHandle, error) {
	session, err := c.sessions.Session(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("turn content is empty")
	}

	userMsg, err := c.store.Insert(ctx, domain.Message{
		SessionID:    req.SessionID,
		Role:         domain.RoleUser,
		Content:      req.Content,
		StreamStatus: domain.StreamStatusDone,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record user message: %w", err)
	}

	clientID := req.ClientMessageID
	if clientID == "" {
		clientID = uuid.New().String()
	}
	assistant, err := c.store.Upsert(ctx, req.SessionID, clientID, domain.MessageFields{
		StreamStatus: domain.StreamStatusStreaming,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create assistant message: %w", err)
	}

	handle := &TurnHandle{
		TurnID:             uuid.New().String(),
		SessionID:          req.SessionID,
		UserMessageID:      userMsg.ID,
		AssistantMessageID: assistant.ID,
		ClientMessageID:    clientID,
	}

	turnCtx := context.WithValue(context.Background(), log.CtxKeySessionID, req.SessionID)
	turnCtx = context.WithValue(turnCtx, log.CtxKeyTurnID, handle.TurnID)
	go c.runTurn(turnCtx, session, req, handle)

	return handle, nil
}

type turnState struct {
	handle    *TurnHandle
	messageID string
	clientID  string
	content   strings.Builder
	reasoning strings.Builder
	latexRec  domain.LatexTraceRecorder
	trace     domain.TraceRecorder
}

func (c *StreamController) runTurn(ctx context.Context, session *domain.ChatSession, req TurnRequest, handle *TurnHandle) {
	state := &turnState{
		handle:    handle,
		messageID: handle.AssistantMessageID,
		clientID:  handle.ClientMessageID,
		trace:     req.Trace,
	}

	prepared, err := c.builder.Prepare(ctx, PrepareInput{
		Session:           session,
		Payload:           req.Payload,
		Content:           req.Content,
		Images:            req.Images,
		Mode:              req.Mode,
		HistoryUpperBound: req.HistoryUpperBound,
		ExcludeMessageIDs: []string{handle.UserMessageID, handle.AssistantMessageID},
	})
	if err != nil {
		log.WithCtx(ctx).Error("request build failed", zap.Error(err))
		c.finalize(ctx, state, domain.StreamStatusError, err.Error())
		return
	}

	resp, err := c.requester.RequestWithBackoff(ctx, domain.Dispatch{
		Request: prepared.Request,
		Context: domain.DispatchContext{
			Route:     "chat",
			Provider:  session.Connection.Provider,
			SessionID: session.ID,
			TurnID:    handle.TurnID,
			Timeout:   prepared.ProviderTimeout,
		},
		OnCancelReady: func(cancel context.CancelFunc) { c.turns.put(handle.TurnID, cancel) },
		OnCancelClear: func() { c.turns.clear(handle.TurnID) },
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			c.finalize(ctx, state, domain.StreamStatusDone, "")
			return
		}
		log.WithCtx(ctx).Error("provider dispatch failed", zap.Error(err))
		c.finalize(ctx, state, domain.StreamStatusError, err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := fmt.Sprintf("provider returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		log.WithCtx(ctx).Error("provider rejected request",
			zap.Int("status", resp.StatusCode))
		c.finalize(ctx, state, domain.StreamStatusError, msg)
		return
	}

	if req.Mode == ModeCompletion {
		c.consumeCompletion(ctx, state, resp.Body)
		return
	}
	c.consumeStream(ctx, state, resp.Body)
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			Reasoning string `json:"reasoning"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// consumeStream applies progress checkpoints in the order chunks
// arrive; the service neither reorders nor coalesces.
func (c *StreamController) consumeStream(ctx context.Context, state *turnState, body io.Reader) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		// Some proxies emit "data:" without the space after the colon.
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(line[len("data:"):])
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			log.WithCtx(ctx).Warn("skipping malformed stream chunk", zap.Error(err))
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content == "" && delta.Reasoning == "" {
			continue
		}
		state.content.WriteString(delta.Content)
		state.reasoning.WriteString(delta.Reasoning)

		if err := c.checkpoint(ctx, state, domain.StreamStatusStreaming, ""); err != nil {
			c.finalize(ctx, state, domain.StreamStatusError, err.Error())
			return
		}
		c.auditLatex(state)
		c.publish(ctx, state, domain.TurnEvent{
			Type:      "delta",
			Content:   delta.Content,
			Reasoning: delta.Reasoning,
		})
	}

	if err := scanner.Err(); err != nil {
		// A stop action cancels the attempt context and surfaces here
		// as a read error; the last checkpoint stays durable. The
		// attempt timeout expiring mid-stream is a failure, not a stop.
		if errors.Is(err, context.Canceled) {
			c.finalize(ctx, state, domain.StreamStatusDone, "")
			return
		}
		if errors.Is(err, context.DeadlineExceeded) {
			log.WithCtx(ctx).Error("stream read timed out", zap.Error(err))
			c.finalize(ctx, state, domain.StreamStatusError, "provider stream timed out")
			return
		}
		log.WithCtx(ctx).Error("stream read failed", zap.Error(err))
		c.finalize(ctx, state, domain.StreamStatusError, err.Error())
		return
	}

	c.finalize(ctx, state, domain.StreamStatusDone, "")
}

func (c *StreamController) consumeCompletion(ctx context.Context, state *turnState, body io.Reader) {
	var completion struct {
		Choices []struct {
			Message struct {
				Content   string `json:"content"`
				Reasoning string `json:"reasoning"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(body).Decode(&completion); err != nil {
		c.finalize(ctx, state, domain.StreamStatusError, fmt.Sprintf("failed to decode completion: %v", err))
		return
	}
	if len(completion.Choices) == 0 {
		c.finalize(ctx, state, domain.StreamStatusError, "no choices returned from provider")
		return
	}

	state.content.WriteString(completion.Choices[0].Message.Content)
	state.reasoning.WriteString(completion.Choices[0].Message.Reasoning)
	c.auditLatex(state)
	c.finalize(ctx, state, domain.StreamStatusDone, "")
}

// checkpoint persists the accumulated output and follows identity
// recovery: when the row was re-homed by the client-id upsert, later
// checkpoints address the recovered row.
func (c *StreamController) checkpoint(ctx context.Context, state *turnState, status domain.StreamStatus, errorMessage string) error {
	res, err := c.progress.PersistProgress(ctx, ProgressUpdate{
		AssistantMessageID: state.messageID,
		SessionID:          state.handle.SessionID,
		Content:            state.content.String(),
		Reasoning:          state.reasoning.String(),
		Status:             status,
		ErrorMessage:       errorMessage,
		ClientMessageID:    state.clientID,
	})
	if err != nil {
		return err
	}
	if res.Recovered {
		state.messageID = res.MessageID
	}
	return nil
}

func (c *StreamController) auditLatex(state *turnState) {
	res := c.trace.HandleLatexTrace(LatexTraceInput{
		Recorder:                 state.trace,
		LatexRecorder:            state.latexRec,
		Content:                  state.content.String(),
		AssistantMessageID:       state.messageID,
		AssistantClientMessageID: state.clientID,
	})
	if res.LatexRecorder != nil {
		state.latexRec = res.LatexRecorder
	}
}

func (c *StreamController) finalize(ctx context.Context, state *turnState, status domain.StreamStatus, errorMessage string) {
	if err := c.checkpoint(ctx, state, status, errorMessage); err != nil {
		log.WithCtx(ctx).Error("failed to persist terminal turn state", zap.Error(err))
	}

	event := domain.TurnEvent{Type: "done"}
	if status == domain.StreamStatusError {
		event = domain.TurnEvent{Type: "error", Error: errorMessage}
	}
	c.publish(ctx, state, event)
}

func (c *StreamController) publish(ctx context.Context, state *turnState, event domain.TurnEvent) {
	if c.broker == nil {
		return
	}
	event.TurnID = state.handle.TurnID
	event.SessionID = state.handle.SessionID
	event.MessageID = state.messageID
	event.ClientMessageID = state.clientID
	event.Timestamp = time.Now().UTC()

	payload, err := json.Marshal(event)
	if err != nil {
		log.WithCtx(ctx).Warn("failed to marshal turn event", zap.Error(err))
		return
	}
	if err := c.broker.Publish(ctx, domain.TurnEventsTopic, state.handle.SessionID, payload); err != nil {
		log.WithCtx(ctx).Warn("failed to publish turn event", zap.Error(err))
	}
}
