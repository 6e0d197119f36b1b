package usecase

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/relaycore/relay/domain"
	"github.com/relaycore/relay/utils/log"
)

// Mode selects between a streamed response and a one-shot completion
// (non-streaming replay/regeneration).
type Mode string

const (
	ModeStream     Mode = "stream"
	ModeCompletion Mode = "completion"
)

// TurnFeatures are per-turn feature switches from the raw client
// request.
type TurnFeatures struct {
	WebSearch bool `json:"web_search"`
}

// TurnPayload is the raw client request for one turn. Pointer fields
// distinguish "explicitly set" from "fall through to session/system
// defaults".
type TurnPayload struct {
	ReasoningEnabled *bool        `json:"reasoningEnabled,omitempty"`
	ReasoningEffort  string       `json:"reasoningEffort,omitempty"`
	OllamaThink      *bool        `json:"ollamaThink,omitempty"`
	Features         TurnFeatures `json:"features"`
}

// ReasoningConfig is the resolved reasoning behavior for one turn.
type ReasoningConfig struct {
	Enabled     bool   `json:"enabled"`
	Effort      string `json:"effort,omitempty"`
	OllamaThink *bool  `json:"ollamaThink,omitempty"`
}

// PrepareInput bundles the arguments of one request build.
type PrepareInput struct {
	Session *domain.ChatSession
	Payload TurnPayload
	Content string
	Images  []domain.ImageAttachment
	Mode    Mode
	// HistoryUpperBound caps history retrieval for regenerate/branch
	// flows so the snapshot never includes messages created after the
	// reference point.
	HistoryUpperBound *time.Time
	// ExcludeMessageIDs drops individual rows from the snapshot. The
	// streaming controller passes the pending user and assistant rows
	// it persisted before the build, so the prompt reflects the
	// conversation prior to this turn and Content is appended exactly
	// once.
	ExcludeMessageIDs []string
}

// Prepared is the build output: a ready-to-send provider request plus
// the metadata the streaming controller needs.
type Prepared struct {
	PromptTokens    int
	Request         domain.ProviderRequest
	MessagesPayload []domain.WireMessage
	BaseBody        map[string]any
	Reasoning       ReasoningConfig
	ProviderTimeout time.Duration
}

// RequestBuilder orchestrates history retrieval, token budgeting and
// provider-specific request shaping. It is the entry point the other
// pipeline services serve.
type RequestBuilder struct {
	messages  domain.MessageStore
	settings  domain.SettingsStore
	images    domain.ImageStore
	tokenizer domain.Tokenizer
	limits    domain.LimitResolver
	keys      domain.KeyDecrypter
	headers   domain.HeaderBuilder
}

func NewRequestBuilder(
	messages domain.MessageStore,
	settings domain.SettingsStore,
	images domain.ImageStore,
	tokenizer domain.Tokenizer,
	limits domain.LimitResolver,
	keys domain.KeyDecrypter,
	headers domain.HeaderBuilder,
) *RequestBuilder {
	return &RequestBuilder{
		messages:  messages,
		settings:  settings,
		images:    images,
		tokenizer: tokenizer,
		limits:    limits,
		keys:      keys,
		headers:   headers,
	}
}

// Prepare produces a complete, provider-correct request for one turn.
// Failures in history/settings retrieval or shaping are fatal for the
// turn; the expired-image cleanup runs fire-and-forget and can never
// fail the request path.
func (b *RequestBuilder) Prepare(ctx context.Context, in PrepareInput) (*Prepared, error) {
	if in.Session == nil {
		return nil, fmt.Errorf("prepare requires a session")
	}
	session := in.Session
	conn := session.Connection

	history, err := b.messages.History(ctx, session.ID, in.HistoryUpperBound)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	history = excludeMessages(history, in.ExcludeMessageIDs)

	snap, err := loadSettingsSnapshot(ctx, b.settings)
	if err != nil {
		return nil, err
	}

	reasoning := resolveReasoning(in.Payload, session, snap)

	budget := domain.TokenBudget{
		ContextLimit:    b.limits.ContextLimit(session.Model),
		CompletionLimit: b.limits.CompletionLimit(session.Model),
	}

	candidate := append(history, domain.Message{
		Role:      domain.RoleUser,
		Content:   in.Content,
		CreatedAt: time.Now().UTC(),
	})
	truncated := b.tokenizer.TruncateMessages(candidate, budget)
	promptTokens := b.tokenizer.CountConversationTokens(truncated)

	wire := make([]domain.WireMessage, 0, len(truncated)+1)
	if in.Payload.Features.WebSearch {
		wire = append(wire, domain.WireMessage{
			Role:    string(domain.RoleSystem),
			Content: snap.WebSearchInstruction,
		})
	}
	for i, msg := range truncated {
		content := any(msg.Content)
		// The pending user turn is the last truncation survivor; it
		// carries the image attachments.
		if i == len(truncated)-1 && len(in.Images) > 0 {
			content = imageContentParts(msg.Content, in.Images)
		}
		wire = append(wire, domain.WireMessage{Role: string(msg.Role), Content: content})
	}

	apiKey, err := b.keys.DecryptAPIKey(conn.EncryptedAPIKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt api key: %w", err)
	}
	headers, err := b.headers.BuildHeaders(ctx, conn, apiKey)
	if err != nil {
		return nil, fmt.Errorf("failed to build headers: %w", err)
	}
	url, err := domain.ChatCompletionURL(conn, session.Model)
	if err != nil {
		return nil, err
	}

	base := map[string]any{
		"messages":   wire,
		"stream":     in.Mode == ModeStream,
		"max_tokens": budget.CompletionLimit,
	}
	// Azure addresses the model as a URL deployment; everyone else
	// takes it in the body.
	if conn.Provider != domain.ProviderAzureOpenAI {
		base["model"] = session.Model
	}
	if reasoning.Enabled && reasoning.Effort != "" {
		base["reasoning_effort"] = reasoning.Effort
	}
	if conn.Provider == domain.ProviderOllama && reasoning.OllamaThink != nil {
		base["think"] = *reasoning.OllamaThink
	}

	body, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	b.cleanupExpiredImagesAsync()

	return &Prepared{
		PromptTokens: promptTokens,
		Request: domain.ProviderRequest{
			URL:     url,
			Headers: headers,
			Body:    body,
		},
		MessagesPayload: wire,
		BaseBody:        base,
		Reasoning:       reasoning,
		ProviderTimeout: snap.ProviderTimeout,
	}, nil
}

func excludeMessages(history []domain.Message, ids []string) []domain.Message {
	if len(ids) == 0 {
		return history
	}
	skip := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		skip[id] = struct{}{}
	}
	out := make([]domain.Message, 0, len(history))
	for _, msg := range history {
		if _, ok := skip[msg.ID]; ok {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// resolveReasoning applies the precedence explicit payload override →
// per-session preference → system default.
func resolveReasoning(payload TurnPayload, session *domain.ChatSession, snap settingsSnapshot) ReasoningConfig {
	cfg := ReasoningConfig{
		Enabled: snap.ReasoningEnabledDefault,
		Effort:  snap.ReasoningEffortDefault,
	}
	if session.ReasoningEnabled != nil {
		cfg.Enabled = *session.ReasoningEnabled
	}
	if payload.ReasoningEnabled != nil {
		cfg.Enabled = *payload.ReasoningEnabled
	}
	if session.ReasoningEffort != "" {
		cfg.Effort = session.ReasoningEffort
	}
	if payload.ReasoningEffort != "" {
		cfg.Effort = payload.ReasoningEffort
	}

	think := snap.OllamaThinkDefault
	if session.OllamaThink != nil {
		think = *session.OllamaThink
	}
	if payload.OllamaThink != nil {
		think = *payload.OllamaThink
	}
	cfg.OllamaThink = &think
	return cfg
}

func imageContentParts(text string, images []domain.ImageAttachment) []map[string]any {
	parts := []map[string]any{{"type": "text", "text": text}}
	for _, img := range images {
		parts = append(parts, map[string]any{
			"type": "image_url",
			"image_url": map[string]any{
				"url": "data:" + img.MediaType + ";base64," + base64.StdEncoding.EncodeToString(img.Data),
			},
		})
	}
	return parts
}

func (b *RequestBuilder) cleanupExpiredImagesAsync() {
	if b.images == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.With(zap.Any("panic", r)).Warn("chat image cleanup panicked")
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := b.images.CleanupExpiredChatImages(ctx); err != nil {
			log.With(zap.Error(err)).Warn("chat image cleanup failed")
		}
	}()
}
