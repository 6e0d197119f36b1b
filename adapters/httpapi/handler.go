package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/relaycore/relay/adapters/trace"
	"github.com/relaycore/relay/domain"
	"github.com/relaycore/relay/usecase"
	"github.com/relaycore/relay/utils/log"
)

const JWTExpiry = 24 * time.Hour

type Handler struct {
	controller *usecase.StreamController
	sessions   domain.SessionStore
	keys       domain.KeyEncrypter
	sink       domain.TrafficSink
	jwtSecret  []byte
	apiKey     string
	apiSecret  string
}

type JWTClaims struct {
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

func NewHandler(
	controller *usecase.StreamController,
	sessions domain.SessionStore,
	keys domain.KeyEncrypter,
	sink domain.TrafficSink,
	jwtSecret []byte,
	apiKey, apiSecret string,
) *Handler {
	return &Handler{
		controller: controller,
		sessions:   sessions,
		keys:       keys,
		sink:       sink,
		jwtSecret:  jwtSecret,
		apiKey:     apiKey,
		apiSecret:  apiSecret,
	}
}

// Register wires the handler's routes onto the echo instance.
func (h *Handler) Register(e *echo.Echo) {
	api := e.Group("/api/v1")

	api.GET("/health", h.HealthCheck)
	api.POST("/auth/token", h.GenerateJWT)

	chat := api.Group("/chat")
	chat.Use(h.JWTMiddleware)
	chat.POST("/connections", h.CreateConnection)
	chat.POST("/sessions", h.CreateSession)
	chat.POST("/sessions/:id/turns", h.StartTurn)
	chat.POST("/turns/:id/stop", h.StopTurn)
}

// HealthCheck reports liveness plus the number of in-flight turns.
func (h *Handler) HealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":       "ok",
		"active_turns": h.controller.Turns().Active(),
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}

// GenerateJWT creates a JWT token for authenticated clients
func (h *Handler) GenerateJWT(c echo.Context) error {
	key := c.Request().Header.Get("X-API-Key")
	secret := c.Request().Header.Get("X-API-Secret")

	if key != h.apiKey || secret != h.apiSecret {
		return echo.NewHTTPError(http.StatusUnauthorized, "Invalid credentials")
	}

	claims := &JWTClaims{
		ClientID: uuid.NewString(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(JWTExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "relay",
			Subject:   "chat-relay",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(h.jwtSecret)
	if err != nil {
		log.WithCtx(c.Request().Context()).Error("Error signing JWT", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to generate token")
	}

	return c.JSON(http.StatusOK, map[string]string{
		"token": tokenString,
		"type":  "Bearer",
	})
}

// JWTMiddleware authenticates bearer tokens minted by GenerateJWT.
func (h *Handler) JWTMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get("Authorization")
		if authHeader == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "Missing authorization header")
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid authorization format")
		}

		token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return h.jwtSecret, nil
		})
		if err != nil {
			log.WithCtx(c.Request().Context()).Warn("JWT validation error", zap.Error(err))
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid token")
		}

		if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
			c.Set("client_id", claims.ClientID)
			return next(c)
		}

		return echo.NewHTTPError(http.StatusUnauthorized, "Invalid token claims")
	}
}

type connectionRequest struct {
	Provider        string            `json:"provider"`
	BaseURL         string            `json:"base_url"`
	AuthType        string            `json:"auth_type,omitempty"`
	APIKey          string            `json:"api_key,omitempty"`
	CustomHeaders   map[string]string `json:"custom_headers,omitempty"`
	AzureAPIVersion string            `json:"azure_api_version,omitempty"`
}

// CreateConnection stores a provider connection. The API key is
// encrypted before it reaches disk; the plaintext is never persisted.
func (h *Handler) CreateConnection(c echo.Context) error {
	var req connectionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if req.BaseURL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "base_url is required")
	}

	encrypted, err := h.keys.EncryptAPIKey(req.APIKey)
	if err != nil {
		log.WithCtx(c.Request().Context()).Error("Failed to encrypt API key", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to store connection")
	}

	conn := domain.Connection{
		ID:              uuid.NewString(),
		Provider:        domain.ProviderKind(req.Provider),
		BaseURL:         req.BaseURL,
		AuthType:        domain.AuthType(req.AuthType),
		EncryptedAPIKey: encrypted,
		CustomHeaders:   req.CustomHeaders,
		AzureAPIVersion: req.AzureAPIVersion,
	}
	if err := h.sessions.SaveConnection(c.Request().Context(), conn); err != nil {
		log.WithCtx(c.Request().Context()).Error("Failed to save connection", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to store connection")
	}

	return c.JSON(http.StatusCreated, map[string]string{"connection_id": conn.ID})
}

type sessionRequest struct {
	ConnectionID     string `json:"connection_id"`
	Model            string `json:"model"`
	ReasoningEnabled *bool  `json:"reasoning_enabled,omitempty"`
	ReasoningEffort  string `json:"reasoning_effort,omitempty"`
	OllamaThink      *bool  `json:"ollama_think,omitempty"`
}

// CreateSession binds a chat session to a connection and model.
func (h *Handler) CreateSession(c echo.Context) error {
	var req sessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if req.ConnectionID == "" || req.Model == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "connection_id and model are required")
	}

	session := domain.ChatSession{
		ID:               uuid.NewString(),
		Connection:       domain.Connection{ID: req.ConnectionID},
		Model:            req.Model,
		ReasoningEnabled: req.ReasoningEnabled,
		ReasoningEffort:  req.ReasoningEffort,
		OllamaThink:      req.OllamaThink,
	}
	if err := h.sessions.SaveSession(c.Request().Context(), session); err != nil {
		log.WithCtx(c.Request().Context()).Error("Failed to save session", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to create session")
	}

	return c.JSON(http.StatusCreated, map[string]string{"session_id": session.ID})
}

type turnRequest struct {
	Content           string              `json:"content"`
	ClientMessageID   string              `json:"client_message_id,omitempty"`
	Mode              string              `json:"mode,omitempty"`
	HistoryUpperBound *time.Time          `json:"history_upper_bound,omitempty"`
	Payload           usecase.TurnPayload `json:"payload"`
	Images            []turnImage         `json:"images,omitempty"`
	TraceID           string              `json:"trace_id,omitempty"`
	TraceEnabled      bool                `json:"trace_enabled,omitempty"`
}

type turnImage struct {
	MediaType string `json:"media_type"`
	Data      []byte `json:"data"`
}

// StartTurn accepts a user turn and kicks off the streaming pipeline.
// The response is the turn handle; progress arrives over the websocket.
func (h *Handler) StartTurn(c echo.Context) error {
	sessionID := c.Param("id")

	var req turnRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}

	mode := usecase.ModeStream
	if req.Mode == string(usecase.ModeCompletion) {
		mode = usecase.ModeCompletion
	}

	images := make([]domain.ImageAttachment, 0, len(req.Images))
	for _, img := range req.Images {
		images = append(images, domain.ImageAttachment{
			ID:        uuid.NewString(),
			MediaType: img.MediaType,
			Data:      img.Data,
		})
	}

	h.auditClient(c, domain.TrafficClientRequest, sessionID, map[string]any{
		"content_length":    len(req.Content),
		"client_message_id": req.ClientMessageID,
		"mode":              string(mode),
		"images":            len(req.Images),
	})

	handle, err := h.controller.StartTurn(c.Request().Context(), usecase.TurnRequest{
		SessionID:         sessionID,
		Content:           req.Content,
		ClientMessageID:   req.ClientMessageID,
		Payload:           req.Payload,
		Images:            images,
		Mode:              mode,
		HistoryUpperBound: req.HistoryUpperBound,
		Trace:             h.traceRecorder(req.TraceID, req.TraceEnabled),
	})
	if err != nil {
		log.WithCtx(c.Request().Context()).Error("Failed to start turn", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to start turn")
	}

	h.auditClient(c, domain.TrafficClientResponse, sessionID, handle)

	return c.JSON(http.StatusAccepted, handle)
}

// StopTurn cancels an in-flight turn. Progress persisted so far stays
// durable; the terminal status is written once cancellation settles.
func (h *Handler) StopTurn(c echo.Context) error {
	turnID := c.Param("id")
	stopped := h.controller.Turns().Stop(turnID)
	if !stopped {
		return c.JSON(http.StatusNotFound, map[string]any{"stopped": false})
	}
	return c.JSON(http.StatusOK, map[string]any{"stopped": true})
}

func (h *Handler) traceRecorder(traceID string, enabled bool) domain.TraceRecorder {
	if traceID == "" {
		return nil
	}
	return trace.NewRecorder(traceID, enabled)
}

func (h *Handler) auditClient(c echo.Context, category domain.TrafficCategory, sessionID string, payload any) {
	entry := domain.TrafficEntry{
		Category:  category,
		Route:     c.Path(),
		Direction: "inbound",
		Context:   map[string]any{"session_id": sessionID},
		Payload:   payload,
	}
	if category == domain.TrafficClientResponse {
		entry.Direction = "outbound"
	}
	if err := h.sink.LogTraffic(c.Request().Context(), entry); err != nil {
		log.WithCtx(c.Request().Context()).Warn("Traffic audit failed", zap.Error(err))
	}
}
