package domain

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ProviderKind identifies the wire style of an upstream LLM API.
type ProviderKind string

const (
	ProviderOpenAI      ProviderKind = "openai"
	ProviderAzureOpenAI ProviderKind = "azure_openai"
	ProviderOllama      ProviderKind = "ollama"
	ProviderCustom      ProviderKind = "custom"
)

// AuthType selects how the decrypted API key is attached to a request.
type AuthType string

const (
	AuthBearer AuthType = "bearer"
	AuthAPIKey AuthType = "api_key"
	AuthNone   AuthType = "none"
)

// Connection is the upstream provider configuration. It is immutable
// for the duration of one request build.
type Connection struct {
	ID              string
	Provider        ProviderKind
	BaseURL         string
	AuthType        AuthType
	EncryptedAPIKey []byte
	CustomHeaders   map[string]string
	AzureAPIVersion string
}

// WireMessage is a message in the OpenAI chat-completions wire format.
// Content is any because vision turns carry a part list instead of a
// plain string.
type WireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ProviderRequest is the ephemeral, ready-to-send request for one turn.
// Headers include decrypted key material, so it is never persisted.
type ProviderRequest struct {
	URL     string
	Headers http.Header
	Body    []byte
}

// ChatCompletionURL maps a connection to the provider-correct endpoint.
// OpenAI-compatible providers post to <base>/chat/completions; Azure
// OpenAI addresses the model as a deployment and carries the API
// version in the query string.
func ChatCompletionURL(conn Connection, model string) (string, error) {
	base := strings.TrimRight(conn.BaseURL, "/")
	if base == "" {
		return "", fmt.Errorf("connection %s has no base URL", conn.ID)
	}
	switch conn.Provider {
	case ProviderAzureOpenAI:
		if conn.AzureAPIVersion == "" {
			return "", fmt.Errorf("azure connection %s has no api version", conn.ID)
		}
		return fmt.Sprintf("%s/openai/deployments/%s?api-version=%s",
			base, url.PathEscape(model), url.QueryEscape(conn.AzureAPIVersion)), nil
	default:
		return base + "/chat/completions", nil
	}
}

// KeyDecrypter recovers the plaintext API key of a connection.
type KeyDecrypter interface {
	DecryptAPIKey(ciphertext []byte) (string, error)
}

// KeyEncrypter seals an API key for at-rest storage.
type KeyEncrypter interface {
	EncryptAPIKey(plaintext string) ([]byte, error)
}

// HeaderBuilder assembles the outbound header set for a connection,
// including the decrypted key material.
type HeaderBuilder interface {
	BuildHeaders(ctx context.Context, conn Connection, apiKey string) (http.Header, error)
}

// DispatchContext carries the correlation data logged with every
// provider attempt plus the per-call timeout.
type DispatchContext struct {
	Route     string
	Provider  ProviderKind
	SessionID string
	TurnID    string
	Timeout   time.Duration
}

// Dispatch is one resilient provider call. OnCancelReady surfaces the
// per-attempt cancellation handle so an outer stop action can abort the
// in-flight call; OnCancelClear fires exactly once per attempt when
// that attempt concludes.
type Dispatch struct {
	Request       ProviderRequest
	Context       DispatchContext
	OnCancelReady func(cancel context.CancelFunc)
	OnCancelClear func()
}

// ProviderRequester executes a Dispatch against the network. The
// response is returned raw for the caller to interpret; only HTTP 429
// is retried.
type ProviderRequester interface {
	RequestWithBackoff(ctx context.Context, d Dispatch) (*http.Response, error)
}
