package provider

import (
	"context"
	"fmt"
	"net/http"

	"github.com/relaycore/relay/domain"
)

// HeaderBuilder assembles outbound headers for a connection. Azure
// expects the key in "api-key"; OpenAI-compatible providers take a
// bearer token. Connection custom headers are applied last and may
// override the defaults.
type HeaderBuilder struct{}

func NewHeaderBuilder() HeaderBuilder { return HeaderBuilder{} }

// BuildHeaders implements domain.HeaderBuilder.
func (HeaderBuilder) BuildHeaders(_ context.Context, conn domain.Connection, apiKey string) (http.Header, error) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")

	authType := conn.AuthType
	if authType == "" {
		if conn.Provider == domain.ProviderAzureOpenAI {
			authType = domain.AuthAPIKey
		} else {
			authType = domain.AuthBearer
		}
	}

	switch authType {
	case domain.AuthBearer:
		if apiKey != "" {
			h.Set("Authorization", "Bearer "+apiKey)
		}
	case domain.AuthAPIKey:
		if apiKey != "" {
			h.Set("api-key", apiKey)
		}
	case domain.AuthNone:
	default:
		return nil, fmt.Errorf("unknown auth type %q", authType)
	}

	for name, value := range conn.CustomHeaders {
		h.Set(name, value)
	}
	return h, nil
}
