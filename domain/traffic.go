package domain

import (
	"context"
	"net/http"
)

// TrafficCategory classifies an audit entry.
type TrafficCategory string

const (
	TrafficClientRequest    TrafficCategory = "client-request"
	TrafficClientResponse   TrafficCategory = "client-response"
	TrafficUpstreamRequest  TrafficCategory = "upstream-request"
	TrafficUpstreamResponse TrafficCategory = "upstream-response"
	TrafficUpstreamError    TrafficCategory = "upstream-error"
)

// TrafficEntry is one audited exchange. Payload is marshaled as-is
// into the newline-delimited JSON log.
type TrafficEntry struct {
	Category  TrafficCategory `json:"category"`
	Route     string          `json:"route"`
	Direction string          `json:"direction"`
	Context   map[string]any  `json:"context,omitempty"`
	Payload   any             `json:"payload,omitempty"`
}

// TrafficSink records traffic entries. It must never fail into the
// dispatch path; callers log a returned error and move on.
type TrafficSink interface {
	LogTraffic(ctx context.Context, entry TrafficEntry) error
}

// Sensitive header names replaced by a fingerprint before auditing.
var sensitiveHeaders = map[string]bool{
	"Authorization": true,
	"Api-Key":       true,
	"X-Api-Key":     true,
}

// RedactHeaders flattens a header set for auditing, replacing key
// material with a short hash fingerprint so log lines can still be
// correlated to a credential without disclosing it.
func RedactHeaders(h http.Header, hasher Hasher) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) == 0 {
			continue
		}
		value := values[0]
		if sensitiveHeaders[http.CanonicalHeaderKey(name)] {
			fp := hasher.Hash([]byte(value))
			if len(fp) > 16 {
				fp = fp[:16]
			}
			value = "sha256:" + fp
		}
		out[name] = value
	}
	return out
}
