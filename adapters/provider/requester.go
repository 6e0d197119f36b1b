package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/relaycore/relay/domain"
	"github.com/relaycore/relay/utils/log"
)

const defaultAttemptTimeout = 120 * time.Second

// Requester executes provider requests with bounded resilience: one
// cancellation handle per attempt, full traffic auditing, and a
// backoff-and-retry loop that covers HTTP 429 only. Every other status
// is returned raw for the caller to interpret; network-level errors
// propagate immediately without retry.
type Requester struct {
	client      *http.Client
	sink        domain.TrafficSink
	hasher      domain.Hasher
	limiter     *rate.Limiter
	maxAttempts int
	backoff     time.Duration
}

// NewRequester builds a requester. The client must not carry its own
// timeout; attempts are bounded by the dispatch context timeout. A nil
// limiter disables client-side pacing.
func NewRequester(client *http.Client, sink domain.TrafficSink, hasher domain.Hasher, limiter *rate.Limiter, maxAttempts int, backoff time.Duration) *Requester {
	if client == nil {
		client = &http.Client{}
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Requester{
		client:      client,
		sink:        sink,
		hasher:      hasher,
		limiter:     limiter,
		maxAttempts: maxAttempts,
		backoff:     backoff,
	}
}

// RequestWithBackoff implements domain.ProviderRequester.
func (r *Requester) RequestWithBackoff(ctx context.Context, d domain.Dispatch) (*http.Response, error) {
	for attempt := 1; ; attempt++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		resp, err := r.attempt(ctx, d, attempt)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusTooManyRequests || attempt >= r.maxAttempts {
			return resp, nil
		}

		// Closing the superseded attempt fires its cancel clear.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		log.WithCtx(ctx).Warn("provider rate limited, retrying after backoff",
			zap.String("route", d.Context.Route),
			zap.String("provider", string(d.Context.Provider)),
			zap.String("session_id", d.Context.SessionID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", r.backoff))

		select {
		case <-time.After(r.backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// attempt issues one HTTP call. The attempt's cancellation handle is
// surfaced through OnCancelReady before dispatch; the attempt counts
// as concluded, and OnCancelClear fires, on a network error or when
// the returned response body is closed.
func (r *Requester) attempt(ctx context.Context, d domain.Dispatch, attempt int) (*http.Response, error) {
	timeout := d.Context.Timeout
	if timeout <= 0 {
		timeout = defaultAttemptTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)

	var clearOnce sync.Once
	clear := func() {
		clearOnce.Do(func() {
			if d.OnCancelClear != nil {
				d.OnCancelClear()
			}
		})
	}

	if d.OnCancelReady != nil {
		d.OnCancelReady(cancel)
	}

	auditCtx := r.auditContext(d, attempt, timeout)
	r.audit(ctx, domain.TrafficEntry{
		Category:  domain.TrafficUpstreamRequest,
		Route:     d.Context.Route,
		Direction: "outbound",
		Context:   auditCtx,
		Payload: map[string]any{
			"url":     d.Request.URL,
			"headers": domain.RedactHeaders(d.Request.Headers, r.hasher),
			"body":    json.RawMessage(d.Request.Body),
		},
	})

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, d.Request.URL, bytes.NewReader(d.Request.Body))
	if err != nil {
		cancel()
		clear()
		return nil, fmt.Errorf("failed to build provider request: %w", err)
	}
	if d.Request.Headers != nil {
		req.Header = d.Request.Headers.Clone()
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.audit(ctx, domain.TrafficEntry{
			Category:  domain.TrafficUpstreamError,
			Route:     d.Context.Route,
			Direction: "inbound",
			Context:   auditCtx,
			Payload:   map[string]any{"error": err.Error()},
		})
		cancel()
		clear()
		return nil, fmt.Errorf("provider request failed: %w", err)
	}

	r.audit(ctx, domain.TrafficEntry{
		Category:  domain.TrafficUpstreamResponse,
		Route:     d.Context.Route,
		Direction: "inbound",
		Context:   auditCtx,
		Payload: map[string]any{
			"status":  resp.StatusCode,
			"headers": domain.RedactHeaders(resp.Header, r.hasher),
		},
	})

	resp.Body = &attemptBody{ReadCloser: resp.Body, cancel: cancel, clear: clear}
	return resp, nil
}

func (r *Requester) auditContext(d domain.Dispatch, attempt int, timeout time.Duration) map[string]any {
	return map[string]any{
		"provider":   string(d.Context.Provider),
		"session_id": d.Context.SessionID,
		"turn_id":    d.Context.TurnID,
		"attempt":    attempt,
		"timeout_ms": timeout.Milliseconds(),
	}
}

// audit writes to the traffic sink; sink failures are logged and
// swallowed so auditing can never break dispatch.
func (r *Requester) audit(ctx context.Context, entry domain.TrafficEntry) {
	if r.sink == nil {
		return
	}
	if err := r.sink.LogTraffic(ctx, entry); err != nil {
		log.WithCtx(ctx).Warn("traffic sink write failed",
			zap.String("category", string(entry.Category)), zap.Error(err))
	}
}

// attemptBody ties the attempt's cancellation lifecycle to the
// response body: closing it releases the timeout context and fires the
// cancel clear exactly once.
type attemptBody struct {
	io.ReadCloser
	cancel context.CancelFunc
	clear  func()
	once   sync.Once
}

func (b *attemptBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(func() {
		b.cancel()
		b.clear()
	})
	return err
}
