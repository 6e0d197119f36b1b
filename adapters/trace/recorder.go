package trace

import (
	"sync"

	"go.uber.org/zap"

	"github.com/relaycore/relay/domain"
	"github.com/relaycore/relay/utils/log"
)

// Recorder is the zap-backed diagnostic trace for one turn. It groups
// log events under a trace id and carries the message identity once
// the persistence layer has settled it.
type Recorder struct {
	traceID string
	enabled bool

	mu              sync.Mutex
	messageID       string
	clientMessageID string
}

// NewRecorder returns a recorder for the given trace id. A recorder
// without a trace id, or with enabled=false, makes downstream trace
// handling a no-op.
func NewRecorder(traceID string, enabled bool) *Recorder {
	return &Recorder{traceID: traceID, enabled: enabled}
}

func (r *Recorder) TraceID() string { return r.traceID }

func (r *Recorder) Enabled() bool { return r.enabled && r.traceID != "" }

// SetMessageContext implements domain.TraceRecorder.
func (r *Recorder) SetMessageContext(messageID, clientMessageID string) {
	r.mu.Lock()
	r.messageID = messageID
	r.clientMessageID = clientMessageID
	r.mu.Unlock()
}

// MessageContext returns the bound identity for log export joins.
func (r *Recorder) MessageContext() (messageID, clientMessageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messageID, r.clientMessageID
}

// NewLatexRecorder implements domain.TraceRecorder.
func (r *Recorder) NewLatexRecorder() domain.LatexTraceRecorder {
	return &LatexRecorder{traceID: r.traceID}
}

// LatexRecorder accumulates LaTeX audit results for one turn.
type LatexRecorder struct {
	traceID string

	mu              sync.Mutex
	messageID       string
	clientMessageID string
	totals          domain.LatexAuditSummary
	audits          int
}

// SetMessageContext implements domain.LatexTraceRecorder.
func (r *LatexRecorder) SetMessageContext(messageID, clientMessageID string) {
	r.mu.Lock()
	r.messageID = messageID
	r.clientMessageID = clientMessageID
	r.mu.Unlock()
}

// RecordAudit implements domain.LatexTraceRecorder.
func (r *LatexRecorder) RecordAudit(summary domain.LatexAuditSummary, segments []domain.LatexSegment) {
	r.mu.Lock()
	r.totals.Matched += summary.Matched
	r.totals.Unmatched += summary.Unmatched
	r.audits++
	messageID := r.messageID
	clientMessageID := r.clientMessageID
	r.mu.Unlock()

	fields := []zap.Field{
		zap.String("trace_id", r.traceID),
		zap.String("message_id", messageID),
		zap.String("client_message_id", clientMessageID),
		zap.Int("matched", summary.Matched),
		zap.Int("unmatched", summary.Unmatched),
	}
	if summary.Unmatched > 0 {
		fields = append(fields, zap.Any("segments", segments))
	}
	log.With(fields...).Debug("latex audit")
}

// Totals returns the accumulated counts across all audits of the turn.
func (r *LatexRecorder) Totals() (summary domain.LatexAuditSummary, audits int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totals, r.audits
}
