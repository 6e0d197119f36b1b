package domain

// TraceRecorder is the per-turn diagnostic correlation handle. A nil
// or disabled recorder makes every trace operation a no-op.
type TraceRecorder interface {
	TraceID() string
	Enabled() bool

	// SetMessageContext binds the durable message identity to the
	// trace once it is known, so exported records can be joined back
	// to a concrete message.
	SetMessageContext(messageID, clientMessageID string)

	// NewLatexRecorder materializes the LaTeX sub-recorder for this
	// trace. Called once per turn; the result is reused across
	// successive audits.
	NewLatexRecorder() LatexTraceRecorder
}

// LatexTraceRecorder receives LaTeX audit results for one turn.
type LatexTraceRecorder interface {
	SetMessageContext(messageID, clientMessageID string)
	RecordAudit(summary LatexAuditSummary, segments []LatexSegment)
}

// LatexAuditSummary counts analyzed math segments.
type LatexAuditSummary struct {
	Matched   int `json:"matched"`
	Unmatched int `json:"unmatched"`
}

// LatexSegment is the per-segment audit detail.
type LatexSegment struct {
	Matched bool   `json:"matched"`
	Reason  string `json:"reason"`
	Preview string `json:"preview"`
}
