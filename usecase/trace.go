package usecase

import "github.com/relaycore/relay/domain"

// LatexTraceInput carries one audit request. Recorder may be nil or
// disabled; LatexRecorder is nil on the first audit of a turn and
// reused afterwards.
type LatexTraceInput struct {
	Recorder                 domain.TraceRecorder
	LatexRecorder            domain.LatexTraceRecorder
	Content                  string
	AssistantMessageID       string
	AssistantClientMessageID string
}

// LatexTraceResult is nil-summary for inactive turns; active turns get
// the audit counts and the recorder to reuse on the next call.
type LatexTraceResult struct {
	Summary       *domain.LatexAuditSummary
	LatexRecorder domain.LatexTraceRecorder
}

// TraceService correlates streamed content with an optional diagnostic
// trace and audits embedded math markup. Tracing imposes zero cost on
// the common path: a disabled or id-less trace performs no analysis
// and no I/O.
type TraceService struct{}

func NewTraceService() *TraceService { return &TraceService{} }

// HandleLatexTrace audits accumulated content against the trace
// context and binds the resolved message identity onto both recorders,
// even when analysis began before persistence settled the final id.
func (s *TraceService) HandleLatexTrace(in LatexTraceInput) LatexTraceResult {
	if in.Recorder == nil || !in.Recorder.Enabled() || in.Recorder.TraceID() == "" {
		return LatexTraceResult{}
	}

	summary, segments := domain.AnalyzeLatex(in.Content)

	latexRec := in.LatexRecorder
	if latexRec == nil {
		latexRec = in.Recorder.NewLatexRecorder()
	}

	in.Recorder.SetMessageContext(in.AssistantMessageID, in.AssistantClientMessageID)
	latexRec.SetMessageContext(in.AssistantMessageID, in.AssistantClientMessageID)
	latexRec.RecordAudit(summary, segments)

	return LatexTraceResult{
		Summary:       &summary,
		LatexRecorder: latexRec,
	}
}
