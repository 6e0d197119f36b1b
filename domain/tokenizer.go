package domain

// TokenBudget bounds how much history a request may carry. The input
// budget is ContextLimit minus CompletionLimit.
type TokenBudget struct {
	ContextLimit    int
	CompletionLimit int
}

// Input returns the token budget available for prompt messages.
func (b TokenBudget) Input() int {
	in := b.ContextLimit - b.CompletionLimit
	if in < 0 {
		return 0
	}
	return in
}

// Tokenizer is the opaque budgeting collaborator. The relay never
// depends on the counting algorithm, only on these two operations.
type Tokenizer interface {
	// TruncateMessages selects the subset of history that fits the
	// budget. System messages and the pending user turn survive
	// truncation; remaining capacity keeps the newest history first.
	TruncateMessages(history []Message, budget TokenBudget) []Message

	// CountConversationTokens computes the prompt token count for a
	// message set.
	CountConversationTokens(history []Message) int
}

// LimitResolver maps a model identifier to its context window and
// completion token limits.
type LimitResolver interface {
	ContextLimit(model string) int
	CompletionLimit(model string) int
}
