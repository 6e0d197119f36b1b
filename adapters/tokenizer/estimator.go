package tokenizer

import (
	"strings"

	"github.com/relaycore/relay/domain"
)

// Estimator is the default budgeting collaborator: a word-count
// approximation of token usage. Words * 1.3 covers common code/English
// token density closely enough for history truncation; exact counting
// belongs to the upstream provider.
type Estimator struct{}

func New() Estimator { return Estimator{} }

// Per-message wire overhead (role framing, separators).
const messageOverhead = 4

func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	words := len(strings.Fields(text))
	return words + words/3
}

// CountConversationTokens implements domain.Tokenizer.
func (Estimator) CountConversationTokens(history []domain.Message) int {
	total := 0
	for _, msg := range history {
		total += estimateTokens(msg.Content) + messageOverhead
	}
	return total
}

// TruncateMessages implements domain.Tokenizer. System messages and
// the final message (the pending user turn) always survive; remaining
// budget keeps the newest history first, returned in chronological
// order.
func (e Estimator) TruncateMessages(history []domain.Message, budget domain.TokenBudget) []domain.Message {
	if len(history) == 0 {
		return history
	}

	input := budget.Input()
	keep := make([]bool, len(history))
	used := 0

	for i, msg := range history {
		if msg.Role == domain.RoleSystem || i == len(history)-1 {
			keep[i] = true
			used += estimateTokens(msg.Content) + messageOverhead
		}
	}

	for i := len(history) - 1; i >= 0; i-- {
		if keep[i] {
			continue
		}
		cost := estimateTokens(history[i].Content) + messageOverhead
		if used+cost > input {
			continue
		}
		keep[i] = true
		used += cost
	}

	out := make([]domain.Message, 0, len(history))
	for i, msg := range history {
		if keep[i] {
			out = append(out, msg)
		}
	}
	return out
}
