package tokenizer

import "strings"

// ModelLimits resolves per-model context windows and completion
// ceilings from a static table plus optional config overrides.
type ModelLimits struct {
	contextOverrides    map[string]int
	completionOverrides map[string]int
}

func NewModelLimits(contextOverrides, completionOverrides map[string]int) *ModelLimits {
	return &ModelLimits{
		contextOverrides:    contextOverrides,
		completionOverrides: completionOverrides,
	}
}

const (
	defaultContextLimit    = 8192
	defaultCompletionLimit = 2048
)

var contextLimits = map[string]int{
	"gpt-4o":        128000,
	"gpt-4o-mini":   128000,
	"gpt-4-turbo":   128000,
	"gpt-4":         8192,
	"gpt-3.5-turbo": 16385,
	"o1":            200000,
	"o3-mini":       200000,
	"llama3.1":      131072,
	"qwen2.5":       32768,
}

var completionLimits = map[string]int{
	"gpt-4o":      16384,
	"gpt-4o-mini": 16384,
	"gpt-4-turbo": 4096,
	"o1":          100000,
	"o3-mini":     100000,
}

// ContextLimit implements domain.LimitResolver.
func (m *ModelLimits) ContextLimit(model string) int {
	if v, ok := m.contextOverrides[model]; ok {
		return v
	}
	if v, ok := lookupByPrefix(contextLimits, model); ok {
		return v
	}
	return defaultContextLimit
}

// CompletionLimit implements domain.LimitResolver.
func (m *ModelLimits) CompletionLimit(model string) int {
	if v, ok := m.completionOverrides[model]; ok {
		return v
	}
	if v, ok := lookupByPrefix(completionLimits, model); ok {
		return v
	}
	return defaultCompletionLimit
}

// lookupByPrefix matches versioned model names (gpt-4o-2024-08-06)
// against their family entry, preferring the longest prefix.
func lookupByPrefix(table map[string]int, model string) (int, bool) {
	if v, ok := table[model]; ok {
		return v, true
	}
	best := ""
	for name := range table {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return 0, false
	}
	return table[best], true
}
