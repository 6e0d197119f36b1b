package usecase

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/relaycore/relay/domain"
)

// Settings keys consulted while building a request. Values are stored
// as flat key/value rows; booleans are encoded as "true"/"false".
const (
	SettingProviderTimeoutMs    = "provider_timeout_ms"
	SettingReasoningEnabled     = "reasoning_enabled"
	SettingReasoningEffort      = "reasoning_effort"
	SettingOllamaThink          = "ollama_think"
	SettingWebSearchInstruction = "web_search_instruction"
)

const defaultWebSearchInstruction = "Web search is enabled for this turn. Ground the answer in the attached search results and cite sources."

// SettingKeys lists every settings row the pipeline consults.
func SettingKeys() []string {
	return []string{
		SettingProviderTimeoutMs,
		SettingReasoningEnabled,
		SettingReasoningEffort,
		SettingOllamaThink,
		SettingWebSearchInstruction,
	}
}

// DefaultSettings returns the system defaults in storage encoding,
// used to seed rows that do not exist yet.
func DefaultSettings() map[string]string {
	return map[string]string{
		SettingProviderTimeoutMs:    "120000",
		SettingReasoningEnabled:     "false",
		SettingReasoningEffort:      "",
		SettingOllamaThink:          "false",
		SettingWebSearchInstruction: defaultWebSearchInstruction,
	}
}

// settingsSnapshot is the typed view of the settings rows, assembled
// once per request so the pipeline never touches the storage encoding.
type settingsSnapshot struct {
	ProviderTimeout         time.Duration
	ReasoningEnabledDefault bool
	ReasoningEffortDefault  string
	OllamaThinkDefault      bool
	WebSearchInstruction    string
}

func loadSettingsSnapshot(ctx context.Context, store domain.SettingsStore) (settingsSnapshot, error) {
	rows, err := store.Settings(ctx, []string{
		SettingProviderTimeoutMs,
		SettingReasoningEnabled,
		SettingReasoningEffort,
		SettingOllamaThink,
		SettingWebSearchInstruction,
	})
	if err != nil {
		return settingsSnapshot{}, fmt.Errorf("failed to load settings: %w", err)
	}

	snap := settingsSnapshot{
		ProviderTimeout:      120 * time.Second,
		WebSearchInstruction: defaultWebSearchInstruction,
	}
	if v, ok := rows[SettingProviderTimeoutMs]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			snap.ProviderTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v, ok := rows[SettingReasoningEnabled]; ok {
		snap.ReasoningEnabledDefault = v == "true"
	}
	if v, ok := rows[SettingReasoningEffort]; ok {
		snap.ReasoningEffortDefault = v
	}
	if v, ok := rows[SettingOllamaThink]; ok {
		snap.OllamaThinkDefault = v == "true"
	}
	if v, ok := rows[SettingWebSearchInstruction]; ok && v != "" {
		snap.WebSearchInstruction = v
	}
	return snap, nil
}
