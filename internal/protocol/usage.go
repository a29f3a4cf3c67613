package protocol

// TokenUsage holds the token accounting for a single sampling request.
type TokenUsage struct {
	Input            int64 `json:"input"`
	CachedInput      int64 `json:"cached_input"`
	Output           int64 `json:"output"`
	ReasoningOutput  int64 `json:"reasoning_output"`
	Total            int64 `json:"total"`
}

// Add folds another usage sample into a running total.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		Input:           u.Input + o.Input,
		CachedInput:     u.CachedInput + o.CachedInput,
		Output:          u.Output + o.Output,
		ReasoningOutput: u.ReasoningOutput + o.ReasoningOutput,
		Total:           u.Total + o.Total,
	}
}

// TokenUsageInfo accumulates per-turn totals and carries the model's context
// window so clients can render a percentage-used indicator.
type TokenUsageInfo struct {
	TotalTokenUsage  TokenUsage `json:"total_token_usage"`
	LastTokenUsage   TokenUsage `json:"last_token_usage"`
	ModelContextWindow int64    `json:"model_context_window,omitempty"`
}

// RateLimitSnapshot reports the provider's current rate-limit window state.
// Credits/PlanType are pointers so that an update carrying nil preserves the
// previous value instead of overwriting it with a zero value (spec §4.7).
type RateLimitSnapshot struct {
	Credits      *float64 `json:"credits,omitempty"`
	PlanType     *string  `json:"plan_type,omitempty"`
	ResetsAt     *int64   `json:"resets_at,omitempty"`
	UsedFraction float64  `json:"used_fraction,omitempty"`
}

// Merge applies an incoming snapshot over the current one, preserving
// Credits/PlanType when the update leaves them nil.
func (r RateLimitSnapshot) Merge(update RateLimitSnapshot) RateLimitSnapshot {
	merged := update
	if update.Credits == nil {
		merged.Credits = r.Credits
	}
	if update.PlanType == nil {
		merged.PlanType = r.PlanType
	}
	return merged
}
