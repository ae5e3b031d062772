package gateway

// Usage carries the token counts of a single provider response, already
// normalized across providers by the adapters.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	TotalTokens              int `json:"total_tokens"`
	CachedTokens             int `json:"cached_tokens,omitempty"`
	ReasoningTokens          int `json:"reasoning_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// Cost is the USD breakdown of a turn computed from accumulated usage.
type Cost struct {
	InputCost         float64 `json:"input_cost"`
	OutputCost        float64 `json:"output_cost"`
	CachedCost        float64 `json:"cached_cost"`
	ReasoningCost     float64 `json:"reasoning_cost"`
	CacheReadCost     float64 `json:"cache_read_cost"`
	CacheCreationCost float64 `json:"cache_creation_cost"`
	TotalCost         float64 `json:"total_cost"`
}

// TokenCalculator accumulates token usage across every model invocation of
// one turn (including tool-call rounds and fallback retries) and converts
// the total into USD using catalog pricing.
type TokenCalculator struct {
	total Usage
}

// NewTokenCalculator creates an empty accumulator.
func NewTokenCalculator() *TokenCalculator {
	return &TokenCalculator{}
}

// Add folds one response's usage into the running total.
func (t *TokenCalculator) Add(usage Usage) {
	t.total.InputTokens += usage.InputTokens
	t.total.OutputTokens += usage.OutputTokens
	t.total.TotalTokens += usage.TotalTokens
	t.total.CachedTokens += usage.CachedTokens
	t.total.ReasoningTokens += usage.ReasoningTokens
	t.total.CacheReadInputTokens += usage.CacheReadInputTokens
	t.total.CacheCreationInputTokens += usage.CacheCreationInputTokens
}

// Total returns the accumulated usage.
func (t *TokenCalculator) Total() Usage {
	return t.total
}

const perMillion = 1_000_000

// TotalCost prices the accumulated usage with the model's per-million
// rates. Reasoning tokens are billed at the output rate.
func (t *TokenCalculator) TotalCost(pricing Pricing) Cost {
	cost := Cost{}
	if t.total.InputTokens > 0 && pricing.InputCost > 0 {
		cost.InputCost = float64(t.total.InputTokens) / perMillion * pricing.InputCost
	}
	if t.total.OutputTokens > 0 && pricing.OutputCost > 0 {
		cost.OutputCost = float64(t.total.OutputTokens) / perMillion * pricing.OutputCost
	}
	if t.total.CachedTokens > 0 && pricing.CachedCost > 0 {
		cost.CachedCost = float64(t.total.CachedTokens) / perMillion * pricing.CachedCost
	}
	if t.total.ReasoningTokens > 0 && pricing.OutputCost > 0 {
		cost.ReasoningCost = float64(t.total.ReasoningTokens) / perMillion * pricing.OutputCost
	}
	if t.total.CacheReadInputTokens > 0 && pricing.CachingReadCost > 0 {
		cost.CacheReadCost = float64(t.total.CacheReadInputTokens) / perMillion * pricing.CachingReadCost
	}
	if t.total.CacheCreationInputTokens > 0 && pricing.CachingWriteCost > 0 {
		cost.CacheCreationCost = float64(t.total.CacheCreationInputTokens) / perMillion * pricing.CachingWriteCost
	}
	cost.TotalCost = cost.InputCost + cost.OutputCost + cost.CachedCost +
		cost.ReasoningCost + cost.CacheReadCost + cost.CacheCreationCost
	return cost
}
