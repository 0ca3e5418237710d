package llm

// Per-1K-token rates in USD, keyed by model. Unknown models fall back to the
// default rate so cost accounting never silently drops a turn.
type Rate struct {
	PromptPer1K     float64
	CompletionPer1K float64
}

var modelRates = map[string]Rate{
	"gpt-4o":      {PromptPer1K: 0.0025, CompletionPer1K: 0.01},
	"gpt-4o-mini": {PromptPer1K: 0.00015, CompletionPer1K: 0.0006},
	"gpt-4.1":     {PromptPer1K: 0.002, CompletionPer1K: 0.008},
}

var defaultRate = Rate{PromptPer1K: 0.001, CompletionPer1K: 0.002}

func CostFor(model string, usage Usage) float64 {
	rate, ok := modelRates[model]
	if !ok {
		rate = defaultRate
	}
	return float64(usage.PromptTokens)/1000*rate.PromptPer1K +
		float64(usage.CompletionTokens)/1000*rate.CompletionPer1K
}
