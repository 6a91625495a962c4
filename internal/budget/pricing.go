package budget

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	PromptPer1M     float64
	CompletionPer1M float64
}

// Known model pricing as of mid 2026. Add new models as needed.
var knownModels = map[string]ModelPricing{
	// Gemini
	"gemini-2.5-pro":        {1.25, 10.00},
	"gemini-2.5-flash":      {0.075, 0.30},
	"gemini-2.5-flash-lite": {0.0, 0.0},
	// Anthropic
	"claude-3-7-sonnet": {3.00, 15.00},
	"claude-sonnet-4-5": {3.00, 15.00},
	// OpenAI
	"gpt-4o":      {2.50, 10.00},
	"gpt-4o-mini": {0.15, 0.60},
}

// EstimateCost returns the estimated USD cost for a charge. Provider-reported
// cost takes precedence; a known model prices prompt and completion tokens
// separately; anything else falls back to the flat per-1000-token rate.
func EstimateCost(d Delta, fallbackPer1K float64) float64 {
	if d.CostUSD > 0 {
		return d.CostUSD
	}
	if p, ok := knownModels[d.Model]; ok {
		return (float64(d.PromptTokens)/1_000_000)*p.PromptPer1M +
			(float64(d.CompletionTokens)/1_000_000)*p.CompletionPer1M
	}
	return float64(d.Tokens) / 1000 * fallbackPer1K
}
