// Package budget tracks multi-dimensional resource consumption for agent
// instances and missions, and forces cancellation on exhaustion.
package budget

// Budget dimensions, checked in this fixed order.
const (
	DimTokens     = "tokens"
	DimSteps      = "steps"
	DimToolCalls  = "tool_calls"
	DimDurationMS = "duration_ms"
	DimCostUSD    = "cost_usd"
)

// Limit is a multi-dimensional resource ceiling. A zero value on any
// dimension means unlimited.
type Limit struct {
	MaxTokens     int64   `json:"max_tokens,omitempty" yaml:"max_tokens"`
	MaxSteps      int64   `json:"max_steps,omitempty" yaml:"max_steps"`
	MaxToolCalls  int64   `json:"max_tool_calls,omitempty" yaml:"max_tool_calls"`
	MaxDurationMS int64   `json:"max_duration_ms,omitempty" yaml:"max_duration_ms"`
	MaxCostUSD    float64 `json:"max_cost_usd,omitempty" yaml:"max_cost_usd"`
}

// Usage is accumulated consumption. Monotone: only ever grows.
type Usage struct {
	Tokens     int64   `json:"tokens"`
	Steps      int64   `json:"steps"`
	ToolCalls  int64   `json:"tool_calls"`
	DurationMS int64   `json:"duration_ms"`
	CostUSD    float64 `json:"cost_usd"`
}

// Delta is a single charge against an instance.
type Delta struct {
	Tokens           int64
	PromptTokens     int64
	CompletionTokens int64
	Steps            int64
	ToolCalls        int64
	DurationMS       int64
	// CostUSD is the provider-reported cost. Zero means estimate from tokens.
	CostUSD float64
	// Model selects the pricing table entry for estimation.
	Model string
}

// Add accumulates a delta into the usage.
func (u *Usage) Add(d Delta, cost float64) {
	u.Tokens += d.Tokens
	u.Steps += d.Steps
	u.ToolCalls += d.ToolCalls
	u.DurationMS += d.DurationMS
	u.CostUSD += cost
}

// AddUsage accumulates another usage total (mission aggregation).
func (u *Usage) AddUsage(o Usage) {
	u.Tokens += o.Tokens
	u.Steps += o.Steps
	u.ToolCalls += o.ToolCalls
	u.DurationMS += o.DurationMS
	u.CostUSD += o.CostUSD
}

// IsZero reports whether the limit is unlimited on every dimension.
func (l Limit) IsZero() bool {
	return l.MaxTokens == 0 && l.MaxSteps == 0 && l.MaxToolCalls == 0 &&
		l.MaxDurationMS == 0 && l.MaxCostUSD == 0
}

// Exceeded returns the first breached dimension, checked in fixed order.
// A zero limit on a dimension never breaches.
func (l Limit) Exceeded(u Usage) (string, bool) {
	if l.MaxTokens > 0 && u.Tokens > l.MaxTokens {
		return DimTokens, true
	}
	if l.MaxSteps > 0 && u.Steps > l.MaxSteps {
		return DimSteps, true
	}
	if l.MaxToolCalls > 0 && u.ToolCalls > l.MaxToolCalls {
		return DimToolCalls, true
	}
	if l.MaxDurationMS > 0 && u.DurationMS > l.MaxDurationMS {
		return DimDurationMS, true
	}
	if l.MaxCostUSD > 0 && u.CostUSD > l.MaxCostUSD {
		return DimCostUSD, true
	}
	return "", false
}

// Remaining returns the headroom left under the limit. Unlimited dimensions
// stay zero; overdrawn dimensions clamp to zero. Callers must check the
// original limit to distinguish "unlimited" from "no headroom left".
func (l Limit) Remaining(u Usage) Limit {
	rem := Limit{}
	if l.MaxTokens > 0 {
		rem.MaxTokens = max64(l.MaxTokens-u.Tokens, 0)
	}
	if l.MaxSteps > 0 {
		rem.MaxSteps = max64(l.MaxSteps-u.Steps, 0)
	}
	if l.MaxToolCalls > 0 {
		rem.MaxToolCalls = max64(l.MaxToolCalls-u.ToolCalls, 0)
	}
	if l.MaxDurationMS > 0 {
		rem.MaxDurationMS = max64(l.MaxDurationMS-u.DurationMS, 0)
	}
	if l.MaxCostUSD > 0 {
		rem.MaxCostUSD = maxf(l.MaxCostUSD-u.CostUSD, 0)
	}
	return rem
}

// ChildLimit computes a child's budget from a template default and the
// parent's remaining headroom: per dimension, min(template, percent of
// parent remaining). An unlimited parent dimension passes the template
// value through; percent <= 0 disables the parent-derived cap.
func ChildLimit(template Limit, parentRemaining Limit, percent int) Limit {
	if percent <= 0 {
		return template
	}
	p := float64(percent) / 100.0
	child := Limit{
		MaxTokens:     minCap64(template.MaxTokens, parentRemaining.MaxTokens, p),
		MaxSteps:      minCap64(template.MaxSteps, parentRemaining.MaxSteps, p),
		MaxToolCalls:  minCap64(template.MaxToolCalls, parentRemaining.MaxToolCalls, p),
		MaxDurationMS: minCap64(template.MaxDurationMS, parentRemaining.MaxDurationMS, p),
	}
	if parentRemaining.MaxCostUSD > 0 {
		capped := parentRemaining.MaxCostUSD * p
		if template.MaxCostUSD == 0 || capped < template.MaxCostUSD {
			child.MaxCostUSD = capped
		} else {
			child.MaxCostUSD = template.MaxCostUSD
		}
	} else {
		child.MaxCostUSD = template.MaxCostUSD
	}
	return child
}

func minCap64(template, parentRemaining int64, p float64) int64 {
	if parentRemaining <= 0 {
		return template
	}
	capped := int64(float64(parentRemaining) * p)
	if template == 0 || capped < template {
		return capped
	}
	return template
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
