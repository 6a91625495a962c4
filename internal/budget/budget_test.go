package budget

import (
	"testing"
)

func TestLimit_Exceeded(t *testing.T) {
	cases := []struct {
		name    string
		limit   Limit
		usage   Usage
		wantDim string
		want    bool
	}{
		{"under all", Limit{MaxTokens: 100}, Usage{Tokens: 100}, "", false},
		{"tokens over", Limit{MaxTokens: 100}, Usage{Tokens: 101}, DimTokens, true},
		{"unlimited never breaches", Limit{}, Usage{Tokens: 1 << 40}, "", false},
		{"tool calls over", Limit{MaxToolCalls: 5}, Usage{ToolCalls: 6}, DimToolCalls, true},
		{"cost over", Limit{MaxCostUSD: 1.0}, Usage{CostUSD: 1.01}, DimCostUSD, true},
		{"first dimension wins", Limit{MaxTokens: 1, MaxSteps: 1}, Usage{Tokens: 2, Steps: 2}, DimTokens, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dim, got := tc.limit.Exceeded(tc.usage)
			if got != tc.want || dim != tc.wantDim {
				t.Fatalf("Exceeded() = (%q, %v), want (%q, %v)", dim, got, tc.wantDim, tc.want)
			}
		})
	}
}

func TestLimit_Remaining(t *testing.T) {
	l := Limit{MaxTokens: 1000, MaxCostUSD: 2.0}
	rem := l.Remaining(Usage{Tokens: 400, CostUSD: 0.5})
	if rem.MaxTokens != 600 {
		t.Fatalf("remaining tokens = %d, want 600", rem.MaxTokens)
	}
	if rem.MaxCostUSD != 1.5 {
		t.Fatalf("remaining cost = %v, want 1.5", rem.MaxCostUSD)
	}
	// Overdrawn clamps to zero.
	rem = l.Remaining(Usage{Tokens: 2000})
	if rem.MaxTokens != 0 {
		t.Fatalf("remaining tokens = %d, want 0", rem.MaxTokens)
	}
	// Unlimited dimensions stay zero.
	if rem.MaxSteps != 0 {
		t.Fatalf("remaining steps = %d, want 0", rem.MaxSteps)
	}
}

func TestChildLimit_PercentOfParentRemaining(t *testing.T) {
	template := Limit{MaxTokens: 10_000, MaxToolCalls: 50}
	parent := Limit{MaxTokens: 4000, MaxToolCalls: 200, MaxCostUSD: 1.0}

	child := ChildLimit(template, parent, 50)

	// 50% of 4000 remaining < template 10000.
	if child.MaxTokens != 2000 {
		t.Fatalf("child tokens = %d, want 2000", child.MaxTokens)
	}
	// Template 50 < 50% of 200 remaining.
	if child.MaxToolCalls != 50 {
		t.Fatalf("child tool calls = %d, want 50", child.MaxToolCalls)
	}
	// Template has no cost ceiling; parent-derived cap applies.
	if child.MaxCostUSD != 0.5 {
		t.Fatalf("child cost = %v, want 0.5", child.MaxCostUSD)
	}
}

func TestChildLimit_UnlimitedParentPassesTemplate(t *testing.T) {
	template := Limit{MaxTokens: 500}
	child := ChildLimit(template, Limit{}, 25)
	if child.MaxTokens != 500 {
		t.Fatalf("child tokens = %d, want 500", child.MaxTokens)
	}
}

func TestChildLimit_ZeroPercentDisablesCap(t *testing.T) {
	template := Limit{MaxTokens: 500}
	child := ChildLimit(template, Limit{MaxTokens: 10}, 0)
	if child.MaxTokens != 500 {
		t.Fatalf("child tokens = %d, want 500", child.MaxTokens)
	}
}

func TestEstimateCost_ProviderReportedWins(t *testing.T) {
	got := EstimateCost(Delta{CostUSD: 0.42, Tokens: 1_000_000, Model: "gpt-4o"}, 0.002)
	if got != 0.42 {
		t.Fatalf("cost = %v, want 0.42", got)
	}
}

func TestEstimateCost_KnownModel(t *testing.T) {
	got := EstimateCost(Delta{Model: "gpt-4o", PromptTokens: 1_000_000, CompletionTokens: 1_000_000}, 0.002)
	if got != 12.50 {
		t.Fatalf("cost = %v, want 12.50", got)
	}
}

func TestEstimateCost_FallbackRate(t *testing.T) {
	got := EstimateCost(Delta{Model: "unknown-model", Tokens: 2000}, 0.002)
	if got != 0.004 {
		t.Fatalf("cost = %v, want 0.004", got)
	}
}
