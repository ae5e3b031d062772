package gateway

import (
	"math"
	"testing"
)

func TestTokenCalculatorAccumulates(t *testing.T) {
	calc := NewTokenCalculator()
	calc.Add(Usage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150})
	calc.Add(Usage{InputTokens: 20, OutputTokens: 10, TotalTokens: 30, CachedTokens: 5})

	total := calc.Total()
	if total.InputTokens != 120 || total.OutputTokens != 60 || total.TotalTokens != 180 {
		t.Errorf("unexpected totals: %+v", total)
	}
	if total.CachedTokens != 5 {
		t.Errorf("cached tokens should accumulate, got %d", total.CachedTokens)
	}
}

// total_cost must equal the per-term sum of tokens x rate / 1e6 to within
// 1e-9; reasoning tokens bill at the output rate.
func TestTotalCostFormula(t *testing.T) {
	calc := NewTokenCalculator()
	calc.Add(Usage{
		InputTokens:              123456,
		OutputTokens:             7890,
		CachedTokens:             1000,
		ReasoningTokens:          500,
		CacheReadInputTokens:     200,
		CacheCreationInputTokens: 300,
	})
	pricing := Pricing{
		InputCost:        2.5,
		OutputCost:       10,
		CachedCost:       1.25,
		CachingReadCost:  0.3,
		CachingWriteCost: 3.75,
	}
	cost := calc.TotalCost(pricing)

	want := 123456*2.5/1e6 +
		7890*10.0/1e6 +
		1000*1.25/1e6 +
		500*10.0/1e6 +
		200*0.3/1e6 +
		300*3.75/1e6
	if math.Abs(cost.TotalCost-want) > 1e-9 {
		t.Errorf("total cost %v, want %v", cost.TotalCost, want)
	}
	if cost.TotalCost < 0 {
		t.Error("cost must never be negative")
	}
}

func TestTotalCostZeroUsage(t *testing.T) {
	calc := NewTokenCalculator()
	cost := calc.TotalCost(Pricing{InputCost: 2.5, OutputCost: 10})
	if cost.TotalCost != 0 {
		t.Errorf("zero usage must cost zero, got %v", cost.TotalCost)
	}
}

func TestTotalCostMissingRates(t *testing.T) {
	calc := NewTokenCalculator()
	calc.Add(Usage{InputTokens: 1000, CacheReadInputTokens: 1000})
	cost := calc.TotalCost(Pricing{InputCost: 1})
	if cost.CacheReadCost != 0 {
		t.Error("terms without a configured rate contribute nothing")
	}
	if math.Abs(cost.TotalCost-0.001) > 1e-9 {
		t.Errorf("got %v", cost.TotalCost)
	}
}
