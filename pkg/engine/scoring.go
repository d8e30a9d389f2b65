package engine

import (
	"math"
	"strings"
)

// Confidence deductions applied by DefaultScorer.
const (
	emptyOutputPenalty = 0.4
	refusalPenalty     = 0.3
	truncationPenalty  = 0.2

	// WarningThreshold is the confidence below which an execution is flagged.
	WarningThreshold = 0.6
)

// refusalMarkers are phrases that indicate an LLM declined the task.
var refusalMarkers = []string{
	"i can't help with",
	"i cannot help with",
	"i'm sorry, but i can",
	"i am unable to",
	"as an ai language model",
}

// DefaultScorer is a content heuristic over the final step outputs.
type DefaultScorer struct{}

// Score implements Scorer.
func (DefaultScorer) Score(exec *RecipeExecution, results []StepResult) Score {
	score := 1.0

	if finalOutputEmpty(results) {
		score -= emptyOutputPenalty
	}

	for _, r := range results {
		if r.Status != StepStatusDone || r.StepType != StepTypeLLM {
			continue
		}
		text := strings.ToLower(OutputText(r.OutputFull))
		for _, marker := range refusalMarkers {
			if strings.Contains(text, marker) {
				score -= refusalPenalty
			}
		}
		if reason, _ := r.OutputFull["finish_reason"].(string); reason == "length" {
			score -= truncationPenalty
		}
	}

	score = math.Max(0, math.Min(1, score))
	score = math.Round(score*100) / 100
	return Score{Confidence: score, Warning: score < WarningThreshold}
}

// finalOutputEmpty reports whether the last step that produced output produced nothing
// usable. Skipped steps are ignored; an execution where every step was skipped counts
// as empty.
func finalOutputEmpty(results []StepResult) bool {
	for i := len(results) - 1; i >= 0; i-- {
		r := results[i]
		if r.Status != StepStatusDone {
			continue
		}
		if url, ok := r.OutputFull["url"].(string); ok && url != "" {
			return false
		}
		text, _ := r.OutputFull["text"].(string)
		return strings.TrimSpace(text) == ""
	}
	return true
}

// costEpsilon absorbs float error so that e.g. 0.1 * 30 costs 3 cents, not 4.
const costEpsilon = 1e-9

// PriceTable prices usage in cents per unit, by step type.
type PriceTable map[StepType]map[UsageUnit]float64

// Cost implements CostModel. Fractional cents round up; unknown units cost nothing.
func (p PriceTable) Cost(stepType StepType, usage Usage) int64 {
	if usage.Quantity <= 0 {
		return 0
	}
	price, ok := p[stepType][usage.Unit]
	if !ok || price <= 0 {
		return 0
	}
	return int64(math.Ceil(price*usage.Quantity - costEpsilon))
}
