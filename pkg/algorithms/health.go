package algorithms

import (
	"context"
	"encoding/json"
	"math"
	"sort"
)

// categoryWeights sum to 1; sales carries the most weight
var categoryWeights = map[string]float64{
	"marketing": 0.22,
	"sales":     0.28,
	"content":   0.18,
	"funnel":    0.22,
	"analytics": 0.10,
}

// neutralScore stands in for categories without data
const neutralScore = 50

// HealthInput holds 0-100 category scores
type HealthInput struct {
	Categories map[string]float64 `json:"categories"`
}

// HealthResult is the output of HealthScore
type HealthResult struct {
	Score          int            `json:"score"`
	Level          Level          `json:"level"`
	CategoryScores map[string]int `json:"category_scores"`
	Weakest        string         `json:"weakest_category"`
	Strongest      string         `json:"strongest_category"`
	Missing        []string       `json:"missing_categories,omitempty"`
}

// HealthScore weights category scores into one business health score
type HealthScore struct{}

func (HealthScore) Name() string { return "health_score" }

func (HealthScore) Run(ctx context.Context, input json.RawMessage) (any, error) {
	in, err := decode[HealthInput](input)
	if err != nil {
		return nil, err
	}
	return computeHealth(in), nil
}

func computeHealth(in HealthInput) HealthResult {
	res := HealthResult{CategoryScores: make(map[string]int, len(categoryWeights))}

	names := make([]string, 0, len(categoryWeights))
	for name := range categoryWeights {
		names = append(names, name)
	}
	sort.Strings(names)

	var weighted float64
	for _, name := range names {
		score, ok := in.Categories[name]
		if !ok {
			score = neutralScore
			res.Missing = append(res.Missing, name)
		}
		s := int(math.Round(clamp(score, 0, 100)))
		res.CategoryScores[name] = s
		weighted += float64(s) * categoryWeights[name]

		if res.Weakest == "" || s < res.CategoryScores[res.Weakest] {
			res.Weakest = name
		}
		if res.Strongest == "" || s > res.CategoryScores[res.Strongest] {
			res.Strongest = name
		}
	}

	res.Score = int(math.Round(weighted))
	res.Level = levelOf(res.Score)
	return res
}
