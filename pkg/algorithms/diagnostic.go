package algorithms

import (
	"context"
	"encoding/json"
	"fmt"
)

// DiagnosticInput bundles the inputs of the component algorithms. Absent
// parts are skipped.
type DiagnosticInput struct {
	Health     *HealthInput     `json:"health,omitempty"`
	Funnel     *FunnelInput     `json:"funnel,omitempty"`
	Engagement *EngagementInput `json:"engagement,omitempty"`
}

// DiagnosticResult is the output of Diagnostic
type DiagnosticResult struct {
	Health          *HealthResult     `json:"health,omitempty"`
	Funnel          *FunnelResult     `json:"funnel,omitempty"`
	Engagement      *EngagementResult `json:"engagement,omitempty"`
	Score           int               `json:"score"`
	Level           Level             `json:"level"`
	Recommendations []string          `json:"recommendations"`
}

// Diagnostic runs every component algorithm it has input for and merges
// their findings into recommendations.
type Diagnostic struct{}

func (Diagnostic) Name() string { return "diagnostic" }

func (Diagnostic) Run(ctx context.Context, input json.RawMessage) (any, error) {
	in, err := decode[DiagnosticInput](input)
	if err != nil {
		return nil, err
	}

	res := DiagnosticResult{Recommendations: []string{}}
	var scores []int

	// without health data every category sits at the neutral score
	health := computeHealth(HealthInput{})
	if in.Health != nil {
		health = computeHealth(*in.Health)
		if weakest := health.CategoryScores[health.Weakest]; weakest < 60 {
			res.Recommendations = append(res.Recommendations,
				fmt.Sprintf("Improve %s: it is the weakest area at %d/100", health.Weakest, weakest))
		}
	}
	res.Health = &health
	scores = append(scores, health.Score)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if in.Funnel != nil {
		funnel, err := computeFunnel(*in.Funnel)
		if err != nil {
			return nil, err
		}
		res.Funnel = &funnel
		scores = append(scores, funnel.Score)
		for _, b := range funnel.Bottlenecks {
			res.Recommendations = append(res.Recommendations,
				fmt.Sprintf("Fix the %s to %s transition: %.1f%% drop (%s)", b.From, b.To, b.DropRate, b.Severity))
		}
	}

	if in.Engagement != nil {
		eng := computeEngagement(*in.Engagement)
		res.Engagement = &eng
		scores = append(scores, eng.Score)
		if eng.Level == LevelPoor || eng.Level == LevelAverage {
			res.Recommendations = append(res.Recommendations,
				fmt.Sprintf("Raise social engagement: %.2f%% is below the 3%% benchmark", eng.EngagementRate))
		}
	}

	var sum int
	for _, s := range scores {
		sum += s
	}
	res.Score = sum / len(scores)
	res.Level = levelOf(res.Score)
	return res, nil
}
