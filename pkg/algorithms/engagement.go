package algorithms

import (
	"context"
	"encoding/json"
)

// engagement rate thresholds in percent
var engagementThresholds = struct{ excellent, good, average, poor float64 }{5.0, 3.0, 1.5, 0.5}

// EngagementInput holds per-post averages for one social account
type EngagementInput struct {
	Followers   int64   `json:"followers"`
	AvgLikes    float64 `json:"avg_likes"`
	AvgComments float64 `json:"avg_comments"`
	AvgSaves    float64 `json:"avg_saves"`
	AvgShares   float64 `json:"avg_shares"`
}

// EngagementResult is the output of Engagement
type EngagementResult struct {
	EngagementRate float64 `json:"engagement_rate"`
	Score          int     `json:"score"`
	Level          Level   `json:"level"`
}

// Engagement computes the engagement rate of a social account
type Engagement struct{}

func (Engagement) Name() string { return "engagement" }

func (Engagement) Run(ctx context.Context, input json.RawMessage) (any, error) {
	in, err := decode[EngagementInput](input)
	if err != nil {
		return nil, err
	}
	return computeEngagement(in), nil
}

func computeEngagement(in EngagementInput) EngagementResult {
	if in.Followers <= 0 {
		return EngagementResult{Score: 10, Level: LevelPoor}
	}
	total := in.AvgLikes + in.AvgComments + in.AvgSaves + in.AvgShares
	rate := total / float64(in.Followers) * 100
	rate = float64(int64(rate*100+0.5)) / 100

	th := engagementThresholds
	var score int
	switch {
	case rate >= th.excellent:
		score = 90
	case rate >= th.good:
		score = 70
	case rate >= th.average:
		score = 50
	case rate >= th.poor:
		score = 30
	default:
		score = 10
	}
	return EngagementResult{EngagementRate: rate, Score: score, Level: levelOf(score)}
}
