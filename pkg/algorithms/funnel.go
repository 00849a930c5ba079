package algorithms

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// bottleneckDropRate marks a transition as a bottleneck
const bottleneckDropRate = 70.0

// Stage is one funnel step with the number of people who reached it
type Stage struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// FunnelInput lists stages from the top of the funnel down
type FunnelInput struct {
	Stages []Stage `json:"stages"`
}

// StageMetrics describes the transition into a stage
type StageMetrics struct {
	Name           string  `json:"name"`
	Count          int64   `json:"count"`
	ConversionRate float64 `json:"conversion_rate"`
	DropRate       float64 `json:"drop_rate"`
	Dropped        int64   `json:"dropped_count"`
}

// Bottleneck is a transition losing too many people
type Bottleneck struct {
	From     string  `json:"from"`
	To       string  `json:"to"`
	DropRate float64 `json:"drop_rate"`
	Severity string  `json:"severity"`
}

// FunnelResult is the output of FunnelAnalysis
type FunnelResult struct {
	Stages            []StageMetrics `json:"stages"`
	OverallConversion float64        `json:"overall_conversion"`
	Bottlenecks       []Bottleneck   `json:"bottlenecks"`
	Score             int            `json:"score"`
	Level             Level          `json:"level"`
}

// FunnelAnalysis computes stage conversions and finds bottlenecks
type FunnelAnalysis struct{}

func (FunnelAnalysis) Name() string { return "funnel_analysis" }

func (FunnelAnalysis) Run(ctx context.Context, input json.RawMessage) (any, error) {
	in, err := decode[FunnelInput](input)
	if err != nil {
		return nil, err
	}
	return computeFunnel(in)
}

func computeFunnel(in FunnelInput) (FunnelResult, error) {
	if len(in.Stages) < 2 {
		return FunnelResult{}, fmt.Errorf("%w: funnel needs at least two stages", ErrInvalidInput)
	}

	res := FunnelResult{Bottlenecks: []Bottleneck{}}
	for i, st := range in.Stages {
		if st.Count < 0 {
			return FunnelResult{}, fmt.Errorf("%w: negative count for stage %q", ErrInvalidInput, st.Name)
		}
		m := StageMetrics{Name: st.Name, Count: st.Count, ConversionRate: 100}
		if i > 0 {
			prev := in.Stages[i-1].Count
			if prev > 0 {
				m.ConversionRate = round1(float64(st.Count) / float64(prev) * 100)
				m.DropRate = round1(100 - m.ConversionRate)
				m.Dropped = max(prev-st.Count, 0)
			} else {
				m.ConversionRate = 0
			}
			if m.DropRate > bottleneckDropRate {
				res.Bottlenecks = append(res.Bottlenecks, Bottleneck{
					From:     in.Stages[i-1].Name,
					To:       st.Name,
					DropRate: m.DropRate,
					Severity: severity(m.DropRate),
				})
			}
		}
		res.Stages = append(res.Stages, m)
	}

	top := in.Stages[0].Count
	if top > 0 {
		res.OverallConversion = round1(float64(in.Stages[len(in.Stages)-1].Count) / float64(top) * 100)
	}
	sort.SliceStable(res.Bottlenecks, func(i, j int) bool {
		return res.Bottlenecks[i].DropRate > res.Bottlenecks[j].DropRate
	})

	var sum float64
	for _, m := range res.Stages[1:] {
		sum += m.ConversionRate
	}
	res.Score = int(clamp(sum/float64(len(res.Stages)-1), 0, 100))
	res.Level = levelOf(res.Score)
	return res, nil
}

func severity(dropRate float64) string {
	switch {
	case dropRate >= 90:
		return "critical"
	case dropRate >= 80:
		return "high"
	case dropRate >= 70:
		return "medium"
	}
	return "low"
}
