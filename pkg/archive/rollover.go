package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/biznespilot/governor/pkg/observability"
	"github.com/biznespilot/governor/pkg/usage"
)

// Archiver persists the counters of a closed period
type Archiver interface {
	ArchiveUsage(ctx context.Context, period string, counters []usage.Counter) (string, error)
}

// RolloverResult summarizes one monthly rollover
type RolloverResult struct {
	Period   string
	Archived int
	Key      string
	Pruned   int64
}

// Rollover archives the period before now and prunes every monthly
// counter older than the current period. A nil archiver only prunes.
// Nothing is pruned when archiving fails.
func Rollover(ctx context.Context, store usage.Store, archiver Archiver, now time.Time, logger *observability.Logger) (RolloverResult, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	result := RolloverResult{Period: usage.PreviousPeriod(now)}

	if archiver != nil {
		counters, err := store.List(ctx, result.Period)
		if err != nil {
			return result, fmt.Errorf("failed to list usage for %s: %w", result.Period, err)
		}
		key, err := archiver.ArchiveUsage(ctx, result.Period, counters)
		if err != nil {
			return result, err
		}
		result.Archived = len(counters)
		result.Key = key
	}

	pruned, err := store.Prune(ctx, usage.Period(now))
	if err != nil {
		return result, fmt.Errorf("failed to prune usage: %w", err)
	}
	result.Pruned = pruned

	logger.WithFields(map[string]any{
		"period":   result.Period,
		"archived": result.Archived,
		"pruned":   pruned,
	}).Info("usage rollover complete")
	return result, nil
}
