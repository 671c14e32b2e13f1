package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/forgefab/conductor/internal/cache"
)

// Tracker serves progress snapshots for status polling. Snapshots are
// cached with a short TTL so high-frequency polls do not hit the
// durable store on every call; the store stays authoritative.
type Tracker struct {
	store *Store
	cache *cache.Cache
	ttl   time.Duration
}

// NewTracker creates a progress tracker over the execution store.
func NewTracker(store *Store, c *cache.Cache, ttl time.Duration) *Tracker {
	return &Tracker{store: store, cache: c, ttl: ttl}
}

func progressKey(executionID string) string {
	return "progress:" + executionID
}

// Snapshot returns the progress of an execution, from cache when fresh.
func (t *Tracker) Snapshot(ctx context.Context, executionID string) (*Progress, error) {
	if cached, ok := t.cache.Get(progressKey(executionID)); ok {
		if p, ok := cached.(*Progress); ok {
			return p, nil
		}
	}

	e, err := t.store.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}

	stages, err := t.store.GetStages(ctx, executionID)
	if err != nil {
		return nil, err
	}

	p := buildProgress(e, stages)
	t.cache.Set(progressKey(executionID), p, t.ttl)
	return p, nil
}

// Invalidate drops the cached snapshot so the next poll sees fresh state.
func (t *Tracker) Invalidate(executionID string) {
	t.cache.Delete(progressKey(executionID))
}

func buildProgress(e *Execution, stages []*StageExecution) *Progress {
	p := &Progress{
		ExecutionID:  e.ID,
		Status:       e.Status,
		StagesTotal:  len(stages),
		TotalCostUSD: e.TotalCostUSD,
		ErrorMessage: e.ErrorMessage,
	}

	var completedTimeMs int64
	for _, stage := range stages {
		switch stage.Status {
		case StageCompleted, StageSkipped:
			p.StagesCompleted++
			completedTimeMs += stage.TimeMs
		case StageRunning:
			if p.CurrentStage == "" {
				p.CurrentStage = stage.WorkerName
			}
		}
	}

	if p.StagesTotal > 0 {
		p.Percent = float64(p.StagesCompleted) / float64(p.StagesTotal) * 100
	}

	// Estimate remaining time from the average of completed stages.
	if e.Status == StatusRunning && p.StagesCompleted > 0 {
		remaining := p.StagesTotal - p.StagesCompleted
		avg := completedTimeMs / int64(p.StagesCompleted)
		p.EstimatedMsLeft = avg * int64(remaining)
	}

	switch e.Status {
	case StatusCompleted:
		p.Percent = 100
		p.Message = "pipeline completed"
	case StatusFailed:
		p.Message = "pipeline failed"
	case StatusCancelled:
		p.Message = "pipeline cancelled"
	case StatusPending:
		p.Message = "queued, waiting for resources"
	default:
		if p.CurrentStage != "" {
			p.Message = fmt.Sprintf("running stage %d of %d (%s)", p.StagesCompleted+1, p.StagesTotal, p.CurrentStage)
		}
	}

	return p
}
