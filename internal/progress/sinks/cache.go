package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quarrylabs/quarry/internal/pipeline"
	"github.com/quarrylabs/quarry/internal/progress"
)

// CacheSink forwards job progress to the cache queue consumers poll. It keeps
// running totals per job and publishes those, not per-batch increments, so a
// consumer that drops duplicate or out-of-order queue entries by sequence
// number still ends up with the correct counters.
type CacheSink struct {
	cache  pipeline.CacheClient
	logger *zap.Logger

	mu     sync.Mutex
	totals map[string]*pipeline.ProgressDelta
}

// NewCacheSink constructs a CacheSink over the resilient cache client.
func NewCacheSink(cache pipeline.CacheClient, logger *zap.Logger) *CacheSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheSink{
		cache:  cache,
		logger: logger,
		totals: make(map[string]*pipeline.ProgressDelta),
	}
}

// Consume folds the batch's page outcomes into each job's running totals and
// publishes one snapshot per job. Totals for a job are released once a
// terminal event for it passes through. Publish failures are returned
// verbatim; the cache client has its own degraded-mode buffering, so an
// error here means even that failed.
func (s *CacheSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.cache == nil {
		return nil
	}

	type agg struct {
		processed int64
		skipped   int64
		failed    int64
		at        time.Time
		publish   bool
		terminal  bool
	}
	jobs := make(map[string]*agg)
	order := make([]string, 0, 4)

	for _, evt := range batch {
		a := jobs[evt.JobID]
		if a == nil {
			a = &agg{}
			jobs[evt.JobID] = a
			order = append(order, evt.JobID)
		}
		switch evt.Stage {
		case progress.StagePageDone:
			a.processed++
			a.publish = true
		case progress.StagePageSkipped:
			a.skipped++
			a.publish = true
		case progress.StagePageFailed:
			a.failed++
			a.publish = true
		case progress.StageJobDone, progress.StageJobError, progress.StageJobCanceled:
			// Terminal events always publish so consumers see the final
			// counters even when no page landed in this batch.
			a.publish = true
			a.terminal = true
		}
		if evt.TS.After(a.at) {
			a.at = evt.TS
		}
	}

	for _, jobID := range order {
		a := jobs[jobID]
		if !a.publish {
			continue
		}
		if a.at.IsZero() {
			a.at = time.Now().UTC()
		}

		s.mu.Lock()
		total := s.totals[jobID]
		if total == nil {
			total = &pipeline.ProgressDelta{}
			s.totals[jobID] = total
		}
		total.Processed += a.processed
		total.Skipped += a.skipped
		total.Failed += a.failed
		total.At = a.at
		snapshot := *total
		if a.terminal {
			delete(s.totals, jobID)
		}
		s.mu.Unlock()

		if err := s.cache.PublishProgress(ctx, jobID, snapshot); err != nil {
			return fmt.Errorf("publish progress for job %s: %w", jobID, err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *CacheSink) Close(context.Context) error {
	return nil
}
