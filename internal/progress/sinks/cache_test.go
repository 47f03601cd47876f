package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/internal/pipeline"
	"github.com/quarrylabs/quarry/internal/progress"
)

type fakeCache struct {
	published []pipeline.ProgressDelta
	jobIDs    []string
}

func (f *fakeCache) Set(context.Context, string, string, time.Duration) error { return nil }
func (f *fakeCache) Get(context.Context, string) (string, error)              { return "", pipeline.ErrNotFound }
func (f *fakeCache) PingKeepalive(context.Context) error                      { return nil }

func (f *fakeCache) PublishProgress(_ context.Context, jobID string, delta pipeline.ProgressDelta) error {
	f.published = append(f.published, delta)
	f.jobIDs = append(f.jobIDs, jobID)
	return nil
}

func TestCacheSinkCollapsesBatchPerJob(t *testing.T) {
	t.Parallel()

	cache := &fakeCache{}
	sink := NewCacheSink(cache, nil)

	now := time.Now().UTC()
	batch := []progress.Event{
		{JobID: "job-a", TS: now, Stage: progress.StagePageDone, URL: "https://a.example/1"},
		{JobID: "job-a", TS: now, Stage: progress.StagePageDone, URL: "https://a.example/2"},
		{JobID: "job-a", TS: now, Stage: progress.StagePageSkipped, URL: "https://a.example/3"},
		{JobID: "job-b", TS: now, Stage: progress.StagePageFailed, URL: "https://b.example/1"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, []string{"job-a", "job-b"}, cache.jobIDs)
	require.Equal(t, int64(2), cache.published[0].Processed)
	require.Equal(t, int64(1), cache.published[0].Skipped)
	require.Equal(t, int64(1), cache.published[1].Failed)
}

func TestCacheSinkPublishesRunningTotals(t *testing.T) {
	t.Parallel()

	cache := &fakeCache{}
	sink := NewCacheSink(cache, nil)
	now := time.Now().UTC()

	first := []progress.Event{
		{JobID: "job-a", TS: now, Stage: progress.StagePageDone, URL: "https://a.example/1"},
		{JobID: "job-a", TS: now, Stage: progress.StagePageFailed, URL: "https://a.example/2"},
	}
	require.NoError(t, sink.Consume(context.Background(), first))

	second := []progress.Event{
		{JobID: "job-a", TS: now, Stage: progress.StagePageDone, URL: "https://a.example/3"},
		{JobID: "job-a", TS: now, Stage: progress.StagePageSkipped, URL: "https://a.example/4"},
		{JobID: "job-a", TS: now, Stage: progress.StageJobDone},
	}
	require.NoError(t, sink.Consume(context.Background(), second))

	require.Len(t, cache.published, 2)
	// Each publish carries the job's totals so far, so a consumer that
	// keeps only the highest sequence still has the full counts.
	require.Equal(t, int64(1), cache.published[0].Processed)
	require.Equal(t, int64(1), cache.published[0].Failed)
	require.Equal(t, int64(2), cache.published[1].Processed)
	require.Equal(t, int64(1), cache.published[1].Skipped)
	require.Equal(t, int64(1), cache.published[1].Failed)

	// The terminal event released the job's totals; a late event for the
	// same ID starts from zero.
	late := []progress.Event{
		{JobID: "job-a", TS: now, Stage: progress.StagePageDone, URL: "https://a.example/5"},
	}
	require.NoError(t, sink.Consume(context.Background(), late))
	require.Equal(t, int64(1), cache.published[2].Processed)
}

func TestCacheSinkSkipsJobsWithOnlyHeartbeats(t *testing.T) {
	t.Parallel()

	cache := &fakeCache{}
	sink := NewCacheSink(cache, nil)

	batch := []progress.Event{
		{JobID: "job-a", TS: time.Now(), Stage: progress.StageJobHB},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Empty(t, cache.published)
}

func TestCacheSinkPublishesTerminalEvents(t *testing.T) {
	t.Parallel()

	cache := &fakeCache{}
	sink := NewCacheSink(cache, nil)

	batch := []progress.Event{
		{JobID: "job-a", TS: time.Now(), Stage: progress.StageJobDone},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Len(t, cache.published, 1)
}
