package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/internal/progress"
)

func TestPrometheusSinkJobLifecycle(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now().UTC()
	batch := []progress.Event{
		{JobID: "job-1", TS: now, Stage: progress.StageJobStart},
		{JobID: "job-1", TS: now, Stage: progress.StagePageDone, Site: "example.com", URL: "https://example.com/", Chunks: 5, Dur: 100 * time.Millisecond},
		{JobID: "job-1", TS: now, Stage: progress.StagePageFailed, Site: "example.com", URL: "https://example.com/bad"},
		{JobID: "job-1", TS: now, Stage: progress.StageJobDone, Dur: 2 * time.Second},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, float64(1), testutil.ToFloat64(sink.jobsStarted))
	require.Equal(t, float64(0), testutil.ToFloat64(sink.jobsRunning))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("success")))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.pages.WithLabelValues("example.com", "ok")))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.pages.WithLabelValues("example.com", "failed")))
	require.Equal(t, float64(5), testutil.ToFloat64(sink.chunksStored.WithLabelValues("example.com")))
}

func TestPrometheusSinkSkipReasonBreakdown(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now().UTC()
	batch := []progress.Event{
		{JobID: "job-3", TS: now, Stage: progress.StagePageSkipped, Site: "example.com", URL: "https://example.com/a", Note: "content unchanged"},
		{JobID: "job-3", TS: now, Stage: progress.StagePageSkipped, Site: "example.com", URL: "https://example.com/b", Note: "content unchanged"},
		{JobID: "job-3", TS: now, Stage: progress.StagePageSkipped, Site: "example.com", URL: "https://example.com/c", Note: "robots disallowed"},
		{JobID: "job-3", TS: now, Stage: progress.StagePageSkipped, Site: "example.com", URL: "https://example.com/d.pdf", Note: "non-html content"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, float64(4), testutil.ToFloat64(sink.pages.WithLabelValues("example.com", "skipped")))
	require.Equal(t, float64(2), testutil.ToFloat64(sink.pagesSkipped.WithLabelValues("example.com", "unchanged")))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.pagesSkipped.WithLabelValues("example.com", "robots")))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.pagesSkipped.WithLabelValues("example.com", "non_html")))
}

func TestPrometheusSinkCanceledJob(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now().UTC()
	batch := []progress.Event{
		{JobID: "job-2", TS: now, Stage: progress.StageJobStart},
		{JobID: "job-2", TS: now, Stage: progress.StageJobCanceled},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, float64(1), testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("canceled")))
	require.Equal(t, float64(0), testutil.ToFloat64(sink.jobsRunning))
}
