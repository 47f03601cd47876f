package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/internal/pipeline"
)

func TestJobLifecycle(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	job := pipeline.CrawlJob{ID: "job-1", RootURL: "https://example.com", Status: pipeline.JobStatusQueued}
	require.NoError(t, s.CreateJob(ctx, job))

	job.Status = pipeline.JobStatusRunning
	require.NoError(t, s.UpdateJob(ctx, job))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusRunning, got.Status)

	_, err = s.GetJob(ctx, "missing")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	require.ErrorIs(t, s.UpdateJob(ctx, pipeline.CrawlJob{ID: "missing"}), pipeline.ErrNotFound)
}

func TestSavePageReplacesPreviousVersion(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	page := pipeline.PageRecord{
		ID:          "p1",
		URL:         "https://example.com/widget",
		FetchStatus: pipeline.FetchStatusOK,
		ContentHash: "hash-v1",
		FetchedAt:   time.Now(),
	}
	require.NoError(t, s.SavePage(ctx, page, []pipeline.ChunkRecord{{ID: "c1"}, {ID: "c2"}}))

	page.ID = "p2"
	page.ContentHash = "hash-v2"
	require.NoError(t, s.SavePage(ctx, page, []pipeline.ChunkRecord{{ID: "c3"}}))

	require.Equal(t, 1, s.PageCount())
	require.Len(t, s.Chunks(page.URL), 1)

	hash, err := s.LatestContentHash(ctx, page.URL)
	require.NoError(t, err)
	require.Equal(t, "hash-v2", hash)
}

func TestSavePage_FailedRefetchKeepsIndexedVersion(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	page := pipeline.PageRecord{
		ID:          "p1",
		URL:         "https://example.com/widget",
		FetchStatus: pipeline.FetchStatusOK,
		ContentHash: "hash-v1",
		FetchedAt:   time.Now(),
	}
	require.NoError(t, s.SavePage(ctx, page, []pipeline.ChunkRecord{{ID: "c1"}, {ID: "c2"}}))

	failed := pipeline.PageRecord{
		ID:          "p2",
		URL:         page.URL,
		FetchStatus: pipeline.FetchStatusFailed,
		FetchedAt:   time.Now(),
	}
	require.NoError(t, s.SavePage(ctx, failed, nil))

	require.Len(t, s.Chunks(page.URL), 2)
	hash, err := s.LatestContentHash(ctx, page.URL)
	require.NoError(t, err)
	require.Equal(t, "hash-v1", hash)
}

func TestLatestContentHash_SkippedPageDoesNotCount(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	page := pipeline.PageRecord{
		ID:          "p1",
		URL:         "https://example.com/pdf",
		FetchStatus: pipeline.FetchStatusSkipped,
		FetchedAt:   time.Now(),
	}
	require.NoError(t, s.SavePage(ctx, page, nil))

	_, err := s.LatestContentHash(ctx, page.URL)
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}
