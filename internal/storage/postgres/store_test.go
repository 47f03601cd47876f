package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/internal/pipeline"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithDB(mock)
	require.NoError(t, err)
	return store, mock
}

func sampleJob() pipeline.CrawlJob {
	return pipeline.CrawlJob{
		ID:          "0198f2cd-3a41-7b11-9a44-2f4d79c21d10",
		RootURL:     "https://example.com",
		MaxPages:    100,
		Status:      pipeline.JobStatusQueued,
		SubmittedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestCreateJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	job := sampleJob()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO crawl_jobs")).
		WithArgs(job.ID, job.RootURL, job.OwnedSite, job.ForceRecrawl, job.MaxPages,
			string(job.Status), job.ErrorText,
			job.Discovered, job.Processed, job.Failed, job.Skipped,
			job.SubmittedAt, job.StartedAt, job.FinishedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJob_MissingRowIsErrNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	job := sampleJob()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE crawl_jobs")).
		WithArgs(job.ID, string(job.Status), job.ErrorText,
			job.Discovered, job.Processed, job.Failed, job.Skipped,
			job.StartedAt, job.FinishedAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateJob(context.Background(), job)
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	job := sampleJob()

	rows := pgxmock.NewRows([]string{
		"id", "root_url", "owned_site", "force_recrawl", "max_pages", "status",
		"error_text", "discovered_count", "processed_count", "failed_count",
		"skipped_count", "submitted_at", "started_at", "finished_at",
	}).AddRow(job.ID, job.RootURL, false, false, 100, "completed",
		"", int64(10), int64(8), int64(1), int64(1), job.SubmittedAt, (*time.Time)(nil), (*time.Time)(nil))

	mock.ExpectQuery(regexp.QuoteMeta("FROM crawl_jobs WHERE id =")).
		WithArgs(job.ID).
		WillReturnRows(rows)

	got, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusCompleted, got.Status)
	require.Equal(t, int64(8), got.Processed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJob_NotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM crawl_jobs WHERE id =")).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, err := store.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestSavePage_OneTransaction(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	page := pipeline.PageRecord{
		ID:          "11111111-1111-7111-9111-111111111111",
		JobID:       "0198f2cd-3a41-7b11-9a44-2f4d79c21d10",
		URL:         "https://example.com/widget",
		Title:       "Widget",
		Text:        "Widget text.",
		FetchStatus: pipeline.FetchStatusOK,
		ContentHash: "abc123",
		FetchedAt:   time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC),
	}
	chunks := []pipeline.ChunkRecord{
		{ID: "22222222-2222-7222-9222-222222222222", Index: 0, Total: 2, Text: "Widget", TokenEstimate: 2, Vector: []float32{0.5, -1}},
		{ID: "33333333-3333-7333-9333-333333333333", Index: 1, Total: 2, Text: "text.", TokenEstimate: 2, Vector: []float32{1, 2}},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM pages WHERE url =")).
		WithArgs(page.URL).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO pages")).
		WithArgs(page.ID, page.JobID, page.URL, page.Title, page.Text,
			string(page.FetchStatus), page.ContentHash, page.FetchedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO chunks")).
		WithArgs(chunks[0].ID, page.ID, 0, 2, "Widget", 2, "[0.5,-1]", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO chunks")).
		WithArgs(chunks[1].ID, page.ID, 1, 2, "text.", 2, "[1,2]", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.SavePage(context.Background(), page, chunks))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePage_FailedAttemptDoesNotDeletePriorRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	page := pipeline.PageRecord{
		ID:          "44444444-4444-7444-9444-444444444444",
		JobID:       "0198f2cd-3a41-7b11-9a44-2f4d79c21d10",
		URL:         "https://example.com/widget",
		FetchStatus: pipeline.FetchStatusFailed,
		FetchedAt:   time.Date(2026, 3, 2, 12, 0, 5, 0, time.UTC),
	}

	// no DELETE: the prior ok page and its chunks stay indexed
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO pages")).
		WithArgs(page.ID, page.JobID, page.URL, page.Title, page.Text,
			string(page.FetchStatus), page.ContentHash, page.FetchedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.SavePage(context.Background(), page, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePage_ChunkFailureRollsBack(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	page := pipeline.PageRecord{
		ID:          "11111111-1111-7111-9111-111111111111",
		JobID:       "0198f2cd-3a41-7b11-9a44-2f4d79c21d10",
		URL:         "https://example.com/widget",
		FetchStatus: pipeline.FetchStatusOK,
		FetchedAt:   time.Now(),
	}
	chunks := []pipeline.ChunkRecord{
		{ID: "22222222-2222-7222-9222-222222222222", Index: 0, Total: 1, Text: "x", TokenEstimate: 1, Vector: []float32{1}},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM pages")).
		WithArgs(page.URL).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO pages")).
		WithArgs(page.ID, page.JobID, page.URL, page.Title, page.Text,
			string(page.FetchStatus), page.ContentHash, page.FetchedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO chunks")).
		WithArgs(chunks[0].ID, page.ID, 0, 1, "x", 1, "[1]", pgxmock.AnyArg()).
		WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	err := store.SavePage(context.Background(), page, chunks)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestContentHash(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT content_hash FROM pages")).
		WithArgs("https://example.com/widget").
		WillReturnRows(pgxmock.NewRows([]string{"content_hash"}).AddRow("abc123"))

	hash, err := store.LatestContentHash(context.Background(), "https://example.com/widget")
	require.NoError(t, err)
	require.Equal(t, "abc123", hash)
}

func TestLatestContentHash_NeverCrawled(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT content_hash FROM pages")).
		WithArgs("https://example.com/new").
		WillReturnRows(pgxmock.NewRows([]string{"content_hash"}))

	_, err := store.LatestContentHash(context.Background(), "https://example.com/new")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestVectorLiteral(t *testing.T) {
	t.Parallel()

	require.Equal(t, "[0.5,-1,2]", vectorLiteral([]float32{0.5, -1, 2}))
	require.Equal(t, "[]", vectorLiteral(nil))
}
