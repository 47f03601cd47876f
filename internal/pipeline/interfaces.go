package pipeline

import (
	"context"
	"time"
)

// Store persists jobs, pages, and chunks. SavePage writes the page together
// with its chunks and vectors in a single transaction so no partial records
// become visible.
type Store interface {
	CreateJob(ctx context.Context, job CrawlJob) error
	UpdateJob(ctx context.Context, job CrawlJob) error
	GetJob(ctx context.Context, jobID string) (CrawlJob, error)
	SavePage(ctx context.Context, page PageRecord, chunks []ChunkRecord) error
	// LatestContentHash returns the content hash of the most recent successful
	// crawl of url, or ErrNotFound if the URL has never been persisted.
	LatestContentHash(ctx context.Context, url string) (string, error)
}

// Extractor fetches a URL and returns normalized page content.
type Extractor interface {
	Extract(ctx context.Context, url string) (Page, error)
}

// MetadataExtractor derives structured signals from full page text. It is
// invoked exactly once per page, never per chunk.
type MetadataExtractor interface {
	Extract(text, url, title string) PageMetadata
}

// CacheClient is the resilient cache/queue boundary. Mutating calls made
// while the underlying service is unreachable are buffered, not dropped.
type CacheClient interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	PublishProgress(ctx context.Context, jobID string, delta ProgressDelta) error
	PingKeepalive(ctx context.Context) error
}

// Discoverer resolves the set of URLs a job should process.
type Discoverer interface {
	Discover(ctx context.Context, rootURL string, maxPages int) ([]string, error)
}

// Clock returns the current time (swapped out in tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs.
type IDGenerator interface {
	NewID() (string, error)
}
