// Package pipeline defines the core types and interfaces shared by the
// ingestion stages: crawl jobs, page and chunk records, page metadata, and
// the contracts each stage implements.
package pipeline

import (
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// Terminal reports whether the status ends the job lifecycle.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// CrawlJob is the aggregate persisted for each submitted crawl request.
// Counters are snapshots; live updates happen through atomic counters owned
// by the orchestrator and are flushed into the store.
type CrawlJob struct {
	ID           string     `json:"id"`
	RootURL      string     `json:"root_url"`
	OwnedSite    bool       `json:"owned_site"`
	ForceRecrawl bool       `json:"force_recrawl"`
	MaxPages     int        `json:"max_pages"`
	Status       JobStatus  `json:"status"`
	ErrorText    string     `json:"error_text,omitempty"`
	Discovered   int64      `json:"discovered_count"`
	Processed    int64      `json:"processed_count"`
	Failed       int64      `json:"failed_count"`
	Skipped      int64      `json:"skipped_count"`
	SubmittedAt  time.Time  `json:"submitted_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// FetchStatus classifies the outcome of a page fetch.
type FetchStatus string

// Fetch status values recorded on PageRecord.
const (
	FetchStatusOK      FetchStatus = "ok"
	FetchStatusSkipped FetchStatus = "skipped"
	FetchStatusFailed  FetchStatus = "failed"
)

// PageRecord is persisted for each fetched page. ContentHash fingerprints
// the normalized text and short-circuits re-embedding on unchanged re-crawls.
type PageRecord struct {
	ID          string      `json:"id"`
	JobID       string      `json:"job_id"`
	URL         string      `json:"url"`
	Title       string      `json:"title"`
	Text        string      `json:"raw_text"`
	FetchStatus FetchStatus `json:"fetch_status"`
	ContentHash string      `json:"content_hash"`
	FetchedAt   time.Time   `json:"fetched_at"`
}

// ChunkRecord is the unit of embedding. Index is contiguous in [0, Total).
// Metadata is a copy of the page's single extracted metadata object; it is
// never recomputed per chunk.
type ChunkRecord struct {
	ID            string       `json:"id"`
	PageID        string       `json:"page_id"`
	Index         int          `json:"chunk_index"`
	Total         int          `json:"total_chunks"`
	Text          string       `json:"text"`
	TokenEstimate int          `json:"token_estimate"`
	Vector        []float32    `json:"embedding_vector,omitempty"`
	Metadata      PageMetadata `json:"metadata"`
}

// PageMetadata holds structured signals derived once per page.
// Immutable once computed for a given PageRecord version.
type PageMetadata struct {
	ContentType      string      `json:"content_type"`
	ContentSubtype   string      `json:"content_subtype,omitempty"`
	Keywords         []string    `json:"keywords,omitempty"`
	Entities         Entities    `json:"entities"`
	PriceRange       *PriceRange `json:"price_range,omitempty"`
	Contact          *Contact    `json:"contact_info,omitempty"`
	QAPairs          []QAPair    `json:"qa_pairs,omitempty"`
	SemanticDensity  float64     `json:"semantic_density"`
	ReadabilityScore float64     `json:"readability_score"`
	Language         string      `json:"language"`
	HasCode          bool        `json:"has_code"`
	HasLists         bool        `json:"has_lists"`
	HasQuestions     bool        `json:"has_questions"`
}

// Entities groups regex-extracted identifiers found on a page.
type Entities struct {
	SKUs     []string `json:"skus,omitempty"`
	Brands   []string `json:"brands,omitempty"`
	Products []string `json:"products,omitempty"`
}

// PriceRange summarizes currency-prefixed prices found on a page.
type PriceRange struct {
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Currency string  `json:"currency"`
	Count    int     `json:"count"`
}

// Contact holds contact patterns extracted from page text.
type Contact struct {
	Emails []string `json:"emails,omitempty"`
	Phones []string `json:"phones,omitempty"`
}

// QAPair is a question/answer pair detected from heading and paragraph
// adjacency.
type QAPair struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Page is the normalized output of the content extractor.
type Page struct {
	URL         string
	Title       string
	Text        string
	ContentHash string
	Status      FetchStatus
}

// SubmitRequest carries the crawl submission parameters from the API boundary.
type SubmitRequest struct {
	RootURL      string `json:"root_url"`
	MaxPages     int    `json:"max_pages"`
	OwnedSite    bool   `json:"owned_site"`
	ForceRecrawl bool   `json:"force_recrawl"`
}

// ProgressDelta is a single progress update published through the cache/queue
// boundary. Seq increases monotonically per job so consumers can deduplicate
// at-least-once deliveries; the counters carry the job's running totals, so
// dropping a superseded entry loses nothing.
type ProgressDelta struct {
	JobID     string    `json:"job_id"`
	Seq       int64     `json:"seq"`
	Processed int64     `json:"processed"`
	Failed    int64     `json:"failed"`
	Skipped   int64     `json:"skipped"`
	At        time.Time `json:"at"`
}
