// Package memory provides an in-memory pipeline.Store for development and
// tests. Semantics mirror the Postgres store: a successful SavePage replaces
// earlier versions of the same URL atomically, while failed and skipped
// attempts append to the URL's history without touching indexed data.
package memory

import (
	"context"
	"sync"

	"github.com/quarrylabs/quarry/internal/pipeline"
)

type pageEntry struct {
	page   pipeline.PageRecord
	chunks []pipeline.ChunkRecord
}

// Store holds jobs, pages, and chunks behind one mutex.
type Store struct {
	mu    sync.RWMutex
	jobs  map[string]pipeline.CrawlJob
	pages map[string][]pageEntry // keyed by URL, oldest first
}

// New builds an empty Store.
func New() *Store {
	return &Store{
		jobs:  make(map[string]pipeline.CrawlJob),
		pages: make(map[string][]pageEntry),
	}
}

// CreateJob stores a new job.
func (s *Store) CreateJob(_ context.Context, job pipeline.CrawlJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

// UpdateJob replaces an existing job, or returns ErrNotFound.
func (s *Store) UpdateJob(_ context.Context, job pipeline.CrawlJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return pipeline.ErrNotFound
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob returns a job by ID, or ErrNotFound.
func (s *Store) GetJob(_ context.Context, jobID string) (pipeline.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return pipeline.CrawlJob{}, pipeline.ErrNotFound
	}
	return job, nil
}

// SavePage records a crawl attempt for the URL. A successful page replaces
// all earlier versions in one step; failed and skipped attempts append, so a
// bad re-fetch never destroys previously indexed chunks.
func (s *Store) SavePage(_ context.Context, page pipeline.PageRecord, chunks []pipeline.ChunkRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := pageEntry{
		page:   page,
		chunks: append([]pipeline.ChunkRecord(nil), chunks...),
	}
	if page.FetchStatus == pipeline.FetchStatusOK {
		s.pages[page.URL] = []pageEntry{entry}
		return nil
	}
	s.pages[page.URL] = append(s.pages[page.URL], entry)
	return nil
}

// LatestContentHash returns the hash of the last successful crawl of url.
func (s *Store) LatestContentHash(_ context.Context, url string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.pages[url]
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].page.FetchStatus == pipeline.FetchStatusOK {
			return entries[i].page.ContentHash, nil
		}
	}
	return "", pipeline.ErrNotFound
}

// Ping implements the readiness probe; the in-memory store is always up.
func (s *Store) Ping(context.Context) error { return nil }

// Close implements the store lifecycle; nothing to release.
func (s *Store) Close() {}

// PageCount reports how many distinct URLs are stored. Test helper.
func (s *Store) PageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pages)
}

// Chunks returns the chunks from the last successful crawl of url. Test
// helper.
func (s *Store) Chunks(url string) []pipeline.ChunkRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.pages[url]
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].page.FetchStatus == pipeline.FetchStatusOK {
			return append([]pipeline.ChunkRecord(nil), entries[i].chunks...)
		}
	}
	return nil
}
