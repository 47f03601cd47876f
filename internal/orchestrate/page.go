package orchestrate

import (
	"context"
	"errors"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/quarrylabs/quarry/internal/backpressure"
	"github.com/quarrylabs/quarry/internal/chunk"
	"github.com/quarrylabs/quarry/internal/dedupe"
	"github.com/quarrylabs/quarry/internal/pipeline"
	"github.com/quarrylabs/quarry/internal/progress"
)

// processPage runs one URL through fetch, change detection, metadata,
// chunking, dedup, embedding, and persistence. Failures are page-scoped:
// counters and events record the outcome and the job keeps going.
func (o *Orchestrator) processPage(ctx context.Context, run *jobRun, manager *backpressure.Manager, filter *dedupe.Filter, pageURL string) {
	started := o.clock.Now()
	site := hostOf(run.job.RootURL)
	log := o.logger.With(zap.String("job_id", run.job.ID), zap.String("url", pageURL))

	// owned sites skip both robots checks and the per-host limiter
	if !run.job.OwnedSite {
		if o.opts.RespectRobots && o.robots != nil && !o.robots.Allowed(ctx, pageURL) {
			run.skipped.Add(1)
			o.emitPage(run, progress.StagePageSkipped, site, pageURL, 0, started, "robots disallowed")
			return
		}
		if o.limiter != nil {
			if err := o.limiter.Wait(ctx, pageURL); err != nil {
				return
			}
		}
	}

	var page pipeline.Page
	fetchErr := o.opts.Retry.Do(ctx, func() error {
		var err error
		page, err = o.extractor.Extract(ctx, pageURL)
		return err
	})
	if fetchErr != nil {
		if errors.Is(fetchErr, context.Canceled) || errors.Is(fetchErr, context.DeadlineExceeded) {
			return
		}
		run.failed.Add(1)
		manager.OnFailure()
		o.persistOutcome(run, pageURL, "", pipeline.FetchStatusFailed)
		o.emitPage(run, progress.StagePageFailed, site, pageURL, 0, started, fetchErr.Error())
		log.Warn("page fetch failed", zap.Error(fetchErr))
		return
	}

	if page.Status == pipeline.FetchStatusSkipped {
		run.skipped.Add(1)
		manager.OnSuccess()
		o.persistOutcome(run, pageURL, "", pipeline.FetchStatusSkipped)
		o.emitPage(run, progress.StagePageSkipped, site, pageURL, 0, started, "non-html content")
		return
	}

	if !run.job.ForceRecrawl {
		prev, err := o.store.LatestContentHash(ctx, pageURL)
		if err == nil && prev == page.ContentHash {
			run.skipped.Add(1)
			manager.OnSuccess()
			o.emitPage(run, progress.StagePageSkipped, site, pageURL, 0, started, "content unchanged")
			return
		}
	}

	md := o.metadata.Extract(page.Text, page.URL, page.Title)

	pageID, err := o.ids.NewID()
	if err != nil {
		run.failed.Add(1)
		log.Error("page id", zap.Error(err))
		return
	}
	record := pipeline.PageRecord{
		ID:          pageID,
		JobID:       run.job.ID,
		URL:         page.URL,
		Title:       page.Title,
		Text:        page.Text,
		FetchStatus: pipeline.FetchStatusOK,
		ContentHash: page.ContentHash,
		FetchedAt:   started,
	}

	chunks, err := o.buildChunks(filter, record, md, o.splitter)
	if err != nil {
		run.failed.Add(1)
		log.Error("chunk build", zap.Error(err))
		return
	}

	stored, embErr := o.embedPage(ctx, filter, record, md, chunks)
	if embErr != nil {
		if errors.Is(embErr, context.Canceled) || errors.Is(embErr, context.DeadlineExceeded) {
			return
		}
		run.failed.Add(1)
		manager.OnFailure()
		o.persistOutcome(run, pageURL, "", pipeline.FetchStatusFailed)
		o.emitPage(run, progress.StagePageFailed, site, pageURL, 0, started, embErr.Error())
		log.Warn("page embedding failed", zap.Error(embErr))
		return
	}

	if err := o.store.SavePage(ctx, record, stored); err != nil {
		run.failed.Add(1)
		manager.OnFailure()
		o.emitPage(run, progress.StagePageFailed, site, pageURL, 0, started, err.Error())
		log.Error("page persist failed", zap.Error(err))
		return
	}

	run.processed.Add(1)
	manager.OnSuccess()
	o.emitPage(run, progress.StagePageDone, site, pageURL, int64(len(stored)), started, "")
	log.Debug("page processed",
		zap.Int("chunks", len(stored)),
		zap.Duration("elapsed", o.clock.Now().Sub(started)))
}

// buildChunks splits page text, drops duplicate chunks, and assigns
// contiguous indices over the surviving set. Metadata is computed once per
// page and copied onto every chunk.
func (o *Orchestrator) buildChunks(filter *dedupe.Filter, page pipeline.PageRecord, md pipeline.PageMetadata, splitter *chunk.Splitter) ([]pipeline.ChunkRecord, error) {
	pieces := splitter.Split(page.Text)
	kept := make([]pipeline.ChunkRecord, 0, len(pieces))
	for _, piece := range pieces {
		if filter.Seen(piece.Text) {
			continue
		}
		id, err := o.ids.NewID()
		if err != nil {
			return nil, err
		}
		kept = append(kept, pipeline.ChunkRecord{
			ID:            id,
			PageID:        page.ID,
			Text:          piece.Text,
			TokenEstimate: piece.TokenEstimate,
			Metadata:      md,
		})
	}
	for i := range kept {
		kept[i].Index = i
		kept[i].Total = len(kept)
	}
	return kept, nil
}

// embedPage embeds the page's chunks. A single-chunk token rejection means
// the static estimator undercounted: the page is re-chunked once at half the
// ceiling and retried; a second rejection fails the page.
func (o *Orchestrator) embedPage(ctx context.Context, filter *dedupe.Filter, page pipeline.PageRecord, md pipeline.PageMetadata, chunks []pipeline.ChunkRecord) ([]pipeline.ChunkRecord, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	refs := chunkRefs(chunks)
	_, err := o.embedder.Embed(ctx, refs)
	var tle *pipeline.TokenLimitError
	if errors.As(err, &tle) {
		rechunked, buildErr := o.buildChunks(filter, page, md, o.halfSplitter)
		if buildErr != nil {
			return nil, buildErr
		}
		chunks = rechunked
		refs = chunkRefs(chunks)
		_, err = o.embedder.Embed(ctx, refs)
	}
	if err != nil {
		return nil, err
	}

	stored := make([]pipeline.ChunkRecord, 0, len(chunks))
	for _, c := range chunks {
		if c.Vector == nil {
			continue
		}
		stored = append(stored, c)
	}
	for i := range stored {
		stored[i].Index = i
		stored[i].Total = len(stored)
	}
	return stored, nil
}

func chunkRefs(chunks []pipeline.ChunkRecord) []*pipeline.ChunkRecord {
	refs := make([]*pipeline.ChunkRecord, len(chunks))
	for i := range chunks {
		refs[i] = &chunks[i]
	}
	return refs
}

// persistOutcome records a failed or skipped fetch so the page history shows
// the attempt. Best effort: a store error here only logs.
func (o *Orchestrator) persistOutcome(run *jobRun, pageURL, title string, status pipeline.FetchStatus) {
	id, err := o.ids.NewID()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	record := pipeline.PageRecord{
		ID:          id,
		JobID:       run.job.ID,
		URL:         pageURL,
		Title:       title,
		FetchStatus: status,
		FetchedAt:   o.clock.Now(),
	}
	if err := o.store.SavePage(ctx, record, nil); err != nil {
		o.logger.Error("page outcome persist failed",
			zap.String("job_id", run.job.ID),
			zap.String("url", pageURL),
			zap.Error(err))
	}
}

func (o *Orchestrator) emitPage(run *jobRun, stage progress.Stage, site, pageURL string, chunks int64, started time.Time, note string) {
	now := o.clock.Now()
	o.emitter.Emit(progress.Event{
		JobID:  run.job.ID,
		TS:     now,
		Stage:  stage,
		Site:   site,
		URL:    pageURL,
		Chunks: chunks,
		Dur:    now.Sub(started),
		Note:   note,
	})
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
