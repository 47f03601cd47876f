// Package orchestrate runs crawl jobs end to end: discovery, the per-page
// pipeline fan-out, counters, and job lifecycle transitions.
package orchestrate

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/quarrylabs/quarry/internal/backpressure"
	"github.com/quarrylabs/quarry/internal/chunk"
	"github.com/quarrylabs/quarry/internal/dedupe"
	"github.com/quarrylabs/quarry/internal/embed"
	"github.com/quarrylabs/quarry/internal/pipeline"
	"github.com/quarrylabs/quarry/internal/progress"
)

// EmbeddingGenerator is the embed surface the orchestrator needs; satisfied
// by *embed.Generator.
type EmbeddingGenerator interface {
	Embed(ctx context.Context, chunks []*pipeline.ChunkRecord) (embed.Result, error)
}

// RobotsPolicy answers whether a URL may be fetched. Satisfied by the
// discoverer's robots cache.
type RobotsPolicy interface {
	Allowed(ctx context.Context, pageURL string) bool
}

// HostLimiter spaces fetches per host. Satisfied by politeness.Limiter.
type HostLimiter interface {
	Wait(ctx context.Context, pageURL string) error
}

// Options controls job execution.
type Options struct {
	// MaxPagesDefault applies when a submission leaves max_pages unset.
	MaxPagesDefault int
	// JobDeadline is the soft wall-clock bound per job.
	JobDeadline time.Duration
	// FlushInterval spaces counter flushes to the store and heartbeats.
	FlushInterval time.Duration
	// RespectRobots gates third-party fetches on robots.txt.
	RespectRobots bool

	Chunker chunk.Options
	Dedupe  dedupe.Options

	// Backpressure bounds per-job fetch concurrency; OwnedCeiling replaces
	// Backpressure.Ceiling for owned-site jobs.
	Backpressure backpressure.Options
	OwnedCeiling int

	// Retry governs transient fetch failures.
	Retry pipeline.RetryPolicy
}

// Orchestrator owns the live job table and drives the page pipeline through
// a shared worker pool.
type Orchestrator struct {
	store      pipeline.Store
	extractor  pipeline.Extractor
	metadata   pipeline.MetadataExtractor
	discoverer pipeline.Discoverer
	embedder   EmbeddingGenerator
	robots     RobotsPolicy
	limiter    HostLimiter
	pool       *ants.Pool
	clock      pipeline.Clock
	ids        pipeline.IDGenerator
	emitter    progress.Emitter
	opts       Options
	logger     *zap.Logger

	splitter *chunk.Splitter
	// halfSplitter re-chunks a page at half the token ceiling after the
	// provider rejects a single chunk for length.
	halfSplitter *chunk.Splitter

	mu   sync.Mutex
	jobs map[string]*jobRun
	wg   sync.WaitGroup
}

// jobRun is the live state of a running job. mu guards the job snapshot
// against concurrent Status reads.
type jobRun struct {
	mu     sync.Mutex
	job    pipeline.CrawlJob
	cancel context.CancelFunc

	discovered atomic.Int64
	processed  atomic.Int64
	failed     atomic.Int64
	skipped    atomic.Int64

	canceled atomic.Bool
	done     chan struct{}
}

// New wires an Orchestrator. The pool is shared across jobs; per-job
// concurrency is governed by the backpressure manager, not the pool size.
func New(
	store pipeline.Store,
	extractor pipeline.Extractor,
	metadata pipeline.MetadataExtractor,
	discoverer pipeline.Discoverer,
	embedder EmbeddingGenerator,
	robots RobotsPolicy,
	limiter HostLimiter,
	pool *ants.Pool,
	clock pipeline.Clock,
	ids pipeline.IDGenerator,
	emitter progress.Emitter,
	opts Options,
	logger *zap.Logger,
) *Orchestrator {
	if opts.MaxPagesDefault <= 0 {
		opts.MaxPagesDefault = 500
	}
	if opts.JobDeadline <= 0 {
		opts.JobDeadline = 30 * time.Minute
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 2 * time.Second
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = pipeline.DefaultRetryPolicy()
	}
	if opts.OwnedCeiling <= 0 {
		opts.OwnedCeiling = opts.Backpressure.Ceiling
	}
	if opts.Chunker.MaxTokens <= 0 {
		opts.Chunker.MaxTokens = 480
	}
	return &Orchestrator{
		store:      store,
		extractor:  extractor,
		metadata:   metadata,
		discoverer: discoverer,
		embedder:   embedder,
		robots:     robots,
		limiter:    limiter,
		pool:       pool,
		clock:      clock,
		ids:        ids,
		emitter:    emitter,
		opts:       opts,
		logger:     logger,
		jobs:       make(map[string]*jobRun),
		splitter:   chunk.New(opts.Chunker),
		halfSplitter: chunk.New(chunk.Options{
			MaxTokens:     opts.Chunker.MaxTokens / 2,
			CharsPerToken: opts.Chunker.CharsPerToken,
		}),
	}
}

// Submit validates and persists a new job, then starts it in the background.
func (o *Orchestrator) Submit(ctx context.Context, req pipeline.SubmitRequest) (pipeline.CrawlJob, error) {
	root, err := url.Parse(req.RootURL)
	if err != nil || root.Host == "" || (root.Scheme != "http" && root.Scheme != "https") {
		return pipeline.CrawlJob{}, fmt.Errorf("invalid root_url %q", req.RootURL)
	}
	maxPages := req.MaxPages
	if maxPages <= 0 {
		maxPages = o.opts.MaxPagesDefault
	}

	id, err := o.ids.NewID()
	if err != nil {
		return pipeline.CrawlJob{}, fmt.Errorf("job id: %w", err)
	}
	job := pipeline.CrawlJob{
		ID:           id,
		RootURL:      req.RootURL,
		OwnedSite:    req.OwnedSite,
		ForceRecrawl: req.ForceRecrawl,
		MaxPages:     maxPages,
		Status:       pipeline.JobStatusQueued,
		SubmittedAt:  o.clock.Now(),
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return pipeline.CrawlJob{}, fmt.Errorf("create job: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	run := &jobRun{job: job, cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	o.jobs[job.ID] = run
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(runCtx, run)
	}()

	o.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("root_url", job.RootURL),
		zap.Int("max_pages", job.MaxPages),
		zap.Bool("owned_site", job.OwnedSite))
	return job, nil
}

// Cancel stops a running job. Canceling an unknown or finished job returns
// ErrNotFound.
func (o *Orchestrator) Cancel(jobID string) error {
	o.mu.Lock()
	run, ok := o.jobs[jobID]
	o.mu.Unlock()
	if !ok {
		return pipeline.ErrNotFound
	}
	run.canceled.Store(true)
	run.cancel()
	o.logger.Info("job cancel requested", zap.String("job_id", jobID))
	return nil
}

// Status returns a live snapshot for running jobs, falling back to the
// store for finished ones.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (pipeline.CrawlJob, error) {
	o.mu.Lock()
	run, ok := o.jobs[jobID]
	o.mu.Unlock()
	if ok {
		return run.snapshot(), nil
	}
	return o.store.GetJob(ctx, jobID)
}

// Shutdown cancels all running jobs and waits for their goroutines.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, run := range o.jobs {
		run.canceled.Store(true)
		run.cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator shutdown wait: %w", ctx.Err())
	}
}

func (run *jobRun) snapshot() pipeline.CrawlJob {
	run.mu.Lock()
	job := run.job
	run.mu.Unlock()
	job.Discovered = run.discovered.Load()
	job.Processed = run.processed.Load()
	job.Failed = run.failed.Load()
	job.Skipped = run.skipped.Load()
	return job
}

func (o *Orchestrator) run(ctx context.Context, run *jobRun) {
	defer close(run.done)
	jobID := run.job.ID
	started := o.clock.Now()

	ctx, cancel := context.WithTimeout(ctx, o.opts.JobDeadline)
	defer cancel()

	run.mu.Lock()
	run.job.Status = pipeline.JobStatusRunning
	run.job.StartedAt = &started
	run.mu.Unlock()
	o.flushJob(run)
	o.emitter.Emit(progress.Event{JobID: jobID, TS: started, Stage: progress.StageJobStart})

	urls, err := o.discoverer.Discover(ctx, run.job.RootURL, run.job.MaxPages)
	if err != nil {
		o.finish(run, pipeline.JobStatusFailed, fmt.Sprintf("discovery: %v", err), started)
		return
	}
	run.discovered.Store(int64(len(urls)))
	o.flushJob(run)
	o.logger.Info("job discovery complete",
		zap.String("job_id", jobID), zap.Int("urls", len(urls)))

	bpOpts := o.opts.Backpressure
	if run.job.OwnedSite {
		bpOpts.Ceiling = o.opts.OwnedCeiling
	}
	manager := backpressure.New(bpOpts, o.logger.With(zap.String("job_id", jobID)))
	filter := dedupe.New(o.opts.Dedupe)

	stopFlush := o.startFlushLoop(ctx, run, manager)
	defer stopFlush()

	var pages sync.WaitGroup
	for _, pageURL := range urls {
		release, err := manager.Admit(ctx)
		if err != nil {
			break
		}
		pages.Add(1)
		submitErr := o.pool.Submit(func() {
			defer pages.Done()
			defer release()
			o.processPage(ctx, run, manager, filter, pageURL)
		})
		if submitErr != nil {
			pages.Done()
			release()
			run.failed.Add(1)
			o.logger.Error("worker pool submit failed",
				zap.String("job_id", jobID), zap.Error(submitErr))
		}
	}
	pages.Wait()

	switch {
	case run.canceled.Load():
		o.finish(run, pipeline.JobStatusCanceled, "", started)
	case ctx.Err() != nil:
		o.finish(run, pipeline.JobStatusFailed, "job deadline exceeded", started)
	case run.discovered.Load() > 0 && run.failed.Load() == run.discovered.Load() && o.storeDown():
		// A clean sweep of failures with the store unreachable points at
		// an outage on our side, not at the pages. A site that is simply
		// all 404s still completes with its failure counters.
		o.finish(run, pipeline.JobStatusFailed, "all pages failed: persistence unavailable", started)
	default:
		o.finish(run, pipeline.JobStatusCompleted, "", started)
	}
}

// startFlushLoop periodically writes counter snapshots to the store and
// emits heartbeats while the job runs.
func (o *Orchestrator) startFlushLoop(ctx context.Context, run *jobRun, brake *backpressure.Manager) func() {
	stop := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(o.opts.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.syncPauseState(run, brake)
				o.flushJob(run)
				o.emitter.Emit(progress.Event{
					JobID: run.job.ID,
					TS:    o.clock.Now(),
					Stage: progress.StageJobHB,
				})
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { once.Do(func() { close(stop) }) }
}

// storeDown probes the persistence layer when every page in a job failed.
// Both store implementations expose Ping; a store that does not is assumed
// healthy.
func (o *Orchestrator) storeDown() bool {
	pinger, ok := o.store.(interface{ Ping(context.Context) error })
	if !ok {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return pinger.Ping(ctx) != nil
}

// syncPauseState mirrors the memory brake into the job status, so an
// operator polling a stalled job sees it is paused rather than hung. Only
// the running/paused pair is touched; terminal transitions stay with finish.
func (o *Orchestrator) syncPauseState(run *jobRun, brake *backpressure.Manager) {
	paused := brake.Paused()
	run.mu.Lock()
	switch {
	case paused && run.job.Status == pipeline.JobStatusRunning:
		run.job.Status = pipeline.JobStatusPaused
	case !paused && run.job.Status == pipeline.JobStatusPaused:
		run.job.Status = pipeline.JobStatusRunning
	}
	run.mu.Unlock()
}

func (o *Orchestrator) flushJob(run *jobRun) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.UpdateJob(ctx, run.snapshot()); err != nil {
		o.logger.Error("job update failed",
			zap.String("job_id", run.job.ID), zap.Error(err))
	}
}

func (o *Orchestrator) finish(run *jobRun, status pipeline.JobStatus, errText string, started time.Time) {
	finished := o.clock.Now()
	run.mu.Lock()
	run.job.Status = status
	run.job.ErrorText = errText
	run.job.FinishedAt = &finished
	run.mu.Unlock()
	o.flushJob(run)

	o.mu.Lock()
	delete(o.jobs, run.job.ID)
	o.mu.Unlock()

	stage := progress.StageJobDone
	switch status {
	case pipeline.JobStatusFailed:
		stage = progress.StageJobError
	case pipeline.JobStatusCanceled:
		stage = progress.StageJobCanceled
	}
	o.emitter.Emit(progress.Event{
		JobID: run.job.ID,
		TS:    finished,
		Stage: stage,
		Dur:   finished.Sub(started),
		Note:  errText,
	})
	o.logger.Info("job finished",
		zap.String("job_id", run.job.ID),
		zap.String("status", string(status)),
		zap.Int64("processed", run.processed.Load()),
		zap.Int64("failed", run.failed.Load()),
		zap.Int64("skipped", run.skipped.Load()),
		zap.Duration("elapsed", finished.Sub(started)))
}
