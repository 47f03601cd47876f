package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quarrylabs/quarry/internal/progress"
)

// PrometheusSink exports ingestion progress metrics. It owns all collectors
// for jobs started/completed/running and per-site page counters.
type PrometheusSink struct {
	jobsStarted   prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec

	pages        *prometheus.CounterVec
	pagesSkipped *prometheus.CounterVec
	pageDuration *prometheus.HistogramVec
	chunksStored *prometheus.CounterVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quarry_jobs_started_total",
			Help: "Total crawl jobs that have started.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quarry_jobs_completed_total",
			Help: "Total crawl jobs completed partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quarry_jobs_running",
			Help: "Current number of running crawl jobs.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quarry_job_runtime_seconds",
			Help:    "Wall time per completed crawl job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quarry_pages_total",
			Help: "Page outcomes partitioned by site and result.",
		}, []string{"site", "result"}),
		pagesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quarry_pages_skipped_total",
			Help: "Skipped pages partitioned by site and skip reason.",
		}, []string{"site", "reason"}),
		pageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quarry_page_duration_seconds",
			Help:    "End-to-end page pipeline duration partitioned by site.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"site"}),
		chunksStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quarry_chunks_stored_total",
			Help: "Embedded chunks persisted per site.",
		}, []string{"site"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobRuntime,
		s.pages,
		s.pagesSkipped,
		s.pageDuration,
		s.chunksStored,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobStart:
		s.jobsStarted.Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
	case progress.StageJobDone:
		s.completeJob(evt, "success")
	case progress.StageJobError:
		s.completeJob(evt, "error")
	case progress.StageJobCanceled:
		s.completeJob(evt, "canceled")
	case progress.StagePageDone:
		s.recordPage(evt, "ok")
	case progress.StagePageSkipped:
		s.recordPage(evt, "skipped")
	case progress.StagePageFailed:
		s.recordPage(evt, "failed")
	}
}

func (s *PrometheusSink) completeJob(evt progress.Event, result string) {
	s.jobsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.JobID) {
		s.jobsRunning.Dec()
	}
}

func (s *PrometheusSink) recordPage(evt progress.Event, result string) {
	site := evt.Site
	if site == "" {
		site = "unknown"
	}
	s.pages.WithLabelValues(site, result).Inc()
	if result == "skipped" {
		// An unchanged page means the index is current; a robots or
		// content-type skip means the page was never indexed at all.
		s.pagesSkipped.WithLabelValues(site, skipReason(evt.Note)).Inc()
	}
	if evt.Dur > 0 {
		s.pageDuration.WithLabelValues(site).Observe(evt.Dur.Seconds())
	}
	if evt.Chunks > 0 {
		s.chunksStored.WithLabelValues(site).Add(float64(evt.Chunks))
	}
}

func skipReason(note string) string {
	switch note {
	case "content unchanged":
		return "unchanged"
	case "robots disallowed":
		return "robots"
	case "non-html content":
		return "non_html"
	default:
		return "other"
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
