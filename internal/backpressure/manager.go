// Package backpressure adapts per-job fetch concurrency to observed failures
// and process memory pressure.
package backpressure

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quarrylabs/quarry/internal/pipeline"
)

// Options bounds a Manager.
type Options struct {
	// Floor and Ceiling bound the concurrency target. The target starts at
	// Floor and grows additively on sustained success.
	Floor   int
	Ceiling int

	// MemHighWaterBytes pauses admissions when heap use crosses it;
	// MemLowWaterBytes resumes them. Zero disables the memory brake.
	MemHighWaterBytes uint64
	MemLowWaterBytes  uint64

	// ErrorWindow is how many recent page outcomes the error rate is
	// computed over. ErrorRateLimit is the fraction of failures in that
	// window that forces a multiplicative cut.
	ErrorWindow    int
	ErrorRateLimit float64

	// MemCheckInterval throttles ReadMemStats sampling. While the brake is
	// engaged it is also how often parked waiters re-sample memory, since
	// no release fires to wake them.
	MemCheckInterval time.Duration

	// MemProbe overrides the heap sampler. Nil means runtime.ReadMemStats.
	MemProbe func() uint64
}

// Manager is a job-scoped admission gate. Admit blocks until a concurrency
// slot is free, the target adapting between Floor and Ceiling: additive
// increase on sustained success, halving on failures or a high error rate,
// and a full pause while heap use sits above the high watermark.
type Manager struct {
	opts Options

	mu        sync.Mutex
	target    int
	inflight  int
	paused    bool
	wake      chan struct{}
	successes int
	window    []bool
	windowPos int
	windowLen int
	lastCheck time.Time

	// heapInUse is swapped out in tests.
	heapInUse func() uint64

	logger *zap.Logger
}

// New builds a Manager. The caller picks Ceiling per job, so owned sites can
// run with a higher bound than third-party ones.
func New(opts Options, logger *zap.Logger) *Manager {
	if opts.Floor <= 0 {
		opts.Floor = 2
	}
	if opts.Ceiling < opts.Floor {
		opts.Ceiling = opts.Floor
	}
	if opts.ErrorWindow <= 0 {
		opts.ErrorWindow = 20
	}
	if opts.ErrorRateLimit <= 0 {
		opts.ErrorRateLimit = 0.5
	}
	if opts.MemCheckInterval <= 0 {
		opts.MemCheckInterval = 500 * time.Millisecond
	}
	probe := opts.MemProbe
	if probe == nil {
		probe = heapInUse
	}
	return &Manager{
		opts:      opts,
		target:    opts.Floor,
		wake:      make(chan struct{}),
		window:    make([]bool, opts.ErrorWindow),
		heapInUse: probe,
		logger:    logger,
	}
}

func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}

// Admit blocks until a slot is free, returning a release function.
// Cancellation during the wait returns ErrCanceled.
func (m *Manager) Admit(ctx context.Context) (func(), error) {
	for {
		m.mu.Lock()
		m.checkMemoryLocked()
		if !m.paused && m.inflight < m.target {
			m.inflight++
			m.mu.Unlock()
			var once sync.Once
			return func() { once.Do(m.release) }, nil
		}
		ch := m.wake
		m.mu.Unlock()

		// the timer re-runs the memory check: while the brake is engaged
		// with no work in flight, no release will ever fire the wake channel
		timer := time.NewTimer(m.opts.MemCheckInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, pipeline.ErrCanceled
		case <-ch:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (m *Manager) release() {
	m.mu.Lock()
	m.inflight--
	m.notifyLocked()
	m.mu.Unlock()
}

// OnSuccess records a successful page. Every target-many consecutive
// successes grow the target by one, up to the ceiling.
func (m *Manager) OnSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordLocked(false)
	m.successes++
	if m.successes >= m.target && m.target < m.opts.Ceiling {
		m.target++
		m.successes = 0
		m.logger.Debug("raising concurrency target", zap.Int("target", m.target))
		m.notifyLocked()
	}
}

// OnFailure records a failed page and halves the target, never below the
// floor. A window error rate above the limit has the same effect, so bursts
// of failures across goroutines do not repeatedly halve within one window.
func (m *Manager) OnFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordLocked(true)
	m.successes = 0
	if half := m.target / 2; half >= m.opts.Floor {
		m.target = half
	} else {
		m.target = m.opts.Floor
	}
	m.logger.Debug("cutting concurrency target", zap.Int("target", m.target))
}

// Target returns the current concurrency target.
func (m *Manager) Target() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

// Paused reports whether the memory brake is engaged.
func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkMemoryLocked()
	return m.paused
}

// ErrorRate returns the failure fraction over the recent window.
func (m *Manager) ErrorRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errorRateLocked()
}

func (m *Manager) recordLocked(failed bool) {
	m.window[m.windowPos] = failed
	m.windowPos = (m.windowPos + 1) % len(m.window)
	if m.windowLen < len(m.window) {
		m.windowLen++
	}
	if failed && m.windowLen == len(m.window) && m.errorRateLocked() > m.opts.ErrorRateLimit {
		if m.target > m.opts.Floor {
			m.target = m.opts.Floor
			m.logger.Warn("error rate over limit, dropping to floor",
				zap.Float64("rate", m.errorRateLocked()))
		}
	}
}

func (m *Manager) errorRateLocked() float64 {
	if m.windowLen == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < m.windowLen; i++ {
		if m.window[i] {
			failures++
		}
	}
	return float64(failures) / float64(m.windowLen)
}

func (m *Manager) checkMemoryLocked() {
	if m.opts.MemHighWaterBytes == 0 {
		return
	}
	now := time.Now()
	if now.Sub(m.lastCheck) < m.opts.MemCheckInterval {
		return
	}
	m.lastCheck = now

	heap := m.heapInUse()
	switch {
	case !m.paused && heap > m.opts.MemHighWaterBytes:
		m.paused = true
		m.logger.Warn("memory high watermark crossed, pausing admissions",
			zap.Uint64("heap_bytes", heap))
	case m.paused && heap < m.opts.MemLowWaterBytes:
		m.paused = false
		m.logger.Info("memory back under low watermark, resuming",
			zap.Uint64("heap_bytes", heap))
		m.notifyLocked()
	}
}

func (m *Manager) notifyLocked() {
	close(m.wake)
	m.wake = make(chan struct{})
}
