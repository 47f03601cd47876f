package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across stages.
var (
	// ErrCanceled is returned when a job-level cancellation releases waiters
	// or aborts in-flight work.
	ErrCanceled = errors.New("job canceled")

	// ErrNotFound is returned by stores when a job or page does not exist.
	ErrNotFound = errors.New("not found")
)

// FetchError is a retryable, page-scoped failure fetching a URL.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError is a non-retryable, page-scoped failure extracting content.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse %s: %v", e.URL, e.Err) }

func (e *ParseError) Unwrap() error { return e.Err }

// TokenLimitError reports that the embedding provider rejected a request for
// exceeding its token ceiling. The chunker's ceiling should make this
// unreachable; the orchestrator treats it as a re-chunk-and-retry signal.
type TokenLimitError struct {
	BatchSize int
	Err       error
}

func (e *TokenLimitError) Error() string {
	return fmt.Sprintf("embedding batch of %d exceeded provider token limit: %v", e.BatchSize, e.Err)
}

func (e *TokenLimitError) Unwrap() error { return e.Err }

// ProviderError wraps an embedding provider failure. Transient errors are
// retried with backoff; exhausted retries surface as page-scoped failures.
type ProviderError struct {
	Transient bool
	Err       error
}

func (e *ProviderError) Error() string { return fmt.Sprintf("embedding provider: %v", e.Err) }

func (e *ProviderError) Unwrap() error { return e.Err }

// ConnectionError wraps a cache/queue transport failure. It trips the circuit
// breaker; the pipeline continues degraded.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string { return fmt.Sprintf("cache %s: %v", e.Op, e.Err) }

func (e *ConnectionError) Unwrap() error { return e.Err }

// DiscoveryError is job-scoped: without a working discovery stage there are
// no pages to process, so the whole job fails.
type DiscoveryError struct {
	RootURL string
	Err     error
}

func (e *DiscoveryError) Error() string { return fmt.Sprintf("discover %s: %v", e.RootURL, e.Err) }

func (e *DiscoveryError) Unwrap() error { return e.Err }

// IsRetryable reports whether an error is worth another attempt under the
// shared retry policy. Fetch errors and transient provider errors qualify;
// parse failures and token-limit rejections do not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		// 4xx responses will not improve on retry.
		return fe.StatusCode == 0 || fe.StatusCode >= 500
	}
	var ce *ConnectionError
	return errors.As(err, &ce)
}
