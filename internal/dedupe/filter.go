// Package dedupe filters near-duplicate chunks within a crawl job so
// boilerplate repeated across pages is embedded once.
package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"unicode"

	"github.com/bits-and-blooms/bloom/v3"
)

// Filter tracks chunk fingerprints for a single job. A bloom filter gives a
// cheap first pass; an exact set behind it removes false positives for the
// expected job sizes.
type Filter struct {
	mu          sync.Mutex
	bloom       *bloom.BloomFilter
	seen        map[string]struct{}
	minChunkLen int
}

// Options configures a Filter.
type Options struct {
	// ExpectedChunks sizes the bloom filter. Zero uses a default suited to
	// a mid-size site crawl.
	ExpectedChunks uint
	// FalsePositiveRate for the bloom filter. Zero uses 1%.
	FalsePositiveRate float64
	// MinChunkLen exempts short chunks from deduplication. Short fragments
	// collide too easily to be worth dropping.
	MinChunkLen int
}

// New builds a job-scoped Filter.
func New(opts Options) *Filter {
	if opts.ExpectedChunks == 0 {
		opts.ExpectedChunks = 100_000
	}
	if opts.FalsePositiveRate == 0 {
		opts.FalsePositiveRate = 0.01
	}
	if opts.MinChunkLen == 0 {
		opts.MinChunkLen = 80
	}
	return &Filter{
		bloom:       bloom.NewWithEstimates(opts.ExpectedChunks, opts.FalsePositiveRate),
		seen:        make(map[string]struct{}),
		minChunkLen: opts.MinChunkLen,
	}
}

// Seen reports whether an equivalent chunk was already admitted, and admits
// this one if not. Chunks shorter than MinChunkLen are never deduplicated.
func (f *Filter) Seen(text string) bool {
	if len(text) < f.minChunkLen {
		return false
	}
	fp := Fingerprint(text)

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.bloom.TestOrAddString(fp) {
		f.seen[fp] = struct{}{}
		return false
	}
	// Bloom hit: confirm against the exact set.
	if _, dup := f.seen[fp]; dup {
		return true
	}
	f.seen[fp] = struct{}{}
	return false
}

// Len returns the number of distinct chunks admitted so far.
func (f *Filter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

// Fingerprint hashes the normalized chunk text. Normalization lowercases and
// collapses whitespace so formatting differences do not defeat dedup.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(normalize(text)))
	return hex.EncodeToString(sum[:])
}

func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}
