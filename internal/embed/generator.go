// Package embed turns chunk text into vectors through an embeddings
// provider, batching calls under the provider's request and token ceilings.
package embed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quarrylabs/quarry/internal/pipeline"
)

// Options bounds a Generator's batches and call rate.
type Options struct {
	// BatchSize is the maximum number of texts per provider call.
	BatchSize int
	// MaxTokensPerCall is the provider's per-call token ceiling. Batches
	// are packed to stay under it.
	MaxTokensPerCall int
	// RequestsPerSecond and Burst configure the shared rate limiter.
	RequestsPerSecond float64
	Burst             int
	// CallTimeout bounds each provider call, so one hung request cannot
	// hold a page until the job deadline.
	CallTimeout time.Duration
	// Retry governs transient provider failures.
	Retry pipeline.RetryPolicy
}

// Result reports what happened to the chunks passed to Embed.
type Result struct {
	Embedded int
	Failed   int
}

// Generator embeds chunks in batches. One Generator is shared across all
// jobs so the provider rate limit is honored globally.
type Generator struct {
	embedder embeddings.Embedder
	limiter  *rate.Limiter
	opts     Options
	logger   *zap.Logger
}

// New builds a Generator around a provider-backed embedder.
func New(embedder embeddings.Embedder, opts Options, logger *zap.Logger) *Generator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.MaxTokensPerCall <= 0 {
		opts.MaxTokensPerCall = 7500
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 60 * time.Second
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = pipeline.DefaultRetryPolicy()
	}
	return &Generator{
		embedder: embedder,
		limiter:  rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		opts:     opts,
		logger:   logger,
	}
}

// Embed fills in the Vector of every chunk it can embed. Chunks in a batch
// that fails permanently keep a nil Vector and count as Failed. A
// TokenLimitError is returned when a single chunk exceeds the per-call token
// ceiling, so the caller can re-chunk the page smaller.
func (g *Generator) Embed(ctx context.Context, chunks []*pipeline.ChunkRecord) (Result, error) {
	var res Result
	for _, batch := range g.pack(chunks) {
		if err := g.embedBatch(ctx, batch, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// pack greedily groups chunks into batches under both the count and token
// ceilings. Order is preserved.
func (g *Generator) pack(chunks []*pipeline.ChunkRecord) [][]*pipeline.ChunkRecord {
	var batches [][]*pipeline.ChunkRecord
	var cur []*pipeline.ChunkRecord
	tokens := 0
	for _, c := range chunks {
		if len(cur) > 0 && (len(cur) >= g.opts.BatchSize || tokens+c.TokenEstimate > g.opts.MaxTokensPerCall) {
			batches = append(batches, cur)
			cur, tokens = nil, 0
		}
		cur = append(cur, c)
		tokens += c.TokenEstimate
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}

func (g *Generator) embedBatch(ctx context.Context, batch []*pipeline.ChunkRecord, res *Result) error {
	if len(batch) == 1 && batch[0].TokenEstimate > g.opts.MaxTokensPerCall {
		return &pipeline.TokenLimitError{BatchSize: 1}
	}

	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}

	var vectors [][]float32
	err := g.opts.Retry.Do(ctx, func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, g.opts.CallTimeout)
		defer cancel()
		start := time.Now()
		v, err := g.embedder.EmbedDocuments(callCtx, texts)
		if err != nil {
			// A timed-out call is transient unless the whole job is done.
			// The deadline sentinel is deliberately not wrapped: the retry
			// policy treats it as the caller's context expiring.
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return &pipeline.ProviderError{
					Transient: true,
					Err:       fmt.Errorf("call timed out after %s", g.opts.CallTimeout),
				}
			}
			return classify(err)
		}
		g.logger.Debug("embedded batch",
			zap.Int("texts", len(texts)),
			zap.Duration("elapsed", time.Since(start)))
		vectors = v
		return nil
	})

	switch {
	case err == nil:
		if len(vectors) != len(batch) {
			res.Failed += len(batch)
			g.logger.Warn("provider returned wrong vector count",
				zap.Int("want", len(batch)), zap.Int("got", len(vectors)))
			return nil
		}
		for i, c := range batch {
			c.Vector = vectors[i]
		}
		res.Embedded += len(batch)
		return nil

	case isTokenLimit(err):
		// The estimate undercounted. Halve the batch and try each side;
		// a single oversized chunk surfaces to the caller for re-chunking.
		if len(batch) == 1 {
			return &pipeline.TokenLimitError{BatchSize: 1, Err: err}
		}
		mid := len(batch) / 2
		if err := g.embedBatch(ctx, batch[:mid], res); err != nil {
			return err
		}
		return g.embedBatch(ctx, batch[mid:], res)

	case ctx.Err() != nil:
		return ctx.Err()

	default:
		res.Failed += len(batch)
		g.logger.Warn("embedding batch failed permanently",
			zap.Int("texts", len(batch)), zap.Error(err))
		return nil
	}
}

// classify maps a raw provider error onto the pipeline error taxonomy so
// the retry policy can tell transient failures from permanent ones.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	if isTokenLimit(err) {
		return err
	}
	transient := strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection") ||
		strings.Contains(msg, "unavailable") ||
		strings.Contains(msg, "500") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "504")
	return &pipeline.ProviderError{Transient: transient, Err: err}
}

func isTokenLimit(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "maximum context length") ||
		(strings.Contains(msg, "token") && strings.Contains(msg, "limit"))
}
