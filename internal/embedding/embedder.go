// Package embedding holds helpers shared by the embedding providers.
package embedding

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"formulary/internal/domain"
)

// Limited wraps an embedder with a client-side rate limit. Each Embed or
// EmbedBatch call consumes one token.
type Limited struct {
	domain.Embedder
	limiter *rate.Limiter
}

// NewLimited limits e to rps calls per second with the given burst. A
// non-positive rps returns e unchanged.
func NewLimited(e domain.Embedder, rps float64, burst int) domain.Embedder {
	if rps <= 0 {
		return e
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limited{Embedder: e, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Embed waits for a token, then embeds text.
func (l *Limited) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.Embedder.Embed(ctx, text)
}

// EmbedBatch waits for a token, then embeds texts.
func (l *Limited) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.Embedder.EmbedBatch(ctx, texts)
}

// InBatches splits texts into groups of at most size and concatenates the
// vectors fn returns for each group, preserving order.
func InBatches(ctx context.Context, texts []string, size int, fn func(ctx context.Context, batch []string) ([][]float32, error)) ([][]float32, error) {
	if size <= 0 {
		size = len(texts)
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		vecs, err := fn(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("%w: got %d vectors for %d inputs", domain.ErrEmbeddingService, len(vecs), end-start)
		}
		out = append(out, vecs...)
	}
	return out, nil
}
