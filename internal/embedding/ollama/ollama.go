// Package ollama embeds text with a local Ollama server.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ollama/ollama/api"

	"formulary/internal/domain"
	"formulary/internal/retry"
)

const DefaultModel = "nomic-embed-text"

// Config configures the Ollama embedder.
type Config struct {
	// Host is the server URL; empty uses OLLAMA_HOST or the local default.
	Host      string
	Model     string
	KeepAlive time.Duration
	Timeout   time.Duration
}

// Embedder calls the Ollama embeddings endpoint.
type Embedder struct {
	cli       *api.Client
	model     string
	keepAlive time.Duration
	mu        sync.Mutex
	dimension int
}

// New creates an embedder.
func New(cfg Config) (*Embedder, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 60 * time.Minute
	}
	var cli *api.Client
	if cfg.Host == "" {
		c, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("ollama client: %w", err)
		}
		cli = c
	} else {
		base, err := url.Parse(cfg.Host)
		if err != nil {
			return nil, fmt.Errorf("ollama host %q: %w", cfg.Host, err)
		}
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 60 * time.Second
		}
		cli = api.NewClient(base, &http.Client{Timeout: timeout})
	}
	return &Embedder{cli: cli, model: cfg.Model, keepAlive: cfg.KeepAlive}, nil
}

// Name returns the identifier of this embedder implementation.
func (e *Embedder) Name() string { return "ollama" }

// Dimension is known after the first successful call.
func (e *Embedder) Dimension() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dimension
}

// Embed returns the embedding of text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	req := &api.EmbeddingRequest{
		Model:     e.model,
		Prompt:    text,
		KeepAlive: &api.Duration{Duration: e.keepAlive},
	}
	resp, err := e.cli.Embeddings(ctx, req)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Embedding) == 0 {
		return nil, errors.Join(domain.ErrEmbeddingService, errors.New("empty embedding"))
	}
	vec := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		vec[i] = float32(v)
	}
	e.mu.Lock()
	if e.dimension == 0 {
		e.dimension = len(vec)
	}
	e.mu.Unlock()
	return vec, nil
}

// EmbedBatch embeds texts one by one; the endpoint takes a single prompt.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// classify marks client errors (bad model name and the like) as permanent.
func classify(err error) error {
	wrapped := fmt.Errorf("%w: ollama: %w", domain.ErrEmbeddingService, err)
	var se api.StatusError
	if errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500 && se.StatusCode != http.StatusTooManyRequests {
		return retry.Permanent(wrapped)
	}
	return wrapped
}
