// Package service wires extraction, chunking, embedding, the vector index,
// ranking and composition into the ingest and query pipelines.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"formulary/internal/chunker"
	"formulary/internal/composer"
	"formulary/internal/domain"
	"formulary/internal/insurer"
	"formulary/internal/ledger"
	"formulary/internal/ranker"
	"formulary/internal/retry"
)

// Config holds every tunable of the pipeline. It is passed explicitly;
// nothing is read from the environment.
type Config struct {
	ChunkSize    int
	ChunkOverlap int
	// EmbedBatchSize bounds how many passages go to the embedder per call.
	EmbedBatchSize int
	TopK           int

	EmbedTimeout   time.Duration
	IndexTimeout   time.Duration
	ComposeTimeout time.Duration
	Retry          retry.Policy

	RestrictionPriority []ranker.Restriction
	MaxAlternatives     int
	EvidenceLines       int

	// Workers bounds parallel documents in IngestBatch.
	Workers int
	// Force re-ingests documents the ledger already holds unchanged.
	Force   bool
	Aliases []insurer.Alias
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		ChunkSize:           chunker.DefaultMaxSize,
		ChunkOverlap:        chunker.DefaultOverlap,
		EmbedBatchSize:      64,
		TopK:                10,
		EmbedTimeout:        30 * time.Second,
		IndexTimeout:        15 * time.Second,
		ComposeTimeout:      60 * time.Second,
		Retry:               retry.DefaultPolicy(),
		RestrictionPriority: ranker.DefaultPriority,
		MaxAlternatives:     ranker.DefaultMaxAlternatives,
		EvidenceLines:       2,
		Workers:             4,
		Aliases:             insurer.DefaultAliases,
	}
}

// Extractor turns a formulary file into pages of text.
type Extractor interface {
	Extract(ctx context.Context, src domain.Source) (*domain.FormularyDocument, []error, error)
}

// Ledger remembers ingested documents.
type Ledger interface {
	Seen(ctx context.Context, documentID, sha256 string) (bool, error)
	Record(ctx context.Context, e ledger.Entry) error
}

// Pipeline runs ingestion and queries. Safe for concurrent use.
type Pipeline struct {
	cfg       Config
	extractor Extractor
	chunker   *chunker.RowChunker
	embedder  domain.Embedder
	index     domain.VectorIndex
	composer  *composer.Composer
	ledger    Ledger
	log       *zap.Logger

	initMu    sync.Mutex
	dimension int
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithLanguageModel enables composed answers. Without it answers use the
// ranked fields only.
func WithLanguageModel(lm domain.LanguageModel) Option {
	return func(p *Pipeline) {
		if lm != nil {
			p.composer = composer.New(lm, p.log)
		}
	}
}

// WithLedger enables skip-unchanged bookkeeping in IngestBatch.
func WithLedger(l Ledger) Option {
	return func(p *Pipeline) { p.ledger = l }
}

// New assembles a pipeline. Zero config fields take their defaults,
// except ChunkOverlap where zero means no overlap.
func New(cfg Config, ex Extractor, emb domain.Embedder, idx domain.VectorIndex, log *zap.Logger, opts ...Option) *Pipeline {
	cfg = withDefaults(cfg)
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pipeline{
		cfg:       cfg,
		extractor: ex,
		chunker:   chunker.New(chunker.WithMaxSize(cfg.ChunkSize), chunker.WithOverlap(cfg.ChunkOverlap)),
		embedder:  emb,
		index:     idx,
		log:       log,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = def.ChunkOverlap
	}
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = def.EmbedBatchSize
	}
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = def.EmbedTimeout
	}
	if cfg.IndexTimeout <= 0 {
		cfg.IndexTimeout = def.IndexTimeout
	}
	if cfg.ComposeTimeout <= 0 {
		cfg.ComposeTimeout = def.ComposeTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	if len(cfg.RestrictionPriority) == 0 {
		cfg.RestrictionPriority = def.RestrictionPriority
	}
	if cfg.MaxAlternatives <= 0 {
		cfg.MaxAlternatives = def.MaxAlternatives
	}
	if cfg.EvidenceLines <= 0 {
		cfg.EvidenceLines = def.EvidenceLines
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if len(cfg.Aliases) == 0 {
		cfg.Aliases = def.Aliases
	}
	return cfg
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// call runs fn with retries under a deadline covering all attempts. The
// error wraps sentinel, and domain.ErrTimeout when the deadline expired.
func (p *Pipeline) call(ctx context.Context, timeout time.Duration, sentinel error, op string, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := retry.Do(cctx, p.cfg.Retry, fn)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s after %s: %w: %w", op, timeout, domain.ErrTimeout, err)
	}
	if !errors.Is(err, sentinel) {
		err = fmt.Errorf("%w: %w", sentinel, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ensureIndex initialises the index once the vector dimension is known.
func (p *Pipeline) ensureIndex(ctx context.Context, dim int) error {
	p.initMu.Lock()
	defer p.initMu.Unlock()
	if p.dimension == dim {
		return nil
	}
	if p.dimension != 0 {
		return retry.Permanent(fmt.Errorf("%w: embedder produced %d-dimensional vectors, index uses %d", domain.ErrIndexService, dim, p.dimension))
	}
	err := p.call(ctx, p.cfg.IndexTimeout, domain.ErrIndexService, "init index", func(ctx context.Context) error {
		return p.index.Init(ctx, dim)
	})
	if err != nil {
		return err
	}
	p.dimension = dim
	return nil
}

func (p *Pipeline) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vecs [][]float32
	err := p.call(ctx, p.cfg.EmbedTimeout, domain.ErrEmbeddingService, "embed passages", func(ctx context.Context) error {
		v, err := p.embedder.EmbedBatch(ctx, texts)
		vecs = v
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("%w: %d vectors for %d passages", domain.ErrEmbeddingService, len(vecs), len(texts))
	}
	return vecs, nil
}

func (p *Pipeline) embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := p.call(ctx, p.cfg.EmbedTimeout, domain.ErrEmbeddingService, "embed question", func(ctx context.Context) error {
		v, err := p.embedder.Embed(ctx, text)
		vec = v
		return err
	})
	return vec, err
}
