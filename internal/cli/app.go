package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"formulary/internal/config"
	"formulary/internal/domain"
	"formulary/internal/embedding"
	"formulary/internal/embedding/hashing"
	ollamaemb "formulary/internal/embedding/ollama"
	openaiemb "formulary/internal/embedding/openai"
	"formulary/internal/extractor"
	"formulary/internal/ledger"
	"formulary/internal/llm/anthropic"
	ollamallm "formulary/internal/llm/ollama"
	openaillm "formulary/internal/llm/openai"
	"formulary/internal/service"
	"formulary/internal/sqlitedb"
	"formulary/internal/vectorstore/memory"
	"formulary/internal/vectorstore/milvus"
	"formulary/internal/vectorstore/qdrant"
	"formulary/internal/vectorstore/sqlite"
)

// App holds the assembled components for one command invocation.
type App struct {
	Pipeline *service.Pipeline
	Ledger   *ledger.Ledger
	Log      *zap.Logger
	closers  []func() error
}

// Close releases databases and connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// Builder assembles an App from configuration.
type Builder func(ctx context.Context, cfg *config.AppConfig, log *zap.Logger) (*App, error)

// Build wires the components named in cfg.
func Build(ctx context.Context, cfg *config.AppConfig, log *zap.Logger) (_ *App, err error) {
	app := &App{Log: log}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	pcfg, err := cfg.Pipeline()
	if err != nil {
		return nil, err
	}
	emb, err := newEmbedder(cfg.Embedder)
	if err != nil {
		return nil, err
	}

	db, err := sqlitedb.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, db.Close)
	app.Ledger, err = ledger.New(ctx, db)
	if err != nil {
		return nil, err
	}

	idx, err := app.newIndex(ctx, cfg, db)
	if err != nil {
		return nil, err
	}
	opts := []service.Option{service.WithLedger(app.Ledger)}
	lm, err := newLanguageModel(cfg.LLM)
	if err != nil {
		return nil, err
	}
	if lm != nil {
		opts = append(opts, service.WithLanguageModel(lm))
	}
	app.Pipeline = service.New(pcfg, extractor.NewPDFExtractor(log), emb, idx, log, opts...)
	log.Debug("pipeline ready",
		zap.String("embedder", emb.Name()),
		zap.String("vector_store", cfg.VectorStore.Type),
		zap.String("llm", cfg.LLM.Type))
	return app, nil
}

func newEmbedder(c config.EmbedderConfig) (domain.Embedder, error) {
	var emb domain.Embedder
	switch c.Type {
	case "hashing", "":
		emb = hashing.NewEmbedder(c.Dimension)
	case "openai":
		if c.OpenAI == nil {
			return nil, errors.New("openai embedder config missing")
		}
		client, err := openaiemb.NewClient(openaiemb.Config{
			BaseURL:    c.OpenAI.BaseURL,
			APIKeyEnv:  c.OpenAI.APIKeyEnv,
			Model:      c.OpenAI.Model,
			Timeout:    time.Duration(c.OpenAI.TimeoutSecs) * time.Second,
			BatchSize:  c.OpenAI.BatchSize,
			Dimensions: c.OpenAI.Dimensions,
		})
		if err != nil {
			return nil, fmt.Errorf("openai embedder init failed: %w", err)
		}
		emb = client
	case "ollama":
		if c.Ollama == nil {
			return nil, errors.New("ollama embedder config missing")
		}
		client, err := ollamaemb.New(ollamaemb.Config{
			Host:      c.Ollama.Host,
			Model:     c.Ollama.Model,
			KeepAlive: time.Duration(c.Ollama.KeepAliveMins) * time.Minute,
			Timeout:   time.Duration(c.Ollama.TimeoutSecs) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("ollama embedder init failed: %w", err)
		}
		emb = client
	default:
		return nil, fmt.Errorf("unknown embedder: %s", c.Type)
	}
	if c.RateLimit > 0 {
		emb = embedding.NewLimited(emb, c.RateLimit, c.Burst)
	}
	return emb, nil
}

func (a *App) newIndex(ctx context.Context, cfg *config.AppConfig, ledgerDB *sqlx.DB) (domain.VectorIndex, error) {
	vs := cfg.VectorStore
	switch vs.Type {
	case "memory":
		return memory.NewStorage(), nil
	case "sqlite", "":
		db := ledgerDB
		if cfg.IndexPath() != cfg.DatabasePath() {
			var err error
			if db, err = sqlitedb.Open(cfg.IndexPath()); err != nil {
				return nil, err
			}
			a.closers = append(a.closers, db.Close)
		}
		return sqlite.NewStorage(db), nil
	case "qdrant":
		if vs.Qdrant == nil {
			return nil, errors.New("qdrant config missing")
		}
		return qdrant.NewStorage(qdrant.Config{
			URL:        vs.Qdrant.URL,
			APIKey:     envOrEmpty(vs.Qdrant.APIKeyEnv),
			Collection: vs.Qdrant.Collection,
			Timeout:    time.Duration(vs.Qdrant.TimeoutSecs) * time.Second,
		}), nil
	case "milvus":
		if vs.Milvus == nil {
			return nil, errors.New("milvus config missing")
		}
		st, err := milvus.NewStorage(ctx, milvus.Config{
			Address:    vs.Milvus.Address,
			APIKey:     envOrEmpty(vs.Milvus.APIKeyEnv),
			Collection: vs.Milvus.Collection,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { return st.Close(context.Background()) })
		return st, nil
	default:
		return nil, fmt.Errorf("unknown vector store: %s", vs.Type)
	}
}

func newLanguageModel(c config.LLMConfig) (domain.LanguageModel, error) {
	timeout := time.Duration(c.TimeoutSecs) * time.Second
	switch c.Type {
	case "none", "":
		return nil, nil
	case "openai":
		return openaillm.New(openaillm.Config{
			BaseURL: c.BaseURL, APIKeyEnv: c.APIKeyEnv, Model: c.Model, System: c.System,
			MaxTokens: c.MaxTokens, Temperature: c.Temperature, Timeout: timeout,
		})
	case "anthropic":
		return anthropic.New(anthropic.Config{
			BaseURL: c.BaseURL, APIKeyEnv: c.APIKeyEnv, Model: c.Model, System: c.System,
			MaxTokens: c.MaxTokens, Temperature: c.Temperature, Timeout: timeout,
		})
	case "ollama":
		return ollamallm.New(ollamallm.Config{
			Host: c.BaseURL, Model: c.Model, System: c.System,
			Temperature: c.Temperature, Timeout: timeout,
		})
	default:
		return nil, fmt.Errorf("unknown llm: %s", c.Type)
	}
}

func envOrEmpty(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}
