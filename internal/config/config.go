package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"formulary/internal/embedding/hashing"
	"formulary/internal/insurer"
	"formulary/internal/llm"
	"formulary/internal/ranker"
	"formulary/internal/retry"
	"formulary/internal/service"
)

// OpenAIEmbedderConfig holds configuration for the OpenAI-compatible embedder.
type OpenAIEmbedderConfig struct {
	BaseURL     string `yaml:"base_url" toml:"base_url"`
	APIKeyEnv   string `yaml:"api_key_env" toml:"api_key_env"`
	Model       string `yaml:"model" toml:"model"`
	TimeoutSecs int    `yaml:"timeout_secs" toml:"timeout_secs"`
	BatchSize   int    `yaml:"batch_size" toml:"batch_size"`
	Dimensions  int    `yaml:"dimensions,omitempty" toml:"dimensions,omitempty"`
}

// OllamaEmbedderConfig holds configuration for a local Ollama embedder.
type OllamaEmbedderConfig struct {
	Host          string `yaml:"host" toml:"host"`
	Model         string `yaml:"model" toml:"model"`
	KeepAliveMins int    `yaml:"keep_alive_mins" toml:"keep_alive_mins"`
	TimeoutSecs   int    `yaml:"timeout_secs" toml:"timeout_secs"`
}

// EmbedderConfig selects and configures the text embedder implementation.
type EmbedderConfig struct {
	Type string `yaml:"type" toml:"type"`
	// Dimension sizes the offline hashing embedder.
	Dimension int `yaml:"dimension,omitempty" toml:"dimension,omitempty"`
	// RateLimit caps embedding requests per second; zero disables it.
	RateLimit float64               `yaml:"rate_limit,omitempty" toml:"rate_limit,omitempty"`
	Burst     int                   `yaml:"burst,omitempty" toml:"burst,omitempty"`
	OpenAI    *OpenAIEmbedderConfig `yaml:"openai,omitempty" toml:"openai,omitempty"`
	Ollama    *OllamaEmbedderConfig `yaml:"ollama,omitempty" toml:"ollama,omitempty"`
}

// ChunkerConfig configures how pages are split into passages, in runes.
type ChunkerConfig struct {
	MaxSize int `yaml:"max_size" toml:"max_size"`
	Overlap int `yaml:"overlap" toml:"overlap"`
}

// VectorStoreConfig selects and configures the vector store implementation.
type VectorStoreConfig struct {
	Type   string        `yaml:"type" toml:"type"`
	SQLite *SQLiteConfig `yaml:"sqlite,omitempty" toml:"sqlite,omitempty"`
	Qdrant *QdrantConfig `yaml:"qdrant,omitempty" toml:"qdrant,omitempty"`
	Milvus *MilvusConfig `yaml:"milvus,omitempty" toml:"milvus,omitempty"`
}

// SQLiteConfig places the local index. An empty path shares the ledger file.
type SQLiteConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// QdrantConfig contains connection details for a Qdrant vector store.
type QdrantConfig struct {
	URL         string `yaml:"url" toml:"url"`
	APIKeyEnv   string `yaml:"api_key_env,omitempty" toml:"api_key_env,omitempty"`
	Collection  string `yaml:"collection" toml:"collection"`
	TimeoutSecs int    `yaml:"timeout_secs" toml:"timeout_secs"`
}

// MilvusConfig contains connection details for a Milvus vector store.
type MilvusConfig struct {
	Address    string `yaml:"address" toml:"address"`
	APIKeyEnv  string `yaml:"api_key_env,omitempty" toml:"api_key_env,omitempty"`
	Collection string `yaml:"collection" toml:"collection"`
}

// LLMConfig selects the language model that writes rationale lines. Type
// "none" answers from the ranked fields only.
type LLMConfig struct {
	Type        string  `yaml:"type" toml:"type"`
	BaseURL     string  `yaml:"base_url,omitempty" toml:"base_url,omitempty"`
	APIKeyEnv   string  `yaml:"api_key_env,omitempty" toml:"api_key_env,omitempty"`
	Model       string  `yaml:"model,omitempty" toml:"model,omitempty"`
	System      string  `yaml:"system,omitempty" toml:"system,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty" toml:"max_tokens,omitempty"`
	Temperature float64 `yaml:"temperature" toml:"temperature"`
	TimeoutSecs int     `yaml:"timeout_secs,omitempty" toml:"timeout_secs,omitempty"`
}

// RankingConfig tunes retrieval and tie-breaking.
type RankingConfig struct {
	TopK                int      `yaml:"top_k" toml:"top_k"`
	RestrictionPriority []string `yaml:"restriction_priority" toml:"restriction_priority"`
	MaxAlternatives     int      `yaml:"max_alternatives" toml:"max_alternatives"`
	EvidenceLines       int      `yaml:"evidence_lines" toml:"evidence_lines"`
}

// TimeoutsConfig bounds each external call, retries included.
type TimeoutsConfig struct {
	EmbedSecs   int `yaml:"embed_secs" toml:"embed_secs"`
	IndexSecs   int `yaml:"index_secs" toml:"index_secs"`
	ComposeSecs int `yaml:"compose_secs" toml:"compose_secs"`
}

// RetryConfig shapes the backoff for transient service faults.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts" toml:"max_attempts"`
	BaseDelayMS int `yaml:"base_delay_ms" toml:"base_delay_ms"`
	MaxDelayMS  int `yaml:"max_delay_ms" toml:"max_delay_ms"`
}

// IngestConfig controls batch ingestion.
type IngestConfig struct {
	Workers        int  `yaml:"workers" toml:"workers"`
	EmbedBatchSize int  `yaml:"embed_batch_size" toml:"embed_batch_size"`
	Force          bool `yaml:"force" toml:"force"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level       string `yaml:"level" toml:"level"`
	Development bool   `yaml:"development" toml:"development"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	DataDir     string            `yaml:"data_dir" toml:"data_dir"`
	Embedder    EmbedderConfig    `yaml:"embedder" toml:"embedder"`
	Chunker     ChunkerConfig     `yaml:"chunker" toml:"chunker"`
	VectorStore VectorStoreConfig `yaml:"vector_store" toml:"vector_store"`
	LLM         LLMConfig         `yaml:"llm" toml:"llm"`
	Ranking     RankingConfig     `yaml:"ranking" toml:"ranking"`
	Timeouts    TimeoutsConfig    `yaml:"timeouts" toml:"timeouts"`
	Retry       RetryConfig       `yaml:"retry" toml:"retry"`
	Ingest      IngestConfig      `yaml:"ingest" toml:"ingest"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Insurers    []insurer.Alias   `yaml:"insurers,omitempty" toml:"insurers,omitempty"`
}

// Load reads a config from a specified path. Files ending in .toml are
// parsed as TOML, anything else as YAML. If the file does not exist,
// returns defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	var cfg AppConfig
	if isTOML(path) {
		err = toml.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	applyConfigDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// LoadDefault tries ./config.yaml and ./config.toml first, then
// ~/.config/formulary/config.yaml. If none exists, it writes defaults to
// ~/.config/formulary/config.yaml and returns them.
func LoadDefault() (*AppConfig, string, error) {
	for _, cwdPath := range []string{"config.yaml", "config.toml"} {
		if _, err := os.Stat(cwdPath); err == nil {
			cfg, err := Load(cwdPath)
			return cfg, cwdPath, err
		}
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	cfg := Default()
	if err := Save(userPath, cfg); err != nil {
		return nil, "", err
	}
	return cfg, userPath, nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var (
		data []byte
		err  error
	)
	if isTOML(path) {
		data, err = toml.Marshal(cfg)
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "formulary", "config.yaml"), nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".formulary"
	}
	return filepath.Join(home, ".local", "share", "formulary")
}

// Default returns the configuration used when no file exists: offline
// hashing embeddings, a SQLite index next to the ledger and no language
// model.
func Default() *AppConfig {
	cfg := &AppConfig{
		Embedder:    EmbedderConfig{Type: "hashing"},
		VectorStore: VectorStoreConfig{Type: "sqlite"},
		LLM:         LLMConfig{Type: "none", Temperature: llm.DefaultTemperature},
	}
	applyConfigDefaults(cfg)
	return cfg
}

func applyConfigDefaults(cfg *AppConfig) {
	def := service.DefaultConfig()
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}
	if cfg.Embedder.Type == "" {
		cfg.Embedder.Type = "hashing"
	}
	if cfg.Embedder.Type == "hashing" && cfg.Embedder.Dimension == 0 {
		cfg.Embedder.Dimension = hashing.DefaultDimension
	}
	if cfg.Embedder.Type == "openai" {
		if cfg.Embedder.OpenAI == nil {
			cfg.Embedder.OpenAI = &OpenAIEmbedderConfig{}
		}
		o := cfg.Embedder.OpenAI
		if o.BaseURL == "" {
			o.BaseURL = "https://api.openai.com/v1"
		}
		if o.APIKeyEnv == "" {
			o.APIKeyEnv = "OPENAI_API_KEY"
		}
		if o.Model == "" {
			o.Model = "text-embedding-3-small"
		}
		if o.TimeoutSecs == 0 {
			o.TimeoutSecs = 30
		}
		if o.BatchSize == 0 {
			o.BatchSize = 32
		}
	}
	if cfg.Embedder.Type == "ollama" {
		if cfg.Embedder.Ollama == nil {
			cfg.Embedder.Ollama = &OllamaEmbedderConfig{}
		}
		if cfg.Embedder.Ollama.Model == "" {
			cfg.Embedder.Ollama.Model = "nomic-embed-text"
		}
		if cfg.Embedder.Ollama.KeepAliveMins == 0 {
			cfg.Embedder.Ollama.KeepAliveMins = 60
		}
	}

	if cfg.Chunker.MaxSize == 0 {
		cfg.Chunker.MaxSize = def.ChunkSize
		if cfg.Chunker.Overlap == 0 {
			cfg.Chunker.Overlap = def.ChunkOverlap
		}
	}

	if cfg.VectorStore.Type == "" {
		cfg.VectorStore.Type = "sqlite"
	}
	switch cfg.VectorStore.Type {
	case "sqlite":
		if cfg.VectorStore.SQLite == nil {
			cfg.VectorStore.SQLite = &SQLiteConfig{}
		}
	case "qdrant":
		if cfg.VectorStore.Qdrant == nil {
			cfg.VectorStore.Qdrant = &QdrantConfig{}
		}
		if cfg.VectorStore.Qdrant.URL == "" {
			cfg.VectorStore.Qdrant.URL = "http://localhost:6333"
		}
		if cfg.VectorStore.Qdrant.Collection == "" {
			cfg.VectorStore.Qdrant.Collection = "formulary"
		}
		if cfg.VectorStore.Qdrant.TimeoutSecs == 0 {
			cfg.VectorStore.Qdrant.TimeoutSecs = 15
		}
	case "milvus":
		if cfg.VectorStore.Milvus == nil {
			cfg.VectorStore.Milvus = &MilvusConfig{}
		}
		if cfg.VectorStore.Milvus.Address == "" {
			cfg.VectorStore.Milvus.Address = "localhost:19530"
		}
		if cfg.VectorStore.Milvus.Collection == "" {
			cfg.VectorStore.Milvus.Collection = "formulary"
		}
	}

	if cfg.LLM.Type == "" {
		cfg.LLM.Type = "none"
	}

	if cfg.Ranking.TopK == 0 {
		cfg.Ranking.TopK = def.TopK
	}
	if len(cfg.Ranking.RestrictionPriority) == 0 {
		for _, r := range def.RestrictionPriority {
			cfg.Ranking.RestrictionPriority = append(cfg.Ranking.RestrictionPriority, string(r))
		}
	}
	if cfg.Ranking.MaxAlternatives == 0 {
		cfg.Ranking.MaxAlternatives = def.MaxAlternatives
	}
	if cfg.Ranking.EvidenceLines == 0 {
		cfg.Ranking.EvidenceLines = def.EvidenceLines
	}

	if cfg.Timeouts.EmbedSecs == 0 {
		cfg.Timeouts.EmbedSecs = int(def.EmbedTimeout / time.Second)
	}
	if cfg.Timeouts.IndexSecs == 0 {
		cfg.Timeouts.IndexSecs = int(def.IndexTimeout / time.Second)
	}
	if cfg.Timeouts.ComposeSecs == 0 {
		cfg.Timeouts.ComposeSecs = int(def.ComposeTimeout / time.Second)
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if cfg.Retry.BaseDelayMS == 0 {
		cfg.Retry.BaseDelayMS = int(def.Retry.BaseDelay / time.Millisecond)
	}
	if cfg.Retry.MaxDelayMS == 0 {
		cfg.Retry.MaxDelayMS = int(def.Retry.MaxDelay / time.Millisecond)
	}

	if cfg.Ingest.Workers == 0 {
		cfg.Ingest.Workers = def.Workers
	}
	if cfg.Ingest.EmbedBatchSize == 0 {
		cfg.Ingest.EmbedBatchSize = def.EmbedBatchSize
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate rejects unknown component types and restriction names.
func (c *AppConfig) Validate() error {
	var errs []error
	switch c.Embedder.Type {
	case "hashing", "openai", "ollama":
	default:
		errs = append(errs, fmt.Errorf("unknown embedder: %q", c.Embedder.Type))
	}
	switch c.VectorStore.Type {
	case "memory", "sqlite", "qdrant", "milvus":
	default:
		errs = append(errs, fmt.Errorf("unknown vector store: %q", c.VectorStore.Type))
	}
	switch c.LLM.Type {
	case "none", "openai", "anthropic", "ollama":
	default:
		errs = append(errs, fmt.Errorf("unknown llm: %q", c.LLM.Type))
	}
	for _, r := range c.Ranking.RestrictionPriority {
		if _, err := ranker.ParseRestriction(r); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Chunker.Overlap < 0 {
		errs = append(errs, fmt.Errorf("chunker overlap must not be negative"))
	}
	return errors.Join(errs...)
}

// DatabasePath is the SQLite file holding the ingestion ledger.
func (c *AppConfig) DatabasePath() string {
	return filepath.Join(c.DataDir, "formulary.db")
}

// IndexPath is the SQLite file holding the local vector index.
func (c *AppConfig) IndexPath() string {
	if c.VectorStore.SQLite != nil && c.VectorStore.SQLite.Path != "" {
		return c.VectorStore.SQLite.Path
	}
	return c.DatabasePath()
}

// Pipeline converts the file settings into the explicit pipeline config.
func (c *AppConfig) Pipeline() (service.Config, error) {
	priority := make([]ranker.Restriction, 0, len(c.Ranking.RestrictionPriority))
	for _, s := range c.Ranking.RestrictionPriority {
		r, err := ranker.ParseRestriction(s)
		if err != nil {
			return service.Config{}, err
		}
		priority = append(priority, r)
	}
	aliases := c.Insurers
	if len(aliases) == 0 {
		aliases = insurer.DefaultAliases
	}
	return service.Config{
		ChunkSize:      c.Chunker.MaxSize,
		ChunkOverlap:   c.Chunker.Overlap,
		EmbedBatchSize: c.Ingest.EmbedBatchSize,
		TopK:           c.Ranking.TopK,
		EmbedTimeout:   time.Duration(c.Timeouts.EmbedSecs) * time.Second,
		IndexTimeout:   time.Duration(c.Timeouts.IndexSecs) * time.Second,
		ComposeTimeout: time.Duration(c.Timeouts.ComposeSecs) * time.Second,
		Retry: retry.Policy{
			MaxAttempts: c.Retry.MaxAttempts,
			BaseDelay:   time.Duration(c.Retry.BaseDelayMS) * time.Millisecond,
			MaxDelay:    time.Duration(c.Retry.MaxDelayMS) * time.Millisecond,
		},
		RestrictionPriority: priority,
		MaxAlternatives:     c.Ranking.MaxAlternatives,
		EvidenceLines:       c.Ranking.EvidenceLines,
		Workers:             c.Ingest.Workers,
		Force:               c.Ingest.Force,
		Aliases:             aliases,
	}, nil
}
