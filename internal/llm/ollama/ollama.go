// Package ollama completes prompts with a local Ollama server.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"formulary/internal/llm"
	"formulary/internal/retry"
)

const DefaultModel = "llama3.2"

// Config configures the generate client.
type Config struct {
	// Host is the server URL; empty uses OLLAMA_HOST or the local default.
	Host        string
	Model       string
	System      string
	Temperature float64
	Timeout     time.Duration
}

// Client implements domain.LanguageModel over /api/generate.
type Client struct {
	cli *api.Client
	cfg Config
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = llm.DefaultTimeout
	}
	if cfg.Host == "" {
		cli, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("ollama client: %w", err)
		}
		return &Client{cli: cli, cfg: cfg}, nil
	}
	base, err := url.Parse(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("ollama host %q: %w", cfg.Host, err)
	}
	return &Client{cli: api.NewClient(base, &http.Client{Timeout: cfg.Timeout}), cfg: cfg}, nil
}

func (c *Client) Name() string { return "ollama" }

// Complete runs a non-streaming generation.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	stream := false
	req := &api.GenerateRequest{
		Model:   c.cfg.Model,
		Prompt:  prompt,
		System:  c.cfg.System,
		Stream:  &stream,
		Options: map[string]any{"temperature": c.cfg.Temperature},
	}
	var b strings.Builder
	err := c.cli.Generate(ctx, req, func(resp api.GenerateResponse) error {
		b.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		wrapped := fmt.Errorf("ollama: %w", err)
		var se api.StatusError
		if errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500 && se.StatusCode != http.StatusTooManyRequests {
			return "", retry.Permanent(wrapped)
		}
		return "", wrapped
	}
	return strings.TrimSpace(b.String()), nil
}
