// Package qdrant is a minimal REST client to Qdrant implementing
// domain.VectorIndex.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"formulary/internal/domain"
	"formulary/internal/insurer"
	"formulary/internal/retry"
	"formulary/internal/vectorstore"
)

// Storage assumes cosine distance and creates the collection if missing.
type Storage struct {
	url        string
	apiKey     string
	collection string
	dimension  int
	client     *http.Client
}

type Config struct {
	URL        string
	APIKey     string
	Collection string
	Timeout    time.Duration
}

func NewStorage(cfg Config) *Storage {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if cfg.Collection == "" {
		cfg.Collection = "formulary"
	}
	return &Storage{
		url:        strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		client:     &http.Client{Timeout: timeout},
	}
}

// payload mirrors domain.Passage plus the normalised filter keys.
type payload struct {
	DocumentID string          `json:"document_id"`
	Page       int             `json:"page"`
	Offset     int             `json:"offset"`
	Text       string          `json:"text"`
	InsurerKey string          `json:"insurer_key"`
	DrugClass  string          `json:"drug_class"`
	Metadata   domain.Metadata `json:"metadata"`
}

type point struct {
	ID      string    `json:"id"`
	Vector  []float32 `json:"vector"`
	Payload payload   `json:"payload"`
}

type fieldMatch struct {
	Key   string `json:"key"`
	Match struct {
		Value string `json:"value"`
	} `json:"match"`
}

func match(key, value string) fieldMatch {
	m := fieldMatch{Key: key}
	m.Match.Value = value
	return m
}

// Init creates the collection when it does not exist and adds keyword
// payload indexes for the filter fields.
func (s *Storage) Init(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return retry.Permanent(fmt.Errorf("%w: invalid dimension %d", domain.ErrIndexService, dimension))
	}
	collURL := fmt.Sprintf("%s/collections/%s", s.url, s.collection)
	status, err := s.do(ctx, http.MethodGet, collURL, nil, nil)
	if err != nil && status != http.StatusNotFound {
		return err
	}
	if status == http.StatusNotFound {
		body := map[string]any{
			"vectors": map[string]any{
				"size":     dimension,
				"distance": "Cosine",
			},
		}
		if _, err := s.do(ctx, http.MethodPut, collURL, body, nil); err != nil {
			return err
		}
	}
	for _, field := range []string{"insurer_key", "drug_class", "document_id"} {
		body := map[string]any{"field_name": field, "field_schema": "keyword"}
		if _, err := s.do(ctx, http.MethodPut, collURL+"/index?wait=true", body, nil); err != nil {
			return err
		}
	}
	s.dimension = dimension
	return nil
}

// Upsert writes points keyed by the passage UUID.
func (s *Storage) Upsert(ctx context.Context, entries []domain.IndexEntry) error {
	if s.dimension == 0 {
		return retry.Permanent(fmt.Errorf("%w: index not initialised", domain.ErrIndexService))
	}
	if err := vectorstore.CheckEntries(entries, s.dimension); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	points := make([]point, len(entries))
	for i, e := range entries {
		p := e.Passage
		points[i] = point{
			ID:     p.ID,
			Vector: e.Vector,
			Payload: payload{
				DocumentID: p.DocumentID,
				Page:       p.Page,
				Offset:     p.Offset,
				Text:       p.Text,
				InsurerKey: insurer.Key(p.Metadata.Insurer),
				DrugClass:  string(p.Metadata.DrugClass),
				Metadata:   p.Metadata,
			},
		}
	}
	body := map[string]any{"points": points}
	_, err := s.do(ctx, http.MethodPut, fmt.Sprintf("%s/collections/%s/points?wait=true", s.url, s.collection), body, nil)
	return err
}

// DeleteDocument deletes the points whose payload carries documentID.
func (s *Storage) DeleteDocument(ctx context.Context, documentID string) error {
	body := map[string]any{
		"filter": map[string]any{"must": []fieldMatch{match("document_id", documentID)}},
	}
	_, err := s.do(ctx, http.MethodPost, fmt.Sprintf("%s/collections/%s/points/delete?wait=true", s.url, s.collection), body, nil)
	return err
}

func (s *Storage) Query(ctx context.Context, vector []float32, topK int, filter domain.Filter) ([]domain.Candidate, error) {
	if err := vectorstore.CheckFilter(filter); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = vectorstore.DefaultTopK
	}
	must := []fieldMatch{match("insurer_key", insurer.Key(filter.Insurer))}
	if filter.DrugClass != "" {
		must = append(must, match("drug_class", string(filter.DrugClass)))
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
		"filter":       map[string]any{"must": must},
	}
	var resp struct {
		Result []struct {
			ID      string  `json:"id"`
			Score   float64 `json:"score"`
			Payload payload `json:"payload"`
		} `json:"result"`
	}
	if _, err := s.do(ctx, http.MethodPost, fmt.Sprintf("%s/collections/%s/points/search", s.url, s.collection), req, &resp); err != nil {
		return nil, err
	}
	results := make([]domain.Candidate, 0, len(resp.Result))
	for _, r := range resp.Result {
		p := domain.Passage{
			ID:         r.ID,
			DocumentID: r.Payload.DocumentID,
			Page:       r.Payload.Page,
			Offset:     r.Payload.Offset,
			Text:       r.Payload.Text,
			Metadata:   r.Payload.Metadata,
		}
		results = append(results, domain.Candidate{Passage: p, Score: r.Score})
	}
	vectorstore.Sort(results)
	return results, nil
}

// do sends a JSON request and decodes the reply into out when non-nil. It
// returns the HTTP status even when the call failed.
func (s *Storage) do(ctx context.Context, method, url string, body, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, retry.Permanent(fmt.Errorf("%w: encode request: %w", domain.ErrIndexService, err))
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return 0, retry.Permanent(fmt.Errorf("%w: %w", domain.ErrIndexService, err))
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: qdrant %s: %w", domain.ErrIndexService, method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("%w: qdrant %s %s failed: %s: %s", domain.ErrIndexService, method, url, resp.Status, bytes.TrimSpace(msg))
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			err = retry.Permanent(err)
		}
		return resp.StatusCode, err
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("%w: decode response: %w", domain.ErrIndexService, err)
		}
	}
	return resp.StatusCode, nil
}
