package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formulary/internal/domain"
	"formulary/internal/retry"
)

func newTestClient(t *testing.T, url string, batch int) *Client {
	t.Helper()
	t.Setenv("TEST_OPENAI_KEY", "sk-test")
	c, err := NewClient(Config{BaseURL: url, APIKeyEnv: "TEST_OPENAI_KEY", Model: "text-embedding-3-small", BatchSize: batch})
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresKey(t *testing.T) {
	t.Setenv("MISSING_KEY_FOR_TEST", "")
	_, err := NewClient(Config{APIKeyEnv: "MISSING_KEY_FOR_TEST"})
	assert.Error(t, err)
}

func TestEmbedBatchSendsBatchesAndOrdersByIndex(t *testing.T) {
	var requests []embeddingRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		requests = append(requests, req)

		type item struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		data := make([]item, len(req.Input))
		for i := range req.Input {
			// reversed on purpose
			j := len(req.Input) - 1 - i
			data[i] = item{Index: j, Embedding: []float32{float32(len(req.Input[j])), 1}}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2)
	vecs, err := c.EmbedBatch(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	require.Len(t, requests, 2)
	assert.Equal(t, []string{"a", "bb"}, requests[0].Input)
	assert.Equal(t, []string{"ccc"}, requests[1].Input)
	assert.Equal(t, [][]float32{{1, 1}, {2, 1}, {3, 1}}, vecs)
	assert.Equal(t, 2, c.Dimension())
}

func TestEmbedAcceptsOllamaShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"embedding":[0.5,0.5,0.5]}`))
	}))
	defer srv.Close()

	v, err := newTestClient(t, srv.URL, 8).Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5, 0.5}, v)
}

func TestEmbedClassifiesFailures(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "1")
		}
		w.WriteHeader(status)
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL, 8)

	_, err := c.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, domain.ErrEmbeddingService)
	assert.False(t, retry.IsPermanent(err))

	status = http.StatusTooManyRequests
	_, err = c.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, domain.ErrEmbeddingService)
	assert.False(t, retry.IsPermanent(err))

	status = http.StatusUnauthorized
	_, err = c.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, domain.ErrEmbeddingService)
	assert.True(t, retry.IsPermanent(err))
}

func TestEmbedRejectsEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()
	_, err := newTestClient(t, srv.URL, 8).Embed(context.Background(), "x")
	assert.ErrorIs(t, err, domain.ErrEmbeddingService)
}
