package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formulary/internal/retry"
)

func TestCompleteSendsMessagesRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "key-test", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		var req messagesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "be terse", req.System)
		assert.Equal(t, 512, req.MaxTokens)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"SABA: "},{"type":"tool_use"},{"type":"text","text":"tier 1"}]}`))
	}))
	defer srv.Close()

	t.Setenv("TEST_ANTHROPIC_KEY", "key-test")
	c, err := New(Config{BaseURL: srv.URL, APIKeyEnv: "TEST_ANTHROPIC_KEY", System: "be terse"})
	require.NoError(t, err)
	out, err := c.Complete(context.Background(), "facts")
	require.NoError(t, err)
	assert.Equal(t, "SABA: tier 1", out)
}

func TestCompleteClassifiesStatus(t *testing.T) {
	status := http.StatusBadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	t.Setenv("TEST_ANTHROPIC_KEY", "key-test")
	c, err := New(Config{BaseURL: srv.URL, APIKeyEnv: "TEST_ANTHROPIC_KEY"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), "p")
	assert.True(t, retry.IsPermanent(err))

	status = 529
	_, err = c.Complete(context.Background(), "p")
	assert.Error(t, err)
	assert.False(t, retry.IsPermanent(err))
}
