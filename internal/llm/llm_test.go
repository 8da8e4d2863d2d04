package llm

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"formulary/internal/retry"
)

func response(status int, header http.Header) *http.Response {
	rec := httptest.NewRecorder()
	for k, v := range header {
		rec.Header()[k] = v
	}
	rec.WriteHeader(status)
	rec.Body.WriteString("detail")
	return rec.Result()
}

func TestCheckResponse(t *testing.T) {
	assert.NoError(t, CheckResponse("x", response(http.StatusOK, nil)))

	err := CheckResponse("x", response(http.StatusBadRequest, nil))
	assert.True(t, retry.IsPermanent(err))
	assert.True(t, strings.Contains(err.Error(), "detail"))

	err = CheckResponse("x", response(http.StatusBadGateway, nil))
	assert.Error(t, err)
	assert.False(t, retry.IsPermanent(err))

	err = CheckResponse("x", response(http.StatusTooManyRequests, http.Header{"Retry-After": {"2"}}))
	assert.Error(t, err)
	assert.False(t, retry.IsPermanent(err))
}
