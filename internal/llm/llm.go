// Package llm holds helpers shared by the language model adapters.
package llm

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"formulary/internal/retry"
)

// Default generation settings. Low temperature keeps rationale lines
// close to the injected facts.
const (
	DefaultMaxTokens   = 512
	DefaultTemperature = 0.1
	DefaultTimeout     = 60 * time.Second
)

// CheckResponse turns a non-2xx response into an error. Rate limits and
// server faults stay retryable; other client errors are permanent.
func CheckResponse(provider string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("%s: %s: %s", provider, resp.Status, bytes.TrimSpace(msg))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, perr := strconv.Atoi(ra); perr == nil {
				return retry.After(err, time.Duration(secs)*time.Second)
			}
		}
		return err
	}
	return retry.Permanent(err)
}
