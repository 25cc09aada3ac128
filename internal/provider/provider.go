// Package provider holds the shared HTTP plumbing of outbound API adapters.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const maxBodyBytes = 4 << 20

// DefaultClient is shared by adapters that are not given their own client.
var DefaultClient = &http.Client{Timeout: 30 * time.Second}

// RetryInitialInterval is the first backoff delay between attempts.
var RetryInitialInterval = 300 * time.Millisecond

const maxTries = 3

// StatusError is returned for non-2xx upstream responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// StatusCode extracts the upstream status from err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// RequestFunc builds a fresh request for each attempt.
type RequestFunc func(ctx context.Context) (*http.Request, error)

// FetchJSON performs the request with exponential backoff and decodes the
// JSON body into out. Network errors, 429 and 5xx are retried; other 4xx
// responses fail immediately.
func FetchJSON(ctx context.Context, client *http.Client, build RequestFunc, out any) error {
	body, err := Fetch(ctx, client, build)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Fetch performs the request with retries and returns the raw body.
func Fetch(ctx context.Context, client *http.Client, build RequestFunc) ([]byte, error) {
	if client == nil {
		client = DefaultClient
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryInitialInterval

	return backoff.Retry(ctx, func() ([]byte, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			se := &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
			if se.Retryable() {
				return nil, se
			}
			return nil, backoff.Permanent(se)
		}
		return body, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(maxTries))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
