package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/parleybot/parley/internal/chat"
	"github.com/parleybot/parley/internal/httpkit"
)

const maxResponseBytes = 10 << 20 // generous bound; image payloads are large

// newBackendClient builds the HTTP client every adapter shares:
// retry on transient network errors with doubling delay, no overall
// client timeout (each call carries a context deadline instead).
func newBackendClient(logger *slog.Logger) *http.Client {
	return httpkit.NewClient(
		httpkit.WithTimeout(0),
		httpkit.WithRetry(3, 500*time.Millisecond),
		httpkit.WithLogger(logger),
	)
}

// postJSON marshals payload, POSTs it, and returns the response body.
// Non-2xx statuses are decoded into *Error for the named provider.
// The caller's context should already carry the request deadline;
// withDeadline below applies the default.
func postJSON(ctx context.Context, client *http.Client, p chat.Provider, url string, headers map[string]string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", p, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", p, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", p, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeError(p, resp.StatusCode, body)
	}
	if pe := envelopeError(p, resp.StatusCode, body); pe != nil {
		return nil, pe
	}
	return body, nil
}

// getJSON fetches url and decodes the body into out, with the same
// error handling as postJSON.
func getJSON(ctx context.Context, client *http.Client, p chat.Provider, url string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", p, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", p, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", p, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(p, resp.StatusCode, body)
	}
	if pe := envelopeError(p, resp.StatusCode, body); pe != nil {
		return pe
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: %w: %v", p, ErrSchema, err)
	}
	return nil
}

// withDeadline applies the default per-request deadline when the
// caller has not set a tighter one.
func withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultTimeout*time.Second)
}
