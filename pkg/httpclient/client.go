// Package httpclient is the JSON-over-HTTP client shared by the external collaborators.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultAttempts = 3
	defaultDelay    = 500 * time.Millisecond

	maxErrorBody = 4 << 10
)

// StatusError is returned for responses outside the 2xx range.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var statusErr *StatusError

	return errors.As(err, &statusErr) && statusErr.StatusCode == code
}

// Retryable reports whether a failed request may succeed when sent again. Transport
// errors, timeouts, 429 and 5xx responses are retryable; other statuses are not.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= http.StatusInternalServerError
	}

	return true
}

type Config struct {
	BaseURL string
	Token   string
	// Timeout bounds each request, not the whole retry sequence.
	Timeout  time.Duration
	Attempts uint
	Delay    time.Duration
}

// Client sends JSON requests to one base URL and retries retryable failures with
// exponential backoff.
type Client struct {
	baseURL  string
	token    string
	http     *http.Client
	attempts uint
	delay    time.Duration
	logger   *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	attempts := cfg.Attempts
	if attempts == 0 {
		attempts = defaultAttempts
	}

	delay := cfg.Delay
	if delay <= 0 {
		delay = defaultDelay
	}

	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		token:    cfg.Token,
		http:     &http.Client{Timeout: timeout},
		attempts: attempts,
		delay:    delay,
		logger:   logger,
	}
}

// Do sends in as the JSON body (when not nil) and decodes the response into out (when not nil).
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	var body []byte

	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}

		body = encoded
	}

	url := c.baseURL + path

	return retry.Do(
		func() error {
			return c.send(ctx, method, url, body, out)
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(Retryable),
		retry.OnRetry(func(attempt uint, err error) {
			c.logger.WarnContext(ctx, "Retrying HTTP request", "method", method, "url", url, "attempt", attempt+1, "error", err)
		}),
	)
}

func (c *Client) send(ctx context.Context, method, url string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("failed to create http request: %w", err))
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}

	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.ErrorContext(ctx, "failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return &StatusError{Method: method, URL: url, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Unrecoverable(fmt.Errorf("failed to decode response from %s: %w", url, err))
	}

	return nil
}
