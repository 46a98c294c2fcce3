// Package httpclient is the single retrying GET client shared by every
// platform adapter. Attempts carry their own hard timeout; transient failures
// are retried with a linear backoff.
package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/onnwee/livewatch/backend/telemetry"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
	defaultTimeout     = 20 * time.Second
	maxErrorBody       = 512
)

// Client issues GET requests with bounded retry.
type Client struct {
	HTTPClient  *http.Client
	MaxAttempts int
	BaseDelay   time.Duration
	Timeout     time.Duration
	// Retryable overrides Classify when set.
	Retryable func(error) bool

	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a client with the given attempt bound, backoff base and per-attempt timeout.
// Zero values fall back to 3 attempts, 500ms and 20s.
func New(hc *http.Client, maxAttempts int, baseDelay, timeout time.Duration) *Client {
	return &Client{HTTPClient: hc, MaxAttempts: maxAttempts, BaseDelay: baseDelay, Timeout: timeout}
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON decodes the response body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// RequestOption mutates an outgoing request.
type RequestOption func(*http.Request)

// WithHeader sets a request header.
func WithHeader(key, value string) RequestOption {
	return func(r *http.Request) { r.Header.Set(key, value) }
}

// WithQuery sets a query parameter.
func WithQuery(key, value string) RequestOption {
	return func(r *http.Request) {
		q := r.URL.Query()
		q.Set(key, value)
		r.URL.RawQuery = q.Encode()
	}
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) attempts() int {
	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	return defaultMaxAttempts
}

func (c *Client) baseDelay() time.Duration {
	if c.BaseDelay > 0 {
		return c.BaseDelay
	}
	return defaultBaseDelay
}

func (c *Client) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return defaultTimeout
}

func (c *Client) retryable(err error) bool {
	if c.Retryable != nil {
		return c.Retryable(err)
	}
	return IsRetryable(err)
}

func (c *Client) wait(ctx context.Context, d time.Duration) error {
	if c.sleep != nil {
		return c.sleep(ctx, d)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Get fetches rawURL. Non-2xx responses are errors. Retryable failures are
// attempted again after BaseDelay × n, where n is the number of the attempt
// that just failed. The returned error is always a *RequestError.
func (c *Client) Get(ctx context.Context, rawURL string, opts ...RequestOption) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &RequestError{URL: rawURL, Err: fmt.Errorf("invalid url: %w", err)}
	}
	maxAttempts := c.attempts()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := c.do(ctx, u, opts)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, &RequestError{URL: rawURL, Attempts: attempt, Err: ctx.Err()}
		}
		if !c.retryable(err) || attempt == maxAttempts {
			telemetry.IncHTTPFailure(u.Host)
			return nil, &RequestError{URL: rawURL, StatusCode: StatusCode(err), Attempts: attempt, Err: err}
		}
		delay := c.baseDelay() * time.Duration(attempt)
		slog.Debug("retrying request",
			slog.String("component", "httpclient"),
			slog.String("host", u.Host),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.Any("err", err))
		telemetry.IncHTTPRetry(u.Host)
		if err := c.wait(ctx, delay); err != nil {
			return nil, &RequestError{URL: rawURL, Attempts: attempt, Err: err}
		}
	}
	return nil, &RequestError{URL: rawURL, StatusCode: StatusCode(lastErr), Attempts: maxAttempts, Err: lastErr}
}

func (c *Client) do(ctx context.Context, u *url.URL, opts []RequestOption) (*Response, error) {
	actx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()
	req, err := http.NewRequestWithContext(actx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	for _, opt := range opts {
		opt(req)
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, context.DeadlineExceeded
		}
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(body)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: snippet}
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}
