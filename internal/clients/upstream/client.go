// Package upstream implements the shared HTTP client for the named upstream
// services (inventory, sales, analytics-callbacks). It owns timeouts, retry
// with exponential backoff, and the error taxonomy callers branch on.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// ErrorKind classifies a failed upstream call.
type ErrorKind string

const (
	KindTimeout           ErrorKind = "timeout"
	KindConnectionRefused ErrorKind = "connection_refused"
	KindHTTP4xx           ErrorKind = "http_4xx"
	KindHTTP5xx           ErrorKind = "http_5xx"
	KindDecodeError       ErrorKind = "decode_error"
)

// Error is the typed failure returned by every client method.
type Error struct {
	Kind       ErrorKind
	Service    string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream %s: %s (status %d)", e.Service, e.Kind, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("upstream %s: %s: %v", e.Service, e.Kind, e.Err)
	}
	return fmt.Sprintf("upstream %s: %s", e.Service, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient: timeouts, refused
// connections, HTTP 429 and HTTP 5xx.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindConnectionRefused, KindHTTP5xx:
		return true
	case KindHTTP4xx:
		return e.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// ErrUnknownService is returned for a service name with no configured base URL.
var ErrUnknownService = errors.New("unknown upstream service")

const (
	defaultTimeout = 5 * time.Second
	maxAttempts    = 3
	backoffBase    = time.Second
)

// Client calls named upstream services with per-call timeouts and bounded
// retries. Retries apply only to idempotent methods and POSTs explicitly
// marked retryable.
type Client struct {
	baseURLs map[string]string
	httpc    *http.Client
	log      zerolog.Logger

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(context.Context, time.Duration) error
}

// ClientOption adjusts client construction.
type ClientOption func(*Client)

// WithSleepFunc replaces the backoff sleep. Tests inject a no-op.
func WithSleepFunc(f func(context.Context, time.Duration) error) ClientOption {
	return func(c *Client) { c.sleep = f }
}

// New creates a client from a map of service name to base URL.
func New(baseURLs map[string]string, log zerolog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		baseURLs: baseURLs,
		httpc:    &http.Client{},
		log:      log.With().Str("component", "upstream_client").Logger(),
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// callOptions carries per-request overrides.
type callOptions struct {
	timeout       time.Duration
	retryablePost bool
}

// Option adjusts a single request.
type Option func(*callOptions)

// WithTimeout overrides the default 5 second per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *callOptions) { o.timeout = d }
}

// WithRetryablePost marks a POST as safe to retry. Callers assert the
// endpoint is idempotent.
func WithRetryablePost() Option {
	return func(o *callOptions) { o.retryablePost = true }
}

// Request performs one upstream call and returns the raw response body.
// Transient failures are retried with exponential backoff up to three
// attempts when the method permits it.
func (c *Client) Request(ctx context.Context, service, method, path string, query url.Values, body interface{}, opts ...Option) ([]byte, error) {
	base, ok := c.baseURLs[service]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, service)
	}

	options := callOptions{timeout: defaultTimeout}
	for _, opt := range opts {
		opt(&options)
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, &Error{Kind: KindDecodeError, Service: service, Err: fmt.Errorf("encode request body: %w", err)}
		}
	}

	fullURL := strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	retryAllowed := isIdempotent(method) || (method == http.MethodPost && options.retryablePost)

	var lastErr *Error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffBase << (attempt - 1)
			c.log.Warn().
				Str("service", service).
				Str("path", path).
				Int("attempt", attempt+1).
				Dur("backoff", delay).
				Str("kind", string(lastErr.Kind)).
				Msg("Retrying upstream request")
			if err := c.sleep(ctx, delay); err != nil {
				return nil, lastErr
			}
		}

		respBody, callErr := c.do(ctx, service, method, fullURL, payload, options.timeout)
		if callErr == nil {
			return respBody, nil
		}

		lastErr = callErr
		if !retryAllowed || !callErr.Retryable() {
			return nil, callErr
		}
	}

	return nil, lastErr
}

func (c *Client) do(ctx context.Context, service, method, fullURL string, payload []byte, timeout time.Duration) ([]byte, *Error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, fullURL, bodyReader)
	if err != nil {
		return nil, &Error{Kind: KindDecodeError, Service: service, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, classifyTransportError(service, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(service, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, &Error{Kind: KindHTTP5xx, Service: service, StatusCode: resp.StatusCode}
	case resp.StatusCode >= 400:
		return nil, &Error{Kind: KindHTTP4xx, Service: service, StatusCode: resp.StatusCode}
	}

	return respBody, nil
}

func classifyTransportError(service string, err error) *Error {
	var netErr interface{ Timeout() bool }
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Service: service, Err: err}
	case errors.As(err, &netErr) && netErr.Timeout():
		return &Error{Kind: KindTimeout, Service: service, Err: err}
	case errors.Is(err, syscall.ECONNREFUSED):
		return &Error{Kind: KindConnectionRefused, Service: service, Err: err}
	}
	// Unreachable hosts and reset connections behave like refusals for
	// callers deciding between retry and fallback.
	return &Error{Kind: KindConnectionRefused, Service: service, Err: err}
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodDelete, http.MethodPut:
		return true
	}
	return false
}

// GetJSON performs a GET and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, service, path string, query url.Values, out interface{}, opts ...Option) error {
	body, err := c.Request(ctx, service, http.MethodGet, path, query, nil, opts...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Kind: KindDecodeError, Service: service, Err: err}
	}
	return nil
}

// PostJSON performs a POST with a JSON body and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, service, path string, body, out interface{}, opts ...Option) error {
	respBody, err := c.Request(ctx, service, http.MethodPost, path, nil, body, opts...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &Error{Kind: KindDecodeError, Service: service, Err: err}
	}
	return nil
}

// Health probes the service liveness path with a short timeout and reports
// availability. No retries; health checks run on a schedule anyway.
func (c *Client) Health(ctx context.Context, service string, timeout time.Duration) error {
	base, ok := c.baseURLs[service]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownService, service)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, strings.TrimRight(base, "/")+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return classifyTransportError(service, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		kind := KindHTTP4xx
		if resp.StatusCode >= 500 {
			kind = KindHTTP5xx
		}
		return &Error{Kind: kind, Service: service, StatusCode: resp.StatusCode}
	}
	return nil
}

// Services returns the configured service names.
func (c *Client) Services() []string {
	names := make([]string, 0, len(c.baseURLs))
	for name := range c.baseURLs {
		names = append(names, name)
	}
	return names
}
