// Package openeo is a minimal client for the batch job endpoints of an openEO
// backend. A Client implements the job manager's backend capability.
package openeo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout is the default HTTP timeout of a single request.
	DefaultTimeout = 30 * time.Second

	// DefaultRateLimit is the default number of requests per second.
	DefaultRateLimit = 5

	// DefaultMaxRetries is how often idempotent requests are retried on
	// network errors and temporary API errors.
	DefaultMaxRetries = 3

	// identifierHeader carries the id of a newly created job.
	identifierHeader = "OpenEO-Identifier"
)

// Client talks to a single openEO backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	tokens     oauth2.TokenSource
	maxRetries uint64
	logger     *slog.Logger

	// newBackOff returns the retry schedule of one request.
	newBackOff func() backoff.BackOff
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client. Authentication set with
// WithTokenSource wraps its transport.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTokenSource authenticates every request with bearer tokens from ts.
func WithTokenSource(ts oauth2.TokenSource) ClientOption {
	return func(c *Client) {
		c.tokens = ts
	}
}

// WithRateLimit sets the maximum number of requests per second.
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// WithMaxRetries sets how often idempotent requests are retried.
func WithMaxRetries(n uint64) ClientOption {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithBackOff sets the retry schedule. Mostly useful to speed up tests.
func WithBackOff(newBackOff func() backoff.BackOff) ClientOption {
	return func(c *Client) {
		c.newBackOff = newBackOff
	}
}

// NewClient creates a Client for the backend at baseURL, e.g.
// "https://openeo.dataspace.copernicus.eu/openeo/1.2".
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid backend url %q", baseURL)
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		maxRetries: DefaultMaxRetries,
		logger:     slog.New(slog.DiscardHandler),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxElapsedTime = time.Minute

			return b
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.tokens != nil {
		base := c.httpClient.Transport
		if base == nil {
			base = http.DefaultTransport
		}

		authed := *c.httpClient
		authed.Transport = &oauth2.Transport{Source: c.tokens, Base: base}
		c.httpClient = &authed
	}

	return c, nil
}

// request is a single API call.
type request struct {
	method string
	path   string
	query  url.Values
	body   any
	// want lists the accepted status codes; 200 when empty.
	want []int
}

// do executes r and decodes the response body into result, if non-nil.
// Idempotent requests are retried on network errors and temporary API
// errors.
func (c *Client) do(ctx context.Context, r request, result any) (http.Header, error) {
	if r.method != http.MethodGet && r.method != http.MethodDelete {
		return c.once(ctx, r, result)
	}

	var header http.Header

	operation := func() error {
		h, err := c.once(ctx, r, result)
		if err == nil {
			header = h
			return nil
		}

		var apiErr *APIError
		if (errors.As(err, &apiErr) && !apiErr.Temporary()) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}

		c.logger.Debug(
			"retrying openeo request",
			"method", r.method,
			"path", r.path,
			"err", err,
		)

		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.maxRetries), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		return nil, err
	}

	return header, nil
}

func (c *Client) once(ctx context.Context, r request, result any) (http.Header, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for rate limiter: %w", err)
	}

	reqURL := c.baseURL + r.path
	if len(r.query) > 0 {
		reqURL += "?" + r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}

		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	want := r.want
	if len(want) == 0 {
		want = []int{http.StatusOK}
	}

	if !slices.Contains(want, resp.StatusCode) {
		return nil, decodeError(resp, r.path)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}

	return resp.Header, nil
}

// decodeError builds an APIError from an openEO error response, falling back
// to the raw body for backends that don't follow the error schema.
func decodeError(resp *http.Response, endpoint string) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	apiErr := &APIError{StatusCode: resp.StatusCode, Endpoint: endpoint}

	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}

	if json.Unmarshal(data, &body) == nil && body.Message != "" {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}

	return apiErr
}
