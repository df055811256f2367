// Package suiteql is the NetSuite SuiteQL REST client: request signing,
// retry with backoff by error class, and rate limit feedback.
package suiteql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/ledger-extract/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for query API operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extract_requests_total",
		Help: "Total query API requests by status",
	}, []string{"status"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "extract_request_duration_seconds",
		Help:    "Query API request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extract_errors_total",
		Help: "Total query API errors by class",
	}, []string{"class"})
)

// Query API limits.
const (
	MaxLimit = 1000

	queryPath    = "/services/rest/query/v1/suiteql"
	maxErrorBody = 64 << 10
)

// BudgetObserver receives one Consume per outgoing request and every
// response's status and headers.
type BudgetObserver interface {
	Consume()
	Observe(ctx context.Context, status int, headers http.Header) error
}

// Config holds the client configuration.
type Config struct {
	// Account is the NetSuite account id; it derives the default BaseURL.
	Account string

	// BaseURL overrides https://<account>.suitetalk.api.netsuite.com.
	BaseURL string

	// Auth signs requests. Nil sends unsigned requests (mock backends).
	Auth Authenticator

	// Budget is usually a *ratelimit.Tracker. Optional.
	Budget BudgetObserver

	HTTPClient *http.Client

	// Timeout bounds one HTTP attempt when HTTPClient is nil.
	Timeout time.Duration

	Retry RetryPolicy

	Logger zerolog.Logger
}

// Response is a decoded SuiteQL result page.
type Response struct {
	Items        []map[string]any `json:"items"`
	HasMore      bool             `json:"hasMore"`
	Count        int              `json:"count"`
	Offset       int              `json:"offset"`
	TotalResults int              `json:"totalResults"`
}

// Client issues SuiteQL queries. It is safe for concurrent use; the
// underlying http.Client is shared read-only.
type Client struct {
	httpClient *http.Client
	endpoint   *url.URL
	auth       Authenticator
	budget     BudgetObserver
	retry      RetryPolicy
	logger     zerolog.Logger
}

// New creates a new SuiteQL client.
func New(cfg Config) (*Client, error) {
	base := cfg.BaseURL
	if base == "" {
		host, err := AccountHost(cfg.Account)
		if err != nil {
			return nil, fmt.Errorf("base url or account is required: %w", err)
		}
		base = "https://" + host + ".suitetalk.api.netsuite.com"
	}

	endpoint, err := url.Parse(strings.TrimRight(base, "/") + queryPath)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", base)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	retry := cfg.Retry
	if retry == nil {
		retry = DefaultRetryPolicy()
	}

	return &Client{
		httpClient: httpClient,
		endpoint:   endpoint,
		auth:       cfg.Auth,
		budget:     cfg.Budget,
		retry:      retry,
		logger:     cfg.Logger.With().Str("component", "suiteql").Logger(),
	}, nil
}

// Endpoint returns the query URL without paging parameters.
func (c *Client) Endpoint() string { return c.endpoint.String() }

// Query runs one page of a SuiteQL statement. Transient failures are retried
// per the retry policy; authentication and client errors are returned at once.
func (c *Client) Query(ctx context.Context, q string, offset, limit int) (*Response, error) {
	if limit < 1 || limit > MaxLimit {
		return nil, fmt.Errorf("limit %d out of range 1..%d", limit, MaxLimit)
	}
	if offset < 0 {
		return nil, fmt.Errorf("negative offset %d", offset)
	}

	body, err := json.Marshal(map[string]string{"q": q})
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	u := *c.endpoint
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(offset))
	u.RawQuery = params.Encode()
	target := u.String()

	logger := c.logger.With().Int("offset", offset).Int("limit", limit).Logger()

	var result *Response
	err = retryWithBackoff(ctx, c.retry, logger, func() error {
		resp, err := c.do(ctx, target, body)
		if err != nil {
			return err
		}
		result = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// FetchPage adapts Query to the page source used by the fetcher.
func (c *Client) FetchPage(ctx context.Context, q string, offset, limit int) ([]map[string]any, bool, error) {
	resp, err := c.Query(ctx, q, offset, limit)
	if err != nil {
		return nil, false, err
	}
	return resp.Items, resp.HasMore, nil
}

// do performs a single signed attempt.
func (c *Client) do(ctx context.Context, target string, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", "transient")

	if c.auth != nil {
		if err := c.auth.Authorize(req); err != nil {
			return nil, &APIError{Class: ErrorClassAuth, Message: "sign request", Err: err}
		}
	}
	if c.budget != nil {
		c.budget.Consume()
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	requestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues("network_error").Inc()
		return nil, &APIError{Class: ErrorClassNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	requestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if c.budget != nil {
		if err := c.budget.Observe(ctx, resp.StatusCode, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
		}
	}

	if resp.StatusCode >= 400 {
		apiErr := c.classify(resp)
		errorsTotal.WithLabelValues(string(apiErr.Class)).Inc()
		c.logger.Warn().
			Int("status", resp.StatusCode).
			Str("error_class", string(apiErr.Class)).
			Str("message", apiErr.Message).
			Msg("SuiteQL request error")
		return nil, apiErr
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var out Response
	if err := dec.Decode(&out); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, &APIError{StatusCode: resp.StatusCode, Class: ErrorClassNetwork, Message: "read response", Err: err}
		}
		errorsTotal.WithLabelValues(string(ErrorClassServer)).Inc()
		return nil, &APIError{StatusCode: resp.StatusCode, Class: ErrorClassServer, Message: "decode response", Err: err}
	}
	return &out, nil
}

// classify maps an error response onto the error taxonomy.
func (c *Client) classify(resp *http.Response) *APIError {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Message:    errorMessage(resp),
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		apiErr.Class = ErrorClassAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		apiErr.Class = ErrorClassRateLimit
		if wait, ok := ratelimit.RetryAfter(resp.Header, time.Now()); ok {
			apiErr.RetryAfter = wait
		}
	case resp.StatusCode >= 500:
		apiErr.Class = ErrorClassServer
	default:
		apiErr.Class = ErrorClassClient
	}

	c.logger.Debug().Str("class", string(apiErr.Class)).Msg("Error classified")
	return apiErr
}

// errorMessage extracts the detail of a NetSuite error body, falling back to
// the status text.
func errorMessage(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var body struct {
		Title   string `json:"title"`
		Details []struct {
			Detail string `json:"detail"`
		} `json:"o:errorDetails"`
	}
	if json.Unmarshal(data, &body) == nil {
		if len(body.Details) > 0 && body.Details[0].Detail != "" {
			return body.Details[0].Detail
		}
		if body.Title != "" {
			return body.Title
		}
	}
	if resp.Status != "" {
		return resp.Status
	}
	return http.StatusText(resp.StatusCode)
}
