// Package client provides the HTTP transport for the ArcGIS REST service with
// retry, request pacing, and error classification.
package client

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

	"github.com/Sternrassler/stlco-gis-client/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Prometheus metrics for ArcGIS client operations.
var (
	arcgisRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arcgis_requests_total",
		Help: "Total ArcGIS requests by endpoint and status",
	}, []string{"endpoint", "status"})

	arcgisRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arcgis_request_duration_seconds",
		Help:    "ArcGIS request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint"})

	arcgisErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arcgis_errors_total",
		Help: "Total ArcGIS errors by class",
	}, []string{"class"})
)

// maxBodyExcerpt bounds the response text carried by a ServerError.
const maxBodyExcerpt = 800

// Client is the HTTP transport shared by every ArcGIS call.
// It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	ownsHTTP   bool
	limiter    *ratelimit.Tracker
	retry      RetryConfig
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// User-Agent header sent with every request
	UserAgent string

	// Timeout per HTTP attempt (ignored when HTTPClient is supplied)
	Timeout time.Duration

	// Retry: MaxRetries is the number of retries after the first attempt; 0 disables retries.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Tracing wraps the owned transport with OpenTelemetry instrumentation.
	Tracing bool

	// HTTPClient replaces the owned client. Close leaves it open.
	HTTPClient *http.Client

	// Limiter paces requests and honours Retry-After. Optional.
	Limiter *ratelimit.Tracker
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(userAgent string) Config {
	return Config{
		UserAgent:      userAgent,
		Timeout:        30 * time.Second,
		MaxRetries:     6,
		InitialBackoff: 600 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must be >= 0 (got %d)", cfg.MaxRetries)
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("timeout must be >= 0 (got %s)", cfg.Timeout)
	}

	logger := log.With().Str("component", "arcgis-http").Logger()

	httpClient := cfg.HTTPClient
	owns := httpClient == nil
	if owns {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		var rt http.RoundTripper = transport
		if cfg.Tracing {
			rt = otelhttp.NewTransport(transport)
		}
		httpClient = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: rt,
		}
	}

	return &Client{
		httpClient: httpClient,
		ownsHTTP:   owns,
		limiter:    cfg.Limiter,
		retry:      retryConfigFrom(cfg),
		config:     cfg,
		logger:     logger,
	}, nil
}

// Do performs an HTTP request with pacing, retry, and error classification.
// A nil error means a 2xx response whose body the caller must close.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	endpoint := req.URL.Path
	target := redactURL(req.URL)

	startTime := time.Now()
	defer func() {
		arcgisRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")

	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("method", req.Method).
		Msg("Executing ArcGIS request")

	var resp *http.Response

	err := retryWithBackoff(ctx, c.retry, c.logger, func(attempt int) attemptOutcome {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return attemptOutcome{err: &TransportError{URL: target, Err: err}}
			}
		}

		if attempt > 1 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return attemptOutcome{err: fmt.Errorf("rewind request body: %w", err)}
			}
			req.Body = body
		}

		r, reqErr := c.httpClient.Do(req)
		if reqErr != nil {
			arcgisErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			arcgisRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
			c.logger.Warn().Err(reqErr).Str("endpoint", endpoint).Msg("HTTP request failed")
			return attemptOutcome{
				err:   &TransportError{URL: target, Err: reqErr},
				class: ErrorClassNetwork,
			}
		}

		arcgisRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(r.StatusCode)).Inc()

		if r.StatusCode >= 200 && r.StatusCode < 300 {
			resp = r
			return attemptOutcome{}
		}

		class := classifyStatus(r.StatusCode)
		if class == "" {
			class = ErrorClassClient
		}
		arcgisErrorsTotal.WithLabelValues(string(class)).Inc()

		var retryAfter time.Duration
		if c.limiter != nil {
			d, err := c.limiter.UpdateFromResponse(ctx, r)
			if err != nil {
				c.logger.Warn().Err(err).Msg("Failed to record cooldown")
			}
			retryAfter = d
		}

		serverErr := &ServerError{
			URL:        target,
			StatusCode: r.StatusCode,
			ErrorClass: class,
			Message:    r.Status,
			Body:       readExcerpt(r.Body),
		}
		r.Body.Close()

		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status", r.StatusCode).
			Str("error_class", string(class)).
			Msg("ArcGIS request error")

		if !IsTransientStatus(r.StatusCode) {
			// permanent status: stop the retry loop
			return attemptOutcome{err: serverErr, class: ErrorClassClient}
		}
		return attemptOutcome{err: serverErr, class: class, retryAfter: retryAfter}
	})
	if err != nil {
		return nil, err
	}

	return resp, nil
}

// GetRaw issues a GET and returns the body after checking that it is JSON.
func (c *Client) GetRaw(ctx context.Context, rawURL string, params url.Values) ([]byte, error) {
	u, err := withQuery(rawURL, params)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.readJSON(req)
}

// GetJSON issues a GET and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, rawURL string, params url.Values, out any) error {
	body, err := c.GetRaw(ctx, rawURL, params)
	if err != nil {
		return err
	}
	return decode(rawURL, body, out)
}

// PostFormJSON issues a form encoded POST and decodes the JSON response into out.
func (c *Client) PostFormJSON(ctx context.Context, rawURL string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := c.readJSON(req)
	if err != nil {
		return err
	}
	return decode(rawURL, body, out)
}

func (c *Client) readJSON(req *http.Request) ([]byte, error) {
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		arcgisErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, &TransportError{URL: redactURL(req.URL), Err: fmt.Errorf("read response body: %w", err)}
	}

	if !json.Valid(body) {
		arcgisErrorsTotal.WithLabelValues(string(ErrorClassMalformed)).Inc()
		return nil, &ServerError{
			URL:        redactURL(req.URL),
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassMalformed,
			Message:    "non-JSON response",
			Body:       excerpt(body),
		}
	}

	return body, nil
}

func decode(rawURL string, body []byte, out any) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &ServerError{
			URL:        rawURL,
			StatusCode: http.StatusOK,
			ErrorClass: ErrorClassMalformed,
			Message:    "unexpected JSON shape",
			Body:       excerpt(body),
			Err:        err,
		}
	}
	return nil
}

// Close releases idle connections held by a client-owned transport.
func (c *Client) Close() error {
	if c.ownsHTTP {
		c.httpClient.CloseIdleConnections()
	}
	return nil
}

// HTTPClient returns the underlying HTTP client.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

func withQuery(rawURL string, params url.Values) (string, error) {
	if len(params) == 0 {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// redactURL drops the query string; ArcGIS where clauses can be long.
func redactURL(u *url.URL) string {
	cp := *u
	cp.RawQuery = ""
	cp.User = nil
	return cp.String()
}

func readExcerpt(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, maxBodyExcerpt+1))
	if err != nil && !errors.Is(err, io.EOF) {
		return ""
	}
	return excerpt(b)
}

func excerpt(b []byte) string {
	b = bytes.TrimSpace(b)
	if len(b) > maxBodyExcerpt {
		b = b[:maxBodyExcerpt]
	}
	return string(b)
}
