// Package queryclient talks to the upstream telemetry query service.
//
// A Client holds only process-wide transport state. Everything that varies
// per call, including the API key, travels in the Request value passed to
// Query, so one Client can serve concurrent scans for different callers.
package queryclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/yurastanchuk/AppInsightsProxyV2/lib/logging"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/proxyapi"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/proxyerror"
)

const (
	DefaultBaseURL          = "https://api.applicationinsights.io"
	DefaultTimeout          = 2 * time.Minute
	DefaultMaxResponseBytes = 64 * 1024 * 1024
)

type Credentials struct {
	APIKey string
}

func (c Credentials) apply(h http.Header) {
	h.Set(proxyapi.HeaderAPIKey, c.APIKey)
}

// Request is one upstream call. It is passed by value and never stored.
type Request struct {
	AppID       string
	Credentials Credentials
	Query       string
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.AppID) == "" {
		return proxyerror.ClientInput("Missing application id")
	}
	if strings.TrimSpace(r.Credentials.APIKey) == "" {
		return proxyerror.ClientInput("Missing X-Api-Key header")
	}
	if strings.TrimSpace(r.Query) == "" {
		return proxyerror.ClientInput("Missing query")
	}
	return nil
}

type Client struct {
	baseURL          *url.URL
	httpClient       *http.Client
	timeout          time.Duration
	limiter          *rate.Limiter
	userAgent        string
	maxResponseBytes int64
}

// Option is the type for functional options that can return an error
type Option func(*Client) error

func WithBaseURL(raw string) Option {
	return func(c *Client) error {
		if raw == "" {
			return fmt.Errorf("base URL cannot be empty")
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid base URL %q: %w", raw, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("base URL %q must be http or https", raw)
		}
		c.baseURL = u
		return nil
	}
}

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) error {
		if client == nil {
			return fmt.Errorf("http client cannot be nil")
		}
		c.httpClient = client
		return nil
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d < 0 {
			return fmt.Errorf("timeout cannot be negative")
		}
		c.timeout = d
		return nil
	}
}

// WithRateLimit bounds outbound calls across all scans. A non-positive rate
// disables limiting.
func WithRateLimit(requestsPerSecond float64, burst int) Option {
	return func(c *Client) error {
		if requestsPerSecond <= 0 {
			c.limiter = nil
			return nil
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
		return nil
	}
}

func WithUserAgent(userAgent string) Option {
	return func(c *Client) error {
		c.userAgent = userAgent
		return nil
	}
}

func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("max response bytes must be positive")
		}
		c.maxResponseBytes = n
		return nil
	}
}

func New(options ...Option) (*Client, error) {
	base, err := url.Parse(DefaultBaseURL)
	if err != nil {
		return nil, err
	}

	c := &Client{
		baseURL:          base,
		timeout:          DefaultTimeout,
		userAgent:        "aiproxy",
		maxResponseBytes: DefaultMaxResponseBytes,
	}

	for _, option := range options {
		if err := option(c); err != nil {
			return nil, err
		}
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout:   c.timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	return c, nil
}

// Query runs one query and returns the first result table as a page.
func (c *Client) Query(ctx context.Context, req Request) (*proxyapi.Page, error) {
	logger := logging.FromContext(ctx)

	if err := req.Validate(); err != nil {
		return nil, err
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, proxyerror.Transport("query rate limit wait failed", proxyerror.WithCause(err))
		}
	}

	httpReq, err := c.NewRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	t0 := time.Now()

	resp, err := c.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("query service request failed", zap.String("app_id", req.AppID), zap.Error(err))
		return nil, proxyerror.Transport(
			"Query service request failed",
			proxyerror.WithCause(err),
		)
	}
	defer resp.Body.Close()

	body, err := c.readBody(resp)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	logger.Debug("query service responded",
		zap.String("app_id", req.AppID),
		zap.Int("status", resp.StatusCode),
		zap.Int("size", len(body)),
		zap.Duration("elapsed", time.Since(t0)),
	)

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, body)
	}

	return DecodePage(body)
}
