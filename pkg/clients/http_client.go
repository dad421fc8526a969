package clients

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"

	"github.com/trawler-io/trawler/pkg/errors"
	"github.com/trawler-io/trawler/pkg/json"
)

// HTTPClient is the outbound client shared by source implementations. The
// engine's rate limiter paces whole fetch operations; the client's own page
// limiter additionally paces the individual page requests a single fetch may
// issue (a paged API dataset holds one engine permit but can still generate
// many HTTP calls).
type HTTPClient struct {
	config      *HTTPConfig
	logger      *zap.Logger
	httpClient  *http.Client
	pageLimiter *rate.Limiter

	totalRequests  int64
	failedRequests int64
}

// HTTPConfig configures the HTTP client
type HTTPConfig struct {
	RequestTimeout      time.Duration `json:"request_timeout" yaml:"request_timeout"`
	UserAgent           string        `json:"user_agent" yaml:"user_agent"`
	MaxIdleConnsPerHost int           `json:"max_idle_conns_per_host" yaml:"max_idle_conns_per_host"`
	EnableHTTP2         bool          `json:"enable_http2" yaml:"enable_http2"`

	// PageRate paces page requests made inside one fetch; zero disables
	// pacing. PageBurst is the x/time/rate burst size.
	PageRate  float64 `json:"page_rate" yaml:"page_rate"`
	PageBurst int     `json:"page_burst" yaml:"page_burst"`
}

// DefaultHTTPConfig returns the defaults used by the built-in sources
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		RequestTimeout:      30 * time.Second,
		UserAgent:           "Mozilla/5.0 (compatible; trawler/1.0)",
		MaxIdleConnsPerHost: 10,
		EnableHTTP2:         true,
		PageRate:            2.0,
		PageBurst:           1,
	}
}

// NewHTTPClient creates a client from config. A nil config uses defaults.
func NewHTTPClient(config *HTTPConfig, logger *zap.Logger) *HTTPClient {
	if config == nil {
		config = DefaultHTTPConfig()
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost: config.MaxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}
	if config.EnableHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			logger.Warn("http2 unavailable, falling back to http/1.1", zap.Error(err))
		}
	}

	var pageLimiter *rate.Limiter
	if config.PageRate > 0 {
		burst := config.PageBurst
		if burst < 1 {
			burst = 1
		}
		pageLimiter = rate.NewLimiter(rate.Limit(config.PageRate), burst)
	}

	return &HTTPClient{
		config: config,
		logger: logger.With(zap.String("component", "http_client")),
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   config.RequestTimeout,
		},
		pageLimiter: pageLimiter,
	}
}

// HTTPError carries the status of a non-2xx response
type HTTPError struct {
	StatusCode int
	Status     string
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d (%s) from %s", e.StatusCode, e.Status, e.URL)
}

// Get issues one request and returns the raw response. Callers own the body.
func (c *HTTPClient) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	if c.pageLimiter != nil {
		if err := c.pageLimiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "page pacing interrupted")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "build request")
	}
	req.Header.Set("User-Agent", c.config.UserAgent)

	atomic.AddInt64(&c.totalRequests, 1)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		atomic.AddInt64(&c.failedRequests, 1)
		return nil, classifyTransportError(err, rawURL)
	}
	return resp, nil
}

// GetBody issues one request and returns the response body, classifying
// non-2xx statuses into the engine's error taxonomy.
func (c *HTTPClient) GetBody(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := c.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		atomic.AddInt64(&c.failedRequests, 1)
		io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for keep-alive
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, URL: rawURL}
		return nil, errors.Wrap(httpErr, classifyStatus(resp.StatusCode), "unexpected status").
			WithDetail("status", resp.StatusCode).
			WithDetail("url", rawURL)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		atomic.AddInt64(&c.failedRequests, 1)
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "read response body")
	}
	return body, nil
}

// GetJSON fetches and decodes a JSON document
func (c *HTTPClient) GetJSON(ctx context.Context, rawURL string, v interface{}) error {
	body, err := c.GetBody(ctx, rawURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "decode json response").
			WithDetail("url", rawURL)
	}
	return nil
}

// Requests returns total and failed request counts.
func (c *HTTPClient) Requests() (total, failed int64) {
	return atomic.LoadInt64(&c.totalRequests), atomic.LoadInt64(&c.failedRequests)
}

// classifyStatus maps an HTTP status to an error kind. 404 is not-found so
// sources whose id space has gaps can pass it straight through; everything
// server-side or throttling-related stays retryable.
func classifyStatus(code int) errors.ErrorType {
	switch {
	case code == http.StatusNotFound:
		return errors.ErrorTypeNotFound
	case code == http.StatusTooManyRequests:
		return errors.ErrorTypeRateLimit
	case code >= 500:
		return errors.ErrorTypeConnection
	default:
		return errors.ErrorTypeData
	}
}

func classifyTransportError(err error, rawURL string) error {
	var uerr *url.Error
	if stderrors.As(err, &uerr) && uerr.Timeout() {
		return errors.Wrap(err, errors.ErrorTypeTimeout, "request timed out").
			WithDetail("url", rawURL)
	}
	return errors.Wrap(err, errors.ErrorTypeConnection, "request failed").
		WithDetail("url", rawURL)
}
