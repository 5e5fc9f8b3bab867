// Package httpclient provides the outbound HTTP client shared by recordarr's
// network collaborators: availability probes, manifest fetches, webhook
// delivery and HTTP uploads.
//
// Each caller owns its own Client, so a failing upload target never opens
// the breaker for stream probes.
package httpclient

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

// Common errors returned by the client.
var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
	ErrMaxRetries  = errors.New("max retries exceeded")
)

// Default configuration values.
const (
	DefaultTimeout              = 30 * time.Second
	DefaultRetryAttempts        = 3
	DefaultRetryDelay           = 1 * time.Second
	DefaultRetryMaxDelay        = 30 * time.Second
	DefaultCircuitThreshold     = 5
	DefaultCircuitTimeout       = 30 * time.Second
	DefaultCircuitHalfOpenMax   = 1
	DefaultBackoffMultiplier    = 2.0
	DefaultAcceptEncodingHeader = "gzip, deflate, br"
	DefaultUserAgentHeader      = "recordarr-httpclient/1.0"
)

// HTTP header constants.
const (
	HeaderAcceptEncoding  = "Accept-Encoding"
	HeaderContentEncoding = "Content-Encoding"
	HeaderUserAgent       = "User-Agent"

	EncodingGzip    = "gzip"
	EncodingDeflate = "deflate"
	EncodingBrotli  = "br"
)

// Config holds the configuration for the HTTP client.
type Config struct {
	// Timeout bounds a single attempt when BaseClient is nil.
	Timeout time.Duration

	// RetryAttempts is the number of retries after the first attempt.
	// Zero means a single attempt.
	RetryAttempts int

	// RetryDelay is the delay before the first retry; later delays grow by
	// BackoffMultiplier up to RetryMaxDelay.
	RetryDelay        time.Duration
	RetryMaxDelay     time.Duration
	BackoffMultiplier float64

	// CircuitThreshold is the number of consecutive failures that opens the
	// breaker. Zero disables it.
	CircuitThreshold   int
	CircuitTimeout     time.Duration
	CircuitHalfOpenMax int

	// UserAgent is sent when the request carries none. Live origins often
	// reject non-browser agents, so probes set a browser string here.
	UserAgent string

	Logger *slog.Logger

	// EnableDecompression advertises gzip, deflate and brotli and decodes the
	// response body transparently.
	EnableDecompression bool

	// BaseClient is the underlying http.Client. If nil, one is created with
	// Timeout.
	BaseClient *http.Client
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:             DefaultTimeout,
		RetryAttempts:       DefaultRetryAttempts,
		RetryDelay:          DefaultRetryDelay,
		RetryMaxDelay:       DefaultRetryMaxDelay,
		BackoffMultiplier:   DefaultBackoffMultiplier,
		CircuitThreshold:    DefaultCircuitThreshold,
		CircuitTimeout:      DefaultCircuitTimeout,
		CircuitHalfOpenMax:  DefaultCircuitHalfOpenMax,
		UserAgent:           DefaultUserAgentHeader,
		Logger:              slog.Default(),
		EnableDecompression: true,
	}
}

// decoders maps a Content-Encoding to a reader constructor.
var decoders = map[string]func(io.Reader) (io.Reader, error){
	EncodingGzip: func(r io.Reader) (io.Reader, error) {
		return gzip.NewReader(r)
	},
	EncodingDeflate: func(r io.Reader) (io.Reader, error) {
		return flate.NewReader(r), nil
	},
	EncodingBrotli: func(r io.Reader) (io.Reader, error) {
		return brotli.NewReader(r), nil
	},
}

// Client is an HTTP client with retries, a circuit breaker and response
// decompression.
type Client struct {
	config  Config
	client  *http.Client
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// New creates a client with the given configuration.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = DefaultBackoffMultiplier
	}

	base := cfg.BaseClient
	if base == nil {
		base = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		config:  cfg,
		client:  base,
		breaker: NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitTimeout, cfg.CircuitHalfOpenMax),
		logger:  cfg.Logger,
	}
}

// NewWithDefaults creates a client with DefaultConfig.
func NewWithDefaults() *Client {
	return New(DefaultConfig())
}

// Do sends req, retrying transport errors and 429/502/503/504 responses.
// Requests with a body are retried only when req.GetBody is set. The final
// non-retryable response is returned as is, whatever its status.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	c.prepare(req)

	attempts := c.config.RetryAttempts
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		attempts = 0
	}
	wait := backoff{
		delay:      c.config.RetryDelay,
		max:        c.config.RetryMaxDelay,
		multiplier: c.config.BackoffMultiplier,
	}
	target := logURL(req.URL)

	var lastErr error
	for attempt := 0; attempt <= attempts; attempt++ {
		if attempt > 0 {
			d := wait.next()
			c.logger.Debug("retrying request",
				slog.String("url", target),
				slog.Int("attempt", attempt),
				slog.Duration("delay", d))
			if err := sleep(ctx, d); err != nil {
				return nil, err
			}
			if err := rewind(req); err != nil {
				return nil, err
			}
		}

		resp, retry, err := c.send(req, target, attempt < attempts)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retry {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: %w", ErrMaxRetries, lastErr)
}

// Get performs a GET request to the specified URL.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return c.Do(req)
}

// CircuitState returns the current state of the circuit breaker.
func (c *Client) CircuitState() CircuitState {
	return c.breaker.State()
}

// ResetCircuit closes the circuit breaker.
func (c *Client) ResetCircuit() {
	c.breaker.Reset()
}

func (c *Client) prepare(req *http.Request) {
	if req.Header.Get(HeaderUserAgent) == "" && c.config.UserAgent != "" {
		req.Header.Set(HeaderUserAgent, c.config.UserAgent)
	}
	if c.config.EnableDecompression && req.Header.Get(HeaderAcceptEncoding) == "" {
		req.Header.Set(HeaderAcceptEncoding, DefaultAcceptEncodingHeader)
	}
}

// send performs one attempt. retry reports whether a failed attempt may be
// repeated; canRetry is false on the last attempt so a retryable status is
// handed back to the caller instead of being discarded.
func (c *Client) send(req *http.Request, target string, canRetry bool) (resp *http.Response, retry bool, err error) {
	if !c.breaker.Allow() {
		c.logger.Debug("circuit breaker open, skipping request",
			slog.String("url", target),
			slog.String("state", c.breaker.State().String()))
		return nil, true, ErrCircuitOpen
	}

	start := time.Now()
	resp, err = c.client.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		c.breaker.RecordFailure()
		c.logger.Debug("request failed",
			slog.String("method", req.Method),
			slog.String("url", target),
			slog.Duration("duration", elapsed),
			slog.String("error", err.Error()))
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, false, err
		}
		return nil, true, err
	}

	if canRetry && isRetryableStatus(resp.StatusCode) {
		c.breaker.RecordFailure()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, true, fmt.Errorf("retryable status code: %d", resp.StatusCode)
	}

	if resp.StatusCode < 300 {
		c.breaker.RecordSuccess()
	} else {
		c.breaker.RecordFailure()
	}
	c.logger.Debug("request completed",
		slog.String("method", req.Method),
		slog.String("url", target),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", elapsed))

	if c.config.EnableDecompression {
		resp.Body = c.decode(resp)
	}
	return resp, false, nil
}

// decode wraps the body in the decoder matching Content-Encoding. Unknown
// encodings and broken gzip headers return the raw body.
func (c *Client) decode(resp *http.Response) io.ReadCloser {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get(HeaderContentEncoding)))
	newReader, ok := decoders[encoding]
	if !ok {
		return resp.Body
	}
	r, err := newReader(resp.Body)
	if err != nil {
		c.logger.Warn("failed to create response decoder, returning raw body",
			slog.String("encoding", encoding),
			slog.String("error", err.Error()))
		return resp.Body
	}
	return &decodedBody{Reader: r, body: resp.Body}
}

// decodedBody closes the decoder, if it has Close, before the raw body.
type decodedBody struct {
	io.Reader
	body io.Closer
}

func (d *decodedBody) Close() error {
	if closer, ok := d.Reader.(io.Closer); ok {
		_ = closer.Close()
	}
	return d.body.Close()
}

// backoff yields exponentially growing retry delays.
type backoff struct {
	delay      time.Duration
	max        time.Duration
	multiplier float64
}

func (b *backoff) next() time.Duration {
	d := b.delay
	b.delay = time.Duration(float64(b.delay) * b.multiplier)
	if b.max > 0 && b.delay > b.max {
		b.delay = b.max
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func rewind(req *http.Request) error {
	if req.GetBody == nil {
		return nil
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("rewinding request body: %w", err)
	}
	req.Body = body
	return nil
}

// logURL drops credentials and the query string, where stream tokens and
// signed upload parameters live.
func logURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	clean := *u
	clean.User = nil
	clean.RawQuery = ""
	clean.Fragment = ""
	return clean.String()
}

// isRetryableStatus returns true if the HTTP status code is retryable.
func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
