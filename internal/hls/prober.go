// Package hls checks live source availability and picks a variant from
// multivariant playlists.
package hls

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/jmylchreest/recordarr/pkg/httpclient"
)

// Prober reports whether a live source responds.
type Prober struct {
	client  *httpclient.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewProber creates a prober that issues a single GET per check with the
// given User-Agent. Retries and the circuit breaker are off: one prober is
// shared by every stream.
func NewProber(userAgent string, timeout time.Duration) *Prober {
	cfg := httpclient.DefaultConfig()
	cfg.Timeout = timeout
	cfg.RetryAttempts = 0
	cfg.CircuitThreshold = 0
	cfg.UserAgent = userAgent
	cfg.EnableDecompression = false
	return &Prober{
		client:  httpclient.New(cfg),
		timeout: timeout,
		logger:  slog.Default(),
	}
}

// NewProberWithClient creates a prober around an existing client.
func NewProberWithClient(client *httpclient.Client, timeout time.Duration) *Prober {
	return &Prober{client: client, timeout: timeout, logger: slog.Default()}
}

// WithLogger sets a custom logger.
func (p *Prober) WithLogger(logger *slog.Logger) *Prober {
	p.logger = logger
	return p
}

// IsAvailable returns true when the URL answers with a 2xx status. Transport
// errors, timeouts and any other status report false.
func (p *Prober) IsAvailable(ctx context.Context, url string) bool {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	resp, err := p.client.Get(ctx, url)
	if err != nil {
		p.logger.Debug("availability probe failed",
			slog.String("url", url),
			slog.String("error", err.Error()))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !ok {
		p.logger.Debug("availability probe returned non-2xx",
			slog.String("url", url),
			slog.Int("status", resp.StatusCode))
	}
	return ok
}
