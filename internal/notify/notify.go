// Package notify delivers recording lifecycle events to a webhook.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/recordarr/internal/version"
	"github.com/jmylchreest/recordarr/pkg/httpclient"
)

// EventType names a lifecycle event.
type EventType string

const (
	StreamStart    EventType = "streamStart"
	StreamEnd      EventType = "streamEnd"
	ChunkUpload    EventType = "chunkUpload"
	CompleteUpload EventType = "completeUpload"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Recordarr-Signature"

// DefaultTimeout bounds a single delivery.
const DefaultTimeout = 5 * time.Second

// Event is a notification to deliver.
type Event struct {
	Type    EventType
	Stream  string
	Payload map[string]any
}

// Result is the outcome of a delivery. Notification failures never abort
// the caller.
type Result struct {
	ID         string
	Delivered  bool
	StatusCode int
	Err        error
}

// Notifier delivers events.
type Notifier interface {
	Notify(ctx context.Context, event Event) Result
}

// Noop discards events.
type Noop struct{}

// Notify implements Notifier.
func (Noop) Notify(context.Context, Event) Result {
	return Result{}
}

// message is the JSON body sent to the webhook.
type message struct {
	ID        string         `json:"id"`
	Event     EventType      `json:"event"`
	Stream    string         `json:"stream,omitempty"`
	Payload   map[string]any `json:"payload"`
	Server    string         `json:"server"`
	Timestamp time.Time      `json:"timestamp"`
}

// Webhook posts events as JSON.
type Webhook struct {
	url     string
	secret  string
	server  string
	timeout time.Duration
	client  *httpclient.Client
	logger  *slog.Logger
	now     func() time.Time
}

// NewWebhook creates a webhook notifier. When secret is set every body is
// signed with HMAC-SHA256.
func NewWebhook(url, secret string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	cfg := httpclient.DefaultConfig()
	cfg.Timeout = timeout
	cfg.RetryAttempts = 0
	cfg.CircuitThreshold = 0
	cfg.EnableDecompression = false
	cfg.UserAgent = version.UserAgent()

	server, err := os.Hostname()
	if err != nil {
		server = "recordarr"
	}

	return &Webhook{
		url:     url,
		secret:  secret,
		server:  server,
		timeout: timeout,
		client:  httpclient.New(cfg),
		logger:  slog.Default(),
		now:     time.Now,
	}
}

// New returns a webhook notifier for url, or Noop when url is empty.
func New(url, secret string, timeout time.Duration, logger *slog.Logger) Notifier {
	if url == "" {
		return Noop{}
	}
	w := NewWebhook(url, secret, timeout)
	if logger != nil {
		w.WithLogger(logger)
	}
	return w
}

// WithLogger sets a custom logger.
func (w *Webhook) WithLogger(logger *slog.Logger) *Webhook {
	w.logger = logger
	return w
}

// WithServerName overrides the reported server name.
func (w *Webhook) WithServerName(name string) *Webhook {
	w.server = name
	return w
}

// Notify implements Notifier.
func (w *Webhook) Notify(ctx context.Context, event Event) Result {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	msg := message{
		ID:        uuid.NewString(),
		Event:     event.Type,
		Stream:    event.Stream,
		Payload:   payload,
		Server:    w.server,
		Timestamp: w.now().UTC(),
	}
	result := Result{ID: msg.ID}

	body, err := json.Marshal(msg)
	if err != nil {
		result.Err = fmt.Errorf("encoding event: %w", err)
		return w.logged(event, result)
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		result.Err = fmt.Errorf("creating request: %w", err)
		return w.logged(event, result)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		result.Err = fmt.Errorf("sending event: %w", err)
		return w.logged(event, result)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	result.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.Err = fmt.Errorf("webhook returned status %d", resp.StatusCode)
		return w.logged(event, result)
	}

	result.Delivered = true
	return w.logged(event, result)
}

func (w *Webhook) logged(event Event, result Result) Result {
	if result.Err != nil {
		w.logger.Warn("webhook delivery failed",
			slog.String("event", string(event.Type)),
			slog.String("stream", event.Stream),
			slog.String("id", result.ID),
			slog.String("error", result.Err.Error()))
		return result
	}
	w.logger.Debug("webhook delivered",
		slog.String("event", string(event.Type)),
		slog.String("stream", event.Stream),
		slog.Int("status", result.StatusCode))
	return result
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
