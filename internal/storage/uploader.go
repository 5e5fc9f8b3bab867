package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/jmylchreest/recordarr/internal/config"
	"github.com/jmylchreest/recordarr/internal/version"
	"github.com/jmylchreest/recordarr/pkg/httpclient"
)

// Upload providers.
const (
	ProviderNone  = "none"
	ProviderLocal = "local"
	ProviderHTTP  = "http"
)

// ErrUploadDisabled is returned by the none provider.
var ErrUploadDisabled = errors.New("upload disabled")

// Uploader publishes a local file under key and returns its public location.
type Uploader interface {
	Upload(ctx context.Context, key, localPath string) (string, error)
}

// Key builds the object key for a recording file. An empty file yields the
// session directory key.
func Key(stream, session, file string) string {
	return path.Join(stream, session, file)
}

// NewUploader creates the uploader selected by cfg.Provider.
func NewUploader(cfg config.UploadConfig, logger *slog.Logger) (Uploader, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch strings.ToLower(cfg.Provider) {
	case "", ProviderNone:
		return NoopUploader{}, nil
	case ProviderLocal:
		return NewLocalUploader(cfg.PublicDir, cfg.PublicBaseURL)
	case ProviderHTTP:
		return NewHTTPUploader(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown upload provider %q", cfg.Provider)
	}
}

// NoopUploader accepts nothing.
type NoopUploader struct{}

// Upload implements Uploader.
func (NoopUploader) Upload(context.Context, string, string) (string, error) {
	return "", ErrUploadDisabled
}

// LocalUploader copies files into a public directory served elsewhere.
type LocalUploader struct {
	sandbox *Sandbox
	baseURL string
}

// NewLocalUploader creates a local uploader rooted at publicDir. Locations
// are baseURL/key.
func NewLocalUploader(publicDir, baseURL string) (*LocalUploader, error) {
	sandbox, err := NewSandbox(publicDir)
	if err != nil {
		return nil, fmt.Errorf("opening public directory: %w", err)
	}
	return &LocalUploader{sandbox: sandbox, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Upload implements Uploader.
func (u *LocalUploader) Upload(ctx context.Context, key, localPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dest, err := u.sandbox.CopyIn(localPath, key)
	if err != nil {
		return "", err
	}
	if u.baseURL == "" {
		return dest, nil
	}
	return u.baseURL + "/" + escapeKey(key), nil
}

// HTTPUploader PUTs files to endpoint/key with a bearer token.
type HTTPUploader struct {
	endpoint string
	token    string
	client   *httpclient.Client
	logger   *slog.Logger
}

// NewHTTPUploader creates an HTTP uploader. Retries follow
// cfg.RetryAttempts; the request body is reopened for each attempt.
func NewHTTPUploader(cfg config.UploadConfig, logger *slog.Logger) *HTTPUploader {
	clientCfg := httpclient.DefaultConfig()
	clientCfg.Timeout = cfg.Timeout
	clientCfg.RetryAttempts = cfg.RetryAttempts
	clientCfg.EnableDecompression = false
	clientCfg.UserAgent = version.UserAgent()
	clientCfg.Logger = logger

	return &HTTPUploader{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		token:    cfg.Token,
		client:   httpclient.New(clientCfg),
		logger:   logger,
	}
}

// Upload implements Uploader.
func (u *HTTPUploader) Upload(ctx context.Context, key, localPath string) (string, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("reading upload source: %w", err)
	}

	target := u.endpoint + "/" + escapeKey(key)
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("opening upload source: %w", err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, f)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.ContentLength = info.Size()
	req.GetBody = func() (io.ReadCloser, error) {
		return os.Open(localPath)
	}
	req.Header.Set("Content-Type", contentType(localPath))
	if u.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.token)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", key, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("uploading %s: unexpected status %d", key, resp.StatusCode)
	}

	if loc := resp.Header.Get("Location"); loc != "" {
		return loc, nil
	}
	return target, nil
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func contentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".ts":
		return "video/mp2t"
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}
