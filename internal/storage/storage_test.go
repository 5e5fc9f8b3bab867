package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/recordarr/internal/config"
)

func TestSandbox_ResolvePath(t *testing.T) {
	sb, err := NewSandbox(t.TempDir())
	require.NoError(t, err)

	path, err := sb.ResolvePath("news/01J/segment_00000.ts")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(sb.BaseDir(), "news", "01J", "segment_00000.ts"), path)

	for _, bad := range []string{"../escape", "news/../../escape", "/etc/passwd"} {
		_, err := sb.ResolvePath(bad)
		assert.Error(t, err, bad)
	}

	assert.Error(t, sb.RemoveAll("."))
}

func TestSandbox_AtomicWriteAndCopyIn(t *testing.T) {
	sb, err := NewSandbox(t.TempDir())
	require.NoError(t, err)

	path, err := sb.AtomicWrite("news/s1/a.ts", []byte("segment"))
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "segment", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	copied, err := sb.CopyIn(path, "public/a.ts")
	require.NoError(t, err)
	assert.FileExists(t, path, "source is kept")
	data, err = os.ReadFile(copied)
	require.NoError(t, err)
	assert.Equal(t, "segment", string(data))

	require.NoError(t, sb.RemoveAll("news"))
	assert.NoDirExists(t, filepath.Join(sb.BaseDir(), "news"))
}

func TestKey(t *testing.T) {
	assert.Equal(t, "news/01JABC/recording.ts", Key("news", "01JABC", "recording.ts"))
	assert.Equal(t, "news/01JABC", Key("news", "01JABC", ""), "empty file names the session directory")
}

func writeSource(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "segment_00000.ts")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewUploader(t *testing.T) {
	u, err := NewUploader(config.UploadConfig{Provider: "none"}, nil)
	require.NoError(t, err)
	assert.IsType(t, NoopUploader{}, u)

	u, err = NewUploader(config.UploadConfig{Provider: "local", PublicDir: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.IsType(t, &LocalUploader{}, u)

	u, err = NewUploader(config.UploadConfig{Provider: "http", Endpoint: "http://example.com"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &HTTPUploader{}, u)

	_, err = NewUploader(config.UploadConfig{Provider: "ftp"}, nil)
	assert.Error(t, err)
}

func TestLocalUploader(t *testing.T) {
	publicDir := t.TempDir()
	src := writeSource(t, "tsdata")

	u, err := NewLocalUploader(publicDir, "https://cdn.example.com/rec/")
	require.NoError(t, err)

	loc, err := u.Upload(context.Background(), "news/s1/my clip.ts", src)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/rec/news/s1/my%20clip.ts", loc)

	data, err := os.ReadFile(filepath.Join(publicDir, "news", "s1", "my clip.ts"))
	require.NoError(t, err)
	assert.Equal(t, "tsdata", string(data))

	u, err = NewLocalUploader(publicDir, "")
	require.NoError(t, err)
	loc, err = u.Upload(context.Background(), "news/s1/b.ts", src)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(publicDir, "news", "s1", "b.ts"), loc)

	_, err = u.Upload(context.Background(), "../escape.ts", src)
	assert.Error(t, err)
}

func TestHTTPUploader(t *testing.T) {
	var received atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bucket/fail/s1/a.ts" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		assert.Equal(t, "video/mp2t", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		received.Store(string(body))
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	u := NewHTTPUploader(config.UploadConfig{
		Endpoint: server.URL + "/bucket/",
		Token:    "secret-token",
		Timeout:  5 * time.Second,
	}, nil)

	src := writeSource(t, "payload")
	loc, err := u.Upload(context.Background(), "news/s1/a.ts", src)
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/bucket/news/s1/a.ts", loc)
	assert.Equal(t, "payload", received.Load())

	_, err = u.Upload(context.Background(), "fail/s1/a.ts", src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestHTTPUploader_RetryRewindsBody(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "payload", string(body))
		w.Header().Set("Location", "https://objects.example.com/a.ts")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	u := NewHTTPUploader(config.UploadConfig{Endpoint: server.URL, Timeout: 5 * time.Second, RetryAttempts: 1}, nil)

	loc, err := u.Upload(context.Background(), "news/s1/a.ts", writeSource(t, "payload"))
	require.NoError(t, err)
	assert.Equal(t, "https://objects.example.com/a.ts", loc)
	assert.Equal(t, int32(2), attempts.Load())
}

type failingUploader struct{}

func (failingUploader) Upload(context.Context, string, string) (string, error) {
	return "", errors.New("connection refused")
}

func TestPublisher_FailurePolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("keeps local file by default", func(t *testing.T) {
		src := writeSource(t, "x")
		_, err := NewPublisher(failingUploader{}, time.Second, false).Publish(ctx, "k", src)
		require.Error(t, err)
		assert.FileExists(t, src)
	})

	t.Run("deletes local file when configured", func(t *testing.T) {
		src := writeSource(t, "x")
		_, err := NewPublisher(failingUploader{}, time.Second, true).Publish(ctx, "k", src)
		require.Error(t, err)
		assert.NoFileExists(t, src)
	})

	t.Run("disabled", func(t *testing.T) {
		p := NewPublisher(NoopUploader{}, time.Second, true)
		assert.False(t, p.Enabled())
		src := writeSource(t, "x")
		_, err := p.Publish(ctx, "k", src)
		assert.ErrorIs(t, err, ErrUploadDisabled)
		assert.FileExists(t, src)

		var nilPublisher *Publisher
		assert.False(t, nilPublisher.Enabled())
	})
}
