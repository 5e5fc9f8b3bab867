package http

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/recordarr/internal/config"
	"github.com/jmylchreest/recordarr/internal/http/handlers"
	"github.com/jmylchreest/recordarr/internal/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServer_RoutesAndMiddleware(t *testing.T) {
	srv := NewServer(config.ServerConfig{}, testLogger(), "")
	store := state.NewStore([]string{"news"})
	handlers.NewStatusHandler(store).Register(srv.API())
	handlers.NewHealthHandler("dev", store).Register(srv.API())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/live", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Contains(t, rec.Body.String(), `"name":"news"`)

	req = httptest.NewRequest(http.MethodGet, "/openapi.json", nil)
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "recordarr API")
}

func TestServer_ServeAndShutdown(t *testing.T) {
	srv := NewServer(config.ServerConfig{ShutdownTimeout: time.Second}, testLogger(), "1.0.0")
	handlers.NewHealthHandler("1.0.0", state.NewStore(nil)).Register(srv.API())

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(l) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + l.Addr().String() + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, srv.Shutdown(context.Background()))
	require.NoError(t, <-done)
}

func TestServer_ShutdownBeforeServe(t *testing.T) {
	srv := NewServer(config.ServerConfig{}, nil, "")
	assert.NoError(t, srv.Shutdown(context.Background()))
}

func TestServer_ListenAndServeCancelled(t *testing.T) {
	srv := NewServer(config.ServerConfig{Host: "127.0.0.1", Port: freePort(t), ShutdownTimeout: time.Second}, testLogger(), "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
