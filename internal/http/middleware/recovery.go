package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/jmylchreest/recordarr/internal/observability"
)

// problemBody matches the problem+json shape huma uses for API errors.
const problemBody = `{"title":"Internal Server Error","status":500}`

// Recovery turns a handler panic into a 500 response. The request-scoped
// logger from NewLoggingMiddleware is used when present; http.ErrAbortHandler
// is re-raised so the server aborts the connection as usual.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				l := logger
				if observability.RequestIDFromContext(r.Context()) != "" {
					l = observability.LoggerFromContext(r.Context())
				}
				l.ErrorContext(r.Context(), "panic recovered",
					slog.Any("error", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(debug.Stack())))

				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(problemBody))
			}()

			next.ServeHTTP(w, r)
		})
	}
}
