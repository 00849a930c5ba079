package middleware

import (
	"net/http"
	"time"

	"github.com/biznespilot/governor/pkg/httputil"
	"github.com/biznespilot/governor/pkg/observability"
	"github.com/google/uuid"
)

// RequestIDHeader carries the request ID in and out
const RequestIDHeader = "X-Request-ID"

// RequestID propagates the caller's request ID or assigns a new one, and
// attaches a logger carrying it to the request context.
func RequestID(logger *observability.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" || len(id) > 128 {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)

			ctx := observability.WithRequestID(r.Context(), id)
			ctx = observability.WithLogger(ctx, logger)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Recovery turns a handler panic into a 500 failure body
func Recovery(logger *observability.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer observability.RecoverPanicWithCallback(
				logger.WithField("request_id", observability.GetRequestID(r.Context())),
				r.Method+" "+r.URL.Path,
				func(any) {
					httputil.WriteErrorCode(w, http.StatusInternalServerError, httputil.CodeInternalError, "internal server error")
				},
			)
			next.ServeHTTP(w, r)
		})
	}
}

// Logging writes one structured line per request
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := httputil.NewStatusRecorder(w)

		next.ServeHTTP(rw, r)

		entry := observability.FromContext(r.Context()).WithFields(map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rw.Status,
			"duration_ms": time.Since(start).Milliseconds(),
			"remote_addr": r.RemoteAddr,
		})
		switch {
		case rw.Status >= 500:
			entry.Error("request failed")
		case rw.Status >= 400:
			entry.Info("request rejected")
		default:
			entry.Debug("request served")
		}
	})
}
