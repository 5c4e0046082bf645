package api

import (
	"net/http"
	"time"

	"entitylink/internal/logging"
)

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (sw *statusWriter) WriteHeader(statusCode int) {
	sw.statusCode = statusCode
	sw.ResponseWriter.WriteHeader(statusCode)
}

// requestLogger attaches a trace id to every request and logs method, path,
// status and duration on completion. Health probes are skipped to reduce
// noise.
func (r *Router) requestLogger() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			traceID := req.Header.Get("X-Trace-ID")
			if traceID == "" {
				traceID = logging.GenerateTraceID()
			}
			ctx := logging.WithTraceID(req.Context(), traceID)
			req = req.WithContext(ctx)
			w.Header().Set("X-Trace-ID", traceID)

			if req.URL.Path == "/healthz" || req.URL.Path == "/ping" {
				next.ServeHTTP(w, req)
				return
			}

			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(sw, req)

			r.logger.InfoContext(ctx, "request completed",
				"method", req.Method,
				"path", req.URL.Path,
				"status", sw.statusCode,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}
