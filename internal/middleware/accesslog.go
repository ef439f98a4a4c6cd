// Package middleware holds the dispatcher-level handlers wrapped around the
// hosted application in every worker: access logging and per-client rate
// limiting. Neither inspects application routes.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"prefork/internal/dispatch"
)

// statusRecorder captures the response status for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// AccessLog logs one line per request: method, path, status, duration and
// peer. Server errors log at error level so handler failures stay visible
// even though they never propagate past the thread.
func AccessLog(logger *slog.Logger, clock dispatch.Clock) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = dispatch.RealClock{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := clock.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration", clock.Now().Sub(start).Round(time.Millisecond),
				"remote", r.RemoteAddr,
			}
			if status >= http.StatusInternalServerError {
				logger.Error("request", attrs...)
				return
			}
			logger.Info("request", attrs...)
		})
	}
}
