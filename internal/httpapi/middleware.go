package httpapi

import (
	"log/slog"
	"net/http"
	"time"
)

// RequestObserver records finished requests; *metrics.Metrics satisfies it.
type RequestObserver interface {
	ObserveHTTP(method string, status int, d time.Duration)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func requestLogger(next http.Handler, observer RequestObserver) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r)
		elapsed := time.Since(start)

		if observer != nil {
			observer.ObserveHTTP(r.Method, sr.status, elapsed)
		}
		// Feed polls arrive every few seconds per open page.
		level := slog.LevelInfo
		if sr.status < http.StatusBadRequest && r.Header.Get("HX-Request") == "true" {
			level = slog.LevelDebug
		}
		slog.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sr.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}
