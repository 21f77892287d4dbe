package httpapi

import (
	"net/http"
)

// NewMux registers the operational routes: /healthz, /metrics (when
// metricsHandler is set) and /static/ (when staticDir is set).
func NewMux(staticDir string, events ConnectionStatus, metricsHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	registerHealthcheck(mux, events)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
	if staticDir != "" {
		mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.Dir(staticDir))))
	}
	return mux
}
