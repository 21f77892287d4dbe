package httpapi

import (
	"net/http"
	"time"

	"forestwatch-server/internal/config"
)

func NewServer(cfg config.Config, handler http.Handler, observer RequestObserver) *http.Server {
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           requestLogger(handler, observer),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
