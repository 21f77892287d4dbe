package controller

import (
	"context"
	"net/http"
	"time"

	"forestwatch-server/internal/modules/monitoring/live"
)

// ViewRegistry is the subset of *live.Registry the handlers use.
type ViewRegistry interface {
	Open(ctx context.Context, token string) (string, *live.View, error)
	Get(id, token string) (*live.View, error)
	Close(id, token string) error
}

type Options struct {
	// Guard wraps every route; requests reaching a handler carry a token in
	// their context.
	Guard           func(http.Handler) http.Handler
	RefreshInterval time.Duration
	DisplayLocation *time.Location
}

type LiveController interface {
	RegisterRoutes(mux *http.ServeMux)
}

type liveControllerImpl struct {
	registry ViewRegistry
	opts     Options
}

func NewLiveController(registry ViewRegistry, opts Options) LiveController {
	if opts.Guard == nil {
		opts.Guard = func(h http.Handler) http.Handler { return h }
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 2 * time.Second
	}
	if opts.DisplayLocation == nil {
		opts.DisplayLocation = time.Local
	}
	return &liveControllerImpl{registry: registry, opts: opts}
}

func (c *liveControllerImpl) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /{$}", c.opts.Guard(http.HandlerFunc(c.handleRoot)))
	mux.Handle("GET /live", c.opts.Guard(http.HandlerFunc(c.handleLive)))
	mux.Handle("GET /live/{id}/partials/feed", c.opts.Guard(http.HandlerFunc(c.handleFeedPartial)))
	mux.Handle("POST /live/{id}/close", c.opts.Guard(http.HandlerFunc(c.handleClose)))
	mux.Handle("GET /api/v1/live/{id}", c.opts.Guard(http.HandlerFunc(c.handleSnapshot)))
}
