package controller

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"

	"forestwatch-server/internal/auth"
	"forestwatch-server/internal/modules/monitoring/live"
	"forestwatch-server/internal/modules/monitoring/views"
	"forestwatch-server/internal/utils"
)

func (c *liveControllerImpl) handleRoot(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/live", http.StatusFound)
}

func (c *liveControllerImpl) handleLive(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromContext(r.Context())
	id, view, err := c.registry.Open(r.Context(), token)
	if err != nil {
		if errors.Is(err, live.ErrRegistryClosed) {
			utils.WriteError(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}
		slog.Error("live page: open view failed", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to render page")
		return
	}

	feed, err := views.NewFeedData(id, view.Snapshot(), c.opts.DisplayLocation)
	if err != nil {
		c.abandon(id, token)
		slog.Error("live page: build feed failed", "view_id", id, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to render page")
		return
	}
	data := &views.LiveData{
		ViewID:         id,
		RefreshSeconds: views.RefreshSeconds(c.opts.RefreshInterval),
		Feed:           feed,
	}

	var buf bytes.Buffer
	if err := views.RenderLive(&buf, data); err != nil {
		c.abandon(id, token)
		slog.Error("live template render failed", "view_id", id, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to render page")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (c *liveControllerImpl) handleFeedPartial(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	view, ok := c.lookup(w, r, id)
	if !ok {
		return
	}

	feed, err := views.NewFeedData(id, view.Snapshot(), c.opts.DisplayLocation)
	if err != nil {
		slog.Error("feed partial: build feed failed", "view_id", id, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to render feed")
		return
	}
	var buf bytes.Buffer
	if err := views.RenderLivePartial(&buf, feed); err != nil {
		slog.Error("feed partial render failed", "view_id", id, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to render feed")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (c *liveControllerImpl) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	view, ok := c.lookup(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	utils.WriteJSON(w, http.StatusOK, view.Snapshot())
}

func (c *liveControllerImpl) handleClose(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := c.registry.Close(id, auth.TokenFromContext(r.Context()))
	if errors.Is(err, live.ErrViewNotFound) {
		utils.WriteError(w, http.StatusNotFound, "live view not found")
		return
	}
	if err != nil {
		slog.Error("close live view failed", "view_id", id, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to close live view")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// lookup writes a 404 and reports false when id does not name a view opened
// with the request's token. HX-Refresh makes htmx reload the page, which opens
// a fresh view.
func (c *liveControllerImpl) lookup(w http.ResponseWriter, r *http.Request, id string) (*live.View, bool) {
	view, err := c.registry.Get(id, auth.TokenFromContext(r.Context()))
	if err == nil {
		return view, true
	}
	if !errors.Is(err, live.ErrViewNotFound) {
		slog.Error("live view lookup failed", "view_id", id, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load live view")
		return nil, false
	}
	w.Header().Set("HX-Refresh", "true")
	utils.WriteError(w, http.StatusNotFound, "live view not found")
	return nil, false
}

func (c *liveControllerImpl) abandon(id, token string) {
	if err := c.registry.Close(id, token); err != nil {
		slog.Warn("close abandoned live view", "view_id", id, "error", err)
	}
}
