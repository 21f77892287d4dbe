package httpapi

import (
	"net/http"

	"forestwatch-server/internal/utils"
)

// ConnectionStatus reports whether the push-event connection is up.
type ConnectionStatus interface {
	IsConnected() bool
}

type healthchecker interface {
	handleHealthz(w http.ResponseWriter, r *http.Request)
}

type healthcheckerImpl struct {
	events ConnectionStatus
}

func NewHealthchecker(events ConnectionStatus) healthchecker {
	return &healthcheckerImpl{events: events}
}

// handleHealthz always answers 200: the dashboard still serves the fetched
// snapshot while the event connection is down.
func (h *healthcheckerImpl) handleHealthz(w http.ResponseWriter, r *http.Request) {
	events := "disconnected"
	if h.events != nil && h.events.IsConnected() {
		events = "connected"
	}
	utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "events": events})
}

func registerHealthcheck(mux *http.ServeMux, events ConnectionStatus) {
	healthchecker := NewHealthchecker(events)
	mux.HandleFunc("GET /healthz", healthchecker.handleHealthz)
}
