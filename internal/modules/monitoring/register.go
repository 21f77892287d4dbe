package monitoring

import (
	"net/http"

	"forestwatch-server/internal/auth"
	"forestwatch-server/internal/config"
	"forestwatch-server/internal/modules/monitoring/controller"
	"forestwatch-server/internal/modules/monitoring/live"
)

func RegisterFeature(mux *http.ServeMux, cfg config.Config, registry *live.Registry) {
	guard := auth.NewGuard(cfg.TokenCookie, cfg.LoginPath)
	liveController := controller.NewLiveController(registry, controller.Options{
		Guard:           guard.Middleware,
		RefreshInterval: cfg.ViewRefreshInterval,
		DisplayLocation: cfg.DisplayLocation,
	})
	liveController.RegisterRoutes(mux)
}
