package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"forestwatch-server/internal/config"
	httpapi "forestwatch-server/internal/httpapi"
	"forestwatch-server/internal/metrics"
	"forestwatch-server/internal/modules/monitoring"
	"forestwatch-server/internal/modules/monitoring/live"
	monitoringviews "forestwatch-server/internal/modules/monitoring/views"
	"forestwatch-server/internal/mqtt"
	"forestwatch-server/internal/sensorapi"
)

func Run(ctx context.Context, cfg config.Config) error {
	slog.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"httpAddr", cfg.HTTPAddr,
		"staticDir", cfg.StaticDir,
		"apiURL", cfg.APIURL,
		"apiTimeout", cfg.APITimeout,
		"apiBreakerFailures", cfg.APIBreakerFailures,
		"apiBreakerOpenFor", cfg.APIBreakerOpenFor,
		"eventsURL", cfg.EventsURL,
		"eventsClientID", cfg.EventsClientID,
		"eventsTopicPrefix", cfg.EventsTopicPrefix,
		"viewIdleTimeout", cfg.ViewIdleTimeout,
		"viewRefreshInterval", cfg.ViewRefreshInterval,
		"displayTimezone", cfg.DisplayLocation.String(),
	)

	if err := monitoringviews.LoadTemplates(); err != nil {
		return err
	}

	m := metrics.New()

	// Listeners are registered per view; the connection only needs to exist
	// before the first page is served.
	events := mqtt.NewConn(cfg, slog.Default().With("component", "events"), m)

	sensorClient := sensorapi.NewClient(sensorapi.Options{
		BaseURL:         cfg.APIURL,
		Timeout:         cfg.APITimeout,
		BreakerFailures: cfg.APIBreakerFailures,
		BreakerOpenFor:  cfg.APIBreakerOpenFor,
		OnStateChange:   m.BreakerStateChanged,
		Logger:          slog.Default().With("component", "sensorapi"),
	})

	registry := live.NewRegistry(live.RegistryOptions{
		Events:      events,
		Fetcher:     sensorClient,
		IdleTimeout: cfg.ViewIdleTimeout,
		Logger:      slog.Default().With("component", "live"),
		Recorder:    m,
	})

	mux := httpapi.NewMux(cfg.StaticDir, events, m.Handler())
	monitoring.RegisterFeature(mux, cfg, registry)

	// Use a short timeout for the initial connect so a missing broker does not
	// block startup; pages still render the fetched snapshot without it.
	connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
	err := events.Connect(connectCtx)
	connectCancel()
	if err != nil {
		slog.Warn("event connection failed (continuing, retrying in background)", "error", err)
		go func() {
			if err := events.KeepConnecting(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("event connection retries stopped", "error", err)
			}
		}()
	}

	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		registry.Run(ctx)
	}()

	srv := httpapi.NewServer(cfg, mux, m)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		registry.CloseAll()
		events.Disconnect()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The reaper closes every view once ctx is done and the registry refuses
	// new ones after that, so page loads still in flight cannot leak a view.
	slog.Info("http shutting down")
	shutdownErr := srv.Shutdown(shutdownCtx)

	<-reaperDone
	slog.Info("live views closed")

	slog.Info("event connection closing")
	events.Disconnect()

	if shutdownErr != nil {
		return shutdownErr
	}

	err = <-errCh
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return ctx.Err()
}
