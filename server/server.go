// Package server exposes the HTTP API: health, readiness, metrics, the last tick status,
// and the subscription, channel, live and history endpoints. Every request gets a
// correlation ID for consistent logging.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// New returns the echo instance with all routes registered.
func New(h *Handlers, adminToken string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(correlation())

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/healthz", h.Healthz)
	e.GET("/readyz", h.Readyz)
	e.GET("/status", h.Status)

	e.GET("/live", h.ListLive)
	e.GET("/history", h.ListHistory)

	admin := adminAuth(adminToken)
	e.GET("/subscriptions", h.ListSubscriptions)
	e.POST("/subscriptions", h.AddSubscription, admin)
	e.DELETE("/subscriptions", h.RemoveSubscription, admin)

	e.GET("/channels", h.ListChannels)
	e.PUT("/channels", h.SetChannel, admin)
	e.DELETE("/channels", h.RemoveChannel, admin)
	return e
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, e *echo.Echo, addr string) error {
	e.Server.ReadTimeout = 5 * time.Second
	e.Server.WriteTimeout = 10 * time.Second
	e.Server.IdleTimeout = 60 * time.Second

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("component", "http"), slog.String("addr", addr))
	if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
