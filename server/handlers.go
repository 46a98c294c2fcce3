package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/onnwee/livewatch/backend/live"
	"github.com/onnwee/livewatch/backend/telemetry"
	"github.com/onnwee/livewatch/backend/tracker"
)

// TickSource reports reconciliation progress. *tracker.Scheduler implements it.
type TickSource interface {
	LastTick() *tracker.TickResult
	Skipped() int64
}

// Pinger checks the backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	service *live.Service
	store   Pinger
	ticks   TickSource
	// StaleAfter is how old the last tick may be before /readyz fails.
	StaleAfter time.Duration
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(service *live.Service, store Pinger, ticks TickSource, pollInterval time.Duration) *Handlers {
	if pollInterval <= 0 {
		pollInterval = tracker.DefaultInterval
	}
	return &Handlers{service: service, store: store, ticks: ticks, StaleAfter: 3 * pollInterval}
}

func errorJSON(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}

// serviceError maps domain errors onto HTTP statuses.
func serviceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, live.ErrInvalidPlatform), errors.Is(err, live.ErrInvalidArgument):
		return errorJSON(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, live.ErrMemberNotFound), errors.Is(err, live.ErrNotSubscribed), errors.Is(err, live.ErrChannelNotConfigured):
		return errorJSON(c, http.StatusNotFound, err.Error())
	case errors.Is(err, live.ErrAlreadySubscribed):
		return errorJSON(c, http.StatusConflict, err.Error())
	}
	telemetry.LoggerWithCorr(c.Request().Context()).Error("request failed",
		slog.String("component", "http"), slog.String("path", c.Path()), slog.Any("err", err))
	return errorJSON(c, http.StatusInternalServerError, "internal error")
}

// optionalPlatform parses an optional platform query parameter.
func optionalPlatform(c echo.Context) (live.Platform, error) {
	v := c.QueryParam("platform")
	if v == "" {
		return "", nil
	}
	return live.ParsePlatform(v)
}
