package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/onnwee/livewatch/backend/telemetry"
)

// Healthz responds to liveness probes by checking store connectivity.
func (h *Handlers) Healthz(c echo.Context) error {
	if err := h.store.Ping(c.Request().Context()); err != nil {
		return c.String(http.StatusServiceUnavailable, "unhealthy")
	}
	return c.String(http.StatusOK, "ok")
}

// Readyz checks the store and that reconciliation ticks are completing.
func (h *Handlers) Readyz(c echo.Context) error {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"store", func() error { return h.store.Ping(c.Request().Context()) }},
		{"tracker", func() error {
			if h.ticks == nil {
				return nil
			}
			last := h.ticks.LastTick()
			if last == nil {
				return fmt.Errorf("no tick completed yet")
			}
			if age := time.Since(last.FinishedAt); h.StaleAfter > 0 && age > h.StaleAfter {
				return fmt.Errorf("last tick finished %s ago", age.Round(time.Second))
			}
			return nil
		}},
	}
	for _, check := range checks {
		if err := check.fn(); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

// Status reports the last tick summary and whether spans are exported.
func (h *Handlers) Status(c echo.Context) error {
	resp := map[string]any{"last_tick": nil, "ticks_skipped": int64(0), "tracing": telemetry.IsTracingEnabled()}
	if h.ticks != nil {
		if last := h.ticks.LastTick(); last != nil {
			resp["last_tick"] = last
		}
		resp["ticks_skipped"] = h.ticks.Skipped()
	}
	return c.JSON(http.StatusOK, resp)
}
