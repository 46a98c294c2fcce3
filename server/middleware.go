package server

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/onnwee/livewatch/backend/telemetry"
)

// correlation reuses X-Correlation-ID when given, else generates one, and wraps the request in a span.
func correlation() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r := c.Request()
			corr := r.Header.Get("X-Correlation-ID")
			if corr == "" {
				corr = uuid.New().String()
			}
			ctx := telemetry.WithCorrelation(r.Context(), corr)
			c.Response().Header().Set("X-Correlation-ID", corr)

			ctx, span := telemetry.StartSpan(ctx, r.Method+" "+c.Path(),
				attribute.String("http.method", r.Method),
				attribute.String("http.route", c.Path()),
			)
			defer span.End()
			telemetry.LoggerWithCorr(ctx).Debug("request start",
				slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

			c.SetRequest(r.WithContext(ctx))
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			status := c.Response().Status
			span.SetAttributes(attribute.Int("http.status_code", status))
			if status >= 400 {
				span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
			}
			return nil
		}
	}
}

// adminAuth guards mutating routes with ADMIN_TOKEN, sent as X-Admin-Token or a bearer token.
// An empty token leaves the routes open.
func adminAuth(token string) echo.MiddlewareFunc {
	if token == "" {
		slog.Warn("ADMIN_TOKEN not set - mutating endpoints are UNPROTECTED")
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if token == "" {
				return next(c)
			}
			got := c.Request().Header.Get("X-Admin-Token")
			if got == "" {
				got = strings.TrimPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
			}
			if got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1 {
				return next(c)
			}
			slog.Warn("admin auth failed", slog.String("path", c.Request().URL.Path), slog.String("remote_addr", c.RealIP()))
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
	}
}
