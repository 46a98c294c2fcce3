package platform

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/onnwee/livewatch/backend/httpclient"
	"github.com/onnwee/livewatch/backend/live"
	"github.com/onnwee/livewatch/backend/telemetry"
)

// Default cooldowns for secondary (fallback) sources.
const (
	DefaultAuthCooldown      = 30 * time.Minute
	DefaultRateLimitCooldown = 5 * time.Minute
)

// Cooldowns temporarily disables secondary sources that fail permanently.
// 401/403/404 disable a source for AuthCooldown, 429 for RateLimitCooldown;
// other failures are logged by the caller and never trip.
type Cooldowns struct {
	Platform          live.Platform
	AuthCooldown      time.Duration
	RateLimitCooldown time.Duration

	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time
}

// NewCooldowns returns a tracker for p. Non-positive durations use the defaults.
func NewCooldowns(p live.Platform, auth, rateLimit time.Duration) *Cooldowns {
	if auth <= 0 {
		auth = DefaultAuthCooldown
	}
	if rateLimit <= 0 {
		rateLimit = DefaultRateLimitCooldown
	}
	return &Cooldowns{
		Platform:          p,
		AuthCooldown:      auth,
		RateLimitCooldown: rateLimit,
		until:             make(map[string]time.Time),
		now:               time.Now,
	}
}

// SetClock replaces the time source (tests).
func (c *Cooldowns) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Available reports whether source may be called.
func (c *Cooldowns) Available(source string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.until[source]
	if !ok {
		return true
	}
	if !c.now().Before(until) {
		delete(c.until, source)
		return true
	}
	return false
}

// Trip disables source according to err's status. It returns the applied cooldown, zero when err does not trip.
func (c *Cooldowns) Trip(source string, err error) time.Duration {
	var d time.Duration
	switch httpclient.StatusCode(err) {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		d = c.AuthCooldown
	case http.StatusTooManyRequests:
		d = c.RateLimitCooldown
	default:
		return 0
	}
	c.mu.Lock()
	c.until[source] = c.now().Add(d)
	c.mu.Unlock()
	telemetry.IncCooldownTripped(string(c.Platform), source)
	slog.Warn("fallback source disabled",
		slog.String("component", "cooldown"),
		slog.String("platform", string(c.Platform)),
		slog.String("source", source),
		slog.Duration("cooldown", d),
		slog.Any("err", err))
	return d
}

// Snapshot returns the active cooldowns keyed by source.
func (c *Cooldowns) Snapshot() map[string]time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	out := make(map[string]time.Time, len(c.until))
	for k, v := range c.until {
		if now.Before(v) {
			out[k] = v
		}
	}
	return out
}

// Run calls fn for a secondary source unless the source is cooling down.
// attempted is false when fn was skipped. Failures trip the cooldown when their status warrants it.
func (c *Cooldowns) Run(ctx context.Context, source string, fn func(ctx context.Context) error) (attempted bool, err error) {
	if !c.Available(source) {
		telemetry.LoggerWithCorr(ctx).Debug("fallback source cooling down, skipped",
			slog.String("platform", string(c.Platform)),
			slog.String("source", source))
		return false, nil
	}
	telemetry.IncEnrichmentFallback(string(c.Platform), source)
	if err := fn(ctx); err != nil {
		if c.Trip(source, err) == 0 {
			telemetry.LoggerWithCorr(ctx).Warn("fallback source failed",
				slog.String("platform", string(c.Platform)),
				slog.String("source", source),
				slog.Any("err", err))
		}
		return true, err
	}
	return true, nil
}
