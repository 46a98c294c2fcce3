// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	TicksTotal          prometheus.Counter
	TicksSkipped        prometheus.Counter
	AdapterErrors       *prometheus.CounterVec
	SessionsStarted     *prometheus.CounterVec
	SessionsEnded       *prometheus.CounterVec
	NotificationsSent   *prometheus.CounterVec
	NotificationsFailed *prometheus.CounterVec
	HTTPRetries         *prometheus.CounterVec
	HTTPFailures        *prometheus.CounterVec
	CacheHits           prometheus.Counter
	CacheMisses         prometheus.Counter
	EnrichmentFallbacks *prometheus.CounterVec
	CooldownsTripped    *prometheus.CounterVec
	ArchiveFailures     *prometheus.CounterVec

	// Histograms (seconds)
	TickDuration prometheus.Observer

	// Gauges
	LiveSessionsGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		TicksTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "live_ticks_total", Help: "Number of reconciliation ticks executed"})
		TicksSkipped = promauto.NewCounter(prometheus.CounterOpts{Name: "live_ticks_skipped_total", Help: "Number of ticks skipped because one was already in flight"})
		AdapterErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_adapter_errors_total", Help: "Room listing failures by platform"}, []string{"platform"})
		SessionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_sessions_started_total", Help: "Sessions persisted on first sighting"}, []string{"platform"})
		SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_sessions_ended_total", Help: "Sessions archived after ending"}, []string{"platform"})
		NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_notifications_sent_total", Help: "Delivered notifications by kind (channel|direct)"}, []string{"kind"})
		NotificationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_notifications_failed_total", Help: "Failed notifications by kind (channel|direct)"}, []string{"kind"})
		HTTPRetries = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_http_retries_total", Help: "Upstream GET retries by host"}, []string{"host"})
		HTTPFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_http_failures_total", Help: "Upstream GET requests that failed permanently by host"}, []string{"host"})
		CacheHits = promauto.NewCounter(prometheus.CounterOpts{Name: "live_cache_hits_total", Help: "Live session cache hits"})
		CacheMisses = promauto.NewCounter(prometheus.CounterOpts{Name: "live_cache_misses_total", Help: "Live session cache misses"})
		EnrichmentFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_enrichment_fallbacks_total", Help: "Secondary history sources consulted by platform and source"}, []string{"platform", "source"})
		CooldownsTripped = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_cooldowns_tripped_total", Help: "Secondary sources disabled after permanent errors"}, []string{"platform", "source"})
		ArchiveFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_archive_failures_total", Help: "History upserts that failed"}, []string{"platform"})
		TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "live_tick_duration_seconds", Help: "Reconciliation tick duration seconds", Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 120}})
		LiveSessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "live_sessions_current", Help: "Number of rooms seen live on the last tick"})
	})
}

// IncTick counts an executed tick.
func IncTick() {
	if TicksTotal != nil {
		TicksTotal.Inc()
	}
}

// IncTickSkipped counts a tick skipped because one was in flight.
func IncTickSkipped() {
	if TicksSkipped != nil {
		TicksSkipped.Inc()
	}
}

// IncAdapterError counts a failed room listing.
func IncAdapterError(platform string) {
	if AdapterErrors != nil {
		AdapterErrors.WithLabelValues(platform).Inc()
	}
}

// IncSessionStarted counts a persisted new session.
func IncSessionStarted(platform string) {
	if SessionsStarted != nil {
		SessionsStarted.WithLabelValues(platform).Inc()
	}
}

// IncSessionEnded counts an archived session.
func IncSessionEnded(platform string) {
	if SessionsEnded != nil {
		SessionsEnded.WithLabelValues(platform).Inc()
	}
}

// IncArchiveFailure counts a failed history upsert.
func IncArchiveFailure(platform string) {
	if ArchiveFailures != nil {
		ArchiveFailures.WithLabelValues(platform).Inc()
	}
}

// RecordNotification counts one delivery attempt outcome.
func RecordNotification(kind string, ok bool) {
	if ok {
		if NotificationsSent != nil {
			NotificationsSent.WithLabelValues(kind).Inc()
		}
		return
	}
	if NotificationsFailed != nil {
		NotificationsFailed.WithLabelValues(kind).Inc()
	}
}

// IncHTTPRetry counts a retried upstream request.
func IncHTTPRetry(host string) {
	if HTTPRetries != nil {
		HTTPRetries.WithLabelValues(host).Inc()
	}
}

// IncHTTPFailure counts an upstream request that gave up.
func IncHTTPFailure(host string) {
	if HTTPFailures != nil {
		HTTPFailures.WithLabelValues(host).Inc()
	}
}

// RecordCacheLookup counts a cache hit or miss.
func RecordCacheLookup(hit bool) {
	if hit {
		if CacheHits != nil {
			CacheHits.Inc()
		}
		return
	}
	if CacheMisses != nil {
		CacheMisses.Inc()
	}
}

// IncEnrichmentFallback counts a consulted secondary history source.
func IncEnrichmentFallback(platform, source string) {
	if EnrichmentFallbacks != nil {
		EnrichmentFallbacks.WithLabelValues(platform, source).Inc()
	}
}

// IncCooldownTripped counts a disabled secondary source.
func IncCooldownTripped(platform, source string) {
	if CooldownsTripped != nil {
		CooldownsTripped.WithLabelValues(platform, source).Inc()
	}
}

// SetLiveSessions records how many rooms were live on the last tick.
func SetLiveSessions(n int) {
	if LiveSessionsGauge != nil {
		LiveSessionsGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
