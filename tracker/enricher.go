package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/livewatch/backend/cache"
	"github.com/onnwee/livewatch/backend/coalesce"
	"github.com/onnwee/livewatch/backend/live"
	"github.com/onnwee/livewatch/backend/platform"
	"github.com/onnwee/livewatch/backend/telemetry"
)

// DefaultEnrichTimeout bounds one FetchHistoryMetrics call.
const DefaultEnrichTimeout = 90 * time.Second

// Enricher archives ended sessions.
type Enricher struct {
	Repo     *live.Repository
	Cache    *cache.Cache[live.LiveSession]
	Adapters map[live.Platform]platform.Adapter
	Timeout  time.Duration

	now func() time.Time
}

func NewEnricher(repo *live.Repository, c *cache.Cache[live.LiveSession], adapters []platform.Adapter) *Enricher {
	byPlatform := make(map[live.Platform]platform.Adapter, len(adapters))
	for _, a := range adapters {
		byPlatform[a.Platform()] = a
	}
	return &Enricher{Repo: repo, Cache: c, Adapters: byPlatform, Timeout: DefaultEnrichTimeout, now: time.Now}
}

// Archive writes the history record for an ended session, then removes the session.
// Metrics the platform cannot provide are recorded as zero; enrichment errors never block archival.
func (e *Enricher) Archive(ctx context.Context, sess live.LiveSession) (rec live.HistoryRecord, err error) {
	ctx, span := telemetry.StartSpan(ctx, "tracker.Archive", attribute.String("live_key", sess.LiveKey))
	defer func() { telemetry.EndSpan(span, err) }()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("live_key", sess.LiveKey))

	var fetched live.HistoryMetrics
	if a, ok := e.Adapters[sess.Platform]; ok {
		timeout := e.Timeout
		if timeout <= 0 {
			timeout = DefaultEnrichTimeout
		}
		fctx, cancel := context.WithTimeout(ctx, timeout)
		m, ferr := a.FetchHistoryMetrics(fctx, sess)
		cancel()
		if ferr != nil {
			logger.Warn("history metrics unavailable, archiving with last known values", slog.Any("err", ferr))
		}
		fetched = m
	} else {
		logger.Warn("no adapter for platform, archiving without enrichment", slog.String("platform", string(sess.Platform)))
	}

	now := time.Now
	if e.now != nil {
		now = e.now
	}
	ended := now().UTC()
	duration := int64(ended.Sub(sess.StartedAt) / time.Second)
	if duration < 0 {
		duration = 0
	}

	resolve := func(name string, vals ...*int64) int64 {
		if v := coalesce.First(vals...); v != nil {
			return *v
		}
		logger.Info("metric unresolved, recording zero", slog.String("metric", name))
		return 0
	}

	rec = live.HistoryRecord{
		ArchiveKey:   live.ArchiveKey(sess.LiveKey, sess.StartedAt),
		LiveKey:      sess.LiveKey,
		Platform:     sess.Platform,
		MemberName:   sess.MemberName,
		ExternalID:   sess.ExternalID,
		RoomKey:      sess.RoomKey,
		Title:        sess.Title,
		URL:          sess.URL,
		Image:        sess.Image,
		Viewers:      resolve("viewers", fetched.Viewers, sess.Viewers),
		Comments:     resolve("comments", fetched.Comments),
		CommentUsers: resolve("comment_users", fetched.CommentUsers),
		TotalGold:    resolve("total_gold", fetched.TotalGold),
		StartedAt:    sess.StartedAt.UTC(),
		EndedAt:      ended,
		Duration:     duration,
	}

	if err := e.Repo.UpsertHistory(ctx, rec); err != nil {
		telemetry.IncArchiveFailure(string(sess.Platform))
		return rec, fmt.Errorf("upsert history: %w", err)
	}
	if _, err := e.Repo.DeleteSession(ctx, sess.LiveKey); err != nil {
		return rec, fmt.Errorf("delete session: %w", err)
	}
	if e.Cache != nil {
		e.Cache.Delete(sess.LiveKey)
	}
	telemetry.IncSessionEnded(string(sess.Platform))
	logger.Info("session archived", slog.Int64("duration_s", duration), slog.Int64("viewers", rec.Viewers))
	return rec, nil
}
