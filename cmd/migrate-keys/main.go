// Package main provides a CLI tool that rewrites session and history keys written before
// the "<platform>:<room id>" scheme.
//
// Legacy keys look like "showroom-<room_url_key>", "idn-<slug>" or a bare id. Each is
// rewritten to the current live_key, and history archive keys are recomputed as
// "<live_key>@<started_at unix seconds>". Records whose new key already exists are dropped
// in favor of the existing one.
//
// Usage:
//
//	migrate-keys [--dry-run]
//
// Environment Variables:
//
//	DB_DRIVER: postgres | sqlite (default postgres)
//	DB_DSN: Database connection string
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/livewatch/backend/db"
	"github.com/onnwee/livewatch/backend/live"
	"github.com/onnwee/livewatch/backend/store"
)

type summary struct {
	Sessions int
	History  int
	Dropped  int
	Errors   int
}

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be rewritten without making changes")
	flag.Parse()

	_ = godotenv.Load(".env")
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	driver := strings.ToLower(os.Getenv("DB_DRIVER"))
	if driver == "" {
		driver = db.DriverPostgres
	}
	database, err := db.Connect(driver, os.Getenv("DB_DSN"))
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer database.Close()

	ctx := context.Background()
	if err := database.PingContext(ctx); err != nil {
		slog.Error("failed to ping database", slog.Any("error", err))
		os.Exit(1)
	}
	s, err := store.NewSQLStore(database, driver)
	if err != nil {
		slog.Error("failed to open store", slog.Any("error", err))
		os.Exit(1)
	}

	sum, err := migrateKeys(ctx, live.NewRepository(s), *dryRun)
	slog.Info("migration summary",
		slog.Int("sessions", sum.Sessions),
		slog.Int("history", sum.History),
		slog.Int("dropped", sum.Dropped),
		slog.Int("errors", sum.Errors),
		slog.Bool("dry_run", *dryRun))
	if err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}
}

// currentKey maps a legacy key to its live_key. ok is false when key is already current.
func currentKey(key, externalID string) (string, live.Platform, bool) {
	p, rest, ok := live.ParseLegacyKey(key)
	if !ok {
		return "", "", false
	}
	// external_id holds the stable room id; the legacy suffix may be a url key or slug.
	id := externalID
	if id == "" {
		id = rest
	}
	return live.LiveKey(p, id), p, true
}

func migrateKeys(ctx context.Context, repo *live.Repository, dryRun bool) (summary, error) {
	var sum summary
	if err := migrateSessions(ctx, repo, dryRun, &sum); err != nil {
		return sum, err
	}
	if err := migrateHistory(ctx, repo, dryRun, &sum); err != nil {
		return sum, err
	}
	if sum.Errors > 0 {
		return sum, fmt.Errorf("migration completed with %d errors", sum.Errors)
	}
	return sum, nil
}

func migrateSessions(ctx context.Context, repo *live.Repository, dryRun bool, sum *summary) error {
	sessions, err := repo.ListSessions(ctx, "")
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	for _, sess := range sessions {
		newKey, p, ok := currentKey(sess.LiveKey, sess.ExternalID)
		if !ok {
			continue
		}
		logger := slog.With(slog.String("old_key", sess.LiveKey), slog.String("new_key", newKey))
		if dryRun {
			logger.Info("would rewrite session (dry-run)")
			sum.Sessions++
			continue
		}
		existing, err := repo.FindSession(ctx, newKey)
		if err != nil {
			logger.Error("failed to look up session", slog.Any("error", err))
			sum.Errors++
			continue
		}
		oldKey := sess.LiveKey
		if existing == nil {
			sess.LiveKey = newKey
			if sess.Platform == "" {
				sess.Platform = p
			}
			if err := repo.SaveSession(ctx, sess); err != nil {
				logger.Error("failed to save session", slog.Any("error", err))
				sum.Errors++
				continue
			}
			sum.Sessions++
		} else {
			sum.Dropped++
		}
		if _, err := repo.DeleteSession(ctx, oldKey); err != nil {
			logger.Error("failed to delete legacy session", slog.Any("error", err))
			sum.Errors++
			continue
		}
		logger.Info("rewrote session", slog.Bool("dropped", existing != nil))
	}
	return nil
}

func migrateHistory(ctx context.Context, repo *live.Repository, dryRun bool, sum *summary) error {
	records, err := repo.ListHistory(ctx, live.HistoryQuery{})
	if err != nil {
		return fmt.Errorf("list history: %w", err)
	}
	unkeyed, err := unkeyedStartTimes(ctx, repo)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(records))
	for _, h := range records {
		seen[h.ArchiveKey] = true
	}
	done := make(map[string]bool)
	for _, h := range records {
		liveKey := h.LiveKey
		p := h.Platform
		if newKey, lp, ok := currentKey(h.LiveKey, h.ExternalID); ok {
			liveKey, p = newKey, lp
		}
		archiveKey := live.ArchiveKey(liveKey, h.StartedAt)
		if archiveKey == h.ArchiveKey {
			continue
		}
		logger := slog.With(slog.String("old_key", h.ArchiveKey), slog.String("old_live_key", h.LiveKey), slog.String("new_key", archiveKey))
		if h.ArchiveKey == "" {
			id := identity(h.LiveKey, h.StartedAt)
			if done[id] {
				// a duplicate of a row already rewritten and removed with it
				sum.Dropped++
				continue
			}
			done[id] = true
		}
		if dryRun {
			logger.Info("would rewrite history (dry-run)")
			sum.History++
			continue
		}
		dropped := seen[archiveKey]
		rewritten := h
		rewritten.ArchiveKey, rewritten.LiveKey = archiveKey, liveKey
		if rewritten.Platform == "" {
			rewritten.Platform = p
		}

		if h.ArchiveKey == "" {
			raw, ok := unkeyed[identity(h.LiveKey, h.StartedAt)]
			if !ok {
				logger.Error("history row without archive_key or started_at")
				sum.Errors++
				continue
			}
			if err := rewriteUnkeyed(ctx, repo, h.LiveKey, raw, rewritten, dropped); err != nil {
				logger.Error("failed to rewrite history", slog.Any("error", err))
				sum.Errors++
				continue
			}
		} else {
			if !dropped {
				if err := repo.UpsertHistory(ctx, rewritten); err != nil {
					logger.Error("failed to save history", slog.Any("error", err))
					sum.Errors++
					continue
				}
			}
			if _, err := repo.Store.DeleteOne(ctx, live.CollectionHistory, store.Filter{"archive_key": h.ArchiveKey}); err != nil {
				logger.Error("failed to delete legacy history", slog.Any("error", err))
				sum.Errors++
				continue
			}
		}
		if dropped {
			sum.Dropped++
		} else {
			seen[archiveKey] = true
			sum.History++
		}
		logger.Info("rewrote history", slog.Bool("dropped", dropped))
	}
	return nil
}

func identity(liveKey string, startedAt time.Time) string {
	return liveKey + "@" + strconv.FormatInt(startedAt.UnixNano(), 10)
}

// unkeyedStartTimes maps rows written without an archive_key to their stored started_at
// value, so they can be addressed by live_key and started_at exactly as stored.
func unkeyedStartTimes(ctx context.Context, repo *live.Repository) (map[string]string, error) {
	var docs []map[string]any
	if err := repo.Store.FindMany(ctx, live.CollectionHistory, store.Filter{}, &docs); err != nil {
		return nil, fmt.Errorf("list raw history: %w", err)
	}
	out := make(map[string]string)
	for _, d := range docs {
		if k, _ := d["archive_key"].(string); k != "" {
			continue
		}
		liveKey, _ := d["live_key"].(string)
		raw, ok := d["started_at"].(string)
		if !ok {
			continue
		}
		startedAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			continue
		}
		out[identity(liveKey, startedAt)] = raw
	}
	return out, nil
}

// rewriteUnkeyed replaces every row matching (oldLiveKey, startedAt) with rec. When the new
// key already exists that row is kept instead. Rows are deleted before the write when the
// live_key is unchanged, since the rewritten row would match the same filter.
func rewriteUnkeyed(ctx context.Context, repo *live.Repository, oldLiveKey, startedAt string, rec live.HistoryRecord, dropped bool) error {
	if dropped {
		found, err := repo.Store.FindOne(ctx, live.CollectionHistory, store.Filter{"archive_key": rec.ArchiveKey}, &rec)
		if err != nil {
			return fmt.Errorf("find existing history: %w", err)
		}
		if !found {
			return fmt.Errorf("history %s vanished during migration", rec.ArchiveKey)
		}
	}
	old := store.Filter{"live_key": oldLiveKey, "started_at": startedAt}
	deleteAll := func() error {
		n := 0
		for {
			ok, err := repo.Store.DeleteOne(ctx, live.CollectionHistory, old)
			if err != nil {
				return fmt.Errorf("delete legacy history: %w", err)
			}
			if !ok {
				break
			}
			n++
		}
		if n == 0 {
			return fmt.Errorf("no legacy history matched %s", oldLiveKey)
		}
		return nil
	}
	if oldLiveKey == rec.LiveKey {
		if err := deleteAll(); err != nil {
			return err
		}
		return repo.UpsertHistory(ctx, rec)
	}
	if err := repo.UpsertHistory(ctx, rec); err != nil {
		return err
	}
	return deleteAll()
}
