package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/onnwee/livewatch/backend/cache"
	"github.com/onnwee/livewatch/backend/config"
	"github.com/onnwee/livewatch/backend/db"
	"github.com/onnwee/livewatch/backend/delivery"
	"github.com/onnwee/livewatch/backend/httpclient"
	"github.com/onnwee/livewatch/backend/live"
	"github.com/onnwee/livewatch/backend/platform"
	"github.com/onnwee/livewatch/backend/platform/idn"
	"github.com/onnwee/livewatch/backend/platform/showroom"
	"github.com/onnwee/livewatch/backend/store"
	"github.com/onnwee/livewatch/backend/tracker"
)

// app is the wired object graph shared by serve and tick.
type app struct {
	cfg       *config.Config
	store     store.Store
	adapters  []platform.Adapter
	service   *live.Service
	scheduler *tracker.Scheduler
	closers   []func()
}

// Close releases resources in reverse construction order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// openDatabase connects and migrates. Versioned migrations run first; the embedded
// SQL schema is the fallback for databases created before version tracking.
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	database, err := db.Connect(cfg.DBDriver, cfg.DBDsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	slog.Info("running database migrations", slog.String("component", "db_migrate"), slog.String("driver", cfg.DBDriver))
	if err := db.RunMigrations(database, cfg.DBDriver); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database, cfg.DBDriver); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("migrate db (both versioned and embedded SQL failed): %w", err)
		}
	}
	return database, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.DBDriver == "memory" {
		slog.Warn("using in-memory store: sessions and history are lost on restart")
		return store.NewMemoryStore(), nil
	}
	database, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s, err := store.NewSQLStore(database, cfg.DBDriver)
	if err != nil {
		_ = database.Close()
		return nil, err
	}
	return s, nil
}

// buildAdapters returns the enabled platform adapters sharing one retrying HTTP client.
func buildAdapters(cfg *config.Config) []platform.Adapter {
	hc := httpclient.New(&http.Client{}, cfg.HTTPMaxAttempts, cfg.HTTPRetryBaseDelay, cfg.HTTPTimeout)
	var adapters []platform.Adapter
	if cfg.ShowroomEnabled {
		cd := platform.NewCooldowns(live.PlatformShowroom, cfg.CooldownAuth, cfg.CooldownRateLimit)
		adapters = append(adapters, showroom.New(cfg.ShowroomBaseURL, hc, platform.ParseRoster(cfg.ShowroomRoster), cd))
	}
	if cfg.IDNEnabled {
		cd := platform.NewCooldowns(live.PlatformIDN, cfg.CooldownAuth, cfg.CooldownRateLimit)
		creds := idn.Credentials{
			APIKey:       cfg.IDNAPIKey,
			ClientID:     cfg.IDNClientID,
			ClientSecret: cfg.IDNClientSecret,
			TokenURL:     cfg.IDNTokenURL,
		}
		adapters = append(adapters, idn.New(cfg.IDNBaseURL, hc, creds, platform.ParseRoster(cfg.IDNRoster), cd))
	}
	return adapters
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	s, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = s
	a.closers = append(a.closers, func() {
		if err := s.Close(); err != nil {
			slog.Error("failed to close store", slog.Any("err", err))
		}
	})

	d, closeDelivery, err := delivery.New(ctx, delivery.Options{
		Driver:        cfg.DeliveryDriver,
		ChannelURL:    cfg.WebhookChannelURL,
		DirectURL:     cfg.WebhookDirectURL,
		IRCUsername:   cfg.IRCUsername,
		IRCOAuthToken: cfg.IRCOAuthToken,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("delivery: %w", err)
	}
	a.closers = append(a.closers, closeDelivery)

	a.adapters = buildAdapters(cfg)
	repo := live.NewRepository(s)
	sessions := cache.New[live.LiveSession](cfg.CacheCapacity, cfg.CacheTTL)

	notifier := tracker.NewNotifier(repo, sessions, d)
	notifier.Fanout = cfg.FanoutConcurrency
	notifier.CacheTTL = cfg.CacheTTL

	enricher := tracker.NewEnricher(repo, sessions, a.adapters)
	enricher.Timeout = cfg.EnrichTimeout

	sched := tracker.NewScheduler(a.adapters, repo, sessions, notifier, enricher)
	sched.Interval = cfg.PollInterval
	sched.Parallelism = cfg.FanoutConcurrency
	sched.RefreshKnown = cfg.RefreshKnown
	a.scheduler = sched

	finders := make(map[live.Platform]live.MemberFinder, len(a.adapters))
	for _, ad := range a.adapters {
		finders[ad.Platform()] = ad
	}
	a.service = live.NewService(repo, finders)
	return a, nil
}
