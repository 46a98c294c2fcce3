package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/livewatch/backend/db"
	"github.com/onnwee/livewatch/backend/server"
	"github.com/onnwee/livewatch/backend/telemetry"
)

var rootCmd = &cobra.Command{
	Use:           "livewatch",
	Short:         "Live-status tracker for SHOWROOM and IDN Live",
	Long:          `Polls both platforms, announces new broadcasts and archives ended ones. Commands: serve, tick, migrate.`,
	RunE:          runServe, // default: same as "livewatch serve"
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tracker loop and the HTTP API",
	RunE:  runServe,
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run a single reconciliation pass and print its summary",
	RunE:  runTick,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage database migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: withDatabase(func(database *sql.DB, driver string) error {
		return db.RunMigrations(database, driver)
	}),
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: withDatabase(func(database *sql.DB, driver string) error {
		return db.MigrateDown(database, driver)
	}),
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current migration version",
	RunE: withDatabase(func(database *sql.DB, driver string) error {
		v, dirty, err := db.GetMigrationVersion(database, driver)
		if err != nil {
			return err
		}
		fmt.Printf("version=%d dirty=%t\n", v, dirty)
		return nil
	}),
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
	rootCmd.AddCommand(serveCmd, tickCmd, migrateCmd)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing(cfg.OTLPEndpoint, "livewatch", "1.0.0")
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer shutdownTracing()

	ctx, stop := signalContext()
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	startPprof()

	h := server.NewHandlers(a.service, a.store, a.scheduler, cfg.PollInterval)
	e := server.New(h, cfg.AdminToken)

	slog.Info("starting", slog.String("addr", cfg.HTTPAddr), slog.Int("platforms", len(a.adapters)), slog.String("delivery", cfg.DeliveryDriver))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx, e, cfg.HTTPAddr) })
	g.Go(func() error { return a.scheduler.Run(gctx) })
	err = g.Wait()
	slog.Info("shutting down")
	return err
}

func runTick(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.scheduler.Tick(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func withDatabase(fn func(database *sql.DB, driver string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.DBDriver == "memory" {
			return errors.New("migrate: DB_DRIVER=memory has no schema")
		}
		database, err := db.Connect(cfg.DBDriver, cfg.DBDsn)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		return fn(database, cfg.DBDriver)
	}
}

// startPprof serves /debug/pprof when ENABLE_PPROF=1.
func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		srv := &http.Server{
			Addr:              addr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
