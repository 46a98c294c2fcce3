// Command backend is the livewatch entrypoint.
// It:
//   - Loads configuration and initializes structured logging.
//   - Opens the document store (Postgres, SQLite or in-memory) and runs idempotent migrations.
//   - Polls SHOWROOM and IDN Live, announces new broadcasts and archives ended ones.
//   - Exposes the HTTP API with /healthz, /readyz, /status, /metrics and the subscription endpoints.
//
// Subcommands: serve (default), tick (one reconciliation pass) and migrate.
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")
	_ = godotenv.Load("backend/.env")

	setupLogging()

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", slog.Any("err", err))
		os.Exit(1)
	}
}

// setupLogging configures the default logger from LOG_LEVEL and LOG_FORMAT. Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Debug("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}
