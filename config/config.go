// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// Malformed numbers, booleans and durations are reported rather than silently replaced.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP API
	HTTPAddr   string
	AdminToken string

	// Database
	DBDriver string // postgres | sqlite | memory
	DBDsn    string

	// Reconciliation
	PollInterval      time.Duration
	CacheCapacity     int
	CacheTTL          time.Duration
	FanoutConcurrency int
	EnrichTimeout     time.Duration
	RefreshKnown      bool

	// Upstream HTTP
	HTTPTimeout        time.Duration
	HTTPMaxAttempts    int
	HTTPRetryBaseDelay time.Duration
	CooldownAuth       time.Duration
	CooldownRateLimit  time.Duration

	// SHOWROOM
	ShowroomEnabled bool
	ShowroomBaseURL string
	ShowroomRoster  string

	// IDN Live
	IDNEnabled      bool
	IDNBaseURL      string
	IDNAPIKey       string
	IDNClientID     string
	IDNClientSecret string
	IDNTokenURL     string
	IDNRoster       string

	// Delivery
	DeliveryDriver    string // log | webhook | irc
	WebhookChannelURL string
	WebhookDirectURL  string
	IRCUsername       string
	IRCOAuthToken     string

	// Telemetry
	OTLPEndpoint string
}

type loader struct {
	errs []error
}

func (l *loader) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (l *loader) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		l.errs = append(l.errs, fmt.Errorf("invalid %s %q: want a positive duration like 30s", key, v))
		return def
	}
	return d
}

func (l *loader) integer(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		l.errs = append(l.errs, fmt.Errorf("invalid %s %q: want a positive integer", key, v))
		return def
	}
	return n
}

func (l *loader) boolean(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s %q: want true or false", key, v))
		return def
	}
	return b
}

// Load reads environment variables and applies defaults. Every malformed value is reported in one joined error.
func Load() (*Config, error) {
	l := &loader{}
	cfg := &Config{
		HTTPAddr:   l.str("HTTP_ADDR", ":8080"),
		AdminToken: os.Getenv("ADMIN_TOKEN"),

		DBDriver: strings.ToLower(l.str("DB_DRIVER", "postgres")),
		DBDsn:    os.Getenv("DB_DSN"),

		PollInterval:      l.duration("POLL_INTERVAL", 60*time.Second),
		CacheCapacity:     l.integer("CACHE_CAPACITY", 200),
		CacheTTL:          l.duration("CACHE_TTL", 2*time.Minute),
		FanoutConcurrency: l.integer("FANOUT_CONCURRENCY", 10),
		EnrichTimeout:     l.duration("ENRICH_TIMEOUT", 90*time.Second),
		RefreshKnown:      l.boolean("REFRESH_KNOWN", true),

		HTTPTimeout:        l.duration("HTTP_TIMEOUT", 20*time.Second),
		HTTPMaxAttempts:    l.integer("HTTP_MAX_ATTEMPTS", 3),
		HTTPRetryBaseDelay: l.duration("HTTP_RETRY_BASE_DELAY", 500*time.Millisecond),
		CooldownAuth:       l.duration("COOLDOWN_AUTH", 30*time.Minute),
		CooldownRateLimit:  l.duration("COOLDOWN_RATE_LIMIT", 5*time.Minute),

		ShowroomEnabled: l.boolean("SHOWROOM_ENABLED", true),
		ShowroomBaseURL: os.Getenv("SHOWROOM_BASE_URL"),
		ShowroomRoster:  os.Getenv("SHOWROOM_ROSTER"),

		IDNEnabled:      l.boolean("IDN_ENABLED", true),
		IDNBaseURL:      os.Getenv("IDN_BASE_URL"),
		IDNAPIKey:       os.Getenv("IDN_API_KEY"),
		IDNClientID:     os.Getenv("IDN_CLIENT_ID"),
		IDNClientSecret: os.Getenv("IDN_CLIENT_SECRET"),
		IDNTokenURL:     os.Getenv("IDN_TOKEN_URL"),
		IDNRoster:       os.Getenv("IDN_ROSTER"),

		DeliveryDriver:    strings.ToLower(l.str("DELIVERY_DRIVER", "log")),
		WebhookChannelURL: os.Getenv("WEBHOOK_CHANNEL_URL"),
		WebhookDirectURL:  os.Getenv("WEBHOOK_DIRECT_URL"),
		IRCUsername:       os.Getenv("IRC_USERNAME"),
		IRCOAuthToken:     os.Getenv("IRC_OAUTH_TOKEN"),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	switch cfg.DBDriver {
	case "postgres", "sqlite", "memory":
	default:
		l.errs = append(l.errs, fmt.Errorf("invalid DB_DRIVER %q: want postgres, sqlite or memory", cfg.DBDriver))
	}
	if len(l.errs) > 0 {
		return nil, errors.Join(l.errs...)
	}
	return cfg, nil
}

// Validate checks that enabled features have what they need.
func (c *Config) Validate() error {
	if !c.ShowroomEnabled && !c.IDNEnabled {
		return fmt.Errorf("no platform enabled: set SHOWROOM_ENABLED or IDN_ENABLED")
	}
	switch c.DeliveryDriver {
	case "log":
	case "webhook":
		if c.WebhookChannelURL == "" && c.WebhookDirectURL == "" {
			return fmt.Errorf("webhook delivery requires WEBHOOK_CHANNEL_URL or WEBHOOK_DIRECT_URL")
		}
	case "irc":
		if c.IRCUsername == "" || c.IRCOAuthToken == "" {
			return fmt.Errorf("irc delivery requires IRC_USERNAME and IRC_OAUTH_TOKEN")
		}
	default:
		return fmt.Errorf("invalid DELIVERY_DRIVER %q: want log, webhook or irc", c.DeliveryDriver)
	}
	if c.IDNClientID != "" && (c.IDNClientSecret == "" || c.IDNTokenURL == "") {
		return fmt.Errorf("IDN_CLIENT_ID requires IDN_CLIENT_SECRET and IDN_TOKEN_URL")
	}
	return nil
}
