package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the relay server configuration. Every field is bound to a
// flag and to the matching upper-case environment variable
// (history-cap <-> HISTORY_CAP). Flags win over the environment, which
// wins over defaults.
type Config struct {
	Host          string
	Port          int
	AllowedOrigin string
	PublicURL     string

	HistoryCap    int
	EvictionGrace time.Duration
	MaxPathPoints int

	// Persistence is disabled when DatabaseURL is empty.
	DatabaseURL       string
	SnapshotWorkers   int
	SnapshotQueueSize int
	SnapshotKeep      int

	JaegerEndpoint string
	LogLevel       string
	LogPretty      bool

	MDNS bool
}

// RegisterFlags defines every configuration flag on fs with its default.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.String("host", "0.0.0.0", "address to bind to (env: HOST)")
	fs.IntP("port", "p", 3001, "port to listen on (env: PORT)")
	fs.String("allowed-origin", "http://localhost:3000", "origin allowed to open the websocket, * for any (env: ALLOWED_ORIGIN)")
	fs.String("public-url", "", "base URL encoded in room share QR codes (env: PUBLIC_URL)")

	fs.Int("history-cap", 500, "maximum operations kept per room (env: HISTORY_CAP)")
	fs.Duration("eviction-grace", 30*time.Second, "how long an empty room is kept before eviction (env: EVICTION_GRACE)")
	fs.Int("max-path-points", 10000, "maximum points accepted in one stroke (env: MAX_PATH_POINTS)")

	fs.String("database-url", "", "postgres DSN for canvas snapshots, empty disables persistence (env: DATABASE_URL)")
	fs.Int("snapshot-workers", 2, "snapshot persistence workers (env: SNAPSHOT_WORKERS)")
	fs.Int("snapshot-queue-size", 64, "snapshot persistence queue capacity (env: SNAPSHOT_QUEUE_SIZE)")
	fs.Int("snapshot-keep", 10, "snapshots retained per room (env: SNAPSHOT_KEEP)")

	fs.String("jaeger-endpoint", "", "jaeger collector endpoint, empty disables trace export (env: JAEGER_ENDPOINT)")
	fs.String("log-level", "info", "debug, info, warn or error (env: LOG_LEVEL)")
	fs.Bool("log-pretty", false, "human readable console logs (env: LOG_PRETTY)")

	fs.Bool("mdns", false, "advertise the relay on the local network (env: MDNS)")
}

// Load reads .env if present, then resolves every flag registered by
// RegisterFlags against the environment, and validates the result.
func Load(fs *pflag.FlagSet) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	cfg := &Config{
		Host:          v.GetString("host"),
		Port:          v.GetInt("port"),
		AllowedOrigin: v.GetString("allowed-origin"),
		PublicURL:     strings.TrimRight(v.GetString("public-url"), "/"),

		HistoryCap:    v.GetInt("history-cap"),
		EvictionGrace: v.GetDuration("eviction-grace"),
		MaxPathPoints: v.GetInt("max-path-points"),

		DatabaseURL:       v.GetString("database-url"),
		SnapshotWorkers:   v.GetInt("snapshot-workers"),
		SnapshotQueueSize: v.GetInt("snapshot-queue-size"),
		SnapshotKeep:      v.GetInt("snapshot-keep"),

		JaegerEndpoint: v.GetString("jaeger-endpoint"),
		LogLevel:       v.GetString("log-level"),
		LogPretty:      v.GetBool("log-pretty"),

		MDNS: v.GetBool("mdns"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.Port))
	}
	if c.HistoryCap < 1 {
		errs = append(errs, fmt.Errorf("history-cap must be at least 1: %d", c.HistoryCap))
	}
	if c.EvictionGrace < 0 {
		errs = append(errs, fmt.Errorf("eviction-grace must not be negative: %s", c.EvictionGrace))
	}
	if c.MaxPathPoints < 1 {
		errs = append(errs, fmt.Errorf("max-path-points must be at least 1: %d", c.MaxPathPoints))
	}
	if c.SnapshotWorkers < 1 {
		errs = append(errs, fmt.Errorf("snapshot-workers must be at least 1: %d", c.SnapshotWorkers))
	}
	if c.SnapshotQueueSize < 0 {
		errs = append(errs, fmt.Errorf("snapshot-queue-size must not be negative: %d", c.SnapshotQueueSize))
	}
	if c.AllowedOrigin == "" {
		errs = append(errs, errors.New("allowed-origin must not be empty"))
	}
	return errors.Join(errs...)
}

// Addr is the host:port the HTTP server listens on.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// PersistenceEnabled reports whether canvas snapshots are stored.
func (c *Config) PersistenceEnabled() bool {
	return c.DatabaseURL != ""
}
