// Package config loads bookmaild configuration.
//
// Values come from, in increasing priority: built-in defaults, a YAML
// file, and BOOKMAIL_* environment variables. Files passed as env files
// are loaded into the environment first without overriding variables
// that are already set.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMongo    = "mongo"
	DriverBolt     = "bolt"
	DriverPebble   = "pebble"
)

// Config is the bookmaild configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Store      StoreConfig      `yaml:"store"`
	Redis      RedisConfig      `yaml:"redis"`
	Mailbox    MailboxConfig    `yaml:"mailbox"`
	Settle     SettleConfig     `yaml:"settle"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Permission PermissionConfig `yaml:"permission"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// StoreConfig selects and configures the message store.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	// DSN is the connection string for postgres and the URI for mongo.
	DSN string `yaml:"dsn"`
	// Path is the file or directory for sqlite, bolt and pebble.
	Path string `yaml:"path"`
	// Table is the postgres table name.
	Table string `yaml:"table"`
	// Database and Collection name the mongo location.
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// RedisConfig enables the Redis event transport and the blocklist.
// Leave Addr empty to run without Redis.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MailboxConfig maps onto the bookmail service options.
type MailboxConfig struct {
	UndoWindow         time.Duration `yaml:"undo_window"`
	MaxBodySize        int           `yaml:"max_body_size"`
	MaxConcurrentSends int           `yaml:"max_concurrent_sends"`
	SettleBatchSize    int           `yaml:"settle_batch_size"`
}

// SettleConfig schedules the settle sweep.
type SettleConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
}

// RateLimitConfig limits sends per sender. Zero RPS disables it.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// PermissionConfig selects the permission checkers.
type PermissionConfig struct {
	// Users, when non-empty, restricts sending to these known users.
	Users []string `yaml:"users"`
	// Blocklist enables per-recipient blocklists. Requires Redis.
	Blocklist bool `yaml:"blocklist"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Log:   LogConfig{Level: "info", Format: "text"},
		Store: StoreConfig{Driver: DriverMemory},
		Settle: SettleConfig{
			Enabled: true,
			Cron:    "* * * * *",
		},
	}
}

// Load builds the configuration from the YAML file at path (optional when
// empty), the given env files, and the process environment.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv("BOOKMAIL_" + key); ok {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv("BOOKMAIL_" + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("BOOKMAIL_%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv("BOOKMAIL_" + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("BOOKMAIL_%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := os.LookupEnv("BOOKMAIL_" + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("BOOKMAIL_%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := os.LookupEnv("BOOKMAIL_" + key); ok {
			*dst = splitList(v)
		}
	}

	str("ADDRESS", &c.Server.Address)
	list("CORS_ORIGINS", &c.Server.CORSOrigins)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_DSN", &c.Store.DSN)
	str("STORE_PATH", &c.Store.Path)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	num("REDIS_DB", &c.Redis.DB)
	dur("UNDO_WINDOW", &c.Mailbox.UndoWindow)
	num("MAX_BODY_SIZE", &c.Mailbox.MaxBodySize)
	flag("SETTLE_ENABLED", &c.Settle.Enabled)
	str("SETTLE_CRON", &c.Settle.Cron)
	num("RATE_LIMIT_BURST", &c.RateLimit.Burst)
	list("USERS", &c.Permission.Users)
	flag("BLOCKLIST", &c.Permission.Blocklist)

	if v, ok := os.LookupEnv("BOOKMAIL_RATE_LIMIT_RPS"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("BOOKMAIL_RATE_LIMIT_RPS: %w", err))
		} else {
			c.RateLimit.RPS = f
		}
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Address == "" {
		errs = append(errs, errors.New("server.address is required"))
	}
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite, DriverBolt:
	case DriverPebble:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for pebble"))
		}
	case DriverPostgres, DriverMongo:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for %s", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	if c.Settle.Enabled && !gronx.IsValid(c.Settle.Cron) {
		errs = append(errs, fmt.Errorf("invalid settle.cron %q", c.Settle.Cron))
	}
	if c.Mailbox.UndoWindow < 0 {
		errs = append(errs, errors.New("mailbox.undo_window must not be negative"))
	}
	if c.RateLimit.RPS < 0 {
		errs = append(errs, errors.New("rate_limit.rps must not be negative"))
	}
	if c.Permission.Blocklist && c.Redis.Addr == "" {
		errs = append(errs, errors.New("permission.blocklist requires redis.addr"))
	}
	return errors.Join(errs...)
}

func (l LogConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("invalid log.level %q", l.Level)
	}
	return lvl, nil
}

// NewLogger builds a logger writing to w in the configured format.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	lvl, err := l.level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(l.Format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
