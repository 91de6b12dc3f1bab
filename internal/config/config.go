// Package config loads tenantsync settings through viper: TENANTSYNC_*
// environment variables, an optional YAML file and bound command flags.
package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/roach88/tenantsync/internal/conn"
	"github.com/roach88/tenantsync/internal/queue"
)

// Directory backends.
const (
	DirectoryFile     = "file"
	DirectoryPostgres = "postgres"
)

// Config is the complete service configuration.
type Config struct {
	ListenAddr string
	DBPath     string

	ConnectTimeout       time.Duration
	ReconnectInterval    time.Duration
	ReconnectMaxInterval time.Duration
	MaxReconnectAttempts int

	ReconcileInterval  time.Duration
	TriggerMinInterval time.Duration

	QueueMaxSize       int
	QueueTTL           time.Duration
	QueueSweepInterval time.Duration

	TrackerRetentionDays int
	SchedulerInterval    time.Duration
	EventMaxAge          time.Duration

	SyncURL       string
	SyncToken     string
	AdminSecret   string
	WebhookSecret string

	Directory     string
	DirectoryFile string
	DatabaseURL   string

	TasksDir     string
	ResponderURL string
	AgentID      string
}

// Conn returns the connection manager settings.
func (c Config) Conn() conn.Config {
	return conn.Config{
		ConnectTimeout:       c.ConnectTimeout,
		ReconnectInterval:    c.ReconnectInterval,
		ReconnectMaxInterval: c.ReconnectMaxInterval,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
	}
}

// Queue returns the message queue settings.
func (c Config) Queue() queue.Config {
	return queue.Config{
		MaxSize:       c.QueueMaxSize,
		TTL:           c.QueueTTL,
		SweepInterval: c.QueueSweepInterval,
	}
}

// Validate reports settings that cannot be defaulted.
func (c Config) Validate() error {
	if c.Directory == DirectoryPostgres && c.DatabaseURL == "" {
		return fmt.Errorf("config: TENANTSYNC_DATABASE_URL is required when TENANTSYNC_DIRECTORY=postgres")
	}
	return nil
}

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "TENANTSYNC"

// NewViper returns a viper instance reading TENANTSYNC_* variables. Keys are
// the variable names without the prefix, lower-cased (db_path).
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// Key returns the viper key of an environment variable name.
func Key(envName string) string {
	return strings.ToLower(strings.TrimPrefix(envName, EnvPrefix+"_"))
}

// ReadFile merges a YAML config file into v. Environment variables and
// changed flags still take precedence.
func ReadFile(v *viper.Viper, path string) error {
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	return nil
}

// Load reads every option from v. Invalid or out-of-range values fall back
// to the default with a warning; Load never fails.
func Load(v *viper.Viper, logger *slog.Logger) Config {
	if logger == nil {
		logger = slog.Default()
	}
	l := loader{v: v, logger: logger}

	cfg := Config{
		ListenAddr: l.str("TENANTSYNC_LISTEN_ADDR", ":8080"),
		DBPath:     l.str("TENANTSYNC_DB_PATH", "tenantsync.db"),

		ConnectTimeout:       l.duration("TENANTSYNC_CONNECT_TIMEOUT", 10*time.Second, time.Second, 120*time.Second),
		ReconnectInterval:    l.duration("TENANTSYNC_RECONNECT_INTERVAL", time.Second, 100*time.Millisecond, time.Minute),
		ReconnectMaxInterval: l.duration("TENANTSYNC_RECONNECT_MAX_INTERVAL", 30*time.Second, time.Second, 10*time.Minute),
		MaxReconnectAttempts: l.integer("TENANTSYNC_MAX_RECONNECT_ATTEMPTS", 5, 1, 100),

		ReconcileInterval:  l.duration("TENANTSYNC_RECONCILE_INTERVAL", 5*time.Minute, 10*time.Second, 24*time.Hour),
		TriggerMinInterval: l.duration("TENANTSYNC_TRIGGER_MIN_INTERVAL", time.Minute, time.Second, time.Hour),

		QueueMaxSize:       l.integer("TENANTSYNC_QUEUE_MAX_SIZE", 100, 1, 10000),
		QueueTTL:           l.duration("TENANTSYNC_QUEUE_TTL", 5*time.Minute, time.Second, 24*time.Hour),
		QueueSweepInterval: l.duration("TENANTSYNC_QUEUE_SWEEP_INTERVAL", time.Minute, time.Second, time.Hour),

		TrackerRetentionDays: l.integer("TENANTSYNC_TRACKER_RETENTION_DAYS", 30, 1, 365),
		SchedulerInterval:    l.duration("TENANTSYNC_SCHEDULER_INTERVAL", time.Minute, time.Second, time.Hour),
		EventMaxAge:          l.duration("TENANTSYNC_EVENT_MAX_AGE", time.Hour, time.Minute, 168*time.Hour),

		SyncURL:       l.str("TENANTSYNC_SYNC_URL", "ws://localhost:4848"),
		SyncToken:     l.str("TENANTSYNC_SYNC_TOKEN", ""),
		AdminSecret:   l.str("TENANTSYNC_ADMIN_SECRET", ""),
		WebhookSecret: l.str("TENANTSYNC_WEBHOOK_SECRET", ""),

		Directory:     l.oneOf("TENANTSYNC_DIRECTORY", DirectoryFile, DirectoryFile, DirectoryPostgres),
		DirectoryFile: l.str("TENANTSYNC_DIRECTORY_FILE", "workspaces.yaml"),
		DatabaseURL:   l.str("TENANTSYNC_DATABASE_URL", ""),

		TasksDir:     l.str("TENANTSYNC_TASKS_DIR", ""),
		ResponderURL: l.str("TENANTSYNC_RESPONDER_URL", ""),
		AgentID:      l.str("TENANTSYNC_AGENT_ID", "tenantsync"),
	}
	if cfg.ReconnectMaxInterval < cfg.ReconnectInterval {
		logger.Warn("reconnect max interval below base interval, raising it",
			"max", cfg.ReconnectMaxInterval, "base", cfg.ReconnectInterval)
		cfg.ReconnectMaxInterval = cfg.ReconnectInterval
	}
	return cfg
}

// loader names options by environment variable so warnings point at what
// the operator sets.
type loader struct {
	v      *viper.Viper
	logger *slog.Logger
}

func (l loader) raw(key string) (string, bool) {
	v := strings.TrimSpace(l.v.GetString(Key(key)))
	return v, v != ""
}

func (l loader) str(key, fallback string) string {
	if v, ok := l.raw(key); ok {
		return v
	}
	return fallback
}

func (l loader) oneOf(key, fallback string, allowed ...string) string {
	v, ok := l.raw(key)
	if !ok {
		return fallback
	}
	v = strings.ToLower(v)
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	l.logger.Warn("invalid config value, using default", "key", key, "value", v, "default", fallback)
	return fallback
}

func (l loader) integer(key string, fallback, lo, hi int) int {
	v, ok := l.raw(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.logger.Warn("unparsable config value, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	if n < lo || n > hi {
		l.logger.Warn("config value out of range, using default",
			"key", key, "value", n, "min", lo, "max", hi, "default", fallback)
		return fallback
	}
	return n
}

// duration accepts Go duration strings ("90s") and bare integers as seconds.
func (l loader) duration(key string, fallback, lo, hi time.Duration) time.Duration {
	v, ok := l.raw(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		secs, aerr := strconv.Atoi(v)
		if aerr != nil {
			l.logger.Warn("unparsable config value, using default", "key", key, "value", v, "default", fallback)
			return fallback
		}
		d = time.Duration(secs) * time.Second
	}
	if d < lo || d > hi {
		l.logger.Warn("config value out of range, using default",
			"key", key, "value", d, "min", lo, "max", hi, "default", fallback)
		return fallback
	}
	return d
}
