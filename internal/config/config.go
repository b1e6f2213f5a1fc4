package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	_ "time/tzdata"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions. Environment variables (CAPSCHED_*) override file values via
// ApplyEnv.

// Store drivers and cache backends.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// StoreConfig selects and configures the event store.
type StoreConfig struct {
	// Driver is one of "memory", "sqlite" or "postgres".
	Driver string `yaml:"driver" json:"driver"`
	// DSN is a file path for sqlite or a connection string for postgres.
	DSN          string        `yaml:"dsn" json:"dsn"`
	BusyTimeout  time.Duration `yaml:"busy_timeout" json:"busy_timeout"`
	MaxOpenConns int           `yaml:"max_open_conns" json:"max_open_conns"`
}

// RedisConfig holds Redis connection settings for the calendar cache.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	Prefix   string `yaml:"prefix" json:"prefix"`
}

// CacheConfig controls the event snapshot and calendar caches.
type CacheConfig struct {
	// Backend for calendars: "memory" (default) or "redis".
	Backend string      `yaml:"backend" json:"backend"`
	Redis   RedisConfig `yaml:"redis" json:"redis"`

	// EventsTTL bounds how long a full event listing is reused.
	EventsTTL time.Duration `yaml:"events_ttl" json:"events_ttl"`
	// CalendarTTL is the Redis expiry of rendered calendars.
	CalendarTTL time.Duration `yaml:"calendar_ttl" json:"calendar_ttl"`
}

// RecurrenceConfig tunes recurrence expansion.
type RecurrenceConfig struct {
	MaxOccurrences int           `yaml:"max_occurrences" json:"max_occurrences"`
	MatchTolerance time.Duration `yaml:"match_tolerance" json:"match_tolerance"`
}

// IDConfig tunes id generation.
type IDConfig struct {
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
}

// PrewarmConfig schedules background calendar rendering. Disabled when
// Agents is empty.
type PrewarmConfig struct {
	Cron   string   `yaml:"cron" json:"cron"`
	Agents []string `yaml:"agents" json:"agents"`
}

// MQTTConfig configures schedule change notifications.
type MQTTConfig struct {
	Broker      string `yaml:"broker" json:"broker"`
	ClientID    string `yaml:"client_id" json:"client_id"`
	TopicPrefix string `yaml:"topic_prefix" json:"topic_prefix"`
	QoS         int    `yaml:"qos" json:"qos"`
}

// NotifyConfig holds notifier settings. No MQTT broker means notifications
// are disabled.
type NotifyConfig struct {
	MQTT *MQTTConfig `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
}

// FeedConfig controls fetching of remote iCalendar feeds for import.
type FeedConfig struct {
	// CacheDir keeps the last body and validators of every fetched feed.
	CacheDir string        `yaml:"cache_dir" json:"cache_dir"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the ops server.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for /health and /metrics. Empty
	// disables the ops server.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone recurrence rules are evaluated in.
	Timezone string `yaml:"timezone" json:"timezone"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// ProductID is the PRODID of generated calendars.
	ProductID string `yaml:"product_id" json:"product_id"`

	Store      StoreConfig      `yaml:"store" json:"store"`
	Cache      CacheConfig      `yaml:"cache" json:"cache"`
	Recurrence RecurrenceConfig `yaml:"recurrence" json:"recurrence"`
	IDs        IDConfig         `yaml:"ids" json:"ids"`
	Prewarm    PrewarmConfig    `yaml:"prewarm" json:"prewarm"`
	Notify     NotifyConfig     `yaml:"notify" json:"notify"`
	Feeds      FeedConfig       `yaml:"feeds" json:"feeds"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:    "127.0.0.1:9090",
		Timezone:  "UTC",
		LogLevel:  "info",
		ProductID: "-//capsched//Capture Schedule//EN",
		Store: StoreConfig{
			Driver:       DriverSQLite,
			DSN:          "/var/lib/capsched/events.db",
			BusyTimeout:  5 * time.Second,
			MaxOpenConns: 4,
		},
		Cache: CacheConfig{
			Backend:     CacheMemory,
			Redis:       RedisConfig{Addr: "127.0.0.1:6379", Prefix: "capsched"},
			EventsTTL:   30 * time.Second,
			CalendarTTL: 24 * time.Hour,
		},
		Recurrence: RecurrenceConfig{
			MaxOccurrences: 5000,
			MatchTolerance: 10 * time.Minute,
		},
		IDs: IDConfig{MaxRetries: 16},
		Prewarm: PrewarmConfig{
			Cron:   "*/5 * * * *",
			Agents: []string{},
		},
		Feeds: FeedConfig{
			CacheDir: "/var/lib/capsched/feeds",
			Timeout:  15 * time.Second,
		},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()

	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
		c.LogLevel = strings.ToLower(c.LogLevel)
	default:
		c.LogLevel = def.LogLevel
	}
	if c.ProductID == "" {
		c.ProductID = def.ProductID
	}

	if c.Store.Driver == "" {
		c.Store.Driver = def.Store.Driver
	}
	if c.Store.Driver == DriverSQLite && c.Store.DSN == "" {
		c.Store.DSN = def.Store.DSN
	}
	if c.Store.BusyTimeout <= 0 {
		c.Store.BusyTimeout = def.Store.BusyTimeout
	}
	if c.Store.MaxOpenConns <= 0 {
		c.Store.MaxOpenConns = def.Store.MaxOpenConns
	}

	if c.Cache.Backend == "" {
		c.Cache.Backend = def.Cache.Backend
	}
	if c.Cache.Redis.Addr == "" {
		c.Cache.Redis.Addr = def.Cache.Redis.Addr
	}
	if c.Cache.Redis.Prefix == "" {
		c.Cache.Redis.Prefix = def.Cache.Redis.Prefix
	}
	if c.Cache.EventsTTL <= 0 {
		c.Cache.EventsTTL = def.Cache.EventsTTL
	}
	if c.Cache.CalendarTTL <= 0 {
		c.Cache.CalendarTTL = def.Cache.CalendarTTL
	}

	if c.Recurrence.MaxOccurrences <= 0 {
		c.Recurrence.MaxOccurrences = def.Recurrence.MaxOccurrences
	}
	if c.Recurrence.MatchTolerance <= 0 {
		c.Recurrence.MatchTolerance = def.Recurrence.MatchTolerance
	}
	if c.IDs.MaxRetries <= 0 {
		c.IDs.MaxRetries = def.IDs.MaxRetries
	}

	if c.Prewarm.Cron == "" {
		c.Prewarm.Cron = def.Prewarm.Cron
	}
	if c.Prewarm.Agents == nil {
		c.Prewarm.Agents = []string{}
	}

	if c.Feeds.CacheDir == "" {
		c.Feeds.CacheDir = def.Feeds.CacheDir
	}
	if c.Feeds.Timeout <= 0 {
		c.Feeds.Timeout = def.Feeds.Timeout
	}

	if m := c.Notify.MQTT; m != nil {
		if m.ClientID == "" {
			m.ClientID = "capsched"
		}
		if m.TopicPrefix == "" {
			m.TopicPrefix = "capsched"
		}
	}
}

// Validate reports settings that Normalize cannot repair.
func (c *Config) Validate() error {
	var problems []string

	switch c.Store.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.Store.DSN == "" {
			problems = append(problems, "store.dsn is required for postgres")
		}
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q is not one of memory, sqlite, postgres", c.Store.Driver))
	}

	switch c.Cache.Backend {
	case CacheMemory, CacheRedis:
	default:
		problems = append(problems, fmt.Sprintf("cache.backend %q is not one of memory, redis", c.Cache.Backend))
	}

	if _, err := c.Location(); err != nil {
		problems = append(problems, err.Error())
	}

	if m := c.Notify.MQTT; m != nil && (m.QoS < 0 || m.QoS > 2) {
		problems = append(problems, fmt.Sprintf("notify.mqtt.qos %d is not 0, 1 or 2", m.QoS))
	}

	if len(problems) > 0 {
		return errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// ApplyEnv overrides file values with CAPSCHED_* variables found by lookup
// (os.LookupEnv in production). Unparseable numbers are reported.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("CAPSCHED_LISTEN", &c.Listen)
	str("CAPSCHED_TIMEZONE", &c.Timezone)
	str("CAPSCHED_LOG_LEVEL", &c.LogLevel)
	str("CAPSCHED_STORE_DRIVER", &c.Store.Driver)
	str("CAPSCHED_STORE_DSN", &c.Store.DSN)
	str("CAPSCHED_CACHE_BACKEND", &c.Cache.Backend)
	str("CAPSCHED_REDIS_ADDR", &c.Cache.Redis.Addr)
	str("CAPSCHED_REDIS_PASSWORD", &c.Cache.Redis.Password)
	str("CAPSCHED_FEED_CACHE_DIR", &c.Feeds.CacheDir)

	if v, ok := lookup("CAPSCHED_REDIS_DB"); ok && v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CAPSCHED_REDIS_DB: %w", err)
		}
		c.Cache.Redis.DB = db
	}

	if v, ok := lookup("CAPSCHED_PREWARM_AGENTS"); ok && v != "" {
		agents := []string{}
		for _, a := range strings.Split(v, ",") {
			if a = strings.TrimSpace(a); a != "" {
				agents = append(agents, a)
			}
		}
		c.Prewarm.Agents = agents
	}

	if v, ok := lookup("CAPSCHED_MQTT_BROKER"); ok && v != "" {
		if c.Notify.MQTT == nil {
			c.Notify.MQTT = &MQTTConfig{}
		}
		c.Notify.MQTT.Broker = v
	}

	user, hasUser := lookup("CAPSCHED_BASIC_AUTH_USERNAME")
	pass, hasPass := lookup("CAPSCHED_BASIC_AUTH_PASSWORD")
	if hasUser && hasPass && user != "" {
		c.BasicAuth = &BasicAuthConfig{Username: user, Password: pass}
	}

	c.Normalize()
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".capsched-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
