package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Configuration validation errors.
var (
	ErrMissingCalendarURL = errors.New("calendar.url is required")
	ErrMissingTopics      = errors.New("topics.start and topics.stop are required")
	ErrUnknownStoreDriver = errors.New("store.driver must be one of: memory, sqlite, postgres")
	ErrMissingStoreDSN    = errors.New("store.dsn is required for the postgres driver")
	ErrUnknownPublisher   = errors.New("publisher.kind must be one of: log, webhook, telegram")
	ErrMissingBotToken    = errors.New("publisher.telegram_token is required for the telegram publisher")
	ErrInvalidWindows     = errors.New("windows.past_lookback must be >= windows.current_lookback")
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Publisher kinds.
const (
	PublisherLog      = "log"
	PublisherWebhook  = "webhook"
	PublisherTelegram = "telegram"
)

// CalendarConfig describes the single calendar feed being watched.
type CalendarConfig struct {
	// URL is an http(s) endpoint, a file:// URL or a local path.
	URL string `yaml:"url" json:"url"`
	// CacheDir holds the conditional-GET cache for HTTP feeds.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`
	// Timeout bounds a single fetch.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// FloatingTimezone is the IANA zone for date-times without TZID.
	FloatingTimezone string `yaml:"floating_timezone" json:"floating_timezone"`
}

// TopicsConfig names the destination for each transition direction.
// Their meaning depends on the publisher: a URL for webhook, a chat id
// for telegram, a label for log.
type TopicsConfig struct {
	Start string `yaml:"start" json:"start"`
	Stop  string `yaml:"stop" json:"stop"`
}

// StoreConfig selects the idempotency store.
type StoreConfig struct {
	Driver string `yaml:"driver" json:"driver"`
	// Path is the SQLite data directory.
	Path string `yaml:"path" json:"path"`
	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn" json:"-"`
	// Table holds seen-transition ids.
	Table string `yaml:"table" json:"table"`
}

// PublisherConfig selects the notification sink.
type PublisherConfig struct {
	Kind          string  `yaml:"kind" json:"kind"`
	TelegramToken string  `yaml:"telegram_token,omitempty" json:"-"`
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`
	Burst         int     `yaml:"burst" json:"burst"`
	// Timeout bounds a single delivery, connection to response.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// WindowsConfig overrides the detection window offsets.
type WindowsConfig struct {
	CurrentLookback time.Duration `yaml:"current_lookback" json:"current_lookback"`
	PastLookback    time.Duration `yaml:"past_lookback" json:"past_lookback"`
	Lookahead       time.Duration `yaml:"lookahead" json:"lookahead"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	Calendar  CalendarConfig  `yaml:"calendar" json:"calendar"`
	Topics    TopicsConfig    `yaml:"topics" json:"topics"`
	Store     StoreConfig     `yaml:"store" json:"store"`
	Publisher PublisherConfig `yaml:"publisher" json:"publisher"`
	Windows   WindowsConfig   `yaml:"windows" json:"windows"`

	// Schedule is a cron expression (e.g. "*/5 * * * *") driving `serve`.
	Schedule string `yaml:"schedule" json:"schedule"`

	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Calendar: CalendarConfig{
			CacheDir:         "/var/lib/caltrigger/ics-cache",
			Timeout:          15 * time.Second,
			FloatingTimezone: "UTC",
		},
		Topics: TopicsConfig{
			Start: "calendar-event-start",
			Stop:  "calendar-event-stop",
		},
		Store: StoreConfig{
			Driver: StoreSQLite,
			Path:   "/var/lib/caltrigger",
			Table:  "event_records",
		},
		Publisher: PublisherConfig{
			Kind:          PublisherLog,
			RatePerSecond: 1,
			Burst:         5,
			Timeout:       10 * time.Second,
		},
		Windows: WindowsConfig{
			CurrentLookback: 30 * time.Minute,
			PastLookback:    45 * time.Minute,
			Lookahead:       30 * time.Minute,
		},
		Schedule: "*/5 * * * *",
		Listen:   "127.0.0.1:8080",
		LogLevel: "info",
	}
}

// Normalize fills in missing/zero values with defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	d := DefaultConfig()

	if c.Calendar.CacheDir == "" {
		c.Calendar.CacheDir = d.Calendar.CacheDir
	}
	if c.Calendar.Timeout <= 0 {
		c.Calendar.Timeout = d.Calendar.Timeout
	}
	if c.Calendar.FloatingTimezone == "" {
		c.Calendar.FloatingTimezone = d.Calendar.FloatingTimezone
	}
	if c.Topics.Start == "" {
		c.Topics.Start = d.Topics.Start
	}
	if c.Topics.Stop == "" {
		c.Topics.Stop = d.Topics.Stop
	}
	if c.Store.Driver == "" {
		c.Store.Driver = d.Store.Driver
	}
	if c.Store.Path == "" {
		c.Store.Path = d.Store.Path
	}
	if c.Store.Table == "" {
		c.Store.Table = d.Store.Table
	}
	if c.Publisher.Kind == "" {
		c.Publisher.Kind = d.Publisher.Kind
	}
	if c.Publisher.RatePerSecond <= 0 {
		c.Publisher.RatePerSecond = d.Publisher.RatePerSecond
	}
	if c.Publisher.Burst <= 0 {
		c.Publisher.Burst = d.Publisher.Burst
	}
	if c.Publisher.Timeout <= 0 {
		c.Publisher.Timeout = d.Publisher.Timeout
	}
	if c.Windows.CurrentLookback <= 0 {
		c.Windows.CurrentLookback = d.Windows.CurrentLookback
	}
	if c.Windows.PastLookback <= 0 {
		c.Windows.PastLookback = d.Windows.PastLookback
	}
	if c.Windows.Lookahead <= 0 {
		c.Windows.Lookahead = d.Windows.Lookahead
	}
	if c.Schedule == "" {
		c.Schedule = d.Schedule
	}
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
}

// ApplyEnv overrides config values from the environment. A .env file in
// the working directory is loaded first if present; real environment
// variables win over it.
func (c *Config) ApplyEnv() {
	// .env is optional.
	_ = godotenv.Load()

	setString(&c.Calendar.URL, "CALENDAR_URL")
	setString(&c.Topics.Start, "CALENDAR_EVENT_START_TOPIC")
	setString(&c.Topics.Stop, "CALENDAR_EVENT_STOP_TOPIC")
	setString(&c.Store.Driver, "EVENT_STORE_DRIVER")
	setString(&c.Store.DSN, "EVENT_STORE_DSN")
	setString(&c.Store.Table, "EVENT_RECORDS_TABLE")
	setString(&c.Publisher.Kind, "PUBLISHER_KIND")
	setString(&c.Publisher.TelegramToken, "TELEGRAM_TOKEN")
	setString(&c.LogLevel, "LOG_LEVEL")

	if v := os.Getenv("PUBLISHER_RATE_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Publisher.RatePerSecond = f
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate reports the first configuration problem that would prevent a
// cycle from running.
func (c *Config) Validate() error {
	if c.Calendar.URL == "" {
		return ErrMissingCalendarURL
	}
	if c.Topics.Start == "" || c.Topics.Stop == "" {
		return ErrMissingTopics
	}
	switch c.Store.Driver {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.Store.DSN == "" {
			return ErrMissingStoreDSN
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStoreDriver, c.Store.Driver)
	}
	switch c.Publisher.Kind {
	case PublisherLog, PublisherWebhook:
	case PublisherTelegram:
		if c.Publisher.TelegramToken == "" {
			return ErrMissingBotToken
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPublisher, c.Publisher.Kind)
	}
	if c.Windows.PastLookback < c.Windows.CurrentLookback {
		return ErrInvalidWindows
	}
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
//
// Environment overrides are applied in both cases.
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
				cfg.ApplyEnv()
				return cfg, err
			}
			cfg.ApplyEnv()
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Normalize()
	cfg.ApplyEnv()

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
	tmp, err := os.CreateTemp(dir, ".caltrigger-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
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

// FloatingLocation resolves Calendar.FloatingTimezone, falling back to UTC.
func (c *Config) FloatingLocation() (*time.Location, error) {
	if c.Calendar.FloatingTimezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Calendar.FloatingTimezone)
	if err != nil {
		return time.UTC, err
	}
	return loc, nil
}
