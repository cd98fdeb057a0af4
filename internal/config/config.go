// Package config loads collector configuration from defaults, an optional
// YAML file, an optional .env file and the process environment, in that
// order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"deribit-lab/internal/domain"
	"deribit-lab/internal/storage"
)

// Store backends.
const (
	StorePostgres   = "postgres"
	StoreClickhouse = "clickhouse"
	StoreMemory     = "memory"
)

// Transport kinds.
const (
	TransportHTTP = "http"
	TransportWS   = "ws"
)

// Options is the core configuration handed to the orchestrator.
type Options struct {
	Assets                   []string         `yaml:"assets"`
	WindowSizes              map[string][]int `yaml:"window_sizes"`
	DeltaFields              []string         `yaml:"delta_fields"`
	MinInstrumentHorizonDays int              `yaml:"min_instrument_horizon_days"`
	RetryCount               int              `yaml:"retry_count"`
	BackoffSeconds           float64          `yaml:"backoff_seconds"`
	RequestTimeoutSeconds    float64          `yaml:"request_timeout_seconds"`
	HistoryLoadLimit         int              `yaml:"history_load_limit"`

	// CycleTimeout bounds one whole cycle. Zero derives it from the per-asset worst case.
	CycleTimeout time.Duration `yaml:"cycle_timeout"`

	WicksEnabled   bool   `yaml:"wicks_enabled"`
	WickResolution string `yaml:"wick_resolution"`

	// CatalogKind filters the instrument catalog request. Empty fetches every kind.
	CatalogKind string `yaml:"catalog_kind"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig holds cycle lock settings. An empty Addr disables the lock.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

// LoggingConfig controls the logrus logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
	File   string `yaml:"file"`   // empty logs to stderr
}

// MetricsConfig controls the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// DeribitConfig controls the upstream API transport.
type DeribitConfig struct {
	BaseURL   string  `yaml:"base_url"`
	WSURL     string  `yaml:"ws_url"`
	Transport string  `yaml:"transport"`
	RateLimit float64 `yaml:"rate_limit"` // requests per second, 0 = unlimited
}

// Config is the full bootstrap configuration of the collector.
type Config struct {
	Options    Options          `yaml:"options"`
	Database   DatabaseConfig   `yaml:"database"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Redis      RedisConfig      `yaml:"redis"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Deribit    DeribitConfig    `yaml:"deribit"`
	Store      string           `yaml:"store"`
	TableName  string           `yaml:"table_name"`
	Schedule   string           `yaml:"schedule"`
}

// DefaultOptions returns the built-in core options.
func DefaultOptions() Options {
	return Options{
		Assets: []string{"BTC", "ETH", "SOL"},
		WindowSizes: map[string][]int{
			"open_interest":    {12, 48},
			"volume_24h_delta": {12},
		},
		DeltaFields:              []string{"open_interest", "volume_24h"},
		MinInstrumentHorizonDays: 30,
		RetryCount:               3,
		BackoffSeconds:           1.0,
		RequestTimeoutSeconds:    10,
		HistoryLoadLimit:         100,
		WicksEnabled:             true,
		WickResolution:           "60",
		CatalogKind:              "future",
	}
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Options: DefaultOptions(),
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			Name:    "deribit",
			User:    "postgres",
			SSLMode: "disable",
		},
		Redis:   RedisConfig{LockTTL: 5 * time.Minute},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Deribit: DeribitConfig{
			BaseURL:   "https://www.deribit.com/api/v2",
			WSURL:     "wss://www.deribit.com/ws/api/v2",
			Transport: TransportHTTP,
		},
		Store: StorePostgres,
	}
}

// Load builds a Config. path (YAML) and envFile (.env) are optional; a
// missing envFile is ignored only when it was not given explicitly.
func Load(path, envFile string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		// yaml.v3 merges into existing maps, so a file's window_sizes must
		// replace the defaults rather than extend them.
		defaultWindows := cfg.Options.WindowSizes
		cfg.Options.WindowSizes = nil
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
		if cfg.Options.WindowSizes == nil {
			cfg.Options.WindowSizes = defaultWindows
		}
	}

	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadEnvFile loads variables from a .env file without overriding ones already set.
func loadEnvFile(envFile string) error {
	if envFile == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("load env file %s: %w", envFile, err)
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if err := c.Options.Validate(); err != nil {
		return err
	}
	switch c.Store {
	case StorePostgres, StoreClickhouse, StoreMemory:
	default:
		return fmt.Errorf("%w: unknown store %q", ErrInvalidConfig, c.Store)
	}
	if c.Store == StoreClickhouse && c.ClickHouse.DSN == "" {
		return fmt.Errorf("%w: clickhouse store requires a DSN", ErrInvalidConfig)
	}
	switch c.Deribit.Transport {
	case TransportHTTP, TransportWS:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, c.Deribit.Transport)
	}
	if c.Deribit.RateLimit < 0 {
		return fmt.Errorf("%w: negative rate limit", ErrInvalidConfig)
	}
	if c.TableName != "" && !storage.ValidIdentifier(c.TableName) {
		return fmt.Errorf("%w: table name %q", ErrInvalidConfig, c.TableName)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.Logging.Format)
	}
	return nil
}

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Validate checks the core options.
func (o Options) Validate() error {
	if len(o.Assets) == 0 {
		return fmt.Errorf("%w: no assets configured", ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(o.Assets))
	for _, a := range o.Assets {
		key := strings.ToLower(a)
		if !storage.ValidIdentifier(key) {
			return fmt.Errorf("%w: asset %q", ErrInvalidConfig, a)
		}
		if seen[key] {
			return fmt.Errorf("%w: duplicate asset %q", ErrInvalidConfig, a)
		}
		seen[key] = true
	}
	for field, windows := range o.WindowSizes {
		if !storage.ValidIdentifier(field) {
			return fmt.Errorf("%w: field %q", ErrInvalidConfig, field)
		}
		for _, n := range windows {
			if n < 1 {
				return fmt.Errorf("%w: window %d for %s", ErrInvalidConfig, n, field)
			}
		}
	}
	for _, field := range o.DeltaFields {
		if !storage.ValidIdentifier(field) {
			return fmt.Errorf("%w: delta field %q", ErrInvalidConfig, field)
		}
	}
	if o.RetryCount < 1 {
		return fmt.Errorf("%w: retry count must be >= 1", ErrInvalidConfig)
	}
	if o.BackoffSeconds < 0 {
		return fmt.Errorf("%w: negative backoff", ErrInvalidConfig)
	}
	if o.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("%w: request timeout must be positive", ErrInvalidConfig)
	}
	if o.CycleTimeout < 0 {
		return fmt.Errorf("%w: negative cycle timeout", ErrInvalidConfig)
	}
	if o.HistoryLoadLimit < o.maxWindow() {
		return fmt.Errorf("%w: history load limit %d below largest window %d",
			ErrInvalidConfig, o.HistoryLoadLimit, o.maxWindow())
	}
	return nil
}

func (o Options) maxWindow() int {
	max := 0
	for _, windows := range o.WindowSizes {
		for _, n := range windows {
			if n > max {
				max = n
			}
		}
	}
	return max
}

// HistoryLimit returns the number of records to load per cycle:
// HistoryLoadLimit, raised to the largest window if needed.
func (o Options) HistoryLimit() int {
	if m := o.maxWindow(); m > o.HistoryLoadLimit {
		return m
	}
	return o.HistoryLoadLimit
}

// Backoff returns BackoffSeconds as a duration.
func (o Options) Backoff() time.Duration {
	return time.Duration(o.BackoffSeconds * float64(time.Second))
}

// RequestTimeout returns RequestTimeoutSeconds as a duration.
func (o Options) RequestTimeout() time.Duration {
	return time.Duration(o.RequestTimeoutSeconds * float64(time.Second))
}

// MinHorizon returns the resolver's minimum expiry horizon.
func (o Options) MinHorizon() time.Duration {
	return time.Duration(o.MinInstrumentHorizonDays) * 24 * time.Hour
}

// Rules converts DeltaFields and WindowSizes into derivation rules.
// Delta fields keep their configured order, window-only fields follow sorted by name.
// Window sizes are deduplicated and sorted ascending.
func (o Options) Rules() []domain.DerivedRule {
	var order []string
	byField := make(map[string]*domain.DerivedRule)

	get := func(field string) *domain.DerivedRule {
		if r, ok := byField[field]; ok {
			return r
		}
		r := &domain.DerivedRule{Field: domain.Field(field)}
		byField[field] = r
		order = append(order, field)
		return r
	}

	for _, f := range o.DeltaFields {
		get(f).Delta = true
	}

	windowFields := make([]string, 0, len(o.WindowSizes))
	for f := range o.WindowSizes {
		windowFields = append(windowFields, f)
	}
	sort.Strings(windowFields)
	for _, f := range windowFields {
		r := get(f)
		r.Windows = uniqueSorted(append(r.Windows, o.WindowSizes[f]...))
	}

	rules := make([]domain.DerivedRule, 0, len(order))
	for _, f := range order {
		rules = append(rules, *byField[f])
	}
	return rules
}

func uniqueSorted(ns []int) []int {
	sort.Ints(ns)
	out := make([]int, 0, len(ns))
	for _, n := range ns {
		if len(out) == 0 || out[len(out)-1] != n {
			out = append(out, n)
		}
	}
	return out
}

// DSN returns the PostgreSQL connection string, preferring URL.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   "/" + d.Name,
	}
	if d.User != "" {
		if d.Password != "" {
			u.User = url.UserPassword(d.User, d.Password)
		} else {
			u.User = url.User(d.User)
		}
	}
	if d.SSLMode != "" {
		u.RawQuery = "sslmode=" + url.QueryEscape(d.SSLMode)
	}
	return u.String()
}
