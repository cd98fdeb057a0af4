package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// lookupFunc matches os.LookupEnv.
type lookupFunc func(key string) (string, bool)

// envReader reads typed environment values and keeps the first parse error.
type envReader struct {
	lookup lookupFunc
	err    error
}

func (r *envReader) get(key string) (string, bool) {
	v, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (r *envReader) fail(key, value string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, key, value, err)
	}
}

func (r *envReader) String(key string, dst *string) {
	if v, ok := r.get(key); ok {
		*dst = v
	}
}

func (r *envReader) Int(key string, dst *int) {
	if v, ok := r.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (r *envReader) Float(key string, dst *float64) {
	if v, ok := r.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = f
	}
}

func (r *envReader) Bool(key string, dst *bool) {
	if v, ok := r.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = b
	}
}

// Duration accepts Go duration syntax ("90s", "5m") or a plain number of seconds.
func (r *envReader) Duration(key string, dst *time.Duration) {
	if v, ok := r.get(key); ok {
		d, err := parseDuration(v)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = d
	}
}

func (r *envReader) List(key string, dst *[]string) {
	if v, ok := r.get(key); ok {
		*dst = splitList(v)
	}
}

func (r *envReader) Windows(key string, dst *map[string][]int) {
	if v, ok := r.get(key); ok {
		w, err := ParseWindowSizes(v)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = w
	}
}

// applyEnv overlays environment variables onto cfg.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	r := &envReader{lookup: lookup}
	o := &cfg.Options

	r.List("ASSETS", &o.Assets)
	r.Windows("WINDOW_SIZES", &o.WindowSizes)
	r.List("DELTA_FIELDS", &o.DeltaFields)
	r.Int("MIN_INSTRUMENT_HORIZON_DAYS", &o.MinInstrumentHorizonDays)
	r.Int("RETRY_COUNT", &o.RetryCount)
	r.Float("BACKOFF_SECONDS", &o.BackoffSeconds)
	r.Float("REQUEST_TIMEOUT_SECONDS", &o.RequestTimeoutSeconds)
	r.Int("HISTORY_LOAD_LIMIT", &o.HistoryLoadLimit)
	r.Duration("CYCLE_TIMEOUT", &o.CycleTimeout)
	r.Bool("WICKS_ENABLED", &o.WicksEnabled)
	r.String("WICK_RESOLUTION", &o.WickResolution)
	if v, ok := lookup("CATALOG_KIND"); ok {
		// Set but empty means "all kinds".
		o.CatalogKind = strings.TrimSpace(v)
	}

	r.String("DERIBIT_BASE_URL", &cfg.Deribit.BaseURL)
	r.String("DERIBIT_WS_URL", &cfg.Deribit.WSURL)
	r.String("DERIBIT_TRANSPORT", &cfg.Deribit.Transport)
	r.Float("DERIBIT_RATE_LIMIT", &cfg.Deribit.RateLimit)

	r.String("DB_URL", &cfg.Database.URL)
	r.String("DB_HOST", &cfg.Database.Host)
	r.Int("DB_PORT", &cfg.Database.Port)
	r.String("DB_NAME", &cfg.Database.Name)
	r.String("DB_USER", &cfg.Database.User)
	r.String("DB_PASSWORD", &cfg.Database.Password)
	r.String("DB_SSLMODE", &cfg.Database.SSLMode)

	r.String("STORE", &cfg.Store)
	r.String("CLICKHOUSE_DSN", &cfg.ClickHouse.DSN)
	r.String("TABLE_NAME", &cfg.TableName)

	r.String("REDIS_ADDR", &cfg.Redis.Addr)
	r.String("REDIS_PASSWORD", &cfg.Redis.Password)
	r.Int("REDIS_DB", &cfg.Redis.DB)
	r.Duration("LOCK_TTL", &cfg.Redis.LockTTL)

	r.String("LOG_LEVEL", &cfg.Logging.Level)
	r.String("LOG_FORMAT", &cfg.Logging.Format)
	r.String("LOG_FILE", &cfg.Logging.File)

	r.String("METRICS_ADDR", &cfg.Metrics.Addr)
	r.String("SCHEDULE", &cfg.Schedule)

	cfg.Store = strings.ToLower(cfg.Store)
	cfg.Deribit.Transport = strings.ToLower(cfg.Deribit.Transport)
	return r.err
}

// ParseWindowSizes parses "field:n,n;field:n" into a field -> window sizes map.
func ParseWindowSizes(s string) (map[string][]int, error) {
	out := make(map[string][]int)
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		field, sizes, ok := strings.Cut(part, ":")
		field = strings.ToLower(strings.TrimSpace(field))
		if !ok || field == "" {
			return nil, fmt.Errorf("expected field:n[,n...], got %q", part)
		}
		for _, raw := range splitList(sizes) {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("window size %q for %s: %w", raw, field, err)
			}
			out[field] = append(out[field], n)
		}
		if len(out[field]) == 0 {
			return nil, fmt.Errorf("no window sizes for %s", field)
		}
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}
