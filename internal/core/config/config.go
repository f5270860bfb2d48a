package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type InvalidationCfg struct {
	Enabled bool     `toml:"enabled"`
	Driver  string   `toml:"driver"`
	Topic   string   `toml:"topic"`
	Brokers []string `toml:"brokers"`
	GroupID string   `toml:"group_id"`
}

type UpstreamCfg struct {
	URL            string        `toml:"url"`
	Timeout        time.Duration `toml:"timeout"`
	MaxAttempts    int           `toml:"max_attempts"`
	BackoffInitial time.Duration `toml:"backoff_initial"`
	BackoffMax     time.Duration `toml:"backoff_max"`
	MaxBody        int64         `toml:"max_body"`
	APIKey         string        `toml:"api_key"`
	APIKeyHeader   string        `toml:"api_key_header"`
	UserAgent      string        `toml:"user_agent"`
}

type MetricsCfg struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// Scenario names; the scenarios package registers a factory under each.
const (
	ScenarioCache    = "cache"
	ScenarioBaseline = "baseline"
)

type Config struct {
	Addr              string          `toml:"addr"`
	LogLevel          string          `toml:"log_level"`
	LogConsole        bool            `toml:"log_console"`
	LogSampleN        int             `toml:"log_sample_n"`
	Scenario          string          `toml:"scenario"`
	APIKey            string          `toml:"api_key"`
	Upstream          UpstreamCfg     `toml:"upstream"`
	RedisAddr         string          `toml:"redis_addr"`
	CacheTTL          time.Duration   `toml:"cache_ttl"`
	CacheOpTimeout    time.Duration   `toml:"cache_op_timeout"`
	CellIndexEnabled  bool            `toml:"cell_index_enabled"`
	H3Res             int             `toml:"h3_res"`
	// CellIndexMaxCells caps the cells one footprint is indexed under.
	CellIndexMaxCells int             `toml:"cell_index_max_cells"`
	Invalidation      InvalidationCfg `toml:"invalidation"`
	Metrics           MetricsCfg      `toml:"metrics"`
}

// Default holds every setting that has a safe fallback. API key, upstream URL and
// cache TTL deliberately have none.
func Default() Config {
	return Config{
		Addr:     ":3000",
		LogLevel: "info",
		Scenario: ScenarioCache,
		Upstream: UpstreamCfg{
			Timeout:        10 * time.Second,
			MaxAttempts:    3,
			BackoffInitial: 200 * time.Millisecond,
			BackoffMax:     5 * time.Second,
			MaxBody:        16 << 20,
			APIKeyHeader:   "Authorization",
			UserAgent:      "osm-proxy/dev",
		},
		RedisAddr:         "localhost:6379",
		CacheOpTimeout:    250 * time.Millisecond,
		CellIndexEnabled:  false,
		H3Res:             7,
		CellIndexMaxCells: 1024,
		Invalidation: InvalidationCfg{
			Driver:  "none",
			Topic:   "osm-invalidation",
			Brokers: []string{"localhost:9092"},
			GroupID: "osm-proxy",
		},
		Metrics: MetricsCfg{Addr: ":9090", Path: "/metrics"},
	}
}

// Load reads the optional TOML file at path and then applies env overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config file %q: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv builds a config from defaults and the environment only.
func FromEnv() (Config, error) {
	cfg := Default()
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv reports every variable that is set but does not parse; the
// default is kept for each.
func applyEnv(c *Config) error {
	var e envErrs
	c.Addr = getenv("ADDR", c.Addr)
	if p := os.Getenv("PORT"); p != "" && os.Getenv("ADDR") == "" {
		c.Addr = ":" + strings.TrimPrefix(p, ":")
	}
	c.LogLevel = getenv("LOG_LEVEL", c.LogLevel)
	c.LogConsole = e.getbool("LOG_CONSOLE", c.LogConsole)
	c.LogSampleN = e.getint("LOG_SAMPLE_N", c.LogSampleN)
	c.Scenario = getenv("SCENARIO", c.Scenario)

	// the launcher historically exported the key under these names
	c.APIKey = getenv("SERVICE_API_KEY", c.APIKey)
	c.APIKey = getenv("TERN_API_KEY", c.APIKey)
	c.APIKey = getenv("API_KEY", c.APIKey)

	c.Upstream.URL = getenv("UPSTREAM_URL", c.Upstream.URL)
	c.Upstream.Timeout = e.getduration("UPSTREAM_TIMEOUT", c.Upstream.Timeout)
	c.Upstream.MaxAttempts = e.getint("UPSTREAM_MAX_ATTEMPTS", c.Upstream.MaxAttempts)
	c.Upstream.BackoffInitial = e.getduration("UPSTREAM_BACKOFF_INITIAL", c.Upstream.BackoffInitial)
	c.Upstream.BackoffMax = e.getduration("UPSTREAM_BACKOFF_MAX", c.Upstream.BackoffMax)
	c.Upstream.MaxBody = e.getint64("UPSTREAM_MAX_BODY", c.Upstream.MaxBody)
	c.Upstream.APIKey = getenv("UPSTREAM_API_KEY", c.Upstream.APIKey)
	c.Upstream.APIKeyHeader = getenv("UPSTREAM_API_KEY_HEADER", c.Upstream.APIKeyHeader)
	c.Upstream.UserAgent = getenv("USER_AGENT", c.Upstream.UserAgent)

	c.RedisAddr = redisAddr(getenv("REDIS_URL", ""), c.RedisAddr)
	c.RedisAddr = getenv("REDIS_ADDR", c.RedisAddr)
	c.CacheTTL = e.getduration("CACHE_TTL", c.CacheTTL)
	c.CacheOpTimeout = e.getduration("CACHE_OP_TIMEOUT", c.CacheOpTimeout)
	c.CellIndexEnabled = e.getbool("CELL_INDEX_ENABLED", c.CellIndexEnabled)
	c.H3Res = e.getint("H3_RES", c.H3Res)
	c.CellIndexMaxCells = e.getint("CELL_INDEX_MAX_CELLS", c.CellIndexMaxCells)

	c.Invalidation.Enabled = e.getbool("INVALIDATION_ENABLED", c.Invalidation.Enabled)
	c.Invalidation.Driver = getenv("INVALIDATION_DRIVER", c.Invalidation.Driver)
	c.Invalidation.Topic = getenv("KAFKA_TOPIC", c.Invalidation.Topic)
	if b := getenv("KAFKA_BROKERS", ""); b != "" {
		c.Invalidation.Brokers = splitCSV(b)
	}
	c.Invalidation.GroupID = getenv("KAFKA_GROUP_ID", c.Invalidation.GroupID)

	c.Metrics.Enabled = e.getbool("METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Addr = getenv("METRICS_ADDR", c.Metrics.Addr)
	c.Metrics.Path = getenv("METRICS_PATH", c.Metrics.Path)
	return errors.Join(e...)
}

// Validate rejects configurations the proxy cannot safely run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.APIKey) == "" {
		errs = append(errs, errors.New("api key is required (API_KEY)"))
	}
	if c.Upstream.URL == "" {
		errs = append(errs, errors.New("upstream url is required (UPSTREAM_URL)"))
	} else if u, err := url.Parse(c.Upstream.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("upstream url %q must be absolute", c.Upstream.URL))
	}
	switch c.Scenario {
	case ScenarioCache, ScenarioBaseline:
	default:
		errs = append(errs, fmt.Errorf("unknown scenario %q (want %s or %s)", c.Scenario, ScenarioCache, ScenarioBaseline))
	}
	if c.Scenario != ScenarioBaseline && c.CacheTTL <= 0 {
		errs = append(errs, errors.New("cache ttl must be > 0 (CACHE_TTL)"))
	}
	if c.Upstream.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("upstream max attempts must be >= 1 (got %d)", c.Upstream.MaxAttempts))
	}
	if c.H3Res < 0 || c.H3Res > 15 {
		errs = append(errs, fmt.Errorf("h3 resolution %d out of range 0..15", c.H3Res))
	}
	if c.CellIndexMaxCells < 1 {
		errs = append(errs, fmt.Errorf("cell index max cells must be >= 1 (got %d)", c.CellIndexMaxCells))
	}
	return errors.Join(errs...)
}

// accepts either host:port or a redis:// url
func redisAddr(raw, def string) string {
	if raw == "" {
		return def
	}
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return u.Host
	}
	return raw
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

type envErrs []error

func (e *envErrs) bad(k, v, want string) {
	*e = append(*e, fmt.Errorf("%s=%q: want %s", k, v, want))
}

func (e *envErrs) getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err == nil {
			return n
		}
		e.bad(k, v, "an integer")
	}
	return def
}

func (e *envErrs) getint64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err == nil {
			return n
		}
		e.bad(k, v, "an integer")
	}
	return def
}

func (e *envErrs) getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
		e.bad(k, v, "a boolean")
	}
	return def
}

// getduration takes a Go duration ("90s", "1h") or a bare integer of seconds.
func (e *envErrs) getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		v = strings.TrimSpace(v)
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Duration(n) * time.Second
		}
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		e.bad(k, v, `a duration such as "90s" or whole seconds`)
	}
	return def
}

func splitCSV(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}
