package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the Mindscope gateway.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Upstream UpstreamConfig
	Push     PushConfig
	Monitor  MonitorConfig
	Poll     PollConfig
	Cache    CacheConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port         int
	Env          string
	WriteTimeout time.Duration
	RateLimitRPM int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// UpstreamConfig points at the analysis API that runs the jobs.
type UpstreamConfig struct {
	BaseURL       string
	Token         string
	TokenFile     string
	Timeout       time.Duration
	RateLimitRPS  float64
	SubmitRetries int
}

// PushConfig controls the WebSocket connection manager.
type PushConfig struct {
	Enabled              bool
	URL                  string
	AuthTimeout          time.Duration
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	ReconnectMultiplier  float64
	MaxReconnectAttempts int
	Jitter               float64
	UnavailableCooldown  time.Duration
	// TransportErrorLimit consecutive transport-class failures mark the
	// endpoint unavailable without waiting for the reconnect budget.
	TransportErrorLimit int
}

// MonitorConfig controls a single job's monitoring lifecycle.
type MonitorConfig struct {
	PushFallback time.Duration
	Timeout      time.Duration
	SettleDelay  time.Duration
}

// PollConfig controls the adaptive status poller.
type PollConfig struct {
	Interval             time.Duration
	MinInterval          time.Duration
	MaxInterval          time.Duration
	MaxConsecutiveErrors int
	MaxErrorBackoff      time.Duration
	ResultFetchRetries   int
	ResultRetryBase      time.Duration
	ResultRetryMax       time.Duration
}

// CacheConfig holds stale-while-revalidate defaults for result caching.
type CacheConfig struct {
	TTL            time.Duration
	StaleWindow    time.Duration
	RefreshTimeout time.Duration
	PruneInterval  time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// Default returns the configuration used when no environment is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Env:          "development",
			WriteTimeout: 11 * time.Minute,
			RateLimitRPM: 60,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Upstream: UpstreamConfig{
			Timeout:       30 * time.Second,
			RateLimitRPS:  10,
			SubmitRetries: 2,
		},
		Push: PushConfig{
			Enabled:              true,
			AuthTimeout:          10 * time.Second,
			ReconnectBase:        time.Second,
			ReconnectMax:         30 * time.Second,
			ReconnectMultiplier:  2,
			MaxReconnectAttempts: 5,
			Jitter:               0.2,
			UnavailableCooldown:  5 * time.Minute,
			TransportErrorLimit:  2,
		},
		Monitor: MonitorConfig{
			PushFallback: 45 * time.Second,
			Timeout:      10 * time.Minute,
			SettleDelay:  1500 * time.Millisecond,
		},
		Poll: PollConfig{
			Interval:             3 * time.Second,
			MinInterval:          time.Second,
			MaxInterval:          15 * time.Second,
			MaxConsecutiveErrors: 5,
			MaxErrorBackoff:      30 * time.Second,
			ResultFetchRetries:   4,
			ResultRetryBase:      time.Second,
			ResultRetryMax:       8 * time.Second,
		},
		Cache: CacheConfig{
			TTL:            5 * time.Minute,
			StaleWindow:    30 * time.Minute,
			RefreshTimeout: 30 * time.Second,
			PruneInterval:  time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := FromEnv()
	if err := cfg.validate(true); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadClient is Load for processes that talk to the upstream API directly and
// need neither a database nor Redis.
func LoadClient() (*Config, error) {
	cfg := FromEnv()
	if err := cfg.validate(false); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv overlays environment variables on Default without validating.
func FromEnv() *Config {
	d := Default()
	return &Config{
		Server: ServerConfig{
			Port:         envInt("MINDSCOPE_PORT", d.Server.Port),
			Env:          envString("MINDSCOPE_ENV", d.Server.Env),
			WriteTimeout: envDuration("SERVER_WRITE_TIMEOUT", d.Server.WriteTimeout),
			RateLimitRPM: envInt("SERVER_RATE_LIMIT_RPM", d.Server.RateLimitRPM),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", d.Database.MaxOpenConns),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", d.Database.MaxIdleConns),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", d.Database.ConnMaxLifetime),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Upstream: UpstreamConfig{
			BaseURL:       strings.TrimRight(os.Getenv("UPSTREAM_BASE_URL"), "/"),
			Token:         os.Getenv("UPSTREAM_TOKEN"),
			TokenFile:     os.Getenv("UPSTREAM_TOKEN_FILE"),
			Timeout:       envDuration("UPSTREAM_TIMEOUT", d.Upstream.Timeout),
			RateLimitRPS:  envFloat("UPSTREAM_RATE_LIMIT_RPS", d.Upstream.RateLimitRPS),
			SubmitRetries: envInt("UPSTREAM_SUBMIT_RETRIES", d.Upstream.SubmitRetries),
		},
		Push: PushConfig{
			Enabled:              envBool("PUSH_ENABLED", d.Push.Enabled),
			URL:                  os.Getenv("PUSH_URL"),
			AuthTimeout:          envDuration("PUSH_AUTH_TIMEOUT", d.Push.AuthTimeout),
			ReconnectBase:        envDuration("PUSH_RECONNECT_BASE", d.Push.ReconnectBase),
			ReconnectMax:         envDuration("PUSH_RECONNECT_MAX", d.Push.ReconnectMax),
			ReconnectMultiplier:  envFloat("PUSH_RECONNECT_MULTIPLIER", d.Push.ReconnectMultiplier),
			MaxReconnectAttempts: envInt("PUSH_RECONNECT_ATTEMPTS", d.Push.MaxReconnectAttempts),
			Jitter:               envFloat("PUSH_JITTER", d.Push.Jitter),
			UnavailableCooldown:  envDuration("PUSH_UNAVAILABLE_COOLDOWN", d.Push.UnavailableCooldown),
			TransportErrorLimit:  envInt("PUSH_TRANSPORT_ERROR_LIMIT", d.Push.TransportErrorLimit),
		},
		Monitor: MonitorConfig{
			PushFallback: envDuration("PUSH_FALLBACK", d.Monitor.PushFallback),
			Timeout:      envDuration("MONITORING_TIMEOUT", d.Monitor.Timeout),
			SettleDelay:  envDuration("PUSH_SETTLE_DELAY", d.Monitor.SettleDelay),
		},
		Poll: PollConfig{
			Interval:             envDuration("POLLING_INTERVAL", d.Poll.Interval),
			MinInterval:          envDuration("POLLING_MIN_INTERVAL", d.Poll.MinInterval),
			MaxInterval:          envDuration("POLLING_MAX_INTERVAL", d.Poll.MaxInterval),
			MaxConsecutiveErrors: envInt("POLLING_MAX_ERRORS", d.Poll.MaxConsecutiveErrors),
			MaxErrorBackoff:      envDuration("POLLING_MAX_BACKOFF", d.Poll.MaxErrorBackoff),
			ResultFetchRetries:   envInt("RESULT_FETCH_RETRIES", d.Poll.ResultFetchRetries),
			ResultRetryBase:      envDuration("RESULT_RETRY_BASE", d.Poll.ResultRetryBase),
			ResultRetryMax:       envDuration("RESULT_RETRY_MAX", d.Poll.ResultRetryMax),
		},
		Cache: CacheConfig{
			TTL:            envDuration("CACHE_TTL", d.Cache.TTL),
			StaleWindow:    envDuration("CACHE_STALE_WINDOW", d.Cache.StaleWindow),
			RefreshTimeout: envDuration("CACHE_REFRESH_TIMEOUT", d.Cache.RefreshTimeout),
			PruneInterval:  envDuration("CACHE_PRUNE_INTERVAL", d.Cache.PruneInterval),
		},
		Log: LogConfig{
			Level:  envString("LOG_LEVEL", d.Log.Level),
			Format: envString("LOG_FORMAT", d.Log.Format),
		},
	}
}

func (c *Config) validate(server bool) error {
	if server {
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
		if c.Redis.URL == "" {
			return fmt.Errorf("REDIS_URL is required")
		}
	}

	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("UPSTREAM_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Upstream.BaseURL, "http://") && !strings.HasPrefix(c.Upstream.BaseURL, "https://") {
		return fmt.Errorf("UPSTREAM_BASE_URL must start with http:// or https://, got %q", c.Upstream.BaseURL)
	}
	if c.Upstream.Token == "" && c.Upstream.TokenFile == "" {
		return fmt.Errorf("one of UPSTREAM_TOKEN or UPSTREAM_TOKEN_FILE is required")
	}

	if c.Push.Enabled {
		if c.Push.URL == "" {
			return fmt.Errorf("PUSH_URL is required when PUSH_ENABLED is true")
		}
		if !strings.HasPrefix(c.Push.URL, "ws://") && !strings.HasPrefix(c.Push.URL, "wss://") {
			return fmt.Errorf("PUSH_URL must start with ws:// or wss://, got %q", c.Push.URL)
		}
		if c.Push.Jitter < 0 || c.Push.Jitter > 1 {
			return fmt.Errorf("PUSH_JITTER must be between 0 and 1, got %v", c.Push.Jitter)
		}
		if c.Push.MaxReconnectAttempts < 1 {
			return fmt.Errorf("PUSH_RECONNECT_ATTEMPTS must be at least 1")
		}
	}

	if c.Poll.Interval <= 0 {
		return fmt.Errorf("POLLING_INTERVAL must be positive")
	}
	if c.Poll.MaxInterval < c.Poll.Interval {
		return fmt.Errorf("POLLING_MAX_INTERVAL (%s) must not be below POLLING_INTERVAL (%s)", c.Poll.MaxInterval, c.Poll.Interval)
	}
	if c.Monitor.Timeout <= 0 {
		return fmt.Errorf("MONITORING_TIMEOUT must be positive")
	}
	if c.Push.Enabled && c.Monitor.PushFallback >= c.Monitor.Timeout {
		return fmt.Errorf("PUSH_FALLBACK (%s) must be shorter than MONITORING_TIMEOUT (%s)", c.Monitor.PushFallback, c.Monitor.Timeout)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

// envDuration accepts Go duration strings ("45s") or a bare integer number of
// milliseconds ("45000").
func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
