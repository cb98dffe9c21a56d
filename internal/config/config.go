package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from .env, YAML and env.
type Config struct {
	Host string
	Port string

	WeatherAPIURL     string
	WeatherAPITimeout time.Duration

	DataFile string

	UpdateInterval     time.Duration
	RefreshConcurrency int

	RequestTimeout time.Duration
	CacheTTL       time.Duration
	CacheBackend   string // "in_memory" or "memcached"

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RateLimitRPS   int
	RateLimitBurst int

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerHalfOpenRequests int
	CircuitBreakerTimeout          time.Duration

	ShutdownTimeout         time.Duration
	ShutdownInFlightTimeout time.Duration

	OverloadWindow       time.Duration
	OverloadThresholdPct int
	DegradedWindow       time.Duration
	DegradedErrorPct     int
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

type fileConfig struct {
	Server struct {
		Host string `yaml:"host"`
		Port string `yaml:"port"`
	} `yaml:"server"`

	WeatherAPI struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"weather_api"`

	Storage struct {
		DataFile string `yaml:"data_file"`
	} `yaml:"storage"`

	Refresh struct {
		Interval    string `yaml:"interval"`
		Concurrency int    `yaml:"concurrency"`
	} `yaml:"refresh"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Reliability struct {
		RateLimitRPS   int `yaml:"rate_limit_rps"`
		RateLimitBurst int `yaml:"rate_limit_burst"`
		CircuitBreaker struct {
			Enabled          *bool  `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			HalfOpenRequests int    `yaml:"half_open_requests"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout         string `yaml:"timeout"`
		InFlightTimeout string `yaml:"inflight_timeout"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		OverloadWindow       string `yaml:"overload_window"`
		OverloadThresholdPct int    `yaml:"overload_threshold_pct"`
		DegradedWindow       string `yaml:"degraded_window"`
		DegradedErrorPct     int    `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`
}

// Load reads .env (if present), then config/{ENV_NAME}.yaml (default dev, optional),
// then applies env overrides. Call from project root.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	var fc fileConfig
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", configPath, err)
		}
	case os.IsNotExist(err):
		// Defaults and env only.
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}

	cfg.Host = firstNonEmpty(os.Getenv("HOST"), fc.Server.Host, "127.0.0.1")
	cfg.Port = firstNonEmpty(os.Getenv("PORT"), fc.Server.Port, "8000")

	cfg.WeatherAPIURL = firstNonEmpty(os.Getenv("WEATHER_API_URL"), fc.WeatherAPI.URL, "https://api.open-meteo.com/v1/forecast")
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 30*time.Second)

	cfg.DataFile = firstNonEmpty(os.Getenv("DATA_FILE"), fc.Storage.DataFile, "weather_data.json")

	cfg.UpdateInterval = parseDurationOrZero(fc.Refresh.Interval, 900*time.Second)
	if v := strings.TrimSpace(os.Getenv("UPDATE_INTERVAL")); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("UPDATE_INTERVAL must be a whole number of seconds, got %q", v)
		}
		cfg.UpdateInterval = time.Duration(secs) * time.Second
	}
	cfg.RefreshConcurrency = fc.Refresh.Concurrency
	if cfg.RefreshConcurrency <= 0 {
		cfg.RefreshConcurrency = 4
	}

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 35*time.Second)

	cfg.CacheTTL = parseDurationOrZero(fc.Cache.TTL, 5*time.Minute)
	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(firstNonEmpty(os.Getenv("CACHE_BACKEND"), fc.Cache.Backend, "in_memory")))
	cfg.MemcachedAddrs = strings.TrimSpace(firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), fc.Cache.Memcached.Addrs, "localhost:11211"))
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}

	cb := fc.Reliability.CircuitBreaker
	cfg.CircuitBreakerEnabled = true
	if cb.Enabled != nil {
		cfg.CircuitBreakerEnabled = *cb.Enabled
	}
	cfg.CircuitBreakerFailureThreshold = cb.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerHalfOpenRequests = cb.HalfOpenRequests
	if cfg.CircuitBreakerHalfOpenRequests <= 0 {
		cfg.CircuitBreakerHalfOpenRequests = 1
	}
	cfg.CircuitBreakerTimeout = parseDuration(cb.Timeout, 30*time.Second)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)

	cfg.OverloadWindow = parseDuration(fc.Lifecycle.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = fc.Lifecycle.OverloadThresholdPct
	if cfg.OverloadThresholdPct <= 0 {
		cfg.OverloadThresholdPct = 80
	}
	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 50
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
// RequestTimeout is raised above WeatherAPITimeout when needed.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("weather_api.timeout must be positive")
	}
	if cfg.UpdateInterval <= 0 {
		return fmt.Errorf("refresh interval must be positive, got %s", cfg.UpdateInterval)
	}
	if cfg.CacheTTL < 0 {
		return fmt.Errorf("cache.ttl must not be negative, got %s", cfg.CacheTTL)
	}
	if _, err := strconv.Atoi(cfg.Port); err != nil {
		return fmt.Errorf("port must be numeric, got %q", cfg.Port)
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached":
		// valid
	default:
		return fmt.Errorf("cache.backend must be in_memory or memcached, got %q", cfg.CacheBackend)
	}
	return nil
}
