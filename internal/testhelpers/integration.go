//go:build integration
// +build integration

package testhelpers

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kjstillabower/weather-tracker-service/internal/cache"
	"github.com/kjstillabower/weather-tracker-service/internal/client"
	"github.com/kjstillabower/weather-tracker-service/internal/observability"
	"github.com/kjstillabower/weather-tracker-service/internal/service"
	"github.com/kjstillabower/weather-tracker-service/internal/storage"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	APIURL        string
	CacheBackend  string // "in_memory" or "memcached"
	MemcachedAddr string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips test if OPEN_METEO_INTEGRATION is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	if os.Getenv("OPEN_METEO_INTEGRATION") == "" {
		t.Skip("OPEN_METEO_INTEGRATION not set, skipping integration test")
	}

	apiURL := os.Getenv("WEATHER_API_URL")
	if apiURL == "" {
		apiURL = client.DefaultURL
	}

	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}

	return IntegrationTestConfig{
		APIURL:        apiURL,
		CacheBackend:  os.Getenv("INTEGRATION_CACHE_BACKEND"),
		MemcachedAddr: memcachedAddr,
	}
}

// SetupIntegrationService wires a service against the live provider with a
// registry file under t.TempDir(). Memcached falls back to the in-memory
// cache when unreachable.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) (*service.WeatherService, *storage.Storage) {
	t.Helper()
	logger, err := observability.NewLoggerWithLevel("warn")
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	store := storage.New(filepath.Join(t.TempDir(), "weather_data.json"), logger)
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	weatherClient, err := client.NewOpenMeteoClient(cfg.APIURL, 10*time.Second)
	if err != nil {
		t.Fatalf("NewOpenMeteoClient() error = %v", err)
	}

	var cacheSvc cache.Cache = cache.NewInMemoryCache()
	if cfg.CacheBackend == "memcached" {
		mc := cache.NewMemcachedCache(cfg.MemcachedAddr, 500*time.Millisecond, 2)
		if err := mc.Ping(); err == nil {
			cacheSvc = mc
			t.Cleanup(func() { _ = mc.Close() })
			t.Logf("Using Memcached cache at %s", cfg.MemcachedAddr)
		} else {
			t.Logf("Memcached not available (%v), using in-memory cache", err)
		}
	}

	svc := service.NewWeatherService(store, weatherClient, cacheSvc, service.Config{
		UpdateInterval: 15 * time.Minute,
		CacheTTL:       time.Minute,
	}, logger)
	return svc, store
}
