package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-tracker-service/internal/cache"
	"github.com/kjstillabower/weather-tracker-service/internal/client"
	"github.com/kjstillabower/weather-tracker-service/internal/config"
	httphandler "github.com/kjstillabower/weather-tracker-service/internal/http"
	"github.com/kjstillabower/weather-tracker-service/internal/lifecycle"
	"github.com/kjstillabower/weather-tracker-service/internal/observability"
	"github.com/kjstillabower/weather-tracker-service/internal/refresh"
	"github.com/kjstillabower/weather-tracker-service/internal/service"
	"github.com/kjstillabower/weather-tracker-service/internal/storage"
	"github.com/kjstillabower/weather-tracker-service/internal/traffic"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("service", zap.Error(err))
	}
}

// run starts the service and blocks until ctx is cancelled or the listener fails,
// then drains requests, stops the refresh loop and flushes the registry.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store := storage.New(cfg.DataFile, logger.Named("storage"))
	if err := store.Load(ctx); err != nil {
		return fmt.Errorf("storage load: %w", err)
	}

	weatherClient, err := client.NewOpenMeteoClient(cfg.WeatherAPIURL, cfg.WeatherAPITimeout)
	if err != nil {
		return fmt.Errorf("weather client: %w", err)
	}
	if cfg.CircuitBreakerEnabled {
		weatherClient.SetCircuitBreaker(client.BreakerConfig{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			HalfOpenRequests: cfg.CircuitBreakerHalfOpenRequests,
			Timeout:          cfg.CircuitBreakerTimeout,
			OnStateChange: func(from, to gobreaker.State) {
				logger.Warn("circuit breaker state change", zap.String("from", from.String()), zap.String("to", to.String()))
			},
		})
		logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold), zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	var cacheSvc cache.Cache
	var memcacheCloser *cache.MemcachedCache
	switch cfg.CacheBackend {
	case "memcached":
		mc := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		memcacheCloser = mc
		cacheSvc = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		cacheSvc = cache.NewInMemoryCache()
		logger.Info("cache backend: in_memory")
	}

	weatherService := service.NewWeatherService(store, weatherClient, cacheSvc, service.Config{
		UpdateInterval: cfg.UpdateInterval,
		CacheTTL:       cfg.CacheTTL,
	}, logger.Named("service"))

	tracker := traffic.NewTracker(traffic.DefaultRetention)
	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}

	healthConfig := httphandler.HealthConfig{
		Thresholds: traffic.Thresholds{
			DegradedWindow:       cfg.DegradedWindow,
			DegradedErrorPct:     cfg.DegradedErrorPct,
			OverloadWindow:       cfg.OverloadWindow,
			OverloadThresholdPct: cfg.OverloadThresholdPct,
			RateLimitRPS:         float64(cfg.RateLimitRPS),
		},
		UpstreamPing: weatherClient.Ping,
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}

	handler := httphandler.NewHandler(weatherService, tracker, healthConfig, logger)
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		Logger:         logger,
		Limiter:        limiter,
		Tracker:        tracker,
		RequestTimeout: cfg.RequestTimeout,
	})

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr(), err)
	}
	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
	}

	refreshCtx, refreshCancel := context.WithCancel(context.Background())
	defer refreshCancel()
	refresher := refresh.New(store, weatherService, cfg.UpdateInterval, cfg.RefreshConcurrency, logger.Named("refresh"))
	refreshDone := make(chan struct{})
	go func() {
		defer close(refreshDone)
		if err := refresher.Run(refreshCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("refresh loop stopped", zap.Error(err))
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", ln.Addr().String()), zap.String("data_file", cfg.DataFile), zap.Duration("update_interval", cfg.UpdateInterval))
		serveErr <- srv.Serve(ln)
	}()
	lifecycle.MarkStarted(time.Now())

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("graceful shutdown triggered")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("serve: %w", err)
		}
	}

	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, 50*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	refreshCancel()
	select {
	case <-refreshDone:
	case <-shutdownCtx.Done():
		logger.Warn("refresh loop did not stop before shutdown timeout")
	}

	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}

	if err := observability.FlushTelemetry(context.Background(), logger, store.Save); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return runErr
}
