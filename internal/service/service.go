package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/weather-tracker-service/internal/cache"
	"github.com/kjstillabower/weather-tracker-service/internal/client"
	"github.com/kjstillabower/weather-tracker-service/internal/forecast"
	"github.com/kjstillabower/weather-tracker-service/internal/models"
	"github.com/kjstillabower/weather-tracker-service/internal/observability"
)

var (
	ErrDuplicateUsername   = errors.New("username already registered")
	ErrUserNotFound        = errors.New("user not found")
	ErrCityNotFound        = errors.New("city not found in user's list")
	ErrForecastUnavailable = errors.New("forecast not available")
)

// Registry is the subset of storage the service depends on.
type Registry interface {
	CreateUser(ctx context.Context, username string) (string, error)
	GetUser(ctx context.Context, userID string) (models.User, bool)
	GetUserByUsername(ctx context.Context, username string) (models.User, bool)
	AddCityToUser(ctx context.Context, userID, name string, latitude, longitude float64) (bool, error)
	GetUserCities(ctx context.Context, userID string) []string
	GetUserCity(ctx context.Context, userID, name string) (models.City, bool)
	UpdateCityForecast(ctx context.Context, userID, name string, latitude, longitude float64, payload json.RawMessage) error
	CityNeedsUpdate(ctx context.Context, userID, name string, interval time.Duration) bool
}

// Config holds service tuning. CacheTTL 0 disables the current-weather cache.
type Config struct {
	UpdateInterval time.Duration
	CacheTTL       time.Duration
	Now            func() time.Time
}

// ForecastResult is a resolved hourly sample plus request metadata.
type ForecastResult struct {
	Record        forecast.Record
	UserID        string
	Username      string
	City          string
	RequestedTime string
	IsCurrentTime bool
}

// WeatherService implements the user-facing operations on top of the
// registry and the provider client.
type WeatherService struct {
	registry Registry
	client   client.WeatherClient
	cache    cache.Cache
	cfg      Config
	logger   *zap.Logger

	registerMu sync.Mutex
	fetches    singleflight.Group
}

// NewWeatherService wires the service. cache may be nil.
func NewWeatherService(registry Registry, c client.WeatherClient, wc cache.Cache, cfg Config, logger *zap.Logger) *WeatherService {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WeatherService{
		registry: registry,
		client:   c,
		cache:    wc,
		cfg:      cfg,
		logger:   logger,
	}
}

// UpdateInterval returns the staleness threshold used for stored forecasts.
func (s *WeatherService) UpdateInterval() time.Duration {
	return s.cfg.UpdateInterval
}

// loggerFromContext returns the request-scoped logger, falling back to the service logger.
func (s *WeatherService) loggerFromContext(ctx context.Context) *zap.Logger {
	return observability.LoggerFromContext(ctx, s.logger)
}

// RegisterUser creates a user with a unique username.
func (s *WeatherService) RegisterUser(ctx context.Context, username string) (models.User, error) {
	username = strings.TrimSpace(username)

	s.registerMu.Lock()
	defer s.registerMu.Unlock()

	if _, exists := s.registry.GetUserByUsername(ctx, username); exists {
		return models.User{}, fmt.Errorf("%w: %s", ErrDuplicateUsername, username)
	}
	id, err := s.registry.CreateUser(ctx, username)
	if err != nil {
		return models.User{}, fmt.Errorf("create user: %w", err)
	}
	u, ok := s.registry.GetUser(ctx, id)
	if !ok {
		return models.User{}, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	s.loggerFromContext(ctx).Info("user registered", zap.String("user_id", id), zap.String("username", username))
	return u, nil
}

// AddCity attaches a city to the user and fetches its forecast immediately.
// If the fetch fails the city stays registered without a forecast and the
// upstream error is returned.
func (s *WeatherService) AddCity(ctx context.Context, userID, name string, latitude, longitude float64) (models.User, error) {
	u, ok := s.registry.GetUser(ctx, userID)
	if !ok {
		return models.User{}, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	added, err := s.registry.AddCityToUser(ctx, userID, name, latitude, longitude)
	if err != nil {
		return models.User{}, fmt.Errorf("add city: %w", err)
	}
	if !added {
		return models.User{}, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}

	payload, err := s.fetch(ctx, latitude, longitude)
	if err != nil {
		s.loggerFromContext(ctx).Warn("initial forecast fetch failed",
			zap.String("user_id", userID), zap.String("city", name), zap.Error(err))
		return u, err
	}
	if err := s.registry.UpdateCityForecast(ctx, userID, name, latitude, longitude, payload); err != nil {
		return u, fmt.Errorf("store forecast: %w", err)
	}
	s.loggerFromContext(ctx).Info("city added",
		zap.String("user_id", userID), zap.String("city", name),
		zap.Float64("latitude", latitude), zap.Float64("longitude", longitude))
	return u, nil
}

// ListCities returns the user and the names of their cities.
func (s *WeatherService) ListCities(ctx context.Context, userID string) (models.User, []string, error) {
	u, ok := s.registry.GetUser(ctx, userID)
	if !ok {
		return models.User{}, nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	cities := s.registry.GetUserCities(ctx, userID)
	if cities == nil {
		cities = []string{}
	}
	return u, cities, nil
}

// CurrentWeather fetches conditions for arbitrary coordinates without touching the registry.
func (s *WeatherService) CurrentWeather(ctx context.Context, latitude, longitude float64) (forecast.Current, error) {
	payload, err := s.currentPayload(ctx, latitude, longitude)
	if err != nil {
		return forecast.Current{}, err
	}
	p, err := forecast.Decode(payload)
	if err != nil {
		return forecast.Current{}, fmt.Errorf("%w: %v", client.ErrInvalidPayload, err)
	}
	return forecast.FormatCurrent(p, s.cfg.Now()), nil
}

// currentPayload consults the cache before the provider. Cache failures are logged and bypassed.
func (s *WeatherService) currentPayload(ctx context.Context, latitude, longitude float64) (json.RawMessage, error) {
	if s.cache == nil || s.cfg.CacheTTL <= 0 {
		return s.fetch(ctx, latitude, longitude)
	}
	key := cache.CoordinateKey(latitude, longitude)
	logger := s.loggerFromContext(ctx)

	cached, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get").Inc()
		logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
	} else if ok {
		observability.CacheHitsTotal.WithLabelValues("current").Inc()
		logger.Debug("cache hit", zap.String("key", key))
		return cached, nil
	}

	payload, err := s.fetch(ctx, latitude, longitude)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, key, payload, s.cfg.CacheTTL); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("set").Inc()
		logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
	return payload, nil
}

// CityForecast resolves the hourly sample nearest timeParam (or the current
// hour when empty) for one of the user's cities, refreshing a stale forecast first.
func (s *WeatherService) CityForecast(ctx context.Context, userID, cityName, timeParam, params string) (ForecastResult, error) {
	u, ok := s.registry.GetUser(ctx, userID)
	if !ok {
		return ForecastResult{}, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	city, ok := s.registry.GetUserCity(ctx, userID, cityName)
	if !ok {
		return ForecastResult{}, fmt.Errorf("%w: %s", ErrCityNotFound, cityName)
	}

	payload := city.Forecast
	if s.registry.CityNeedsUpdate(ctx, userID, cityName, s.cfg.UpdateInterval) {
		fresh, err := s.RefreshCity(ctx, userID, city)
		if err != nil {
			return ForecastResult{}, err
		}
		payload = fresh
	}
	city.Forecast = payload
	if !city.HasForecast() {
		return ForecastResult{}, fmt.Errorf("%w: %s", ErrForecastUnavailable, cityName)
	}

	p, err := forecast.Decode(payload)
	if err != nil {
		return ForecastResult{}, fmt.Errorf("%w: %v", ErrForecastUnavailable, err)
	}

	isCurrent := timeParam == ""
	target := timeParam
	if isCurrent {
		target = forecast.CurrentHour(p, s.cfg.Now())
	}
	targetTime, err := forecast.ParseTargetTime(target, p.Location())
	if err != nil {
		return ForecastResult{}, err
	}
	h, err := forecast.ResolveHourly(p, targetTime)
	if err != nil {
		if errors.Is(err, forecast.ErrNoTimestamps) {
			return ForecastResult{}, fmt.Errorf("%w: %v", ErrForecastUnavailable, err)
		}
		return ForecastResult{}, err
	}

	return ForecastResult{
		Record:        forecast.FilterParams(h, params),
		UserID:        userID,
		Username:      u.Username,
		City:          cityName,
		RequestedTime: target,
		IsCurrentTime: isCurrent,
	}, nil
}

// RefreshCity fetches and stores a new forecast for the city.
func (s *WeatherService) RefreshCity(ctx context.Context, userID string, city models.City) (json.RawMessage, error) {
	payload, err := s.fetch(ctx, city.Latitude, city.Longitude)
	if err != nil {
		return nil, err
	}
	if err := s.registry.UpdateCityForecast(ctx, userID, city.Name, city.Latitude, city.Longitude, payload); err != nil {
		return nil, fmt.Errorf("store forecast: %w", err)
	}
	return payload, nil
}

// fetch calls the provider, sharing one in-flight request per coordinate pair.
// The shared call is detached from the caller's cancellation so one waiter
// giving up does not fail the others; the client timeout still bounds it.
// Each caller stops waiting on its own ctx.
func (s *WeatherService) fetch(ctx context.Context, latitude, longitude float64) (json.RawMessage, error) {
	key := cache.CoordinateKey(latitude, longitude)
	callCtx := context.WithoutCancel(ctx)
	ch := s.fetches.DoChan(key, func() (interface{}, error) {
		return s.client.Fetch(callCtx, latitude, longitude)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch forecast for %s: %w", key, ctx.Err())
	}
	if res.Shared {
		observability.FetchCoalescedTotal.Inc()
	}
	v, err := res.Val, res.Err
	if err != nil {
		if cat := client.CategorizeError(err); cat != client.ErrorCategoryCanceled {
			observability.WeatherAPIErrorsTotal.WithLabelValues(string(cat)).Inc()
		}
		return nil, fmt.Errorf("fetch forecast for %s: %w", key, err)
	}
	return v.(json.RawMessage), nil
}
