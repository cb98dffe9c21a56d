package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-tracker-service/internal/client"
	"github.com/kjstillabower/weather-tracker-service/internal/forecast"
	"github.com/kjstillabower/weather-tracker-service/internal/lifecycle"
	"github.com/kjstillabower/weather-tracker-service/internal/observability"
	"github.com/kjstillabower/weather-tracker-service/internal/service"
	"github.com/kjstillabower/weather-tracker-service/internal/traffic"
	"github.com/kjstillabower/weather-tracker-service/internal/validation"
)

// Version is reported by / and /health.
var Version = "1.0.0"

// HealthConfig holds the inputs of the health handler.
type HealthConfig struct {
	Thresholds traffic.Thresholds
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
	// UpstreamPing, when set, checks the weather provider is reachable. A failure reports degraded.
	UpstreamPing func(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	weatherService   *service.WeatherService
	tracker          *traffic.Tracker
	healthConfig     HealthConfig
	logger           *zap.Logger
	now              func() time.Time
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

func NewHandler(weatherService *service.WeatherService, tracker *traffic.Tracker, healthConfig HealthConfig, logger *zap.Logger) *Handler {
	if tracker == nil {
		tracker = traffic.NewTracker(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		weatherService: weatherService,
		tracker:        tracker,
		healthConfig:   healthConfig,
		logger:         logger,
		now:            time.Now,
	}
}

// GetIndex handles GET /.
func (h *Handler) GetIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":     "Weather API",
		"version":     Version,
		"description": "Multi-user weather tracking with hourly forecasts",
		"endpoints": map[string]string{
			"GET /weather/current":                  "Current weather by coordinates",
			"POST /users/register":                  "Register a new user",
			"POST /users/{user_id}/cities/add":      "Add a city to a user's list",
			"GET /users/{user_id}/cities/list":      "List a user's cities",
			"GET /users/{user_id}/weather/forecast": "Hourly forecast for one of a user's cities",
		},
	})
}

// PostRegister handles POST /users/register?username=.
func (h *Handler) PostRegister(w http.ResponseWriter, r *http.Request) {
	req, err := validation.ParseRegister(r.URL.Query().Get("username"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	u, err := h.weatherService.RegisterUser(r.Context(), req.Username)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":    "User " + u.Username + " registered successfully",
		"username":   u.Username,
		"user_id":    u.UserID,
		"created_at": u.CreatedAt.Format(time.RFC3339Nano),
	})
}

// PostAddCity handles POST /users/{user_id}/cities/add?name&latitude&longitude.
func (h *Handler) PostAddCity(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	q := r.URL.Query()
	req, err := validation.ParseAddCity(q.Get("name"), q.Get("latitude"), q.Get("longitude"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	u, err := h.weatherService.AddCity(r.Context(), userID, req.Name, req.Latitude, req.Longitude)
	h.recordOutcome(err)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":     "City " + req.Name + " added for weather tracking by user " + u.Username,
		"user_id":     userID,
		"username":    u.Username,
		"city":        req.Name,
		"coordinates": coordinates(req.Latitude, req.Longitude),
	})
}

// GetCities handles GET /users/{user_id}/cities/list.
func (h *Handler) GetCities(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	u, cities, err := h.weatherService.ListCities(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":  userID,
		"username": u.Username,
		"cities":   cities,
		"count":    len(cities),
	})
}

// GetCurrentWeather handles GET /weather/current?latitude&longitude.
func (h *Handler) GetCurrentWeather(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req, err := validation.ParseCoordinates(q.Get("latitude"), q.Get("longitude"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	cur, err := h.weatherService.CurrentWeather(r.Context(), req.Latitude, req.Longitude)
	h.recordOutcome(err)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"temperature":   cur.Temperature,
		"wind_speed":    cur.WindSpeed,
		"pressure":      cur.Pressure,
		"humidity":      cur.Humidity,
		"precipitation": cur.Precipitation,
		"coordinates":   coordinates(req.Latitude, req.Longitude),
		"timestamp":     cur.Timestamp.Format(time.RFC3339Nano),
	})
}

// GetForecast handles GET /users/{user_id}/weather/forecast?city&time&params.
func (h *Handler) GetForecast(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	q := r.URL.Query()
	req, err := validation.ParseForecast(q.Get("city"), q.Get("time"), q.Get("params"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	res, err := h.weatherService.CityForecast(r.Context(), userID, req.City, req.Time, req.Params)
	h.recordOutcome(err)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	body := make(map[string]interface{}, len(res.Record)+5)
	for k, v := range res.Record {
		body[k] = v
	}
	body["user_id"] = res.UserID
	body["username"] = res.Username
	body["city"] = res.City
	body["requested_time"] = res.RequestedTime
	body["is_current_time"] = res.IsCurrentTime
	writeJSON(w, http.StatusOK, body)
}

func coordinates(lat, lon float64) map[string]float64 {
	return map[string]float64{"latitude": lat, "longitude": lon}
}

// recordOutcome feeds the health tracker with the result of an upstream-dependent request.
// Client-side errors (validation, unknown ids) are not counted.
func (h *Handler) recordOutcome(err error) {
	switch {
	case err == nil:
		h.tracker.RecordSuccess()
	case client.IsUpstreamError(err), errors.Is(err, context.DeadlineExceeded):
		h.tracker.RecordError()
	}
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result, upstreamOK := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"weatherApi": "healthy"}
	if !upstreamOK || result.status == traffic.StatusDegraded {
		checks["weatherApi"] = "unhealthy"
	}
	if h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing() == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}
	now := h.now()
	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":         result.status,
		"service":        observability.ServiceName,
		"version":        Version,
		"checks":         checks,
		"uptime_seconds": int64(lifecycle.Uptime(now).Seconds()),
		"timestamp":      now.UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > overloaded > degraded > healthy. The upstream ping is
// skipped while shutting down.
func (h *Handler) computeHealthStatus(ctx context.Context) (healthResult, bool) {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}, true
	}
	upstreamOK := true
	if h.healthConfig.UpstreamPing != nil {
		if err := h.healthConfig.UpstreamPing(ctx); err != nil {
			upstreamOK = false
			observability.LoggerFromContext(ctx, h.logger).Debug("upstream ping failed", zap.Error(err))
		}
	}
	status, reason := h.tracker.Evaluate(h.healthConfig.Thresholds)
	if status == traffic.StatusHealthy && !upstreamOK {
		status, reason = traffic.StatusDegraded, "upstream_unreachable"
	}
	if status == traffic.StatusHealthy {
		return healthResult{status, http.StatusOK, ""}, true
	}
	return healthResult{status, http.StatusServiceUnavailable, reason}, upstreamOK
}

// writeJSON writes v as JSON with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the standard error envelope. extra fields are merged into the error object.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, extra ...map[string]string) {
	body := map[string]string{
		"code":      code,
		"message":   message,
		"requestId": client.CorrelationID(r.Context()),
	}
	for _, e := range extra {
		for k, v := range e {
			body[k] = v
		}
	}
	writeJSON(w, status, map[string]interface{}{"error": body})
}

// writeServiceError maps domain errors to HTTP responses.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	logger := observability.LoggerFromContext(r.Context(), h.logger)
	var outOfRange *forecast.OutOfRangeError
	switch {
	case errors.Is(err, validation.ErrInvalidRequest):
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, service.ErrDuplicateUsername):
		writeError(w, r, http.StatusBadRequest, "DUPLICATE_USERNAME", err.Error())
	case errors.Is(err, service.ErrUserNotFound):
		writeError(w, r, http.StatusNotFound, "USER_NOT_FOUND", err.Error())
	case errors.Is(err, service.ErrCityNotFound):
		writeError(w, r, http.StatusNotFound, "CITY_NOT_FOUND", err.Error())
	case errors.Is(err, service.ErrForecastUnavailable):
		writeError(w, r, http.StatusNotFound, "FORECAST_UNAVAILABLE", err.Error())
	case errors.Is(err, forecast.ErrInvalidTime):
		writeError(w, r, http.StatusBadRequest, "INVALID_TIME", err.Error())
	case errors.As(err, &outOfRange):
		writeError(w, r, http.StatusBadRequest, "TIME_OUT_OF_RANGE", err.Error(),
			map[string]string{"nearest": outOfRange.Nearest})
	case client.IsUpstreamError(err), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		logger.Debug("upstream error", zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch weather data")
	default:
		logger.Error("unhandled error", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
	}
}
