package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-tracker-service/internal/observability"
	"github.com/kjstillabower/weather-tracker-service/internal/traffic"
)

// RouterConfig holds the cross-cutting settings applied to API routes.
type RouterConfig struct {
	Logger         *zap.Logger
	Limiter        *rate.Limiter
	Tracker        *traffic.Tracker
	RequestTimeout time.Duration
}

// NewRouter registers every route. /health and /metrics bypass the rate limiter and timeout.
func NewRouter(h *Handler, cfg RouterConfig) *mux.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	api := router.PathPrefix("/").Subrouter()
	api.Use(RateLimitMiddleware(cfg.Limiter, cfg.Tracker))
	api.Use(TimeoutMiddleware(cfg.RequestTimeout))
	api.HandleFunc("/", h.GetIndex).Methods(http.MethodGet)
	api.HandleFunc("/users/register", h.PostRegister).Methods(http.MethodPost)
	api.HandleFunc("/users/{user_id}/cities/add", h.PostAddCity).Methods(http.MethodPost)
	api.HandleFunc("/users/{user_id}/cities/list", h.GetCities).Methods(http.MethodGet)
	api.HandleFunc("/users/{user_id}/weather/forecast", h.GetForecast).Methods(http.MethodGet)
	api.HandleFunc("/weather/current", h.GetCurrentWeather).Methods(http.MethodGet)
	return router
}
