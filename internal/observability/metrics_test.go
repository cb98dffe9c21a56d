package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestMetrics_Usable verifies that label dimensions match usage in client, http,
// service, refresh and storage packages.
func TestMetrics_Usable(t *testing.T) {
	HTTPRequestsTotal.WithLabelValues("GET", "/users/{user_id}/weather/forecast", "2xx").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/users/{user_id}/weather/forecast").Observe(0.01)
	WeatherAPICallsTotal.WithLabelValues("success").Inc()
	WeatherAPIDuration.WithLabelValues("success").Observe(0.1)
	WeatherAPIErrorsTotal.WithLabelValues("timeout").Inc()
	CacheHitsTotal.WithLabelValues("current").Inc()
	CacheErrorsTotal.WithLabelValues("get").Inc()
	RefreshCitiesTotal.WithLabelValues("refreshed").Inc()
	RefreshSweepDuration.Observe(1)
	StorageSaveDuration.Observe(0.002)
	RegisteredUsers.Set(1)
	TrackedCities.Set(2)
}

// TestMetricsHandler_ServesPrometheusFormat verifies that MetricsHandler serves
// Prometheus text exposition format.
func TestMetricsHandler_ServesPrometheusFormat(t *testing.T) {
	HTTPRequestsTotal.WithLabelValues("GET", "/health", "2xx").Inc()

	handler := MetricsHandler()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("MetricsHandler status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{"httpRequestsTotal", "registeredUsers", "storageSaveErrorsTotal"} {
		if !strings.Contains(body, name) {
			t.Errorf("MetricsHandler response missing %s", name)
		}
	}
}
