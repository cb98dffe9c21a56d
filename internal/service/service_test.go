package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/weather-tracker-service/internal/cache"
	"github.com/kjstillabower/weather-tracker-service/internal/client"
	"github.com/kjstillabower/weather-tracker-service/internal/forecast"
	"github.com/kjstillabower/weather-tracker-service/internal/storage"
)

// parisPayload is a one-hour-granularity Open-Meteo payload in Europe/Paris (UTC+1).
const parisPayload = `{
 "latitude": 48.86, "longitude": 2.36, "utc_offset_seconds": 3600, "timezone": "Europe/Paris",
 "current": {"time": "2024-01-15T13:15", "temperature_2m": 7.5, "wind_speed_10m": 12.1,
   "pressure_msl": 1013.2, "relative_humidity_2m": 81, "precipitation": 0.1},
 "hourly": {
   "time": ["2024-01-15T12:00", "2024-01-15T13:00", "2024-01-15T14:00"],
   "temperature_2m": [7.1, 7.4, 7.9],
   "relative_humidity_2m": [83, 81, 78],
   "wind_speed_10m": [11.0, 12.0, 13.5],
   "precipitation": [0.0, 0.1, 0.0]
 }}`

type mockWeatherClient struct {
	mu      sync.Mutex
	payload json.RawMessage
	err     error
	calls   int32
	block   chan struct{}
}

func (m *mockWeatherClient) Fetch(ctx context.Context, latitude, longitude float64) (json.RawMessage, error) {
	atomic.AddInt32(&m.calls, 1)
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.payload, nil
}

func (m *mockWeatherClient) Ping(ctx context.Context) error { return nil }

func (m *mockWeatherClient) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *mockWeatherClient) Calls() int {
	return int(atomic.LoadInt32(&m.calls))
}

type mockCache struct {
	data map[string]json.RawMessage
	err  error
	sets int
}

func (m *mockCache) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if m.err != nil {
		return nil, false, m.err
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mockCache) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if m.err != nil {
		return m.err
	}
	if m.data == nil {
		m.data = make(map[string]json.RawMessage)
	}
	m.data[key] = value
	m.sets++
	return nil
}

type testEnv struct {
	svc    *WeatherService
	store  *storage.Storage
	client *mockWeatherClient
	now    *time.Time
}

func newTestEnv(t *testing.T, wc cache.Cache) *testEnv {
	t.Helper()
	now := time.Date(2024, 1, 15, 12, 20, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := storage.New(filepath.Join(t.TempDir(), "weather_data.json"), nil, storage.WithClock(clock))
	if err := store.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	mc := &mockWeatherClient{payload: json.RawMessage(parisPayload)}
	svc := NewWeatherService(store, mc, wc, Config{
		UpdateInterval: 15 * time.Minute,
		CacheTTL:       time.Minute,
		Now:            clock,
	}, nil)
	return &testEnv{svc: svc, store: store, client: mc, now: &now}
}

func TestWeatherService_RegisterUser(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	u, err := env.svc.RegisterUser(ctx, "alice")
	if err != nil {
		t.Fatalf("RegisterUser() error = %v", err)
	}
	if u.Username != "alice" || u.UserID == "" || u.CreatedAt.IsZero() {
		t.Errorf("RegisterUser() = %+v", u)
	}

	_, err = env.svc.RegisterUser(ctx, "alice")
	if !errors.Is(err, ErrDuplicateUsername) {
		t.Errorf("second RegisterUser() error = %v, want ErrDuplicateUsername", err)
	}
	if users, _ := env.store.Stats(); users != 1 {
		t.Errorf("users = %d, want 1 after duplicate", users)
	}
}

func TestWeatherService_RegisterUser_ConcurrentDuplicates(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	var ok, dup int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.RegisterUser(ctx, "bob")
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, ErrDuplicateUsername):
				atomic.AddInt32(&dup, 1)
			}
		}()
	}
	wg.Wait()
	if ok != 1 || dup != 9 {
		t.Errorf("successes = %d, duplicates = %d; want 1 and 9", ok, dup)
	}
}

func TestWeatherService_AddCity(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	u, _ := env.svc.RegisterUser(ctx, "alice")

	if _, err := env.svc.AddCity(ctx, "missing", "Paris", 48.85, 2.35); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("AddCity(unknown user) error = %v, want ErrUserNotFound", err)
	}

	got, err := env.svc.AddCity(ctx, u.UserID, "Paris", 48.85, 2.35)
	if err != nil {
		t.Fatalf("AddCity() error = %v", err)
	}
	if got.Username != "alice" {
		t.Errorf("AddCity() user = %+v", got)
	}
	city, ok := env.store.GetUserCity(ctx, u.UserID, "Paris")
	if !ok || !city.HasForecast() || city.LastUpdated == nil {
		t.Errorf("AddCity() should store an immediate forecast, got %+v", city)
	}
	if env.client.Calls() != 1 {
		t.Errorf("upstream calls = %d, want 1", env.client.Calls())
	}
}

func TestWeatherService_AddCity_UpstreamFailureKeepsCity(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	u, _ := env.svc.RegisterUser(ctx, "alice")
	env.client.setErr(fmt.Errorf("%w: HTTP 502", client.ErrUpstreamFailure))

	_, err := env.svc.AddCity(ctx, u.UserID, "Paris", 48.85, 2.35)
	if !errors.Is(err, client.ErrUpstreamFailure) {
		t.Fatalf("AddCity() error = %v, want ErrUpstreamFailure", err)
	}
	city, ok := env.store.GetUserCity(ctx, u.UserID, "Paris")
	if !ok {
		t.Fatal("city should stay registered after failed fetch")
	}
	if city.HasForecast() || city.LastUpdated != nil {
		t.Errorf("city should have no forecast, got %+v", city)
	}
}

func TestWeatherService_ListCities(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	u, _ := env.svc.RegisterUser(ctx, "alice")

	_, cities, err := env.svc.ListCities(ctx, u.UserID)
	if err != nil || cities == nil || len(cities) != 0 {
		t.Errorf("ListCities() on empty user = %v, %v", cities, err)
	}

	_, _ = env.svc.AddCity(ctx, u.UserID, "Paris", 48.85, 2.35)
	_, _ = env.svc.AddCity(ctx, u.UserID, "Berlin", 52.52, 13.4)
	got, cities, err := env.svc.ListCities(ctx, u.UserID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Username != "alice" || len(cities) != 2 || cities[0] != "Berlin" || cities[1] != "Paris" {
		t.Errorf("ListCities() = %s, %v", got.Username, cities)
	}

	if _, _, err := env.svc.ListCities(ctx, "missing"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("ListCities(unknown) error = %v", err)
	}
}

func TestWeatherService_CurrentWeather(t *testing.T) {
	env := newTestEnv(t, nil)
	cur, err := env.svc.CurrentWeather(context.Background(), 48.85, 2.35)
	if err != nil {
		t.Fatalf("CurrentWeather() error = %v", err)
	}
	if cur.Temperature == nil || *cur.Temperature != 7.5 {
		t.Errorf("temperature = %v, want 7.5", cur.Temperature)
	}
	if cur.Pressure == nil || *cur.Pressure != 1013.2 {
		t.Errorf("pressure = %v, want 1013.2", cur.Pressure)
	}
	if !cur.Timestamp.Equal(*env.now) {
		t.Errorf("timestamp = %v, want formatting time %v", cur.Timestamp, *env.now)
	}
	if users, _ := env.store.Stats(); users != 0 {
		t.Error("CurrentWeather must not touch the registry")
	}
}

func TestWeatherService_CurrentWeather_UsesCache(t *testing.T) {
	mc := &mockCache{}
	env := newTestEnv(t, mc)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := env.svc.CurrentWeather(ctx, 48.85661, 2.35222); err != nil {
			t.Fatal(err)
		}
	}
	if env.client.Calls() != 1 {
		t.Errorf("upstream calls = %d, want 1 with cache", env.client.Calls())
	}
	if _, ok := mc.data["48.8566,2.3522"]; !ok {
		t.Errorf("cache keys = %v, want rounded coordinate key", mc.data)
	}
}

func TestWeatherService_CurrentWeather_CacheErrorFallsThrough(t *testing.T) {
	env := newTestEnv(t, &mockCache{err: errors.New("memcache: connection refused")})
	if _, err := env.svc.CurrentWeather(context.Background(), 1, 2); err != nil {
		t.Errorf("CurrentWeather() error = %v, want upstream result despite cache failure", err)
	}
}

func TestWeatherService_CurrentWeather_UpstreamError(t *testing.T) {
	env := newTestEnv(t, nil)
	env.client.setErr(client.ErrRateLimited)
	_, err := env.svc.CurrentWeather(context.Background(), 1, 2)
	if !errors.Is(err, client.ErrRateLimited) {
		t.Errorf("CurrentWeather() error = %v, want ErrRateLimited", err)
	}
}

// TestWeatherService_EndToEnd registers alice, adds Paris and reads the
// forecast for the current hour without a time parameter.
func TestWeatherService_EndToEnd(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	u, err := env.svc.RegisterUser(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.AddCity(ctx, u.UserID, "Paris", 48.85, 2.35); err != nil {
		t.Fatal(err)
	}

	res, err := env.svc.CityForecast(ctx, u.UserID, "Paris", "", "")
	if err != nil {
		t.Fatalf("CityForecast() error = %v", err)
	}
	// 12:20 UTC is 13:20 in the payload's +01:00 zone.
	if res.RequestedTime != "2024-01-15T13:00:00" {
		t.Errorf("requested_time = %q, want 2024-01-15T13:00:00", res.RequestedTime)
	}
	if !res.IsCurrentTime {
		t.Error("is_current_time = false, want true")
	}
	if res.Record["time"] != "2024-01-15T13:00" {
		t.Errorf("time = %v, want 2024-01-15T13:00", res.Record["time"])
	}
	if temp, ok := res.Record["temperature"].(*float64); !ok || temp == nil || *temp != 7.4 {
		t.Errorf("temperature = %v, want 7.4", res.Record["temperature"])
	}
	if res.UserID != u.UserID || res.Username != "alice" || res.City != "Paris" {
		t.Errorf("metadata = %+v", res)
	}
	if env.client.Calls() != 1 {
		t.Errorf("upstream calls = %d, want 1 (fresh forecast reused)", env.client.Calls())
	}
}

func TestWeatherService_CityForecast_ExplicitTimeAndParams(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	u, _ := env.svc.RegisterUser(ctx, "alice")
	_, _ = env.svc.AddCity(ctx, u.UserID, "Paris", 48.85, 2.35)

	res, err := env.svc.CityForecast(ctx, u.UserID, "Paris", "2024-01-15T13:40:00", "humidity, BOGUS")
	if err != nil {
		t.Fatalf("CityForecast() error = %v", err)
	}
	if res.IsCurrentTime || res.RequestedTime != "2024-01-15T13:40:00" {
		t.Errorf("requested_time = %q, is_current_time = %v", res.RequestedTime, res.IsCurrentTime)
	}
	if res.Record["time"] != "2024-01-15T14:00" {
		t.Errorf("time = %v, want nearest 14:00", res.Record["time"])
	}
	if _, ok := res.Record["humidity"]; !ok {
		t.Error("humidity missing")
	}
	if _, ok := res.Record["temperature"]; ok {
		t.Error("temperature should be filtered out")
	}
	if len(res.Record) != 2 {
		t.Errorf("record = %v, want time and humidity only", res.Record)
	}
}

func TestWeatherService_CityForecast_Errors(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	u, _ := env.svc.RegisterUser(ctx, "alice")
	_, _ = env.svc.AddCity(ctx, u.UserID, "Paris", 48.85, 2.35)

	tests := []struct {
		name    string
		userID  string
		city    string
		time    string
		wantErr error
	}{
		{"unknown user", "missing", "Paris", "", ErrUserNotFound},
		{"unknown city", u.UserID, "Rome", "", ErrCityNotFound},
		{"bad time", u.UserID, "Paris", "yesterday", forecast.ErrInvalidTime},
		{"out of range", u.UserID, "Paris", "2024-01-16T14:00:00", forecast.ErrOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.CityForecast(ctx, tt.userID, tt.city, tt.time, "")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("CityForecast() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	_, err := env.svc.CityForecast(ctx, u.UserID, "Paris", "2024-01-16T14:00:00", "")
	var oor *forecast.OutOfRangeError
	if !errors.As(err, &oor) || oor.Nearest != "2024-01-15T14:00" {
		t.Errorf("out-of-range nearest = %v, want 2024-01-15T14:00", err)
	}
}

func TestWeatherService_CityForecast_StaleRefetches(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	u, _ := env.svc.RegisterUser(ctx, "alice")
	_, _ = env.svc.AddCity(ctx, u.UserID, "Paris", 48.85, 2.35)

	*env.now = env.now.Add(16 * time.Minute)
	if _, err := env.svc.CityForecast(ctx, u.UserID, "Paris", "2024-01-15T13:00", ""); err != nil {
		t.Fatal(err)
	}
	if env.client.Calls() != 2 {
		t.Errorf("upstream calls = %d, want 2 after staleness", env.client.Calls())
	}

	env.client.setErr(client.ErrUpstreamFailure)
	*env.now = env.now.Add(16 * time.Minute)
	_, err := env.svc.CityForecast(ctx, u.UserID, "Paris", "2024-01-15T13:00", "")
	if !errors.Is(err, client.ErrUpstreamFailure) {
		t.Errorf("CityForecast() with stale data and failing upstream error = %v", err)
	}
}

func TestWeatherService_CityForecast_Unavailable(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	u, _ := env.svc.RegisterUser(ctx, "alice")
	_, _ = env.store.AddCityToUser(ctx, u.UserID, "Paris", 48.85, 2.35)
	env.client.payload = json.RawMessage(`{}`)

	_, err := env.svc.CityForecast(ctx, u.UserID, "Paris", "", "")
	if !errors.Is(err, ErrForecastUnavailable) {
		t.Errorf("CityForecast() error = %v, want ErrForecastUnavailable", err)
	}

	env.client.payload = json.RawMessage(`{"hourly": {"time": []}}`)
	*env.now = env.now.Add(time.Hour)
	_, err = env.svc.CityForecast(ctx, u.UserID, "Paris", "", "")
	if !errors.Is(err, ErrForecastUnavailable) {
		t.Errorf("CityForecast() with no timestamps error = %v, want ErrForecastUnavailable", err)
	}
}

func TestWeatherService_FetchCoalescing(t *testing.T) {
	env := newTestEnv(t, nil)
	env.client.block = make(chan struct{})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.CurrentWeather(ctx, 48.85, 2.35)
			errs <- err
		}()
	}
	for env.client.Calls() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(env.client.block)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("CurrentWeather() error = %v", err)
		}
	}
	if env.client.Calls() != 1 {
		t.Errorf("upstream calls = %d, want 1 for coalesced requests", env.client.Calls())
	}
}

func TestWeatherService_Fetch_CanceledLeaderDoesNotFailFollowers(t *testing.T) {
	env := newTestEnv(t, nil)
	env.client.block = make(chan struct{})

	leaderCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	leaderErr := make(chan error, 1)
	go func() {
		_, err := env.svc.CurrentWeather(leaderCtx, 48.85, 2.35)
		leaderErr <- err
	}()
	for env.client.Calls() == 0 {
		time.Sleep(time.Millisecond)
	}

	followerErr := make(chan error, 1)
	go func() {
		_, err := env.svc.CurrentWeather(context.Background(), 48.85, 2.35)
		followerErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-leaderErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("leader error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("canceled leader kept waiting for the shared fetch")
	}

	close(env.client.block)
	select {
	case err := <-followerErr:
		if err != nil {
			t.Errorf("follower with live context error = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("follower never returned")
	}
	if env.client.Calls() != 1 {
		t.Errorf("upstream calls = %d, want 1", env.client.Calls())
	}
}

func TestWeatherService_RegisterUser_FailedSaveAllowsRetry(t *testing.T) {
	dir := t.TempDir()
	store := storage.New(filepath.Join(dir, "missing", "weather_data.json"), nil)
	svc := NewWeatherService(store, &mockWeatherClient{}, nil, Config{UpdateInterval: time.Minute}, nil)
	ctx := context.Background()

	if _, err := svc.RegisterUser(ctx, "alice"); err == nil {
		t.Fatal("RegisterUser() expected save error")
	}
	_, err := svc.RegisterUser(ctx, "alice")
	if errors.Is(err, ErrDuplicateUsername) {
		t.Errorf("retry after failed save reported duplicate: %v", err)
	}
}
