package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-tracker-service/internal/models"
	"github.com/kjstillabower/weather-tracker-service/internal/observability"
)

// Storage is the in-memory user registry backed by a JSON file.
// A single RWMutex covers both the map and the write-through save, so a
// persisted snapshot always reflects a complete mutation.
type Storage struct {
	mu       sync.RWMutex
	users    map[string]*models.User
	dataFile string
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Storage.
type Option func(*Storage)

// WithClock overrides the time source used for created_at and last_updated.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) { s.now = now }
}

// New returns an empty Storage persisting to dataFile. Call Load to read existing state.
func New(dataFile string, logger *zap.Logger, opts ...Option) *Storage {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Storage{
		users:    make(map[string]*models.User),
		dataFile: dataFile,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load replaces the registry with the contents of the data file.
// A missing or empty file yields an empty registry. Malformed content is
// logged and discarded; the file is overwritten by the next save.
func (s *Storage) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users = make(map[string]*models.User)
	data, err := os.ReadFile(s.dataFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Info("data file not found, starting empty", zap.String("path", s.dataFile))
			return nil
		}
		return fmt.Errorf("read data file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	var file models.RegistryFile
	if err := json.Unmarshal(data, &file); err != nil {
		s.logger.Error("data file is corrupt, starting empty", zap.String("path", s.dataFile), zap.Error(err))
		observability.StorageLoadCorruptTotal.Inc()
		return nil
	}
	for id, u := range file.Users {
		u := u
		if u.UserID == "" {
			u.UserID = id
		}
		if u.Cities == nil {
			u.Cities = make(map[string]models.City)
		}
		s.users[id] = &u
	}
	s.updateGaugesLocked()
	s.logger.Info("registry loaded", zap.String("path", s.dataFile), zap.Int("users", len(s.users)))
	return nil
}

// Save writes the whole registry to the data file.
func (s *Storage) Save(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saveLocked()
}

// Encode returns the persisted representation of the current registry.
func (s *Storage) Encode() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.encodeLocked()
}

func (s *Storage) encodeLocked() ([]byte, error) {
	file := models.RegistryFile{Users: make(map[string]models.User, len(s.users))}
	for id, u := range s.users {
		file.Users[id] = *u
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(file); err != nil {
		return nil, fmt.Errorf("encode registry: %w", err)
	}
	return buf.Bytes(), nil
}

// saveLocked must be called with s.mu held (read or write).
func (s *Storage) saveLocked() error {
	start := time.Now()
	err := s.writeFileLocked()
	observability.StorageSaveDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		observability.StorageSaveErrorsTotal.Inc()
		s.logger.Error("save registry", zap.String("path", s.dataFile), zap.Error(err))
		return err
	}
	return nil
}

func (s *Storage) writeFileLocked() error {
	data, err := s.encodeLocked()
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.dataFile)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.dataFile)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.dataFile); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace data file: %w", err)
	}
	return nil
}

// CreateUser inserts a new user and persists the registry. If the save fails
// the insert is rolled back. Username collisions are the caller's responsibility.
func (s *Storage) CreateUser(ctx context.Context, username string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	s.users[id] = &models.User{
		UserID:    id,
		Username:  username,
		CreatedAt: s.now(),
		Cities:    make(map[string]models.City),
	}
	if err := s.saveLocked(); err != nil {
		delete(s.users, id)
		return "", fmt.Errorf("persist new user: %w", err)
	}
	s.updateGaugesLocked()
	return id, nil
}

// GetUser returns a copy of the user with the given id.
func (s *Storage) GetUser(ctx context.Context, userID string) (models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return models.User{}, false
	}
	return u.Clone(), true
}

// GetUserByUsername scans the registry for a user with the given name.
func (s *Storage) GetUserByUsername(ctx context.Context, username string) (models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Username == username {
			return u.Clone(), true
		}
	}
	return models.User{}, false
}

// AddCityToUser inserts or replaces the named city. Returns false when the user does not exist.
func (s *Storage) AddCityToUser(ctx context.Context, userID, name string, latitude, longitude float64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return false, nil
	}
	u.Cities[name] = models.City{Name: name, Latitude: latitude, Longitude: longitude}
	s.updateGaugesLocked()
	if err := s.saveLocked(); err != nil {
		return true, fmt.Errorf("persist city: %w", err)
	}
	return true, nil
}

// GetUserCities returns the user's city names in sorted order, or nil for an unknown user.
func (s *Storage) GetUserCities(ctx context.Context, userID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(u.Cities))
	for name := range u.Cities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetUserCity returns a copy of the named city.
func (s *Storage) GetUserCity(ctx context.Context, userID, name string) (models.City, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return models.City{}, false
	}
	c, ok := u.Cities[name]
	if !ok {
		return models.City{}, false
	}
	return c.Clone(), true
}

// UpdateCityForecast stores payload for the city and stamps last_updated.
// latitude and longitude are the coordinates the payload was fetched for; if
// the city was re-added elsewhere in the meantime the payload is dropped.
// Unknown users or cities are ignored.
func (s *Storage) UpdateCityForecast(ctx context.Context, userID, name string, latitude, longitude float64, payload json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil
	}
	c, ok := u.Cities[name]
	if !ok {
		return nil
	}
	if c.Latitude != latitude || c.Longitude != longitude {
		s.logger.Debug("dropping forecast for moved city",
			zap.String("user_id", userID), zap.String("city", name))
		return nil
	}
	now := s.now()
	c.Forecast = append(json.RawMessage(nil), payload...)
	c.LastUpdated = &now
	u.Cities[name] = c
	if err := s.saveLocked(); err != nil {
		return fmt.Errorf("persist forecast: %w", err)
	}
	return nil
}

// CityNeedsUpdate reports whether the city has never been fetched or its
// forecast is older than interval. Unknown users or cities report false.
func (s *Storage) CityNeedsUpdate(ctx context.Context, userID, name string, interval time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return false
	}
	c, ok := u.Cities[name]
	if !ok {
		return false
	}
	if c.LastUpdated == nil {
		return true
	}
	return s.now().Sub(*c.LastUpdated) > interval
}

// GetAllUsers returns copies of every user ordered by creation time.
func (s *Storage) GetAllUsers(ctx context.Context) []models.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Stats returns the number of users and tracked cities.
func (s *Storage) Stats() (users, cities int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statsLocked()
}

func (s *Storage) statsLocked() (users, cities int) {
	for _, u := range s.users {
		cities += len(u.Cities)
	}
	return len(s.users), cities
}

func (s *Storage) updateGaugesLocked() {
	users, cities := s.statsLocked()
	observability.RegisteredUsers.Set(float64(users))
	observability.TrackedCities.Set(float64(cities))
}
