// Package refresh keeps stored forecasts fresh by periodically re-fetching
// every tracked city whose forecast is older than the update interval.
package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/weather-tracker-service/internal/models"
	"github.com/kjstillabower/weather-tracker-service/internal/observability"
)

// Registry is the subset of storage walked by a sweep.
type Registry interface {
	GetAllUsers(ctx context.Context) []models.User
	GetUserCity(ctx context.Context, userID, name string) (models.City, bool)
	CityNeedsUpdate(ctx context.Context, userID, name string, interval time.Duration) bool
}

// CityRefresher fetches and stores a new forecast for one city.
// Implemented by service.WeatherService.
type CityRefresher interface {
	RefreshCity(ctx context.Context, userID string, city models.City) (json.RawMessage, error)
}

// SweepResult counts the cities visited by one sweep.
type SweepResult struct {
	Checked   int
	Refreshed int
	Failed    int
}

type Refresher struct {
	registry    Registry
	refresher   CityRefresher
	interval    time.Duration
	concurrency int
	logger      *zap.Logger
}

// New returns a Refresher. concurrency below 1 is treated as 1.
func New(registry Registry, refresher CityRefresher, interval time.Duration, concurrency int, logger *zap.Logger) *Refresher {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{
		registry:    registry,
		refresher:   refresher,
		interval:    interval,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run sweeps immediately, then again every interval until ctx is done.
// It returns ctx.Err(); callers treat context.Canceled as a normal stop.
func (r *Refresher) Run(ctx context.Context) error {
	r.logger.Info("refresh loop started", zap.Duration("interval", r.interval), zap.Int("concurrency", r.concurrency))
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("refresh loop stopped")
			return ctx.Err()
		case <-timer.C:
			r.RunOnce(ctx)
			timer.Reset(r.interval)
		}
	}
}

type cityRef struct {
	userID string
	name   string
}

// RunOnce performs one sweep. Per-city failures are logged and counted and
// never abort the sweep; cancellation stops it before the next city starts.
func (r *Refresher) RunOnce(ctx context.Context) SweepResult {
	start := time.Now()
	observability.RefreshSweepsTotal.Inc()

	var targets []cityRef
	for _, u := range r.registry.GetAllUsers(ctx) {
		for name := range u.Cities {
			targets = append(targets, cityRef{userID: u.UserID, name: name})
		}
	}

	var checked, refreshed, failed int64
	g := new(errgroup.Group)
	g.SetLimit(r.concurrency)
	for _, ref := range targets {
		if ctx.Err() != nil {
			break
		}
		ref := ref
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			atomic.AddInt64(&checked, 1)
			if !r.registry.CityNeedsUpdate(ctx, ref.userID, ref.name, r.interval) {
				observability.RefreshCitiesTotal.WithLabelValues("fresh").Inc()
				return nil
			}
			city, ok := r.registry.GetUserCity(ctx, ref.userID, ref.name)
			if !ok {
				return nil
			}
			if _, err := r.refresher.RefreshCity(ctx, ref.userID, city); err != nil {
				if errors.Is(err, context.Canceled) && ctx.Err() != nil {
					return nil
				}
				atomic.AddInt64(&failed, 1)
				observability.RefreshCitiesTotal.WithLabelValues("failed").Inc()
				r.logger.Warn("forecast refresh failed",
					zap.String("user_id", ref.userID), zap.String("city", ref.name), zap.Error(err))
				return nil
			}
			atomic.AddInt64(&refreshed, 1)
			observability.RefreshCitiesTotal.WithLabelValues("refreshed").Inc()
			return nil
		})
	}
	_ = g.Wait()

	res := SweepResult{Checked: int(checked), Refreshed: int(refreshed), Failed: int(failed)}
	duration := time.Since(start)
	observability.RefreshSweepDuration.Observe(duration.Seconds())
	r.logger.Info("refresh sweep complete",
		zap.Int("checked", res.Checked), zap.Int("refreshed", res.Refreshed),
		zap.Int("failed", res.Failed), zap.Duration("duration", duration))
	return res
}
