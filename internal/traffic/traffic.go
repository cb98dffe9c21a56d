// Package traffic keeps sliding windows of request outcomes used to derive
// the service health state.
package traffic

import (
	"sync"
	"time"
)

// Health states reported by Evaluate.
const (
	StatusHealthy    = "healthy"
	StatusDegraded   = "degraded"
	StatusOverloaded = "overloaded"
)

// DefaultRetention bounds how long outcomes are kept.
const DefaultRetention = 5 * time.Minute

// Thresholds configure Evaluate. A zero window disables the corresponding check.
type Thresholds struct {
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         float64
}

// Tracker maintains sliding windows of outcome timestamps. Successes and
// errors are upstream-dependent requests; denials are rate-limit rejections.
type Tracker struct {
	mu           sync.Mutex
	retention    time.Duration
	now          func() time.Time
	successTimes []time.Time
	errorTimes   []time.Time
	deniedTimes  []time.Time
}

// NewTracker returns a Tracker keeping outcomes for retention (DefaultRetention if zero).
func NewTracker(retention time.Duration) *Tracker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Tracker{retention: retention, now: time.Now}
}

func (t *Tracker) RecordSuccess() {
	t.recordOutcome(&t.successTimes)
}

func (t *Tracker) RecordError() {
	t.recordOutcome(&t.errorTimes)
}

// RecordDenied records a rate-limit denial (429).
func (t *Tracker) RecordDenied() {
	t.recordOutcome(&t.deniedTimes)
}

func (t *Tracker) recordOutcome(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

// RequestCount returns the total number of outcomes (success + error + denied) within the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	return countInWindow(t.successTimes, cutoff) +
		countInWindow(t.errorTimes, cutoff) +
		countInWindow(t.deniedTimes, cutoff)
}

// DenialCount returns the number of rate-limit denials within the window.
func (t *Tracker) DenialCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return countInWindow(t.deniedTimes, t.now().Add(-window))
}

// ErrorRate returns (errorCount, totalCount) within the window.
// Denials are excluded from the total.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	errCount := countInWindow(t.errorTimes, cutoff)
	return errCount, errCount + countInWindow(t.successTimes, cutoff)
}

func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successTimes = nil
	t.errorTimes = nil
	t.deniedTimes = nil
}

// Evaluate derives a health state from the recorded outcomes. Overload
// (denials above OverloadThresholdPct of the rate-limit capacity over the
// window) takes precedence over degraded (error rate at or above DegradedErrorPct).
func (t *Tracker) Evaluate(th Thresholds) (status, reason string) {
	if th.OverloadWindow > 0 && th.RateLimitRPS > 0 && th.OverloadThresholdPct > 0 {
		capacity := th.RateLimitRPS * th.OverloadWindow.Seconds()
		if float64(t.DenialCount(th.OverloadWindow))*100 > capacity*float64(th.OverloadThresholdPct) {
			return StatusOverloaded, "rate_limit_denials"
		}
	}
	if th.DegradedWindow > 0 && th.DegradedErrorPct > 0 {
		errs, total := t.ErrorRate(th.DegradedWindow)
		if total > 0 && errs*100 >= total*th.DegradedErrorPct {
			return StatusDegraded, "upstream_error_rate"
		}
	}
	return StatusHealthy, ""
}

// countInWindow counts timestamps that are not before the cutoff time.
func countInWindow(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops timestamps older than the retention period. Must be called with mutex held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.retention)
	prune := func(slice *[]time.Time) {
		times := *slice
		i := 0
		for ; i < len(times) && times[i].Before(cutoff); i++ {
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
	prune(&t.successTimes)
	prune(&t.errorTimes)
	prune(&t.deniedTimes)
}
