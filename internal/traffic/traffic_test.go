package traffic

import (
	"testing"
	"time"
)

func newTestTracker() (*Tracker, *time.Time) {
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(0)
	tr.now = func() time.Time { return now }
	return tr, &now
}

func TestRequestCount_Empty(t *testing.T) {
	tr, _ := newTestTracker()
	if n := tr.RequestCount(time.Minute); n != 0 {
		t.Errorf("RequestCount() = %d, want 0", n)
	}
}

// TestRecordDenied_AndCounts verifies that denials count toward both
// DenialCount and RequestCount but not toward the error rate.
func TestRecordDenied_AndCounts(t *testing.T) {
	tr, _ := newTestTracker()
	tr.RecordSuccess()
	tr.RecordDenied()
	tr.RecordDenied()
	if n := tr.DenialCount(time.Minute); n != 2 {
		t.Errorf("DenialCount() = %d, want 2", n)
	}
	if n := tr.RequestCount(time.Minute); n != 3 {
		t.Errorf("RequestCount() = %d, want 3", n)
	}
	if errs, total := tr.ErrorRate(time.Minute); errs != 0 || total != 1 {
		t.Errorf("ErrorRate() = (%d, %d), want (0, 1)", errs, total)
	}
}

func TestErrorRate_Window(t *testing.T) {
	tr, now := newTestTracker()
	tr.RecordError()
	*now = now.Add(90 * time.Second)
	tr.RecordSuccess()
	tr.RecordError()

	if errs, total := tr.ErrorRate(time.Minute); errs != 1 || total != 2 {
		t.Errorf("ErrorRate(1m) = (%d, %d), want (1, 2)", errs, total)
	}
	if errs, total := tr.ErrorRate(2 * time.Minute); errs != 2 || total != 3 {
		t.Errorf("ErrorRate(2m) = (%d, %d), want (2, 3)", errs, total)
	}
}

func TestPrune_DropsOldOutcomes(t *testing.T) {
	tr, now := newTestTracker()
	tr.RecordError()
	*now = now.Add(DefaultRetention + time.Second)
	tr.RecordSuccess()
	if len(tr.errorTimes) != 0 {
		t.Errorf("errorTimes = %d entries, want pruned", len(tr.errorTimes))
	}
}

func TestReset(t *testing.T) {
	tr, _ := newTestTracker()
	tr.RecordSuccess()
	tr.RecordDenied()
	tr.Reset()
	if n := tr.RequestCount(time.Hour); n != 0 {
		t.Errorf("RequestCount() after Reset = %d, want 0", n)
	}
}

func TestEvaluate(t *testing.T) {
	th := Thresholds{
		DegradedWindow:       time.Minute,
		DegradedErrorPct:     50,
		OverloadWindow:       10 * time.Second,
		OverloadThresholdPct: 10,
		RateLimitRPS:         5,
	}
	tests := []struct {
		name      string
		successes int
		errors    int
		denied    int
		want      string
	}{
		{"no traffic", 0, 0, 0, StatusHealthy},
		{"mostly ok", 3, 1, 0, StatusHealthy},
		{"half errors", 2, 2, 0, StatusDegraded},
		{"denials at threshold", 5, 0, 5, StatusHealthy},
		{"denials above threshold", 5, 0, 6, StatusOverloaded},
		{"overload wins over degraded", 0, 5, 6, StatusOverloaded},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tr, _ := newTestTracker()
			for i := 0; i < tc.successes; i++ {
				tr.RecordSuccess()
			}
			for i := 0; i < tc.errors; i++ {
				tr.RecordError()
			}
			for i := 0; i < tc.denied; i++ {
				tr.RecordDenied()
			}
			if got, _ := tr.Evaluate(th); got != tc.want {
				t.Errorf("Evaluate() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestEvaluate_DisabledChecks(t *testing.T) {
	tr, _ := newTestTracker()
	for i := 0; i < 10; i++ {
		tr.RecordError()
		tr.RecordDenied()
	}
	if got, _ := tr.Evaluate(Thresholds{}); got != StatusHealthy {
		t.Errorf("Evaluate(zero thresholds) = %s, want healthy", got)
	}
}
