package forecast

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxTimeDistance is the largest gap between a requested time and the nearest hourly sample.
const MaxTimeDistance = 12 * time.Hour

var (
	// ErrNoTimestamps is returned when a payload has no hourly time axis.
	ErrNoTimestamps = errors.New("forecast has no hourly timestamps")
	// ErrOutOfRange matches *OutOfRangeError via errors.Is.
	ErrOutOfRange = errors.New("requested time too far from forecast data")
)

// OutOfRangeError reports the nearest available sample when the requested
// time is more than MaxTimeDistance away from every hourly entry.
type OutOfRangeError struct {
	Nearest string
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("%v; nearest available time: %s", ErrOutOfRange, e.Nearest)
}

func (e *OutOfRangeError) Is(target error) bool {
	return target == ErrOutOfRange
}

// Current is the instantaneous section of a payload.
type Current struct {
	Temperature   *float64  `json:"temperature"`
	WindSpeed     *float64  `json:"wind_speed"`
	Pressure      *float64  `json:"pressure"`
	Humidity      *float64  `json:"humidity"`
	Precipitation *float64  `json:"precipitation"`
	Timestamp     time.Time `json:"timestamp"`
}

// Hourly is the sample selected for a requested time.
type Hourly struct {
	Time          string   `json:"time"`
	Temperature   *float64 `json:"temperature"`
	Humidity      *float64 `json:"humidity"`
	WindSpeed     *float64 `json:"wind_speed"`
	Precipitation *float64 `json:"precipitation"`
}

// FormatCurrent extracts the current section. Timestamp is the formatting
// time, not the provider's observation time.
func FormatCurrent(p Payload, now time.Time) Current {
	c := p.Current
	return Current{
		Temperature:   c.Temperature2m,
		WindSpeed:     c.WindSpeed10m,
		Pressure:      c.PressureMSL,
		Humidity:      c.RelativeHumidity2m,
		Precipitation: c.Precipitation,
		Timestamp:     now,
	}
}

// ResolveHourly picks the hourly sample closest to target. On equal
// distances the earliest index wins. Unparseable entries are skipped.
func ResolveHourly(p Payload, target time.Time) (Hourly, error) {
	times := p.Hourly.Time
	if len(times) == 0 {
		return Hourly{}, ErrNoTimestamps
	}

	loc := p.Location()
	best := 0
	found := false
	var minDiff time.Duration
	for i, ts := range times {
		t, err := ParseTargetTime(ts, loc)
		if err != nil {
			continue
		}
		diff := t.Sub(target)
		if diff < 0 {
			diff = -diff
		}
		if !found || diff < minDiff {
			found = true
			minDiff = diff
			best = i
		}
	}
	if !found || minDiff > MaxTimeDistance {
		return Hourly{}, &OutOfRangeError{Nearest: times[best]}
	}

	h := p.Hourly
	return Hourly{
		Time:          times[best],
		Temperature:   valueAt(h.Temperature2m, best),
		Humidity:      valueAt(h.RelativeHumidity2m, best),
		WindSpeed:     valueAt(h.WindSpeed10m, best),
		Precipitation: valueAt(h.Precipitation, best),
	}, nil
}

// Record is a filtered hourly sample keyed by parameter name.
type Record map[string]interface{}

// AllowedParams lists the parameter names FilterParams accepts, in output order.
var AllowedParams = []string{"temperature", "humidity", "wind_speed", "precipitation"}

// FilterParams keeps time plus the requested parameters. An empty params
// string selects every allowed parameter; unknown names are dropped.
func FilterParams(h Hourly, params string) Record {
	values := map[string]*float64{
		"temperature":   h.Temperature,
		"humidity":      h.Humidity,
		"wind_speed":    h.WindSpeed,
		"precipitation": h.Precipitation,
	}
	out := Record{"time": h.Time}
	if params == "" {
		for _, name := range AllowedParams {
			out[name] = values[name]
		}
		return out
	}
	for _, name := range strings.Split(params, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if v, ok := values[name]; ok {
			out[name] = v
		}
	}
	return out
}
