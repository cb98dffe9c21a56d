package forecast

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidTime is returned when a requested time matches none of the accepted layouts.
var ErrInvalidTime = errors.New("invalid time format")

// Layouts carrying an explicit zone ("Z" or a numeric offset).
var zonedLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04Z07:00",
	"2006-01-02 15:04Z07:00",
}

// Naive layouts, interpreted in the forecast's zone. Order matters.
var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02T15",
	"2006-01-02",
}

// LocalLayout is the layout used for generated naive timestamps.
const LocalLayout = "2006-01-02T15:04:05"

// ParseTargetTime parses s as ISO-8601 or one of the fallback layouts.
// Values without a zone are taken to be wall-clock time in loc.
func ParseTargetTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
}

// CurrentHour returns now in the payload's zone, truncated to the hour, as a naive timestamp.
func CurrentHour(p Payload, now time.Time) string {
	local := now.In(p.Location())
	hour := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, local.Location())
	return hour.Format(LocalLayout)
}
