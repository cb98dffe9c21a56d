// Package forecast turns raw Open-Meteo payloads into the records returned by the API.
// Storage keeps payloads opaque; this package owns the typed view of them.
package forecast

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPayload is returned when a stored payload cannot be decoded.
var ErrInvalidPayload = errors.New("invalid forecast payload")

// Payload is the subset of an Open-Meteo forecast response consumed by the formatter.
type Payload struct {
	UTCOffsetSeconds int            `json:"utc_offset_seconds"`
	Timezone         string         `json:"timezone"`
	Current          CurrentSection `json:"current"`
	Hourly           HourlySection  `json:"hourly"`
}

type CurrentSection struct {
	Time               string   `json:"time"`
	Temperature2m      *float64 `json:"temperature_2m"`
	WindSpeed10m       *float64 `json:"wind_speed_10m"`
	PressureMSL        *float64 `json:"pressure_msl"`
	RelativeHumidity2m *float64 `json:"relative_humidity_2m"`
	Precipitation      *float64 `json:"precipitation"`
}

// HourlySection holds index-aligned arrays; entries may be null.
type HourlySection struct {
	Time               []string   `json:"time"`
	Temperature2m      []*float64 `json:"temperature_2m"`
	RelativeHumidity2m []*float64 `json:"relative_humidity_2m"`
	WindSpeed10m       []*float64 `json:"wind_speed_10m"`
	Precipitation      []*float64 `json:"precipitation"`
}

// Decode parses a raw payload into its typed form.
func Decode(raw json.RawMessage) (Payload, error) {
	var p Payload
	if len(raw) == 0 {
		return p, fmt.Errorf("%w: empty", ErrInvalidPayload)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, nil
}

// Location returns the fixed zone the payload's naive timestamps are expressed in.
func (p Payload) Location() *time.Location {
	if p.UTCOffsetSeconds == 0 {
		return time.UTC
	}
	name := p.Timezone
	if name == "" {
		name = fmt.Sprintf("UTC%+d", p.UTCOffsetSeconds/3600)
	}
	return time.FixedZone(name, p.UTCOffsetSeconds)
}

// valueAt returns values[i], or nil when the array is missing, short or null at i.
func valueAt(values []*float64, i int) *float64 {
	if i < 0 || i >= len(values) {
		return nil
	}
	return values[i]
}
