package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// City is a named location tracked by a user. Forecast holds the last raw
// provider payload verbatim; it is decoded only where fields are consumed.
type City struct {
	Name        string          `json:"name"`
	Latitude    float64         `json:"latitude"`
	Longitude   float64         `json:"longitude"`
	LastUpdated *time.Time      `json:"last_updated,omitempty"`
	Forecast    json.RawMessage `json:"forecast,omitempty"`
}

// HasForecast reports whether a non-empty payload has been stored.
func (c City) HasForecast() bool {
	switch string(c.Forecast) {
	case "", "null", "{}":
		return false
	}
	return true
}

// Clone returns a copy that shares no mutable state with c.
func (c City) Clone() City {
	out := c
	if c.LastUpdated != nil {
		t := *c.LastUpdated
		out.LastUpdated = &t
	}
	if c.Forecast != nil {
		out.Forecast = append(json.RawMessage(nil), c.Forecast...)
	}
	return out
}

type User struct {
	UserID    string          `json:"user_id"`
	Username  string          `json:"username"`
	CreatedAt time.Time       `json:"created_at"`
	Cities    map[string]City `json:"cities"`
}

// Clone returns a deep copy of u.
func (u User) Clone() User {
	out := u
	out.Cities = make(map[string]City, len(u.Cities))
	for name, c := range u.Cities {
		out.Cities[name] = c.Clone()
	}
	return out
}

// UnmarshalJSON accepts last_updated as RFC 3339 or a naive ISO-8601 timestamp.
func (c *City) UnmarshalJSON(data []byte) error {
	type alias City
	aux := struct {
		*alias
		LastUpdated *string `json:"last_updated"`
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c.LastUpdated = nil
	if aux.LastUpdated != nil && *aux.LastUpdated != "" {
		t, err := ParseTimestamp(*aux.LastUpdated)
		if err != nil {
			return fmt.Errorf("city %q last_updated: %w", c.Name, err)
		}
		c.LastUpdated = &t
	}
	return nil
}

// UnmarshalJSON accepts created_at as RFC 3339 or a naive ISO-8601 timestamp.
func (u *User) UnmarshalJSON(data []byte) error {
	type alias User
	aux := struct {
		*alias
		CreatedAt string `json:"created_at"`
	}{alias: (*alias)(u)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	u.CreatedAt = time.Time{}
	if aux.CreatedAt != "" {
		t, err := ParseTimestamp(aux.CreatedAt)
		if err != nil {
			return fmt.Errorf("user %q created_at: %w", u.UserID, err)
		}
		u.CreatedAt = t
	}
	return nil
}

// Layouts for timestamps written without a zone. Fractional seconds are
// accepted after the seconds field by time.Parse.
var naiveTimestampLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
}

// ParseTimestamp parses RFC 3339 first, then naive ISO-8601 in the local zone.
// Values are saved back in RFC 3339.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range naiveTimestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// RegistryFile is the on-disk envelope of the user registry.
type RegistryFile struct {
	Users map[string]User `json:"users"`
}
