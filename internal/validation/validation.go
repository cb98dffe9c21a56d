// Package validation binds and checks API query parameters.
package validation

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidRequest wraps every binding or validation failure. Handlers map it to 400 INVALID_REQUEST.
var ErrInvalidRequest = errors.New("invalid request")

var validate = validator.New()

// RegisterRequest holds the parameters of POST /users/register.
type RegisterRequest struct {
	Username string `validate:"required,max=100"`
}

// AddCityRequest holds the parameters of POST /users/{user_id}/cities/add.
type AddCityRequest struct {
	Name      string  `validate:"required,max=100"`
	Latitude  float64 `validate:"gte=-90,lte=90"`
	Longitude float64 `validate:"gte=-180,lte=180"`
}

// CoordinatesQuery holds the parameters of GET /weather/current.
type CoordinatesQuery struct {
	Latitude  float64 `validate:"gte=-90,lte=90"`
	Longitude float64 `validate:"gte=-180,lte=180"`
}

// ForecastQuery holds the parameters of GET /users/{user_id}/weather/forecast.
// Time and Params are optional and checked downstream.
type ForecastQuery struct {
	City   string `validate:"required"`
	Time   string
	Params string
}

func ParseRegister(username string) (RegisterRequest, error) {
	req := RegisterRequest{Username: strings.TrimSpace(username)}
	return req, check(req)
}

func ParseAddCity(name, latitude, longitude string) (AddCityRequest, error) {
	lat, err := parseCoordinate("latitude", latitude)
	if err != nil {
		return AddCityRequest{}, err
	}
	lon, err := parseCoordinate("longitude", longitude)
	if err != nil {
		return AddCityRequest{}, err
	}
	req := AddCityRequest{Name: strings.TrimSpace(name), Latitude: lat, Longitude: lon}
	return req, check(req)
}

func ParseCoordinates(latitude, longitude string) (CoordinatesQuery, error) {
	lat, err := parseCoordinate("latitude", latitude)
	if err != nil {
		return CoordinatesQuery{}, err
	}
	lon, err := parseCoordinate("longitude", longitude)
	if err != nil {
		return CoordinatesQuery{}, err
	}
	q := CoordinatesQuery{Latitude: lat, Longitude: lon}
	return q, check(q)
}

// ParseForecast keeps the city name as sent; only surrounding whitespace is
// dropped from the optional time.
func ParseForecast(city, timeParam, params string) (ForecastQuery, error) {
	q := ForecastQuery{City: city, Time: strings.TrimSpace(timeParam), Params: params}
	return q, check(q)
}

func parseCoordinate(field, raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("%w: %s is required", ErrInvalidRequest, field)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidRequest, field)
	}
	return v, nil
}

func check(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// formatValidationError converts validator.ValidationErrors into a readable message.
func formatValidationError(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		field := strings.ToLower(e.Field())
		switch e.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", field))
		case "max":
			messages = append(messages, fmt.Sprintf("%s must be at most %s characters", field, e.Param()))
		case "gte":
			messages = append(messages, fmt.Sprintf("%s must be >= %s", field, e.Param()))
		case "lte":
			messages = append(messages, fmt.Sprintf("%s must be <= %s", field, e.Param()))
		default:
			messages = append(messages, fmt.Sprintf("%s is invalid", field))
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(messages, ", "))
}
