package station

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/leezencounter/leezen/internal/model"
)

// CreateInput is the payload for creating a station. Numeric fields are
// pointers so that a missing value is distinguishable from zero.
type CreateInput struct {
	Name                string   `json:"name" yaml:"name"`
	Address             string   `json:"address" yaml:"address"`
	Postcode            string   `json:"postcode" yaml:"postcode"`
	City                string   `json:"city" yaml:"city"`
	TTNLocationKey      string   `json:"ttn_location_key" yaml:"ttn_location_key"`
	Latitude            *float64 `json:"latitude" yaml:"latitude"`
	Longitude           *float64 `json:"longitude" yaml:"longitude"`
	NumLockersWithPower *float64 `json:"num_lockers_with_power" yaml:"num_lockers_with_power"`
	Capacity            *float64 `json:"capacity" yaml:"capacity"`
	Demo                bool     `json:"demo,omitempty" yaml:"demo"`
	DefaultLocation     bool     `json:"default_location,omitempty" yaml:"default_location"`
}

// ValidationError maps field names to human-readable messages.
type ValidationError struct {
	Fields map[string]string `json:"fields"`
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for f := range e.Fields {
		names = append(names, f)
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, f := range names {
		parts[i] = fmt.Sprintf("%s: %s", f, e.Fields[f])
	}
	return "station: invalid input: " + strings.Join(parts, "; ")
}

type textRule struct {
	field    string
	label    string
	value    *string
	maxRunes int
}

// Normalize trims text fields and converts them to NFC.
func (in CreateInput) Normalize() CreateInput {
	for _, s := range []*string{&in.Name, &in.Address, &in.Postcode, &in.City, &in.TTNLocationKey} {
		*s = norm.NFC.String(strings.TrimSpace(*s))
	}
	return in
}

// Validate checks the input against the admin form rules. It returns a
// *ValidationError listing every offending field.
func (in CreateInput) Validate() error {
	fields := map[string]string{}

	for _, r := range []textRule{
		{"name", "Name", &in.Name, 100},
		{"address", "Address", &in.Address, 255},
		{"postcode", "Postcode", &in.Postcode, 10},
		{"city", "City", &in.City, 100},
		{"ttn_location_key", "TTN location key", &in.TTNLocationKey, 100},
	} {
		n := utf8.RuneCountInString(*r.value)
		switch {
		case n == 0:
			fields[r.field] = r.label + " is required"
		case n > r.maxRunes:
			fields[r.field] = fmt.Sprintf("%s must be less than %d characters", r.label, r.maxRunes)
		}
	}

	checkRange(fields, "latitude", in.Latitude, -90, 90, "Latitude must be between -90 and 90")
	checkRange(fields, "longitude", in.Longitude, -180, 180, "Longitude must be between -180 and 180")

	switch v := in.NumLockersWithPower; {
	case v == nil:
		fields["num_lockers_with_power"] = "Number of lockers with power is required"
	case *v < 0:
		fields["num_lockers_with_power"] = "Must be 0 or greater"
	case !isWhole(*v):
		fields["num_lockers_with_power"] = "Must be a whole number"
	}

	switch v := in.Capacity; {
	case v == nil:
		fields["capacity"] = "Capacity is required"
	case *v < 1:
		fields["capacity"] = "Capacity must be at least 1"
	case !isWhole(*v):
		fields["capacity"] = "Must be a whole number"
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// Station converts validated input into a model.Station.
func (in CreateInput) Station() model.Station {
	return model.Station{
		Name:                in.Name,
		Address:             in.Address,
		Postcode:            in.Postcode,
		City:                in.City,
		TTNLocationKey:      in.TTNLocationKey,
		Latitude:            deref(in.Latitude),
		Longitude:           deref(in.Longitude),
		NumLockersWithPower: int(deref(in.NumLockersWithPower)),
		Capacity:            int(deref(in.Capacity)),
		Demo:                in.Demo,
		DefaultLocation:     in.DefaultLocation,
	}
}

func checkRange(fields map[string]string, field string, v *float64, lo, hi float64, msg string) {
	switch {
	case v == nil:
		fields[field] = strings.ToUpper(field[:1]) + field[1:] + " is required"
	case math.IsNaN(*v) || *v < lo || *v > hi:
		fields[field] = msg
	}
}

func isWhole(v float64) bool {
	return v == math.Trunc(v) && !math.IsInf(v, 0)
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
